package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusRecorder implements the Recorder interface using Prometheus metrics.
type PrometheusRecorder struct {
	activeSessions  *prometheus.GaugeVec
	connectedAgents prometheus.Gauge
	launchesTotal   *prometheus.CounterVec
	launchDuration  *prometheus.HistogramVec
	messagesTotal   prometheus.Counter
	threadsTotal    prometheus.Counter
	waitsTotal      *prometheus.CounterVec
}

// NewPrometheusRecorder creates a recorder registered with reg. A nil reg uses the
// default registerer.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusRecorder{
		activeSessions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "coral_active_sessions",
				Help: "Number of sessions currently registered, by namespace",
			},
			[]string{"namespace"},
		),
		connectedAgents: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "coral_connected_agents",
				Help: "Number of agents with at least one live connection",
			},
		),
		launchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coral_runtime_launches_total",
				Help: "Total number of finished runtime launches by runtime and outcome",
			},
			[]string{"runtime", "outcome"},
		),
		launchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coral_runtime_duration_seconds",
				Help:    "Duration of runtime launches in seconds",
				Buckets: prometheus.ExponentialBuckets(0.1, 4, 8),
			},
			[]string{"runtime"},
		),
		messagesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "coral_messages_total",
				Help: "Total number of messages accepted by threads",
			},
		),
		threadsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "coral_threads_total",
				Help: "Total number of threads created",
			},
		),
		waitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coral_message_waits_total",
				Help: "Total number of finished message waits by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// SessionOpened increments the active session gauge for namespace.
func (p *PrometheusRecorder) SessionOpened(namespace string) {
	p.activeSessions.WithLabelValues(namespace).Inc()
}

// SessionClosed decrements the active session gauge for namespace.
func (p *PrometheusRecorder) SessionClosed(namespace string) {
	p.activeSessions.WithLabelValues(namespace).Dec()
}

// AgentConnected increments the connected agent gauge.
func (p *PrometheusRecorder) AgentConnected() {
	p.connectedAgents.Inc()
}

// AgentDisconnected decrements the connected agent gauge.
func (p *PrometheusRecorder) AgentDisconnected() {
	p.connectedAgents.Dec()
}

// ObserveLaunch records a finished launch.
func (p *PrometheusRecorder) ObserveLaunch(runtime, outcome string, duration time.Duration) {
	p.launchesTotal.WithLabelValues(runtime, outcome).Inc()
	p.launchDuration.WithLabelValues(runtime).Observe(duration.Seconds())
}

// IncMessages increments the message counter.
func (p *PrometheusRecorder) IncMessages() {
	p.messagesTotal.Inc()
}

// IncThreads increments the thread counter.
func (p *PrometheusRecorder) IncThreads() {
	p.threadsTotal.Inc()
}

// IncWait increments the wait counter for outcome.
func (p *PrometheusRecorder) IncWait(outcome string) {
	p.waitsTotal.WithLabelValues(outcome).Inc()
}
