package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := NewPrometheusRecorder(reg)

	rec.SessionOpened("default")
	rec.SessionOpened("default")
	rec.SessionClosed("default")
	assert.InDelta(t, 1, testutil.ToFloat64(rec.activeSessions.WithLabelValues("default")), 0)

	rec.AgentConnected()
	rec.AgentConnected()
	rec.AgentDisconnected()
	assert.InDelta(t, 1, testutil.ToFloat64(rec.connectedAgents), 0)

	rec.ObserveLaunch("function", "completed", 50*time.Millisecond)
	rec.ObserveLaunch("function", "failed", time.Second)
	assert.InDelta(t, 1, testutil.ToFloat64(rec.launchesTotal.WithLabelValues("function", "failed")), 0)

	rec.IncMessages()
	rec.IncThreads()
	rec.IncWait("timeout")
	assert.InDelta(t, 1, testutil.ToFloat64(rec.waitsTotal.WithLabelValues("timeout")), 0)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "coral_runtime_duration_seconds")
	assert.Contains(t, names, "coral_messages_total")
}

func TestNopRecorder(t *testing.T) {
	rec := Nop()
	assert.NotPanics(t, func() {
		rec.SessionOpened("x")
		rec.ObserveLaunch("docker", "cancelled", time.Second)
		rec.IncWait("message")
	})
}
