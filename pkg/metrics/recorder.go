// Package metrics records session engine metrics.
package metrics

import "time"

// Recorder defines the interface for recording session engine metrics.
type Recorder interface {
	// SessionOpened and SessionClosed track active sessions per namespace.
	SessionOpened(namespace string)
	SessionClosed(namespace string)

	// AgentConnected and AgentDisconnected track agents with a live connection.
	AgentConnected()
	AgentDisconnected()

	// ObserveLaunch records one finished runtime launch.
	ObserveLaunch(runtime, outcome string, duration time.Duration)

	// IncMessages counts messages accepted by a thread.
	IncMessages()

	// IncThreads counts created threads.
	IncThreads()

	// IncWait counts finished waits by outcome: message, timeout or cancelled.
	IncWait(outcome string)
}

// NoopRecorder implements Recorder with no-op behavior for when metrics are disabled.
type NoopRecorder struct{}

// Nop returns a no-op metrics recorder that discards all metrics.
func Nop() Recorder {
	return &NoopRecorder{}
}

func (n *NoopRecorder) SessionOpened(string) {}
func (n *NoopRecorder) SessionClosed(string) {}
func (n *NoopRecorder) AgentConnected() {}
func (n *NoopRecorder) AgentDisconnected() {}
func (n *NoopRecorder) ObserveLaunch(_, _ string, _ time.Duration) {}
func (n *NoopRecorder) IncMessages() {}
func (n *NoopRecorder) IncThreads() {}
func (n *NoopRecorder) IncWait(string) {}
