// Package events defines the session and namespace lifecycle events published on
// event buses and written to the event log.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/thread"
)

// Type identifies an event.
type Type string

const (
	// Agent lifecycle.
	AgentConnected    Type = "agent_connected"
	AgentDisconnected Type = "agent_disconnected"
	RuntimeStarted    Type = "runtime_started"
	RuntimeStopped    Type = "runtime_stopped"
	ContainerCreated  Type = "container_created"
	ContainerRemoved  Type = "container_removed"

	// Threads and messages.
	ThreadCreated      Type = "thread_created"
	ThreadClosed       Type = "thread_closed"
	ParticipantAdded   Type = "participant_added"
	ParticipantRemoved Type = "participant_removed"
	MessageSent        Type = "message_sent"

	// Waits.
	WaitStarted Type = "wait_started"
	WaitStopped Type = "wait_stopped"

	// Namespace scope.
	SessionCreated Type = "session_created"
	SessionClosed  Type = "session_closed"
)

// Event is one published occurrence. Fields not relevant to the type are empty.
type Event struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Namespace string          `json:"namespace,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Agent     string          `json:"agent,omitempty"`
	ThreadID  string          `json:"thread_id,omitempty"`
	Target    string          `json:"target,omitempty"`
	Summary   string          `json:"summary,omitempty"`
	Container string          `json:"container,omitempty"`
	Runtime   string          `json:"runtime,omitempty"`
	Outcome   string          `json:"outcome,omitempty"`
	Filters   []string        `json:"filters,omitempty"`
	Message   *thread.Message `json:"message,omitempty"`
}

// New creates an event of type t stamped with a fresh ID and the current time.
func New(t Type) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: time.Now().UTC(),
	}
}

// ToJSON serialises the event.
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON parses an event.
func FromJSON(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return &e, nil
}

// Emitter publishes events.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Event)

func (f EmitterFunc) Emit(e Event) { f(e) }

// Discard drops every event.
var Discard Emitter = EmitterFunc(func(Event) {})
