// Package thread implements session message threads: a participant set, an ordered
// message log, and the Open -> Closed(summary) state machine.
package thread

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// State is the lifecycle state of a thread.
type State int

const (
	Open State = iota
	Closed
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Message is an immutable entry in a thread's log.
type Message struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	Mentions  []string  `json:"mentions,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Mentioned reports whether name is in the message's mention set.
func (m *Message) Mentioned(name string) bool {
	return slices.Contains(m.Mentions, name)
}

// Notifier receives messages routed to a participant, either at send time or as
// backlog when the participant joins. It is called with the thread lock held and
// must not block or call back into the thread.
type Notifier interface {
	NotifyMessage(participant string, msg *Message)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(participant string, msg *Message)

func (f NotifierFunc) NotifyMessage(participant string, msg *Message) { f(participant, msg) }

// Thread is a participant-scoped message channel. All mutation and iteration
// happen under one per-thread lock.
type Thread struct {
	id        string
	name      string
	creator   string
	createdAt time.Time
	notifier  Notifier

	mu           sync.Mutex
	participants []string
	messages     []*Message
	state        State
	summary      string
}

// New creates an open thread. The creator is always a participant.
func New(name, creator string, participants []string, notifier Notifier) *Thread {
	t := &Thread{
		id:        uuid.NewString(),
		name:      name,
		creator:   creator,
		createdAt: time.Now().UTC(),
		notifier:  notifier,
	}
	t.participants = append(t.participants, creator)
	for _, p := range participants {
		if !slices.Contains(t.participants, p) {
			t.participants = append(t.participants, p)
		}
	}
	return t
}

func (t *Thread) ID() string           { return t.id }
func (t *Thread) Name() string         { return t.name }
func (t *Thread) Creator() string      { return t.creator }
func (t *Thread) CreatedAt() time.Time { return t.createdAt }

// State returns the current state.
func (t *Thread) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Summary returns the closing summary and whether the thread is closed.
func (t *Thread) Summary() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.summary, t.state == Closed
}

// AddMessage validates and appends a message, then notifies every other participant.
// A rejected call leaves the log unchanged.
func (t *Thread) AddMessage(sender, text string, mentions []string) (*Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == Closed {
		return nil, t.closedError()
	}
	if !t.hasParticipant(sender) {
		return nil, t.invalid("add message", "sender is not a participant", sender)
	}
	if slices.Contains(mentions, sender) {
		return nil, t.invalid("add message", "sender cannot mention itself", sender)
	}
	var missing []string
	for _, m := range mentions {
		if !t.hasParticipant(m) {
			missing = append(missing, m)
		}
	}
	if len(missing) > 0 {
		return nil, t.invalid("add message", "mentioned agents are not participants", missing...)
	}

	msg := &Message{
		ID:        ulid.Make().String(),
		ThreadID:  t.id,
		Sender:    sender,
		Text:      text,
		Mentions:  slices.Clone(mentions),
		Timestamp: time.Now().UTC(),
	}
	t.messages = append(t.messages, msg)

	if t.notifier != nil {
		for _, p := range t.participants {
			if p != sender {
				t.notifier.NotifyMessage(p, msg)
			}
		}
	}
	return msg, nil
}

// AddParticipant adds target on behalf of requester and replays the message
// backlog to target's notification path.
func (t *Thread) AddParticipant(requester, target string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == Closed {
		return t.closedError()
	}
	if !t.hasParticipant(requester) {
		return t.invalid("add participant", "requester is not a participant", requester)
	}
	if t.hasParticipant(target) {
		return t.invalid("add participant", "target is already a participant", target)
	}
	t.participants = append(t.participants, target)

	if t.notifier != nil {
		for _, msg := range t.messages {
			t.notifier.NotifyMessage(target, msg)
		}
	}
	return nil
}

// RemoveParticipant removes target on behalf of requester.
func (t *Thread) RemoveParticipant(requester, target string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == Closed {
		return t.closedError()
	}
	if !t.hasParticipant(requester) {
		return t.invalid("remove participant", "requester is not a participant", requester)
	}
	idx := slices.Index(t.participants, target)
	if idx < 0 {
		return t.invalid("remove participant", "target is not a participant", target)
	}
	t.participants = slices.Delete(t.participants, idx, idx+1)
	return nil
}

// Close transitions the thread to Closed, discarding the message log.
func (t *Thread) Close(summary string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == Closed {
		return t.closedError()
	}
	t.state = Closed
	t.summary = summary
	t.messages = nil
	return nil
}

// Messages returns a copy of the message log.
func (t *Thread) Messages() []*Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.messages)
}

// Participants returns a copy of the participant list in join order.
func (t *Thread) Participants() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.participants)
}

// HasParticipant reports whether name currently participates.
func (t *Thread) HasParticipant(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasParticipant(name)
}

// ForEachMessage iterates the log under the thread lock.
// fn must not call back into the thread.
func (t *Thread) ForEachMessage(fn func(*Message)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range t.messages {
		fn(m)
	}
}

// ForEachParticipant iterates participants under the thread lock.
// fn must not call back into the thread.
func (t *Thread) ForEachParticipant(fn func(string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.participants {
		fn(p)
	}
}

func (t *Thread) hasParticipant(name string) bool {
	return slices.Contains(t.participants, name)
}

func (t *Thread) closedError() error {
	return fmt.Errorf("thread %s (%s): %w", t.id, t.name, ErrThreadClosed)
}

func (t *Thread) invalid(op, reason string, names ...string) error {
	return &ValidationError{ThreadID: t.id, Op: op, Reason: reason, Names: names}
}
