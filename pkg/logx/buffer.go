package logx

import (
	"time"

	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/eventbus"
)

// Entry is one published log line.
type Entry struct {
	Time      time.Time         `json:"time"`
	Component string            `json:"component"`
	Level     Level             `json:"level"`
	Message   string            `json:"message"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// Buffer is a replayable stream of log entries, typically one per session.
type Buffer struct {
	bus    *eventbus.Bus[Entry]
	replay int
}

// NewBuffer creates a buffer retaining the last replayDepth entries for new subscribers.
func NewBuffer(replayDepth int) *Buffer {
	return &Buffer{
		bus:    eventbus.New[Entry](eventbus.WithHistory(replayDepth), eventbus.WithBufferSize(replayDepth+eventbus.DefaultBufferSize)),
		replay: replayDepth,
	}
}

// Subscribe streams entries, starting with the retained history.
func (b *Buffer) Subscribe() *eventbus.Subscription[Entry] {
	return b.bus.SubscribeWithReplay(b.replay)
}

// Entries returns the retained history.
func (b *Buffer) Entries() []Entry {
	return b.bus.History()
}

// Close ends every subscription.
func (b *Buffer) Close() {
	b.bus.Close()
}

func (b *Buffer) publish(e Entry) {
	b.bus.Emit(e)
}
