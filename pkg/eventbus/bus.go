// Package eventbus implements a multi-subscriber broadcast bus with bounded,
// drop-oldest per-subscriber buffers and optional history replay.
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// DefaultBufferSize is the per-subscriber buffer used when none is configured.
const DefaultBufferSize = 64

type options struct {
	bufferSize   int
	historyDepth int
}

// Option configures a Bus.
type Option func(*options)

// WithBufferSize sets the per-subscriber buffer size.
func WithBufferSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.bufferSize = n
		}
	}
}

// WithHistory makes the bus retain the last depth events for SubscribeWithReplay.
func WithHistory(depth int) Option {
	return func(o *options) {
		if depth > 0 {
			o.historyDepth = depth
		}
	}
}

// Bus fans out emitted events to every live subscription.
type Bus[T any] struct {
	mu         sync.Mutex
	subs       map[*Subscription[T]]struct{}
	bufferSize int
	history    []T
	depth      int
	closed     bool
}

// New creates an open bus.
func New[T any](opts ...Option) *Bus[T] {
	o := options{bufferSize: DefaultBufferSize}
	for _, opt := range opts {
		opt(&o)
	}
	return &Bus[T]{
		subs:       make(map[*Subscription[T]]struct{}),
		bufferSize: o.bufferSize,
		depth:      o.historyDepth,
	}
}

// Emit delivers ev to every subscriber without blocking. A subscriber whose
// buffer is full loses its oldest buffered event. Emit after Close is a no-op.
func (b *Bus[T]) Emit(ev T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	if b.depth > 0 {
		b.history = append(b.history, ev)
		if len(b.history) > b.depth {
			b.history = b.history[len(b.history)-b.depth:]
		}
	}
	for sub := range b.subs {
		sub.push(ev)
	}
}

// Subscribe returns a subscription receiving events emitted from now on.
func (b *Bus[T]) Subscribe() *Subscription[T] {
	return b.SubscribeWithReplay(0)
}

// SubscribeWithReplay returns a subscription that first receives up to n of the
// most recent retained events. Replay requires a bus built WithHistory.
// Subscribing to a closed bus yields a subscription that drains the replay and ends.
func (b *Bus[T]) SubscribeWithReplay(n int) *Subscription[T] {
	size := b.bufferSize
	if n > size {
		size = n
	}
	sub := &Subscription[T]{
		bus:    b,
		size:   size,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if n > 0 && len(b.history) > 0 {
		start := len(b.history) - n
		if start < 0 {
			start = 0
		}
		sub.buf = append(sub.buf, b.history[start:]...)
	}
	if b.closed {
		sub.terminate()
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// History returns a copy of the retained events, oldest first.
func (b *Bus[T]) History() []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]T, len(b.history))
	copy(out, b.history)
	return out
}

// Subscribers returns the number of live subscriptions.
func (b *Bus[T]) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close terminates every subscription. Buffered events remain readable.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		sub.terminate()
	}
	b.subs = nil
}

// Closed reports whether Close has been called.
func (b *Bus[T]) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Bus[T]) unsubscribe(sub *Subscription[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sub)
}

// Subscription is one subscriber's bounded view of a Bus.
type Subscription[T any] struct {
	bus     *Bus[T]
	mu      sync.Mutex
	buf     []T
	size    int
	ended   bool
	notify  chan struct{}
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
}

// Next returns the next event. It returns false once the subscription has ended
// and its buffer is drained, or when ctx is done.
func (s *Subscription[T]) Next(ctx context.Context) (T, bool) {
	var zero T
	for {
		s.mu.Lock()
		if len(s.buf) > 0 {
			ev := s.buf[0]
			s.buf[0] = zero
			s.buf = s.buf[1:]
			s.mu.Unlock()
			return ev, true
		}
		ended := s.ended
		s.mu.Unlock()
		if ended {
			return zero, false
		}

		select {
		case <-s.notify:
		case <-s.done:
		case <-ctx.Done():
			return zero, false
		}
	}
}

// Collect calls fn for every event until the subscription ends, ctx is done, or
// fn returns an error. Ending and cancellation are normal exits and return nil.
func (s *Subscription[T]) Collect(ctx context.Context, fn func(T) error) error {
	for {
		ev, ok := s.Next(ctx)
		if !ok {
			return nil
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

// Close detaches the subscription from its bus.
func (s *Subscription[T]) Close() {
	s.bus.unsubscribe(s)
	s.terminate()
}

// Done is closed when the subscription ends.
func (s *Subscription[T]) Done() <-chan struct{} {
	return s.done
}

// Dropped returns how many events were discarded because the buffer was full.
func (s *Subscription[T]) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscription[T]) push(ev T) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	if len(s.buf) >= s.size {
		var zero T
		s.buf[0] = zero
		s.buf = s.buf[1:]
		s.dropped.Add(1)
	}
	s.buf = append(s.buf, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription[T]) terminate() {
	s.once.Do(func() {
		s.mu.Lock()
		s.ended = true
		s.mu.Unlock()
		close(s.done)
	})
}
