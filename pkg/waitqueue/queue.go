// Package waitqueue provides a mutex-guarded list whose callers can park until the
// next insertion, optionally filtered by a predicate.
package waitqueue

import (
	"context"
	"sync"
)

// Queue is a thread-safe list of items with blocking waits on insertion.
// The zero value is ready to use.
type Queue[T any] struct {
	mu      sync.Mutex
	items   []T
	waiters []chan T
}

// New creates an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{}
}

// Add appends item and hands it to exactly one parked caller, if any.
// Parked callers are served in the order they parked.
func (q *Queue[T]) Add(item T) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(q.items, item)
	if len(q.waiters) == 0 {
		return
	}
	w := q.waiters[0]
	q.waiters[0] = nil
	q.waiters = q.waiters[1:]
	// Each waiter channel has capacity 1 and receives at most one item.
	w <- item
}

// WaitForNext blocks until the next item is added or ctx is done.
// A cancelled caller removes its parked slot before returning.
func (q *Queue[T]) WaitForNext(ctx context.Context) (T, error) {
	q.mu.Lock()
	ch := q.park()
	q.mu.Unlock()
	return q.await(ctx, ch)
}

// FirstMatching returns the first existing item matching pred, or blocks until a
// matching item is added. The scan and the parking happen under one lock hold so
// an insertion between them cannot be missed.
func (q *Queue[T]) FirstMatching(ctx context.Context, pred func(T) bool) (T, error) {
	q.mu.Lock()
	for _, item := range q.items {
		if pred(item) {
			q.mu.Unlock()
			return item, nil
		}
	}
	ch := q.park()
	q.mu.Unlock()

	for {
		item, err := q.await(ctx, ch)
		if err != nil {
			return item, err
		}
		if pred(item) {
			return item, nil
		}
		q.mu.Lock()
		ch = q.park()
		q.mu.Unlock()
	}
}

// ForEach calls fn for every item while holding the lock.
// fn must not call back into the queue.
func (q *Queue[T]) ForEach(fn func(T)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range q.items {
		fn(item)
	}
}

// RemoveFunc removes every item for which pred returns true and reports how many were removed.
func (q *Queue[T]) RemoveFunc(pred func(T) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.items[:0]
	removed := 0
	for _, item := range q.items {
		if pred(item) {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	var zero T
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = zero
	}
	q.items = kept
	return removed
}

// Len returns the number of items currently held.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns a copy of the current items.
func (q *Queue[T]) Snapshot() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]T, len(q.items))
	copy(out, q.items)
	return out
}

// Waiting returns the number of parked callers.
func (q *Queue[T]) Waiting() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}

// park registers a new waiter slot. Caller holds q.mu.
func (q *Queue[T]) park() chan T {
	ch := make(chan T, 1)
	q.waiters = append(q.waiters, ch)
	return ch
}

func (q *Queue[T]) await(ctx context.Context, ch chan T) (T, error) {
	select {
	case item := <-ch:
		return item, nil
	case <-ctx.Done():
	}

	q.mu.Lock()
	parked := false
	for i, w := range q.waiters {
		if w == ch {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			parked = true
			break
		}
	}
	if !parked {
		// Add already handed us an item; pass it on to the next parked caller.
		select {
		case item := <-ch:
			if len(q.waiters) > 0 {
				next := q.waiters[0]
				q.waiters = q.waiters[1:]
				next <- item
			}
		default:
		}
	}
	q.mu.Unlock()

	var zero T
	return zero, ctx.Err()
}
