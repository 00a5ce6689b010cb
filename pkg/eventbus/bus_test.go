package eventbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain[T any](t *testing.T, sub *Subscription[T]) []T {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	var out []T
	for {
		ev, ok := sub.Next(ctx)
		if !ok {
			return out
		}
		out = append(out, ev)
	}
}

func TestSubscribeReceivesOnlyLaterEvents(t *testing.T) {
	bus := New[int]()
	bus.Emit(1)

	sub := bus.Subscribe()
	bus.Emit(2)
	bus.Emit(3)

	assert.Equal(t, []int{2, 3}, drain(t, sub))
}

func TestEmitDropsOldestOnOverflow(t *testing.T) {
	bus := New[int](WithBufferSize(3))
	sub := bus.Subscribe()

	for i := 1; i <= 5; i++ {
		bus.Emit(i)
	}

	assert.Equal(t, []int{3, 4, 5}, drain(t, sub))
	assert.Equal(t, uint64(2), sub.Dropped())
}

func TestEmitNeverBlocksWithoutReader(t *testing.T) {
	bus := New[int](WithBufferSize(1))
	_ = bus.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			bus.Emit(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a slow subscriber")
	}
}

func TestReplayHistory(t *testing.T) {
	bus := New[string](WithHistory(2))
	bus.Emit("a")
	bus.Emit("b")
	bus.Emit("c")

	sub := bus.SubscribeWithReplay(5)
	bus.Emit("d")

	assert.Equal(t, []string{"b", "c", "d"}, drain(t, sub))
}

func TestCloseUnblocksCollect(t *testing.T) {
	bus := New[int]()
	sub := bus.Subscribe()

	result := make(chan error, 1)
	go func() {
		result <- sub.Collect(context.Background(), func(int) error { return nil })
	}()

	require.Eventually(t, func() bool { return bus.Subscribers() == 1 }, time.Second, time.Millisecond)
	bus.Close()

	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Collect did not return after Close")
	}
	assert.True(t, bus.Closed())
}

func TestCollectCancellationIsNotAnError(t *testing.T) {
	bus := New[int]()
	sub := bus.Subscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.NoError(t, sub.Collect(ctx, func(int) error { return nil }))
}

func TestCollectReturnsCallbackError(t *testing.T) {
	bus := New[int]()
	sub := bus.Subscribe()
	bus.Emit(1)

	boom := errors.New("boom")
	err := sub.Collect(context.Background(), func(int) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestBufferedEventsSurviveClose(t *testing.T) {
	bus := New[int]()
	sub := bus.Subscribe()
	bus.Emit(7)
	bus.Close()
	bus.Emit(8)

	assert.Equal(t, []int{7}, drain(t, sub))
}

func TestSubscriptionCloseDetaches(t *testing.T) {
	bus := New[int]()
	sub := bus.Subscribe()
	sub.Close()

	assert.Equal(t, 0, bus.Subscribers())
	select {
	case <-sub.Done():
	default:
		t.Fatal("Done should be closed")
	}
}
