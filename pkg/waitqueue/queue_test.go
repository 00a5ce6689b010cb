package waitqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddWakesOneWaiter(t *testing.T) {
	q := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got := make(chan int, 1)
	go func() {
		v, err := q.WaitForNext(ctx)
		if err == nil {
			got <- v
		}
	}()

	require.Eventually(t, func() bool { return q.Waiting() == 1 }, time.Second, time.Millisecond)
	q.Add(42)

	select {
	case v := <-got:
		assert.Equal(t, 42, v)
	case <-ctx.Done():
		t.Fatal("waiter was not woken")
	}
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, 0, q.Waiting())
}

func TestWaitForNextCancelDeregisters(t *testing.T) {
	q := New[string]()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := q.WaitForNext(ctx)
		done <- err
	}()

	require.Eventually(t, func() bool { return q.Waiting() == 1 }, time.Second, time.Millisecond)
	cancel()

	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, q.Waiting(), "cancelled waiter must not leak")
}

func TestFirstMatchingScansExisting(t *testing.T) {
	q := New[int]()
	q.Add(1)
	q.Add(4)

	v, err := q.FirstMatching(context.Background(), func(i int) bool { return i%2 == 0 })
	require.NoError(t, err)
	assert.Equal(t, 4, v)
}

func TestFirstMatchingWaitsForMatch(t *testing.T) {
	q := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result := make(chan int, 1)
	go func() {
		v, err := q.FirstMatching(ctx, func(i int) bool { return i > 10 })
		if err == nil {
			result <- v
		}
	}()

	for _, v := range []int{1, 2, 3, 11} {
		require.Eventually(t, func() bool { return q.Waiting() == 1 }, time.Second, time.Millisecond)
		q.Add(v)
	}

	select {
	case v := <-result:
		assert.Equal(t, 11, v)
	case <-ctx.Done():
		t.Fatal("FirstMatching did not return")
	}
}

func TestFirstMatchingCancelled(t *testing.T) {
	q := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.FirstMatching(ctx, func(int) bool { return false })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, q.Waiting())
}

func TestRemoveFuncAndSnapshot(t *testing.T) {
	q := New[int]()
	for i := 0; i < 6; i++ {
		q.Add(i)
	}

	removed := q.RemoveFunc(func(i int) bool { return i%2 == 1 })
	assert.Equal(t, 3, removed)
	assert.Equal(t, []int{0, 2, 4}, q.Snapshot())

	var seen []int
	q.ForEach(func(i int) { seen = append(seen, i) })
	assert.Equal(t, []int{0, 2, 4}, seen)
}

func TestConcurrentAddAndWait(t *testing.T) {
	q := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const n = 50
	var wg sync.WaitGroup
	results := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := q.WaitForNext(ctx)
			if err == nil {
				results <- v
			}
		}()
	}

	require.Eventually(t, func() bool { return q.Waiting() == n }, 2*time.Second, time.Millisecond)
	for i := 0; i < n; i++ {
		q.Add(i)
	}
	wg.Wait()
	close(results)

	seen := make(map[int]bool)
	for v := range results {
		seen[v] = true
	}
	assert.Len(t, seen, n, "every item should complete exactly one waiter")
}
