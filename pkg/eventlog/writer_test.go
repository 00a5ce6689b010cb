package eventlog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/eventbus"
	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/events"
)

func TestWriteAndReadEvents(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)

	for _, typ := range []events.Type{events.AgentConnected, events.MessageSent} {
		ev := events.New(typ)
		ev.SessionID = "s1"
		require.NoError(t, w.WriteEvent(&ev))
	}
	path := w.CurrentLogFile()
	require.NoError(t, w.Close())
	assert.Empty(t, w.CurrentLogFile())

	got, err := ReadEvents(path)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, events.AgentConnected, got[0].Type)
	assert.Equal(t, events.MessageSent, got[1].Type)
	assert.Equal(t, "s1", got[1].SessionID)
}

func TestDailyRotation(t *testing.T) {
	dir := t.TempDir()
	day := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	w, err := NewWriter(dir)
	require.NoError(t, err)
	defer w.Close()
	w.now = func() time.Time { return day }

	ev := events.New(events.SessionCreated)
	require.NoError(t, w.WriteEvent(&ev))
	day = day.Add(2 * time.Minute)
	require.NoError(t, w.WriteEvent(&ev))

	files, err := ListLogFiles(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, filepath.Base(f))
	}
	assert.Contains(t, names, "events-2026-03-01.jsonl")
	assert.Contains(t, names, "events-2026-03-02.jsonl")
	assert.Equal(t, filepath.Join(dir, "events-2026-03-02.jsonl"), w.CurrentLogFile())
}

func TestFollowWritesUntilBusCloses(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)
	defer w.Close()

	bus := eventbus.New[events.Event]()
	done := make(chan struct{})
	sub := bus.Subscribe()
	go func() {
		w.Follow(context.Background(), sub)
		close(done)
	}()

	for i := 0; i < 3; i++ {
		bus.Emit(events.New(events.WaitStarted))
	}
	bus.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Follow did not return after the bus closed")
	}

	got, err := ReadEvents(w.CurrentLogFile())
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestReadEventsRejectsCorruptLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events-bad.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"type\":\"session_created\"}\n\n{oops\n"), 0o644))

	_, err := ReadEvents(path)
	assert.ErrorContains(t, err, "line 3")
}
