package thread

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu   sync.Mutex
	seen map[string][]*Message
}

func newRecorder() *recordingNotifier {
	return &recordingNotifier{seen: make(map[string][]*Message)}
}

func (r *recordingNotifier) NotifyMessage(participant string, msg *Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen[participant] = append(r.seen[participant], msg)
}

func (r *recordingNotifier) count(participant string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen[participant])
}

func TestNewIncludesCreator(t *testing.T) {
	th := New("planning", "alice", []string{"bob", "alice"}, nil)

	assert.Equal(t, []string{"alice", "bob"}, th.Participants())
	assert.Equal(t, Open, th.State())
	assert.NotEmpty(t, th.ID())
	assert.Equal(t, "alice", th.Creator())
}

func TestAddMessageNotifiesOthers(t *testing.T) {
	rec := newRecorder()
	th := New("t", "alice", []string{"bob", "carol"}, rec)

	msg, err := th.AddMessage("alice", "hi", []string{"bob"})
	require.NoError(t, err)

	assert.Equal(t, th.ID(), msg.ThreadID)
	assert.True(t, msg.Mentioned("bob"))
	assert.Equal(t, 1, rec.count("bob"))
	assert.Equal(t, 1, rec.count("carol"))
	assert.Equal(t, 0, rec.count("alice"), "sender is not notified of its own message")
}

func TestAddMessageValidationIsAtomic(t *testing.T) {
	th := New("t", "alice", []string{"bob"}, nil)
	_, err := th.AddMessage("alice", "first", nil)
	require.NoError(t, err)

	cases := []struct {
		name     string
		sender   string
		mentions []string
	}{
		{"mentions self", "alice", []string{"alice"}},
		{"mentions outsider", "alice", []string{"bob", "mallory"}},
		{"sender outsider", "mallory", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := th.AddMessage(tc.sender, "rejected", tc.mentions)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrValidation)

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, th.ID(), verr.ThreadID)
			assert.Len(t, th.Messages(), 1, "rejected call must leave the log unchanged")
		})
	}
}

func TestCloseClearsLogAndKeepsSummary(t *testing.T) {
	th := New("t", "alice", []string{"bob"}, nil)
	_, err := th.AddMessage("bob", "hello", []string{"alice"})
	require.NoError(t, err)

	require.NoError(t, th.Close("done deal"))

	assert.Equal(t, Closed, th.State())
	assert.Empty(t, th.Messages())
	summary, closed := th.Summary()
	assert.True(t, closed)
	assert.Equal(t, "done deal", summary)

	_, err = th.AddMessage("alice", "late", nil)
	assert.ErrorIs(t, err, ErrThreadClosed)
	assert.Empty(t, th.Messages())

	err = th.Close("again")
	assert.ErrorIs(t, err, ErrThreadClosed)
	summary, _ = th.Summary()
	assert.Equal(t, "done deal", summary)
}

func TestAddParticipantDeliversBacklog(t *testing.T) {
	rec := newRecorder()
	th := New("t", "alice", []string{"bob"}, rec)
	for i := 0; i < 3; i++ {
		_, err := th.AddMessage("alice", fmt.Sprintf("m%d", i), nil)
		require.NoError(t, err)
	}

	require.NoError(t, th.AddParticipant("bob", "carol"))
	assert.Equal(t, 3, rec.count("carol"))
	assert.True(t, th.HasParticipant("carol"))

	err := th.AddParticipant("bob", "carol")
	assert.ErrorIs(t, err, ErrValidation)

	err = th.AddParticipant("mallory", "dave")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestRemoveParticipant(t *testing.T) {
	th := New("t", "alice", []string{"bob"}, nil)

	assert.ErrorIs(t, th.RemoveParticipant("mallory", "bob"), ErrValidation)
	assert.ErrorIs(t, th.RemoveParticipant("alice", "mallory"), ErrValidation)

	require.NoError(t, th.RemoveParticipant("alice", "bob"))
	assert.False(t, th.HasParticipant("bob"))
	assert.ErrorIs(t, th.RemoveParticipant("alice", "bob"), ErrValidation)
}

func TestConcurrentMutationAndIteration(t *testing.T) {
	th := New("busy", "creator", nil, NotifierFunc(func(string, *Message) {}))

	const ops = 200
	var wg sync.WaitGroup
	wg.Add(4)

	go func() {
		defer wg.Done()
		for i := 0; i < ops; i++ {
			_ = th.AddParticipant("creator", fmt.Sprintf("agent-%d", i))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < ops; i++ {
			_, _ = th.AddMessage("creator", fmt.Sprintf("msg-%d", i), nil)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < ops; i++ {
			n := 0
			th.ForEachParticipant(func(string) { n++ })
			assert.GreaterOrEqual(t, n, 1)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < ops; i++ {
			prev := ""
			th.ForEachMessage(func(m *Message) {
				assert.Greater(t, m.ID, prev, "message IDs must follow append order")
				prev = m.ID
			})
		}
	}()
	wg.Wait()

	assert.Len(t, th.Participants(), ops+1)
	assert.Len(t, th.Messages(), ops)
}

func TestFilters(t *testing.T) {
	msg := &Message{ThreadID: "t1", Sender: "alice", Mentions: []string{"bob"}}

	assert.True(t, MatchAll([]Filter{InThread("t1"), FromSender("alice"), MentionsSelf()}, msg, "bob"))
	assert.False(t, MatchAll([]Filter{MentionsSelf()}, msg, "carol"))
	assert.False(t, MatchAll([]Filter{InThread("t2")}, msg, "bob"))
	assert.True(t, MatchAll(nil, msg, "anyone"))
	assert.Equal(t, []string{"thread=t1", "mentions=self"}, Describe([]Filter{InThread("t1"), MentionsSelf()}))
}
