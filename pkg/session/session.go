// Package session holds per-session state and drives agent launch, connection
// handshakes, message waits and teardown.
package session

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Coral-Protocol/coral-server-next-sub000/internal/supervisor"
	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/eventbus"
	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/events"
	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/logx"
	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/metrics"
	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/thread"
)

type handshakeConfig struct {
	Timeout time.Duration
	Policy  HandshakePolicy
}

// Session is one running collaboration of agents sharing threads.
type Session struct {
	id        string
	namespace string
	paymentID string
	createdAt time.Time

	parent context.Context
	mode   supervisor.Mode

	agents  map[string]*Agent
	threads sync.Map

	bus      *eventbus.Bus[events.Event]
	logs     *logx.Buffer
	logger   *logx.Logger
	recorder metrics.Recorder
	usage    UsageSink

	handshake          handshakeConfig
	connectionTemplate string
	apiURL             string

	mu       sync.Mutex
	launched bool
	sup      *supervisor.Supervisor

	closing   atomic.Bool
	closeOnce sync.Once
	onClose   func(*Session)
	done      chan struct{}
}

func (s *Session) ID() string           { return s.id }
func (s *Session) Namespace() string    { return s.namespace }
func (s *Session) PaymentID() string    { return s.paymentID }
func (s *Session) CreatedAt() time.Time { return s.createdAt }
func (s *Session) Logger() *logx.Logger { return s.logger }

// Events returns the session event bus.
func (s *Session) Events() *eventbus.Bus[events.Event] { return s.bus }

// Logs returns the session's replayable log buffer.
func (s *Session) Logs() *logx.Buffer { return s.logs }

// Closing reports whether every agent task has finished.
func (s *Session) Closing() bool { return s.closing.Load() }

// Done is closed once the session has finished and been cleaned up.
func (s *Session) Done() <-chan struct{} { return s.done }

// Launched reports whether LaunchAgents has run.
func (s *Session) Launched() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.launched
}

// GetAgent returns the named agent.
func (s *Session) GetAgent(name string) (*Agent, error) {
	a, ok := s.agents[name]
	if !ok {
		return nil, notFound("agent", name)
	}
	return a, nil
}

// Agents returns every agent sorted by name.
func (s *Session) Agents() []*Agent {
	names := make([]string, 0, len(s.agents))
	for name := range s.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*Agent, 0, len(names))
	for _, name := range names {
		out = append(out, s.agents[name])
	}
	return out
}

// CreateThread creates a thread owned by creator with the given participants.
func (s *Session) CreateThread(creator, name string, participants []string) (*thread.Thread, error) {
	if _, err := s.GetAgent(creator); err != nil {
		return nil, err
	}
	for _, p := range participants {
		if _, err := s.GetAgent(p); err != nil {
			return nil, err
		}
	}

	t := thread.New(name, creator, participants, thread.NotifierFunc(s.notify))
	s.threads.Store(t.ID(), t)

	ev := events.New(events.ThreadCreated)
	ev.Agent = creator
	ev.ThreadID = t.ID()
	s.emit(ev)
	s.recorder.IncThreads()
	s.logger.Debug("Thread %s (%s) created by %s", t.ID(), name, creator)
	return t, nil
}

// GetThreadByID returns the thread with the given ID.
func (s *Session) GetThreadByID(id string) (*thread.Thread, error) {
	v, ok := s.threads.Load(id)
	if !ok {
		return nil, notFound("thread", id)
	}
	return v.(*thread.Thread), nil
}

// Threads returns every thread ordered by creation time.
func (s *Session) Threads() []*thread.Thread {
	var out []*thread.Thread
	s.threads.Range(func(_, v any) bool {
		out = append(out, v.(*thread.Thread))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt().Before(out[j].CreatedAt()) })
	return out
}

// SendMessage posts text from sender to a thread.
func (s *Session) SendMessage(sender, threadID, text string, mentions []string) (*thread.Message, error) {
	t, err := s.GetThreadByID(threadID)
	if err != nil {
		return nil, err
	}
	msg, err := t.AddMessage(sender, text, mentions)
	if err != nil {
		return nil, err
	}

	ev := events.New(events.MessageSent)
	ev.Agent = sender
	ev.ThreadID = threadID
	ev.Message = msg
	s.emit(ev)
	s.recorder.IncMessages()
	return msg, nil
}

// AddParticipant adds target to a thread on requester's behalf.
func (s *Session) AddParticipant(requester, threadID, target string) error {
	t, err := s.GetThreadByID(threadID)
	if err != nil {
		return err
	}
	if _, err := s.GetAgent(target); err != nil {
		return err
	}
	if err := t.AddParticipant(requester, target); err != nil {
		return err
	}

	ev := events.New(events.ParticipantAdded)
	ev.Agent = requester
	ev.ThreadID = threadID
	ev.Target = target
	s.emit(ev)
	return nil
}

// RemoveParticipant removes target from a thread on requester's behalf.
func (s *Session) RemoveParticipant(requester, threadID, target string) error {
	t, err := s.GetThreadByID(threadID)
	if err != nil {
		return err
	}
	if err := t.RemoveParticipant(requester, target); err != nil {
		return err
	}

	ev := events.New(events.ParticipantRemoved)
	ev.Agent = requester
	ev.ThreadID = threadID
	ev.Target = target
	s.emit(ev)
	return nil
}

// CloseThread closes a thread with summary. The requester must be a participant.
func (s *Session) CloseThread(requester, threadID, summary string) error {
	t, err := s.GetThreadByID(threadID)
	if err != nil {
		return err
	}
	if !t.HasParticipant(requester) {
		return &thread.ValidationError{
			ThreadID: threadID,
			Op:       "close",
			Reason:   "requester is not a participant",
			Names:    []string{requester},
		}
	}
	if err := t.Close(summary); err != nil {
		return err
	}

	ev := events.New(events.ThreadClosed)
	ev.Agent = requester
	ev.ThreadID = threadID
	ev.Summary = summary
	s.emit(ev)
	return nil
}

// UsageReports returns the usage reports of every agent.
func (s *Session) UsageReports() []UsageReport {
	var out []UsageReport
	for _, a := range s.Agents() {
		out = append(out, a.execution.UsageReports()...)
	}
	return out
}

// LaunchAgents starts one supervised task per agent. It may be called once; a
// second call panics with *IllegalStateError. When every task has finished the
// session is marked closing and cleaned up.
func (s *Session) LaunchAgents() {
	s.mu.Lock()
	if s.launched {
		s.mu.Unlock()
		panic(&IllegalStateError{Op: "launch agents", State: "session " + s.id + " already launched"})
	}
	s.launched = true
	sup := supervisor.New(s.parent, s.mode, s.logger.WithComponent("supervisor"))
	s.sup = sup
	s.mu.Unlock()

	for _, a := range s.Agents() {
		sup.Go(a.name, a.execution.Launch)
	}
	sup.Seal()
	s.logger.Info("Launched %d agents (%s)", len(s.agents), s.mode)

	go func() {
		<-sup.Done()
		s.finish()
	}()
}

func (s *Session) requireLaunched(op string) *supervisor.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.launched {
		panic(&IllegalStateError{Op: op, State: "session " + s.id + " not launched"})
	}
	return s.sup
}

// JoinAgents blocks until every agent task has finished and the session has been
// cleaned up, or ctx is done. In propagating mode it returns the first failure.
func (s *Session) JoinAgents(ctx context.Context) error {
	sup := s.requireLaunched("join agents")
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if sup == nil {
		return nil
	}
	return sup.Wait(ctx)
}

// CancelAgents cancels every agent task without waiting.
func (s *Session) CancelAgents() {
	if sup := s.requireLaunched("cancel agents"); sup != nil {
		sup.CancelAll()
	}
}

// CancelAndJoinAgents cancels every agent task and waits for their cleanup.
func (s *Session) CancelAndJoinAgents(ctx context.Context) error {
	s.CancelAgents()
	return s.JoinAgents(ctx)
}

// CancelAndJoinAgent cancels one agent's task and waits for its cleanup.
func (s *Session) CancelAndJoinAgent(ctx context.Context, name string) error {
	sup := s.requireLaunched("cancel agent " + name)
	if _, err := s.GetAgent(name); err != nil {
		return err
	}
	if sup == nil {
		return nil
	}
	sup.Cancel(name)
	return sup.WaitTask(ctx, name)
}

// abandon closes a session that was never launched.
func (s *Session) abandon() {
	s.mu.Lock()
	if s.launched {
		s.mu.Unlock()
		return
	}
	s.launched = true
	s.mu.Unlock()
	s.finish()
}

func (s *Session) finish() {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		s.logger.Info("All agents finished, closing session")
		if s.onClose != nil {
			s.onClose(s)
		}
		s.bus.Close()
		s.logs.Close()
		close(s.done)
	})
}

func (s *Session) notify(participant string, msg *thread.Message) {
	if a, ok := s.agents[participant]; ok {
		a.notifyMessage(msg)
	}
}

func (s *Session) emit(ev events.Event) {
	ev.Namespace = s.namespace
	ev.SessionID = s.id
	s.bus.Emit(ev)
}
