package session

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/events"
	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/logx"
	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/thread"
	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/waitqueue"
)

// DefaultHandshakeTimeout bounds the blocking handshake when no timeout is configured.
const DefaultHandshakeTimeout = 10 * time.Second

// DefaultLogReplay is the session log history depth when none is configured.
const DefaultLogReplay = 100

// HandshakePolicy decides how the handshake timeout applies to a set of peers.
type HandshakePolicy int

const (
	// SharedDeadline waits for every peer concurrently against one deadline.
	SharedDeadline HandshakePolicy = iota
	// DividedDeadline splits the timeout evenly and waits for each peer in turn.
	DividedDeadline
)

func (p HandshakePolicy) String() string {
	switch p {
	case SharedDeadline:
		return "shared"
	case DividedDeadline:
		return "divided"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParseHandshakePolicy parses "shared" or "divided".
func ParseHandshakePolicy(s string) (HandshakePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "shared", "":
		return SharedDeadline, nil
	case "divided":
		return DividedDeadline, nil
	default:
		return SharedDeadline, fmt.Errorf("unknown handshake policy %q", s)
	}
}

// connCounter is a counter whose changes can be awaited.
type connCounter struct {
	mu      sync.Mutex
	n       int
	changed chan struct{}
}

func newConnCounter() *connCounter {
	return &connCounter{changed: make(chan struct{})}
}

func (c *connCounter) add(delta int) (before, after int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	before = c.n
	c.n += delta
	close(c.changed)
	c.changed = make(chan struct{})
	return before, c.n
}

func (c *connCounter) value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func (c *connCounter) wait(ctx context.Context, pred func(int) bool) error {
	for {
		c.mu.Lock()
		if pred(c.n) {
			c.mu.Unlock()
			return nil
		}
		ch := c.changed
		c.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// waiter is one outstanding WaitForMessage call. Its result is written at most once.
type waiter struct {
	filters []thread.Filter
	result  chan *thread.Message
	once    sync.Once
}

func (w *waiter) offer(msg *thread.Message) {
	w.once.Do(func() { w.result <- msg })
}

// abandon stops further delivery. It reports false if a message was already delivered.
func (w *waiter) abandon() bool {
	abandoned := false
	w.once.Do(func() { abandoned = true })
	return abandoned
}

// Agent is one participant of a session.
type Agent struct {
	name     string
	secret   string
	blocking bool
	session  *Session
	logger   *logx.Logger

	links map[string]*Agent

	conns          *connCounter
	attempted      atomic.Bool
	firstConnected chan struct{}

	waiters   *waitqueue.Queue[*waiter]
	execution *ExecutionContext
}

func newAgent(s *Session, name, secret string, blocking bool) *Agent {
	return &Agent{
		name:           name,
		secret:         secret,
		blocking:       blocking,
		session:        s,
		logger:         s.logger.WithAgent(name),
		links:          make(map[string]*Agent),
		conns:          newConnCounter(),
		firstConnected: make(chan struct{}),
		waiters:        waitqueue.New[*waiter](),
	}
}

// link connects a and b in both directions.
func link(a, b *Agent) {
	if a == b {
		return
	}
	a.links[b.name] = b
	b.links[a.name] = a
}

func (a *Agent) Name() string                 { return a.name }
func (a *Agent) Secret() string               { return a.secret }
func (a *Agent) Blocking() bool               { return a.blocking }
func (a *Agent) Session() *Session            { return a.session }
func (a *Agent) Logger() *logx.Logger         { return a.logger }
func (a *Agent) Execution() *ExecutionContext { return a.execution }

// Links returns the names of linked agents, sorted.
func (a *Agent) Links() []string {
	names := make([]string, 0, len(a.links))
	for name := range a.links {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LinkedTo reports whether a shares a group with the named agent.
func (a *Agent) LinkedTo(name string) bool {
	_, ok := a.links[name]
	return ok
}

// Connections returns the number of live connections.
func (a *Agent) Connections() int {
	return a.conns.value()
}

// WaitConnections blocks until pred holds for the connection count.
func (a *Agent) WaitConnections(ctx context.Context, pred func(int) bool) error {
	return a.conns.wait(ctx, pred)
}

// FirstConnected is closed when the agent first attempts to connect.
func (a *Agent) FirstConnected() <-chan struct{} {
	return a.firstConnected
}

// PendingWaits returns the number of outstanding WaitForMessage calls.
func (a *Agent) PendingWaits() int {
	return a.waiters.Len()
}

// Connection is one live protocol session of an agent.
type Connection struct {
	agent   *Agent
	pending []string
	closed  atomic.Bool
}

// Agent returns the connected agent.
func (c *Connection) Agent() *Agent { return c.agent }

// Pending lists the blocking peers that had not connected when the handshake ended.
func (c *Connection) Pending() []string { return c.pending }

// Close releases the connection. Only the first call has an effect.
func (c *Connection) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	a := c.agent
	if _, after := a.conns.add(-1); after == 0 {
		a.logger.Info("Agent disconnected")
		a.emit(events.New(events.AgentDisconnected))
		a.session.recorder.AgentDisconnected()
	}
}

// Connect registers a new connection. The first attempt of a blocking agent
// waits, bounded by the session's handshake timeout, for every blocking agent
// reachable through its links. A timeout is logged and does not fail the call.
func (a *Agent) Connect(ctx context.Context) (*Connection, error) {
	conn := &Connection{agent: a}

	if a.attempted.CompareAndSwap(false, true) {
		close(a.firstConnected)
		if a.blocking {
			pending, err := a.handshake(ctx)
			if err != nil {
				return nil, err
			}
			conn.pending = pending
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if before, _ := a.conns.add(1); before == 0 {
		a.logger.Info("Agent connected")
		a.emit(events.New(events.AgentConnected))
		a.session.recorder.AgentConnected()
	}
	return conn, nil
}

// blockingPeers walks the link graph depth-first and returns every reachable
// blocking agent other than a.
func (a *Agent) blockingPeers() []*Agent {
	visited := map[string]bool{a.name: true}
	var peers []*Agent

	var visit func(*Agent)
	visit = func(n *Agent) {
		for _, name := range n.Links() {
			if visited[name] {
				continue
			}
			visited[name] = true
			peer := n.links[name]
			if peer.blocking {
				peers = append(peers, peer)
			}
			visit(peer)
		}
	}
	visit(a)
	return peers
}

func (a *Agent) handshake(ctx context.Context) ([]string, error) {
	peers := a.blockingPeers()
	if len(peers) == 0 {
		return nil, nil
	}

	cfg := a.session.handshake
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	a.logger.Debug("Handshake (%s) waiting for %d blocking peers", cfg.Policy, len(peers))

	var pending []string
	switch cfg.Policy {
	case DividedDeadline:
		per := timeout / time.Duration(len(peers))
		for _, p := range peers {
			reached, err := waitReachable(ctx, p, per)
			if err != nil {
				return nil, err
			}
			if !reached {
				pending = append(pending, p.name)
			}
		}
	default:
		var (
			mu sync.Mutex
			wg sync.WaitGroup
		)
		for _, p := range peers {
			wg.Add(1)
			go func(p *Agent) {
				defer wg.Done()
				reached, _ := waitReachable(ctx, p, timeout)
				if !reached {
					mu.Lock()
					pending = append(pending, p.name)
					mu.Unlock()
				}
			}(p)
		}
		wg.Wait()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	sort.Strings(pending)
	if len(pending) > 0 {
		a.logger.Warn("Handshake timed out after %s; blocking peers not connected: %s",
			timeout, strings.Join(pending, ", "))
	}
	return pending, nil
}

func waitReachable(ctx context.Context, peer *Agent, d time.Duration) (bool, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-peer.firstConnected:
		return true, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// WaitForMessage blocks until a message matching every filter is delivered to a,
// the timeout elapses, or ctx is done. A timeout returns (nil, nil). A timeout of
// zero or less waits until ctx is done.
func (a *Agent) WaitForMessage(ctx context.Context, timeout time.Duration, filters ...thread.Filter) (*thread.Message, error) {
	w := &waiter{filters: filters, result: make(chan *thread.Message, 1)}
	a.waiters.Add(w)
	defer a.waiters.RemoveFunc(func(x *waiter) bool { return x == w })

	started := events.New(events.WaitStarted)
	started.Filters = thread.Describe(filters)
	a.emit(started)

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case msg := <-w.result:
		return a.waitDone("message", msg), nil
	case <-expired:
		if !w.abandon() {
			return a.waitDone("message", <-w.result), nil
		}
		return a.waitDone("timeout", nil), nil
	case <-ctx.Done():
		w.abandon()
		a.waitDone("cancelled", nil)
		return nil, ctx.Err()
	}
}

func (a *Agent) waitDone(outcome string, msg *thread.Message) *thread.Message {
	stopped := events.New(events.WaitStopped)
	stopped.Outcome = outcome
	stopped.Message = msg
	a.emit(stopped)
	a.session.recorder.IncWait(outcome)
	return msg
}

// notifyMessage offers msg to every outstanding waiter whose filters match.
func (a *Agent) notifyMessage(msg *thread.Message) {
	a.waiters.ForEach(func(w *waiter) {
		if thread.MatchAll(w.filters, msg, a.name) {
			w.offer(msg)
		}
	})
}

func (a *Agent) emit(ev events.Event) {
	ev.Agent = a.name
	a.session.emit(ev)
}

// CreateThread creates a thread owned by a.
func (a *Agent) CreateThread(name string, participants []string) (*thread.Thread, error) {
	return a.session.CreateThread(a.name, name, participants)
}

// SendMessage posts text to a thread as a.
func (a *Agent) SendMessage(threadID, text string, mentions []string) (*thread.Message, error) {
	return a.session.SendMessage(a.name, threadID, text, mentions)
}

// AddParticipant adds target to a thread on a's behalf.
func (a *Agent) AddParticipant(threadID, target string) error {
	return a.session.AddParticipant(a.name, threadID, target)
}

// RemoveParticipant removes target from a thread on a's behalf.
func (a *Agent) RemoveParticipant(threadID, target string) error {
	return a.session.RemoveParticipant(a.name, threadID, target)
}

// CloseThread closes a thread on a's behalf.
func (a *Agent) CloseThread(threadID, summary string) error {
	return a.session.CloseThread(a.name, threadID, summary)
}
