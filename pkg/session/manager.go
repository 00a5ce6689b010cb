package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Coral-Protocol/coral-server-next-sub000/internal/supervisor"
	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/eventbus"
	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/events"
	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/exec"
	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/logx"
	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/metrics"
	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/registry"
)

// Mode selects whether one agent's failure cancels its siblings.
type Mode = supervisor.Mode

const (
	Supervised  = supervisor.Supervised
	Propagating = supervisor.Propagating
)

// Options configures a Manager.
type Options struct {
	Mode             Mode
	HandshakeTimeout time.Duration
	HandshakePolicy  HandshakePolicy
	// ConnectionURL is a template; {namespace}, {session}, {agent} and {secret}
	// are substituted per agent.
	ConnectionURL string
	APIURL        string
	// EventBuffer is the per-subscriber buffer of session event buses.
	EventBuffer int
	// LogReplay is the number of log entries replayed to new log subscribers.
	LogReplay int
}

// PaymentService optionally opens a payment session for a new session.
type PaymentService interface {
	CreatePaymentSession(ctx context.Context, graph *AgentGraph) (string, error)
}

// Deps are the collaborators of a Manager. Registry and Runtimes are required.
type Deps struct {
	Registry registry.Registry
	Runtimes *exec.Registry
	Payment  PaymentService
	Logger   *logx.Logger
	Recorder metrics.Recorder
	Usage    UsageSink
	// OnCreate runs for every new session before session_created is published
	// and before any agent can be launched.
	OnCreate func(*Session)
}

// Location identifies an agent by namespace, session and name.
type Location struct {
	Namespace string
	SessionID string
	Agent     string
}

type namespace struct {
	name     string
	sessions map[string]*Session
}

// Manager owns namespaces, sessions and the secret lookup table.
type Manager struct {
	ctx    context.Context
	opts   Options
	deps   Deps
	logger *logx.Logger
	bus    *eventbus.Bus[events.Event]

	mu         sync.RWMutex
	namespaces map[string]*namespace
	secrets    map[string]Location
}

// NewManager creates a manager. Session scopes derive from ctx.
func NewManager(ctx context.Context, opts Options, deps Deps) (*Manager, error) {
	if deps.Registry == nil {
		return nil, fmt.Errorf("session manager needs a registry")
	}
	if deps.Runtimes == nil {
		return nil, fmt.Errorf("session manager needs a runtime registry")
	}
	if deps.Logger == nil {
		deps.Logger = logx.NewLogger("sessions")
	}
	if deps.Recorder == nil {
		deps.Recorder = metrics.Nop()
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = eventbus.DefaultBufferSize
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.LogReplay <= 0 {
		opts.LogReplay = DefaultLogReplay
	}

	return &Manager{
		ctx:        ctx,
		opts:       opts,
		deps:       deps,
		logger:     deps.Logger,
		bus:        eventbus.New[events.Event](eventbus.WithBufferSize(opts.EventBuffer)),
		namespaces: make(map[string]*namespace),
		secrets:    make(map[string]Location),
	}, nil
}

// Events returns the manager's namespace-scope bus carrying session_created and
// session_closed.
func (m *Manager) Events() *eventbus.Bus[events.Event] { return m.bus }

// Options returns the manager's options.
func (m *Manager) Options() Options { return m.opts }

type plannedAgent struct {
	name     string
	blocking bool
	def      *registry.Agent
	kind     exec.Kind
	values   map[string]registry.Value
}

// CreateSession resolves graph through the registry and registers a new session in
// namespace. The session is not launched.
func (m *Manager) CreateSession(ctx context.Context, ns string, graph *AgentGraph) (*Session, error) {
	if ns == "" {
		return nil, fmt.Errorf("namespace is required")
	}
	if err := graph.Validate(); err != nil {
		return nil, err
	}

	planned := make([]plannedAgent, 0, len(graph.Agents))
	for _, name := range graph.Names() {
		ga := graph.Agents[name]
		id, err := registry.ParseIdentifier(ga.Agent)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", name, err)
		}
		def, err := m.deps.Registry.Resolve(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", name, err)
		}
		if _, ok := def.Runtime(ga.Runtime); !ok {
			return nil, fmt.Errorf("agent %s: %s does not provide a %s runtime", name, def.ID, ga.Runtime)
		}
		values, err := ga.optionValues(def)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", name, err)
		}
		planned = append(planned, plannedAgent{name: name, blocking: ga.Blocking, def: def, kind: ga.Runtime, values: values})
	}

	var paymentID string
	if m.deps.Payment != nil {
		id, err := m.deps.Payment.CreatePaymentSession(ctx, graph)
		if err != nil {
			return nil, fmt.Errorf("creating payment session: %w", err)
		}
		paymentID = id
	}

	id, err := newToken()
	if err != nil {
		return nil, err
	}
	logger := m.logger.WithNamespace(ns).WithSession(id)
	logs := logx.NewBuffer(m.opts.LogReplay)
	s := &Session{
		id:                 id,
		namespace:          ns,
		paymentID:          paymentID,
		createdAt:          time.Now(),
		parent:             m.ctx,
		mode:               m.opts.Mode,
		agents:             make(map[string]*Agent, len(planned)),
		bus:                eventbus.New[events.Event](eventbus.WithBufferSize(m.opts.EventBuffer)),
		logs:               logs,
		logger:             logger.WithBuffer(logs),
		recorder:           m.deps.Recorder,
		usage:              m.deps.Usage,
		handshake:          handshakeConfig{Timeout: m.opts.HandshakeTimeout, Policy: m.opts.HandshakePolicy},
		connectionTemplate: m.opts.ConnectionURL,
		apiURL:             m.opts.APIURL,
		onClose:            m.closeSession,
		done:               make(chan struct{}),
	}

	m.mu.Lock()
	for _, p := range planned {
		secret, err := m.issueSecretLocked()
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		a := newAgent(s, p.name, secret, p.blocking)
		a.execution = newExecutionContext(a, p.def, p.kind, p.values, m.deps.Runtimes)
		s.agents[p.name] = a
	}
	for _, group := range graph.Groups {
		for i := range group {
			for j := i + 1; j < len(group); j++ {
				link(s.agents[group[i]], s.agents[group[j]])
			}
		}
	}

	space, ok := m.namespaces[ns]
	if !ok {
		space = &namespace{name: ns, sessions: make(map[string]*Session)}
		m.namespaces[ns] = space
	}
	space.sessions[id] = s
	for _, a := range s.agents {
		m.secrets[a.secret] = Location{Namespace: ns, SessionID: id, Agent: a.name}
	}
	m.mu.Unlock()

	if m.deps.OnCreate != nil {
		m.deps.OnCreate(s)
	}
	ev := events.New(events.SessionCreated)
	ev.Namespace = ns
	ev.SessionID = id
	m.bus.Emit(ev)
	m.deps.Recorder.SessionOpened(ns)
	s.logger.Info("Session created with %d agents", len(s.agents))
	return s, nil
}

// issueSecretLocked returns a secret not currently mapped. m.mu must be held.
func (m *Manager) issueSecretLocked() (string, error) {
	for {
		secret, err := newToken()
		if err != nil {
			return "", err
		}
		if _, taken := m.secrets[secret]; !taken {
			return secret, nil
		}
	}
}

// closeSession removes s and its secrets. It runs once per session.
func (m *Manager) closeSession(s *Session) {
	m.mu.Lock()
	for _, a := range s.agents {
		delete(m.secrets, a.secret)
	}
	if space, ok := m.namespaces[s.namespace]; ok {
		delete(space.sessions, s.id)
		if len(space.sessions) == 0 {
			delete(m.namespaces, s.namespace)
		}
	}
	m.mu.Unlock()

	ev := events.New(events.SessionClosed)
	ev.Namespace = s.namespace
	ev.SessionID = s.id
	m.bus.Emit(ev)
	m.deps.Recorder.SessionClosed(s.namespace)
	s.logger.Info("Session closed")
}

// Locate maps a secret to the agent it was issued for.
func (m *Manager) Locate(secret string) (Location, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	loc, ok := m.secrets[secret]
	if !ok {
		return Location{}, notFound("agent secret", "<redacted>")
	}
	return loc, nil
}

// AgentBySecret resolves a secret directly to its agent.
func (m *Manager) AgentBySecret(secret string) (*Agent, error) {
	loc, err := m.Locate(secret)
	if err != nil {
		return nil, err
	}
	s, err := m.GetSession(loc.Namespace, loc.SessionID)
	if err != nil {
		return nil, err
	}
	return s.GetAgent(loc.Agent)
}

// GetSession returns a session by namespace and ID.
func (m *Manager) GetSession(ns, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	space, ok := m.namespaces[ns]
	if !ok {
		return nil, notFound("namespace", ns)
	}
	s, ok := space.sessions[id]
	if !ok {
		return nil, notFound("session", id)
	}
	return s, nil
}

// Sessions returns the sessions of a namespace ordered by creation time.
func (m *Manager) Sessions(ns string) []*Session {
	m.mu.RLock()
	space, ok := m.namespaces[ns]
	var out []*Session
	if ok {
		out = make([]*Session, 0, len(space.sessions))
		for _, s := range space.sessions {
			out = append(out, s)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].createdAt.Before(out[j].createdAt) })
	return out
}

// Namespaces returns the names of namespaces with at least one session.
func (m *Manager) Namespaces() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.namespaces))
	for name := range m.namespaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) allSessions() []*Session {
	var out []*Session
	for _, ns := range m.Namespaces() {
		out = append(out, m.Sessions(ns)...)
	}
	return out
}

// Shutdown cancels and joins every launched session and closes sessions that were
// never launched. Failures propagated by sessions are logged, not returned.
func (m *Manager) Shutdown(ctx context.Context) error {
	sessions := m.allSessions()
	m.logger.Info("Shutting down %d sessions", len(sessions))

	var errs []error
	for _, s := range sessions {
		if !s.Launched() {
			s.abandon()
			continue
		}
		if err := s.CancelAndJoinAgents(ctx); err != nil {
			if ctx.Err() != nil {
				errs = append(errs, fmt.Errorf("session %s: %w", s.id, err))
				continue
			}
			s.logger.Warn("Session ended with failure: %v", err)
		}
	}
	m.bus.Close()
	return errors.Join(errs...)
}
