package session

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/eventbus"
	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/events"
	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/exec"
	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/registry"
)

// idle blocks until its launch is cancelled.
func idle(ctx context.Context, _ *exec.RunContext) error {
	<-ctx.Done()
	return ctx.Err()
}

func finishes(ctx context.Context, _ *exec.RunContext) error {
	return nil
}

func functionDef(name string, fn exec.FunctionFunc) *registry.Agent {
	return &registry.Agent{
		ID: registry.Identifier{Name: name},
		Runtimes: map[exec.Kind]exec.Spec{
			exec.KindFunction: {Kind: exec.KindFunction, Function: fn},
		},
		Options: map[string]registry.OptionSpec{},
	}
}

type testEnv struct {
	manager  *Manager
	runtimes *exec.Registry
	registry *registry.Memory
}

func newTestEnv(t *testing.T, opts Options, defs ...*registry.Agent) *testEnv {
	t.Helper()
	mem := registry.NewMemory(defs...)
	runtimes := exec.NewRegistry(exec.NewFunction(), exec.NewRemote(nil))
	m, err := NewManager(context.Background(), opts, Deps{Registry: mem, Runtimes: runtimes})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return &testEnv{manager: m, runtimes: runtimes, registry: mem}
}

// simpleGraph builds a graph of function agents named after their definitions.
func simpleGraph(names ...string) *AgentGraph {
	g := &AgentGraph{Agents: make(map[string]GraphAgent, len(names))}
	for _, n := range names {
		g.Agents[n] = GraphAgent{Agent: n, Runtime: exec.KindFunction}
	}
	return g
}

func (e *testEnv) session(t *testing.T, g *AgentGraph) *Session {
	t.Helper()
	s, err := e.manager.CreateSession(context.Background(), "test", g)
	require.NoError(t, err)
	return s
}

func agentOf(t *testing.T, s *Session, name string) *Agent {
	t.Helper()
	a, err := s.GetAgent(name)
	require.NoError(t, err)
	return a
}

// drain reads events until d passes without a new one.
func drain(sub *eventbus.Subscription[events.Event], d time.Duration) []events.Event {
	var out []events.Event
	for {
		ctx, cancel := context.WithTimeout(context.Background(), d)
		ev, ok := sub.Next(ctx)
		cancel()
		if !ok {
			return out
		}
		out = append(out, ev)
	}
}

func countType(evs []events.Event, typ events.Type) int {
	n := 0
	for _, ev := range evs {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func join(t *testing.T, s *Session) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.JoinAgents(ctx)
}

// fakeEngine is a container CLI whose log stream blocks until cancelled.
type fakeEngine struct {
	mu        sync.Mutex
	calls     []string
	following chan struct{}
	once      sync.Once
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{following: make(chan struct{})}
}

func (f *fakeEngine) Output(ctx context.Context, args ...string) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, strings.Join(args, " "))
	f.mu.Unlock()

	switch args[0] {
	case "image":
		return []byte("sha256:abc\n"), nil
	case "create":
		return []byte("c0ffee0000000000\n"), nil
	case "wait":
		return []byte("0\n"), nil
	default:
		return nil, nil
	}
}

func (f *fakeEngine) Stream(ctx context.Context, stdout, stderr io.Writer, args ...string) error {
	f.mu.Lock()
	f.calls = append(f.calls, strings.Join(args, " "))
	f.mu.Unlock()
	_, _ = io.WriteString(stdout, "agent booted\n")
	f.once.Do(func() { close(f.following) })
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeEngine) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}
