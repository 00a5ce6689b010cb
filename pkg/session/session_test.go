package session

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/events"
	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/exec"
	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/registry"
	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/thread"
)

func illegalState(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected a panic")
		err, ok := r.(error)
		require.True(t, ok, "panic value should be an error, got %T", r)
		assert.ErrorIs(t, err, ErrIllegalState)
	}()
	fn()
}

func TestLaunchAgentsTwicePanics(t *testing.T) {
	env := newTestEnv(t, Options{}, functionDef("a", idle))
	s := env.session(t, simpleGraph("a"))

	s.LaunchAgents()
	illegalState(t, s.LaunchAgents)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.CancelAndJoinAgents(ctx))
}

func TestJoinAndCancelBeforeLaunchPanic(t *testing.T) {
	env := newTestEnv(t, Options{}, functionDef("a", idle))
	s := env.session(t, simpleGraph("a"))
	ctx := context.Background()

	illegalState(t, func() { _ = s.JoinAgents(ctx) })
	illegalState(t, s.CancelAgents)
	illegalState(t, func() { _ = s.CancelAndJoinAgents(ctx) })
	illegalState(t, func() { _ = s.CancelAndJoinAgent(ctx, "a") })
}

func TestLinksAreSymmetric(t *testing.T) {
	env := newTestEnv(t, Options{}, functionDef("a", idle), functionDef("b", idle), functionDef("c", idle), functionDef("d", idle))
	g := simpleGraph("a", "b", "c", "d")
	g.Groups = [][]string{{"a", "b"}, {"b", "c"}}
	s := env.session(t, g)

	a, b, c, d := agentOf(t, s, "a"), agentOf(t, s, "b"), agentOf(t, s, "c"), agentOf(t, s, "d")
	assert.Equal(t, []string{"b"}, a.Links())
	assert.Equal(t, []string{"a", "c"}, b.Links())
	assert.Equal(t, []string{"b"}, c.Links())
	assert.Empty(t, d.Links())

	for _, x := range s.Agents() {
		for _, name := range x.Links() {
			assert.True(t, agentOf(t, s, name).LinkedTo(x.Name()), "%s -> %s must be mirrored", x.Name(), name)
		}
	}
}

func TestLookupsReturnNotFound(t *testing.T) {
	env := newTestEnv(t, Options{}, functionDef("a", idle))
	s := env.session(t, simpleGraph("a"))

	_, err := s.GetAgent("ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	var nf *NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "agent", nf.Kind)
	assert.Equal(t, "ghost", nf.Name)

	_, err = s.GetThreadByID("nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.CreateThread("a", "t", []string{"ghost"})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.CreateThread("ghost", "t", nil)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, s.Threads())
}

func TestThreadToolOperationsEmitEvents(t *testing.T) {
	env := newTestEnv(t, Options{}, functionDef("a", idle), functionDef("b", idle), functionDef("c", idle))
	s := env.session(t, simpleGraph("a", "b", "c"))
	sub := s.Events().Subscribe()
	defer sub.Close()

	th, err := s.CreateThread("a", "plan", []string{"b"})
	require.NoError(t, err)
	got, err := s.GetThreadByID(th.ID())
	require.NoError(t, err)
	assert.Same(t, th, got)

	_, err = s.SendMessage("a", th.ID(), "hello", []string{"b"})
	require.NoError(t, err)
	require.NoError(t, s.AddParticipant("b", th.ID(), "c"))
	require.NoError(t, s.RemoveParticipant("a", th.ID(), "c"))

	err = s.CloseThread("c", th.ID(), "not mine")
	assert.ErrorIs(t, err, thread.ErrValidation)
	require.NoError(t, s.CloseThread("a", th.ID(), "done"))
	assert.ErrorIs(t, s.CloseThread("a", th.ID(), "again"), thread.ErrThreadClosed)

	evs := drain(sub, 100*time.Millisecond)
	for _, typ := range []events.Type{events.ThreadCreated, events.MessageSent, events.ParticipantAdded, events.ParticipantRemoved, events.ThreadClosed} {
		assert.Equal(t, 1, countType(evs, typ), "%s", typ)
	}
	for _, ev := range evs {
		assert.Equal(t, s.ID(), ev.SessionID)
		assert.Equal(t, "test", ev.Namespace)
	}
}

func TestLaunchRunsToCompletionAndCleansUp(t *testing.T) {
	env := newTestEnv(t, Options{}, functionDef("a", finishes), functionDef("b", finishes))
	s := env.session(t, simpleGraph("a", "b"))
	secret := agentOf(t, s, "a").Secret()
	sub := s.Events().Subscribe()
	nsSub := env.manager.Events().Subscribe()
	defer nsSub.Close()

	s.LaunchAgents()
	require.NoError(t, join(t, s))

	assert.True(t, s.Closing())
	_, err := env.manager.GetSession("test", s.ID())
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = env.manager.Locate(secret)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, env.manager.Namespaces())

	reports := s.UsageReports()
	require.Len(t, reports, 2)
	for _, r := range reports {
		assert.Equal(t, OutcomeCompleted, r.Outcome)
		assert.Equal(t, exec.KindFunction, r.Runtime)
		assert.False(t, r.End.Before(r.Start))
	}

	evs := drain(sub, 100*time.Millisecond)
	assert.Equal(t, 2, countType(evs, events.RuntimeStarted))
	assert.Equal(t, 2, countType(evs, events.RuntimeStopped))

	nsEvs := drain(nsSub, 100*time.Millisecond)
	assert.Equal(t, 1, countType(nsEvs, events.SessionClosed))
}

func TestSupervisedModeIsolatesPanics(t *testing.T) {
	boom := func(ctx context.Context, rc *exec.RunContext) error { panic("agent exploded") }
	env := newTestEnv(t, Options{Mode: Supervised}, functionDef("bad", boom), functionDef("good", idle))
	s := env.session(t, simpleGraph("bad", "good"))

	s.LaunchAgents()
	good := agentOf(t, s, "good")
	bad := agentOf(t, s, "bad")

	require.Eventually(t, func() bool { return bad.Execution().State() == StateStopped }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateRunning, good.Execution().State(), "sibling keeps running")
	assert.False(t, s.Closing())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.CancelAndJoinAgents(ctx))
	assert.Equal(t, OutcomeFailed, bad.Execution().UsageReports()[0].Outcome)
	assert.Equal(t, OutcomeCancelled, good.Execution().UsageReports()[0].Outcome)
}

func TestPropagatingModeCancelsSiblings(t *testing.T) {
	boom := func(ctx context.Context, rc *exec.RunContext) error { panic("agent exploded") }
	env := newTestEnv(t, Options{Mode: Propagating}, functionDef("bad", boom), functionDef("good", idle))
	s := env.session(t, simpleGraph("bad", "good"))

	s.LaunchAgents()
	err := join(t, s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")

	good := agentOf(t, s, "good")
	require.Len(t, good.Execution().UsageReports(), 1)
	assert.Equal(t, OutcomeCancelled, good.Execution().UsageReports()[0].Outcome)
}

func TestRuntimeErrorIsSwallowed(t *testing.T) {
	failing := func(ctx context.Context, rc *exec.RunContext) error { return errors.New("exit 3") }
	env := newTestEnv(t, Options{Mode: Propagating}, functionDef("flaky", failing), functionDef("steady", finishes))
	s := env.session(t, simpleGraph("flaky", "steady"))

	s.LaunchAgents()
	require.NoError(t, join(t, s), "a failed runtime is not a propagated failure")
	assert.Equal(t, OutcomeFailed, agentOf(t, s, "flaky").Execution().UsageReports()[0].Outcome)
	assert.Equal(t, OutcomeCompleted, agentOf(t, s, "steady").Execution().UsageReports()[0].Outcome)
}

func TestSetupErrorPropagates(t *testing.T) {
	def := &registry.Agent{
		ID:       registry.Identifier{Name: "far"},
		Runtimes: map[exec.Kind]exec.Spec{exec.KindRemote: {Kind: exec.KindRemote}},
	}
	env := newTestEnv(t, Options{Mode: Propagating}, def, functionDef("near", idle))
	env.runtimes = exec.NewRegistry(exec.NewFunction())
	env.manager.deps.Runtimes = env.runtimes

	g := simpleGraph("near")
	g.Agents["far"] = GraphAgent{Agent: "far", Runtime: exec.KindRemote}
	s := env.session(t, g)

	s.LaunchAgents()
	err := join(t, s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not registered")
}

func TestCancelAndJoinAgentWaitsForCleanup(t *testing.T) {
	var cleaned atomic.Bool
	slowCleanup := func(ctx context.Context, rc *exec.RunContext) error {
		<-ctx.Done()
		time.Sleep(100 * time.Millisecond)
		cleaned.Store(true)
		return ctx.Err()
	}
	env := newTestEnv(t, Options{}, functionDef("slow", slowCleanup), functionDef("other", idle))
	s := env.session(t, simpleGraph("slow", "other"))
	s.LaunchAgents()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.CancelAndJoinAgent(ctx, "slow"))
	assert.True(t, cleaned.Load(), "cleanup must finish before CancelAndJoinAgent returns")
	assert.Equal(t, StateRunning, agentOf(t, s, "other").Execution().State())
	assert.False(t, s.Closing())

	assert.ErrorIs(t, s.CancelAndJoinAgent(ctx, "ghost"), ErrNotFound)
	require.NoError(t, s.CancelAndJoinAgents(ctx))
	assert.True(t, s.Closing())
}

func TestBuildEnvironment(t *testing.T) {
	def := functionDef("opt", idle)
	def.Options = map[string]registry.OptionSpec{
		"MODEL":  {Type: registry.TypeString, Transport: registry.TransportEnv},
		"PROMPT": {Type: registry.TypeString, Transport: registry.TransportFS},
	}
	env := newTestEnv(t, Options{ConnectionURL: "http://host/sse/{namespace}/{session}/{agent}?secret={secret}", APIURL: "http://host/api"}, def)
	g := simpleGraph("opt")
	g.Agents["opt"] = GraphAgent{Agent: "opt", Runtime: exec.KindFunction, Options: map[string]string{"MODEL": "m1", "PROMPT": "be brief"}}
	s := env.session(t, g)
	a := agentOf(t, s, "opt")

	built, err := a.Execution().BuildEnvironment()
	require.NoError(t, err)

	vars := built.Vars
	assert.Equal(t, "m1", vars["MODEL"])
	assert.Equal(t, "opt", vars[EnvAgentID])
	assert.Equal(t, a.Secret(), vars[EnvAgentSecret])
	assert.Equal(t, s.ID(), vars[EnvSessionID])
	assert.Equal(t, "http://host/api", vars[EnvAPIURL])
	assert.Equal(t, "function", vars[EnvRuntimeID])
	assert.Equal(t, "http://host/sse/test/"+s.ID()+"/opt?secret="+a.Secret(), vars[EnvConnectionURL])

	require.Len(t, built.Files, 1)
	content, err := os.ReadFile(vars["PROMPT"])
	require.NoError(t, err)
	assert.Equal(t, "be brief", string(content))
	assert.Equal(t, 1, a.Execution().Disposables())

	require.NoError(t, a.Execution().Dispose())
	_, err = os.Stat(vars["PROMPT"])
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, 0, a.Execution().Disposables())
}

func TestLaunchDisposesOptionFiles(t *testing.T) {
	var seenPath string
	var seenContent string
	reader := func(ctx context.Context, rc *exec.RunContext) error {
		seenPath = rc.Env.Vars["PROMPT"]
		b, err := os.ReadFile(seenPath)
		seenContent = string(b)
		return err
	}
	def := functionDef("reader", reader)
	def.Options = map[string]registry.OptionSpec{"PROMPT": {Type: registry.TypeString, Transport: registry.TransportFS}}
	env := newTestEnv(t, Options{}, def)
	g := simpleGraph("reader")
	g.Agents["reader"] = GraphAgent{Agent: "reader", Runtime: exec.KindFunction, Options: map[string]string{"PROMPT": "hello file"}}
	s := env.session(t, g)

	s.LaunchAgents()
	require.NoError(t, join(t, s))

	assert.Equal(t, "hello file", seenContent)
	_, err := os.Stat(seenPath)
	assert.True(t, os.IsNotExist(err), "option file must be removed after the launch")
}

func TestUsageSinkReceivesReports(t *testing.T) {
	var got []UsageReport
	sink := UsageSinkFunc(func(ctx context.Context, r UsageReport) error {
		got = append(got, r)
		return nil
	})
	mem := registry.NewMemory(functionDef("a", finishes))
	m, err := NewManager(context.Background(), Options{}, Deps{Registry: mem, Runtimes: exec.NewRegistry(exec.NewFunction()), Usage: sink})
	require.NoError(t, err)

	s, err := m.CreateSession(context.Background(), "ns", simpleGraph("a"))
	require.NoError(t, err)
	s.LaunchAgents()
	require.NoError(t, join(t, s))

	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Agent)
	assert.Equal(t, s.ID(), got[0].SessionID)
	assert.Equal(t, registry.Identifier{Name: "a"}, got[0].Identifier)
}

func TestContainerAgentCancelledWhileFollowingLogs(t *testing.T) {
	engine := newFakeEngine()
	def := &registry.Agent{
		ID:       registry.Identifier{Name: "boxed"},
		Runtimes: map[exec.Kind]exec.Spec{exec.KindDocker: {Kind: exec.KindDocker, Image: "coral/boxed:1"}},
	}
	env := newTestEnv(t, Options{}, def)
	env.runtimes.Register(exec.NewContainer(exec.ContainerConfig{}, engine))

	g := &AgentGraph{Agents: map[string]GraphAgent{"boxed": {Agent: "boxed", Runtime: exec.KindDocker}}}
	s := env.session(t, g)
	sub := s.Events().Subscribe()

	s.LaunchAgents()
	select {
	case <-engine.following:
	case <-time.After(2 * time.Second):
		t.Fatal("container never reached logs --follow")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.CancelAndJoinAgents(ctx))

	evs := drain(sub, 100*time.Millisecond)
	assert.Equal(t, 1, countType(evs, events.ContainerCreated))
	assert.Equal(t, 1, countType(evs, events.ContainerRemoved))
	assert.Equal(t, 1, engine.count("rm --force --volumes"))
	assert.Equal(t, OutcomeCancelled, agentOf(t, s, "boxed").Execution().UsageReports()[0].Outcome)
}
