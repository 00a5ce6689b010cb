// Package debugagent provides in-process agents for exercising sessions without
// external processes. They run under the function runtime.
package debugagent

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/exec"
	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/registry"
	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/session"
	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/thread"
)

// Function names, as referenced by registry files.
const (
	EchoFunction = "echo"
	SeedFunction = "seed"
)

// Option names read from the launch environment.
const (
	OptPrefix       = "ECHO_PREFIX"
	OptMaxReplies   = "MAX_REPLIES"
	OptGreeting     = "GREETING"
	OptReplyTimeout = "REPLY_TIMEOUT"
)

const (
	defaultGreeting     = "hello"
	defaultReplyTimeout = 10 * time.Second
	pollInterval        = 50 * time.Millisecond
)

// ErrNoSession is returned when a launch is not backed by a session agent.
var ErrNoSession = errors.New("run context has no session agent")

// Functions maps function names to bodies for registry.LoadFile.
func Functions() map[string]exec.FunctionFunc {
	return map[string]exec.FunctionFunc{
		EchoFunction: Echo,
		SeedFunction: Seed,
	}
}

// Definitions returns registry entries for both agents, version "debug".
func Definitions() []*registry.Agent {
	str := registry.OptionSpec{Type: registry.TypeString, Transport: registry.TransportEnv}
	num := registry.OptionSpec{Type: registry.TypeNumber, Transport: registry.TransportEnv}
	return []*registry.Agent{
		{
			ID:          registry.Identifier{Name: EchoFunction, Version: "debug"},
			Description: "Replies to every mention in the same thread",
			Runtimes:    map[exec.Kind]exec.Spec{exec.KindFunction: {Kind: exec.KindFunction, Function: Echo}},
			Options:     map[string]registry.OptionSpec{OptPrefix: str, OptMaxReplies: num},
		},
		{
			ID:          registry.Identifier{Name: SeedFunction, Version: "debug"},
			Description: "Opens a thread with its linked peers and waits for their replies",
			Runtimes:    map[exec.Kind]exec.Spec{exec.KindFunction: {Kind: exec.KindFunction, Function: Seed}},
			Options:     map[string]registry.OptionSpec{OptGreeting: str, OptReplyTimeout: str},
		},
	}
}

func agentOf(rc *exec.RunContext) (*session.Agent, error) {
	a, ok := rc.Handle.(*session.Agent)
	if !ok || a == nil {
		return nil, fmt.Errorf("agent %s: %w", rc.Agent, ErrNoSession)
	}
	return a, nil
}

// Echo connects and answers every message that mentions it, mentioning the
// sender back. MAX_REPLIES bounds the number of answers; zero means unbounded.
func Echo(ctx context.Context, rc *exec.RunContext) error {
	a, err := agentOf(rc)
	if err != nil {
		return err
	}
	maxReplies, err := intOption(rc, OptMaxReplies)
	if err != nil {
		return err
	}
	prefix := rc.Env.Vars[OptPrefix]

	conn, err := a.Connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	for replies := 0; maxReplies <= 0 || replies < maxReplies; {
		msg, err := a.WaitForMessage(ctx, 0, thread.MentionsSelf())
		if err != nil {
			return err
		}
		if _, err := a.SendMessage(msg.ThreadID, prefix+msg.Text, []string{msg.Sender}); err != nil {
			if errors.Is(err, thread.ErrThreadClosed) {
				a.Logger().Debug("Thread %s closed before reply", msg.ThreadID)
				continue
			}
			return fmt.Errorf("replying in %s: %w", msg.ThreadID, err)
		}
		replies++
	}
	return nil
}

// Seed opens a thread with every linked peer, mentions them all with GREETING,
// collects one reply per peer within REPLY_TIMEOUT and closes the thread.
func Seed(ctx context.Context, rc *exec.RunContext) error {
	a, err := agentOf(rc)
	if err != nil {
		return err
	}
	timeout := defaultReplyTimeout
	if raw := rc.Env.Vars[OptReplyTimeout]; raw != "" {
		if timeout, err = time.ParseDuration(raw); err != nil {
			return fmt.Errorf("option %s: %w", OptReplyTimeout, err)
		}
	}
	greeting := rc.Env.Vars[OptGreeting]
	if greeting == "" {
		greeting = defaultGreeting
	}

	conn, err := a.Connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	peers := a.Links()
	if len(peers) == 0 {
		a.Logger().Warn("No linked peers to seed")
		return nil
	}

	deadline := time.Now().Add(timeout)
	if err := awaitListeners(ctx, a, peers, deadline); err != nil {
		return err
	}

	th, err := a.CreateThread("seed", peers)
	if err != nil {
		return err
	}
	if _, err := a.SendMessage(th.ID(), greeting, peers); err != nil {
		return err
	}

	// Replies can land between waits, so the thread itself is the record.
	var replied map[string]bool
	for {
		replied = repliesIn(a, th)
		remaining := time.Until(deadline)
		if len(replied) == len(peers) || remaining <= 0 {
			break
		}
		if _, err := a.WaitForMessage(ctx, min(remaining, pollInterval), thread.InThread(th.ID()), thread.MentionsSelf()); err != nil {
			return err
		}
	}

	var missing []string
	for _, p := range peers {
		if !replied[p] {
			missing = append(missing, p)
		}
	}
	summary := fmt.Sprintf("%d of %d peers replied", len(replied), len(peers))
	if len(missing) > 0 {
		summary += "; silent: " + strings.Join(missing, ", ")
	}
	return a.CloseThread(th.ID(), summary)
}

// awaitListeners gives in-process peers until deadline to start waiting, so the
// greeting is not posted before anyone listens.
func awaitListeners(ctx context.Context, a *session.Agent, peers []string, deadline time.Time) error {
	ticker := time.NewTicker(pollInterval / 5)
	defer ticker.Stop()
	for _, name := range peers {
		peer, err := a.Session().GetAgent(name)
		if err != nil {
			return err
		}
		for peer.PendingWaits() == 0 && time.Now().Before(deadline) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	}
	return nil
}

func repliesIn(a *session.Agent, th *thread.Thread) map[string]bool {
	replied := make(map[string]bool)
	th.ForEachMessage(func(m *thread.Message) {
		if m.Sender != a.Name() && m.Mentioned(a.Name()) && a.LinkedTo(m.Sender) {
			replied[m.Sender] = true
		}
	})
	return replied
}

func intOption(rc *exec.RunContext, name string) (int, error) {
	raw := rc.Env.Vars[name]
	if raw == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("option %s: %w", name, err)
	}
	return int(f), nil
}
