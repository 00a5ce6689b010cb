package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/events"
	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/exec"
	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/registry"
)

// Identity variables handed to every runtime.
const (
	EnvConnectionURL = "CORAL_CONNECTION_URL"
	EnvAgentID       = "CORAL_AGENT_ID"
	EnvAgentSecret   = "CORAL_AGENT_SECRET"
	EnvSessionID     = "CORAL_SESSION_ID"
	EnvAPIURL        = "CORAL_API_URL"
	EnvRuntimeID     = "CORAL_RUNTIME_ID"
)

// LaunchState is the position of an ExecutionContext in its launch sequence.
type LaunchState int

const (
	StatePending LaunchState = iota
	StateLaunching
	StateRunning
	StateStopped
)

func (s LaunchState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateLaunching:
		return "launching"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Outcome classifies how a launch ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// UsageReport records one finished launch attempt.
type UsageReport struct {
	Namespace  string
	SessionID  string
	Agent      string
	Identifier registry.Identifier
	Runtime    exec.Kind
	Start      time.Time
	End        time.Time
	Outcome    Outcome
}

// Duration is End minus Start.
func (r UsageReport) Duration() time.Duration {
	return r.End.Sub(r.Start)
}

// UsageSink receives usage reports as launches finish.
type UsageSink interface {
	RecordUsage(ctx context.Context, report UsageReport) error
}

// UsageSinkFunc adapts a function to UsageSink.
type UsageSinkFunc func(ctx context.Context, report UsageReport) error

func (f UsageSinkFunc) RecordUsage(ctx context.Context, r UsageReport) error { return f(ctx, r) }

// tempFile is a disposable option file.
type tempFile string

func (f tempFile) Close() error {
	if err := os.Remove(string(f)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", string(f), err)
	}
	return nil
}

const sinkTimeout = 5 * time.Second

// ExecutionContext bridges an Agent and its runtime for launches.
type ExecutionContext struct {
	agent      *Agent
	definition *registry.Agent
	kind       exec.Kind
	options    map[string]registry.Value
	runtimes   *exec.Registry

	mu          sync.Mutex
	state       LaunchState
	disposables []io.Closer
	reports     []UsageReport
}

func newExecutionContext(a *Agent, def *registry.Agent, kind exec.Kind, options map[string]registry.Value, runtimes *exec.Registry) *ExecutionContext {
	return &ExecutionContext{
		agent:      a,
		definition: def,
		kind:       kind,
		options:    options,
		runtimes:   runtimes,
	}
}

// Kind returns the runtime kind this agent launches with.
func (e *ExecutionContext) Kind() exec.Kind { return e.kind }

// Definition returns the resolved registry definition.
func (e *ExecutionContext) Definition() *registry.Agent { return e.definition }

// State returns the current launch state.
func (e *ExecutionContext) State() LaunchState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// UsageReports returns the reports of finished launches.
func (e *ExecutionContext) UsageReports() []UsageReport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]UsageReport(nil), e.reports...)
}

// Disposables returns the number of resources awaiting disposal.
func (e *ExecutionContext) Disposables() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.disposables)
}

func (e *ExecutionContext) setState(s LaunchState) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *ExecutionContext) register(c io.Closer) {
	e.mu.Lock()
	e.disposables = append(e.disposables, c)
	e.mu.Unlock()
}

// Dispose closes every registered resource. It returns the joined errors.
func (e *ExecutionContext) Dispose() error {
	e.mu.Lock()
	pending := e.disposables
	e.disposables = nil
	e.mu.Unlock()

	var errs []error
	for _, c := range pending {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BuildEnvironment materialises every resolved option plus the identity variables.
// Options with filesystem transport are written to temporary files that are
// registered for disposal; their variable holds the file path.
func (e *ExecutionContext) BuildEnvironment() (exec.Environment, error) {
	a := e.agent
	s := a.session
	env := exec.Environment{Vars: make(map[string]string, len(e.options)+6)}

	names := make([]string, 0, len(e.options))
	for name := range e.options {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		m, err := registry.Materialize(e.definition.Options[name], e.options[name])
		if err != nil {
			return exec.Environment{}, fmt.Errorf("agent %s: option %s: %w", a.name, name, err)
		}
		switch m.Transport {
		case registry.TransportFS:
			path, err := writeOptionFile(m.File)
			if err != nil {
				return exec.Environment{}, fmt.Errorf("agent %s: option %s: %w", a.name, name, err)
			}
			e.register(tempFile(path))
			env.Vars[name] = path
			env.Files = append(env.Files, exec.File{Option: name, EnvKey: name, HostPath: path})
		default:
			env.Vars[name] = m.Env
		}
	}

	env.Vars[EnvConnectionURL] = s.connectionURL(a)
	env.Vars[EnvAgentID] = a.name
	env.Vars[EnvAgentSecret] = a.secret
	env.Vars[EnvSessionID] = s.id
	env.Vars[EnvAPIURL] = s.apiURL
	env.Vars[EnvRuntimeID] = string(e.kind)
	return env, nil
}

func writeOptionFile(content []byte) (string, error) {
	f, err := os.CreateTemp("", "coral-option-*")
	if err != nil {
		return "", fmt.Errorf("creating option file: %w", err)
	}
	path := f.Name()
	if _, err := f.Write(content); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("writing option file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("closing option file: %w", err)
	}
	return path, nil
}

// Launch runs the agent's runtime once. Runtime failures are logged and
// swallowed; cancellation returns ctx.Err(); setup failures are returned. On every
// path the runtime-stopped event, the usage report and resource disposal happen.
func (e *ExecutionContext) Launch(ctx context.Context) error {
	a := e.agent
	s := a.session

	rt, err := e.runtimes.Get(e.kind)
	if err != nil {
		return fmt.Errorf("agent %s: %w", a.name, err)
	}
	spec, ok := e.definition.Runtime(e.kind)
	if !ok {
		return fmt.Errorf("agent %s: definition %s has no %s runtime", a.name, e.definition.ID, e.kind)
	}

	e.setState(StateLaunching)
	env, err := e.BuildEnvironment()
	if err != nil {
		if derr := e.Dispose(); derr != nil {
			a.logger.Warn("Disposing resources failed: %v", derr)
		}
		e.setState(StateStopped)
		return err
	}

	start := time.Now()
	outcome := OutcomeFailed
	startedEv := events.New(events.RuntimeStarted)
	startedEv.Runtime = string(e.kind)
	a.emit(startedEv)
	a.logger.Info("Launching %s runtime for %s", e.kind, e.definition.ID)

	defer func() {
		end := time.Now()
		e.setState(StateStopped)

		stoppedEv := events.New(events.RuntimeStopped)
		stoppedEv.Runtime = string(e.kind)
		stoppedEv.Outcome = string(outcome)
		a.emit(stoppedEv)

		report := UsageReport{
			Namespace:  s.namespace,
			SessionID:  s.id,
			Agent:      a.name,
			Identifier: e.definition.ID,
			Runtime:    e.kind,
			Start:      start,
			End:        end,
			Outcome:    outcome,
		}
		e.mu.Lock()
		e.reports = append(e.reports, report)
		e.mu.Unlock()

		if s.usage != nil {
			sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
			if err := s.usage.RecordUsage(sinkCtx, report); err != nil {
				a.logger.Warn("Recording usage failed: %v", err)
			}
			cancel()
		}

		if err := e.Dispose(); err != nil {
			a.logger.Warn("Disposing resources failed: %v", err)
		}
		s.recorder.ObserveLaunch(string(e.kind), string(outcome), end.Sub(start))
		a.logger.Info("Runtime stopped (%s) after %s", outcome, end.Sub(start).Round(time.Millisecond))
	}()

	rc := &exec.RunContext{
		Namespace: s.namespace,
		SessionID: s.id,
		Agent:     a.name,
		Spec:      spec,
		Env:       env,
		Logger:    a.logger,
		Events:    events.EmitterFunc(s.emit),
		Handle:    a,
	}

	e.setState(StateRunning)
	err = rt.Execute(ctx, rc)

	switch {
	case ctx.Err() != nil:
		outcome = OutcomeCancelled
		return ctx.Err()
	case err != nil:
		a.logger.Error("Runtime failed: %v", err)
		outcome = OutcomeFailed
		return nil
	default:
		outcome = OutcomeCompleted
		return nil
	}
}

// connectionURL expands the session's connection URL template for a.
func (s *Session) connectionURL(a *Agent) string {
	return strings.NewReplacer(
		"{namespace}", s.namespace,
		"{session}", s.id,
		"{agent}", a.name,
		"{secret}", a.secret,
	).Replace(s.connectionTemplate)
}
