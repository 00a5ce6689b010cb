// Package supervisor runs a group of named agent tasks under one cancellation
// scope, either isolating task failures or propagating them to every sibling.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/logx"
)

// Mode selects how a task's unexpected failure affects its siblings.
type Mode int

const (
	// Supervised isolates a failing task; siblings keep running.
	Supervised Mode = iota
	// Propagating cancels every sibling when any task fails.
	Propagating
)

func (m Mode) String() string {
	switch m {
	case Supervised:
		return "supervised"
	case Propagating:
		return "propagating"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode parses "supervised" or "propagating".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "supervised", "":
		return Supervised, nil
	case "propagating":
		return Propagating, nil
	default:
		return Supervised, fmt.Errorf("unknown supervision mode %q", s)
	}
}

// TaskFunc is the body of a supervised task.
type TaskFunc func(ctx context.Context) error

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Supervisor owns a set of named tasks sharing one cancellation scope.
type Supervisor struct {
	Logger *logx.Logger

	mode   Mode
	cancel context.CancelFunc
	gctx   context.Context
	group  *errgroup.Group

	mu     sync.Mutex
	tasks  map[string]*task
	sealed bool
	done   chan struct{}
	err    error
}

// New creates a supervisor whose scope is a child of parent.
func New(parent context.Context, mode Mode, logger *logx.Logger) *Supervisor {
	if logger == nil {
		logger = logx.NewLogger("supervisor")
	}
	ctx, cancel := context.WithCancel(parent)
	group, gctx := errgroup.WithContext(ctx)
	return &Supervisor{
		Logger: logger,
		mode:   mode,
		cancel: cancel,
		gctx:   gctx,
		group:  group,
		tasks:  make(map[string]*task),
		done:   make(chan struct{}),
	}
}

// Mode returns the failure mode.
func (s *Supervisor) Mode() Mode {
	return s.mode
}

// Go starts fn as the task called name. All tasks must be started before Seal.
func (s *Supervisor) Go(name string, fn TaskFunc) {
	s.mu.Lock()
	if s.sealed {
		s.mu.Unlock()
		panic(fmt.Sprintf("supervisor: task %s started after Seal", name))
	}
	if _, exists := s.tasks[name]; exists {
		s.mu.Unlock()
		panic(fmt.Sprintf("supervisor: duplicate task %s", name))
	}
	tctx, tcancel := context.WithCancel(s.gctx)
	t := &task{cancel: tcancel, done: make(chan struct{})}
	s.tasks[name] = t
	s.mu.Unlock()

	s.group.Go(func() error {
		defer close(t.done)
		defer tcancel()

		err := s.run(tctx, name, fn)

		s.mu.Lock()
		t.err = err
		s.mu.Unlock()

		switch {
		case err == nil:
			return nil
		case tctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
			s.Logger.Debug("Task %s cancelled", name)
			return nil
		case s.mode == Supervised:
			s.Logger.Error("Task %s failed, isolating: %v", name, err)
			return nil
		default:
			s.Logger.Error("Task %s failed, cancelling siblings: %v", name, err)
			return fmt.Errorf("task %s: %w", name, err)
		}
	})
}

// Seal marks the task set complete; Done closes once every task has returned.
func (s *Supervisor) Seal() {
	s.mu.Lock()
	if s.sealed {
		s.mu.Unlock()
		return
	}
	s.sealed = true
	s.mu.Unlock()

	go func() {
		err := s.group.Wait()
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		s.cancel()
		close(s.done)
	}()
}

// Done is closed when every task has returned after Seal.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until every task has returned or ctx is done. It returns the first
// propagated failure, if any.
func (s *Supervisor) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel cancels the named task. It reports false for an unknown name.
func (s *Supervisor) Cancel(name string) bool {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if ok {
		t.cancel()
	}
	return ok
}

// CancelAll cancels the whole scope.
func (s *Supervisor) CancelAll() {
	s.cancel()
}

// WaitTask blocks until the named task has returned or ctx is done.
func (s *Supervisor) WaitTask(ctx context.Context, name string) error {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown task %s", name)
	}

	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TaskErr returns the error the named task returned, if it has finished.
func (s *Supervisor) TaskErr(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[name]; ok {
		return t.err
	}
	return nil
}

func (s *Supervisor) run(ctx context.Context, name string, fn TaskFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.Logger.Error("Task %s panicked: %v\n%s", name, r, debug.Stack())
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}
