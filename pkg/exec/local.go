package exec

import (
	"context"
	"errors"
	"fmt"
	"os"
	osexec "os/exec"
	"strings"
	"time"
)

// DefaultWaitDelay bounds how long output pipes may stay open after the process exits or is killed.
const DefaultWaitDelay = 5 * time.Second

// LocalProcess runs agents as child processes of the server.
type LocalProcess struct {
	waitDelay time.Duration
}

// NewLocalProcess creates a local process runtime.
func NewLocalProcess() *LocalProcess {
	return &LocalProcess{waitDelay: DefaultWaitDelay}
}

// Kind returns KindExecutable.
func (l *LocalProcess) Kind() Kind {
	return KindExecutable
}

// Execute spawns the configured command and streams its output into the launch
// logger, stdout as info and stderr as warn. A non-zero exit is logged, not returned.
func (l *LocalProcess) Execute(ctx context.Context, rc *RunContext) error {
	if len(rc.Spec.Command) == 0 {
		return fmt.Errorf("agent %s: command cannot be empty", rc.Agent)
	}
	logger := rc.logger()

	cmd := osexec.CommandContext(ctx, rc.Spec.Command[0], rc.Spec.Command[1:]...)
	cmd.Env = append(os.Environ(), rc.Env.List()...)
	cmd.Dir = rc.Spec.WorkDir
	cmd.WaitDelay = l.waitDelay

	stdout := newLineWriter(func(line string) { logger.Info("%s", line) })
	stderr := newLineWriter(func(line string) { logger.Warn("%s", line) })
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	logger.Debug("Starting process: %s", strings.Join(rc.Spec.Command, " "))
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", rc.Spec.Command[0], err)
	}

	err := cmd.Wait()
	stdout.Flush()
	stderr.Flush()

	if ctx.Err() != nil {
		logger.Info("Process %d stopped by cancellation", cmd.Process.Pid)
		return ctx.Err()
	}

	var exitErr *osexec.ExitError
	if errors.As(err, &exitErr) {
		logger.Warn("Process exited with code %d", exitErr.ExitCode())
		return nil
	}
	if err != nil {
		return fmt.Errorf("process %s failed: %w", rc.Spec.Command[0], err)
	}

	logger.Info("Process exited with code 0")
	return nil
}
