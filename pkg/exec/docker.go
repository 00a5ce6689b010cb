package exec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	osexec "os/exec"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/events"
	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/logx"
)

// CommandRunner invokes the container engine CLI.
type CommandRunner interface {
	// Output runs the CLI with args and returns its stdout.
	Output(ctx context.Context, args ...string) ([]byte, error)
	// Stream runs the CLI with args, copying its output until it exits.
	Stream(ctx context.Context, stdout, stderr io.Writer, args ...string) error
}

type cliRunner struct {
	bin string
}

// NewCLIRunner returns a runner for the docker or podman binary. An empty bin
// picks docker, or podman when only podman is installed.
func NewCLIRunner(bin string) CommandRunner {
	if bin == "" {
		bin = "docker"
		if _, err := osexec.LookPath("podman"); err == nil {
			if _, err := osexec.LookPath("docker"); err != nil {
				bin = "podman"
			}
		}
	}
	return &cliRunner{bin: bin}
}

func (r *cliRunner) Output(ctx context.Context, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := osexec.CommandContext(ctx, r.bin, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), fmt.Errorf("%s %s: %w: %s", r.bin, args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

func (r *cliRunner) Stream(ctx context.Context, stdout, stderr io.Writer, args ...string) error {
	cmd := osexec.CommandContext(ctx, r.bin, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = DefaultWaitDelay
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %s: %w", r.bin, args[0], err)
	}
	return nil
}

// ContainerConfig tunes the container runtime.
type ContainerConfig struct {
	AutoPull      bool
	PullTimeout   time.Duration
	RemoveTimeout time.Duration
	ExtraArgs     []string
	MountDir      string // where option files appear inside the container
}

func (c *ContainerConfig) applyDefaults() {
	if c.PullTimeout <= 0 {
		c.PullTimeout = 5 * time.Minute
	}
	if c.RemoveTimeout <= 0 {
		c.RemoveTimeout = 30 * time.Second
	}
	if c.MountDir == "" {
		c.MountDir = "/coral/options"
	}
}

// Container runs agents in containers through the engine CLI.
type Container struct {
	cfg     ContainerConfig
	runner  CommandRunner
	logger  *logx.Logger
	pulls   singleflight.Group
	mu      sync.Mutex
	running map[string]string // container ID -> name
}

// NewContainer creates a container runtime.
func NewContainer(cfg ContainerConfig, runner CommandRunner) *Container {
	cfg.applyDefaults()
	return &Container{
		cfg:     cfg,
		runner:  runner,
		logger:  logx.NewLogger("container"),
		running: make(map[string]string),
	}
}

// Kind returns KindDocker.
func (c *Container) Kind() Kind {
	return KindDocker
}

// Execute pulls the image if needed, then creates, starts, follows and waits for the
// container. The container is force-removed with its volumes on every exit path.
func (c *Container) Execute(ctx context.Context, rc *RunContext) error {
	image := rc.Spec.Image
	if image == "" {
		return fmt.Errorf("agent %s: container image cannot be empty", rc.Agent)
	}
	logger := rc.logger()

	if err := c.ensureImage(ctx, image, logger); err != nil {
		return err
	}

	name := ContainerName(rc.SessionID, rc.Agent)
	out, err := c.runner.Output(ctx, c.createArgs(name, rc)...)
	if err != nil {
		// A create interrupted by cancellation may still have produced a container.
		c.forceRemove(ctx, name, logger)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to create container for %s: %w", rc.Agent, err)
	}
	id := strings.TrimSpace(string(out))

	c.track(id, name)
	created := events.New(events.ContainerCreated)
	created.Container = id
	rc.Emit(created)
	logger.Info("Created container %s (%s) from %s", name, shortID(id), image)

	defer c.cleanup(ctx, id, name, rc, logger)

	if _, err := c.runner.Output(ctx, "start", id); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to start container %s: %w", name, err)
	}

	stdout := newLineWriter(func(line string) { logger.Info("%s", line) })
	stderr := newLineWriter(func(line string) { logger.Warn("%s", line) })
	streamErr := c.runner.Stream(ctx, stdout, stderr, "logs", "--follow", id)
	stdout.Flush()
	stderr.Flush()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if streamErr != nil {
		logger.Warn("Log stream for %s ended with error: %v", name, streamErr)
	}

	out, err = c.runner.Output(ctx, "wait", id)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed waiting for container %s: %w", name, err)
	}
	code, convErr := strconv.Atoi(strings.TrimSpace(string(out)))
	switch {
	case convErr != nil:
		logger.Warn("Container %s exited with unreadable status %q", name, strings.TrimSpace(string(out)))
	case code != 0:
		logger.Warn("Container %s exited with code %d", name, code)
	default:
		logger.Info("Container %s exited with code 0", name)
	}
	return nil
}

// Shutdown force-removes every container still tracked by this runtime.
func (c *Container) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	ids := make(map[string]string, len(c.running))
	for id, name := range c.running {
		ids[id] = name
	}
	c.mu.Unlock()

	var wg sync.WaitGroup
	for id, name := range ids {
		wg.Add(1)
		go func(id, name string) {
			defer wg.Done()
			c.forceRemove(ctx, id, c.logger)
			c.untrack(id)
			c.logger.Info("Removed container %s during shutdown", name)
		}(id, name)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running returns the number of containers currently tracked.
func (c *Container) Running() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.running)
}

func (c *Container) ensureImage(ctx context.Context, image string, logger *logx.Logger) error {
	if _, err := c.runner.Output(ctx, "image", "inspect", "--format", "{{.Id}}", image); err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if !c.cfg.AutoPull {
		return fmt.Errorf("image %s is not present and auto-pull is disabled", image)
	}

	// Concurrent launches of one image share a single pull that outlives any one caller.
	ch := c.pulls.DoChan(image, func() (any, error) {
		pullCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.PullTimeout)
		defer cancel()
		if _, err := c.runner.Output(pullCtx, "image", "inspect", "--format", "{{.Id}}", image); err == nil {
			return nil, nil
		}
		logger.Info("Pulling image %s", image)
		_, err := c.runner.Output(pullCtx, "pull", image)
		return nil, err
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return fmt.Errorf("failed to pull image %s: %w", image, res.Err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Container) createArgs(name string, rc *RunContext) []string {
	args := []string{"create", "--name", name, "--security-opt", "no-new-privileges"}
	args = append(args, c.cfg.ExtraArgs...)

	vars := make(map[string]string, len(rc.Env.Vars))
	for k, v := range rc.Env.Vars {
		vars[k] = v
	}
	var volumes []string
	for _, f := range rc.Env.Files {
		target := path.Join(c.cfg.MountDir, f.Option)
		vars[f.EnvKey] = target
		volumes = append(volumes, fmt.Sprintf("%s:%s:ro", f.HostPath, target))
	}
	for _, kv := range (Environment{Vars: vars}).List() {
		args = append(args, "--env", kv)
	}
	for _, v := range volumes {
		args = append(args, "--volume", v)
	}
	if rc.Spec.WorkDir != "" {
		args = append(args, "--workdir", rc.Spec.WorkDir)
	}

	args = append(args, rc.Spec.Image)
	return append(args, rc.Spec.Command...)
}

// cleanup removes the container outside the launch's cancellation so a cancelled
// launch still releases it.
func (c *Container) cleanup(ctx context.Context, id, name string, rc *RunContext, logger *logx.Logger) {
	defer c.untrack(id)
	if !c.forceRemove(ctx, id, logger) {
		return
	}
	removed := events.New(events.ContainerRemoved)
	removed.Container = id
	rc.Emit(removed)
	logger.Info("Removed container %s", name)
}

func (c *Container) forceRemove(ctx context.Context, ref string, logger *logx.Logger) bool {
	rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.RemoveTimeout)
	defer cancel()

	if _, err := c.runner.Output(rmCtx, "rm", "--force", "--volumes", ref); err != nil {
		logger.Error("Failed to remove container %s: %v", ref, err)
		return false
	}
	return true
}

func (c *Container) track(id, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running[id] = name
}

func (c *Container) untrack(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.running, id)
}

// ContainerName derives a container name from the session and agent, safe for
// the engine's [a-zA-Z0-9][a-zA-Z0-9_.-]* naming rule.
func ContainerName(sessionID, agent string) string {
	short := sessionID
	if len(short) > 12 {
		short = short[:12]
	}
	return SanitizeIdentifier(fmt.Sprintf("coral-%s-%s", short, agent))
}

// SanitizeIdentifier replaces characters the engine rejects in names.
func SanitizeIdentifier(id string) string {
	var sb strings.Builder
	for i, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		case (r == '_' || r == '.' || r == '-') && i > 0:
			sb.WriteRune(r)
		default:
			sb.WriteRune('-')
		}
	}
	return sb.String()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
