// Package kernel wires the server's infrastructure: logging, metrics, the usage
// ledger, the event log, the agent registry, runtimes and the session manager.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/config"
	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/debugagent"
	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/eventlog"
	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/exec"
	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/logx"
	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/metrics"
	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/persistence"
	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/registry"
	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/session"
)

// Kernel owns every long-lived component of a running server.
type Kernel struct {
	ctx    context.Context //nolint:containedctx // kernel lifecycle scope
	cancel context.CancelFunc

	Config *config.Config
	Logger *logx.Logger

	Metrics  *prometheus.Registry // nil when metrics are disabled
	Recorder metrics.Recorder
	Ledger   *persistence.Ledger // nil when the usage database is disabled
	EventLog *eventlog.Writer    // nil when the event log is disabled
	Registry registry.Registry
	Runtimes *exec.Registry
	Manager  *session.Manager

	registryFile *registry.File
	container    *exec.Container
	background   sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// Option adjusts kernel construction.
type Option func(*Kernel)

// WithRuntimes replaces the default runtime set.
func WithRuntimes(r *exec.Registry) Option {
	return func(k *Kernel) { k.Runtimes = r }
}

// NewKernel builds every component from cfg. Nothing runs until Start.
func NewKernel(parent context.Context, cfg *config.Config, opts ...Option) (*Kernel, error) {
	ctx, cancel := context.WithCancel(parent)
	k := &Kernel{
		ctx:    ctx,
		cancel: cancel,
		Config: cfg,
		Logger: logx.NewLogger("kernel"),
	}
	for _, opt := range opts {
		opt(k)
	}

	if err := k.initializeServices(); err != nil {
		k.closeStores()
		cancel()
		return nil, logx.Wrap(err, "failed to initialize kernel services")
	}
	return k, nil
}

// ConfigureLogging applies the logging section to logx.
func ConfigureLogging(cfg config.LoggingConfig) {
	logx.SetDebugConfig(cfg.Debug)
	logx.SetDebugDomains(cfg.Domains)
	switch cfg.Color {
	case config.ColorAlways:
		logx.ConfigureColor(true, false)
	case config.ColorNever:
		logx.ConfigureColor(false, false)
	default:
		logx.ConfigureColor(false, true)
	}
}

// NewRegistry builds the agent registry: the configured file, if any, backed by
// the built-in debug agents. The file is returned separately for watching.
func NewRegistry(cfg config.RegistryConfig) (registry.Registry, *registry.File, error) {
	builtin := registry.NewMemory(debugagent.Definitions()...)
	if cfg.Path == "" {
		return registry.Chain{builtin}, nil, nil
	}
	f, err := registry.LoadFile(cfg.Path, debugagent.Functions())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load agent registry: %w", err)
	}
	return registry.Chain{f, builtin}, f, nil
}

func (k *Kernel) initializeServices() error {
	ConfigureLogging(k.Config.Logging)

	k.Recorder = metrics.Nop()
	if k.Config.Metrics.Enabled {
		k.Metrics = prometheus.NewRegistry()
		k.Metrics.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		k.Recorder = metrics.NewPrometheusRecorder(k.Metrics)
	}

	var usage session.UsageSink
	if path := k.Config.Usage.Database; path != "" {
		ledger, err := persistence.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open usage ledger: %w", err)
		}
		k.Ledger = ledger
		usage = ledger
	}

	if k.Config.EventLog.Enabled {
		w, err := eventlog.NewWriter(k.Config.EventLog.Dir)
		if err != nil {
			return fmt.Errorf("failed to open event log: %w", err)
		}
		k.EventLog = w
	}

	reg, file, err := NewRegistry(k.Config.Registry)
	if err != nil {
		return err
	}
	k.Registry, k.registryFile = reg, file

	if k.Runtimes == nil {
		k.container = exec.NewContainer(exec.ContainerConfig{
			AutoPull:      k.Config.Docker.AutoPull,
			PullTimeout:   k.Config.Docker.PullTimeout,
			RemoveTimeout: k.Config.Docker.RemoveTimeout,
			ExtraArgs:     k.Config.Docker.ExtraArgs,
			MountDir:      k.Config.Docker.MountDir,
		}, exec.NewCLIRunner(k.Config.Docker.Command))
		k.Runtimes = exec.NewRegistry(
			exec.NewLocalProcess(),
			k.container,
			exec.NewFunction(),
			exec.NewRemote(nil),
		)
	}

	opts, err := k.Config.ManagerOptions()
	if err != nil {
		return err
	}
	deps := session.Deps{
		Registry: k.Registry,
		Runtimes: k.Runtimes,
		Logger:   logx.NewLogger("session"),
		Recorder: k.Recorder,
		Usage:    usage,
	}
	if k.EventLog != nil {
		deps.OnCreate = k.logSession
	}
	k.Manager, err = session.NewManager(k.ctx, opts, deps)
	if err != nil {
		return fmt.Errorf("failed to create session manager: %w", err)
	}

	k.Logger.Info("Kernel services initialized successfully")
	return nil
}

// logSession streams one session's events into the event log until the
// session's bus closes.
func (k *Kernel) logSession(s *session.Session) {
	sub := s.Events().Subscribe()
	k.background.Add(1)
	go func() {
		defer k.background.Done()
		k.EventLog.Follow(context.WithoutCancel(k.ctx), sub)
	}()
}

// Start launches the background services: the registry watcher and the
// namespace-scope event logger.
func (k *Kernel) Start() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.running {
		return logx.Errorf("kernel already running")
	}

	if k.registryFile != nil && k.Config.Registry.Watch {
		k.background.Add(1)
		go func() {
			defer k.background.Done()
			if err := k.registryFile.Watch(k.ctx); err != nil {
				k.Logger.Warn("Registry watch stopped: %v", err)
			}
		}()
	}

	if k.EventLog != nil {
		sub := k.Manager.Events().Subscribe()
		k.background.Add(1)
		go func() {
			defer k.background.Done()
			k.EventLog.Follow(context.WithoutCancel(k.ctx), sub)
		}()
	}

	k.running = true
	k.Logger.Info("Kernel services started")
	return nil
}

// MetricsHandler serves the kernel's Prometheus registry. It is nil when
// metrics are disabled.
func (k *Kernel) MetricsHandler() http.Handler {
	if k.Metrics == nil {
		return nil
	}
	return promhttp.HandlerFor(k.Metrics, promhttp.HandlerOpts{Registry: k.Metrics})
}

// RunGraph creates a session for graph in namespace and launches it.
func (k *Kernel) RunGraph(ctx context.Context, namespace string, graph *session.AgentGraph) (*session.Session, error) {
	s, err := k.Manager.CreateSession(ctx, namespace, graph)
	if err != nil {
		return nil, err
	}
	s.LaunchAgents()
	return s, nil
}

// SessionUsage lists the ledger's reports for one session.
func (k *Kernel) SessionUsage(ctx context.Context, sessionID string) ([]session.UsageReport, error) {
	if k.Ledger == nil {
		return nil, fmt.Errorf("usage ledger disabled")
	}
	return k.Ledger.UsageBySession(ctx, sessionID)
}

// Stop shuts the manager down within ctx, then stops background services and
// closes the stores. It is safe to call more than once.
func (k *Kernel) Stop(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	var errs []error
	if k.Manager != nil {
		if err := k.Manager.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("session manager shutdown: %w", err))
		}
	}
	if k.container != nil {
		if err := k.container.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("container cleanup: %w", err))
		}
	}

	// Event log followers exit when their bus closes; the watcher on cancel.
	k.cancel()
	done := make(chan struct{})
	go func() {
		k.background.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("background services did not stop: %w", ctx.Err()))
	}

	errs = append(errs, k.closeStores()...)
	k.running = false
	k.Logger.Info("Kernel services stopped")
	return errors.Join(errs...)
}

func (k *Kernel) closeStores() []error {
	var errs []error
	if k.EventLog != nil {
		if err := k.EventLog.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if k.Ledger != nil {
		if err := k.Ledger.Close(); err != nil {
			errs = append(errs, err)
		}
		k.Ledger = nil
	}
	return errs
}

// Context returns the kernel's lifecycle context.
func (k *Kernel) Context() context.Context {
	return k.ctx
}
