// Package config loads the server configuration: a YAML file with ${VAR}
// placeholders, CORAL_* environment overrides, defaults and validation.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/Coral-Protocol/coral-server-next-sub000/internal/supervisor"
	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/session"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CORAL_"

// Defaults.
const (
	DefaultConnectionURL = "http://localhost:5555/sse/v1/{namespace}/{session}/{agent}?agentSecret={secret}"
	DefaultAPIURL        = "http://localhost:5555"
	DefaultDockerCommand = "docker"
	DefaultMetricsAddr   = ":9090"
	DefaultEventLogDir   = "logs/events"
	DefaultUsageDB       = "coral-usage.db"
	DefaultEventBuffer   = 256
	DefaultLogReplay     = 100
)

// Color modes.
const (
	ColorAuto   = "auto"
	ColorAlways = "always"
	ColorNever  = "never"
)

// Config is the complete server configuration.
type Config struct {
	Session  SessionConfig  `yaml:"session"`
	Network  NetworkConfig  `yaml:"network"`
	Docker   DockerConfig   `yaml:"docker"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	EventLog EventLogConfig `yaml:"event_log"`
	Usage    UsageConfig    `yaml:"usage"`
	Registry RegistryConfig `yaml:"registry"`
}

// SessionConfig controls supervision and handshakes.
type SessionConfig struct {
	Mode             string        `yaml:"mode"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	HandshakePolicy  string        `yaml:"handshake_policy"`
	EventBuffer      int           `yaml:"event_buffer"`
	LogReplay        int           `yaml:"log_replay"`
}

// NetworkConfig holds the addresses handed to agents.
type NetworkConfig struct {
	ConnectionURL string `yaml:"connection_url"`
	APIURL        string `yaml:"api_url"`
}

// DockerConfig configures the container runtime.
type DockerConfig struct {
	Command       string        `yaml:"command"`
	AutoPull      bool          `yaml:"auto_pull"`
	PullTimeout   time.Duration `yaml:"pull_timeout"`
	RemoveTimeout time.Duration `yaml:"remove_timeout"`
	ExtraArgs     []string      `yaml:"extra_args"`
	MountDir      string        `yaml:"mount_dir"`
}

// LoggingConfig configures logx.
type LoggingConfig struct {
	Debug   bool     `yaml:"debug"`
	Domains []string `yaml:"domains"`
	Color   string   `yaml:"color"`
}

// MetricsConfig configures the Prometheus listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// EventLogConfig configures the JSONL event log.
type EventLogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// UsageConfig configures the usage ledger. An empty path disables it.
type UsageConfig struct {
	Database string `yaml:"database"`
}

// RegistryConfig locates the agent registry file.
type RegistryConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := base()
	applyDefaults(cfg)
	return cfg
}

// base holds the values that default to true or non-empty and so cannot be
// filled in after decoding.
func base() *Config {
	return &Config{
		Docker:   DockerConfig{AutoPull: true},
		EventLog: EventLogConfig{Enabled: true},
		Usage:    UsageConfig{Database: DefaultUsageDB},
	}
}

// SessionMode parses Session.Mode.
func (c *Config) SessionMode() (supervisor.Mode, error) {
	return supervisor.ParseMode(c.Session.Mode)
}

// HandshakePolicy parses Session.HandshakePolicy.
func (c *Config) HandshakePolicy() (session.HandshakePolicy, error) {
	return session.ParseHandshakePolicy(c.Session.HandshakePolicy)
}

// ManagerOptions converts the session and network sections.
func (c *Config) ManagerOptions() (session.Options, error) {
	mode, err := c.SessionMode()
	if err != nil {
		return session.Options{}, err
	}
	policy, err := c.HandshakePolicy()
	if err != nil {
		return session.Options{}, err
	}
	return session.Options{
		Mode:             mode,
		HandshakeTimeout: c.Session.HandshakeTimeout,
		HandshakePolicy:  policy,
		ConnectionURL:    c.Network.ConnectionURL,
		APIURL:           c.Network.APIURL,
		EventBuffer:      c.Session.EventBuffer,
		LogReplay:        c.Session.LogReplay,
	}, nil
}

// applyDefaults sets default values for missing configuration.
func applyDefaults(cfg *Config) {
	if cfg.Session.Mode == "" {
		cfg.Session.Mode = supervisor.Supervised.String()
	}
	if cfg.Session.HandshakeTimeout == 0 {
		cfg.Session.HandshakeTimeout = session.DefaultHandshakeTimeout
	}
	if cfg.Session.HandshakePolicy == "" {
		cfg.Session.HandshakePolicy = session.SharedDeadline.String()
	}
	if cfg.Session.EventBuffer == 0 {
		cfg.Session.EventBuffer = DefaultEventBuffer
	}
	if cfg.Session.LogReplay == 0 {
		cfg.Session.LogReplay = DefaultLogReplay
	}

	if cfg.Network.ConnectionURL == "" {
		cfg.Network.ConnectionURL = DefaultConnectionURL
	}
	if cfg.Network.APIURL == "" {
		cfg.Network.APIURL = DefaultAPIURL
	}

	if cfg.Docker.Command == "" {
		cfg.Docker.Command = DefaultDockerCommand
	}
	if cfg.Docker.PullTimeout == 0 {
		cfg.Docker.PullTimeout = 5 * time.Minute
	}
	if cfg.Docker.RemoveTimeout == 0 {
		cfg.Docker.RemoveTimeout = 30 * time.Second
	}
	if cfg.Docker.MountDir == "" {
		cfg.Docker.MountDir = "/run/coral/options"
	}

	if cfg.Logging.Color == "" {
		cfg.Logging.Color = ColorAuto
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = DefaultMetricsAddr
	}
	if cfg.EventLog.Dir == "" {
		cfg.EventLog.Dir = DefaultEventLogDir
	}
}

// validateConfig reports every problem at once.
func validateConfig(cfg *Config) error {
	var errs []error

	if _, err := cfg.SessionMode(); err != nil {
		errs = append(errs, fmt.Errorf("session.mode: %w", err))
	}
	if _, err := cfg.HandshakePolicy(); err != nil {
		errs = append(errs, fmt.Errorf("session.handshake_policy: %w", err))
	}
	if cfg.Session.HandshakeTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.handshake_timeout must not be negative"))
	}
	if cfg.Session.EventBuffer < 0 || cfg.Session.LogReplay < 0 {
		errs = append(errs, fmt.Errorf("session.event_buffer and session.log_replay must not be negative"))
	}

	if !strings.Contains(cfg.Network.ConnectionURL, "{secret}") {
		errs = append(errs, fmt.Errorf("network.connection_url must contain {secret}"))
	}
	if _, err := url.Parse(cfg.Network.APIURL); err != nil {
		errs = append(errs, fmt.Errorf("network.api_url: %w", err))
	}

	if cfg.Docker.PullTimeout < 0 || cfg.Docker.RemoveTimeout < 0 {
		errs = append(errs, fmt.Errorf("docker timeouts must not be negative"))
	}

	switch cfg.Logging.Color {
	case ColorAuto, ColorAlways, ColorNever:
	default:
		errs = append(errs, fmt.Errorf("logging.color must be %s, %s or %s, got %q", ColorAuto, ColorAlways, ColorNever, cfg.Logging.Color))
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		errs = append(errs, fmt.Errorf("metrics.listen is required when metrics are enabled"))
	}
	if cfg.Registry.Watch && cfg.Registry.Path == "" {
		errs = append(errs, fmt.Errorf("registry.watch requires registry.path"))
	}

	return errors.Join(errs...)
}
