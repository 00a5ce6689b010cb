package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Coral-Protocol/coral-server-next-sub000/internal/supervisor"
	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/session"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, validateConfig(cfg))

	assert.Equal(t, "supervised", cfg.Session.Mode)
	assert.Equal(t, session.DefaultHandshakeTimeout, cfg.Session.HandshakeTimeout)
	assert.Equal(t, "shared", cfg.Session.HandshakePolicy)
	assert.Equal(t, DefaultConnectionURL, cfg.Network.ConnectionURL)
	assert.True(t, cfg.Docker.AutoPull)
	assert.True(t, cfg.EventLog.Enabled)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, ColorAuto, cfg.Logging.Color)
	assert.Equal(t, DefaultUsageDB, cfg.Usage.Database)
}

func TestLoadYAML(t *testing.T) {
	t.Setenv("TEST_CORAL_API", "https://coral.example")
	path := filepath.Join(t.TempDir(), "coral.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
session:
  mode: propagating
  handshake_timeout: 3s
  handshake_policy: divided
network:
  api_url: ${TEST_CORAL_API}
docker:
  auto_pull: false
  extra_args: ["--network", "host"]
logging:
  debug: true
  domains: [session, exec]
  color: never
metrics:
  enabled: true
event_log:
  enabled: false
registry:
  path: agents.toml
  watch: true
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://coral.example", cfg.Network.APIURL)
	assert.Equal(t, 3*time.Second, cfg.Session.HandshakeTimeout)
	assert.False(t, cfg.Docker.AutoPull)
	assert.Equal(t, []string{"--network", "host"}, cfg.Docker.ExtraArgs)
	assert.Equal(t, []string{"session", "exec"}, cfg.Logging.Domains)
	assert.False(t, cfg.EventLog.Enabled)
	assert.Equal(t, DefaultMetricsAddr, cfg.Metrics.Listen)

	opts, err := cfg.ManagerOptions()
	require.NoError(t, err)
	assert.Equal(t, supervisor.Propagating, opts.Mode)
	assert.Equal(t, session.DividedDeadline, opts.HandshakePolicy)
	assert.Equal(t, 3*time.Second, opts.HandshakeTimeout)
}

func TestUnsetPlaceholderIsKept(t *testing.T) {
	cfg, err := Parse([]byte("network:\n  api_url: http://localhost/${CORAL_TEST_UNSET_PATH}\n"))
	require.NoError(t, err)
	assert.Equal(t, "http://localhost/${CORAL_TEST_UNSET_PATH}", cfg.Network.APIURL)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CORAL_SESSION_HANDSHAKE_TIMEOUT", "250ms")
	t.Setenv("CORAL_SESSION_EVENT_BUFFER", "8")
	t.Setenv("CORAL_METRICS_ENABLED", "true")
	t.Setenv("CORAL_LOGGING_DOMAINS", "session, registry")
	t.Setenv("CORAL_DOCKER_COMMAND", "podman")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.Session.HandshakeTimeout)
	assert.Equal(t, 8, cfg.Session.EventBuffer)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, []string{"session", "registry"}, cfg.Logging.Domains)
	assert.Equal(t, "podman", cfg.Docker.Command)
}

func TestBadEnvOverride(t *testing.T) {
	t.Setenv("CORAL_SESSION_HANDSHAKE_TIMEOUT", "soon")
	_, err := Load("")
	assert.ErrorContains(t, err, "CORAL_SESSION_HANDSHAKE_TIMEOUT")
}

func TestValidationCollectsErrors(t *testing.T) {
	_, err := Parse([]byte(`
session:
  mode: chaotic
  handshake_policy: random
network:
  connection_url: http://localhost/{agent}
logging:
  color: rainbow
registry:
  watch: true
`))
	require.Error(t, err)
	for _, want := range []string{"session.mode", "session.handshake_policy", "{secret}", "logging.color", "registry.watch"} {
		assert.ErrorContains(t, err, want)
	}
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Parse([]byte("session: [\n"))
	assert.ErrorContains(t, err, "YAML")
}
