package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_CreatesDefaultWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config", "kernel.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 200*time.Millisecond, cfg.Router.Deadline())
	assert.Equal(t, 30, cfg.Telemetry.WindowDays)
	assert.Equal(t, 24*time.Hour, cfg.Feedback.Grace())
	assert.FileExists(t, path)

	// Second load reads the file it just wrote.
	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestLoad_FileValuesOverrideDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel.yaml")
	content := `
data_dir: /var/lib/routekern
router:
  deadline_ms: 500
telemetry:
  window_days: 7
jobs:
  detect: "15 * * * *"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/routekern", cfg.DataDir)
	assert.Equal(t, 500*time.Millisecond, cfg.Router.Deadline())
	assert.Equal(t, 7, cfg.Telemetry.WindowDays)
	assert.Equal(t, "15 * * * *", cfg.Jobs.Detect)

	// Fields the file omits keep their defaults.
	assert.Equal(t, 24*time.Hour, cfg.Feedback.Grace())
	assert.Equal(t, "*/15 * * * *", cfg.Jobs.Monitor)
}

func TestLoad_EnvOverridesWin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel.yaml")
	require.NoError(t, os.WriteFile(path, []byte("router:\n  deadline_ms: 500\n"), 0o644))

	t.Setenv("KERNEL_ROUTER_DEADLINE", "50ms")
	t.Setenv("KERNEL_FEEDBACK_GRACE", "2h")
	t.Setenv("KERNEL_WINDOW_DAYS", "14")
	t.Setenv("KERNEL_LISTEN_ADDR", "0.0.0.0:9000")
	t.Setenv("KERNEL_LOG_LEVEL", "DEBUG")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 50*time.Millisecond, cfg.Router.Deadline())
	assert.Equal(t, 2*time.Hour, cfg.Feedback.Grace())
	assert.Equal(t, 14, cfg.Telemetry.WindowDays)
	assert.Equal(t, "0.0.0.0:9000", cfg.Serve.ListenAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.Debug())
}

func TestLoad_BadEnvValueFallsBackToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel.yaml")
	require.NoError(t, os.WriteFile(path, []byte("router:\n  deadline_ms: 300\n"), 0o644))

	t.Setenv("KERNEL_ROUTER_DEADLINE", "not-a-duration")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 300*time.Millisecond, cfg.Router.Deadline())
}

func TestValidate_RejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Telemetry.WindowDays = 0
	assert.ErrorContains(t, cfg.Validate(), "window_days")

	cfg = Default()
	cfg.Router.DeadlineMS = -100
	assert.ErrorContains(t, cfg.Validate(), "deadline")

	cfg = Default()
	cfg.Serve.ListenAddr = ""
	assert.ErrorContains(t, cfg.Validate(), "listen_addr")

	cfg = Default()
	cfg.LogLevel = "trace"
	assert.ErrorContains(t, cfg.Validate(), "log_level")
}

func TestExpandTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	cfg := Default()
	cfg.DataDir = "~/kernel-data"
	cfg.expandTilde()
	assert.Equal(t, filepath.Join(home, "kernel-data"), cfg.DataDir)
}
