package datadir

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_EnvVarWins(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvVar, dir)

	d, err := New("/some/config/value")
	require.NoError(t, err)
	assert.Equal(t, dir, d.Root())
}

func TestNew_ConfigValueFallback(t *testing.T) {
	t.Setenv(EnvVar, "")
	os.Unsetenv(EnvVar)

	d, err := New("/from/config")
	require.NoError(t, err)
	assert.Equal(t, "/from/config", d.Root())
}

func TestEnsureDirs_Layout(t *testing.T) {
	root := filepath.Join(t.TempDir(), "kernel")
	t.Setenv(EnvVar, root)

	d, err := New("")
	require.NoError(t, err)
	require.NoError(t, d.EnsureDirs())

	assert.DirExists(t, d.BaselinesDir())
	assert.DirExists(t, d.TelemetryDir())
	assert.DirExists(t, d.ConfigDir())
	assert.Equal(t, filepath.Join(root, "config", "kernel.yaml"), d.ConfigFilePath())
}

func TestLoadEnv_DoesNotOverrideExisting(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, ".env"),
		[]byte("KERNEL_TEST_KEY=from-file\n"), 0o644))

	t.Setenv("KERNEL_TEST_KEY", "from-env")
	require.NoError(t, LoadEnv(root))
	assert.Equal(t, "from-env", os.Getenv("KERNEL_TEST_KEY"))
}

func TestLoadEnv_LoadsMissingKeys(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, ".env"),
		[]byte("KERNEL_TEST_FRESH=hello\n"), 0o644))
	os.Unsetenv("KERNEL_TEST_FRESH")
	t.Cleanup(func() { os.Unsetenv("KERNEL_TEST_FRESH") })

	require.NoError(t, LoadEnv(root))
	assert.Equal(t, "hello", os.Getenv("KERNEL_TEST_FRESH"))
}

func TestFindEnvFiles_OverrideIsSole(t *testing.T) {
	t.Setenv(EnvFileEnvVar, "/custom/path/.env")
	files := FindEnvFiles(t.TempDir())
	assert.Equal(t, []string{"/custom/path/.env"}, files)
}
