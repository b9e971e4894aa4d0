// Package datadir resolves where the kernel keeps its durable state and
// provides a single source of truth for the paths inside it.
package datadir

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultDirName is the default data directory name under $HOME.
	DefaultDirName = ".routekern"

	// EnvVar is the environment variable that overrides the data directory.
	EnvVar = "KERNEL_DATA_DIR"

	// subdirectory names inside the data root
	baselinesSubdir = "baselines"
	telemetrySubdir = "telemetry"
	configSubdir    = "config"
)

// DataDir provides the resolved data-directory layout. Use New to construct
// an instance; call EnsureDirs before first use.
type DataDir struct {
	root string
}

// New returns a DataDir rooted at the resolved data directory. It does NOT
// create directories; call EnsureDirs for that.
//
// Resolution priority:
//  1. KERNEL_DATA_DIR environment variable
//  2. configValue argument (from the config file's data_dir field)
//  3. ~/.routekern/
func New(configValue string) (*DataDir, error) {
	root, err := resolveRoot(configValue)
	if err != nil {
		return nil, err
	}
	return &DataDir{root: root}, nil
}

// Root returns the base data directory path.
func (d *DataDir) Root() string { return d.root }

// BaselinesDir returns {root}/baselines/, home of the versioned baseline
// files and the current pointer.
func (d *DataDir) BaselinesDir() string { return filepath.Join(d.root, baselinesSubdir) }

// TelemetryDir returns {root}/telemetry/, home of the event log partitions
// and the aggregate database.
func (d *DataDir) TelemetryDir() string { return filepath.Join(d.root, telemetrySubdir) }

// ConfigDir returns {root}/config/.
func (d *DataDir) ConfigDir() string { return filepath.Join(d.root, configSubdir) }

// ConfigFilePath returns the default kernel config file location.
func (d *DataDir) ConfigFilePath() string {
	return filepath.Join(d.ConfigDir(), "kernel.yaml")
}

// EnsureDirs creates the root and all subdirectories with 0700 permissions.
func (d *DataDir) EnsureDirs() error {
	dirs := []string{d.root, d.BaselinesDir(), d.TelemetryDir(), d.ConfigDir()}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// resolveRoot determines the root path without creating it.
func resolveRoot(configValue string) (string, error) {
	dir := os.Getenv(EnvVar)
	if dir == "" {
		dir = configValue
	}
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, DefaultDirName)
	}
	return dir, nil
}
