package datadir

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// EnvFileEnvVar overrides the .env file path entirely.
const EnvFileEnvVar = "KERNEL_ENV_FILE"

// LoadEnv loads KEY=VALUE .env files from the standard locations in priority
// order. Existing environment variables are never overridden, and earlier
// files win over later ones.
//
// Search order:
//  1. KERNEL_ENV_FILE (if set, only that file is loaded)
//  2. {datadir}/.env
//  3. Project-level .env (current working directory)
func LoadEnv(dataRoot string) error {
	for _, p := range FindEnvFiles(dataRoot) {
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// FindEnvFiles returns the .env files that would be loaded, in order. Files
// missing on disk are excluded.
func FindEnvFiles(dataRoot string) []string {
	if override := os.Getenv(EnvFileEnvVar); override != "" {
		return []string{override}
	}

	var candidates []string
	if dataRoot != "" {
		candidates = append(candidates, filepath.Join(dataRoot, ".env"))
	}
	if cwd, err := os.Getwd(); err == nil {
		candidates = append(candidates, filepath.Join(cwd, ".env"))
	}

	seen := make(map[string]bool, len(candidates))
	var found []string
	for _, p := range candidates {
		clean := filepath.Clean(p)
		if seen[clean] {
			continue
		}
		seen[clean] = true
		if _, err := os.Stat(p); err == nil {
			found = append(found, p)
		}
	}
	return found
}
