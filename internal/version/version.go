// Package version carries build metadata injected via ldflags.
package version

import (
	"fmt"
	"runtime"
	"strings"
)

var (
	// Version is the semantic version, injected at build time.
	Version = "dev"

	// GitCommit is the git commit hash, injected at build time.
	GitCommit = "unknown"

	// BuildDate is the build date, injected at build time.
	BuildDate = "unknown"

	// GoVersion is the Go version used to build.
	GoVersion = runtime.Version()

	// GitDirty indicates whether the working tree was dirty during build.
	GitDirty = ""
)

// Info returns the short version string.
func Info() string {
	v := Version
	if GitDirty == "true" && !strings.HasSuffix(v, "-dirty") {
		v += "-dirty"
	}
	return v
}

// Full returns the version with the abbreviated commit when available.
func Full() string {
	info := Info()
	if GitCommit != "" && GitCommit != "unknown" && len(GitCommit) >= 7 {
		info += fmt.Sprintf(" (%s)", GitCommit[:7])
	}
	return info
}

// BuildInfo is the structured form used by the version command and the
// health endpoint.
type BuildInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	GitDirty  bool   `json:"git_dirty"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

// GetBuildInfo returns structured build information.
func GetBuildInfo() BuildInfo {
	return BuildInfo{
		Version:   Info(),
		GitCommit: GitCommit,
		GitDirty:  GitDirty == "true",
		BuildDate: BuildDate,
		GoVersion: GoVersion,
	}
}
