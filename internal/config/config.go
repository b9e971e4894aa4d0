// Package config loads the kernel configuration file and applies KERNEL_*
// environment overrides on top of it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the kernel configuration.
type Config struct {
	DataDir   string          `yaml:"data_dir,omitempty"`
	LogLevel  string          `yaml:"log_level"`
	Router    RouterConfig    `yaml:"router"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Feedback  FeedbackConfig  `yaml:"feedback"`
	Serve     ServeConfig     `yaml:"serve"`
	Jobs      JobsConfig      `yaml:"jobs"`
}

// Debug reports whether debug-level logging is enabled.
func (c *Config) Debug() bool { return c.LogLevel == "debug" }

// RouterConfig contains routing settings.
type RouterConfig struct {
	// DeadlineMS bounds a single routing decision in milliseconds; past it
	// the router falls back to the rule-based path.
	DeadlineMS int `yaml:"deadline_ms"`
}

// Deadline returns the routing deadline as a duration.
func (r RouterConfig) Deadline() time.Duration {
	return time.Duration(r.DeadlineMS) * time.Millisecond
}

// TelemetryConfig contains telemetry analysis settings.
type TelemetryConfig struct {
	// WindowDays is the rolling window used by stats, pattern detection,
	// and the gate predicates.
	WindowDays int `yaml:"window_days"`
}

// FeedbackConfig contains feedback ingest settings.
type FeedbackConfig struct {
	// GraceSeconds is how long a decision stays open before the stale
	// sweep closes it as unknown.
	GraceSeconds int `yaml:"grace_seconds"`
}

// Grace returns the stale-decision grace period as a duration.
func (f FeedbackConfig) Grace() time.Duration {
	return time.Duration(f.GraceSeconds) * time.Second
}

// ServeConfig contains settings for the serve command.
type ServeConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// JobsConfig holds the cron schedules for the kernel's recurring jobs.
type JobsConfig struct {
	Detect  string `yaml:"detect"`  // pattern detection
	Monitor string `yaml:"monitor"` // applied-update monitoring
	Sweep   string `yaml:"sweep"`   // stale signal sweep
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		Router:    RouterConfig{DeadlineMS: 200},
		Telemetry: TelemetryConfig{WindowDays: 30},
		Feedback:  FeedbackConfig{GraceSeconds: 24 * 60 * 60},
		Serve:     ServeConfig{ListenAddr: "127.0.0.1:18790"},
		Jobs: JobsConfig{
			Detect:  "0 * * * *",
			Monitor: "*/15 * * * *",
			Sweep:   "30 * * * *",
		},
	}
}

// Load loads the configuration from path, creating a default file if none
// exists, then applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// The file on disk stays pristine; overrides apply to the returned
		// config only.
		if err := Default().Save(path); err != nil {
			return nil, fmt.Errorf("failed to save default config: %w", err)
		}
		cfg := Default()
		cfg.applyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("configuration validation failed: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandTilde()
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to a file, creating parent directories.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info":
	default:
		return fmt.Errorf("log_level must be debug or info, got %q", c.LogLevel)
	}
	if c.Router.DeadlineMS <= 0 {
		return fmt.Errorf("router deadline_ms must be positive")
	}
	if c.Telemetry.WindowDays <= 0 {
		return fmt.Errorf("telemetry window_days must be positive")
	}
	if c.Feedback.GraceSeconds <= 0 {
		return fmt.Errorf("feedback grace_seconds must be positive")
	}
	if c.Serve.ListenAddr == "" {
		return fmt.Errorf("serve listen_addr must not be empty")
	}
	return nil
}

// applyEnvOverrides lets KERNEL_* environment variables override file values.
// Unparseable values are ignored in favour of the file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("KERNEL_LOG_LEVEL"); v != "" {
		c.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("KERNEL_ROUTER_DEADLINE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.Router.DeadlineMS = int(d / time.Millisecond)
		}
	}
	if v := os.Getenv("KERNEL_WINDOW_DAYS"); v != "" {
		var days int
		if _, err := fmt.Sscanf(v, "%d", &days); err == nil && days > 0 {
			c.Telemetry.WindowDays = days
		}
	}
	if v := os.Getenv("KERNEL_FEEDBACK_GRACE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.Feedback.GraceSeconds = int(d / time.Second)
		}
	}
	if v := os.Getenv("KERNEL_LISTEN_ADDR"); v != "" {
		c.Serve.ListenAddr = v
	}
}

// expandTilde replaces a leading "~/" with the user's home directory in the
// data_dir field.
func (c *Config) expandTilde() {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	if c.DataDir == "~" {
		c.DataDir = home
	} else if strings.HasPrefix(c.DataDir, "~/") {
		c.DataDir = filepath.Join(home, c.DataDir[2:])
	}
}
