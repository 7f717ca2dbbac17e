// Package config provides configuration loading for agentd.
//
// Configuration is loaded from a YAML file with environment variable
// overrides. This package covers daemon transport paths, logging,
// observability, the session runner, and the issue/MR host.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds the complete agentd configuration.
type Config struct {
	Daemon        DaemonConfig        `koanf:"daemon"`
	Logging       LoggingConfig       `koanf:"logging"`
	Observability ObservabilityConfig `koanf:"observability"`
	Runner        RunnerConfig        `koanf:"runner"`
	Host          HostConfig          `koanf:"host"`
}

// DaemonConfig holds daemon transport and supervision configuration.
type DaemonConfig struct {
	// SocketPath is the Unix socket the daemon listens on.
	SocketPath string `koanf:"socket_path"`

	// PIDFile guards against a second daemon instance.
	PIDFile string `koanf:"pid_file"`

	// DataDir holds the persisted agent registry.
	DataDir string `koanf:"data_dir"`

	// StopGracePeriod is how long stop waits after SIGTERM before SIGKILL.
	StopGracePeriod Duration `koanf:"stop_grace_period"`

	// MetricsPort serves Prometheus metrics and health over HTTP.
	// Zero disables the listener.
	MetricsPort int `koanf:"metrics_port"`
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `koanf:"level"`

	// Format is "json" or "console".
	Format string `koanf:"format"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

// RunnerConfig configures the AI subprocess spawned per session.
type RunnerConfig struct {
	// Command is the executable for agent sessions.
	Command string `koanf:"command"`

	// Args are passed to the command unchanged for every session; the
	// prompt arrives on stdin.
	Args []string `koanf:"args"`

	// FailureSentinel marks a session failed when it appears on stderr,
	// even with a zero exit status.
	FailureSentinel string `koanf:"failure_sentinel"`

	// SessionTimeout bounds a single session. Zero means unlimited; a
	// session may legitimately run for hours.
	SessionTimeout Duration `koanf:"session_timeout"`
}

// HostConfig configures the issue/MR host integration.
type HostConfig struct {
	// Provider selects the backend: "github" or "file".
	Provider string `koanf:"provider"`

	// BaseURL overrides the API endpoint for self-hosted installs.
	BaseURL string `koanf:"base_url"`

	// Owner and Repo identify the target repository (github provider).
	Owner string `koanf:"owner"`
	Repo  string `koanf:"repo"`

	// Token authenticates API calls. Redacted in logs.
	Token Secret `koanf:"token"`

	// Retry bounds for transient host errors.
	MaxRetries     int      `koanf:"max_retries"`
	InitialBackoff Duration `koanf:"initial_backoff"`
	MaxBackoff     Duration `koanf:"max_backoff"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Daemon.SocketPath == "" {
		return errors.New("daemon socket_path is required")
	}
	if c.Daemon.DataDir == "" {
		return errors.New("daemon data_dir is required")
	}
	if c.Daemon.StopGracePeriod.Duration() <= 0 {
		return errors.New("daemon stop_grace_period must be positive")
	}
	if c.Daemon.MetricsPort < 0 || c.Daemon.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d (must be 0-65535)", c.Daemon.MetricsPort)
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid logging format: %q (must be json or console)", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging level: %q", c.Logging.Level)
	}

	if c.Observability.Enabled && c.Observability.ServiceName == "" {
		return errors.New("service name required when observability is enabled")
	}

	if c.Runner.Command == "" {
		return errors.New("runner command is required")
	}

	switch c.Host.Provider {
	case "github":
		if c.Host.Owner == "" || c.Host.Repo == "" {
			return errors.New("host owner and repo are required for the github provider")
		}
	case "file":
	default:
		return fmt.Errorf("invalid host provider: %q (must be github or file)", c.Host.Provider)
	}
	if c.Host.MaxRetries < 0 {
		return fmt.Errorf("host max_retries cannot be negative: %d", c.Host.MaxRetries)
	}

	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Daemon.SocketPath == "" {
		cfg.Daemon.SocketPath = defaultRuntimePath("agentd.sock")
	}
	if cfg.Daemon.PIDFile == "" {
		cfg.Daemon.PIDFile = defaultRuntimePath("agentd.pid")
	}
	if cfg.Daemon.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Daemon.DataDir = filepath.Join(home, ".local", "share", "agentd")
		} else {
			cfg.Daemon.DataDir = filepath.Join(os.TempDir(), "agentd")
		}
	}
	if cfg.Daemon.StopGracePeriod == 0 {
		cfg.Daemon.StopGracePeriod = Duration(30 * time.Second)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "agentd"
	}

	if cfg.Runner.Command == "" {
		cfg.Runner.Command = "claude"
	}
	if cfg.Runner.FailureSentinel == "" {
		cfg.Runner.FailureSentinel = "AGENT_SESSION_FAILED"
	}

	if cfg.Host.Provider == "" {
		cfg.Host.Provider = "file"
	}
	if cfg.Host.MaxRetries == 0 {
		cfg.Host.MaxRetries = 3
	}
	if cfg.Host.InitialBackoff == 0 {
		cfg.Host.InitialBackoff = Duration(time.Second)
	}
	if cfg.Host.MaxBackoff == 0 {
		cfg.Host.MaxBackoff = Duration(30 * time.Second)
	}
}

// defaultRuntimePath places ephemeral daemon files under XDG_RUNTIME_DIR
// when available, falling back to the system temp directory.
func defaultRuntimePath(name string) string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "agentd", name)
	}
	return filepath.Join(os.TempDir(), name)
}
