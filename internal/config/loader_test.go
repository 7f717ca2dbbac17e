package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestHome points HOME at a temp dir so the loader's allowed-directory
// validation accepts test config files.
func setupTestHome(t *testing.T) string {
	t.Helper()
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)
	return tmpHome
}

func writeTestConfig(t *testing.T, home, content string) string {
	t.Helper()
	configDir := filepath.Join(home, ".config", "agentd")
	require.NoError(t, os.MkdirAll(configDir, 0700))
	configPath := filepath.Join(configDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0600))
	return configPath
}

func TestLoadWithFile_ValidYAML(t *testing.T) {
	home := setupTestHome(t)

	configPath := writeTestConfig(t, home, `daemon:
  socket_path: /tmp/agentd-test.sock
  stop_grace_period: 10s

logging:
  level: debug
  format: console

host:
  provider: github
  owner: fyrsmithlabs
  repo: agentd
  token: tok-123
`)

	cfg, err := LoadWithFile(configPath)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/agentd-test.sock", cfg.Daemon.SocketPath)
	assert.Equal(t, "10s", cfg.Daemon.StopGracePeriod.Duration().String())
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, "github", cfg.Host.Provider)
	assert.Equal(t, "tok-123", cfg.Host.Token.Value())
}

func TestLoadWithFile_Defaults(t *testing.T) {
	home := setupTestHome(t)

	// No config file on disk: everything comes from defaults.
	configPath := filepath.Join(home, ".config", "agentd", "config.yaml")
	cfg, err := LoadWithFile(configPath)
	require.NoError(t, err)

	assert.NotEmpty(t, cfg.Daemon.SocketPath)
	assert.NotEmpty(t, cfg.Daemon.DataDir)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "agentd", cfg.Observability.ServiceName)
	assert.Equal(t, "file", cfg.Host.Provider)
	assert.Equal(t, 3, cfg.Host.MaxRetries)
}

func TestLoadWithFile_EnvironmentOverride(t *testing.T) {
	home := setupTestHome(t)

	configPath := writeTestConfig(t, home, `logging:
  level: info
`)

	t.Setenv("LOGGING_LEVEL", "warn")

	cfg, err := LoadWithFile(configPath)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadWithFile_RejectsWeakPermissions(t *testing.T) {
	home := setupTestHome(t)

	configDir := filepath.Join(home, ".config", "agentd")
	require.NoError(t, os.MkdirAll(configDir, 0700))
	configPath := filepath.Join(configDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("logging:\n  level: info\n"), 0644))

	_, err := LoadWithFile(configPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permissions")
}

func TestLoadWithFile_RejectsPathOutsideAllowedDirs(t *testing.T) {
	setupTestHome(t)

	outside := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(outside, []byte("logging:\n  level: info\n"), 0600))

	_, err := LoadWithFile(outside)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path validation")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{}
		applyDefaults(cfg)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing socket path",
			mutate:  func(c *Config) { c.Daemon.SocketPath = "" },
			wantErr: "socket_path",
		},
		{
			name:    "zero grace period",
			mutate:  func(c *Config) { c.Daemon.StopGracePeriod = 0 },
			wantErr: "stop_grace_period",
		},
		{
			name:    "bad logging format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: "logging format",
		},
		{
			name:    "bad logging level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: "logging level",
		},
		{
			name:    "bad host provider",
			mutate:  func(c *Config) { c.Host.Provider = "gitea" },
			wantErr: "host provider",
		},
		{
			name: "github without owner",
			mutate: func(c *Config) {
				c.Host.Provider = "github"
				c.Host.Repo = "agentd"
			},
			wantErr: "owner and repo",
		},
		{
			name:    "metrics port out of range",
			mutate:  func(c *Config) { c.Daemon.MetricsPort = 70000 },
			wantErr: "metrics port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSecretRedaction(t *testing.T) {
	s := Secret("super-secret")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "super-secret", s.Value())
	assert.True(t, s.IsSet())

	data, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "super-secret")
}

func TestDurationText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("45s")))
	assert.Equal(t, "45s", d.Duration().String())

	require.Error(t, d.UnmarshalText([]byte("-1s")))
	require.Error(t, d.UnmarshalText([]byte("soon")))
}
