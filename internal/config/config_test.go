package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, EnvDevelopment, cfg.Environment)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "./conductor.db", cfg.Database.Path)
	assert.Equal(t, "redis://localhost:6379", cfg.Redis.URL)
	assert.Equal(t, 1, cfg.Worker.Concurrency)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conductor.yaml")
	content := `
environment: development
listen_addr: ":9090"
database:
  driver: sqlite
  path: /tmp/test.db
worker:
  concurrency: 8
  phase_timeout: 2h
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, "/tmp/test.db", cfg.Database.Path)
	assert.Equal(t, 8, cfg.Worker.Concurrency)
	assert.Equal(t, 2*time.Hour, cfg.Worker.PhaseTimeout)
	// Untouched fields keep defaults.
	assert.Equal(t, "redis://localhost:6379", cfg.Redis.URL)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_PATH", "/var/lib/conductor/conductor.db")
	t.Setenv("REDIS_URL", "redis://cache:6379/2")
	t.Setenv("WORKER_CONCURRENCY", "16")
	t.Setenv("GITHUB_APP_ID", "12345")

	cfg := Default()
	overridden := ApplyEnvVars(cfg)

	assert.Equal(t, "/var/lib/conductor/conductor.db", cfg.Database.Path)
	assert.Equal(t, "redis://cache:6379/2", cfg.Redis.URL)
	assert.Equal(t, 16, cfg.Worker.Concurrency)
	assert.Equal(t, int64(12345), cfg.GitHub.AppID)
	assert.Contains(t, overridden, "database.path")
	assert.Contains(t, overridden, "worker.concurrency")
}

func TestNodeEnvFallback(t *testing.T) {
	t.Setenv("NODE_ENV", "production")
	t.Setenv("ENVIRONMENT", "")

	cfg := Default()
	ApplyEnvVars(cfg)
	assert.Equal(t, EnvProduction, cfg.Environment)

	// ENVIRONMENT wins when both are set.
	t.Setenv("ENVIRONMENT", "development")
	cfg = Default()
	ApplyEnvVars(cfg)
	assert.Equal(t, EnvDevelopment, cfg.Environment)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		wantOK bool
	}{
		{"defaults ok", func(c *Config) {}, true},
		{"bad environment", func(c *Config) { c.Environment = "staging" }, false},
		{"bad driver", func(c *Config) { c.Database.Driver = "mysql" }, false},
		{"postgres without dsn", func(c *Config) { c.Database.Driver = "postgres" }, false},
		{"postgres with dsn", func(c *Config) {
			c.Database.Driver = "postgres"
			c.Database.DSN = "postgres://localhost/conductor"
		}, true},
		{"concurrency too high", func(c *Config) { c.Worker.Concurrency = 101 }, false},
		{"concurrency zero", func(c *Config) { c.Worker.Concurrency = 0 }, false},
		{"production needs secrets", func(c *Config) { c.Environment = EnvProduction }, false},
		{"production with secrets", func(c *Config) {
			c.Environment = EnvProduction
			c.GitHub.WebhookSecret = "whsec"
			c.Session.Secret = "sess"
			c.Database.EncryptionKey = "0123456789abcdef0123456789abcdef"
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantOK {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
