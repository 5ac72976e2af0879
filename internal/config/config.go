// Package config loads and validates conductor configuration.
package config

import (
	"fmt"
	"time"
)

// Environment names.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config is the root configuration for conductor.
type Config struct {
	Environment   string `yaml:"environment"`
	ListenAddr    string `yaml:"listen_addr"`
	PublicBaseURL string `yaml:"public_base_url"`

	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Worker    WorkerConfig    `yaml:"worker"`
	GitHub    GitHubConfig    `yaml:"github"`
	RepoStore RepoStoreConfig `yaml:"repo_store"`
	Session   SessionConfig   `yaml:"session"`
}

// DatabaseConfig configures the relational store.
type DatabaseConfig struct {
	Driver        string `yaml:"driver"` // sqlite or postgres
	Path          string `yaml:"path"`   // sqlite file path
	DSN           string `yaml:"dsn"`    // postgres connection string
	EncryptionKey string `yaml:"encryption_key"`
}

// RedisConfig configures the queue and pub/sub backend.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// WorkerConfig configures queue consumption.
type WorkerConfig struct {
	Concurrency         int           `yaml:"concurrency"`
	PhaseTimeout        time.Duration `yaml:"phase_timeout"`
	CompletedJobGrace   time.Duration `yaml:"completed_job_grace"`
	FailedJobGrace      time.Duration `yaml:"failed_job_grace"`
	OutboxRecoveryAfter time.Duration `yaml:"outbox_recovery_after"`
}

// GitHubConfig configures the GitHub App integration.
type GitHubConfig struct {
	AppID         int64  `yaml:"app_id"`
	PrivateKey    string `yaml:"private_key"` // PEM
	WebhookSecret string `yaml:"webhook_secret"`
	ClientID      string `yaml:"client_id"`
	ClientSecret  string `yaml:"client_secret"`
	APIBaseURL    string `yaml:"api_base_url"`  // override for enterprise or tests
	TriggerLabel  string `yaml:"trigger_label"` // issue label that starts a run
}

// RepoStoreConfig configures the on-disk repo and worktree store.
type RepoStoreConfig struct {
	Dir string `yaml:"dir"`
}

// SessionConfig configures browser sessions.
type SessionConfig struct {
	Secret string        `yaml:"secret"`
	TTL    time.Duration `yaml:"ttl"`
}

// Default returns the built-in configuration defaults.
func Default() *Config {
	return &Config{
		Environment:   EnvDevelopment,
		ListenAddr:    ":8080",
		PublicBaseURL: "http://localhost:8080",
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "./conductor.db",
		},
		Redis: RedisConfig{
			URL: "redis://localhost:6379",
		},
		GitHub: GitHubConfig{
			TriggerLabel: "conductor",
		},
		Worker: WorkerConfig{
			Concurrency:         1,
			PhaseTimeout:        24 * time.Hour,
			CompletedJobGrace:   7 * 24 * time.Hour,
			FailedJobGrace:      30 * 24 * time.Hour,
			OutboxRecoveryAfter: time.Minute,
		},
		RepoStore: RepoStoreConfig{
			Dir: "./repos",
		},
		Session: SessionConfig{
			TTL: 30 * 24 * time.Hour,
		},
	}
}

// IsProduction reports whether the config targets production.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// Validate checks ranges and required-in-production fields.
func (c *Config) Validate() error {
	if c.Environment != EnvDevelopment && c.Environment != EnvProduction {
		return fmt.Errorf("invalid environment %q: must be %s or %s", c.Environment, EnvDevelopment, EnvProduction)
	}
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("invalid database.driver %q: must be sqlite or postgres", c.Database.Driver)
	}
	if c.Worker.Concurrency < 1 || c.Worker.Concurrency > 100 {
		return fmt.Errorf("worker.concurrency %d out of range 1..100", c.Worker.Concurrency)
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required")
	}
	if c.IsProduction() {
		if c.GitHub.WebhookSecret == "" {
			return fmt.Errorf("github.webhook_secret is required in production")
		}
		if c.Session.Secret == "" {
			return fmt.Errorf("session.secret is required in production")
		}
		if c.Database.EncryptionKey == "" {
			return fmt.Errorf("database.encryption_key is required in production")
		}
	}
	return nil
}
