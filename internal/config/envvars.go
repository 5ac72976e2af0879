package config

import (
	"os"
	"strconv"
	"time"
)

// EnvVarMapping defines the mapping between environment variables and config
// paths. These names are the deployment contract; the CONDUCTOR_* viper
// prefix in the CLI only covers flags.
var EnvVarMapping = map[string]string{
	"ENVIRONMENT":             "environment",
	"LISTEN_ADDR":             "listen_addr",
	"PUBLIC_BASE_URL":         "public_base_url",
	"DATABASE_DRIVER":         "database.driver",
	"DATABASE_PATH":           "database.path",
	"DATABASE_DSN":            "database.dsn",
	"DATABASE_ENCRYPTION_KEY": "database.encryption_key",
	"REDIS_URL":               "redis.url",
	"WORKER_CONCURRENCY":      "worker.concurrency",
	"PHASE_TIMEOUT":           "worker.phase_timeout",
	"GITHUB_APP_ID":           "github.app_id",
	"GITHUB_PRIVATE_KEY":      "github.private_key",
	"GITHUB_WEBHOOK_SECRET":   "github.webhook_secret",
	"GITHUB_CLIENT_ID":        "github.client_id",
	"GITHUB_CLIENT_SECRET":    "github.client_secret",
	"GITHUB_API_BASE_URL":     "github.api_base_url",
	"GITHUB_TRIGGER_LABEL":    "github.trigger_label",
	"REPO_STORE_DIR":          "repo_store.dir",
	"SESSION_SECRET":          "session.secret",
}

// ApplyEnvVars applies environment variable overrides to a Config.
// Returns the list of config paths that were overridden.
func ApplyEnvVars(cfg *Config) []string {
	var overridden []string

	for envVar, configPath := range EnvVarMapping {
		value := os.Getenv(envVar)
		if value == "" {
			continue
		}
		if applyEnvVar(cfg, configPath, value) {
			overridden = append(overridden, configPath)
		}
	}

	// Deployments migrated from the previous stack exported NODE_ENV.
	if os.Getenv("ENVIRONMENT") == "" {
		if v := os.Getenv("NODE_ENV"); v != "" {
			cfg.Environment = v
			overridden = append(overridden, "environment")
		}
	}

	return overridden
}

// applyEnvVar applies a single environment variable to the config.
// Returns true if the value was applied.
func applyEnvVar(cfg *Config, path, value string) bool {
	switch path {
	case "environment":
		cfg.Environment = value
	case "listen_addr":
		cfg.ListenAddr = value
	case "public_base_url":
		cfg.PublicBaseURL = value
	case "database.driver":
		cfg.Database.Driver = value
	case "database.path":
		cfg.Database.Path = value
	case "database.dsn":
		cfg.Database.DSN = value
	case "database.encryption_key":
		cfg.Database.EncryptionKey = value
	case "redis.url":
		cfg.Redis.URL = value
	case "worker.concurrency":
		v, err := strconv.Atoi(value)
		if err != nil {
			return false
		}
		cfg.Worker.Concurrency = v
	case "worker.phase_timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return false
		}
		cfg.Worker.PhaseTimeout = d
	case "github.app_id":
		v, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return false
		}
		cfg.GitHub.AppID = v
	case "github.private_key":
		cfg.GitHub.PrivateKey = value
	case "github.webhook_secret":
		cfg.GitHub.WebhookSecret = value
	case "github.client_id":
		cfg.GitHub.ClientID = value
	case "github.client_secret":
		cfg.GitHub.ClientSecret = value
	case "github.api_base_url":
		cfg.GitHub.APIBaseURL = value
	case "github.trigger_label":
		cfg.GitHub.TriggerLabel = value
	case "repo_store.dir":
		cfg.RepoStore.Dir = value
	case "session.secret":
		cfg.Session.Secret = value
	default:
		return false
	}
	return true
}
