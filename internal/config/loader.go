package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the config file consulted when --config is not given.
const DefaultConfigFile = "conductor.yaml"

// Load builds the effective configuration. Load order (later sources
// override earlier):
//  1. Built-in defaults
//  2. YAML config file (optional unless an explicit path is given)
//  3. Environment variables
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultConfigFile
	}
	if err := mergeFromFile(cfg, path); err != nil {
		if explicit || !os.IsNotExist(err) {
			return nil, err
		}
	}

	ApplyEnvVars(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// mergeFromFile merges configuration from a YAML file into cfg.
func mergeFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}
