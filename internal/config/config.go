// Package config models stateline.yml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"stateline/internal/domain"
	"stateline/internal/rules"
)

// Config is the engine and server configuration for a workspace.
type Config struct {
	Store struct {
		// MaxHistoryEntries caps each (project, section) history chain.
		MaxHistoryEntries int `yaml:"max_history_entries"`
		// MaxCheckpoints caps the per-project checkpoint list.
		MaxCheckpoints int `yaml:"max_checkpoints"`
		// LockTimeoutMS bounds how long a writer waits for a file lock.
		LockTimeoutMS int `yaml:"lock_timeout_ms"`
	} `yaml:"store"`
	// Rules overlays per-stage transition rules on the built-in table.
	Rules map[domain.Stage]rules.Rule `yaml:"rules"`
	Server struct {
		Addr                   string `yaml:"addr"`
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"server"`
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	cfg.Store.MaxHistoryEntries = 50
	cfg.Store.MaxCheckpoints = 10
	cfg.Store.LockTimeoutMS = 5000
	cfg.Server.Addr = "127.0.0.1:8470"
	return &cfg
}

// LockTimeout returns the lock wait bound as a duration.
func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.Store.LockTimeoutMS) * time.Millisecond
}

// Validate ensures the config meets required structure, including closure
// of any rule overlays.
func (c *Config) Validate() error {
	if c.Store.MaxHistoryEntries <= 0 {
		return fmt.Errorf("config.store.max_history_entries must be positive")
	}
	if c.Store.MaxCheckpoints <= 0 {
		return fmt.Errorf("config.store.max_checkpoints must be positive")
	}
	if c.Store.LockTimeoutMS <= 0 {
		return fmt.Errorf("config.store.lock_timeout_ms must be positive")
	}
	for stage := range c.Rules {
		if !stage.Valid() {
			return fmt.Errorf("config.rules contains unknown stage %s", stage)
		}
	}
	if len(c.Rules) > 0 {
		if err := rules.New(c.Rules).Validate(); err != nil {
			return fmt.Errorf("config.rules: %w", err)
		}
	}
	return nil
}

// RuleTable builds the effective transition table for this config.
func (c *Config) RuleTable() *rules.Table {
	if len(c.Rules) == 0 {
		return rules.Default()
	}
	return rules.New(c.Rules)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "stateline.yml")
}

// Load reads config from workspace, falling back to defaults when the file
// does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Unset store
// caps inherit the defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
