// Package config loads the simqueue daemon configuration from YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/fentz26/simqueue/internal/executor/process"
	"github.com/fentz26/simqueue/internal/logging"
	"github.com/fentz26/simqueue/internal/scheduler"
)

// Config is the daemon configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`
	// DBPath is the SQLite database file. A leading ~ expands to the home directory.
	DBPath string `yaml:"db_path"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	Scheduler scheduler.Config `yaml:"scheduler"`
	Executor  process.Config   `yaml:"executor"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:    "127.0.0.1:7466",
		DBPath:    "~/.simq/simq.db",
		LogLevel:  "info",
		Scheduler: *scheduler.DefaultConfig(),
		Executor:  process.DefaultConfig(),
	}
}

// DefaultPath returns ~/.simq/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".simq", "config.yaml")
	}
	return filepath.Join(home, ".simq", "config.yaml")
}

// Load reads a YAML file on top of the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}

	s := c.Scheduler
	if s.DefaultMaxConcurrent < 1 {
		return fmt.Errorf("scheduler.default_max_concurrent must be at least 1, got %d", s.DefaultMaxConcurrent)
	}
	if s.DefaultMaxRetries < 0 {
		return fmt.Errorf("scheduler.default_max_retries must not be negative, got %d", s.DefaultMaxRetries)
	}
	if s.MaxRounds < 1 || s.MaxRounds > process.AbsoluteMaxRounds {
		return fmt.Errorf("scheduler.max_rounds must be between 1 and %d, got %d", process.AbsoluteMaxRounds, s.MaxRounds)
	}
	if s.CheckpointTTL <= 0 {
		return fmt.Errorf("scheduler.checkpoint_ttl must be positive")
	}
	if s.SweepSchedule != "" {
		if _, err := cron.ParseStandard(s.SweepSchedule); err != nil {
			return fmt.Errorf("scheduler.sweep_schedule: %w", err)
		}
	}

	if c.Executor.Script == "" {
		return fmt.Errorf("executor.script is required")
	}
	if c.Executor.MaxRounds < 0 || c.Executor.MaxRounds > process.AbsoluteMaxRounds {
		return fmt.Errorf("executor.max_rounds must be between 0 and %d, got %d", process.AbsoluteMaxRounds, c.Executor.MaxRounds)
	}
	return nil
}

// Save writes the configuration to path, creating parent directories if needed.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	path = ExpandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// ExpandPath replaces a leading ~ with the user's home directory.
func ExpandPath(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
