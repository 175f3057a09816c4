// Package config resolves the crew home directory and loads the optional
// config.yaml holding execution limits and backend selection.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ankittk/crew/pkg/models"
)

// Config holds tunables for delegation and execution. Zero values are filled
// with defaults by Load.
type Config struct {
	// MaxRecoveryAttempts bounds the error -> in_progress retry cycle per agent.
	MaxRecoveryAttempts int `yaml:"max_recovery_attempts"`
	// ExecTimeoutSec bounds each sandbox command issued for a task attempt.
	ExecTimeoutSec int `yaml:"exec_timeout_sec"`
	// BackoffBaseMS is the base recovery backoff; attempt N waits base * 2^(N-1).
	BackoffBaseMS int `yaml:"backoff_base_ms"`
	// Sandbox selects the sandbox client: "local" (default) or "docker".
	Sandbox string `yaml:"sandbox"`
	// DockerImage is the container image for the docker sandbox.
	DockerImage string `yaml:"docker_image"`
	// DBDriver selects the store backend: "sqlite" (default), "memory", or "postgres".
	DBDriver string `yaml:"db_driver"`
	// DBURL is the postgres connection string (or DATABASE_URL env).
	DBURL string `yaml:"db_url"`
}

// ExecTimeout returns the per-command sandbox timeout as a duration.
func (c Config) ExecTimeout() time.Duration {
	return time.Duration(c.ExecTimeoutSec) * time.Second
}

// BackoffBase returns the recovery backoff base as a duration.
func (c Config) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMS) * time.Millisecond
}

func (c *Config) defaults() {
	if c.MaxRecoveryAttempts <= 0 {
		c.MaxRecoveryAttempts = models.DefaultMaxRecoveryAttempts
	}
	if c.ExecTimeoutSec <= 0 {
		c.ExecTimeoutSec = models.DefaultExecTimeoutSec
	}
	if c.BackoffBaseMS <= 0 {
		c.BackoffBaseMS = 500
	}
	if c.Sandbox == "" {
		c.Sandbox = "local"
	}
	if c.DockerImage == "" {
		c.DockerImage = "python:3.12-slim"
	}
	if c.DBDriver == "" {
		c.DBDriver = "sqlite"
	}
}

// Load reads home/config.yaml if present and applies defaults. A missing file
// is not an error; a malformed one is.
func Load(home string) (Config, error) {
	var cfg Config
	b, err := os.ReadFile(filepath.Join(home, "config.yaml"))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return Config{}, err
		}
	} else if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	cfg.defaults()
	return cfg, nil
}

// Save writes cfg to home/config.yaml, creating home if needed.
func Save(home string, cfg Config) error {
	if err := os.MkdirAll(home, 0o755); err != nil {
		return err
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(home, "config.yaml"), b, 0o644)
}
