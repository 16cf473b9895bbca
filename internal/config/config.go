// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the daemon configuration: a YAML file plus
// environment overrides, loaded once at startup.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/NickPittas/DirectorsConsole-sub001/internal/daemon/registry"
	"github.com/NickPittas/DirectorsConsole-sub001/internal/daemon/scheduler"
	"github.com/NickPittas/DirectorsConsole-sub001/internal/tracing"
	"github.com/NickPittas/DirectorsConsole-sub001/pkg/httpclient"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the complete daemon configuration.
type Config struct {
	Server    ServerConfig       `yaml:"server"`
	Log       LogConfig          `yaml:"log"`
	Backends  []registry.Backend `yaml:"backends"`
	Scheduler SchedulerConfig    `yaml:"scheduler"`
	Health    HealthConfig       `yaml:"health"`
	HTTP      httpclient.Config  `yaml:"http"`
	Database  DatabaseConfig     `yaml:"database"`
	Inbox     InboxConfig        `yaml:"inbox"`
	Tracing   tracing.Config     `yaml:"tracing"`

	// WorkflowsDir holds stored workflow definitions.
	// Default: <data dir>/workflows.
	WorkflowsDir string `yaml:"workflows_dir,omitempty"`

	// SeedFields extends the built-in sampler-class -> seed-field table
	// used for seed injection, e.g. {"MyCustomSampler": "noise_seed"}.
	SeedFields map[string]string `yaml:"seed_fields,omitempty"`
}

// ServerConfig configures the API listener.
type ServerConfig struct {
	// Host to bind. Environment: CONSOLE_HOST. Default: 127.0.0.1.
	Host string `yaml:"host"`

	// Port to bind. Environment: CONSOLE_PORT. Default: 8190.
	Port int `yaml:"port"`

	// DrainTimeout bounds the wait for running jobs on shutdown.
	// Default: 30s.
	DrainTimeout time.Duration `yaml:"drain_timeout,omitempty"`
}

// Addr returns the host:port the server binds.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LogConfig configures logging. Environment variables (CONSOLE_DEBUG,
// CONSOLE_LOG_LEVEL, LOG_FORMAT) override these fields.
type LogConfig struct {
	// Level: debug, info, warn, error. Default: info.
	Level string `yaml:"level,omitempty"`

	// Format: json or text. Default: json.
	Format string `yaml:"format,omitempty"`
}

// SchedulerConfig configures backend selection.
type SchedulerConfig struct {
	// Selector is an optional expression that filters candidate backends,
	// e.g. "QueueDepth < 3 && GPUMemoryFree > 8e9". Compiled at startup.
	Selector string `yaml:"selector,omitempty"`
}

// HealthConfig configures the backend health monitor.
type HealthConfig struct {
	// Interval between sweeps. Default: 5s.
	Interval time.Duration `yaml:"interval,omitempty"`

	// FullMetrics collects GPU/CPU/RAM detail on every sweep, not just
	// reachability and queue depth.
	FullMetrics bool `yaml:"full_metrics"`
}

// DatabaseConfig configures the sqlite job store.
type DatabaseConfig struct {
	// Path to the sqlite file. Default: <data dir>/console.db.
	Path string `yaml:"path,omitempty"`
}

// InboxConfig configures the drop-directory watcher.
type InboxConfig struct {
	// Dir is the inbox root; empty disables the watcher.
	// Environment: CONSOLE_INBOX_DIR.
	Dir string `yaml:"dir,omitempty"`

	// Patterns are doublestar globs for submittable files.
	// Default: ["*.json", "**/queue/*.json"].
	Patterns []string `yaml:"patterns,omitempty"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         8190,
			DrainTimeout: 30 * time.Second,
		},
		Log:    LogConfig{Level: "info", Format: "json"},
		Health: HealthConfig{Interval: 5 * time.Second},
		HTTP:   httpclient.DefaultConfig(),
	}
}

// Load reads the configuration file, applies defaults and environment
// overrides, and validates the result. A missing file is not an error:
// defaults apply, though validation will still demand backends.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: failed to parse %s: %v", ErrInvalidConfig, path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if host := os.Getenv("CONSOLE_HOST"); host != "" {
		c.Server.Host = host
	}
	if port := os.Getenv("CONSOLE_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
	if dir := os.Getenv("CONSOLE_INBOX_DIR"); dir != "" {
		c.Inbox.Dir = dir
	}
	if path := os.Getenv("CONSOLE_DB_PATH"); path != "" {
		c.Database.Path = path
	}
}

// applyDefaults fills derived defaults that need the data directory.
func (c *Config) applyDefaults() {
	if c.Server.DrainTimeout <= 0 {
		c.Server.DrainTimeout = 30 * time.Second
	}
	if c.Health.Interval <= 0 {
		c.Health.Interval = 5 * time.Second
	}
	if c.HTTP.UserAgent == "" {
		c.HTTP = httpclient.DefaultConfig()
	}

	dataDir := DataDir()
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(dataDir, "console.db")
	}
	if c.WorkflowsDir == "" {
		c.WorkflowsDir = filepath.Join(dataDir, "workflows")
	}

	for i := range c.Backends {
		if c.Backends[i].MaxConcurrentJobs <= 0 {
			c.Backends[i].MaxConcurrentJobs = 1
		}
	}
}

// Validate checks the loaded configuration.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port must be in 1..65535, got %d", ErrInvalidConfig, c.Server.Port)
	}

	if len(c.Backends) == 0 {
		return fmt.Errorf("%w: at least one backend is required", ErrInvalidConfig)
	}
	seen := make(map[string]bool, len(c.Backends))
	for i, b := range c.Backends {
		if b.ID == "" {
			return fmt.Errorf("%w: backends[%d].id is required", ErrInvalidConfig, i)
		}
		if seen[b.ID] {
			return fmt.Errorf("%w: duplicate backend id %q", ErrInvalidConfig, b.ID)
		}
		seen[b.ID] = true
		if b.Host == "" {
			return fmt.Errorf("%w: backend %s has no host", ErrInvalidConfig, b.ID)
		}
		if b.Port <= 0 || b.Port > 65535 {
			return fmt.Errorf("%w: backend %s port must be in 1..65535, got %d", ErrInvalidConfig, b.ID, b.Port)
		}
	}

	if c.Scheduler.Selector != "" {
		if _, err := scheduler.CompileSelector(c.Scheduler.Selector); err != nil {
			return fmt.Errorf("%w: scheduler.selector: %v", ErrInvalidConfig, err)
		}
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("%w: http: %v", ErrInvalidConfig, err)
	}

	return nil
}
