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

// Package config loads the coordination core's single startup
// configuration (spec.md §6): the servers/runs/sessions shape plus the
// ambient log/observability/artefacts sections. Configuration is loaded
// once; reload is a full process restart, never a live watch.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TransportKind names which concrete transport/protocol binding a server
// uses. "mcp" runs the mark3labs/mcp-go stdio binding (internal/mcp);
// "stdio" and "socket" run the generic JSON-RPC initialize/tools-list
// exchange directly over internal/transport.
type TransportKind string

const (
	TransportMCP    TransportKind = "mcp"
	TransportStdio  TransportKind = "stdio"
	TransportSocket TransportKind = "socket"
)

// TransportSpec configures one server's Transport, shaped per spec.md §6's
// `transport: { kind: "stdio" | "socket", ... }`.
type TransportSpec struct {
	Kind TransportKind `yaml:"kind"`

	// stdio / mcp
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"`

	// socket
	Network string `yaml:"network"`
	Address string `yaml:"address"`
	TLS     bool   `yaml:"tls"`
}

// RatePolicy is the per-server token-bucket rate limit from spec.md §6.
type RatePolicy struct {
	TokensPerSecond float64 `yaml:"tokens_per_second"`
	Burst           int     `yaml:"burst"`
}

// ToolPolicy is one server's policy block from spec.md §6.
type ToolPolicy struct {
	AllowTools       []string   `yaml:"allow_tools"`
	DenyTools        []string   `yaml:"deny_tools"`
	Rate             RatePolicy `yaml:"rate"`
	RequiresApproval []string   `yaml:"requires_approval"`
}

// ServerConfig is one entry of the `servers` list.
type ServerConfig struct {
	ServerID  string        `yaml:"server_id"`
	Transport TransportSpec `yaml:"transport"`

	// AuthRef is an opaque reference resolved via an external secret
	// source (spec.md §1 Out of scope: auth material resolution is an
	// external collaborator); the core only carries the reference.
	AuthRef string     `yaml:"auth_ref"`
	Policy  ToolPolicy `yaml:"policy"`
}

// Budgets is the `runs.default_budgets` block.
type Budgets struct {
	MaxSteps  int     `yaml:"max_steps"`
	MaxWallMS int64   `yaml:"max_wall_ms"`
	MaxCost   float64 `yaml:"max_cost"`
}

// RetryConfig is the `runs.retry` block.
type RetryConfig struct {
	MaxAttempts      int   `yaml:"max_attempts"`
	BaseRetryDelayMS int64 `yaml:"base_retry_delay_ms"`
}

// StopConfig is the `runs.stop` block.
type StopConfig struct {
	NoProgressThreshold int `yaml:"no_progress_threshold"`
}

// RunsConfig is the `runs` top-level block.
type RunsConfig struct {
	DefaultBudgets Budgets     `yaml:"default_budgets"`
	Retry          RetryConfig `yaml:"retry"`
	Stop           StopConfig  `yaml:"stop"`
}

// SessionsConfig is the `sessions` top-level block.
type SessionsConfig struct {
	ConnectDeadlineMS   int64 `yaml:"connect_deadline_ms"`
	HeartbeatIntervalMS int64 `yaml:"heartbeat_interval_ms"`
	FailureThreshold    int   `yaml:"failure_threshold"`
	CooldownMS          int64 `yaml:"cooldown_ms"`
}

// LogConfig is the ambient logging section (SPEC_FULL.md §J).
type LogConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// ObservabilityConfig is the ambient tracing/metrics section.
type ObservabilityConfig struct {
	TracingEnabled bool   `yaml:"tracing_enabled"`
	MetricsAddr    string `yaml:"metrics_addr"`
}

// ArtefactsConfig configures the content-addressed store and its
// retention sweep (resolves the Open Question in spec.md §9 / SPEC_FULL.md
// §I: retention is a configurable policy independent of run lifecycle).
type ArtefactsConfig struct {
	Dir             string `yaml:"dir"`
	RetentionHours  int    `yaml:"retention_hours"`
	SweepIntervalMS int64  `yaml:"sweep_interval_ms"`
}

// RunStoreConfig configures the durable Run Store backend.
type RunStoreConfig struct {
	Path string `yaml:"path"`
}

// Config is the coordination core's single startup configuration.
type Config struct {
	Servers       []ServerConfig      `yaml:"servers"`
	Runs          RunsConfig          `yaml:"runs"`
	Sessions      SessionsConfig      `yaml:"sessions"`
	Log           LogConfig           `yaml:"log"`
	Observability ObservabilityConfig `yaml:"observability"`
	Artefacts     ArtefactsConfig     `yaml:"artefacts"`
	RunStore      RunStoreConfig      `yaml:"run_store"`
}

// Default returns a Config with sensible defaults for every ambient
// section, mirroring the teacher's Default()/Load() split: defaults
// first, then a file layered on top, then environment overrides.
func Default() *Config {
	return &Config{
		Runs: RunsConfig{
			DefaultBudgets: Budgets{MaxSteps: 50, MaxWallMS: 10 * 60 * 1000, MaxCost: 0},
			Retry:          RetryConfig{MaxAttempts: 3, BaseRetryDelayMS: 500},
			Stop:           StopConfig{NoProgressThreshold: 1},
		},
		Sessions: SessionsConfig{
			ConnectDeadlineMS:   10_000,
			HeartbeatIntervalMS: 15_000,
			FailureThreshold:    3,
			CooldownMS:          10_000,
		},
		Log: LogConfig{Level: "info", Format: "json"},
		Artefacts: ArtefactsConfig{
			Dir:             "./data/artefacts",
			RetentionHours:  24 * 30,
			SweepIntervalMS: 60 * 60 * 1000,
		},
		RunStore: RunStoreConfig{Path: "./data/coordcore.db"},
	}
}

// Load reads path as YAML onto a Default() Config, applies environment
// overrides, and validates the result. path may be empty, in which case
// only defaults and environment overrides apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFromEnv layers a small set of environment overrides on top of the
// file-or-default config, for the settings operators most often need to
// flip without editing YAML (log level/format, the run store path).
func (c *Config) loadFromEnv() {
	if v := os.Getenv("COORD_LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("COORD_LOG_FORMAT"); v != "" {
		c.Log.Format = strings.ToLower(v)
	}
	if v := os.Getenv("COORD_RUN_STORE_PATH"); v != "" {
		c.RunStore.Path = v
	}
	if v := os.Getenv("COORD_ARTEFACTS_DIR"); v != "" {
		c.Artefacts.Dir = v
	}
	if v := os.Getenv("COORD_MAX_STEPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Runs.DefaultBudgets.MaxSteps = n
		}
	}
}

// Validate checks the invariants the rest of the module assumes: every
// server has a unique, non-empty server_id and a transport kind this
// build knows how to open.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Servers))
	for _, s := range c.Servers {
		if s.ServerID == "" {
			return fmt.Errorf("config: server entry with empty server_id")
		}
		if seen[s.ServerID] {
			return fmt.Errorf("config: duplicate server_id %q", s.ServerID)
		}
		seen[s.ServerID] = true

		switch s.Transport.Kind {
		case TransportMCP, TransportStdio:
			if s.Transport.Command == "" {
				return fmt.Errorf("config: server %q: transport.command is required for kind %q", s.ServerID, s.Transport.Kind)
			}
		case TransportSocket:
			if s.Transport.Address == "" {
				return fmt.Errorf("config: server %q: transport.address is required for kind %q", s.ServerID, s.Transport.Kind)
			}
		default:
			return fmt.Errorf("config: server %q: unknown transport kind %q", s.ServerID, s.Transport.Kind)
		}
	}
	if c.Runs.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("config: runs.retry.max_attempts must be positive")
	}
	return nil
}

// ConnectDeadline returns sessions.connect_deadline_ms as a Duration.
func (c SessionsConfig) ConnectDeadline() time.Duration {
	return time.Duration(c.ConnectDeadlineMS) * time.Millisecond
}

// HeartbeatInterval returns sessions.heartbeat_interval_ms as a Duration.
func (c SessionsConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond
}

// Cooldown returns sessions.cooldown_ms as a Duration.
func (c SessionsConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownMS) * time.Millisecond
}

// BaseRetryDelay returns runs.retry.base_retry_delay_ms as a Duration.
func (c RetryConfig) BaseRetryDelay() time.Duration {
	return time.Duration(c.BaseRetryDelayMS) * time.Millisecond
}

// RetentionWindow returns artefacts.retention_hours as a Duration.
func (c ArtefactsConfig) RetentionWindow() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

// SweepInterval returns artefacts.sweep_interval_ms as a Duration.
func (c ArtefactsConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMS) * time.Millisecond
}
