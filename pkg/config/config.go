// Quill - policy-gated agent execution runtime
// License: MIT
//
// Copyright (c) 2026 Quill contributors

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Agent    AgentConfig    `json:"agent"`
	Provider ProviderConfig `json:"provider"`
	Security SecurityConfig `json:"security"`
	Tools    ToolsConfig    `json:"tools"`
	Metrics  MetricsConfig  `json:"metrics"`
	Events   EventsConfig   `json:"events"`
	Logging  LoggingConfig  `json:"logging"`
}

type AgentConfig struct {
	Workspace               string `json:"workspace" env:"QUILL_AGENT_WORKSPACE"`
	MaxIterations           int    `json:"max_iterations" env:"QUILL_AGENT_MAX_ITERATIONS"`
	MaxWallClockSeconds     int    `json:"max_wall_clock_seconds" env:"QUILL_AGENT_MAX_WALL_CLOCK_SECONDS"`
	IterationTimeoutSeconds int    `json:"iteration_timeout_seconds" env:"QUILL_AGENT_ITERATION_TIMEOUT_SECONDS"`
}

type ProviderConfig struct {
	APIKey      string  `json:"api_key" env:"QUILL_PROVIDER_API_KEY"`
	APIBase     string  `json:"api_base" env:"QUILL_PROVIDER_API_BASE"`
	Model       string  `json:"model" env:"QUILL_PROVIDER_MODEL"`
	MaxTokens   int     `json:"max_tokens" env:"QUILL_PROVIDER_MAX_TOKENS"`
	Temperature float64 `json:"temperature" env:"QUILL_PROVIDER_TEMPERATURE"`
}

// SecurityConfig drives the policy engine. SandboxMode controls command
// filtering (whitelist/blacklist/prompt/disabled); ApprovalMode controls
// confirmation of dangerous tools (auto/manual/disabled).
type SecurityConfig struct {
	SandboxMode  string                `json:"sandbox_mode" env:"QUILL_SECURITY_SANDBOX_MODE"`
	ApprovalMode string                `json:"approval_mode" env:"QUILL_SECURITY_APPROVAL_MODE"`
	Whitelist    []string              `json:"whitelist"`
	Blacklist    []string              `json:"blacklist"`
	AllowedTools []string              `json:"allowed_tools"`
	BlockedTools []string              `json:"blocked_tools"`
	Paths        RestrictedPathsConfig `json:"restricted_paths"`
}

type RestrictedPathsConfig struct {
	ReadOnly []string `json:"read_only"`
	NoAccess []string `json:"no_access"`
}

type ToolsConfig struct {
	TimeoutSeconds    int      `json:"timeout_seconds" env:"QUILL_TOOLS_TIMEOUT_SECONDS"`
	MaxTimeoutSeconds int      `json:"max_timeout_seconds" env:"QUILL_TOOLS_MAX_TIMEOUT_SECONDS"`
	OutputCapBytes    int      `json:"output_cap_bytes" env:"QUILL_TOOLS_OUTPUT_CAP_BYTES"`
	EnvAllowlist      []string `json:"env_allowlist" env:"QUILL_TOOLS_ENV_ALLOWLIST"`
	EvalMaxSteps      uint64   `json:"eval_max_steps" env:"QUILL_TOOLS_EVAL_MAX_STEPS"`
	HTTPMaxBytes      int      `json:"http_max_bytes" env:"QUILL_TOOLS_HTTP_MAX_BYTES"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled" env:"QUILL_METRICS_ENABLED"`
	Path    string `json:"path" env:"QUILL_METRICS_PATH"`
}

type EventsConfig struct {
	AuditLogPath  string `json:"audit_log_path" env:"QUILL_EVENTS_AUDIT_LOG_PATH"`
	WebsocketAddr string `json:"websocket_addr" env:"QUILL_EVENTS_WEBSOCKET_ADDR"`
}

type LoggingConfig struct {
	Level  string `json:"level" env:"QUILL_LOG_LEVEL"`
	Format string `json:"format" env:"QUILL_LOG_FORMAT"`
}

// DefaultConfig returns a config with sane defaults applied.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Agent: AgentConfig{
			Workspace:               filepath.Join(home, ".quill", "workspace"),
			MaxIterations:           10,
			MaxWallClockSeconds:     600,
			IterationTimeoutSeconds: 300,
		},
		Provider: ProviderConfig{
			MaxTokens:   8192,
			Temperature: 0.7,
		},
		Security: SecurityConfig{
			SandboxMode:  "blacklist",
			ApprovalMode: "manual",
			Blacklist: []string{
				"rm -rf /",
				"rm -rf ~",
				"mkfs*",
				"dd if=*",
				"shutdown*",
				"reboot*",
			},
		},
		Tools: ToolsConfig{
			TimeoutSeconds:    30,
			MaxTimeoutSeconds: 120,
			OutputCapBytes:    10000,
			EnvAllowlist:      []string{"PATH", "HOME", "LANG", "TERM", "TMPDIR"},
			EvalMaxSteps:      10_000_000,
			HTTPMaxBytes:      50000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    filepath.Join(home, ".quill", "state", "tool_metrics.jsonl"),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the config file at path (if it exists), applies QUILL_* env
// overrides on top, and returns the result. A missing file is not an error;
// defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env overrides: %w", err)
	}

	return cfg, nil
}

// Save writes the config as indented JSON.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
