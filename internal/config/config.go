// Package config handles application configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Config holds the application configuration.
type Config struct {
	Server       ServerConfig       `json:"server" yaml:"server"`
	Orchestrator OrchestratorConfig `json:"orchestrator" yaml:"orchestrator"`
	Agent        AgentConfig        `json:"agent" yaml:"agent"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// OrchestratorConfig holds orchestrator configuration.
type OrchestratorConfig struct {
	StorePath      string `json:"store_path" yaml:"store_path"`
	SessionDir     string `json:"session_dir" yaml:"session_dir"`
	MaxParallel    int    `json:"max_parallel" yaml:"max_parallel"`
	DefaultTimeout string `json:"default_timeout" yaml:"default_timeout"`
}

// AgentConfig holds agent CLI configuration. Credentials live here so the
// core never performs ambient environment lookups; main populates them.
type AgentConfig struct {
	Binary          string `json:"binary" yaml:"binary"`
	Model           string `json:"model" yaml:"model"`
	GitToken        string `json:"git_token" yaml:"git_token"`
	AnthropicAPIKey string `json:"anthropic_api_key" yaml:"anthropic_api_key"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	zagalDir := filepath.Join(home, ".zagal")

	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8765,
		},
		Orchestrator: OrchestratorConfig{
			StorePath:      filepath.Join(zagalDir, "tasks.json"),
			SessionDir:     filepath.Join(zagalDir, "sessions"),
			MaxParallel:    5,
			DefaultTimeout: "1h",
		},
		Agent: AgentConfig{},
	}
}

// ParsedDefaultTimeout returns the default per-task timeout, zero when
// unset or unparseable.
func (c *Config) ParsedDefaultTimeout() time.Duration {
	if c.Orchestrator.DefaultTimeout == "" {
		return 0
	}
	d, err := time.ParseDuration(c.Orchestrator.DefaultTimeout)
	if err != nil {
		return 0
	}
	return d
}

// Load loads configuration from a file (supports JSON and YAML).
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	baseDir := ""

	if path == "" {
		home, _ := os.UserHomeDir()
		// Try YAML first, then JSON
		yamlPath := filepath.Join(home, ".zagal", "config.yaml")
		jsonPath := filepath.Join(home, ".zagal", "config.json")

		if _, err := os.Stat(yamlPath); err == nil {
			path = yamlPath
			baseDir = filepath.Dir(path)
		} else if _, err := os.Stat(jsonPath); err == nil {
			path = jsonPath
			baseDir = filepath.Dir(path)
		} else {
			// No config file found, return defaults
			return cfg, nil
		}
	} else {
		baseDir = filepath.Dir(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	// Detect format by extension
	isYAML := strings.HasSuffix(strings.ToLower(path), ".yaml") || strings.HasSuffix(strings.ToLower(path), ".yml")

	if isYAML {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	}

	// Expand ~ and resolve relative paths against the config file dir.
	cfg.Orchestrator.StorePath = resolvePath(cfg.Orchestrator.StorePath, baseDir)
	cfg.Orchestrator.SessionDir = resolvePath(cfg.Orchestrator.SessionDir, baseDir)

	return cfg, nil
}

// Save saves configuration to a file.
func (c *Config) Save(path string) error {
	if path == "" {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, ".zagal", "config.json")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// Address returns the server address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// expandHome expands ~ to home directory in paths.
func expandHome(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	// Support "~/..." (and Windows separators just in case)
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~\\") {
		home, _ := os.UserHomeDir()
		rest := path[2:]
		return filepath.Join(home, rest)
	}
	// We intentionally don't expand "~user/..." forms.
	return path
}

// resolvePath expands ~ and resolves relative paths against baseDir.
// If baseDir is empty, relative paths are returned unchanged.
func resolvePath(value, baseDir string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return value
	}
	p := expandHome(value)
	if filepath.IsAbs(p) {
		return p
	}
	if baseDir == "" {
		return p
	}
	return filepath.Clean(filepath.Join(baseDir, p))
}
