// ABOUTME: YAML run configuration: agent roster, attempt budgets, timeouts, and workspace layout.
// ABOUTME: Loaded once at startup; defaults applied before validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML decoding of "30s"-style strings.
type Duration time.Duration

// UnmarshalYAML accepts either an integer nanosecond count or a duration
// string like "30s".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// AgentConfig declares one coordination agent.
type AgentConfig struct {
	ID      string `yaml:"id"`
	Backend string `yaml:"backend"` // "openai" or "scripted" (dry runs)
	Model   string `yaml:"model,omitempty"`
	BaseURL string `yaml:"base_url,omitempty"`
	APIKey  string `yaml:"api_key,omitempty"` // defaults to $OPENAI_API_KEY
	// WorkflowInContent disables native workflow tool declarations for
	// backends that cannot combine builtin tools with function calls.
	WorkflowInContent bool `yaml:"workflow_in_content,omitempty"`
}

// Config is the full run configuration.
type Config struct {
	Agents []AgentConfig `yaml:"agents"`

	MaxAttempts    int      `yaml:"max_attempts,omitempty"`
	AttemptTimeout Duration `yaml:"attempt_timeout,omitempty"`
	RunTimeout     Duration `yaml:"run_timeout,omitempty"`

	AllowSelfVote bool `yaml:"allow_self_vote,omitempty"`

	// WorkspaceParent is the directory under which all agent workspaces
	// live; the safety predicates require everything to stay below it.
	WorkspaceParent string `yaml:"workspace_parent,omitempty"`
	// SessionDir receives coordination artefacts; a timestamped
	// subdirectory is created per run.
	SessionDir string `yaml:"session_dir,omitempty"`
	// FilesystemContext enables workspaces and peer-view snapshots.
	FilesystemContext bool `yaml:"filesystem_context,omitempty"`

	// WebAddr, when set, serves the read-only status API.
	WebAddr string `yaml:"web_addr,omitempty"`

	MaxTokens   int      `yaml:"max_tokens,omitempty"`
	Temperature *float64 `yaml:"temperature,omitempty"`
}

// Default returns the configuration defaults applied before validation.
func Default() Config {
	return Config{
		MaxAttempts:    3,
		AttemptTimeout: Duration(120 * time.Second),
		AllowSelfVote:  true,
		SessionDir:     "sessions",
	}
}

// Load reads and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config bytes, applies defaults, and validates.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks roster and path constraints.
func (c *Config) Validate() error {
	if len(c.Agents) == 0 {
		return fmt.Errorf("config declares no agents")
	}
	seen := make(map[string]bool, len(c.Agents))
	for i, agent := range c.Agents {
		if agent.ID == "" {
			return fmt.Errorf("agent %d has no id", i)
		}
		if seen[agent.ID] {
			return fmt.Errorf("duplicate agent id %q", agent.ID)
		}
		seen[agent.ID] = true
		switch agent.Backend {
		case "openai", "scripted":
		case "":
			return fmt.Errorf("agent %q has no backend", agent.ID)
		default:
			return fmt.Errorf("agent %q has unknown backend %q", agent.ID, agent.Backend)
		}
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be positive")
	}
	if c.FilesystemContext && c.WorkspaceParent == "" {
		return fmt.Errorf("filesystem_context requires workspace_parent")
	}
	if c.WorkspaceParent != "" && !filepath.IsAbs(c.WorkspaceParent) {
		abs, err := filepath.Abs(c.WorkspaceParent)
		if err != nil {
			return fmt.Errorf("resolve workspace_parent: %w", err)
		}
		c.WorkspaceParent = abs
	}
	return nil
}
