package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models genline.yml.
type Config struct {
	Engine struct {
		Concurrency         int `yaml:"concurrency"`
		StageTimeoutSeconds int `yaml:"stage_timeout_seconds"`
	} `yaml:"engine"`
	Retry struct {
		MaxAttempts        int     `yaml:"max_attempts"`
		ValidationAttempts int     `yaml:"validation_attempts"`
		BaseDelayMS        int     `yaml:"base_delay_ms"`
		MaxDelayMS         int     `yaml:"max_delay_ms"`
		Jitter             float64 `yaml:"jitter"`
	} `yaml:"retry"`
	Providers map[string]Provider `yaml:"providers"`
	Pipeline  Pipeline            `yaml:"pipeline"`
	Webhooks  []WebhookConfig     `yaml:"webhooks,omitempty"`
}

// Provider configures one text-generation backend.
type Provider struct {
	Kind          string   `yaml:"kind"` // command | scripted
	Model         string   `yaml:"model,omitempty"`
	Temperature   float64  `yaml:"temperature,omitempty"`
	MaxTokens     int      `yaml:"max_tokens,omitempty"`
	MinIntervalMS int      `yaml:"min_interval_ms,omitempty"`
	Command       []string `yaml:"command,omitempty"`   // kind=command: argv, prompt on stdin
	Responses     []string `yaml:"responses,omitempty"` // kind=scripted: canned outputs in order
}

// Pipeline declares the stage graph for new runs.
type Pipeline struct {
	Stages       []StageConfig `yaml:"stages"`
	ExpandPhases bool          `yaml:"expand_phases"`
}

// StageConfig is one declared stage.
type StageConfig struct {
	ID        string   `yaml:"id"`
	Kind      string   `yaml:"kind"`
	Template  string   `yaml:"template,omitempty"` // defaults to Kind
	Provider  string   `yaml:"provider,omitempty"` // defaults to "default"
	DependsOn []string `yaml:"depends_on,omitempty"`
}

// WebhookConfig declares one event delivery target.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

var stageKinds = map[string]bool{
	"design":       true,
	"plan":         true,
	"phase_detail": true,
	"handoff":      true,
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Engine.Concurrency < 0 {
		return fmt.Errorf("config.engine.concurrency must be >= 0")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config.retry.max_attempts must be >= 1")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		return fmt.Errorf("config.retry.jitter must be in [0,1)")
	}
	if len(c.Providers) == 0 {
		return fmt.Errorf("config.providers is required")
	}
	for name, p := range c.Providers {
		switch p.Kind {
		case "command":
			if len(p.Command) == 0 {
				return fmt.Errorf("provider %s: command is required for kind=command", name)
			}
		case "scripted":
		default:
			return fmt.Errorf("provider %s: unknown kind %q", name, p.Kind)
		}
		if p.MinIntervalMS < 0 {
			return fmt.Errorf("provider %s: min_interval_ms must be >= 0", name)
		}
	}
	if len(c.Pipeline.Stages) == 0 {
		return fmt.Errorf("config.pipeline.stages is required")
	}
	seen := map[string]bool{}
	for _, s := range c.Pipeline.Stages {
		if s.ID == "" {
			return fmt.Errorf("pipeline stage with empty id")
		}
		if seen[s.ID] {
			return fmt.Errorf("pipeline stage %s declared twice", s.ID)
		}
		seen[s.ID] = true
		if !stageKinds[s.Kind] {
			return fmt.Errorf("pipeline stage %s has unknown kind %q", s.ID, s.Kind)
		}
		if _, ok := c.Providers[s.ProviderOrDefault()]; !ok {
			return fmt.Errorf("pipeline stage %s references unknown provider %s", s.ID, s.ProviderOrDefault())
		}
	}
	for _, s := range c.Pipeline.Stages {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("pipeline stage %s depends on unknown stage %s", s.ID, dep)
			}
			if dep == s.ID {
				return fmt.Errorf("pipeline stage %s depends on itself", s.ID)
			}
		}
	}
	if err := c.ensureAcyclic(); err != nil {
		return err
	}
	return nil
}

// ensureAcyclic walks the dependency graph depth-first looking for a cycle.
func (c *Config) ensureAcyclic() error {
	deps := map[string][]string{}
	for _, s := range c.Pipeline.Stages {
		deps[s.ID] = s.DependsOn
	}
	const (
		visiting = 1
		done     = 2
	)
	state := map[string]int{}
	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			return fmt.Errorf("pipeline dependency cycle through stage %s", id)
		case done:
			return nil
		}
		state[id] = visiting
		for _, dep := range deps[id] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}
	for id := range deps {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

func (s StageConfig) ProviderOrDefault() string {
	if s.Provider == "" {
		return "default"
	}
	return s.Provider
}

func (s StageConfig) TemplateOrDefault() string {
	if s.Template == "" {
		return s.Kind
	}
	return s.Template
}

// Concurrency returns the configured cap with the documented default of 3.
func (c *Config) Concurrency() int {
	if c.Engine.Concurrency <= 0 {
		return 3
	}
	return c.Engine.Concurrency
}

// StageTimeout returns the per-stage timeout; 0 disables it.
func (c *Config) StageTimeout() time.Duration {
	return time.Duration(c.Engine.StageTimeoutSeconds) * time.Second
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "genline.yml")
}

// Load reads and validates config from workspace, falling back to defaults
// when no file exists.
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

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `engine:
  concurrency: 3
  stage_timeout_seconds: 300

retry:
  max_attempts: 3
  validation_attempts: 2
  base_delay_ms: 500
  max_delay_ms: 15000
  jitter: 0.2

providers:
  default:
    kind: command
    command: ["claude", "--print"]
    model: default
    min_interval_ms: 1000

pipeline:
  expand_phases: true
  stages:
    - id: design
      kind: design
    - id: plan
      kind: plan
      depends_on: [design]
    - id: handoff
      kind: handoff
      depends_on: [plan]
`
