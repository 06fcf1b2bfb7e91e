// Package config provides configuration loading and management for Meshrun.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete Meshrun configuration
type Config struct {
	NATS         NATSConfig         `yaml:"nats"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Registry     RegistryConfig     `yaml:"registry"`
	Limits       LimitsConfig       `yaml:"limits"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL (empty = use embedded server)
	URL string `yaml:"url"`
	// Embedded indicates whether to use embedded NATS
	Embedded bool `yaml:"embedded"`
}

// OrchestratorConfig configures plan execution
type OrchestratorConfig struct {
	// MaxParallelAgents bounds concurrent dispatches within a phase
	MaxParallelAgents int `yaml:"max_parallel_agents"`
	// RequestTimeout bounds each request/response exchange on the bus
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// ValidationMaxRetries is the retry bookkeeping bound. Each task's
	// escalation_threshold governs when it escalates
	ValidationMaxRetries int `yaml:"validation_max_retries"`
	// ValidatorID is the recipient id of the validator agent (empty =
	// no quality gating)
	ValidatorID string `yaml:"validator_id"`
	// EscalationRecipient is the recipient id for escalation requests
	EscalationRecipient string `yaml:"escalation_recipient"`
	// ApproverID is the recipient id asked to confirm approval-gated
	// phases (empty = refuse such phases)
	ApproverID string `yaml:"approver_id"`
}

// RegistryConfig configures the agent capability registry
type RegistryConfig struct {
	// ManifestPath is the YAML agent manifest loaded at startup
	ManifestPath string `yaml:"manifest_path"`
	// Watch reloads the manifest when the file changes
	Watch bool `yaml:"watch"`
}

// LimitsConfig caps a run before it starts
type LimitsConfig struct {
	// MaxCostUSD rejects plans whose total estimated cost exceeds it
	// (0 = unlimited)
	MaxCostUSD float64 `yaml:"max_cost_usd"`
	// MaxDurationHours rejects plans whose total estimated duration
	// exceeds it (0 = unlimited)
	MaxDurationHours float64 `yaml:"max_duration_hours"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:      "",
			Embedded: true,
		},
		Orchestrator: OrchestratorConfig{
			MaxParallelAgents:    4,
			RequestTimeout:       10 * time.Minute,
			ValidationMaxRetries: 3,
			EscalationRecipient:  "coordinator",
		},
		Registry: RegistryConfig{
			ManifestPath: "agents.yaml",
			Watch:        false,
		},
		Limits: LimitsConfig{},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Orchestrator.MaxParallelAgents <= 0 {
		return fmt.Errorf("orchestrator.max_parallel_agents must be positive")
	}
	if c.Orchestrator.RequestTimeout <= 0 {
		return fmt.Errorf("orchestrator.request_timeout must be positive")
	}
	if c.Orchestrator.ValidationMaxRetries <= 0 {
		return fmt.Errorf("orchestrator.validation_max_retries must be positive")
	}
	if c.Orchestrator.EscalationRecipient == "" {
		return fmt.Errorf("orchestrator.escalation_recipient is required")
	}
	if c.Limits.MaxCostUSD < 0 {
		return fmt.Errorf("limits.max_cost_usd must not be negative")
	}
	if c.Limits.MaxDurationHours < 0 {
		return fmt.Errorf("limits.max_duration_hours must not be negative")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
		c.NATS.Embedded = false
	}

	// Orchestrator
	if other.Orchestrator.MaxParallelAgents != 0 {
		c.Orchestrator.MaxParallelAgents = other.Orchestrator.MaxParallelAgents
	}
	if other.Orchestrator.RequestTimeout != 0 {
		c.Orchestrator.RequestTimeout = other.Orchestrator.RequestTimeout
	}
	if other.Orchestrator.ValidationMaxRetries != 0 {
		c.Orchestrator.ValidationMaxRetries = other.Orchestrator.ValidationMaxRetries
	}
	if other.Orchestrator.ValidatorID != "" {
		c.Orchestrator.ValidatorID = other.Orchestrator.ValidatorID
	}
	if other.Orchestrator.EscalationRecipient != "" {
		c.Orchestrator.EscalationRecipient = other.Orchestrator.EscalationRecipient
	}
	if other.Orchestrator.ApproverID != "" {
		c.Orchestrator.ApproverID = other.Orchestrator.ApproverID
	}

	// Registry
	if other.Registry.ManifestPath != "" {
		c.Registry.ManifestPath = other.Registry.ManifestPath
	}
	if other.Registry.Watch {
		c.Registry.Watch = true
	}

	// Limits
	if other.Limits.MaxCostUSD != 0 {
		c.Limits.MaxCostUSD = other.Limits.MaxCostUSD
	}
	if other.Limits.MaxDurationHours != 0 {
		c.Limits.MaxDurationHours = other.Limits.MaxDurationHours
	}
}
