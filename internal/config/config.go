package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/harun/hive/internal/logger"
	"github.com/harun/hive/internal/tracing"
)

// Config represents the main hive configuration
type Config struct {
	Logging logger.Config `json:"logging" mapstructure:"logging"`

	Runtime RuntimeConfig `json:"runtime" mapstructure:"runtime"`

	Mailbox MailboxConfig `json:"mailbox" mapstructure:"mailbox"`

	Provider ProviderConfig `json:"provider" mapstructure:"provider"`

	// Agents created by `hive run`; AgentsFile entries are appended.
	Agents     []AgentConfig `json:"agents" mapstructure:"agents"`
	AgentsFile string        `json:"agents_file" mapstructure:"agents_file"`

	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`

	Tracing tracing.Config `json:"tracing" mapstructure:"tracing"`

	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// RuntimeConfig holds the limits applied to every agent session
type RuntimeConfig struct {
	MaxIterations       int           `json:"max_iterations" mapstructure:"max_iterations"`
	ContinuationTimeout time.Duration `json:"continuation_timeout" mapstructure:"continuation_timeout"`
	FailureThreshold    int           `json:"failure_threshold" mapstructure:"failure_threshold"`
	MaxTaskRetries      int           `json:"max_task_retries" mapstructure:"max_task_retries"`
	QueueLimit          int           `json:"queue_limit" mapstructure:"queue_limit"` // 0 = unbounded
	WaitTimeout         time.Duration `json:"wait_timeout" mapstructure:"wait_timeout"`
}

// MailboxConfig holds mailbox settings
type MailboxConfig struct {
	RateLimit   float64 `json:"rate_limit" mapstructure:"rate_limit"` // messages per second per sender, 0 = off
	RateBurst   int     `json:"rate_burst" mapstructure:"rate_burst"`
	JournalPath string  `json:"journal_path" mapstructure:"journal_path"` // sqlite file, empty = no journal
}

// ProviderConfig selects the generation backend
type ProviderConfig struct {
	Kind      string            `json:"kind" mapstructure:"kind"` // echo, anthropic, openai
	Model     string            `json:"model" mapstructure:"model"`
	APIKey    string            `json:"api_key" mapstructure:"api_key"`
	BaseURL   string            `json:"base_url" mapstructure:"base_url"`
	MaxTokens int               `json:"max_tokens" mapstructure:"max_tokens"`
	Fallback  []ProviderProfile `json:"fallback" mapstructure:"fallback"`
	Cooldown  time.Duration     `json:"cooldown" mapstructure:"cooldown"`
}

// ProviderProfile is one fallback backend tried after the primary fails
type ProviderProfile struct {
	Kind    string `json:"kind" mapstructure:"kind"`
	Model   string `json:"model" mapstructure:"model"`
	APIKey  string `json:"api_key" mapstructure:"api_key"`
	BaseURL string `json:"base_url" mapstructure:"base_url"`
}

// AgentConfig defines one agent created at startup
type AgentConfig struct {
	ID            string        `json:"id" yaml:"id" mapstructure:"id"`
	AutoStart     bool          `json:"auto_start" yaml:"auto_start" mapstructure:"auto_start"`
	Capability    string        `json:"capability" yaml:"capability" mapstructure:"capability"` // single, multi
	MaxIterations int           `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty" mapstructure:"max_iterations"`
	Timeout       time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty" mapstructure:"timeout"`
	SystemPrompt  string        `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty" mapstructure:"system_prompt"`
	QueueLimit    int           `json:"queue_limit,omitempty" yaml:"queue_limit,omitempty" mapstructure:"queue_limit"`
	Tools         []string      `json:"tools,omitempty" yaml:"tools,omitempty" mapstructure:"tools"` // allow list, "*" = all
	WakeEvents    []string      `json:"wake_events,omitempty" yaml:"wake_events,omitempty" mapstructure:"wake_events"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled    bool   `json:"enabled" mapstructure:"enabled"`
	ListenAddr string `json:"listen_addr" mapstructure:"listen_addr"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Logging: logger.DefaultConfig(),
		Runtime: DefaultRuntimeConfig(),
		Mailbox: MailboxConfig{
			RateBurst: 10,
		},
		Provider: ProviderConfig{
			Kind:      "echo",
			MaxTokens: 4096,
			Cooldown:  time.Minute,
		},
		Metrics: MetricsConfig{
			ListenAddr: "127.0.0.1:9464",
		},
		Tracing: tracing.Config{
			Exporter:    tracing.ExporterNone,
			ServiceName: "hive",
		},
	}
}

// DefaultRuntimeConfig returns the default session limits
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		MaxIterations:       10,
		ContinuationTimeout: 5 * time.Minute,
		FailureThreshold:    3,
		MaxTaskRetries:      1,
		WaitTimeout:         5 * time.Minute,
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.Runtime.Validate(); err != nil {
		return fmt.Errorf("runtime: %w", err)
	}

	if c.Mailbox.RateLimit < 0 {
		return fmt.Errorf("mailbox: rate_limit must be >= 0")
	}
	if c.Mailbox.RateLimit > 0 && c.Mailbox.RateBurst < 1 {
		return fmt.Errorf("mailbox: rate_burst must be >= 1 when rate_limit is set")
	}

	v := NewValidator()
	if err := v.ValidateProvider(c.Provider.Kind, c.Provider.APIKey); err != nil {
		return fmt.Errorf("provider: %w", err)
	}
	for i, p := range c.Provider.Fallback {
		if err := v.ValidateProvider(p.Kind, p.APIKey); err != nil {
			return fmt.Errorf("provider fallback %d: %w", i, err)
		}
	}

	if err := v.ValidateAgents(c.Agents); err != nil {
		return err
	}

	if c.Metrics.Enabled {
		if err := v.ValidateListenAddr(c.Metrics.ListenAddr); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
	}

	switch c.Tracing.Exporter {
	case "", tracing.ExporterNone, tracing.ExporterStdout, tracing.ExporterOTLP:
	default:
		return fmt.Errorf("tracing: invalid exporter %q (must be: none, stdout, otlp)", c.Tracing.Exporter)
	}

	return nil
}

// Validate checks the runtime limits
func (r RuntimeConfig) Validate() error {
	if r.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be >= 1")
	}
	if r.ContinuationTimeout <= 0 {
		return fmt.Errorf("continuation_timeout must be positive")
	}
	if r.FailureThreshold < 1 {
		return fmt.Errorf("failure_threshold must be >= 1")
	}
	if r.MaxTaskRetries < 0 {
		return fmt.Errorf("max_task_retries must be >= 0")
	}
	if r.QueueLimit < 0 {
		return fmt.Errorf("queue_limit must be >= 0")
	}
	if r.WaitTimeout <= 0 {
		return fmt.Errorf("wait_timeout must be positive")
	}
	return nil
}

// String returns the configuration as indented JSON with secrets masked
func (c *Config) String() string {
	masked := *c
	masked.Provider.APIKey = maskSecret(c.Provider.APIKey)
	masked.Provider.Fallback = make([]ProviderProfile, len(c.Provider.Fallback))
	for i, p := range c.Provider.Fallback {
		p.APIKey = maskSecret(p.APIKey)
		masked.Provider.Fallback[i] = p
	}

	data, err := json.MarshalIndent(&masked, "", "  ")
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "****" + s[len(s)-4:]
}
