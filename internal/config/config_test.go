package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 10, cfg.Runtime.MaxIterations)
	assert.Equal(t, 3, cfg.Runtime.FailureThreshold)
	assert.Equal(t, 5*time.Minute, cfg.Runtime.ContinuationTimeout)
	assert.Equal(t, "echo", cfg.Provider.Kind)
	assert.Equal(t, "none", cfg.Tracing.Exporter)
	require.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"should reject zero max iterations", func(c *Config) { c.Runtime.MaxIterations = 0 }, "max_iterations"},
		{"should reject zero failure threshold", func(c *Config) { c.Runtime.FailureThreshold = 0 }, "failure_threshold"},
		{"should reject negative queue limit", func(c *Config) { c.Runtime.QueueLimit = -1 }, "queue_limit"},
		{"should reject rate limit without burst", func(c *Config) {
			c.Mailbox.RateLimit = 5
			c.Mailbox.RateBurst = 0
		}, "rate_burst"},
		{"should reject unknown provider", func(c *Config) { c.Provider.Kind = "gemini" }, "invalid provider"},
		{"should reject anthropic without key", func(c *Config) { c.Provider.Kind = "anthropic" }, "API key"},
		{"should reject unknown exporter", func(c *Config) { c.Tracing.Exporter = "jaeger" }, "exporter"},
		{"should reject bad metrics address", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.ListenAddr = "nope"
		}, "listen address"},
		{"should reject duplicate agents", func(c *Config) {
			c.Agents = []AgentConfig{{ID: "a"}, {ID: "a"}}
		}, "duplicate agent ID"},
		{"should reject reserved agent id", func(c *Config) {
			c.Agents = []AgentConfig{{ID: "user"}}
		}, "reserved"},
		{"should reject invalid capability", func(c *Config) {
			c.Agents = []AgentConfig{{ID: "a", Capability: "parallel"}}
		}, "capability"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfigStringMasksSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Provider.APIKey = "sk-ant-supersecretvalue"
	cfg.Provider.Fallback = []ProviderProfile{{Kind: "openai", APIKey: "sk-otherverysecret"}}

	out := cfg.String()
	assert.NotContains(t, out, "supersecret")
	assert.NotContains(t, out, "otherverysecret")
	assert.Contains(t, out, "sk-a****")
	assert.Equal(t, "sk-otherverysecret", cfg.Provider.Fallback[0].APIKey)
}
