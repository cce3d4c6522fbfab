package config

import (
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
)

var agentIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,63}$`)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateProvider checks the provider kind and its credential
func (v *Validator) ValidateProvider(kind, apiKey string) error {
	switch kind {
	case "", "echo":
		return nil
	case "anthropic":
		if apiKey == "" {
			return fmt.Errorf("anthropic API key cannot be empty")
		}
		if !strings.HasPrefix(apiKey, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if apiKey == "" {
			return fmt.Errorf("openai API key cannot be empty")
		}
	default:
		return fmt.Errorf("invalid provider %s (must be: echo, anthropic, openai)", kind)
	}
	return nil
}

// ValidateAgentID checks an agent identifier
func (v *Validator) ValidateAgentID(id string) error {
	if id == "" {
		return fmt.Errorf("agent ID is required")
	}
	if id == "user" {
		return fmt.Errorf("agent ID %q is reserved", id)
	}
	if !agentIDPattern.MatchString(id) {
		return fmt.Errorf("invalid agent ID %q: use letters, digits, '.', '_' or '-'", id)
	}
	return nil
}

// ValidateCapability checks a model capability value
func (v *Validator) ValidateCapability(capability string) error {
	switch capability {
	case "", "single", "multi":
		return nil
	}
	return fmt.Errorf("invalid capability %s (must be: single, multi)", capability)
}

// ValidateAgents checks every agent definition and rejects duplicate IDs
func (v *Validator) ValidateAgents(agents []AgentConfig) error {
	seen := make(map[string]bool, len(agents))
	for i, agent := range agents {
		if err := v.ValidateAgentID(agent.ID); err != nil {
			return fmt.Errorf("agent %d: %w", i, err)
		}
		if err := v.ValidateCapability(agent.Capability); err != nil {
			return fmt.Errorf("agent %s: %w", agent.ID, err)
		}
		if agent.MaxIterations < 0 {
			return fmt.Errorf("agent %s: max_iterations must be >= 0", agent.ID)
		}
		if agent.QueueLimit < 0 {
			return fmt.Errorf("agent %s: queue_limit must be >= 0", agent.ID)
		}
		if seen[agent.ID] {
			return fmt.Errorf("duplicate agent ID found: %s", agent.ID)
		}
		seen[agent.ID] = true
	}
	return nil
}

// ValidateLogLevel validates a log level
func (v *Validator) ValidateLogLevel(level string) error {
	if _, err := zerolog.ParseLevel(level); err != nil || level == "" {
		return fmt.Errorf("invalid log level %q (must be: debug, info, warn, error)", level)
	}
	return nil
}

// ValidateListenAddr validates a host:port listen address
func (v *Validator) ValidateListenAddr(addr string) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	return nil
}
