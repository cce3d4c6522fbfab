package daemon

import (
	"fmt"

	"github.com/harun/hive/internal/config"
	"github.com/harun/hive/pkg/agent"
	"github.com/harun/hive/pkg/continuation"
	"github.com/rs/zerolog"
)

// newGenerator builds the configured backend. Fallback profiles wrap the
// primary in a FailoverGenerator.
func newGenerator(cfg config.ProviderConfig, logger zerolog.Logger) (agent.Generator, error) {
	primary, err := newBackend(cfg.Kind, agent.ProviderOptions{
		APIKey:     cfg.APIKey,
		Model:      cfg.Model,
		BaseURL:    cfg.BaseURL,
		MaxTokens:  cfg.MaxTokens,
		Capability: continuation.MultiToolCall,
	})
	if err != nil {
		return nil, err
	}
	if len(cfg.Fallback) == 0 {
		return primary, nil
	}

	gens := []agent.Generator{primary}
	for i, p := range cfg.Fallback {
		g, err := newBackend(p.Kind, agent.ProviderOptions{
			APIKey:     p.APIKey,
			Model:      p.Model,
			BaseURL:    p.BaseURL,
			MaxTokens:  cfg.MaxTokens,
			Capability: continuation.MultiToolCall,
		})
		if err != nil {
			return nil, fmt.Errorf("fallback %d: %w", i, err)
		}
		gens = append(gens, g)
	}

	failover, err := agent.NewFailoverGenerator(agent.FailoverConfig{
		Generators: gens,
		Cooldown:   cfg.Cooldown,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	return failover, nil
}

func newBackend(kind string, opts agent.ProviderOptions) (agent.Generator, error) {
	switch kind {
	case "", "echo":
		return agent.NewEchoGenerator(opts.Capability), nil
	case "anthropic":
		return agent.NewAnthropicGenerator(opts), nil
	case "openai":
		return agent.NewOpenAIGenerator(opts), nil
	default:
		return nil, fmt.Errorf("unknown provider: %s (supported: echo, anthropic, openai)", kind)
	}
}
