package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/hive/internal/observability"
	"github.com/harun/hive/internal/tracing"
	"github.com/harun/hive/pkg/continuation"
	"github.com/harun/hive/pkg/tools"
	"github.com/rs/zerolog"
)

// FailoverConfig holds failover configuration
type FailoverConfig struct {
	// Generators are tried in order; the first is the primary.
	Generators []Generator
	// Cooldown is how long a failed generator is skipped, multiplied by
	// its consecutive failure count.
	Cooldown time.Duration
	Logger   zerolog.Logger
}

type failoverMember struct {
	gen           Generator
	failures      int
	cooldownUntil time.Time
}

// FailoverGenerator tries generators in order, skipping the ones cooling
// down after a failure.
type FailoverGenerator struct {
	cooldown time.Duration
	logger   zerolog.Logger
	now      func() time.Time

	mu      sync.Mutex
	members []*failoverMember
}

// NewFailoverGenerator creates a failover generator
func NewFailoverGenerator(cfg FailoverConfig) (*FailoverGenerator, error) {
	observability.EnsureRegistered()

	if len(cfg.Generators) == 0 {
		return nil, fmt.Errorf("at least one generator is required")
	}
	members := make([]*failoverMember, 0, len(cfg.Generators))
	for _, g := range cfg.Generators {
		if g == nil {
			return nil, fmt.Errorf("generator cannot be nil")
		}
		members = append(members, &failoverMember{gen: g})
	}
	cooldown := cfg.Cooldown
	if cooldown <= 0 {
		cooldown = time.Minute
	}

	return &FailoverGenerator{
		cooldown: cooldown,
		logger:   cfg.Logger.With().Str("component", "failover").Logger(),
		now:      time.Now,
		members:  members,
	}, nil
}

// Name returns the name of the primary generator
func (f *FailoverGenerator) Name() string {
	return f.members[0].gen.Name()
}

// Capability returns the capability of the primary generator
func (f *FailoverGenerator) Capability() continuation.Capability {
	return f.members[0].gen.Capability()
}

// Generate calls the first available generator, moving on to the next one
// after a retryable failure.
func (f *FailoverGenerator) Generate(ctx context.Context, conv Conversation, available []tools.Descriptor) (*Response, error) {
	logger := tracing.LoggerFromContext(ctx, f.logger)

	var lastErr error
	for _, m := range f.candidates() {
		name := m.gen.Name()
		start := time.Now()

		resp, err := m.gen.Generate(ctx, conv, available)
		if err == nil {
			f.markSuccess(m)
			observability.RecordGeneration(name, time.Since(start), true)
			return resp, nil
		}

		lastErr = err
		observability.RecordGeneration(name, time.Since(start), false)
		f.markFailure(m)
		logger.Warn().Str("provider", name).Err(err).Msg("Generator failed")

		if ctx.Err() != nil || !IsRetryableError(err) {
			return nil, err
		}
	}

	logger.Error().Err(lastErr).Msg("All generators failed")
	return nil, fmt.Errorf("all generators failed: %w", lastErr)
}

// candidates returns the generators to try, in order. When every one of
// them is cooling down the one that recovers first is tried anyway.
func (f *FailoverGenerator) candidates() []*failoverMember {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	out := make([]*failoverMember, 0, len(f.members))
	var soonest *failoverMember
	for _, m := range f.members {
		if now.Before(m.cooldownUntil) {
			observability.SetProviderCooldown(m.gen.Name(), true)
			if soonest == nil || m.cooldownUntil.Before(soonest.cooldownUntil) {
				soonest = m
			}
			continue
		}
		out = append(out, m)
	}
	if len(out) == 0 && soonest != nil {
		out = append(out, soonest)
	}
	return out
}

func (f *FailoverGenerator) markSuccess(m *failoverMember) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m.failures = 0
	m.cooldownUntil = time.Time{}
	observability.SetProviderCooldown(m.gen.Name(), false)
}

func (f *FailoverGenerator) markFailure(m *failoverMember) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m.failures++
	m.cooldownUntil = f.now().Add(f.cooldown * time.Duration(m.failures))
	observability.SetProviderCooldown(m.gen.Name(), true)
}

// IsRetryableError reports whether another generator may succeed where this
// one failed: network errors, rate limits and server errors.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"econnreset", "etimedout", "connection refused", "timeout",
		"429", "rate limit", "overloaded",
		"500", "502", "503", "504", "529",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
