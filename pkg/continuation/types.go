package continuation

import (
	"fmt"
	"time"
)

// Decision is the outcome of one continuation check
type Decision string

const (
	Continue  Decision = "CONTINUE"
	Terminate Decision = "TERMINATE"
)

// Signal is an explicit continuation request carried by a model response
type Signal string

const (
	SignalNone      Signal = ""
	SignalContinue  Signal = "CONTINUE"
	SignalTerminate Signal = "TERMINATE"
)

// Capability describes how many tool calls a model issues per response
type Capability string

const (
	SingleToolCall Capability = "single"
	MultiToolCall  Capability = "multi"
)

// ParseCapability converts a config value; empty means multi
func ParseCapability(s string) (Capability, error) {
	switch Capability(s) {
	case "", MultiToolCall:
		return MultiToolCall, nil
	case SingleToolCall:
		return SingleToolCall, nil
	}
	return "", fmt.Errorf("invalid capability %q (must be: single, multi)", s)
}

// Reason explains a verdict
type Reason string

const (
	ReasonMaxIterations     Reason = "max_iterations"
	ReasonTimeout           Reason = "timeout"
	ReasonExplicitContinue  Reason = "explicit_continue"
	ReasonExplicitTerminate Reason = "explicit_terminate"
	ReasonPendingToolCalls  Reason = "pending_tool_calls"
	ReasonSingleToolDone    Reason = "single_tool_round_complete"
	ReasonNoToolCalls       Reason = "no_tool_calls"
	ReasonDefault           Reason = "default"
)

// Verdict is a decision with the rule that produced it
type Verdict struct {
	Decision Decision
	Reason   Reason
}

// Observation is what the engine needs to know about one model response
type Observation struct {
	Signal           Signal
	PendingToolCalls int
	HasContent       bool
}

// Context is the per-turn state of one agent. A turn starts with each piece
// of external input and spans the autonomous steps that follow it.
type Context struct {
	Iteration     int
	MaxIterations int
	StartedAt     time.Time
	Timeout       time.Duration
	LastDecision  Decision
	LastReason    Reason
	Capability    Capability
	// ToolRounds counts the tool rounds executed in this turn.
	ToolRounds int
}

// NewContext creates a context for a fresh turn starting now
func NewContext(maxIterations int, timeout time.Duration, capability Capability) *Context {
	return &Context{
		MaxIterations: maxIterations,
		Timeout:       timeout,
		Capability:    capability,
		StartedAt:     time.Now(),
	}
}

// Reset starts a new turn. Limits and capability are kept.
func (c *Context) Reset(now time.Time) {
	c.Iteration = 0
	c.ToolRounds = 0
	c.StartedAt = now
	c.LastDecision = ""
	c.LastReason = ""
}

// Elapsed returns the time spent in the current turn
func (c *Context) Elapsed(now time.Time) time.Duration {
	if c.StartedAt.IsZero() {
		return 0
	}
	return now.Sub(c.StartedAt)
}
