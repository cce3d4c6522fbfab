package continuation

import (
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Engine evaluates continuation rules. It holds no per-agent state; all of
// that lives in the Context passed to Decide.
type Engine struct {
	now func() time.Time
}

// New creates an engine using the wall clock
func New() *Engine {
	return &Engine{now: time.Now}
}

// NewWithClock creates an engine with a custom clock
func NewWithClock(now func() time.Time) *Engine {
	return &Engine{now: now}
}

// Decide returns the verdict for one response and records it on c.
// CONTINUE increments c.Iteration; it is never returned once the iteration
// cap is reached, so Iteration never exceeds MaxIterations.
func (e *Engine) Decide(obs Observation, c *Context) Verdict {
	v := e.evaluate(obs, c)
	if v.Decision == Continue {
		c.Iteration++
	}
	c.LastDecision = v.Decision
	c.LastReason = v.Reason
	return v
}

func (e *Engine) evaluate(obs Observation, c *Context) Verdict {
	if c.Iteration >= c.MaxIterations {
		return Verdict{Terminate, ReasonMaxIterations}
	}
	if c.Timeout > 0 && c.Elapsed(e.now()) > c.Timeout {
		return Verdict{Terminate, ReasonTimeout}
	}

	switch obs.Signal {
	case SignalContinue:
		return Verdict{Continue, ReasonExplicitContinue}
	case SignalTerminate:
		return Verdict{Terminate, ReasonExplicitTerminate}
	}

	if obs.PendingToolCalls > 0 {
		return Verdict{Continue, ReasonPendingToolCalls}
	}

	switch c.Capability {
	case SingleToolCall:
		if c.ToolRounds > 0 {
			return Verdict{Terminate, ReasonSingleToolDone}
		}
		return Verdict{Terminate, ReasonNoToolCalls}
	case MultiToolCall:
		return Verdict{Terminate, ReasonNoToolCalls}
	}

	return Verdict{Terminate, ReasonDefault}
}

// ParseSignal extracts an explicit continuation signal from JSON embedded
// in response text, e.g. {"continuation": {"status": "CONTINUE"}}. The last
// signal in the text wins. Text without a recognizable signal yields
// SignalNone.
func ParseSignal(text string) Signal {
	for i := strings.LastIndexByte(text, '{'); i >= 0; i = strings.LastIndexByte(text[:i], '{') {
		doc := text[i:]
		for _, path := range []string{"continuation.status", "continuation"} {
			r := gjson.Get(doc, path)
			if r.Type != gjson.String {
				continue
			}
			if s := normalizeSignal(r.String()); s != SignalNone {
				return s
			}
		}
	}
	return SignalNone
}

func normalizeSignal(s string) Signal {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CONTINUE":
		return SignalContinue
	case "TERMINATE", "STOP", "DONE":
		return SignalTerminate
	}
	return SignalNone
}
