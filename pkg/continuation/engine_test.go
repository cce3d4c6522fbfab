package continuation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func newTestEngine() (*Engine, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return NewWithClock(clock.Now), clock
}

func TestDecideOrdering(t *testing.T) {
	tests := []struct {
		name       string
		capability Capability
		iteration  int
		toolRounds int
		obs        Observation
		want       Verdict
	}{
		{
			name:       "should honor explicit continue over capability fallback",
			capability: MultiToolCall,
			obs:        Observation{Signal: SignalContinue},
			want:       Verdict{Continue, ReasonExplicitContinue},
		},
		{
			name:       "should honor explicit terminate even with pending tool calls",
			capability: MultiToolCall,
			obs:        Observation{Signal: SignalTerminate, PendingToolCalls: 2},
			want:       Verdict{Terminate, ReasonExplicitTerminate},
		},
		{
			name:       "should continue with pending tool calls on single tool models",
			capability: SingleToolCall,
			toolRounds: 3,
			obs:        Observation{PendingToolCalls: 1},
			want:       Verdict{Continue, ReasonPendingToolCalls},
		},
		{
			name:       "should terminate single tool model after a tool round",
			capability: SingleToolCall,
			toolRounds: 1,
			obs:        Observation{HasContent: true},
			want:       Verdict{Terminate, ReasonSingleToolDone},
		},
		{
			name:       "should terminate multi tool model without tool calls",
			capability: MultiToolCall,
			obs:        Observation{HasContent: true},
			want:       Verdict{Terminate, ReasonNoToolCalls},
		},
		{
			name: "should terminate by default for unknown capability",
			obs:  Observation{},
			want: Verdict{Terminate, ReasonDefault},
		},
		{
			name:       "should terminate at the iteration cap regardless of signal",
			capability: MultiToolCall,
			iteration:  5,
			obs:        Observation{Signal: SignalContinue, PendingToolCalls: 1},
			want:       Verdict{Terminate, ReasonMaxIterations},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, clock := newTestEngine()
			c := &Context{
				Iteration:     tt.iteration,
				MaxIterations: 5,
				StartedAt:     clock.now,
				Timeout:       time.Minute,
				Capability:    tt.capability,
				ToolRounds:    tt.toolRounds,
			}

			got := engine.Decide(tt.obs, c)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want.Decision, c.LastDecision)
			assert.Equal(t, tt.want.Reason, c.LastReason)
		})
	}
}

func TestDecideTimeout(t *testing.T) {
	engine, clock := newTestEngine()
	c := &Context{MaxIterations: 10, StartedAt: clock.now, Timeout: time.Second, Capability: MultiToolCall}

	assert.Equal(t, Continue, engine.Decide(Observation{PendingToolCalls: 1}, c).Decision)

	clock.now = clock.now.Add(2 * time.Second)
	v := engine.Decide(Observation{Signal: SignalContinue}, c)
	assert.Equal(t, Verdict{Terminate, ReasonTimeout}, v)
	assert.Equal(t, 1, c.Iteration)
}

func TestTwoToolRoundsThenTerminate(t *testing.T) {
	engine, _ := newTestEngine()
	c := NewContext(10, time.Minute, MultiToolCall)

	first := engine.Decide(Observation{PendingToolCalls: 2}, c)
	c.ToolRounds++
	second := engine.Decide(Observation{PendingToolCalls: 1}, c)
	c.ToolRounds++
	third := engine.Decide(Observation{HasContent: true}, c)

	assert.Equal(t, Continue, first.Decision)
	assert.Equal(t, Continue, second.Decision)
	assert.Equal(t, Terminate, third.Decision)
	assert.Equal(t, 2, c.Iteration)
}

func TestIterationCap(t *testing.T) {
	engine, _ := newTestEngine()
	c := NewContext(3, time.Hour, MultiToolCall)

	for i := 0; i < 3; i++ {
		v := engine.Decide(Observation{Signal: SignalContinue}, c)
		require.Equal(t, Continue, v.Decision)
		require.LessOrEqual(t, c.Iteration, c.MaxIterations)
	}

	v := engine.Decide(Observation{Signal: SignalContinue, PendingToolCalls: 4}, c)
	assert.Equal(t, Verdict{Terminate, ReasonMaxIterations}, v)
	assert.Equal(t, 3, c.Iteration)
}

func TestIterationNeverExceedsMax(t *testing.T) {
	engine, _ := newTestEngine()
	observations := []Observation{
		{Signal: SignalContinue},
		{PendingToolCalls: 3},
		{Signal: SignalTerminate},
		{},
		{Signal: SignalContinue, PendingToolCalls: 1},
	}

	for limit := 1; limit <= 4; limit++ {
		c := NewContext(limit, time.Hour, SingleToolCall)
		for i := 0; i < 20; i++ {
			engine.Decide(observations[i%len(observations)], c)
			assert.LessOrEqual(t, c.Iteration, c.MaxIterations)
		}
	}
}

func TestContextReset(t *testing.T) {
	c := NewContext(3, time.Minute, SingleToolCall)
	c.Iteration = 3
	c.ToolRounds = 2
	c.LastDecision = Terminate

	now := time.Now().Add(time.Hour)
	c.Reset(now)

	assert.Equal(t, 0, c.Iteration)
	assert.Equal(t, 0, c.ToolRounds)
	assert.Equal(t, now, c.StartedAt)
	assert.Equal(t, 3, c.MaxIterations)
	assert.Equal(t, SingleToolCall, c.Capability)
}

func TestParseSignal(t *testing.T) {
	tests := []struct {
		name string
		text string
		want Signal
	}{
		{"should find nested status", `Working on it. {"continuation": {"status": "CONTINUE"}}`, SignalContinue},
		{"should accept flat form", `{"continuation":"terminate"}`, SignalTerminate},
		{"should prefer the last signal", `{"continuation":{"status":"CONTINUE"}} later {"continuation":{"status":"TERMINATE"}}`, SignalTerminate},
		{"should ignore unrelated json", `{"status":"CONTINUE"}`, SignalNone},
		{"should ignore unknown values", `{"continuation":{"status":"maybe"}}`, SignalNone},
		{"should ignore plain text", "all done", SignalNone},
		{"should tolerate trailing text", `{"continuation":{"status":"continue"}} thanks`, SignalContinue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseSignal(tt.text))
		})
	}
}

func TestParseCapability(t *testing.T) {
	c, err := ParseCapability("")
	require.NoError(t, err)
	assert.Equal(t, MultiToolCall, c)

	c, err = ParseCapability("single")
	require.NoError(t, err)
	assert.Equal(t, SingleToolCall, c)

	_, err = ParseCapability("many")
	assert.Error(t, err)
}
