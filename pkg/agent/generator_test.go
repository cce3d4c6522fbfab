package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/harun/hive/pkg/continuation"
	"github.com/harun/hive/pkg/tools"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockGenerator struct {
	mock.Mock
	name string
}

func (m *mockGenerator) Generate(ctx context.Context, conv Conversation, available []tools.Descriptor) (*Response, error) {
	args := m.Called(ctx, conv, available)
	resp, _ := args.Get(0).(*Response)
	return resp, args.Error(1)
}

func (m *mockGenerator) Name() string { return m.name }

func (m *mockGenerator) Capability() continuation.Capability { return continuation.SingleToolCall }

func userConv(text string) Conversation {
	return Conversation{Messages: []Message{{Role: RoleUser, Content: text}}}
}

func TestEchoGenerator(t *testing.T) {
	gen := NewEchoGenerator("")
	offeredTools := []tools.Descriptor{{Name: "lookup"}}

	t.Run("should echo user input", func(t *testing.T) {
		resp, err := gen.Generate(context.Background(), userConv("  hello  "), nil)
		require.NoError(t, err)
		assert.Equal(t, "echo: hello", resp.Content)
		assert.Empty(t, resp.ToolCalls)
		assert.Equal(t, continuation.MultiToolCall, gen.Capability())
	})

	t.Run("should turn /tool into a tool call", func(t *testing.T) {
		resp, err := gen.Generate(context.Background(), userConv(`/tool lookup {"q": "go"}`), offeredTools)
		require.NoError(t, err)
		require.Len(t, resp.ToolCalls, 1)
		call := resp.ToolCalls[0]
		assert.True(t, strings.HasPrefix(call.ID, "call_"))
		assert.Equal(t, "lookup", call.Name)
		assert.Equal(t, map[string]interface{}{"q": "go"}, call.Arguments)
	})

	t.Run("should refuse tools that are not offered", func(t *testing.T) {
		resp, err := gen.Generate(context.Background(), userConv("/tool secret"), offeredTools)
		require.NoError(t, err)
		assert.Empty(t, resp.ToolCalls)
		assert.Equal(t, "tool secret is not available", resp.Content)
	})

	t.Run("should reject malformed arguments", func(t *testing.T) {
		_, err := gen.Generate(context.Background(), userConv("/tool lookup {oops"), offeredTools)
		assert.Error(t, err)
	})

	t.Run("should summarize tool results", func(t *testing.T) {
		conv := Conversation{Messages: []Message{
			{Role: RoleUser, Content: "/tool lookup"},
			{Role: RoleTool, Content: "42", ToolCallID: "call_1"},
		}}
		resp, err := gen.Generate(context.Background(), conv, offeredTools)
		require.NoError(t, err)
		assert.Equal(t, "tool result: 42", resp.Content)
	})

	t.Run("should honor cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := gen.Generate(ctx, userConv("hi"), nil)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func newFailover(t *testing.T, cooldown time.Duration, gens ...Generator) (*FailoverGenerator, *time.Time) {
	t.Helper()
	f, err := NewFailoverGenerator(FailoverConfig{Generators: gens, Cooldown: cooldown, Logger: zerolog.Nop()})
	require.NoError(t, err)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f.now = func() time.Time { return now }
	return f, &now
}

func TestFailoverGenerator(t *testing.T) {
	conv := userConv("hi")

	t.Run("should require at least one generator", func(t *testing.T) {
		_, err := NewFailoverGenerator(FailoverConfig{})
		assert.Error(t, err)
	})

	t.Run("should use the primary when it succeeds", func(t *testing.T) {
		primary := &mockGenerator{name: "primary"}
		backup := &mockGenerator{name: "backup"}
		primary.On("Generate", mock.Anything, conv, mock.Anything).Return(&Response{Content: "from primary"}, nil).Once()

		f, _ := newFailover(t, time.Minute, primary, backup)
		resp, err := f.Generate(context.Background(), conv, nil)
		require.NoError(t, err)
		assert.Equal(t, "from primary", resp.Content)
		assert.Equal(t, "primary", f.Name())
		assert.Equal(t, continuation.SingleToolCall, f.Capability())
		primary.AssertExpectations(t)
		backup.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("should fail over on retryable errors and skip the cooling primary", func(t *testing.T) {
		primary := &mockGenerator{name: "primary"}
		backup := &mockGenerator{name: "backup"}
		primary.On("Generate", mock.Anything, conv, mock.Anything).Return(nil, errors.New("status 503 overloaded")).Once()
		backup.On("Generate", mock.Anything, conv, mock.Anything).Return(&Response{Content: "from backup"}, nil).Twice()

		f, _ := newFailover(t, time.Minute, primary, backup)
		resp, err := f.Generate(context.Background(), conv, nil)
		require.NoError(t, err)
		assert.Equal(t, "from backup", resp.Content)

		resp, err = f.Generate(context.Background(), conv, nil)
		require.NoError(t, err)
		assert.Equal(t, "from backup", resp.Content)
		primary.AssertNumberOfCalls(t, "Generate", 1)
		backup.AssertExpectations(t)
	})

	t.Run("should retry the primary once its cooldown ends", func(t *testing.T) {
		primary := &mockGenerator{name: "primary"}
		backup := &mockGenerator{name: "backup"}
		primary.On("Generate", mock.Anything, conv, mock.Anything).Return(nil, errors.New("rate limit exceeded")).Once()
		primary.On("Generate", mock.Anything, conv, mock.Anything).Return(&Response{Content: "recovered"}, nil).Once()
		backup.On("Generate", mock.Anything, conv, mock.Anything).Return(&Response{Content: "from backup"}, nil).Once()

		f, now := newFailover(t, time.Minute, primary, backup)
		_, err := f.Generate(context.Background(), conv, nil)
		require.NoError(t, err)

		*now = now.Add(2 * time.Minute)
		resp, err := f.Generate(context.Background(), conv, nil)
		require.NoError(t, err)
		assert.Equal(t, "recovered", resp.Content)
		primary.AssertExpectations(t)
	})

	t.Run("should stop on non-retryable errors", func(t *testing.T) {
		primary := &mockGenerator{name: "primary"}
		backup := &mockGenerator{name: "backup"}
		primary.On("Generate", mock.Anything, conv, mock.Anything).Return(nil, errors.New("invalid api key")).Once()

		f, _ := newFailover(t, time.Minute, primary, backup)
		_, err := f.Generate(context.Background(), conv, nil)
		assert.EqualError(t, err, "invalid api key")
		backup.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("should try the soonest recovering generator when all cool down", func(t *testing.T) {
		primary := &mockGenerator{name: "primary"}
		backup := &mockGenerator{name: "backup"}
		primary.On("Generate", mock.Anything, conv, mock.Anything).Return(nil, errors.New("connection refused")).Times(3)
		backup.On("Generate", mock.Anything, conv, mock.Anything).Return(nil, errors.New("timeout")).Once()
		backup.On("Generate", mock.Anything, conv, mock.Anything).Return(&Response{Content: "late"}, nil).Once()

		f, _ := newFailover(t, time.Minute, primary, backup)
		_, err := f.Generate(context.Background(), conv, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "all generators failed")

		// push the primary cooldown past the backup one
		f.mu.Lock()
		f.members[0].failures = 2
		f.members[0].cooldownUntil = f.now().Add(2 * time.Minute)
		f.mu.Unlock()

		resp, err := f.Generate(context.Background(), conv, nil)
		require.NoError(t, err)
		assert.Equal(t, "late", resp.Content)
		primary.AssertNumberOfCalls(t, "Generate", 1)
	})
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"should ignore nil", nil, false},
		{"should not retry cancellation", context.Canceled, false},
		{"should retry deadlines", context.DeadlineExceeded, true},
		{"should retry rate limits", errors.New("HTTP 429 Too Many Requests"), true},
		{"should retry server errors", errors.New("502 bad gateway"), true},
		{"should retry overload", errors.New("Overloaded"), true},
		{"should not retry auth errors", errors.New("401 unauthorized"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryableError(tt.err))
		})
	}
}

func TestStateTransitions(t *testing.T) {
	assert.True(t, CanTransition(StateIdle, StateActive))
	assert.True(t, CanTransition(StateActive, StateWaiting))
	assert.True(t, CanTransition(StateSleeping, StateActive))
	assert.True(t, CanTransition(StateWaiting, StateStopped))
	assert.False(t, CanTransition(StateStopped, StateIdle))
	assert.False(t, CanTransition(StateIdle, StateWaiting))
	assert.True(t, StateStopped.IsTerminal())
	assert.False(t, StateSleeping.IsTerminal())
}
