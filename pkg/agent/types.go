package agent

import (
	"context"
	"errors"

	"github.com/harun/hive/pkg/continuation"
	"github.com/harun/hive/pkg/tools"
)

var (
	// ErrGenerationFailure wraps errors returned by a Generator.
	ErrGenerationFailure = errors.New("generation failed")
	// ErrInvalidSleep is returned for sleep requests a session cannot honor.
	ErrInvalidSleep = errors.New("invalid sleep request")
	// ErrNotWaiting is returned when a tool result arrives for a call the
	// session is not waiting on.
	ErrNotWaiting = errors.New("session is not waiting for this call")
	// ErrStopped is returned by operations on a stopped session.
	ErrStopped = errors.New("session stopped")
)

// Role of a conversation message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a tool invocation requested by the model
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// Message is one entry of a conversation
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	IsError    bool       `json:"is_error,omitempty"`
}

// Conversation is the input of one generation
type Conversation struct {
	SystemPrompt string
	Messages     []Message
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is the output of one generation
type Response struct {
	Content   string
	ToolCalls []ToolCall
	// Signal is an explicit continuation request. Generators that cannot
	// produce one leave it empty and the session looks for a signal
	// embedded in Content.
	Signal continuation.Signal
	Usage  *TokenUsage
}

// Generator is the AI generation collaborator
type Generator interface {
	Generate(ctx context.Context, conv Conversation, available []tools.Descriptor) (*Response, error)
	// Name identifies the backend in logs and metrics.
	Name() string
	// Capability reports whether the model issues one or many tool calls
	// per response.
	Capability() continuation.Capability
}
