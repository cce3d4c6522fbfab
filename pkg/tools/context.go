package tools

import "context"

type callKey struct{}

// Call identifies the agent and model call a handler runs for
type Call struct {
	AgentID string
	CallID  string
}

// WithCall attaches call information for tool handlers
func WithCall(ctx context.Context, call Call) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, callKey{}, call)
}

// CallFromContext extracts call information. ok is false outside a tool
// invocation made by an agent.
func CallFromContext(ctx context.Context) (Call, bool) {
	if ctx == nil {
		return Call{}, false
	}
	call, ok := ctx.Value(callKey{}).(Call)
	return call, ok
}
