package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// Detach returns a background context carrying the tracing identifiers of ctx.
// Work handed to another agent outlives the sender's request, so it must not
// inherit the sender's cancellation.
func Detach(ctx context.Context) context.Context {
	return NewContext(context.Background(), FromContext(ctx))
}

// PropagateToLogger adds tracing context to a zerolog logger
func PropagateToLogger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)
	if tc.TraceID == "" && tc.RunID == "" && tc.AgentID == "" && tc.TaskID == "" && tc.MessageID == "" {
		return logger
	}

	lc := logger.With()
	if tc.TraceID != "" {
		lc = lc.Str("trace_id", tc.TraceID)
	}
	if tc.RunID != "" {
		lc = lc.Str("run_id", tc.RunID)
	}
	if tc.AgentID != "" {
		lc = lc.Str("agent_id", tc.AgentID)
	}
	if tc.TaskID != "" {
		lc = lc.Str("task_id", tc.TaskID)
	}
	if tc.MessageID != "" {
		lc = lc.Str("message_id", tc.MessageID)
	}
	return lc.Logger()
}

// LoggerFromContext creates a logger with tracing context from the given context
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	return PropagateToLogger(ctx, baseLogger)
}

// MergeContext copies tracing identifiers from source into target where target has none.
func MergeContext(target, source context.Context) context.Context {
	tc := FromContext(source)

	if tc.TraceID != "" && GetTraceID(target) == "" {
		target = WithTraceID(target, tc.TraceID)
	}
	if tc.RunID != "" && GetRunID(target) == "" {
		target = WithRunID(target, tc.RunID)
	}
	if tc.AgentID != "" && GetAgentID(target) == "" {
		target = WithAgentID(target, tc.AgentID)
	}
	if tc.TaskID != "" && GetTaskID(target) == "" {
		target = WithTaskID(target, tc.TaskID)
	}
	if tc.MessageID != "" && GetMessageID(target) == "" {
		target = WithMessageID(target, tc.MessageID)
	}

	return target
}
