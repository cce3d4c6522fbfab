package tracing

import (
	"context"
	"testing"
)

func TestNewTraceID(t *testing.T) {
	id1 := NewTraceID()
	id2 := NewTraceID()

	if id1 == "" {
		t.Error("NewTraceID returned empty string")
	}
	if id1 == id2 {
		t.Error("NewTraceID returned duplicate IDs")
	}
}

func TestWithIdentifiers(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithRunID(ctx, "run-1")
	ctx = WithAgentID(ctx, "agent-1")
	ctx = WithTaskID(ctx, "task-1")
	ctx = WithMessageID(ctx, "msg-1")

	tc := FromContext(ctx)
	if tc.TraceID != "trace-1" || tc.RunID != "run-1" || tc.AgentID != "agent-1" {
		t.Errorf("unexpected trace context: %+v", tc)
	}
	if tc.TaskID != "task-1" || tc.MessageID != "msg-1" {
		t.Errorf("unexpected trace context: %+v", tc)
	}
}

func TestGetEmpty(t *testing.T) {
	ctx := context.Background()
	if GetTraceID(ctx) != "" || GetAgentID(ctx) != "" || GetTaskID(ctx) != "" {
		t.Error("expected empty identifiers on a bare context")
	}
}

func TestNewContextPartial(t *testing.T) {
	ctx := NewContext(context.Background(), &TraceContext{AgentID: "a"})

	if GetAgentID(ctx) != "a" {
		t.Errorf("Expected agent ID a, got %s", GetAgentID(ctx))
	}
	if GetTraceID(ctx) != "" {
		t.Error("Trace ID should stay empty")
	}
}

func TestNewAgentRunContext(t *testing.T) {
	parent := WithTraceID(context.Background(), "trace-keep")
	ctx := NewAgentRunContext(parent, "worker", "task-9")

	if GetTraceID(ctx) != "trace-keep" {
		t.Error("Trace ID should be kept from parent")
	}
	if GetRunID(ctx) == "" {
		t.Error("Run ID not generated")
	}
	if GetAgentID(ctx) != "worker" || GetTaskID(ctx) != "task-9" {
		t.Errorf("unexpected identifiers: %+v", FromContext(ctx))
	}

	fresh := NewAgentRunContext(context.Background(), "worker", "")
	if GetTraceID(fresh) == "" {
		t.Error("Trace ID should be generated when missing")
	}
}
