package tracing

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestDetach(t *testing.T) {
	parent, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	parent = WithTraceID(parent, "trace-1")
	parent = WithAgentID(parent, "sender")

	detached := Detach(parent)
	<-parent.Done()

	if detached.Err() != nil {
		t.Error("Detached context must not inherit cancellation")
	}
	if GetTraceID(detached) != "trace-1" || GetAgentID(detached) != "sender" {
		t.Error("Detached context lost tracing identifiers")
	}
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithTraceID(context.Background(), "trace-xyz")
	ctx = WithAgentID(ctx, "agent-7")

	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("hello")

	out := buf.String()
	if !strings.Contains(out, `"trace_id":"trace-xyz"`) {
		t.Errorf("trace_id missing from log: %s", out)
	}
	if !strings.Contains(out, `"agent_id":"agent-7"`) {
		t.Errorf("agent_id missing from log: %s", out)
	}
}

func TestMergeContext(t *testing.T) {
	source := WithTraceID(context.Background(), "trace-src")
	source = WithTaskID(source, "task-src")
	target := WithTaskID(context.Background(), "task-target")

	merged := MergeContext(target, source)

	if GetTraceID(merged) != "trace-src" {
		t.Error("Trace ID should be merged from source")
	}
	if GetTaskID(merged) != "task-target" {
		t.Error("Existing task ID must not be overwritten")
	}
}
