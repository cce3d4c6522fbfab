package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestInitOpenTelemetry(t *testing.T) {
	t.Run("should start spans without an exporter", func(t *testing.T) {
		ctx := context.Background()
		require.NoError(t, InitOpenTelemetry(ctx, Config{Exporter: ExporterNone, ServiceName: "hive-test"}))
		defer ShutdownOpenTelemetry(ctx)

		spanCtx, span := StartSpan(ctx, "hive.test", "test.op", attribute.String("agent_id", "a"))
		defer span.End()

		assert.True(t, span.SpanContext().IsValid())
		assert.NotEmpty(t, GetTraceID(spanCtx))
	})

	t.Run("should reject unknown exporter", func(t *testing.T) {
		err := InitOpenTelemetry(context.Background(), Config{Exporter: "jaeger"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown trace exporter")
	})
}
