package observability

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuntimeMetrics(t *testing.T) {
	EnsureRegistered()
	m := getMetrics()

	t.Run("should track agents per state through transitions", func(t *testing.T) {
		idle := testutil.ToFloat64(m.agents.WithLabelValues("idle"))
		active := testutil.ToFloat64(m.agents.WithLabelValues("active"))

		RecordAgentAdded("idle")
		RecordTransition("idle", "active")

		assert.Equal(t, idle, testutil.ToFloat64(m.agents.WithLabelValues("idle")))
		assert.Equal(t, active+1, testutil.ToFloat64(m.agents.WithLabelValues("active")))

		RecordAgentRemoved("active")
		assert.Equal(t, active, testutil.ToFloat64(m.agents.WithLabelValues("active")))
	})

	t.Run("should split task completions by status", func(t *testing.T) {
		ok := testutil.ToFloat64(m.tasksDone.WithLabelValues("metrics_test", "success"))
		failed := testutil.ToFloat64(m.tasksDone.WithLabelValues("metrics_test", "error"))

		RecordTaskCompletion("metrics_test", time.Millisecond, true)
		RecordTaskCompletion("metrics_test", time.Millisecond, false)

		assert.Equal(t, ok+1, testutil.ToFloat64(m.tasksDone.WithLabelValues("metrics_test", "success")))
		assert.Equal(t, failed+1, testutil.ToFloat64(m.tasksDone.WithLabelValues("metrics_test", "error")))
	})

	t.Run("should record queue depth on enqueue", func(t *testing.T) {
		RecordTaskEnqueue("metrics-agent", "user_message", 3)
		assert.Equal(t, 3.0, testutil.ToFloat64(m.queueDepth.WithLabelValues("metrics-agent")))

		SetQueueDepth("metrics-agent", 0)
		assert.Equal(t, 0.0, testutil.ToFloat64(m.queueDepth.WithLabelValues("metrics-agent")))
	})

	t.Run("should count only failed generations", func(t *testing.T) {
		before := testutil.ToFloat64(m.generationErrors.WithLabelValues("metrics-provider"))

		RecordGeneration("metrics-provider", time.Millisecond, true)
		RecordGeneration("metrics-provider", time.Millisecond, false)

		assert.Equal(t, before+1, testutil.ToFloat64(m.generationErrors.WithLabelValues("metrics-provider")))
	})

	t.Run("should flag provider cooldown", func(t *testing.T) {
		SetProviderCooldown("metrics-provider", true)
		assert.Equal(t, 1.0, testutil.ToFloat64(m.providerCooldown.WithLabelValues("metrics-provider")))
		SetProviderCooldown("metrics-provider", false)
		assert.Equal(t, 0.0, testutil.ToFloat64(m.providerCooldown.WithLabelValues("metrics-provider")))
	})

	t.Run("should serve metrics", func(t *testing.T) {
		RecordSleepConflict()

		rec := httptest.NewRecorder()
		MetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

		body, err := io.ReadAll(rec.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), "hive_sleep_conflicts_total")
		assert.Contains(t, string(body), "hive_agents")
	})
}
