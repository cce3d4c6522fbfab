package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueDepth    *prometheus.GaugeVec
	tasksEnqueued *prometheus.CounterVec
	tasksDone     *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec

	agentTransitions *prometheus.CounterVec
	agents           *prometheus.GaugeVec

	continuationDecisions *prometheus.CounterVec

	mailSent     *prometheus.CounterVec
	mailRejected *prometheus.CounterVec

	wakes          *prometheus.CounterVec
	sleepConflicts prometheus.Counter

	toolInvocations  *prometheus.CounterVec
	toolDuration     *prometheus.HistogramVec
	generationErrors *prometheus.CounterVec
	generationTime   *prometheus.HistogramVec
	providerCooldown *prometheus.GaugeVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueDepth: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "hive_queue_depth",
					Help: "Current task queue depth by agent.",
				},
				[]string{"agent_id"},
			),
			tasksEnqueued: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "hive_tasks_enqueued_total",
					Help: "Total tasks enqueued by kind.",
				},
				[]string{"kind"},
			),
			tasksDone: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "hive_tasks_processed_total",
					Help: "Total tasks processed by kind and status.",
				},
				[]string{"kind", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "hive_task_duration_seconds",
					Help:    "Task processing duration in seconds by kind.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"kind"},
			),
			agentTransitions: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "hive_agent_transitions_total",
					Help: "Total agent state transitions.",
				},
				[]string{"from", "to"},
			),
			agents: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "hive_agents",
					Help: "Current agent count by state.",
				},
				[]string{"state"},
			),
			continuationDecisions: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "hive_continuation_decisions_total",
					Help: "Total continuation decisions by decision and reason.",
				},
				[]string{"decision", "reason"},
			),
			mailSent: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "hive_mail_sent_total",
					Help: "Total mailbox messages stored by priority.",
				},
				[]string{"priority"},
			),
			mailRejected: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "hive_mail_rejected_total",
					Help: "Total mailbox sends rejected by reason.",
				},
				[]string{"reason"},
			),
			wakes: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "hive_wakes_total",
					Help: "Total sleep episodes ended by wake source.",
				},
				[]string{"source"},
			),
			sleepConflicts: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "hive_sleep_conflicts_total",
					Help: "Wake triggers that lost the race for an already woken episode.",
				},
			),
			toolInvocations: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "hive_tool_invocations_total",
					Help: "Total tool invocations by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "hive_tool_duration_seconds",
					Help:    "Tool invocation duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			generationErrors: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "hive_generation_failures_total",
					Help: "Total generation failures by provider.",
				},
				[]string{"provider"},
			),
			generationTime: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "hive_generation_duration_seconds",
					Help:    "Generation call duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			providerCooldown: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "hive_provider_cooldown_active",
					Help: "Provider cooldown active state (1 active, 0 inactive).",
				},
				[]string{"provider"},
			),
		}

		prometheus.MustRegister(
			m.queueDepth,
			m.tasksEnqueued,
			m.tasksDone,
			m.taskDuration,
			m.agentTransitions,
			m.agents,
			m.continuationDecisions,
			m.mailSent,
			m.mailRejected,
			m.wakes,
			m.sleepConflicts,
			m.toolInvocations,
			m.toolDuration,
			m.generationErrors,
			m.generationTime,
			m.providerCooldown,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordTaskEnqueue(agentID, kind string, depth int) {
	m := getMetrics()
	m.tasksEnqueued.WithLabelValues(kind).Inc()
	m.queueDepth.WithLabelValues(agentID).Set(float64(depth))
}

func SetQueueDepth(agentID string, depth int) {
	m := getMetrics()
	m.queueDepth.WithLabelValues(agentID).Set(float64(depth))
}

func RecordTaskCompletion(kind string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.tasksDone.WithLabelValues(kind, status).Inc()
	m.taskDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func RecordTransition(from, to string) {
	m := getMetrics()
	m.agentTransitions.WithLabelValues(from, to).Inc()
	m.agents.WithLabelValues(from).Dec()
	m.agents.WithLabelValues(to).Inc()
}

// RecordAgentAdded counts a freshly created agent in its initial state.
func RecordAgentAdded(state string) {
	getMetrics().agents.WithLabelValues(state).Inc()
}

func RecordAgentRemoved(state string) {
	getMetrics().agents.WithLabelValues(state).Dec()
}

func RecordContinuationDecision(decision, reason string) {
	getMetrics().continuationDecisions.WithLabelValues(decision, reason).Inc()
}

func RecordMailSent(priority string) {
	getMetrics().mailSent.WithLabelValues(priority).Inc()
}

func RecordMailRejected(reason string) {
	getMetrics().mailRejected.WithLabelValues(reason).Inc()
}

func RecordWake(source string) {
	getMetrics().wakes.WithLabelValues(source).Inc()
}

func RecordSleepConflict() {
	getMetrics().sleepConflicts.Inc()
}

func RecordToolInvocation(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.toolInvocations.WithLabelValues(tool, status).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordGeneration(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.generationTime.WithLabelValues(provider).Observe(duration.Seconds())
	if !success {
		m.generationErrors.WithLabelValues(provider).Inc()
	}
}

func SetProviderCooldown(provider string, active bool) {
	m := getMetrics()
	value := 0.0
	if active {
		value = 1.0
	}
	m.providerCooldown.WithLabelValues(provider).Set(value)
}
