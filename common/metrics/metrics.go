package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors for the execution worker and the fanout bridge, exposed
// on each service's telemetry /metrics endpoint.
var (
	ExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_executions_total",
		Help: "Workflow executions by terminal status.",
	}, []string{"status"})

	ExecutionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "worker_execution_duration_seconds",
		Help:    "Wall-clock duration of workflow executions.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"status"})

	NodesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_node_executions_total",
		Help: "Node executions by block kind and outcome.",
	}, []string{"kind", "status"})

	NodeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "worker_node_duration_seconds",
		Help:    "Duration of individual node executions.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"kind"})

	NodeRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_node_retries_total",
		Help: "Retry attempts beyond the first, by block kind.",
	}, []string{"kind"})

	BreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_breaker_transitions_total",
		Help: "Circuit breaker state transitions.",
	}, []string{"to"})

	LockContentions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "worker_lock_contentions_total",
		Help: "Executions skipped because another worker held the lock.",
	})

	AgentSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_agent_steps_total",
		Help: "Agent reasoning steps by phase and outcome.",
	}, []string{"phase", "outcome"})

	ProviderRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_provider_requests_total",
		Help: "LLM provider calls by provider and outcome.",
	}, []string{"provider", "outcome"})

	ProviderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "worker_provider_latency_seconds",
		Help:    "LLM provider call latency.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	}, []string{"provider"})

	ToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_tool_calls_total",
		Help: "Tool server invocations by outcome.",
	}, []string{"outcome"})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_events_published_total",
		Help: "Execution events published to subscribers.",
	}, []string{"kind"})

	QueueMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_queue_messages_total",
		Help: "Stream messages consumed, by disposition.",
	}, []string{"result"})

	FanoutConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fanout_active_connections",
		Help: "Open WebSocket connections on the fanout bridge.",
	})

	FanoutEventsRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fanout_events_relayed_total",
		Help: "Events relayed from Redis pub/sub into execution rooms.",
	}, []string{"kind"})
)

// ObserveNode records a finished node execution.
func ObserveNode(kind, status string, started time.Time) {
	NodesTotal.WithLabelValues(kind, status).Inc()
	NodeDuration.WithLabelValues(kind).Observe(time.Since(started).Seconds())
}

// ObserveExecution records a finished workflow execution.
func ObserveExecution(status string, started time.Time) {
	ExecutionsTotal.WithLabelValues(status).Inc()
	ExecutionDuration.WithLabelValues(status).Observe(time.Since(started).Seconds())
}

// ObserveProvider records an LLM call.
func ObserveProvider(provider, outcome string, started time.Time) {
	ProviderRequests.WithLabelValues(provider, outcome).Inc()
	ProviderLatency.WithLabelValues(provider).Observe(time.Since(started).Seconds())
}
