// Package observability provides Prometheus metrics instrumentation for the coreengine.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// RUN METRICS
// =============================================================================

var (
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_runs_total",
			Help: "Total number of runs reaching a terminal status",
		},
		[]string{"task_type", "status"}, // status: completed, escalated, aborted
	)

	runDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_run_duration_seconds",
			Help:    "Run duration in seconds, including time spent at review gates",
			Buckets: []float64{1, 5, 30, 60, 300, 900, 3600, 14400},
		},
		[]string{"task_type"},
	)

	classificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_classifications_total",
			Help: "Task classifications by resulting type",
		},
		[]string{"task_type"}, // "ambiguous" when no type cleared the margin
	)
)

// =============================================================================
// STAGE METRICS
// =============================================================================

var (
	stageInvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_stage_invocations_total",
			Help: "Total number of stage invocations",
		},
		[]string{"stage", "outcome"}, // outcome: success, needs_review, or a failure kind
	)

	stageDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_stage_duration_seconds",
			Help:    "Stage invocation duration in seconds",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 30, 120, 600},
		},
		[]string{"stage"},
	)

	feedbackDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_feedback_decisions_total",
			Help: "Feedback resolver decisions",
		},
		[]string{"stage", "failure_kind", "action"}, // action: retry, escalate
	)

	reviewDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_review_decisions_total",
			Help: "Human decisions recorded at review gates",
		},
		[]string{"stage", "action"},
	)
)

// =============================================================================
// BATCH METRICS
// =============================================================================

var (
	wavesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_batch_waves_total",
			Help: "Total number of batch waves started",
		},
	)

	blockedTasksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_batch_blocked_tasks_total",
			Help: "Batch tasks held back by an unmerged predecessor",
		},
	)
)

// =============================================================================
// MEMORY METRICS
// =============================================================================

var (
	memoryAppendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_memory_appends_total",
			Help: "Knowledge store entries appended",
		},
		[]string{"category"},
	)

	memoryQueriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_memory_queries_total",
			Help: "Knowledge store queries served",
		},
	)

	memoryIndexRebuildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_memory_index_rebuilds_total",
			Help: "Index partitions rebuilt from the log",
		},
		[]string{"category"},
	)

	registryMergesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_registry_merges_total",
			Help: "Context registry merges",
		},
		[]string{"kind"},
	)

	busMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_bus_messages_total",
			Help: "Messages dispatched on the run-event bus",
		},
		[]string{"message_type", "outcome"}, // outcome: ok, error
	)
)

// =============================================================================
// GRPC METRICS
// =============================================================================

var (
	grpcRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_grpc_requests_total",
			Help: "Total gRPC requests",
		},
		[]string{"method", "status"}, // status: OK, InvalidArgument, Internal, etc.
	)

	grpcRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_grpc_request_duration_seconds",
			Help:    "gRPC request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"method"},
	)
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordRun records a run reaching a terminal status.
func RecordRun(taskType string, status string, durationMS int) {
	runsTotal.WithLabelValues(taskType, status).Inc()
	runDurationSeconds.WithLabelValues(taskType).Observe(float64(durationMS) / 1000.0)
}

// RecordClassification records a classifier outcome.
func RecordClassification(taskType string) {
	classificationsTotal.WithLabelValues(taskType).Inc()
}

// RecordStageInvocation records one stage invocation.
func RecordStageInvocation(stage string, outcome string, durationMS int) {
	stageInvocationsTotal.WithLabelValues(stage, outcome).Inc()
	stageDurationSeconds.WithLabelValues(stage).Observe(float64(durationMS) / 1000.0)
}

// RecordFeedbackDecision records a retry or escalation decision.
func RecordFeedbackDecision(stage string, failureKind string, action string) {
	feedbackDecisionsTotal.WithLabelValues(stage, failureKind, action).Inc()
}

// RecordReviewDecision records a human review decision.
func RecordReviewDecision(stage string, action string) {
	reviewDecisionsTotal.WithLabelValues(stage, action).Inc()
}

// RecordWave records the start of a batch wave and how many of its tasks
// were held back.
func RecordWave(blocked int) {
	wavesTotal.Inc()
	if blocked > 0 {
		blockedTasksTotal.Add(float64(blocked))
	}
}

// RecordMemoryAppend records a knowledge store append.
func RecordMemoryAppend(category string) {
	memoryAppendsTotal.WithLabelValues(category).Inc()
}

// RecordMemoryQuery records a knowledge store query.
func RecordMemoryQuery() {
	memoryQueriesTotal.Inc()
}

// RecordIndexRebuild records an index partition rebuild.
func RecordIndexRebuild(category string) {
	memoryIndexRebuildsTotal.WithLabelValues(category).Inc()
}

// RecordRegistryMerge records a context registry merge.
func RecordRegistryMerge(kind string) {
	registryMergesTotal.WithLabelValues(kind).Inc()
}

// RecordBusMessage records a message dispatched on the run-event bus.
func RecordBusMessage(messageType string, outcome string) {
	busMessagesTotal.WithLabelValues(messageType, outcome).Inc()
}

// RecordGRPCRequest records gRPC request metrics.
// This should be called from gRPC interceptors.
func RecordGRPCRequest(method string, status string, durationMS int) {
	grpcRequestsTotal.WithLabelValues(method, status).Inc()
	grpcRequestDurationSeconds.WithLabelValues(method).Observe(float64(durationMS) / 1000.0)
}
