// Package observability provides Prometheus metrics instrumentation for the coreengine.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// TASK METRICS
// =============================================================================

var (
	tasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forgeloop_tasks_total",
			Help: "Total number of tasks reaching a terminal status",
		},
		[]string{"status"}, // status: succeeded, failed, paused
	)

	taskDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "forgeloop_task_duration_seconds",
			Help:    "Task wall-clock duration from run start to terminal state",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"status"},
	)

	taskIterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "forgeloop_task_iterations",
			Help:    "Iterations consumed per task",
			Buckets: []float64{1, 2, 3, 5, 8, 10, 12, 15, 20},
		},
	)
)

// =============================================================================
// ITERATION METRICS
// =============================================================================

var (
	iterationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forgeloop_iterations_total",
			Help: "Total loop iterations",
		},
		[]string{"phase", "outcome"}, // outcome: pass, fail
	)

	iterationDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "forgeloop_iteration_duration_seconds",
			Help:    "Iteration duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"phase"},
	)
)

// =============================================================================
// SAFETY METRICS
// =============================================================================

var (
	safetyVerdictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forgeloop_safety_verdicts_total",
			Help: "Safety pipeline verdicts",
		},
		[]string{"outcome"}, // outcome: allow, deny, allow-with-approval
	)

	safetyFindingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forgeloop_safety_findings_total",
			Help: "Graded findings produced by the scanners",
		},
		[]string{"source", "severity"},
	)

	approvalDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forgeloop_approval_decisions_total",
			Help: "Approval gate decisions, including timeouts",
		},
		[]string{"result"}, // result: approved, denied, timeout
	)
)

// =============================================================================
// SANDBOX METRICS
// =============================================================================

var (
	sandboxRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forgeloop_sandbox_runs_total",
			Help: "Sandbox executions",
		},
		[]string{"status"}, // status: ok, nonzero_exit, timeout, infra_error
	)

	sandboxDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "forgeloop_sandbox_duration_seconds",
			Help:    "Sandbox execution wall-clock duration",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		},
	)
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordTaskFinished records terminal task metrics.
// This should be called once per task, when run returns.
func RecordTaskFinished(status string, iterations int, durationMS int64) {
	tasksTotal.WithLabelValues(status).Inc()
	taskDurationSeconds.WithLabelValues(status).Observe(float64(durationMS) / 1000.0)
	taskIterations.Observe(float64(iterations))
}

// RecordIteration records one loop pass.
func RecordIteration(phase string, passed bool, durationMS int64) {
	outcome := "fail"
	if passed {
		outcome = "pass"
	}
	iterationsTotal.WithLabelValues(phase, outcome).Inc()
	iterationDurationSeconds.WithLabelValues(phase).Observe(float64(durationMS) / 1000.0)
}

// RecordSafetyVerdict records a safety pipeline verdict and its findings.
func RecordSafetyVerdict(outcome string, findings map[string]map[string]int) {
	safetyVerdictsTotal.WithLabelValues(outcome).Inc()
	for source, bySeverity := range findings {
		for severity, count := range bySeverity {
			safetyFindingsTotal.WithLabelValues(source, severity).Add(float64(count))
		}
	}
}

// RecordApprovalDecision records an approval gate outcome.
func RecordApprovalDecision(approved, timedOut bool) {
	result := "denied"
	switch {
	case timedOut:
		result = "timeout"
	case approved:
		result = "approved"
	}
	approvalDecisionsTotal.WithLabelValues(result).Inc()
}

// RecordSandboxRun records sandbox execution metrics.
func RecordSandboxRun(status string, durationMS int64) {
	sandboxRunsTotal.WithLabelValues(status).Inc()
	sandboxDurationSeconds.Observe(float64(durationMS) / 1000.0)
}
