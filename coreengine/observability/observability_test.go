package observability

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// METRICS TESTS
// =============================================================================

func TestRecordTaskFinished(t *testing.T) {
	tests := []struct {
		name       string
		status     string
		iterations int
		durationMS int64
	}{
		{"succeeded task", "succeeded", 3, 12000},
		{"failed task", "failed", 15, 60000},
		{"paused task", "paused", 5, 30000},
		{"zero duration", "succeeded", 1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Should not panic
			RecordTaskFinished(tt.status, tt.iterations, tt.durationMS)

			// Verify counter was incremented
			count := testutil.ToFloat64(tasksTotal.WithLabelValues(tt.status))
			assert.Greater(t, count, 0.0)
		})
	}
}

func TestRecordIteration(t *testing.T) {
	tests := []struct {
		name       string
		phase      string
		passed     bool
		durationMS int64
	}{
		{"passing validation", "validation", true, 2000},
		{"failing validation", "validation", false, 1500},
		{"analysis pass", "analysis", false, 500},
		{"generation failure", "generation", false, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			RecordIteration(tt.phase, tt.passed, tt.durationMS)

			outcome := "fail"
			if tt.passed {
				outcome = "pass"
			}
			count := testutil.ToFloat64(iterationsTotal.WithLabelValues(tt.phase, outcome))
			assert.Greater(t, count, 0.0)
		})
	}
}

func TestRecordSafetyVerdict(t *testing.T) {
	RecordSafetyVerdict("deny", map[string]map[string]int{
		"static_scanner": {"high": 2},
		"vuln_scanner":   {"medium": 1, "low": 3},
	})

	assert.Greater(t, testutil.ToFloat64(safetyVerdictsTotal.WithLabelValues("deny")), 0.0)
	assert.GreaterOrEqual(t, testutil.ToFloat64(safetyFindingsTotal.WithLabelValues("static_scanner", "high")), 2.0)
	assert.GreaterOrEqual(t, testutil.ToFloat64(safetyFindingsTotal.WithLabelValues("vuln_scanner", "low")), 3.0)
}

func TestRecordSafetyVerdict_NoFindings(t *testing.T) {
	// A clean allow has no findings to record
	RecordSafetyVerdict("allow", nil)
	assert.Greater(t, testutil.ToFloat64(safetyVerdictsTotal.WithLabelValues("allow")), 0.0)
}

func TestRecordApprovalDecision(t *testing.T) {
	tests := []struct {
		name     string
		approved bool
		timedOut bool
		result   string
	}{
		{"approved", true, false, "approved"},
		{"denied", false, false, "denied"},
		{"timeout", false, true, "timeout"},
		{"timeout wins over approved", true, true, "timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			RecordApprovalDecision(tt.approved, tt.timedOut)
			count := testutil.ToFloat64(approvalDecisionsTotal.WithLabelValues(tt.result))
			assert.Greater(t, count, 0.0)
		})
	}
}

func TestRecordSandboxRun(t *testing.T) {
	for _, status := range []string{"ok", "nonzero_exit", "timeout", "infra_error"} {
		RecordSandboxRun(status, 1200)
		count := testutil.ToFloat64(sandboxRunsTotal.WithLabelValues(status))
		assert.Greater(t, count, 0.0)
	}
}

func TestMetrics_Concurrent(t *testing.T) {
	// Test that metrics recording is thread-safe
	const goroutines = 10
	const iterations = 100

	done := make(chan bool, goroutines)

	for i := 0; i < goroutines; i++ {
		go func() {
			for j := 0; j < iterations; j++ {
				RecordIteration("concurrent-phase", true, 100)
				RecordSandboxRun("concurrent-ok", 50)
				RecordApprovalDecision(true, false)
			}
			done <- true
		}()
	}

	// Wait for all goroutines
	for i := 0; i < goroutines; i++ {
		<-done
	}

	// Verify metrics were recorded
	count := testutil.ToFloat64(iterationsTotal.WithLabelValues("concurrent-phase", "pass"))
	assert.Equal(t, float64(goroutines*iterations), count)
}

func TestMetrics_DifferentLabels(t *testing.T) {
	// Test that metrics with different labels are tracked separately
	RecordIteration("phase-a", true, 100)
	RecordIteration("phase-a", false, 200)
	RecordIteration("phase-b", true, 300)

	countAPass := testutil.ToFloat64(iterationsTotal.WithLabelValues("phase-a", "pass"))
	countAFail := testutil.ToFloat64(iterationsTotal.WithLabelValues("phase-a", "fail"))
	countBPass := testutil.ToFloat64(iterationsTotal.WithLabelValues("phase-b", "pass"))

	assert.Greater(t, countAPass, 0.0)
	assert.Greater(t, countAFail, 0.0)
	assert.Greater(t, countBPass, 0.0)
}

// =============================================================================
// TRACING TESTS
// =============================================================================

func TestStartSpan(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "test-span")
	require.NotNil(t, ctx)
	require.NotNil(t, span)
	span.End()
}

func TestStartSpan_Nested(t *testing.T) {
	ctx, parent := StartSpan(context.Background(), "parent")
	defer parent.End()

	childCtx, child := StartSpan(ctx, "child")
	require.NotNil(t, childCtx)
	require.NotNil(t, child)
	child.End()
}

func TestInitTracer_ValidParameters(t *testing.T) {
	// Skip this test in CI or when OTLP endpoint is not available
	// This is an integration test that requires a real OTLP collector
	t.Skip("Skipping integration test - requires OTLP collector")

	shutdown, err := InitTracer("test-service", "localhost:4317")
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	defer shutdown(context.Background())
}

func TestInitTracer_ShutdownSafe(t *testing.T) {
	// The exporter dials lazily, so construction succeeds without a
	// collector; shutdown must still be safe to call.
	shutdown, err := InitTracer("forgeloop", "localhost:0")
	if err != nil {
		assert.Contains(t, err.Error(), "failed to create")
		return
	}
	require.NotNil(t, shutdown)
	_ = shutdown(context.Background())
}
