package safety_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoforge-systems/forgeloop/coreengine/config"
	"github.com/autoforge-systems/forgeloop/coreengine/safety"
	"github.com/autoforge-systems/forgeloop/coreengine/sandbox"
	"github.com/autoforge-systems/forgeloop/coreengine/task"
	"github.com/autoforge-systems/forgeloop/coreengine/testutil"
)

type pipelineFixture struct {
	pipeline *safety.Pipeline
	notifier *testutil.MockNotifier
	executor *testutil.MockExecutor
	store    *recordingStore
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	cfg := config.Default()
	store := newRecordingStore(t)
	notifier := testutil.NewMockNotifier()
	executor := testutil.NewMockExecutor()

	static := safety.NewStaticScanner(cfg.Safety, nil)
	vuln, err := safety.NewVulnScanner("", nil)
	require.NoError(t, err)
	gate := safety.NewApprovalGate(notifier, store, time.Second, nil)

	return &pipelineFixture{
		pipeline: safety.NewPipeline(static, vuln, gate, executor, nil),
		notifier: notifier,
		executor: executor,
		store:    store,
	}
}

var validationCmd = []string{"python3", "main.py"}

func pyArtifact(source string) *task.Artifact {
	return &task.Artifact{Language: "python", Source: source, EntryFile: "main.py"}
}

// =============================================================================
// PIPELINE ORDERING TESTS
// =============================================================================

func TestPipelineCleanArtifactRuns(t *testing.T) {
	f := newPipelineFixture(t)

	verdict, result, err := f.pipeline.EvaluateAndRun(context.Background(), "t1",
		pyArtifact("def add(a, b):\n    return a + b\n"), t.TempDir(), validationCmd, sandbox.Limits{})
	require.NoError(t, err)

	assert.Equal(t, task.SafetyAllow, verdict.Outcome)
	assert.True(t, verdict.Allowed())
	require.NotNil(t, result)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, 1, f.executor.GetCallCount())
	assert.Equal(t, 0, f.notifier.GetCallCount(), "no approval needed for clean code")
}

func TestPipelineStaticDenialNeverExecutes(t *testing.T) {
	f := newPipelineFixture(t)

	verdict, result, err := f.pipeline.EvaluateAndRun(context.Background(), "t1",
		pyArtifact(`x = eval("1")`), t.TempDir(), validationCmd, sandbox.Limits{})
	require.NoError(t, err)

	assert.Equal(t, task.SafetyDeny, verdict.Outcome)
	assert.Nil(t, result)
	assert.Equal(t, 0, f.executor.GetCallCount(), "denied artifacts never reach the sandbox")
	assert.Equal(t, 0, f.notifier.GetCallCount(), "denial short-circuits the gate")
}

func TestPipelineHighVulnFindingDenies(t *testing.T) {
	f := newPipelineFixture(t)

	verdict, result, err := f.pipeline.EvaluateAndRun(context.Background(), "t1",
		pyArtifact(`password = "hunter22"`), t.TempDir(), validationCmd, sandbox.Limits{})
	require.NoError(t, err)

	assert.Equal(t, task.SafetyDeny, verdict.Outcome)
	assert.Nil(t, result)
	assert.Equal(t, 0, f.executor.GetCallCount())
}

func TestPipelineLowFindingsPassThrough(t *testing.T) {
	f := newPipelineFixture(t)

	verdict, _, err := f.pipeline.EvaluateAndRun(context.Background(), "t1",
		pyArtifact("h = md5(data)\n"), t.TempDir(), validationCmd, sandbox.Limits{})
	require.NoError(t, err)

	assert.Equal(t, task.SafetyAllow, verdict.Outcome)
	assert.Equal(t, 1, f.executor.GetCallCount())
	assert.Equal(t, 0, f.notifier.GetCallCount())
	require.Len(t, verdict.Findings, 1)
	assert.Equal(t, task.SeverityLow, verdict.Findings[0].Severity)
}

// =============================================================================
// APPROVAL FLOW TESTS
// =============================================================================

func TestPipelineApprovedCapabilityRuns(t *testing.T) {
	f := newPipelineFixture(t)

	verdict, result, err := f.pipeline.EvaluateAndRun(context.Background(), "t1",
		pyArtifact("import socket\n\ns = socket.connect((\"h\", 80))\n"),
		t.TempDir(), validationCmd, sandbox.Limits{})
	require.NoError(t, err)

	assert.Equal(t, task.SafetyAllowWithApproval, verdict.Outcome)
	assert.True(t, verdict.Allowed())
	require.NotNil(t, verdict.Approval)
	assert.True(t, verdict.Approval.Approved)
	require.NotNil(t, result)

	// The network grant is applied to this run's limits.
	require.Len(t, f.executor.Limits, 1)
	assert.True(t, f.executor.Limits[0].NetworkEnabled)
}

func TestPipelineDeniedApprovalNeverExecutes(t *testing.T) {
	f := newPipelineFixture(t)
	f.notifier.Decision.Approved = false
	f.notifier.Decision.Rationale = "not today"

	verdict, result, err := f.pipeline.EvaluateAndRun(context.Background(), "t1",
		pyArtifact("import subprocess\n\nsubprocess.run([\"ls\"])\n"),
		t.TempDir(), validationCmd, sandbox.Limits{})
	require.NoError(t, err)

	assert.Equal(t, task.SafetyAllowWithApproval, verdict.Outcome)
	assert.False(t, verdict.Allowed())
	assert.Nil(t, result)
	assert.Equal(t, 0, f.executor.GetCallCount())
}

func TestPipelineProcessApprovalDoesNotGrantNetwork(t *testing.T) {
	f := newPipelineFixture(t)

	_, _, err := f.pipeline.EvaluateAndRun(context.Background(), "t1",
		pyArtifact("import subprocess\n\nsubprocess.run([\"ls\"])\n"),
		t.TempDir(), validationCmd, sandbox.Limits{})
	require.NoError(t, err)

	require.Len(t, f.executor.Limits, 1)
	assert.False(t, f.executor.Limits[0].NetworkEnabled,
		"approval for process capability must not enable the network")
}

func TestNetworkGranted(t *testing.T) {
	assert.False(t, safety.NetworkGranted(nil))
	assert.False(t, safety.NetworkGranted(&task.SafetyVerdict{Outcome: task.SafetyAllow}))
	assert.False(t, safety.NetworkGranted(&task.SafetyVerdict{
		Outcome:      task.SafetyAllowWithApproval,
		Capabilities: []string{safety.CapabilityNetwork},
		Approval:     &task.ApprovalDecision{Approved: false},
	}))
	assert.True(t, safety.NetworkGranted(&task.SafetyVerdict{
		Outcome:      task.SafetyAllowWithApproval,
		Capabilities: []string{safety.CapabilityNetwork},
		Approval:     &task.ApprovalDecision{Approved: true},
	}))
}

// =============================================================================
// EXECUTION OUTCOME TESTS
// =============================================================================

func TestPipelineNonZeroExitIsNotADenial(t *testing.T) {
	f := newPipelineFixture(t)
	f.executor.WithExit(1, "AssertionError: expected 3")

	verdict, result, err := f.pipeline.EvaluateAndRun(context.Background(), "t1",
		pyArtifact("def f():\n    return 2\n"), t.TempDir(), validationCmd, sandbox.Limits{})
	require.NoError(t, err)

	assert.True(t, verdict.Allowed(), "a failing run is a validation outcome, not a safety one")
	require.NotNil(t, result)
	assert.Equal(t, 1, result.ExitCode)
}
