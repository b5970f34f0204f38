package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoforge-systems/forgeloop/coreengine/task"
)

func newTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	store, err := Open(InMemoryOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// =============================================================================
// TASK RECORD TESTS
// =============================================================================

func TestTaskRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tk, err := task.New("implement a parser", 10)
	require.NoError(t, err)
	require.NoError(t, store.PutTask(ctx, tk))

	loaded, err := store.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, tk.ID, loaded.ID)
	assert.Equal(t, tk.Goal, loaded.Goal)
	assert.Equal(t, task.StatusPending, loaded.Status)
	assert.Equal(t, 10, loaded.Budget)
}

func TestGetTaskNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetTask(context.Background(), "no-such-task")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPutTaskUpserts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tk, err := task.New("goal", 5)
	require.NoError(t, err)
	require.NoError(t, store.PutTask(ctx, tk))

	require.NoError(t, tk.SetStatus(task.StatusRunning))
	tk.Iteration = 3
	require.NoError(t, store.PutTask(ctx, tk))

	loaded, err := store.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusRunning, loaded.Status)
	assert.Equal(t, 3, loaded.Iteration)
}

// =============================================================================
// SNAPSHOT TESTS
// =============================================================================

func TestSnapshotRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	snap := &Snapshot{
		TaskID:    "t1",
		State:     task.StateGenerating,
		Iteration: 5,
		Context: &task.Context{
			TaskID:     "t1",
			Goal:       "goal",
			Iteration:  5,
			Hypothesis: "off-by-one",
			Artifact:   &task.Artifact{Language: "python", Source: "pass"},
		},
	}
	require.NoError(t, store.SaveSnapshot(ctx, snap))

	loaded, err := store.LoadSnapshot(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, task.StateGenerating, loaded.State)
	assert.Equal(t, 5, loaded.Iteration)
	assert.Equal(t, "off-by-one", loaded.Context.Hypothesis)
	assert.Equal(t, "pass", loaded.Context.Artifact.Source)
	assert.False(t, loaded.SavedAt.IsZero())
}

func TestSnapshotLatestWins(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveSnapshot(ctx, &Snapshot{TaskID: "t1", State: task.StateGenerating, Iteration: 5}))
	require.NoError(t, store.SaveSnapshot(ctx, &Snapshot{TaskID: "t1", State: task.StateAnalyzing, Iteration: 10}))

	loaded, err := store.LoadSnapshot(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, task.StateAnalyzing, loaded.State)
	assert.Equal(t, 10, loaded.Iteration)
}

func TestLoadSnapshotNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.LoadSnapshot(context.Background(), "t1")
	assert.ErrorIs(t, err, ErrNotFound)
}

// =============================================================================
// ITERATION RECORD TESTS
// =============================================================================

func TestIterationRecordsAreOrdered(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Append out of order on purpose; listing is keyed by iteration.
	for _, i := range []int{2, 1, 3} {
		require.NoError(t, store.AppendIteration(ctx, &task.IterationRecord{
			TaskID:    "t1",
			Iteration: i,
			Phase:     task.PhaseAnalysis,
			CreatedAt: time.Now().UTC(),
		}))
	}

	records, err := store.ListIterations(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, records, 3)
	for i, rec := range records {
		assert.Equal(t, i+1, rec.Iteration)
	}
}

func TestAppendIterationRejectsDuplicates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := &task.IterationRecord{TaskID: "t1", Iteration: 1, Phase: task.PhaseValidation}
	require.NoError(t, store.AppendIteration(ctx, rec))

	err := store.AppendIteration(ctx, rec)
	assert.Error(t, err, "records are append-only")
}

func TestAppendIterationValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	assert.Error(t, store.AppendIteration(ctx, &task.IterationRecord{TaskID: "", Iteration: 1}))
	assert.Error(t, store.AppendIteration(ctx, &task.IterationRecord{TaskID: "t1", Iteration: 0}))
}

func TestListIterationsIsolatesTasks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendIteration(ctx, &task.IterationRecord{TaskID: "a", Iteration: 1}))
	require.NoError(t, store.AppendIteration(ctx, &task.IterationRecord{TaskID: "b", Iteration: 1}))
	require.NoError(t, store.AppendIteration(ctx, &task.IterationRecord{TaskID: "b", Iteration: 2}))

	records, err := store.ListIterations(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, records, 1)

	records, err = store.ListIterations(ctx, "b")
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

// =============================================================================
// APPROVAL RECORD TESTS
// =============================================================================

func TestRecordApproval(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	decision := &task.ApprovalDecision{
		RequestID: "req-1",
		Approved:  false,
		DecidedBy: "system",
		DecidedAt: time.Now().UTC(),
		TimedOut:  true,
	}
	require.NoError(t, store.RecordApproval(ctx, "t1", decision))

	assert.Error(t, store.RecordApproval(ctx, "t1", &task.ApprovalDecision{}),
		"request id is required")
}

// =============================================================================
// CONTEXT CANCELLATION
// =============================================================================

func TestStoreHonorsCancelledContext(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tk, err := task.New("goal", 1)
	require.NoError(t, err)

	assert.Error(t, store.PutTask(ctx, tk))
	_, err = store.GetTask(ctx, tk.ID)
	assert.Error(t, err)
	_, err = store.ListIterations(ctx, tk.ID)
	assert.Error(t, err)
}

// =============================================================================
// ON-DISK PERSISTENCE
// =============================================================================

func TestOnDiskStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := Open(DefaultOptions(dir))
	require.NoError(t, err)

	tk, err := task.New("durable goal", 5)
	require.NoError(t, err)
	require.NoError(t, store.PutTask(ctx, tk))
	require.NoError(t, store.SaveSnapshot(ctx, &Snapshot{TaskID: tk.ID, State: task.StateValidating, Iteration: 2}))
	require.NoError(t, store.Close())

	reopened, err := Open(DefaultOptions(dir))
	require.NoError(t, err)
	defer reopened.Close()

	loaded, err := reopened.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, "durable goal", loaded.Goal)

	snap, err := reopened.LoadSnapshot(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateValidating, snap.State)
}
