package workspace_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoforge-systems/forgeloop/coreengine/task"
	"github.com/autoforge-systems/forgeloop/coreengine/testutil"
	"github.com/autoforge-systems/forgeloop/coreengine/workspace"
)

func makeWorkspace(t *testing.T, root, taskID string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(workspace.PathFor(root, taskID), 0o755))
}

func TestPathFor(t *testing.T) {
	assert.Equal(t, "/data/ws/t1", workspace.PathFor("/data/ws", "t1"))
}

func TestSweepRemovesExpiredTerminalWorkspaces(t *testing.T) {
	root := t.TempDir()
	store := testutil.NewTestStore(t)
	ctx := context.Background()

	old, err := task.New("done long ago", 5)
	require.NoError(t, err)
	require.NoError(t, old.SetStatus(task.StatusRunning))
	require.NoError(t, old.SetStatus(task.StatusSucceeded))
	old.UpdatedAt = time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, store.PutTask(ctx, old))
	makeWorkspace(t, root, old.ID)

	fresh, err := task.New("still running", 5)
	require.NoError(t, err)
	require.NoError(t, fresh.SetStatus(task.StatusRunning))
	require.NoError(t, store.PutTask(ctx, fresh))
	makeWorkspace(t, root, fresh.ID)

	janitor := workspace.NewJanitor(root, store, workspace.JanitorConfig{
		Interval:  time.Hour,
		Retention: 24 * time.Hour,
	}, testutil.NewMockLogger())

	removed, err := janitor.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	assert.NoDirExists(t, workspace.PathFor(root, old.ID))
	assert.DirExists(t, workspace.PathFor(root, fresh.ID))
}

func TestSweepKeepsRecentTerminalWorkspaces(t *testing.T) {
	root := t.TempDir()
	store := testutil.NewTestStore(t)
	ctx := context.Background()

	tk, err := task.New("just finished", 5)
	require.NoError(t, err)
	require.NoError(t, tk.SetStatus(task.StatusRunning))
	require.NoError(t, tk.SetStatus(task.StatusFailed))
	require.NoError(t, store.PutTask(ctx, tk))
	makeWorkspace(t, root, tk.ID)

	janitor := workspace.NewJanitor(root, store, workspace.JanitorConfig{
		Interval:  time.Hour,
		Retention: 24 * time.Hour,
	}, testutil.NewMockLogger())

	removed, err := janitor.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
	assert.DirExists(t, workspace.PathFor(root, tk.ID))
}

func TestSweepOrphans(t *testing.T) {
	root := t.TempDir()
	store := testutil.NewTestStore(t)
	makeWorkspace(t, root, "no-task-record")

	t.Run("kept by default", func(t *testing.T) {
		janitor := workspace.NewJanitor(root, store, workspace.JanitorConfig{
			Interval:  time.Hour,
			Retention: time.Hour,
		}, testutil.NewMockLogger())

		removed, err := janitor.Sweep(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, removed)
		assert.DirExists(t, workspace.PathFor(root, "no-task-record"))
	})

	t.Run("removed when configured", func(t *testing.T) {
		janitor := workspace.NewJanitor(root, store, workspace.JanitorConfig{
			Interval:      time.Hour,
			Retention:     time.Hour,
			RemoveOrphans: true,
		}, testutil.NewMockLogger())

		removed, err := janitor.Sweep(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, removed)
		assert.NoDirExists(t, workspace.PathFor(root, "no-task-record"))
	})
}

func TestSweepMissingRootIsNotAnError(t *testing.T) {
	store := testutil.NewTestStore(t)
	janitor := workspace.NewJanitor("/no/such/root", store,
		workspace.DefaultJanitorConfig(), testutil.NewMockLogger())

	removed, err := janitor.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}
