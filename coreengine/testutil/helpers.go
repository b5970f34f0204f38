package testutil

import (
	"testing"

	"github.com/autoforge-systems/forgeloop/coreengine/checkpoint"
	"github.com/autoforge-systems/forgeloop/coreengine/config"
)

// =============================================================================
// CONFIG HELPERS
// =============================================================================

// NewTestConfig returns a config with defaults tightened for fast tests:
// tiny backoffs, a small budget, and workspaces under the test's temp dir.
func NewTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Core.DefaultBudget = 5
	cfg.Core.WarningThreshold = 4
	cfg.Core.CheckpointEvery = 2
	cfg.Core.CollaboratorRetries = 2
	cfg.Core.RetryInitialBackoffMS = 1
	cfg.Core.WorkspaceRoot = t.TempDir()
	cfg.Core.DataDir = t.TempDir()
	cfg.Sandbox.TimeoutSeconds = 5
	cfg.Safety.ApprovalTimeoutSeconds = 1
	return cfg
}

// NewBoundedConfig is NewTestConfig with an explicit budget and warning
// threshold.
func NewBoundedConfig(t *testing.T, budget, warning int) *config.Config {
	t.Helper()
	cfg := NewTestConfig(t)
	cfg.Core.DefaultBudget = budget
	cfg.Core.WarningThreshold = warning
	return cfg
}

// =============================================================================
// STORE HELPERS
// =============================================================================

// NewTestStore opens an in-memory checkpoint store closed on test cleanup.
func NewTestStore(t *testing.T) *checkpoint.BadgerStore {
	t.Helper()
	store, err := checkpoint.Open(checkpoint.InMemoryOptions())
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return store
}
