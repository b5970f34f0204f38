// Package workspace manages per-task filesystem workspaces and their
// background cleanup.
//
// The Janitor periodically removes:
//   - Workspaces of terminal tasks past the retention window
//   - Orphaned directories with no task record
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/autoforge-systems/forgeloop/coreengine/checkpoint"
)

// Logger is the interface for logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// PathFor returns the workspace directory for a task.
func PathFor(root, taskID string) string {
	return filepath.Join(root, taskID)
}

// JanitorConfig holds configurable cleanup parameters.
type JanitorConfig struct {
	// Interval is how often to run cleanup (default: 5 minutes).
	Interval time.Duration
	// Retention is how long terminal tasks keep their workspace
	// (default: 24 hours).
	Retention time.Duration
	// RemoveOrphans removes directories with no task record.
	RemoveOrphans bool
}

// DefaultJanitorConfig returns default cleanup configuration.
func DefaultJanitorConfig() JanitorConfig {
	return JanitorConfig{
		Interval:  5 * time.Minute,
		Retention: 24 * time.Hour,
	}
}

// Janitor sweeps the workspace root against the checkpoint store.
type Janitor struct {
	root   string
	store  checkpoint.Store
	cfg    JanitorConfig
	logger Logger
}

// nopLogger discards all log output.
type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// NewJanitor creates a Janitor for the given workspace root.
func NewJanitor(root string, store checkpoint.Store, cfg JanitorConfig, logger Logger) *Janitor {
	if cfg.Interval == 0 {
		cfg = DefaultJanitorConfig()
	}
	if logger == nil {
		logger = nopLogger{}
	}
	return &Janitor{root: root, store: store, cfg: cfg, logger: logger}
}

// Start runs periodic sweeps in a background goroutine.
// Returns a stop function that should be called to stop the loop.
func (j *Janitor) Start() func() {
	ticker := time.NewTicker(j.cfg.Interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				if _, err := j.Sweep(context.Background()); err != nil {
					j.logger.Error("workspace_sweep_failed", "error", err.Error())
				}
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() { close(done) }
}

// Sweep performs a single cleanup cycle and returns the number of
// workspaces removed. A missing workspace root is not an error.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(j.root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("workspace: read root: %w", err)
	}

	removed := 0
	cutoff := time.Now().UTC().Add(-j.cfg.Retention)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if !entry.IsDir() {
			continue
		}

		taskID := entry.Name()
		t, err := j.store.GetTask(ctx, taskID)
		if err != nil {
			if errors.Is(err, checkpoint.ErrNotFound) {
				if j.cfg.RemoveOrphans {
					if err := j.remove(taskID); err != nil {
						return removed, err
					}
					removed++
				}
				continue
			}
			return removed, err
		}

		if t.Status.IsTerminal() && t.UpdatedAt.Before(cutoff) {
			if err := j.remove(taskID); err != nil {
				return removed, err
			}
			removed++
		}
	}

	j.logger.Debug("workspace_sweep_completed", "removed", removed)
	return removed, nil
}

func (j *Janitor) remove(taskID string) error {
	path := PathFor(j.root, taskID)
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("workspace: remove %s: %w", path, err)
	}
	j.logger.Info("workspace_removed", "task_id", taskID)
	return nil
}
