// Package checkpoint provides durable persistence for task progress:
// tasks, append-only iteration records, approval decisions, and the
// checkpoint snapshots that make pause/resume possible.
//
// The store is a passive persistence boundary with no business logic.
// Snapshots are opaque JSON blobs from the store's point of view; callers
// never depend on their encoding.
//
// Backed by BadgerDB: every operation is a single transaction, so a save
// either fully persists or has no visible effect.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/autoforge-systems/forgeloop/coreengine/task"
)

// ErrNotFound is returned when no record exists for the given key.
var ErrNotFound = errors.New("checkpoint: not found")

// Snapshot is the durable representation of orchestrator state sufficient
// to resume a task: state-machine state, iteration count, and the shared
// context (latest artifact, failure detail, safety verdict).
type Snapshot struct {
	TaskID    string        `json:"task_id"`
	State     task.State    `json:"state"`
	Iteration int           `json:"iteration"`
	Context   *task.Context `json:"context"`
	SavedAt   time.Time     `json:"saved_at"`
}

// Store is the persistence contract consumed by the orchestrator and the
// approval gate. Implementations must be safe for concurrent use keyed by
// task identifier.
type Store interface {
	// SaveSnapshot persists a snapshot, latest-wins per task.
	SaveSnapshot(ctx context.Context, snap *Snapshot) error
	// LoadSnapshot returns the latest snapshot or ErrNotFound.
	LoadSnapshot(ctx context.Context, taskID string) (*Snapshot, error)

	// PutTask upserts a task record.
	PutTask(ctx context.Context, t *task.Task) error
	// GetTask returns a task or ErrNotFound.
	GetTask(ctx context.Context, taskID string) (*task.Task, error)

	// AppendIteration appends an iteration record. Records are append-only
	// and keyed by (task, iteration); writing the same iteration twice is
	// an error.
	AppendIteration(ctx context.Context, rec *task.IterationRecord) error
	// ListIterations returns all records for a task in iteration order.
	ListIterations(ctx context.Context, taskID string) ([]*task.IterationRecord, error)

	// RecordApproval durably records an approval decision. The approval
	// gate calls this before returning the decision to the pipeline.
	RecordApproval(ctx context.Context, taskID string, d *task.ApprovalDecision) error

	// Close releases the underlying database.
	Close() error
}

// =============================================================================
// Badger Store
// =============================================================================

// Options configures a BadgerStore.
type Options struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string
	// InMemory runs without disk persistence. Useful for tests.
	InMemory bool
	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool
}

// DefaultOptions returns durable on-disk defaults.
func DefaultOptions(path string) Options {
	return Options{Path: path, SyncWrites: true}
}

// InMemoryOptions returns options for tests.
func InMemoryOptions() Options {
	return Options{InMemory: true}
}

// BadgerStore implements Store on BadgerDB.
type BadgerStore struct {
	db *badger.DB
}

var _ Store = (*BadgerStore)(nil)

// Open creates a BadgerStore with the given options.
func Open(opts Options) (*BadgerStore, error) {
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Path == "" {
			return nil, fmt.Errorf("checkpoint: path is required for on-disk store")
		}
		bopts = badger.DefaultOptions(opts.Path).WithSyncWrites(opts.SyncWrites)
	}
	bopts = bopts.WithLogger(nil)

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func taskKey(taskID string) []byte {
	return []byte("task:" + taskID)
}

func snapKey(taskID string) []byte {
	return []byte("snap:" + taskID)
}

func iterKey(taskID string, iteration int) []byte {
	return []byte(fmt.Sprintf("iter:%s:%08d", taskID, iteration))
}

func iterPrefix(taskID string) []byte {
	return []byte("iter:" + taskID + ":")
}

func approvalKey(taskID, requestID string) []byte {
	return []byte("appr:" + taskID + ":" + requestID)
}

func (s *BadgerStore) put(key []byte, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("checkpoint: encode %s: %w", key, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

func (s *BadgerStore) get(key []byte, out any) error {
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, out)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	return err
}

// SaveSnapshot implements Store.
func (s *BadgerStore) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if snap == nil || snap.TaskID == "" {
		return fmt.Errorf("checkpoint: snapshot task id is required")
	}
	if snap.SavedAt.IsZero() {
		snap.SavedAt = time.Now().UTC()
	}
	return s.put(snapKey(snap.TaskID), snap)
}

// LoadSnapshot implements Store.
func (s *BadgerStore) LoadSnapshot(ctx context.Context, taskID string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := s.get(snapKey(taskID), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// PutTask implements Store.
func (s *BadgerStore) PutTask(ctx context.Context, t *task.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t == nil || t.ID == "" {
		return fmt.Errorf("checkpoint: task id is required")
	}
	return s.put(taskKey(t.ID), t)
}

// GetTask implements Store.
func (s *BadgerStore) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var t task.Task
	if err := s.get(taskKey(taskID), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// AppendIteration implements Store.
func (s *BadgerStore) AppendIteration(ctx context.Context, rec *task.IterationRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec == nil || rec.TaskID == "" {
		return fmt.Errorf("checkpoint: iteration record task id is required")
	}
	if rec.Iteration < 1 {
		return fmt.Errorf("checkpoint: iteration must be >= 1, got %d", rec.Iteration)
	}

	key := iterKey(rec.TaskID, rec.Iteration)
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("checkpoint: encode iteration record: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return fmt.Errorf("checkpoint: iteration %d already recorded for task %s", rec.Iteration, rec.TaskID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, data)
	})
}

// ListIterations implements Store.
func (s *BadgerStore) ListIterations(ctx context.Context, taskID string) ([]*task.IterationRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var records []*task.IterationRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		prefix := iterPrefix(taskID)
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec task.IterationRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}
			records = append(records, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// RecordApproval implements Store.
func (s *BadgerStore) RecordApproval(ctx context.Context, taskID string, d *task.ApprovalDecision) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d == nil || d.RequestID == "" {
		return fmt.Errorf("checkpoint: approval request id is required")
	}
	return s.put(approvalKey(taskID, d.RequestID), d)
}
