// Package services defines the collaborator interfaces the orchestrator
// consumes, plus the bounded-retry policy applied at every call site.
//
// Generation, validation, analysis and memory are external collaborators:
// the core calls them synchronously, folds their results into the shared
// task context, and never depends on how they are implemented. Transient
// collaborator failures are retried with bounded exponential backoff; a
// call that exhausts its retries escalates to the orchestrator as an
// infrastructure failure for the current phase.
package services

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/autoforge-systems/forgeloop/coreengine/task"
)

// Logger is the interface for logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// =============================================================================
// Collaborator Interfaces
// =============================================================================

// Generator produces an artifact for a plan, optionally steered by
// feedback from earlier iterations.
type Generator interface {
	Generate(ctx context.Context, tc *task.Context) (*task.Artifact, error)
}

// Validator checks an artifact and reports structured failures.
type Validator interface {
	Validate(ctx context.Context, artifact *task.Artifact) (*task.ValidationResult, error)
}

// Analyzer explains a failed iteration: given the failures and the
// artifact history, it produces a hypothesis for the next generation
// attempt.
type Analyzer interface {
	Analyze(ctx context.Context, failures []task.ValidationFailure, history []*task.IterationRecord) (string, error)
}

// MemoryRecord is one ranked record returned by the memory service.
type MemoryRecord struct {
	Kind    string  `json:"kind"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// Memory retrieves past patterns and failures similar to a query. It is
// read-only from the core's perspective and must be safe for concurrent
// use keyed by task.
type Memory interface {
	FindSimilar(ctx context.Context, queryText, kind string) ([]MemoryRecord, error)
	// Record stores an outcome for future retrieval. Failures to record
	// are logged, never fatal.
	Record(ctx context.Context, kind, content string) error
}

// Capability is an operator-invokable extension point: a named operation
// that acts on the shared task context.
type Capability interface {
	Name() string
	Execute(ctx context.Context, tc *task.Context) error
}

// =============================================================================
// Retry Policy
// =============================================================================

// RetryPolicy bounds retries of collaborator calls with exponential
// backoff. The zero value is unusable; construct with NewRetryPolicy.
type RetryPolicy struct {
	maxAttempts    uint64
	initialBackoff time.Duration
	logger         Logger
}

// NewRetryPolicy creates a RetryPolicy. maxAttempts counts total calls,
// not retries; it is clamped to at least one.
func NewRetryPolicy(maxAttempts int, initialBackoff time.Duration, logger Logger) *RetryPolicy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if initialBackoff <= 0 {
		initialBackoff = 250 * time.Millisecond
	}
	return &RetryPolicy{
		maxAttempts:    uint64(maxAttempts),
		initialBackoff: initialBackoff,
		logger:         logger,
	}
}

// Do invokes fn with bounded exponential backoff, honoring ctx between
// attempts. The last error is returned once attempts are exhausted.
func (p *RetryPolicy) Do(ctx context.Context, operation string, fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.initialBackoff

	attempt := 0
	wrapped := func() error {
		attempt++
		err := fn()
		if err != nil && p.logger != nil {
			p.logger.Warn("collaborator_call_failed",
				"operation", operation,
				"attempt", attempt,
				"error", err.Error(),
			)
		}
		return err
	}

	return backoff.Retry(wrapped,
		backoff.WithContext(backoff.WithMaxRetries(policy, p.maxAttempts-1), ctx))
}

// Retry is a generic convenience over Do for calls returning a value.
func Retry[T any](ctx context.Context, p *RetryPolicy, operation string, fn func() (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, operation, func() error {
		v, err := fn()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
