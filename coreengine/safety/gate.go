package safety

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/autoforge-systems/forgeloop/coreengine/checkpoint"
	"github.com/autoforge-systems/forgeloop/coreengine/task"
)

// =============================================================================
// Approval Gate
// =============================================================================

// ApprovalRequest is presented to a human operator when an artifact needs
// sign-off before execution.
type ApprovalRequest struct {
	ID           string         `json:"id"`
	TaskID       string         `json:"task_id"`
	Capabilities []string       `json:"capabilities"`
	Findings     []task.Finding `json:"findings,omitempty"`
	RequestedAt  time.Time      `json:"requested_at"`
}

// Notifier delivers an approval request over some channel (console,
// message bus, webhook) and returns the operator's decision. It must honor
// context cancellation; the gate applies the decision timeout.
type Notifier interface {
	Notify(ctx context.Context, req *ApprovalRequest) (*task.ApprovalDecision, error)
}

// ApprovalGate blocks for an external decision on a flagged capability.
// No response within the configured timeout is a denial. Every decision,
// including timeouts, is durably recorded before the gate returns, so the
// audit trail survives a crash immediately after the verdict.
type ApprovalGate struct {
	notifier Notifier
	store    checkpoint.Store
	timeout  time.Duration
	logger   Logger
}

// NewApprovalGate creates an ApprovalGate.
func NewApprovalGate(notifier Notifier, store checkpoint.Store, timeout time.Duration, logger Logger) *ApprovalGate {
	if logger == nil {
		logger = nopLogger{}
	}
	return &ApprovalGate{
		notifier: notifier,
		store:    store,
		timeout:  timeout,
		logger:   logger,
	}
}

// Decide requests sign-off for the given capabilities and blocks until the
// operator answers, the timeout elapses, or ctx is cancelled. Cancellation
// of ctx (a pause request) returns ctx.Err without recording a decision;
// every other path records the decision before returning.
func (g *ApprovalGate) Decide(ctx context.Context, taskID string, capabilities []string, findings []task.Finding) (*task.ApprovalDecision, error) {
	req := &ApprovalRequest{
		ID:           uuid.NewString(),
		TaskID:       taskID,
		Capabilities: capabilities,
		Findings:     findings,
		RequestedAt:  time.Now().UTC(),
	}

	g.logger.Info("approval_requested",
		"request_id", req.ID,
		"task_id", taskID,
		"capabilities", capabilities,
	)

	waitCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	decision, err := g.notifier.Notify(waitCtx, req)
	switch {
	case err == nil && decision != nil:
		decision.RequestID = req.ID
		if decision.DecidedAt.IsZero() {
			decision.DecidedAt = time.Now().UTC()
		}
	case ctx.Err() != nil:
		// External cancellation, not a timeout: the caller discards the
		// in-flight phase.
		return nil, ctx.Err()
	default:
		// Timeout or notifier failure: denied by policy.
		decision = &task.ApprovalDecision{
			RequestID: req.ID,
			Approved:  false,
			DecidedBy: "system",
			DecidedAt: time.Now().UTC(),
			Rationale: "no decision within timeout",
			TimedOut:  true,
		}
	}

	if err := g.store.RecordApproval(ctx, taskID, decision); err != nil {
		return nil, fmt.Errorf("safety: record approval decision: %w", err)
	}

	g.logger.Info("approval_decided",
		"request_id", req.ID,
		"task_id", taskID,
		"approved", decision.Approved,
		"decided_by", decision.DecidedBy,
		"timed_out", decision.TimedOut,
	)
	return decision, nil
}
