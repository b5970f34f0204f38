// Package task defines the core data model for the forge loop:
// tasks, iteration records, safety verdicts, and the shared context
// that flows between phases.
//
// Ownership rules:
//   - Task and IterationRecord are written only by the orchestrator.
//   - SafetyVerdict is constructed only by the safety pipeline.
//   - The checkpoint store persists these types without interpreting them.
package task

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Task Status
// =============================================================================

// Status represents the lifecycle status of a task.
//
// Transitions are monotone: a task never returns to pending once running,
// and succeeded/failed are terminal. paused is resumable back to running.
type Status string

const (
	// StatusPending indicates a submitted task not yet started.
	StatusPending Status = "pending"
	// StatusRunning indicates the orchestrator loop is executing the task.
	StatusRunning Status = "running"
	// StatusSucceeded indicates validation passed and the task is done.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the iteration budget was exhausted.
	StatusFailed Status = "failed"
	// StatusPaused indicates the task was suspended and can be resumed.
	StatusPaused Status = "paused"
)

// StatusFromString parses a status string.
func StatusFromString(value string) (Status, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case "pending":
		return StatusPending, nil
	case "running":
		return StatusRunning, nil
	case "succeeded":
		return StatusSucceeded, nil
	case "failed":
		return StatusFailed, nil
	case "paused":
		return StatusPaused, nil
	default:
		return "", fmt.Errorf("invalid task status '%s'. Must be one of: pending, running, succeeded, failed, paused", value)
	}
}

// IsTerminal returns true if the status is succeeded or failed.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// CanTransitionTo reports whether moving to next preserves monotonicity.
func (s Status) CanTransitionTo(next Status) bool {
	if s == next {
		return true
	}
	switch s {
	case StatusPending:
		return next == StatusRunning
	case StatusRunning:
		return next == StatusSucceeded || next == StatusFailed || next == StatusPaused
	case StatusPaused:
		return next == StatusRunning
	default:
		// succeeded/failed are terminal
		return false
	}
}

// =============================================================================
// State Machine States
// =============================================================================

// State represents the orchestrator state machine state.
//
// State transitions:
//
//	Init -> Planning -> Generating -> Validating -> {Succeeded | Analyzing}
//	Analyzing -> {Generating | Failed}
//	any -> Paused (checkpoint written first), Paused -> state at pause
type State string

const (
	StateInit       State = "init"
	StatePlanning   State = "planning"
	StateGenerating State = "generating"
	StateValidating State = "validating"
	StateAnalyzing  State = "analyzing"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
	StatePaused     State = "paused"
)

// IsTerminal returns true for succeeded/failed.
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// TerminalStatus maps a terminal state to the task status it implies.
// Returns false for non-terminal states.
func (s State) TerminalStatus() (Status, bool) {
	switch s {
	case StateSucceeded:
		return StatusSucceeded, true
	case StateFailed:
		return StatusFailed, true
	default:
		return "", false
	}
}

// =============================================================================
// Phases
// =============================================================================

// Phase identifies which part of the loop an iteration record covers.
type Phase string

const (
	PhasePlanning   Phase = "planning"
	PhaseGeneration Phase = "generation"
	PhaseValidation Phase = "validation"
	PhaseAnalysis   Phase = "analysis"
)

// =============================================================================
// Terminal Reasons
// =============================================================================

// TerminalReason records why a task reached a terminal state.
type TerminalReason string

const (
	// TerminalReasonValidationPassed indicates all validation checks passed.
	TerminalReasonValidationPassed TerminalReason = "validation_passed"
	// TerminalReasonBudgetExhausted indicates the iteration budget was consumed.
	TerminalReasonBudgetExhausted TerminalReason = "budget_exhausted"
)

// =============================================================================
// Artifact
// =============================================================================

// Artifact is the generated source and its tests for one iteration.
type Artifact struct {
	// Language is the artifact's source language (e.g. "python", "go").
	Language string `json:"language"`
	// Source is the generated program text.
	Source string `json:"source"`
	// Tests is the generated test text, empty if the generator produced none.
	Tests string `json:"tests,omitempty"`
	// EntryFile is the file name the validation command targets.
	EntryFile string `json:"entry_file,omitempty"`
}

// Clone returns a copy of the artifact.
func (a *Artifact) Clone() *Artifact {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}

// =============================================================================
// Validation Result
// =============================================================================

// ValidationFailure is one structured failure from the validation service
// or from sandbox execution.
type ValidationFailure struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// ValidationResult is the outcome of one validation attempt.
type ValidationResult struct {
	Pass     bool                `json:"pass"`
	Failures []ValidationFailure `json:"failures,omitempty"`
	// RawOutput is the captured runner output, kept for the analysis phase.
	RawOutput string `json:"raw_output,omitempty"`
}

// Clone returns a copy of the result.
func (v *ValidationResult) Clone() *ValidationResult {
	if v == nil {
		return nil
	}
	c := *v
	c.Failures = append([]ValidationFailure(nil), v.Failures...)
	return &c
}

// =============================================================================
// Safety Verdict
// =============================================================================

// SafetyOutcome is the safety pipeline's decision for an artifact.
type SafetyOutcome string

const (
	// SafetyAllow permits execution without human sign-off.
	SafetyAllow SafetyOutcome = "allow"
	// SafetyDeny blocks execution.
	SafetyDeny SafetyOutcome = "deny"
	// SafetyAllowWithApproval permits execution only if an approval
	// decision with Approved=true exists.
	SafetyAllowWithApproval SafetyOutcome = "allow-with-approval"
)

// FindingSource identifies which pipeline stage produced a finding.
type FindingSource string

const (
	FindingSourceStaticScanner FindingSource = "static_scanner"
	FindingSourceVulnScanner   FindingSource = "vulnerability_scanner"
	FindingSourceApprovalGate  FindingSource = "approval_gate"
)

// FindingSeverity grades a safety finding.
type FindingSeverity string

const (
	SeverityLow    FindingSeverity = "low"
	SeverityMedium FindingSeverity = "medium"
	SeverityHigh   FindingSeverity = "high"
)

// SeverityFromString parses a severity string.
func SeverityFromString(value string) (FindingSeverity, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case "low":
		return SeverityLow, nil
	case "medium":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	default:
		return "", fmt.Errorf("invalid severity '%s'. Must be one of: low, medium, high", value)
	}
}

// Finding is one graded safety finding.
type Finding struct {
	Source   FindingSource   `json:"source"`
	Severity FindingSeverity `json:"severity"`
	Rule     string          `json:"rule"`
	Message  string          `json:"message"`
	// Line is the 1-indexed source line, 0 when not applicable.
	Line int `json:"line,omitempty"`
}

// ApprovalDecision records a human operator's answer to an approval request.
type ApprovalDecision struct {
	RequestID string    `json:"request_id"`
	Approved  bool      `json:"approved"`
	DecidedBy string    `json:"decided_by"`
	DecidedAt time.Time `json:"decided_at"`
	Rationale string    `json:"rationale,omitempty"`
	// TimedOut is true when no response arrived within the gate timeout.
	// A timed-out request is never approved.
	TimedOut bool `json:"timed_out,omitempty"`
}

// SafetyVerdict is the immutable result of one safety pipeline invocation.
type SafetyVerdict struct {
	Outcome  SafetyOutcome `json:"outcome"`
	Findings []Finding     `json:"findings,omitempty"`
	// Capabilities lists the capabilities the artifact was flagged for
	// (e.g. "network", "process"); set only when approval was required.
	Capabilities []string          `json:"capabilities,omitempty"`
	Approval     *ApprovalDecision `json:"approval,omitempty"`
	EvaluatedAt  time.Time         `json:"evaluated_at"`
}

// Allowed reports whether the verdict permits sandbox execution.
// allow-with-approval requires an approval decision with Approved=true;
// absence of a required approval is treated as deny.
func (v *SafetyVerdict) Allowed() bool {
	if v == nil {
		return false
	}
	switch v.Outcome {
	case SafetyAllow:
		return true
	case SafetyAllowWithApproval:
		return v.Approval != nil && v.Approval.Approved
	default:
		return false
	}
}

// Clone returns a copy of the verdict.
func (v *SafetyVerdict) Clone() *SafetyVerdict {
	if v == nil {
		return nil
	}
	c := *v
	c.Findings = append([]Finding(nil), v.Findings...)
	c.Capabilities = append([]string(nil), v.Capabilities...)
	if v.Approval != nil {
		a := *v.Approval
		c.Approval = &a
	}
	return &c
}

// =============================================================================
// Resource Usage
// =============================================================================

// ResourceUsage tracks resources consumed by one sandbox execution.
type ResourceUsage struct {
	WallTimeMS int64 `json:"wall_time_ms"`
	CPUTimeMS  int64 `json:"cpu_time_ms,omitempty"`
	MaxRSSKB   int64 `json:"max_rss_kb,omitempty"`
}

// =============================================================================
// Task
// =============================================================================

// Task is one unit of work submitted to the orchestrator.
type Task struct {
	ID        string    `json:"id"`
	Goal      string    `json:"goal"`
	Status    Status    `json:"status"`
	Iteration int       `json:"iteration"`
	Budget    int       `json:"budget"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// FinalArtifact is set only when the task succeeds.
	FinalArtifact *Artifact `json:"final_artifact,omitempty"`
	// TerminalReason is set when the task reaches succeeded/failed.
	TerminalReason TerminalReason `json:"terminal_reason,omitempty"`
}

// New creates a pending task with a fresh identifier.
func New(goal string, budget int) (*Task, error) {
	if strings.TrimSpace(goal) == "" {
		return nil, fmt.Errorf("task goal is required")
	}
	if budget < 1 {
		return nil, fmt.Errorf("iteration budget must be >= 1, got %d", budget)
	}
	now := time.Now().UTC()
	return &Task{
		ID:        uuid.NewString(),
		Goal:      goal,
		Status:    StatusPending,
		Iteration: 0,
		Budget:    budget,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// SetStatus transitions the task status, enforcing monotonicity.
func (t *Task) SetStatus(next Status) error {
	if !t.Status.CanTransitionTo(next) {
		return fmt.Errorf("illegal task status transition %s -> %s", t.Status, next)
	}
	t.Status = next
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// =============================================================================
// Iteration Record
// =============================================================================

// IterationRecord is the immutable log of one loop pass. Records for a task
// are produced in strictly increasing iteration order and never mutated.
type IterationRecord struct {
	TaskID    string `json:"task_id"`
	Iteration int    `json:"iteration"`
	Phase     Phase  `json:"phase"`

	Artifact   *Artifact         `json:"artifact,omitempty"`
	Validation *ValidationResult `json:"validation,omitempty"`
	Safety     *SafetyVerdict    `json:"safety,omitempty"`

	DurationMS int64          `json:"duration_ms"`
	Usage      *ResourceUsage `json:"usage,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// =============================================================================
// Shared Context
// =============================================================================

// Context is the shared context object the orchestrator threads through
// the phases and folds collaborator results into. It is what a checkpoint
// snapshot captures.
type Context struct {
	TaskID string `json:"task_id"`
	Goal   string `json:"goal"`
	Plan   string `json:"plan,omitempty"`

	Iteration int `json:"iteration"`

	Artifact   *Artifact         `json:"artifact,omitempty"`
	Validation *ValidationResult `json:"validation,omitempty"`
	Safety     *SafetyVerdict    `json:"safety,omitempty"`

	// Hypothesis is the analysis service's explanation of the last failure,
	// fed back into the next generation attempt.
	Hypothesis string `json:"hypothesis,omitempty"`

	// WorkspaceRoot is the filesystem subtree this task may read/write.
	WorkspaceRoot string `json:"workspace_root"`

	// NetworkApproved is set once an approval decision permits network
	// access; it holds for the task's remaining lifetime.
	NetworkApproved bool `json:"network_approved,omitempty"`
}

// Clone returns a deep copy of the context.
func (c *Context) Clone() *Context {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Artifact = c.Artifact.Clone()
	cp.Validation = c.Validation.Clone()
	cp.Safety = c.Safety.Clone()
	return &cp
}
