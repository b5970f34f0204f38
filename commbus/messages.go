// Package commbus message definitions.
//
// This module defines all message types carried on the bus, organized by
// domain. Events trace the task lifecycle and the safety pipeline's
// decisions; the single query type carries approval requests to whatever
// operator channel is registered.
package commbus

import (
	"github.com/autoforge-systems/forgeloop/coreengine/task"
)

// =============================================================================
// MESSAGE CATEGORIES
// =============================================================================

// MessageCategory represents message routing categories.
type MessageCategory string

const (
	// MessageCategoryEvent represents fire-and-forget, fan-out to all subscribers.
	MessageCategoryEvent MessageCategory = "event"
	// MessageCategoryQuery represents request-response, single handler.
	MessageCategoryQuery MessageCategory = "query"
	// MessageCategoryCommand represents fire-and-forget, single handler.
	MessageCategoryCommand MessageCategory = "command"
)

// =============================================================================
// TASK LIFECYCLE EVENTS
// =============================================================================

// TaskSubmitted is emitted when a task is accepted.
// Subscribers: telemetry, audit logging.
type TaskSubmitted struct {
	TaskID string `json:"task_id"`
	Goal   string `json:"goal"`
	Budget int    `json:"budget"`
}

// Category implements the Message interface.
func (m *TaskSubmitted) Category() string { return string(MessageCategoryEvent) }

// TaskFinished is emitted when a task reaches a terminal status.
type TaskFinished struct {
	TaskID     string      `json:"task_id"`
	Status     task.Status `json:"status"`
	Iterations int         `json:"iterations"`
	Reason     string      `json:"reason,omitempty"`
}

// Category implements the Message interface.
func (m *TaskFinished) Category() string { return string(MessageCategoryEvent) }

// TaskPaused is emitted after a pause checkpoint is durably written.
type TaskPaused struct {
	TaskID    string     `json:"task_id"`
	State     task.State `json:"state"`
	Iteration int        `json:"iteration"`
}

// Category implements the Message interface.
func (m *TaskPaused) Category() string { return string(MessageCategoryEvent) }

// TaskResumed is emitted when a paused task re-enters the loop.
type TaskResumed struct {
	TaskID    string     `json:"task_id"`
	State     task.State `json:"state"`
	Iteration int        `json:"iteration"`
}

// Category implements the Message interface.
func (m *TaskResumed) Category() string { return string(MessageCategoryEvent) }

// =============================================================================
// ITERATION EVENTS
// =============================================================================

// StateTransition is emitted on every state machine transition.
type StateTransition struct {
	TaskID    string     `json:"task_id"`
	FromState task.State `json:"from_state"`
	ToState   task.State `json:"to_state"`
	Iteration int        `json:"iteration"`
}

// Category implements the Message interface.
func (m *StateTransition) Category() string { return string(MessageCategoryEvent) }

// IterationCompleted is emitted once per loop pass, after the iteration
// record is durably appended.
type IterationCompleted struct {
	TaskID     string     `json:"task_id"`
	Iteration  int        `json:"iteration"`
	Phase      task.Phase `json:"phase"`
	Passed     bool       `json:"passed"`
	DurationMS int64      `json:"duration_ms"`
}

// Category implements the Message interface.
func (m *IterationCompleted) Category() string { return string(MessageCategoryEvent) }

// BudgetWarning is emitted when the iteration count crosses the configured
// warning threshold.
type BudgetWarning struct {
	TaskID    string `json:"task_id"`
	Iteration int    `json:"iteration"`
	Budget    int    `json:"budget"`
}

// Category implements the Message interface.
func (m *BudgetWarning) Category() string { return string(MessageCategoryEvent) }

// =============================================================================
// SAFETY EVENTS
// =============================================================================

// SafetyDenied is emitted when the safety pipeline denies an artifact.
// Subscribers: telemetry, audit logging.
type SafetyDenied struct {
	TaskID       string         `json:"task_id"`
	Iteration    int            `json:"iteration"`
	Findings     []task.Finding `json:"findings,omitempty"`
	FindingCount int            `json:"finding_count"`
}

// Category implements the Message interface.
func (m *SafetyDenied) Category() string { return string(MessageCategoryEvent) }

// ApprovalDecided is emitted after an approval decision is durably
// recorded, including timeouts.
type ApprovalDecided struct {
	TaskID    string `json:"task_id"`
	RequestID string `json:"request_id"`
	Approved  bool   `json:"approved"`
	DecidedBy string `json:"decided_by"`
	TimedOut  bool   `json:"timed_out"`
}

// Category implements the Message interface.
func (m *ApprovalDecided) Category() string { return string(MessageCategoryEvent) }

// =============================================================================
// APPROVAL QUERIES
// =============================================================================

// RequestApproval asks the registered operator channel to decide on a
// flagged capability. The handler returns *task.ApprovalDecision.
type RequestApproval struct {
	RequestID    string         `json:"request_id"`
	TaskID       string         `json:"task_id"`
	Capabilities []string       `json:"capabilities"`
	Findings     []task.Finding `json:"findings,omitempty"`
}

// Category implements the Message interface.
func (m *RequestApproval) Category() string { return string(MessageCategoryQuery) }

// IsQuery implements the Query interface.
func (m *RequestApproval) IsQuery() {}

// =============================================================================
// CHECKPOINT EVENTS
// =============================================================================

// CheckpointSaved is emitted after a snapshot is durably written.
type CheckpointSaved struct {
	TaskID    string     `json:"task_id"`
	State     task.State `json:"state"`
	Iteration int        `json:"iteration"`
}

// Category implements the Message interface.
func (m *CheckpointSaved) Category() string { return string(MessageCategoryEvent) }

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// TypedMessage is an optional interface for messages that can provide
// their own type name, useful for dynamically constructed messages.
type TypedMessage interface {
	Message
	MessageType() string
}

// GetMessageType returns the type name of a message for routing.
func GetMessageType(msg Message) string {
	// First check if the message can provide its own type
	if typed, ok := msg.(TypedMessage); ok {
		return typed.MessageType()
	}

	// Otherwise use the static type switch
	switch msg.(type) {
	case *TaskSubmitted:
		return "TaskSubmitted"
	case *TaskFinished:
		return "TaskFinished"
	case *TaskPaused:
		return "TaskPaused"
	case *TaskResumed:
		return "TaskResumed"
	case *StateTransition:
		return "StateTransition"
	case *IterationCompleted:
		return "IterationCompleted"
	case *BudgetWarning:
		return "BudgetWarning"
	case *SafetyDenied:
		return "SafetyDenied"
	case *ApprovalDecided:
		return "ApprovalDecided"
	case *RequestApproval:
		return "RequestApproval"
	case *CheckpointSaved:
		return "CheckpointSaved"
	default:
		return "Unknown"
	}
}
