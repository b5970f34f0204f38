// Package commbus provides tests for message types.
package commbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// =============================================================================
// MESSAGE CATEGORY TESTS
// =============================================================================

// Event messages
func TestTaskSubmitted_Category(t *testing.T) {
	msg := &TaskSubmitted{}
	assert.Equal(t, "event", msg.Category())
}

func TestTaskFinished_Category(t *testing.T) {
	msg := &TaskFinished{}
	assert.Equal(t, "event", msg.Category())
}

func TestTaskPaused_Category(t *testing.T) {
	msg := &TaskPaused{}
	assert.Equal(t, "event", msg.Category())
}

func TestTaskResumed_Category(t *testing.T) {
	msg := &TaskResumed{}
	assert.Equal(t, "event", msg.Category())
}

func TestStateTransition_Category(t *testing.T) {
	msg := &StateTransition{}
	assert.Equal(t, "event", msg.Category())
}

func TestIterationCompleted_Category(t *testing.T) {
	msg := &IterationCompleted{}
	assert.Equal(t, "event", msg.Category())
}

func TestBudgetWarning_Category(t *testing.T) {
	msg := &BudgetWarning{}
	assert.Equal(t, "event", msg.Category())
}

func TestSafetyDenied_Category(t *testing.T) {
	msg := &SafetyDenied{}
	assert.Equal(t, "event", msg.Category())
}

func TestApprovalDecided_Category(t *testing.T) {
	msg := &ApprovalDecided{}
	assert.Equal(t, "event", msg.Category())
}

func TestCheckpointSaved_Category(t *testing.T) {
	msg := &CheckpointSaved{}
	assert.Equal(t, "event", msg.Category())
}

// Query messages with IsQuery()
func TestRequestApproval_Category(t *testing.T) {
	msg := &RequestApproval{}
	assert.Equal(t, "query", msg.Category())
	msg.IsQuery() // Call method for coverage
}

// =============================================================================
// MESSAGE TYPE HELPER TESTS
// =============================================================================

func TestGetMessageType_KnownTypes(t *testing.T) {
	tests := []struct {
		name     string
		msg      Message
		expected string
	}{
		{"TaskSubmitted", &TaskSubmitted{}, "TaskSubmitted"},
		{"TaskFinished", &TaskFinished{}, "TaskFinished"},
		{"TaskPaused", &TaskPaused{}, "TaskPaused"},
		{"TaskResumed", &TaskResumed{}, "TaskResumed"},
		{"StateTransition", &StateTransition{}, "StateTransition"},
		{"IterationCompleted", &IterationCompleted{}, "IterationCompleted"},
		{"BudgetWarning", &BudgetWarning{}, "BudgetWarning"},
		{"SafetyDenied", &SafetyDenied{}, "SafetyDenied"},
		{"ApprovalDecided", &ApprovalDecided{}, "ApprovalDecided"},
		{"RequestApproval", &RequestApproval{}, "RequestApproval"},
		{"CheckpointSaved", &CheckpointSaved{}, "CheckpointSaved"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgType := GetMessageType(tt.msg)
			assert.Equal(t, tt.expected, msgType)
		})
	}
}

func TestGetMessageType_NilMessage(t *testing.T) {
	msgType := GetMessageType(nil)
	assert.Equal(t, "Unknown", msgType)
}

func TestGetMessageType_TypedMessage(t *testing.T) {
	msgType := GetMessageType(&archiveArtifact{})
	assert.Equal(t, "ArchiveArtifact", msgType)
}
