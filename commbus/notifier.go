package commbus

import (
	"context"
	"fmt"

	"github.com/autoforge-systems/forgeloop/coreengine/safety"
	"github.com/autoforge-systems/forgeloop/coreengine/task"
)

// =============================================================================
// BUS-BACKED APPROVAL NOTIFIER
// =============================================================================

// BusNotifier surfaces approval requests as RequestApproval queries on the
// bus, so any registered handler (console prompt, webhook, message queue)
// can answer without the safety pipeline knowing the channel.
type BusNotifier struct {
	bus CommBus
}

var _ safety.Notifier = (*BusNotifier)(nil)

// NewBusNotifier creates a BusNotifier.
func NewBusNotifier(bus CommBus) *BusNotifier {
	return &BusNotifier{bus: bus}
}

// Notify implements safety.Notifier. The approval gate owns the decision
// timeout; an unanswered or unhandled query surfaces as an error and the
// gate denies.
func (n *BusNotifier) Notify(ctx context.Context, req *safety.ApprovalRequest) (*task.ApprovalDecision, error) {
	query := &RequestApproval{
		RequestID:    req.ID,
		TaskID:       req.TaskID,
		Capabilities: req.Capabilities,
		Findings:     req.Findings,
	}
	result, err := n.bus.QuerySync(ctx, query)
	if err != nil {
		return nil, err
	}
	decision, ok := result.(*task.ApprovalDecision)
	if !ok {
		return nil, fmt.Errorf("commbus: approval handler returned %T, want *task.ApprovalDecision", result)
	}
	return decision, nil
}
