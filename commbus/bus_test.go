package commbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoforge-systems/forgeloop/coreengine/safety"
	"github.com/autoforge-systems/forgeloop/coreengine/task"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestBus() *InMemoryCommBus {
	return NewInMemoryCommBus(30 * time.Second)
}

// waitForCircuitState polls until circuit reaches expected state
func waitForCircuitState(t *testing.T, cb *CircuitBreakerMiddleware, msgType string, expectedState string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		states := cb.GetStates()
		if states[msgType] == expectedState {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Circuit never reached state %s for %s, got states: %v", expectedState, msgType, cb.GetStates())
}

// countingHandler returns handler that counts calls
func countingHandler(counter *int32) HandlerFunc {
	return func(ctx context.Context, msg Message) (any, error) {
		atomic.AddInt32(counter, 1)
		return "ok", nil
	}
}

// failingHandler returns handler that always fails
func failingHandler(errMsg string) HandlerFunc {
	return func(ctx context.Context, msg Message) (any, error) {
		return nil, errors.New(errMsg)
	}
}

// slowHandler returns handler that sleeps
func slowHandler(duration time.Duration) HandlerFunc {
	return func(ctx context.Context, msg Message) (any, error) {
		time.Sleep(duration)
		return "ok", nil
	}
}

// approvalHandler returns handler that answers RequestApproval queries
func approvalHandler(approved bool) HandlerFunc {
	return func(ctx context.Context, msg Message) (any, error) {
		req, ok := msg.(*RequestApproval)
		if !ok {
			return nil, fmt.Errorf("unexpected message %T", msg)
		}
		return &task.ApprovalDecision{
			RequestID: req.RequestID,
			Approved:  approved,
			DecidedBy: "test-operator",
			DecidedAt: time.Now().UTC(),
		}, nil
	}
}

func approvalRequestFixture() *safety.ApprovalRequest {
	return &safety.ApprovalRequest{
		ID:           "req-1",
		TaskID:       "task-1",
		Capabilities: []string{"network"},
		RequestedAt:  time.Now().UTC(),
	}
}

// archiveArtifact is a command used only by these tests.
type archiveArtifact struct {
	TaskID string
}

func (c *archiveArtifact) Category() string    { return string(MessageCategoryCommand) }
func (c *archiveArtifact) MessageType() string { return "ArchiveArtifact" }

// trackingMiddleware records call order
type trackingMiddleware struct {
	order *[]string
	mu    *sync.Mutex
	name  string
}

func (m *trackingMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	m.mu.Lock()
	*m.order = append(*m.order, m.name+"-before")
	m.mu.Unlock()
	return message, nil
}

func (m *trackingMiddleware) After(ctx context.Context, message Message, result any, err error) (any, error) {
	m.mu.Lock()
	*m.order = append(*m.order, m.name+"-after")
	m.mu.Unlock()
	return result, err
}

// abortingMiddleware aborts processing by returning nil
type abortingMiddleware struct{}

func (m *abortingMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	return nil, nil // Abort
}

func (m *abortingMiddleware) After(ctx context.Context, message Message, result any, err error) (any, error) {
	return result, err
}

// errorMiddleware returns error from Before
type errorMiddleware struct{}

func (m *errorMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	return nil, errors.New("middleware error")
}

func (m *errorMiddleware) After(ctx context.Context, message Message, result any, err error) (any, error) {
	return result, err
}

// modifyResultMiddleware replaces the query result in After
type modifyResultMiddleware struct{}

func (m *modifyResultMiddleware) Before(ctx context.Context, msg Message) (Message, error) {
	return msg, nil
}

func (m *modifyResultMiddleware) After(ctx context.Context, msg Message, result any, err error) (any, error) {
	return "modified", nil
}

// =============================================================================
// PUBLISH TESTS
// =============================================================================

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	bus := newTestBus()
	var first, second, third int32
	bus.Subscribe("IterationCompleted", countingHandler(&first))
	bus.Subscribe("IterationCompleted", countingHandler(&second))
	bus.Subscribe("IterationCompleted", countingHandler(&third))

	err := bus.Publish(context.Background(), &IterationCompleted{
		TaskID:    "task-1",
		Iteration: 1,
		Phase:     task.PhaseValidation,
		Passed:    true,
	})
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&first))
	assert.Equal(t, int32(1), atomic.LoadInt32(&second))
	assert.Equal(t, int32(1), atomic.LoadInt32(&third))
}

func TestPublishWithNoSubscribers(t *testing.T) {
	bus := newTestBus()
	err := bus.Publish(context.Background(), &TaskSubmitted{TaskID: "task-1", Goal: "goal", Budget: 5})
	assert.NoError(t, err, "events with no audience are dropped, not errors")
}

func TestPublishSubscriberErrorDoesNotStopOthers(t *testing.T) {
	bus := newTestBus()
	var delivered int32
	bus.Subscribe("SafetyDenied", failingHandler("telemetry offline"))
	bus.Subscribe("SafetyDenied", countingHandler(&delivered))

	err := bus.Publish(context.Background(), &SafetyDenied{TaskID: "task-1", Iteration: 2, FindingCount: 1})
	require.NoError(t, err, "publish never surfaces subscriber errors")
	assert.Equal(t, int32(1), atomic.LoadInt32(&delivered))
}

func TestPublishOnlyMatchingTypeDelivered(t *testing.T) {
	bus := newTestBus()
	var finished, paused int32
	bus.Subscribe("TaskFinished", countingHandler(&finished))
	bus.Subscribe("TaskPaused", countingHandler(&paused))

	require.NoError(t, bus.Publish(context.Background(), &TaskFinished{TaskID: "task-1", Status: task.StatusSucceeded}))

	assert.Equal(t, int32(1), atomic.LoadInt32(&finished))
	assert.Equal(t, int32(0), atomic.LoadInt32(&paused))
}

func TestPublishConcurrent(t *testing.T) {
	bus := newTestBus()
	var count int32
	bus.Subscribe("StateTransition", countingHandler(&count))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = bus.Publish(context.Background(), &StateTransition{
				TaskID:    "task-1",
				FromState: task.StateGenerating,
				ToState:   task.StateValidating,
				Iteration: n,
			})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(50), atomic.LoadInt32(&count))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := newTestBus()
	var kept, removed int32
	bus.Subscribe("BudgetWarning", countingHandler(&kept))
	unsubscribe := bus.Subscribe("BudgetWarning", countingHandler(&removed))

	event := &BudgetWarning{TaskID: "task-1", Iteration: 4, Budget: 5}
	require.NoError(t, bus.Publish(context.Background(), event))
	unsubscribe()
	require.NoError(t, bus.Publish(context.Background(), event))

	assert.Equal(t, int32(2), atomic.LoadInt32(&kept))
	assert.Equal(t, int32(1), atomic.LoadInt32(&removed))
	assert.Len(t, bus.GetSubscribers("BudgetWarning"), 1)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	bus := newTestBus()
	var count int32
	unsubscribe := bus.Subscribe("TaskResumed", countingHandler(&count))

	unsubscribe()
	unsubscribe()

	assert.Empty(t, bus.GetSubscribers("TaskResumed"))
}

// =============================================================================
// QUERY TESTS
// =============================================================================

func TestQuerySyncReturnsHandlerResponse(t *testing.T) {
	bus := newTestBus()
	require.NoError(t, bus.RegisterHandler("RequestApproval", approvalHandler(true)))

	result, err := bus.QuerySync(context.Background(), &RequestApproval{
		RequestID:    "req-1",
		TaskID:       "task-1",
		Capabilities: []string{"network"},
	})
	require.NoError(t, err)

	decision, ok := result.(*task.ApprovalDecision)
	require.True(t, ok, "approval queries answer with *task.ApprovalDecision")
	assert.Equal(t, "req-1", decision.RequestID)
	assert.True(t, decision.Approved)
	assert.Equal(t, "test-operator", decision.DecidedBy)
}

func TestQuerySyncNoHandler(t *testing.T) {
	bus := newTestBus()
	_, err := bus.QuerySync(context.Background(), &RequestApproval{RequestID: "req-1"})

	var noHandler *NoHandlerError
	require.ErrorAs(t, err, &noHandler)
	assert.Equal(t, "RequestApproval", noHandler.MessageType)
}

func TestQuerySyncHandlerError(t *testing.T) {
	bus := newTestBus()
	require.NoError(t, bus.RegisterHandler("RequestApproval", failingHandler("operator channel down")))

	_, err := bus.QuerySync(context.Background(), &RequestApproval{RequestID: "req-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "operator channel down")
}

func TestQuerySyncTimeout(t *testing.T) {
	bus := NewInMemoryCommBus(50 * time.Millisecond)
	require.NoError(t, bus.RegisterHandler("RequestApproval", slowHandler(5*time.Second)))

	start := time.Now()
	_, err := bus.QuerySync(context.Background(), &RequestApproval{RequestID: "req-1"})
	elapsed := time.Since(start)

	var timeoutErr *QueryTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "RequestApproval", timeoutErr.MessageType)
	assert.Less(t, elapsed, 2*time.Second, "timeout must not wait for the handler")
}

func TestQuerySyncHandlerSeesCancellableContext(t *testing.T) {
	bus := NewInMemoryCommBus(50 * time.Millisecond)
	ctxErr := make(chan error, 1)
	require.NoError(t, bus.RegisterHandler("RequestApproval", func(ctx context.Context, msg Message) (any, error) {
		<-ctx.Done()
		ctxErr <- ctx.Err()
		return nil, ctx.Err()
	}))

	_, err := bus.QuerySync(context.Background(), &RequestApproval{RequestID: "req-1"})
	require.Error(t, err)

	select {
	case e := <-ctxErr:
		assert.ErrorIs(t, e, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("handler context was never cancelled")
	}
}

func TestQuerySyncConcurrent(t *testing.T) {
	bus := newTestBus()
	require.NoError(t, bus.RegisterHandler("RequestApproval", approvalHandler(true)))

	var wg sync.WaitGroup
	errs := make([]error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, errs[n] = bus.QuerySync(context.Background(), &RequestApproval{
				RequestID: fmt.Sprintf("req-%d", n),
			})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
}

// =============================================================================
// COMMAND TESTS
// =============================================================================

func TestSendDeliversToHandler(t *testing.T) {
	bus := newTestBus()
	var count int32
	require.NoError(t, bus.RegisterHandler("ArchiveArtifact", countingHandler(&count)))

	require.NoError(t, bus.Send(context.Background(), &archiveArtifact{TaskID: "task-1"}))
	assert.Equal(t, int32(1), atomic.LoadInt32(&count))
}

func TestSendWithNoHandler(t *testing.T) {
	bus := newTestBus()
	err := bus.Send(context.Background(), &archiveArtifact{TaskID: "task-1"})
	assert.NoError(t, err, "commands with no handler are dropped")
}

func TestSendHandlerError(t *testing.T) {
	bus := newTestBus()
	require.NoError(t, bus.RegisterHandler("ArchiveArtifact", failingHandler("disk full")))

	err := bus.Send(context.Background(), &archiveArtifact{TaskID: "task-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

// =============================================================================
// REGISTRATION TESTS
// =============================================================================

func TestRegisterHandlerRejectsDuplicate(t *testing.T) {
	bus := newTestBus()
	require.NoError(t, bus.RegisterHandler("RequestApproval", approvalHandler(true)))

	err := bus.RegisterHandler("RequestApproval", approvalHandler(false))
	var dup *HandlerAlreadyRegisteredError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "RequestApproval", dup.MessageType)
}

func TestHasHandler(t *testing.T) {
	bus := newTestBus()
	assert.False(t, bus.HasHandler("RequestApproval"))

	require.NoError(t, bus.RegisterHandler("RequestApproval", approvalHandler(true)))
	assert.True(t, bus.HasHandler("RequestApproval"))
}

func TestGetRegisteredTypes(t *testing.T) {
	bus := newTestBus()
	require.NoError(t, bus.RegisterHandler("RequestApproval", approvalHandler(true)))
	bus.Subscribe("TaskFinished", func(ctx context.Context, msg Message) (any, error) { return nil, nil })

	types := bus.GetRegisteredTypes()
	assert.ElementsMatch(t, []string{"RequestApproval", "TaskFinished"}, types)
}

func TestClear(t *testing.T) {
	bus := newTestBus()
	require.NoError(t, bus.RegisterHandler("RequestApproval", approvalHandler(true)))
	bus.Subscribe("TaskFinished", func(ctx context.Context, msg Message) (any, error) { return nil, nil })
	bus.AddMiddleware(NewLoggingMiddleware("debug"))

	bus.Clear()

	assert.False(t, bus.HasHandler("RequestApproval"))
	assert.Empty(t, bus.GetSubscribers("TaskFinished"))
	assert.Empty(t, bus.GetRegisteredTypes())
}

// =============================================================================
// MIDDLEWARE TESTS
// =============================================================================

func TestMiddlewareOrdering(t *testing.T) {
	bus := newTestBus()
	var order []string
	var mu sync.Mutex
	bus.AddMiddleware(&trackingMiddleware{order: &order, mu: &mu, name: "outer"})
	bus.AddMiddleware(&trackingMiddleware{order: &order, mu: &mu, name: "inner"})
	require.NoError(t, bus.RegisterHandler("RequestApproval", approvalHandler(true)))

	_, err := bus.QuerySync(context.Background(), &RequestApproval{RequestID: "req-1"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"outer-before", "inner-before", "inner-after", "outer-after"}, order,
		"before runs in registration order, after in reverse")
}

func TestMiddlewareRunsForAllTraffic(t *testing.T) {
	bus := newTestBus()
	var order []string
	var mu sync.Mutex
	bus.AddMiddleware(&trackingMiddleware{order: &order, mu: &mu, name: "mw"})
	require.NoError(t, bus.RegisterHandler("RequestApproval", approvalHandler(true)))
	require.NoError(t, bus.RegisterHandler("ArchiveArtifact", countingHandler(new(int32))))

	require.NoError(t, bus.Publish(context.Background(), &TaskSubmitted{TaskID: "task-1"}))
	require.NoError(t, bus.Send(context.Background(), &archiveArtifact{TaskID: "task-1"}))
	_, err := bus.QuerySync(context.Background(), &RequestApproval{RequestID: "req-1"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, order, 6, "before and after per event, command, and query")
}

func TestAbortingMiddlewareBlocksDelivery(t *testing.T) {
	bus := newTestBus()
	bus.AddMiddleware(&abortingMiddleware{})
	var count int32
	bus.Subscribe("TaskFinished", countingHandler(&count))

	err := bus.Publish(context.Background(), &TaskFinished{TaskID: "task-1"})
	require.NoError(t, err)
	assert.Equal(t, int32(0), atomic.LoadInt32(&count))
}

func TestErrorMiddlewareStopsProcessing(t *testing.T) {
	bus := newTestBus()
	bus.AddMiddleware(&errorMiddleware{})
	var count int32
	bus.Subscribe("TaskFinished", countingHandler(&count))

	err := bus.Publish(context.Background(), &TaskFinished{TaskID: "task-1"})
	require.Error(t, err)
	assert.Equal(t, int32(0), atomic.LoadInt32(&count))
}

func TestAfterMiddlewareModifiesQueryResult(t *testing.T) {
	bus := newTestBus()
	bus.AddMiddleware(&modifyResultMiddleware{})
	require.NoError(t, bus.RegisterHandler("RequestApproval", approvalHandler(true)))

	result, err := bus.QuerySync(context.Background(), &RequestApproval{RequestID: "req-1"})
	require.NoError(t, err)
	assert.Equal(t, "modified", result)
}

// =============================================================================
// CIRCUIT BREAKER MIDDLEWARE TESTS
// =============================================================================

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	bus := newTestBus()
	cb := NewCircuitBreakerMiddleware(3, time.Minute, nil)
	bus.AddMiddleware(cb)
	require.NoError(t, bus.RegisterHandler("ArchiveArtifact", failingHandler("boom")))

	for i := 0; i < 3; i++ {
		_ = bus.Send(context.Background(), &archiveArtifact{TaskID: "task-1"})
	}
	waitForCircuitState(t, cb, "ArchiveArtifact", "open", time.Second)
}

func TestCircuitBreakerBlocksWhileOpen(t *testing.T) {
	bus := newTestBus()
	cb := NewCircuitBreakerMiddleware(1, time.Minute, nil)
	bus.AddMiddleware(cb)

	var count int32
	calls := func(ctx context.Context, msg Message) (any, error) {
		atomic.AddInt32(&count, 1)
		return nil, errors.New("boom")
	}
	require.NoError(t, bus.RegisterHandler("ArchiveArtifact", calls))

	_ = bus.Send(context.Background(), &archiveArtifact{TaskID: "task-1"})
	waitForCircuitState(t, cb, "ArchiveArtifact", "open", time.Second)

	_ = bus.Send(context.Background(), &archiveArtifact{TaskID: "task-1"})
	assert.Equal(t, int32(1), atomic.LoadInt32(&count), "open circuit never reaches the handler")
}

func TestCircuitBreakerRecoversThroughHalfOpen(t *testing.T) {
	bus := newTestBus()
	cb := NewCircuitBreakerMiddleware(1, 30*time.Millisecond, nil)
	bus.AddMiddleware(cb)

	var fail atomic.Bool
	fail.Store(true)
	require.NoError(t, bus.RegisterHandler("ArchiveArtifact", func(ctx context.Context, msg Message) (any, error) {
		if fail.Load() {
			return nil, errors.New("boom")
		}
		return "ok", nil
	}))

	_ = bus.Send(context.Background(), &archiveArtifact{TaskID: "task-1"})
	waitForCircuitState(t, cb, "ArchiveArtifact", "open", time.Second)

	// After the reset timeout a single trial request is allowed through;
	// success closes the circuit.
	fail.Store(false)
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, bus.Send(context.Background(), &archiveArtifact{TaskID: "task-1"}))
	waitForCircuitState(t, cb, "ArchiveArtifact", "closed", time.Second)
}

func TestCircuitBreakerExcludedTypesBypass(t *testing.T) {
	bus := newTestBus()
	cb := NewCircuitBreakerMiddleware(1, time.Minute, []string{"RequestApproval"})
	bus.AddMiddleware(cb)
	require.NoError(t, bus.RegisterHandler("RequestApproval", failingHandler("boom")))

	for i := 0; i < 5; i++ {
		_, err := bus.QuerySync(context.Background(), &RequestApproval{RequestID: "req-1"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "boom", "excluded types always reach the handler")
	}
	states := cb.GetStates()
	assert.NotContains(t, states, "RequestApproval")
}

func TestCircuitBreakerReset(t *testing.T) {
	bus := newTestBus()
	cb := NewCircuitBreakerMiddleware(1, time.Minute, nil)
	bus.AddMiddleware(cb)
	require.NoError(t, bus.RegisterHandler("ArchiveArtifact", failingHandler("boom")))

	_ = bus.Send(context.Background(), &archiveArtifact{TaskID: "task-1"})
	waitForCircuitState(t, cb, "ArchiveArtifact", "open", time.Second)

	msgType := "ArchiveArtifact"
	cb.Reset(&msgType)
	assert.NotContains(t, cb.GetStates(), "ArchiveArtifact")
}

// =============================================================================
// BUS NOTIFIER TESTS
// =============================================================================

func TestBusNotifierRoundTrip(t *testing.T) {
	bus := newTestBus()
	require.NoError(t, bus.RegisterHandler("RequestApproval", approvalHandler(true)))
	notifier := NewBusNotifier(bus)

	decision, err := notifier.Notify(context.Background(), approvalRequestFixture())
	require.NoError(t, err)
	assert.True(t, decision.Approved)
	assert.Equal(t, "req-1", decision.RequestID)
}

func TestBusNotifierNoHandler(t *testing.T) {
	notifier := NewBusNotifier(newTestBus())
	_, err := notifier.Notify(context.Background(), approvalRequestFixture())

	var noHandler *NoHandlerError
	assert.ErrorAs(t, err, &noHandler)
}

func TestBusNotifierRejectsWrongResponseType(t *testing.T) {
	bus := newTestBus()
	require.NoError(t, bus.RegisterHandler("RequestApproval", func(ctx context.Context, msg Message) (any, error) {
		return "not a decision", nil
	}))
	notifier := NewBusNotifier(bus)

	_, err := notifier.Notify(context.Background(), approvalRequestFixture())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "want *task.ApprovalDecision")
}
