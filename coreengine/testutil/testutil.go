// Package testutil provides shared test utilities and mocks for integration tests.
//
// All mocks in this package are designed for testing the coreengine components
// in isolation without requiring external dependencies.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/autoforge-systems/forgeloop/coreengine/safety"
	"github.com/autoforge-systems/forgeloop/coreengine/sandbox"
	"github.com/autoforge-systems/forgeloop/coreengine/services"
	"github.com/autoforge-systems/forgeloop/coreengine/task"
)

// =============================================================================
// MOCK GENERATOR
// =============================================================================

// MockGenerator implements services.Generator for testing.
// Configure per-iteration artifacts, or use GenerateFunc for custom logic.
type MockGenerator struct {
	// Artifacts maps iteration numbers to artifacts. Iterations without
	// an entry fall back to DefaultArtifact.
	Artifacts map[int]*task.Artifact

	// DefaultArtifact is returned when no iteration-specific artifact is set.
	DefaultArtifact *task.Artifact

	// Delay simulates generation latency.
	Delay time.Duration

	// Error causes Generate to return this error.
	Error error

	// CallCount tracks the number of Generate calls.
	CallCount int

	// Contexts records the task context snapshot of each call.
	Contexts []*task.Context

	// GenerateFunc allows custom generation logic.
	// If set, this is called instead of using Artifacts.
	GenerateFunc func(context.Context, *task.Context) (*task.Artifact, error)

	mu sync.Mutex
}

// NewMockGenerator creates a MockGenerator with a trivially passing artifact.
func NewMockGenerator() *MockGenerator {
	return &MockGenerator{
		Artifacts: make(map[int]*task.Artifact),
		DefaultArtifact: &task.Artifact{
			Language:  "python",
			Source:    "def add(a, b):\n    return a + b\n",
			Tests:     "from main import add\n\ndef test_add():\n    assert add(1, 2) == 3\n",
			EntryFile: "main.py",
		},
	}
}

// Generate implements services.Generator.
func (m *MockGenerator) Generate(ctx context.Context, tc *task.Context) (*task.Artifact, error) {
	m.mu.Lock()
	m.CallCount++
	m.Contexts = append(m.Contexts, tc.Clone())
	customFunc := m.GenerateFunc
	m.mu.Unlock()

	if customFunc != nil {
		return customFunc(ctx, tc)
	}

	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if m.Error != nil {
		return nil, m.Error
	}

	if artifact, ok := m.Artifacts[tc.Iteration]; ok {
		return artifact.Clone(), nil
	}
	return m.DefaultArtifact.Clone(), nil
}

// WithArtifact sets the artifact returned for a specific iteration.
func (m *MockGenerator) WithArtifact(iteration int, artifact *task.Artifact) *MockGenerator {
	m.Artifacts[iteration] = artifact
	return m
}

// WithError configures the mock to return an error.
func (m *MockGenerator) WithError(err error) *MockGenerator {
	m.Error = err
	return m
}

// GetCallCount returns the number of calls (thread-safe).
func (m *MockGenerator) GetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCount
}

// =============================================================================
// MOCK VALIDATOR
// =============================================================================

// MockValidator implements services.Validator for testing.
type MockValidator struct {
	// Results is consumed in call order. When exhausted, DefaultResult
	// is returned.
	Results []*task.ValidationResult

	// DefaultResult is returned when Results is exhausted.
	DefaultResult *task.ValidationResult

	// Error causes Validate to return this error.
	Error error

	// CallCount tracks the number of Validate calls.
	CallCount int

	mu sync.Mutex
}

// NewMockValidator creates a MockValidator that passes everything.
func NewMockValidator() *MockValidator {
	return &MockValidator{
		DefaultResult: &task.ValidationResult{Pass: true},
	}
}

// Validate implements services.Validator.
func (m *MockValidator) Validate(ctx context.Context, artifact *task.Artifact) (*task.ValidationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCount++

	if m.Error != nil {
		return nil, m.Error
	}
	if len(m.Results) > 0 {
		result := m.Results[0]
		m.Results = m.Results[1:]
		return result.Clone(), nil
	}
	return m.DefaultResult.Clone(), nil
}

// WithResults queues results to return in call order.
func (m *MockValidator) WithResults(results ...*task.ValidationResult) *MockValidator {
	m.Results = append(m.Results, results...)
	return m
}

// FailThenPass queues n failing results; subsequent calls pass.
func (m *MockValidator) FailThenPass(n int) *MockValidator {
	for i := 0; i < n; i++ {
		m.Results = append(m.Results, &task.ValidationResult{
			Pass: false,
			Failures: []task.ValidationFailure{{
				Name:    fmt.Sprintf("test_case_%d", i+1),
				Message: "assertion failed",
			}},
		})
	}
	return m
}

// GetCallCount returns the number of calls (thread-safe).
func (m *MockValidator) GetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCount
}

// =============================================================================
// MOCK ANALYZER
// =============================================================================

// MockAnalyzer implements services.Analyzer for testing.
type MockAnalyzer struct {
	// Hypothesis is returned from every call.
	Hypothesis string

	// Error causes Analyze to return this error.
	Error error

	// CallCount tracks the number of Analyze calls.
	CallCount int

	// HistoryLens records the iteration-history length of each call.
	HistoryLens []int

	mu sync.Mutex
}

// NewMockAnalyzer creates a MockAnalyzer with a canned hypothesis.
func NewMockAnalyzer() *MockAnalyzer {
	return &MockAnalyzer{Hypothesis: "off-by-one in loop bound"}
}

// Analyze implements services.Analyzer.
func (m *MockAnalyzer) Analyze(ctx context.Context, failures []task.ValidationFailure, history []*task.IterationRecord) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCount++
	m.HistoryLens = append(m.HistoryLens, len(history))

	if m.Error != nil {
		return "", m.Error
	}
	return m.Hypothesis, nil
}

// GetCallCount returns the number of calls (thread-safe).
func (m *MockAnalyzer) GetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCount
}

// =============================================================================
// MOCK MEMORY
// =============================================================================

// MockMemory implements services.Memory for testing.
type MockMemory struct {
	// Similar is returned from every FindSimilar call.
	Similar []services.MemoryRecord

	// FindError causes FindSimilar to return this error.
	FindError error

	// RecordError causes Record to return this error.
	RecordError error

	// Recorded collects everything passed to Record.
	Recorded []services.MemoryRecord

	mu sync.Mutex
}

// NewMockMemory creates an empty MockMemory.
func NewMockMemory() *MockMemory {
	return &MockMemory{}
}

// FindSimilar implements services.Memory.
func (m *MockMemory) FindSimilar(ctx context.Context, queryText, kind string) ([]services.MemoryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FindError != nil {
		return nil, m.FindError
	}
	return m.Similar, nil
}

// Record implements services.Memory.
func (m *MockMemory) Record(ctx context.Context, kind, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RecordError != nil {
		return m.RecordError
	}
	m.Recorded = append(m.Recorded, services.MemoryRecord{Kind: kind, Content: content})
	return nil
}

// =============================================================================
// MOCK APPROVAL NOTIFIER
// =============================================================================

// MockNotifier implements safety.Notifier for testing the approval gate.
type MockNotifier struct {
	// Decision is returned from every Notify call.
	Decision *task.ApprovalDecision

	// Error causes Notify to return this error.
	Error error

	// Delay simulates operator latency. Notify honors context
	// cancellation during the delay, so a Delay beyond the gate timeout
	// exercises the timeout-deny path.
	Delay time.Duration

	// CallCount tracks the number of Notify calls.
	CallCount int

	// Capabilities records the capability sets of each request.
	Capabilities [][]string

	mu sync.Mutex
}

// NewMockNotifier creates a MockNotifier that approves everything.
func NewMockNotifier() *MockNotifier {
	return &MockNotifier{
		Decision: &task.ApprovalDecision{
			Approved:  true,
			DecidedBy: "test-operator",
			Rationale: "approved for testing",
		},
	}
}

var _ safety.Notifier = (*MockNotifier)(nil)

// Notify records the request and returns the configured decision.
func (m *MockNotifier) Notify(ctx context.Context, req *safety.ApprovalRequest) (*task.ApprovalDecision, error) {
	m.mu.Lock()
	m.CallCount++
	m.Capabilities = append(m.Capabilities, append([]string(nil), req.Capabilities...))
	delay := m.Delay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if m.Error != nil {
		return nil, m.Error
	}
	d := *m.Decision
	d.RequestID = req.ID
	d.DecidedAt = time.Now().UTC()
	return &d, nil
}

// GetCallCount returns the number of calls (thread-safe).
func (m *MockNotifier) GetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCount
}

// =============================================================================
// MOCK SANDBOX EXECUTOR
// =============================================================================

// MockExecutor implements sandbox.Executor for testing without spawning
// processes.
type MockExecutor struct {
	// Result is returned from every Run call.
	Result *sandbox.Result

	// Error causes Run to return this error.
	Error error

	// Delay simulates execution time; Run honors context cancellation
	// during the delay.
	Delay time.Duration

	// CallCount tracks the number of Run calls.
	CallCount int

	// Commands records the command of each call.
	Commands [][]string

	// Limits records the limits of each call.
	Limits []sandbox.Limits

	mu sync.Mutex
}

var _ sandbox.Executor = (*MockExecutor)(nil)

// NewMockExecutor creates a MockExecutor whose runs exit zero.
func NewMockExecutor() *MockExecutor {
	return &MockExecutor{
		Result: &sandbox.Result{
			ExitCode: 0,
			Stdout:   "2 passed\n",
			Usage:    task.ResourceUsage{WallTimeMS: 40, CPUTimeMS: 25, MaxRSSKB: 10240},
		},
	}
}

// Run implements sandbox.Executor.
func (m *MockExecutor) Run(ctx context.Context, command []string, workspaceRoot string, limits sandbox.Limits) (*sandbox.Result, error) {
	m.mu.Lock()
	m.CallCount++
	m.Commands = append(m.Commands, append([]string(nil), command...))
	m.Limits = append(m.Limits, limits)
	delay := m.Delay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if m.Error != nil {
		return nil, m.Error
	}
	r := *m.Result
	return &r, nil
}

// WithExit configures the result's exit code and stderr.
func (m *MockExecutor) WithExit(code int, stderr string) *MockExecutor {
	m.Result.ExitCode = code
	m.Result.Stderr = stderr
	return m
}

// GetCallCount returns the number of calls (thread-safe).
func (m *MockExecutor) GetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCount
}

// =============================================================================
// MOCK LOGGER
// =============================================================================

// LogEntry records one log call for assertion.
type LogEntry struct {
	Level   string
	Message string
	Fields  []any
}

// MockLogger captures log output for assertion. It satisfies the
// structural Logger interface declared across the coreengine packages.
type MockLogger struct {
	Entries []LogEntry

	mu sync.Mutex
}

// NewMockLogger creates an empty MockLogger.
func NewMockLogger() *MockLogger {
	return &MockLogger{}
}

func (l *MockLogger) log(level, msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Entries = append(l.Entries, LogEntry{Level: level, Message: msg, Fields: keysAndValues})
}

func (l *MockLogger) Debug(msg string, keysAndValues ...any) { l.log("debug", msg, keysAndValues...) }
func (l *MockLogger) Info(msg string, keysAndValues ...any)  { l.log("info", msg, keysAndValues...) }
func (l *MockLogger) Warn(msg string, keysAndValues ...any)  { l.log("warn", msg, keysAndValues...) }
func (l *MockLogger) Error(msg string, keysAndValues ...any) { l.log("error", msg, keysAndValues...) }

// Has reports whether a message was logged at any level.
func (l *MockLogger) Has(message string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.Entries {
		if e.Message == message {
			return true
		}
	}
	return false
}

// CountLevel returns the number of entries at the given level.
func (l *MockLogger) CountLevel(level string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.Entries {
		if e.Level == level {
			n++
		}
	}
	return n
}
