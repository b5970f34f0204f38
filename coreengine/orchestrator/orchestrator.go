// Package orchestrator implements the iteration control state machine
// driving the generate -> validate -> analyze loop.
//
// The orchestrator:
//   - Owns the loop and all Task / IterationRecord writes
//   - Gates every validation attempt on the safety pipeline's verdict
//   - Consults the circuit breaker before granting another iteration
//   - Persists progress to the checkpoint store at a fixed cadence and on
//     every pause request
//
// One task's loop is single-threaded: no two phases of the same task ever
// execute concurrently. Independent tasks may run in parallel; they share
// only the checkpoint store and the memory service.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/autoforge-systems/forgeloop/commbus"
	"github.com/autoforge-systems/forgeloop/coreengine/breaker"
	"github.com/autoforge-systems/forgeloop/coreengine/checkpoint"
	"github.com/autoforge-systems/forgeloop/coreengine/config"
	"github.com/autoforge-systems/forgeloop/coreengine/observability"
	"github.com/autoforge-systems/forgeloop/coreengine/safety"
	"github.com/autoforge-systems/forgeloop/coreengine/sandbox"
	"github.com/autoforge-systems/forgeloop/coreengine/services"
	"github.com/autoforge-systems/forgeloop/coreengine/task"
	"github.com/autoforge-systems/forgeloop/coreengine/workspace"
)

// Logger is the interface for logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// nopLogger discards all log output.
type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Sentinel errors surfaced by the public contract.
var (
	// ErrUnknownTask indicates no task exists for the identifier.
	ErrUnknownTask = errors.New("orchestrator: unknown task")
	// ErrAlreadyRunning indicates a run loop is already active for the task.
	ErrAlreadyRunning = errors.New("orchestrator: task already running")
	// ErrNotRunning indicates a pause was requested for a task with no
	// active run loop.
	ErrNotRunning = errors.New("orchestrator: task not running")
)

// =============================================================================
// Orchestrator
// =============================================================================

// Deps carries the orchestrator's collaborators. Config, Store, Pipeline,
// Generator, Validator, and Analyzer are required; Memory, Bus, and Logger
// are optional.
type Deps struct {
	Config    *config.Config
	Store     checkpoint.Store
	Pipeline  *safety.Pipeline
	Generator services.Generator
	Validator services.Validator
	Analyzer  services.Analyzer
	Memory    services.Memory
	Bus       commbus.CommBus
	Logger    Logger
}

// Orchestrator sequences the loop for submitted tasks.
type Orchestrator struct {
	cfg       *config.Config
	store     checkpoint.Store
	pipeline  *safety.Pipeline
	generator services.Generator
	validator services.Validator
	analyzer  services.Analyzer
	memory    services.Memory
	bus       commbus.CommBus
	retry     *services.RetryPolicy
	logger    Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New creates an Orchestrator.
func New(deps Deps) (*Orchestrator, error) {
	if deps.Config == nil {
		return nil, fmt.Errorf("orchestrator: config is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("orchestrator: checkpoint store is required")
	}
	if deps.Pipeline == nil {
		return nil, fmt.Errorf("orchestrator: safety pipeline is required")
	}
	if deps.Generator == nil || deps.Validator == nil || deps.Analyzer == nil {
		return nil, fmt.Errorf("orchestrator: generator, validator and analyzer are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	return &Orchestrator{
		cfg:       deps.Config,
		store:     deps.Store,
		pipeline:  deps.Pipeline,
		generator: deps.Generator,
		validator: deps.Validator,
		analyzer:  deps.Analyzer,
		memory:    deps.Memory,
		bus:       deps.Bus,
		retry: services.NewRetryPolicy(
			deps.Config.Core.CollaboratorRetries,
			time.Duration(deps.Config.Core.RetryInitialBackoffMS)*time.Millisecond,
			logger,
		),
		logger:  logger,
		cancels: make(map[string]context.CancelFunc),
	}, nil
}

// =============================================================================
// Public Contract
// =============================================================================

// Submit accepts a goal, creates a pending task with its workspace, and
// returns the task identifier. A budget of zero selects the configured
// default.
func (o *Orchestrator) Submit(ctx context.Context, goal string, budget int) (string, error) {
	if budget == 0 {
		budget = o.cfg.Core.DefaultBudget
	}
	t, err := task.New(goal, budget)
	if err != nil {
		return "", err
	}
	workspace := o.workspacePath(t.ID)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return "", fmt.Errorf("orchestrator: create workspace: %w", err)
	}
	if err := o.store.PutTask(ctx, t); err != nil {
		return "", err
	}

	o.logger.Info("task_submitted", "task_id", t.ID, "budget", t.Budget)
	o.publish(ctx, &commbus.TaskSubmitted{TaskID: t.ID, Goal: t.Goal, Budget: t.Budget})
	return t.ID, nil
}

// Run drives the task to a terminal state or a pause, blocking the caller.
// It is idempotent with respect to resumption: calling it on an already
// terminal task returns the stored terminal status without side effects.
func (o *Orchestrator) Run(ctx context.Context, taskID string) (task.Status, error) {
	t, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return "", ErrUnknownTask
		}
		return "", err
	}
	if t.Status.IsTerminal() {
		o.logger.Info("run_on_terminal_task", "task_id", taskID, "status", t.Status)
		return t.Status, nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := o.register(taskID, cancel); err != nil {
		return "", err
	}
	defer o.unregister(taskID)

	wasPaused := t.Status == task.StatusPaused
	state, tc, err := o.restore(ctx, t)
	if err != nil {
		return "", err
	}
	if err := t.SetStatus(task.StatusRunning); err != nil {
		return "", err
	}
	if err := o.store.PutTask(ctx, t); err != nil {
		return "", err
	}
	if wasPaused {
		o.publish(ctx, &commbus.TaskResumed{TaskID: t.ID, State: state, Iteration: t.Iteration})
	}

	o.logger.Info("run_started",
		"task_id", t.ID,
		"state", state,
		"iteration", t.Iteration,
		"budget", t.Budget,
		"resumed", wasPaused,
	)

	runStart := time.Now()
	iterStart := time.Now()
	for {
		if runCtx.Err() != nil {
			return o.pauseTask(t, tc, state)
		}
		if state.IsTerminal() {
			return o.finalize(ctx, t, tc, state, runStart)
		}

		var next task.State
		switch state {
		case task.StateInit:
			next, err = o.runInit(runCtx, t, tc)
		case task.StatePlanning:
			next, err = o.runPlanning(runCtx, t, tc)
		case task.StateGenerating:
			iterStart = time.Now()
			next, err = o.runGeneration(runCtx, t, tc, iterStart)
		case task.StateValidating:
			next, err = o.runValidation(runCtx, t, tc, iterStart)
		case task.StateAnalyzing:
			next, err = o.runAnalysis(runCtx, t, tc)
		default:
			return "", fmt.Errorf("orchestrator: unexpected state %s", state)
		}
		if err != nil {
			if runCtx.Err() != nil {
				// The in-flight phase is discarded; the checkpoint reflects
				// the last completed one.
				return o.pauseTask(t, tc, state)
			}
			// Infrastructure error: fatal to this run call, task left in
			// its last durably-checkpointed state.
			o.logger.Error("run_infrastructure_error",
				"task_id", t.ID,
				"state", state,
				"error", err.Error(),
			)
			return "", err
		}

		o.publish(runCtx, &commbus.StateTransition{
			TaskID:    t.ID,
			FromState: state,
			ToState:   next,
			Iteration: t.Iteration,
		})
		state = next
	}
}

// Pause requests suspension of an active run loop. The run call unwinds,
// writes the pause checkpoint, and returns StatusPaused.
func (o *Orchestrator) Pause(taskID string) error {
	o.mu.Lock()
	cancel, ok := o.cancels[taskID]
	o.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	o.logger.Info("pause_requested", "task_id", taskID)
	cancel()
	return nil
}

// Resume continues a paused (or crashed) task from its checkpoint.
func (o *Orchestrator) Resume(ctx context.Context, taskID string) (task.Status, error) {
	return o.Run(ctx, taskID)
}

// =============================================================================
// Phases
// =============================================================================

func (o *Orchestrator) runInit(ctx context.Context, t *task.Task, tc *task.Context) (task.State, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(tc.WorkspaceRoot, 0o755); err != nil {
		return "", fmt.Errorf("orchestrator: prepare workspace: %w", err)
	}
	o.logger.Info("workspace_ready", "task_id", t.ID, "workspace", tc.WorkspaceRoot)
	return task.StatePlanning, nil
}

// runPlanning runs exactly once per task. It consults the memory service
// for similar past work; memory failures degrade to planning from the goal
// alone.
func (o *Orchestrator) runPlanning(ctx context.Context, t *task.Task, tc *task.Context) (task.State, error) {
	ctx, span := observability.StartSpan(ctx, "planning")
	defer span.End()
	span.SetAttributes(attribute.String("task_id", t.ID))

	var priors []services.MemoryRecord
	if o.memory != nil {
		records, err := o.memory.FindSimilar(ctx, tc.Goal, "pattern")
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			o.logger.Warn("memory_lookup_failed", "task_id", t.ID, "error", err.Error())
		} else {
			priors = records
		}
	}
	tc.Plan = buildPlan(tc.Goal, priors)

	o.logger.Info("plan_produced", "task_id", t.ID, "prior_count", len(priors))
	return task.StateGenerating, nil
}

// runGeneration consumes one iteration. Exhausting the generator's retries
// is folded into the loop as a synthetic infrastructure failure rather
// than aborting the run.
func (o *Orchestrator) runGeneration(ctx context.Context, t *task.Task, tc *task.Context, iterStart time.Time) (task.State, error) {
	ctx, span := observability.StartSpan(ctx, "generation")
	defer span.End()

	t.Iteration++
	tc.Iteration = t.Iteration
	span.SetAttributes(
		attribute.String("task_id", t.ID),
		attribute.Int("iteration", t.Iteration),
	)

	o.logger.Info("iteration_started",
		"task_id", t.ID,
		"iteration", t.Iteration,
		"budget", t.Budget,
	)
	// Warn once, at the crossing.
	if breaker.AtWarning(t.Iteration, o.cfg.Core.WarningThreshold) && t.Iteration == o.cfg.Core.WarningThreshold {
		o.logger.Warn("budget_warning_threshold_reached",
			"task_id", t.ID,
			"iteration", t.Iteration,
			"budget", t.Budget,
		)
		o.publish(ctx, &commbus.BudgetWarning{TaskID: t.ID, Iteration: t.Iteration, Budget: t.Budget})
	}

	artifact, err := services.Retry(ctx, o.retry, "generate", func() (*task.Artifact, error) {
		return o.generator.Generate(ctx, tc)
	})
	if err != nil {
		if ctx.Err() != nil {
			// Pause mid-generation: the iteration was not completed.
			t.Iteration--
			tc.Iteration = t.Iteration
			return "", ctx.Err()
		}
		return o.syntheticFailure(ctx, t, tc, iterStart,
			fmt.Sprintf("generation service unavailable after retries: %v", err))
	}

	tc.Artifact = artifact
	tc.Validation = nil
	tc.Safety = nil
	return task.StateValidating, nil
}

// runValidation writes the artifact into the workspace and invokes the
// safety pipeline, which executes the validation command only if its
// verdict permits. A denial is treated as a validation failure and routed
// to the analyzing phase; it is never silently retried with the same
// artifact.
func (o *Orchestrator) runValidation(ctx context.Context, t *task.Task, tc *task.Context, iterStart time.Time) (task.State, error) {
	ctx, span := observability.StartSpan(ctx, "validation")
	defer span.End()
	span.SetAttributes(
		attribute.String("task_id", t.ID),
		attribute.Int("iteration", t.Iteration),
	)

	if err := writeArtifact(tc.WorkspaceRoot, tc.Artifact); err != nil {
		return "", err
	}
	command, err := validationCommand(tc.Artifact)
	if err != nil {
		return "", err
	}

	limits := sandbox.Limits{
		CPUCount:       o.cfg.Sandbox.CPUCount,
		MemoryMB:       o.cfg.Sandbox.MemoryMB,
		Timeout:        o.cfg.Sandbox.Timeout(),
		NetworkEnabled: o.cfg.Sandbox.NetworkEnabled || tc.NetworkApproved,
	}
	verdict, exec, err := o.pipeline.EvaluateAndRun(ctx, t.ID, tc.Artifact, tc.WorkspaceRoot, command, limits)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if errors.Is(err, sandbox.ErrIsolationUnavailable) {
			observability.RecordSandboxRun("infra_error", 0)
		}
		return "", err
	}

	tc.Safety = verdict
	if safety.NetworkGranted(verdict) {
		// The grant holds for the task's remaining lifetime.
		tc.NetworkApproved = true
	}
	observability.RecordSafetyVerdict(string(verdict.Outcome), findingCounts(verdict.Findings))
	if verdict.Approval != nil {
		observability.RecordApprovalDecision(verdict.Approval.Approved, verdict.Approval.TimedOut)
		o.publish(ctx, &commbus.ApprovalDecided{
			TaskID:    t.ID,
			RequestID: verdict.Approval.RequestID,
			Approved:  verdict.Approval.Approved,
			DecidedBy: verdict.Approval.DecidedBy,
			TimedOut:  verdict.Approval.TimedOut,
		})
	}

	if !verdict.Allowed() {
		tc.Validation = safetyDenialResult(verdict)
		o.logger.Warn("validation_blocked_by_safety",
			"task_id", t.ID,
			"iteration", t.Iteration,
			"outcome", verdict.Outcome,
			"finding_count", len(verdict.Findings),
		)
		o.publish(ctx, &commbus.SafetyDenied{
			TaskID:       t.ID,
			Iteration:    t.Iteration,
			Findings:     verdict.Findings,
			FindingCount: len(verdict.Findings),
		})
		if err := o.appendRecord(ctx, t, tc, task.PhaseValidation, iterStart, nil); err != nil {
			return "", err
		}
		return task.StateAnalyzing, nil
	}

	validation, usage, err := o.buildValidation(ctx, tc, exec)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return o.syntheticFailure(ctx, t, tc, iterStart,
			fmt.Sprintf("validation service unavailable after retries: %v", err))
	}
	tc.Validation = validation

	o.logger.Info("validation_completed",
		"task_id", t.ID,
		"iteration", t.Iteration,
		"pass", validation.Pass,
		"failure_count", len(validation.Failures),
	)

	if err := o.appendRecord(ctx, t, tc, task.PhaseValidation, iterStart, usage); err != nil {
		return "", err
	}
	if validation.Pass {
		return task.StateSucceeded, nil
	}
	return task.StateAnalyzing, nil
}

// runAnalysis produces a failure hypothesis and decides, via the circuit
// breaker, whether another iteration is permitted.
func (o *Orchestrator) runAnalysis(ctx context.Context, t *task.Task, tc *task.Context) (task.State, error) {
	ctx, span := observability.StartSpan(ctx, "analysis")
	defer span.End()
	span.SetAttributes(
		attribute.String("task_id", t.ID),
		attribute.Int("iteration", t.Iteration),
	)

	history, err := o.store.ListIterations(ctx, t.ID)
	if err != nil {
		return "", err
	}

	var failures []task.ValidationFailure
	if tc.Validation != nil {
		failures = tc.Validation.Failures
	}
	hypothesis, err := services.Retry(ctx, o.retry, "analyze", func() (string, error) {
		return o.analyzer.Analyze(ctx, failures, history)
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		hypothesis = fmt.Sprintf("infrastructure error: analysis service unavailable after retries: %v", err)
		o.logger.Warn("analysis_fallback_hypothesis", "task_id", t.ID, "iteration", t.Iteration)
	}
	tc.Hypothesis = hypothesis

	if o.memory != nil {
		if err := o.memory.Record(ctx, "failure", hypothesis); err != nil && ctx.Err() == nil {
			o.logger.Warn("memory_record_failed", "task_id", t.ID, "error", err.Error())
		}
	}

	o.logger.Info("hypothesis_produced", "task_id", t.ID, "iteration", t.Iteration)
	return o.nextAfterIteration(t), nil
}

// syntheticFailure consumes the current iteration with a synthetic
// infrastructure-error hypothesis, then applies the breaker decision.
// The record is attributed to the analysis phase: the outage short-circuits
// straight to the hypothesis, skipping whatever real work remained.
func (o *Orchestrator) syntheticFailure(ctx context.Context, t *task.Task, tc *task.Context, iterStart time.Time, detail string) (task.State, error) {
	tc.Validation = &task.ValidationResult{
		Pass: false,
		Failures: []task.ValidationFailure{{
			Name:    "infrastructure",
			Message: "collaborator call failed after bounded retries",
			Detail:  detail,
		}},
	}
	tc.Hypothesis = "infrastructure error: " + detail

	if err := o.appendRecord(ctx, t, tc, task.PhaseAnalysis, iterStart, nil); err != nil {
		return "", err
	}
	o.logger.Warn("iteration_failed_infrastructure",
		"task_id", t.ID,
		"iteration", t.Iteration,
		"detail", detail,
	)
	return o.nextAfterIteration(t), nil
}

// nextAfterIteration consults the circuit breaker for another iteration.
func (o *Orchestrator) nextAfterIteration(t *task.Task) task.State {
	if breaker.Permit(t.Iteration, t.Budget) {
		return task.StateGenerating
	}
	o.logger.Warn("iteration_budget_exhausted",
		"task_id", t.ID,
		"iteration", t.Iteration,
		"budget", t.Budget,
	)
	return task.StateFailed
}

// =============================================================================
// Persistence
// =============================================================================

// appendRecord durably logs the completed iteration, persists the updated
// task, and writes a snapshot at the configured cadence. Record first,
// task second: after a crash between the two, status is re-derived from
// the last record.
func (o *Orchestrator) appendRecord(ctx context.Context, t *task.Task, tc *task.Context, phase task.Phase, iterStart time.Time, usage *task.ResourceUsage) error {
	durationMS := time.Since(iterStart).Milliseconds()
	rec := &task.IterationRecord{
		TaskID:     t.ID,
		Iteration:  t.Iteration,
		Phase:      phase,
		Artifact:   tc.Artifact.Clone(),
		Validation: tc.Validation.Clone(),
		Safety:     tc.Safety.Clone(),
		DurationMS: durationMS,
		Usage:      usage,
		CreatedAt:  time.Now().UTC(),
	}
	if err := o.store.AppendIteration(ctx, rec); err != nil {
		return err
	}
	if err := o.store.PutTask(ctx, t); err != nil {
		return err
	}

	passed := tc.Validation != nil && tc.Validation.Pass
	observability.RecordIteration(string(phase), passed, durationMS)
	o.publish(ctx, &commbus.IterationCompleted{
		TaskID:     t.ID,
		Iteration:  t.Iteration,
		Phase:      phase,
		Passed:     passed,
		DurationMS: durationMS,
	})

	if o.cfg.Core.CheckpointEvery > 0 && t.Iteration%o.cfg.Core.CheckpointEvery == 0 {
		if err := o.saveSnapshot(ctx, t, tc, task.StateGenerating); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) saveSnapshot(ctx context.Context, t *task.Task, tc *task.Context, state task.State) error {
	snap := &checkpoint.Snapshot{
		TaskID:    t.ID,
		State:     state,
		Iteration: t.Iteration,
		Context:   tc.Clone(),
		SavedAt:   time.Now().UTC(),
	}
	if err := o.store.SaveSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("orchestrator: save checkpoint: %w", err)
	}
	o.publish(ctx, &commbus.CheckpointSaved{TaskID: t.ID, State: state, Iteration: t.Iteration})
	return nil
}

// pauseTask writes the pause checkpoint, then flips status to paused.
// The run context is already cancelled, so store writes use a fresh one.
func (o *Orchestrator) pauseTask(t *task.Task, tc *task.Context, state task.State) (task.Status, error) {
	ctx := context.Background()
	if err := o.saveSnapshot(ctx, t, tc, state); err != nil {
		return "", err
	}
	if err := t.SetStatus(task.StatusPaused); err != nil {
		return "", err
	}
	if err := o.store.PutTask(ctx, t); err != nil {
		return "", err
	}

	o.logger.Info("task_paused", "task_id", t.ID, "state", state, "iteration", t.Iteration)
	o.publish(ctx, &commbus.TaskPaused{TaskID: t.ID, State: state, Iteration: t.Iteration})
	return task.StatusPaused, nil
}

// finalize transitions the task to its terminal status and persists it.
func (o *Orchestrator) finalize(ctx context.Context, t *task.Task, tc *task.Context, state task.State, runStart time.Time) (task.Status, error) {
	status, ok := state.TerminalStatus()
	if !ok {
		return "", fmt.Errorf("orchestrator: state %s is not terminal", state)
	}
	if status == task.StatusSucceeded {
		t.FinalArtifact = tc.Artifact.Clone()
		t.TerminalReason = task.TerminalReasonValidationPassed
	} else {
		t.TerminalReason = task.TerminalReasonBudgetExhausted
	}
	if err := t.SetStatus(status); err != nil {
		return "", err
	}
	if err := o.store.PutTask(ctx, t); err != nil {
		return "", err
	}
	if err := o.saveSnapshot(ctx, t, tc, state); err != nil {
		return "", err
	}
	if status == task.StatusSucceeded && o.memory != nil && tc.Artifact != nil {
		if err := o.memory.Record(ctx, "pattern", tc.Artifact.Source); err != nil && ctx.Err() == nil {
			o.logger.Warn("memory_record_failed", "task_id", t.ID, "error", err.Error())
		}
	}

	durationMS := time.Since(runStart).Milliseconds()
	observability.RecordTaskFinished(string(status), t.Iteration, durationMS)
	o.logger.Info("task_finished",
		"task_id", t.ID,
		"status", status,
		"reason", t.TerminalReason,
		"iterations", t.Iteration,
		"duration_ms", durationMS,
	)
	o.publish(ctx, &commbus.TaskFinished{
		TaskID:     t.ID,
		Status:     status,
		Iterations: t.Iteration,
		Reason:     string(t.TerminalReason),
	})
	return status, nil
}

// restore rebuilds loop state for a run call: from the append-only record
// log first, then the latest snapshot. The log is authoritative when the
// two disagree, which happens when a crash lands between a record append
// and the task write.
func (o *Orchestrator) restore(ctx context.Context, t *task.Task) (task.State, *task.Context, error) {
	records, err := o.store.ListIterations(ctx, t.ID)
	if err != nil {
		return "", nil, err
	}
	var last *task.IterationRecord
	if len(records) > 0 {
		last = records[len(records)-1]
	}

	// A passing record on a non-terminal task means the outcome was
	// decided but the terminal writes were lost. Re-derive the outcome;
	// never replay the decided iteration.
	if last != nil && last.Validation != nil && last.Validation.Pass {
		t.Iteration = last.Iteration
		tc := &task.Context{
			TaskID:        t.ID,
			Goal:          t.Goal,
			Iteration:     t.Iteration,
			WorkspaceRoot: o.workspacePath(t.ID),
			Artifact:      last.Artifact.Clone(),
			Validation:    last.Validation.Clone(),
			Safety:        last.Safety.Clone(),
		}
		o.logger.Warn("terminal_outcome_rederived", "task_id", t.ID, "iteration", t.Iteration)
		return task.StateSucceeded, tc, nil
	}

	recordsAhead := len(records) > t.Iteration
	if recordsAhead {
		o.logger.Warn("iteration_count_rederived",
			"task_id", t.ID,
			"stored", t.Iteration,
			"derived", len(records),
		)
		t.Iteration = len(records)
	}

	snap, err := o.store.LoadSnapshot(ctx, t.ID)
	if err != nil && !errors.Is(err, checkpoint.ErrNotFound) {
		return "", nil, err
	}

	tc := &task.Context{
		TaskID:        t.ID,
		Goal:          t.Goal,
		WorkspaceRoot: o.workspacePath(t.ID),
	}
	state := task.StateInit
	if err == nil {
		if snap.Context != nil {
			tc = snap.Context
		}
		state = snap.State
		o.logger.Info("checkpoint_restored",
			"task_id", t.ID,
			"state", snap.State,
			"iteration", snap.Iteration,
		)
	}
	tc.Iteration = t.Iteration

	// The log is ahead of the snapshot: the recorded failure's analysis
	// may not have completed. Continue from there instead of replaying the
	// iteration, or planning, which runs once per task.
	if recordsAhead {
		tc.Artifact = last.Artifact.Clone()
		tc.Validation = last.Validation.Clone()
		tc.Safety = last.Safety.Clone()
		state = task.StateAnalyzing
	}
	return state, tc, nil
}

// =============================================================================
// Helpers
// =============================================================================

func (o *Orchestrator) workspacePath(taskID string) string {
	return workspace.PathFor(o.cfg.Core.WorkspaceRoot, taskID)
}

func (o *Orchestrator) register(taskID string, cancel context.CancelFunc) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.cancels[taskID]; exists {
		return ErrAlreadyRunning
	}
	o.cancels[taskID] = cancel
	return nil
}

func (o *Orchestrator) unregister(taskID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.cancels, taskID)
}

func (o *Orchestrator) publish(ctx context.Context, event commbus.Message) {
	if o.bus == nil {
		return
	}
	if err := o.bus.Publish(ctx, event); err != nil {
		o.logger.Debug("event_publish_failed",
			"event", commbus.GetMessageType(event),
			"error", err.Error(),
		)
	}
}

// buildValidation merges the sandbox outcome with the validation service's
// structured checks. A non-zero exit or timeout is already a failure; the
// service is only consulted when execution succeeded.
func (o *Orchestrator) buildValidation(ctx context.Context, tc *task.Context, exec *sandbox.Result) (*task.ValidationResult, *task.ResourceUsage, error) {
	if exec == nil {
		return nil, nil, fmt.Errorf("orchestrator: sandbox produced no result for allowed artifact")
	}
	usage := exec.Usage

	if exec.TimedOut {
		observability.RecordSandboxRun("timeout", usage.WallTimeMS)
		return &task.ValidationResult{
			Pass: false,
			Failures: []task.ValidationFailure{{
				Name:    "execution_timeout",
				Message: "validation command exceeded the wall-clock limit",
				Detail:  exec.Stderr,
			}},
			RawOutput: exec.Stdout,
		}, &usage, nil
	}
	if exec.ExitCode != 0 {
		observability.RecordSandboxRun("nonzero_exit", usage.WallTimeMS)
		return &task.ValidationResult{
			Pass: false,
			Failures: []task.ValidationFailure{{
				Name:    "execution_failure",
				Message: fmt.Sprintf("validation command exited with code %d", exec.ExitCode),
				Detail:  exec.Stderr,
			}},
			RawOutput: exec.Stdout,
		}, &usage, nil
	}
	observability.RecordSandboxRun("ok", usage.WallTimeMS)

	result, err := services.Retry(ctx, o.retry, "validate", func() (*task.ValidationResult, error) {
		return o.validator.Validate(ctx, tc.Artifact)
	})
	if err != nil {
		return nil, &usage, err
	}
	if result.RawOutput == "" {
		result.RawOutput = exec.Stdout
	}
	return result, &usage, nil
}

// safetyDenialResult folds a denial into the validation shape the analysis
// phase consumes.
func safetyDenialResult(verdict *task.SafetyVerdict) *task.ValidationResult {
	failures := make([]task.ValidationFailure, 0, len(verdict.Findings))
	for _, f := range verdict.Findings {
		failures = append(failures, task.ValidationFailure{
			Name:    "safety_" + f.Rule,
			Message: f.Message,
			Detail:  fmt.Sprintf("source=%s severity=%s line=%d", f.Source, f.Severity, f.Line),
		})
	}
	if len(failures) == 0 {
		failures = []task.ValidationFailure{{
			Name:    "safety_denied",
			Message: "safety pipeline denied execution",
		}}
	}
	return &task.ValidationResult{Pass: false, Failures: failures}
}

func findingCounts(findings []task.Finding) map[string]map[string]int {
	counts := make(map[string]map[string]int)
	for _, f := range findings {
		source := string(f.Source)
		if counts[source] == nil {
			counts[source] = make(map[string]int)
		}
		counts[source][string(f.Severity)]++
	}
	return counts
}

// buildPlan composes the working plan from the goal and similar past work.
func buildPlan(goal string, priors []services.MemoryRecord) string {
	var b strings.Builder
	b.WriteString("Goal: ")
	b.WriteString(goal)
	b.WriteString("\nApproach: generate an implementation with tests, validate in the sandbox, refine on failure.")
	if len(priors) > 0 {
		b.WriteString("\nRelevant past work:")
		for _, r := range priors {
			b.WriteString("\n- ")
			b.WriteString(r.Content)
		}
	}
	return b.String()
}

// writeArtifact materializes the artifact inside the task workspace.
func writeArtifact(workspace string, artifact *task.Artifact) error {
	if artifact == nil {
		return fmt.Errorf("orchestrator: no artifact to validate")
	}
	entry := artifact.EntryFile
	if entry == "" {
		entry = defaultEntryFile(artifact.Language)
	}
	if err := os.WriteFile(filepath.Join(workspace, entry), []byte(artifact.Source), 0o644); err != nil {
		return fmt.Errorf("orchestrator: write artifact: %w", err)
	}
	if artifact.Tests != "" {
		if err := os.WriteFile(filepath.Join(workspace, testFileName(artifact.Language)), []byte(artifact.Tests), 0o644); err != nil {
			return fmt.Errorf("orchestrator: write tests: %w", err)
		}
	}
	return nil
}

func defaultEntryFile(language string) string {
	if language == "go" {
		return "main.go"
	}
	return "main.py"
}

func testFileName(language string) string {
	if language == "go" {
		return "main_test.go"
	}
	return "test_main.py"
}

// validationCommand selects the command the sandbox runs for the artifact.
func validationCommand(artifact *task.Artifact) ([]string, error) {
	switch artifact.Language {
	case "python":
		if artifact.Tests != "" {
			return []string{"python3", "-m", "pytest", testFileName("python"), "-q"}, nil
		}
		entry := artifact.EntryFile
		if entry == "" {
			entry = defaultEntryFile("python")
		}
		return []string{"python3", entry}, nil
	case "go":
		if artifact.Tests != "" {
			return []string{"go", "test", "./..."}, nil
		}
		entry := artifact.EntryFile
		if entry == "" {
			entry = defaultEntryFile("go")
		}
		return []string{"go", "run", entry}, nil
	default:
		return nil, fmt.Errorf("orchestrator: no validation command for language %q", artifact.Language)
	}
}
