package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/autoforge-systems/forgeloop/commbus"
	"github.com/autoforge-systems/forgeloop/coreengine/services"
	"github.com/autoforge-systems/forgeloop/coreengine/task"
)

// =============================================================================
// Stub Collaborators
// =============================================================================
//
// The binary ships with stub collaborators so the loop, the safety
// pipeline, and the checkpoint store can be exercised end to end without
// external generation services. Embedding applications replace these
// through orchestrator.Deps.

// stubGenerator emits a fixed scaffold derived from the goal. Each retry
// folds the previous hypothesis into a comment so iterations are
// distinguishable in the record log.
type stubGenerator struct{}

func newStubGenerator() *stubGenerator { return &stubGenerator{} }

func (g *stubGenerator) Generate(ctx context.Context, tc *task.Context) (*task.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# goal: %s\n", strings.ReplaceAll(tc.Goal, "\n", " "))
	fmt.Fprintf(&b, "# iteration: %d\n", tc.Iteration)
	if tc.Hypothesis != "" {
		fmt.Fprintf(&b, "# previous failure: %s\n", strings.ReplaceAll(tc.Hypothesis, "\n", " "))
	}
	b.WriteString("\ndef solve():\n    return None\n\n\nif __name__ == \"__main__\":\n    solve()\n")

	return &task.Artifact{
		Language:  "python",
		Source:    b.String(),
		EntryFile: "main.py",
	}, nil
}

// stubValidator accepts whatever survived sandbox execution; the exit
// code already decided pass/fail for anything the stub can judge.
type stubValidator struct{}

func newStubValidator() *stubValidator { return &stubValidator{} }

func (v *stubValidator) Validate(ctx context.Context, artifact *task.Artifact) (*task.ValidationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &task.ValidationResult{Pass: true}, nil
}

// stubAnalyzer summarizes the failure list into a one-line hypothesis.
type stubAnalyzer struct{}

func newStubAnalyzer() *stubAnalyzer { return &stubAnalyzer{} }

func (a *stubAnalyzer) Analyze(ctx context.Context, failures []task.ValidationFailure, history []*task.IterationRecord) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(failures) == 0 {
		return "no structured failures; inspect raw output", nil
	}
	names := make([]string, 0, len(failures))
	for _, f := range failures {
		names = append(names, f.Name)
	}
	return fmt.Sprintf("%d check(s) failed after %d prior attempt(s): %s",
		len(failures), len(history), strings.Join(names, ", ")), nil
}

var (
	_ services.Generator = (*stubGenerator)(nil)
	_ services.Validator = (*stubValidator)(nil)
	_ services.Analyzer  = (*stubAnalyzer)(nil)
)

// =============================================================================
// Console Approval Handler
// =============================================================================

type consoleLogger interface {
	Warn(msg string, keysAndValues ...any)
}

// newConsoleApprovalHandler answers RequestApproval queries by prompting
// on the terminal. No answer before the caller's deadline means the gate
// records a timeout denial.
func newConsoleApprovalHandler(in io.Reader, out io.Writer, logger consoleLogger) commbus.HandlerFunc {
	reader := bufio.NewReader(in)
	return func(ctx context.Context, message commbus.Message) (any, error) {
		req, ok := message.(*commbus.RequestApproval)
		if !ok {
			return nil, fmt.Errorf("unexpected message type %T", message)
		}

		fmt.Fprintf(out, "\n--- approval required (task %s) ---\n", req.TaskID)
		if len(req.Capabilities) > 0 {
			fmt.Fprintf(out, "capabilities: %s\n", strings.Join(req.Capabilities, ", "))
		}
		for _, f := range req.Findings {
			fmt.Fprintf(out, "  [%s] %s: %s\n", f.Severity, f.Rule, f.Message)
		}
		fmt.Fprint(out, "approve execution? [y/N]: ")

		type answer struct {
			approved bool
			err      error
		}
		answerCh := make(chan answer, 1)
		go func() {
			line, err := reader.ReadString('\n')
			if err != nil {
				answerCh <- answer{err: err}
				return
			}
			normalized := strings.ToLower(strings.TrimSpace(line))
			answerCh <- answer{approved: normalized == "y" || normalized == "yes"}
		}()

		select {
		case <-ctx.Done():
			logger.Warn("approval_prompt_abandoned", "task_id", req.TaskID)
			return nil, ctx.Err()
		case a := <-answerCh:
			if a.err != nil {
				return nil, fmt.Errorf("read approval answer: %w", a.err)
			}
			rationale := "denied at console"
			if a.approved {
				rationale = "approved at console"
			}
			return &task.ApprovalDecision{
				RequestID: req.RequestID,
				Approved:  a.approved,
				DecidedBy: "console-operator",
				DecidedAt: time.Now().UTC(),
				Rationale: rationale,
			}, nil
		}
	}
}
