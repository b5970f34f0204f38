package safety

import (
	"context"
	"slices"
	"time"

	"github.com/autoforge-systems/forgeloop/coreengine/sandbox"
	"github.com/autoforge-systems/forgeloop/coreengine/task"
)

// =============================================================================
// Safety Pipeline
// =============================================================================

// Pipeline composes the static scanner, vulnerability scanner, approval
// gate and sandbox executor into one verdict-producing operation. Stages
// run in strict order and short-circuit on the first denial; the executor
// is never invoked for a denied artifact.
type Pipeline struct {
	static   *StaticScanner
	vuln     *VulnScanner
	gate     *ApprovalGate
	executor sandbox.Executor
	logger   Logger
}

// NewPipeline creates a Pipeline.
func NewPipeline(static *StaticScanner, vuln *VulnScanner, gate *ApprovalGate, executor sandbox.Executor, logger Logger) *Pipeline {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Pipeline{
		static:   static,
		vuln:     vuln,
		gate:     gate,
		executor: executor,
		logger:   logger,
	}
}

// Evaluate runs stages 1-3 over the artifact and constructs the verdict.
//
// Stage policy:
//   - any high-severity finding from either scanner denies immediately
//   - medium findings or flagged capabilities route through the approval
//     gate; its decision is attached to an allow-with-approval verdict
//   - low findings are logged and passed through
//
// The returned error is reserved for infrastructure faults (cancellation,
// durable-record failure); a denied artifact is a verdict, not an error.
func (p *Pipeline) Evaluate(ctx context.Context, taskID string, artifact *task.Artifact, workspaceRoot string) (*task.SafetyVerdict, error) {
	staticResult, err := p.static.Scan(ctx, artifact, workspaceRoot)
	if err != nil {
		return nil, err
	}
	if staticResult.Denied() {
		return p.deny(taskID, staticResult.Findings), nil
	}

	findings := staticResult.Findings
	vulnFindings := p.vuln.Scan(artifact)
	findings = append(findings, vulnFindings...)

	needsApproval := len(staticResult.Capabilities) > 0
	for _, f := range vulnFindings {
		switch f.Severity {
		case task.SeverityHigh:
			return p.deny(taskID, findings), nil
		case task.SeverityMedium:
			needsApproval = true
		case task.SeverityLow:
			p.logger.Info("low_severity_finding",
				"task_id", taskID,
				"rule", f.Rule,
				"line", f.Line,
			)
		}
	}

	if !needsApproval {
		p.logger.Info("safety_verdict", "task_id", taskID, "outcome", task.SafetyAllow)
		return &task.SafetyVerdict{
			Outcome:     task.SafetyAllow,
			Findings:    findings,
			EvaluatedAt: time.Now().UTC(),
		}, nil
	}

	decision, err := p.gate.Decide(ctx, taskID, staticResult.Capabilities, findings)
	if err != nil {
		return nil, err
	}
	verdict := &task.SafetyVerdict{
		Outcome:      task.SafetyAllowWithApproval,
		Findings:     findings,
		Capabilities: staticResult.Capabilities,
		Approval:     decision,
		EvaluatedAt:  time.Now().UTC(),
	}
	p.logger.Info("safety_verdict",
		"task_id", taskID,
		"outcome", verdict.Outcome,
		"allowed", verdict.Allowed(),
	)
	return verdict, nil
}

// EvaluateAndRun evaluates the artifact and, if the verdict permits,
// executes the validation command in the sandbox. A disallowed verdict
// returns a nil execution result; a non-zero exit or timeout is a
// validation outcome independent of the verdict, which remains allowing.
//
// Network access is enabled for the run when the caller already holds a
// grant (limits.NetworkEnabled) or when this verdict's approval explicitly
// covered the network capability.
func (p *Pipeline) EvaluateAndRun(ctx context.Context, taskID string, artifact *task.Artifact, workspaceRoot string, command []string, limits sandbox.Limits) (*task.SafetyVerdict, *sandbox.Result, error) {
	verdict, err := p.Evaluate(ctx, taskID, artifact, workspaceRoot)
	if err != nil {
		return nil, nil, err
	}
	if !verdict.Allowed() {
		return verdict, nil, nil
	}

	if NetworkGranted(verdict) {
		limits.NetworkEnabled = true
	}
	result, err := p.executor.Run(ctx, command, workspaceRoot, limits)
	if err != nil {
		return verdict, nil, err
	}
	return verdict, result, nil
}

// NetworkGranted reports whether the verdict carries an approval covering
// the network capability.
func NetworkGranted(verdict *task.SafetyVerdict) bool {
	return verdict != nil &&
		verdict.Approval != nil &&
		verdict.Approval.Approved &&
		slices.Contains(verdict.Capabilities, CapabilityNetwork)
}

func (p *Pipeline) deny(taskID string, findings []task.Finding) *task.SafetyVerdict {
	p.logger.Warn("safety_verdict",
		"task_id", taskID,
		"outcome", task.SafetyDeny,
		"finding_count", len(findings),
	)
	return &task.SafetyVerdict{
		Outcome:     task.SafetyDeny,
		Findings:    findings,
		EvaluatedAt: time.Now().UTC(),
	}
}
