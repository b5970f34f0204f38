// Package safety implements the execution-safety pipeline that gates every
// validation attempt on machine-generated code.
//
// The pipeline composes four stages in strict order, short-circuiting on the
// first denial:
//
//  1. Static scanner: syntax-tree walk flagging denylisted capabilities and
//     workspace-escaping file access. A parse failure is itself a denial.
//  2. Vulnerability scanner: security-pattern scan with graded findings.
//     High severity denies, medium routes to the approval gate, low is
//     logged and passed through.
//  3. Approval gate: blocks for an external decision on flagged
//     capabilities, with a timeout that defaults to denial. Decisions are
//     durably recorded before the verdict is returned.
//  4. Sandbox execution: only reached once stages 1-3 permit it.
//
// The pipeline exclusively owns SafetyVerdict construction. Scanners are
// syntactic, not flow-sensitive: a denylisted capability in dead code still
// denies. False positives are acceptable; false negatives are not.
package safety

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

// Capabilities requiring human sign-off before execution.
const (
	CapabilityNetwork    = "network"
	CapabilityProcess    = "process"
	CapabilityDependency = "dependency"
)
