// Package breaker provides the circuit breaker that bounds the retry loop.
//
// The breaker is pure threshold logic: it holds no state beyond its inputs,
// so the orchestrator owns the iteration counter and passes it in explicitly.
package breaker

// Permit reports whether another iteration is allowed.
// Iterations are 1-indexed; the next iteration is permitted while
// iteration < budget.
func Permit(iteration, budget int) bool {
	if budget < 1 {
		return false
	}
	return iteration < budget
}

// AtWarning reports whether the warning threshold has been reached.
// Emitting the warning is the orchestrator's responsibility, not the
// breaker's; a threshold of 0 disables warnings.
func AtWarning(iteration, warningThreshold int) bool {
	if warningThreshold <= 0 {
		return false
	}
	return iteration >= warningThreshold
}
