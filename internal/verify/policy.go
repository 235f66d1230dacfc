package verify

import (
	"github.com/kingrea/relay/internal/store"
)

// Decide maps a violation list to the aggregate decision. It is a pure,
// order-independent function: the same violations, hints, and flakiness flag
// always yield the same verdict.
//
// Approve: no CRITICAL or HIGH violations.
// Deny: every CRITICAL/HIGH violation belongs to a category with an
// automated remediation hint, so the worker can fix and retry unattended.
// Escalate: some CRITICAL/HIGH violation has no remediation path (execution
// errors and resource conflicts carry no category), or the run was flaky.
func Decide(violations []store.Violation, hints map[string]string, flaky bool) store.Decision {
	if flaky {
		return store.DecisionEscalate
	}
	blocking := false
	for _, v := range violations {
		if v.Severity != store.SeverityCritical && v.Severity != store.SeverityHigh {
			continue
		}
		blocking = true
		if v.Category == "" {
			return store.DecisionEscalate
		}
		if _, ok := hints[v.Category]; !ok {
			return store.DecisionEscalate
		}
	}
	if !blocking {
		return store.DecisionApprove
	}
	return store.DecisionDeny
}

// FlipFlopped reports whether any check changed pass/fail status between two
// consecutive runs of the same request. Flapping checks signal flakiness
// that needs human judgment, so the decision policy escalates on it.
func FlipFlopped(previous, current []store.CheckResult) bool {
	if len(previous) == 0 || len(current) == 0 {
		return false
	}
	prior := make(map[string]bool, len(previous))
	for _, result := range previous {
		prior[result.Name] = result.Passed
	}
	for _, result := range current {
		before, seen := prior[result.Name]
		if seen && before != result.Passed {
			return true
		}
	}
	return false
}
