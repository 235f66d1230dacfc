package verify

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kingrea/relay/internal/store"
)

var severityOrder = []store.Severity{
	store.SeverityCritical,
	store.SeverityHigh,
	store.SeverityMedium,
	store.SeverityLow,
}

// Summary renders a severity-grouped human-readable view of a report:
// per-severity counts first, then each violation in detail. Callers that
// need the machine-readable form should persist the report itself.
func Summary(report store.VerificationReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "verification %s for request %s: %s\n", report.ID, report.RequestID, strings.ToUpper(string(report.Decision)))
	if report.Override != nil {
		fmt.Fprintf(&b, "overridden by %s at %s", report.Override.Operator, report.Override.At.Format("2006-01-02 15:04:05"))
		if report.Override.Note != "" {
			fmt.Fprintf(&b, " (%s)", report.Override.Note)
		}
		b.WriteString("\n")
	}

	grouped := map[store.Severity][]store.Violation{}
	for _, violation := range report.Violations {
		grouped[violation.Severity] = append(grouped[violation.Severity], violation)
	}
	counts := make([]string, 0, len(severityOrder))
	for _, severity := range severityOrder {
		counts = append(counts, fmt.Sprintf("%s %d", strings.ToLower(string(severity)), len(grouped[severity])))
	}
	fmt.Fprintf(&b, "violations: %s\n", strings.Join(counts, ", "))

	for _, severity := range severityOrder {
		violations := grouped[severity]
		if len(violations) == 0 {
			continue
		}
		sort.Slice(violations, func(i, j int) bool { return violations[i].Component < violations[j].Component })
		fmt.Fprintf(&b, "\n%s:\n", severity)
		for _, violation := range violations {
			fmt.Fprintf(&b, "  [%s] %s: %s", violation.Kind, violation.Component, violation.Message)
			if violation.Expected != nil && violation.Actual != nil {
				fmt.Fprintf(&b, " (expected %.2f, actual %.2f)", *violation.Expected, *violation.Actual)
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

// SaveReport writes the machine-readable report document into the archive
// directory, one JSON file per report.
func SaveReport(dir string, report store.VerificationReport) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("verify: ensure report dir: %w", err)
	}
	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, report.ID+".json")
	if err := os.WriteFile(path, append(encoded, '\n'), 0o644); err != nil {
		return "", err
	}
	return path, nil
}
