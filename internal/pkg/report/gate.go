package report

import (
	"fmt"

	"docktor/internal/pkg/scanner"
	"docktor/internal/pkg/severity"
)

// ShouldNotify reports whether any finding of any result meets threshold. When it does not, nothing is rendered
// or sent.
func ShouldNotify(results []*scanner.ScanResult, threshold severity.Level) bool {
	for _, r := range results {
		for _, f := range r.Vulnerabilities {
			if severity.MeetsThreshold(f.Severity, threshold) {
				return true
			}
		}
	}
	return false
}

// Subject returns the notification subject line for a run.
func Subject(results []*scanner.ScanResult, threshold severity.Level) string {
	return fmt.Sprintf("[Docker Scan] %d image(s) scanned (threshold %s)", len(results), threshold)
}
