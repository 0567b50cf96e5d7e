package report

import (
	"sort"

	"docktor/internal/pkg/scanner"
	"docktor/internal/pkg/severity"
)

// Flatten concatenates the findings of all results, keeping each result's own order.
func Flatten(results []*scanner.ScanResult) []*scanner.Finding {
	var findings []*scanner.Finding
	for _, r := range results {
		findings = append(findings, r.Vulnerabilities...)
	}
	return findings
}

// FilterByThreshold keeps the findings whose severity meets threshold.
func FilterByThreshold(findings []*scanner.Finding, threshold severity.Level) []*scanner.Finding {
	var kept []*scanner.Finding
	for _, f := range findings {
		if severity.MeetsThreshold(f.Severity, threshold) {
			kept = append(kept, f)
		}
	}
	return kept
}

// GroupByImageAndSeverity buckets the findings meeting threshold by image, then by severity from highest to lowest.
// Every image in results is listed, even with no qualifying findings. Findings naming an image that has no result
// get a group of their own after the result images; findings without an image are grouped under UnknownImage.
// Input results are not modified.
func GroupByImageAndSeverity(results []*scanner.ScanResult, threshold severity.Level) GroupedReport {
	var order []string
	buckets := make(map[string]map[severity.Level][]*scanner.Finding)
	addImage := func(image string) {
		if _, ok := buckets[image]; !ok {
			order = append(order, image)
			buckets[image] = make(map[severity.Level][]*scanner.Finding)
		}
	}

	for _, r := range results {
		addImage(r.Image)
	}
	for _, f := range FilterByThreshold(Flatten(results), threshold) {
		image := f.Image
		if image == "" {
			image = UnknownImage
		}
		addImage(image)
		sev := severity.Normalize(string(f.Severity))
		buckets[image][sev] = append(buckets[image][sev], f)
	}

	grouped := make(GroupedReport, 0, len(order))
	for _, image := range order {
		group := ImageGroup{Image: image, Severities: []SeverityBucket{}}
		for _, sev := range severity.Descending() {
			if findings := buckets[image][sev]; len(findings) > 0 {
				group.Severities = append(group.Severities, SeverityBucket{Severity: sev, Findings: findings})
			}
		}
		grouped = append(grouped, group)
	}
	return grouped
}

// SortBySeverity returns a copy of findings ordered by descending severity. Findings of equal severity keep their
// relative order.
func SortBySeverity(findings []*scanner.Finding) []*scanner.Finding {
	sorted := make([]*scanner.Finding, len(findings))
	copy(sorted, findings)
	sort.SliceStable(sorted, func(i, j int) bool {
		return severity.Rank(sorted[i].Severity) > severity.Rank(sorted[j].Severity)
	})
	return sorted
}
