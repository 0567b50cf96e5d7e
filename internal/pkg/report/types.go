package report

import (
	"time"

	"docktor/internal/pkg/scanner"
	"docktor/internal/pkg/severity"
)

// UnknownImage keys findings whose image field is empty.
const UnknownImage = "<unknown>"

// SeverityBucket holds the findings of one image that share a severity.
type SeverityBucket struct {
	Severity severity.Level
	Findings []*scanner.Finding
}

// ImageGroup is one image of a GroupedReport with its non-empty severity buckets, highest severity first.
type ImageGroup struct {
	Image      string
	Severities []SeverityBucket
}

// Empty reports whether no finding of the image met the threshold.
func (g ImageGroup) Empty() bool {
	return len(g.Severities) == 0
}

// GroupedReport is the read-only, per-image and per-severity projection of a set of ScanResults.
type GroupedReport []ImageGroup

// Data is everything the report templates see.
type Data struct {
	Results       []*scanner.ScanResult
	Grouped       GroupedReport
	SeverityOrder []severity.Level
	Threshold     severity.Level
	GeneratedAt   string
}

// NewData builds the template data for results at the given threshold.
func NewData(results []*scanner.ScanResult, threshold severity.Level, now time.Time) *Data {
	return &Data{
		Results:       results,
		Grouped:       GroupByImageAndSeverity(results, threshold),
		SeverityOrder: severity.Order,
		Threshold:     severity.Normalize(string(threshold)),
		GeneratedAt:   now.UTC().Format(time.RFC3339),
	}
}

// ImageData is what the per-image Markdown template sees.
type ImageData struct {
	Image           string
	Containers      []string
	Findings        int
	SeverityCounts  map[severity.Level]int
	Status          scanner.Status
	Vulnerabilities []*scanner.Finding
	Threshold       severity.Level
	GeneratedAt     string
}

// Attachment is a file handed to a notification transport.
type Attachment struct {
	Filename string
	Path     string
	MimeType string
}
