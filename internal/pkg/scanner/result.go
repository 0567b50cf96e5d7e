package scanner

import (
	"fmt"
	"sort"
	"strings"

	"docktor/internal/pkg/severity"
)

// NewScanResult builds the ScanResult for image from the records returned by a vulnerability source. Every record
// is counted; a missing or unrecognized severity is classified as UNKNOWN rather than dropped.
func NewScanResult(image, artifactPath string, raws []RawFinding) *ScanResult {
	r := &ScanResult{
		Image:           image,
		SeverityCounts:  make(map[severity.Level]int),
		ArtifactPath:    artifactPath,
		Vulnerabilities: make([]*Finding, 0, len(raws)),
		Containers:      []string{},
		Status:          StatusClean,
	}
	for _, raw := range raws {
		f := raw.finding(image)
		r.Findings++
		r.SeverityCounts[f.Severity]++
		r.Vulnerabilities = append(r.Vulnerabilities, f)
	}
	if r.Findings > 0 {
		r.Status = StatusSucceeded
	}
	return r
}

// FailedScanResult returns the zero-finding result for an image whose scan could not be completed.
func FailedScanResult(image, artifactPath string, err error) *ScanResult {
	r := NewScanResult(image, artifactPath, nil)
	r.Status = StatusFailed
	r.Err = err
	return r
}

func (raw RawFinding) finding(image string) *Finding {
	return &Finding{
		VulnerabilityID:  raw.VulnerabilityID,
		PkgName:          raw.PkgName,
		InstalledVersion: raw.InstalledVersion,
		FixedVersion:     optional(raw.FixedVersion),
		Severity:         severity.Normalize(raw.Severity),
		Title:            raw.Title,
		Description:      optional(raw.Description),
		PrimaryURL:       raw.PrimaryURL,
		Image:            image,
	}
}

// optional treats an empty string the same as an absent value.
func optional(s *string) *string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	v := *s
	return &v
}

// AttachContainers records which containers use each result's image. It runs once, after deduplication has
// resolved the container to image mapping.
func AttachContainers(results []*ScanResult, containers map[string][]string) {
	for _, r := range results {
		names := containers[r.Image]
		r.Containers = make([]string, len(names))
		copy(r.Containers, names)
	}
}

// Scanned reports whether the scanner actually produced output for this image.
func (r *ScanResult) Scanned() bool {
	return r.Status != StatusFailed
}

// SeverityBreakdown returns the severity counts as "K:V, ..." sorted by severity name.
func (r *ScanResult) SeverityBreakdown() string {
	keys := make([]string, 0, len(r.SeverityCounts))
	for k := range r.SeverityCounts {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s:%d", k, r.SeverityCounts[severity.Level(k)])
	}
	return strings.Join(parts, ", ")
}

// Count returns the number of findings with the given severity.
func (r *ScanResult) Count(l severity.Level) int {
	return r.SeverityCounts[severity.Normalize(string(l))]
}

// SafeName turns an image reference into a string usable as part of a file name.
func SafeName(image string) string {
	return strings.NewReplacer("/", "_", ":", "_").Replace(image)
}
