package scanner

import (
	"docktor/internal/pkg/severity"
)

// Status records how a ScanResult came to be.
type Status string

const (
	// StatusSucceeded is a completed scan with at least one finding.
	StatusSucceeded Status = "SUCCEEDED"
	// StatusClean is a completed scan that produced no findings.
	StatusClean Status = "CLEAN"
	// StatusFailed means the scanner never produced usable output; the image was not actually scanned.
	StatusFailed Status = "FAILED"
)

// Container is one entry of the container inventory.
type Container struct {
	Name           string
	ImageReference string
	Labels         map[string]string
}

// RawFinding is one vulnerability record as emitted by a vulnerability source. Only Severity matters for counting;
// every other field may be empty.
type RawFinding struct {
	VulnerabilityID  string  `json:"VulnerabilityID"`
	PkgName          string  `json:"PkgName"`
	InstalledVersion string  `json:"InstalledVersion"`
	FixedVersion     *string `json:"FixedVersion"`
	Severity         string  `json:"Severity"`
	Title            string  `json:"Title"`
	Description      *string `json:"Description"`
	PrimaryURL       string  `json:"PrimaryURL"`
}

// Finding is one vulnerability attributed to a package inside a specific image. Findings are never modified after
// construction.
type Finding struct {
	VulnerabilityID  string
	PkgName          string
	InstalledVersion string
	FixedVersion     *string
	Severity         severity.Level
	Title            string
	Description      *string
	PrimaryURL       string
	// Image is copied from the owning ScanResult so findings can be processed on their own.
	Image string
}

// ScanResult aggregates all findings for one distinct image reference.
type ScanResult struct {
	Image           string
	Findings        int
	SeverityCounts  map[severity.Level]int
	ArtifactPath    string
	Vulnerabilities []*Finding
	Containers      []string
	Status          Status
	// Err is the scan failure cause when Status is StatusFailed.
	Err error
}
