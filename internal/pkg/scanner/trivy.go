package scanner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"k8s.io/klog/v2"
)

// Source produces raw vulnerability records for a single image and writes the raw scanner output to artifactPath.
// An error means the image could not be scanned at all; an image without vulnerabilities yields no records and a
// nil error.
type Source interface {
	Name() string
	Scan(ctx context.Context, image, artifactPath string) ([]RawFinding, error)
}

// TrivySource scans images by invoking the trivy binary.
type TrivySource struct {
	Binary  string
	Args    []string
	Timeout time.Duration
}

// NewTrivySource returns a TrivySource; extraArgs is split on whitespace.
func NewTrivySource(binary, extraArgs string, timeout time.Duration) *TrivySource {
	return &TrivySource{
		Binary:  binary,
		Args:    strings.Fields(extraArgs),
		Timeout: timeout,
	}
}

func (t *TrivySource) Name() string { return "trivy" }

// Scan runs `trivy image` for the given image, writing its JSON report to artifactPath.
func (t *TrivySource) Scan(ctx context.Context, image, artifactPath string) ([]RawFinding, error) {
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}
	args := append([]string{"image", "--quiet", "--format", "json"}, t.Args...)
	args = append(args, "-o", artifactPath, image)

	cmd := exec.CommandContext(ctx, t.Binary, args...)
	cmd.WaitDelay = 5 * time.Second
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	klog.V(2).Infof("Running: %s", cmd.String())

	runErr := cmd.Run()
	if ctx.Err() != nil {
		// A killed scan may leave a partial report behind; it proves nothing about the image.
		return nil, fmt.Errorf("trivy did not finish for %s: %w", image, ctx.Err())
	}
	data, readErr := os.ReadFile(artifactPath)
	if runErr != nil {
		var exitErr *exec.ExitError
		// With --exit-code set, trivy exits non-zero after writing a complete report.
		if !errors.As(runErr, &exitErr) || readErr != nil || !json.Valid(data) {
			return nil, fmt.Errorf("trivy failed for %s: %w: %s", image, runErr, strings.TrimSpace(stderr.String()))
		}
		klog.Warningf("trivy exited with %d for %s; using the report it wrote", exitErr.ExitCode(), image)
	}
	if readErr != nil {
		return nil, fmt.Errorf("trivy produced no report for %s: %w", image, readErr)
	}
	return ParseTrivyReport(image, data), nil
}

// ParseTrivyReport extracts the vulnerability records from a trivy JSON report. An empty or unparseable report
// yields no records; records that are not JSON objects are skipped. Fields of the wrong type are dropped from a
// record rather than dropping the record.
func ParseTrivyReport(image string, data []byte) []RawFinding {
	if len(bytes.TrimSpace(data)) == 0 {
		klog.Warningf("Empty trivy report for %s", image)
		return nil
	}
	var report struct {
		Results []json.RawMessage `json:"Results"`
	}
	if err := json.Unmarshal(data, &report); err != nil {
		klog.Warningf("Unable to parse trivy report for %s: %s", image, err.Error())
		return nil
	}

	var findings []RawFinding
	for _, rawResult := range report.Results {
		var result struct {
			Target          string            `json:"Target"`
			Vulnerabilities []json.RawMessage `json:"Vulnerabilities"`
		}
		if err := json.Unmarshal(rawResult, &result); err != nil {
			klog.Warningf("Skipping malformed trivy result for %s: %s", image, err.Error())
			continue
		}
		for _, rec := range result.Vulnerabilities {
			if !isObject(rec) {
				klog.V(2).Infof("Skipping non-object vulnerability record in %s (%s)", image, result.Target)
				continue
			}
			f, err := decodeRecord(rec)
			if err != nil {
				klog.V(2).Infof("Skipping malformed vulnerability record in %s (%s): %s", image, result.Target, err.Error())
				continue
			}
			findings = append(findings, f)
		}
	}
	return findings
}

func isObject(rec json.RawMessage) bool {
	trimmed := bytes.TrimSpace(rec)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

// decodeRecord reads the known fields of one vulnerability object. A field with an unexpected type is left unset.
func decodeRecord(rec json.RawMessage) (RawFinding, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(rec, &fields); err != nil {
		return RawFinding{}, err
	}
	return RawFinding{
		VulnerabilityID:  stringField(fields, "VulnerabilityID"),
		PkgName:          stringField(fields, "PkgName"),
		InstalledVersion: stringField(fields, "InstalledVersion"),
		FixedVersion:     optionalField(fields, "FixedVersion"),
		Severity:         stringField(fields, "Severity"),
		Title:            stringField(fields, "Title"),
		Description:      optionalField(fields, "Description"),
		PrimaryURL:       stringField(fields, "PrimaryURL"),
	}, nil
}

func stringField(fields map[string]json.RawMessage, key string) string {
	if s := optionalField(fields, key); s != nil {
		return *s
	}
	return ""
}

// optionalField returns nil when key is missing, null or not a string.
func optionalField(fields map[string]json.RawMessage, key string) *string {
	raw, ok := fields[key]
	if !ok {
		return nil
	}
	var s *string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	return s
}
