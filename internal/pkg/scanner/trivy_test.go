package scanner

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTrivyReport = `{
  "SchemaVersion": 2,
  "ArtifactName": "nginx:1.25",
  "Results": [
    {
      "Target": "nginx:1.25 (debian 12.4)",
      "Class": "os-pkgs",
      "Vulnerabilities": [
        {
          "VulnerabilityID": "CVE-2023-4911",
          "PkgName": "libc6",
          "InstalledVersion": "2.36-9+deb12u1",
          "FixedVersion": "2.36-9+deb12u3",
          "Severity": "HIGH",
          "Title": "glibc: buffer overflow in ld.so",
          "Description": "A buffer overflow was discovered in the GNU C Library's dynamic loader.",
          "PrimaryURL": "https://avd.aquasec.com/nvd/cve-2023-4911"
        },
        "not-a-record",
        null,
        {"VulnerabilityID": "CVE-BROKEN", "Severity": 5},
        {"VulnerabilityID": "CVE-2023-0001", "PkgName": "zlib1g"},
        {"VulnerabilityID": "CVE-2023-0002", "Severity": "CRITICAL", "Title": 123},
        {"VulnerabilityID": "CVE-2023-0003", "Severity": "HIGH", "FixedVersion": ["1.2"], "Description": null}
      ]
    },
    {
      "Target": "usr/local/bin/app",
      "Class": "lang-pkgs"
    }
  ]
}`

func TestParseTrivyReport(t *testing.T) {
	raws := ParseTrivyReport("nginx:1.25", []byte(sampleTrivyReport))
	require.Len(t, raws, 5)

	assert.Equal(t, "CVE-2023-4911", raws[0].VulnerabilityID)
	assert.Equal(t, "libc6", raws[0].PkgName)
	assert.Equal(t, "HIGH", raws[0].Severity)
	require.NotNil(t, raws[0].FixedVersion)
	assert.Equal(t, "2.36-9+deb12u3", *raws[0].FixedVersion)
	require.NotNil(t, raws[0].Description)

	assert.Equal(t, "CVE-BROKEN", raws[1].VulnerabilityID)
	assert.Empty(t, raws[1].Severity, "a non-string severity is dropped, not the record")

	assert.Equal(t, "CVE-2023-0001", raws[2].VulnerabilityID)
	assert.Empty(t, raws[2].Severity)

	assert.Equal(t, "CRITICAL", raws[3].Severity)
	assert.Empty(t, raws[3].Title)

	assert.Equal(t, "HIGH", raws[4].Severity)
	assert.Nil(t, raws[4].FixedVersion)
	assert.Nil(t, raws[4].Description)

	r := NewScanResult("nginx:1.25", "", raws)
	assert.Equal(t, 5, r.Findings)
	assert.Equal(t, 2, r.Count("UNKNOWN"))
	assert.Equal(t, 2, r.Count("HIGH"))
	assert.Equal(t, 1, r.Count("CRITICAL"))
}

func TestParseTrivyReport_EmptyOrMalformed(t *testing.T) {
	for name, data := range map[string]string{
		"empty":      "",
		"whitespace": "  \n",
		"malformed":  "{not json",
		"no results": `{"SchemaVersion": 2}`,
	} {
		t.Run(name, func(t *testing.T) {
			assert.Empty(t, ParseTrivyReport("img", []byte(data)))
		})
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fixtures are not supported on windows")
	}
	path := filepath.Join(t.TempDir(), "fake-trivy")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

// The fake scanner copies $REPORT to the path following -o.
const copyReportScript = `
out=""
while [ $# -gt 0 ]; do
  if [ "$1" = "-o" ]; then out="$2"; shift; fi
  shift
done
cp "$REPORT" "$out"
exit "${EXIT_CODE:-0}"
`

func TestTrivySource_Scan(t *testing.T) {
	dir := t.TempDir()
	report := filepath.Join(dir, "report.json")
	require.NoError(t, os.WriteFile(report, []byte(sampleTrivyReport), 0o644))
	t.Setenv("REPORT", report)

	src := NewTrivySource(writeScript(t, copyReportScript), "--severity HIGH,CRITICAL", time.Minute)
	assert.Equal(t, []string{"--severity", "HIGH,CRITICAL"}, src.Args)

	artifact := filepath.Join(dir, "trivy_nginx_1.25.json")
	raws, err := src.Scan(context.Background(), "nginx:1.25", artifact)
	require.NoError(t, err)
	assert.Len(t, raws, 5)
	assert.FileExists(t, artifact)
}

func TestTrivySource_NonZeroExitWithReport(t *testing.T) {
	dir := t.TempDir()
	report := filepath.Join(dir, "report.json")
	require.NoError(t, os.WriteFile(report, []byte(sampleTrivyReport), 0o644))
	t.Setenv("REPORT", report)
	t.Setenv("EXIT_CODE", "1")

	src := NewTrivySource(writeScript(t, copyReportScript), "--exit-code 1", 0)
	raws, err := src.Scan(context.Background(), "nginx:1.25", filepath.Join(dir, "out.json"))
	require.NoError(t, err)
	assert.Len(t, raws, 5)
}

func TestTrivySource_NonZeroExitWithTruncatedReport(t *testing.T) {
	dir := t.TempDir()
	report := filepath.Join(dir, "report.json")
	require.NoError(t, os.WriteFile(report, []byte(sampleTrivyReport[:120]), 0o644))
	t.Setenv("REPORT", report)
	t.Setenv("EXIT_CODE", "2")

	src := NewTrivySource(writeScript(t, copyReportScript), "", 0)
	_, err := src.Scan(context.Background(), "nginx:1.25", filepath.Join(dir, "out.json"))
	assert.Error(t, err)

	results := ScanImages(context.Background(), src, []string{"nginx:1.25"}, 1, dir)
	require.Len(t, results, 1)
	assert.Equal(t, StatusFailed, results[0].Status)
	assert.Error(t, results[0].Err)
}

// The fake scanner starts writing its report and then hangs.
const hangingScript = `
out=""
while [ $# -gt 0 ]; do
  if [ "$1" = "-o" ]; then out="$2"; shift; fi
  shift
done
printf '{"Results":[' > "$out"
exec sleep 5
`

func TestTrivySource_TimeoutIsFailure(t *testing.T) {
	dir := t.TempDir()
	src := NewTrivySource(writeScript(t, hangingScript), "", 300*time.Millisecond)

	start := time.Now()
	_, err := src.Scan(context.Background(), "nginx:1.25", filepath.Join(dir, "out.json"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 4*time.Second)

	results := ScanImages(context.Background(), src, []string{"nginx:1.25"}, 1, dir)
	require.Len(t, results, 1)
	assert.Equal(t, StatusFailed, results[0].Status)
	assert.Zero(t, results[0].Findings)
}

func TestTrivySource_FailureWithoutReport(t *testing.T) {
	src := NewTrivySource(writeScript(t, "echo 'db download failed' >&2\nexit 2\n"), "", 0)
	_, err := src.Scan(context.Background(), "nginx:1.25", filepath.Join(t.TempDir(), "out.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db download failed")
}

func TestTrivySource_MissingBinary(t *testing.T) {
	src := NewTrivySource(filepath.Join(t.TempDir(), "does-not-exist"), "", 0)
	_, err := src.Scan(context.Background(), "nginx:1.25", filepath.Join(t.TempDir(), "out.json"))
	assert.Error(t, err)
}

func TestTrivySource_EmptyReportIsClean(t *testing.T) {
	src := NewTrivySource(writeScript(t, copyReportScript), "", 0)
	empty := filepath.Join(t.TempDir(), "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte("{}"), 0o644))
	t.Setenv("REPORT", empty)

	raws, err := src.Scan(context.Background(), "alpine:3.19", filepath.Join(t.TempDir(), "out.json"))
	require.NoError(t, err)
	assert.Empty(t, raws)
}
