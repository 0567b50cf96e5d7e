package report

import (
	"fmt"
	"os"
	"path/filepath"

	"docktor/internal/pkg/scanner"
	"docktor/internal/pkg/severity"

	"k8s.io/klog/v2"
)

const (
	mimeMarkdown = "text/markdown"
	mimeJSON     = "application/json"
)

// BuildAttachments writes a report_<image>.md file per result into dir and returns the attachments to send with
// the report. With attachJSON, the raw scan artifact of each result is attached as well when it exists.
func (r *Renderer) BuildAttachments(results []*scanner.ScanResult, threshold severity.Level, dir string, attachJSON bool) ([]Attachment, error) {
	var attachments []Attachment
	for _, result := range results {
		md, err := r.ImageMarkdown(result, threshold)
		if err != nil {
			return nil, err
		}
		name := fmt.Sprintf("report_%s.md", scanner.SafeName(result.Image))
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(md), 0o644); err != nil {
			return nil, fmt.Errorf("writing %s: %w", path, err)
		}
		attachments = append(attachments, Attachment{Filename: name, Path: path, MimeType: mimeMarkdown})

		if !attachJSON || result.ArtifactPath == "" {
			continue
		}
		if _, err := os.Stat(result.ArtifactPath); err != nil {
			klog.Warningf("Raw scan output of %s not attached: %s", result.Image, err.Error())
			continue
		}
		attachments = append(attachments, Attachment{
			Filename: filepath.Base(result.ArtifactPath),
			Path:     result.ArtifactPath,
			MimeType: mimeJSON,
		})
	}
	klog.Infof("Prepared %d report attachment(s)", len(attachments))
	return attachments, nil
}
