package report

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"docktor/internal/pkg/scanner"
	"docktor/internal/pkg/severity"

	"k8s.io/klog/v2"
)

const (
	textTemplate  = "report.txt.tmpl"
	htmlTemplate  = "report.html.tmpl"
	imageTemplate = "report_image.md.tmpl"
)

//go:embed templates/*.tmpl
var builtin embed.FS

// Renderer renders reports from the built-in templates, or from same-named files in a template directory.
type Renderer struct {
	templateDir string
	now         func() time.Time
}

// NewRenderer returns a Renderer. Templates found in templateDir take precedence over the built-in ones; an empty
// templateDir uses only the built-in templates.
func NewRenderer(templateDir string) *Renderer {
	return &Renderer{templateDir: templateDir, now: time.Now}
}

// Text renders the plain text report body.
func (r *Renderer) Text(data *Data) (string, error) {
	src, err := r.load(textTemplate)
	if err != nil {
		return "", err
	}
	tmpl, err := template.New(textTemplate).Funcs(template.FuncMap(funcs)).Parse(src)
	if err != nil {
		return "", fmt.Errorf("parsing %s: %w", textTemplate, err)
	}
	var buffer bytes.Buffer
	if err := tmpl.Execute(&buffer, data); err != nil {
		return "", fmt.Errorf("rendering %s: %w", textTemplate, err)
	}
	return buffer.String(), nil
}

// HTML renders the HTML report body.
func (r *Renderer) HTML(data *Data) (string, error) {
	src, err := r.load(htmlTemplate)
	if err != nil {
		return "", err
	}
	tmpl, err := htmltemplate.New(htmlTemplate).Funcs(htmltemplate.FuncMap(funcs)).Parse(src)
	if err != nil {
		return "", fmt.Errorf("parsing %s: %w", htmlTemplate, err)
	}
	var buffer bytes.Buffer
	if err := tmpl.Execute(&buffer, data); err != nil {
		return "", fmt.Errorf("rendering %s: %w", htmlTemplate, err)
	}
	return buffer.String(), nil
}

// ImageMarkdown renders the Markdown report of a single image, its findings sorted by descending severity.
func (r *Renderer) ImageMarkdown(result *scanner.ScanResult, threshold severity.Level) (string, error) {
	src, err := r.load(imageTemplate)
	if err != nil {
		return "", err
	}
	tmpl, err := template.New(imageTemplate).Funcs(template.FuncMap(funcs)).Parse(src)
	if err != nil {
		return "", fmt.Errorf("parsing %s: %w", imageTemplate, err)
	}
	data := &ImageData{
		Image:           result.Image,
		Containers:      result.Containers,
		Findings:        result.Findings,
		SeverityCounts:  result.SeverityCounts,
		Status:          result.Status,
		Vulnerabilities: SortBySeverity(result.Vulnerabilities),
		Threshold:       severity.Normalize(string(threshold)),
		GeneratedAt:     r.now().UTC().Format(time.RFC3339),
	}
	var buffer bytes.Buffer
	if err := tmpl.Execute(&buffer, data); err != nil {
		return "", fmt.Errorf("rendering %s for %s: %w", imageTemplate, result.Image, err)
	}
	return buffer.String(), nil
}

// load returns the template source, preferring the template directory over the built-in copy.
func (r *Renderer) load(name string) (string, error) {
	if r.templateDir != "" {
		data, err := os.ReadFile(filepath.Join(r.templateDir, name))
		switch {
		case err == nil:
			return string(data), nil
		case !errors.Is(err, fs.ErrNotExist):
			return "", fmt.Errorf("reading template %s: %w", name, err)
		}
		klog.V(2).Infof("Template %s not found in %s, using built-in template", name, r.templateDir)
	}
	data, err := builtin.ReadFile("templates/" + name)
	if err != nil {
		return "", fmt.Errorf("reading built-in template %s: %w", name, err)
	}
	return string(data), nil
}

var funcs = map[string]interface{}{
	"severityToRank": func(l severity.Level) int {
		return severity.Rank(l)
	},
	"descending":    severity.Descending,
	"severityColor": severityColor,
	"join":          strings.Join,
	"md":            escapeMarkdown,
}

// severityColor returns the HTML color used for a severity.
func severityColor(l severity.Level) string {
	switch severity.Normalize(string(l)) {
	case severity.Critical:
		return "#8b0000"
	case severity.High:
		return "#d9480f"
	case severity.Medium:
		return "#e8a200"
	case severity.Low:
		return "#2b8a3e"
	default:
		return "#666666"
	}
}

// escapeMarkdown keeps a value on a single Markdown table cell.
func escapeMarkdown(s string) string {
	return strings.NewReplacer("|", `\|`, "\r\n", " ", "\n", " ").Replace(s)
}
