package report

import (
	"fmt"
	"io"
	"strconv"

	"docktor/internal/pkg/scanner"
	"docktor/internal/pkg/severity"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
)

// WriteTable prints a per-image severity summary of results as a colored terminal table.
func WriteTable(w io.Writer, results []*scanner.ScanResult, threshold severity.Level) {
	levels := severity.Descending()
	header := []string{"Image", "Containers", "Status"}
	for _, l := range levels {
		header = append(header, string(l))
	}
	header = append(header, "Total")

	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	table.SetColumnSeparator("│")

	for _, r := range results {
		row := []string{r.Image, strconv.Itoa(len(r.Containers)), colorStatus(r.Status)}
		for _, l := range levels {
			row = append(row, colorCount(l, r.Count(l), threshold))
		}
		row = append(row, strconv.Itoa(r.Findings))
		table.Append(row)
	}
	table.Render()

	notify := "no findings at or above threshold, notification suppressed"
	if ShouldNotify(results, threshold) {
		notify = color.RedString("findings at or above threshold")
	}
	fmt.Fprintf(w, "\n%d image(s), threshold %s: %s\n", len(results), threshold, notify)
}

// colorCount highlights non-zero counts of severities that meet the threshold.
func colorCount(l severity.Level, count int, threshold severity.Level) string {
	s := strconv.Itoa(count)
	if count == 0 || !severity.MeetsThreshold(l, threshold) {
		return s
	}
	switch l {
	case severity.Critical, severity.High:
		return color.RedString(s)
	case severity.Medium:
		return color.YellowString(s)
	case severity.Low:
		return color.CyanString(s)
	default:
		return s
	}
}

func colorStatus(s scanner.Status) string {
	switch s {
	case scanner.StatusFailed:
		return color.RedString(string(s))
	case scanner.StatusClean:
		return color.GreenString(string(s))
	default:
		return string(s)
	}
}
