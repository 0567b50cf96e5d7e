// Package notify delivers rendered vulnerability reports.
package notify

import (
	"context"
	"errors"
	"fmt"

	"docktor/internal/pkg/report"
	"docktor/internal/pkg/scanner"
	"docktor/internal/pkg/severity"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Notification is one rendered report, ready to be sent.
type Notification struct {
	RunID       string
	Subject     string
	Text        string
	HTML        string
	Attachments []report.Attachment
	Results     []*scanner.ScanResult
	Grouped     report.GroupedReport
	Threshold   severity.Level
}

// Notifier is a report transport.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, n *Notification) error
}

// Dispatch sends n through every notifier concurrently. A failing notifier does not stop the others; all failures
// are returned together.
func Dispatch(ctx context.Context, notifiers []Notifier, n *Notification) error {
	errs := make([]error, len(notifiers))
	var g errgroup.Group
	for i, notifier := range notifiers {
		i, notifier := i, notifier
		g.Go(func() error {
			if err := notifier.Notify(ctx, n); err != nil {
				klog.Errorf("Notification via %s failed: %s", notifier.Name(), err.Error())
				errs[i] = fmt.Errorf("%s: %w", notifier.Name(), err)
				return nil
			}
			klog.Infof("Notification sent via %s", notifier.Name())
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
