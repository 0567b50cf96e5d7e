package notify

import (
	"context"
	"fmt"
	"io"

	"docktor/internal/pkg/report"
)

// Console prints the report instead of sending it. It replaces every other notifier in dry-run mode.
type Console struct {
	Out io.Writer
}

func (c *Console) Name() string { return "console" }

// Notify writes a summary table, the text body and the attachment list.
func (c *Console) Notify(_ context.Context, n *Notification) error {
	fmt.Fprintf(c.Out, "Subject: %s\n\n", n.Subject)
	report.WriteTable(c.Out, n.Results, n.Threshold)
	fmt.Fprintf(c.Out, "\n%s\n", n.Text)
	for _, a := range n.Attachments {
		fmt.Fprintf(c.Out, "Attachment: %s (%s) %s\n", a.Filename, a.MimeType, a.Path)
	}
	return nil
}
