package notify

import (
	"context"
	"errors"
	"fmt"

	"docktor/cmd"

	"github.com/wneessen/go-mail"
)

// Email sends the report as a multipart email with the text body, an HTML alternative and the report attachments.
type Email struct {
	cfg  cmd.SMTPConfig
	send func(ctx context.Context, msg *mail.Msg) error
}

// NewEmail returns an Email notifier for the given SMTP settings.
func NewEmail(cfg *cmd.SMTPConfig) *Email {
	e := &Email{cfg: *cfg}
	e.send = e.dialAndSend
	return e
}

func (e *Email) Name() string { return "email" }

// Notify composes and sends the report email.
func (e *Email) Notify(ctx context.Context, n *Notification) error {
	msg, err := e.message(n)
	if err != nil {
		return err
	}
	return e.send(ctx, msg)
}

func (e *Email) message(n *Notification) (*mail.Msg, error) {
	if len(e.cfg.MailTo) == 0 {
		return nil, errors.New("no recipients configured")
	}
	msg := mail.NewMsg()
	if err := msg.From(e.cfg.MailFrom); err != nil {
		return nil, fmt.Errorf("invalid sender %q: %w", e.cfg.MailFrom, err)
	}
	if err := msg.To(e.cfg.MailTo...); err != nil {
		return nil, fmt.Errorf("invalid recipients %v: %w", e.cfg.MailTo, err)
	}
	msg.Subject(n.Subject)

	body := n.Text
	if body == "" {
		body = "(empty body)"
	}
	msg.SetBodyString(mail.TypeTextPlain, body)
	if n.HTML != "" {
		msg.AddAlternativeString(mail.TypeTextHTML, n.HTML)
	}
	for _, a := range n.Attachments {
		opts := []mail.FileOption{mail.WithFileName(a.Filename)}
		if a.MimeType != "" {
			opts = append(opts, mail.WithFileContentType(mail.ContentType(a.MimeType)))
		}
		msg.AttachFile(a.Path, opts...)
	}
	return msg, nil
}

func (e *Email) dialAndSend(ctx context.Context, msg *mail.Msg) error {
	tlsPolicy := mail.NoTLS
	if e.cfg.UseTLS() {
		tlsPolicy = mail.TLSMandatory
	}
	opts := []mail.Option{mail.WithPort(e.cfg.SMTPPort), mail.WithTLSPolicy(tlsPolicy)}
	if e.cfg.SMTPUser != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(e.cfg.SMTPUser),
			mail.WithPassword(e.cfg.SMTPPass),
		)
	}
	client, err := mail.NewClient(e.cfg.SMTPHost, opts...)
	if err != nil {
		return fmt.Errorf("configuring smtp client for %s: %w", e.cfg.SMTPHost, err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("sending email via %s:%d: %w", e.cfg.SMTPHost, e.cfg.SMTPPort, err)
	}
	return nil
}
