// Package email defines the mail-dispatch boundary the confirmation handler
// calls once an invoice is paid, and the transports that implement it.
package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
)

// Message is a composed email ready to hand to a transport. Recipients and
// ReplyTo are RFC 5322 mailboxes ("a@b.com" or "Name <a@b.com>").
type Message struct {
	Recipients []string
	ReplyTo    string // optional
	Subject    string
	Body       string // plain text
}

// Dispatcher delivers one message synchronously. A nil error means the
// transport accepted the message; anything else is a transport failure.
// Tests inject a stub that records calls without touching the network.
type Dispatcher interface {
	Dispatch(ctx context.Context, m Message) error
}

var (
	ErrNoRecipient    = errors.New("email: message has no recipient")
	ErrUnknownService = errors.New("email: unknown mail provider")
)

// Config selects and configures the transport.
type Config struct {
	Provider string // "smtp" | "resend" | "log"
	From     string // e.g. "Pay2.email <noreply@pay2.email>"

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string

	ResendAPIKey string
}

// New returns the Dispatcher named by cfg.Provider.
func New(cfg Config, logger *slog.Logger) (Dispatcher, error) {
	from, err := mail.ParseAddress(cfg.From)
	if err != nil {
		return nil, fmt.Errorf("email: parse from address: %w", err)
	}

	switch cfg.Provider {
	case "smtp":
		return NewSMTPDispatcher(SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     from,
		}), nil
	case "resend":
		return NewResendDispatcher(cfg.ResendAPIKey, from), nil
	case "log":
		return NewLogDispatcher(logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownService, cfg.Provider)
	}
}

// logDispatcher accepts every message and only logs its envelope. Used in
// development so the payment flow can be exercised without a mail account.
type logDispatcher struct {
	logger *slog.Logger
}

func NewLogDispatcher(logger *slog.Logger) Dispatcher {
	return &logDispatcher{logger: logger}
}

func (d *logDispatcher) Dispatch(_ context.Context, m Message) error {
	if len(m.Recipients) == 0 {
		return ErrNoRecipient
	}
	d.logger.Info("email: dispatch (log transport)",
		"recipients", len(m.Recipients),
		"has_reply_to", m.ReplyTo != "",
		"body_bytes", len(m.Body),
	)
	return nil
}
