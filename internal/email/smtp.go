package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"time"
)

// ErrStartTLSUnsupported is returned when the relay does not offer STARTTLS.
// Credentials and message content are never sent over a plain connection.
var ErrStartTLSUnsupported = errors.New("smtp: server does not support STARTTLS")

// SMTPConfig describes a submission relay (usually port 587).
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     *mail.Address
}

type smtpDispatcher struct {
	cfg    SMTPConfig
	dialer net.Dialer
	now    func() time.Time
}

// NewSMTPDispatcher returns a Dispatcher that submits through an SMTP relay,
// upgrading the connection with STARTTLS before authenticating.
func NewSMTPDispatcher(cfg SMTPConfig) Dispatcher {
	return &smtpDispatcher{cfg: cfg, now: time.Now}
}

func (d *smtpDispatcher) Dispatch(ctx context.Context, m Message) error {
	envelope, err := envelopeRecipients(m.Recipients)
	if err != nil {
		return err
	}
	msg, err := buildMessage(d.cfg.From, m, d.now())
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(d.cfg.Host, strconv.Itoa(d.cfg.Port))
	conn, err := d.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("smtp: dial %s: %w", addr, err)
	}
	defer conn.Close()

	// net/smtp has no context support; the deadline bounds the whole session.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, d.cfg.Host)
	if err != nil {
		return fmt.Errorf("smtp: greeting: %w", err)
	}
	defer c.Close()

	if err := c.Hello("localhost"); err != nil {
		return fmt.Errorf("smtp: ehlo: %w", err)
	}
	ok, _ := c.Extension("STARTTLS")
	if !ok {
		return ErrStartTLSUnsupported
	}
	if err := c.StartTLS(&tls.Config{ServerName: d.cfg.Host, MinVersion: tls.VersionTLS12}); err != nil {
		return fmt.Errorf("smtp: starttls: %w", err)
	}
	if d.cfg.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", d.cfg.Username, d.cfg.Password, d.cfg.Host)); err != nil {
			return fmt.Errorf("smtp: auth: %w", err)
		}
	}

	if err := c.Mail(d.cfg.From.Address); err != nil {
		return fmt.Errorf("smtp: mail from: %w", err)
	}
	for _, rcpt := range envelope {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp: rcpt %s: %w", rcpt, err)
		}
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp: data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("smtp: write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp: end data: %w", err)
	}

	return c.Quit()
}

// envelopeRecipients extracts the bare addresses for RCPT TO.
func envelopeRecipients(recipients []string) ([]string, error) {
	if len(recipients) == 0 {
		return nil, ErrNoRecipient
	}
	out := make([]string, 0, len(recipients))
	for _, r := range recipients {
		a, err := mail.ParseAddress(r)
		if err != nil {
			return nil, fmt.Errorf("smtp: recipient %q: %w", r, err)
		}
		out = append(out, a.Address)
	}
	return out, nil
}
