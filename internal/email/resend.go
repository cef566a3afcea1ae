package email

import (
	"context"
	"fmt"
	"net/mail"

	"github.com/resend/resend-go/v3"
)

// resendDispatcher delivers through the Resend API.
type resendDispatcher struct {
	client *resend.Client
	from   string
}

// NewResendDispatcher returns a Dispatcher backed by Resend.
func NewResendDispatcher(apiKey string, from *mail.Address) Dispatcher {
	return &resendDispatcher{
		client: resend.NewClient(apiKey),
		from:   from.String(),
	}
}

func (d *resendDispatcher) Dispatch(ctx context.Context, m Message) error {
	if len(m.Recipients) == 0 {
		return ErrNoRecipient
	}

	req := &resend.SendEmailRequest{
		From:    d.from,
		To:      m.Recipients,
		Subject: m.Subject,
		Text:    m.Body,
		ReplyTo: m.ReplyTo,
	}

	if _, err := d.client.Emails.SendWithContext(ctx, req); err != nil {
		return fmt.Errorf("resend: send: %w", err)
	}
	return nil
}
