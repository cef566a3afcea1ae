package email

import (
	"context"
	"io"
	"log/slog"
	"mime"
	"net/mail"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testFrom = &mail.Address{Name: "Pay2.email", Address: "noreply@pay2.email"}

func TestBuildMessage_Headers(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	raw, err := buildMessage(testFrom, Message{
		Recipients: []string{"a@b.com", "Bob <bob@example.org>"},
		ReplyTo:    "sender@example.net",
		Subject:    "Grüße",
		Body:       "hello\nworld",
	}, now)
	require.NoError(t, err)

	msg, err := mail.ReadMessage(strings.NewReader(string(raw)))
	require.NoError(t, err)

	assert.Equal(t, `"Pay2.email" <noreply@pay2.email>`, msg.Header.Get("From"))
	assert.Equal(t, `<a@b.com>, "Bob" <bob@example.org>`, msg.Header.Get("To"))
	assert.Equal(t, "<sender@example.net>", msg.Header.Get("Reply-To"))
	assert.Contains(t, msg.Header.Get("Message-ID"), "@pay2.email>")

	subject, err := new(mime.WordDecoder).DecodeHeader(msg.Header.Get("Subject"))
	require.NoError(t, err)
	assert.Equal(t, "Grüße", subject)

	date, err := msg.Header.Date()
	require.NoError(t, err)
	assert.True(t, date.Equal(now))

	body, err := io.ReadAll(msg.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello\r\nworld\r\n", string(body))
}

func TestBuildMessage_NoReplyTo(t *testing.T) {
	raw, err := buildMessage(testFrom, Message{
		Recipients: []string{"a@b.com"},
		Subject:    "Hi",
		Body:       "hello",
	}, time.Now())
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "Reply-To:")
}

func TestBuildMessage_Rejects(t *testing.T) {
	_, err := buildMessage(testFrom, Message{Subject: "Hi", Body: "x"}, time.Now())
	assert.ErrorIs(t, err, ErrNoRecipient)

	_, err = buildMessage(testFrom, Message{Recipients: []string{"not an address"}, Body: "x"}, time.Now())
	assert.Error(t, err)
}

func TestEnvelopeRecipients(t *testing.T) {
	got, err := envelopeRecipients([]string{"Alice <alice@example.com>", "b@c.org"})
	require.NoError(t, err)
	assert.Equal(t, []string{"alice@example.com", "b@c.org"}, got)
}

func TestNew_SelectsProvider(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	d, err := New(Config{Provider: "log", From: "Pay2.email <noreply@pay2.email>"}, logger)
	require.NoError(t, err)
	require.NoError(t, d.Dispatch(context.Background(), Message{Recipients: []string{"a@b.com"}}))
	assert.ErrorIs(t, d.Dispatch(context.Background(), Message{}), ErrNoRecipient)

	_, err = New(Config{Provider: "pigeon", From: "noreply@pay2.email"}, logger)
	assert.ErrorIs(t, err, ErrUnknownService)

	_, err = New(Config{Provider: "log", From: "not an address"}, logger)
	assert.Error(t, err)
}
