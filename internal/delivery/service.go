// Package delivery implements the pay-to-send protocol: invoice ingestion and
// reservation, composing the pending email, confirming payment from a
// preimage and dispatching the email exactly once.
//
// The store is the only source of truth. Nothing here caches invoice or email
// state, so any number of processes may serve requests against one database.
package delivery

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/RCasatta/pay2email/internal/bolt11"
	"github.com/RCasatta/pay2email/internal/db"
	"github.com/RCasatta/pay2email/internal/email"
	"github.com/RCasatta/pay2email/internal/metrics"
	"github.com/RCasatta/pay2email/internal/store"
)

// Ledger is the persistence the protocol needs. *store.Store satisfies it.
type Ledger interface {
	AddInvoice(ctx context.Context, p store.AddInvoiceParams) (db.Invoice, error)
	ReserveInvoice(ctx context.Context, minExpiresAt time.Time) (db.Invoice, error)
	MarkPaid(ctx context.Context, paymentHash string) (db.Invoice, bool, error)
	GetInvoice(ctx context.Context, paymentHash string) (db.Invoice, error)
	CountAvailable(ctx context.Context, minExpiresAt time.Time) (int64, error)

	CreateEmail(ctx context.Context, p store.CreateEmailParams) (db.Email, error)
	GetEmail(ctx context.Context, paymentHash string) (db.Email, error)
	ClaimDispatch(ctx context.Context, paymentHash string, now, leaseUntil time.Time) (db.Email, error)
	MarkSent(ctx context.Context, paymentHash string) (db.Email, error)
	RecordDispatchFailure(ctx context.Context, paymentHash string, f store.DispatchFailure) error
	CountSent(ctx context.Context) (int64, error)
}

var _ Ledger = (*store.Store)(nil)

// Config holds the protocol timings.
type Config struct {
	// ReserveGrace is the minimum validity an invoice must have left to be
	// handed out, so the sender has time to pay it.
	ReserveGrace time.Duration

	// DispatchTimeout bounds one call to the mail transport.
	DispatchTimeout time.Duration

	// DispatchLease is how long a dispatch claim blocks other attempts. It
	// must exceed DispatchTimeout.
	DispatchLease time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ReserveGrace:    time.Hour,
		DispatchTimeout: 30 * time.Second,
		DispatchLease:   5 * time.Minute,
	}
}

// State is the externally visible state of an invoice. Sent implies Paid.
type State struct {
	Paid bool
	Sent bool
}

// Submission is returned to the sender after a successful send-request.
// Encrypted fields are never echoed back in cleartext.
type Submission struct {
	PaymentHash string
	Bolt11      string
	ExpiresAt   time.Time
	ReplyTo     string // empty when absent or submitted encrypted
	To          string // empty when submitted encrypted
	Subject     string // empty when submitted encrypted
	Message     string
}

type Service struct {
	ledger   Ledger
	decoder  Decoder
	mailer   email.Dispatcher
	cfg      Config
	logger   *slog.Logger
	validate *validator.Validate
	now      func() time.Time
}

func NewService(ledger Ledger, decoder Decoder, mailer email.Dispatcher, cfg Config, logger *slog.Logger) *Service {
	def := DefaultConfig()
	if cfg.ReserveGrace <= 0 {
		cfg.ReserveGrace = def.ReserveGrace
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = def.DispatchTimeout
	}
	if cfg.DispatchLease <= cfg.DispatchTimeout {
		cfg.DispatchLease = max(def.DispatchLease, 2*cfg.DispatchTimeout)
	}

	return &Service{
		ledger:   ledger,
		decoder:  decoder,
		mailer:   mailer,
		cfg:      cfg,
		logger:   logger,
		validate: newValidator(),
		now:      time.Now,
	}
}

// ─── INGESTION ───────────────────────────────────────────────────────────────

// IngestInvoice adds a BOLT11 invoice to the reservation pool. Invoices that
// are already expired are refused.
func (s *Service) IngestInvoice(ctx context.Context, text string) (db.Invoice, error) {
	inv, err := bolt11.Decode(text)
	if err != nil {
		return db.Invoice{}, &ValidationError{Field: "invoice", Reason: ReasonInvalidInvoice, Err: err}
	}
	if !inv.ExpiresAt().After(s.now()) {
		return db.Invoice{}, ErrInvoiceExpired
	}

	rec, err := s.ledger.AddInvoice(ctx, store.AddInvoiceParams{
		PaymentHash: inv.PaymentHashHex(),
		Bolt11:      bolt11.Normalize(text),
		ExpiresAt:   inv.ExpiresAt(),
	})
	if err != nil {
		return db.Invoice{}, storageErr("ingest invoice", err)
	}

	metrics.IncInvoicesIngested()
	s.logger.Info("delivery: invoice ingested",
		"payment_hash", rec.PaymentHash,
		"expires_at", rec.ExpiresAt,
		"amount_msat", inv.AmountMsat,
	)
	return rec, nil
}

// ─── RESERVATION ─────────────────────────────────────────────────────────────

// Reserve hands out one invoice that is unreserved, unpaid and valid for at
// least the grace period. ErrPoolExhausted means the pool needs refilling.
func (s *Service) Reserve(ctx context.Context) (db.Invoice, error) {
	inv, err := s.ledger.ReserveInvoice(ctx, s.now().Add(s.cfg.ReserveGrace))
	if errors.Is(err, store.ErrPoolExhausted) {
		metrics.IncReservation(true)
		s.logger.Warn("delivery: invoice pool exhausted")
		return db.Invoice{}, ErrPoolExhausted
	}
	if err != nil {
		return db.Invoice{}, storageErr("reserve", err)
	}

	metrics.IncReservation(false)
	return inv, nil
}

// ─── COMPOSITION ─────────────────────────────────────────────────────────────

// Compose validates req and persists it as the pending email of a reserved
// invoice.
func (s *Service) Compose(ctx context.Context, inv db.Invoice, req SendRequest) (db.Email, error) {
	c, err := s.resolve(req)
	if err != nil {
		return db.Email{}, err
	}
	return s.compose(ctx, inv, c)
}

func (s *Service) compose(ctx context.Context, inv db.Invoice, c composed) (db.Email, error) {
	e, err := s.ledger.CreateEmail(ctx, store.CreateEmailParams{
		PaymentHash: inv.PaymentHash,
		ReplyTo:     c.replyTo,
		Recipients:  c.recipients,
		Subject:     c.subject,
		Body:        c.body,
	})
	if err != nil {
		return db.Email{}, storageErr("compose", err)
	}
	return e, nil
}

// Submit runs a complete send-request: every field is resolved and
// validated first, so a rejected request never consumes a reservation; then
// an invoice is reserved and the email is bound to it.
func (s *Service) Submit(ctx context.Context, req SendRequest) (Submission, error) {
	c, err := s.resolve(req)
	if err != nil {
		return Submission{}, err
	}

	inv, err := s.Reserve(ctx)
	if err != nil {
		return Submission{}, err
	}

	e, err := s.compose(ctx, inv, c)
	if err != nil {
		s.logger.Error("delivery: reserved invoice left without email",
			"payment_hash", inv.PaymentHash, "error", err)
		return Submission{}, err
	}

	s.logger.Info("delivery: email pending payment",
		"payment_hash", inv.PaymentHash,
		"email_id", e.ID,
		"encrypted_to", req.recipient().IsEncrypted(),
		"encrypted_subject", req.subject().IsEncrypted(),
	)

	req = req.normalized()
	sub := Submission{
		PaymentHash: inv.PaymentHash,
		Bolt11:      inv.Bolt11,
		ExpiresAt:   inv.ExpiresAt,
		Message:     c.body,
	}
	if req.ReplyToEnc == "" {
		sub.ReplyTo = c.replyTo
	}
	if req.ToEnc == "" {
		sub.To = req.To
	}
	if req.SubjectEnc == "" {
		sub.Subject = c.subject
	}
	return sub, nil
}

// ─── COUNTS ──────────────────────────────────────────────────────────────────

// CountAvailable counts the invoices Reserve could still hand out.
func (s *Service) CountAvailable(ctx context.Context) (int64, error) {
	n, err := s.ledger.CountAvailable(ctx, s.now().Add(s.cfg.ReserveGrace))
	if err != nil {
		return 0, storageErr("count available", err)
	}
	return n, nil
}

// CountSent counts the emails delivered so far.
func (s *Service) CountSent(ctx context.Context) (int64, error) {
	n, err := s.ledger.CountSent(ctx)
	if err != nil {
		return 0, storageErr("count sent", err)
	}
	return n, nil
}

// storageErr maps store sentinels onto the delivery taxonomy and wraps
// anything unexpected in a StorageError.
func storageErr(op string, err error) error {
	switch {
	case errors.Is(err, store.ErrInvoiceNotFound):
		return ErrInvoiceNotFound
	case errors.Is(err, store.ErrEmailNotFound):
		return ErrEmailNotFound
	case errors.Is(err, store.ErrPoolExhausted):
		return ErrPoolExhausted
	case errors.Is(err, store.ErrInvoiceExists):
		return ErrInvoiceExists
	case errors.Is(err, store.ErrDuplicateEmail):
		return ErrDuplicateEmail
	}
	return &StorageError{Op: op, Err: err}
}
