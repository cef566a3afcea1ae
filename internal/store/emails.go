package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sqlc-dev/pqtype"

	"github.com/RCasatta/pay2email/internal/db"
)

// ─── INPUT TYPES ─────────────────────────────────────────────────────────────

// CreateEmailParams holds a fully validated email bound to a reserved invoice.
type CreateEmailParams struct {
	PaymentHash string
	ReplyTo     string // empty when the sender gave none
	Recipients  []string
	Subject     string
	Body        string
}

// DispatchFailure is persisted as JSON in emails.last_failure.
type DispatchFailure struct {
	Error   string    `json:"error"`
	At      time.Time `json:"at"`
	Attempt int32     `json:"attempt"`
}

// ─── ERRORS ──────────────────────────────────────────────────────────────────

var (
	// ErrEmailNotFound is returned when no email is bound to the payment hash.
	ErrEmailNotFound = errors.New("store: email not found")

	// ErrDuplicateEmail is returned when an email already exists for the
	// payment hash. The reservation invariant makes this unreachable in normal
	// operation; it is mapped from the unique constraint rather than crashing.
	ErrDuplicateEmail = errors.New("store: email already exists for invoice")

	// ErrDispatchNotClaimable is returned by ClaimDispatch when the email was
	// already sent or another attempt holds an unexpired lease on it.
	ErrDispatchNotClaimable = errors.New("store: email already sent or being dispatched")
)

// ─── METHODS ─────────────────────────────────────────────────────────────────

// CreateEmail persists the pending email for a reserved invoice.
func (s *Store) CreateEmail(ctx context.Context, p CreateEmailParams) (db.Email, error) {
	e, err := s.q.CreateEmail(ctx, db.CreateEmailParams{
		PaymentHash: p.PaymentHash,
		ReplyTo:     sql.NullString{String: p.ReplyTo, Valid: p.ReplyTo != ""},
		Recipients:  p.Recipients,
		Subject:     p.Subject,
		Body:        p.Body,
	})
	switch pqCode(err) {
	case codeUniqueViolation:
		return db.Email{}, ErrDuplicateEmail
	case codeForeignKeyViolation:
		return db.Email{}, ErrInvoiceNotFound
	}
	if err != nil {
		return db.Email{}, fmt.Errorf("CreateEmail: insert: %w", err)
	}
	return e, nil
}

// GetEmail loads the email bound to a payment hash.
func (s *Store) GetEmail(ctx context.Context, paymentHash string) (db.Email, error) {
	e, err := s.q.GetEmailByPaymentHash(ctx, paymentHash)
	if errors.Is(err, sql.ErrNoRows) {
		return db.Email{}, ErrEmailNotFound
	}
	if err != nil {
		return db.Email{}, fmt.Errorf("GetEmail: select: %w", err)
	}
	return e, nil
}

// ClaimDispatch takes a lease on an unsent email until leaseUntil. Only the
// caller holding the lease may hand the email to the mail transport, so two
// concurrent dispatch attempts for the same invoice cannot both send it.
//
// Returns ErrEmailNotFound when the invoice has no email and
// ErrDispatchNotClaimable when it was sent or is leased by someone else.
func (s *Store) ClaimDispatch(ctx context.Context, paymentHash string, now, leaseUntil time.Time) (db.Email, error) {
	e, err := s.q.ClaimEmailDispatch(ctx, db.ClaimEmailDispatchParams{
		PaymentHash: paymentHash,
		LeaseUntil:  leaseUntil.UTC(),
		Now:         now.UTC(),
	})
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return db.Email{}, fmt.Errorf("ClaimDispatch: update: %w", err)
	}

	if _, err := s.GetEmail(ctx, paymentHash); err != nil {
		return db.Email{}, err
	}
	return db.Email{}, ErrDispatchNotClaimable
}

// MarkSent records a successful dispatch and releases the lease.
func (s *Store) MarkSent(ctx context.Context, paymentHash string) (db.Email, error) {
	e, err := s.q.MarkEmailSent(ctx, paymentHash)
	if errors.Is(err, sql.ErrNoRows) {
		return db.Email{}, ErrDispatchNotClaimable
	}
	if err != nil {
		return db.Email{}, fmt.Errorf("MarkSent: update: %w", err)
	}
	return e, nil
}

// RecordDispatchFailure stores the transport failure and releases the lease
// so a later attempt can claim the email again.
func (s *Store) RecordDispatchFailure(ctx context.Context, paymentHash string, f DispatchFailure) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("RecordDispatchFailure: marshal: %w", err)
	}

	_, err = s.q.RecordEmailFailure(ctx, db.RecordEmailFailureParams{
		PaymentHash: paymentHash,
		LastFailure: pqtype.NullRawMessage{RawMessage: raw, Valid: true},
	})
	if errors.Is(err, sql.ErrNoRows) {
		return ErrDispatchNotClaimable
	}
	if err != nil {
		return fmt.Errorf("RecordDispatchFailure: update: %w", err)
	}
	return nil
}

// CountSent counts the emails that have been dispatched successfully.
func (s *Store) CountSent(ctx context.Context) (int64, error) {
	n, err := s.q.CountSentEmails(ctx)
	if err != nil {
		return 0, fmt.Errorf("CountSent: %w", err)
	}
	return n, nil
}
