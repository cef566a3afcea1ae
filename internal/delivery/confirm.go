package delivery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/RCasatta/pay2email/internal/email"
	"github.com/RCasatta/pay2email/internal/metrics"
	"github.com/RCasatta/pay2email/internal/store"
)

const preimageSize = 32

// PaymentHash returns the hex sha256 of preimage.
func PaymentHash(preimage []byte) string {
	sum := sha256.Sum256(preimage)
	return hex.EncodeToString(sum[:])
}

// Confirm verifies that a disclosed preimage belongs to a tracked invoice,
// marks the invoice paid and dispatches its pending email.
//
// Confirm is idempotent: when the invoice is already paid it returns the
// current state without calling the mail transport, so a notifier that
// retries cannot cause a second email.
func (s *Service) Confirm(ctx context.Context, preimageHex string) (State, error) {
	preimage, err := hex.DecodeString(strings.TrimSpace(preimageHex))
	if err == nil && len(preimage) != preimageSize {
		err = fmt.Errorf("want %d bytes, got %d", preimageSize, len(preimage))
	}
	if err != nil {
		return State{}, &ValidationError{Field: "preimage", Reason: ReasonInvalidHex, Err: err}
	}

	hash := PaymentHash(preimage)
	log := s.logger.With("payment_hash", hash)

	// ── 1. Mark paid ──────────────────────────────────────────────────────────
	// Compare-and-swap on the paid flag. It commits before dispatch starts, so
	// no lock is held while the mail transport runs, and only one of two
	// racing confirmations sees first == true.
	_, first, err := s.ledger.MarkPaid(ctx, hash)
	if err != nil {
		return State{}, storageErr("confirm", err)
	}
	if !first {
		log.Info("delivery: payment already confirmed")
		return s.status(ctx, hash)
	}
	metrics.IncPaymentsConfirmed()
	log.Info("delivery: invoice paid")

	// ── 2. Dispatch ───────────────────────────────────────────────────────────
	// A retried notification sees the invoice already paid and will not
	// dispatch, so the caller going away must not abort the claim.
	return s.dispatch(context.WithoutCancel(ctx), hash, log)
}

// Redispatch retries delivery for a paid invoice whose email is not yet
// sent. It is the hook for an external retry mechanism and takes the same
// dispatch lease as Confirm, so it never sends an email twice.
func (s *Service) Redispatch(ctx context.Context, paymentHash string) (State, error) {
	hash, err := normalizeHash(paymentHash)
	if err != nil {
		return State{}, err
	}

	inv, err := s.ledger.GetInvoice(ctx, hash)
	if err != nil {
		return State{}, storageErr("redispatch", err)
	}
	if !inv.Paid {
		return State{}, ErrNotPaid
	}
	if _, err := s.ledger.GetEmail(ctx, hash); err != nil {
		return State{Paid: true}, storageErr("redispatch", err)
	}

	return s.dispatch(ctx, hash, s.logger.With("payment_hash", hash, "redispatch", true))
}

// dispatch claims the pending email of a paid invoice, hands it to the mail
// transport and records the outcome.
func (s *Service) dispatch(ctx context.Context, hash string, log *slog.Logger) (State, error) {
	now := s.now()
	e, err := s.ledger.ClaimDispatch(ctx, hash, now, now.Add(s.cfg.DispatchLease))
	switch {
	case errors.Is(err, store.ErrEmailNotFound):
		// Paid but never claimed by a send-request.
		log.Info("delivery: paid invoice has no pending email")
		return State{Paid: true}, nil
	case errors.Is(err, store.ErrDispatchNotClaimable):
		log.Info("delivery: email already sent or being dispatched")
		return s.status(ctx, hash)
	case err != nil:
		return State{Paid: true}, storageErr("claim dispatch", err)
	}

	msg := email.Message{
		Recipients: e.Recipients,
		ReplyTo:    e.ReplyTo.String,
		Subject:    e.Subject,
		Body:       e.Body,
	}

	dctx, cancel := context.WithTimeout(ctx, s.cfg.DispatchTimeout)
	start := time.Now()
	err = s.mailer.Dispatch(dctx, msg)
	cancel()
	metrics.ObserveDispatch(time.Since(start).Seconds(), err)

	// The outcome is recorded even when the caller has gone away.
	rctx := context.WithoutCancel(ctx)

	if err != nil {
		log.Error("delivery: dispatch failed",
			"email_id", e.ID,
			"attempt", e.DispatchAttempts,
			"error", err,
		)
		failure := store.DispatchFailure{Error: err.Error(), At: now.UTC(), Attempt: e.DispatchAttempts}
		if recErr := s.ledger.RecordDispatchFailure(rctx, hash, failure); recErr != nil {
			log.Error("delivery: record dispatch failure", "error", recErr)
		}
		return State{Paid: true}, &DispatchError{PaymentHash: hash, Err: err}
	}

	if _, err := s.ledger.MarkSent(rctx, hash); err != nil {
		log.Error("delivery: email dispatched but not marked sent", "email_id", e.ID, "error", err)
		return State{Paid: true}, storageErr("mark sent", err)
	}

	log.Info("delivery: email sent", "email_id", e.ID, "attempt", e.DispatchAttempts)
	return State{Paid: true, Sent: true}, nil
}

// Status reports whether the invoice is paid and its email sent. It never
// mutates anything.
func (s *Service) Status(ctx context.Context, paymentHash string) (State, error) {
	hash, err := normalizeHash(paymentHash)
	if err != nil {
		return State{}, err
	}
	return s.status(ctx, hash)
}

func (s *Service) status(ctx context.Context, hash string) (State, error) {
	inv, err := s.ledger.GetInvoice(ctx, hash)
	if err != nil {
		return State{}, storageErr("status", err)
	}
	if !inv.Paid {
		return State{}, nil
	}

	e, err := s.ledger.GetEmail(ctx, hash)
	if errors.Is(err, store.ErrEmailNotFound) {
		return State{Paid: true}, nil
	}
	if err != nil {
		return State{}, storageErr("status", err)
	}
	return State{Paid: true, Sent: e.Sent}, nil
}

func normalizeHash(s string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	b, err := hex.DecodeString(s)
	if err == nil && len(b) != sha256.Size {
		err = fmt.Errorf("want %d bytes, got %d", sha256.Size, len(b))
	}
	if err != nil {
		return "", &ValidationError{Field: "payment_hash", Reason: ReasonInvalidHex, Err: err}
	}
	return s, nil
}
