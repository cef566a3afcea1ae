package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/RCasatta/pay2email/internal/db"
)

// ─── INPUT TYPES ─────────────────────────────────────────────────────────────

// AddInvoiceParams is an invoice as derived from its BOLT11 text.
type AddInvoiceParams struct {
	PaymentHash string
	Bolt11      string
	ExpiresAt   time.Time
}

// ─── ERRORS ──────────────────────────────────────────────────────────────────

var (
	// ErrInvoiceNotFound is returned when no invoice has the payment hash.
	ErrInvoiceNotFound = errors.New("store: invoice not found")

	// ErrInvoiceExists is returned when an invoice with the same payment hash
	// was already ingested.
	ErrInvoiceExists = errors.New("store: invoice already exists")

	// ErrPoolExhausted is returned by ReserveInvoice when no invoice is
	// unreserved, unpaid and valid past the requested expiry.
	ErrPoolExhausted = errors.New("store: no invoice available for reservation")
)

// ─── METHODS ─────────────────────────────────────────────────────────────────

// AddInvoice inserts a new, unreserved and unpaid invoice.
func (s *Store) AddInvoice(ctx context.Context, p AddInvoiceParams) (db.Invoice, error) {
	inv, err := s.q.CreateInvoice(ctx, db.CreateInvoiceParams{
		PaymentHash: p.PaymentHash,
		Bolt11:      p.Bolt11,
		ExpiresAt:   p.ExpiresAt.UTC(),
	})
	if pqCode(err) == codeUniqueViolation {
		return db.Invoice{}, ErrInvoiceExists
	}
	if err != nil {
		return db.Invoice{}, fmt.Errorf("AddInvoice: insert: %w", err)
	}
	return inv, nil
}

// ReserveInvoice hands out one invoice that is neither reserved nor paid and
// that stays valid past minExpiresAt, flipping its reserved flag in the same
// statement.
//
// The selection runs under READ COMMITTED with FOR UPDATE SKIP LOCKED. Two
// concurrent callers can never lock the same row, and the outer NOT reserved
// guard rejects a row that a committed transaction has already taken, so the
// eligible set is partitioned without overlap.
func (s *Store) ReserveInvoice(ctx context.Context, minExpiresAt time.Time) (db.Invoice, error) {
	var inv db.Invoice

	err := s.withTx(ctx, sql.LevelReadCommitted, func(ctx context.Context, q db.Querier) error {
		var err error
		inv, err = q.ReserveInvoice(ctx, minExpiresAt.UTC())
		if errors.Is(err, sql.ErrNoRows) {
			return ErrPoolExhausted
		}
		if err != nil {
			return fmt.Errorf("ReserveInvoice: update: %w", err)
		}
		return nil
	})

	return inv, err
}

// MarkPaid flips the paid flag of the invoice. The boolean reports whether
// this call performed the transition; false means the invoice was already
// paid and the current row is returned unchanged.
func (s *Store) MarkPaid(ctx context.Context, paymentHash string) (db.Invoice, bool, error) {
	inv, err := s.q.MarkInvoicePaid(ctx, paymentHash)
	if err == nil {
		return inv, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return db.Invoice{}, false, fmt.Errorf("MarkPaid: update: %w", err)
	}

	inv, err = s.GetInvoice(ctx, paymentHash)
	if err != nil {
		return db.Invoice{}, false, err
	}
	return inv, false, nil
}

// GetInvoice loads one invoice by payment hash.
func (s *Store) GetInvoice(ctx context.Context, paymentHash string) (db.Invoice, error) {
	inv, err := s.q.GetInvoice(ctx, paymentHash)
	if errors.Is(err, sql.ErrNoRows) {
		return db.Invoice{}, ErrInvoiceNotFound
	}
	if err != nil {
		return db.Invoice{}, fmt.Errorf("GetInvoice: select: %w", err)
	}
	return inv, nil
}

// CountAvailable counts the invoices ReserveInvoice could still hand out.
func (s *Store) CountAvailable(ctx context.Context, minExpiresAt time.Time) (int64, error) {
	n, err := s.q.CountAvailableInvoices(ctx, minExpiresAt.UTC())
	if err != nil {
		return 0, fmt.Errorf("CountAvailable: %w", err)
	}
	return n, nil
}
