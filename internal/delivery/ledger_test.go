package delivery_test

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/RCasatta/pay2email/internal/db"
	"github.com/RCasatta/pay2email/internal/store"
)

// memLedger is an in-memory delivery.Ledger with the same compare-and-swap
// semantics as the Postgres store. One mutex stands in for row locks.
type memLedger struct {
	mu       sync.Mutex
	invoices map[string]db.Invoice
	emails   map[string]db.Email

	createEmailErr error
	markSentErr    error
}

func newMemLedger() *memLedger {
	return &memLedger{
		invoices: make(map[string]db.Invoice),
		emails:   make(map[string]db.Email),
	}
}

func (l *memLedger) AddInvoice(_ context.Context, p store.AddInvoiceParams) (db.Invoice, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.invoices[p.PaymentHash]; ok {
		return db.Invoice{}, store.ErrInvoiceExists
	}
	inv := db.Invoice{
		PaymentHash: p.PaymentHash,
		Bolt11:      p.Bolt11,
		ExpiresAt:   p.ExpiresAt,
		CreatedAt:   time.Now(),
	}
	l.invoices[p.PaymentHash] = inv
	return inv, nil
}

// put stores an invoice with arbitrary flags.
func (l *memLedger) put(inv db.Invoice) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.invoices[inv.PaymentHash] = inv
}

func (l *memLedger) ReserveInvoice(_ context.Context, minExpiresAt time.Time) (db.Invoice, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for hash, inv := range l.invoices {
		if inv.Reserved || inv.Paid || !inv.ExpiresAt.After(minExpiresAt) {
			continue
		}
		inv.Reserved = true
		inv.ReservedAt = sql.NullTime{Time: time.Now(), Valid: true}
		l.invoices[hash] = inv
		return inv, nil
	}
	return db.Invoice{}, store.ErrPoolExhausted
}

func (l *memLedger) MarkPaid(_ context.Context, hash string) (db.Invoice, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	inv, ok := l.invoices[hash]
	if !ok {
		return db.Invoice{}, false, store.ErrInvoiceNotFound
	}
	if inv.Paid {
		return inv, false, nil
	}
	inv.Paid = true
	inv.PaidAt = sql.NullTime{Time: time.Now(), Valid: true}
	l.invoices[hash] = inv
	return inv, true, nil
}

func (l *memLedger) GetInvoice(_ context.Context, hash string) (db.Invoice, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	inv, ok := l.invoices[hash]
	if !ok {
		return db.Invoice{}, store.ErrInvoiceNotFound
	}
	return inv, nil
}

func (l *memLedger) CountAvailable(_ context.Context, minExpiresAt time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int64
	for _, inv := range l.invoices {
		if !inv.Reserved && !inv.Paid && inv.ExpiresAt.After(minExpiresAt) {
			n++
		}
	}
	return n, nil
}

func (l *memLedger) CreateEmail(_ context.Context, p store.CreateEmailParams) (db.Email, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.createEmailErr != nil {
		return db.Email{}, l.createEmailErr
	}
	if _, ok := l.invoices[p.PaymentHash]; !ok {
		return db.Email{}, store.ErrInvoiceNotFound
	}
	if _, ok := l.emails[p.PaymentHash]; ok {
		return db.Email{}, store.ErrDuplicateEmail
	}
	e := db.Email{
		ID:          uuid.New(),
		PaymentHash: p.PaymentHash,
		ReplyTo:     sql.NullString{String: p.ReplyTo, Valid: p.ReplyTo != ""},
		Recipients:  append([]string(nil), p.Recipients...),
		Subject:     p.Subject,
		Body:        p.Body,
		CreatedAt:   time.Now(),
	}
	l.emails[p.PaymentHash] = e
	return e, nil
}

func (l *memLedger) GetEmail(_ context.Context, hash string) (db.Email, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.emails[hash]
	if !ok {
		return db.Email{}, store.ErrEmailNotFound
	}
	return e, nil
}

func (l *memLedger) ClaimDispatch(_ context.Context, hash string, now, leaseUntil time.Time) (db.Email, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.emails[hash]
	if !ok {
		return db.Email{}, store.ErrEmailNotFound
	}
	if e.Sent || (e.DispatchLeaseUntil.Valid && !e.DispatchLeaseUntil.Time.Before(now)) {
		return db.Email{}, store.ErrDispatchNotClaimable
	}
	e.DispatchLeaseUntil = sql.NullTime{Time: leaseUntil, Valid: true}
	e.DispatchAttempts++
	l.emails[hash] = e
	return e, nil
}

func (l *memLedger) MarkSent(_ context.Context, hash string) (db.Email, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.markSentErr != nil {
		return db.Email{}, l.markSentErr
	}
	e, ok := l.emails[hash]
	if !ok || e.Sent {
		return db.Email{}, store.ErrDispatchNotClaimable
	}
	e.Sent = true
	e.SentAt = sql.NullTime{Time: time.Now(), Valid: true}
	e.DispatchLeaseUntil = sql.NullTime{}
	l.emails[hash] = e
	return e, nil
}

func (l *memLedger) RecordDispatchFailure(_ context.Context, hash string, _ store.DispatchFailure) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.emails[hash]
	if !ok || e.Sent {
		return store.ErrDispatchNotClaimable
	}
	e.DispatchLeaseUntil = sql.NullTime{}
	l.emails[hash] = e
	return nil
}

func (l *memLedger) CountSent(_ context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int64
	for _, e := range l.emails {
		if e.Sent {
			n++
		}
	}
	return n, nil
}

func (l *memLedger) email(hash string) (db.Email, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.emails[hash]
	return e, ok
}

func (l *memLedger) invoice(hash string) db.Invoice {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.invoices[hash]
}
