package db

import (
	"context"
	"time"
)

const invoiceColumns = `payment_hash, bolt11, expires_at, paid, reserved, created_at, reserved_at, paid_at`

func scanInvoice(row interface{ Scan(...interface{}) error }) (Invoice, error) {
	var i Invoice
	err := row.Scan(
		&i.PaymentHash,
		&i.Bolt11,
		&i.ExpiresAt,
		&i.Paid,
		&i.Reserved,
		&i.CreatedAt,
		&i.ReservedAt,
		&i.PaidAt,
	)
	return i, err
}

const countAvailableInvoices = `-- name: CountAvailableInvoices :one
SELECT count(*) FROM invoices
WHERE NOT reserved AND NOT paid AND expires_at > $1
`

func (q *Queries) CountAvailableInvoices(ctx context.Context, minExpiresAt time.Time) (int64, error) {
	row := q.db.QueryRowContext(ctx, countAvailableInvoices, minExpiresAt)
	var count int64
	err := row.Scan(&count)
	return count, err
}

const createInvoice = `-- name: CreateInvoice :one
INSERT INTO invoices (payment_hash, bolt11, expires_at)
VALUES ($1, $2, $3)
RETURNING ` + invoiceColumns

type CreateInvoiceParams struct {
	PaymentHash string    `json:"payment_hash"`
	Bolt11      string    `json:"bolt11"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (q *Queries) CreateInvoice(ctx context.Context, arg CreateInvoiceParams) (Invoice, error) {
	row := q.db.QueryRowContext(ctx, createInvoice, arg.PaymentHash, arg.Bolt11, arg.ExpiresAt)
	return scanInvoice(row)
}

const getInvoice = `-- name: GetInvoice :one
SELECT ` + invoiceColumns + ` FROM invoices
WHERE payment_hash = $1
`

func (q *Queries) GetInvoice(ctx context.Context, paymentHash string) (Invoice, error) {
	row := q.db.QueryRowContext(ctx, getInvoice, paymentHash)
	return scanInvoice(row)
}

// The NOT paid guard makes this a compare-and-swap: exactly one caller gets
// the row back, every later caller gets sql.ErrNoRows.
const markInvoicePaid = `-- name: MarkInvoicePaid :one
UPDATE invoices
SET paid = TRUE, paid_at = now()
WHERE payment_hash = $1 AND NOT paid
RETURNING ` + invoiceColumns

func (q *Queries) MarkInvoicePaid(ctx context.Context, paymentHash string) (Invoice, error) {
	row := q.db.QueryRowContext(ctx, markInvoicePaid, paymentHash)
	return scanInvoice(row)
}

// SKIP LOCKED lets concurrent reservations walk past rows another transaction
// is about to take; the outer NOT reserved re-check keeps the update a CAS.
const reserveInvoice = `-- name: ReserveInvoice :one
UPDATE invoices
SET reserved = TRUE, reserved_at = now()
WHERE payment_hash = (
    SELECT payment_hash FROM invoices
    WHERE NOT reserved AND NOT paid AND expires_at > $1
    ORDER BY expires_at
    LIMIT 1
    FOR UPDATE SKIP LOCKED
) AND NOT reserved
RETURNING ` + invoiceColumns

func (q *Queries) ReserveInvoice(ctx context.Context, minExpiresAt time.Time) (Invoice, error) {
	row := q.db.QueryRowContext(ctx, reserveInvoice, minExpiresAt)
	return scanInvoice(row)
}
