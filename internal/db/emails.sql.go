package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
	"github.com/sqlc-dev/pqtype"
)

const emailColumns = `id, payment_hash, reply_to, recipients, subject, body, sent, created_at, sent_at, dispatch_attempts, dispatch_lease_until, last_failure`

func scanEmail(row interface{ Scan(...interface{}) error }) (Email, error) {
	var e Email
	err := row.Scan(
		&e.ID,
		&e.PaymentHash,
		&e.ReplyTo,
		pq.Array(&e.Recipients),
		&e.Subject,
		&e.Body,
		&e.Sent,
		&e.CreatedAt,
		&e.SentAt,
		&e.DispatchAttempts,
		&e.DispatchLeaseUntil,
		&e.LastFailure,
	)
	return e, err
}

// A claim succeeds only for an unsent email whose previous lease, if any, has
// lapsed. The lease is cleared again by MarkEmailSent or RecordEmailFailure.
const claimEmailDispatch = `-- name: ClaimEmailDispatch :one
UPDATE emails
SET dispatch_lease_until = $2, dispatch_attempts = dispatch_attempts + 1
WHERE payment_hash = $1
  AND NOT sent
  AND (dispatch_lease_until IS NULL OR dispatch_lease_until < $3)
RETURNING ` + emailColumns

type ClaimEmailDispatchParams struct {
	PaymentHash string    `json:"payment_hash"`
	LeaseUntil  time.Time `json:"lease_until"`
	Now         time.Time `json:"now"`
}

func (q *Queries) ClaimEmailDispatch(ctx context.Context, arg ClaimEmailDispatchParams) (Email, error) {
	row := q.db.QueryRowContext(ctx, claimEmailDispatch, arg.PaymentHash, arg.LeaseUntil, arg.Now)
	return scanEmail(row)
}

const countSentEmails = `-- name: CountSentEmails :one
SELECT count(*) FROM emails WHERE sent
`

func (q *Queries) CountSentEmails(ctx context.Context) (int64, error) {
	row := q.db.QueryRowContext(ctx, countSentEmails)
	var count int64
	err := row.Scan(&count)
	return count, err
}

const createEmail = `-- name: CreateEmail :one
INSERT INTO emails (payment_hash, reply_to, recipients, subject, body)
VALUES ($1, $2, $3, $4, $5)
RETURNING ` + emailColumns

type CreateEmailParams struct {
	PaymentHash string         `json:"payment_hash"`
	ReplyTo     sql.NullString `json:"reply_to"`
	Recipients  []string       `json:"recipients"`
	Subject     string         `json:"subject"`
	Body        string         `json:"body"`
}

func (q *Queries) CreateEmail(ctx context.Context, arg CreateEmailParams) (Email, error) {
	row := q.db.QueryRowContext(ctx, createEmail,
		arg.PaymentHash,
		arg.ReplyTo,
		pq.Array(arg.Recipients),
		arg.Subject,
		arg.Body,
	)
	return scanEmail(row)
}

const getEmailByPaymentHash = `-- name: GetEmailByPaymentHash :one
SELECT ` + emailColumns + ` FROM emails
WHERE payment_hash = $1
`

func (q *Queries) GetEmailByPaymentHash(ctx context.Context, paymentHash string) (Email, error) {
	row := q.db.QueryRowContext(ctx, getEmailByPaymentHash, paymentHash)
	return scanEmail(row)
}

const markEmailSent = `-- name: MarkEmailSent :one
UPDATE emails
SET sent = TRUE, sent_at = now(), dispatch_lease_until = NULL
WHERE payment_hash = $1 AND NOT sent
RETURNING ` + emailColumns

func (q *Queries) MarkEmailSent(ctx context.Context, paymentHash string) (Email, error) {
	row := q.db.QueryRowContext(ctx, markEmailSent, paymentHash)
	return scanEmail(row)
}

const recordEmailFailure = `-- name: RecordEmailFailure :one
UPDATE emails
SET last_failure = $2, dispatch_lease_until = NULL
WHERE payment_hash = $1 AND NOT sent
RETURNING ` + emailColumns

type RecordEmailFailureParams struct {
	PaymentHash string                `json:"payment_hash"`
	LastFailure pqtype.NullRawMessage `json:"last_failure"`
}

func (q *Queries) RecordEmailFailure(ctx context.Context, arg RecordEmailFailureParams) (Email, error) {
	row := q.db.QueryRowContext(ctx, recordEmailFailure, arg.PaymentHash, arg.LastFailure)
	return scanEmail(row)
}
