package db

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"
)

type Invoice struct {
	PaymentHash string       `json:"payment_hash"`
	Bolt11      string       `json:"bolt11"`
	ExpiresAt   time.Time    `json:"expires_at"`
	Paid        bool         `json:"paid"`
	Reserved    bool         `json:"reserved"`
	CreatedAt   time.Time    `json:"created_at"`
	ReservedAt  sql.NullTime `json:"reserved_at"`
	PaidAt      sql.NullTime `json:"paid_at"`
}

type Email struct {
	ID                 uuid.UUID             `json:"id"`
	PaymentHash        string                `json:"payment_hash"`
	ReplyTo            sql.NullString        `json:"reply_to"`
	Recipients         []string              `json:"recipients"`
	Subject            string                `json:"subject"`
	Body               string                `json:"body"`
	Sent               bool                  `json:"sent"`
	CreatedAt          time.Time             `json:"created_at"`
	SentAt             sql.NullTime          `json:"sent_at"`
	DispatchAttempts   int32                 `json:"dispatch_attempts"`
	DispatchLeaseUntil sql.NullTime          `json:"dispatch_lease_until"`
	LastFailure        pqtype.NullRawMessage `json:"last_failure"`
}
