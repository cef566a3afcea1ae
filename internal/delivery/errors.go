package delivery

import (
	"errors"
	"fmt"
)

// ─── SENTINELS ───────────────────────────────────────────────────────────────

var (
	// ErrNotFound is the parent of every not-found outcome.
	ErrNotFound = errors.New("delivery: not found")

	// ErrInvoiceNotFound means no tracked invoice has the payment hash. A
	// preimage whose hash is unknown is rejected with this error.
	ErrInvoiceNotFound = fmt.Errorf("%w: invoice", ErrNotFound)

	// ErrEmailNotFound means the invoice has no pending email.
	ErrEmailNotFound = fmt.Errorf("%w: email", ErrNotFound)

	// ErrPoolExhausted means no invoice is eligible for reservation. It is
	// resolved by ingesting more invoices, never by retrying.
	ErrPoolExhausted = fmt.Errorf("%w: no invoice available", ErrNotFound)

	ErrInvoiceExpired = errors.New("delivery: invoice expired")
	ErrInvoiceExists  = errors.New("delivery: invoice already ingested")
	ErrDuplicateEmail = errors.New("delivery: email already exists for invoice")
	ErrNotPaid        = errors.New("delivery: invoice not paid")
)

// ─── VALIDATION ──────────────────────────────────────────────────────────────

// Reason classifies a ValidationError.
type Reason string

const (
	ReasonMissing        Reason = "missing"
	ReasonAmbiguous      Reason = "ambiguous"
	ReasonEmpty          Reason = "empty"
	ReasonInvalidMailbox Reason = "invalid mailbox"
	ReasonInvalidHeader  Reason = "invalid header value"
	ReasonInvalidHex     Reason = "invalid hex"
	ReasonInvalidInvoice Reason = "invalid invoice"
)

// ValidationError reports client input that cannot be accepted. Field is the
// wire name of the offending field.
type ValidationError struct {
	Field  string
	Reason Reason
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("delivery: %s: %s: %v", e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("delivery: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ─── INFRASTRUCTURE ──────────────────────────────────────────────────────────

// DispatchError wraps a mail transport failure. The invoice stays paid and
// the email stays unsent so a later dispatch can still succeed.
type DispatchError struct {
	PaymentHash string
	Err         error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("delivery: dispatch %s: %v", e.PaymentHash, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// StorageError wraps an unexpected failure at the store boundary.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("delivery: %s: storage: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
