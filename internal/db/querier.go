package db

import (
	"context"
	"time"
)

type Querier interface {
	ClaimEmailDispatch(ctx context.Context, arg ClaimEmailDispatchParams) (Email, error)
	CountAvailableInvoices(ctx context.Context, minExpiresAt time.Time) (int64, error)
	CountSentEmails(ctx context.Context) (int64, error)
	CreateEmail(ctx context.Context, arg CreateEmailParams) (Email, error)
	CreateInvoice(ctx context.Context, arg CreateInvoiceParams) (Invoice, error)
	GetEmailByPaymentHash(ctx context.Context, paymentHash string) (Email, error)
	GetInvoice(ctx context.Context, paymentHash string) (Invoice, error)
	MarkEmailSent(ctx context.Context, paymentHash string) (Email, error)
	MarkInvoicePaid(ctx context.Context, paymentHash string) (Invoice, error)
	RecordEmailFailure(ctx context.Context, arg RecordEmailFailureParams) (Email, error)
	ReserveInvoice(ctx context.Context, minExpiresAt time.Time) (Invoice, error)
}

var _ Querier = (*Queries)(nil)
