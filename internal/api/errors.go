package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/RCasatta/pay2email/internal/delivery"
	"github.com/RCasatta/pay2email/internal/encfield"
)

// respondServiceErr maps the delivery error taxonomy onto HTTP statuses.
// Client-facing errors carry their message; dispatch and storage failures
// are logged in full and answered with a generic body.
func (s *Server) respondServiceErr(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr *delivery.ValidationError
		derr *encfield.DecodingError
		xerr *delivery.DispatchError
	)
	switch {
	case errors.As(err, &verr):
		msg := fmt.Sprintf("%s: %s", verr.Field, verr.Reason)
		if verr.Err != nil {
			msg += ": " + verr.Err.Error()
		}
		respondErr(w, http.StatusBadRequest, msg)
	case errors.As(err, &derr):
		respondErr(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, delivery.ErrPoolExhausted):
		respondErr(w, http.StatusServiceUnavailable, "no invoice available, try again later")
	case errors.Is(err, delivery.ErrInvoiceNotFound):
		respondErr(w, http.StatusNotFound, "invoice not found")
	case errors.Is(err, delivery.ErrEmailNotFound):
		respondErr(w, http.StatusNotFound, "email not found")
	case errors.Is(err, delivery.ErrInvoiceExpired):
		respondErr(w, http.StatusUnprocessableEntity, "invoice expired")
	case errors.Is(err, delivery.ErrInvoiceExists):
		respondErr(w, http.StatusConflict, "invoice already exists")
	case errors.Is(err, delivery.ErrDuplicateEmail):
		respondErr(w, http.StatusConflict, "email already exists for invoice")
	case errors.Is(err, delivery.ErrNotPaid):
		respondErr(w, http.StatusConflict, "invoice not paid")
	case errors.As(err, &xerr):
		s.logger.Error("email dispatch failed",
			"payment_hash", xerr.PaymentHash,
			"error", xerr.Err,
			logField(r),
		)
		respondErr(w, http.StatusBadGateway, "email dispatch failed")
	default:
		s.respondInternalErr(w, r, err)
	}
}
