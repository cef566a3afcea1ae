package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/RCasatta/pay2email/internal/db"
)

// invoiceResponse is the public view of an ingested invoice.
type invoiceResponse struct {
	PaymentHash string    `json:"payment_hash"`
	Bolt11      string    `json:"bolt11"`
	ExpiresAt   time.Time `json:"expires_at"`
	Paid        bool      `json:"paid"`
	Reserved    bool      `json:"reserved"`
}

func toInvoiceResponse(inv db.Invoice) invoiceResponse {
	return invoiceResponse{
		PaymentHash: inv.PaymentHash,
		Bolt11:      inv.Bolt11,
		ExpiresAt:   inv.ExpiresAt.UTC(),
		Paid:        inv.Paid,
		Reserved:    inv.Reserved,
	}
}

// ─── POST /invoice ────────────────────────────────────────────────────────────

// handleAddInvoice ingests one BOLT11 invoice sent as the raw request body.
// The operator's uploader calls it to keep the pool topped up.
//
// Response 201: invoiceResponse
func (s *Server) handleAddInvoice(w http.ResponseWriter, r *http.Request) {
	text, ok := readText(w, r, maxTextBody)
	if !ok {
		return
	}

	inv, err := s.svc.IngestInvoice(r.Context(), text)
	if err != nil {
		s.respondServiceErr(w, r, err)
		return
	}

	w.Header().Set("Location", "/info/"+inv.PaymentHash)
	respond(w, http.StatusCreated, toInvoiceResponse(inv))
}

// ─── GET /invoice/count ───────────────────────────────────────────────────────

// handleCountInvoices returns the number of invoices that can still be
// reserved, as a bare JSON number.
func (s *Server) handleCountInvoices(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.CountAvailable(r.Context())
	if err != nil {
		s.respondServiceErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, n)
}

// ─── POST /invoice/paid ───────────────────────────────────────────────────────

// handleInvoicePaid is called by the lightning node's payment hook with the
// hex preimage as the body. It is safe to retry.
//
// Response 200: stateResponse
func (s *Server) handleInvoicePaid(w http.ResponseWriter, r *http.Request) {
	preimage, ok := readText(w, r, maxTextBody)
	if !ok {
		return
	}

	state, err := s.svc.Confirm(r.Context(), preimage)
	if err != nil {
		s.respondServiceErr(w, r, err)
		return
	}

	hash, err := paymentHashOf(preimage)
	if err != nil {
		s.respondInternalErr(w, r, fmt.Errorf("invoice paid: hash preimage: %w", err))
		return
	}
	respond(w, http.StatusOK, toStateResponse(hash, state))
}
