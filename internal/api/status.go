package api

import (
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/RCasatta/pay2email/internal/delivery"
)

// stateResponse reports whether an invoice is paid and its email sent.
type stateResponse struct {
	PaymentHash string `json:"payment_hash"`
	Paid        bool   `json:"paid"`
	Sent        bool   `json:"sent"`
}

func toStateResponse(hash string, st delivery.State) stateResponse {
	return stateResponse{PaymentHash: hash, Paid: st.Paid, Sent: st.Sent}
}

// paymentHashOf hashes a hex preimage that Confirm already accepted.
func paymentHashOf(preimageHex string) (string, error) {
	b, err := hex.DecodeString(strings.TrimSpace(preimageHex))
	if err != nil {
		return "", err
	}
	return delivery.PaymentHash(b), nil
}

// ─── POST /info · GET /info/{paymentHash} ────────────────────────────────────

// handleStatus is polled by the payment page until the email is sent. The
// hash comes from the URL or, for POST, the raw body.
//
// Response 200: stateResponse
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "paymentHash")
	if hash == "" {
		var ok bool
		if hash, ok = readText(w, r, maxTextBody); !ok {
			return
		}
	}

	state, err := s.svc.Status(r.Context(), hash)
	if err != nil {
		s.respondServiceErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, toStateResponse(strings.ToLower(strings.TrimSpace(hash)), state))
}

// ─── POST /email/{paymentHash}/dispatch ──────────────────────────────────────

// handleRedispatch retries delivery of a paid invoice's email after a mail
// transport failure.
func (s *Server) handleRedispatch(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "paymentHash")

	state, err := s.svc.Redispatch(r.Context(), hash)
	if err != nil {
		s.respondServiceErr(w, r, err)
		return
	}

	s.logger.Info("operator redispatch", "payment_hash", hash, "sent", state.Sent, logField(r))
	respond(w, http.StatusOK, toStateResponse(strings.ToLower(hash), state))
}

// ─── GET /email/sent ─────────────────────────────────────────────────────────

func (s *Server) handleCountSent(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.CountSent(r.Context())
	if err != nil {
		s.respondServiceErr(w, r, err)
		return
	}
	respond(w, http.StatusOK, n)
}
