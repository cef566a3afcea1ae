package api

import (
	"errors"
	"mime"
	"net/http"

	"github.com/RCasatta/pay2email/internal/delivery"
)

// sendResponse is the JSON answer to a send-request. ReplyTo is null when
// absent or submitted encrypted.
type sendResponse struct {
	Bolt11      string  `json:"bolt11"`
	ReplyTo     *string `json:"reply_to"`
	Message     string  `json:"message"`
	PaymentHash string  `json:"payment_hash"`
}

// ─── POST / ───────────────────────────────────────────────────────────────────

// handleSend accepts a send-request from the HTML form or as JSON, reserves
// an invoice and binds the email to it. The answer is JSON when the client
// sends Accept: application/json and the payment page otherwise.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	req, ok := s.parseSendRequest(w, r)
	if !ok {
		return
	}

	sub, err := s.svc.Submit(r.Context(), req)
	if err != nil {
		s.respondServiceErr(w, r, err)
		return
	}

	if wantsJSON(r) {
		resp := sendResponse{
			Bolt11:      sub.Bolt11,
			Message:     sub.Message,
			PaymentHash: sub.PaymentHash,
		}
		if sub.ReplyTo != "" {
			resp.ReplyTo = &sub.ReplyTo
		}
		respond(w, http.StatusOK, resp)
		return
	}

	s.renderInvoicePage(w, r, sub)
}

// parseSendRequest reads a JSON body or a url-encoded / multipart form.
// Returns false and writes 400 on failure.
func (s *Server) parseSendRequest(w http.ResponseWriter, r *http.Request) (delivery.SendRequest, bool) {
	var req delivery.SendRequest

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		return req, decode(w, r, &req)
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxFormBody)
	var err error
	if mediaType == "multipart/form-data" {
		err = r.ParseMultipartForm(maxFormBody)
	} else {
		err = r.ParseForm()
	}
	if err != nil && !errors.Is(err, http.ErrNotMultipart) {
		respondErr(w, http.StatusBadRequest, "invalid form: "+err.Error())
		return req, false
	}

	req = delivery.SendRequest{
		ReplyTo:    r.PostFormValue("reply_to"),
		ReplyToEnc: r.PostFormValue("reply_to_enc"),
		Message:    r.PostFormValue("message"),
		To:         r.PostFormValue("to"),
		ToEnc:      r.PostFormValue("to_enc"),
		Subject:    r.PostFormValue("subject"),
		SubjectEnc: r.PostFormValue("subject_enc"),
	}
	return req, true
}
