package api

import (
	"net/http"
)

// ─── POST /encrypt ────────────────────────────────────────────────────────────

// handleEncrypt seals the raw body for the service key and returns the text
// to paste into a *_enc field. Senders who do not trust the server with a
// plaintext address should encrypt locally with the CLI or age instead.
func (s *Server) handleEncrypt(w http.ResponseWriter, r *http.Request) {
	text, ok := readText(w, r, maxFormBody)
	if !ok {
		return
	}

	enc, err := s.enc.Encrypt(text)
	if err != nil {
		s.respondInternalErr(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write([]byte(enc))
}

// ─── GET /pubkey ─────────────────────────────────────────────────────────────

// handlePubkey returns the service's age recipient (age1...).
func (s *Server) handlePubkey(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "max-age=86400")
	_, _ = w.Write([]byte(s.enc.Recipient()))
}
