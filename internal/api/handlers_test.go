package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/RCasatta/pay2email/internal/api"
	"github.com/RCasatta/pay2email/internal/db"
	"github.com/RCasatta/pay2email/internal/delivery"
	"github.com/RCasatta/pay2email/internal/encfield"
	"github.com/RCasatta/pay2email/internal/ratelimit"
)

// ─── STUBS ────────────────────────────────────────────────────────────────────

// stubService satisfies api.Service. Fields may be set per-test to control
// behaviour; the last arguments are recorded for assertions.
type stubService struct {
	invoice   db.Invoice
	available int64
	sent      int64
	sub       delivery.Submission
	state     delivery.State
	err       error

	lastText    string
	lastRequest delivery.SendRequest
	lastHash    string
	lastExpiry  time.Time
	submits     int
}

func (s *stubService) IngestInvoice(_ context.Context, text string) (db.Invoice, error) {
	s.lastText = text
	return s.invoice, s.err
}

func (s *stubService) CountAvailable(context.Context) (int64, error) { return s.available, s.err }
func (s *stubService) CountSent(context.Context) (int64, error)      { return s.sent, s.err }

func (s *stubService) Submit(_ context.Context, req delivery.SendRequest) (delivery.Submission, error) {
	s.submits++
	s.lastRequest = req
	return s.sub, s.err
}

func (s *stubService) Confirm(ctx context.Context, preimage string) (delivery.State, error) {
	s.lastText = preimage
	s.lastExpiry, _ = ctx.Deadline()
	return s.state, s.err
}

func (s *stubService) Status(_ context.Context, hash string) (delivery.State, error) {
	s.lastHash = hash
	return s.state, s.err
}

func (s *stubService) Redispatch(_ context.Context, hash string) (delivery.State, error) {
	s.lastHash = hash
	return s.state, s.err
}

// stubEncrypter returns a fixed ciphertext.
type stubEncrypter struct{ err error }

func (stubEncrypter) Recipient() string { return "age1test" }

func (e stubEncrypter) Encrypt(plaintext string) (string, error) {
	return "e1sealed" + strings.ToLower(plaintext[:1]), e.err
}

// ─── HELPERS ─────────────────────────────────────────────────────────────────

const (
	authUser     = "operator"
	authPassword = "hunter2"
	hash         = "0001020304050607080910111213141516171819202122232425262728293031"
)

type testDeps struct {
	svc     *stubService
	handler http.Handler
}

func newTestServer(t *testing.T, cfgOverrides ...func(*api.Config)) *testDeps {
	t.Helper()

	svc := &stubService{
		sub: delivery.Submission{
			PaymentHash: hash,
			Bolt11:      "lnbc200n1ptest",
			ExpiresAt:   time.Now().Add(2 * time.Hour),
			To:          "a@b.com",
			Subject:     "Hi",
			Message:     "hello",
		},
	}

	cfg := api.Config{
		Env:          "development",
		AuthUser:     authUser,
		AuthPassword: authPassword,
		SendLimit:    ratelimit.Policy{Name: "send", Limit: 100, Window: time.Minute},
	}
	for _, fn := range cfgOverrides {
		fn(&cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := api.NewServer(svc, stubEncrypter{}, ratelimit.NewMemoryStore(), nil, cfg, logger)

	return &testDeps{svc: svc, handler: handler}
}

func doRequest(t *testing.T, handler http.Handler, method, path string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func authed(extra map[string]string) map[string]string {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.SetBasicAuth(authUser, authPassword)
	h := map[string]string{"Authorization": req.Header.Get("Authorization")}
	for k, v := range extra {
		h[k] = v
	}
	return h
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(dst); err != nil {
		t.Fatalf("decode response body: %v (raw: %s)", err, rr.Body.String())
	}
}

func form(values map[string]string) io.Reader {
	v := url.Values{}
	for k, val := range values {
		v.Set(k, val)
	}
	return strings.NewReader(v.Encode())
}

var formHeaders = map[string]string{"Content-Type": "application/x-www-form-urlencoded"}

// ─── GET /healthz ─────────────────────────────────────────────────────────────

func TestHealthz(t *testing.T) {
	deps := newTestServer(t)
	rr := doRequest(t, deps.handler, http.MethodGet, "/healthz", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

// ─── AUTH ─────────────────────────────────────────────────────────────────────

func TestOperatorRoutes_RequireBasicAuth(t *testing.T) {
	deps := newTestServer(t)
	routes := []struct{ method, path string }{
		{http.MethodPost, "/invoice"},
		{http.MethodPost, "/invoice/paid"},
		{http.MethodGet, "/email/sent"},
		{http.MethodPost, "/email/" + hash + "/dispatch"},
		{http.MethodGet, "/metrics"},
	}
	for _, rt := range routes {
		rr := doRequest(t, deps.handler, rt.method, rt.path, strings.NewReader("x"), nil)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: expected 401, got %d", rt.method, rt.path, rr.Code)
		}
		if got := rr.Header().Get("WWW-Authenticate"); got != `Basic realm="Access to restricted API"` {
			t.Errorf("%s %s: WWW-Authenticate = %q", rt.method, rt.path, got)
		}
	}
}

func TestOperatorRoutes_WrongPasswordReturns401(t *testing.T) {
	deps := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/email/sent", nil)
	req.SetBasicAuth(authUser, "wrong")
	rr := httptest.NewRecorder()
	deps.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

// ─── POST /invoice ────────────────────────────────────────────────────────────

func TestAddInvoice_Returns201(t *testing.T) {
	deps := newTestServer(t)
	deps.svc.invoice = db.Invoice{PaymentHash: hash, Bolt11: "lnbc1", ExpiresAt: time.Now().Add(time.Hour)}

	rr := doRequest(t, deps.handler, http.MethodPost, "/invoice", strings.NewReader("  lnbc1\n"), authed(nil))
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if deps.svc.lastText != "lnbc1" {
		t.Errorf("body not trimmed: %q", deps.svc.lastText)
	}

	var resp struct {
		PaymentHash string `json:"payment_hash"`
		Paid        bool   `json:"paid"`
	}
	decodeJSON(t, rr, &resp)
	if resp.PaymentHash != hash || resp.Paid {
		t.Errorf("unexpected body: %+v", resp)
	}
}

func TestAddInvoice_ErrorStatuses(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"invalid", &delivery.ValidationError{Field: "invoice", Reason: delivery.ReasonInvalidInvoice}, http.StatusBadRequest},
		{"expired", delivery.ErrInvoiceExpired, http.StatusUnprocessableEntity},
		{"duplicate", delivery.ErrInvoiceExists, http.StatusConflict},
		{"storage", &delivery.StorageError{Op: "ingest invoice", Err: errors.New("pq: connection refused")}, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			deps := newTestServer(t)
			deps.svc.err = tc.err
			rr := doRequest(t, deps.handler, http.MethodPost, "/invoice", strings.NewReader("lnbc1"), authed(nil))
			if rr.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestAddInvoice_EmptyBodyReturns400(t *testing.T) {
	deps := newTestServer(t)
	rr := doRequest(t, deps.handler, http.MethodPost, "/invoice", strings.NewReader("  "), authed(nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

// ─── COUNTS ───────────────────────────────────────────────────────────────────

func TestCountInvoices_IsPublic(t *testing.T) {
	deps := newTestServer(t)
	deps.svc.available = 42
	rr := doRequest(t, deps.handler, http.MethodGet, "/invoice/count", nil, nil)
	if rr.Code != http.StatusOK || strings.TrimSpace(rr.Body.String()) != "42" {
		t.Fatalf("got %d %q", rr.Code, rr.Body.String())
	}
}

func TestCountSent(t *testing.T) {
	deps := newTestServer(t)
	deps.svc.sent = 7
	rr := doRequest(t, deps.handler, http.MethodGet, "/email/sent", nil, authed(nil))
	if rr.Code != http.StatusOK || strings.TrimSpace(rr.Body.String()) != "7" {
		t.Fatalf("got %d %q", rr.Code, rr.Body.String())
	}
}

// ─── POST /invoice/paid ───────────────────────────────────────────────────────

func TestInvoicePaid_ReturnsState(t *testing.T) {
	deps := newTestServer(t)
	deps.svc.state = delivery.State{Paid: true, Sent: true}
	preimage := strings.Repeat("00", 32)

	rr := doRequest(t, deps.handler, http.MethodPost, "/invoice/paid", strings.NewReader(preimage), authed(nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp struct {
		PaymentHash string `json:"payment_hash"`
		Paid        bool   `json:"paid"`
		Sent        bool   `json:"sent"`
	}
	decodeJSON(t, rr, &resp)
	if !resp.Paid || !resp.Sent {
		t.Errorf("unexpected state: %+v", resp)
	}
	if resp.PaymentHash != delivery.PaymentHash(make([]byte, 32)) {
		t.Errorf("payment_hash = %s", resp.PaymentHash)
	}
}

func TestInvoicePaid_RequestTimeoutFromConfig(t *testing.T) {
	deps := newTestServer(t, func(c *api.Config) { c.RequestTimeout = 90 * time.Second })

	start := time.Now()
	rr := doRequest(t, deps.handler, http.MethodPost, "/invoice/paid", strings.NewReader(strings.Repeat("00", 32)), authed(nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	got := deps.svc.lastExpiry.Sub(start)
	if got < 89*time.Second || got > 91*time.Second {
		t.Errorf("request deadline %s, want about 90s", got)
	}
}

func TestInvoicePaid_UnhashablePreimageIsInternalError(t *testing.T) {
	deps := newTestServer(t)
	deps.svc.state = delivery.State{Paid: true, Sent: true}

	rr := doRequest(t, deps.handler, http.MethodPost, "/invoice/paid", strings.NewReader("zz"), authed(nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", rr.Code, rr.Body.String())
	}
	if strings.Contains(rr.Body.String(), `"payment_hash"`) {
		t.Errorf("state returned without a payment hash: %s", rr.Body.String())
	}
}

func TestInvoicePaid_ErrorStatuses(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"bad hex", &delivery.ValidationError{Field: "preimage", Reason: delivery.ReasonInvalidHex}, http.StatusBadRequest},
		{"unknown", delivery.ErrInvoiceNotFound, http.StatusNotFound},
		{"dispatch", &delivery.DispatchError{PaymentHash: hash, Err: errors.New("550 mailbox unavailable")}, http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			deps := newTestServer(t)
			deps.svc.err = tc.err
			rr := doRequest(t, deps.handler, http.MethodPost, "/invoice/paid", strings.NewReader("00"), authed(nil))
			if rr.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rr.Code)
			}
			if strings.Contains(rr.Body.String(), "550") {
				t.Errorf("transport detail leaked: %s", rr.Body.String())
			}
		})
	}
}

// ─── STATUS ───────────────────────────────────────────────────────────────────

func TestStatus_PostAndGet(t *testing.T) {
	deps := newTestServer(t)
	deps.svc.state = delivery.State{Paid: true}

	rr := doRequest(t, deps.handler, http.MethodPost, "/info", strings.NewReader(hash), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("POST: expected 200, got %d", rr.Code)
	}
	if deps.svc.lastHash != hash {
		t.Errorf("POST: hash = %q", deps.svc.lastHash)
	}

	rr = doRequest(t, deps.handler, http.MethodGet, "/info/"+strings.ToUpper(hash), nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("GET: expected 200, got %d", rr.Code)
	}
	var resp struct {
		PaymentHash string `json:"payment_hash"`
		Paid        bool   `json:"paid"`
		Sent        bool   `json:"sent"`
	}
	decodeJSON(t, rr, &resp)
	if resp.PaymentHash != hash || !resp.Paid || resp.Sent {
		t.Errorf("unexpected body: %+v", resp)
	}
}

func TestStatus_UnknownReturns404(t *testing.T) {
	deps := newTestServer(t)
	deps.svc.err = delivery.ErrInvoiceNotFound
	rr := doRequest(t, deps.handler, http.MethodGet, "/info/"+hash, nil, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

// ─── POST /email/{paymentHash}/dispatch ──────────────────────────────────────

func TestRedispatch(t *testing.T) {
	deps := newTestServer(t)
	deps.svc.state = delivery.State{Paid: true, Sent: true}
	rr := doRequest(t, deps.handler, http.MethodPost, "/email/"+hash+"/dispatch", nil, authed(nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if deps.svc.lastHash != hash {
		t.Errorf("hash = %q", deps.svc.lastHash)
	}

	deps.svc.err = delivery.ErrNotPaid
	rr = doRequest(t, deps.handler, http.MethodPost, "/email/"+hash+"/dispatch", nil, authed(nil))
	if rr.Code != http.StatusConflict {
		t.Fatalf("not paid: expected 409, got %d", rr.Code)
	}
}

// ─── POST / ───────────────────────────────────────────────────────────────────

func TestSend_FormReturnsInvoicePage(t *testing.T) {
	deps := newTestServer(t)
	rr := doRequest(t, deps.handler, http.MethodPost, "/",
		form(map[string]string{"to": "a@b.com", "subject": "Hi", "message": "hello"}),
		map[string]string{
			"Content-Type": "application/x-www-form-urlencoded",
			"Referer":      "https://example.com/contact",
		})

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q", ct)
	}
	body := rr.Body.String()
	for _, want := range []string{
		`src="data:image/png;base64,`,
		`href="lightning:lnbc200n1ptest"`,
		hash,
		`Back to <a href="https://example.com/contact">`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("page missing %q", want)
		}
	}

	got := deps.svc.lastRequest
	if got.To != "a@b.com" || got.Subject != "Hi" || got.Message != "hello" {
		t.Errorf("form not parsed: %+v", got)
	}
}

func TestSend_JSONNegotiation(t *testing.T) {
	deps := newTestServer(t)
	body, _ := json.Marshal(map[string]string{"to_enc": "e1abc", "subject": "Hi", "message": "hello"})

	rr := doRequest(t, deps.handler, http.MethodPost, "/", bytes.NewReader(body), map[string]string{
		"Content-Type": "application/json",
		"Accept":       "application/json",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp map[string]any
	decodeJSON(t, rr, &resp)
	if resp["bolt11"] != "lnbc200n1ptest" || resp["payment_hash"] != hash || resp["message"] != "hello" {
		t.Errorf("unexpected body: %v", resp)
	}
	if v, ok := resp["reply_to"]; !ok || v != nil {
		t.Errorf("reply_to should be null, got %v", v)
	}
	if deps.svc.lastRequest.ToEnc != "e1abc" {
		t.Errorf("to_enc not decoded: %+v", deps.svc.lastRequest)
	}
}

func TestSend_HostileRefererIsNeutralised(t *testing.T) {
	deps := newTestServer(t)
	rr := doRequest(t, deps.handler, http.MethodPost, "/",
		form(map[string]string{"to": "a@b.com", "subject": "Hi", "message": "hello"}),
		map[string]string{
			"Content-Type": "application/x-www-form-urlencoded",
			"Referer":      `javascript:alert(1)`,
		})
	if strings.Contains(rr.Body.String(), `href="javascript:`) {
		t.Fatal("javascript: URL rendered as link")
	}
}

func TestSend_ErrorStatuses(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"ambiguous", &delivery.ValidationError{Field: "to", Reason: delivery.ReasonAmbiguous}, http.StatusBadRequest},
		{"undecodable", &encfield.DecodingError{Kind: encfield.KindDecryption}, http.StatusBadRequest},
		{"exhausted", delivery.ErrPoolExhausted, http.StatusServiceUnavailable},
		{"duplicate", delivery.ErrDuplicateEmail, http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			deps := newTestServer(t)
			deps.svc.err = tc.err
			rr := doRequest(t, deps.handler, http.MethodPost, "/",
				form(map[string]string{"to": "a@b.com", "subject": "Hi", "message": "hello"}), formHeaders)
			if rr.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestSend_UnknownJSONFieldReturns400(t *testing.T) {
	deps := newTestServer(t)
	rr := doRequest(t, deps.handler, http.MethodPost, "/",
		strings.NewReader(`{"to":"a@b.com","bcc":"x@y.z"}`),
		map[string]string{"Content-Type": "application/json"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if deps.svc.submits != 0 {
		t.Error("service called on a rejected body")
	}
}

func TestSend_RateLimited(t *testing.T) {
	deps := newTestServer(t, func(c *api.Config) {
		c.SendLimit = ratelimit.Policy{Name: "send", Limit: 2, Window: time.Minute}
	})

	var last *httptest.ResponseRecorder
	for range 3 {
		last = doRequest(t, deps.handler, http.MethodPost, "/",
			form(map[string]string{"to": "a@b.com", "subject": "Hi", "message": "hello"}), formHeaders)
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", last.Code)
	}
	if last.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
	if deps.svc.submits != 2 {
		t.Errorf("submits = %d, want 2", deps.svc.submits)
	}
}

// ─── ENCRYPT ──────────────────────────────────────────────────────────────────

func TestEncryptAndPubkey(t *testing.T) {
	deps := newTestServer(t)

	rr := doRequest(t, deps.handler, http.MethodPost, "/encrypt", strings.NewReader("Alice"), nil)
	if rr.Code != http.StatusOK || rr.Body.String() != "e1sealeda" {
		t.Fatalf("encrypt: %d %q", rr.Code, rr.Body.String())
	}

	rr = doRequest(t, deps.handler, http.MethodGet, "/pubkey", nil, nil)
	if rr.Code != http.StatusOK || rr.Body.String() != "age1test" {
		t.Fatalf("pubkey: %d %q", rr.Code, rr.Body.String())
	}
}

// ─── STATIC ───────────────────────────────────────────────────────────────────

func TestStatic_ServedWithCacheHeader(t *testing.T) {
	deps := newTestServer(t)
	for _, path := range []string{"/", "/style.css", "/status.js"} {
		rr := doRequest(t, deps.handler, http.MethodGet, path, nil, nil)
		if rr.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, rr.Code)
			continue
		}
		if got := rr.Header().Get("Cache-Control"); got != "max-age=86400" {
			t.Errorf("%s: Cache-Control = %q", path, got)
		}
	}
}

// ─── CORS ─────────────────────────────────────────────────────────────────────

func TestCORS_Preflight(t *testing.T) {
	deps := newTestServer(t, func(c *api.Config) { c.AllowedOrigin = "https://pay2.email" })
	rr := doRequest(t, deps.handler, http.MethodOptions, "/info", nil, map[string]string{"Origin": "https://evil.example"})
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://pay2.email" {
		t.Errorf("Allow-Origin = %q", got)
	}
}
