// Package api implements the HTTP layer for pay2email. Handlers are methods
// on *Server. Each handler file is responsible for one resource group and
// only imports the dependencies it actually uses.
package api

import (
	"context"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/RCasatta/pay2email/internal/db"
	"github.com/RCasatta/pay2email/internal/delivery"
	"github.com/RCasatta/pay2email/internal/metrics"
	"github.com/RCasatta/pay2email/internal/ratelimit"
)

// Service is the delivery protocol as the HTTP layer sees it.
// *delivery.Service is the concrete implementation; tests use a stub.
type Service interface {
	IngestInvoice(ctx context.Context, text string) (db.Invoice, error)
	CountAvailable(ctx context.Context) (int64, error)
	CountSent(ctx context.Context) (int64, error)
	Submit(ctx context.Context, req delivery.SendRequest) (delivery.Submission, error)
	Confirm(ctx context.Context, preimageHex string) (delivery.State, error)
	Status(ctx context.Context, paymentHash string) (delivery.State, error)
	Redispatch(ctx context.Context, paymentHash string) (delivery.State, error)
}

// Encrypter seals field values for the service key. *encfield.Codec
// satisfies it.
type Encrypter interface {
	Encrypt(plaintext string) (string, error)
	Recipient() string
}

// Config holds values read from environment variables at startup.
type Config struct {
	// Env is "production" or "development".
	Env string

	// AuthUser and AuthPassword guard the operator endpoints.
	AuthUser     string
	AuthPassword string

	// AllowedOrigin is sent in Access-Control-Allow-Origin when set.
	AllowedOrigin string

	// SendLimit throttles POST / per client address.
	SendLimit ratelimit.Policy

	// RequestTimeout bounds every request, including the mail dispatch run
	// by /invoice/paid. Zero means DefaultRequestTimeout.
	RequestTimeout time.Duration
}

// DefaultRequestTimeout applies when Config.RequestTimeout is zero.
const DefaultRequestTimeout = 60 * time.Second

// Server holds all shared dependencies. Each handler file attaches methods to
// this type and uses only the fields it needs.
type Server struct {
	svc Service
	enc Encrypter

	// limits stores the send-request counters.
	limits ratelimit.Store

	// healthz reports dependency health; nil answers 200 unconditionally.
	healthz http.Handler

	cfg    Config
	logger *slog.Logger
}

// NewServer constructs the Server and wires the chi router. The returned
// http.Handler is ready to pass to http.Server.
func NewServer(
	svc Service,
	enc Encrypter,
	limits ratelimit.Store,
	healthz http.Handler,
	cfg Config,
	logger *slog.Logger,
) http.Handler {
	if limits == nil {
		limits = ratelimit.NewMemoryStore()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.SendLimit.Name == "" {
		cfg.SendLimit.Name = "send"
	}
	s := &Server{
		svc:     svc,
		enc:     enc,
		limits:  limits,
		healthz: healthz,
		cfg:     cfg,
		logger:  logger,
	}

	return s.routes()
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	// ── Global middleware ─────────────────────────────────────────────────────
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggerMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)
	r.Use(middleware.Timeout(s.cfg.RequestTimeout))

	// ── Health ────────────────────────────────────────────────────────────────
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if s.healthz == nil {
			w.WriteHeader(http.StatusOK)
			return
		}
		s.healthz.ServeHTTP(w, r)
	})

	// ── Public ────────────────────────────────────────────────────────────────
	r.Get("/invoice/count", s.handleCountInvoices)
	r.Post("/info", s.handleStatus)
	r.Get("/info/{paymentHash}", s.handleStatus)
	r.Post("/encrypt", s.handleEncrypt)
	r.Get("/pubkey", s.handlePubkey)

	r.With(ratelimit.Middleware(s.cfg.SendLimit, s.limits, s.logger)).
		Post("/", s.handleSend)

	// ── Operator ──────────────────────────────────────────────────────────────
	r.Group(func(r chi.Router) {
		r.Use(s.requireBasicAuth)
		r.Post("/invoice", s.handleAddInvoice)
		r.Post("/invoice/paid", s.handleInvoicePaid)
		r.Get("/email/sent", s.handleCountSent)
		r.Post("/email/{paymentHash}/dispatch", s.handleRedispatch)
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	})

	// ── Static ────────────────────────────────────────────────────────────────
	static, err := fs.Sub(assets, "static")
	if err != nil {
		panic(err)
	}
	r.With(cacheStatic).Handle("/*", http.FileServerFS(static))

	return r
}
