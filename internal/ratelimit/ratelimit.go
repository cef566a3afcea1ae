// Package ratelimit implements a fixed-window request limiter for net/http
// handlers, backed by process memory or a shared Redis instance.
package ratelimit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/RCasatta/pay2email/internal/metrics"
)

// Policy defines a fixed-window rate limit: at most Limit requests per
// Window for each key.
type Policy struct {
	// Name identifies the limited endpoint in logs and metrics, e.g. "send".
	Name   string
	Window time.Duration
	Limit  int
	// Key builds the bucket key for a request. Defaults to KeyIP.
	Key func(*http.Request) string
}

func (p Policy) withDefaults() Policy {
	if p.Window <= 0 {
		p.Window = time.Minute
	}
	if p.Limit <= 0 {
		p.Limit = 10
	}
	if p.Key == nil {
		p.Key = KeyIP
	}
	return p
}

// Store is a counter store for fixed windows. When the request is refused
// retryAfter is the time left until the window resets.
type Store interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (allowed bool, retryAfter time.Duration, err error)
}

// Middleware enforces p using s. Store errors let the request through.
func Middleware(p Policy, s Store, logger *slog.Logger) func(http.Handler) http.Handler {
	p = p.withDefaults()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := p.Name + ":" + p.Key(r)
			allowed, retryAfter, err := s.Allow(r.Context(), key, p.Limit, p.Window)
			if err != nil {
				logger.Warn("ratelimit: store unavailable, allowing request",
					"endpoint", p.Name, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if allowed {
				next.ServeHTTP(w, r)
				return
			}

			secs := int((retryAfter + time.Second - 1) / time.Second)
			metrics.IncRateLimitExceeded(p.Name)
			logger.Warn("ratelimit: limit exceeded",
				"endpoint", p.Name,
				"key", key,
				"limit", p.Limit,
				"window", p.Window.String(),
				"retry_after", secs,
			)
			if secs > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(secs))
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
		})
	}
}

// KeyIP keys requests by client address. It expects chi's RealIP middleware
// to have rewritten RemoteAddr already.
func KeyIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}

// ─── MEMORY STORE ────────────────────────────────────────────────────────────

type bucket struct {
	start time.Time
	count int
}

// MemoryStore is a process-local Store. Use RedisStore when more than one
// instance serves traffic.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
	sweeps  int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]*bucket), now: time.Now}
}

// sweepEvery bounds how often expired buckets are dropped.
const sweepEvery = 1024

func (m *MemoryStore) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sweeps++; m.sweeps >= sweepEvery {
		m.sweeps = 0
		for k, b := range m.buckets {
			if now.Sub(b.start) >= window {
				delete(m.buckets, k)
			}
		}
	}

	b, ok := m.buckets[key]
	if !ok || now.Sub(b.start) >= window {
		m.buckets[key] = &bucket{start: now, count: 1}
		return true, 0, nil
	}
	if b.count < limit {
		b.count++
		return true, 0, nil
	}
	return false, window - now.Sub(b.start), nil
}
