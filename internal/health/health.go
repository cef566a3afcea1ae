// Package health runs named dependency checks and reports the result over
// HTTP (/healthz) and the standard gRPC health protocol.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	defaultTimeout = 5 * time.Second

	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// CheckFunc reports a dependency as unhealthy by returning an error.
type CheckFunc func(ctx context.Context) error

// Response is the aggregated result of one round of checks.
type Response struct {
	Status string           `json:"status"`
	Checks map[string]Check `json:"checks,omitempty"`
}

type Check struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Checker owns the checks and the gRPC health server they drive.
type Checker struct {
	checks  map[string]CheckFunc
	timeout time.Duration
	logger  *slog.Logger
	grpc    *grpchealth.Server
}

func NewChecker(checks map[string]CheckFunc, logger *slog.Logger) *Checker {
	return &Checker{
		checks:  checks,
		timeout: defaultTimeout,
		logger:  logger,
		grpc:    grpchealth.NewServer(),
	}
}

// GRPC returns the grpc.health.v1.Health implementation to register.
func (c *Checker) GRPC() *grpchealth.Server { return c.grpc }

// Run executes every check in parallel.
func (c *Checker) Run(ctx context.Context) Response {
	if len(c.checks) == 0 {
		return Response{Status: StatusHealthy}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]Check, len(c.checks))
		failed  bool
	)
	for name, check := range c.checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := Check{Status: StatusHealthy}
			if err := check(ctx); err != nil {
				res = Check{Status: StatusUnhealthy, Error: err.Error()}
				c.logger.WarnContext(ctx, "health: check failed", "check", name, "error", err)
			}
			mu.Lock()
			defer mu.Unlock()
			results[name] = res
			failed = failed || res.Status == StatusUnhealthy
		}()
	}
	wg.Wait()

	resp := Response{Status: StatusHealthy, Checks: results}
	if failed {
		resp.Status = StatusUnhealthy
	}
	return resp
}

// Refresh runs the checks once and publishes the result on the gRPC server.
func (c *Checker) Refresh(ctx context.Context) Response {
	resp := c.Run(ctx)
	status := healthpb.HealthCheckResponse_SERVING
	if resp.Status != StatusHealthy {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	c.grpc.SetServingStatus("", status)
	return resp
}

// Watch refreshes the gRPC status every interval until ctx is cancelled, then
// marks every service NOT_SERVING so load balancers drain the instance.
func (c *Checker) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			c.grpc.Shutdown()
			return
		case <-ticker.C:
			c.Refresh(ctx)
		}
	}
}

// Handler serves the aggregated result as JSON: 200 when healthy, 503
// otherwise.
func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := c.Run(r.Context())
		status := http.StatusOK
		if resp.Status != StatusHealthy {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	}
}
