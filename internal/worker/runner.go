// Package worker runs background maintenance next to the HTTP server. The
// Runner watches the invoice pool on a cron schedule: it publishes pool and
// delivery gauges and warns when the pool runs low, so the operator's
// uploader can top it up before senders start seeing 503s.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/RCasatta/pay2email/internal/metrics"
)

// ─── COUNTER INTERFACE ───────────────────────────────────────────────────────

// PoolCounter is the narrow view of the delivery service the Runner needs.
// *delivery.Service satisfies it; tests pass a stub.
type PoolCounter interface {
	CountAvailable(ctx context.Context) (int64, error)
	CountSent(ctx context.Context) (int64, error)
}

// ─── RUNNER ──────────────────────────────────────────────────────────────────

// RunnerConfig holds tuning parameters for the Runner. Zero values fall back
// to DefaultRunnerConfig.
type RunnerConfig struct {
	// Schedule is a standard cron expression or descriptor. Default: "@every 1m".
	Schedule string

	// LowWatermark is the available-invoice count below which a warning is
	// logged. Default: 10.
	LowWatermark int64

	// CheckTimeout bounds one check. Default: 10s.
	CheckTimeout time.Duration
}

// DefaultRunnerConfig returns production defaults.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Schedule:     "@every 1m",
		LowWatermark: 10,
		CheckTimeout: 10 * time.Second,
	}
}

// Runner checks the invoice pool on a schedule.
type Runner struct {
	counter  PoolCounter
	schedule cron.Schedule
	cfg      RunnerConfig
	logger   *slog.Logger

	mu  sync.Mutex
	low bool
}

// NewRunner parses the schedule eagerly so a typo fails at startup.
func NewRunner(counter PoolCounter, cfg RunnerConfig, logger *slog.Logger) (*Runner, error) {
	def := DefaultRunnerConfig()
	if cfg.Schedule == "" {
		cfg.Schedule = def.Schedule
	}
	if cfg.LowWatermark <= 0 {
		cfg.LowWatermark = def.LowWatermark
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = def.CheckTimeout
	}

	schedule, err := cron.ParseStandard(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("worker: parse schedule %q: %w", cfg.Schedule, err)
	}

	return &Runner{
		counter:  counter,
		schedule: schedule,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// Start runs one check immediately and then one per scheduled tick. It
// blocks until ctx is cancelled and any running check has returned. Call it
// in a goroutine from main:
//
//	go runner.Start(ctx)
func (r *Runner) Start(ctx context.Context) {
	r.logger.Info("worker: starting pool monitor", "schedule", r.cfg.Schedule, "low_watermark", r.cfg.LowWatermark)

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(r.schedule, cron.FuncJob(func() { r.Check(ctx) }))

	r.Check(ctx)
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	r.logger.Info("worker: stopped")
}

// Check counts available invoices and sent emails once.
func (r *Runner) Check(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.CheckTimeout)
	defer cancel()

	available, err := r.counter.CountAvailable(ctx)
	if err != nil {
		r.logger.Error("worker: count available invoices", "error", err)
		return
	}
	metrics.PoolAvailable.Set(float64(available))

	sent, err := r.counter.CountSent(ctx)
	if err != nil {
		r.logger.Error("worker: count sent emails", "error", err)
	} else {
		metrics.EmailsSent.Set(float64(sent))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case available < r.cfg.LowWatermark:
		r.logger.Warn("worker: invoice pool low",
			"available", available,
			"low_watermark", r.cfg.LowWatermark,
		)
		r.low = true
	case r.low:
		r.logger.Info("worker: invoice pool replenished", "available", available)
		r.low = false
	default:
		r.logger.Debug("worker: pool check", "available", available, "sent", sent)
	}
}

// Low reports whether the last successful check was under the watermark.
func (r *Runner) Low() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.low
}
