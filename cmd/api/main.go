package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	_ "github.com/lib/pq" // postgres driver
	"github.com/redis/go-redis/v9"
	"github.com/soheilhy/cmux"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/RCasatta/pay2email/internal/api"
	"github.com/RCasatta/pay2email/internal/config"
	"github.com/RCasatta/pay2email/internal/db"
	"github.com/RCasatta/pay2email/internal/delivery"
	"github.com/RCasatta/pay2email/internal/email"
	"github.com/RCasatta/pay2email/internal/encfield"
	"github.com/RCasatta/pay2email/internal/health"
	"github.com/RCasatta/pay2email/internal/logger"
	"github.com/RCasatta/pay2email/internal/ratelimit"
	"github.com/RCasatta/pay2email/internal/store"
	"github.com/RCasatta/pay2email/internal/worker"
)

func main() {
	// ── Config ────────────────────────────────────────────────────────────────
	// Loaded before the logger so the logger can honour APP_ENV and SENTRY_DSN.
	cfg, err := config.Load()
	if err != nil {
		slog.Error("fatal", "error", fmt.Errorf("config: %w", err))
		os.Exit(1)
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// JSON in production, pretty text in development, teed to Sentry when
	// SENTRY_DSN is set.
	log, sentryOn := logger.New(logger.Config{
		Production:        cfg.IsProduction(),
		SentryDSN:         cfg.SentryDSN,
		SentryEnvironment: cfg.SentryEnvironment,
	}, os.Stdout)
	slog.SetDefault(log)

	err = run(cfg, log)
	if sentryOn {
		sentry.Flush(2 * time.Second)
	}
	if err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	logger.Info("config loaded", "env", cfg.Env, "port", cfg.Port, "mail_provider", cfg.MailProvider)

	// Root context cancelled by OS signal. Every component below respects it.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Database ──────────────────────────────────────────────────────────────
	pool, err := openDB(ctx, cfg.DatabaseURL, cfg.DBMaxOpenConns)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer pool.Close()
	logger.Info("database connected")

	if err := db.Migrate(ctx, pool, logger); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	st := store.New(pool, db.New(pool))

	// ── Encrypted fields ──────────────────────────────────────────────────────
	codec := encfield.New(cfg.Identity)
	logger.Info("service key loaded", "recipient", codec.Recipient())

	// ── Email ─────────────────────────────────────────────────────────────────
	mailer, err := email.New(email.Config{
		Provider:     cfg.MailProvider,
		From:         cfg.From.String(),
		SMTPHost:     cfg.SMTPHost,
		SMTPPort:     cfg.SMTPPort,
		SMTPUsername: cfg.SMTPUsername,
		SMTPPassword: cfg.SMTPPassword,
		ResendAPIKey: cfg.ResendAPIKey,
	}, logger)
	if err != nil {
		return err
	}

	// ── Delivery ──────────────────────────────────────────────────────────────
	svc := delivery.NewService(st, codec, mailer, delivery.Config{
		ReserveGrace:    cfg.ReserveGrace,
		DispatchTimeout: cfg.DispatchTimeout,
		DispatchLease:   cfg.DispatchLease,
	}, logger)

	// ── Rate limit store ──────────────────────────────────────────────────────
	checks := map[string]health.CheckFunc{"postgres": st.PingContext}
	var limits ratelimit.Store = ratelimit.NewMemoryStore()
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		defer rc.Close()
		limits = ratelimit.NewRedisStore(rc)
		checks["redis"] = func(ctx context.Context) error { return rc.Ping(ctx).Err() }
		logger.Info("rate limit store: redis", "addr", cfg.RedisAddr)
	}

	// ── Health ────────────────────────────────────────────────────────────────
	checker := health.NewChecker(checks, logger)

	// ── Worker ────────────────────────────────────────────────────────────────
	runner, err := worker.NewRunner(svc, worker.RunnerConfig{
		Schedule:     cfg.PoolCheckSchedule,
		LowWatermark: int64(cfg.PoolLowWatermark),
	}, logger)
	if err != nil {
		return err
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	handler := api.NewServer(svc, codec, limits, checker.Handler(), api.Config{
		Env:            cfg.Env,
		AuthUser:       cfg.AuthUser,
		AuthPassword:   cfg.AuthPassword,
		AllowedOrigin:  cfg.AllowedOrigin,
		RequestTimeout: cfg.RequestTimeout,
		SendLimit: ratelimit.Policy{
			Name:   "send",
			Limit:  cfg.SendRateLimit,
			Window: cfg.SendRateWindow,
		},
	}, logger)

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Outlasts the router timeout so its 504 reaches the client.
		WriteTimeout: cfg.RequestTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// ── gRPC health ───────────────────────────────────────────────────────────
	grpcSrv := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, checker.GRPC())

	// ── Listener ──────────────────────────────────────────────────────────────
	// One port: gRPC (HTTP/2 with application/grpc) is split off by cmux,
	// everything else goes to the HTTP server.
	lis, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	mux := cmux.New(lis)
	grpcL := mux.MatchWithWriters(cmux.HTTP2MatchHeaderFieldSendSettings("content-type", "application/grpc"))
	httpL := mux.Match(cmux.Any())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		runner.Start(gctx)
		return nil
	})
	g.Go(func() error {
		checker.Watch(gctx, 15*time.Second)
		return nil
	})
	g.Go(func() error {
		if err := grpcSrv.Serve(grpcL); err != nil && !isClosed(err) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := srv.Serve(httpL); err != nil && !isClosed(err) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("server listening", "addr", lis.Addr().String())
		if err := mux.Serve(); err != nil && !isClosed(err) {
			return fmt.Errorf("cmux: %w", err)
		}
		return nil
	})

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		// Give in-flight requests, including a running dispatch, time to finish.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DispatchTimeout+10*time.Second)
		defer cancel()

		err := srv.Shutdown(shutdownCtx)
		grpcSrv.GracefulStop()
		mux.Close()
		if err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func isClosed(err error) bool {
	return errors.Is(err, http.ErrServerClosed) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, cmux.ErrListenerClosed) ||
		errors.Is(err, cmux.ErrServerClosed) ||
		errors.Is(err, grpc.ErrServerStopped)
}

// openDB opens and tunes the connection pool and verifies the database is
// reachable before anything else starts.
func openDB(ctx context.Context, dsn string, maxOpen int) (*sql.DB, error) {
	pool, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	pool.SetMaxOpenConns(maxOpen)
	pool.SetMaxIdleConns(max(maxOpen/2, 2))
	pool.SetConnMaxLifetime(5 * time.Minute)
	pool.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := pool.PingContext(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}
