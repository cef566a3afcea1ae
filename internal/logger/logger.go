// Package logger builds the process logger: JSON on stdout in production,
// text in development, teed to Sentry when a DSN is configured.
package logger

import (
	"context"
	"io"
	"log/slog"

	"github.com/getsentry/sentry-go"
	sentryslog "github.com/getsentry/sentry-go/slog"
)

type Config struct {
	Production        bool
	SentryDSN         string
	SentryEnvironment string
}

// New returns the logger and whether Sentry was initialised. Callers that get
// true should sentry.Flush before exiting.
func New(cfg Config, out io.Writer) (*slog.Logger, bool) {
	var base slog.Handler
	if cfg.Production {
		base = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		base = slog.NewTextHandler(out, &slog.HandlerOptions{Level: slog.LevelDebug})
	}

	if cfg.SentryDSN == "" {
		return slog.New(base), false
	}

	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.SentryDSN,
		Environment: cfg.SentryEnvironment,
		EnableLogs:  true,
	}); err != nil {
		slog.New(base).Error("failed to initialize Sentry", "error", err)
		return slog.New(base), false
	}

	// Errors become Sentry issues; warnings are kept as searchable logs.
	sentryHandler := sentryslog.Option{
		EventLevel: []slog.Level{slog.LevelError},
		LogLevel:   []slog.Level{slog.LevelWarn, slog.LevelError},
	}.NewSentryHandler(context.Background())

	return slog.New(newMultiHandler(base, sentryHandler)), true
}
