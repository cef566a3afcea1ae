// Package config loads and validates all environment variables at startup.
// Every other package receives typed values; nothing reads os.Getenv directly.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/mail"
	"time"

	"filippo.io/age"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/RCasatta/pay2email/internal/encfield"
)

// Config is the fully-parsed application configuration.
type Config struct {
	// ── Server ────────────────────────────────────────────────────────────────
	Env           string `env:"APP_ENV" envDefault:"development"` // "development" | "production"
	Port          string `env:"PORT" envDefault:"8080"`
	AllowedOrigin string `env:"ALLOWED_ORIGIN"`

	// ── Database ──────────────────────────────────────────────────────────────
	DatabaseURL    string `env:"DATABASE_URL"`
	DBMaxOpenConns int    `env:"DB_MAX_OPEN_CONNS" envDefault:"10"`

	// ── Service identity ──────────────────────────────────────────────────────
	// AgeSecretKey is the AGE-SECRET-KEY-1... string. Identity is parsed from
	// it by Load.
	AgeSecretKey string              `env:"AGE_SECRET_KEY"`
	Identity     *age.X25519Identity `env:"-"`

	// ── Operator credentials ──────────────────────────────────────────────────
	AuthUser     string `env:"HTTP_AUTH_USER"`
	AuthPassword string `env:"HTTP_AUTH_PASSWORD"`

	// ── Protocol timings ──────────────────────────────────────────────────────
	ReserveGrace    time.Duration `env:"RESERVE_GRACE" envDefault:"1h"`
	DispatchTimeout time.Duration `env:"DISPATCH_TIMEOUT" envDefault:"30s"`
	DispatchLease   time.Duration `env:"DISPATCH_LEASE" envDefault:"5m"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"60s"`

	// ── Mail ──────────────────────────────────────────────────────────────────
	MailProvider string        `env:"MAIL_PROVIDER" envDefault:"smtp"` // "smtp" | "resend" | "log"
	MailFrom     string        `env:"MAIL_FROM" envDefault:"Pay2.email <noreply@pay2.email>"`
	From         *mail.Address `env:"-"`
	SMTPHost     string        `env:"SMTP_HOST"`
	SMTPPort     int           `env:"SMTP_PORT" envDefault:"587"`
	SMTPUsername string        `env:"SMTP_USERNAME"`
	SMTPPassword string        `env:"SMTP_PASSWORD"`
	ResendAPIKey string        `env:"RESEND_API_KEY"`

	// ── Rate limiting ─────────────────────────────────────────────────────────
	// With RedisAddr empty the limiter is process-local.
	RedisAddr      string        `env:"REDIS_ADDR"`
	RedisDB        int           `env:"REDIS_DB"`
	SendRateLimit  int           `env:"SEND_RATE_LIMIT" envDefault:"10"`
	SendRateWindow time.Duration `env:"SEND_RATE_WINDOW" envDefault:"1m"`

	// ── Pool monitor ──────────────────────────────────────────────────────────
	PoolCheckSchedule string `env:"POOL_CHECK_SCHEDULE" envDefault:"@every 1m"`
	PoolLowWatermark  int    `env:"POOL_LOW_WATERMARK" envDefault:"10"`

	// ── Error reporting ───────────────────────────────────────────────────────
	SentryDSN         string `env:"SENTRY_DSN"`
	SentryEnvironment string `env:"SENTRY_ENVIRONMENT" envDefault:"production"`
}

// Load reads all environment variables and returns a validated Config.
// A .env file in the working directory is loaded first when present; real
// environment variables always take precedence over its values.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}
	return parse()
}

func parse() (*Config, error) {
	c := &Config{}
	if err := env.Parse(c); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return c, c.validate()
}

// IsProduction reports whether APP_ENV is "production".
func (c *Config) IsProduction() bool { return c.Env == "production" }

// validate checks required values and parses the ones that have structure,
// so a bad key or address fails the process at startup instead of at the
// first request that needs it.
func (c *Config) validate() error {
	var errs []error

	required := []struct{ name, val string }{
		{"DATABASE_URL", c.DatabaseURL},
		{"AGE_SECRET_KEY", c.AgeSecretKey},
		{"HTTP_AUTH_USER", c.AuthUser},
		{"HTTP_AUTH_PASSWORD", c.AuthPassword},
	}
	for _, r := range required {
		if r.val == "" {
			errs = append(errs, fmt.Errorf("missing required env var: %s", r.name))
		}
	}

	if c.AgeSecretKey != "" {
		id, err := encfield.ParseIdentity(c.AgeSecretKey)
		if err != nil {
			errs = append(errs, fmt.Errorf("AGE_SECRET_KEY: %w", err))
		}
		c.Identity = id
	}

	from, err := mail.ParseAddress(c.MailFrom)
	if err != nil {
		errs = append(errs, fmt.Errorf("MAIL_FROM: %w", err))
	}
	c.From = from

	switch c.MailProvider {
	case "smtp":
		if c.SMTPHost == "" {
			errs = append(errs, fmt.Errorf("missing required env var: SMTP_HOST (MAIL_PROVIDER=smtp)"))
		}
	case "resend":
		if c.ResendAPIKey == "" {
			errs = append(errs, fmt.Errorf("missing required env var: RESEND_API_KEY (MAIL_PROVIDER=resend)"))
		}
	case "log":
		if c.IsProduction() {
			errs = append(errs, fmt.Errorf("MAIL_PROVIDER=log is not allowed in production"))
		}
	default:
		errs = append(errs, fmt.Errorf("MAIL_PROVIDER: unknown provider %q", c.MailProvider))
	}

	if c.DispatchTimeout <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_TIMEOUT must be positive"))
	}
	if c.RequestTimeout <= c.DispatchTimeout {
		errs = append(errs, fmt.Errorf("REQUEST_TIMEOUT (%s) must exceed DISPATCH_TIMEOUT (%s)", c.RequestTimeout, c.DispatchTimeout))
	}
	if c.DispatchLease <= c.DispatchTimeout {
		errs = append(errs, fmt.Errorf("DISPATCH_LEASE (%s) must exceed DISPATCH_TIMEOUT (%s)", c.DispatchLease, c.DispatchTimeout))
	}
	if c.SendRateLimit <= 0 || c.SendRateWindow <= 0 {
		errs = append(errs, fmt.Errorf("SEND_RATE_LIMIT and SEND_RATE_WINDOW must be positive"))
	}

	return errors.Join(errs...)
}
