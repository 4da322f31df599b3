// Package config loads the service configuration from the environment.
package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// MinSecretLength is the minimum signing secret length in bytes
const MinSecretLength = 32

// Known placeholder secrets that must never reach a running service
var insecureSecrets = []string{
	"brpolis_jwt_secret_change_in_production",
	"your-secret-key",
	"changeme",
	"secret",
}

// Configuration errors
var (
	ErrSecretMissing  = errors.New("JWT_SECRET is required")
	ErrSecretTooShort = fmt.Errorf("JWT_SECRET must be at least %d bytes", MinSecretLength)
	ErrSecretInsecure = errors.New("JWT_SECRET is a known insecure default")
)

// Config holds all application configuration
type Config struct {
	AppEnv string `env:"APP_ENV, default=development"`

	Server    ServerConfig
	Database  DatabaseConfig
	Auth      AuthConfig
	Log       LogConfig
	Telemetry TelemetryConfig
	Sweep     SweepConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `env:"SERVER_HOST, default=0.0.0.0"`
	Port            string        `env:"SERVER_PORT, default=8080"`
	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT, default=15s"`
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT, default=15s"`
	IdleTimeout     time.Duration `env:"SERVER_IDLE_TIMEOUT, default=60s"`
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT, default=30s"`
	AllowedOrigins  []string      `env:"CORS_ALLOWED_ORIGINS, default=http://localhost:3000"`
	// TrustProxy honours X-Forwarded-For and X-Real-IP; set only behind a proxy that overwrites them
	TrustProxy      bool          `env:"SERVER_TRUST_PROXY, default=false"`
}

// DatabaseConfig holds PostgreSQL connection configuration. URL wins over the
// individual fields when set.
type DatabaseConfig struct {
	URL      string `env:"DATABASE_URL"`
	Host     string `env:"DB_HOST, default=localhost"`
	Port     string `env:"DB_PORT, default=5432"`
	User     string `env:"DB_USER, default=postgres"`
	Password string `env:"DB_PASSWORD"`
	Name     string `env:"DB_NAME, default=brpolis"`
	SSLMode  string `env:"DB_SSLMODE, default=disable"`
	MaxConns int32  `env:"DB_MAX_CONNS, default=25"`
	MinConns int32  `env:"DB_MIN_CONNS, default=5"`
}

// AuthConfig holds session and credential policy
type AuthConfig struct {
	JWTSecret        string        `env:"JWT_SECRET"`
	JWTIssuer        string        `env:"JWT_ISSUER, default=brpolis"`
	TokenTTL         time.Duration `env:"AUTH_TOKEN_TTL, default=168h"`
	MaxLoginAttempts int           `env:"AUTH_MAX_LOGIN_ATTEMPTS, default=5"`
	LockoutDuration  time.Duration `env:"AUTH_LOCKOUT_DURATION, default=30m"`
	ResetTokenTTL    time.Duration `env:"AUTH_RESET_TOKEN_TTL, default=1h"`
	BcryptCost       int           `env:"AUTH_BCRYPT_COST, default=12"`
	// HashConcurrency of 0 means one slot per CPU
	HashConcurrency  int           `env:"AUTH_HASH_CONCURRENCY, default=0"`
	StoreTimeout     time.Duration `env:"AUTH_STORE_TIMEOUT, default=5s"`
	GenericErrors    bool          `env:"AUTH_GENERIC_ERRORS, default=false"`
	ExposeResetToken bool          `env:"AUTH_EXPOSE_RESET_TOKEN, default=false"`
	CookieDomain     string        `env:"COOKIE_DOMAIN"`
}

// LogConfig holds logger configuration
type LogConfig struct {
	Level     string `env:"LOG_LEVEL, default=info"`
	Format    string `env:"LOG_FORMAT, default=json"`
	Output    string `env:"LOG_OUTPUT, default=stdout"`
	AddSource bool   `env:"LOG_ADD_SOURCE, default=false"`
}

// TelemetryConfig holds tracing configuration. Tracing is off without an endpoint.
type TelemetryConfig struct {
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName  string `env:"OTEL_SERVICE_NAME, default=brpolis-auth"`
}

// SweepConfig holds session sweeper configuration
type SweepConfig struct {
	Enabled            bool          `env:"SWEEP_ENABLED, default=true"`
	Interval           time.Duration `env:"SWEEP_INTERVAL, default=1h"`
	UsedTokenRetention time.Duration `env:"SWEEP_USED_TOKEN_RETENTION, default=24h"`
}

// RateLimitConfig holds the per-IP throttle for credential endpoints
type RateLimitConfig struct {
	LoginRequests int           `env:"RATE_LIMIT_LOGIN_REQUESTS, default=20"`
	LoginWindow   time.Duration `env:"RATE_LIMIT_LOGIN_WINDOW, default=1m"`
}

// Load reads configuration from environment variables and validates it.
func Load(ctx context.Context) (*Config, error) {
	return LoadWith(ctx, envconfig.OsLookuper())
}

// LoadWith reads configuration through l, for tests.
func LoadWith(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: l}); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces settings the service must not start without.
func (c *Config) Validate() error {
	var errs []error

	errs = append(errs, validateSecret(c.Auth.JWTSecret))

	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("AUTH_TOKEN_TTL must be positive"))
	}
	if c.Auth.MaxLoginAttempts < 1 {
		errs = append(errs, errors.New("AUTH_MAX_LOGIN_ATTEMPTS must be at least 1"))
	}
	if c.Auth.LockoutDuration <= 0 {
		errs = append(errs, errors.New("AUTH_LOCKOUT_DURATION must be positive"))
	}
	if c.Auth.ResetTokenTTL <= 0 {
		errs = append(errs, errors.New("AUTH_RESET_TOKEN_TTL must be positive"))
	}
	if c.Auth.BcryptCost < 10 || c.Auth.BcryptCost > 31 {
		errs = append(errs, errors.New("AUTH_BCRYPT_COST must be between 10 and 31"))
	}
	if c.Auth.StoreTimeout <= 0 {
		errs = append(errs, errors.New("AUTH_STORE_TIMEOUT must be positive"))
	}
	if c.IsProduction() && c.Auth.ExposeResetToken {
		errs = append(errs, errors.New("AUTH_EXPOSE_RESET_TOKEN cannot be enabled in production"))
	}
	if c.Sweep.Enabled && c.Sweep.Interval <= 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL must be positive"))
	}

	return errors.Join(errs...)
}

func validateSecret(secret string) error {
	switch {
	case secret == "":
		return ErrSecretMissing
	case len(secret) < MinSecretLength:
		return ErrSecretTooShort
	}
	for _, insecure := range insecureSecrets {
		if strings.EqualFold(secret, insecure) {
			return ErrSecretInsecure
		}
	}
	return nil
}

// IsProduction reports whether APP_ENV is production
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.AppEnv, "production")
}

// Addr returns the HTTP listen address
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// ConnString returns the PostgreSQL connection URL
func (d DatabaseConfig) ConnString() string {
	if d.URL != "" {
		return d.URL
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     d.Host + ":" + d.Port,
		Path:     "/" + d.Name,
		RawQuery: "sslmode=" + url.QueryEscape(d.SSLMode),
	}
	return u.String()
}
