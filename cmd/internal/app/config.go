package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"parley/cmd/identity"
	"parley/cmd/internal/auth/session"
	"parley/cmd/internal/realtime"
)

// StoreKind selects the persistence backend.
type StoreKind string

const (
	StoreMemory   StoreKind = "memory"
	StorePostgres StoreKind = "postgres"
	StoreSQLite   StoreKind = "sqlite"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	// Env is "development" or "production". Development mode adds raw error
	// text to HTTP error responses.
	Env string `env:"PARLEY_ENV" envDefault:"production"`

	HTTPAddr  string `env:"PARLEY_HTTP_ADDR" envDefault:"0.0.0.0:8080"`
	LogLevel  string `env:"PARLEY_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"PARLEY_LOG_FORMAT" envDefault:"json"`

	ReadHeaderTimeout time.Duration `env:"PARLEY_HTTP_READ_HEADER_TIMEOUT" envDefault:"5s"`
	ReadTimeout       time.Duration `env:"PARLEY_HTTP_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout      time.Duration `env:"PARLEY_HTTP_WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout       time.Duration `env:"PARLEY_HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	ShutdownTimeout   time.Duration `env:"PARLEY_HTTP_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	MaxHeaderBytes    int           `env:"PARLEY_HTTP_MAX_HEADER_BYTES" envDefault:"1048576"`
	MaxBodyBytes      int64         `env:"PARLEY_HTTP_MAX_BODY_BYTES" envDefault:"1048576"`

	CORSAllowedOrigins   []string `env:"PARLEY_CORS_ALLOWED_ORIGINS" envSeparator:","`
	CORSAllowCredentials bool     `env:"PARLEY_CORS_ALLOW_CREDENTIALS" envDefault:"true"`
	CORSMaxAgeSeconds    int      `env:"PARLEY_CORS_MAX_AGE_SECONDS" envDefault:"600"`

	Store StoreKind `env:"PARLEY_STORE" envDefault:"memory"`

	DatabaseURL   string `env:"PARLEY_DATABASE_URL"`
	DBSchema      string `env:"PARLEY_DB_SCHEMA" envDefault:"parley"`
	DBMaxConns    int32  `env:"PARLEY_DB_MAX_CONNS" envDefault:"10"`
	DBMinConns    int32  `env:"PARLEY_DB_MIN_CONNS" envDefault:"0"`
	DBAutoMigrate bool   `env:"PARLEY_DB_AUTO_MIGRATE" envDefault:"true"`

	SQLitePath string `env:"PARLEY_SQLITE_PATH" envDefault:"parley.db"`

	// Seed accounts for the memory store, formatted "id|Full Name|email".
	DevUsers []string `env:"PARLEY_DEV_USERS" envSeparator:","`

	RedisURL          string        `env:"PARLEY_REDIS_URL"`
	DirectoryCacheTTL time.Duration `env:"PARLEY_DIRECTORY_CACHE_TTL" envDefault:"5m"`

	// If true, /readyz returns 503 unless a durable store is configured.
	ReadinessRequireDB bool `env:"PARLEY_READINESS_REQUIRE_DB" envDefault:"false"`

	OTelEndpoint   string `env:"PARLEY_OTEL_ENDPOINT"`
	MetricsEnabled bool   `env:"PARLEY_METRICS_ENABLED" envDefault:"true"`

	Auth session.Config
	WS   realtime.GatewayConfig
}

// IsDevelopment reports whether development mode is on.
func (c Config) IsDevelopment() bool {
	return strings.EqualFold(strings.TrimSpace(c.Env), "development")
}

// LoadConfig reads a local .env file when present, then parses and validates
// the environment.
func LoadConfig() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate fails fast on settings the server cannot start with.
func (c Config) Validate() error {
	var errs []error

	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			errs = append(errs, errors.New("PARLEY_DATABASE_URL is required when PARLEY_STORE=postgres"))
		}
		if c.DBMaxConns > 0 && c.DBMinConns > c.DBMaxConns {
			errs = append(errs, errors.New("PARLEY_DB_MIN_CONNS must not exceed PARLEY_DB_MAX_CONNS"))
		}
	case StoreSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			errs = append(errs, errors.New("PARLEY_SQLITE_PATH is required when PARLEY_STORE=sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown PARLEY_STORE %q", c.Store))
	}

	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "json", "pretty":
	default:
		errs = append(errs, fmt.Errorf("unknown PARLEY_LOG_FORMAT %q", c.LogFormat))
	}

	if c.RedisURL != "" && c.DirectoryCacheTTL <= 0 {
		errs = append(errs, errors.New("PARLEY_DIRECTORY_CACHE_TTL must be positive"))
	}
	if _, err := ParseDevUsers(c.DevUsers); err != nil {
		errs = append(errs, err)
	}
	if err := c.Auth.Validate(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// ParseDevUsers parses "id|Full Name|email" entries.
func ParseDevUsers(entries []string) ([]identity.User, error) {
	var out []identity.User
	for _, raw := range entries {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		parts := strings.Split(raw, "|")
		if len(parts) != 3 || strings.TrimSpace(parts[0]) == "" {
			return nil, fmt.Errorf("PARLEY_DEV_USERS: malformed entry %q (want id|Full Name|email)", raw)
		}
		out = append(out, identity.User{
			ID:       strings.TrimSpace(parts[0]),
			FullName: strings.TrimSpace(parts[1]),
			Email:    identity.NormalizeEmail(parts[2]),
		})
	}
	return out, nil
}
