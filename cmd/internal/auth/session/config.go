package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Mode selects the access-token format.
type Mode string

const (
	ModePaseto Mode = "paseto"
	ModeJWT    Mode = "jwt"
)

// Config defines runtime configuration for token verification.
type Config struct {
	Mode Mode `env:"PARLEY_AUTH_MODE" envDefault:"paseto"`

	// Issuer is the expected "iss" claim of PASETO access tokens.
	Issuer string `env:"PARLEY_AUTH_ISSUER" envDefault:"parley"`

	// AccessTokenTTL is used when this process mints tokens (dev tooling, tests).
	AccessTokenTTL time.Duration `env:"PARLEY_AUTH_ACCESS_TTL" envDefault:"15m"`

	// ClockSkew defines the allowed time skew during token validation.
	ClockSkew time.Duration `env:"PARLEY_AUTH_CLOCK_SKEW" envDefault:"30s"`

	// PasetoV4SecretKeyHex is the hex-encoded Ed25519 secret key for v4.public tokens.
	PasetoV4SecretKeyHex string `env:"PARLEY_PASETO_V4_SECRET_KEY_HEX"`

	// JWTAccessSecret is the HMAC secret for HS256 access tokens.
	JWTAccessSecret string `env:"PARLEY_JWT_ACCESS_SECRET"`
}

// DefaultConfig returns defaults without key material.
func DefaultConfig() Config {
	return Config{
		Mode:           ModePaseto,
		Issuer:         "parley",
		AccessTokenTTL: 15 * time.Minute,
		ClockSkew:      30 * time.Second,
	}
}

// LoadConfigFromEnv loads verification configuration from environment variables.
//
// Required, depending on PARLEY_AUTH_MODE:
//   - paseto: PARLEY_PASETO_V4_SECRET_KEY_HEX
//   - jwt:    PARLEY_JWT_ACCESS_SECRET (>= 32 bytes)
//
// Returns an error wrapping ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks key material and durations for the selected mode.
func (c Config) Validate() error {
	if c.AccessTokenTTL <= 0 {
		return fmt.Errorf("%w: access ttl must be positive", ErrConfig)
	}
	if c.ClockSkew < 0 {
		return fmt.Errorf("%w: clock skew must not be negative", ErrConfig)
	}
	switch Mode(strings.ToLower(string(c.Mode))) {
	case ModePaseto:
		if strings.TrimSpace(c.PasetoV4SecretKeyHex) == "" {
			return fmt.Errorf("%w: PARLEY_PASETO_V4_SECRET_KEY_HEX is required", ErrConfig)
		}
		if strings.TrimSpace(c.Issuer) == "" {
			return fmt.Errorf("%w: issuer is required", ErrConfig)
		}
	case ModeJWT:
		if len(c.JWTAccessSecret) < 32 {
			return fmt.Errorf("%w: PARLEY_JWT_ACCESS_SECRET must be at least 32 bytes", ErrConfig)
		}
	default:
		return fmt.Errorf("%w: unknown auth mode %q", ErrConfig, c.Mode)
	}
	return nil
}
