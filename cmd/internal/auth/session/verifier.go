package session

import (
	"fmt"
	"strings"
	"time"
)

// Claims is the identity envelope recovered from a verified access token.
type Claims struct {
	UserID    string
	Email     string
	ExpiresAt time.Time
}

// Verifier validates an access token and returns its claims.
// Any failure is reported as ErrInvalidToken.
type Verifier interface {
	Verify(token string, now time.Time) (Claims, error)
}

// Issuer mints access tokens. Production tokens come from the account
// service; issuing here serves development tooling and tests.
type Issuer interface {
	Issue(userID, email string, now time.Time) (token string, exp time.Time, err error)
}

// TokenManager both issues and verifies.
type TokenManager interface {
	Verifier
	Issuer
}

// NewTokenManager builds the manager for cfg.Mode.
func NewTokenManager(cfg Config) (TokenManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch Mode(strings.ToLower(string(cfg.Mode))) {
	case ModePaseto:
		return NewPasetoV4PublicManager(cfg)
	case ModeJWT:
		return NewJWTHS256Manager(cfg)
	default:
		return nil, fmt.Errorf("%w: unknown auth mode %q", ErrConfig, cfg.Mode)
	}
}
