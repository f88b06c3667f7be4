package session

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// jwtAccessClaims mirrors the payload of the account service's access tokens.
type jwtAccessClaims struct {
	UserID string `json:"userId"`
	Email  string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

type jwtHS256Manager struct {
	secret    []byte
	ttl       time.Duration
	clockSkew time.Duration
}

// NewJWTHS256Manager builds a TokenManager for HS256-signed JWTs.
func NewJWTHS256Manager(cfg Config) (TokenManager, error) {
	if len(cfg.JWTAccessSecret) < 32 {
		return nil, ErrConfig
	}
	return &jwtHS256Manager{
		secret:    []byte(cfg.JWTAccessSecret),
		ttl:       cfg.AccessTokenTTL,
		clockSkew: cfg.ClockSkew,
	}, nil
}

func (m *jwtHS256Manager) Issue(userID, email string, now time.Time) (string, time.Time, error) {
	exp := now.Add(m.ttl)
	claims := jwtAccessClaims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

func (m *jwtHS256Manager) Verify(token string, now time.Time) (Claims, error) {
	var parsed jwtAccessClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(m.clockSkew),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return Claims{}, errors.Join(ErrInvalidToken, err)
	}
	if parsed.UserID == "" {
		return Claims{}, ErrInvalidToken
	}

	var exp time.Time
	if parsed.ExpiresAt != nil {
		exp = parsed.ExpiresAt.Time
	}
	return Claims{UserID: parsed.UserID, Email: parsed.Email, ExpiresAt: exp}, nil
}
