package session

import (
	"net/http"
	"strings"
)

// AccessTokenCookie is the cookie carrying the access token for browser clients.
const AccessTokenCookie = "accessToken"

// TokenQueryParam is the handshake field accepted on WebSocket upgrades,
// where browsers cannot set an Authorization header.
const TokenQueryParam = "token"

// BearerToken extracts the token from an "Authorization: Bearer <token>" value.
func BearerToken(header string) string {
	raw := strings.TrimSpace(header)
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// TokenFromRequest returns the credential carried by r, checking the
// Authorization header, then (if allowQuery) the handshake query field,
// then the access-token cookie. ErrMissingToken if none is present.
func TokenFromRequest(r *http.Request, allowQuery bool) (string, error) {
	if tok := BearerToken(r.Header.Get("Authorization")); tok != "" {
		return tok, nil
	}
	if allowQuery {
		if tok := strings.TrimSpace(r.URL.Query().Get(TokenQueryParam)); tok != "" {
			return tok, nil
		}
	}
	if c, err := r.Cookie(AccessTokenCookie); err == nil {
		if tok := strings.TrimSpace(c.Value); tok != "" {
			return tok, nil
		}
	}
	return "", ErrMissingToken
}
