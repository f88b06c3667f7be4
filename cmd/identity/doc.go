// Package identity resolves authenticated principals to the account
// projection (display name, email) stamped onto outbound messages.
//
// The package owns no credentials. Token verification lives in
// cmd/internal/auth/session; identity only answers "who is this user id".
package identity
