package identity

import (
	"context"
	"strings"
)

// User is the account projection attached to realtime connections and messages.
type User struct {
	ID       string `json:"id"`
	FullName string `json:"fullName"`
	Email    string `json:"email"`
}

// Directory looks up accounts by id.
//
// Lookup returns a NotFoundError when the account does not exist and an
// OpError{Kind: ErrInvalidInput} for a blank id.
type Directory interface {
	Lookup(ctx context.Context, userID string) (User, error)
}

// LookupAll resolves ids through d, skipping accounts that no longer exist.
// Any other failure aborts the whole lookup.
func LookupAll(ctx context.Context, d Directory, userIDs []string) (map[string]User, error) {
	out := make(map[string]User, len(userIDs))
	for _, id := range userIDs {
		if _, ok := out[id]; ok {
			continue
		}
		u, err := d.Lookup(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		out[id] = u
	}
	return out, nil
}

// NormalizeEmail performs case-insensitive canonicalization.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
