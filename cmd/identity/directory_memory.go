package identity

import (
	"context"
	"strings"
	"sync"
)

// MemoryDirectory is an in-process Directory for development and tests.
type MemoryDirectory struct {
	mu    sync.RWMutex
	users map[string]User
}

func NewMemoryDirectory(users ...User) *MemoryDirectory {
	d := &MemoryDirectory{users: make(map[string]User, len(users))}
	for _, u := range users {
		d.Put(u)
	}
	return d
}

// Put inserts or replaces an account.
func (d *MemoryDirectory) Put(u User) {
	u.ID = strings.TrimSpace(u.ID)
	u.FullName = strings.TrimSpace(u.FullName)
	u.Email = NormalizeEmail(u.Email)

	d.mu.Lock()
	d.users[u.ID] = u
	d.mu.Unlock()
}

func (d *MemoryDirectory) Lookup(ctx context.Context, userID string) (User, error) {
	const op = "identity.MemoryDirectory.Lookup"

	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return User{}, invalid(op, "user id is required")
	}

	d.mu.RLock()
	u, ok := d.users[userID]
	d.mu.RUnlock()
	if !ok {
		return User{}, NotFoundError{Op: op, UserID: userID}
	}
	return u, nil
}
