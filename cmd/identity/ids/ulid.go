// Package ids provides the id primitives used across the server:
// ULIDs for connection-scoped handles, UUIDs for durable records.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars).
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewUUID returns a random (v4) UUID string.
func NewUUID() string {
	return uuid.NewString()
}

// IsUUID reports whether s parses as a UUID.
func IsUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// Monotonic issues ULIDs that are unique within the process even when many
// are requested in the same millisecond. It is safe for concurrent use.
type Monotonic struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	last    uint64
}

func NewMonotonic() *Monotonic {
	return &Monotonic{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// Next returns the next id. Timestamps never move backwards, so a clock step
// back does not break the monotonic sequence.
func (m *Monotonic) Next(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ms := ulid.Timestamp(now)
	if ms < m.last {
		ms = m.last
	}
	id, err := ulid.New(ms, m.entropy)
	if err != nil {
		return "", err
	}
	m.last = ms
	return id.String(), nil
}
