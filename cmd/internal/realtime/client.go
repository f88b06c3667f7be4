package realtime

import (
	"sync"
	"time"

	"parley/cmd/identity"
	v1 "parley/shared/contracts/realtime/v1"
)

// Client is one live connection as seen by the registry.
//
// Send is never closed by the server; broadcasters may race with teardown.
// done signals the transport goroutines to stop. Close is idempotent.
type Client struct {
	ID        string
	User      identity.User
	CreatedAt time.Time
	Send      chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(id string, user identity.User, sendQueueSize int, now time.Time) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = defaultSendQueueSize
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return &Client{
		ID:        id,
		User:      user,
		CreatedAt: now,
		Send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Closed reports whether Close has been called.
func (c *Client) Closed() bool {
	select {
	case <-c.Done():
		return true
	default:
		return false
	}
}

// Close signals the client goroutines to stop (idempotent).
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
