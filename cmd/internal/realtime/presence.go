package realtime

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	v1 "parley/shared/contracts/realtime/v1"
)

// Presence registers connections and announces identity-level transitions:
// user:online when the first connection appears, user:offline when the last
// one goes away. Announcements go to every live connection.
//
// mu serializes the registry change with its announcement so the online and
// offline events of one identity are never observed out of order.
type Presence struct {
	reg *Registry
	log *slog.Logger
	now func() time.Time

	mu sync.Mutex
}

func NewPresence(reg *Registry, log *slog.Logger) *Presence {
	if log == nil {
		log = slog.Default()
	}
	return &Presence{
		reg: reg,
		log: log,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Connect registers c and announces the identity if it just came online.
func (p *Presence) Connect(c *Client) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	first, err := p.reg.Register(c)
	if err != nil {
		return err
	}
	if first {
		p.reg.BroadcastAll(newEnvelope(v1.TypeUserOnline, p.now(), v1.UserPresencePayload{UserID: c.User.ID}))
		p.log.Info("presence.online", "user_id", c.User.ID)
	}
	return nil
}

// Disconnect unregisters the connection and announces the identity if it
// has no connection left. Unknown handles are ignored.
func (p *Presence) Disconnect(c *Client) {
	p.mu.Lock()
	defer p.mu.Unlock()

	last, ok := p.reg.Unregister(c.ID)
	if !ok {
		return
	}
	if last {
		p.reg.BroadcastAll(newEnvelope(v1.TypeUserOffline, p.now(), v1.UserPresencePayload{UserID: c.User.ID}))
		p.log.Info("presence.offline", "user_id", c.User.ID)
	}
}

// Typing relays ephemeral typing indicators to a conversation room.
// Indicators are authorized but never stored.
type Typing struct {
	reg  *Registry
	gate *Gate
	now  func() time.Time
}

func NewTyping(reg *Registry, gate *Gate) *Typing {
	return &Typing{
		reg:  reg,
		gate: gate,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Start announces that c's user is typing in conversationID.
func (t *Typing) Start(ctx context.Context, c *Client, conversationID string) error {
	name := c.User.FullName
	return t.emit(ctx, c, conversationID, &name)
}

// Stop announces that c's user stopped typing. fullName is null on the wire.
func (t *Typing) Stop(ctx context.Context, c *Client, conversationID string) error {
	return t.emit(ctx, c, conversationID, nil)
}

func (t *Typing) emit(ctx context.Context, c *Client, conversationID string, fullName *string) error {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return invalidField("conversationId", "is required")
	}
	if err := t.gate.Check(ctx, c.User.ID, conversationID); err != nil {
		return err
	}
	t.reg.BroadcastExcept(conversationID, c.ID, newEnvelope(v1.TypeUserTyping, t.now(), v1.UserTypingPayload{
		ConversationID: conversationID,
		UserID:         c.User.ID,
		FullName:       fullName,
	}))
	return nil
}
