package realtime

import (
	"context"
	"strings"
)

// ParticipantChecker answers membership questions against the system of record.
type ParticipantChecker interface {
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
}

// Gate authorizes conversation-scoped operations. Every call consults the
// store; membership is never cached.
type Gate struct {
	store ParticipantChecker
}

func NewGate(store ParticipantChecker) *Gate {
	return &Gate{store: store}
}

// Check returns nil when userID participates in conversationID,
// ErrNotAParticipant when it does not, and a PersistenceError when the
// store cannot answer.
func (g *Gate) Check(ctx context.Context, userID, conversationID string) error {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(conversationID) == "" {
		return ErrNotAParticipant
	}
	ok, err := g.store.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return persistence("gate.check", err)
	}
	if !ok {
		return ErrNotAParticipant
	}
	return nil
}
