package realtime

import (
	"time"

	"parley/cmd/identity/ids"
)

// ProvisionalPrefix marks message ids that have not been persisted yet.
const ProvisionalPrefix = "tmp_"

// ProvisionalIDs issues temporary message ids. Ids are unique within the
// process and sort by issue order.
type ProvisionalIDs struct {
	seq *ids.Monotonic
}

func NewProvisionalIDs() *ProvisionalIDs {
	return &ProvisionalIDs{seq: ids.NewMonotonic()}
}

// Next returns a new provisional id.
func (p *ProvisionalIDs) Next(now time.Time) (string, error) {
	id, err := p.seq.Next(now)
	if err != nil {
		return "", err
	}
	return ProvisionalPrefix + id, nil
}

// NewConnectionID returns a ULID used as the connection handle.
func NewConnectionID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// envelopeIDs orders outbound envelope ids within the process.
var envelopeIDs = ids.NewMonotonic()

func newEnvelopeID(now time.Time) string {
	id, err := envelopeIDs.Next(now)
	if err != nil {
		return ""
	}
	return id
}

// PrivateRoom is the room every connection of userID joins on connect.
func PrivateRoom(userID string) string {
	return "user:" + userID
}
