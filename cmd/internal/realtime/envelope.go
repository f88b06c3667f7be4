package realtime

import (
	"encoding/json"
	"time"

	v1 "parley/shared/contracts/realtime/v1"
)

// newEnvelope builds an outbound envelope. Payloads are plain structs, so a
// marshal failure is a programming error and yields an empty payload.
func newEnvelope(typ string, now time.Time, payload any) v1.Envelope {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	env := v1.Envelope{
		V:    v1.Version,
		Type: typ,
		ID:   newEnvelopeID(now),
		TS:   now.UTC(),
	}
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			env.Payload = b
		}
	}
	return env
}

func errorEnvelope(now time.Time, code, msg, tempID string) v1.Envelope {
	return newEnvelope(v1.TypeError, now, v1.ErrorPayload{Code: code, Message: msg, TempID: tempID})
}
