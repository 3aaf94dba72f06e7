package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the top-level wrapper for every event written to a client.
type Envelope struct {
	Type      string          `json:"type"`
	Handle    string          `json:"handle,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Wrap marshals payload into an Envelope stamped with the current time.
func Wrap(typ, handle, sessionID string, payload any) (Envelope, error) {
	env := Envelope{
		Type:      typ,
		Handle:    handle,
		SessionID: sessionID,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		env.Payload = raw
	}
	return env, nil
}
