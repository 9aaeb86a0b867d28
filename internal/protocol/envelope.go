// Package protocol defines the JSON wire envelopes exchanged with the
// chat backend over a realtime transport connection.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Client to server event types.
const (
	TypeAuth = "auth"
	TypeJoin = "join"
	TypeSend = "send"
	TypePing = "ping"
)

// Server to client event types.
const (
	TypeAuthOK           = "auth-ok"
	TypeAuthFail         = "auth-fail"
	TypeMessage          = "message"
	TypeAck              = "ack"
	TypePresenceDiff     = "presence-diff"
	TypePresenceSnapshot = "presence-snapshot"
	TypePong             = "pong"
)

var ErrMissingType = errors.New("envelope without type")

// Envelope is the outer wire frame: a type tag plus the raw payload.
// Ping and pong travel as bare envelopes with no payload.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type AuthPayload struct {
	Token string `json:"token"`
}

type AuthFailPayload struct {
	Reason string `json:"reason"`
}

type JoinPayload struct {
	RoomID string `json:"roomId"`
}

type SendPayload struct {
	RoomID         string `json:"roomId"`
	IdempotencyKey string `json:"idempotencyKey"`
	Content        string `json:"content"`
}

type MessagePayload struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

type AckPayload struct {
	IdempotencyKey string `json:"idempotencyKey"`
	MessageID      string `json:"messageId"`
}

type PresenceDiffPayload struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

type PresenceSnapshotPayload struct {
	UserIDs []string `json:"userIds"`
}

// Encode marshals an envelope of the given type. A nil payload produces
// a bare envelope.
func Encode(eventType string, payload any) ([]byte, error) {
	env := Envelope{Type: eventType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		env.Payload = raw
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", eventType, err)
	}
	return data, nil
}

// Decode parses the outer envelope without touching its payload.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, ErrMissingType
	}
	return env, nil
}

// DecodePayload unmarshals the envelope payload into v.
func (e Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s envelope has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", e.Type, err)
	}
	return nil
}
