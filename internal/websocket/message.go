package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type MessageType string

// Pushed by the server.
const (
	TypeVerificationCode  MessageType = "verification_code"
	TypeTransactionUpdate MessageType = "transaction_update"
	TypeError             MessageType = "error"
	TypePong              MessageType = "pong"
)

// Sent by clients. sync_status is answered with the same type.
const (
	TypePing       MessageType = "ping"
	TypeSyncStatus MessageType = "sync_status"
)

var errNoType = errors.New("message has no type")

// Message is one frame on the push channel.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type ErrorPayload struct {
	Error string `json:"error"`
}

func NewMessage(typ MessageType, payload any) (*Message, error) {
	msg := &Message{Type: typ, Timestamp: time.Now().UTC()}
	if payload == nil {
		return msg, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", typ, err)
	}
	msg.Payload = raw
	return msg, nil
}

// ErrorMessage builds the reply for a request the server cannot serve.
func ErrorMessage(text string) *Message {
	msg, _ := NewMessage(TypeError, ErrorPayload{Error: text})
	return msg
}

// ParseMessage decodes a client frame. Frames without a type are rejected.
func ParseMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}
	if msg.Type == "" {
		return nil, errNoType
	}
	return &msg, nil
}

// Decode unmarshals the payload into v. An absent payload leaves v untouched.
func (m *Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}
