package types

import (
	"encoding/json"
	"strings"
)

// ConnID uniquely identifies one client connection for its lifetime.
type ConnID string

// Identity is the opaque principal resolved once during the connection
// handshake. The relay never interprets it beyond passing it to the
// authorization policy.
type Identity string

// Topic names a broadcast channel, e.g. "chat_42".
type Topic string

// MaxTopicLen bounds topic names accepted from clients and producers.
const MaxTopicLen = 256

// Valid reports whether t is a usable topic name: non-empty, at most
// MaxTopicLen bytes and free of whitespace and control characters.
func (t Topic) Valid() bool {
	if t == "" || len(t) > MaxTopicLen {
		return false
	}
	return !strings.ContainsFunc(string(t), func(r rune) bool {
		return r <= ' ' || r == 0x7f
	})
}

// Control frame actions sent by clients.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// ControlFrame is a client → server request.
//
//	{"action": "subscribe", "topic": "chat_1"}
type ControlFrame struct {
	Action string `json:"action"`
	Topic  Topic  `json:"topic"`
}

// Notification types sent to clients.
const (
	TypeWelcome      = "welcome"
	TypeConnected    = "connected"
	TypeDisconnected = "disconnected"
	TypeRejected     = "rejected"
	TypeMessage      = "message"
	TypeError        = "error"
)

// Notification is a server → client frame.
//
//	{"type": "message", "topic": "chat_1", "payload": {"body": "hi"}}
type Notification struct {
	Type    string          `json:"type"`
	Topic   Topic           `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}
