/*
Package event defines the realtime wire protocol shared by the server and peers.

Every frame on the websocket is an Envelope: a type name plus a JSON payload whose
shape depends on the type. Client-to-server and server-to-client names are kept
in separate constant blocks.
*/
package event

import (
	"encoding/json"
	"fmt"
)

// Client to server.
const (
	TypeJoinRoom    = "join-room"
	TypeLeaveRoom   = "leave-room"
	TypeSetTyping   = "set-typing"
	TypeSendMessage = "send-message"

	TypeCallInitiate = "call-initiate"
	TypeCallAccept   = "call-accept"
	TypeCallReject   = "call-reject"
)

// Relayed in both directions. The client sends them with a targetId and
// receives them with a from field.
const (
	TypeCallOffer  = "call-offer"
	TypeCallAnswer = "call-answer"
	TypeCallICE    = "call-ice"
	TypeCallEnd    = "call-end"
)

// Server to client.
const (
	TypeMessageDelivered = "message-delivered"
	TypeTypingChanged    = "typing-changed"
	TypeRoomHistory      = "room-history"
	TypeRoomList         = "room-list"

	TypeIncomingCall = "incoming-call"
	TypeCallAccepted = "call-accepted"
	TypeCallRejected = "call-rejected"

	TypeError = "error"
)

// Envelope is a single frame on the realtime channel.
type Envelope struct {
	// Type is one of the Type* constants.
	Type string `json:"type"`

	// Payload is the type-specific body, decoded lazily by the receiver.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// New builds an Envelope by marshaling payload. A nil payload yields an empty body.
func New(eventType string, payload any) (Envelope, error) {
	env := Envelope{Type: eventType}
	if payload == nil {
		return env, nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	env.Payload = raw
	return env, nil
}

// Decode unmarshals the envelope payload into dst.
func (e Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("%s: decode payload: %w", e.Type, err)
	}
	return nil
}

// HasValue reports whether raw holds a JSON value other than null.
func HasValue(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}
