package event

import (
	"encoding/json"
	"time"

	"callhub/internal/app/user"
)

// RoomRequest is the payload of join-room and leave-room.
type RoomRequest struct {
	RoomID string `json:"roomId"`
}

// TypingRequest is the payload of set-typing.
type TypingRequest struct {
	RoomID string `json:"roomId"`
	Typing bool   `json:"typing"`
}

// SendMessageRequest is the payload of send-message.
type SendMessageRequest struct {
	RoomID  string `json:"roomId"`
	Content string `json:"content"`
}

// MessageDelivered is broadcast for every persisted chat message and is also the
// item shape of room-history.
type MessageDelivered struct {
	ID         string    `json:"id"`
	Room       string    `json:"room"`
	Sender     string    `json:"sender"`
	SenderName string    `json:"senderName"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"createdAt"`
}

// TypingChanged is broadcast to the other subscribers of a room.
type TypingChanged struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	Typing   bool   `json:"typing"`
}

// RoomHistory answers a successful join-room, to the joining connection only.
type RoomHistory struct {
	RoomID   string             `json:"roomId"`
	Messages []MessageDelivered `json:"messages"`
}

// LastMessage summarizes the most recent message of a room.
type LastMessage struct {
	Content   string    `json:"content"`
	SenderID  string    `json:"senderId"`
	CreatedAt time.Time `json:"createdAt"`
}

// RoomSummary is one entry of room-list.
type RoomSummary struct {
	ID           string       `json:"id"`
	Participants []user.User  `json:"participants"`
	LastMessage  *LastMessage `json:"lastMessage,omitempty"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// RoomList is pushed on connect and after every message in a room the identity belongs to.
type RoomList struct {
	Rooms []RoomSummary `json:"rooms"`
}

// CallRequest is the client payload of every call-* event. Which of Description
// and Candidate is set depends on the type.
type CallRequest struct {
	TargetID    string          `json:"targetId"`
	CallID      string          `json:"callId,omitempty"`
	FromName    string          `json:"fromName,omitempty"`
	CallType    string          `json:"callType,omitempty"`
	Description json.RawMessage `json:"description,omitempty"`
	Candidate   json.RawMessage `json:"candidate,omitempty"`
}

// CallSignal is the server payload of every relayed call event. From is always the
// authenticated identity of the sender.
type CallSignal struct {
	From        string          `json:"from"`
	FromName    string          `json:"fromName,omitempty"`
	FromID      string          `json:"fromId,omitempty"`
	TargetID    string          `json:"targetId,omitempty"`
	CallID      string          `json:"callId,omitempty"`
	CallType    string          `json:"callType,omitempty"`
	Description json.RawMessage `json:"description,omitempty"`
	Candidate   json.RawMessage `json:"candidate,omitempty"`
}

// Error is sent to the originating connection only.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}
