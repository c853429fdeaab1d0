/*
Package store defines the persistence contracts the realtime core consumes and
provides two implementations: Postgres, backed by a pgx pool, and Memory, used
for development and tests.

Rooms and their participant sets are owned by the store; the realtime core only
reads them, persists messages, refreshes last-message summaries, and appends
call log rows.
*/
package store

import (
	"context"
	"errors"
	"time"

	"callhub/internal/app/user"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// DefaultHistoryLimit caps the number of messages returned by History.
const DefaultHistoryLimit = 200

// Call statuses recorded in call logs.
const (
	CallStatusCompleted = "completed"
	CallStatusMissed    = "missed"
)

// Call types.
const (
	CallTypeVideo = "video"
	CallTypeAudio = "audio"
)

// LastMessage is the denormalized summary kept on a room.
type LastMessage struct {
	Content   string
	SenderID  string
	CreatedAt time.Time
}

// Room is a persistent conversation with a fixed participant set.
type Room struct {
	ID           string
	Participants []user.User
	LastMessage  *LastMessage
	UpdatedAt    time.Time
}

// HasParticipant reports whether userID belongs to the room.
func (r *Room) HasParticipant(userID string) bool {
	for _, p := range r.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}

// ParticipantIDs returns the identities of all participants.
func (r *Room) ParticipantIDs() []string {
	ids := make([]string, 0, len(r.Participants))
	for _, p := range r.Participants {
		ids = append(ids, p.ID)
	}
	return ids
}

// Message is a persisted chat message.
type Message struct {
	ID         string
	RoomID     string
	SenderID   string
	SenderName string
	Content    string
	CreatedAt  time.Time
}

// CallLog is one finished call attempt between the two participants of a direct room.
type CallLog struct {
	ID         string
	RoomID     string
	CallerID   string
	ReceiverID string
	Type       string
	Duration   int
	Status     string
	CreatedAt  time.Time
}

// RoomStore reads rooms and maintains their last-message summary.
type RoomStore interface {
	// GetRoom returns ErrNotFound for unknown or malformed ids.
	GetRoom(ctx context.Context, roomID string) (*Room, error)

	// ListRoomsFor returns the rooms userID participates in, most recently updated first.
	ListRoomsFor(ctx context.Context, userID string) ([]Room, error)

	// History returns up to limit of the most recent messages, oldest first.
	History(ctx context.Context, roomID string, limit int) ([]Message, error)

	UpdateLastMessage(ctx context.Context, roomID string, msg Message) error

	// FindDirectRoom returns the two-party room shared by a and b.
	FindDirectRoom(ctx context.Context, a, b string) (*Room, error)
}

// MessageStore persists chat messages.
type MessageStore interface {
	Persist(ctx context.Context, msg Message) error
}

// CallLogStore persists and lists call logs.
type CallLogStore interface {
	InsertCallLog(ctx context.Context, log CallLog) error
	CallLogs(ctx context.Context, roomID string, limit int) ([]CallLog, error)
}

// UserStore resolves identities.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*user.User, error)
}

// Store is the full set of collaborator contracts.
type Store interface {
	RoomStore
	MessageStore
	CallLogStore
	UserStore
}
