/*
Package calllog records finished call attempts against the direct room of the two peers.

The caller reports the wall-clock duration between connect and end. A duration of
zero means the call never connected and is recorded as missed.
*/
package calllog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"callhub/internal/app/store"
	"callhub/internal/pkg/errs"
	"callhub/internal/pkg/logx"
	"callhub/internal/pkg/randx"

	"github.com/rs/zerolog"
)

// Entry is one call log merged into a room's timeline.
type Entry struct {
	ID         string    `json:"id"`
	CallerID   string    `json:"callerId"`
	ReceiverID string    `json:"receiverId"`
	Type       string    `json:"callType"`
	Duration   int       `json:"duration"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Classify maps a call duration in seconds to a status.
func Classify(duration int) string {
	if duration > 0 {
		return store.CallStatusCompleted
	}
	return store.CallStatusMissed
}

// ValidType reports whether t is a supported call type.
func ValidType(t string) bool {
	return t == store.CallTypeVideo || t == store.CallTypeAudio
}

// Service writes call logs.
type Service struct {
	rooms  store.RoomStore
	logs   store.CallLogStore
	now    func() time.Time
	logger zerolog.Logger
}

// NewService creates a Service.
func NewService(rooms store.RoomStore, logs store.CallLogStore) *Service {
	return &Service{rooms: rooms, logs: logs, now: time.Now, logger: logx.Component("calllog")}
}

// LogCall records a call from callerID to targetID. It returns a *errs.CustomError
// for invalid input or a missing direct room.
func (s *Service) LogCall(ctx context.Context, callerID, targetID string, duration int, callType string) (*store.CallLog, error) {
	if targetID == "" || targetID == callerID {
		return nil, errs.NewError(errs.ErrCallTargetInvalid)
	}
	if callType == "" {
		callType = store.CallTypeVideo
	}
	if !ValidType(callType) {
		return nil, errs.NewError(errs.ErrCallTypeInvalid)
	}
	if duration < 0 {
		duration = 0
	}

	room, err := s.rooms.FindDirectRoom(ctx, callerID, targetID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errs.NewError(errs.ErrCallRoomNotFound)
		}
		return nil, fmt.Errorf("find direct room: %w", err)
	}

	entry := store.CallLog{
		ID:         randx.MessageID(),
		RoomID:     room.ID,
		CallerID:   callerID,
		ReceiverID: targetID,
		Type:       callType,
		Duration:   duration,
		Status:     Classify(duration),
		CreatedAt:  s.now().UTC(),
	}

	if err := s.logs.InsertCallLog(ctx, entry); err != nil {
		return nil, fmt.Errorf("insert call log: %w", err)
	}

	s.logger.Info().
		Str("room_id", room.ID).
		Str("caller", callerID).
		Str("receiver", targetID).
		Int("duration", duration).
		Str("status", entry.Status).
		Msg("Call logged.")

	return &entry, nil
}

// Entries returns the call logs of roomID in timeline form.
func (s *Service) Entries(ctx context.Context, roomID string, limit int) ([]Entry, error) {
	logs, err := s.logs.CallLogs(ctx, roomID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(logs))
	for _, l := range logs {
		out = append(out, Entry{
			ID:         l.ID,
			CallerID:   l.CallerID,
			ReceiverID: l.ReceiverID,
			Type:       l.Type,
			Duration:   l.Duration,
			Status:     l.Status,
			CreatedAt:  l.CreatedAt,
		})
	}
	return out, nil
}
