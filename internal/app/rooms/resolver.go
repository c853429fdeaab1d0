/*
Package rooms authorizes identities against rooms held by the store.

Every failure mode, including a missing room or a store error, is reported as
"not a member". Callers never see the reason.
*/
package rooms

import (
	"context"
	"errors"

	"callhub/internal/app/store"
	"callhub/internal/pkg/logx"

	"github.com/rs/zerolog"
)

// Resolver answers membership questions.
type Resolver struct {
	rooms  store.RoomStore
	logger zerolog.Logger
}

// NewResolver creates a Resolver backed by rooms.
func NewResolver(rooms store.RoomStore) *Resolver {
	return &Resolver{rooms: rooms, logger: logx.Component("rooms")}
}

// Authorize returns the room when identity participates in it.
func (r *Resolver) Authorize(ctx context.Context, roomID, identity string) (*store.Room, bool) {
	if roomID == "" || identity == "" {
		return nil, false
	}

	room, err := r.rooms.GetRoom(ctx, roomID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.logger.Error().Err(err).Str("room_id", roomID).Msg("Room lookup failed, denying.")
		}
		return nil, false
	}

	if !room.HasParticipant(identity) {
		r.logger.Debug().Str("room_id", roomID).Str("client_id", identity).Msg("Not a participant, denying.")
		return nil, false
	}
	return room, true
}

// IsMember reports whether identity participates in roomID.
func (r *Resolver) IsMember(ctx context.Context, roomID, identity string) bool {
	_, ok := r.Authorize(ctx, roomID, identity)
	return ok
}
