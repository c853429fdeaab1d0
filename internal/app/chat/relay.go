/*
Package chat routes chat messages and typing indicators to room subscribers.

A connection subscribes to a room by joining it and is released on leave or on
disconnect. Every operation is gated on room membership; a failed check drops
the request without telling the sender anything.

This file defines the Relay, which owns the room broadcast groups and the
per-connection subscription sets.
*/
package chat

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"callhub/internal/app/event"
	"callhub/internal/app/presence"
	"callhub/internal/app/rooms"
	"callhub/internal/app/store"
	"callhub/internal/pkg/errs"
	"callhub/internal/pkg/logx"
	"callhub/internal/pkg/randx"

	"github.com/rs/zerolog"
)

// DefaultMaxContentBytes is the largest accepted message body.
const DefaultMaxContentBytes = 5000

// Options tunes a Relay. Zero values select the defaults.
type Options struct {
	// MaxContentBytes is the largest accepted trimmed message body.
	MaxContentBytes int

	// HistoryLimit caps the room-history sent on join.
	HistoryLimit int
}

// Relay fans chat events out to the subscribers of each room.
type Relay struct {
	resolver *rooms.Resolver
	rooms    store.RoomStore
	messages store.MessageStore
	presence *presence.Registry

	maxContent   int
	historyLimit int

	// mu protects groups and subs.
	mu sync.RWMutex

	// groups maps a room id to its subscribed connections, keyed by connection id.
	groups map[string]map[string]presence.Conn

	// subs maps a connection id to the rooms it joined.
	subs map[string]map[string]struct{}

	// now is replaceable in tests.
	now func() time.Time

	logger zerolog.Logger
}

// NewRelay creates a Relay.
func NewRelay(resolver *rooms.Resolver, roomStore store.RoomStore, messages store.MessageStore, registry *presence.Registry, opts Options) *Relay {
	if opts.MaxContentBytes <= 0 {
		opts.MaxContentBytes = DefaultMaxContentBytes
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = store.DefaultHistoryLimit
	}

	return &Relay{
		resolver:     resolver,
		rooms:        roomStore,
		messages:     messages,
		presence:     registry,
		maxContent:   opts.MaxContentBytes,
		historyLimit: opts.HistoryLimit,
		groups:       make(map[string]map[string]presence.Conn),
		subs:         make(map[string]map[string]struct{}),
		now:          time.Now,
		logger:       logx.Component("chat"),
	}
}

// Join subscribes conn to roomID and sends it the room history, oldest first.
// Non-members are ignored.
func (r *Relay) Join(ctx context.Context, conn presence.Conn, roomID string) error {
	if _, ok := r.resolver.Authorize(ctx, roomID, conn.UserID()); !ok {
		return nil
	}

	history, err := r.rooms.History(ctx, roomID, r.historyLimit)
	if err != nil {
		return fmt.Errorf("load history for room %s: %w", roomID, err)
	}

	r.subscribe(conn, roomID)

	items := make([]event.MessageDelivered, 0, len(history))
	for _, m := range history {
		items = append(items, toDelivered(m))
	}

	env, err := event.New(event.TypeRoomHistory, event.RoomHistory{RoomID: roomID, Messages: items})
	if err != nil {
		return err
	}
	if err := conn.Deliver(env); err != nil {
		r.logger.Warn().Err(err).Str("conn_id", conn.ID()).Str("room_id", roomID).Msg("Dropped room history.")
	}
	return nil
}

// Leave unsubscribes conn from roomID. It is a no-op when conn never joined.
func (r *Relay) Leave(conn presence.Conn, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.unsubscribeLocked(conn.ID(), roomID)
}

// LeaveAll releases every subscription held by conn.
func (r *Relay) LeaveAll(conn presence.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	joined := r.subs[conn.ID()]
	for roomID := range joined {
		r.unsubscribeLocked(conn.ID(), roomID)
	}
	delete(r.subs, conn.ID())

	if len(joined) > 0 {
		r.logger.Debug().Str("conn_id", conn.ID()).Int("rooms", len(joined)).Msg("Released room subscriptions.")
	}
}

// SetTyping broadcasts the typing flag of conn's identity to the other subscribers of roomID.
func (r *Relay) SetTyping(ctx context.Context, conn presence.Conn, name, roomID string, typing bool) error {
	if _, ok := r.resolver.Authorize(ctx, roomID, conn.UserID()); !ok {
		return nil
	}

	env, err := event.New(event.TypeTypingChanged, event.TypingChanged{
		RoomID:   roomID,
		UserID:   conn.UserID(),
		UserName: name,
		Typing:   typing,
	})
	if err != nil {
		return err
	}

	for _, sub := range r.subscribers(roomID) {
		if sub.UserID() == conn.UserID() {
			continue
		}
		r.deliver(sub, env)
	}
	return nil
}

// SendMessage persists a message from conn's identity, refreshes the room's
// last-message summary, broadcasts the message to the room subscribers and the
// sender, then pushes a fresh room list to every participant.
//
// Blank content and non-members are dropped silently. Oversized content returns
// a *errs.CustomError meant for the sender only.
func (r *Relay) SendMessage(ctx context.Context, conn presence.Conn, name, roomID, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	room, ok := r.resolver.Authorize(ctx, roomID, conn.UserID())
	if !ok {
		return nil
	}

	if len(content) > r.maxContent {
		return errs.NewError(errs.ErrMessageContentTooLong)
	}

	msg := store.Message{
		ID:         randx.MessageID(),
		RoomID:     roomID,
		SenderID:   conn.UserID(),
		SenderName: name,
		Content:    content,
		CreatedAt:  r.now().UTC(),
	}

	if err := r.messages.Persist(ctx, msg); err != nil {
		return fmt.Errorf("persist message: %w", err)
	}
	if err := r.rooms.UpdateLastMessage(ctx, roomID, msg); err != nil {
		// the message is stored, so it is still delivered
		r.logger.Error().Err(err).Str("room_id", roomID).Str("message_id", msg.ID).Msg("Failed to update room summary.")
	}

	env, err := event.New(event.TypeMessageDelivered, toDelivered(msg))
	if err != nil {
		return err
	}

	senderSeen := false
	for _, sub := range r.subscribers(roomID) {
		if sub.ID() == conn.ID() {
			senderSeen = true
		}
		r.deliver(sub, env)
	}
	if !senderSeen {
		r.deliver(conn, env)
	}

	r.logger.Debug().
		Str("room_id", roomID).
		Str("client_id", conn.UserID()).
		Str("message_id", msg.ID).
		Msg("Message delivered.")

	for _, participant := range room.ParticipantIDs() {
		if err := r.PushRoomList(ctx, participant); err != nil {
			r.logger.Warn().Err(err).Str("client_id", participant).Msg("Room list refresh failed.")
		}
	}
	return nil
}

// RoomList builds the room-list event for identity.
func (r *Relay) RoomList(ctx context.Context, identity string) (event.Envelope, error) {
	list, err := r.rooms.ListRoomsFor(ctx, identity)
	if err != nil {
		return event.Envelope{}, fmt.Errorf("list rooms for %s: %w", identity, err)
	}

	sort.SliceStable(list, func(i, j int) bool {
		return list[i].UpdatedAt.After(list[j].UpdatedAt)
	})

	summaries := make([]event.RoomSummary, 0, len(list))
	for _, room := range list {
		summary := event.RoomSummary{
			ID:           room.ID,
			Participants: room.Participants,
			UpdatedAt:    room.UpdatedAt,
		}
		if room.LastMessage != nil {
			summary.LastMessage = &event.LastMessage{
				Content:   room.LastMessage.Content,
				SenderID:  room.LastMessage.SenderID,
				CreatedAt: room.LastMessage.CreatedAt,
			}
		}
		summaries = append(summaries, summary)
	}

	return event.New(event.TypeRoomList, event.RoomList{Rooms: summaries})
}

// PushRoomList sends the current room list to identity's live connection.
// Offline identities are skipped.
func (r *Relay) PushRoomList(ctx context.Context, identity string) error {
	if _, ok := r.presence.Lookup(identity); !ok {
		return nil
	}

	env, err := r.RoomList(ctx, identity)
	if err != nil {
		return err
	}
	r.presence.Deliver(identity, env)
	return nil
}

// Subscribed reports whether conn currently receives roomID's broadcasts.
func (r *Relay) Subscribed(conn presence.Conn, roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.groups[roomID][conn.ID()]
	return ok
}

func (r *Relay) subscribe(conn presence.Conn, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	group, ok := r.groups[roomID]
	if !ok {
		group = make(map[string]presence.Conn)
		r.groups[roomID] = group
	}
	group[conn.ID()] = conn

	joined, ok := r.subs[conn.ID()]
	if !ok {
		joined = make(map[string]struct{})
		r.subs[conn.ID()] = joined
	}
	joined[roomID] = struct{}{}
}

func (r *Relay) unsubscribeLocked(connID, roomID string) {
	if group, ok := r.groups[roomID]; ok {
		delete(group, connID)
		if len(group) == 0 {
			delete(r.groups, roomID)
		}
	}
	if joined, ok := r.subs[connID]; ok {
		delete(joined, roomID)
		if len(joined) == 0 {
			delete(r.subs, connID)
		}
	}
}

// subscribers snapshots the group so delivery happens outside the lock.
func (r *Relay) subscribers(roomID string) []presence.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	group := r.groups[roomID]
	out := make([]presence.Conn, 0, len(group))
	for _, c := range group {
		out = append(out, c)
	}
	return out
}

func (r *Relay) deliver(conn presence.Conn, env event.Envelope) {
	if err := conn.Deliver(env); err != nil {
		r.logger.Warn().Err(err).Str("conn_id", conn.ID()).Str("event", env.Type).Msg("Delivery dropped.")
	}
}

func toDelivered(m store.Message) event.MessageDelivered {
	return event.MessageDelivered{
		ID:         m.ID,
		Room:       m.RoomID,
		Sender:     m.SenderID,
		SenderName: m.SenderName,
		Content:    m.Content,
		CreatedAt:  m.CreatedAt,
	}
}
