package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"callhub/internal/app/user"
)

// Memory is an in-process Store. It is safe for concurrent use.
type Memory struct {
	mu       sync.RWMutex
	users    map[string]user.User
	rooms    map[string]*Room
	messages map[string][]Message
	callLogs map[string][]CallLog

	// now is replaceable in tests.
	now func() time.Time
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		users:    make(map[string]user.User),
		rooms:    make(map[string]*Room),
		messages: make(map[string][]Message),
		callLogs: make(map[string][]CallLog),
		now:      time.Now,
	}
}

// AddUser seeds a user.
func (m *Memory) AddUser(u user.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

// AddRoom seeds a room with the given participants. Unknown participant ids are
// added as users named after their id.
func (m *Memory) AddRoom(roomID string, participantIDs ...string) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()

	room := &Room{ID: roomID, UpdatedAt: m.now()}
	for _, id := range participantIDs {
		u, ok := m.users[id]
		if !ok {
			u = user.User{ID: id, Name: id}
			m.users[id] = u
		}
		room.Participants = append(room.Participants, u)
	}
	m.rooms[roomID] = room
	return cloneRoom(room)
}

// GetRoom implements RoomStore.
func (m *Memory) GetRoom(_ context.Context, roomID string) (*Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRoom(room), nil
}

// ListRoomsFor implements RoomStore.
func (m *Memory) ListRoomsFor(_ context.Context, userID string) ([]Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []Room{}
	for _, room := range m.rooms {
		if room.HasParticipant(userID) {
			out = append(out, *cloneRoom(room))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// History implements RoomStore.
func (m *Memory) History(_ context.Context, roomID string, limit int) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.rooms[roomID]; !ok {
		return nil, ErrNotFound
	}

	msgs := m.messages[roomID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// UpdateLastMessage implements RoomStore.
func (m *Memory) UpdateLastMessage(_ context.Context, roomID string, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return ErrNotFound
	}
	room.LastMessage = &LastMessage{
		Content:   msg.Content,
		SenderID:  msg.SenderID,
		CreatedAt: msg.CreatedAt,
	}
	room.UpdatedAt = msg.CreatedAt
	return nil
}

// FindDirectRoom implements RoomStore.
func (m *Memory) FindDirectRoom(_ context.Context, a, b string) (*Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		room := m.rooms[id]
		if len(room.Participants) == 2 && room.HasParticipant(a) && room.HasParticipant(b) {
			return cloneRoom(room), nil
		}
	}
	return nil, ErrNotFound
}

// Persist implements MessageStore. SenderName is filled from the user table when empty.
func (m *Memory) Persist(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[msg.RoomID]; !ok {
		return ErrNotFound
	}
	if msg.SenderName == "" {
		msg.SenderName = m.users[msg.SenderID].Name
	}
	m.messages[msg.RoomID] = append(m.messages[msg.RoomID], msg)
	return nil
}

// InsertCallLog implements CallLogStore.
func (m *Memory) InsertCallLog(_ context.Context, log CallLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[log.RoomID]; !ok {
		return ErrNotFound
	}
	m.callLogs[log.RoomID] = append(m.callLogs[log.RoomID], log)
	return nil
}

// CallLogs implements CallLogStore.
func (m *Memory) CallLogs(_ context.Context, roomID string, limit int) ([]CallLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	logs := m.callLogs[roomID]
	if limit > 0 && len(logs) > limit {
		logs = logs[len(logs)-limit:]
	}
	out := make([]CallLog, len(logs))
	copy(out, logs)
	return out, nil
}

// GetUser implements UserStore.
func (m *Memory) GetUser(_ context.Context, id string) (*user.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func cloneRoom(r *Room) *Room {
	c := *r
	c.Participants = append([]user.User(nil), r.Participants...)
	if r.LastMessage != nil {
		lm := *r.LastMessage
		c.LastMessage = &lm
	}
	return &c
}
