package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"callhub/internal/app/db"
	"callhub/internal/app/user"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is a Store backed by a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an already migrated pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const roomColumns = `r.id::text, r.last_message_content, r.last_message_sender::text, r.last_message_at, r.updated_at`

// parseID converts a textual id into a uuid. Malformed ids cannot exist in the
// database, so they are reported as ErrNotFound.
func parseID(id string) (uuid.UUID, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, ErrNotFound
	}
	return parsed, nil
}

func mapErr(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) || db.IsInvalidTextRepresentation(err) || db.IsForeignKeyViolation(err) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

func scanRoom(row pgx.Row) (*Room, error) {
	var (
		room      Room
		content   *string
		senderID  *string
		createdAt *time.Time
	)
	if err := row.Scan(&room.ID, &content, &senderID, &createdAt, &room.UpdatedAt); err != nil {
		return nil, err
	}
	if content != nil && createdAt != nil {
		room.LastMessage = &LastMessage{Content: *content, CreatedAt: *createdAt}
		if senderID != nil {
			room.LastMessage.SenderID = *senderID
		}
	}
	return &room, nil
}

// GetRoom implements RoomStore.
func (p *Postgres) GetRoom(ctx context.Context, roomID string) (*Room, error) {
	id, err := parseID(roomID)
	if err != nil {
		return nil, err
	}

	row := p.pool.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms r WHERE r.id = $1`, id)
	room, err := scanRoom(row)
	if err != nil {
		return nil, mapErr("get room", err)
	}

	participants, err := p.participants(ctx, []uuid.UUID{id})
	if err != nil {
		return nil, err
	}
	room.Participants = participants[room.ID]
	return room, nil
}

// participants loads the participant lists of several rooms in one query.
func (p *Postgres) participants(ctx context.Context, roomIDs []uuid.UUID) (map[string][]user.User, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT rp.room_id::text, u.id::text, u.name
		FROM room_participants rp
		JOIN users u ON u.id = rp.user_id
		WHERE rp.room_id = ANY($1)
		ORDER BY u.name, u.id`, roomIDs)
	if err != nil {
		return nil, mapErr("list participants", err)
	}
	defer rows.Close()

	out := make(map[string][]user.User, len(roomIDs))
	for rows.Next() {
		var roomID string
		var u user.User
		if err := rows.Scan(&roomID, &u.ID, &u.Name); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		out[roomID] = append(out[roomID], u)
	}
	return out, rows.Err()
}

// ListRoomsFor implements RoomStore.
func (p *Postgres) ListRoomsFor(ctx context.Context, userID string) ([]Room, error) {
	uid, err := parseID(userID)
	if err != nil {
		return []Room{}, nil
	}

	rows, err := p.pool.Query(ctx, `
		SELECT `+roomColumns+`
		FROM rooms r
		JOIN room_participants rp ON rp.room_id = r.id
		WHERE rp.user_id = $1
		ORDER BY r.updated_at DESC, r.id`, uid)
	if err != nil {
		return nil, mapErr("list rooms", err)
	}
	defer rows.Close()

	rooms := []Room{}
	ids := []uuid.UUID{}
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		rooms = append(rooms, *room)
		ids = append(ids, uuid.MustParse(room.ID))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	if len(rooms) == 0 {
		return rooms, nil
	}

	participants, err := p.participants(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range rooms {
		rooms[i].Participants = participants[rooms[i].ID]
	}
	return rooms, nil
}

// History implements RoomStore.
func (p *Postgres) History(ctx context.Context, roomID string, limit int) ([]Message, error) {
	id, err := parseID(roomID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	rows, err := p.pool.Query(ctx, `
		SELECT id, room_id, sender_id, sender_name, content, created_at FROM (
			SELECT m.id::text AS id, m.room_id::text AS room_id, m.sender_id::text AS sender_id,
			       u.name AS sender_name, m.content, m.created_at
			FROM messages m
			JOIN users u ON u.id = m.sender_id
			WHERE m.room_id = $1
			ORDER BY m.created_at DESC, m.id DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC, id ASC`, id, limit)
	if err != nil {
		return nil, mapErr("history", err)
	}
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.SenderName, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// UpdateLastMessage implements RoomStore.
func (p *Postgres) UpdateLastMessage(ctx context.Context, roomID string, msg Message) error {
	id, err := parseID(roomID)
	if err != nil {
		return err
	}
	sender, err := parseID(msg.SenderID)
	if err != nil {
		return err
	}

	tag, err := p.pool.Exec(ctx, `
		UPDATE rooms
		SET last_message_content = $2, last_message_sender = $3, last_message_at = $4, updated_at = $4
		WHERE id = $1`, id, msg.Content, sender, msg.CreatedAt)
	if err != nil {
		return mapErr("update last message", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FindDirectRoom implements RoomStore.
func (p *Postgres) FindDirectRoom(ctx context.Context, a, b string) (*Room, error) {
	ua, err := parseID(a)
	if err != nil {
		return nil, err
	}
	ub, err := parseID(b)
	if err != nil {
		return nil, err
	}

	var roomID string
	err = p.pool.QueryRow(ctx, `
		SELECT p1.room_id::text
		FROM room_participants p1
		JOIN room_participants p2 ON p2.room_id = p1.room_id
		WHERE p1.user_id = $1 AND p2.user_id = $2
		  AND (SELECT count(*) FROM room_participants p3 WHERE p3.room_id = p1.room_id) = 2
		ORDER BY p1.room_id
		LIMIT 1`, ua, ub).Scan(&roomID)
	if err != nil {
		return nil, mapErr("find direct room", err)
	}
	return p.GetRoom(ctx, roomID)
}

// Persist implements MessageStore.
func (p *Postgres) Persist(ctx context.Context, msg Message) error {
	id, err := parseID(msg.ID)
	if err != nil {
		return fmt.Errorf("persist message: invalid id %q", msg.ID)
	}
	roomID, err := parseID(msg.RoomID)
	if err != nil {
		return err
	}
	sender, err := parseID(msg.SenderID)
	if err != nil {
		return err
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO messages (id, room_id, sender_id, content, created_at)
		VALUES ($1, $2, $3, $4, $5)`, id, roomID, sender, msg.Content, msg.CreatedAt)
	if err != nil {
		return mapErr("persist message", err)
	}
	return nil
}

// InsertCallLog implements CallLogStore.
func (p *Postgres) InsertCallLog(ctx context.Context, log CallLog) error {
	ids := make([]uuid.UUID, 4)
	for i, s := range []string{log.ID, log.RoomID, log.CallerID, log.ReceiverID} {
		parsed, err := parseID(s)
		if err != nil {
			return err
		}
		ids[i] = parsed
	}

	_, err := p.pool.Exec(ctx, `
		INSERT INTO call_logs (id, room_id, caller_id, receiver_id, call_type, duration_seconds, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ids[0], ids[1], ids[2], ids[3], log.Type, log.Duration, log.Status, log.CreatedAt)
	if err != nil {
		return mapErr("insert call log", err)
	}
	return nil
}

// CallLogs implements CallLogStore.
func (p *Postgres) CallLogs(ctx context.Context, roomID string, limit int) ([]CallLog, error) {
	id, err := parseID(roomID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	rows, err := p.pool.Query(ctx, `
		SELECT id, room_id, caller_id, receiver_id, call_type, duration_seconds, status, created_at FROM (
			SELECT id::text AS id, room_id::text AS room_id, caller_id::text AS caller_id,
			       receiver_id::text AS receiver_id, call_type, duration_seconds, status, created_at
			FROM call_logs
			WHERE room_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC`, id, limit)
	if err != nil {
		return nil, mapErr("call logs", err)
	}
	defer rows.Close()

	logs := []CallLog{}
	for rows.Next() {
		var l CallLog
		if err := rows.Scan(&l.ID, &l.RoomID, &l.CallerID, &l.ReceiverID, &l.Type, &l.Duration, &l.Status, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan call log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// GetUser implements UserStore.
func (p *Postgres) GetUser(ctx context.Context, userID string) (*user.User, error) {
	id, err := parseID(userID)
	if err != nil {
		return nil, err
	}

	var u user.User
	err = p.pool.QueryRow(ctx, `SELECT id::text, name FROM users WHERE id = $1`, id).Scan(&u.ID, &u.Name)
	if err != nil {
		return nil, mapErr("get user", err)
	}
	return &u, nil
}
