package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"chatsync/internal/domain"
)

type RoomRepo struct {
	db *sql.DB
}

func NewRoomRepo(db *sql.DB) *RoomRepo {
	return &RoomRepo{db: db}
}

// Upsert stores or refreshes a room row. The activity timestamp only
// moves forward so a stale directory snapshot cannot roll it back.
func (r *RoomRepo) Upsert(ctx context.Context, room domain.Room) error {
	if strings.TrimSpace(room.ID) == "" {
		return fmt.Errorf("room id is empty")
	}
	participants, err := encodeParticipants(room.Participants)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO rooms (id, name, kind, participants, unread, last_activity)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			participants = excluded.participants,
			unread = excluded.unread,
			last_activity = CASE
				WHEN excluded.last_activity > rooms.last_activity THEN excluded.last_activity
				ELSE rooms.last_activity
			END
	`, room.ID, room.Name, int(room.Kind), participants, room.Unread, timeToUnixMillis(room.LastActivity))
	if err != nil {
		return fmt.Errorf("upsert room: %w", err)
	}

	return nil
}

// TouchActivity bumps a room's activity timestamp from message traffic.
// Rooms the directory has not synced yet get a placeholder row; the
// next room sync fills in the real name and kind.
func (r *RoomRepo) TouchActivity(ctx context.Context, roomID string, at time.Time) error {
	if strings.TrimSpace(roomID) == "" {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO rooms (id, name, kind, unread, last_activity)
		VALUES (?, ?, 0, 0, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_activity = CASE
				WHEN excluded.last_activity > rooms.last_activity THEN excluded.last_activity
				ELSE rooms.last_activity
			END
	`, roomID, roomID, timeToUnixMillis(at))
	if err != nil {
		return fmt.Errorf("touch room activity: %w", err)
	}

	return nil
}

// ListByActivity returns cached rooms ordered most recently active
// first, ties broken by ID for a stable listing.
func (r *RoomRepo) ListByActivity(ctx context.Context) ([]domain.Room, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, kind, participants, unread, last_activity
		FROM rooms
		ORDER BY last_activity DESC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query rooms: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, room)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rooms: %w", err)
	}

	return out, nil
}

// Prune drops every room the server no longer reports, together with
// its cached messages.
func (r *RoomRepo) Prune(ctx context.Context, keep []string) error {
	msgStmt := `DELETE FROM messages`
	roomStmt := `DELETE FROM rooms`
	var args []any
	if len(keep) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keep)), ",")
		msgStmt += ` WHERE room_id NOT IN (` + placeholders + `)`
		roomStmt += ` WHERE id NOT IN (` + placeholders + `)`
		args = make([]any, 0, len(keep))
		for _, id := range keep {
			args = append(args, id)
		}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin prune tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, msgStmt, args...); err != nil {
		return fmt.Errorf("prune messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, roomStmt, args...); err != nil {
		return fmt.Errorf("prune rooms: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit prune tx: %w", err)
	}

	return nil
}

func scanRoom(rows *sql.Rows) (domain.Room, error) {
	var (
		room         domain.Room
		kind         int
		participants sql.NullString
		lastActivity int64
	)
	if err := rows.Scan(&room.ID, &room.Name, &kind, &participants, &room.Unread, &lastActivity); err != nil {
		return domain.Room{}, fmt.Errorf("scan room: %w", err)
	}
	room.Kind = domain.RoomKind(kind)
	room.LastActivity = unixMillisToTime(lastActivity)
	decoded, err := decodeParticipants(participants)
	if err != nil {
		return domain.Room{}, err
	}
	room.Participants = decoded

	return room, nil
}

func encodeParticipants(participants []string) (any, error) {
	if len(participants) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(participants)
	if err != nil {
		return nil, fmt.Errorf("encode participants: %w", err)
	}

	return string(raw), nil
}

func decodeParticipants(raw sql.NullString) ([]string, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw.String), &out); err != nil {
		return nil, fmt.Errorf("decode participants: %w", err)
	}

	return out, nil
}
