package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"chatsync/internal/domain"
)

type MessageRepo struct {
	db *sql.DB
}

func NewMessageRepo(db *sql.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// Insert caches a message and reports whether the row changed.
// Duplicate IDs are ignored, with one exception mirroring the in-memory
// store: a server copy replaces a locally minted row so the
// authoritative timestamp and status win.
func (r *MessageRepo) Insert(ctx context.Context, m domain.Message) (bool, error) {
	if m.ID == "" || m.RoomID == "" {
		return false, fmt.Errorf("message id and room id are required")
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO messages (id, room_id, sender_id, body, created_at, status, local)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			sender_id = excluded.sender_id,
			body = excluded.body,
			created_at = excluded.created_at,
			status = excluded.status,
			local = excluded.local
		WHERE messages.local = 1 AND excluded.local = 0
	`, m.ID, m.RoomID, m.SenderID, m.Body, timeToUnixMillis(m.CreatedAt), int(m.Status), boolToInt(m.Local))
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check message insert: %w", err)
	}

	return affected > 0, nil
}

// ListRecentByRoom returns up to limit newest messages for a room in
// chronological order.
func (r *MessageRepo) ListRecentByRoom(ctx context.Context, roomID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, room_id, sender_id, body, created_at, status, local
		FROM messages
		WHERE room_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}

	return out, nil
}

// LoadRecentPerRoom returns the newest window of every cached room,
// keyed by room ID. Used to warm the in-memory store on startup.
func (r *MessageRepo) LoadRecentPerRoom(ctx context.Context, limit int) (map[string][]domain.Message, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM rooms`)
	if err != nil {
		return nil, fmt.Errorf("query room ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var roomIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan room id: %w", err)
		}
		roomIDs = append(roomIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate room ids: %w", err)
	}

	out := make(map[string][]domain.Message, len(roomIDs))
	for _, roomID := range roomIDs {
		msgs, err := r.ListRecentByRoom(ctx, roomID, limit)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			out[roomID] = msgs
		}
	}

	return out, nil
}

// UpdateStatus transitions a cached message's delivery status under the
// same rules as the in-memory store; disallowed transitions are no-ops.
func (r *MessageRepo) UpdateStatus(ctx context.Context, messageID string, status domain.MessageStatus) error {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" || status == 0 {
		return nil
	}
	var current int
	err := r.db.QueryRowContext(ctx, `SELECT status FROM messages WHERE id = ?`, messageID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("query message status: %w", err)
	}
	if !domain.ShouldTransitionMessageStatus(domain.MessageStatus(current), status) {
		return nil
	}
	if _, err := r.db.ExecContext(ctx, `UPDATE messages SET status = ? WHERE id = ?`, int(status), messageID); err != nil {
		return fmt.Errorf("update message status: %w", err)
	}

	return nil
}

// Promote renames a locally minted row to its acknowledged server ID.
// If the server copy already arrived the local duplicate is dropped
// instead; the row stays local until that copy lands so its timestamp
// can still be corrected.
func (r *MessageRepo) Promote(ctx context.Context, key, messageID string) error {
	if key == "" || messageID == "" {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin promote tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM messages WHERE id = ?`, messageID).Scan(&existing); err != nil {
		return fmt.Errorf("check server row: %w", err)
	}
	if existing > 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ? AND local = 1`, key); err != nil {
			return fmt.Errorf("drop local row: %w", err)
		}
	} else {
		_, err := tx.ExecContext(ctx, `
			UPDATE messages
			SET id = ?, status = ?
			WHERE id = ? AND local = 1
		`, messageID, int(domain.MessageStatusSent), key)
		if err != nil {
			return fmt.Errorf("promote local row: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit promote tx: %w", err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (domain.Message, error) {
	var (
		msg       domain.Message
		createdAt int64
		status    int
		local     int
	)
	if err := row.Scan(&msg.ID, &msg.RoomID, &msg.SenderID, &msg.Body, &createdAt, &status, &local); err != nil {
		return domain.Message{}, fmt.Errorf("scan message: %w", err)
	}
	msg.CreatedAt = unixMillisToTime(createdAt)
	msg.Status = domain.MessageStatus(status)
	msg.Local = local != 0

	return msg, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}

	return 0
}
