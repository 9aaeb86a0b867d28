package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"chatsync/internal/domain"
)

type SendQueueRepo struct {
	db *sql.DB
}

func NewSendQueueRepo(db *sql.DB) *SendQueueRepo {
	return &SendQueueRepo{db: db}
}

// Put records a queued send so it can be replayed after a restart.
// Re-recording the same key refreshes the row.
func (r *SendQueueRepo) Put(ctx context.Context, send domain.PendingSend) error {
	if send.Key == "" || send.RoomID == "" {
		return fmt.Errorf("pending send key and room id are required")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO pending_sends (key, room_id, body, enqueued_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			room_id = excluded.room_id,
			body = excluded.body,
			enqueued_at = excluded.enqueued_at
	`, send.Key, send.RoomID, send.Body, timeToUnixMillis(send.EnqueuedAt))
	if err != nil {
		return fmt.Errorf("record pending send: %w", err)
	}

	return nil
}

// Delete removes a queued send once it is acknowledged or failed.
func (r *SendQueueRepo) Delete(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM pending_sends WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete pending send: %w", err)
	}

	return nil
}

// List returns queued sends oldest first, preserving enqueue order.
func (r *SendQueueRepo) List(ctx context.Context) ([]domain.PendingSend, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT key, room_id, body, enqueued_at
		FROM pending_sends
		ORDER BY enqueued_at ASC, rowid ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query pending sends: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.PendingSend
	for rows.Next() {
		var (
			send       domain.PendingSend
			enqueuedAt int64
		)
		if err := rows.Scan(&send.Key, &send.RoomID, &send.Body, &enqueuedAt); err != nil {
			return nil, fmt.Errorf("scan pending send: %w", err)
		}
		send.EnqueuedAt = unixMillisToTime(enqueuedAt)
		out = append(out, send)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending sends: %w", err)
	}

	return out, nil
}
