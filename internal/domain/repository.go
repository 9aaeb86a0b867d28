package domain

import (
	"context"
	"time"
)

type RoomRepository interface {
	Upsert(ctx context.Context, room Room) error
	TouchActivity(ctx context.Context, roomID string, at time.Time) error
	ListByActivity(ctx context.Context) ([]Room, error)
	Prune(ctx context.Context, keep []string) error
}

type MessageRepository interface {
	Insert(ctx context.Context, m Message) (bool, error)
	LoadRecentPerRoom(ctx context.Context, limit int) (map[string][]Message, error)
	UpdateStatus(ctx context.Context, messageID string, status MessageStatus) error
	Promote(ctx context.Context, key, messageID string) error
}

type SendQueueRepository interface {
	Put(ctx context.Context, send PendingSend) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]PendingSend, error)
}
