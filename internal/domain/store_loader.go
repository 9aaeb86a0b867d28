package domain

import (
	"context"
	"fmt"
)

const defaultRecentMessagesLoad = 200

// LoadStoresFromRepositories warms the room store from the local cache
// before the first connect and returns sends queued by a previous run,
// so the dispatcher can pick them back up.
func LoadStoresFromRepositories(ctx context.Context, store *RoomStore, roomRepo RoomRepository, msgRepo MessageRepository, sendRepo SendQueueRepository) ([]PendingSend, error) {
	rooms, err := roomRepo.ListByActivity(ctx)
	if err != nil {
		return nil, fmt.Errorf("load rooms from cache: %w", err)
	}
	messages, err := msgRepo.LoadRecentPerRoom(ctx, defaultRecentMessagesLoad)
	if err != nil {
		return nil, fmt.Errorf("load messages from cache: %w", err)
	}
	queued, err := sendRepo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("load pending sends from cache: %w", err)
	}

	store.Load(rooms, messages)

	return queued, nil
}
