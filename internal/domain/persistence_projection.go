package domain

import (
	"context"

	"chatsync/internal/bus"
	"chatsync/internal/connectors"
)

// WriteQueue serializes cache writes from async domain events.
type WriteQueue interface {
	Enqueue(name string, fn func(context.Context) error)
}

// StartPersistenceProjection mirrors bus events into the local cache so
// a later run can warm-start from them. Each topic gets its own reader
// goroutine; the writes themselves are serialized by the queue.
func StartPersistenceProjection(ctx context.Context, b bus.MessageBus, queue WriteQueue, roomRepo RoomRepository, msgRepo MessageRepository, sendRepo SendQueueRepository) {
	messageSub := b.Subscribe(connectors.TopicMessage)
	statusSub := b.Subscribe(connectors.TopicMessageStatus)
	roomSub := b.Subscribe(connectors.TopicRoomList)

	go func() {
		defer b.Unsubscribe(messageSub, connectors.TopicMessage)
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-messageSub:
				if !ok {
					return
				}
				msg, ok := raw.(Message)
				if !ok {
					continue
				}
				queue.Enqueue("insert_message", func(writeCtx context.Context) error {
					if _, err := msgRepo.Insert(writeCtx, msg); err != nil {
						return err
					}

					return roomRepo.TouchActivity(writeCtx, msg.RoomID, msg.CreatedAt)
				})
				if msg.Local && msg.Status == MessageStatusPending {
					send := PendingSend{Key: msg.ID, RoomID: msg.RoomID, Body: msg.Body, EnqueuedAt: msg.CreatedAt}
					queue.Enqueue("record_pending_send", func(writeCtx context.Context) error {
						return sendRepo.Put(writeCtx, send)
					})
				}
			}
		}
	}()

	go func() {
		defer b.Unsubscribe(statusSub, connectors.TopicMessageStatus)
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-statusSub:
				if !ok {
					return
				}
				update, ok := raw.(MessageStatusUpdate)
				if !ok {
					continue
				}
				switch update.Status {
				case MessageStatusPending:
					// Already covered by the optimistic message insert.
				case MessageStatusSent:
					if update.Key != "" && update.MessageID != "" {
						queue.Enqueue("promote_message", func(writeCtx context.Context) error {
							if err := msgRepo.Promote(writeCtx, update.Key, update.MessageID); err != nil {
								return err
							}

							return sendRepo.Delete(writeCtx, update.Key)
						})
						continue
					}
					queue.Enqueue("update_message_status", func(writeCtx context.Context) error {
						return msgRepo.UpdateStatus(writeCtx, update.MessageID, update.Status)
					})
				case MessageStatusFailed:
					target := update.MessageID
					if target == "" {
						target = update.Key
					}
					queue.Enqueue("fail_message", func(writeCtx context.Context) error {
						if err := msgRepo.UpdateStatus(writeCtx, target, MessageStatusFailed); err != nil {
							return err
						}
						if update.Key == "" {
							return nil
						}

						return sendRepo.Delete(writeCtx, update.Key)
					})
				}
			}
		}
	}()

	go func() {
		defer b.Unsubscribe(roomSub, connectors.TopicRoomList)
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-roomSub:
				if !ok {
					return
				}
				list, ok := raw.(RoomList)
				if !ok {
					continue
				}
				items := make([]Room, len(list.Items))
				copy(items, list.Items)
				queue.Enqueue("sync_rooms", func(writeCtx context.Context) error {
					keep := make([]string, 0, len(items))
					for _, room := range items {
						if err := roomRepo.Upsert(writeCtx, room); err != nil {
							return err
						}
						keep = append(keep, room.ID)
					}

					return roomRepo.Prune(writeCtx, keep)
				})
			}
		}
	}()
}
