package engine

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"chatsync/internal/bus"
	"chatsync/internal/connectors"
	"chatsync/internal/domain"
)

// Keys of resolved and failed sends are kept in bounded maps so that
// duplicate and late acks stay answerable without growing forever.
const keyRetentionCap = 256

// Dispatcher owns the optimistic send pipeline: pending records keyed
// by idempotency key, bounded retries, and promotion on server acks.
// Every method runs on the engine loop goroutine; nothing here locks.
type Dispatcher struct {
	logger      *slog.Logger
	bus         bus.MessageBus
	store       *domain.RoomStore
	clock       func() time.Time
	newKey      func() string
	maxAttempts int
	sendTimeout time.Duration

	pending map[string]*domain.PendingSend
	order   []string

	failed      map[string]*domain.PendingSend
	failedOrder []string

	resolved      map[string]string
	resolvedOrder []string
}

func NewDispatcher(logger *slog.Logger, b bus.MessageBus, store *domain.RoomStore, maxAttempts int, sendTimeout time.Duration) *Dispatcher {
	return &Dispatcher{
		logger:      logger,
		bus:         b,
		store:       store,
		clock:       time.Now,
		newKey:      uuid.NewString,
		maxAttempts: maxAttempts,
		sendTimeout: sendTimeout,
		pending:     make(map[string]*domain.PendingSend),
		failed:      make(map[string]*domain.PendingSend),
		resolved:    make(map[string]string),
	}
}

// Enqueue mints an idempotency key, inserts the optimistic message into
// the store, and queues the send. The wire write is the caller's move.
func (d *Dispatcher) Enqueue(roomID, body string) domain.PendingSend {
	now := d.clock()
	rec := &domain.PendingSend{
		Key:        d.newKey(),
		RoomID:     roomID,
		Body:       body,
		EnqueuedAt: now,
	}
	d.pending[rec.Key] = rec
	d.order = append(d.order, rec.Key)

	msg := domain.Message{
		ID:        rec.Key,
		RoomID:    roomID,
		SenderID:  d.store.Self(),
		Body:      body,
		CreatedAt: now,
		Status:    domain.MessageStatusPending,
		Local:     true,
	}
	d.store.Apply(msg)
	d.bus.Publish(connectors.TopicMessage, msg)
	d.publishStatus(roomID, "", rec.Key, domain.MessageStatusPending)

	d.logger.Debug("send queued", "key", rec.Key, "room", roomID)

	return *rec
}

// Restore re-seeds pending sends recovered from the local cache after a
// restart. Their optimistic messages are already in the store.
func (d *Dispatcher) Restore(sends []domain.PendingSend) {
	for _, send := range sends {
		if _, ok := d.pending[send.Key]; ok {
			continue
		}
		rec := send
		d.pending[rec.Key] = &rec
		d.order = append(d.order, rec.Key)
	}
	if len(sends) > 0 {
		d.logger.Info("restored queued sends", "count", len(sends))
	}
}

// MarkAttempt records a completed wire write and arms the retry
// deadline.
func (d *Dispatcher) MarkAttempt(key string, at time.Time) {
	rec, ok := d.pending[key]
	if !ok {
		return
	}
	rec.Attempts++
	rec.NextAttempt = at.Add(d.sendTimeout)
}

// Sweep advances retry state: records past their deadline (or never
// written) come back for another wire attempt, records out of attempts
// are marked failed. Call only while connected.
func (d *Dispatcher) Sweep(now time.Time) []domain.PendingSend {
	var retry []domain.PendingSend
	var exhausted []string
	for _, key := range d.order {
		rec, ok := d.pending[key]
		if !ok {
			continue
		}
		if rec.Attempts > 0 && now.Before(rec.NextAttempt) {
			continue
		}
		if rec.Attempts >= d.maxAttempts {
			exhausted = append(exhausted, key)
			continue
		}
		retry = append(retry, *rec)
	}
	for _, key := range exhausted {
		d.fail(key)
	}

	return retry
}

// Flushable returns queued sends in enqueue order for the reconnect
// flush, original keys preserved.
func (d *Dispatcher) Flushable() []domain.PendingSend {
	out := make([]domain.PendingSend, 0, len(d.order))
	for _, key := range d.order {
		if rec, ok := d.pending[key]; ok && rec.Attempts < d.maxAttempts {
			out = append(out, *rec)
		}
	}

	return out
}

// Ack resolves a send by idempotency key and promotes its optimistic
// message under the server ID. Duplicate acks are no-ops; an ack
// arriving after the send was marked failed still rescues it, exactly
// once.
func (d *Dispatcher) Ack(key, messageID string) bool {
	if _, dup := d.resolved[key]; dup {
		return false
	}

	rec, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
		d.removeFromOrder(key)
	} else {
		rec, ok = d.failed[key]
		if !ok {
			return false
		}
		delete(d.failed, key)
	}

	confirmed := domain.Message{
		ID:        messageID,
		RoomID:    rec.RoomID,
		SenderID:  d.store.Self(),
		Body:      rec.Body,
		CreatedAt: rec.EnqueuedAt,
		Status:    domain.MessageStatusSent,
		Local:     true,
	}
	d.store.PromoteLocal(rec.RoomID, key, confirmed)
	d.remember(key, messageID)
	d.publishStatus(rec.RoomID, messageID, key, domain.MessageStatusSent)
	d.logger.Debug("send acknowledged", "key", key, "message_id", messageID)

	return true
}

// PendingCount reports sends still awaiting acknowledgement.
func (d *Dispatcher) PendingCount() int {
	return len(d.pending)
}

func (d *Dispatcher) fail(key string) {
	rec, ok := d.pending[key]
	if !ok {
		return
	}
	delete(d.pending, key)
	d.removeFromOrder(key)

	d.failed[key] = rec
	d.failedOrder = append(d.failedOrder, key)
	for len(d.failedOrder) > keyRetentionCap {
		evict := d.failedOrder[0]
		d.failedOrder = d.failedOrder[1:]
		delete(d.failed, evict)
	}

	d.store.MarkStatus(rec.RoomID, key, domain.MessageStatusFailed)
	d.publishStatus(rec.RoomID, "", key, domain.MessageStatusFailed)

	timeoutErr := &SendTimeoutError{Key: key, RoomID: rec.RoomID, Attempts: rec.Attempts}
	d.logger.Warn("send failed", "key", key, "room", rec.RoomID, "error", timeoutErr)
}

func (d *Dispatcher) remember(key, messageID string) {
	d.resolved[key] = messageID
	d.resolvedOrder = append(d.resolvedOrder, key)
	for len(d.resolvedOrder) > keyRetentionCap {
		evict := d.resolvedOrder[0]
		d.resolvedOrder = d.resolvedOrder[1:]
		delete(d.resolved, evict)
	}
}

func (d *Dispatcher) removeFromOrder(key string) {
	for i, k := range d.order {
		if k == key {
			d.order = append(d.order[:i], d.order[i+1:]...)

			return
		}
	}
}

func (d *Dispatcher) publishStatus(roomID, messageID, key string, status domain.MessageStatus) {
	d.bus.Publish(connectors.TopicMessageStatus, domain.MessageStatusUpdate{
		RoomID:    roomID,
		MessageID: messageID,
		Key:       key,
		Status:    status,
	})
}
