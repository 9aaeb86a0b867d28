package engine

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"chatsync/internal/bus"
	"chatsync/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDispatcher(t *testing.T, maxAttempts int, sendTimeout time.Duration) (*Dispatcher, *domain.RoomStore) {
	t.Helper()
	logger := discardLogger()
	b := bus.New(logger)
	t.Cleanup(b.Close)

	store := domain.NewRoomStore()
	store.SetSelf("me")

	return NewDispatcher(logger, b, store, maxAttempts, sendTimeout), store
}

func TestDispatcherEnqueueInsertsOptimisticMessage(t *testing.T) {
	d, store := newTestDispatcher(t, 3, 8*time.Second)

	rec := d.Enqueue("general", "hello")
	if rec.Key == "" {
		t.Fatal("expected a minted idempotency key")
	}
	if d.PendingCount() != 1 {
		t.Fatalf("expected 1 pending send, got %d", d.PendingCount())
	}

	msgs := store.Messages("general")
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message in store, got %d", len(msgs))
	}
	if msgs[0].ID != rec.Key || msgs[0].Status != domain.MessageStatusPending || !msgs[0].Local {
		t.Fatalf("unexpected optimistic message: %+v", msgs[0])
	}
	if msgs[0].SenderID != "me" {
		t.Fatalf("expected sender to be self, got %q", msgs[0].SenderID)
	}
}

func TestDispatcherEnqueueMintsUniqueKeys(t *testing.T) {
	d, _ := newTestDispatcher(t, 3, 8*time.Second)

	first := d.Enqueue("general", "one")
	second := d.Enqueue("general", "two")
	if first.Key == second.Key {
		t.Fatalf("expected distinct keys, both %q", first.Key)
	}
}

func TestDispatcherSweepRetrySchedule(t *testing.T) {
	d, _ := newTestDispatcher(t, 3, 8*time.Second)
	rec := d.Enqueue("general", "hello")
	now := time.Now()

	due := d.Sweep(now)
	if len(due) != 1 || due[0].Key != rec.Key {
		t.Fatalf("expected unwritten send to be due, got %v", due)
	}

	d.MarkAttempt(rec.Key, now)
	if due := d.Sweep(now.Add(4 * time.Second)); len(due) != 0 {
		t.Fatalf("expected nothing due before the deadline, got %d", len(due))
	}
	due = d.Sweep(now.Add(8 * time.Second))
	if len(due) != 1 || due[0].Key != rec.Key {
		t.Fatalf("expected send due at its deadline, got %v", due)
	}
}

func TestDispatcherSweepFailsAfterMaxAttempts(t *testing.T) {
	d, store := newTestDispatcher(t, 2, time.Second)
	rec := d.Enqueue("general", "hello")
	now := time.Now()

	d.MarkAttempt(rec.Key, now)
	now = now.Add(time.Second)
	if due := d.Sweep(now); len(due) != 1 {
		t.Fatalf("expected one retry, got %d", len(due))
	}
	d.MarkAttempt(rec.Key, now)

	now = now.Add(time.Second)
	if due := d.Sweep(now); len(due) != 0 {
		t.Fatalf("expected no retries after exhaustion, got %d", len(due))
	}
	if d.PendingCount() != 0 {
		t.Fatalf("expected pending queue drained, got %d", d.PendingCount())
	}
	msgs := store.Messages("general")
	if len(msgs) != 1 || msgs[0].Status != domain.MessageStatusFailed {
		t.Fatalf("expected message marked failed, got %+v", msgs)
	}
}

func TestDispatcherAckPromotesAndDeduplicates(t *testing.T) {
	d, store := newTestDispatcher(t, 3, 8*time.Second)
	rec := d.Enqueue("general", "hello")

	if !d.Ack(rec.Key, "srv-1") {
		t.Fatal("expected first ack to resolve the send")
	}
	if d.Ack(rec.Key, "srv-1") {
		t.Fatal("expected duplicate ack to be a no-op")
	}

	msgs := store.Messages("general")
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one message after promotion, got %d", len(msgs))
	}
	if msgs[0].ID != "srv-1" || msgs[0].Status != domain.MessageStatusSent {
		t.Fatalf("unexpected promoted message: %+v", msgs[0])
	}
	if d.PendingCount() != 0 {
		t.Fatalf("expected pending queue drained, got %d", d.PendingCount())
	}
}

func TestDispatcherLateAckRescuesFailedSend(t *testing.T) {
	d, store := newTestDispatcher(t, 1, time.Second)
	rec := d.Enqueue("general", "hello")
	now := time.Now()
	d.MarkAttempt(rec.Key, now)

	d.Sweep(now.Add(time.Second))
	if got := store.Messages("general")[0].Status; got != domain.MessageStatusFailed {
		t.Fatalf("expected failed before rescue, got %v", got)
	}

	if !d.Ack(rec.Key, "srv-1") {
		t.Fatal("expected late ack to rescue the failed send")
	}
	msgs := store.Messages("general")
	if len(msgs) != 1 || msgs[0].ID != "srv-1" || msgs[0].Status != domain.MessageStatusSent {
		t.Fatalf("expected rescued message, got %+v", msgs)
	}
	if d.Ack(rec.Key, "srv-1") {
		t.Fatal("expected second ack after rescue to be a no-op")
	}
}

func TestDispatcherFlushableKeepsEnqueueOrder(t *testing.T) {
	d, _ := newTestDispatcher(t, 3, 8*time.Second)
	first := d.Enqueue("general", "one")
	second := d.Enqueue("general", "two")
	third := d.Enqueue("general", "three")

	flush := d.Flushable()
	if len(flush) != 3 {
		t.Fatalf("expected 3 flushable sends, got %d", len(flush))
	}
	for i, want := range []string{first.Key, second.Key, third.Key} {
		if flush[i].Key != want {
			t.Fatalf("flush order mismatch at %d: got %q, want %q", i, flush[i].Key, want)
		}
	}

	if !d.Ack(second.Key, "srv-2") {
		t.Fatal("expected ack to resolve")
	}
	flush = d.Flushable()
	if len(flush) != 2 || flush[0].Key != first.Key || flush[1].Key != third.Key {
		t.Fatalf("expected acked send dropped from flush, got %v", flush)
	}
}

func TestDispatcherRestoreReseedsQueue(t *testing.T) {
	d, _ := newTestDispatcher(t, 3, 8*time.Second)
	d.Restore([]domain.PendingSend{
		{Key: "k1", RoomID: "general", Body: "one"},
		{Key: "k2", RoomID: "general", Body: "two"},
	})
	if d.PendingCount() != 2 {
		t.Fatalf("expected 2 restored sends, got %d", d.PendingCount())
	}
	flush := d.Flushable()
	if len(flush) != 2 || flush[0].Key != "k1" || flush[1].Key != "k2" {
		t.Fatalf("expected restore order preserved, got %v", flush)
	}

	d.Restore([]domain.PendingSend{{Key: "k1", RoomID: "general", Body: "one"}})
	if d.PendingCount() != 2 {
		t.Fatalf("expected restore to skip known keys, got %d", d.PendingCount())
	}
}
