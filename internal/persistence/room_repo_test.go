package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"chatsync/internal/domain"
)

func TestRoomRepo_UpsertAndListByActivity(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "app.db")
	db, err := Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	repo := NewRoomRepo(db)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	rooms := []domain.Room{
		{ID: "general", Name: "General", Kind: domain.RoomKindGroup, Participants: []string{"alice", "bob"}, Unread: 2, LastActivity: base},
		{ID: "dm-alice", Name: "Alice", Kind: domain.RoomKindDirect, LastActivity: base.Add(time.Minute)},
		{ID: "random", Name: "Random", Kind: domain.RoomKindGroup, LastActivity: base.Add(-time.Hour)},
	}
	for _, room := range rooms {
		if err := repo.Upsert(ctx, room); err != nil {
			t.Fatalf("upsert %s: %v", room.ID, err)
		}
	}

	got, err := repo.ListByActivity(ctx)
	if err != nil {
		t.Fatalf("list rooms: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 rooms, got %d", len(got))
	}
	wantOrder := []string{"dm-alice", "general", "random"}
	for i, id := range wantOrder {
		if got[i].ID != id {
			t.Fatalf("expected room %d to be %s, got %s", i, id, got[i].ID)
		}
	}
	general := got[1]
	if general.Kind != domain.RoomKindGroup {
		t.Fatalf("expected group kind, got %v", general.Kind)
	}
	if general.Unread != 2 {
		t.Fatalf("expected unread 2, got %d", general.Unread)
	}
	if len(general.Participants) != 2 || general.Participants[0] != "alice" {
		t.Fatalf("expected participants round-trip, got %v", general.Participants)
	}
	if !general.LastActivity.Equal(base) {
		t.Fatalf("expected last activity %v, got %v", base, general.LastActivity)
	}
}

func TestRoomRepo_UpsertKeepsNewestActivity(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "app.db")
	db, err := Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	repo := NewRoomRepo(db)

	newer := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if err := repo.Upsert(ctx, domain.Room{ID: "general", Name: "General", Kind: domain.RoomKindGroup, LastActivity: newer}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	stale := domain.Room{ID: "general", Name: "General (renamed)", Kind: domain.RoomKindGroup, LastActivity: newer.Add(-time.Hour)}
	if err := repo.Upsert(ctx, stale); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := repo.ListByActivity(ctx)
	if err != nil {
		t.Fatalf("list rooms: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 room, got %d", len(got))
	}
	if got[0].Name != "General (renamed)" {
		t.Fatalf("expected rename to apply, got %q", got[0].Name)
	}
	if !got[0].LastActivity.Equal(newer) {
		t.Fatalf("expected activity to keep %v, got %v", newer, got[0].LastActivity)
	}
}

func TestRoomRepo_TouchActivityCreatesPlaceholderAndMovesForwardOnly(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "app.db")
	db, err := Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	repo := NewRoomRepo(db)

	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if err := repo.TouchActivity(ctx, "new-room", at); err != nil {
		t.Fatalf("touch: %v", err)
	}

	got, err := repo.ListByActivity(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != "new-room" {
		t.Fatalf("expected placeholder row, got %v", got)
	}
	if got[0].Name != "new-room" {
		t.Fatalf("expected placeholder name, got %q", got[0].Name)
	}
	if !got[0].LastActivity.Equal(at) {
		t.Fatalf("expected activity %v, got %v", at, got[0].LastActivity)
	}

	// A synced row keeps its name and its newer timestamp.
	if err := repo.Upsert(ctx, domain.Room{ID: "new-room", Name: "New Room", Kind: domain.RoomKindGroup, LastActivity: at.Add(time.Minute)}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := repo.TouchActivity(ctx, "new-room", at.Add(-time.Hour)); err != nil {
		t.Fatalf("stale touch: %v", err)
	}
	got, err = repo.ListByActivity(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if got[0].Name != "New Room" {
		t.Fatalf("expected synced name to survive, got %q", got[0].Name)
	}
	if !got[0].LastActivity.Equal(at.Add(time.Minute)) {
		t.Fatalf("expected newest activity to win, got %v", got[0].LastActivity)
	}
}

func TestRoomRepo_PruneDropsRemovedRoomsAndMessages(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "app.db")
	db, err := Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	rooms := NewRoomRepo(db)
	messages := NewMessageRepo(db)

	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for _, id := range []string{"keep", "drop"} {
		if err := rooms.Upsert(ctx, domain.Room{ID: id, Name: id, Kind: domain.RoomKindGroup, LastActivity: at}); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
		msg := domain.Message{ID: "m-" + id, RoomID: id, SenderID: "alice", Body: "hello", CreatedAt: at, Status: domain.MessageStatusSent}
		if _, err := messages.Insert(ctx, msg); err != nil {
			t.Fatalf("insert message for %s: %v", id, err)
		}
	}

	if err := rooms.Prune(ctx, []string{"keep"}); err != nil {
		t.Fatalf("prune: %v", err)
	}

	left, err := rooms.ListByActivity(ctx)
	if err != nil {
		t.Fatalf("list rooms: %v", err)
	}
	if len(left) != 1 || left[0].ID != "keep" {
		t.Fatalf("expected only keep to survive, got %v", left)
	}
	var orphaned int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(1) FROM messages WHERE room_id = 'drop'`).Scan(&orphaned); err != nil {
		t.Fatalf("count orphans: %v", err)
	}
	if orphaned != 0 {
		t.Fatalf("expected dropped room's messages to be pruned, got %d", orphaned)
	}

	if err := rooms.Prune(ctx, nil); err != nil {
		t.Fatalf("prune all: %v", err)
	}
	left, err = rooms.ListByActivity(ctx)
	if err != nil {
		t.Fatalf("list rooms: %v", err)
	}
	if len(left) != 0 {
		t.Fatalf("expected empty room table, got %d rows", len(left))
	}
}
