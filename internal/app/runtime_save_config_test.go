package app

import (
	"path/filepath"
	"testing"

	"chatsync/internal/config"
	"chatsync/internal/domain"
	"chatsync/internal/logging"
)

func TestRuntimeSaveAndApplyConfig_ConnectionSwitchResetsInMemoryStore(t *testing.T) {
	rt := newRuntimeForSaveConfigTests(t)

	next := rt.CurrentConfig()
	next.Connection.Transport = config.TransportTCP
	next.Connection.TCPAddress = "10.0.0.5:7070"
	next.Session.LastActiveRoom = "should-not-stick"

	if err := rt.SaveAndApplyConfig(next); err != nil {
		t.Fatalf("save and apply config: %v", err)
	}

	if got := len(rt.Domain.Store.Rooms()); got != 0 {
		t.Fatalf("expected room store to be reset after connection switch, got %d rooms", got)
	}
	if got := rt.Connectivity.ConnectionTransport.Name(); got != "tcp" {
		t.Fatalf("expected tcp transport after apply, got %q", got)
	}
	if got := rt.CurrentConfig().Session.LastActiveRoom; got != "general" {
		t.Fatalf("expected session state to be preserved, got %q", got)
	}
}

func TestRuntimeSaveAndApplyConfig_SameConnectionKeepsInMemoryStore(t *testing.T) {
	rt := newRuntimeForSaveConfigTests(t)

	next := rt.CurrentConfig()
	next.Logging.Level = "debug"

	if err := rt.SaveAndApplyConfig(next); err != nil {
		t.Fatalf("save and apply config: %v", err)
	}

	if got := len(rt.Domain.Store.Rooms()); got == 0 {
		t.Fatal("expected room store to keep data when connection is unchanged")
	}
	if got := rt.Connectivity.ConnectionTransport.Name(); got != "websocket" {
		t.Fatalf("expected websocket transport to stay, got %q", got)
	}
	if got := rt.CurrentConfig().Logging.Level; got != "debug" {
		t.Fatalf("expected logging level to apply, got %q", got)
	}
}

func TestRuntimeSaveAndApplyConfig_RejectsInvalidConfig(t *testing.T) {
	rt := newRuntimeForSaveConfigTests(t)

	next := rt.CurrentConfig()
	next.Connection.ServerURL = "http://not-a-ws-url"

	if err := rt.SaveAndApplyConfig(next); err == nil {
		t.Fatal("expected invalid config to be rejected")
	}
	if got := rt.CurrentConfig().Connection.ServerURL; got != "wss://chat.example.org/sync" {
		t.Fatalf("expected active config to stay untouched, got %q", got)
	}
}

func newRuntimeForSaveConfigTests(t *testing.T) *Runtime {
	t.Helper()

	initial := config.Default()
	initial.Connection.Transport = config.TransportWebsocket
	initial.Connection.ServerURL = "wss://chat.example.org/sync"
	initial.Connection.RESTURL = "https://chat.example.org/api"
	initial.Session.LastActiveRoom = "general"

	store := domain.NewRoomStore()
	store.SetSelf("me")
	store.Load([]domain.Room{{ID: "general", Name: "General", Kind: domain.RoomKindGroup}}, nil)

	connTr, err := NewConnectionTransport(initial.Connection)
	if err != nil {
		t.Fatalf("new connection transport: %v", err)
	}

	logMgr := logging.NewManager()
	t.Cleanup(func() {
		_ = logMgr.Close()
	})

	rt := &Runtime{
		Core: RuntimeCore{
			Paths: Paths{
				ConfigFile: filepath.Join(t.TempDir(), "config.json"),
				LogFile:    filepath.Join(t.TempDir(), "app.log"),
			},
			Config:     initial,
			LogManager: logMgr,
		},
		Domain: RuntimeDomain{
			Store:    store,
			Presence: domain.NewPresenceTracker(),
		},
		Connectivity: RuntimeConnectivity{
			ConnectionTransport: connTr,
		},
	}

	return rt
}
