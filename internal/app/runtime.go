package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"chatsync/internal/bus"
	"chatsync/internal/config"
	"chatsync/internal/connectors"
	"chatsync/internal/domain"
	"chatsync/internal/engine"
	"chatsync/internal/identity"
	"chatsync/internal/logging"
	"chatsync/internal/notifications"
	"chatsync/internal/persistence"
	"chatsync/internal/rest"
)

// RuntimeCore bundles config and logging state shared by every stage.
type RuntimeCore struct {
	Paths      Paths
	Config     config.AppConfig
	LogManager *logging.Manager
}

// RuntimeDomain bundles the in-memory state the engine mutates.
type RuntimeDomain struct {
	Identity identity.Identity
	Store    *domain.RoomStore
	Presence *domain.PresenceTracker
}

// RuntimeStorage bundles the optional local cache. All fields are nil
// when the cache is disabled.
type RuntimeStorage struct {
	DB          *sql.DB
	RoomRepo    *persistence.RoomRepo
	MessageRepo *persistence.MessageRepo
	SendRepo    *persistence.SendQueueRepo
	WriterQueue *persistence.WriterQueue
}

// RuntimeConnectivity bundles the link and the engine driving it.
type RuntimeConnectivity struct {
	ConnectionTransport *SwitchableTransport
	Directory           *rest.Client
	Engine              *engine.Service
}

type Runtime struct {
	mu sync.RWMutex

	Ctx    context.Context
	cancel context.CancelFunc

	Core         RuntimeCore
	Domain       RuntimeDomain
	Storage      RuntimeStorage
	Connectivity RuntimeConnectivity

	Bus           *bus.PubSubBus
	Notifications *NotificationService

	connStatusMu    sync.RWMutex
	connStatus      connectors.ConnStatus
	connStatusKnown bool
}

func Initialize(parent context.Context) (*Runtime, error) {
	paths, err := ResolvePaths()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(paths.ConfigFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(parent)
	rt := &Runtime{
		Ctx:    ctx,
		cancel: cancel,
		Core: RuntimeCore{
			Paths:  paths,
			Config: cfg,
		},
	}

	logMgr := logging.NewManager()
	if err := logMgr.Configure(cfg.Logging, paths.LogFile); err != nil {
		_ = logMgr.Close()
		cancel()
		return nil, fmt.Errorf("configure logging: %w", err)
	}
	rt.Core.LogManager = logMgr
	slog.Info("starting chatsync runtime", "version", BuildVersionWithDate())

	token, err := cfg.ResolveToken()
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	ident, err := identity.FromToken(token)
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("parse auth token: %w", err)
	}
	if ident.Expired(time.Now()) {
		slog.Warn("auth token is expired; the server will reject the handshake", "user_id", ident.UserID)
	}
	rt.Domain.Identity = ident
	rt.Domain.Store = domain.NewRoomStore()
	rt.Domain.Presence = domain.NewPresenceTracker()

	b := bus.New(logMgr.Logger("bus"))
	rt.Bus = b
	connSub := b.Subscribe(connectors.TopicConnStatus)
	go rt.captureConnStatus(ctx, connSub)

	var queued []domain.PendingSend
	if !cfg.Cache.Disabled {
		dbPath := strings.TrimSpace(cfg.Cache.Path)
		if dbPath == "" {
			dbPath = paths.DBFile
		}
		db, err := persistence.Open(ctx, dbPath)
		if err != nil {
			_ = rt.Close()
			return nil, err
		}
		rt.Storage.DB = db
		rt.Storage.RoomRepo = persistence.NewRoomRepo(db)
		rt.Storage.MessageRepo = persistence.NewMessageRepo(db)
		rt.Storage.SendRepo = persistence.NewSendQueueRepo(db)

		queued, err = domain.LoadStoresFromRepositories(ctx, rt.Domain.Store, rt.Storage.RoomRepo, rt.Storage.MessageRepo, rt.Storage.SendRepo)
		if err != nil {
			_ = rt.Close()
			return nil, err
		}

		writerQueue := persistence.NewWriterQueue(logMgr.Logger("persistence"), 512)
		writerQueue.Start(ctx)
		rt.Storage.WriterQueue = writerQueue
		domain.StartPersistenceProjection(ctx, b, writerQueue, rt.Storage.RoomRepo, rt.Storage.MessageRepo, rt.Storage.SendRepo)
	}

	connTransport, err := NewConnectionTransport(cfg.Connection)
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("initialize transport: %w", err)
	}
	rt.Connectivity.ConnectionTransport = connTransport
	rt.Connectivity.Directory = rest.New(logMgr.Logger("rest"), cfg.Connection.RESTURL, token)

	svc := engine.NewService(
		logMgr.Logger("engine"),
		b,
		connTransport,
		rt.Connectivity.Directory,
		rt.Domain.Store,
		rt.Domain.Presence,
		ident,
		engineConfigFromApp(cfg.Engine),
	)
	svc.RestorePending(queued)
	rt.Connectivity.Engine = svc

	rt.Notifications = NewNotificationService(b, rt.Domain.Store, rt.CurrentConfig, notifications.NewBeeepSender(logMgr.Logger("notifications")), logMgr.Logger("app.notifications"))
	rt.Notifications.Start(ctx)

	svc.Start(ctx)

	if room := strings.TrimSpace(cfg.Session.LastActiveRoom); room != "" {
		if err := svc.JoinRoom(room); err != nil {
			slog.Warn("restore last active room", "room_id", room, "error", err)
		}
	}

	return rt, nil
}

// engineConfigFromApp overlays persisted tunables on the engine's
// defaults. The pong deadline tracks a lengthened ping interval so a
// slow ping cadence cannot read as a dead link.
func engineConfigFromApp(cfg config.EngineConfig) engine.Config {
	out := engine.DefaultConfig()
	if cfg.HistoryPageSize > 0 {
		out.HistoryPageSize = cfg.HistoryPageSize
	}
	if cfg.MaxSendAttempts > 0 {
		out.MaxSendAttempts = cfg.MaxSendAttempts
	}
	if cfg.SendTimeoutSec > 0 {
		out.SendTimeout = time.Duration(cfg.SendTimeoutSec) * time.Second
	}
	if cfg.PingIntervalSec > 0 {
		out.PingInterval = time.Duration(cfg.PingIntervalSec) * time.Second
	}
	if out.PongTimeout <= out.PingInterval {
		out.PongTimeout = 2*out.PingInterval + 5*time.Second
	}

	return out
}

func (r *Runtime) captureConnStatus(ctx context.Context, sub bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-sub:
			if !ok {
				return
			}
			status, ok := raw.(connectors.ConnStatus)
			if !ok {
				continue
			}
			r.setConnStatus(status)
		}
	}
}

func (r *Runtime) setConnStatus(status connectors.ConnStatus) {
	r.connStatusMu.Lock()
	r.connStatus = status
	r.connStatusKnown = true
	r.connStatusMu.Unlock()
}

func (r *Runtime) CurrentConnStatus() (connectors.ConnStatus, bool) {
	r.connStatusMu.RLock()
	status := r.connStatus
	known := r.connStatusKnown
	r.connStatusMu.RUnlock()
	return status, known
}

// CurrentConfig returns a copy of the active configuration.
func (r *Runtime) CurrentConfig() config.AppConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.Core.Config
}

// SaveAndApplyConfig persists a new configuration and hot-applies what
// it can: logging and the link backend. A changed connection drops the
// in-memory view, since cached rooms belong to the old server; auth and
// REST endpoint changes take effect on the next start.
func (r *Runtime) SaveAndApplyConfig(cfg config.AppConfig) error {
	cfg.FillMissingDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	cfg.Session = r.Core.Config.Session
	connectionChanged := cfg.Connection != r.Core.Config.Connection
	if err := config.Save(r.Core.Paths.ConfigFile, cfg); err != nil {
		r.mu.Unlock()
		return err
	}
	r.Core.Config = cfg
	r.mu.Unlock()

	if err := r.Core.LogManager.Configure(cfg.Logging, r.Core.Paths.LogFile); err != nil {
		return err
	}

	if connectionChanged && r.Connectivity.ConnectionTransport != nil {
		if err := r.Connectivity.ConnectionTransport.Apply(cfg.Connection); err != nil {
			return err
		}
		if r.Domain.Store != nil {
			r.Domain.Store.Reset()
		}
	}

	return nil
}

// RememberActiveRoom records the room to restore on the next start.
func (r *Runtime) RememberActiveRoom(roomID string) {
	normalized := strings.TrimSpace(roomID)

	r.mu.Lock()
	if r.Core.Config.Session.LastActiveRoom == normalized {
		r.mu.Unlock()
		return
	}
	cfg := r.Core.Config
	cfg.Session.LastActiveRoom = normalized
	if err := config.Save(r.Core.Paths.ConfigFile, cfg); err != nil {
		r.mu.Unlock()
		slog.Warn("save active room", "error", err)
		return
	}
	r.Core.Config = cfg
	r.mu.Unlock()
}

// ActivateRoom switches the active room and remembers it for the next
// start.
func (r *Runtime) ActivateRoom(roomID string) error {
	if r.Connectivity.Engine == nil {
		return fmt.Errorf("engine is not initialized")
	}
	if err := r.Connectivity.Engine.JoinRoom(roomID); err != nil {
		return err
	}
	r.RememberActiveRoom(roomID)

	return nil
}

// ClearCache wipes the local cache tables. The in-memory view is left
// alone: it mirrors the live server state and the projection rebuilds
// the cache from it as new events arrive.
func (r *Runtime) ClearCache() error {
	if r.Storage.DB == nil {
		return fmt.Errorf("cache is disabled")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := persistence.ClearCache(ctx, r.Storage.DB); err != nil {
		return err
	}
	slog.Info("local cache cleared")

	return nil
}

func (r *Runtime) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	if r.Bus != nil {
		r.Bus.Close()
	}
	if r.Connectivity.ConnectionTransport != nil {
		_ = r.Connectivity.ConnectionTransport.Close()
	}
	if r.Storage.DB != nil {
		_ = r.Storage.DB.Close()
	}
	if r.Core.LogManager != nil {
		_ = r.Core.LogManager.Close()
	}
	return nil
}
