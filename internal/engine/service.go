// Package engine contains the chat sync engine: a connection manager
// that keeps an authenticated link to the backend alive, and a single
// event loop that applies every inbound event and user command to the
// local stores in strict arrival order.
package engine

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"chatsync/internal/bus"
	"chatsync/internal/connectors"
	"chatsync/internal/domain"
	"chatsync/internal/identity"
	"chatsync/internal/protocol"
	"chatsync/internal/transport"
)

const maxMessageBytes = 8192

// RoomDirectory is the HTTP side of the backend: the room list and
// paged message history used during resync.
type RoomDirectory interface {
	Rooms(ctx context.Context) ([]domain.Room, error)
	History(ctx context.Context, roomID, before string, limit int) (domain.HistoryPage, error)
}

// Config tunes engine timing and retry behavior.
type Config struct {
	AuthTimeout     time.Duration
	PingInterval    time.Duration
	PongTimeout     time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	FetchTimeout    time.Duration
	SendTimeout     time.Duration
	RetryTick       time.Duration
	MaxSendAttempts int
	HistoryPageSize int
	BackoffInitial  time.Duration
	BackoffMax      time.Duration
}

func DefaultConfig() Config {
	return Config{
		AuthTimeout:     10 * time.Second,
		PingInterval:    25 * time.Second,
		PongTimeout:     55 * time.Second,
		ReadTimeout:     60 * time.Second,
		WriteTimeout:    5 * time.Second,
		FetchTimeout:    30 * time.Second,
		SendTimeout:     8 * time.Second,
		RetryTick:       time.Second,
		MaxSendAttempts: 3,
		HistoryPageSize: 50,
		BackoffInitial:  time.Second,
		BackoffMax:      15 * time.Second,
	}
}

// Loop-internal event and command types. The connector goroutine feeds
// connUp/connDown/frameEvent through one channel so ordering between
// link changes and wire events is preserved.
type (
	connUp     struct{}
	connDown   struct{ err error }
	frameEvent struct{ env protocol.Envelope }

	cmdSend      struct{ roomID, body string }
	cmdJoin      struct{ roomID string }
	cmdLoadOlder struct{ roomID string }
	cmdMarkRead  struct{ roomID string }

	roomsResult struct {
		epoch int
		rooms []domain.Room
		err   error
	}
	historyResult struct {
		roomID string
		gen    int
		before string
		page   domain.HistoryPage
		err    error
	}
)

// Service is the sync engine core. Start spawns the event loop and the
// connection supervisor; commands are applied asynchronously on the
// loop, snapshot reads go straight to the stores.
type Service struct {
	logger    *slog.Logger
	bus       bus.MessageBus
	transport transport.Transport
	directory RoomDirectory
	store     *domain.RoomStore
	presence  *domain.PresenceTracker
	disp      *Dispatcher
	ident     identity.Identity
	cfg       Config

	commands chan any
	events   chan any
	results  chan any

	// Loop-owned state.
	connected bool
	epoch     int
	genByRoom map[string]int

	lastPong atomic.Int64
	clock    func() time.Time
}

func NewService(logger *slog.Logger, b bus.MessageBus, tr transport.Transport, dir RoomDirectory, store *domain.RoomStore, presence *domain.PresenceTracker, ident identity.Identity, cfg Config) *Service {
	store.SetSelf(ident.UserID)

	return &Service{
		logger:    logger,
		bus:       b,
		transport: tr,
		directory: dir,
		store:     store,
		presence:  presence,
		disp:      NewDispatcher(logger, b, store, cfg.MaxSendAttempts, cfg.SendTimeout),
		ident:     ident,
		cfg:       cfg,
		commands:  make(chan any, 128),
		events:    make(chan any, 256),
		results:   make(chan any, 16),
		genByRoom: make(map[string]int),
		clock:     time.Now,
	}
}

func (s *Service) Start(ctx context.Context) {
	go s.run(ctx)
	go s.runConnector(ctx)
}

// RestorePending re-seeds sends recovered from the local cache. Call
// before Start.
func (s *Service) RestorePending(sends []domain.PendingSend) {
	s.disp.Restore(sends)
}

func (s *Service) Store() *domain.RoomStore {
	return s.store
}

func (s *Service) Presence() *domain.PresenceTracker {
	return s.presence
}

// Send queues a message for delivery and returns immediately; delivery
// progress is reported through message status events.
func (s *Service) Send(roomID, body string) error {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return errors.New("room id is required")
	}
	if strings.TrimSpace(body) == "" {
		return errors.New("message body is empty")
	}
	if len([]byte(body)) > maxMessageBytes {
		return fmt.Errorf("message body exceeds %d bytes: %d", maxMessageBytes, len([]byte(body)))
	}

	s.commands <- cmdSend{roomID: roomID, body: body}

	return nil
}

// JoinRoom makes a room the active one: its unread counter resets, the
// server is told, and the latest history page is fetched so the window
// starts from a fresh tail.
func (s *Service) JoinRoom(roomID string) error {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return errors.New("room id is required")
	}

	s.commands <- cmdJoin{roomID: roomID}

	return nil
}

// LoadOlder pages further back into a room's history.
func (s *Service) LoadOlder(roomID string) error {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return errors.New("room id is required")
	}

	s.commands <- cmdLoadOlder{roomID: roomID}

	return nil
}

// MarkRead clears a room's unread counter without activating it.
func (s *Service) MarkRead(roomID string) error {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return errors.New("room id is required")
	}

	s.commands <- cmdMarkRead{roomID: roomID}

	return nil
}

// run is the event loop. It is the only goroutine that mutates engine
// state, so events apply strictly in arrival order.
func (s *Service) run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RetryTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.events:
			s.handleEvent(ctx, ev)
		case cmd := <-s.commands:
			s.handleCommand(ctx, cmd)
		case res := <-s.results:
			s.handleResult(res)
		case <-ticker.C:
			s.sweepRetries(ctx)
		}
	}
}

func (s *Service) handleEvent(ctx context.Context, ev any) {
	switch ev := ev.(type) {
	case connUp:
		s.connected = true
		s.epoch++
		s.resync(ctx)
	case connDown:
		s.connected = false
		s.presence.MarkUnknown()
		s.logger.Debug("link down", "error", ev.err)
	case frameEvent:
		s.handleFrame(ev.env)
	}
}

func (s *Service) handleCommand(ctx context.Context, cmd any) {
	switch cmd := cmd.(type) {
	case cmdSend:
		rec := s.disp.Enqueue(cmd.roomID, cmd.body)
		if s.connected {
			s.writeSend(ctx, rec)
		}
	case cmdJoin:
		s.store.Activate(cmd.roomID)
		if !s.connected {
			return
		}
		s.writeJoin(ctx, cmd.roomID)
		// Always refresh the tail: a cache-warmed window may be stale.
		s.requestHistory(ctx, cmd.roomID, "")
	case cmdLoadOlder:
		cursor, fetched := s.store.HistoryCursor(cmd.roomID)
		if fetched && cursor == "" {
			s.logger.Debug("history exhausted", "room", cmd.roomID)

			return
		}
		if !s.connected {
			s.publishHistoryFailed(cmd.roomID, errors.New("not connected"))

			return
		}
		s.requestHistory(ctx, cmd.roomID, cursor)
	case cmdMarkRead:
		s.store.MarkRead(cmd.roomID)
	}
}

func (s *Service) handleResult(res any) {
	switch res := res.(type) {
	case roomsResult:
		s.applyRooms(res)
	case historyResult:
		s.applyHistory(res)
	}
}

// resync runs on every transition to connected: re-join the active
// room and refresh its tail, refetch the room directory, then flush
// queued sends in their original order.
func (s *Service) resync(ctx context.Context) {
	if active := s.store.ActiveRoom(); active != "" {
		s.writeJoin(ctx, active)
		s.requestHistory(ctx, active, "")
	}

	epoch := s.epoch
	go func() {
		fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
		defer cancel()
		rooms, err := s.directory.Rooms(fetchCtx)
		s.deliver(ctx, roomsResult{epoch: epoch, rooms: rooms, err: err})
	}()

	for _, rec := range s.disp.Flushable() {
		s.writeSend(ctx, rec)
	}
}

func (s *Service) handleFrame(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeMessage:
		var p protocol.MessagePayload
		if err := env.DecodePayload(&p); err != nil {
			s.logger.Warn("decode message payload failed", "error", err)

			return
		}
		msg := domain.Message{
			ID:        p.ID,
			RoomID:    p.RoomID,
			SenderID:  p.Sender,
			Body:      p.Content,
			CreatedAt: p.CreatedAt,
			Status:    domain.MessageStatusSent,
		}
		if s.store.Apply(msg) {
			s.bus.Publish(connectors.TopicMessage, msg)
		}
	case protocol.TypeAck:
		var p protocol.AckPayload
		if err := env.DecodePayload(&p); err != nil {
			s.logger.Warn("decode ack payload failed", "error", err)

			return
		}
		if !s.disp.Ack(p.IdempotencyKey, p.MessageID) {
			s.logger.Debug("ack for unknown or resolved key", "key", p.IdempotencyKey)
		}
	case protocol.TypePresenceDiff:
		var p protocol.PresenceDiffPayload
		if err := env.DecodePayload(&p); err != nil {
			s.logger.Warn("decode presence diff failed", "error", err)

			return
		}
		s.presence.ApplyDiff(p.UserID, p.Online)
		s.bus.Publish(connectors.TopicPresenceDiff, domain.PresenceUpdate{UserID: p.UserID, Online: p.Online})
	case protocol.TypePresenceSnapshot:
		var p protocol.PresenceSnapshotPayload
		if err := env.DecodePayload(&p); err != nil {
			s.logger.Warn("decode presence snapshot failed", "error", err)

			return
		}
		s.presence.ApplySnapshot(p.UserIDs)
		s.bus.Publish(connectors.TopicPresenceSnapshot, domain.PresenceSnapshot{UserIDs: p.UserIDs})
	case protocol.TypePong:
		s.lastPong.Store(s.clock().UnixNano())
	case protocol.TypeAuthOK, protocol.TypeAuthFail:
		s.logger.Debug("unexpected auth event after handshake", "type", env.Type)
	default:
		s.logger.Debug("unhandled event type", "type", env.Type)
	}
}

func (s *Service) applyRooms(res roomsResult) {
	if res.epoch != s.epoch {
		s.logger.Debug("stale room sync discarded", "epoch", res.epoch)

		return
	}
	if res.err != nil {
		s.logger.Warn("room sync failed", "error", res.err)

		return
	}
	s.store.ReplaceRooms(res.rooms)
	s.bus.Publish(connectors.TopicRoomList, domain.RoomList{Items: s.store.Rooms()})
}

func (s *Service) applyHistory(res historyResult) {
	if res.gen != s.genByRoom[res.roomID] || res.roomID != s.store.ActiveRoom() {
		s.logger.Debug("stale history discarded", "room", res.roomID, "gen", res.gen)

		return
	}
	if res.err != nil {
		s.publishHistoryFailed(res.roomID, res.err)

		return
	}

	var inserted int
	if _, fetched := s.store.HistoryCursor(res.roomID); res.before == "" && fetched {
		inserted = s.store.MergeRecent(res.roomID, res.page.Messages)
	} else {
		inserted = s.store.PrependHistory(res.roomID, res.page.Messages, res.page.NextCursor)
	}
	s.bus.Publish(connectors.TopicHistoryLoaded, domain.HistoryLoaded{
		RoomID:  res.roomID,
		Count:   inserted,
		HasMore: res.page.NextCursor != "",
	})
}

func (s *Service) requestHistory(ctx context.Context, roomID, before string) {
	s.genByRoom[roomID]++
	gen := s.genByRoom[roomID]
	limit := s.cfg.HistoryPageSize

	go func() {
		fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
		defer cancel()
		page, err := s.directory.History(fetchCtx, roomID, before, limit)
		s.deliver(ctx, historyResult{roomID: roomID, gen: gen, before: before, page: page, err: err})
	}()
}

func (s *Service) publishHistoryFailed(roomID string, cause error) {
	fetchErr := &HistoryFetchError{RoomID: roomID, Err: cause}
	s.logger.Warn("history fetch failed", "room", roomID, "error", fetchErr)
	s.bus.Publish(connectors.TopicHistoryFailed, domain.HistoryFailed{RoomID: roomID, Err: fetchErr.Error()})
}

func (s *Service) sweepRetries(ctx context.Context) {
	if !s.connected {
		return
	}
	for _, rec := range s.disp.Sweep(s.clock()) {
		s.writeSend(ctx, rec)
	}
}

func (s *Service) writeSend(ctx context.Context, rec domain.PendingSend) {
	payload, err := protocol.Encode(protocol.TypeSend, protocol.SendPayload{
		RoomID:         rec.RoomID,
		IdempotencyKey: rec.Key,
		Content:        rec.Body,
	})
	if err != nil {
		s.logger.Error("encode send failed", "key", rec.Key, "error", err)

		return
	}
	if err := s.writeFrame(ctx, payload); err != nil {
		// Stays queued; the retry sweep or the next reconnect flush
		// picks it up again.
		s.logger.Warn("send write failed", "key", rec.Key, "error", err)

		return
	}
	s.disp.MarkAttempt(rec.Key, s.clock())
}

func (s *Service) writeJoin(ctx context.Context, roomID string) {
	payload, err := protocol.Encode(protocol.TypeJoin, protocol.JoinPayload{RoomID: roomID})
	if err != nil {
		s.logger.Error("encode join failed", "room", roomID, "error", err)

		return
	}
	if err := s.writeFrame(ctx, payload); err != nil {
		s.logger.Warn("join write failed", "room", roomID, "error", err)
	}
}

func (s *Service) writeFrame(ctx context.Context, payload []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	if err := s.transport.WriteFrame(writeCtx, payload); err != nil {
		return err
	}
	s.publishRawFrame(connectors.TopicRawFrameOut, payload)

	return nil
}

// runConnector supervises the link: connect, authenticate, hand the
// connection to the reader, and reconnect with jittered exponential
// backoff when it drops. Auth rejections stop the supervisor.
func (s *Service) runConnector(ctx context.Context) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.BackoffInitial
	policy.MaxInterval = s.cfg.BackoffMax

	for {
		if err := ctx.Err(); err != nil {
			return
		}

		s.publishConnStatus(connectors.ConnectionStateConnecting, nil)
		if err := s.transport.Connect(ctx); err != nil {
			s.publishConnStatus(connectors.ConnectionStateReconnecting, err)
			s.logger.Error("transport connect failed", "error", err)
			if !sleepWithContext(ctx, policy.NextBackOff()) {
				return
			}
			continue
		}

		if err := s.authenticate(ctx); err != nil {
			_ = s.transport.Close()
			var authErr *AuthError
			if errors.As(err, &authErr) {
				s.publishConnStatus(connectors.ConnectionStateDisconnected, err)
				s.logger.Error("authentication rejected, supervisor stopping", "reason", authErr.Reason)

				return
			}
			s.publishConnStatus(connectors.ConnectionStateReconnecting, err)
			s.logger.Warn("authentication attempt failed", "error", err)
			if !sleepWithContext(ctx, policy.NextBackOff()) {
				return
			}
			continue
		}

		policy.Reset()
		s.lastPong.Store(s.clock().UnixNano())
		s.publishConnStatus(connectors.ConnectionStateConnected, nil)
		if !s.forward(ctx, connUp{}) {
			_ = s.transport.Close()

			return
		}

		keepAliveCtx, cancelKeepAlive := context.WithCancel(ctx)
		go s.runKeepAlive(keepAliveCtx)
		err := s.runReader(ctx)
		cancelKeepAlive()
		_ = s.transport.Close()
		if !s.forward(ctx, connDown{err: err}) {
			return
		}
		s.publishConnStatus(connectors.ConnectionStateReconnecting, err)

		if !sleepWithContext(ctx, policy.NextBackOff()) {
			return
		}
	}
}

// authenticate performs the in-band handshake: send the token, wait for
// the verdict. Anything but an explicit rejection maps to a transport
// error and goes through the backoff path.
func (s *Service) authenticate(ctx context.Context) error {
	payload, err := protocol.Encode(protocol.TypeAuth, protocol.AuthPayload{Token: s.ident.Token})
	if err != nil {
		return fmt.Errorf("encode auth: %w", err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	err = s.transport.WriteFrame(writeCtx, payload)
	cancel()
	if err != nil {
		return &TransportError{Op: "auth write", Err: err}
	}
	s.publishRawFrame(connectors.TopicRawFrameOut, payload)

	deadline := s.clock().Add(s.cfg.AuthTimeout)
	for {
		remaining := deadline.Sub(s.clock())
		if remaining <= 0 {
			return &TransportError{Op: "auth read", Err: errors.New("timed out waiting for auth response")}
		}
		readCtx, cancel := context.WithTimeout(ctx, remaining)
		data, err := s.transport.ReadFrame(readCtx)
		cancel()
		if err != nil {
			return &TransportError{Op: "auth read", Err: err}
		}

		env, err := protocol.Decode(data)
		if err != nil {
			s.logger.Warn("decode frame during auth failed", "error", err)
			continue
		}
		switch env.Type {
		case protocol.TypeAuthOK:
			s.logger.Info("authenticated", "user", s.ident.UserID)

			return nil
		case protocol.TypeAuthFail:
			var fail protocol.AuthFailPayload
			if err := env.DecodePayload(&fail); err != nil {
				s.logger.Debug("auth fail payload unreadable", "error", err)
			}

			return &AuthError{Reason: fail.Reason}
		default:
			s.logger.Debug("ignoring pre-auth event", "type", env.Type)
		}
	}
}

// runReader pulls frames off the link and forwards them to the loop in
// arrival order until the connection dies.
func (s *Service) runReader(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		readCtx, cancel := context.WithTimeout(ctx, s.cfg.ReadTimeout)
		data, err := s.transport.ReadFrame(readCtx)
		cancel()
		if err != nil {
			return err
		}

		s.publishRawFrame(connectors.TopicRawFrameIn, data)
		env, err := protocol.Decode(data)
		if err != nil {
			s.logger.Warn("decode frame failed", "error", err)
			continue
		}
		if !s.forward(ctx, frameEvent{env: env}) {
			return ctx.Err()
		}
	}
}

// runKeepAlive pings the server and force-closes a link whose pongs
// stopped, which unblocks the reader into the reconnect path.
func (s *Service) runKeepAlive(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if last := s.lastPong.Load(); last > 0 && s.clock().Sub(time.Unix(0, last)) > s.cfg.PongTimeout {
				s.logger.Warn("pong overdue, closing link")
				_ = s.transport.Close()

				return
			}
			payload, err := protocol.Encode(protocol.TypePing, nil)
			if err != nil {
				s.logger.Debug("encode ping failed", "error", err)
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			err = s.transport.WriteFrame(writeCtx, payload)
			cancel()
			if err != nil {
				s.logger.Debug("ping write failed", "error", err)
				continue
			}
			s.publishRawFrame(connectors.TopicRawFrameOut, payload)
		}
	}
}

func (s *Service) forward(ctx context.Context, ev any) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Service) deliver(ctx context.Context, res any) {
	select {
	case s.results <- res:
	case <-ctx.Done():
	}
}

func (s *Service) publishConnStatus(state connectors.ConnectionState, err error) {
	status := connectors.ConnStatus{
		State:         state,
		TransportName: s.transport.Name(),
		Timestamp:     s.clock(),
	}
	if resolver, ok := s.transport.(transport.StatusTargetResolver); ok {
		status.Target = resolver.StatusTarget()
	}
	if err != nil {
		status.Err = err.Error()
	}
	s.bus.Publish(connectors.TopicConnStatus, status)
}

func (s *Service) publishRawFrame(topic string, payload []byte) {
	s.bus.Publish(topic, connectors.RawFrame{
		Hex: strings.ToUpper(hex.EncodeToString(payload)),
		Len: len(payload),
	})
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
