package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"chatsync/internal/app"
	"chatsync/internal/bus"
	"chatsync/internal/connectors"
	"chatsync/internal/domain"
	"chatsync/internal/platform"
)

const (
	connectWaitTimeout     = 45 * time.Second
	sendOutcomeWaitTimeout = 60 * time.Second
	maxSearchResults       = 50
	maxBodyPreviewLen      = 80
	maxHexPreviewLen       = 64
)

type launchOptions struct {
	ShowVersion bool
	ClearCache  bool
	Room        string
	SendBody    string
	Search      string
	ListenFor   time.Duration
}

func main() {
	if err := run(); err != nil {
		slog.Error("run chatsync", "error", err)
		os.Exit(1)
	}
}

func run() error {
	opts, err := parseLaunchOptions(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	if opts.ShowVersion {
		fmt.Printf("%s %s\n", app.Name, app.BuildVersionWithDate())
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lock, err := platform.AcquireInstanceLock(app.Name)
	switch {
	case errors.Is(err, platform.ErrInstanceAlreadyRunning):
		return fmt.Errorf("another %s instance is already running", app.Name)
	case errors.Is(err, platform.ErrInstanceLockUnsupported):
		slog.Warn("single instance lock not supported on this platform")
	case err != nil:
		return fmt.Errorf("acquire instance lock: %w", err)
	default:
		defer func() {
			if releaseErr := lock.Release(); releaseErr != nil {
				slog.Warn("release instance lock", "error", releaseErr)
			}
		}()
	}

	rt, err := app.Initialize(ctx)
	if err != nil {
		return fmt.Errorf("initialize runtime: %w", err)
	}

	var closeOnce sync.Once
	closeRuntime := func() {
		closeOnce.Do(func() {
			if closeErr := rt.Close(); closeErr != nil {
				slog.Warn("close runtime", "error", closeErr)
			}
		})
	}
	defer closeRuntime()

	logger := rt.Core.LogManager.Logger("cli")

	if opts.ClearCache {
		if err := rt.ClearCache(); err != nil {
			return fmt.Errorf("clear cache: %w", err)
		}
		logger.Info("local cache cleared, exiting")
		return nil
	}

	if opts.SendBody != "" {
		return sendOnce(ctx, rt, logger, opts.Room, opts.SendBody)
	}

	if opts.Search != "" {
		searchCache(logger, rt.Domain.Store, opts.Search, opts.Room)

		return nil
	}

	if opts.Room != "" {
		if err := rt.ActivateRoom(opts.Room); err != nil {
			return fmt.Errorf("activate room: %w", err)
		}
	}

	logCachedSnapshot(logger, rt.Domain.Store)
	watch(ctx, rt.Bus, rt.Domain.Store, logger, rt.Core.LogManager.Level() <= slog.LevelDebug)

	if opts.ListenFor > 0 {
		logger.Info("listen mode", "duration", opts.ListenFor)
		select {
		case <-ctx.Done():
		case <-time.After(opts.ListenFor):
		}

		return nil
	}

	logger.Info("listening until interrupt")
	<-ctx.Done()

	return nil
}

func parseLaunchOptions(args []string) (launchOptions, error) {
	var opts launchOptions

	fs := flag.NewFlagSet(app.Name, flag.ContinueOnError)
	fs.BoolVar(&opts.ShowVersion, "version", false, "print version and exit")
	fs.BoolVar(&opts.ClearCache, "clear-cache", false, "wipe the local message cache and exit")
	fs.StringVar(&opts.Room, "room", "", "room to activate on start instead of the remembered one")
	fs.StringVar(&opts.SendBody, "send", "", "send one message to --room, wait for the outcome and exit")
	fs.StringVar(&opts.Search, "search", "", "search cached messages (scoped to --room when set) and exit")
	fs.DurationVar(&opts.ListenFor, "listen-for", 0, "stop after this duration, e.g. 30s (default: run until interrupt)")
	if err := fs.Parse(args); err != nil {
		return launchOptions{}, err
	}
	if fs.NArg() > 0 {
		return launchOptions{}, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}

	opts.Room = strings.TrimSpace(opts.Room)
	opts.SendBody = strings.TrimSpace(opts.SendBody)
	opts.Search = strings.TrimSpace(opts.Search)
	if opts.SendBody != "" && opts.Room == "" {
		return launchOptions{}, errors.New("--send requires --room")
	}
	if opts.SendBody != "" && opts.Search != "" {
		return launchOptions{}, errors.New("--send and --search cannot be combined")
	}

	return opts, nil
}

// sendOnce waits for a live connection, queues one message and blocks
// until its delivery outcome arrives.
func sendOnce(ctx context.Context, rt *app.Runtime, logger *slog.Logger, roomID, body string) error {
	statusSub := rt.Bus.Subscribe(connectors.TopicMessageStatus)
	defer rt.Bus.Unsubscribe(statusSub, connectors.TopicMessageStatus)
	connSub := rt.Bus.Subscribe(connectors.TopicConnStatus)
	defer rt.Bus.Unsubscribe(connSub, connectors.TopicConnStatus)

	logger.Info("waiting for connection", "timeout", connectWaitTimeout)
	if err := waitForConnection(ctx, rt, logger, connSub, connectWaitTimeout); err != nil {
		return fmt.Errorf("connection did not come up: %w", err)
	}

	if err := rt.Connectivity.Engine.Send(roomID, body); err != nil {
		return fmt.Errorf("queue send: %w", err)
	}

	return waitForSendOutcome(ctx, logger, statusSub, roomID, sendOutcomeWaitTimeout)
}

func waitForConnection(ctx context.Context, rt *app.Runtime, logger *slog.Logger, connSub bus.Subscription, timeout time.Duration) error {
	if status, known := rt.CurrentConnStatus(); known && status.State == connectors.ConnectionStateConnected {
		return nil
	}

	timeoutCh := time.After(timeout)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeoutCh:
			return fmt.Errorf("timeout after %s", timeout)
		case raw, ok := <-connSub:
			if !ok {
				return errors.New("connection status stream closed")
			}
			status, ok := raw.(connectors.ConnStatus)
			if !ok {
				continue
			}
			logger.Info("conn", "state", status.State, "transport", status.TransportName, "error", status.Err)
			if status.State == connectors.ConnectionStateConnected {
				return nil
			}
		}
	}
}

func waitForSendOutcome(ctx context.Context, logger *slog.Logger, statusSub bus.Subscription, roomID string, timeout time.Duration) error {
	var key string
	timeoutCh := time.After(timeout)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeoutCh:
			return fmt.Errorf("no delivery outcome after %s", timeout)
		case raw, ok := <-statusSub:
			if !ok {
				return errors.New("message status stream closed")
			}
			update, ok := raw.(domain.MessageStatusUpdate)
			if !ok || update.RoomID != roomID {
				continue
			}
			if update.Status == domain.MessageStatusPending {
				if key == "" {
					key = update.Key
					logger.Info("send accepted", "key", update.Key)
				}

				continue
			}
			// Restored sends from a previous run report under other keys.
			if key == "" || update.Key != key {
				continue
			}
			if update.Status == domain.MessageStatusSent {
				logger.Info("send confirmed", "id", update.MessageID)

				return nil
			}

			return fmt.Errorf("delivery failed for room %s", roomID)
		}
	}
}

// searchCache runs a substring search over the cache-warmed message
// windows. Works fully offline; an empty roomID searches every room.
func searchCache(logger *slog.Logger, store *domain.RoomStore, query, roomID string) {
	hits := store.Search(query, roomID, maxSearchResults)
	logger.Info("search results", "query", query, "count", len(hits))
	for _, msg := range hits {
		logger.Info("hit", "room", msg.RoomID, "sender", msg.SenderID, "at", msg.CreatedAt.Format(time.RFC3339), "body", previewBody(msg.Body))
	}
}

// watch prints bus traffic to the log. Raw wire frames are only
// subscribed when the log level would actually show them.
func watch(ctx context.Context, b bus.MessageBus, store *domain.RoomStore, logger *slog.Logger, wireFrames bool) {
	connSub := b.Subscribe(connectors.TopicConnStatus)
	messageSub := b.Subscribe(connectors.TopicMessage)
	statusSub := b.Subscribe(connectors.TopicMessageStatus)
	roomsSub := b.Subscribe(connectors.TopicRoomList)
	presenceDiffSub := b.Subscribe(connectors.TopicPresenceDiff)
	presenceSnapSub := b.Subscribe(connectors.TopicPresenceSnapshot)
	historySub := b.Subscribe(connectors.TopicHistoryLoaded)
	historyFailSub := b.Subscribe(connectors.TopicHistoryFailed)

	var rawInSub, rawOutSub bus.Subscription
	if wireFrames {
		rawInSub = b.Subscribe(connectors.TopicRawFrameIn)
		rawOutSub = b.Subscribe(connectors.TopicRawFrameOut)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				b.Unsubscribe(connSub, connectors.TopicConnStatus)
				b.Unsubscribe(messageSub, connectors.TopicMessage)
				b.Unsubscribe(statusSub, connectors.TopicMessageStatus)
				b.Unsubscribe(roomsSub, connectors.TopicRoomList)
				b.Unsubscribe(presenceDiffSub, connectors.TopicPresenceDiff)
				b.Unsubscribe(presenceSnapSub, connectors.TopicPresenceSnapshot)
				b.Unsubscribe(historySub, connectors.TopicHistoryLoaded)
				b.Unsubscribe(historyFailSub, connectors.TopicHistoryFailed)
				if rawInSub != nil {
					b.Unsubscribe(rawInSub, connectors.TopicRawFrameIn)
					b.Unsubscribe(rawOutSub, connectors.TopicRawFrameOut)
				}

				return
			case raw := <-connSub:
				if status, ok := raw.(connectors.ConnStatus); ok {
					logger.Info("conn", "state", status.State, "transport", status.TransportName, "target", status.Target, "error", status.Err)
				}
			case raw := <-messageSub:
				if msg, ok := raw.(domain.Message); ok {
					logger.Info("message", "room", msg.RoomID, "sender", msg.SenderID, "body", previewBody(msg.Body), "local", msg.Local)
				}
			case raw := <-statusSub:
				if update, ok := raw.(domain.MessageStatusUpdate); ok {
					logger.Info("message-status", "room", update.RoomID, "id", update.MessageID, "key", update.Key, "status", update.Status)
				}
			case raw := <-roomsSub:
				if list, ok := raw.(domain.RoomList); ok {
					logger.Info("rooms", "count", len(list.Items), "unread_total", store.UnreadTotal())
				}
			case raw := <-presenceDiffSub:
				if update, ok := raw.(domain.PresenceUpdate); ok {
					logger.Info("presence", "user", update.UserID, "online", update.Online)
				}
			case raw := <-presenceSnapSub:
				if snapshot, ok := raw.(domain.PresenceSnapshot); ok {
					logger.Info("presence-snapshot", "online", len(snapshot.UserIDs))
				}
			case raw := <-historySub:
				if page, ok := raw.(domain.HistoryLoaded); ok {
					logger.Info("history", "room", page.RoomID, "count", page.Count, "has_more", page.HasMore)
				}
			case raw := <-historyFailSub:
				if failure, ok := raw.(domain.HistoryFailed); ok {
					logger.Warn("history-failed", "room", failure.RoomID, "error", failure.Err)
				}
			case raw := <-rawInSub:
				if frame, ok := raw.(connectors.RawFrame); ok {
					logger.Debug("raw-in", "len", frame.Len, "hex", previewHex(frame.Hex))
				}
			case raw := <-rawOutSub:
				if frame, ok := raw.(connectors.RawFrame); ok {
					logger.Debug("raw-out", "len", frame.Len, "hex", previewHex(frame.Hex))
				}
			}
		}
	}()
}

func logCachedSnapshot(logger *slog.Logger, store *domain.RoomStore) {
	rooms := store.Rooms()
	logger.Info("cached rooms", "count", len(rooms))
	for i, room := range rooms {
		if i >= 10 {
			logger.Info("cached rooms truncated", "remaining", len(rooms)-i)

			break
		}
		logger.Info("room", "id", room.ID, "name", room.Name, "unread", room.Unread)
	}
}

func previewBody(body string) string {
	body = strings.TrimSpace(body)
	if len(body) <= maxBodyPreviewLen {
		return body
	}

	return body[:maxBodyPreviewLen] + "..."
}

func previewHex(hex string) string {
	hex = strings.TrimSpace(hex)
	if len(hex) <= maxHexPreviewLen {
		return hex
	}

	return hex[:maxHexPreviewLen] + "..."
}
