package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"chatsync/internal/bus"
	"chatsync/internal/config"
	"chatsync/internal/connectors"
	"chatsync/internal/domain"
	"chatsync/internal/notifications"
)

// NotificationService listens to bus events and emits user-facing notifications.
type NotificationService struct {
	bus           bus.MessageBus
	store         *domain.RoomStore
	currentConfig func() config.AppConfig
	sender        notifications.Sender
	logger        *slog.Logger

	connStatusMu     sync.Mutex
	lastConnState    connectors.ConnectionState
	lastConnStateSet bool
}

func NewNotificationService(
	messageBus bus.MessageBus,
	store *domain.RoomStore,
	currentConfig func() config.AppConfig,
	sender notifications.Sender,
	logger *slog.Logger,
) *NotificationService {
	if logger == nil {
		logger = slog.Default().With("component", "app.notifications")
	}

	return &NotificationService{
		bus:           messageBus,
		store:         store,
		currentConfig: currentConfig,
		sender:        sender,
		logger:        logger,
	}
}

func (s *NotificationService) Start(ctx context.Context) {
	if s == nil || s.bus == nil || s.sender == nil {
		return
	}

	messageSub := s.bus.Subscribe(connectors.TopicMessage)
	statusSub := s.bus.Subscribe(connectors.TopicMessageStatus)
	connSub := s.bus.Subscribe(connectors.TopicConnStatus)

	go func() {
		defer s.bus.Unsubscribe(messageSub, connectors.TopicMessage)
		defer s.bus.Unsubscribe(statusSub, connectors.TopicMessageStatus)
		defer s.bus.Unsubscribe(connSub, connectors.TopicConnStatus)

		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-messageSub:
				if !ok {
					return
				}
				msg, ok := raw.(domain.Message)
				if !ok {
					continue
				}
				s.handleIncomingMessage(msg)
			case raw, ok := <-statusSub:
				if !ok {
					return
				}
				update, ok := raw.(domain.MessageStatusUpdate)
				if !ok {
					continue
				}
				s.handleStatusUpdate(update)
			case raw, ok := <-connSub:
				if !ok {
					return
				}
				status, ok := raw.(connectors.ConnStatus)
				if !ok {
					continue
				}
				s.handleConnectionStatus(status)
			}
		}
	}()
}

func (s *NotificationService) handleIncomingMessage(msg domain.Message) {
	if msg.Local {
		return
	}
	if self := s.store.Self(); self != "" && msg.SenderID == self {
		return
	}
	prefs := s.notificationPrefs()
	if !s.shouldNotify(prefs, prefs.Events.IncomingMessage) {
		return
	}
	if msg.RoomID == s.store.ActiveRoom() && !prefs.NotifyActiveRoom {
		return
	}

	senderName := strings.TrimSpace(msg.SenderID)
	if senderName == "" {
		senderName = "unknown"
	}
	body := strings.TrimSpace(msg.Body)
	if body == "" {
		body = "(empty)"
	}

	s.send(notifications.Payload{
		Title:   s.roomTitle(msg.RoomID, senderName),
		Content: fmt.Sprintf("%s: %s", senderName, body),
	})
}

func (s *NotificationService) handleStatusUpdate(update domain.MessageStatusUpdate) {
	if update.Status != domain.MessageStatusFailed {
		return
	}
	prefs := s.notificationPrefs()
	if !s.shouldNotify(prefs, prefs.Events.SendFailed) {
		return
	}

	s.send(notifications.Payload{
		Title:   "Message not delivered",
		Content: fmt.Sprintf("Sending to %s failed", s.roomTitle(update.RoomID, "")),
	})
}

func (s *NotificationService) handleConnectionStatus(status connectors.ConnStatus) {
	if status.State == "" {
		return
	}

	s.connStatusMu.Lock()
	if s.lastConnStateSet && s.lastConnState == status.State {
		s.connStatusMu.Unlock()

		return
	}
	s.lastConnState = status.State
	s.lastConnStateSet = true
	s.connStatusMu.Unlock()

	if status.State != connectors.ConnectionStateConnected &&
		status.State != connectors.ConnectionStateDisconnected {
		return
	}
	prefs := s.notificationPrefs()
	if !s.shouldNotify(prefs, prefs.Events.ConnectionStatus) {
		return
	}

	transport := strings.TrimSpace(status.TransportName)
	if transport == "" {
		transport = "unknown"
	}
	details := strings.TrimSpace(status.Target)
	if details == "" {
		details = "No connection details"
	}
	if status.State == connectors.ConnectionStateDisconnected {
		if errText := strings.TrimSpace(status.Err); errText != "" {
			details = fmt.Sprintf("%s (error: %s)", details, errText)
		}
	}

	s.send(notifications.Payload{
		Title:   fmt.Sprintf("%s - %s", transport, status.State),
		Content: details,
	})
}

func (s *NotificationService) shouldNotify(prefs config.NotificationConfig, kindEnabled bool) bool {
	return prefs.Enabled && kindEnabled
}

func (s *NotificationService) notificationPrefs() config.NotificationConfig {
	cfg := config.Default()
	if s.currentConfig != nil {
		cfg = s.currentConfig()
		cfg.FillMissingDefaults()
	}

	return cfg.Notifications
}

// roomTitle renders "#Name" for groups and "@peer" for direct rooms,
// falling back to the raw room ID for rooms not synced yet.
func (s *NotificationService) roomTitle(roomID, senderName string) string {
	room, ok := s.store.Room(roomID)
	if ok && room.Kind == domain.RoomKindDirect {
		peer := senderName
		if peer == "" {
			peer = directPeer(room, s.store.Self())
		}
		if peer != "" {
			return "@" + peer
		}
	}
	name := strings.TrimSpace(room.Name)
	if name == "" {
		name = strings.TrimSpace(roomID)
	}
	if name == "" {
		name = "unknown"
	}

	return "#" + name
}

func directPeer(room domain.Room, self string) string {
	for _, participant := range room.Participants {
		if participant != self && strings.TrimSpace(participant) != "" {
			return participant
		}
	}

	return ""
}

func (s *NotificationService) send(notification notifications.Payload) {
	title := strings.TrimSpace(notification.Title)
	content := strings.TrimSpace(notification.Content)
	if title == "" && content == "" {
		return
	}
	s.logger.Debug("sending notification", "title", title)
	s.sender.Send(notifications.Payload{
		Title:   title,
		Content: content,
	})
}
