package domain

import "time"

type RoomKind int

const (
	RoomKindDirect RoomKind = iota + 1
	RoomKindGroup
)

type MessageStatus int

const (
	MessageStatusPending MessageStatus = iota + 1
	MessageStatusSent
	MessageStatusFailed
)

func (s MessageStatus) String() string {
	switch s {
	case MessageStatusPending:
		return "pending"
	case MessageStatusSent:
		return "sent"
	case MessageStatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ShouldTransitionMessageStatus reports whether a delivery state change
// is legal: pending may resolve to sent or failed, failed may still be
// rescued to sent by a late acknowledgement, sent is terminal.
func ShouldTransitionMessageStatus(from, to MessageStatus) bool {
	switch from {
	case MessageStatusPending:
		return to == MessageStatusSent || to == MessageStatusFailed
	case MessageStatusFailed:
		return to == MessageStatusSent
	default:
		return false
	}
}

type Room struct {
	ID           string
	Name         string
	Kind         RoomKind
	Participants []string
	Unread       int
	LastActivity time.Time
}

// Message is a single chat message inside a room's cached window.
// Local marks entries minted by this client whose server timestamp is
// not authoritative yet; a server copy with the same ID replaces them.
type Message struct {
	ID        string
	RoomID    string
	SenderID  string
	Body      string
	CreatedAt time.Time
	Status    MessageStatus
	Local     bool
}

// Before reports whether m sorts ahead of other in room order:
// CreatedAt ascending, ties broken by ID ascending.
func (m Message) Before(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// PendingSend tracks an outgoing message awaiting server acknowledgement.
// Key doubles as the provisional message ID until the ack arrives.
type PendingSend struct {
	Key         string
	RoomID      string
	Body        string
	Attempts    int
	EnqueuedAt  time.Time
	NextAttempt time.Time
}

// MessageStatusUpdate is a bus event for delivery state transitions.
// MessageID carries the server ID once known, Key the idempotency key.
type MessageStatusUpdate struct {
	RoomID    string
	MessageID string
	Key       string
	Status    MessageStatus
}

// RoomList is a bus event carrying a freshly synced room collection.
type RoomList struct {
	Items []Room
}

// PresenceUpdate is a bus event for a single-user presence change.
type PresenceUpdate struct {
	UserID string
	Online bool
}

// PresenceSnapshot is a bus event carrying the full online set.
type PresenceSnapshot struct {
	UserIDs []string
}

// HistoryPage is one page of older messages fetched from the backend.
// NextCursor is empty when no older page exists.
type HistoryPage struct {
	Messages   []Message
	NextCursor string
}

// HistoryLoaded is a bus event emitted after a history page was merged.
type HistoryLoaded struct {
	RoomID  string
	Count   int
	HasMore bool
}

// HistoryFailed is a bus event emitted when a history fetch failed.
type HistoryFailed struct {
	RoomID string
	Err    string
}
