package engine

import "fmt"

// AuthError is a credential rejection from the backend. It is fatal for
// the connection attempt loop: retrying with the same token cannot
// succeed, so the engine stays disconnected until it is restarted with
// fresh credentials.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	if e.Reason == "" {
		return "authentication rejected"
	}

	return "authentication rejected: " + e.Reason
}

// TransportError is a transient link failure. The engine responds with
// a backoff reconnect.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// SendTimeoutError marks a send whose retry budget ran out without an
// acknowledgement. The message stays in the store as failed.
type SendTimeoutError struct {
	Key      string
	RoomID   string
	Attempts int
}

func (e *SendTimeoutError) Error() string {
	return fmt.Sprintf("send %s to room %s not acknowledged after %d attempts", e.Key, e.RoomID, e.Attempts)
}

// HistoryFetchError wraps a failed history page fetch. Store state is
// untouched; re-requesting the page is always safe.
type HistoryFetchError struct {
	RoomID string
	Err    error
}

func (e *HistoryFetchError) Error() string {
	return fmt.Sprintf("history fetch for room %s: %v", e.RoomID, e.Err)
}

func (e *HistoryFetchError) Unwrap() error {
	return e.Err
}
