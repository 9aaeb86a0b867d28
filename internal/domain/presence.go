package domain

import (
	"sort"
	"sync"
)

// PresenceTracker keeps the online set reported by the server. After a
// disconnect the set is stale, so it flips to unknown rather than
// pretending everyone went offline; the next snapshot replaces it
// wholesale and marks it known again.
type PresenceTracker struct {
	mu      sync.RWMutex
	online  map[string]struct{}
	known   bool
	changes chan struct{}
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{
		online:  make(map[string]struct{}),
		changes: make(chan struct{}, 1),
	}
}

// ApplyDiff applies a single-user presence change.
func (t *PresenceTracker) ApplyDiff(userID string, online bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if online {
		t.online[userID] = struct{}{}
	} else {
		delete(t.online, userID)
	}
	t.known = true
	t.notify()
}

// ApplySnapshot replaces the whole online set: exactly the listed users
// are online, everyone else is offline.
func (t *PresenceTracker) ApplySnapshot(userIDs []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.online = make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		t.online[id] = struct{}{}
	}
	t.known = true
	t.notify()
}

// MarkUnknown invalidates the set, typically on connection loss.
func (t *PresenceTracker) MarkUnknown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.known {
		return
	}
	t.known = false
	t.notify()
}

// Lookup reports a user's online flag and whether the set is current.
// When known is false the flag is a stale last-seen value.
func (t *PresenceTracker) Lookup(userID string) (online, known bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, online = t.online[userID]
	return online, t.known
}

// IsOnline is the simplified read: unknown presence reads as offline.
func (t *PresenceTracker) IsOnline(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.known {
		return false
	}
	_, ok := t.online[userID]
	return ok
}

// Online returns the sorted online set, or nil while presence is
// unknown.
func (t *PresenceTracker) Online() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.known {
		return nil
	}
	out := make([]string, 0, len(t.online))
	for id := range t.online {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (t *PresenceTracker) Known() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.known
}

func (t *PresenceTracker) Changes() <-chan struct{} {
	return t.changes
}

func (t *PresenceTracker) notify() {
	select {
	case t.changes <- struct{}{}:
	default:
	}
}
