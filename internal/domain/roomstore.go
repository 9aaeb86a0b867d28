package domain

import (
	"sort"
	"strings"
	"sync"
)

// RoomStore holds the client's view of rooms and their cached message
// windows. All mutations come from the engine loop (or the cache loader
// at startup); readers get cloned snapshots and may watch Changes().
//
// Messages within a room are kept sorted by (CreatedAt, ID) and
// deduplicated by ID, so replayed or overlapping deliveries are safe.
type RoomStore struct {
	mu       sync.RWMutex
	self     string
	active   string
	rooms    map[string]Room
	messages map[string][]Message
	seen     map[string]map[string]struct{}
	cursors  map[string]string
	changes  chan struct{}
}

func NewRoomStore() *RoomStore {
	return &RoomStore{
		rooms:    make(map[string]Room),
		messages: make(map[string][]Message),
		seen:     make(map[string]map[string]struct{}),
		cursors:  make(map[string]string),
		changes:  make(chan struct{}, 1),
	}
}

// SetSelf records the local user ID used for unread accounting.
func (s *RoomStore) SetSelf(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.self = userID
}

func (s *RoomStore) Self() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.self
}

// Reset drops all rooms and cached windows, keeping the local user ID.
// Used when the client is pointed at a different server.
func (s *RoomStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = ""
	s.rooms = make(map[string]Room)
	s.messages = make(map[string][]Message)
	s.seen = make(map[string]map[string]struct{})
	s.cursors = make(map[string]string)
	s.notify()
}

// Load seeds the store from the local cache before the first connect.
func (s *RoomStore) Load(rooms []Room, messages map[string][]Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, room := range rooms {
		s.rooms[room.ID] = room
	}
	for _, msgs := range messages {
		for _, msg := range msgs {
			s.insertLocked(msg, false)
		}
	}
	s.notify()
}

// ReplaceRooms swaps in a freshly synced room list. Cached windows of
// surviving rooms are kept; windows of rooms the server no longer
// reports are dropped. The active room's unread stays pinned at zero,
// and a locally newer last-activity timestamp wins over the server's.
func (s *RoomStore) ReplaceRooms(items []Room) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]Room, len(items))
	for _, room := range items {
		if room.ID == s.active {
			room.Unread = 0
		}
		if cur, ok := s.rooms[room.ID]; ok && cur.LastActivity.After(room.LastActivity) {
			room.LastActivity = cur.LastActivity
		}
		next[room.ID] = room
	}
	for roomID := range s.messages {
		if _, ok := next[roomID]; !ok {
			delete(s.messages, roomID)
			delete(s.seen, roomID)
			delete(s.cursors, roomID)
		}
	}
	if _, ok := next[s.active]; !ok {
		s.active = ""
	}
	s.rooms = next
	s.notify()
}

// Apply inserts a live message into its room window. It reports whether
// the store changed; duplicates by ID are dropped, except that a server
// copy replaces a locally minted entry carrying the same ID.
func (s *RoomStore) Apply(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.Status == 0 {
		msg.Status = MessageStatusSent
	}
	if !s.insertLocked(msg, true) {
		return false
	}
	s.notify()
	return true
}

// PromoteLocal replaces the optimistic entry identified by key with the
// server-confirmed message. If the server's own copy already arrived the
// optimistic entry is simply removed.
func (s *RoomStore) PromoteLocal(roomID, key string, confirmed Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := s.removeLocked(roomID, key)
	if s.insertLocked(confirmed, true) {
		changed = true
	}
	if changed {
		s.notify()
	}
	return changed
}

// MarkStatus transitions a message's delivery state in place. Illegal
// transitions (anything out of sent, or into pending) are ignored.
func (s *RoomStore) MarkStatus(roomID, messageID string, status MessageStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.messages[roomID]
	for i := range list {
		if list[i].ID != messageID {
			continue
		}
		if !ShouldTransitionMessageStatus(list[i].Status, status) {
			return false
		}
		list[i].Status = status
		s.notify()
		return true
	}
	return false
}

// Activate marks a room as the one the user is looking at and clears
// its unread counter. Unknown rooms get a placeholder entry until the
// next room sync fills in the details.
func (s *RoomStore) Activate(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		room = Room{ID: roomID, Name: roomID}
	}
	room.Unread = 0
	s.rooms[roomID] = room
	s.active = roomID
	s.notify()
}

func (s *RoomStore) ActiveRoom() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// MarkRead clears a room's unread counter without activating it.
func (s *RoomStore) MarkRead(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok || room.Unread == 0 {
		return
	}
	room.Unread = 0
	s.rooms[roomID] = room
	s.notify()
}

// Rooms returns a cloned room list sorted by last activity, newest
// first, ties broken by ID.
func (s *RoomStore) Rooms() []Room {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Room, 0, len(s.rooms))
	for _, room := range s.rooms {
		out = append(out, room)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out
}

func (s *RoomStore) Room(roomID string) (Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[roomID]
	return room, ok
}

// Messages returns a cloned, ordered message window for a room.
func (s *RoomStore) Messages(roomID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[roomID]
	cloned := make([]Message, len(msgs))
	copy(cloned, msgs)
	return cloned
}

// PrependHistory merges an older page into a room window and records
// the cursor for the next page. History never touches unread counters
// or room activity. Returns the number of newly inserted messages.
func (s *RoomStore) PrependHistory(roomID string, older []Message, nextCursor string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for _, msg := range older {
		msg.RoomID = roomID
		if msg.Status == 0 {
			msg.Status = MessageStatusSent
		}
		if s.insertLocked(msg, false) {
			inserted++
		}
	}
	s.cursors[roomID] = nextCursor
	if inserted > 0 {
		s.notify()
	}
	return inserted
}

// MergeRecent merges a tail-refresh page without touching the room's
// pagination cursor, so a reconnect refresh cannot clobber the deeper
// cursor recorded by earlier load-older calls.
func (s *RoomStore) MergeRecent(roomID string, msgs []Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for _, msg := range msgs {
		msg.RoomID = roomID
		if msg.Status == 0 {
			msg.Status = MessageStatusSent
		}
		if s.insertLocked(msg, false) {
			inserted++
		}
	}
	if inserted > 0 {
		s.notify()
	}
	return inserted
}

// HistoryCursor returns the pagination cursor recorded for a room and
// whether any history page was fetched yet. An empty cursor after a
// fetch means the room's history is exhausted.
func (s *RoomStore) HistoryCursor(roomID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cursor, ok := s.cursors[roomID]
	return cursor, ok
}

// HasWindow reports whether a room has any cached messages or a
// completed history fetch.
func (s *RoomStore) HasWindow(roomID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.messages[roomID]) > 0 {
		return true
	}
	_, fetched := s.cursors[roomID]
	return fetched
}

// Search scans cached windows for messages containing the query,
// case-insensitive, newest first. An empty roomID searches all rooms.
func (s *RoomStore) Search(query, roomID string, limit int) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" {
		return nil
	}
	var out []Message
	for id, msgs := range s.messages {
		if roomID != "" && id != roomID {
			continue
		}
		for _, msg := range msgs {
			if strings.Contains(strings.ToLower(msg.Body), needle) {
				out = append(out, msg)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[j].Before(out[i])
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// UnreadTotal sums unread counters across all rooms.
func (s *RoomStore) UnreadTotal() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, room := range s.rooms {
		total += room.Unread
	}
	return total
}

func (s *RoomStore) Changes() <-chan struct{} {
	return s.changes
}

func (s *RoomStore) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

// insertLocked places a message into its room window in (CreatedAt, ID)
// order. Duplicates are dropped, except a non-local copy replacing a
// local entry with the same ID. bumpActivity drives room last-activity
// and unread accounting for live messages (history merges pass false).
func (s *RoomStore) insertLocked(msg Message, bumpActivity bool) bool {
	set := s.seen[msg.RoomID]
	if set == nil {
		set = make(map[string]struct{})
		s.seen[msg.RoomID] = set
	}
	if _, dup := set[msg.ID]; dup {
		idx := s.indexLocked(msg.RoomID, msg.ID)
		if idx < 0 || !s.messages[msg.RoomID][idx].Local || msg.Local {
			return false
		}
		// Server copy carries the authoritative timestamp; re-insert
		// so ordering stays correct.
		s.removeAtLocked(msg.RoomID, idx)
		delete(set, msg.ID)
	}

	set[msg.ID] = struct{}{}
	list := s.messages[msg.RoomID]
	pos := sort.Search(len(list), func(i int) bool {
		return msg.Before(list[i])
	})
	list = append(list, Message{})
	copy(list[pos+1:], list[pos:])
	list[pos] = msg
	s.messages[msg.RoomID] = list

	if bumpActivity {
		room, ok := s.rooms[msg.RoomID]
		if !ok {
			room = Room{ID: msg.RoomID, Name: msg.RoomID}
		}
		if msg.CreatedAt.After(room.LastActivity) {
			room.LastActivity = msg.CreatedAt
		}
		if msg.RoomID != s.active && msg.SenderID != s.self && msg.SenderID != "" {
			room.Unread++
		}
		s.rooms[msg.RoomID] = room
	}
	return true
}

func (s *RoomStore) indexLocked(roomID, messageID string) int {
	for i, msg := range s.messages[roomID] {
		if msg.ID == messageID {
			return i
		}
	}
	return -1
}

func (s *RoomStore) removeLocked(roomID, messageID string) bool {
	idx := s.indexLocked(roomID, messageID)
	if idx < 0 {
		return false
	}
	s.removeAtLocked(roomID, idx)
	delete(s.seen[roomID], messageID)
	return true
}

func (s *RoomStore) removeAtLocked(roomID string, idx int) {
	list := s.messages[roomID]
	s.messages[roomID] = append(list[:idx], list[idx+1:]...)
}

