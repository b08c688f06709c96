package core

import (
	"cmp"
	"slices"
	"sync"
	"time"
)

const DefaultTypingWindow = 3 * time.Second

// TypingUser is a user currently composing a message in a room.
type TypingUser struct {
	Code        string `json:"user_code"`
	DisplayName string `json:"display_name"`
}

type typingEntry struct {
	user TypingUser
	// seq is assigned when the entry is created and kept across resets
	// so listings are ordered by who started typing first.
	seq   uint64
	gen   uint64
	timer *time.Timer
}

// TypingTracker keeps the ephemeral per room set of typing users.
// Every entry expires after the window unless it is refreshed.
type TypingTracker struct {
	window   time.Duration
	mu       sync.Mutex
	rooms    map[string]map[string]*typingEntry
	seq      uint64
	gen      uint64
	closed   bool
	onExpire func(roomKey string)
}

func NewTypingTracker(window time.Duration) *TypingTracker {
	if window <= 0 {
		window = DefaultTypingWindow
	}
	return &TypingTracker{
		window:   window,
		rooms:    make(map[string]map[string]*typingEntry),
		onExpire: func(string) {},
	}
}

// OnExpire registers f to be called after an entry of roomKey expired.
// f is called without any lock held.
func (t *TypingTracker) OnExpire(f func(roomKey string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onExpire = f
}

func (t *TypingTracker) Window() time.Duration {
	return t.window
}

// StartTyping adds the user to the room or resets the timer of the existing entry.
func (t *TypingTracker) StartTyping(roomKey, userCode, displayName string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	room, ok := t.rooms[roomKey]
	if !ok {
		room = make(map[string]*typingEntry)
		t.rooms[roomKey] = room
	}

	t.gen++
	gen := t.gen
	if e, ok := room[userCode]; ok {
		e.timer.Stop()
		e.gen = gen
		e.user.DisplayName = displayName
		e.timer = time.AfterFunc(t.window, func() { t.expire(roomKey, userCode, gen) })
		return
	}

	t.seq++
	room[userCode] = &typingEntry{
		user:  TypingUser{Code: userCode, DisplayName: displayName},
		seq:   t.seq,
		gen:   gen,
		timer: time.AfterFunc(t.window, func() { t.expire(roomKey, userCode, gen) }),
	}
}

// StopTyping removes the user from the room. It reports whether an entry existed.
func (t *TypingTracker) StopTyping(roomKey, userCode string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remove(roomKey, userCode)
}

// ListTyping returns the users typing in the room, first starter first.
func (t *TypingTracker) ListTyping(roomKey string) []TypingUser {
	type ordered struct {
		user TypingUser
		seq  uint64
	}

	t.mu.Lock()
	entries := make([]ordered, 0, len(t.rooms[roomKey]))
	for _, e := range t.rooms[roomKey] {
		entries = append(entries, ordered{user: e.user, seq: e.seq})
	}
	t.mu.Unlock()

	slices.SortFunc(entries, func(a, b ordered) int {
		return cmp.Compare(a.seq, b.seq)
	})
	users := make([]TypingUser, len(entries))
	for i, e := range entries {
		users[i] = e.user
	}
	return users
}

// ClearUser removes the user from every room and returns the rooms it was typing in.
func (t *TypingTracker) ClearUser(userCode string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var cleared []string
	for key, room := range t.rooms {
		if _, ok := room[userCode]; ok {
			cleared = append(cleared, key)
		}
	}
	for _, key := range cleared {
		t.remove(key, userCode)
	}
	slices.Sort(cleared)
	return cleared
}

// Close stops every timer. Later calls to StartTyping are ignored.
func (t *TypingTracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for _, room := range t.rooms {
		for _, e := range room {
			e.timer.Stop()
		}
	}
	clear(t.rooms)
}

func (t *TypingTracker) expire(roomKey, userCode string, gen uint64) {
	t.mu.Lock()
	e, ok := t.rooms[roomKey][userCode]
	// a reset or stop happened after this timer was armed
	if !ok || e.gen != gen {
		t.mu.Unlock()
		return
	}
	t.remove(roomKey, userCode)
	onExpire := t.onExpire
	t.mu.Unlock()

	onExpire(roomKey)
}

// remove must be called with mu held.
func (t *TypingTracker) remove(roomKey, userCode string) bool {
	room, ok := t.rooms[roomKey]
	if !ok {
		return false
	}
	e, ok := room[userCode]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(room, userCode)
	if len(room) == 0 {
		delete(t.rooms, roomKey)
	}
	return true
}
