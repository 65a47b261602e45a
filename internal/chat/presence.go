package chat

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// typingTTL is how long a typing indicator lives after its last
// refresh when no explicit stop arrives.
const typingTTL = 3000 * time.Millisecond

type typingKey struct {
	conversationID string
	userID         string
}

// typingEntry pairs an indicator with its scheduled expiry. gen is the
// cancellation token: each refresh bumps it, so a stale timer callback
// that outlived its reschedule finds a mismatched generation and does
// nothing. Stopping the timer alone is not enough because the callback
// may already be running.
type typingEntry struct {
	indicator TypingIndicator
	gen       uint64
	timer     *time.Timer
}

// Tracker owns the online-user set and active typing indicators.
// Nothing else mutates either collection.
type Tracker struct {
	mu     sync.Mutex
	logger *slog.Logger

	online map[string]struct{}
	typing map[typingKey]*typingEntry
}

// NewTracker creates an empty presence tracker.
func NewTracker(logger *slog.Logger) *Tracker {
	return &Tracker{
		logger: logger,
		online: make(map[string]struct{}),
		typing: make(map[typingKey]*typingEntry),
	}
}

// SetOnline marks a user online. Idempotent.
func (t *Tracker) SetOnline(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.online[userID] = struct{}{}
}

// SetOffline marks a user offline. Idempotent.
func (t *Tracker) SetOffline(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.online, userID)
}

// ReplaceOnline swaps the whole online set, used by the post-reconnect
// resynchronization.
func (t *Tracker) ReplaceOnline(userIDs []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.online = make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		t.online[id] = struct{}{}
	}
}

// IsOnline reports whether a user id is currently considered online.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.online[userID]

	return ok
}

// OnlineUsers returns the current online set.
func (t *Tracker) OnlineUsers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, 0, len(t.online))
	for id := range t.online {
		out = append(out, id)
	}

	sort.Strings(out)

	return out
}

// StartTyping inserts or refreshes a typing indicator and (re)schedules
// its expiry. Any prior timer for the same key is invalidated before
// the new one is armed, so a stale expiry cannot kill a refreshed
// indicator.
func (t *Tracker) StartTyping(conversationID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := typingKey{conversationID: conversationID, userID: userID}

	entry, ok := t.typing[key]
	if !ok {
		entry = &typingEntry{
			indicator: TypingIndicator{
				UserID:         userID,
				ConversationID: conversationID,
			},
		}
		t.typing[key] = entry
	}

	entry.indicator.StartedAt = time.Now()
	entry.gen++

	if entry.timer != nil {
		entry.timer.Stop()
	}

	gen := entry.gen
	entry.timer = time.AfterFunc(typingTTL, func() {
		t.expire(key, gen)
	})
}

// expire removes an indicator whose timer fired, unless it was
// refreshed or stopped since the timer was armed.
func (t *Tracker) expire(key typingKey, gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.typing[key]
	if !ok || entry.gen != gen {
		return
	}

	delete(t.typing, key)
}

// StopTyping removes an indicator immediately. An explicit stop always
// wins over the timeout. No-op for an unknown key.
func (t *Tracker) StopTyping(conversationID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := typingKey{conversationID: conversationID, userID: userID}

	entry, ok := t.typing[key]
	if !ok {
		return
	}

	if entry.timer != nil {
		entry.timer.Stop()
	}

	delete(t.typing, key)
}

// ListTyping returns the active indicators for a conversation, ordered
// by startedAt ascending.
func (t *Tracker) ListTyping(conversationID string) []TypingIndicator {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []TypingIndicator

	for key, entry := range t.typing {
		if key.conversationID == conversationID {
			out = append(out, entry.indicator)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].UserID < out[j].UserID
		}

		return out[i].StartedAt.Before(out[j].StartedAt)
	})

	return out
}

// Reset clears both collections and cancels all timers. Called on
// disconnect: no presence or typing state survives a connection loss,
// and the online set is rebuilt by the post-reconnect resync.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, entry := range t.typing {
		if entry.timer != nil {
			entry.timer.Stop()
		}
	}

	t.online = make(map[string]struct{})
	t.typing = make(map[typingKey]*typingEntry)
}
