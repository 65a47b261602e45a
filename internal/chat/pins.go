package chat

import (
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/nmelo/chat-sync/internal/errors"
)

// maxPinned is the per-conversation pin capacity.
const maxPinned = 5

// PinRegistry owns per-conversation pinned-message lists. Entries keep
// a dense 0-based order after every mutation, and all operations are
// idempotent under retry.
type PinRegistry struct {
	mu      sync.Mutex
	entries map[string][]PinnedEntry
}

// NewPinRegistry creates an empty registry.
func NewPinRegistry() *PinRegistry {
	return &PinRegistry{entries: make(map[string][]PinnedEntry)}
}

// Pin appends a pinned entry for the message. Re-pinning an already
// pinned message updates it in place rather than duplicating. Returns
// ErrPinLimitReached, with state unchanged, when the conversation
// already holds the maximum number of pins.
func (r *PinRegistry) Pin(conversationID string, m Message) (PinnedEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.entries[conversationID]

	for i := range list {
		if list[i].Message.ID == m.ID {
			list[i].Message = m
			return list[i], nil
		}
	}

	if len(list) >= maxPinned {
		return PinnedEntry{}, apperrors.ErrPinLimitReached
	}

	entry := PinnedEntry{
		ID:       uuid.NewString(),
		Message:  m,
		Order:    len(list),
		PinnedAt: time.Now(),
	}

	r.entries[conversationID] = append(list, entry)

	return entry, nil
}

// Unpin removes the entry for a message id and renumbers the remaining
// entries densely, preserving relative order. Unpinning a missing id
// is a no-op.
func (r *PinRegistry) Unpin(conversationID, messageID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.entries[conversationID]

	idx := pinIndex(list, messageID)
	if idx < 0 {
		return
	}

	list = append(list[:idx], list[idx+1:]...)
	renumber(list)

	if len(list) == 0 {
		delete(r.entries, conversationID)
	} else {
		r.entries[conversationID] = list
	}
}

// Reorder moves the entry for a message id to newOrder, clamped to the
// valid range. This is a full positional move: the entry is removed and
// reinserted, every other entry keeps its relative order, and the whole
// list is renumbered densely.
func (r *PinRegistry) Reorder(conversationID, messageID string, newOrder int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.entries[conversationID]

	idx := pinIndex(list, messageID)
	if idx < 0 {
		return apperrors.ErrMessageNotFound
	}

	entry := list[idx]
	list = append(list[:idx], list[idx+1:]...)

	if newOrder < 0 {
		newOrder = 0
	}

	if newOrder > len(list) {
		newOrder = len(list)
	}

	list = append(list, PinnedEntry{})
	copy(list[newOrder+1:], list[newOrder:])
	list[newOrder] = entry

	renumber(list)
	r.entries[conversationID] = list

	return nil
}

// List returns a copy of the conversation's pinned entries in order.
func (r *PinRegistry) List(conversationID string) []PinnedEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.entries[conversationID]
	out := make([]PinnedEntry, len(list))
	copy(out, list)

	return out
}

// Reset drops all pinned state. Used on sign-out.
func (r *PinRegistry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = make(map[string][]PinnedEntry)
}

func pinIndex(list []PinnedEntry, messageID string) int {
	for i := range list {
		if list[i].Message.ID == messageID {
			return i
		}
	}

	return -1
}

func renumber(list []PinnedEntry) {
	for i := range list {
		list[i].Order = i
	}
}
