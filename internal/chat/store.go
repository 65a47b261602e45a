package chat

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
)

// Store owns per-conversation message lists, the participant cache, and
// unread bookkeeping. It consumes normalized messages only; raw wire
// payloads never reach it.
type Store struct {
	mu            sync.Mutex
	logger        *slog.Logger
	currentUserID string

	conversations map[string]*Conversation
	messages      map[string][]Message

	// participants caches the richest projection seen for each user id,
	// shared across conversations so an upgrade in one enriches all.
	participants map[string]Participant
}

// NewStore creates an empty store for the given session user.
func NewStore(currentUserID string, logger *slog.Logger) *Store {
	return &Store{
		logger:        logger,
		currentUserID: currentUserID,
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]Message),
		participants:  make(map[string]Participant),
	}
}

// SetCurrentUser swaps the session user (e.g. after reconnecting with a
// different account) and recomputes every derived role projection.
func (s *Store) SetCurrentUser(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.currentUserID = userID

	for cid, list := range s.messages {
		for i := range list {
			list[i].RecomputeRole(userID)
		}

		s.refreshSummaryLocked(cid)
	}
}

// cacheParticipant merges p into the shared participant cache and
// returns the enriched projection.
func (s *Store) cacheParticipant(p Participant) Participant {
	if p.ID == "" || p.ID == "unknown" {
		return p
	}

	merged := upgradeParticipant(s.participants[p.ID], p)
	s.participants[p.ID] = merged

	return merged
}

// MergeMessage merges a normalized message into its conversation. A
// message with a known id is replaced in place, preserving position, so
// edits and read-state updates never reorder the list. New messages are
// inserted in createdAt order with ties broken by arrival order. The
// operation is idempotent.
func (s *Store) MergeMessage(conversationID string, m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conversationID == "" {
		conversationID = m.ConversationID
	}

	if conversationID == "" {
		s.logger.Warn("dropping message without conversation id", slog.String("id", m.ID))
		return
	}

	m.ConversationID = conversationID
	m.Sender = s.cacheParticipant(m.Sender)

	list := s.messages[conversationID]

	if idx := indexByID(list, m.ID); idx >= 0 {
		// In-place replacement. Keep the local delivery id so a pending
		// optimistic send is not orphaned by an interleaved update.
		if m.LocalID == "" {
			m.LocalID = list[idx].LocalID
		}

		list[idx] = m
	} else {
		pos := sort.Search(len(list), func(j int) bool {
			return list[j].CreatedAt.After(m.CreatedAt)
		})

		list = append(list, Message{})
		copy(list[pos+1:], list[pos:])
		list[pos] = m
	}

	s.messages[conversationID] = list
	s.refreshSummaryLocked(conversationID)
}

// MarkRead adds userID to the read set of every message in the
// conversation where absent, then recomputes the unread counter.
func (s *Store) MarkRead(conversationID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.messages[conversationID]
	for i := range list {
		if !list[i].ReadByUser(userID) {
			list[i].ReadBy = append(list[i].ReadBy, userID)
		}
	}

	s.refreshSummaryLocked(conversationID)
}

// ApplyReadReceipt unions readBy into the identified message's read
// set, wherever the message lives.
func (s *Store) ApplyReadReceipt(messageID string, readBy []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for cid, list := range s.messages {
		idx := indexByID(list, messageID)
		if idx < 0 {
			continue
		}

		list[idx].ReadBy = lo.Uniq(append(list[idx].ReadBy, readBy...))
		s.refreshSummaryLocked(cid)

		return
	}

	s.logger.Debug("read receipt for unknown message", slog.String("id", messageID))
}

// UpsertConversationSummary merges a normalized conversation summary:
// participant upgrades, name/avatar, last message, unread count.
func (s *Store) UpsertConversationSummary(c Conversation) {
	s.mu.Lock()

	if c.ID == "" {
		s.mu.Unlock()
		s.logger.Warn("dropping conversation without id")

		return
	}

	existing, ok := s.conversations[c.ID]
	if !ok {
		existing = &Conversation{ID: c.ID, Type: c.Type}
		s.conversations[c.ID] = existing
	}

	if c.Type != "" {
		existing.Type = c.Type
	}

	if c.Name != "" {
		existing.Name = c.Name
	}

	if c.Avatar != "" {
		existing.Avatar = c.Avatar
	}

	for _, p := range c.Participants {
		p = s.cacheParticipant(p)

		if _, i, found := lo.FindIndexOf(existing.Participants, func(e Participant) bool { return e.ID == p.ID }); found {
			existing.Participants[i] = p
		} else {
			existing.Participants = append(existing.Participants, p)
		}
	}

	if c.UnreadCount > 0 {
		existing.UnreadCount = c.UnreadCount
	}

	last := c.LastMessage
	s.mu.Unlock()

	// The summary's last message is folded into the message list so
	// history, reply targets, and ordering stay consistent.
	if last != nil {
		s.MergeMessage(c.ID, *last)
	}
}

// Conversation returns a copy of the conversation summary.
func (s *Store) Conversation(id string) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[id]
	if !ok {
		return Conversation{}, false
	}

	return *c, true
}

// Conversations returns summaries sorted by most recent activity first.
func (s *Store) Conversations() []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, *c)
	}

	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := lastActivity(out[i]), lastActivity(out[j])

		return ti.After(tj)
	})

	return out
}

// History returns a copy of the ordered message list for a conversation.
func (s *Store) History(conversationID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.messages[conversationID]
	out := make([]Message, len(list))
	copy(out, list)

	return out
}

// ConfirmDelivery replaces the optimistic message identified by localID
// with the server's canonical record. A late confirmation upgrades a
// failed send; confirmation never downgrades. Reports whether a pending
// or failed message was found.
func (s *Store) ConfirmDelivery(conversationID, localID string, server Message) bool {
	s.mu.Lock()

	list := s.messages[conversationID]

	idx := indexByLocalID(list, localID)
	if idx < 0 {
		s.mu.Unlock()
		// The canonical record may still be new information.
		s.MergeMessage(conversationID, server)

		return false
	}

	s.messages[conversationID] = append(list[:idx], list[idx+1:]...)
	s.mu.Unlock()

	server.LocalID = localID
	server.Delivery = DeliveryConfirmed
	s.MergeMessage(conversationID, server)

	return true
}

// FailDelivery marks the optimistic message identified by localID as
// failed, if it is still pending. Reports whether a transition happened.
func (s *Store) FailDelivery(conversationID, localID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.messages[conversationID]

	idx := indexByLocalID(list, localID)
	if idx < 0 || list[idx].Delivery != DeliveryPending {
		return false
	}

	list[idx].Delivery = DeliveryFailed
	s.refreshSummaryLocked(conversationID)

	return true
}

// refreshSummaryLocked rederives a conversation's lastMessage pointer
// and unread counter from its message list. Caller holds s.mu.
func (s *Store) refreshSummaryLocked(conversationID string) {
	list := s.messages[conversationID]

	c, ok := s.conversations[conversationID]
	if !ok {
		c = &Conversation{ID: conversationID, Type: ConversationGroup}
		s.conversations[conversationID] = c
	}

	if len(list) > 0 {
		last := list[len(list)-1]
		c.LastMessage = &last
	}

	c.UnreadCount = lo.CountBy(list, func(m Message) bool {
		return m.Sender.ID != s.currentUserID && !lo.Contains(m.ReadBy, s.currentUserID)
	})
}

// Reset drops all conversation state. Used on sign-out.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conversations = make(map[string]*Conversation)
	s.messages = make(map[string][]Message)
	s.participants = make(map[string]Participant)
}

func indexByID(list []Message, id string) int {
	if id == "" {
		return -1
	}

	for i := range list {
		if list[i].ID == id {
			return i
		}
	}

	return -1
}

func indexByLocalID(list []Message, localID string) int {
	if localID == "" {
		return -1
	}

	for i := range list {
		if list[i].LocalID == localID {
			return i
		}
	}

	return -1
}

// lastActivity is the sort key for the conversation list: the last
// message's timestamp, or the zero time for an empty conversation.
func lastActivity(c Conversation) time.Time {
	if c.LastMessage == nil {
		return time.Time{}
	}

	return c.LastMessage.CreatedAt
}
