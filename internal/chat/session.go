package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/tidwall/gjson"

	apperrors "github.com/nmelo/chat-sync/internal/errors"
)

// ackTimeout is how long an optimistic send may stay pending before it
// is surfaced as failed. A late acknowledgment still upgrades the
// message to confirmed.
const ackTimeout = 10 * time.Second

// Session owns one signed-in client's synchronization state: the
// normalizer, conversation store, presence tracker, pin registry, and
// the event channel. It is constructed at sign-in and torn down at
// sign-out; no state lives at package level.
type Session struct {
	logger     *slog.Logger
	user       Participant
	normalizer *Normalizer
	store      *Store
	tracker    *Tracker
	pins       *PinRegistry
	channel    *SyncClient
	api        *Client
	token      string

	mu sync.Mutex
	// active is the conversation room rejoined after reconnect.
	active string
	// pending holds the ack-timeout timer per in-flight send.
	pending map[string]*time.Timer
}

// SessionConfig holds the parameters for one client session.
type SessionConfig struct {
	Host     string
	Token    string
	Device   string
	Insecure bool

	// User is the signed-in user, from the persisted profile or the
	// signin response.
	User Participant

	// API is the request/response fallback client. Optional; history
	// and conversation-list loading fail without it.
	API *Client

	// OnStatus observes channel state transitions (e.g. to drive a
	// connection indicator). Optional.
	OnStatus func(Status)
}

// NewSession creates a session and its components. The channel is not
// dialed until Run.
func NewSession(cfg SessionConfig, logger *slog.Logger) *Session {
	s := &Session{
		logger:     logger,
		user:       cfg.User,
		normalizer: NewNormalizer(logger),
		store:      NewStore(cfg.User.ID, logger),
		tracker:    NewTracker(logger),
		pins:       NewPinRegistry(),
		api:        cfg.API,
		token:      cfg.Token,
		pending:    make(map[string]*time.Timer),
	}

	s.channel = NewSyncClient(SyncConfig{
		Host:     cfg.Host,
		Token:    cfg.Token,
		Device:   cfg.Device,
		Insecure: cfg.Insecure,
		Handler:  s,
		OnStatus: cfg.OnStatus,
	}, logger)

	return s
}

// Run connects the event channel and processes events until the context
// is cancelled, sign-out, or the reconnect budget is exhausted.
func (s *Session) Run(ctx context.Context) error {
	if err := s.channel.Connect(ctx); err != nil {
		return err
	}

	return s.channel.Listen(ctx)
}

// Status returns the event channel state.
func (s *Session) Status() Status {
	return s.channel.Status()
}

// HandleEvent routes one inbound wire event through the
// normalize-resolve-merge pipeline. Unknown events are ignored.
func (s *Session) HandleEvent(op string, data []byte) {
	v := gjson.ParseBytes(data)

	switch op {
	case "new_message":
		raw := firstField(v, "message", "data")
		if !raw.Exists() {
			raw = v
		}

		batch := []Message{s.normalizer.message(raw, s.user.ID)}
		ResolveBatch(batch)

		m := batch[0]
		s.store.MergeMessage(m.ConversationID, m)
		// A delivered message implies its sender stopped typing.
		s.tracker.StopTyping(m.ConversationID, m.Sender.ID)

	case "user_typing":
		conversationID := v.Get("conversationId").String()
		userID := v.Get("userId").String()

		if v.Get("isTyping").Bool() {
			s.tracker.StartTyping(conversationID, userID)
		} else {
			s.tracker.StopTyping(conversationID, userID)
		}

	case "message_read":
		readBy := lo.FilterMap(v.Get("readBy").Array(), func(r gjson.Result, _ int) (string, bool) {
			id := idOf(r)
			return id, id != ""
		})
		s.store.ApplyReadReceipt(v.Get("messageId").String(), readBy)

	case "conversation_updated":
		raw := firstField(v, "conversation", "data")
		if !raw.Exists() {
			raw = v
		}

		c := s.normalizer.Conversation([]byte(raw.Raw), s.user.ID)

		// A sibling lastMessage key outside the conversation object.
		if c.LastMessage == nil {
			if lm := v.Get("lastMessage"); lm.IsObject() {
				m := s.normalizer.message(lm, s.user.ID)
				c.LastMessage = &m
			}
		}

		s.store.UpsertConversationSummary(c)

	case "user:online":
		s.tracker.SetOnline(idOf(firstField(v, "userId", "user")))

	case "user:offline":
		s.tracker.SetOffline(idOf(firstField(v, "userId", "user")))

	case "online_users":
		ids := lo.FilterMap(v.Get("userIds").Array(), func(r gjson.Result, _ int) (string, bool) {
			id := idOf(r)
			return id, id != ""
		})
		s.tracker.ReplaceOnline(ids)

	case "message_ack":
		localID := v.Get("localId").String()

		raw := firstField(v, "message", "data")
		if !raw.Exists() {
			s.logger.Warn("ack without message payload", slog.String("local_id", localID))
			return
		}

		m := s.normalizer.message(raw, s.user.ID)
		s.confirmSend(localID, m)

	case "message_pinned":
		raw := firstField(v, "message", "data")
		if !raw.Exists() {
			return
		}

		m := s.normalizer.message(raw, s.user.ID)

		conversationID := v.Get("conversationId").String()
		if conversationID == "" {
			conversationID = m.ConversationID
		}

		if _, err := s.pins.Pin(conversationID, m); err != nil {
			s.logger.Warn("applying remote pin",
				slog.String("conversation", conversationID),
				slog.String("error", err.Error()),
			)
		}

	case "message_unpinned":
		s.pins.Unpin(v.Get("conversationId").String(), v.Get("messageId").String())

	default:
		s.logger.Debug("ignoring unknown event", slog.String("op", op))
	}
}

// ConnectionLost clears ephemeral state: typing indicators and the
// online set do not survive a connection loss. The online set is
// rebuilt by the post-reconnect resynchronization.
func (s *Session) ConnectionLost() {
	s.tracker.Reset()
}

// ResyncPayloads is the one-time resynchronization after (re)connect:
// request the current online-user set and rejoin the previously active
// conversation room, if any.
func (s *Session) ResyncPayloads() []any {
	payloads := []any{onlineUsersFrame{Op: "online_users"}}

	s.mu.Lock()
	active := s.active
	s.mu.Unlock()

	if active != "" {
		payloads = append(payloads, conversationFrame{Op: "join_conversation", ConversationID: active})
	}

	return payloads
}

// SendMessage optimistically appends a pending message and submits it
// on the event channel. Fails with ErrNotConnected when the channel is
// down; the local copy is then marked failed immediately.
func (s *Session) SendMessage(ctx context.Context, conversationID, content string, msgType MessageType, replyToID string) (Message, error) {
	if msgType == "" {
		msgType = MessageText
	}

	if s.channel.Status() != StatusConnected {
		return Message{}, apperrors.ErrNotConnected
	}

	now := time.Now()
	localID := uuid.NewString()

	m := Message{
		ID:             localID,
		LocalID:        localID,
		ConversationID: conversationID,
		Sender:         s.user,
		Content:        content,
		Type:           msgType,
		CreatedAt:      now,
		UpdatedAt:      now,
		ReadBy:         []string{s.user.ID},
		ReplyToID:      replyToID,
		Role:           RoleSelf,
		Delivery:       DeliveryPending,
	}

	// Resolve the reply preview from local history when possible; a miss
	// leaves the id-only stub.
	if replyToID != "" {
		if target, ok := lo.Find(s.store.History(conversationID), func(h Message) bool {
			return h.ID == replyToID
		}); ok {
			target.ReplyTo = nil
			m.ReplyTo = &target
		}
	}

	s.store.MergeMessage(conversationID, m)
	s.scheduleAckTimeout(conversationID, localID)

	frame := sendMessageFrame{
		Op:             "send_message",
		ConversationID: conversationID,
		LocalID:        localID,
		Message: outgoingMessage{
			Content: content,
			Type:    string(msgType),
			ReplyTo: replyToID,
		},
	}

	if err := s.channel.Send(ctx, frame); err != nil {
		s.cancelAckTimeout(localID)
		s.store.FailDelivery(conversationID, localID)

		return Message{}, err
	}

	return m, nil
}

// scheduleAckTimeout arms the per-send timer that fails a message never
// acknowledged by the server.
func (s *Session) scheduleAckTimeout(conversationID, localID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending[localID] = time.AfterFunc(ackTimeout, func() {
		s.mu.Lock()
		delete(s.pending, localID)
		s.mu.Unlock()

		if s.store.FailDelivery(conversationID, localID) {
			s.logger.Warn("send not acknowledged",
				slog.String("conversation", conversationID),
				slog.String("local_id", localID),
			)
		}
	})
}

// cancelAckTimeout invalidates the pending timer for a send, if any.
func (s *Session) cancelAckTimeout(localID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, ok := s.pending[localID]; ok {
		timer.Stop()
		delete(s.pending, localID)
	}
}

// confirmSend replaces the optimistic copy with the server's canonical
// record.
func (s *Session) confirmSend(localID string, m Message) {
	s.cancelAckTimeout(localID)
	s.store.ConfirmDelivery(m.ConversationID, localID, m)
}

// JoinConversation enters a conversation room. The joined room becomes
// the one rejoined after reconnect.
func (s *Session) JoinConversation(ctx context.Context, conversationID string) error {
	if err := s.channel.Send(ctx, conversationFrame{Op: "join_conversation", ConversationID: conversationID}); err != nil {
		return err
	}

	s.mu.Lock()
	s.active = conversationID
	s.mu.Unlock()

	return nil
}

// LeaveConversation exits a conversation room.
func (s *Session) LeaveConversation(ctx context.Context, conversationID string) error {
	if err := s.channel.Send(ctx, conversationFrame{Op: "leave_conversation", ConversationID: conversationID}); err != nil {
		return err
	}

	s.mu.Lock()
	if s.active == conversationID {
		s.active = ""
	}
	s.mu.Unlock()

	return nil
}

// SetTyping informs the server and sets the local typist's indicator
// directly; the server does not echo typing signals back to their
// origin.
func (s *Session) SetTyping(ctx context.Context, conversationID string, typing bool) error {
	op := "typing_stop"
	if typing {
		op = "typing_start"
	}

	if err := s.channel.Send(ctx, conversationFrame{Op: op, ConversationID: conversationID}); err != nil {
		return err
	}

	if typing {
		s.tracker.StartTyping(conversationID, s.user.ID)
	} else {
		s.tracker.StopTyping(conversationID, s.user.ID)
	}

	return nil
}

// MarkAsRead marks the conversation read locally and informs the
// server, referencing the newest message.
func (s *Session) MarkAsRead(ctx context.Context, conversationID string) error {
	if s.channel.Status() != StatusConnected {
		return apperrors.ErrNotConnected
	}

	history := s.store.History(conversationID)
	if len(history) == 0 {
		return apperrors.ErrConversationNotFound
	}

	s.store.MarkRead(conversationID, s.user.ID)

	return s.channel.Send(ctx, markReadFrame{
		Op:             "mark_as_read",
		ConversationID: conversationID,
		MessageID:      history[len(history)-1].ID,
	})
}

// LoadHistory fetches a page of message history over the fallback
// channel, normalizes and resolves it, and merges it into the store.
func (s *Session) LoadHistory(ctx context.Context, conversationID string, before time.Time, limit int) ([]Message, error) {
	if s.api == nil {
		return nil, apperrors.ErrNotConnected
	}

	raws, err := s.api.Messages(ctx, s.token, conversationID, before, limit)
	if err != nil {
		return nil, err
	}

	batch := lo.Map(raws, func(raw json.RawMessage, _ int) Message {
		return s.normalizer.Message(raw, s.user.ID)
	})

	ResolveBatch(batch)

	for _, m := range batch {
		s.store.MergeMessage(conversationID, m)
	}

	return batch, nil
}

// LoadConversations fetches conversation summaries over the fallback
// channel and merges them into the store.
func (s *Session) LoadConversations(ctx context.Context) ([]Conversation, error) {
	if s.api == nil {
		return nil, apperrors.ErrNotConnected
	}

	raws, err := s.api.Conversations(ctx, s.token)
	if err != nil {
		return nil, err
	}

	for _, raw := range raws {
		s.store.UpsertConversationSummary(s.normalizer.Conversation(raw, s.user.ID))
	}

	return s.store.Conversations(), nil
}

// Conversations returns the local conversation list, most recent
// activity first.
func (s *Session) Conversations() []Conversation {
	return s.store.Conversations()
}

// History returns the local ordered message list for a conversation.
func (s *Session) History(conversationID string) []Message {
	return s.store.History(conversationID)
}

// Typing returns the active typing indicators for a conversation.
func (s *Session) Typing(conversationID string) []TypingIndicator {
	return s.tracker.ListTyping(conversationID)
}

// IsOnline is the read-only projection combining the participant cache
// and the presence tracker; it mutates neither.
func (s *Session) IsOnline(userID string) bool {
	return s.tracker.IsOnline(userID)
}

// Pin pins a message locally.
func (s *Session) Pin(conversationID string, m Message) (PinnedEntry, error) {
	return s.pins.Pin(conversationID, m)
}

// Unpin removes a pinned message locally.
func (s *Session) Unpin(conversationID, messageID string) {
	s.pins.Unpin(conversationID, messageID)
}

// ReorderPin moves a pinned message to a new position.
func (s *Session) ReorderPin(conversationID, messageID string, newOrder int) error {
	return s.pins.Reorder(conversationID, messageID, newOrder)
}

// PinnedMessages returns the conversation's pinned entries in order.
func (s *Session) PinnedMessages(conversationID string) []PinnedEntry {
	return s.pins.List(conversationID)
}

// SetUser swaps the session user (a reconnect may authenticate a
// different account) and recomputes every derived role projection.
func (s *Session) SetUser(user Participant) {
	s.user = user
	s.store.SetCurrentUser(user.ID)
}

// SignOut tears the session down: the channel closes terminally and all
// local state is cleared.
func (s *Session) SignOut() error {
	err := s.channel.SignOut()

	s.mu.Lock()
	for id, timer := range s.pending {
		timer.Stop()
		delete(s.pending, id)
	}
	s.active = ""
	s.mu.Unlock()

	s.store.Reset()
	s.tracker.Reset()
	s.pins.Reset()

	return err
}
