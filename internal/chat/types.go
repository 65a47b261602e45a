// Package chat is the real-time synchronization core: it normalizes the
// service's heterogeneous wire payloads into canonical records, keeps
// per-conversation message state ordered and deduplicated, tracks
// presence and typing indicators, and manages the persistent event
// channel with its REST fallback.
package chat

import (
	"time"

	"github.com/samber/lo"
)

// MessageType classifies message content.
type MessageType string

// Message content types.
const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageFile   MessageType = "file"
	MessageAudio  MessageType = "audio"
	MessageSystem MessageType = "system"
)

// Role is a local projection of who sent a message relative to the
// current session user. It is derived, never wire state.
type Role string

// Message roles.
const (
	RoleSelf  Role = "self"
	RoleOther Role = "other"
)

// DeliveryState tracks an optimistic outbound message through its
// lifecycle. Inbound server messages are confirmed by construction.
type DeliveryState int

// Delivery states.
const (
	DeliveryConfirmed DeliveryState = iota
	DeliveryPending
	DeliveryFailed
)

// Participant is a best-effort projection of a user. Fields default to
// placeholder values when the wire payload under-specifies them and are
// upgraded in place when a richer payload for the same id arrives.
type Participant struct {
	ID        string
	Name      string
	AvatarURL string
	Email     string
}

// placeholderName derives the default display name for an
// under-specified participant: the first 8 characters of the id.
func placeholderName(id string) string {
	if len(id) > 8 {
		return id[:8]
	}

	return id
}

// placeholderParticipant builds the minimal participant record for a
// bare id.
func placeholderParticipant(id string) Participant {
	return Participant{ID: id, Name: placeholderName(id)}
}

// isPlaceholderName reports whether name carries no information beyond
// the id itself.
func isPlaceholderName(id, name string) bool {
	return name == "" || name == placeholderName(id)
}

// upgradeParticipant merges src into dst field-wise. Last write wins,
// except that a known value is never downgraded to a placeholder.
func upgradeParticipant(dst, src Participant) Participant {
	if dst.ID == "" {
		dst.ID = src.ID
	}

	if !isPlaceholderName(src.ID, src.Name) || isPlaceholderName(dst.ID, dst.Name) {
		if src.Name != "" {
			dst.Name = src.Name
		}
	}

	if src.AvatarURL != "" {
		dst.AvatarURL = src.AvatarURL
	}

	if src.Email != "" {
		dst.Email = src.Email
	}

	if dst.Name == "" {
		dst.Name = placeholderName(dst.ID)
	}

	return dst
}

// Message is the canonical, shape-stable message record all components
// consume after normalization.
type Message struct {
	ID             string
	ConversationID string
	Sender         Participant
	Content        string
	Type           MessageType
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ReadBy         []string
	IsEdited       bool
	IsDeleted      bool

	// ReplyTo is the resolved reply target; ReplyToID is retained when
	// the target was not present in the processed batch. ReplyToID set
	// with ReplyTo nil is the unresolved-reference stub consumers must
	// tolerate.
	ReplyTo   *Message
	ReplyToID string

	// Role is derived from Sender.ID vs the session user and must be
	// recomputed whenever the session user changes.
	Role Role

	// LocalID identifies an optimistic outbound message until the
	// server acknowledges it with a canonical id.
	LocalID  string
	Delivery DeliveryState
}

// RecomputeRole rederives the Role projection against a (possibly new)
// session user id.
func (m *Message) RecomputeRole(currentUserID string) {
	if currentUserID != "" && m.Sender.ID == currentUserID {
		m.Role = RoleSelf
	} else {
		m.Role = RoleOther
	}
}

// ReadByUser reports whether the given user id is in the read set.
func (m *Message) ReadByUser(userID string) bool {
	return lo.Contains(m.ReadBy, userID)
}

// HasUnresolvedReply reports whether the message carries an id-only
// reply stub.
func (m *Message) HasUnresolvedReply() bool {
	return m.ReplyToID != "" && m.ReplyTo == nil
}

// ConversationType distinguishes the two conversation kinds.
type ConversationType string

// Conversation types.
const (
	ConversationPrivate ConversationType = "private"
	ConversationGroup   ConversationType = "group"
)

// Conversation is the canonical conversation summary.
type Conversation struct {
	ID   string
	Type ConversationType

	// Name and Avatar are meaningful for group conversations only.
	Name   string
	Avatar string

	// Participants is an ordered set, deduplicated by id. For private
	// conversations it always contains exactly the two endpoints.
	Participants []Participant

	LastMessage *Message
	UnreadCount int
}

// Participant returns the participant with the given id, if present.
func (c *Conversation) Participant(userID string) (Participant, bool) {
	return lo.Find(c.Participants, func(p Participant) bool {
		return p.ID == userID
	})
}

// TypingIndicator records that a user is typing in a conversation. It
// self-expires 3 seconds after its last refresh unless stopped first.
type TypingIndicator struct {
	UserID         string
	ConversationID string
	StartedAt      time.Time
}

// PinnedEntry is a message pinned in a conversation. Order values form
// a contiguous 0-based sequence within the conversation.
type PinnedEntry struct {
	ID       string
	Message  Message
	Order    int
	PinnedAt time.Time
}
