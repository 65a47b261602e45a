package chat

import (
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/tidwall/gjson"
)

// payloadShape classifies a raw wire value before any field extraction.
// Every consumer switches on the shape instead of re-guessing; the
// service emits the same logical entity as a populated object, a bare
// 24-hex identifier, or a stringified internal document.
type payloadShape int

const (
	shapeUnknown payloadShape = iota
	shapePopulated
	shapeBareID
	shapeDocumentText
)

var (
	bareIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{24}$`)

	// Field extractors for the stringified-document shape, e.g.
	// "{ _id: new ObjectId('507f...'), name: 'Alice', email: 'a@x.com' }".
	docIDPattern     = regexp.MustCompile(`_id:\s*new ObjectId\('([0-9a-fA-F]{24})'\)`)
	docNamePattern   = regexp.MustCompile(`name:\s*'([^']*)'`)
	docEmailPattern  = regexp.MustCompile(`email:\s*'([^']*)'`)
	docAvatarPattern = regexp.MustCompile(`avatar:\s*'([^']*)'`)
)

// classifyValue assigns a raw value one of the wire shapes. Detection
// order: object first, then bare hex id, then document text.
func classifyValue(v gjson.Result) payloadShape {
	switch {
	case v.IsObject():
		return shapePopulated
	case v.Type == gjson.String && bareIDPattern.MatchString(v.Str):
		return shapeBareID
	case v.Type == gjson.String && strings.Contains(v.Str, "_id"):
		return shapeDocumentText
	default:
		return shapeUnknown
	}
}

// docFields holds whatever could be extracted from a stringified
// document.
type docFields struct {
	ID     string
	Name   string
	Email  string
	Avatar string
}

// parseDocumentText pattern-matches known fields out of a stringified
// document. Returns false when not even an id could be extracted.
func parseDocumentText(s string) (docFields, bool) {
	var f docFields

	if m := docIDPattern.FindStringSubmatch(s); m != nil {
		f.ID = m[1]
	}

	if m := docNamePattern.FindStringSubmatch(s); m != nil {
		f.Name = m[1]
	}

	if m := docEmailPattern.FindStringSubmatch(s); m != nil {
		f.Email = m[1]
	}

	if m := docAvatarPattern.FindStringSubmatch(s); m != nil {
		f.Avatar = m[1]
	}

	return f, f.ID != ""
}

// firstField returns the first of the given keys that exists on v.
func firstField(v gjson.Result, keys ...string) gjson.Result {
	for _, key := range keys {
		if r := v.Get(key); r.Exists() {
			return r
		}
	}

	return gjson.Result{}
}

// parseWireTime decodes the two timestamp encodings the service emits:
// RFC 3339 strings and unix-millisecond numbers.
func parseWireTime(v gjson.Result) time.Time {
	switch v.Type {
	case gjson.String:
		if t, err := time.Parse(time.RFC3339Nano, v.Str); err == nil {
			return t
		}

		return time.Time{}
	case gjson.Number:
		ms := v.Int()
		if ms <= 0 {
			return time.Time{}
		}

		return time.UnixMilli(ms).UTC()
	default:
		return time.Time{}
	}
}

// idOf extracts an entity id from a value that may be an object, a bare
// id, or document text.
func idOf(v gjson.Result) string {
	switch classifyValue(v) {
	case shapePopulated:
		return firstField(v, "_id", "id").String()
	case shapeBareID:
		return v.Str
	case shapeDocumentText:
		if f, ok := parseDocumentText(v.Str); ok {
			return f.ID
		}

		return ""
	default:
		if v.Type == gjson.String {
			return v.Str
		}

		return ""
	}
}

// Normalizer converts arbitrary incoming payload shapes into canonical
// records. It holds no state beyond a logger; malformed input degrades
// to placeholders and a diagnostic, never an error.
type Normalizer struct {
	logger *slog.Logger
}

// NewNormalizer creates a Normalizer logging diagnostics to logger.
func NewNormalizer(logger *slog.Logger) *Normalizer {
	return &Normalizer{logger: logger}
}

// Participant normalizes one participant/sender value of any shape.
func (n *Normalizer) Participant(v gjson.Result) Participant {
	switch classifyValue(v) {
	case shapePopulated:
		id := firstField(v, "_id", "id").String()
		if id == "" {
			n.logger.Warn("participant object without id", slog.String("raw", v.Raw))
			return placeholderParticipant("unknown")
		}

		p := Participant{
			ID:        id,
			Name:      firstField(v, "name", "username").String(),
			AvatarURL: firstField(v, "avatar", "avatarUrl").String(),
			Email:     v.Get("email").String(),
		}
		if p.Name == "" {
			p.Name = placeholderName(id)
		}

		return p

	case shapeBareID:
		return placeholderParticipant(v.Str)

	case shapeDocumentText:
		f, ok := parseDocumentText(v.Str)
		if !ok {
			n.logger.Warn("document text without extractable id", slog.String("raw", v.Str))
			return placeholderParticipant("unknown")
		}

		p := Participant{
			ID:        f.ID,
			Name:      f.Name,
			AvatarURL: f.Avatar,
			Email:     f.Email,
		}
		if p.Name == "" {
			p.Name = placeholderName(f.ID)
		}

		return p

	default:
		n.logger.Warn("unrecognized participant shape", slog.String("raw", v.Raw))
		return placeholderParticipant("unknown")
	}
}

// Participants normalizes an array value into a participant list,
// deduplicated by id with the first occurrence's position kept.
func (n *Normalizer) Participants(v gjson.Result) []Participant {
	var out []Participant
	for _, item := range v.Array() {
		out = append(out, n.Participant(item))
	}

	return lo.UniqBy(out, func(p Participant) string { return p.ID })
}

// ParticipantsJSON is Participants over raw JSON bytes.
func (n *Normalizer) ParticipantsJSON(raw []byte) []Participant {
	return n.Participants(gjson.ParseBytes(raw))
}

// normalizeMessageType maps a wire type string to a canonical
// MessageType, defaulting to text.
func normalizeMessageType(s string) MessageType {
	switch MessageType(s) {
	case MessageImage, MessageFile, MessageAudio, MessageSystem:
		return MessageType(s)
	default:
		return MessageText
	}
}

// Message normalizes a raw message payload. currentUserID drives the
// role projection and may be empty.
func (n *Normalizer) Message(raw []byte, currentUserID string) Message {
	return n.message(gjson.ParseBytes(raw), currentUserID)
}

func (n *Normalizer) message(v gjson.Result, currentUserID string) Message {
	m := Message{
		ID:             idOf(firstField(v, "_id", "id", "messageId")),
		ConversationID: idOf(firstField(v, "conversationId", "conversation", "chatId")),
		Content:        firstField(v, "content", "text", "body").String(),
		Type:           normalizeMessageType(firstField(v, "type", "messageType").String()),
		CreatedAt:      parseWireTime(firstField(v, "createdAt", "timestamp", "created_at")),
		IsEdited:       firstField(v, "isEdited", "edited").Bool(),
		IsDeleted:      firstField(v, "isDeleted", "deleted").Bool(),
	}

	sender := firstField(v, "sender", "senderId", "user", "from")
	if sender.Exists() {
		m.Sender = n.Participant(sender)
	} else {
		n.logger.Warn("message without sender", slog.String("id", m.ID))
		m.Sender = placeholderParticipant("unknown")
	}

	if updated := parseWireTime(firstField(v, "updatedAt", "updated_at")); !updated.IsZero() {
		m.UpdatedAt = updated
	} else {
		m.UpdatedAt = m.CreatedAt
	}

	for _, r := range v.Get("readBy").Array() {
		if id := idOf(r); id != "" {
			m.ReadBy = append(m.ReadBy, id)
		}
	}

	m.ReadBy = lo.Uniq(m.ReadBy)

	n.normalizeReply(&m, v, currentUserID)
	m.RecomputeRole(currentUserID)

	return m
}

// normalizeReply fills the reply fields. An expanded sibling key is
// preferred over re-resolving by id; a populated object recurses; a
// bare id or document text is retained as an unresolved reference for
// the resolver.
func (n *Normalizer) normalizeReply(m *Message, v gjson.Result, currentUserID string) {
	if expanded := firstField(v, "replyToMessage", "repliedMessage"); expanded.IsObject() {
		reply := n.message(expanded, currentUserID)
		m.ReplyTo = &reply
		m.ReplyToID = reply.ID

		return
	}

	rt := v.Get("replyTo")
	if !rt.Exists() {
		return
	}

	switch classifyValue(rt) {
	case shapePopulated:
		reply := n.message(rt, currentUserID)
		m.ReplyTo = &reply
		m.ReplyToID = reply.ID
	case shapeBareID:
		m.ReplyToID = rt.Str
	case shapeDocumentText:
		if f, ok := parseDocumentText(rt.Str); ok {
			m.ReplyToID = f.ID
		} else {
			n.logger.Warn("reply document text without id", slog.String("message", m.ID))
		}
	default:
		if rt.Type == gjson.String && rt.Str != "" {
			m.ReplyToID = rt.Str
		}
	}
}

// Conversation normalizes a raw conversation payload. For private
// conversations the current user is injected as the missing endpoint
// when the wire only reveals one side.
func (n *Normalizer) Conversation(raw []byte, currentUserID string) Conversation {
	v := gjson.ParseBytes(raw)

	c := Conversation{
		ID:     idOf(firstField(v, "_id", "id")),
		Name:   firstField(v, "name", "title").String(),
		Avatar: firstField(v, "avatar", "avatarUrl").String(),
	}

	switch firstField(v, "type", "conversationType").String() {
	case "private", "direct", "dm":
		c.Type = ConversationPrivate
	case "group":
		c.Type = ConversationGroup
	default:
		// Unspecified: two known endpoints reads as private.
		if parts := v.Get("participants"); parts.Exists() && len(parts.Array()) == 2 {
			c.Type = ConversationPrivate
		} else {
			c.Type = ConversationGroup
		}
	}

	c.Participants = n.Participants(v.Get("participants"))

	if last := firstField(v, "lastMessage", "last_message"); last.IsObject() {
		m := n.message(last, currentUserID)
		c.LastMessage = &m
	}

	c.UnreadCount = int(firstField(v, "unreadCount", "unread").Int())
	if c.UnreadCount < 0 {
		c.UnreadCount = 0
	}

	if c.Type == ConversationPrivate {
		n.completePrivateParticipants(&c, currentUserID)
	}

	return c
}

// completePrivateParticipants enforces the private-conversation
// invariant: both endpoints present. Precedence for discovering the
// other endpoint is deterministic: the explicit participant list, then
// the last message's sender, then the current user as the final
// missing side.
func (n *Normalizer) completePrivateParticipants(c *Conversation, currentUserID string) {
	if len(c.Participants) >= 2 {
		return
	}

	if c.LastMessage != nil && c.LastMessage.Sender.ID != "" {
		if _, ok := c.Participant(c.LastMessage.Sender.ID); !ok {
			c.Participants = append(c.Participants, c.LastMessage.Sender)
		}
	}

	if len(c.Participants) >= 2 || currentUserID == "" {
		return
	}

	if _, ok := c.Participant(currentUserID); !ok {
		c.Participants = append(c.Participants, placeholderParticipant(currentUserID))
	}
}
