package chat

import "encoding/json"

// Outbound frames. Inbound events are heterogeneous and go through the
// Normalizer instead of typed decoding; only the handshake response is
// shape-stable enough for a struct.

// initFrame is sent as the first message after the channel connects.
// The bearer token is attached here, at establishment time only; a
// refreshed token requires a full reconnect.
type initFrame struct {
	Op     string `json:"op"`
	Token  string `json:"token"`
	Device string `json:"device"`
}

// initResponse is the server reply to an init frame.
type initResponse struct {
	Res    string `json:"res"`
	Msg    string `json:"msg"`
	UserID string `json:"userId"`
}

// pingFrame keeps the channel alive during idle periods.
type pingFrame struct {
	Op string `json:"op"`
}

// outgoingMessage is the message body of a send_message frame.
type outgoingMessage struct {
	Content string `json:"content"`
	Type    string `json:"type"`
	ReplyTo string `json:"replyTo,omitempty"`
}

// sendMessageFrame submits a new message. LocalID correlates the
// eventual acknowledgment with the optimistic local copy.
type sendMessageFrame struct {
	Op             string          `json:"op"`
	ConversationID string          `json:"conversationId"`
	LocalID        string          `json:"localId"`
	Message        outgoingMessage `json:"message"`
}

// conversationFrame covers the operations carrying only a conversation
// id: join_conversation, leave_conversation, typing_start, typing_stop.
type conversationFrame struct {
	Op             string `json:"op"`
	ConversationID string `json:"conversationId"`
}

// markReadFrame informs the server the user has read up to a message.
type markReadFrame struct {
	Op             string `json:"op"`
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

// onlineUsersFrame requests the current online-user set, part of the
// post-reconnect resynchronization.
type onlineUsersFrame struct {
	Op string `json:"op"`
}

// REST fallback shapes. Entity payloads stay raw JSON here and pass
// through the Wire Normalizer like everything else.

// SigninRequest is the payload for POST /auth/signin.
type SigninRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SigninResponse is returned from POST /auth/signin. User is raw
// because the service is not consistent about its shape.
type SigninResponse struct {
	Token string          `json:"token"`
	User  json.RawMessage `json:"user"`
}

// messagesRequest is the payload for POST /messages/history.
type messagesRequest struct {
	ConversationID string `json:"conversationId"`
	Before         string `json:"before,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

// messagesResponse is returned from POST /messages/history.
type messagesResponse struct {
	Messages []json.RawMessage `json:"messages"`
}

// conversationsResponse is returned from POST /conversations/list.
type conversationsResponse struct {
	Conversations []json.RawMessage `json:"conversations"`
}

// APIError represents an error response from the REST API.
type APIError struct {
	Error string `json:"error"`
	Msg   string `json:"msg"`
}
