package errors

import "errors"

// Session/channel errors.
var (
	ErrNotConnected     = errors.New("event channel not connected")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
)

// Validation/capacity errors.
var (
	ErrPinLimitReached      = errors.New("pin limit reached")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
)
