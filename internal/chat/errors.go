package chat

import "errors"

// Failure taxonomy of a send attempt. QuotaExceeded is user-actionable,
// the others are recovered inside the session.
var (
	ErrQuotaExceeded = errors.New("chat: free message quota exceeded")
	ErrPersistence   = errors.New("chat: persistence failure")
	ErrResponder     = errors.New("chat: responder failure")
	ErrChannel       = errors.New("chat: realtime channel failure")
)

var (
	ErrSessionClosed = errors.New("chat: session closed")
	ErrNotEntitled   = errors.New("chat: principal cannot chat")
	ErrNoStagedMedia = errors.New("chat: no media staged")
	ErrInvalidMedia  = errors.New("chat: invalid media")
	ErrNothingToSend = errors.New("chat: nothing to send")
)
