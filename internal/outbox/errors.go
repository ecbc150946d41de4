package outbox

import "errors"

var (
	// ErrValidation is returned for content rejected before any network call.
	ErrValidation = errors.New("validation error")
	// ErrSendFailed wraps the cause of a rejected or timed out send.
	ErrSendFailed = errors.New("send failed")
	// ErrConfirmTimeout is the cause recorded when a transport send is never
	// echoed back.
	ErrConfirmTimeout = errors.New("no confirmation from server")
)
