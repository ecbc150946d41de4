package engine

import "errors"

var (
	// ErrStopped is returned by calls made after Close.
	ErrStopped = errors.New("engine stopped")
	// ErrBusy is returned when the engine mailbox is full.
	ErrBusy = errors.New("engine busy")
	// ErrNotConnected fails transport-mode sends while the transport is down.
	ErrNotConnected = errors.New("not connected")
	// ErrUnknownSelf is returned by Connect when the token carries no user id
	// and none is configured.
	ErrUnknownSelf = errors.New("cannot determine user id")
)
