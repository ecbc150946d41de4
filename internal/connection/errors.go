package connection

import "errors"

var (
	// ErrNoToken is returned by Connect when no bearer token is available. No
	// connection attempt is made.
	ErrNoToken = errors.New("no auth token")
	// ErrTransport is the terminal failure surfaced after reconnect attempts
	// are exhausted.
	ErrTransport = errors.New("transport error")
)
