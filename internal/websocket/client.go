// Package websocket is the Socket.IO push transport of the conversation
// engine.
//
// The client only opens sockets and forwards what it sees. Reconnecting is
// the engine's job, so the library's own reconnection is turned off and every
// drop is reported to the Listener exactly as it happened.
package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dealistaan/chatsync/pkg/logger"
	"github.com/google/uuid"
	socket "github.com/zishang520/socket.io/clients/socket/v3"
	"github.com/zishang520/socket.io/v3/pkg/types"
)

var (
	// ErrClosed is returned when emitting on a socket that was closed.
	ErrClosed = errors.New("socket closed")
	// ErrNotConnected is returned when emitting before the handshake finished
	// or after the socket dropped.
	ErrNotConnected = errors.New("socket not connected")
	// ErrDisconnected wraps the reason of an unexpected disconnect.
	ErrDisconnected = errors.New("socket disconnected")
	// ErrConnect wraps handshake failures such as a rejected token.
	ErrConnect = errors.New("socket connect error")
)

// Listener receives socket callbacks. Calls arrive on the socket library's
// goroutines and must not block.
type Listener interface {
	OnConnect()
	OnDisconnect(err error)
	OnEvent(name string, payload json.RawMessage)
}

// Conn is an open socket.
type Conn interface {
	Emit(event string, payload any) error
	Close() error
}

// Config describes the server endpoint.
type Config struct {
	// URL is the server origin, e.g. http://localhost:5000.
	URL string
	// Path overrides the Socket.IO path. Empty keeps the library default.
	Path string
	// Debug logs every inbound and outbound event.
	Debug bool
}

// Client dials Socket.IO connections that subscribe to a fixed event set.
type Client struct {
	cfg    Config
	events []string
}

// NewClient returns a client forwarding the given inbound event names.
func NewClient(cfg Config, events []string) *Client {
	return &Client{cfg: cfg, events: append([]string(nil), events...)}
}

// Dial starts a connection authenticated with token and returns immediately;
// the handshake outcome is reported to l.
func (c *Client) Dial(token string, l Listener) (Conn, error) {
	if c.cfg.URL == "" {
		return nil, fmt.Errorf("%w: missing server url", ErrConnect)
	}

	opts := socket.DefaultOptions()
	if c.cfg.Path != "" {
		opts.SetPath(c.cfg.Path)
	}
	opts.SetTransports(types.NewSet(socket.WebSocket, socket.Polling))
	opts.SetReconnection(false)

	instance := uuid.NewString()
	opts.SetAuth(authPayload(token, instance))

	logger.Debugf("websocket: dialing %s (instance %s)", c.cfg.URL, instance)
	sock, err := socket.Connect(c.cfg.URL, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}

	s := &session{sock: sock, instance: instance, debug: c.cfg.Debug}
	s.bind(l, c.events)
	return s, nil
}

func authPayload(token, instance string) map[string]any {
	return map[string]any{
		"token":      token,
		"instanceId": instance,
	}
}

// session is one socket plus the listener it reports to.
type session struct {
	mu       sync.Mutex
	sock     *socket.Socket
	instance string
	debug    bool
	closed   bool
}

func (s *session) bind(l Listener, events []string) {
	s.sock.On(types.EventName("connect"), func(args ...any) {
		if s.isClosed() {
			return
		}
		logger.Infof("websocket: connected (instance %s)", s.instance)
		l.OnConnect()
	})

	s.sock.On(types.EventName("disconnect"), func(args ...any) {
		if s.isClosed() {
			return
		}
		err := disconnectError(args)
		logger.Warnf("websocket: %v", err)
		l.OnDisconnect(err)
	})

	s.sock.On(types.EventName("connect_error"), func(args ...any) {
		if s.isClosed() {
			return
		}
		err := connectError(args)
		logger.Warnf("websocket: %v", err)
		l.OnDisconnect(err)
	})

	for _, name := range events {
		name := name
		s.sock.On(types.EventName(name), func(args ...any) {
			if s.isClosed() {
				return
			}
			payload := encodeArgs(args)
			if s.debug {
				logger.Debugf("websocket: <- %s %s", name, string(payload))
			}
			l.OnEvent(name, payload)
		})
	}
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Emit sends event with payload. Payloads are sent as JSON objects.
func (s *session) Emit(event string, payload any) error {
	data, err := toArg(payload)
	if err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}

	s.mu.Lock()
	sock := s.sock
	closed := s.closed
	s.mu.Unlock()

	if closed || sock == nil {
		return ErrClosed
	}
	if !sock.Connected() {
		return ErrNotConnected
	}
	if s.debug {
		logger.Debugf("websocket: -> %s", event)
	}
	sock.Emit(event, data)
	return nil
}

// Close disconnects the socket. Callbacks stop before Close returns.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sock := s.sock
	s.mu.Unlock()

	if sock != nil {
		sock.Disconnect()
	}
	return nil
}

// encodeArgs returns the first event argument as JSON. Events without
// arguments, or with one that cannot be encoded, yield nil.
func encodeArgs(args []any) json.RawMessage {
	if len(args) == 0 || args[0] == nil {
		return nil
	}
	if raw, ok := args[0].(json.RawMessage); ok {
		return raw
	}
	b, err := json.Marshal(args[0])
	if err != nil {
		logger.Warnf("websocket: cannot encode payload: %v", err)
		return nil
	}
	return b
}

// toArg converts payload into the generic map shape the socket encoder
// handles.
func toArg(payload any) (any, error) {
	switch p := payload.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return p, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func disconnectError(args []any) error {
	reason := "unknown reason"
	if len(args) > 0 {
		if r, ok := args[0].(string); ok && r != "" {
			reason = r
		}
	}
	return fmt.Errorf("%w: %s", ErrDisconnected, reason)
}

func connectError(args []any) error {
	if len(args) == 0 || args[0] == nil {
		return ErrConnect
	}
	if err, ok := args[0].(error); ok {
		return fmt.Errorf("%w: %w", ErrConnect, err)
	}
	return fmt.Errorf("%w: %v", ErrConnect, args[0])
}
