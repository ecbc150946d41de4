// Package connection owns the transport lifecycle: connect, authenticate,
// reconnect with backoff and disconnect.
//
// Manager is a pure state machine. It never touches the network; every
// transition returns a Plan describing what the caller (the engine runtime)
// must do. Each transport open carries a generation number so callbacks from
// an abandoned socket are recognised and ignored.
package connection

import (
	"fmt"
	"time"

	"github.com/dealistaan/chatsync/pkg/types"
)

// Config controls reconnect behaviour.
type Config struct {
	Backoff Backoff
	// MaxAttempts bounds consecutive failed reconnects before the manager gives
	// up. Zero means the default of 10.
	MaxAttempts int
}

// DefaultConfig returns the default reconnect policy.
func DefaultConfig() Config {
	return Config{Backoff: DefaultBackoff(), MaxAttempts: 10}
}

// Plan is the set of side effects a transition requires.
type Plan struct {
	// Open asks the caller to open the transport for generation Gen.
	Open bool
	// Close asks the caller to close the transport of generation CloseGen.
	Close    bool
	CloseGen uint64
	// Retry asks the caller to schedule a reconnect after RetryIn.
	Retry   bool
	RetryIn time.Duration
	// CancelRetry asks the caller to cancel a scheduled reconnect.
	CancelRetry bool
	// Gen is the generation the caller must stamp on the opened transport.
	Gen uint64
	// Token is the bearer token to present in the handshake.
	Token string
	// Attempt is the 1-based reconnect attempt a Retry belongs to.
	Attempt int
	// Terminal is set when reconnect attempts are exhausted. It wraps
	// ErrTransport.
	Terminal error
	// Changed reports whether the connection state changed.
	Changed bool
}

// Manager tracks the connection state.
type Manager struct {
	cfg     Config
	state   types.ConnectionState
	gen     uint64
	attempt int
	token   string
	lastErr error
}

// New returns a manager in the Disconnected state.
func New(cfg Config) *Manager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	return &Manager{cfg: cfg, state: types.StateDisconnected}
}

// State returns the current connection state.
func (m *Manager) State() types.ConnectionState { return m.state }

// Generation returns the generation of the current transport.
func (m *Manager) Generation() uint64 { return m.gen }

// Attempt returns the number of consecutive failed reconnects.
func (m *Manager) Attempt() int { return m.attempt }

// LastError returns the most recent transport error.
func (m *Manager) LastError() error { return m.lastErr }

// Connect starts a connection with token. An empty token fails with
// ErrNoToken and changes nothing. Connecting while a connection is open or
// being opened with the same token is a no-op; a new token replaces the
// current transport.
func (m *Manager) Connect(token string) (Plan, error) {
	if token == "" {
		return Plan{}, ErrNoToken
	}
	if m.state != types.StateDisconnected && token == m.token {
		return Plan{}, nil
	}

	var p Plan
	if m.state != types.StateDisconnected {
		p.Close = true
		p.CloseGen = m.gen
		p.CancelRetry = true
	}
	m.token = token
	m.attempt = 0
	m.lastErr = nil
	m.gen++
	p.Open = true
	p.Gen = m.gen
	p.Token = token
	p.Changed = m.set(types.StateConnecting)
	return p, nil
}

// Disconnect closes the transport and cancels any scheduled reconnect. It is
// idempotent and always ends in Disconnected.
func (m *Manager) Disconnect() Plan {
	if m.state == types.StateDisconnected {
		return Plan{}
	}
	p := Plan{Close: true, CloseGen: m.gen, CancelRetry: true}
	// Bump the generation so late callbacks of the closed socket are stale.
	m.gen++
	m.attempt = 0
	p.Changed = m.set(types.StateDisconnected)
	return p
}

// Connected handles the transport's connect acknowledgment for gen.
// It reports false for stale generations.
func (m *Manager) Connected(gen uint64) (Plan, bool) {
	if gen != m.gen || m.state == types.StateDisconnected {
		return Plan{}, false
	}
	m.attempt = 0
	m.lastErr = nil
	return Plan{Changed: m.set(types.StateConnected)}, true
}

// Dropped handles a transport error or unexpected close for gen.
//
// The manager moves to Reconnecting and asks for a retry after the backoff
// delay. Once MaxAttempts consecutive attempts failed it settles in
// Disconnected and reports a terminal error.
func (m *Manager) Dropped(gen uint64, cause error) (Plan, bool) {
	if gen != m.gen || m.state == types.StateDisconnected {
		return Plan{}, false
	}
	m.lastErr = cause

	p := Plan{Close: true, CloseGen: gen}
	if m.attempt >= m.cfg.MaxAttempts {
		m.gen++
		m.attempt = 0
		p.Changed = m.set(types.StateDisconnected)
		p.Terminal = fmt.Errorf("%w: gave up after %d attempts: %v", ErrTransport, m.cfg.MaxAttempts, cause)
		return p, true
	}

	m.attempt++
	// Retire the failed generation right away so a second drop notification
	// for the same socket (connect_error followed by disconnect) is stale.
	m.gen++
	p.Retry = true
	p.Attempt = m.attempt
	p.RetryIn = m.cfg.Backoff.Delay(m.attempt)
	p.Gen = m.gen
	p.Changed = m.set(types.StateReconnecting)
	return p, true
}

// RetryDue handles the reconnect timer for gen. It returns a plan that opens
// the transport again.
func (m *Manager) RetryDue(gen uint64) (Plan, bool) {
	if gen != m.gen || m.state != types.StateReconnecting {
		return Plan{}, false
	}
	return Plan{Open: true, Gen: m.gen, Token: m.token, Attempt: m.attempt}, true
}

func (m *Manager) set(s types.ConnectionState) bool {
	if m.state == s {
		return false
	}
	m.state = s
	return true
}
