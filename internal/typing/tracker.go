// Package typing tracks typing indicators in both directions.
//
// Local typing (the user typing to a peer) is debounced: the first keypress
// after idle emits typing_start and an inactivity timeout emits typing_stop.
// Remote typing (a peer typing to us) is time-boxed: an indicator expires
// after a fixed window even if the peer's stop event is lost.
//
// The tracker never reads a clock or owns timers. Callers pass the current
// time and schedule the deadlines it returns.
package typing

import (
	"sort"
	"time"

	"github.com/dealistaan/chatsync/pkg/types"
)

// Config holds the typing windows.
type Config struct {
	// IdleTimeout is the local inactivity period after which typing stops.
	IdleTimeout time.Duration
	// RemoteWindow is how long a peer's typing indicator lives without a
	// refresh.
	RemoteWindow time.Duration
}

// DefaultConfig returns the default windows.
func DefaultConfig() Config {
	return Config{IdleTimeout: time.Second, RemoteWindow: 3 * time.Second}
}

type localState struct {
	typing       bool
	lastActivity time.Time
}

// Tracker holds per-peer typing state.
type Tracker struct {
	cfg    Config
	local  map[types.PeerID]*localState
	remote map[types.PeerID]types.TypingState
}

// New returns an empty tracker.
func New(cfg Config) *Tracker {
	def := DefaultConfig()
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.RemoteWindow <= 0 {
		cfg.RemoteWindow = def.RemoteWindow
	}
	t := &Tracker{cfg: cfg}
	t.Reset()
	return t
}

// Config returns the active windows.
func (t *Tracker) Config() Config { return t.cfg }

// Reset clears all state.
func (t *Tracker) Reset() {
	t.local = make(map[types.PeerID]*localState)
	t.remote = make(map[types.PeerID]types.TypingState)
}

// Keypress records local activity toward peer. It reports whether this is an
// idle-to-typing transition (emit typing_start) and returns the deadline at
// which LocalIdle should be checked.
func (t *Tracker) Keypress(peer types.PeerID, now time.Time) (start bool, idleAt time.Time) {
	st, ok := t.local[peer]
	if !ok {
		st = &localState{}
		t.local[peer] = st
	}
	start = !st.typing
	st.typing = true
	st.lastActivity = now
	return start, now.Add(t.cfg.IdleTimeout)
}

// LocalIdle handles the inactivity deadline for peer. It reports whether
// typing stopped (emit typing_stop). If activity happened since the deadline
// was scheduled, it returns the new deadline instead.
func (t *Tracker) LocalIdle(peer types.PeerID, now time.Time) (stop bool, next time.Time) {
	st, ok := t.local[peer]
	if !ok || !st.typing {
		return false, time.Time{}
	}
	deadline := st.lastActivity.Add(t.cfg.IdleTimeout)
	if now.Before(deadline) {
		return false, deadline
	}
	delete(t.local, peer)
	return true, time.Time{}
}

// StopLocal ends local typing toward peer immediately, e.g. on send or when
// the user leaves the conversation. It reports whether typing_stop must be
// emitted.
func (t *Tracker) StopLocal(peer types.PeerID) bool {
	st, ok := t.local[peer]
	delete(t.local, peer)
	return ok && st.typing
}

// PeerTyping applies a peer typing event. It reports whether the visible
// indicator changed and, for isTyping, when it expires. Re-entry before
// expiry extends the window without reporting a change.
func (t *Tracker) PeerTyping(peer types.PeerID, isTyping bool, now time.Time) (changed bool, expiresAt time.Time) {
	_, active := t.active(peer, now)
	if !isTyping {
		delete(t.remote, peer)
		return active, time.Time{}
	}
	expiresAt = now.Add(t.cfg.RemoteWindow)
	t.remote[peer] = types.TypingState{PeerID: peer, IsTyping: true, ExpiresAt: expiresAt}
	return !active, expiresAt
}

// Expire handles the expiry deadline for peer. It clears the indicator once
// now has reached ExpiresAt and reports whether it did. When the window was
// extended meanwhile it returns the new deadline.
func (t *Tracker) Expire(peer types.PeerID, now time.Time) (cleared bool, next time.Time) {
	st, ok := t.remote[peer]
	if !ok {
		return false, time.Time{}
	}
	if now.Before(st.ExpiresAt) {
		return false, st.ExpiresAt
	}
	delete(t.remote, peer)
	return true, time.Time{}
}

// ClearRemote drops peer's indicator and reports whether one was shown.
func (t *Tracker) ClearRemote(peer types.PeerID, now time.Time) bool {
	_, active := t.active(peer, now)
	delete(t.remote, peer)
	return active
}

// Remote returns peer's indicator as of now. Expired indicators are cleared
// lazily here as well as by Expire.
func (t *Tracker) Remote(peer types.PeerID, now time.Time) types.TypingState {
	st, active := t.active(peer, now)
	if !active {
		delete(t.remote, peer)
		return types.TypingState{PeerID: peer}
	}
	return st
}

// RemoteAll returns every active indicator as of now, ordered by peer.
func (t *Tracker) RemoteAll(now time.Time) []types.TypingState {
	out := make([]types.TypingState, 0, len(t.remote))
	for peer := range t.remote {
		if st := t.Remote(peer, now); st.IsTyping {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

func (t *Tracker) active(peer types.PeerID, now time.Time) (types.TypingState, bool) {
	st, ok := t.remote[peer]
	if !ok || !st.IsTyping {
		return types.TypingState{}, false
	}
	return st, now.Before(st.ExpiresAt)
}
