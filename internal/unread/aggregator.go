// Package unread derives per-conversation unread counts.
//
// Server pushes are authoritative and overwrite the local value. Between
// pushes, live received messages for a conversation that is not on screen
// bump the count optimistically. MarkRead zeroes a count ahead of the server
// and restores it if the server rejects the call. The total is always the sum
// of per-conversation counts; the server's global badge value is only used to
// detect drift.
package unread

import (
	"github.com/dealistaan/chatsync/pkg/logger"
	"github.com/dealistaan/chatsync/pkg/types"
)

// Store is the subset of the conversation store the aggregator writes
// through.
type Store interface {
	SetUnread(peer types.PeerID, n uint) bool
	AddUnread(peer types.PeerID, delta int) (uint, bool)
	Unread(peer types.PeerID) uint
	TotalUnread() uint
}

// Call identifies one mark-read request. Completions for anything but the
// latest call of a peer are ignored.
type Call struct {
	Peer types.PeerID
	Gen  uint64
}

type inflight struct {
	gen uint64
	// prev is the count the optimistic zero replaced.
	prev uint
	// since counts local increments observed while the call was in flight.
	since uint
}

// Aggregator tracks unread counts and in-flight mark-read calls.
type Aggregator struct {
	store   Store
	gen     uint64
	pending map[types.PeerID]*inflight
}

// New returns an aggregator writing through s.
func New(s Store) *Aggregator {
	return &Aggregator{store: s, pending: make(map[types.PeerID]*inflight)}
}

// Authoritative applies a server count for peer. It reports false when the
// conversation is unknown locally. Any optimistic state for peer is dropped.
func (a *Aggregator) Authoritative(peer types.PeerID, n uint) bool {
	delete(a.pending, peer)
	return a.store.SetUnread(peer, n)
}

// Received accounts for a newly ingested, unread message from peer. Nothing
// changes while the conversation is being viewed.
func (a *Aggregator) Received(peer types.PeerID, viewing bool) (uint, bool) {
	if viewing {
		return a.store.Unread(peer), false
	}
	n, ok := a.store.AddUnread(peer, 1)
	if !ok {
		return 0, false
	}
	if p, ok := a.pending[peer]; ok {
		p.since++
	}
	return n, true
}

// MarkRead optimistically zeroes peer's count and returns the call the
// caller must perform.
func (a *Aggregator) MarkRead(peer types.PeerID) Call {
	a.gen++
	prev := a.store.Unread(peer)
	if p, ok := a.pending[peer]; ok {
		// Stacked calls restore to the count before the first one.
		prev = p.prev + p.since
	}
	a.pending[peer] = &inflight{gen: a.gen, prev: prev}
	a.store.SetUnread(peer, 0)
	return Call{Peer: peer, Gen: a.gen}
}

// MarkReadDone completes call. On failure the previous count plus increments
// observed in the meantime is restored; it reports whether that happened.
func (a *Aggregator) MarkReadDone(call Call, err error) (restored bool) {
	p, ok := a.pending[call.Peer]
	if !ok || p.gen != call.Gen {
		return false
	}
	delete(a.pending, call.Peer)
	if err == nil {
		return false
	}
	a.store.SetUnread(call.Peer, p.prev+p.since)
	return true
}

// InFlight reports whether a mark-read for peer awaits completion.
func (a *Aggregator) InFlight(peer types.PeerID) bool {
	_, ok := a.pending[peer]
	return ok
}

// AfterSnapshot re-applies optimistic zeroes a snapshot may have overwritten
// while their mark-read calls were in flight.
func (a *Aggregator) AfterSnapshot() {
	for peer, p := range a.pending {
		a.store.SetUnread(peer, p.since)
	}
}

// GlobalTotal checks the server's global unread value and reports whether it
// disagrees with the derived total. Counts of peers with an in-flight
// mark-read make drift expected, so those are not reported.
func (a *Aggregator) GlobalTotal(n uint) (drift bool) {
	if len(a.pending) > 0 {
		return false
	}
	total := a.store.TotalUnread()
	if total == n {
		return false
	}
	logger.Debugf("unread: server total %d, derived %d", n, total)
	return true
}

// Total returns the derived total across conversations.
func (a *Aggregator) Total() uint { return a.store.TotalUnread() }

// Reset forgets in-flight calls.
func (a *Aggregator) Reset() {
	a.pending = make(map[types.PeerID]*inflight)
}
