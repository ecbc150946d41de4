// Package receipts keeps read state consistent in both directions: marking
// received messages read when the user views them and flipping sent messages
// when the peer reads them.
package receipts

import (
	"time"

	"github.com/dealistaan/chatsync/internal/unread"
	"github.com/dealistaan/chatsync/pkg/types"
)

// Store is the subset of the conversation store receipts touch.
type Store interface {
	Unread(peer types.PeerID) uint
	MarkReceivedRead(peer types.PeerID) int
	MarkSentReadThrough(peer types.PeerID, cutoff time.Time) int
}

// Selection describes what selecting a conversation requires of the caller.
type Selection struct {
	Prev types.PeerID
	Peer types.PeerID
	// MarkRead is set when the server must be told the conversation was read.
	MarkRead bool
	Call     unread.Call
	// Flipped counts received messages marked read locally.
	Flipped int
}

// Propagator tracks the viewed conversation.
type Propagator struct {
	store    Store
	unread   *unread.Aggregator
	selected types.PeerID
}

// New returns a propagator with nothing selected.
func New(s Store, agg *unread.Aggregator) *Propagator {
	return &Propagator{store: s, unread: agg}
}

// Selected returns the viewed conversation, or "" if none.
func (p *Propagator) Selected() types.PeerID { return p.selected }

// Viewing reports whether peer's conversation is on screen.
func (p *Propagator) Viewing(peer types.PeerID) bool {
	return peer != "" && p.selected == peer
}

// Select makes peer the viewed conversation. An empty peer deselects.
func (p *Propagator) Select(peer types.PeerID) Selection {
	sel := Selection{Prev: p.selected, Peer: peer}
	p.selected = peer
	if peer == "" {
		return sel
	}
	if p.store.Unread(peer) > 0 {
		sel.MarkRead = true
		sel.Call = p.unread.MarkRead(peer)
	}
	sel.Flipped = p.store.MarkReceivedRead(peer)
	return sel
}

// Received handles a newly ingested message from peer. When peer is being
// viewed the message is read immediately and the returned call must be sent
// to the server; otherwise the unread count grows.
func (p *Propagator) Received(peer types.PeerID) (unread.Call, bool) {
	if !p.Viewing(peer) {
		p.unread.Received(peer, false)
		return unread.Call{}, false
	}
	p.store.MarkReceivedRead(peer)
	return p.unread.MarkRead(peer), true
}

// PeerRead flips sent messages to reader created at or before readAt. A zero
// readAt means everything sent so far, as of now.
func (p *Propagator) PeerRead(reader types.PeerID, readAt, now time.Time) int {
	if reader == "" {
		return 0
	}
	if readAt.IsZero() {
		readAt = now
	}
	return p.store.MarkSentReadThrough(reader, readAt)
}

// Reset clears the selection.
func (p *Propagator) Reset() { p.selected = "" }
