// Package store is the in-memory conversation cache.
//
// It is the only place that enforces the thread invariants: one entry per
// server id, in-place confirmation of optimistic messages, and ordering by
// (CreatedAt, id-or-arrival). The store is not safe for concurrent use; the
// engine loop is its only caller.
package store

import (
	"fmt"
	"sort"
	"time"

	"github.com/dealistaan/chatsync/pkg/logger"
	"github.com/dealistaan/chatsync/pkg/types"
)

// Outcome describes what an ingest did.
type Outcome int

const (
	// Inserted means a new entry was added to the thread.
	Inserted Outcome = iota
	// Duplicate means an entry with the same identity already existed.
	Duplicate
	// Confirmed means an optimistic entry took the server identity in place.
	Confirmed
	// Conflict is a duplicate whose content differs from the stored copy. The
	// stored copy wins.
	Conflict
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Duplicate:
		return "duplicate"
	case Confirmed:
		return "confirmed"
	default:
		return "conflict"
	}
}

// Result reports the effect of an ingest on the store.
type Result struct {
	Outcome Outcome
	// TempID is the local identity of the slot that was inserted or updated.
	TempID types.ClientID
	// Created is true when the ingest created the conversation.
	Created bool
}

// Store holds conversation summaries and per-peer threads.
type Store struct {
	convs   map[types.PeerID]*types.Conversation
	threads map[types.PeerID]*thread
	// slots indexes every entry by its temp id across all threads.
	slots   map[types.ClientID]*entry
	arrival uint64
}

// New returns an empty store.
func New() *Store {
	s := &Store{}
	s.Reset()
	return s
}

// Reset drops all cached state, e.g. when the session ends.
func (s *Store) Reset() {
	s.convs = make(map[types.PeerID]*types.Conversation)
	s.threads = make(map[types.PeerID]*thread)
	s.slots = make(map[types.ClientID]*entry)
	s.arrival = 0
}

// IngestSnapshot merges a REST conversation list into the cache.
//
// Missing conversations are created. Existing ones take the snapshot's display
// name, product and unread count, but keep a local last message that is
// still optimistic or newer than the snapshot's.
func (s *Store) IngestSnapshot(convs []types.Conversation) error {
	for i, c := range convs {
		if c.PeerID == "" {
			return fmt.Errorf("snapshot row %d: missing peer id: %w", i, ErrInvalidArgument)
		}
	}

	for _, in := range convs {
		in = in.Clone()
		if in.LastMessage != nil {
			in.LastMessage.PeerID = in.PeerID
		}
		cur, ok := s.convs[in.PeerID]
		if !ok {
			if in.UpdatedAt.IsZero() && in.LastMessage != nil {
				in.UpdatedAt = in.LastMessage.CreatedAt
			}
			s.convs[in.PeerID] = &in
			continue
		}

		if in.PeerDisplayName != "" {
			cur.PeerDisplayName = in.PeerDisplayName
		}
		if in.Product != nil {
			cur.Product = in.Product
		}
		if s.unreadSince(in.PeerID, in.LastMessage) {
			// Live messages the snapshot predates keep their increments.
			cur.UnreadCount = max(cur.UnreadCount, in.UnreadCount)
		} else {
			cur.UnreadCount = in.UnreadCount
		}
		if in.LastMessage != nil && !localLastWins(cur.LastMessage, in.LastMessage) {
			cur.LastMessage = s.freshest(in.PeerID, in.LastMessage)
		}
		if in.UpdatedAt.After(cur.UpdatedAt) {
			cur.UpdatedAt = in.UpdatedAt
		}
		if cur.LastMessage != nil && cur.LastMessage.CreatedAt.After(cur.UpdatedAt) {
			cur.UpdatedAt = cur.LastMessage.CreatedAt
		}
	}
	return nil
}

// localLastWins reports whether the local last message must survive a
// snapshot carrying remote.
func localLastWins(local, remote *types.Message) bool {
	if local == nil {
		return false
	}
	if local.State == types.MessagePending || local.State == types.MessageFailed {
		return true
	}
	return local.CreatedAt.After(remote.CreatedAt)
}

// unreadSince reports whether peer's thread holds an unread received message
// newer than the snapshot's last message.
func (s *Store) unreadSince(peer types.PeerID, last *types.Message) bool {
	t, ok := s.threads[peer]
	if !ok {
		return false
	}
	for i := len(t.entries) - 1; i >= 0; i-- {
		m := t.entries[i].msg
		if last != nil && !m.CreatedAt.After(last.CreatedAt) {
			return false
		}
		if m.Direction == types.DirectionReceived && !m.IsRead {
			return true
		}
	}
	return false
}

// freshest prefers the thread's copy of the snapshot's last message so local
// flags (read, state) are not regressed by a summary row.
func (s *Store) freshest(peer types.PeerID, m *types.Message) *types.Message {
	if t, ok := s.threads[peer]; ok && m.ID != "" {
		if e, ok := t.byID[m.ID]; ok {
			cp := e.msg.Clone()
			return &cp
		}
	}
	return m
}

// IngestMessage inserts msg into forPeer's thread in order.
//
// A message whose server id is already present is a no-op; if its content
// differs the stored copy wins and the conflict is logged.
func (s *Store) IngestMessage(msg types.Message, forPeer types.PeerID) (Result, error) {
	return s.ingest(msg, forPeer, false)
}

// IngestEcho ingests the server's echo of one of our own sends. Unlike
// IngestMessage, an echo whose server id is unknown takes over the oldest
// optimistic entry with the same content instead of being inserted next to
// it, so an echo that beats the REST ack still converges to one entry.
func (s *Store) IngestEcho(msg types.Message, forPeer types.PeerID) (Result, error) {
	return s.ingest(msg, forPeer, true)
}

func (s *Store) ingest(msg types.Message, forPeer types.PeerID, adopt bool) (Result, error) {
	if forPeer == "" {
		return Result{}, fmt.Errorf("ingest message: missing peer id: %w", ErrInvalidArgument)
	}
	if msg.ID == "" && msg.TempID == "" {
		return Result{}, fmt.Errorf("ingest message: missing id and temp id: %w", ErrInvalidArgument)
	}
	msg = msg.Clone()
	msg.PeerID = forPeer
	if msg.TempID == "" {
		msg.TempID = types.ClientID("srv:" + string(msg.ID))
	}
	if msg.State == "" {
		msg.State = types.MessageConfirmed
		if msg.ID == "" {
			msg.State = types.MessagePending
		}
	}

	_, existed := s.convs[forPeer]
	t := s.thread(forPeer)

	if msg.ID != "" {
		if e, ok := t.byID[msg.ID]; ok {
			if e.msg.Content != msg.Content {
				logger.Warnf("store: reconciliation conflict peer=%s id=%s: keeping stored copy", forPeer, msg.ID)
				return Result{Outcome: Conflict, TempID: e.msg.TempID}, nil
			}
			return Result{Outcome: Duplicate, TempID: e.msg.TempID}, nil
		}
		if e, ok := s.slots[msg.TempID]; ok && e.msg.ID == "" && e.msg.PeerID == forPeer {
			s.confirm(t, e, msg)
			return Result{Outcome: Confirmed, TempID: e.msg.TempID}, nil
		}
		if adopt && msg.Direction == types.DirectionSent {
			if e := t.adoptable(msg.Content, msg.CreatedAt); e != nil {
				s.confirm(t, e, msg)
				return Result{Outcome: Confirmed, TempID: e.msg.TempID}, nil
			}
		}
	} else if e, ok := s.slots[msg.TempID]; ok {
		return Result{Outcome: Duplicate, TempID: e.msg.TempID}, nil
	}

	if _, taken := s.slots[msg.TempID]; taken {
		// A different message already owns this temp id; fall back to the
		// server identity.
		msg.TempID = types.ClientID("srv:" + string(msg.ID))
		if _, taken := s.slots[msg.TempID]; taken {
			return Result{Outcome: Duplicate, TempID: msg.TempID}, nil
		}
	}

	s.arrival++
	e := &entry{msg: msg, arrival: s.arrival}
	t.insert(e)
	s.slots[msg.TempID] = e
	s.touch(forPeer, e)
	return Result{Outcome: Inserted, TempID: msg.TempID, Created: !existed}, nil
}

// IngestThread ingests a REST history page for peer and returns how many
// entries were inserted.
func (s *Store) IngestThread(peer types.PeerID, msgs []types.Message) (int, error) {
	if peer == "" {
		return 0, fmt.Errorf("ingest thread: missing peer id: %w", ErrInvalidArgument)
	}
	inserted := 0
	for _, m := range msgs {
		if m.ID == "" {
			continue
		}
		res, err := s.IngestMessage(m, peer)
		if err != nil {
			return inserted, err
		}
		if res.Outcome == Inserted {
			inserted++
		}
	}
	return inserted, nil
}

// ReconcileOptimistic confirms the optimistic entry tempID with the server's
// copy of the message.
//
// The entry keeps its slot and temp id. It moves only when the server
// timestamp changes its sort key. If the transport echo was stored as a
// separate entry first, that copy is merged away.
func (s *Store) ReconcileOptimistic(tempID types.ClientID, server types.Message) (Result, error) {
	if tempID == "" {
		return Result{}, fmt.Errorf("reconcile: missing temp id: %w", ErrInvalidArgument)
	}
	if server.ID == "" {
		return Result{}, fmt.Errorf("reconcile %s: missing server id: %w", tempID, ErrInvalidArgument)
	}
	e, ok := s.slots[tempID]
	if !ok {
		return Result{}, fmt.Errorf("reconcile %s: %w", tempID, ErrNotFound)
	}
	t := s.thread(e.msg.PeerID)

	switch {
	case e.msg.ID == server.ID:
		return Result{Outcome: Duplicate, TempID: tempID}, nil
	case e.msg.ID != "":
		// The slot was claimed by another send's echo with identical content.
		// Store the acknowledged message on its own; the other ack will merge
		// the remaining copies.
		server.TempID = ""
		server.Direction = types.DirectionSent
		return s.ingest(server, e.msg.PeerID, true)
	}

	if dup, ok := t.byID[server.ID]; ok && dup != e {
		t.remove(dup)
		delete(s.slots, dup.msg.TempID)
	}
	s.confirm(t, e, server)
	return Result{Outcome: Confirmed, TempID: tempID}, nil
}

// confirm gives e the server identity in place.
func (s *Store) confirm(t *thread, e *entry, server types.Message) {
	e.msg.ID = server.ID
	e.msg.State = types.MessageConfirmed
	if !server.CreatedAt.IsZero() {
		e.msg.CreatedAt = server.CreatedAt
	}
	if server.Content != "" {
		e.msg.Content = server.Content
	}
	if server.Product != nil {
		p := *server.Product
		e.msg.Product = &p
	}
	e.msg.IsRead = e.msg.IsRead || server.IsRead
	t.byID[e.msg.ID] = e

	// The id alone can reorder entries that share a timestamp.
	t.fix(e)
	s.touch(e.msg.PeerID, e)
}

// MarkFailed flags the optimistic entry tempID as failed. It stays in the
// thread. An entry that is already confirmed is left alone.
func (s *Store) MarkFailed(tempID types.ClientID) (bool, error) {
	if tempID == "" {
		return false, fmt.Errorf("mark failed: missing temp id: %w", ErrInvalidArgument)
	}
	e, ok := s.slots[tempID]
	if !ok {
		return false, fmt.Errorf("mark failed %s: %w", tempID, ErrNotFound)
	}
	if e.msg.State != types.MessagePending {
		return false, nil
	}
	e.msg.State = types.MessageFailed
	s.touch(e.msg.PeerID, e)
	return true, nil
}

// MarkPending moves a failed entry back to pending for a user retry and
// returns its current copy.
func (s *Store) MarkPending(tempID types.ClientID) (types.Message, error) {
	if tempID == "" {
		return types.Message{}, fmt.Errorf("mark pending: missing temp id: %w", ErrInvalidArgument)
	}
	e, ok := s.slots[tempID]
	if !ok {
		return types.Message{}, fmt.Errorf("mark pending %s: %w", tempID, ErrNotFound)
	}
	if e.msg.State != types.MessageFailed {
		return types.Message{}, fmt.Errorf("mark pending %s: state %s: %w", tempID, e.msg.State, ErrInvalidArgument)
	}
	e.msg.State = types.MessagePending
	s.touch(e.msg.PeerID, e)
	return e.msg.Clone(), nil
}

// Message returns the entry with the given temp id.
func (s *Store) Message(tempID types.ClientID) (types.Message, bool) {
	e, ok := s.slots[tempID]
	if !ok {
		return types.Message{}, false
	}
	return e.msg.Clone(), true
}

// RemoveMessage drops the message with server id from peer's thread.
func (s *Store) RemoveMessage(peer types.PeerID, id types.ServerID) error {
	if peer == "" || id == "" {
		return fmt.Errorf("remove message: %w", ErrInvalidArgument)
	}
	t, ok := s.threads[peer]
	if !ok {
		return fmt.Errorf("remove message %s: %w", id, ErrNotFound)
	}
	e, ok := t.byID[id]
	if !ok {
		return fmt.Errorf("remove message %s: %w", id, ErrNotFound)
	}
	t.remove(e)
	delete(s.slots, e.msg.TempID)

	if c, ok := s.convs[peer]; ok && c.LastMessage != nil && c.LastMessage.ID == id {
		c.LastMessage = nil
		if l := t.last(); l != nil {
			cp := l.msg.Clone()
			c.LastMessage = &cp
		}
	}
	return nil
}

// Thread returns a copy of peer's ordered messages.
func (s *Store) Thread(peer types.PeerID) []types.Message {
	t, ok := s.threads[peer]
	if !ok {
		return nil
	}
	return t.messages()
}

// Conversation returns a copy of peer's summary.
func (s *Store) Conversation(peer types.PeerID) (types.Conversation, bool) {
	c, ok := s.convs[peer]
	if !ok {
		return types.Conversation{}, false
	}
	return c.Clone(), true
}

// Conversations returns all summaries, most recently updated first. Peers
// with the same UpdatedAt are ordered by id.
func (s *Store) Conversations() []types.Conversation {
	out := make([]types.Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].PeerID < out[j].PeerID
	})
	return out
}

// SetDisplayName fills in peer's display name when it is not known yet.
func (s *Store) SetDisplayName(peer types.PeerID, name string) {
	if c, ok := s.convs[peer]; ok && c.PeerDisplayName == "" && name != "" {
		c.PeerDisplayName = name
	}
}

// SetUnread overwrites peer's unread count. It reports false when the
// conversation is unknown.
func (s *Store) SetUnread(peer types.PeerID, n uint) bool {
	c, ok := s.convs[peer]
	if !ok {
		return false
	}
	c.UnreadCount = n
	return true
}

// AddUnread adjusts peer's unread count by delta, saturating at zero, and
// returns the new value.
func (s *Store) AddUnread(peer types.PeerID, delta int) (uint, bool) {
	c, ok := s.convs[peer]
	if !ok {
		return 0, false
	}
	switch {
	case delta >= 0:
		c.UnreadCount += uint(delta)
	case uint(-delta) >= c.UnreadCount:
		c.UnreadCount = 0
	default:
		c.UnreadCount -= uint(-delta)
	}
	return c.UnreadCount, true
}

// Unread returns peer's unread count.
func (s *Store) Unread(peer types.PeerID) uint {
	if c, ok := s.convs[peer]; ok {
		return c.UnreadCount
	}
	return 0
}

// TotalUnread sums unread counts across conversations.
func (s *Store) TotalUnread() uint {
	var total uint
	for _, c := range s.convs {
		total += c.UnreadCount
	}
	return total
}

// MarkReceivedRead flags every received message of peer as read and returns
// how many changed.
func (s *Store) MarkReceivedRead(peer types.PeerID) int {
	return s.markRead(peer, func(m *types.Message) bool {
		return m.Direction == types.DirectionReceived
	})
}

// MarkSentReadThrough flags confirmed sent messages to peer created at or
// before cutoff as read by the peer and returns how many changed.
func (s *Store) MarkSentReadThrough(peer types.PeerID, cutoff time.Time) int {
	return s.markRead(peer, func(m *types.Message) bool {
		return m.Direction == types.DirectionSent &&
			m.State == types.MessageConfirmed &&
			!m.CreatedAt.After(cutoff)
	})
}

func (s *Store) markRead(peer types.PeerID, match func(*types.Message) bool) int {
	t, ok := s.threads[peer]
	if !ok {
		return 0
	}
	changed := 0
	for _, e := range t.entries {
		if e.msg.IsRead || !match(&e.msg) {
			continue
		}
		e.msg.IsRead = true
		changed++
	}
	if c, ok := s.convs[peer]; ok && c.LastMessage != nil && !c.LastMessage.IsRead && match(c.LastMessage) {
		c.LastMessage.IsRead = true
	}
	return changed
}

// thread returns peer's thread, creating the thread and its conversation.
func (s *Store) thread(peer types.PeerID) *thread {
	t, ok := s.threads[peer]
	if !ok {
		t = newThread()
		s.threads[peer] = t
	}
	if _, ok := s.convs[peer]; !ok {
		s.convs[peer] = &types.Conversation{PeerID: peer}
	}
	return t
}

// touch refreshes the conversation summary after e was inserted or changed.
func (s *Store) touch(peer types.PeerID, e *entry) {
	c := s.convs[peer]
	if c == nil {
		return
	}
	last := c.LastMessage
	sameSlot := last != nil && (last.TempID == e.msg.TempID || (last.ID != "" && last.ID == e.msg.ID))
	if last == nil || sameSlot || !e.msg.CreatedAt.Before(last.CreatedAt) {
		cp := e.msg.Clone()
		c.LastMessage = &cp
		// A confirmed slot that moved backwards may no longer be the newest.
		if t := s.threads[peer]; t != nil && sameSlot {
			if l := t.last(); l != nil && l != e && !l.msg.CreatedAt.Before(e.msg.CreatedAt) {
				lc := l.msg.Clone()
				c.LastMessage = &lc
			}
		}
	}
	if e.msg.Product != nil && c.Product == nil {
		p := *e.msg.Product
		c.Product = &p
	}
	if e.msg.CreatedAt.After(c.UpdatedAt) {
		c.UpdatedAt = e.msg.CreatedAt
	}
}
