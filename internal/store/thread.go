package store

import (
	"sort"
	"time"

	"github.com/dealistaan/chatsync/pkg/types"
)

// entry is one slot of a thread. Indexes point at entries, so confirming a
// message mutates the slot in place instead of searching the slice.
type entry struct {
	msg types.Message
	// arrival is the store-wide insertion sequence. It breaks ties between
	// messages that share a timestamp and have no server id.
	arrival uint64
}

// thread is the ordered message list of one peer.
type thread struct {
	entries []*entry
	byID    map[types.ServerID]*entry
}

func newThread() *thread {
	return &thread{byID: make(map[types.ServerID]*entry)}
}

// before reports whether a sorts strictly before b.
//
// Order: CreatedAt ascending; at equal timestamps entries with a server id come
// first ordered by id, then entries without one in arrival order.
func before(a, b *entry) bool {
	if !a.msg.CreatedAt.Equal(b.msg.CreatedAt) {
		return a.msg.CreatedAt.Before(b.msg.CreatedAt)
	}
	aid, bid := a.msg.ID, b.msg.ID
	switch {
	case aid != "" && bid != "":
		if aid != bid {
			return lessID(aid, bid)
		}
	case aid != "":
		return true
	case bid != "":
		return false
	}
	return a.arrival < b.arrival
}

// lessID compares ids so numeric ids of different widths still order
// numerically. Hex object ids share a width and compare lexically.
func lessID(a, b types.ServerID) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

// insert places e at its ordered position.
func (t *thread) insert(e *entry) {
	i := sort.Search(len(t.entries), func(i int) bool {
		return before(e, t.entries[i])
	})
	t.entries = append(t.entries, nil)
	copy(t.entries[i+1:], t.entries[i:])
	t.entries[i] = e
	if e.msg.ID != "" {
		t.byID[e.msg.ID] = e
	}
}

func (t *thread) indexOf(e *entry) int {
	for i, cur := range t.entries {
		if cur == e {
			return i
		}
	}
	return -1
}

// remove drops e from the list and the id index.
func (t *thread) remove(e *entry) bool {
	i := t.indexOf(e)
	if i < 0 {
		return false
	}
	copy(t.entries[i:], t.entries[i+1:])
	t.entries[len(t.entries)-1] = nil
	t.entries = t.entries[:len(t.entries)-1]
	if e.msg.ID != "" && t.byID[e.msg.ID] == e {
		delete(t.byID, e.msg.ID)
	}
	return true
}

// fix restores ordering after e's sort key changed. Entries that are still in
// order relative to their neighbours keep their slot.
func (t *thread) fix(e *entry) {
	i := t.indexOf(e)
	if i < 0 {
		return
	}
	inOrder := (i == 0 || !before(e, t.entries[i-1])) &&
		(i == len(t.entries)-1 || !before(t.entries[i+1], e))
	if inOrder {
		return
	}
	copy(t.entries[i:], t.entries[i+1:])
	t.entries = t.entries[:len(t.entries)-1]
	t.insert(e)
}

// last returns the newest entry or nil.
func (t *thread) last() *entry {
	if len(t.entries) == 0 {
		return nil
	}
	return t.entries[len(t.entries)-1]
}

// echoSkew is how far a server timestamp may trail the local clock and still
// belong to an optimistic entry.
const echoSkew = time.Minute

// adoptable returns the oldest optimistic entry with the given content that
// an id-bearing echo of our own send, created at at, can take over.
func (t *thread) adoptable(content string, at time.Time) *entry {
	for _, e := range t.entries {
		if e.msg.ID != "" || e.msg.Direction != types.DirectionSent {
			continue
		}
		if e.msg.State != types.MessagePending && e.msg.State != types.MessageFailed {
			continue
		}
		if !at.IsZero() && at.Before(e.msg.CreatedAt.Add(-echoSkew)) {
			continue
		}
		if e.msg.Content == content {
			return e
		}
	}
	return nil
}

func (t *thread) messages() []types.Message {
	out := make([]types.Message, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.msg.Clone())
	}
	return out
}
