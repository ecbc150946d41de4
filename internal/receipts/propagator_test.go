package receipts

import (
	"errors"
	"testing"
	"time"

	"github.com/dealistaan/chatsync/internal/store"
	"github.com/dealistaan/chatsync/internal/unread"
	"github.com/dealistaan/chatsync/pkg/types"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*store.Store, *unread.Aggregator, *Propagator) {
	t.Helper()
	s := store.New()
	agg := unread.New(s)
	return s, agg, New(s, agg)
}

func received(t *testing.T, s *store.Store, id string, at time.Time) {
	t.Helper()
	_, err := s.IngestMessage(types.Message{
		ID:        types.ServerID(id),
		PeerID:    "P",
		Direction: types.DirectionReceived,
		Content:   id,
		CreatedAt: at,
		State:     types.MessageConfirmed,
	}, "P")
	require.NoError(t, err)
}

func sent(t *testing.T, s *store.Store, id string, at time.Time) {
	t.Helper()
	_, err := s.IngestMessage(types.Message{
		ID:        types.ServerID(id),
		PeerID:    "P",
		Direction: types.DirectionSent,
		Content:   id,
		CreatedAt: at,
		State:     types.MessageConfirmed,
	}, "P")
	require.NoError(t, err)
}

func TestSelectMarksRead(t *testing.T) {
	s, agg, p := setup(t)
	received(t, s, "1", t0)
	received(t, s, "2", t0.Add(time.Second))
	agg.Authoritative("P", 2)

	sel := p.Select("P")
	require.True(t, sel.MarkRead)
	require.Equal(t, types.PeerID("P"), sel.Call.Peer)
	require.Equal(t, 2, sel.Flipped)
	require.Zero(t, s.Unread("P"))
	for _, m := range s.Thread("P") {
		require.True(t, m.IsRead)
	}

	// Failure restores the count but leaves the local flags alone.
	agg.MarkReadDone(sel.Call, errors.New("500"))
	require.Equal(t, uint(2), s.Unread("P"))
}

func TestSelectWithoutUnreadSkipsServerCall(t *testing.T) {
	s, _, p := setup(t)
	received(t, s, "1", t0)

	sel := p.Select("P")
	require.False(t, sel.MarkRead)
	require.Equal(t, types.PeerID("P"), p.Selected())

	sel = p.Select("")
	require.Equal(t, types.PeerID("P"), sel.Prev)
	require.False(t, p.Viewing("P"))
}

func TestReceivedWhileViewing(t *testing.T) {
	s, agg, p := setup(t)
	received(t, s, "1", t0)
	p.Select("P")

	received(t, s, "2", t0.Add(time.Second))
	call, ok := p.Received("P")
	require.True(t, ok)
	require.Equal(t, types.PeerID("P"), call.Peer)
	require.Zero(t, s.Unread("P"))
	require.True(t, s.Thread("P")[1].IsRead)
	require.True(t, agg.InFlight("P"))
}

func TestReceivedWhileNotViewing(t *testing.T) {
	s, _, p := setup(t)
	received(t, s, "1", t0)

	_, ok := p.Received("P")
	require.False(t, ok)
	require.Equal(t, uint(1), s.Unread("P"))
	require.False(t, s.Thread("P")[0].IsRead)
}

func TestPeerReadFlipsSentThroughCutoff(t *testing.T) {
	s, _, p := setup(t)
	sent(t, s, "1", t0)
	sent(t, s, "2", t0.Add(2*time.Second))

	require.Equal(t, 1, p.PeerRead("P", t0.Add(time.Second), t0))
	thread := s.Thread("P")
	require.True(t, thread[0].IsRead)
	require.False(t, thread[1].IsRead)

	// No timestamp means everything up to now.
	require.Equal(t, 1, p.PeerRead("P", time.Time{}, t0.Add(time.Minute)))
	require.Zero(t, p.PeerRead("", time.Time{}, t0))
}
