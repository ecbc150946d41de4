package engine

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/dealistaan/chatsync/internal/actor"
	"github.com/dealistaan/chatsync/internal/connection"
	"github.com/dealistaan/chatsync/internal/outbox"
	"github.com/dealistaan/chatsync/internal/wire"
	"github.com/dealistaan/chatsync/pkg/types"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Connection.Backoff.Jitter = 0
	cfg.ConversationPoll = 0
	cfg.ThreadPoll = 0
	cfg.SelfID = "me"
	return cfg
}

func step(s *State, in actor.Input) []actor.Effect {
	_, fx := actor.Step(s, in, Reduce)
	return fx
}

func all[T actor.Effect](fx []actor.Effect) []T {
	var out []T
	for _, eff := range fx {
		if v, ok := eff.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func first[T actor.Effect](t *testing.T, fx []actor.Effect) T {
	t.Helper()
	found := all[T](fx)
	require.NotEmpty(t, found, "no %T in %v", *new(T), fx)
	return found[0]
}

func updates(fx []actor.Effect, kind UpdateKind) []Update {
	var out []Update
	for _, p := range all[effPublish](fx) {
		if p.Update.Kind == kind {
			out = append(out, p.Update)
		}
	}
	return out
}

func emitted(fx []actor.Effect, event string) []effEmit {
	var out []effEmit
	for _, e := range all[effEmit](fx) {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

// connectedState returns a state with an open transport and an empty
// conversation list.
func connectedState(t *testing.T, cfg Config) *State {
	t.Helper()
	s := newState(cfg)
	step(s, cmdConnect{Token: "tok", Self: "me", Now: t0})
	step(s, evConversationsFetched{Now: t0})
	step(s, evTransportConnected{Gen: s.conn.Generation(), Now: t0})
	step(s, evConversationsFetched{Now: t0})
	require.Equal(t, types.StateConnected, s.conn.State())
	return s
}

func withConversation(s *State, peer types.PeerID, unread uint) {
	step(s, evConversationsFetched{
		Convs: []types.Conversation{{PeerID: peer, PeerDisplayName: "Sara", UnreadCount: unread, UpdatedAt: t0}},
		Now:   t0,
	})
}

func transportEvent(s *State, name, payload string, now time.Time) []actor.Effect {
	return step(s, evTransportEvent{
		Gen:     s.conn.Generation(),
		Name:    name,
		Payload: json.RawMessage(payload),
		Now:     now,
	})
}

func TestConnectOpensTransportAndFetchesSnapshot(t *testing.T) {
	s := newState(testConfig())
	reply := make(chan error, 1)
	fx := step(s, cmdConnect{Token: "tok", Self: "me", Now: t0, Reply: reply})

	open := first[effOpenTransport](t, fx)
	require.Equal(t, "tok", open.Token)
	require.Equal(t, uint64(1), open.Gen)
	require.Equal(t, "tok", first[effFetchConversations](t, fx).Auth.Token)
	require.NoError(t, first[effCompleteReply](t, fx).Err)

	conn := updates(fx, UpdateConnection)
	require.Len(t, conn, 1)
	require.Equal(t, types.StateConnecting, conn[0].Connection)
}

func TestConnectWithoutToken(t *testing.T) {
	s := newState(testConfig())
	fx := step(s, cmdConnect{Now: t0, Reply: make(chan error, 1)})
	require.ErrorIs(t, first[effCompleteReply](t, fx).Err, connection.ErrNoToken)
	require.Empty(t, all[effOpenTransport](fx))
	require.Equal(t, types.StateDisconnected, s.conn.State())
}

func TestConnectedEmitsUserOnline(t *testing.T) {
	s := newState(testConfig())
	step(s, cmdConnect{Token: "tok", Self: "me", Now: t0})
	fx := step(s, evTransportConnected{Gen: 1, Now: t0})

	require.Len(t, emitted(fx, wire.EventUserOnline), 1)
	// The snapshot from Connect is still in flight, so the one requested by
	// the handshake is coalesced.
	require.Empty(t, all[effFetchConversations](fx))
	require.True(t, s.snapshotAgain)

	fx = step(s, evConversationsFetched{Now: t0})
	require.Len(t, all[effFetchConversations](fx), 1)
}

func TestReconnectRefetchesSnapshot(t *testing.T) {
	s := connectedState(t, testConfig())

	fx := step(s, evTransportDropped{Gen: 1, Err: errors.New("boom"), Now: t0})
	require.Equal(t, uint64(1), first[effCloseTransport](t, fx).Gen)
	timer := first[effStartTimer](t, fx)
	require.Equal(t, timerReconnect, timer.Name)
	require.Equal(t, time.Second, timer.After)
	require.Equal(t, types.StateReconnecting, updates(fx, UpdateConnection)[0].Connection)

	fx = step(s, evTimerFired{Name: timerReconnect, Seq: timer.Seq, Now: t0.Add(time.Second)})
	open := first[effOpenTransport](t, fx)
	require.Equal(t, uint64(2), open.Gen)

	// The dropped socket reconnecting late is ignored.
	require.Empty(t, step(s, evTransportConnected{Gen: 1, Now: t0.Add(time.Second)}))

	fx = step(s, evTransportConnected{Gen: open.Gen, Now: t0.Add(time.Second)})
	require.Len(t, all[effFetchConversations](fx), 1)
	require.Len(t, emitted(fx, wire.EventUserOnline), 1)
	require.Equal(t, types.StateConnected, s.conn.State())
}

func TestReconnectRefetchesSelectedThread(t *testing.T) {
	s := connectedState(t, testConfig())
	step(s, cmdSelect{Peer: "P", Now: t0})
	step(s, evThreadFetched{Peer: "P", Now: t0})

	fx := step(s, evTransportDropped{Gen: 1, Err: errors.New("boom"), Now: t0})
	timer := first[effStartTimer](t, fx)
	fx = step(s, evTimerFired{Name: timer.Name, Seq: timer.Seq, Now: t0.Add(time.Second)})
	open := first[effOpenTransport](t, fx)

	fx = step(s, evTransportConnected{Gen: open.Gen, Now: t0.Add(time.Second)})
	require.Equal(t, types.PeerID("P"), first[effFetchThread](t, fx).Peer)
}

func TestReconnectExhaustionSurfacesError(t *testing.T) {
	cfg := testConfig()
	cfg.Connection.MaxAttempts = 1
	s := connectedState(t, cfg)

	fx := step(s, evTransportDropped{Gen: s.conn.Generation(), Err: errors.New("boom"), Now: t0})
	timer := first[effStartTimer](t, fx)
	fx = step(s, evTimerFired{Name: timer.Name, Seq: timer.Seq, Now: t0.Add(time.Second)})
	open := first[effOpenTransport](t, fx)

	fx = step(s, evTransportDropped{Gen: open.Gen, Err: errors.New("still down"), Now: t0.Add(time.Second)})
	errs := updates(fx, UpdateError)
	require.Len(t, errs, 1)
	require.ErrorIs(t, errs[0].Err, connection.ErrTransport)
	require.Equal(t, types.StateDisconnected, s.conn.State())
}

func TestDisconnectCancelsRetry(t *testing.T) {
	s := connectedState(t, testConfig())
	fx := step(s, evTransportDropped{Gen: 1, Err: errors.New("boom"), Now: t0})
	timer := first[effStartTimer](t, fx)

	fx = step(s, cmdDisconnect{Reply: make(chan error, 1)})
	require.Equal(t, timerReconnect, first[effCancelTimer](t, fx).Name)
	require.Equal(t, types.StateDisconnected, s.conn.State())

	// A fire that raced the cancel is stale.
	require.Empty(t, step(s, evTimerFired{Name: timer.Name, Seq: timer.Seq, Now: t0.Add(time.Second)}))
}

func TestSendHiConfirmedAs42(t *testing.T) {
	s := connectedState(t, testConfig())

	fx := step(s, cmdSend{TempID: "tmp-1", Peer: "P", Content: "Hi", Now: t0, Reply: make(chan error, 1)})
	require.NoError(t, first[effCompleteReply](t, fx).Err)
	send := first[effSendMessage](t, fx)
	require.Equal(t, "Hi", send.Payload.Content)
	require.Equal(t, "P", send.Payload.Receiver)

	thread := updates(fx, UpdateThread)
	require.Len(t, thread, 1)
	require.Len(t, thread[0].Thread, 1)
	require.Equal(t, types.MessagePending, thread[0].Thread[0].State)

	fx = step(s, evSendDone{TempID: "tmp-1", Now: t0, Msg: types.Message{
		ID: "42", PeerID: "P", Direction: types.DirectionSent, Content: "Hi",
		CreatedAt: t0.Add(time.Second), State: types.MessageConfirmed,
	}})
	sent := updates(fx, UpdateSent)
	require.Len(t, sent, 1)
	require.Equal(t, types.ClientID("tmp-1"), sent[0].TempID)
	require.Equal(t, types.ServerID("42"), sent[0].Message.ID)

	// The echo of the same message does not duplicate it.
	fx = transportEvent(s, wire.EventMessageSent,
		`{"message":{"_id":"42","sender":"me","receiver":"P","content":"Hi","createdAt":"2024-05-01T10:00:01Z"}}`, t0)
	require.Empty(t, updates(fx, UpdateSent))

	msgs := s.store.Thread("P")
	require.Len(t, msgs, 1)
	require.Equal(t, types.ServerID("42"), msgs[0].ID)
	require.Equal(t, types.ClientID("tmp-1"), msgs[0].TempID)
	require.Equal(t, types.MessageConfirmed, msgs[0].State)
}

func TestEchoBeforeAckConvergesOnce(t *testing.T) {
	s := connectedState(t, testConfig())
	step(s, cmdSend{TempID: "tmp-1", Peer: "P", Content: "Hi", Now: t0})

	fx := transportEvent(s, wire.EventMessageSent,
		`{"message":{"_id":"42","sender":"me","receiver":"P","content":"Hi","createdAt":"2024-05-01T10:00:01Z"}}`, t0)
	require.Len(t, updates(fx, UpdateSent), 1)

	fx = step(s, evSendDone{TempID: "tmp-1", Now: t0, Msg: types.Message{
		ID: "42", PeerID: "P", Direction: types.DirectionSent, Content: "Hi", CreatedAt: t0.Add(time.Second),
	}})
	require.Empty(t, updates(fx, UpdateSent))
	require.Len(t, s.store.Thread("P"), 1)
}

func TestSendFailureKeepsMessageForRetry(t *testing.T) {
	s := connectedState(t, testConfig())
	step(s, cmdSend{TempID: "tmp-1", Peer: "P", Content: "Hi", Now: t0})

	fx := step(s, evSendDone{TempID: "tmp-1", Err: errors.New("http 500"), Now: t0})
	failed := updates(fx, UpdateSendFailed)
	require.Len(t, failed, 1)
	require.ErrorIs(t, failed[0].Err, outbox.ErrSendFailed)
	require.Equal(t, types.MessageFailed, s.store.Thread("P")[0].State)

	fx = step(s, cmdRetry{TempID: "tmp-1", Now: t0, Reply: make(chan error, 1)})
	require.NoError(t, first[effCompleteReply](t, fx).Err)
	require.Equal(t, types.ClientID("tmp-1"), first[effSendMessage](t, fx).TempID)
	require.Equal(t, types.MessagePending, s.store.Thread("P")[0].State)
}

func TestSendValidationTouchesNothing(t *testing.T) {
	s := connectedState(t, testConfig())
	fx := step(s, cmdSend{TempID: "tmp-1", Peer: "P", Content: "  <> ", Now: t0, Reply: make(chan error, 1)})
	require.ErrorIs(t, first[effCompleteReply](t, fx).Err, outbox.ErrValidation)
	require.Empty(t, all[effSendMessage](fx))
	require.Empty(t, s.store.Conversations())
}

func TestTransportSendTimesOut(t *testing.T) {
	cfg := testConfig()
	cfg.Outbox.Mode = outbox.ModeTransport
	s := connectedState(t, cfg)

	fx := step(s, cmdSend{TempID: "tmp-1", Peer: "P", Content: "Hi", Now: t0})
	require.Empty(t, all[effSendMessage](fx))
	require.Len(t, emitted(fx, wire.EventSendMessage), 1)
	timer := first[effStartTimer](t, fx)
	require.Equal(t, "send-timeout:tmp-1", timer.Name)
	require.Equal(t, 10*time.Second, timer.After)

	fx = step(s, evTimerFired{Name: timer.Name, Seq: timer.Seq, Now: t0.Add(10 * time.Second)})
	failed := updates(fx, UpdateSendFailed)
	require.Len(t, failed, 1)
	require.ErrorIs(t, failed[0].Err, outbox.ErrConfirmTimeout)
	require.Equal(t, types.MessageFailed, s.store.Thread("P")[0].State)
}

func TestTransportSendEchoCancelsTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Outbox.Mode = outbox.ModeTransport
	s := connectedState(t, cfg)
	step(s, cmdSend{TempID: "tmp-1", Peer: "P", Content: "Hi", Now: t0})

	fx := transportEvent(s, wire.EventMessageSent,
		`{"message":{"_id":"42","localId":"tmp-1","sender":"me","receiver":"P","content":"Hi","createdAt":"2024-05-01T10:00:01Z"}}`, t0)
	require.Equal(t, "send-timeout:tmp-1", first[effCancelTimer](t, fx).Name)
	require.Len(t, updates(fx, UpdateSent), 1)
	require.Equal(t, types.MessageConfirmed, s.store.Thread("P")[0].State)
}

func TestTransportSendWhileDisconnectedFails(t *testing.T) {
	cfg := testConfig()
	cfg.Outbox.Mode = outbox.ModeTransport
	s := newState(cfg)
	step(s, cmdConnect{Token: "tok", Self: "me", Now: t0})

	fx := step(s, cmdSend{TempID: "tmp-1", Peer: "P", Content: "Hi", Now: t0})
	failed := updates(fx, UpdateSendFailed)
	require.Len(t, failed, 1)
	require.ErrorIs(t, failed[0].Err, ErrNotConnected)
}

func TestMarkReadRollback(t *testing.T) {
	s := connectedState(t, testConfig())
	withConversation(s, "P", 3)

	fx := step(s, cmdSelect{Peer: "P", Now: t0})
	call := first[effMarkRead](t, fx).Call
	require.Equal(t, types.PeerID("P"), call.Peer)
	require.Len(t, emitted(fx, wire.EventMarkAsRead), 1)
	require.Equal(t, types.PeerID("P"), first[effFetchThread](t, fx).Peer)
	require.Zero(t, s.unread.Total())

	fx = step(s, evMarkReadDone{Call: call, Err: errors.New("http 500")})
	conv := updates(fx, UpdateConversations)
	require.Len(t, conv, 1)
	require.Equal(t, uint(3), conv[0].TotalUnread)
	require.Equal(t, uint(3), s.store.Unread("P"))
}

func TestSnapshotDuringMarkReadKeepsZero(t *testing.T) {
	s := connectedState(t, testConfig())
	withConversation(s, "P", 3)
	fx := step(s, cmdSelect{Peer: "P", Now: t0})
	call := first[effMarkRead](t, fx).Call

	// The server has not processed the mark-read yet.
	withConversation(s, "P", 3)
	require.Zero(t, s.store.Unread("P"))

	step(s, evMarkReadDone{Call: call})
	require.Zero(t, s.store.Unread("P"))
}

func TestReceivedWhileViewingIsReadImmediately(t *testing.T) {
	s := connectedState(t, testConfig())
	withConversation(s, "P", 0)
	step(s, cmdSelect{Peer: "P", Now: t0})

	fx := transportEvent(s, wire.EventReceiveMessage,
		`{"message":{"_id":"m1","sender":{"_id":"P","name":"Sara"},"receiver":"me","content":"hello","createdAt":"2024-05-01T10:00:01Z"}}`, t0)
	require.Equal(t, types.PeerID("P"), first[effMarkRead](t, fx).Call.Peer)
	require.Zero(t, s.store.Unread("P"))

	msgs := s.store.Thread("P")
	require.Len(t, msgs, 1)
	require.True(t, msgs[0].IsRead)
}

func TestReceivedElsewhereBumpsUnread(t *testing.T) {
	s := connectedState(t, testConfig())
	step(s, cmdSelect{Peer: "Q", Now: t0})

	payload := `{"message":{"_id":"m1","sender":{"_id":"P","name":"Sara"},"receiver":"me","content":"hello","createdAt":"2024-05-01T10:00:01Z"}}`
	fx := transportEvent(s, wire.EventReceiveMessage, payload, t0)
	require.Empty(t, all[effMarkRead](fx))
	conv := updates(fx, UpdateConversations)
	require.Len(t, conv, 1)
	require.Equal(t, uint(1), conv[0].TotalUnread)

	c, ok := s.store.Conversation("P")
	require.True(t, ok)
	require.Equal(t, "Sara", c.PeerDisplayName)

	// A redelivery is deduplicated and does not count twice.
	transportEvent(s, wire.EventReceiveMessage, payload, t0)
	require.Equal(t, uint(1), s.store.Unread("P"))
}

func TestStaleSnapshotKeepsLiveIncrement(t *testing.T) {
	s := connectedState(t, testConfig())
	withConversation(s, "P", 0)

	transportEvent(s, wire.EventReceiveMessage,
		`{"message":{"_id":"m1","sender":{"_id":"P","name":"Sara"},"receiver":"me","content":"hello","createdAt":"2024-05-01T10:00:01Z"}}`, t0)
	require.Equal(t, uint(1), s.store.Unread("P"))

	// A snapshot the server built before the message arrived.
	withConversation(s, "P", 0)
	require.Equal(t, uint(1), s.store.Unread("P"))
	require.Equal(t, uint(1), s.unread.Total())
}

func TestUnreadUpdates(t *testing.T) {
	s := connectedState(t, testConfig())
	withConversation(s, "P", 1)

	fx := transportEvent(s, wire.EventUnreadCountUpdate, `{"senderId":"P","unreadCount":5}`, t0)
	require.Equal(t, uint(5), updates(fx, UpdateConversations)[0].TotalUnread)

	// Unknown conversations mean the list is stale.
	fx = transportEvent(s, wire.EventUnreadCountUpdate, `{"senderId":"Z","unreadCount":1}`, t0)
	require.Len(t, all[effFetchConversations](fx), 1)
	step(s, evConversationsFetched{Now: t0})

	// A global total that disagrees with the derived one forces a refetch.
	fx = transportEvent(s, wire.EventUnreadCountUpdate, `{"unreadCount":9}`, t0)
	require.Len(t, all[effFetchConversations](fx), 1)
}

func TestRemoteTypingExpires(t *testing.T) {
	s := connectedState(t, testConfig())

	fx := transportEvent(s, wire.EventUserTyping, `{"userId":"P","conversationId":"P","isTyping":true}`, t0)
	timer := first[effStartTimer](t, fx)
	require.Equal(t, "typing-remote:P", timer.Name)
	require.Equal(t, 3*time.Second, timer.After)
	typingUpdates := updates(fx, UpdateTyping)
	require.Len(t, typingUpdates, 1)
	require.True(t, typingUpdates[0].Typing.IsTyping)

	// Re-entry extends the window without another update.
	fx = transportEvent(s, wire.EventUserTyping, `{"userId":"P","isTyping":true}`, t0.Add(time.Second))
	require.Empty(t, updates(fx, UpdateTyping))
	renewed := first[effStartTimer](t, fx)

	// The replaced timer is stale.
	require.Empty(t, step(s, evTimerFired{Name: timer.Name, Seq: timer.Seq, Now: t0.Add(3 * time.Second)}))

	fx = step(s, evTimerFired{Name: renewed.Name, Seq: renewed.Seq, Now: t0.Add(4 * time.Second)})
	typingUpdates = updates(fx, UpdateTyping)
	require.Len(t, typingUpdates, 1)
	require.False(t, typingUpdates[0].Typing.IsTyping)
}

func TestLocalTypingDebounce(t *testing.T) {
	s := connectedState(t, testConfig())

	fx := step(s, cmdKeypress{Peer: "P", Now: t0})
	require.Len(t, emitted(fx, wire.EventTypingStart), 1)
	timer := first[effStartTimer](t, fx)
	require.Equal(t, time.Second, timer.After)

	fx = step(s, cmdKeypress{Peer: "P", Now: t0.Add(500 * time.Millisecond)})
	require.Empty(t, fx)

	// The first deadline finds recent activity and is pushed back.
	fx = step(s, evTimerFired{Name: timer.Name, Seq: timer.Seq, Now: t0.Add(time.Second)})
	require.Empty(t, emitted(fx, wire.EventTypingStop))
	next := first[effStartTimer](t, fx)
	require.Equal(t, 500*time.Millisecond, next.After)

	fx = step(s, evTimerFired{Name: next.Name, Seq: next.Seq, Now: t0.Add(1500 * time.Millisecond)})
	require.Len(t, emitted(fx, wire.EventTypingStop), 1)
}

func TestSendStopsTyping(t *testing.T) {
	s := connectedState(t, testConfig())
	step(s, cmdKeypress{Peer: "P", Now: t0})

	fx := step(s, cmdSend{TempID: "tmp-1", Peer: "P", Content: "Hi", Now: t0})
	require.Len(t, emitted(fx, wire.EventTypingStop), 1)
	require.Equal(t, "typing-local:P", first[effCancelTimer](t, fx).Name)
}

func TestSelectingAnotherPeerClearsTyping(t *testing.T) {
	s := connectedState(t, testConfig())
	step(s, cmdSelect{Peer: "P", Now: t0})
	step(s, cmdKeypress{Peer: "P", Now: t0})
	transportEvent(s, wire.EventUserTyping, `{"userId":"P","isTyping":true}`, t0)

	fx := step(s, cmdSelect{Peer: "Q", Now: t0.Add(time.Second)})
	stop := emitted(fx, wire.EventTypingStop)
	require.Len(t, stop, 1)
	require.Equal(t, typingPayload("P"), stop[0].Payload)

	var cancelled []string
	for _, c := range all[effCancelTimer](fx) {
		cancelled = append(cancelled, c.Name)
	}
	require.Contains(t, cancelled, "typing-local:P")
	require.Contains(t, cancelled, "typing-remote:P")

	typingUpdates := updates(fx, UpdateTyping)
	require.Len(t, typingUpdates, 1)
	require.False(t, typingUpdates[0].Typing.IsTyping)
}

func TestPeerReadFlipsSentMessages(t *testing.T) {
	s := connectedState(t, testConfig())
	step(s, cmdSend{TempID: "tmp-1", Peer: "P", Content: "Hi", Now: t0})
	step(s, evSendDone{TempID: "tmp-1", Now: t0, Msg: types.Message{
		ID: "42", PeerID: "P", Direction: types.DirectionSent, Content: "Hi", CreatedAt: t0,
	}})

	fx := transportEvent(s, wire.EventMessagesRead, `{"readerId":"P","readAt":"2024-05-01T10:00:05Z"}`, t0.Add(5*time.Second))
	require.Len(t, updates(fx, UpdateThread), 1)
	require.True(t, s.store.Thread("P")[0].IsRead)
}

func TestPresence(t *testing.T) {
	s := connectedState(t, testConfig())
	fx := transportEvent(s, wire.EventUserStatusChange, `{"userId":"P","status":"online"}`, t0)
	p := updates(fx, UpdatePresence)
	require.Len(t, p, 1)
	require.Equal(t, "online", p[0].Presence.Status)

	// Repeats are not republished.
	fx = transportEvent(s, wire.EventUserStatusChange, `{"userId":"P","status":"online"}`, t0)
	require.Empty(t, updates(fx, UpdatePresence))
	require.Equal(t, "online", s.view("P").Presence)
}

func TestUndecodableEventsAreDropped(t *testing.T) {
	s := connectedState(t, testConfig())
	fx := transportEvent(s, "bogus", `{}`, t0)
	require.Equal(t, "bogus", first[effDropped](t, fx).Event)

	fx = transportEvent(s, wire.EventReceiveMessage, `[1,2]`, t0)
	require.Equal(t, wire.EventReceiveMessage, first[effDropped](t, fx).Event)
	require.Empty(t, s.store.Conversations())
}

func TestStaleGenerationEventsIgnored(t *testing.T) {
	s := connectedState(t, testConfig())
	fx := step(s, evTransportEvent{
		Gen:     s.conn.Generation() - 1,
		Name:    wire.EventUserStatusChange,
		Payload: json.RawMessage(`{"userId":"P","status":"online"}`),
		Now:     t0,
	})
	require.Empty(t, fx)
}

func TestDeleteRemovesMessage(t *testing.T) {
	s := connectedState(t, testConfig())
	transportEvent(s, wire.EventReceiveMessage,
		`{"message":{"_id":"m1","sender":"P","receiver":"me","content":"hello","createdAt":"2024-05-01T10:00:01Z"}}`, t0)
	step(s, cmdSend{TempID: "tmp-1", Peer: "P", Content: "Hi", Now: t0.Add(2 * time.Second)})
	step(s, evSendDone{TempID: "tmp-1", Now: t0, Msg: types.Message{
		ID: "42", PeerID: "P", Direction: types.DirectionSent, Content: "Hi", CreatedAt: t0.Add(2 * time.Second),
	}})

	reply := make(chan error, 1)
	fx := step(s, cmdDelete{Peer: "P", ID: "42", Reply: reply})
	del := first[effDeleteMessage](t, fx)
	require.Equal(t, types.ServerID("42"), del.ID)

	fx = step(s, evDeleteDone{Peer: "P", ID: "42", Reply: reply})
	require.NoError(t, first[effCompleteReply](t, fx).Err)
	msgs := s.store.Thread("P")
	require.Len(t, msgs, 1)
	require.Equal(t, types.ServerID("m1"), msgs[0].ID)
}

func TestPollsRunOnlyWhileConnected(t *testing.T) {
	cfg := testConfig()
	cfg.ConversationPoll = 5 * time.Second
	s := newState(cfg)
	step(s, cmdConnect{Token: "tok", Self: "me", Now: t0})
	step(s, evConversationsFetched{Now: t0})

	fx := step(s, evTransportConnected{Gen: 1, Now: t0})
	poll := first[effStartTimer](t, fx)
	require.Equal(t, timerPollConversations, poll.Name)
	step(s, evConversationsFetched{Now: t0})

	fx = step(s, evTimerFired{Name: poll.Name, Seq: poll.Seq, Now: t0.Add(5 * time.Second)})
	require.Len(t, all[effFetchConversations](fx), 1)
	require.Equal(t, timerPollConversations, first[effStartTimer](t, fx).Name)

	fx = step(s, evTransportDropped{Gen: 1, Err: errors.New("boom"), Now: t0})
	require.Contains(t, all[effCancelTimer](fx), effCancelTimer{Name: timerPollConversations})
}

func TestViewDescribesSelection(t *testing.T) {
	s := connectedState(t, testConfig())
	withConversation(s, "P", 0)
	step(s, cmdSelect{Peer: "P", Now: t0})

	reply := make(chan View, 1)
	fx := step(s, cmdView{Now: t0, Reply: reply})
	v := first[effReplyView](t, fx).View
	require.Equal(t, types.PeerID("me"), v.Self)
	require.Equal(t, types.StateConnected, v.Connection)
	require.Equal(t, types.PeerID("P"), v.Selected)
	require.Equal(t, types.PeerID("P"), v.Peer)
	require.Len(t, v.Conversations, 1)
}

func TestViewListsTypingPeers(t *testing.T) {
	s := connectedState(t, testConfig())
	transportEvent(s, wire.EventUserTyping, `{"userId":"Q","isTyping":true}`, t0)
	transportEvent(s, wire.EventUserTyping, `{"userId":"P","isTyping":true}`, t0)

	fx := step(s, cmdView{Now: t0.Add(time.Second), Reply: make(chan View, 1)})
	v := first[effReplyView](t, fx).View
	require.Len(t, v.TypingPeers, 2)
	require.Equal(t, types.PeerID("P"), v.TypingPeers[0].PeerID)
	require.Equal(t, types.PeerID("Q"), v.TypingPeers[1].PeerID)

	// Expired indicators are left out even before their timer fires.
	fx = step(s, cmdView{Now: t0.Add(4 * time.Second), Reply: make(chan View, 1)})
	require.Empty(t, first[effReplyView](t, fx).View.TypingPeers)
}

func TestUserChangeDropsCachedState(t *testing.T) {
	s := connectedState(t, testConfig())
	withConversation(s, "P", 2)

	step(s, cmdConnect{Token: "other", Self: "you", Now: t0})
	require.Empty(t, s.store.Conversations())
	require.Equal(t, types.PeerID("you"), s.self)
}
