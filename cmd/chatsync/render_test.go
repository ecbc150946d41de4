package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dealistaan/chatsync/internal/engine"
	"github.com/dealistaan/chatsync/pkg/types"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func TestFormatMessage(t *testing.T) {
	clock := t0.Local().Format(clockFormat)

	m := types.Message{Direction: types.DirectionReceived, Content: "Is it available?", CreatedAt: t0}
	require.Equal(t, clock+" < Is it available?", formatMessage(m))

	m = types.Message{Direction: types.DirectionSent, Content: "Hi", CreatedAt: t0, State: types.MessagePending}
	require.Equal(t, clock+" > Hi (pending)", formatMessage(m))

	m.State = types.MessageConfirmed
	m.IsRead = true
	require.Equal(t, clock+" > Hi (read)", formatMessage(m))

	m.State = types.MessageFailed
	require.Equal(t, clock+" > Hi (failed, read)", formatMessage(m))
}

func TestRenderUpdate(t *testing.T) {
	cases := []struct {
		update engine.Update
		want   string
	}{
		{engine.Update{Kind: engine.UpdateConnection, Connection: types.StateReconnecting}, "* reconnecting\n"},
		{engine.Update{Kind: engine.UpdateConversations, Conversations: make([]types.Conversation, 2), TotalUnread: 3}, "* 2 conversations, 3 unread\n"},
		{engine.Update{Kind: engine.UpdateTyping, Peer: "u2", Typing: types.TypingState{IsTyping: true}}, "[u2] typing...\n"},
		{engine.Update{Kind: engine.UpdateTyping, Peer: "u2"}, "[u2] stopped typing\n"},
		{engine.Update{Kind: engine.UpdatePresence, Peer: "u2", Presence: types.PresenceStatus{Status: "online"}}, "[u2] is online\n"},
		{engine.Update{Kind: engine.UpdateSent, Peer: "u2", TempID: "tmp1", Message: types.Message{ID: "42"}}, "[u2] sent tmp1 as 42\n"},
		{engine.Update{Kind: engine.UpdateError, Err: errors.New("boom")}, "! boom\n"},
		{engine.Update{Kind: engine.UpdateThread, Peer: "u2"}, ""},
	}
	for _, tc := range cases {
		var buf bytes.Buffer
		renderUpdate(&buf, tc.update)
		require.Equal(t, tc.want, buf.String(), tc.update.Kind)
	}
}

func TestRenderThreadPrintsNewest(t *testing.T) {
	var buf bytes.Buffer
	renderUpdate(&buf, engine.Update{
		Kind: engine.UpdateThread,
		Peer: "u2",
		Thread: []types.Message{
			{Direction: types.DirectionReceived, Content: "first", CreatedAt: t0},
			{Direction: types.DirectionReceived, Content: "second", CreatedAt: t0.Add(time.Minute)},
		},
	})
	require.Contains(t, buf.String(), "[u2] ")
	require.Contains(t, buf.String(), "< second")
	require.NotContains(t, buf.String(), "first")
}

func TestRenderConversations(t *testing.T) {
	now := t0.Add(5 * time.Minute)
	convs := []types.Conversation{{
		PeerID:          "u2",
		PeerDisplayName: "Sam",
		UnreadCount:     2,
		UpdatedAt:       t0,
		LastMessage:     &types.Message{Content: "line one\nline two"},
	}}

	var buf bytes.Buffer
	require.NoError(t, renderConversations(&buf, convs, now))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	require.True(t, strings.HasPrefix(lines[0], "PEER"))
	require.Equal(t, []string{"u2", "Sam", "2", "5m", "ago", "line", "one", "line", "two"}, strings.Fields(lines[1]))
}

func TestSince(t *testing.T) {
	require.Equal(t, "-", since(time.Time{}, t0))
	require.Equal(t, "just now", since(t0.Add(-30*time.Second), t0))
	require.Equal(t, "3h ago", since(t0.Add(-3*time.Hour), t0))
	old := t0.Add(-72 * time.Hour)
	require.Equal(t, old.Local().Format("2006-01-02"), since(old, t0))
}

func TestTruncate(t *testing.T) {
	require.Equal(t, "short", truncate("short", 10))
	require.Equal(t, "héllo w…", truncate("héllo world", 8))
}

type fakeClient struct {
	calls []string
	err   error
}

func (f *fakeClient) Select(peer types.PeerID) error {
	f.calls = append(f.calls, "select "+string(peer))
	return f.err
}

func (f *fakeClient) Send(_ context.Context, peer types.PeerID, content string, _ *types.ProductContext) (types.ClientID, error) {
	f.calls = append(f.calls, "send "+string(peer)+" "+content)
	return "tmp", f.err
}

func (f *fakeClient) Retry(_ context.Context, tempID types.ClientID) error {
	f.calls = append(f.calls, "retry "+string(tempID))
	return f.err
}

func (f *fakeClient) Refresh() error {
	f.calls = append(f.calls, "refresh")
	return f.err
}

func TestPromptCommands(t *testing.T) {
	ctx := context.Background()
	fc := &fakeClient{}
	var out bytes.Buffer
	p := &prompt{client: fc, out: &out}

	require.ErrorContains(t, p.handle(ctx, "hello"), "no conversation selected")
	require.NoError(t, p.handle(ctx, "   "))
	require.NoError(t, p.handle(ctx, "/select u2"))
	require.Equal(t, "* talking to u2\n", out.String())
	require.NoError(t, p.handle(ctx, "  Hi there "))
	require.NoError(t, p.handle(ctx, "/retry tmp-7"))
	require.NoError(t, p.handle(ctx, "/refresh"))
	require.ErrorIs(t, p.handle(ctx, "/quit"), errQuit)
	require.ErrorContains(t, p.handle(ctx, "/select"), "usage")
	require.ErrorContains(t, p.handle(ctx, "/nope"), "unknown command")

	require.Equal(t, []string{
		"select u2",
		"send u2 Hi there",
		"retry tmp-7",
		"refresh",
	}, fc.calls)
}

func TestPromptSelectFailureKeepsPeer(t *testing.T) {
	fc := &fakeClient{}
	p := &prompt{client: fc, out: &bytes.Buffer{}}
	require.NoError(t, p.handle(context.Background(), "/select u2"))

	fc.err = engine.ErrStopped
	require.ErrorIs(t, p.handle(context.Background(), "/select u3"), engine.ErrStopped)
	require.Equal(t, types.PeerID("u2"), p.peer)
}
