package directory

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dealistaan/chatsync/internal/metrics"
	"github.com/dealistaan/chatsync/internal/wire"
	"github.com/dealistaan/chatsync/pkg/types"
	"github.com/stretchr/testify/require"
)

var creds = Credentials{Token: "tok", Self: "me"}

type recorded struct {
	method string
	path   string
	query  string
	auth   string
	body   []byte
}

func newServer(t *testing.T, status int, body string) (*Client, *recorded) {
	t.Helper()
	rec := &recorded{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.method = r.Method
		rec.path = r.URL.Path
		rec.query = r.URL.RawQuery
		rec.auth = r.Header.Get("Authorization")
		rec.body, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	c := New(Config{BaseURL: srv.URL + "/api/"}, metrics.New())
	t.Cleanup(func() { _ = c.Close() })
	return c, rec
}

func TestConversations(t *testing.T) {
	c, rec := newServer(t, http.StatusOK, `{
		"success": true,
		"data": {"conversations": [
			{"otherUser": {"_id": "P", "name": "Sara"}, "unreadCount": 2,
			 "lastMessage": {"_id": "m1", "sender": "P", "receiver": "me", "content": "Hi",
			                 "createdAt": "2024-03-01T10:00:00Z"}},
			{"otherUser": {}, "unreadCount": 1}
		]}
	}`)

	convs, err := c.Conversations(context.Background(), creds)
	require.NoError(t, err)
	require.Equal(t, http.MethodGet, rec.method)
	require.Equal(t, "/api/messages/get-conversations", rec.path)
	require.Equal(t, "Bearer tok", rec.auth)

	// The row without a peer is skipped.
	require.Len(t, convs, 1)
	require.Equal(t, types.PeerID("P"), convs[0].PeerID)
	require.Equal(t, "Sara", convs[0].PeerDisplayName)
	require.Equal(t, uint(2), convs[0].UnreadCount)
	require.NotNil(t, convs[0].LastMessage)
	require.Equal(t, "Hi", convs[0].LastMessage.Content)
	require.Equal(t, types.DirectionReceived, convs[0].LastMessage.Direction)
}

func TestConversationsDoublyWrapped(t *testing.T) {
	c, _ := newServer(t, http.StatusOK, `{
		"success": true,
		"data": {"data": {"conversations": [{"otherUser": "P", "unreadCount": "3"}]}}
	}`)

	convs, err := c.Conversations(context.Background(), creds)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	require.Equal(t, uint(3), convs[0].UnreadCount)
}

func TestConversationsMissingData(t *testing.T) {
	c, _ := newServer(t, http.StatusOK, `{"success": true, "data": {}}`)

	_, err := c.Conversations(context.Background(), creds)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestThreadFiltersOtherPeers(t *testing.T) {
	c, rec := newServer(t, http.StatusOK, `{
		"success": true,
		"data": {"messages": [
			{"_id": "m1", "sender": "P", "receiver": "me", "content": "Hi", "createdAt": "2024-03-01T10:00:00Z"},
			{"_id": "m2", "sender": "me", "receiver": "P", "content": "Hello", "createdAt": "2024-03-01T10:01:00Z"},
			{"_id": "m3", "sender": "Q", "receiver": "me", "content": "stray", "createdAt": "2024-03-01T10:02:00Z"},
			{"sender": "P", "receiver": "me", "content": "no id"}
		]}
	}`)

	msgs, err := c.Thread(context.Background(), creds, "P")
	require.NoError(t, err)
	require.Equal(t, "/api/messages/get-messages-between-users", rec.path)
	require.Equal(t, "userId=P", rec.query)

	require.Len(t, msgs, 2)
	require.Equal(t, types.DirectionReceived, msgs[0].Direction)
	require.Equal(t, types.DirectionSent, msgs[1].Direction)
	require.Equal(t, types.PeerID("P"), msgs[1].PeerID)
}

func TestSend(t *testing.T) {
	c, rec := newServer(t, http.StatusCreated, `{
		"success": true,
		"data": {"messageData": {"_id": "m9", "content": "Hi", "createdAt": "2024-03-01T10:00:00Z"}}
	}`)

	payload := wire.SendMessagePayload{Receiver: "P", Content: "Hi", LocalID: "tmp-1"}
	msg, err := c.Send(context.Background(), creds, payload)
	require.NoError(t, err)
	require.Equal(t, http.MethodPost, rec.method)
	require.Equal(t, "/api/messages/send-message", rec.path)

	var sent map[string]any
	require.NoError(t, json.Unmarshal(rec.body, &sent))
	require.Equal(t, "P", sent["receiver"])
	require.Equal(t, "Hi", sent["content"])
	require.Equal(t, "tmp-1", sent["localId"])

	require.Equal(t, types.ServerID("m9"), msg.ID)
	require.Equal(t, types.DirectionSent, msg.Direction)
	require.Equal(t, types.PeerID("P"), msg.PeerID)
	require.Equal(t, types.MessageConfirmed, msg.State)
}

func TestSendWithoutMessage(t *testing.T) {
	c, _ := newServer(t, http.StatusOK, `{"success": true, "message": "sent"}`)

	_, err := c.Send(context.Background(), creds, wire.SendMessagePayload{Receiver: "P", Content: "Hi"})
	require.ErrorIs(t, err, ErrMalformed)
}

func TestMarkRead(t *testing.T) {
	c, rec := newServer(t, http.StatusOK, `{"success": true}`)

	require.NoError(t, c.MarkRead(context.Background(), creds, "P"))
	require.Equal(t, http.MethodPatch, rec.method)
	require.Equal(t, "/api/messages/mark-as-read", rec.path)
	require.JSONEq(t, `{"senderId":"P"}`, string(rec.body))
}

func TestDelete(t *testing.T) {
	c, rec := newServer(t, http.StatusOK, `{"success": true}`)

	require.NoError(t, c.Delete(context.Background(), creds, "m1"))
	require.Equal(t, http.MethodDelete, rec.method)
	require.Equal(t, "/api/messages/delete-message", rec.path)
	require.Equal(t, "id=m1", rec.query)
}

func TestUnreadCount(t *testing.T) {
	c, _ := newServer(t, http.StatusOK, `{"success": true, "data": {"unreadCount": 7}}`)

	n, err := c.UnreadCount(context.Background(), creds)
	require.NoError(t, err)
	require.Equal(t, uint(7), n)
}

func TestRejectedOnSuccessStatus(t *testing.T) {
	c, _ := newServer(t, http.StatusOK, `{"success": false, "message": "not your message"}`)

	err := c.Delete(context.Background(), creds, "m1")
	require.ErrorIs(t, err, ErrRejected)
	require.Contains(t, err.Error(), "not your message")
}

func TestHTTPError(t *testing.T) {
	c, _ := newServer(t, http.StatusUnauthorized, `{"success": false, "message": "invalid token"}`)

	err := c.MarkRead(context.Background(), creds, "P")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusUnauthorized, apiErr.Status)
	require.Equal(t, "invalid token", apiErr.Message)
	require.Equal(t, "mark as read", apiErr.Op)
}

func TestContextCancelled(t *testing.T) {
	c, _ := newServer(t, http.StatusOK, `{"success": true}`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.MarkRead(ctx, creds, "P")
	require.ErrorIs(t, err, context.Canceled)
}
