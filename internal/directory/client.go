// Package directory is the REST client for the conversation directory API.
//
// Every call authenticates with the bearer token of the caller's Credentials
// and converts server documents into domain types from the caller's point of
// view. Responses are unwrapped from the {success, message, data} envelope;
// an explicit success:false is an error even on HTTP 200.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dealistaan/chatsync/internal/metrics"
	"github.com/dealistaan/chatsync/internal/wire"
	"github.com/dealistaan/chatsync/pkg/logger"
	"github.com/dealistaan/chatsync/pkg/types"
	"resty.dev/v3"
)

const (
	pathConversations = "/messages/get-conversations"
	pathThread        = "/messages/get-messages-between-users"
	pathSend          = "/messages/send-message"
	pathMarkRead      = "/messages/mark-as-read"
	pathDelete        = "/messages/delete-message"
	pathUnreadCount   = "/messages/get-unread-count"
)

// DefaultTimeout bounds every request unless the context is shorter.
const DefaultTimeout = 10 * time.Second

var (
	// ErrRejected is returned when the server answers success:false.
	ErrRejected = errors.New("request rejected")
	// ErrMalformed is returned for responses that lack the expected data.
	ErrMalformed = errors.New("malformed response")
)

// APIError is a non-2xx response.
type APIError struct {
	Op      string
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: http %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: http %d: %s", e.Op, e.Status, e.Message)
}

// Credentials identify the caller.
type Credentials struct {
	Token string
	Self  types.PeerID
}

// Config configures the client.
type Config struct {
	// BaseURL is the API root including the /api prefix.
	BaseURL string
	Timeout time.Duration
	Debug   bool
}

// Client talks to the directory API.
type Client struct {
	http    *resty.Client
	metrics *metrics.Metrics
}

// New returns a client for cfg. m may be nil.
func New(cfg Config, m *metrics.Metrics) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	hc := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json").
		SetLogger(restyLogger{}).
		SetDebug(cfg.Debug)
	return &Client{http: hc, metrics: m}
}

// Close releases idle connections.
func (c *Client) Close() error { return c.http.Close() }

// Conversations fetches the conversation list.
func (c *Client) Conversations(ctx context.Context, creds Credentials) ([]types.Conversation, error) {
	const op = "get conversations"
	env, err := c.do(ctx, creds, op, http.MethodGet, pathConversations, nil)
	if err != nil {
		return nil, err
	}

	raw, ok := env.Field("conversations")
	if !ok {
		if !isArray(env.Data) {
			return nil, fmt.Errorf("%s: %w: no conversations", op, ErrMalformed)
		}
		raw = env.Data
	}
	var rows []wire.ConversationSummary
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrMalformed, err)
	}

	out := make([]types.Conversation, 0, len(rows))
	for i, row := range rows {
		conv, err := row.ToDomain(creds.Self)
		if err != nil {
			logger.Warnf("directory: skipping conversation row %d: %v", i, err)
			continue
		}
		out = append(out, conv)
	}
	return out, nil
}

// Thread fetches the message history with peer.
func (c *Client) Thread(ctx context.Context, creds Credentials, peer types.PeerID) ([]types.Message, error) {
	const op = "get messages"
	env, err := c.do(ctx, creds, op, http.MethodGet, pathThread, func(r *resty.Request) {
		r.SetQueryParam("userId", string(peer))
	})
	if err != nil {
		return nil, err
	}

	raw, ok := env.Field("messages")
	if !ok {
		return nil, fmt.Errorf("%s: %w: no messages", op, ErrMalformed)
	}
	var docs []wire.Message
	if err := json.Unmarshal(raw, &docs); err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrMalformed, err)
	}

	out := make([]types.Message, 0, len(docs))
	for _, doc := range docs {
		msg, err := doc.ToDomain(creds.Self)
		if err != nil {
			logger.Warnf("directory: skipping message: %v", err)
			continue
		}
		if msg.PeerID != peer {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// Send posts a message and returns the server's copy of it.
func (c *Client) Send(ctx context.Context, creds Credentials, payload wire.SendMessagePayload) (types.Message, error) {
	const op = "send message"
	env, err := c.do(ctx, creds, op, http.MethodPost, pathSend, func(r *resty.Request) {
		r.SetBody(payload)
	})
	if err != nil {
		return types.Message{}, err
	}

	doc, err := env.CreatedMessage()
	if err != nil {
		return types.Message{}, fmt.Errorf("%s: %w: %w", op, ErrMalformed, err)
	}
	msg, err := doc.ToDomain(creds.Self)
	if err != nil {
		return types.Message{}, fmt.Errorf("%s: %w: %w", op, ErrMalformed, err)
	}
	// The response may leave sender and receiver unpopulated.
	msg.Direction = types.DirectionSent
	msg.PeerID = types.PeerID(payload.Receiver)
	return msg, nil
}

// MarkRead marks every message from peer as read.
func (c *Client) MarkRead(ctx context.Context, creds Credentials, peer types.PeerID) error {
	_, err := c.do(ctx, creds, "mark as read", http.MethodPatch, pathMarkRead, func(r *resty.Request) {
		r.SetBody(wire.MarkAsReadPayload{SenderID: string(peer)})
	})
	return err
}

// Delete deletes one of the caller's messages.
func (c *Client) Delete(ctx context.Context, creds Credentials, id types.ServerID) error {
	_, err := c.do(ctx, creds, "delete message", http.MethodDelete, pathDelete, func(r *resty.Request) {
		r.SetQueryParam("id", string(id))
	})
	return err
}

// UnreadCount fetches the caller's global unread count.
func (c *Client) UnreadCount(ctx context.Context, creds Credentials) (uint, error) {
	const op = "get unread count"
	env, err := c.do(ctx, creds, op, http.MethodGet, pathUnreadCount, nil)
	if err != nil {
		return 0, err
	}
	raw, ok := env.Field("unreadCount")
	if !ok {
		return 0, fmt.Errorf("%s: %w: no unreadCount", op, ErrMalformed)
	}
	var n wire.Count
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("%s: %w: %w", op, ErrMalformed, err)
	}
	return n.Value, nil
}

func (c *Client) do(ctx context.Context, creds Credentials, op, method, path string, build func(*resty.Request)) (wire.Envelope, error) {
	var env, fail wire.Envelope
	req := c.http.R().
		SetContext(ctx).
		SetAuthToken(creds.Token).
		SetResult(&env).
		SetError(&fail)
	if build != nil {
		build(req)
	}

	start := time.Now()
	res, err := req.Execute(method, path)
	ok := err == nil && res != nil && res.IsSuccess() && !env.Rejected()
	c.metrics.Request(op, time.Since(start).Seconds(), ok)

	if res != nil && res.IsError() {
		msg := fail.Text()
		if msg == "" && err == nil {
			msg = res.String()
		}
		return wire.Envelope{}, &APIError{Op: op, Status: res.StatusCode(), Message: msg}
	}
	if err != nil {
		return wire.Envelope{}, fmt.Errorf("%s: %w", op, err)
	}
	if env.Rejected() {
		return wire.Envelope{}, fmt.Errorf("%s: %w: %s", op, ErrRejected, env.Text())
	}
	return env, nil
}

func isArray(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return strings.HasPrefix(s, "[")
}

// restyLogger routes resty's diagnostics through the package logger.
type restyLogger struct{}

func (restyLogger) Errorf(format string, v ...any) { logger.Errorf("directory: "+format, v...) }
func (restyLogger) Warnf(format string, v ...any)  { logger.Warnf("directory: "+format, v...) }
func (restyLogger) Debugf(format string, v ...any) { logger.Debugf("directory: "+format, v...) }
