// Package outbox implements the optimistic send pipeline.
//
// Send stores a provisional message right away and returns a Request for the
// caller to perform asynchronously. The outcome comes back through Succeeded,
// Failed or Settled (when a transport echo confirmed the message first).
// Failures are never retried automatically; Retry is user initiated.
package outbox

import (
	"fmt"
	"time"

	"github.com/dealistaan/chatsync/internal/store"
	"github.com/dealistaan/chatsync/internal/wire"
	"github.com/dealistaan/chatsync/pkg/types"
)

// Mode selects how a send reaches the server.
type Mode string

const (
	// ModeREST posts to the directory API and reconciles with its response.
	ModeREST Mode = "rest"
	// ModeTransport emits send_message and waits for the message_sent echo.
	ModeTransport Mode = "transport"
)

// ParseMode parses a send mode name.
func ParseMode(raw string) (Mode, error) {
	switch Mode(raw) {
	case "", ModeREST:
		return ModeREST, nil
	case ModeTransport:
		return ModeTransport, nil
	default:
		return ModeREST, fmt.Errorf("unknown send mode %q", raw)
	}
}

// Config controls the pipeline.
type Config struct {
	Mode      Mode
	MaxLength int
	// ConfirmTimeout bounds how long a transport send waits for its echo.
	ConfirmTimeout time.Duration
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() Config {
	return Config{
		Mode:           ModeREST,
		MaxLength:      DefaultMaxLength,
		ConfirmTimeout: 10 * time.Second,
	}
}

// Store is the subset of the conversation store the pipeline writes through.
type Store interface {
	IngestMessage(msg types.Message, forPeer types.PeerID) (store.Result, error)
	ReconcileOptimistic(tempID types.ClientID, server types.Message) (store.Result, error)
	MarkFailed(tempID types.ClientID) (bool, error)
	MarkPending(tempID types.ClientID) (types.Message, error)
}

// Request is a send the caller must perform.
type Request struct {
	TempID  types.ClientID
	Peer    types.PeerID
	Mode    Mode
	Payload wire.SendMessagePayload
	// Attempt counts user retries, starting at 1.
	Attempt int
}

// Pipeline tracks in-flight optimistic sends.
type Pipeline struct {
	cfg      Config
	store    Store
	inflight map[types.ClientID]*Request
	// attempts remembers the last attempt number of settled sends for Retry.
	attempts map[types.ClientID]int
}

// New returns a pipeline writing through s.
func New(cfg Config, s Store) *Pipeline {
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = DefaultMaxLength
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeREST
	}
	return &Pipeline{cfg: cfg, store: s, inflight: make(map[types.ClientID]*Request)}
}

// Config returns the active configuration.
func (p *Pipeline) Config() Config { return p.cfg }

// Send validates content, stores a pending message under tempID and returns
// the request to perform. Invalid input never reaches the store.
func (p *Pipeline) Send(tempID types.ClientID, peer types.PeerID, content string, product *types.ProductContext, now time.Time) (Request, error) {
	if peer == "" {
		return Request{}, fmt.Errorf("send: missing peer: %w", store.ErrInvalidArgument)
	}
	if tempID == "" {
		return Request{}, fmt.Errorf("send: missing temp id: %w", store.ErrInvalidArgument)
	}
	clean, err := Validate(content, p.cfg.MaxLength)
	if err != nil {
		return Request{}, err
	}

	msg := types.Message{
		TempID:    tempID,
		PeerID:    peer,
		Direction: types.DirectionSent,
		Content:   clean,
		CreatedAt: now,
		State:     types.MessagePending,
	}
	if product != nil {
		cp := *product
		msg.Product = &cp
	}
	res, err := p.store.IngestMessage(msg, peer)
	if err != nil {
		return Request{}, err
	}
	if res.Outcome != store.Inserted {
		return Request{}, fmt.Errorf("send: temp id %s already used: %w", tempID, store.ErrInvalidArgument)
	}

	req := &Request{
		TempID:  tempID,
		Peer:    peer,
		Mode:    p.cfg.Mode,
		Attempt: 1,
		Payload: payloadFor(tempID, peer, clean, product),
	}
	p.inflight[tempID] = req
	return *req, nil
}

// Retry re-sends a failed message.
func (p *Pipeline) Retry(tempID types.ClientID) (Request, error) {
	prevAttempt := 0
	if prev, ok := p.inflight[tempID]; ok {
		return Request{}, fmt.Errorf("retry %s: attempt %d still in flight: %w", tempID, prev.Attempt, store.ErrInvalidArgument)
	}
	msg, err := p.store.MarkPending(tempID)
	if err != nil {
		return Request{}, err
	}
	if n, ok := p.attempts[tempID]; ok {
		prevAttempt = n
	}
	req := &Request{
		TempID:  tempID,
		Peer:    msg.PeerID,
		Mode:    p.cfg.Mode,
		Attempt: prevAttempt + 1,
		Payload: payloadFor(tempID, msg.PeerID, msg.Content, msg.Product),
	}
	p.inflight[tempID] = req
	return *req, nil
}

// Succeeded reconciles tempID with the server's copy of the message.
func (p *Pipeline) Succeeded(tempID types.ClientID, server types.Message) (store.Result, error) {
	p.settle(tempID)
	return p.store.ReconcileOptimistic(tempID, server)
}

// Failed marks tempID failed. It reports false when the message was already
// confirmed (e.g. by an echo that beat the error) and the failure is moot.
// The returned error wraps ErrSendFailed and cause.
func (p *Pipeline) Failed(tempID types.ClientID, cause error) (bool, error) {
	p.settle(tempID)
	changed, err := p.store.MarkFailed(tempID)
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}
	return true, fmt.Errorf("%w: %w", ErrSendFailed, cause)
}

// Settled drops tracking for tempID after a transport echo confirmed it.
// It reports whether the send was in flight.
func (p *Pipeline) Settled(tempID types.ClientID) bool {
	_, ok := p.inflight[tempID]
	p.settle(tempID)
	return ok
}

// InFlight reports whether tempID awaits an outcome.
func (p *Pipeline) InFlight(tempID types.ClientID) bool {
	_, ok := p.inflight[tempID]
	return ok
}

// Pending returns the number of sends awaiting an outcome.
func (p *Pipeline) Pending() int { return len(p.inflight) }

// Reset forgets every in-flight send.
func (p *Pipeline) Reset() {
	p.inflight = make(map[types.ClientID]*Request)
	p.attempts = nil
}

func (p *Pipeline) settle(tempID types.ClientID) {
	req, ok := p.inflight[tempID]
	if !ok {
		return
	}
	if p.attempts == nil {
		p.attempts = make(map[types.ClientID]int)
	}
	p.attempts[tempID] = req.Attempt
	delete(p.inflight, tempID)
}

func payloadFor(tempID types.ClientID, peer types.PeerID, content string, product *types.ProductContext) wire.SendMessagePayload {
	out := wire.SendMessagePayload{
		Receiver: string(peer),
		Content:  content,
		LocalID:  string(tempID),
	}
	if product != nil {
		out.Product = product.ID
	}
	return out
}
