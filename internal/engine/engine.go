// Package engine runs the conversation sync engine: one event loop that owns
// the conversation store and every component writing to it, fed by the push
// transport, the REST directory, timers and view-layer commands.
//
// View layers read through View and Subscribe only; every mutation is a
// command processed on the loop.
package engine

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dealistaan/chatsync/internal/actor"
	"github.com/dealistaan/chatsync/internal/authtoken"
	"github.com/dealistaan/chatsync/internal/connection"
	"github.com/dealistaan/chatsync/internal/metrics"
	"github.com/dealistaan/chatsync/pkg/logger"
	"github.com/dealistaan/chatsync/pkg/types"
	"github.com/oklog/ulid/v2"
)

// Engine is the public handle of the engine loop. It is safe for concurrent
// use.
type Engine struct {
	cfg      Config
	clock    actor.Clock
	actor    *actor.Actor[*State]
	runtime  *Runtime
	dispatch *dispatcher
	started  atomic.Bool
}

type options struct {
	clock   actor.Clock
	metrics *metrics.Metrics
}

// Option configures New.
type Option func(*options)

// WithClock replaces the wall clock, e.g. with a fake in tests.
func WithClock(c actor.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithMetrics records engine metrics in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// New returns an engine that pushes through transport and pulls from dir.
// Call Start before use.
func New(cfg Config, transport Transport, dir Directory, opts ...Option) *Engine {
	o := options{clock: actor.RealClock{}}
	for _, opt := range opts {
		opt(&o)
	}

	pub := newDispatcher(cfg.UpdateBuffer)
	rt := newRuntime(cfg, transport, dir, o.clock, o.metrics, pub)
	hooks := actor.Hooks[*State]{
		OnInput: func(in actor.Input) {
			if logger.Enabled(logger.LevelTrace) {
				logger.Tracef("engine: input %T", in)
			}
		},
		OnDrop: func(in actor.Input) {
			logger.Warnf("engine: mailbox full, dropping %T", in)
			o.metrics.MailboxDrop()
		},
	}

	a := actor.New(newState(cfg), Reduce, rt,
		actor.WithHooks(hooks),
		actor.WithMailboxSize[*State](cfg.MailboxSize),
	)
	rt.deliver = a.EnqueueCtx

	return &Engine{
		cfg:      cfg,
		clock:    o.clock,
		actor:    a,
		runtime:  rt,
		dispatch: pub,
	}
}

// Start launches the loop.
func (e *Engine) Start() {
	e.started.Store(true)
	e.actor.Start()
}

// Close stops the loop, closes the transport and waits for in-flight
// directory calls and queued updates. It must not be called from a
// subscriber.
func (e *Engine) Close() error {
	e.actor.Stop()
	if e.started.Load() {
		<-e.actor.Done()
	}
	e.runtime.wait()
	e.dispatch.close()
	return nil
}

// Subscribe registers fn for updates. Updates are delivered in order on one
// goroutine; fn must not block for long. The returned function unsubscribes.
func (e *Engine) Subscribe(fn func(Update)) func() {
	return e.dispatch.subscribe(fn)
}

func (e *Engine) enqueue(in actor.Input) error {
	if e.actor.Enqueue(in) {
		return nil
	}
	if e.actor.Stopped() {
		return ErrStopped
	}
	return ErrBusy
}

func (e *Engine) await(ctx context.Context, reply chan error) error {
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.actor.Done():
		return ErrStopped
	}
}

// call enqueues in and waits for its reply.
func (e *Engine) call(ctx context.Context, in actor.Input, reply chan error) error {
	if err := e.enqueue(in); err != nil {
		return err
	}
	return e.await(ctx, reply)
}

// Connect starts the session with a bearer token. The user id is read from
// the token unless Config.SelfID is set. It returns once the transport is
// being opened; the handshake outcome arrives as an UpdateConnection.
func (e *Engine) Connect(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return connection.ErrNoToken
	}

	self := e.cfg.SelfID
	claims, err := authtoken.Parse(token)
	switch {
	case err == nil:
		if self == "" {
			self = claims.UserID
		}
		if claims.Expired(e.clock.Now()) {
			logger.Warnf("engine: token expired at %s, trying anyway", claims.ExpiresAt.Format(time.RFC3339))
		}
	case self == "":
		return fmt.Errorf("%w: %w", ErrUnknownSelf, err)
	}
	if self == "" {
		return ErrUnknownSelf
	}

	reply := make(chan error, 1)
	return e.call(ctx, cmdConnect{Token: token, Self: self, Now: e.clock.Now(), Reply: reply}, reply)
}

// Disconnect closes the transport. Cached conversations stay readable.
func (e *Engine) Disconnect(ctx context.Context) error {
	reply := make(chan error, 1)
	return e.call(ctx, cmdDisconnect{Reply: reply}, reply)
}

// Select makes peer the viewed conversation; an empty peer deselects.
func (e *Engine) Select(peer types.PeerID) error {
	return e.enqueue(cmdSelect{Peer: peer, Now: e.clock.Now()})
}

// Send stores an optimistic message to peer and returns its temp id. The
// outcome arrives as UpdateSent or UpdateSendFailed. Invalid content fails
// here without touching the store.
func (e *Engine) Send(ctx context.Context, peer types.PeerID, content string, product *types.ProductContext) (types.ClientID, error) {
	now := e.clock.Now()
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate temp id: %w", err)
	}
	tempID := types.ClientID(id.String())

	reply := make(chan error, 1)
	cmd := cmdSend{TempID: tempID, Peer: peer, Content: content, Product: product, Now: now, Reply: reply}
	if err := e.call(ctx, cmd, reply); err != nil {
		return "", err
	}
	return tempID, nil
}

// Retry re-sends a failed message.
func (e *Engine) Retry(ctx context.Context, tempID types.ClientID) error {
	reply := make(chan error, 1)
	return e.call(ctx, cmdRetry{TempID: tempID, Now: e.clock.Now(), Reply: reply}, reply)
}

// Typing records a keypress in the conversation with peer.
func (e *Engine) Typing(peer types.PeerID) error {
	return e.enqueue(cmdKeypress{Peer: peer, Now: e.clock.Now()})
}

// StopTyping ends local typing toward peer right away.
func (e *Engine) StopTyping(peer types.PeerID) error {
	return e.enqueue(cmdStopTyping{Peer: peer})
}

// Delete deletes one of the user's confirmed messages.
func (e *Engine) Delete(ctx context.Context, peer types.PeerID, id types.ServerID) error {
	reply := make(chan error, 1)
	return e.call(ctx, cmdDelete{Peer: peer, ID: id, Reply: reply}, reply)
}

// Refresh refetches the conversation list and the viewed thread.
func (e *Engine) Refresh() error {
	return e.enqueue(cmdRefresh{})
}

// View returns a snapshot of the engine state with the thread of peer, or
// of the selected conversation when peer is empty.
func (e *Engine) View(ctx context.Context, peer types.PeerID) (View, error) {
	reply := make(chan View, 1)
	if err := e.enqueue(cmdView{Peer: peer, Now: e.clock.Now(), Reply: reply}); err != nil {
		return View{}, err
	}
	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		return View{}, ctx.Err()
	case <-e.actor.Done():
		return View{}, ErrStopped
	}
}
