package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/dealistaan/chatsync/internal/actor"
	"github.com/dealistaan/chatsync/internal/directory"
	"github.com/dealistaan/chatsync/internal/metrics"
	"github.com/dealistaan/chatsync/internal/outbox"
	"github.com/dealistaan/chatsync/internal/websocket"
	"github.com/dealistaan/chatsync/internal/wire"
	"github.com/dealistaan/chatsync/pkg/logger"
	"github.com/dealistaan/chatsync/pkg/types"
)

// Transport opens push connections.
type Transport interface {
	Dial(token string, l websocket.Listener) (websocket.Conn, error)
}

// Directory is the REST API the engine reads snapshots from and writes
// through.
type Directory interface {
	Conversations(ctx context.Context, creds directory.Credentials) ([]types.Conversation, error)
	Thread(ctx context.Context, creds directory.Credentials, peer types.PeerID) ([]types.Message, error)
	Send(ctx context.Context, creds directory.Credentials, payload wire.SendMessagePayload) (types.Message, error)
	MarkRead(ctx context.Context, creds directory.Credentials, peer types.PeerID) error
	Delete(ctx context.Context, creds directory.Credentials, id types.ServerID) error
}

// Runtime interprets engine effects.
//
// It never touches State. Everything it observes (handshakes, server events,
// REST completions, timers) goes back to the loop as an input.
type Runtime struct {
	mu sync.Mutex

	transport Transport
	dir       Directory
	clock     actor.Clock
	metrics   *metrics.Metrics
	publisher *dispatcher
	timeout   time.Duration
	mode      outbox.Mode

	conns  map[uint64]websocket.Conn
	timers map[string]actor.Timer
	calls  sync.WaitGroup

	// deliver hands inputs that must not be lost to the loop, waiting for
	// mailbox space. Transport events go through the non-blocking emit.
	deliver func(context.Context, actor.Input) error
}

func newRuntime(cfg Config, transport Transport, dir Directory, clock actor.Clock, m *metrics.Metrics, pub *dispatcher) *Runtime {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().RequestTimeout
	}
	mode := cfg.Outbox.Mode
	if mode == "" {
		mode = outbox.ModeREST
	}
	return &Runtime{
		transport: transport,
		dir:       dir,
		clock:     clock,
		metrics:   m,
		publisher: pub,
		timeout:   timeout,
		mode:      mode,
		conns:     make(map[uint64]websocket.Conn),
		timers:    make(map[string]actor.Timer),
	}
}

// complete delivers a REST completion, timer fire or transport lifecycle
// event. Dropping one would leave its request or connection state stuck, so
// it waits for the loop instead. It must not run on the loop goroutine.
func (r *Runtime) complete(ctx context.Context, emit func(actor.Input), in actor.Input) {
	if r.deliver == nil {
		emit(in)
		return
	}
	if err := r.deliver(ctx, in); err != nil {
		logger.Debugf("engine: %T not delivered: %v", in, err)
	}
}

// HandleEffects implements actor.Runtime.
func (r *Runtime) HandleEffects(ctx context.Context, effects []actor.Effect, emit func(actor.Input)) {
	for _, eff := range effects {
		select {
		case <-ctx.Done():
			return
		default:
		}

		switch e := eff.(type) {
		case effOpenTransport:
			r.openTransport(ctx, e, emit)
		case effCloseTransport:
			r.closeTransport(e.Gen)
		case effEmit:
			r.emitEvent(e)
		case effStartTimer:
			r.startTimer(ctx, e, emit)
		case effCancelTimer:
			r.cancelTimer(e)
		case effFetchConversations:
			r.fetchConversations(ctx, e, emit)
		case effFetchThread:
			r.fetchThread(ctx, e, emit)
		case effSendMessage:
			r.sendMessage(ctx, e, emit)
		case effMarkRead:
			r.markRead(ctx, e, emit)
		case effDeleteMessage:
			r.deleteMessage(ctx, e, emit)
		case effPublish:
			r.publish(e.Update)
		case effCompleteReply:
			completeReply(e.Reply, e.Err)
		case effReplyView:
			select {
			case e.Reply <- e.View:
			default:
			}
		case effDropped:
			r.metrics.Dropped(e.Event)
		default:
			logger.Debugf("engine: unknown effect %T", eff)
		}
	}
}

// Stop implements actor.Runtime. It closes every open transport and cancels
// all timers.
func (r *Runtime) Stop() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[uint64]websocket.Conn)
	for name, t := range r.timers {
		t.Stop()
		delete(r.timers, name)
	}
	r.mu.Unlock()

	for gen, c := range conns {
		if err := c.Close(); err != nil {
			logger.Debugf("engine: closing transport %d: %v", gen, err)
		}
	}
}

// wait blocks until every directory call started so far has returned.
func (r *Runtime) wait() { r.calls.Wait() }

func completeReply(ch chan error, err error) {
	if ch == nil {
		return
	}
	select {
	case ch <- err:
	default:
	}
}

func (r *Runtime) publish(u Update) {
	switch u.Kind {
	case UpdateConnection:
		r.metrics.Connection(u.Connection)
	case UpdateConversations:
		r.metrics.Unread(u.TotalUnread)
	case UpdateSent:
		r.metrics.Send(string(r.mode), "confirmed")
	case UpdateSendFailed:
		r.metrics.Send(string(r.mode), "failed")
	}
	r.publisher.publish(u)
}

// Transport

func (r *Runtime) openTransport(ctx context.Context, eff effOpenTransport, emit func(actor.Input)) {
	l := &listener{
		ctx:     ctx,
		gen:     eff.Gen,
		emit:    emit,
		notify:  func(in actor.Input) { r.complete(ctx, emit, in) },
		clock:   r.clock,
		metrics: r.metrics,
	}
	conn, err := r.transport.Dial(eff.Token, l)
	if err != nil {
		ev := evTransportDropped{Gen: eff.Gen, Err: err, Now: r.clock.Now()}
		r.calls.Add(1)
		go func() {
			defer r.calls.Done()
			r.complete(ctx, emit, ev)
		}()
		return
	}

	r.mu.Lock()
	prev := r.conns[eff.Gen]
	r.conns[eff.Gen] = conn
	r.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}
}

func (r *Runtime) closeTransport(gen uint64) {
	r.mu.Lock()
	conn := r.conns[gen]
	delete(r.conns, gen)
	r.mu.Unlock()
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		logger.Debugf("engine: closing transport %d: %v", gen, err)
	}
}

func (r *Runtime) emitEvent(eff effEmit) {
	r.mu.Lock()
	conn := r.conns[eff.Gen]
	r.mu.Unlock()
	if conn == nil {
		logger.Debugf("engine: dropping %s for closed transport %d", eff.Event, eff.Gen)
		return
	}
	if err := conn.Emit(eff.Event, eff.Payload); err != nil {
		logger.Warnf("engine: emit %s: %v", eff.Event, err)
		return
	}
	if eff.Event == wire.EventSendMessage {
		r.metrics.Send(string(outbox.ModeTransport), "emitted")
	}
}

// listener forwards socket callbacks of one generation to the loop. Server
// events are dropped when the mailbox is full; connects and disconnects are
// not.
type listener struct {
	ctx     context.Context
	gen     uint64
	emit    func(actor.Input)
	notify  func(actor.Input)
	clock   actor.Clock
	metrics *metrics.Metrics
}

func (l *listener) live() bool { return l.ctx.Err() == nil }

// OnConnect implements websocket.Listener.
func (l *listener) OnConnect() {
	if l.live() {
		l.notify(evTransportConnected{Gen: l.gen, Now: l.clock.Now()})
	}
}

// OnDisconnect implements websocket.Listener.
func (l *listener) OnDisconnect(err error) {
	if l.live() {
		l.notify(evTransportDropped{Gen: l.gen, Err: err, Now: l.clock.Now()})
	}
}

// OnEvent implements websocket.Listener.
func (l *listener) OnEvent(name string, payload json.RawMessage) {
	if !l.live() {
		return
	}
	l.metrics.Event(name)
	l.emit(evTransportEvent{Gen: l.gen, Name: name, Payload: payload, Now: l.clock.Now()})
}

// Directory calls

// spawn runs fn on its own goroutine with a request deadline.
func (r *Runtime) spawn(ctx context.Context, fn func(ctx context.Context)) {
	r.calls.Add(1)
	go func() {
		defer r.calls.Done()
		ctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		fn(ctx)
	}()
}

func (r *Runtime) fetchConversations(ctx context.Context, eff effFetchConversations, emit func(actor.Input)) {
	r.spawn(ctx, func(reqCtx context.Context) {
		convs, err := r.dir.Conversations(reqCtx, eff.Auth)
		r.metrics.Snapshot(err == nil)
		r.complete(ctx, emit, evConversationsFetched{Convs: convs, Err: err, Now: r.clock.Now()})
	})
}

func (r *Runtime) fetchThread(ctx context.Context, eff effFetchThread, emit func(actor.Input)) {
	r.spawn(ctx, func(reqCtx context.Context) {
		msgs, err := r.dir.Thread(reqCtx, eff.Auth, eff.Peer)
		r.complete(ctx, emit, evThreadFetched{Peer: eff.Peer, Msgs: msgs, Err: err, Now: r.clock.Now()})
	})
}

func (r *Runtime) sendMessage(ctx context.Context, eff effSendMessage, emit func(actor.Input)) {
	r.spawn(ctx, func(reqCtx context.Context) {
		msg, err := r.dir.Send(reqCtx, eff.Auth, eff.Payload)
		r.complete(ctx, emit, evSendDone{TempID: eff.TempID, Msg: msg, Err: err, Now: r.clock.Now()})
	})
}

func (r *Runtime) markRead(ctx context.Context, eff effMarkRead, emit func(actor.Input)) {
	r.spawn(ctx, func(reqCtx context.Context) {
		err := r.dir.MarkRead(reqCtx, eff.Auth, eff.Call.Peer)
		r.complete(ctx, emit, evMarkReadDone{Call: eff.Call, Err: err})
	})
}

func (r *Runtime) deleteMessage(ctx context.Context, eff effDeleteMessage, emit func(actor.Input)) {
	r.spawn(ctx, func(reqCtx context.Context) {
		err := r.dir.Delete(reqCtx, eff.Auth, eff.ID)
		r.complete(ctx, emit, evDeleteDone{Peer: eff.Peer, ID: eff.ID, Err: err, Reply: eff.Reply})
	})
}
