// Package actor provides the single-threaded event loop the conversation
// engine runs on.
//
// The core idea is:
//   - A single goroutine ("the loop") owns all mutable engine state.
//   - A reducer transforms state given an input and returns effects.
//   - A runtime interprets effects asynchronously and emits events back.
//
// Transport callbacks, REST completions and timers are all delivered as
// inputs, so no two state transitions ever run concurrently and the state
// needs no locking of its own.
package actor

import (
	"context"
	"errors"
	"sync"
)

// Input is an item delivered to an actor mailbox.
//
// Inputs can be events (observations from the runtime) or commands (requests
// from callers). Both only need to be passable through the mailbox.
type Input interface {
	isActorInput()
}

// Effect is a declarative side-effect produced by a reducer.
//
// Effects are data, not execution. The Runtime is responsible for interpreting
// effects and emitting resulting events back to the actor mailbox.
type Effect interface {
	isActorEffect()
}

// ReducerFunc is a state transition function.
//
// Reducers must not perform I/O, spawn goroutines, read the wall clock or
// generate random ids; time and ids are injected via inputs instead. State
// may hold reference types (maps, pointers to containers) as long as they are
// only touched from the loop.
type ReducerFunc[S any] func(state S, input Input) (next S, effects []Effect)

// Runtime interprets effects and emits follow-up inputs back to the actor.
//
// Implementations must not mutate actor state directly. Instead, they should
// emit events back through the provided emitter.
type Runtime interface {
	// HandleEffects executes effects. It is called on the loop goroutine and
	// must return quickly; blocking work must run asynchronously.
	// Implementations must stop emitting once the context is canceled.
	HandleEffects(ctx context.Context, effects []Effect, emit func(Input))

	// Stop requests that the runtime stop any background work. It may be called
	// multiple times.
	Stop()
}

// Hooks provide optional observability into an actor's execution.
type Hooks[S any] struct {
	// OnInput is called after an input is dequeued, before reducing.
	OnInput func(input Input)
	// OnEffects is called after reducing, before effects are handed to Runtime.
	OnEffects func(effects []Effect)
	// OnDrop is called when an input could not be enqueued because the
	// mailbox was full.
	OnDrop func(input Input)
	// OnPanic is called when the loop panics. If nil, panics propagate to crash.
	OnPanic func(recovered any)
}

// DefaultMailboxSize is the mailbox buffer used unless WithMailboxSize is given.
const DefaultMailboxSize = 1024

// Actor runs a single-threaded event loop that owns state of type S.
type Actor[S any] struct {
	reduce  ReducerFunc[S]
	runtime Runtime
	hooks   Hooks[S]

	state S

	inbox  chan Input
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// New creates a new actor with initial state, reducer, and runtime.
func New[S any](initial S, reducer ReducerFunc[S], runtime Runtime, opts ...Option[S]) *Actor[S] {
	ctx, cancel := context.WithCancel(context.Background())
	a := &Actor[S]{
		reduce:  reducer,
		runtime: runtime,
		state:   initial,
		inbox:   make(chan Input, DefaultMailboxSize),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Option configures an Actor.
type Option[S any] func(*Actor[S])

// WithHooks attaches hooks for observability.
func WithHooks[S any](hooks Hooks[S]) Option[S] {
	return func(a *Actor[S]) { a.hooks = hooks }
}

// WithMailboxSize sets the actor mailbox buffer size.
func WithMailboxSize[S any](n int) Option[S] {
	return func(a *Actor[S]) {
		if n <= 0 {
			return
		}
		a.inbox = make(chan Input, n)
	}
}

// Start launches the actor loop in its own goroutine.
//
// Start is idempotent; calling Start multiple times has no effect.
func (a *Actor[S]) Start() {
	a.once.Do(func() { go a.loop() })
}

// Stop cancels the actor context and stops the runtime.
//
// Stop is safe to call multiple times.
func (a *Actor[S]) Stop() {
	a.cancel()
	if a.runtime != nil {
		a.runtime.Stop()
	}
}

// Done returns a channel that closes when the actor loop exits.
func (a *Actor[S]) Done() <-chan struct{} { return a.done }

// Stopped reports whether Stop has been called.
func (a *Actor[S]) Stopped() bool {
	select {
	case <-a.ctx.Done():
		return true
	default:
		return false
	}
}

// Enqueue delivers an input to the actor mailbox.
//
// Enqueue never blocks: if the actor is stopped or the mailbox is full it
// returns false.
func (a *Actor[S]) Enqueue(input Input) bool {
	if input == nil {
		return false
	}
	if a.Stopped() {
		return false
	}
	select {
	case a.inbox <- input:
		return true
	default:
		if a.hooks.OnDrop != nil {
			a.hooks.OnDrop(input)
		}
		return false
	}
}

// EnqueueCtx delivers an input to the actor mailbox, waiting for space until
// ctx is done or the actor stops. It must not be called from the loop
// goroutine.
func (a *Actor[S]) EnqueueCtx(ctx context.Context, input Input) error {
	if input == nil {
		return nil
	}
	if a.Stopped() {
		return ErrStopped
	}
	select {
	case a.inbox <- input:
		return nil
	default:
	}
	select {
	case a.inbox <- input:
		return nil
	case <-a.ctx.Done():
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// loop runs the actor event loop.
func (a *Actor[S]) loop() {
	defer close(a.done)
	defer func() {
		if r := recover(); r != nil {
			if a.hooks.OnPanic != nil {
				a.hooks.OnPanic(r)
				return
			}
			panic(r)
		}
	}()

	emit := func(in Input) {
		_ = a.Enqueue(in)
	}

	for {
		select {
		case <-a.ctx.Done():
			return
		case in := <-a.inbox:
			if in == nil {
				continue
			}
			if a.hooks.OnInput != nil {
				a.hooks.OnInput(in)
			}

			next, effects := a.reduce(a.state, in)
			a.state = next

			if len(effects) > 0 && a.hooks.OnEffects != nil {
				a.hooks.OnEffects(effects)
			}
			if a.runtime != nil && len(effects) > 0 {
				a.runtime.HandleEffects(a.ctx, effects, emit)
			}
		}
	}
}

// ErrStopped is returned by helpers when the actor has been stopped.
var ErrStopped = errors.New("actor stopped")
