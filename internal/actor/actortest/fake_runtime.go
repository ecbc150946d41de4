// Package actortest provides test doubles for the actor framework.
package actortest

import (
	"context"
	"sync"

	"github.com/dealistaan/chatsync/internal/actor"
)

// FakeRuntime stands in for the network and timers of a real runtime. It
// records every effect the loop produces and can answer effects with the
// inputs a real runtime would eventually deliver.
type FakeRuntime struct {
	// Respond, when set, returns the inputs to feed back for eff. They are
	// emitted immediately and in order.
	Respond func(eff actor.Effect) []actor.Input

	mu      sync.Mutex
	effects []actor.Effect
	stopped bool
}

var _ actor.Runtime = (*FakeRuntime)(nil)

// HandleEffects implements actor.Runtime.
func (r *FakeRuntime) HandleEffects(ctx context.Context, effects []actor.Effect, emit func(actor.Input)) {
	r.mu.Lock()
	r.effects = append(r.effects, effects...)
	respond := r.Respond
	r.mu.Unlock()

	if respond == nil {
		return
	}
	for _, eff := range effects {
		if ctx.Err() != nil {
			return
		}
		for _, in := range respond(eff) {
			emit(in)
		}
	}
}

// Stop implements actor.Runtime.
func (r *FakeRuntime) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
}

// Stopped reports whether Stop was called.
func (r *FakeRuntime) Stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

// Effects returns a copy of the recorded effects.
func (r *FakeRuntime) Effects() []actor.Effect {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]actor.Effect(nil), r.effects...)
}

// Find returns the recorded effects of type T, oldest first.
func Find[T actor.Effect](r *FakeRuntime) []T {
	var out []T
	for _, eff := range r.Effects() {
		if v, ok := eff.(T); ok {
			out = append(out, v)
		}
	}
	return out
}
