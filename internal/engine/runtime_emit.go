package engine

import (
	"context"

	"github.com/dealistaan/chatsync/internal/actor"
)

// startTimer schedules a single named timer and emits evTimerFired when it
// fires. Starting a name that is already scheduled replaces it.
func (r *Runtime) startTimer(ctx context.Context, eff effStartTimer, emit func(actor.Input)) {
	if eff.Name == "" {
		return
	}
	if eff.Name == timerReconnect {
		r.metrics.Reconnect()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev := r.timers[eff.Name]; prev != nil {
		prev.Stop()
	}
	r.timers[eff.Name] = r.clock.AfterFunc(eff.After, func() {
		if ctx.Err() != nil {
			return
		}
		r.complete(ctx, emit, evTimerFired{Name: eff.Name, Seq: eff.Seq, Now: r.clock.Now()})
	})
}

// cancelTimer cancels a previously started named timer.
func (r *Runtime) cancelTimer(eff effCancelTimer) {
	if eff.Name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if t := r.timers[eff.Name]; t != nil {
		t.Stop()
	}
	delete(r.timers, eff.Name)
}
