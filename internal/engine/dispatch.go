package engine

import (
	"sort"
	"sync"

	"github.com/dealistaan/chatsync/pkg/logger"
)

// dispatcher delivers updates to subscribers on a single goroutine, in
// publish order, so a slow subscriber never stalls the engine loop.
type dispatcher struct {
	mu     sync.Mutex
	subs   map[uint64]func(Update)
	next   uint64
	closed bool

	q    chan Update
	done chan struct{}
}

func newDispatcher(queueSize int) *dispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	d := &dispatcher{
		subs: make(map[uint64]func(Update)),
		q:    make(chan Update, queueSize),
		done: make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) run() {
	defer close(d.done)
	for u := range d.q {
		for _, fn := range d.snapshot() {
			fn(u)
		}
	}
}

// snapshot returns the subscribers in subscription order.
func (d *dispatcher) snapshot() []func(Update) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]uint64, 0, len(d.subs))
	for id := range d.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]func(Update), len(ids))
	for i, id := range ids {
		out[i] = d.subs[id]
	}
	return out
}

// subscribe registers fn and returns a function that removes it.
func (d *dispatcher) subscribe(fn func(Update)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	id := d.next
	d.subs[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.subs, id)
	}
}

// publish queues u. When the queue is full the update is dropped; views
// recover by asking for a View.
func (d *dispatcher) publish(u Update) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	select {
	case d.q <- u:
	default:
		logger.Warnf("engine: subscriber queue full, dropping %s update", u.Kind)
	}
}

// close stops delivery after the queued updates were handed out.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.q)
	d.mu.Unlock()
	<-d.done
}
