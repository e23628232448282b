package distribution

import (
	"sync"

	"mediashare/pkg/events"
)

type notification struct {
	name  string
	event events.Event
}

// outbox publishes notifications on their own goroutine in the order the
// loop pushed them, so subscribers may call back into the coordinator.
type outbox struct {
	bus    *events.EventBus
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []notification
	closed bool
}

func newOutbox(bus *events.EventBus) *outbox {
	o := &outbox{bus: bus}
	o.cond = sync.NewCond(&o.mu)
	return o
}

func (o *outbox) push(name string, event events.Event) {
	o.mu.Lock()
	o.queue = append(o.queue, notification{name: name, event: event})
	o.mu.Unlock()
	o.cond.Signal()
}

func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.cond.Broadcast()
}

// run delivers until close is called and the queue is drained.
func (o *outbox) run() {
	for {
		o.mu.Lock()
		for len(o.queue) == 0 && !o.closed {
			o.cond.Wait()
		}
		if len(o.queue) == 0 {
			o.mu.Unlock()
			return
		}
		batch := o.queue
		o.queue = nil
		o.mu.Unlock()

		for _, n := range batch {
			o.bus.Publish(n.name, n.event)
		}
	}
}
