package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/juanpablocruz/spindle/pkg/node"
)

// EventCollector records one daemon's event stream so tests can wait on it
// and assert without racing the dispatch loop.
type EventCollector struct {
	in      chan node.Event
	changed chan struct{}
	stop    context.CancelFunc

	mu   sync.Mutex
	seen []node.Event
}

func NewEventCollector(buffer int) *EventCollector {
	return &EventCollector{
		in:      make(chan node.Event, buffer),
		changed: make(chan struct{}, 1),
	}
}

// Attach must run before the daemon starts.
func (ec *EventCollector) Attach(n *node.Node) {
	ctx, cancel := context.WithCancel(context.Background())
	ec.stop = cancel
	n.AttachEvents(ec.in)
	go ec.drain(ctx)
}

// Detach stops recording. The daemon keeps emitting into a full channel,
// which drops.
func (ec *EventCollector) Detach() {
	if ec.stop != nil {
		ec.stop()
	}
}

func (ec *EventCollector) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-ec.in:
			ec.mu.Lock()
			ec.seen = append(ec.seen, e)
			ec.mu.Unlock()
			select {
			case ec.changed <- struct{}{}:
			default:
			}
		}
	}
}

func (ec *EventCollector) Snapshot() []node.Event {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return append([]node.Event(nil), ec.seen...)
}

// Of returns the recorded events of type t in emission order.
func (ec *EventCollector) Of(t node.EventType) []node.Event {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return filter(ec.seen, t)
}

func (ec *EventCollector) Count(t node.EventType) int { return len(ec.Of(t)) }

func filter(evs []node.Event, t node.EventType) []node.Event {
	var out []node.Event
	for _, e := range evs {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// WaitFor reports whether pred holds over the recorded events within
// timeout. pred runs under the collector's lock and must not block.
func (ec *EventCollector) WaitFor(timeout time.Duration, pred func([]node.Event) bool) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		ec.mu.Lock()
		ok := pred(ec.seen)
		ec.mu.Unlock()
		if ok {
			return true
		}
		select {
		case <-ec.changed:
		case <-timer.C:
			return false
		}
	}
}

// WaitCount waits for at least n events of type t.
func (ec *EventCollector) WaitCount(timeout time.Duration, t node.EventType, n int) bool {
	return ec.WaitFor(timeout, func(evs []node.Event) bool { return len(filter(evs, t)) >= n })
}
