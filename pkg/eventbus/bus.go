// Package eventbus fans daemon events out to subscribers (metrics, logs,
// the simulator) without letting a slow subscriber stall the publisher.
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// Event is any message published to the bus.
type Event interface{ GetType() string }

// Subscriber consumes events on its own channel. The bus reads from
// GetChannel and calls OnEvent for each event. Do NOT close the channel.
type Subscriber interface {
	OnEvent(Event)
	GetChannel() chan Event
}

type Option func(*Bus)

// WithPublishBuffer sets the internal publish queue capacity.
func WithPublishBuffer(n int) Option {
	return func(b *Bus) {
		if n < 1 {
			n = 1
		}
		b.pubCh = make(chan delivery, n)
	}
}

type Bus struct {
	subsMu sync.RWMutex
	subs   map[Subscriber]struct{}

	pubCh chan delivery

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	stopped   atomic.Bool
	pubMu     sync.RWMutex // guards pubCh against close during publish

	ctx    context.Context
	cancel context.CancelFunc

	fanoutWG sync.WaitGroup
	subsWG   sync.WaitGroup

	// one count per (event, subscriber) delivery
	procWG sync.WaitGroup

	dropped atomic.Int64
}

type delivery struct {
	ev      Event
	targets []Subscriber
}

func New(opts ...Option) *Bus {
	b := &Bus{
		subs:  make(map[Subscriber]struct{}),
		pubCh: make(chan delivery, 1024),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *Bus) Subscribe(s Subscriber) {
	b.subsMu.Lock()
	if _, exists := b.subs[s]; exists {
		b.subsMu.Unlock()
		return
	}
	b.subs[s] = struct{}{}
	b.subsMu.Unlock()

	if b.started.Load() {
		b.startSubscriberWorker(s)
	}
}

func (b *Bus) snapshot() []Subscriber {
	b.subsMu.RLock()
	defer b.subsMu.RUnlock()
	targets := make([]Subscriber, 0, len(b.subs))
	for s := range b.subs {
		targets = append(targets, s)
	}
	return targets
}

// Publish delivers ev to the current subscribers, blocking while the
// publish queue is full.
func (b *Bus) Publish(ev Event) {
	b.publish(ev, true)
}

// TryPublish is Publish that drops ev instead of blocking.
func (b *Bus) TryPublish(ev Event) bool {
	return b.publish(ev, false)
}

func (b *Bus) publish(ev Event, block bool) bool {
	b.pubMu.RLock()
	defer b.pubMu.RUnlock()
	if !b.started.Load() || b.stopped.Load() {
		return false
	}
	targets := b.snapshot()
	if len(targets) == 0 {
		return true
	}
	b.procWG.Add(len(targets))
	d := delivery{ev: ev, targets: targets}
	if block {
		b.pubCh <- d
		return true
	}
	select {
	case b.pubCh <- d:
		return true
	default:
		b.procWG.Add(-len(targets))
		b.dropped.Add(1)
		return false
	}
}

// Dropped counts events TryPublish discarded.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Start launches the fanout loop and subscriber workers. Idempotent.
func (b *Bus) Start() {
	b.startOnce.Do(func() {
		b.ctx, b.cancel = context.WithCancel(context.Background())
		b.started.Store(true)

		for _, s := range b.snapshot() {
			b.startSubscriberWorker(s)
		}

		b.fanoutWG.Add(1)
		go func() {
			defer b.fanoutWG.Done()
			for d := range b.pubCh {
				for _, s := range d.targets {
					select {
					case s.GetChannel() <- d.ev:
					case <-b.ctx.Done():
						b.procWG.Done()
					}
				}
			}
		}()
	})
}

// Stop drains queued events, waits until they are processed and shuts the
// workers down. Idempotent.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() {
		b.pubMu.Lock()
		b.stopped.Store(true)
		close(b.pubCh)
		b.pubMu.Unlock()
		if !b.started.Load() {
			return
		}
		b.fanoutWG.Wait()
		b.procWG.Wait()
		b.cancel()
		b.subsWG.Wait()
	})
}

// WaitForProcessing blocks until every published event has been handled.
func (b *Bus) WaitForProcessing() {
	b.procWG.Wait()
}

func (b *Bus) startSubscriberWorker(s Subscriber) {
	ch := s.GetChannel()
	b.subsWG.Add(1)
	go func() {
		defer b.subsWG.Done()
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				b.handleEvent(s, ev)
			case <-b.ctx.Done():
				return
			}
		}
	}()
}

func (b *Bus) handleEvent(s Subscriber, ev Event) {
	defer b.procWG.Done()
	defer func() {
		// a panicking subscriber must not wedge the bus
		_ = recover()
	}()
	s.OnEvent(ev)
}
