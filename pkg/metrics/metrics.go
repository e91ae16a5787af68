// Package metrics keeps per-daemon counters fed from the event bus.
package metrics

import (
	"fmt"
	"sort"
	"sync"

	"github.com/juanpablocruz/spindle/pkg/eventbus"
)

// Sample is an event that names its daemon and carries integer fields.
type Sample interface {
	eventbus.Event
	Source() string
	Int(key string) int64
}

// Event types the recorder counts.
const (
	TypeLookup      = "lookup"
	TypeCacheHit    = "cache_hit"
	TypeBackingRead = "backing_read"
	TypeNotFound    = "not_found"
	TypeSendData    = "send_data"
	TypeStoreData   = "store_data"
	TypeForwardReq  = "forward_req"
	TypeBroadcast   = "broadcast"
	TypeConnChange  = "conn_change"
	TypeWarn        = "warn"
)

type Counters struct {
	Lookups int64
	Hits    int64

	BackingReads int64 // files read from the shared filesystem
	BackingBytes int64
	NotFound     int64

	Sent      int64 // FILE_DATA frames sent
	SentBytes int64
	Stored    int64 // files received from a peer and stored
	StoredB   int64

	Forwarded   int64
	Broadcasts  int64
	Connections int64
	Warnings    int64
}

func (c Counters) String() string {
	return fmt.Sprintf("lookups: %d, hits: %d, backing_reads: %d (%d B), not_found: %d, sent: %d (%d B), stored: %d (%d B), forwarded: %d, broadcasts: %d, conns: %d, warnings: %d",
		c.Lookups, c.Hits, c.BackingReads, c.BackingBytes, c.NotFound, c.Sent, c.SentBytes, c.Stored, c.StoredB, c.Forwarded, c.Broadcasts, c.Connections, c.Warnings)
}

func (c *Counters) add(o Counters) {
	c.Lookups += o.Lookups
	c.Hits += o.Hits
	c.BackingReads += o.BackingReads
	c.BackingBytes += o.BackingBytes
	c.NotFound += o.NotFound
	c.Sent += o.Sent
	c.SentBytes += o.SentBytes
	c.Stored += o.Stored
	c.StoredB += o.StoredB
	c.Forwarded += o.Forwarded
	c.Broadcasts += o.Broadcasts
	c.Connections += o.Connections
	c.Warnings += o.Warnings
}

// Recorder is an eventbus.Subscriber.
type Recorder struct {
	ch chan eventbus.Event

	mu  sync.RWMutex
	per map[string]*Counters
}

func NewRecorder(buffer int) *Recorder {
	if buffer < 1 {
		buffer = 256
	}
	return &Recorder{
		ch:  make(chan eventbus.Event, buffer),
		per: make(map[string]*Counters),
	}
}

func (r *Recorder) GetChannel() chan eventbus.Event { return r.ch }

func (r *Recorder) OnEvent(ev eventbus.Event) {
	s, ok := ev.(Sample)
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.per[s.Source()]
	if c == nil {
		c = &Counters{}
		r.per[s.Source()] = c
	}
	switch s.GetType() {
	case TypeLookup:
		c.Lookups++
	case TypeCacheHit:
		c.Hits++
	case TypeBackingRead:
		c.BackingReads++
		c.BackingBytes += s.Int("bytes")
	case TypeNotFound:
		c.NotFound++
	case TypeSendData:
		c.Sent++
		c.SentBytes += s.Int("bytes")
	case TypeStoreData:
		c.Stored++
		c.StoredB += s.Int("bytes")
	case TypeForwardReq:
		c.Forwarded++
	case TypeBroadcast:
		c.Broadcasts++
	case TypeConnChange:
		c.Connections += s.Int("delta")
	case TypeWarn:
		c.Warnings++
	}
}

// Read returns the counters of one daemon.
func (r *Recorder) Read(node string) Counters {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.per[node]; ok {
		return *c
	}
	return Counters{}
}

// Total sums every daemon's counters.
func (r *Recorder) Total() Counters {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var t Counters
	for _, c := range r.per {
		t.add(*c)
	}
	return t
}

func (r *Recorder) Nodes() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.per))
	for n := range r.per {
		out = append(out, n)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
