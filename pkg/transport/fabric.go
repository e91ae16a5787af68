package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/juanpablocruz/spindle/pkg/wire"
)

// Handshaker authenticates a fresh connection before it is trusted.
type Handshaker interface {
	Handshake(ctx context.Context, c net.Conn, initiator bool) error
}

type EventKind uint8

const (
	EventOpened EventKind = iota + 1
	EventMessage
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventMessage:
		return "message"
	case EventClosed:
		return "closed"
	default:
		return fmt.Sprintf("event(%d)", uint8(k))
	}
}

// Event is what the fabric reports to its single consumer. Opened is only
// reported for accepted connections; Connect returns dialed ones directly.
type Event struct {
	Kind  EventKind
	Conn  ConnID
	Frame Frame
	Err   error
}

type FabricOption func(*Fabric)

func WithHandshaker(h Handshaker) FabricOption { return func(f *Fabric) { f.hs = h } }
func WithFabricLogger(l *zap.Logger) FabricOption {
	return func(f *Fabric) {
		if l != nil {
			f.log = l
		}
	}
}
func WithWriteTimeout(d time.Duration) FabricOption {
	return func(f *Fabric) { f.writeTimeout = d }
}
func WithHandshakeTimeout(d time.Duration) FabricOption {
	return func(f *Fabric) { f.hsTimeout = d }
}

// Fabric owns the connection table of one daemon.
type Fabric struct {
	tr           Transport
	hs           Handshaker
	log          *zap.Logger
	writeTimeout time.Duration
	hsTimeout    time.Duration

	mu     sync.Mutex
	conns  map[ConnID]*Conn
	nextID ConnID
	ln     net.Listener
	port   int

	events chan Event
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewFabric(tr Transport, opts ...FabricOption) *Fabric {
	ctx, cancel := context.WithCancel(context.Background())
	f := &Fabric{
		tr:           tr,
		log:          zap.NewNop(),
		writeTimeout: 30 * time.Second,
		hsTimeout:    5 * time.Second,
		conns:        make(map[ConnID]*Conn),
		events:       make(chan Event, 256),
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

func (f *Fabric) Events() <-chan Event { return f.events }

// Listen binds the first free port of [port, port+n) and starts accepting.
func (f *Fabric) Listen(host string, port, n int) (int, error) {
	f.mu.Lock()
	if f.ln != nil {
		p := f.port
		f.mu.Unlock()
		return p, nil
	}
	f.mu.Unlock()

	ln, p, err := ListenRange(f.tr, host, port, n)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	f.ln = ln
	f.port = p
	f.mu.Unlock()

	f.log.Info("listen", zap.String("host", host), zap.Int("port", p))
	f.wg.Add(1)
	go f.acceptLoop(ln)
	return p, nil
}

func (f *Fabric) Listening() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ln != nil
}

// StopListening closes the listener; established connections stay.
func (f *Fabric) StopListening() {
	f.mu.Lock()
	ln := f.ln
	f.ln = nil
	f.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
		f.log.Debug("listen_closed")
	}
}

func (f *Fabric) acceptLoop(ln net.Listener) {
	defer f.wg.Done()
	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || f.ctx.Err() != nil {
				return
			}
			f.mu.Lock()
			cur := f.ln
			f.mu.Unlock()
			if cur != ln {
				return
			}
			// brief sleep to avoid tight loop on transient errors
			time.Sleep(50 * time.Millisecond)
			continue
		}
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			if err := f.handshake(nc, false); err != nil {
				f.log.Warn("handshake_err", zap.String("dir", "in"), zap.Error(err))
				_ = nc.Close()
				return
			}
			c := f.register(nc)
			f.deliver(Event{Kind: EventOpened, Conn: c.id})
			f.pump(c)
		}()
	}
}

func (f *Fabric) handshake(nc net.Conn, initiator bool) error {
	if f.hs == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(f.ctx, f.hsTimeout)
	defer cancel()
	return f.hs.Handshake(ctx, nc, initiator)
}

// Connect tries [port, port+n) on host in increasing order; the first
// authenticated connection wins.
func (f *Fabric) Connect(ctx context.Context, host string, port, n int) (ConnID, error) {
	if n <= 0 {
		n = 1
	}
	var last error
	for p := port; p < port+n; p++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		nc, err := f.tr.Dial(ctx, host, p)
		if err != nil {
			last = err
			continue
		}
		if err := f.handshake(nc, true); err != nil {
			f.log.Debug("handshake_err", zap.String("dir", "out"), zap.String("host", host), zap.Int("port", p), zap.Error(err))
			_ = nc.Close()
			last = err
			continue
		}
		c := f.register(nc)
		f.log.Debug("connect", zap.String("host", host), zap.Int("port", p), zap.Uint64("conn", uint64(c.id)))
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			f.pump(c)
		}()
		return c.id, nil
	}
	return 0, fmt.Errorf("%w: %s:%d+%d: %w", ErrNoPeer, host, port, n, last)
}

func (f *Fabric) register(nc net.Conn) *Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	c := newConn(f.nextID, nc, f.writeTimeout)
	f.conns[c.id] = c
	return c
}

// pump turns a connection's frames into fabric events until it closes.
func (f *Fabric) pump(c *Conn) {
	for {
		fr, err := c.Recv(f.ctx)
		if err != nil {
			if f.ctx.Err() != nil {
				return
			}
			f.mu.Lock()
			delete(f.conns, c.id)
			f.mu.Unlock()
			f.deliver(Event{Kind: EventClosed, Conn: c.id, Err: err})
			return
		}
		if !f.deliver(Event{Kind: EventMessage, Conn: c.id, Frame: fr}) {
			return
		}
	}
}

func (f *Fabric) deliver(ev Event) bool {
	select {
	case f.events <- ev:
		return true
	case <-f.ctx.Done():
		return false
	}
}

func (f *Fabric) Conn(id ConnID) (*Conn, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conns[id]
	return c, ok
}

// Conns lists open connections ordered by id.
func (f *Fabric) Conns() []ConnInfo {
	f.mu.Lock()
	out := make([]ConnInfo, 0, len(f.conns))
	for _, c := range f.conns {
		out = append(out, c.Info())
	}
	f.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *Fabric) Send(id ConnID, h wire.Header, payload []byte) error {
	c, ok := f.Conn(id)
	if !ok {
		return fmt.Errorf("%w: conn %d", ErrConnClosed, id)
	}
	return c.Send(h, payload)
}

func (f *Fabric) SetRemote(id ConnID, rank int32, role Role) error {
	c, ok := f.Conn(id)
	if !ok {
		return fmt.Errorf("%w: conn %d", ErrConnClosed, id)
	}
	c.setRemote(rank, role)
	return nil
}

// Close drops a connection immediately. A Closed event still follows.
func (f *Fabric) Close(id ConnID) {
	if c, ok := f.Conn(id); ok {
		c.Close()
	}
}

// CloseGraceful closes a connection after its queued frames are written.
func (f *Fabric) CloseGraceful(id ConnID) {
	if c, ok := f.Conn(id); ok {
		c.CloseGraceful()
	}
}

// Shutdown closes the listener and every connection and waits for the
// fabric's goroutines.
func (f *Fabric) Shutdown() {
	f.StopListening()
	f.cancel()
	f.mu.Lock()
	cs := make([]*Conn, 0, len(f.conns))
	for _, c := range f.conns {
		cs = append(cs, c)
	}
	f.conns = map[ConnID]*Conn{}
	f.mu.Unlock()
	for _, c := range cs {
		c.Close()
	}
	f.wg.Wait()
}
