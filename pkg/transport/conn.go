package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juanpablocruz/spindle/pkg/wire"
)

type ConnID uint64

// Role tells tree edges apart from bootstrap-only connections.
type Role uint8

const (
	RoleControl Role = iota
	RoleTopo
)

func (r Role) String() string {
	if r == RoleTopo {
		return "topo"
	}
	return "control"
}

type ConnState uint8

const (
	StateActive ConnState = iota
	StateClosed
)

func (s ConnState) String() string {
	if s == StateClosed {
		return "closed"
	}
	return "active"
}

// ConnInfo is a point-in-time copy of a connection's bookkeeping.
type ConnInfo struct {
	ID           ConnID
	State        ConnState
	RemoteRank   int32
	Role         Role
	NullMsgCount uint64
}

type outFrame struct {
	h wire.Header
	p []byte
}

// Conn is one framed connection. A reader goroutine assembles complete
// frames; a writer goroutine drains an unbounded FIFO so Send never blocks
// and per-connection order is preserved.
type Conn struct {
	id ConnID
	nc net.Conn
	r  *bufio.Reader
	w  *bufio.Writer
	in chan Frame

	writeTimeout time.Duration

	mu      sync.Mutex
	state   ConnState
	remote  int32
	role    Role
	err     error
	outq    []outFrame
	closing bool

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	nulls atomic.Uint64
}

// NewConn frames nc and starts its reader and writer.
func NewConn(nc net.Conn) *Conn { return newConn(0, nc, 30*time.Second) }

func newConn(id ConnID, nc net.Conn, writeTimeout time.Duration) *Conn {
	c := &Conn{
		id:           id,
		nc:           nc,
		w:            bufio.NewWriterSize(nc, 64<<10),
		in:           make(chan Frame, 64),
		writeTimeout: writeTimeout,
		remote:       wire.Unknown,
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	c.r = bufio.NewReaderSize(retryReader{r: nc, nulls: &c.nulls}, 64<<10)
	go c.readLoop()
	go c.writeLoop()
	return c
}

func (c *Conn) ID() ConnID { return c.id }

func (c *Conn) Info() ConnInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnInfo{
		ID:           c.id,
		State:        c.state,
		RemoteRank:   c.remote,
		Role:         c.role,
		NullMsgCount: c.nulls.Load(),
	}
}

func (c *Conn) RemoteRank() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

func (c *Conn) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

func (c *Conn) setRemote(rank int32, role Role) {
	c.mu.Lock()
	c.remote = rank
	c.role = role
	c.mu.Unlock()
}

// Done is closed once the connection is closed for any reason.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err reports why the connection closed, nil while it is active.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Send queues one frame. It fails only when the connection is closed.
func (c *Conn) Send(h wire.Header, payload []byte) error {
	c.mu.Lock()
	if c.state == StateClosed || c.closing {
		c.mu.Unlock()
		return ErrConnClosed
	}
	c.outq = append(c.outq, outFrame{h: h, p: payload})
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// Recv blocks until a complete frame arrives, the connection closes or ctx
// is done.
func (c *Conn) Recv(ctx context.Context) (Frame, error) {
	select {
	case f, ok := <-c.in:
		if !ok {
			return Frame{}, c.closedErr()
		}
		return f, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// TryRecv returns ErrWouldBlock when no complete frame is buffered.
func (c *Conn) TryRecv() (Frame, error) {
	select {
	case f, ok := <-c.in:
		if !ok {
			return Frame{}, c.closedErr()
		}
		return f, nil
	default:
		return Frame{}, ErrWouldBlock
	}
}

func (c *Conn) closedErr() error {
	if err := c.Err(); err != nil {
		return err
	}
	return ErrConnClosed
}

// Close drops the connection and anything still queued.
func (c *Conn) Close() { c.fail(ErrConnClosed) }

// CloseGraceful refuses further sends and closes once the queue is written.
func (c *Conn) CloseGraceful() {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Conn) fail(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		c.err = err
		c.outq = nil
		c.mu.Unlock()
		close(c.done)
		_ = c.nc.Close()
	})
}

func (c *Conn) readLoop() {
	defer close(c.in)
	for {
		f, err := readFrame(c.r)
		if err != nil {
			c.fail(fmt.Errorf("read: %w", err))
			return
		}
		select {
		case c.in <- f:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.wake:
		case <-c.done:
			return
		}
		for {
			c.mu.Lock()
			q := c.outq
			c.outq = nil
			closing := c.closing
			c.mu.Unlock()
			if len(q) == 0 {
				if closing {
					c.fail(ErrConnClosed)
					return
				}
				break
			}
			for _, of := range q {
				if c.writeTimeout > 0 {
					_ = c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
				}
				if err := writeFrame(c.w, of.h, of.p); err != nil {
					c.fail(fmt.Errorf("write: %w", err))
					return
				}
			}
		}
	}
}
