package transport

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

type ChaosConfig struct {
	// Probability [0..1] that a dial is refused.
	DialFail float64

	// Latency added to every write.
	BaseDelay time.Duration
	Jitter    time.Duration // +/- jitter uniformly

	// Link toggle. Taking the link down closes every open connection.
	Up bool

	// Seed (optional). If 0, uses time.Now().UnixNano()
	Seed int64
}

var errLinkDown = errors.New("chaos: link down")

// Chaos wraps a Transport so dials can fail, writes are delayed and links
// can be cut. Per-connection ordering is preserved.
type Chaos struct {
	under Transport

	up atomic.Bool

	cfgMu sync.RWMutex
	cfg   ChaosConfig

	rngMu sync.Mutex
	rng   *rand.Rand

	mu    sync.Mutex
	conns map[*chaosConn]struct{}
}

func WrapChaos(under Transport, cfg ChaosConfig) *Chaos {
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	c := &Chaos{
		under: under,
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
		conns: make(map[*chaosConn]struct{}),
	}
	c.up.Store(cfg.Up)
	return c
}

func (c *Chaos) Listen(host string, port int) (net.Listener, error) {
	ln, err := c.under.Listen(host, port)
	if err != nil {
		return nil, err
	}
	return &chaosListener{Listener: ln, ch: c}, nil
}

func (c *Chaos) Dial(ctx context.Context, host string, port int) (net.Conn, error) {
	if !c.up.Load() {
		return nil, errLinkDown
	}
	if c.roll() < c.getCfg().DialFail {
		return nil, &net.OpError{Op: "dial", Net: "chaos", Err: errRefused}
	}
	nc, err := c.under.Dial(ctx, host, port)
	if err != nil {
		return nil, err
	}
	return c.track(nc), nil
}

func (c *Chaos) track(nc net.Conn) *chaosConn {
	cc := &chaosConn{Conn: nc, ch: c}
	c.mu.Lock()
	c.conns[cc] = struct{}{}
	c.mu.Unlock()
	return cc
}

func (c *Chaos) untrack(cc *chaosConn) {
	c.mu.Lock()
	delete(c.conns, cc)
	c.mu.Unlock()
}

// --- controls ---

func (c *Chaos) SetUp(up bool) {
	c.up.Store(up)
	if up {
		return
	}
	c.mu.Lock()
	open := make([]*chaosConn, 0, len(c.conns))
	for cc := range c.conns {
		open = append(open, cc)
	}
	c.mu.Unlock()
	for _, cc := range open {
		_ = cc.Close()
	}
}
func (c *Chaos) SetDialFail(p float64) { c.cfgMu.Lock(); c.cfg.DialFail = clamp01(p); c.cfgMu.Unlock() }
func (c *Chaos) SetBaseDelay(d time.Duration) {
	c.cfgMu.Lock()
	c.cfg.BaseDelay = d
	c.cfgMu.Unlock()
}
func (c *Chaos) SetJitter(d time.Duration) { c.cfgMu.Lock(); c.cfg.Jitter = d; c.cfgMu.Unlock() }
func (c *Chaos) GetConfig() ChaosConfig {
	cfg := c.getCfg()
	cfg.Up = c.up.Load()
	return cfg
}

func (c *Chaos) getCfg() ChaosConfig { c.cfgMu.RLock(); defer c.cfgMu.RUnlock(); return c.cfg }

func (c *Chaos) delayWithJitter(cfg ChaosConfig) time.Duration {
	if cfg.Jitter <= 0 {
		return cfg.BaseDelay
	}
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	// Uniform in [-Jitter, +Jitter]
	j := time.Duration(c.rng.Int63n(int64(cfg.Jitter)*2)) - cfg.Jitter
	return cfg.BaseDelay + j
}

func (c *Chaos) roll() float64 {
	c.rngMu.Lock()
	x := c.rng.Float64()
	c.rngMu.Unlock()
	return x
}

type chaosListener struct {
	net.Listener
	ch *Chaos
}

func (l *chaosListener) Accept() (net.Conn, error) {
	nc, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	if !l.ch.up.Load() {
		_ = nc.Close()
		return nil, errLinkDown
	}
	return l.ch.track(nc), nil
}

type chaosConn struct {
	net.Conn
	ch   *Chaos
	once sync.Once
}

func (cc *chaosConn) Write(p []byte) (int, error) {
	if !cc.ch.up.Load() {
		_ = cc.Close()
		return 0, errLinkDown
	}
	if d := cc.ch.delayWithJitter(cc.ch.getCfg()); d > 0 {
		time.Sleep(d)
	}
	return cc.Conn.Write(p)
}

func (cc *chaosConn) Close() error {
	var err error
	cc.once.Do(func() {
		cc.ch.untrack(cc)
		err = cc.Conn.Close()
	})
	return err
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
