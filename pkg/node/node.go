// Package node is the Spindle daemon: one dispatch goroutine that owns the
// session state, bootstraps the tree, routes messages along it and runs the
// cache coordinator on top.
package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/juanpablocruz/spindle/pkg/auth"
	"github.com/juanpablocruz/spindle/pkg/backing"
	"github.com/juanpablocruz/spindle/pkg/cache"
	"github.com/juanpablocruz/spindle/pkg/eventbus"
	"github.com/juanpablocruz/spindle/pkg/policy"
	"github.com/juanpablocruz/spindle/pkg/protoport"
	"github.com/juanpablocruz/spindle/pkg/router"
	"github.com/juanpablocruz/spindle/pkg/session"
	"github.com/juanpablocruz/spindle/pkg/topology"
	"github.com/juanpablocruz/spindle/pkg/transport"
	"github.com/juanpablocruz/spindle/pkg/wire"
)

const noRank = int(wire.Unknown)

type Mode uint8

const (
	ModePush Mode = iota + 1
	ModePull
)

func (m Mode) String() string {
	switch m {
	case ModePush:
		return "push"
	case ModePull:
		return "pull"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "push":
		return ModePush, nil
	case "pull":
		return ModePull, nil
	}
	return 0, fmt.Errorf("node: unknown mode %q", s)
}

type State uint8

const (
	StateUnstarted State = iota
	StateListening
	StateRankAssigned
	StateHostlistKnown
	StateTreeBuilt
	StateSteady
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateListening:
		return "listening"
	case StateRankAssigned:
		return "rank_assigned"
	case StateHostlistKnown:
		return "hostlist_known"
	case StateTreeBuilt:
		return "tree_built"
	case StateSteady:
		return "steady"
	case StateEnded:
		return "ended"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Identity is this daemon's place in the session. Rank is -2 until known;
// Parent is -1 for the root and while the tree is unknown.
type Identity struct {
	Hostname string
	Rank     int
	Size     int
	Depth    int
	Parent   int
	Port     int
	Session  session.ID
}

// Result answers a lookup. Found=false with a nil Err is a definitive
// "does not exist".
type Result struct {
	Found     bool
	LocalPath string
	Err       error
}

// Code is the client-facing error code of r.
func (r Result) Code() uint32 {
	if r.Err != nil {
		return ErrorCode(r.Err)
	}
	if !r.Found {
		return CodeNotFound
	}
	return CodeOK
}

// FabricInfo is what an outer launch fabric knows about this daemon.
type FabricInfo struct {
	Rank  int
	Size  int
	Hosts []string
}

// ExternalFabric assigns ranks when the job launcher already knows them.
type ExternalFabric interface {
	Exchange(ctx context.Context, hostname string, port int) (FabricInfo, error)
}

// StaticFabric ranks hosts by their position in Hosts.
type StaticFabric struct{ Hosts []string }

func (s StaticFabric) Exchange(_ context.Context, hostname string, _ int) (FabricInfo, error) {
	i := slices.Index(s.Hosts, hostname)
	if i < 0 {
		return FabricInfo{}, fmt.Errorf("node: %s not in host list", hostname)
	}
	return FabricInfo{Rank: i, Size: len(s.Hosts), Hosts: slices.Clone(s.Hosts)}, nil
}

type peer struct {
	rank int
	role transport.Role
}

type waitingLookup struct {
	key   cache.Key
	reply chan<- Result
}

type Node struct {
	Name   string
	Events chan Event

	tr          transport.Transport
	baseLog     *zap.Logger
	log         *zap.Logger
	bus         *eventbus.Bus
	backing     backing.Store
	pol         policy.Policy
	mode        Mode
	fanout      int
	port        int
	numPorts    int
	sess        session.ID
	key         []byte
	location    string
	persist     bool
	noclean     bool
	rootHosts   []string
	ext         ExternalFabric
	wantRank    int
	bootTimeout time.Duration
	endGrace    time.Duration

	fab   *transport.Fabric
	store *cache.Store

	do      chan func()
	stopped chan struct{}
	running atomic.Bool

	mu    sync.RWMutex
	ident Identity
	state State
	ready chan struct{}

	// owned by the dispatch loop
	ctx          context.Context
	rank, size   int
	extRank      int
	tree         topology.Tree
	rt           router.Router
	hosts        []string
	peers        map[transport.ConnID]*peer
	byRank       map[int]transport.ConnID
	childrenLeft map[int]bool
	table        *cache.Table
	pend         map[cache.Key]*fetch
	failed       map[cache.Key]error
	deferred     []waitingLookup
	ending       bool
	ended        bool
	endWaiters   []chan error
	draining     []<-chan struct{}
	finished     bool
	fatal        error
}

// New builds a daemon for hostname. Nothing runs until Run.
func New(hostname string, opts ...NodeOption) (*Node, error) {
	if hostname == "" {
		return nil, errors.New("node: empty hostname")
	}
	n := &Node{
		Name:        hostname,
		tr:          transport.TCP{},
		baseLog:     zap.NewNop(),
		backing:     backing.FS{},
		pol:         policy.RootOnly{},
		mode:        ModePush,
		port:        21940,
		numPorts:    25,
		location:    filepath.Join(os.TempDir(), "spindle-"+hostname),
		wantRank:    -1,
		bootTimeout: 30 * time.Second,
		endGrace:    5 * time.Second,
		do:          make(chan func(), 64),
		stopped:     make(chan struct{}),
		ready:       make(chan struct{}),
		ctx:         context.Background(),
		table:       cache.NewTable(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(n)
		}
	}
	if n.port <= 0 || n.port > 65535 || n.numPorts <= 0 {
		return nil, fmt.Errorf("node: bad port range %d+%d", n.port, n.numPorts)
	}
	if n.mode != ModePush && n.mode != ModePull {
		return nil, fmt.Errorf("node: bad mode %s", n.mode)
	}
	if len(n.rootHosts) > 0 && n.rootHosts[0] != hostname {
		return nil, fmt.Errorf("node: root %s must be first in the host list, got %s", hostname, n.rootHosts[0])
	}
	n.log = n.baseLog.With(zap.String("node", hostname))
	n.fab = transport.NewFabric(n.tr,
		transport.WithHandshaker(auth.New(n.sess, n.key)),
		transport.WithFabricLogger(n.log),
	)
	n.ident = Identity{Hostname: hostname, Rank: noRank, Parent: -1, Session: n.sess}
	n.resetSession()
	return n, nil
}

func (n *Node) resetSession() {
	n.rank, n.size, n.extRank = noRank, 0, -1
	n.tree = topology.Tree{}
	n.rt = router.Router{}
	n.hosts = nil
	n.peers = make(map[transport.ConnID]*peer)
	n.byRank = make(map[int]transport.ConnID)
	n.childrenLeft = nil
	n.pend = make(map[cache.Key]*fetch)
	n.failed = make(map[cache.Key]error)
	n.deferred = nil
}

func (n *Node) AttachEvents(ch chan Event) { n.Events = ch }

// Run listens, bootstraps and serves until the session ends, ctx is
// cancelled or a fatal error occurs. It returns nil unless the error was
// fatal.
func (n *Node) Run(ctx context.Context) error {
	if !n.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer close(n.stopped)
	n.ctx = ctx

	store, err := cache.NewStore(n.location)
	if err != nil {
		n.fab.Shutdown()
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	n.store = store
	if idx, err := store.Index(); err != nil {
		n.log.Warn("cache_index_err", zap.Error(err))
	} else {
		n.log.Info("cache_open", zap.String("location", store.Root()), zap.Int("files", len(idx)))
	}
	if err := n.listen(); err != nil {
		n.fab.Shutdown()
		return err
	}
	if n.ext != nil {
		go n.exchange()
	} else if len(n.rootHosts) > 0 {
		n.beginRoot(n.rootHosts)
	}

	err = n.fatal
	if err == nil {
		err = n.loop(ctx)
	}
	n.shutdown(err)
	return err
}

func (n *Node) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-n.fab.Events():
			n.onFabricEvent(ev)
		case f := <-n.do:
			f()
		}
		if n.fatal != nil {
			return n.fatal
		}
		if n.finished {
			return nil
		}
	}
}

func (n *Node) shutdown(err error) {
	if err != nil {
		n.log.Error("fatal", zap.Error(err))
	}
	n.releaseAll(ErrSessionEnded)
	n.waitDrain(2 * time.Second)
	n.fab.Shutdown()
	n.setState(StateEnded)
	if !n.persist && !n.noclean && n.store != nil {
		if err := n.store.Remove(); err != nil {
			n.log.Warn("cache_remove_err", zap.Error(err))
		}
	}
}

func (n *Node) listen() error {
	port, err := n.fab.Listen(n.Name, n.port, n.numPorts)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBootstrap, err)
	}
	n.mu.Lock()
	n.ident.Port = port
	n.mu.Unlock()
	n.setState(StateListening)
	return nil
}

// post hands f to the dispatch loop.
func (n *Node) post(ctx context.Context, f func()) bool {
	select {
	case n.do <- f:
		return true
	case <-n.stopped:
		return false
	case <-ctx.Done():
		return false
	}
}

func (n *Node) postInternal(f func()) bool { return n.post(context.Background(), f) }

func (n *Node) onFabricEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventOpened:
		n.peers[ev.Conn] = &peer{rank: noRank, role: transport.RoleControl}
		n.emit(EventConnChange, map[string]any{"delta": 1, "conn": uint64(ev.Conn)})
	case transport.EventClosed:
		n.onClosed(ev.Conn, ev.Err)
		if errors.Is(ev.Err, transport.ErrProtocol) {
			n.fatal = fmt.Errorf("%w: conn %d: %w", ErrProtocol, ev.Conn, ev.Err)
		}
	case transport.EventMessage:
		env, err := protoport.Decode(ev.Frame)
		if err != nil {
			n.fatal = fmt.Errorf("%w: conn %d: %w", ErrProtocol, ev.Conn, err)
			return
		}
		n.route(ev.Conn, ev.Frame, env)
	}
}

// route forwards along the tree, then handles the message here if it is
// addressed to this daemon.
func (n *Node) route(id transport.ConnID, fr transport.Frame, env protoport.Envelope) {
	from := noRank
	if p := n.peers[id]; p != nil && p.role == transport.RoleTopo {
		from = p.rank
	}
	if n.tree.Size == 0 || n.ended {
		n.handle(id, from, env)
		return
	}
	d := n.rt.Route(env.Header, int32(from))
	if d.Err != nil {
		n.warn("route_err", d.Err)
		return
	}
	for _, nb := range d.Forward {
		h := env.Header
		h.From = int32(n.rank)
		if err := n.sendRaw(nb, h, fr.Payload); err != nil {
			n.warn("forward_err", err, zap.Int("to", nb), zap.Stringer("type", h.Type))
		}
	}
	if d.Deliver {
		n.handle(id, from, env)
	}
}

func (n *Node) handle(id transport.ConnID, from int, env protoport.Envelope) {
	bcast := env.Header.MType == wire.BCAST
	switch m := env.Msg.(type) {
	case protoport.HostInfoMsg:
		n.onHostInfo(id, m)
	case protoport.HostListMsg:
		n.onHostList(id, m)
	case protoport.BootstrapMsg:
		n.onBootstrap()
	case protoport.BootstrapEndMsg:
		n.onBootstrapEnd(from)
	case protoport.BootstrapEndOKMsg:
		n.log.Debug("bootstrap_end_ok_ignored")
	case protoport.EndMsg:
		n.teardown(false)
	case protoport.FileRequestMsg:
		n.onFileRequest(from, m.Key)
	case protoport.FileDataMsg:
		n.onFileData(bcast, m)
	case protoport.FileNotFoundMsg:
		n.onNotFound(bcast, m.Key)
	case protoport.FileErrorMsg:
		n.onFileError(m.Key, m.Code)
	case protoport.CacheEntriesMsg:
		for _, e := range m.Entries {
			if e.Status != cache.StatusNotFound {
				n.warn("unexpected_cache_entry", nil, zap.Stringer("key", e.Key), zap.Stringer("status", e.Status))
				continue
			}
			n.onNotFound(bcast, e.Key)
		}
	case protoport.PreloadFileMsg:
		n.onPreloadRequest(id, m.Key)
	default:
		n.warn("unexpected_msg", nil, zap.Stringer("type", env.Header.Type), zap.Uint64("conn", uint64(id)))
	}
}

func (n *Node) p2p(dest int) wire.Header {
	return wire.Header{MType: wire.P2P, Source: int32(n.rank), Dest: int32(dest), From: int32(n.rank)}
}

func (n *Node) sendMsg(id transport.ConnID, h wire.Header, m protoport.Message) error {
	c, ok := n.fab.Conn(id)
	if !ok {
		return fmt.Errorf("%w: conn %d", transport.ErrConnClosed, id)
	}
	return protoport.Send(c, h, m)
}

func (n *Node) edge(rank int) (transport.ConnID, error) {
	id, ok := n.byRank[rank]
	if !ok {
		return 0, fmt.Errorf("%w: no edge to rank %d", ErrUnreachable, rank)
	}
	return id, nil
}

func (n *Node) sendRank(rank int, h wire.Header, m protoport.Message) error {
	id, err := n.edge(rank)
	if err != nil {
		return err
	}
	return n.sendMsg(id, h, m)
}

func (n *Node) sendRaw(rank int, h wire.Header, payload []byte) error {
	id, err := n.edge(rank)
	if err != nil {
		return err
	}
	return n.fab.Send(id, h, payload)
}

// broadcast sends m to every tree neighbour and returns how many sends
// succeeded.
func (n *Node) broadcast(m protoport.Message) int {
	h := wire.Header{MType: wire.BCAST, Source: int32(n.rank), Dest: wire.Broadcast, From: int32(n.rank)}
	sent := 0
	for _, nb := range n.tree.Neighbours(n.rank) {
		if err := n.sendRank(nb, h, m); err != nil {
			n.warn("broadcast_err", err, zap.Int("to", nb))
			continue
		}
		sent++
	}
	n.emit(EventBroadcast, map[string]any{"msg": fmt.Sprintf("%T", m), "sent": sent})
	return sent
}

func (n *Node) setState(s State) {
	n.mu.Lock()
	prev := n.state
	n.state = s
	n.mu.Unlock()
	if prev != s {
		n.log.Debug("state", zap.Stringer("from", prev), zap.Stringer("to", s))
		n.emit(EventState, map[string]any{"state": s.String()})
	}
}

func (n *Node) State() State {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

func (n *Node) publishIdent() {
	n.mu.Lock()
	n.ident.Rank = n.rank
	n.ident.Size = n.size
	n.ident.Parent = n.tree.Parent(n.rank)
	n.ident.Depth = max(n.tree.Depth(n.rank), 0)
	n.mu.Unlock()
}

func (n *Node) Identity() Identity {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.ident
}

// Ready is closed when the daemon reaches steady state. A persistent daemon
// gets a fresh channel for every bootstrap cycle.
func (n *Node) Ready() <-chan struct{} {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.ready
}

// Conns lists the daemon's open connections.
func (n *Node) Conns() []transport.ConnInfo { return n.fab.Conns() }

// Lookup resolves a shared library path to a local copy.
func (n *Node) Lookup(ctx context.Context, p string) Result {
	return n.lookup(ctx, cache.KeyOf(cache.NSLib, p))
}

// ExecLookup resolves an executable path to a local copy.
func (n *Node) ExecLookup(ctx context.Context, p string) Result {
	return n.lookup(ctx, cache.KeyOf(cache.NSExec, p))
}

func (n *Node) lookup(ctx context.Context, k cache.Key) Result {
	reply := make(chan Result, 1)
	if !n.post(ctx, func() { n.onLookup(k, reply) }) {
		if ctx.Err() != nil {
			return Result{Err: ctx.Err()}
		}
		return Result{Err: ErrSessionEnded}
	}
	select {
	case r := <-reply:
		return r
	case <-ctx.Done():
		return Result{Err: ctx.Err()}
	case <-n.stopped:
		select {
		case r := <-reply:
			return r
		default:
			return Result{Err: ErrSessionEnded}
		}
	}
}

// Preload resolves paths concurrently. On the responsible node in push mode
// this loads and broadcasts them before any client asks.
func (n *Node) Preload(ctx context.Context, paths []string) []Result {
	out := make([]Result, len(paths))
	var wg sync.WaitGroup
	for i, p := range paths {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out[i] = n.Lookup(ctx, p)
		}()
	}
	wg.Wait()
	return out
}

// CacheEntries snapshots the cache table.
func (n *Node) CacheEntries(ctx context.Context) []cache.Entry {
	reply := make(chan []cache.Entry, 1)
	if !n.post(ctx, func() { reply <- n.table.Entries() }) {
		return nil
	}
	select {
	case es := <-reply:
		return es
	case <-ctx.Done():
		return nil
	case <-n.stopped:
		return nil
	}
}

// End broadcasts END from the root and waits for the local teardown.
func (n *Node) End(ctx context.Context) error {
	done := make(chan error, 1)
	if !n.post(ctx, func() { n.requestEnd(done) }) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrSessionEnded
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-n.stopped:
		select {
		case err := <-done:
			return err
		default:
			return ErrSessionEnded
		}
	}
}

func (n *Node) emit(t EventType, f map[string]any) {
	ev := Event{Time: time.Now(), Node: n.Name, Type: t, Fields: f}
	if n.Events != nil {
		select {
		case n.Events <- ev:
		default: // drop if the consumer is slow
		}
	}
	if n.bus != nil {
		n.bus.TryPublish(ev)
	}
}

func (n *Node) warn(msg string, err error, fields ...zap.Field) {
	f := map[string]any{"msg": msg}
	if err != nil {
		f["err"] = err.Error()
		fields = append(fields, zap.Error(err))
	}
	n.log.Warn(msg, fields...)
	n.emit(EventWarn, f)
}
