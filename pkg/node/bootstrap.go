package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/juanpablocruz/spindle/pkg/internal/backoff"
	"github.com/juanpablocruz/spindle/pkg/protoport"
	"github.com/juanpablocruz/spindle/pkg/router"
	"github.com/juanpablocruz/spindle/pkg/topology"
	"github.com/juanpablocruz/spindle/pkg/transport"
	"github.com/juanpablocruz/spindle/pkg/wire"
)

func (n *Node) exchange() {
	info, err := n.ext.Exchange(n.ctx, n.Name, n.Identity().Port)
	n.postInternal(func() { n.onFabricInfo(info, err) })
}

func (n *Node) onFabricInfo(info FabricInfo, err error) {
	if err != nil {
		n.fatal = fmt.Errorf("%w: external fabric: %w", ErrBootstrap, err)
		return
	}
	if err := n.checkRank(info.Rank); err != nil {
		n.fatal = err
		return
	}
	n.extRank = info.Rank
	n.log.Info("fabric_rank", zap.Int("rank", info.Rank), zap.Int("size", info.Size))
	if info.Rank == 0 && n.rank == noRank {
		n.beginRoot(info.Hosts)
	}
}

// checkRank rejects r when any source already assigned a different rank.
func (n *Node) checkRank(r int) error {
	for _, want := range []int{n.wantRank, n.extRank} {
		if want >= 0 && want != r {
			return fmt.Errorf("%w: assigned %d, expected %d", ErrRankMismatch, r, want)
		}
	}
	if n.rank != noRank && n.rank != r {
		return fmt.Errorf("%w: assigned %d, already rank %d", ErrRankMismatch, r, n.rank)
	}
	return nil
}

func (n *Node) setRank(rank, size int) {
	n.rank, n.size = rank, size
	n.log = n.baseLog.With(zap.String("node", n.Name), zap.Int("rank", rank))
	n.publishIdent()
	n.setState(StateRankAssigned)
}

func (n *Node) setTree(t topology.Tree) {
	n.tree = t
	n.rt = router.Router{Self: n.rank, Tree: t}
	n.publishIdent()
}

// beginRoot starts a root-driven bootstrap: ranks follow list order.
func (n *Node) beginRoot(hosts []string) {
	if err := n.checkRank(0); err != nil {
		n.fatal = err
		return
	}
	n.setRank(0, len(hosts))
	n.hosts = hosts
	n.setTree(topology.Tree{Size: len(hosts), Fanout: n.fanout})
	n.setState(StateHostlistKnown)
	n.connectChildren()
}

func (n *Node) connectChildren() {
	n.setState(StateTreeBuilt)
	children := n.tree.Children(n.rank)
	n.childrenLeft = make(map[int]bool, len(children))
	for _, c := range children {
		n.childrenLeft[c] = true
	}
	n.log.Info("bootstrap_children", zap.Stringer("tree", n.tree), zap.Ints("children", children))
	if len(children) == 0 {
		n.bootstrapDone()
		return
	}

	ctx, cancel := context.WithTimeout(n.ctx, n.bootTimeout)
	var wg sync.WaitGroup
	for _, c := range children {
		host := n.hosts[c]
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := n.dialChild(ctx, host)
			if !n.postInternal(func() { n.onChildDialed(c, id, err) }) && err == nil {
				n.fab.Close(id)
			}
		}()
	}
	go func() {
		wg.Wait()
		cancel()
	}()
}

// dialChild retries until the child's daemon is up or ctx expires.
func (n *Node) dialChild(ctx context.Context, host string) (transport.ConnID, error) {
	log := n.log
	var id transport.ConnID
	err := backoff.Config{
		MinWait: 20 * time.Millisecond,
		MaxWait: time.Second,
		Report: func(err error) error {
			log.Debug("dial_retry", zap.String("host", host), zap.Error(err))
			return nil
		},
	}.Retry(ctx, func() error {
		var err error
		id, err = n.fab.Connect(ctx, host, n.port, n.numPorts)
		return err
	})
	return id, err
}

func (n *Node) onChildDialed(child int, id transport.ConnID, err error) {
	if n.ended || n.State() != StateTreeBuilt {
		if err == nil {
			n.fab.Close(id)
		}
		return
	}
	if err != nil {
		n.fatal = fmt.Errorf("%w: connect rank %d (%s): %w", ErrBootstrap, child, n.hosts[child], err)
		return
	}
	n.peers[id] = &peer{rank: child, role: transport.RoleTopo}
	_ = n.fab.SetRemote(id, int32(child), transport.RoleTopo)
	n.byRank[child] = id
	n.emit(EventConnChange, map[string]any{"delta": 1, "rank": child})

	h := n.p2p(child)
	msgs := []protoport.Message{
		protoport.HostInfoMsg{
			Rank:  int32(child),
			Size:  int32(n.size),
			Depth: int32(n.tree.Depth(child)),
			To:    int32(child),
			From:  int32(n.rank),
			Topo:  1,
		},
		protoport.HostListMsg{
			Count:    uint32(len(n.hosts)),
			Fanout:   uint32(max(n.tree.Fanout, 0)),
			Template: topology.Compress(n.hosts),
		},
		protoport.BootstrapMsg{},
	}
	for _, m := range msgs {
		if err := n.sendMsg(id, h, m); err != nil {
			n.fatal = fmt.Errorf("%w: send to rank %d: %w", ErrBootstrap, child, err)
			return
		}
	}
	n.log.Debug("child_connected", zap.Int("child", child))
}

// onHostInfo classifies the link it arrived on. Only a HOSTINFO naming
// this daemon as cinfo_to from a ranked sender makes it a tree edge.
func (n *Node) onHostInfo(id transport.ConnID, m protoport.HostInfoMsg) {
	p := n.peers[id]
	if p == nil {
		p = &peer{rank: noRank, role: transport.RoleControl}
		n.peers[id] = p
	}
	if m.To < 0 || m.From < 0 {
		n.log.Debug("control_link", zap.Uint64("conn", uint64(id)))
		return
	}
	if n.ended {
		if !n.persist {
			return
		}
		n.ended = false
		n.log.Info("session_restart")
	}
	to := int(m.To)
	if m.Size <= m.To {
		n.fatal = fmt.Errorf("%w: hostinfo rank %d outside size %d", ErrProtocol, m.To, m.Size)
		return
	}
	if err := n.checkRank(to); err != nil {
		n.fatal = err
		return
	}
	p.rank, p.role = int(m.From), transport.RoleTopo
	_ = n.fab.SetRemote(id, m.From, transport.RoleTopo)
	n.byRank[p.rank] = id
	n.setRank(to, int(m.Size))
	n.log.Info("hostinfo", zap.Int("parent", p.rank), zap.Int("size", n.size), zap.Int32("depth", m.Depth))
}

func (n *Node) onHostList(id transport.ConnID, m protoport.HostListMsg) {
	if n.rank == noRank {
		n.fatal = fmt.Errorf("%w: hostlist before hostinfo", ErrProtocol)
		return
	}
	hosts, err := topology.Expand(m.Template)
	if err != nil {
		n.fatal = fmt.Errorf("%w: %w", ErrProtocol, err)
		return
	}
	if len(hosts) != int(m.Count) || len(hosts) != n.size {
		n.fatal = fmt.Errorf("%w: hostlist has %d hosts, count %d, size %d", ErrProtocol, len(hosts), m.Count, n.size)
		return
	}
	n.hosts = hosts
	n.setTree(topology.Tree{Size: n.size, Fanout: int(m.Fanout)})
	if p := n.peers[id]; p == nil || n.tree.Parent(n.rank) != p.rank {
		n.fatal = fmt.Errorf("%w: hostinfo sender is not the tree parent %d", ErrProtocol, n.tree.Parent(n.rank))
		return
	}
	n.setState(StateHostlistKnown)
}

func (n *Node) onBootstrap() {
	if n.State() != StateHostlistKnown {
		n.fatal = fmt.Errorf("%w: bootstrap in state %s", ErrProtocol, n.State())
		return
	}
	n.connectChildren()
}

func (n *Node) onBootstrapEnd(from int) {
	if !n.childrenLeft[from] {
		n.warn("unexpected_bootstrap_end", nil, zap.Int("from", from))
		return
	}
	delete(n.childrenLeft, from)
	if len(n.childrenLeft) == 0 {
		n.bootstrapDone()
	}
}

// bootstrapDone runs once this daemon's whole subtree has reported.
func (n *Node) bootstrapDone() {
	if n.rank != 0 {
		parent := n.tree.Parent(n.rank)
		if err := n.sendRank(parent, n.p2p(parent), protoport.BootstrapEndMsg{}); err != nil {
			n.fatal = fmt.Errorf("%w: %w", ErrBootstrap, err)
			return
		}
	} else {
		h := wire.Header{MType: wire.P2P, Source: 0, Dest: wire.Unknown, From: 0}
		for id, p := range n.peers {
			if p.role != transport.RoleControl {
				continue
			}
			if err := n.sendMsg(id, h, protoport.BootstrapEndOKMsg{}); err != nil {
				n.warn("bootstrap_end_ok_err", err, zap.Uint64("conn", uint64(id)))
			}
		}
	}
	n.enterSteady()
}

func (n *Node) enterSteady() {
	n.setState(StateSteady)
	n.fab.StopListening()
	n.mu.Lock()
	select {
	case <-n.ready:
	default:
		close(n.ready)
	}
	n.mu.Unlock()
	n.log.Info("bootstrap_end", zap.Int("size", n.size), zap.Stringer("tree", n.tree), zap.Int("deferred", len(n.deferred)))

	ds := n.deferred
	n.deferred = nil
	for _, d := range ds {
		n.resolve(d.key, d.reply)
	}
}
