package node

import (
	"time"

	"go.uber.org/zap"

	"github.com/juanpablocruz/spindle/pkg/protoport"
	"github.com/juanpablocruz/spindle/pkg/topology"
	"github.com/juanpablocruz/spindle/pkg/transport"
)

// requestEnd starts ending the session on the root. END goes out once no
// fetch is in flight, or after the end grace period.
func (n *Node) requestEnd(done chan error) {
	if n.rank != 0 {
		done <- ErrNotRoot
		return
	}
	if n.ended {
		done <- nil
		return
	}
	n.endWaiters = append(n.endWaiters, done)
	if n.ending {
		return
	}
	n.ending = true
	if len(n.pend) == 0 {
		n.teardown(true)
		return
	}
	n.log.Info("end_wait", zap.Int("inflight", len(n.pend)), zap.Duration("grace", n.endGrace))
	time.AfterFunc(n.endGrace, func() {
		n.postInternal(func() {
			if n.ending && !n.ended {
				n.teardown(true)
			}
		})
	})
}

func (n *Node) maybeEnd() {
	if n.ending && !n.ended && len(n.pend) == 0 {
		n.teardown(true)
	}
}

// teardown ends the session here. The origin sends END to its neighbours;
// everyone else already had it forwarded by the router.
func (n *Node) teardown(origin bool) {
	if n.ended {
		return
	}
	if origin {
		n.broadcast(protoport.EndMsg{})
	}
	n.ended, n.ending = true, false
	n.log.Info("session_end", zap.Bool("origin", origin), zap.Int("pending", len(n.pend)), zap.Bool("persist", n.persist))
	n.emit(EventEnd, map[string]any{"origin": origin})
	n.releaseAll(ErrSessionEnded)

	n.size = 1
	n.setTree(topology.Tree{Size: 1})
	for id, p := range n.peers {
		if p.role != transport.RoleTopo {
			continue
		}
		if c, ok := n.fab.Conn(id); ok {
			n.draining = append(n.draining, c.Done())
			c.CloseGraceful()
		}
	}
	n.byRank = make(map[int]transport.ConnID)

	for _, w := range n.endWaiters {
		w <- nil
	}
	n.endWaiters = nil
	n.setState(StateEnded)

	if !n.persist {
		n.finished = true
		return
	}
	n.nextCycle()
}

// releaseAll answers every waiting caller with err.
func (n *Node) releaseAll(err error) {
	for k, f := range n.pend {
		for _, w := range f.local {
			w <- Result{Err: err}
		}
		delete(n.pend, k)
	}
	for _, d := range n.deferred {
		d.reply <- Result{Err: err}
	}
	n.deferred = nil
}

// nextCycle keeps the cache and goes back to listening for a new
// bootstrap.
func (n *Node) nextCycle() {
	dropped := n.table.DropPending()
	for id, p := range n.peers {
		if p.role == transport.RoleTopo {
			delete(n.peers, id)
		}
	}
	peers := n.peers
	n.resetSession()
	n.peers = peers
	n.log = n.baseLog.With(zap.String("node", n.Name))
	n.publishIdent()

	n.mu.Lock()
	n.ready = make(chan struct{})
	n.mu.Unlock()
	if err := n.listen(); err != nil {
		n.fatal = err
		return
	}
	n.log.Info("persist_wait", zap.Int("dropped", dropped), zap.Int("cached", n.table.Len()))
}

func (n *Node) waitDrain(timeout time.Duration) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	for _, ch := range n.draining {
		select {
		case <-ch:
		case <-t.C:
			return
		}
	}
	n.draining = nil
}
