package node

import (
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/juanpablocruz/spindle/pkg/cache"
	"github.com/juanpablocruz/spindle/pkg/policy"
	"github.com/juanpablocruz/spindle/pkg/protoport"
	"github.com/juanpablocruz/spindle/pkg/transport"
)

// fetch is one outstanding key. local are this daemon's callers, forward
// the neighbour ranks whose FILE_REQUEST we owe an answer, upstream the
// neighbour we asked (noRank when loading or waiting for a broadcast).
type fetch struct {
	local    []chan<- Result
	forward  map[int]struct{}
	upstream int
	loading  bool
	storing  bool
}

func newFetch() *fetch {
	return &fetch{forward: make(map[int]struct{}), upstream: noRank}
}

func (n *Node) onLookup(k cache.Key, reply chan<- Result) {
	n.emit(EventLookup, map[string]any{"key": k.String()})
	if n.ended || n.ending {
		reply <- Result{Err: ErrSessionEnded}
		return
	}
	if n.State() != StateSteady {
		n.deferred = append(n.deferred, waitingLookup{key: k, reply: reply})
		return
	}
	n.resolve(k, reply)
}

func (n *Node) resolve(k cache.Key, reply chan<- Result) {
	if err, ok := n.failed[k]; ok {
		reply <- Result{Err: err}
		return
	}
	e := n.table.Get(k)
	switch e.Status {
	case cache.StatusLocalPath:
		n.emit(EventCacheHit, map[string]any{"key": k.String()})
		reply <- Result{Found: true, LocalPath: e.LocalPath}
	case cache.StatusNotFound:
		n.emit(EventCacheHit, map[string]any{"key": k.String(), "found": false})
		reply <- Result{}
	case cache.StatusRequested:
		if f := n.pend[k]; f != nil {
			f.local = append(f.local, reply)
			return
		}
		f := newFetch()
		f.local = append(f.local, reply)
		n.pend[k] = f
		n.startFetch(k, f)
	default:
		if p, ok := n.reuse(k); ok {
			n.emit(EventCacheHit, map[string]any{"key": k.String()})
			reply <- Result{Found: true, LocalPath: p}
			return
		}
		n.table.MarkRequested(k)
		f := newFetch()
		f.local = append(f.local, reply)
		n.pend[k] = f
		n.startFetch(k, f)
	}
}

// reuse adopts a copy a persistent daemon left on disk in an earlier run.
func (n *Node) reuse(k cache.Key) (string, bool) {
	if !n.persist {
		return "", false
	}
	p, ok := n.store.Has(k)
	if !ok {
		return "", false
	}
	n.table.MarkRequested(k)
	if err := n.table.Resolve(k, p); err != nil {
		n.warn("status_err", err, zap.Stringer("key", k))
		return "", false
	}
	n.log.Debug("cache_reuse", zap.Stringer("key", k), zap.String("path", p))
	return p, true
}

// startFetch loads k from the backing store when this daemon is
// responsible, else asks the next hop toward the responsible rank.
func (n *Node) startFetch(k cache.Key, f *fetch) {
	if policy.IsResponsible(n.pol, k, n.rank, n.size) {
		n.load(k, f)
		return
	}
	hop := n.tree.NextHop(n.rank, n.pol.Owner(k, n.size))
	f.upstream = hop
	if err := n.sendRank(hop, n.p2p(hop), protoport.FileRequestMsg{Key: k}); err != nil {
		if !errors.Is(err, ErrUnreachable) {
			err = fmt.Errorf("%w: %w", ErrUnreachable, err)
		}
		n.failKey(k, err)
		return
	}
	n.emit(EventForwardReq, map[string]any{"key": k.String(), "to": hop})
}

func (n *Node) load(k cache.Key, f *fetch) {
	if f.loading {
		return
	}
	f.loading = true
	go func() {
		data, found, err := n.backing.Load(k.Dir, k.File)
		var p string
		if err == nil && found {
			p, err = n.store.Put(k, data)
		}
		n.postInternal(func() { n.onLoaded(k, data, found, p, err) })
	}()
}

func (n *Node) onLoaded(k cache.Key, data []byte, found bool, p string, err error) {
	n.emit(EventBackingRead, map[string]any{"key": k.String(), "bytes": len(data), "found": found})
	if n.ended {
		return
	}
	f := n.pend[k]
	if f == nil {
		f = newFetch()
	}
	switch {
	case err != nil:
		n.failKey(k, fmt.Errorf("%w: load %s: %w", ErrIO, k, err))
	case !found:
		if err := n.table.MarkNotFound(k); err != nil {
			n.warn("status_err", err, zap.Stringer("key", k))
		}
		n.emit(EventNotFound, map[string]any{"key": k.String()})
		if n.mode == ModePush {
			n.broadcast(protoport.CacheEntriesMsg{Entries: []protoport.CacheEntry{{Key: k, Status: cache.StatusNotFound}}})
		} else {
			for w := range f.forward {
				if err := n.sendRank(w, n.p2p(w), protoport.FileNotFoundMsg{Key: k}); err != nil {
					n.warn("send_not_found_err", err, zap.Int("to", w))
				}
			}
		}
		n.complete(k, Result{})
	default:
		if err := n.table.Resolve(k, p); err != nil {
			n.warn("status_err", err, zap.Stringer("key", k))
		}
		m := protoport.NewFileData(k, data)
		if n.mode == ModePush {
			sent := n.broadcast(m)
			for range sent {
				n.emit(EventSendData, map[string]any{"key": k.String(), "bytes": len(data)})
			}
		} else {
			for w := range f.forward {
				n.sendData(w, m)
			}
		}
		n.complete(k, Result{Found: true, LocalPath: p})
	}
}

func (n *Node) sendData(to int, m protoport.FileDataMsg) {
	if err := n.sendRank(to, n.p2p(to), m); err != nil {
		n.warn("send_data_err", err, zap.Int("to", to), zap.Stringer("key", m.Key))
		return
	}
	n.emit(EventSendData, map[string]any{"key": m.Key.String(), "bytes": len(m.Data), "to": to})
}

// complete wakes every local caller of k with res.
func (n *Node) complete(k cache.Key, res Result) {
	f := n.pend[k]
	delete(n.pend, k)
	if f != nil {
		for _, w := range f.local {
			w <- res
		}
	}
	n.maybeEnd()
}

// failKey answers k with err for the rest of the session. The table entry
// stays Requested.
func (n *Node) failKey(k cache.Key, err error) {
	n.failed[k] = err
	f := n.pend[k]
	delete(n.pend, k)
	n.warn("fetch_failed", err, zap.Stringer("key", k))
	if f != nil {
		code := ErrorCode(err)
		for w := range f.forward {
			if err := n.sendRank(w, n.p2p(w), protoport.FileErrorMsg{Key: k, Code: code}); err != nil {
				n.warn("send_error_err", err, zap.Int("to", w))
			}
		}
		for _, r := range f.local {
			r <- Result{Err: err}
		}
	}
	n.maybeEnd()
}

func (n *Node) onFileRequest(from int, k cache.Key) {
	if from == noRank {
		n.warn("request_off_tree", nil, zap.Stringer("key", k))
		return
	}
	if n.ended {
		return
	}
	if err, ok := n.failed[k]; ok {
		if err := n.sendRank(from, n.p2p(from), protoport.FileErrorMsg{Key: k, Code: ErrorCode(err)}); err != nil {
			n.warn("send_error_err", err, zap.Int("to", from))
		}
		return
	}
	e := n.table.Get(k)
	switch e.Status {
	case cache.StatusLocalPath:
		n.serveCached(from, k, e.LocalPath)
	case cache.StatusNotFound:
		if err := n.sendRank(from, n.p2p(from), protoport.FileNotFoundMsg{Key: k}); err != nil {
			n.warn("send_not_found_err", err, zap.Int("to", from))
		}
	case cache.StatusRequested:
		f := n.pend[k]
		if f == nil {
			f = newFetch()
			n.pend[k] = f
			f.forward[from] = struct{}{}
			n.startFetch(k, f)
			return
		}
		f.forward[from] = struct{}{}
	default:
		if p, ok := n.reuse(k); ok {
			n.serveCached(from, k, p)
			return
		}
		n.table.MarkRequested(k)
		f := newFetch()
		f.forward[from] = struct{}{}
		n.pend[k] = f
		n.startFetch(k, f)
	}
}

// serveCached answers a request for a key this daemon already holds.
func (n *Node) serveCached(to int, k cache.Key, p string) {
	go func() {
		data, err := os.ReadFile(p)
		n.postInternal(func() {
			if err != nil {
				n.warn("cache_read_err", err, zap.Stringer("key", k))
				_ = n.sendRank(to, n.p2p(to), protoport.FileErrorMsg{Key: k, Code: CodeIO})
				return
			}
			n.sendData(to, protoport.NewFileData(k, data))
		})
	}()
}

func (n *Node) onFileData(bcast bool, m protoport.FileDataMsg) {
	if n.ended {
		return
	}
	k := m.Key
	if err := m.Verify(); err != nil {
		n.failKey(k, fmt.Errorf("%w: %w", ErrIO, err))
		return
	}
	if _, bad := n.failed[k]; bad {
		return
	}
	switch n.table.Get(k).Status {
	case cache.StatusLocalPath:
		return
	case cache.StatusNotFound:
		n.warn("data_for_missing", cache.ErrNonMonotonic, zap.Stringer("key", k))
		return
	case cache.StatusUnknown:
		n.table.MarkRequested(k)
	}
	f := n.pend[k]
	if f == nil {
		f = newFetch()
		n.pend[k] = f
	}
	if f.storing {
		return
	}
	f.storing = true
	go func() {
		p, err := n.store.Put(k, m.Data)
		n.postInternal(func() { n.onStored(bcast, m, p, err) })
	}()
}

// onStored finishes a FILE_DATA. P2P data is passed on one hop to every
// forwarded requester; broadcast data already reached them. Verified data
// that made it to disk resolves k even if the fetch failed meanwhile.
func (n *Node) onStored(bcast bool, m protoport.FileDataMsg, p string, err error) {
	if n.ended {
		return
	}
	k := m.Key
	if err != nil {
		if _, bad := n.failed[k]; !bad {
			n.failKey(k, fmt.Errorf("%w: store %s: %w", ErrIO, k, err))
		}
		return
	}
	delete(n.failed, k)
	if err := n.table.Resolve(k, p); err != nil {
		n.warn("status_err", err, zap.Stringer("key", k))
		return
	}
	n.emit(EventStoreData, map[string]any{"key": k.String(), "bytes": len(m.Data), "bcast": bcast})
	if f := n.pend[k]; f != nil && !bcast {
		for w := range f.forward {
			n.sendData(w, m)
		}
	}
	n.complete(k, Result{Found: true, LocalPath: p})
}

func (n *Node) onNotFound(bcast bool, k cache.Key) {
	if n.ended || n.table.Get(k).Status == cache.StatusNotFound {
		return
	}
	if err := n.table.MarkNotFound(k); err != nil {
		n.warn("status_err", err, zap.Stringer("key", k))
		return
	}
	n.emit(EventNotFound, map[string]any{"key": k.String()})
	if f := n.pend[k]; f != nil && !bcast {
		for w := range f.forward {
			if err := n.sendRank(w, n.p2p(w), protoport.FileNotFoundMsg{Key: k}); err != nil {
				n.warn("send_not_found_err", err, zap.Int("to", w))
			}
		}
	}
	n.complete(k, Result{})
}

func (n *Node) onFileError(k cache.Key, code uint32) {
	if n.ended || n.pend[k] == nil {
		return
	}
	n.failKey(k, errorFromCode(code))
}

// onPreloadRequest serves PRELOAD_FILE from the launcher without blocking
// the loop.
func (n *Node) onPreloadRequest(id transport.ConnID, k cache.Key) {
	h := n.p2p(noRank)
	log := n.log
	go func() {
		r := n.lookup(n.ctx, k)
		var m protoport.Message = protoport.PreloadFileOKMsg{Key: k}
		if !r.Found {
			m = protoport.PreloadFileNotFoundMsg{Key: k}
		}
		c, ok := n.fab.Conn(id)
		if !ok {
			return
		}
		if err := protoport.Send(c, h, m); err != nil {
			log.Warn("preload_reply_err", zap.Stringer("key", k), zap.Error(err))
		}
	}()
}

// onClosed drops a connection. In steady state every fetch whose upstream
// was that edge fails as unreachable.
func (n *Node) onClosed(id transport.ConnID, err error) {
	p := n.peers[id]
	delete(n.peers, id)
	if p == nil {
		return
	}
	n.emit(EventConnChange, map[string]any{"delta": -1, "rank": p.rank})
	if p.role != transport.RoleTopo || n.ended {
		return
	}
	if cur, ok := n.byRank[p.rank]; ok && cur == id {
		delete(n.byRank, p.rank)
	}
	if n.State() < StateSteady {
		n.fatal = fmt.Errorf("%w: lost edge to rank %d: %v", ErrBootstrap, p.rank, err)
		return
	}
	n.log.Warn("edge_lost", zap.Int("peer", p.rank), zap.Error(err))
	for k, f := range n.pend {
		delete(f.forward, p.rank)
		if f.upstream == p.rank {
			n.failKey(k, fmt.Errorf("%w: edge to rank %d closed", ErrUnreachable, p.rank))
		}
	}
}
