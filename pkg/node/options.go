package node

import (
	"time"

	"go.uber.org/zap"

	"github.com/juanpablocruz/spindle/pkg/backing"
	"github.com/juanpablocruz/spindle/pkg/eventbus"
	"github.com/juanpablocruz/spindle/pkg/policy"
	"github.com/juanpablocruz/spindle/pkg/session"
	"github.com/juanpablocruz/spindle/pkg/transport"
)

// NodeOption configures a Node in New.
type NodeOption func(*Node)

func WithTransport(tr transport.Transport) NodeOption {
	return func(n *Node) { n.tr = tr }
}
func WithLogger(l *zap.Logger) NodeOption {
	return func(n *Node) {
		if l != nil {
			n.baseLog = l
		}
	}
}
func WithEvents(ch chan Event) NodeOption {
	return func(n *Node) { n.Events = ch }
}

// WithBus publishes every event on b as well. Publishing never blocks.
func WithBus(b *eventbus.Bus) NodeOption {
	return func(n *Node) { n.bus = b }
}
func WithBacking(s backing.Store) NodeOption {
	return func(n *Node) { n.backing = s }
}
func WithPolicy(p policy.Policy) NodeOption {
	return func(n *Node) { n.pol = p }
}
func WithMode(m Mode) NodeOption {
	return func(n *Node) { n.mode = m }
}

// WithFanout sets the tree branching factor used when this node is root.
// 0 builds a star.
func WithFanout(k int) NodeOption {
	return func(n *Node) { n.fanout = k }
}

// WithPorts sets the first candidate port and how many follow it.
func WithPorts(port, count int) NodeOption {
	return func(n *Node) { n.port, n.numPorts = port, count }
}
func WithSession(id session.ID) NodeOption {
	return func(n *Node) { n.sess = id }
}

// WithKey enables keyfile authentication with the shared key.
func WithKey(key []byte) NodeOption {
	return func(n *Node) { n.key = key }
}
func WithLocation(dir string) NodeOption {
	return func(n *Node) { n.location = dir }
}
func WithPersist(on bool) NodeOption {
	return func(n *Node) { n.persist = on }
}
func WithNoClean(on bool) NodeOption {
	return func(n *Node) { n.noclean = on }
}

// WithHosts makes this node the root of a root-driven bootstrap over the
// ordered host list. hosts[0] must be this node.
func WithHosts(hosts []string) NodeOption {
	return func(n *Node) { n.rootHosts = append([]string(nil), hosts...) }
}
func WithExternalFabric(f ExternalFabric) NodeOption {
	return func(n *Node) { n.ext = f }
}

// WithRank pins the rank this node expects. A HOSTINFO that disagrees is
// fatal.
func WithRank(r int) NodeOption {
	return func(n *Node) { n.wantRank = r }
}
func WithBootstrapTimeout(d time.Duration) NodeOption {
	return func(n *Node) { n.bootTimeout = d }
}

// WithEndGrace bounds how long End waits for in-flight fetches.
func WithEndGrace(d time.Duration) NodeOption {
	return func(n *Node) { n.endGrace = d }
}
