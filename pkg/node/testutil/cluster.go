package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/juanpablocruz/spindle/pkg/backing"
	"github.com/juanpablocruz/spindle/pkg/eventbus"
	"github.com/juanpablocruz/spindle/pkg/metrics"
	"github.com/juanpablocruz/spindle/pkg/node"
	"github.com/juanpablocruz/spindle/pkg/session"
	"github.com/juanpablocruz/spindle/pkg/transport"
)

// ClusterPort is where every in-memory daemon listens.
const ClusterPort = 7000

type Config struct {
	Size   int
	Mode   node.Mode
	Fanout int
	// External ranks every daemon through a StaticFabric instead of
	// handing the host list to n0.
	External bool
	// PerNode adds options for daemon i, applied after the defaults.
	PerNode func(i int) []node.NodeOption
}

// Cluster runs daemons n0..nN-1 over one in-memory switch sharing a
// backing store.
type Cluster struct {
	Switch    *transport.Switch
	Backing   *backing.Map
	Bus       *eventbus.Bus
	Stats     *metrics.Recorder
	Session   session.ID
	Hosts     []string
	Locations []string
	Nodes     []*node.Node

	t       testing.TB
	ctx     context.Context
	cancel  context.CancelFunc
	results []chan error
	errs    []error
	started []bool
}

func NewCluster(t testing.TB, cfg Config) *Cluster {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Cluster{
		Switch:  transport.NewSwitch(),
		Backing: backing.NewMap(nil),
		Bus:     eventbus.New(),
		Stats:   metrics.NewRecorder(4096),
		Session: session.New(),
		t:       t,
		ctx:     ctx,
		cancel:  cancel,
	}
	c.Bus.Subscribe(c.Stats)
	c.Bus.Start()
	for i := range cfg.Size {
		c.Hosts = append(c.Hosts, fmt.Sprintf("n%d", i))
	}
	for i, h := range c.Hosts {
		loc := t.TempDir()
		opts := []node.NodeOption{
			node.WithTransport(c.Switch),
			node.WithPorts(ClusterPort, 4),
			node.WithSession(c.Session),
			node.WithLocation(loc),
			node.WithBacking(c.Backing),
			node.WithBus(c.Bus),
			node.WithFanout(cfg.Fanout),
			node.WithBootstrapTimeout(5 * time.Second),
			node.WithEndGrace(time.Second),
		}
		if cfg.Mode != 0 {
			opts = append(opts, node.WithMode(cfg.Mode))
		}
		if cfg.External {
			opts = append(opts, node.WithExternalFabric(node.StaticFabric{Hosts: c.Hosts}))
		} else if i == 0 {
			opts = append(opts, node.WithHosts(c.Hosts))
		}
		if cfg.PerNode != nil {
			opts = append(opts, cfg.PerNode(i)...)
		}
		n, err := node.New(h, opts...)
		require.NoError(t, err)
		c.Nodes = append(c.Nodes, n)
		c.Locations = append(c.Locations, loc)
		c.results = append(c.results, make(chan error, 1))
	}
	c.errs = make([]error, cfg.Size)
	c.started = make([]bool, cfg.Size)
	t.Cleanup(c.Stop)
	return c
}

// Start runs every daemon that is not running yet.
func (c *Cluster) Start() {
	for i := range c.Nodes {
		c.StartNode(i)
	}
}

func (c *Cluster) StartNode(i int) {
	if c.started[i] {
		return
	}
	c.started[i] = true
	n, ch := c.Nodes[i], c.results[i]
	go func() { ch <- n.Run(c.ctx) }()
}

// WaitReady fails the test unless every daemon reaches steady state.
func (c *Cluster) WaitReady(timeout time.Duration) {
	c.t.Helper()
	deadline := time.After(timeout)
	for i, n := range c.Nodes {
		select {
		case <-n.Ready():
		case <-deadline:
			require.FailNowf(c.t, "cluster not ready", "%s (state %s)", c.Hosts[i], n.State())
		}
	}
}

// Wait returns daemon i's Run result, or fails after timeout.
func (c *Cluster) Wait(i int, timeout time.Duration) error {
	c.t.Helper()
	if ch := c.results[i]; ch != nil {
		select {
		case err := <-ch:
			c.errs[i] = err
			c.results[i] = nil
		case <-time.After(timeout):
			require.FailNowf(c.t, "daemon still running", "%s", c.Hosts[i])
		}
	}
	return c.errs[i]
}

// Stop cancels every daemon and waits for them to exit.
func (c *Cluster) Stop() {
	c.cancel()
	for i, ch := range c.results {
		if ch == nil || !c.started[i] {
			continue
		}
		select {
		case c.errs[i] = <-ch:
		case <-time.After(5 * time.Second):
		}
		c.results[i] = nil
	}
	c.Bus.Stop()
}
