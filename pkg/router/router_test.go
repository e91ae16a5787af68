package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/juanpablocruz/spindle/pkg/topology"
	"github.com/juanpablocruz/spindle/pkg/wire"
)

func p2p(t wire.MsgType, src, dest int32) wire.Header {
	return wire.Header{Type: t, MType: wire.P2P, Source: src, Dest: dest}
}

func TestP2PDeliverOrForward(t *testing.T) {
	tr := topology.Tree{Size: 10, Fanout: 2}
	r1 := Router{Self: 1, Tree: tr}

	d := r1.Route(p2p(wire.MT_FILE_REQUEST, 9, 1), 4)
	assert.True(t, d.Deliver)
	assert.Empty(t, d.Forward)

	d = r1.Route(p2p(wire.MT_FILE_DATA, 0, 9), 0)
	assert.False(t, d.Deliver)
	assert.Equal(t, []int{4}, d.Forward)

	d = r1.Route(p2p(wire.MT_FILE_REQUEST, 9, 0), 4)
	assert.Equal(t, []int{0}, d.Forward)
}

func TestBadDestinationDropped(t *testing.T) {
	r := Router{Self: 0, Tree: topology.Tree{Size: 4}}
	for _, dest := range []int32{4, 100, wire.Unknown} {
		d := r.Route(p2p(wire.MT_FILE_REQUEST, 1, dest), 1)
		require.ErrorIs(t, d.Err, ErrBadDestination)
		assert.False(t, d.Deliver)
		assert.Empty(t, d.Forward)
	}
}

func TestHostInfoNeverRouted(t *testing.T) {
	r := Router{Self: 2, Tree: topology.Tree{Size: 4}}
	d := r.Route(wire.Header{Type: wire.MT_MD_HOSTINFO, MType: wire.P2P, Dest: wire.Unknown}, wire.Unknown)
	assert.True(t, d.Deliver)
	assert.Empty(t, d.Forward)
	require.NoError(t, d.Err)
}

// Flooding a broadcast from any origin reaches every rank exactly once.
func TestBroadcastExactlyOnce(t *testing.T) {
	for _, tr := range []topology.Tree{{Size: 1}, {Size: 6}, {Size: 31, Fanout: 2}, {Size: 40, Fanout: 3}} {
		for origin := 0; origin < tr.Size; origin++ {
			h := wire.Header{Type: wire.MT_FILE_DATA, MType: wire.BCAST, Source: int32(origin), Dest: wire.Broadcast}
			delivered := make(map[int]int)
			type hop struct{ at, from int }
			queue := []hop{{at: origin, from: int(wire.Unknown)}}
			for len(queue) > 0 {
				x := queue[0]
				queue = queue[1:]
				d := Router{Self: x.at, Tree: tr}.Route(h, int32(x.from))
				require.NoError(t, d.Err)
				if d.Deliver {
					delivered[x.at]++
				}
				for _, nb := range d.Forward {
					queue = append(queue, hop{at: nb, from: x.at})
				}
			}
			require.Len(t, delivered, tr.Size, "%s origin %d", tr, origin)
			for r, n := range delivered {
				require.Equal(t, 1, n, "%s origin %d rank %d", tr, origin, r)
			}
		}
	}
}

// Hop-by-hop P2P routing terminates at the destination.
func TestP2PReachesDestination(t *testing.T) {
	tr := topology.Tree{Size: 20, Fanout: 3}
	for src := 0; src < tr.Size; src++ {
		for dst := 0; dst < tr.Size; dst++ {
			h := p2p(wire.MT_FILE_REQUEST, int32(src), int32(dst))
			at, hops := src, 0
			for {
				d := Router{Self: at, Tree: tr}.Route(h, wire.Unknown)
				require.NoError(t, d.Err)
				if d.Deliver {
					break
				}
				require.Len(t, d.Forward, 1)
				at = d.Forward[0]
				hops++
				require.Less(t, hops, tr.Size)
			}
			require.Equal(t, dst, at)
		}
	}
}
