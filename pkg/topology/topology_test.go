package topology

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStar(t *testing.T) {
	tr := Tree{Size: 4}
	assert.Equal(t, []int{1, 2, 3}, tr.Children(0))
	assert.Equal(t, -1, tr.Parent(0))
	assert.Equal(t, 0, tr.Parent(3))
	assert.Equal(t, 1, tr.Depth(2))
	assert.Equal(t, 0, tr.NextHop(2, 3))
	assert.Equal(t, 3, tr.NextHop(0, 3))
}

func TestKaryShape(t *testing.T) {
	tr := Tree{Size: 10, Fanout: 2}
	assert.Equal(t, []int{1, 2}, tr.Children(0))
	assert.Equal(t, []int{3, 4}, tr.Children(1))
	assert.Equal(t, []int{9}, tr.Children(4))
	assert.Empty(t, tr.Children(9))
	assert.Equal(t, 3, tr.Depth(9))
	assert.True(t, tr.InSubtree(1, 9))
	assert.False(t, tr.InSubtree(2, 9))

	assert.Equal(t, 4, tr.NextHop(1, 9), "down through the child holding dest")
	assert.Equal(t, 0, tr.NextHop(1, 6), "up when dest is elsewhere")
	assert.Equal(t, 7, tr.NextHop(7, 7))
	assert.Equal(t, -1, tr.NextHop(0, 10))
	assert.Equal(t, []int{1, 9}, tr.Neighbours(4))
}

// Every rank is reached exactly once from the root and following NextHop
// from any rank reaches any other.
func TestTreeCoverage(t *testing.T) {
	for _, tr := range []Tree{{Size: 1}, {Size: 7}, {Size: 33, Fanout: 2}, {Size: 50, Fanout: 3}, {Size: 16, Fanout: 16}} {
		t.Run(tr.String(), func(t *testing.T) {
			seen := map[int]int{}
			queue := []int{0}
			for len(queue) > 0 {
				r := queue[0]
				queue = queue[1:]
				seen[r]++
				queue = append(queue, tr.Children(r)...)
			}
			require.Len(t, seen, tr.Size)
			for r, n := range seen {
				require.Equal(t, 1, n, "rank %d", r)
			}
			for a := 0; a < tr.Size; a++ {
				for b := 0; b < tr.Size; b++ {
					x, hops := a, 0
					for x != b {
						next := tr.NextHop(x, b)
						require.Contains(t, tr.Neighbours(x), next)
						x = next
						hops++
						require.LessOrEqual(t, hops, 2*tr.Depth(tr.Size-1)+2)
					}
				}
			}
		})
	}
}

func TestHostTemplateRoundTrip(t *testing.T) {
	cases := [][]string{
		{"node001", "node002", "node003", "node004"},
		{"login", "node1", "node3", "node4", "gpu01", "gpu02"},
		{"127.0.0.1", "127.0.0.2", "127.0.0.3"},
		{"a9", "a10", "a11"},
		{"n5", "n3"},
		{"solo"},
	}
	for _, hosts := range cases {
		tmpl := Compress(hosts)
		got, err := Expand(tmpl)
		require.NoError(t, err, tmpl)
		assert.Equal(t, hosts, got, tmpl)
	}
	assert.Equal(t, "node[001-004]", Compress(cases[0]))
}

func TestExpandLarge(t *testing.T) {
	hosts := make([]string, 0, 1000)
	for i := 0; i < 1000; i++ {
		hosts = append(hosts, fmt.Sprintf("c%04d", i))
	}
	tmpl := Compress(hosts)
	assert.Equal(t, "c[0000-0999]", tmpl)
	got, err := Expand(tmpl)
	require.NoError(t, err)
	assert.Equal(t, hosts, got)
}

func TestExpandRejectsGarbage(t *testing.T) {
	for _, bad := range []string{"node[3-1]", "node[x]", "node]1[", "a,,b"} {
		_, err := Expand(bad)
		assert.ErrorIs(t, err, ErrBadTemplate, bad)
	}
}
