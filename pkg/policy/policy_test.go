package policy

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/juanpablocruz/spindle/pkg/cache"
)

func TestRootOnly(t *testing.T) {
	k := cache.KeyOf(cache.NSLib, "/lib/libc.so")
	assert.True(t, IsResponsible(RootOnly{}, k, 0, 16))
	assert.False(t, IsResponsible(RootOnly{}, k, 3, 16))
}

func TestRankRangeDeterministicAndBounded(t *testing.T) {
	p := RankRange{Ranks: 4}
	hit := map[int]bool{}
	for i := 0; i < 200; i++ {
		k := cache.KeyOf(cache.NSLib, fmt.Sprintf("/lib/lib%d.so", i))
		o := p.Owner(k, 16)
		require.GreaterOrEqual(t, o, 0)
		require.Less(t, o, 4)
		require.Equal(t, o, p.Owner(k, 16))
		hit[o] = true
	}
	assert.Len(t, hit, 4, "keys spread over every owner rank")

	// never beyond the session
	k := cache.KeyOf(cache.NSLib, "/lib/x.so")
	assert.Equal(t, 0, p.Owner(k, 1))
	assert.Less(t, p.Owner(k, 2), 2)
}

func TestParse(t *testing.T) {
	p, err := Parse("root")
	require.NoError(t, err)
	assert.Equal(t, RootOnly{}, p)

	p, err = Parse("range:8")
	require.NoError(t, err)
	assert.Equal(t, RankRange{Ranks: 8}, p)
	assert.Equal(t, "range:8", p.String())

	for _, bad := range []string{"range:0", "range:x", "leaf"} {
		_, err := Parse(bad)
		assert.Error(t, err, bad)
	}
}
