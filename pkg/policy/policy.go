package policy

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"lukechampine.com/blake3"

	"github.com/juanpablocruz/spindle/pkg/cache"
)

// Policy names the rank that reads a key from the backing store.
type Policy interface {
	Owner(k cache.Key, size int) int
	String() string
}

// RootOnly makes rank 0 responsible for every key.
type RootOnly struct{}

func (RootOnly) Owner(cache.Key, int) int { return 0 }
func (RootOnly) String() string           { return "root" }

// RankRange spreads keys over the first Ranks ranks by a hash of the path.
type RankRange struct {
	Ranks int
}

func (p RankRange) Owner(k cache.Key, size int) int {
	n := p.Ranks
	if n <= 0 || n > size {
		n = size
	}
	if n <= 1 {
		return 0
	}
	sum := blake3.Sum256([]byte(k.Dir + "/" + k.File))
	return int(binary.BigEndian.Uint64(sum[:8]) % uint64(n))
}

func (p RankRange) String() string { return "range:" + strconv.Itoa(p.Ranks) }

// IsResponsible reports whether rank owns k in a session of size ranks.
func IsResponsible(p Policy, k cache.Key, rank, size int) bool {
	return p.Owner(k, size) == rank
}

// Parse accepts "root" or "range:N".
func Parse(s string) (Policy, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "root" {
		return RootOnly{}, nil
	}
	if n, ok := strings.CutPrefix(s, "range:"); ok {
		v, err := strconv.Atoi(n)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("policy: bad range %q", s)
		}
		return RankRange{Ranks: v}, nil
	}
	return nil, fmt.Errorf("policy: unknown policy %q", s)
}
