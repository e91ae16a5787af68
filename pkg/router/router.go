package router

import (
	"errors"
	"fmt"

	"github.com/juanpablocruz/spindle/pkg/topology"
	"github.com/juanpablocruz/spindle/pkg/wire"
)

var ErrBadDestination = errors.New("router: destination outside session")

// Decision says what to do with one message: deliver it here, forward it
// to these neighbour ranks, or both.
type Decision struct {
	Deliver bool
	Forward []int
	Err     error
}

// Router decides per message using only the static tree. It never blocks
// and never waits for replies.
type Router struct {
	Self int
	Tree topology.Tree
}

// localOnly message types are never routed between daemons.
func localOnly(t wire.MsgType) bool {
	switch t {
	case wire.MT_MD_HOSTINFO,
		wire.MT_MD_BOOTSTRAP_END_OK,
		wire.MT_PRELOAD_FILE, wire.MT_PRELOAD_FILE_OK, wire.MT_PRELOAD_FILE_NOT_FOUND,
		wire.MT_CLIENT_LOOKUP, wire.MT_CLIENT_EXEC_LOOKUP, wire.MT_CLIENT_RESULT:
		return true
	}
	return false
}

// Route handles a message that arrived from neighbour rank `from`
// (wire.Unknown for a locally originated message or a control link).
func (r Router) Route(h wire.Header, from int32) Decision {
	if localOnly(h.Type) {
		return Decision{Deliver: true}
	}
	switch h.MType {
	case wire.BCAST:
		var fwd []int
		for _, nb := range r.Tree.Neighbours(r.Self) {
			if int32(nb) != from {
				fwd = append(fwd, nb)
			}
		}
		return Decision{Deliver: true, Forward: fwd}
	case wire.P2P:
		if !r.Tree.Valid(int(h.Dest)) {
			return Decision{Err: fmt.Errorf("%w: %s", ErrBadDestination, h)}
		}
		if int(h.Dest) == r.Self {
			return Decision{Deliver: true}
		}
		return Decision{Forward: []int{r.Tree.NextHop(r.Self, int(h.Dest))}}
	default:
		return Decision{Err: fmt.Errorf("%w: %s", wire.ErrUnknownMType, h)}
	}
}
