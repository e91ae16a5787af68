package session

import (
	"github.com/google/uuid"
)

// An ID names one job session. Every daemon of the session carries the same
// ID and refuses connections from daemons that carry another one.
type ID [16]byte

var Nil ID

func New() ID {
	uid := uuid.New()

	id := ID{}
	copy(id[:], uid[:])
	return id
}

func Parse(s string) (ID, error) {
	uid, err := uuid.Parse(s)
	if err != nil {
		return Nil, err
	}
	return ID(uid), nil
}

func (id ID) String() string { return uuid.UUID(id).String() }
func (id ID) IsZero() bool   { return id == Nil }
