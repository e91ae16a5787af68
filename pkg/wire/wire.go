package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

type MsgType byte

const (
	MT_PRELOAD_FILE           MsgType = 0x01
	MT_PRELOAD_FILE_OK        MsgType = 0x02
	MT_PRELOAD_FILE_NOT_FOUND MsgType = 0x03

	MT_MD_HOSTINFO         MsgType = 0x10
	MT_MD_HOSTLIST         MsgType = 0x11
	MT_MD_BOOTSTRAP        MsgType = 0x12
	MT_MD_BOOTSTRAP_END    MsgType = 0x13
	MT_MD_BOOTSTRAP_END_OK MsgType = 0x14

	MT_CACHE_ENTRIES  MsgType = 0x20
	MT_FILE_DATA      MsgType = 0x21
	MT_FILE_REQUEST   MsgType = 0x22
	MT_FILE_NOT_FOUND MsgType = 0x23
	MT_FILE_ERROR     MsgType = 0x24

	MT_END MsgType = 0x30

	// local client socket only, never routed between daemons
	MT_CLIENT_LOOKUP      MsgType = 0x40
	MT_CLIENT_EXEC_LOOKUP MsgType = 0x41
	MT_CLIENT_RESULT      MsgType = 0x42
)

var typeNames = map[MsgType]string{
	MT_PRELOAD_FILE:           "PRELOAD_FILE",
	MT_PRELOAD_FILE_OK:        "PRELOAD_FILE_OK",
	MT_PRELOAD_FILE_NOT_FOUND: "PRELOAD_FILE_NOT_FOUND",
	MT_MD_HOSTINFO:            "MD_HOSTINFO",
	MT_MD_HOSTLIST:            "MD_HOSTLIST",
	MT_MD_BOOTSTRAP:           "MD_BOOTSTRAP",
	MT_MD_BOOTSTRAP_END:       "MD_BOOTSTRAP_END",
	MT_MD_BOOTSTRAP_END_OK:    "MD_BOOTSTRAP_END_OK",
	MT_CACHE_ENTRIES:          "CACHE_ENTRIES",
	MT_FILE_DATA:              "FILE_DATA",
	MT_FILE_REQUEST:           "FILE_REQUEST",
	MT_FILE_NOT_FOUND:         "FILE_NOT_FOUND",
	MT_FILE_ERROR:             "FILE_ERROR",
	MT_END:                    "END",
	MT_CLIENT_LOOKUP:          "CLIENT_LOOKUP",
	MT_CLIENT_EXEC_LOOKUP:     "CLIENT_EXEC_LOOKUP",
	MT_CLIENT_RESULT:          "CLIENT_RESULT",
}

func (t MsgType) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("MT(0x%02x)", byte(t))
}

func (t MsgType) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// MType selects point-to-point or broadcast routing.
type MType byte

const (
	P2P   MType = 0x01
	BCAST MType = 0x02
)

func (m MType) String() string {
	switch m {
	case P2P:
		return "P2P"
	case BCAST:
		return "BCAST"
	default:
		return fmt.Sprintf("MTYPE(0x%02x)", byte(m))
	}
}

const (
	// Broadcast is the dest of a BCAST message.
	Broadcast int32 = -1
	// Unknown marks a rank that has not been identified yet.
	Unknown int32 = -2
)

// HeaderSize: | 1B type | 1B mtype | 4B source | 4B dest | 4B from | 4B length |
const HeaderSize = 18

var (
	ErrShortHeader  = errors.New("wire: short header")
	ErrUnknownType  = errors.New("wire: unknown message type")
	ErrUnknownMType = errors.New("wire: unknown routing mtype")
)

// Header is the fixed routing header in front of every payload.
// Source and Payload never change while a message is forwarded;
// From is rewritten on every hop.
type Header struct {
	Type   MsgType
	MType  MType
	Source int32
	Dest   int32
	From   int32
	Length uint32
}

func (h Header) String() string {
	return fmt.Sprintf("%s %s %d->%d from=%d len=%d", h.Type, h.MType, h.Source, h.Dest, h.From, h.Length)
}

func (h Header) Put(b []byte) {
	_ = b[HeaderSize-1]
	b[0] = byte(h.Type)
	b[1] = byte(h.MType)
	binary.BigEndian.PutUint32(b[2:6], uint32(h.Source))
	binary.BigEndian.PutUint32(b[6:10], uint32(h.Dest))
	binary.BigEndian.PutUint32(b[10:14], uint32(h.From))
	binary.BigEndian.PutUint32(b[14:18], h.Length)
}

func (h Header) Encode() []byte {
	b := make([]byte, HeaderSize)
	h.Put(b)
	return b
}

// DecodeHeader validates type and mtype; both are protocol errors when unknown.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortHeader
	}
	h := Header{
		Type:   MsgType(b[0]),
		MType:  MType(b[1]),
		Source: int32(binary.BigEndian.Uint32(b[2:6])),
		Dest:   int32(binary.BigEndian.Uint32(b[6:10])),
		From:   int32(binary.BigEndian.Uint32(b[10:14])),
		Length: binary.BigEndian.Uint32(b[14:18]),
	}
	if !h.Type.Valid() {
		return h, fmt.Errorf("%w: 0x%02x", ErrUnknownType, byte(h.Type))
	}
	if h.MType != P2P && h.MType != BCAST {
		return h, fmt.Errorf("%w: 0x%02x", ErrUnknownMType, byte(h.MType))
	}
	return h, nil
}

// Encode frame: | header | payload... |, Length is taken from payload.
func Encode(h Header, payload []byte) []byte {
	h.Length = uint32(len(payload))
	buf := make([]byte, HeaderSize+len(payload))
	h.Put(buf)
	copy(buf[HeaderSize:], payload)
	return buf
}
