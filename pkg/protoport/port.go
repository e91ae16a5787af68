package protoport

import (
	"context"
	"errors"
	"fmt"

	"github.com/juanpablocruz/spindle/pkg/cache"
	"github.com/juanpablocruz/spindle/pkg/transport"
	"github.com/juanpablocruz/spindle/pkg/wire"
)

// Message is a typed union of every payload the daemons exchange.
type Message interface{ isMessage() }

type (
	// HostInfoMsg introduces a tree edge. To is the rank the receiver takes,
	// From the sender's rank. Topo is 1 when the edge is a tree edge.
	HostInfoMsg struct {
		Rank, Size, Depth int32
		To, From          int32
		Topo              int32
	}
	// HostListMsg carries the compressed host list and the tree fanout
	// (0 for a star) so every daemon derives the same tree.
	HostListMsg struct {
		Count    uint32
		Fanout   uint32
		Template string
	}
	BootstrapMsg      struct{}
	BootstrapEndMsg   struct{}
	BootstrapEndOKMsg struct{}
	EndMsg            struct{}

	FileRequestMsg  struct{ Key cache.Key }
	FileNotFoundMsg struct{ Key cache.Key }
	FileErrorMsg    struct {
		Key  cache.Key
		Code uint32
	}
	FileDataMsg struct {
		Key    cache.Key
		Digest [32]byte
		Data   []byte
	}
	CacheEntriesMsg struct{ Entries []CacheEntry }

	PreloadFileMsg         struct{ Key cache.Key }
	PreloadFileOKMsg       struct{ Key cache.Key }
	PreloadFileNotFoundMsg struct{ Key cache.Key }

	ClientLookupMsg     struct{ Path string }
	ClientExecLookupMsg struct{ Path string }
	ClientResultMsg     struct {
		Found bool
		Code  uint32
		Path  string
	}
)

// CacheEntry is one announced entry of a CACHE_ENTRIES message.
type CacheEntry struct {
	Key    cache.Key
	Status cache.Status
}

func (HostInfoMsg) isMessage()            {}
func (HostListMsg) isMessage()            {}
func (BootstrapMsg) isMessage()           {}
func (BootstrapEndMsg) isMessage()        {}
func (BootstrapEndOKMsg) isMessage()      {}
func (EndMsg) isMessage()                 {}
func (FileRequestMsg) isMessage()         {}
func (FileNotFoundMsg) isMessage()        {}
func (FileErrorMsg) isMessage()           {}
func (FileDataMsg) isMessage()            {}
func (CacheEntriesMsg) isMessage()        {}
func (PreloadFileMsg) isMessage()         {}
func (PreloadFileOKMsg) isMessage()       {}
func (PreloadFileNotFoundMsg) isMessage() {}
func (ClientLookupMsg) isMessage()        {}
func (ClientExecLookupMsg) isMessage()    {}
func (ClientResultMsg) isMessage()        {}

// Envelope is a decoded message together with its routing header.
type Envelope struct {
	Header wire.Header
	Msg    Message
}

func (e Envelope) String() string { return e.Header.String() }

var ErrUnknownMessage = errors.New("protoport: unknown message")

// EncodeMessage maps a typed Message to its wire type and payload.
func EncodeMessage(m Message) (wire.MsgType, []byte, error) {
	switch x := m.(type) {
	case HostInfoMsg:
		return wire.MT_MD_HOSTINFO, encodeHostInfo(x), nil
	case HostListMsg:
		return wire.MT_MD_HOSTLIST, encodeHostList(x), nil
	case BootstrapMsg:
		return wire.MT_MD_BOOTSTRAP, nil, nil
	case BootstrapEndMsg:
		return wire.MT_MD_BOOTSTRAP_END, nil, nil
	case BootstrapEndOKMsg:
		return wire.MT_MD_BOOTSTRAP_END_OK, nil, nil
	case EndMsg:
		return wire.MT_END, nil, nil
	case FileRequestMsg:
		b, err := encodeKey(x.Key)
		return wire.MT_FILE_REQUEST, b, err
	case FileNotFoundMsg:
		b, err := encodeKey(x.Key)
		return wire.MT_FILE_NOT_FOUND, b, err
	case FileErrorMsg:
		b, err := encodeFileError(x)
		return wire.MT_FILE_ERROR, b, err
	case FileDataMsg:
		b, err := encodeFileData(x)
		return wire.MT_FILE_DATA, b, err
	case CacheEntriesMsg:
		return wire.MT_CACHE_ENTRIES, encodeCacheEntries(x), nil
	case PreloadFileMsg:
		b, err := encodeKey(x.Key)
		return wire.MT_PRELOAD_FILE, b, err
	case PreloadFileOKMsg:
		b, err := encodeKey(x.Key)
		return wire.MT_PRELOAD_FILE_OK, b, err
	case PreloadFileNotFoundMsg:
		b, err := encodeKey(x.Key)
		return wire.MT_PRELOAD_FILE_NOT_FOUND, b, err
	case ClientLookupMsg:
		b, err := encodePath(x.Path)
		return wire.MT_CLIENT_LOOKUP, b, err
	case ClientExecLookupMsg:
		b, err := encodePath(x.Path)
		return wire.MT_CLIENT_EXEC_LOOKUP, b, err
	case ClientResultMsg:
		b, err := encodeClientResult(x)
		return wire.MT_CLIENT_RESULT, b, err
	default:
		return 0, nil, fmt.Errorf("%w: %T", ErrUnknownMessage, m)
	}
}

// DecodeMessage parses payload as a message of type mt.
func DecodeMessage(mt wire.MsgType, payload []byte) (Message, error) {
	switch mt {
	case wire.MT_MD_HOSTINFO:
		return decodeHostInfo(payload)
	case wire.MT_MD_HOSTLIST:
		return decodeHostList(payload)
	case wire.MT_MD_BOOTSTRAP:
		return BootstrapMsg{}, nil
	case wire.MT_MD_BOOTSTRAP_END:
		return BootstrapEndMsg{}, nil
	case wire.MT_MD_BOOTSTRAP_END_OK:
		return BootstrapEndOKMsg{}, nil
	case wire.MT_END:
		return EndMsg{}, nil
	case wire.MT_FILE_REQUEST:
		k, err := decodeKey(payload)
		return FileRequestMsg{Key: k}, err
	case wire.MT_FILE_NOT_FOUND:
		k, err := decodeKey(payload)
		return FileNotFoundMsg{Key: k}, err
	case wire.MT_FILE_ERROR:
		return decodeFileError(payload)
	case wire.MT_FILE_DATA:
		return decodeFileData(payload)
	case wire.MT_CACHE_ENTRIES:
		return decodeCacheEntries(payload)
	case wire.MT_PRELOAD_FILE:
		k, err := decodeKey(payload)
		return PreloadFileMsg{Key: k}, err
	case wire.MT_PRELOAD_FILE_OK:
		k, err := decodeKey(payload)
		return PreloadFileOKMsg{Key: k}, err
	case wire.MT_PRELOAD_FILE_NOT_FOUND:
		k, err := decodeKey(payload)
		return PreloadFileNotFoundMsg{Key: k}, err
	case wire.MT_CLIENT_LOOKUP:
		p, err := decodePath(payload)
		return ClientLookupMsg{Path: p}, err
	case wire.MT_CLIENT_EXEC_LOOKUP:
		p, err := decodePath(payload)
		return ClientExecLookupMsg{Path: p}, err
	case wire.MT_CLIENT_RESULT:
		return decodeClientResult(payload)
	default:
		return nil, fmt.Errorf("%w: %s", wire.ErrUnknownType, mt)
	}
}

// Decode turns a received frame into an Envelope.
func Decode(f transport.Frame) (Envelope, error) {
	m, err := DecodeMessage(f.Header.Type, f.Payload)
	if err != nil {
		return Envelope{Header: f.Header}, fmt.Errorf("decode %s: %w", f.Header.Type, err)
	}
	return Envelope{Header: f.Header, Msg: m}, nil
}

// Send encodes m and queues it on c with the routing fields of h.
func Send(c *transport.Conn, h wire.Header, m Message) error {
	mt, payload, err := EncodeMessage(m)
	if err != nil {
		return err
	}
	h.Type = mt
	return c.Send(h, payload)
}

// Recv blocks for the next complete message on c.
func Recv(ctx context.Context, c *transport.Conn) (Envelope, error) {
	f, err := c.Recv(ctx)
	if err != nil {
		return Envelope{}, err
	}
	return Decode(f)
}
