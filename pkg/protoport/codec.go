package protoport

import (
	"bytes"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
	"lukechampine.com/blake3"

	"github.com/juanpablocruz/spindle/pkg/cache"
	"github.com/juanpablocruz/spindle/pkg/internal/bin"
)

var (
	ErrDigestMismatch = errors.New("protoport: file data digest mismatch")
	ErrTrailingBytes  = errors.New("protoport: trailing bytes")
	ErrBadNamespace   = errors.New("protoport: bad namespace")
)

// NewFileData builds a FILE_DATA message whose digest covers data.
func NewFileData(k cache.Key, data []byte) FileDataMsg {
	return FileDataMsg{Key: k, Digest: blake3.Sum256(data), Data: data}
}

// Verify checks the digest against the carried data.
func (m FileDataMsg) Verify() error {
	if blake3.Sum256(m.Data) != m.Digest {
		return fmt.Errorf("%w: %s", ErrDigestMismatch, m.Key)
	}
	return nil
}

func encodeHostInfo(m HostInfoMsg) []byte {
	var buf bytes.Buffer
	for _, v := range []int32{m.Rank, m.Size, m.Depth, m.To, m.From, m.Topo} {
		_ = bin.PutI32(&buf, v)
	}
	return buf.Bytes()
}

func decodeHostInfo(b []byte) (Message, error) {
	r := bytes.NewReader(b)
	var v [6]int32
	for i := range v {
		x, err := bin.GetI32(r)
		if err != nil {
			return nil, err
		}
		v[i] = x
	}
	if r.Len() != 0 {
		return nil, ErrTrailingBytes
	}
	return HostInfoMsg{Rank: v[0], Size: v[1], Depth: v[2], To: v[3], From: v[4], Topo: v[5]}, nil
}

func encodeHostList(m HostListMsg) []byte {
	var buf bytes.Buffer
	_ = bin.PutU32(&buf, m.Count)
	_ = bin.PutU32(&buf, m.Fanout)
	_ = bin.PutBytes(&buf, []byte(m.Template))
	return buf.Bytes()
}

func decodeHostList(b []byte) (Message, error) {
	r := bytes.NewReader(b)
	n, err := bin.GetU32(r)
	if err != nil {
		return nil, err
	}
	fan, err := bin.GetU32(r)
	if err != nil {
		return nil, err
	}
	tmpl, err := bin.GetBytes(r)
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, ErrTrailingBytes
	}
	return HostListMsg{Count: n, Fanout: fan, Template: string(tmpl)}, nil
}

func putKey(buf *bytes.Buffer, k cache.Key) error {
	if !k.Namespace.Valid() {
		return fmt.Errorf("%w: %d", ErrBadNamespace, k.Namespace)
	}
	_ = bin.PutU8(buf, uint8(k.Namespace))
	if err := bin.PutString(buf, k.Dir); err != nil {
		return err
	}
	return bin.PutString(buf, k.File)
}

func getKey(r *bytes.Reader) (cache.Key, error) {
	ns, err := bin.GetU8(r)
	if err != nil {
		return cache.Key{}, err
	}
	k := cache.Key{Namespace: cache.Namespace(ns)}
	if !k.Namespace.Valid() {
		return cache.Key{}, fmt.Errorf("%w: %d", ErrBadNamespace, ns)
	}
	if k.Dir, err = bin.GetString(r); err != nil {
		return cache.Key{}, err
	}
	if k.File, err = bin.GetString(r); err != nil {
		return cache.Key{}, err
	}
	return k, nil
}

func encodeKey(k cache.Key) ([]byte, error) {
	var buf bytes.Buffer
	if err := putKey(&buf, k); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeKey(b []byte) (cache.Key, error) {
	r := bytes.NewReader(b)
	k, err := getKey(r)
	if err != nil {
		return cache.Key{}, err
	}
	if r.Len() != 0 {
		return cache.Key{}, ErrTrailingBytes
	}
	return k, nil
}

func encodeFileError(m FileErrorMsg) ([]byte, error) {
	var buf bytes.Buffer
	if err := putKey(&buf, m.Key); err != nil {
		return nil, err
	}
	_ = bin.PutU32(&buf, m.Code)
	return buf.Bytes(), nil
}

func decodeFileError(b []byte) (Message, error) {
	r := bytes.NewReader(b)
	k, err := getKey(r)
	if err != nil {
		return nil, err
	}
	code, err := bin.GetU32(r)
	if err != nil {
		return nil, err
	}
	return FileErrorMsg{Key: k, Code: code}, nil
}

// | key | digest 32B | len u32 | data |
func encodeFileData(m FileDataMsg) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(len(m.Data) + 128)
	if err := putKey(&buf, m.Key); err != nil {
		return nil, err
	}
	buf.Write(m.Digest[:])
	_ = bin.PutBytes(&buf, m.Data)
	return buf.Bytes(), nil
}

func decodeFileData(b []byte) (Message, error) {
	r := bytes.NewReader(b)
	k, err := getKey(r)
	if err != nil {
		return nil, err
	}
	m := FileDataMsg{Key: k}
	if err := bin.GetFixed(r, m.Digest[:]); err != nil {
		return nil, err
	}
	if m.Data, err = bin.GetBytes(r); err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, ErrTrailingBytes
	}
	return m, nil
}

// CACHE_ENTRIES uses the protobuf wire format:
//
//	message CacheEntries { repeated Entry entries = 1; }
//	message Entry { uint32 namespace = 1; string dir = 2; string file = 3; uint32 status = 4; }
const (
	fieldEntries   protowire.Number = 1
	fieldNamespace protowire.Number = 1
	fieldDir       protowire.Number = 2
	fieldFile      protowire.Number = 3
	fieldStatus    protowire.Number = 4
)

func encodeCacheEntries(m CacheEntriesMsg) []byte {
	var out []byte
	for _, e := range m.Entries {
		var eb []byte
		eb = protowire.AppendTag(eb, fieldNamespace, protowire.VarintType)
		eb = protowire.AppendVarint(eb, uint64(e.Key.Namespace))
		eb = protowire.AppendTag(eb, fieldDir, protowire.BytesType)
		eb = protowire.AppendString(eb, e.Key.Dir)
		eb = protowire.AppendTag(eb, fieldFile, protowire.BytesType)
		eb = protowire.AppendString(eb, e.Key.File)
		eb = protowire.AppendTag(eb, fieldStatus, protowire.VarintType)
		eb = protowire.AppendVarint(eb, uint64(e.Status))

		out = protowire.AppendTag(out, fieldEntries, protowire.BytesType)
		out = protowire.AppendBytes(out, eb)
	}
	return out
}

func decodeCacheEntries(b []byte) (Message, error) {
	var m CacheEntriesMsg
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		if num != fieldEntries || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		eb, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		e, err := decodeCacheEntry(eb)
		if err != nil {
			return nil, err
		}
		m.Entries = append(m.Entries, e)
	}
	return m, nil
}

func decodeCacheEntry(b []byte) (CacheEntry, error) {
	var e CacheEntry
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return e, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == fieldNamespace && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			e.Key.Namespace = cache.Namespace(v)
			b = b[n:]
		case num == fieldStatus && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			e.Status = cache.Status(v)
			b = b[n:]
		case (num == fieldDir || num == fieldFile) && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			if num == fieldDir {
				e.Key.Dir = string(v)
			} else {
				e.Key.File = string(v)
			}
			b = b[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	if !e.Key.Namespace.Valid() {
		return e, fmt.Errorf("%w: %d", ErrBadNamespace, e.Key.Namespace)
	}
	return e, nil
}

func encodePath(p string) ([]byte, error) {
	var buf bytes.Buffer
	if err := bin.PutString(&buf, p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodePath(b []byte) (string, error) {
	r := bytes.NewReader(b)
	p, err := bin.GetString(r)
	if err != nil {
		return "", err
	}
	if r.Len() != 0 {
		return "", ErrTrailingBytes
	}
	return p, nil
}

// | found u8 | code u32 | path str |
func encodeClientResult(m ClientResultMsg) ([]byte, error) {
	var buf bytes.Buffer
	var found uint8
	if m.Found {
		found = 1
	}
	_ = bin.PutU8(&buf, found)
	_ = bin.PutU32(&buf, m.Code)
	if err := bin.PutString(&buf, m.Path); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeClientResult(b []byte) (Message, error) {
	r := bytes.NewReader(b)
	found, err := bin.GetU8(r)
	if err != nil {
		return nil, err
	}
	code, err := bin.GetU32(r)
	if err != nil {
		return nil, err
	}
	p, err := bin.GetString(r)
	if err != nil {
		return nil, err
	}
	return ClientResultMsg{Found: found == 1, Code: code, Path: p}, nil
}
