package protoport

import (
	"errors"
	"testing"

	"github.com/juanpablocruz/spindle/pkg/cache"
	"github.com/juanpablocruz/spindle/pkg/wire"
)

// Every message maps to exactly one wire type and decodes back to itself.
func TestEncodeMessageTypeMapping(t *testing.T) {
	k := cache.KeyOf(cache.NSLib, "/usr/lib/libfoo.so")
	msgCases := []Message{
		HostInfoMsg{Rank: 3, Size: 8, Depth: 2, To: 3, From: 1, Topo: 1},
		HostListMsg{Count: 4, Fanout: 2, Template: "node[001-004]"},
		BootstrapMsg{}, BootstrapEndMsg{}, BootstrapEndOKMsg{}, EndMsg{},
		FileRequestMsg{Key: k}, FileNotFoundMsg{Key: k},
		FileErrorMsg{Key: k, Code: 110},
		NewFileData(k, []byte("\x7fELF")),
		CacheEntriesMsg{Entries: []CacheEntry{
			{Key: k, Status: cache.StatusNotFound},
			{Key: cache.KeyOf(cache.NSExec, "/bin/app"), Status: cache.StatusLocalPath},
		}},
		PreloadFileMsg{Key: k}, PreloadFileOKMsg{Key: k}, PreloadFileNotFoundMsg{Key: k},
		ClientLookupMsg{Path: "/usr/lib/libfoo.so"},
		ClientExecLookupMsg{Path: "/bin/app"},
		ClientResultMsg{Found: true, Path: "/tmp/spindle/lib/x"},
	}
	seen := map[wire.MsgType]bool{}
	for _, m := range msgCases {
		mt, payload, err := EncodeMessage(m)
		if err != nil {
			t.Fatalf("encode failed for %T: %v", m, err)
		}
		if seen[mt] {
			t.Fatalf("%T reuses wire type %s", m, mt)
		}
		seen[mt] = true

		frame := wire.Encode(wire.Header{Type: mt, MType: wire.P2P}, payload)
		h, err := wire.DecodeHeader(frame)
		pl := frame[wire.HeaderSize:]
		if err != nil || h.Type != mt || int(h.Length) != len(pl) {
			t.Fatalf("frame roundtrip failed for %T: err=%v", m, err)
		}
		got, err := DecodeMessage(h.Type, pl)
		if err != nil {
			t.Fatalf("decode %T: %v", m, err)
		}
		if fd, ok := m.(FileDataMsg); ok {
			gd := got.(FileDataMsg)
			if gd.Key != fd.Key || gd.Digest != fd.Digest || string(gd.Data) != string(fd.Data) {
				t.Fatalf("file data mismatch: %+v", gd)
			}
			continue
		}
		if ce, ok := m.(CacheEntriesMsg); ok {
			gc := got.(CacheEntriesMsg)
			if len(gc.Entries) != len(ce.Entries) || gc.Entries[0] != ce.Entries[0] || gc.Entries[1] != ce.Entries[1] {
				t.Fatalf("cache entries mismatch: %+v", gc)
			}
			continue
		}
		if got != m {
			t.Fatalf("roundtrip mismatch: sent %#v got %#v", m, got)
		}
	}
}

func TestFileDataVerify(t *testing.T) {
	m := NewFileData(cache.KeyOf(cache.NSLib, "/lib/a.so"), []byte("abc"))
	if err := m.Verify(); err != nil {
		t.Fatalf("verify: %v", err)
	}
	m.Data = []byte("abd")
	if err := m.Verify(); !errors.Is(err, ErrDigestMismatch) {
		t.Fatalf("expected digest mismatch, got %v", err)
	}
}

func TestDecodeRejectsBadNamespace(t *testing.T) {
	_, _, err := EncodeMessage(FileRequestMsg{Key: cache.Key{Dir: "/x", File: "y"}})
	if !errors.Is(err, ErrBadNamespace) {
		t.Fatalf("expected bad namespace, got %v", err)
	}
	_, pl, _ := EncodeMessage(FileRequestMsg{Key: cache.KeyOf(cache.NSLib, "/x/y")})
	pl[0] = 9
	if _, err := DecodeMessage(wire.MT_FILE_REQUEST, pl); !errors.Is(err, ErrBadNamespace) {
		t.Fatalf("expected bad namespace on decode, got %v", err)
	}
}

func TestDecodeTruncated(t *testing.T) {
	_, pl, _ := EncodeMessage(HostInfoMsg{Rank: 1, Size: 2})
	if _, err := DecodeMessage(wire.MT_MD_HOSTINFO, pl[:10]); err == nil {
		t.Fatal("expected error on truncated hostinfo")
	}
	_, pl, _ = EncodeMessage(NewFileData(cache.KeyOf(cache.NSLib, "/a/b"), []byte("0123456789")))
	if _, err := DecodeMessage(wire.MT_FILE_DATA, pl[:len(pl)-3]); err == nil {
		t.Fatal("expected error on truncated file data")
	}
}

func TestUnknownMessage(t *testing.T) {
	if _, err := DecodeMessage(wire.MsgType(0xEE), nil); !errors.Is(err, wire.ErrUnknownType) {
		t.Fatalf("expected unknown type, got %v", err)
	}
}
