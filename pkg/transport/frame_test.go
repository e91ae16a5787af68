package transport

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/juanpablocruz/spindle/pkg/wire"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	h := wire.Header{Type: wire.MT_FILE_REQUEST, MType: wire.P2P, Source: 2, Dest: 0, From: 2}
	require.NoError(t, writeFrame(w, h, []byte("payload")))
	require.NoError(t, writeFrame(w, wire.Header{Type: wire.MT_END, MType: wire.BCAST, Dest: wire.Broadcast}, nil))

	r := bufio.NewReader(&buf)
	f, err := readFrame(r)
	require.NoError(t, err)
	require.Equal(t, uint32(7), f.Header.Length)
	require.Equal(t, "payload", string(f.Payload))

	f, err = readFrame(r)
	require.NoError(t, err)
	require.Equal(t, wire.MT_END, f.Header.Type)
	require.Empty(t, f.Payload)

	_, err = readFrame(r)
	require.ErrorIs(t, err, io.EOF)
}

// A frame that trickles in byte by byte is still returned whole.
func TestReadFrameNeverPartial(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	frame := wire.Encode(wire.Header{Type: wire.MT_FILE_DATA, MType: wire.P2P, Dest: 1}, []byte("0123456789"))
	go func() {
		for i := range frame {
			_, _ = a.Write(frame[i : i+1])
			time.Sleep(time.Millisecond)
		}
	}()

	f, err := readFrame(bufio.NewReader(b))
	require.NoError(t, err)
	require.Equal(t, "0123456789", string(f.Payload))
}

func TestReadFrameTruncatedPayload(t *testing.T) {
	frame := wire.Encode(wire.Header{Type: wire.MT_FILE_DATA, MType: wire.P2P}, []byte("0123456789"))
	_, err := readFrame(bufio.NewReader(bytes.NewReader(frame[:len(frame)-2])))
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReadFrameUnknownType(t *testing.T) {
	frame := wire.Encode(wire.Header{Type: wire.MT_END, MType: wire.BCAST}, nil)
	frame[0] = 0xEE
	_, err := readFrame(bufio.NewReader(bytes.NewReader(frame)))
	require.ErrorIs(t, err, wire.ErrUnknownType)
	require.ErrorIs(t, err, ErrProtocol)

	frame[0], frame[1] = byte(wire.MT_END), 0x09
	_, err = readFrame(bufio.NewReader(bytes.NewReader(frame)))
	require.ErrorIs(t, err, wire.ErrUnknownMType)
	require.ErrorIs(t, err, ErrProtocol)
}

func TestReadFrameTooLarge(t *testing.T) {
	h := wire.Header{Type: wire.MT_FILE_DATA, MType: wire.P2P, Length: maxFrameSize + 1}
	_, err := readFrame(bufio.NewReader(bytes.NewReader(h.Encode())))
	require.ErrorIs(t, err, ErrFrameTooLarge)
	require.ErrorIs(t, err, ErrProtocol)
}

// A closed peer is a transport failure, not a protocol one.
func TestReadFrameEOFIsNotProtocol(t *testing.T) {
	_, err := readFrame(bufio.NewReader(bytes.NewReader(nil)))
	require.ErrorIs(t, err, io.EOF)
	require.NotErrorIs(t, err, ErrProtocol)
}

var eintr error = syscall.EINTR

type flakyReader struct {
	data  []byte
	calls int
}

func (f *flakyReader) Read(p []byte) (int, error) {
	f.calls++
	switch f.calls % 3 {
	case 1:
		return 0, nil
	case 2:
		return 0, eintr
	}
	if len(f.data) == 0 {
		return 0, io.EOF
	}
	n := copy(p, f.data[:1])
	f.data = f.data[n:]
	return n, nil
}

func TestRetryReaderSkipsInterruptsAndCountsNulls(t *testing.T) {
	frame := wire.Encode(wire.Header{Type: wire.MT_END, MType: wire.BCAST}, []byte("x"))
	c := &Conn{}
	fr := &flakyReader{data: frame}
	f, err := readFrame(bufio.NewReader(retryReader{r: fr, nulls: &c.nulls}))
	require.NoError(t, err)
	require.Equal(t, "x", string(f.Payload))
	require.Greater(t, c.nulls.Load(), uint64(0))
}
