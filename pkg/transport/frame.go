package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"syscall"

	"github.com/juanpablocruz/spindle/pkg/wire"
)

// maxFrameSize bounds a single payload; FILE_DATA carries whole files.
const maxFrameSize = 1 << 30

var (
	// ErrProtocol marks a read that failed on a malformed frame rather than
	// on the connection itself.
	ErrProtocol = errors.New("transport: protocol error")
	// ErrFrameTooLarge: the peer announced a payload we refuse to buffer.
	ErrFrameTooLarge = errors.New("transport: frame too large")
)

// Frame is one complete message as read off a connection.
type Frame struct {
	Header  wire.Header
	Payload []byte
}

func writeFrame(w *bufio.Writer, h wire.Header, p []byte) error {
	if len(p) > maxFrameSize {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(p), maxFrameSize)
	}
	h.Length = uint32(len(p))
	if _, err := w.Write(h.Encode()); err != nil {
		return err
	}
	if _, err := w.Write(p); err != nil {
		return err
	}
	return w.Flush()
}

// readFrame blocks until a full header and its payload are available.
// It never returns a partial frame.
func readFrame(r *bufio.Reader) (Frame, error) {
	var hdr [wire.HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	h, err := wire.DecodeHeader(hdr[:])
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	if h.Length > maxFrameSize {
		return Frame{}, fmt.Errorf("%w: %w: %d > %d", ErrProtocol, ErrFrameTooLarge, h.Length, maxFrameSize)
	}
	buf := make([]byte, h.Length)
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}
	return Frame{Header: h, Payload: buf}, nil
}

// retryReader retries reads interrupted by EINTR/EAGAIN and counts reads
// that returned no data and no error.
type retryReader struct {
	r     io.Reader
	nulls *atomic.Uint64
}

func (rr retryReader) Read(p []byte) (int, error) {
	for {
		n, err := rr.r.Read(p)
		if n == 0 && err == nil {
			rr.nulls.Add(1)
			continue
		}
		if n == 0 && isTemporary(err) {
			continue
		}
		return n, err
	}
}

func isTemporary(err error) bool {
	return errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.EAGAIN)
}
