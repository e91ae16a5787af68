package transport

import (
	"context"
	"errors"
	"net"
	"strconv"
)

// Transport is the capability the fabric needs from the network: listen on
// a port and dial a remote one. TCP, the in-memory Switch and the Chaos
// wrapper all satisfy it.
type Transport interface {
	Listen(host string, port int) (net.Listener, error)
	Dial(ctx context.Context, host string, port int) (net.Conn, error)
}

var (
	ErrPortRangeExhausted = errors.New("transport: port range exhausted")
	ErrWouldBlock         = errors.New("transport: would block")
	ErrConnClosed         = errors.New("transport: connection closed")
	ErrNoPeer             = errors.New("transport: no peer in port range")
)

func hostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// ListenRange binds the first free port in [port, port+n).
func ListenRange(tr Transport, host string, port, n int) (net.Listener, int, error) {
	if n <= 0 {
		n = 1
	}
	var last error
	for p := port; p < port+n; p++ {
		ln, err := tr.Listen(host, p)
		if err == nil {
			return ln, p, nil
		}
		last = err
	}
	return nil, 0, errors.Join(ErrPortRangeExhausted, last)
}
