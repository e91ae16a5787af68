package transport

import (
	"context"
	"net"
	"time"
)

// TCP dials and listens with real sockets.
type TCP struct {
	DialTimeout time.Duration
	KeepAlive   time.Duration
}

func (t TCP) Listen(host string, port int) (net.Listener, error) {
	lc := net.ListenConfig{KeepAlive: t.KeepAlive}
	return lc.Listen(context.Background(), "tcp", hostPort(host, port))
}

func (t TCP) Dial(ctx context.Context, host string, port int) (net.Conn, error) {
	d := net.Dialer{Timeout: t.DialTimeout, KeepAlive: t.KeepAlive}
	if d.Timeout == 0 {
		d.Timeout = 2 * time.Second
	}
	c, err := d.DialContext(ctx, "tcp", hostPort(host, port))
	if err != nil {
		return nil, err
	}
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return c, nil
}
