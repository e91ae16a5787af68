package localclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/juanpablocruz/spindle/pkg/protoport"
	"github.com/juanpablocruz/spindle/pkg/transport"
)

var ErrBadReply = errors.New("localclient: unexpected reply")

// Answer is the daemon's reply to one lookup. Code is 0 when Found, 2 when
// the file does not exist and an error code otherwise.
type Answer struct {
	Found bool
	Path  string
	Code  uint32
}

// Client issues one lookup at a time over a single connection.
type Client struct {
	mu sync.Mutex
	c  *transport.Conn
}

func Dial(ctx context.Context, path string) (*Client, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("localclient: dial: %w", err)
	}
	return &Client{c: transport.NewConn(nc)}, nil
}

func (c *Client) Lookup(ctx context.Context, p string) (Answer, error) {
	return c.do(ctx, protoport.ClientLookupMsg{Path: p})
}

func (c *Client) ExecLookup(ctx context.Context, p string) (Answer, error) {
	return c.do(ctx, protoport.ClientExecLookupMsg{Path: p})
}

func (c *Client) do(ctx context.Context, m protoport.Message) (Answer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := protoport.Send(c.c, localHeader, m); err != nil {
		return Answer{}, err
	}
	env, err := protoport.Recv(ctx, c.c)
	if err != nil {
		if ctx.Err() != nil {
			// the reply may still arrive; this connection can't be reused
			c.c.Close()
		}
		return Answer{}, err
	}
	r, ok := env.Msg.(protoport.ClientResultMsg)
	if !ok {
		return Answer{}, fmt.Errorf("%w: %s", ErrBadReply, env.Header.Type)
	}
	return Answer{Found: r.Found, Path: r.Path, Code: r.Code}, nil
}

func (c *Client) Close() { c.c.Close() }
