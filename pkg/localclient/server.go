// Package localclient is the daemon's endpoint for processes on the same
// host: a unix socket speaking the daemon framing with CLIENT_LOOKUP,
// CLIENT_EXEC_LOOKUP and CLIENT_RESULT.
package localclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/juanpablocruz/spindle/pkg/node"
	"github.com/juanpablocruz/spindle/pkg/protoport"
	"github.com/juanpablocruz/spindle/pkg/transport"
	"github.com/juanpablocruz/spindle/pkg/wire"
)

// Resolver answers lookups. *node.Node satisfies it.
type Resolver interface {
	Lookup(ctx context.Context, p string) node.Result
	ExecLookup(ctx context.Context, p string) node.Result
}

var localHeader = wire.Header{MType: wire.P2P, Source: wire.Unknown, Dest: wire.Unknown, From: wire.Unknown}

type Server struct {
	path string
	res  Resolver
	log  *zap.Logger

	ln    net.Listener
	mu    sync.Mutex
	conns map[*transport.Conn]struct{}
	wg    sync.WaitGroup
}

func NewServer(path string, res Resolver, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{path: path, res: res, log: log.With(zap.String("socket", path)), conns: make(map[*transport.Conn]struct{})}
}

// Listen binds the socket, replacing a stale one left by a dead daemon.
func (s *Server) Listen() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("localclient: remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("localclient: listen: %w", err)
	}
	s.ln = ln
	return nil
}

// Serve accepts clients until ctx is done. Each client gets its own
// goroutine, so a slow lookup never holds up another process.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	go func() {
		<-ctx.Done()
		_ = s.ln.Close()
	}()
	defer s.closeAll()
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("localclient: accept: %w", err)
		}
		c := transport.NewConn(nc)
		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.serveConn(ctx, c)
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	_ = os.Remove(s.path)
}

func (s *Server) serveConn(ctx context.Context, c *transport.Conn) {
	defer s.wg.Done()
	defer func() {
		c.Close()
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}()
	for {
		env, err := protoport.Recv(ctx, c)
		if err != nil {
			if !errors.Is(err, transport.ErrConnClosed) && ctx.Err() == nil {
				s.log.Debug("client_recv_err", zap.Error(err))
			}
			return
		}
		var r node.Result
		switch m := env.Msg.(type) {
		case protoport.ClientLookupMsg:
			r = s.res.Lookup(ctx, m.Path)
		case protoport.ClientExecLookupMsg:
			r = s.res.ExecLookup(ctx, m.Path)
		default:
			s.log.Warn("client_unexpected_msg", zap.Stringer("type", env.Header.Type))
			return
		}
		reply := protoport.ClientResultMsg{Found: r.Found, Code: r.Code(), Path: r.LocalPath}
		if err := protoport.Send(c, localHeader, reply); err != nil {
			s.log.Debug("client_send_err", zap.Error(err))
			return
		}
	}
}
