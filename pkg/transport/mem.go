package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
)

type MemAddr string

func (a MemAddr) Network() string { return "mem" }
func (a MemAddr) String() string  { return string(a) }

var errRefused = errors.New("connection refused")

// Switch is an in-memory network. Listeners are keyed by host:port and
// every dial yields one side of a net.Pipe.
type Switch struct {
	mu        sync.RWMutex
	listeners map[MemAddr]*memListener
	links     map[string][]net.Conn // by dialed host
}

func NewSwitch() *Switch {
	return &Switch{
		listeners: make(map[MemAddr]*memListener),
		links:     make(map[string][]net.Conn),
	}
}

type memListener struct {
	sw     *Switch
	addr   MemAddr
	conns  chan net.Conn
	closed chan struct{}
	once   sync.Once
}

func (s *Switch) Listen(host string, port int) (net.Listener, error) {
	addr := MemAddr(hostPort(host, port))
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.listeners[addr]; exists {
		return nil, fmt.Errorf("address already in use: %s", addr)
	}
	l := &memListener{sw: s, addr: addr, conns: make(chan net.Conn), closed: make(chan struct{})}
	s.listeners[addr] = l
	return l, nil
}

func (s *Switch) Dial(ctx context.Context, host string, port int) (net.Conn, error) {
	addr := MemAddr(hostPort(host, port))
	s.mu.RLock()
	l, ok := s.listeners[addr]
	s.mu.RUnlock()
	if !ok {
		return nil, &net.OpError{Op: "dial", Net: "mem", Addr: addr, Err: errRefused}
	}
	client, server := net.Pipe()
	select {
	case l.conns <- server:
	case <-l.closed:
		client.Close()
		server.Close()
		return nil, &net.OpError{Op: "dial", Net: "mem", Addr: addr, Err: errRefused}
	case <-ctx.Done():
		client.Close()
		server.Close()
		return nil, ctx.Err()
	}
	s.mu.Lock()
	s.links[host] = append(s.links[host], client, server)
	s.mu.Unlock()
	return client, nil
}

// Sever closes every connection that was dialed to host, as if its link
// went down. Listeners stay up.
func (s *Switch) Sever(host string) int {
	s.mu.Lock()
	cs := s.links[host]
	delete(s.links, host)
	s.mu.Unlock()
	for _, c := range cs {
		_ = c.Close()
	}
	return len(cs) / 2
}

func (s *Switch) Listening(host string, port int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.listeners[MemAddr(hostPort(host, port))]
	return ok
}

func (l *memListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *memListener) Close() error {
	l.once.Do(func() {
		close(l.closed)
		l.sw.mu.Lock()
		if cur, ok := l.sw.listeners[l.addr]; ok && cur == l {
			delete(l.sw.listeners, l.addr)
		}
		l.sw.mu.Unlock()
	})
	return nil
}

func (l *memListener) Addr() net.Addr { return l.addr }
