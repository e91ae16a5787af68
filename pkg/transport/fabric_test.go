package transport

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/juanpablocruz/spindle/pkg/wire"
)

func nextEvent(t *testing.T, f *Fabric, kind EventKind) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-f.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("timeout waiting for %s event", kind)
		}
	}
}

func TestListenRangeSkipsBusyPorts(t *testing.T) {
	sw := NewSwitch()
	_, err := sw.Listen("h", 100)
	require.NoError(t, err)
	_, err = sw.Listen("h", 101)
	require.NoError(t, err)

	_, p, err := ListenRange(sw, "h", 100, 3)
	require.NoError(t, err)
	assert.Equal(t, 102, p)

	_, _, err = ListenRange(sw, "h", 100, 3)
	require.ErrorIs(t, err, ErrPortRangeExhausted)
}

func TestFabricSendReceiveOverSwitch(t *testing.T) {
	sw := NewSwitch()
	a := NewFabric(sw)
	b := NewFabric(sw)
	defer a.Shutdown()
	defer b.Shutdown()

	_, err := sw.Listen("b", 5000) // occupied by someone else
	require.NoError(t, err)
	port, err := b.Listen("b", 5000, 4)
	require.NoError(t, err)
	require.Equal(t, 5001, port)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	id, err := a.Connect(ctx, "b", 5001, 3)
	require.NoError(t, err)

	opened := nextEvent(t, b, EventOpened)

	h := wire.Header{Type: wire.MT_FILE_REQUEST, MType: wire.P2P, Source: 1, Dest: 0, From: 1}
	for i := 0; i < 3; i++ {
		require.NoError(t, a.Send(id, h, []byte{byte(i)}))
	}
	for i := 0; i < 3; i++ {
		ev := nextEvent(t, b, EventMessage)
		assert.Equal(t, opened.Conn, ev.Conn)
		assert.Equal(t, []byte{byte(i)}, ev.Frame.Payload, "per-connection order")
		assert.Equal(t, int32(1), ev.Frame.Header.Source)
	}

	require.NoError(t, b.SetRemote(opened.Conn, 1, RoleTopo))
	infos := b.Conns()
	require.Len(t, infos, 1)
	assert.Equal(t, int32(1), infos[0].RemoteRank)
	assert.Equal(t, RoleTopo, infos[0].Role)
	assert.Equal(t, StateActive, infos[0].State)

	a.Close(id)
	closed := nextEvent(t, b, EventClosed)
	assert.Equal(t, opened.Conn, closed.Conn)
	assert.Error(t, closed.Err)
	assert.Empty(t, b.Conns())
	require.ErrorIs(t, b.Send(opened.Conn, h, nil), ErrConnClosed)
}

func TestFabricClosedCarriesProtocolError(t *testing.T) {
	sw := NewSwitch()
	a := NewFabric(sw)
	b := NewFabric(sw)
	defer a.Shutdown()
	defer b.Shutdown()
	_, err := b.Listen("b", 5000, 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	id, err := a.Connect(ctx, "b", 5000, 1)
	require.NoError(t, err)
	opened := nextEvent(t, b, EventOpened)

	require.NoError(t, a.Send(id, wire.Header{Type: wire.MsgType(0xEE), MType: wire.P2P}, nil))
	closed := nextEvent(t, b, EventClosed)
	assert.Equal(t, opened.Conn, closed.Conn)
	require.ErrorIs(t, closed.Err, ErrProtocol)
	require.ErrorIs(t, closed.Err, wire.ErrUnknownType)
}

func TestFabricConnectNoPeer(t *testing.T) {
	f := NewFabric(NewSwitch())
	defer f.Shutdown()
	_, err := f.Connect(context.Background(), "nowhere", 1, 3)
	require.ErrorIs(t, err, ErrNoPeer)
}

type rejectAll struct{}

func (rejectAll) Handshake(ctx context.Context, c net.Conn, initiator bool) error {
	return errors.New("nope")
}

func TestFabricHandshakeFailureNeverRegisters(t *testing.T) {
	sw := NewSwitch()
	srv := NewFabric(sw, WithHandshaker(rejectAll{}))
	cli := NewFabric(sw, WithHandshaker(rejectAll{}))
	defer srv.Shutdown()
	defer cli.Shutdown()

	_, err := srv.Listen("s", 1, 1)
	require.NoError(t, err)
	_, err = cli.Connect(context.Background(), "s", 1, 1)
	require.ErrorIs(t, err, ErrNoPeer)
	assert.Empty(t, cli.Conns())
	assert.Empty(t, srv.Conns())
}

func TestFabricGracefulCloseFlushes(t *testing.T) {
	sw := NewSwitch()
	a := NewFabric(sw)
	b := NewFabric(sw)
	defer a.Shutdown()
	defer b.Shutdown()

	_, err := b.Listen("b", 1, 1)
	require.NoError(t, err)
	id, err := a.Connect(context.Background(), "b", 1, 1)
	require.NoError(t, err)

	require.NoError(t, a.Send(id, wire.Header{Type: wire.MT_END, MType: wire.BCAST, Dest: wire.Broadcast}, nil))
	a.CloseGraceful(id)

	ev := nextEvent(t, b, EventMessage)
	assert.Equal(t, wire.MT_END, ev.Frame.Header.Type)
	nextEvent(t, b, EventClosed)
}

func TestStopListeningKeepsConnections(t *testing.T) {
	sw := NewSwitch()
	a := NewFabric(sw)
	b := NewFabric(sw)
	defer a.Shutdown()
	defer b.Shutdown()

	_, err := b.Listen("b", 1, 1)
	require.NoError(t, err)
	id, err := a.Connect(context.Background(), "b", 1, 1)
	require.NoError(t, err)
	nextEvent(t, b, EventOpened)

	b.StopListening()
	require.False(t, b.Listening())
	require.False(t, sw.Listening("b", 1))

	require.NoError(t, a.Send(id, wire.Header{Type: wire.MT_MD_BOOTSTRAP, MType: wire.P2P}, nil))
	nextEvent(t, b, EventMessage)

	_, err = a.Connect(context.Background(), "b", 1, 1)
	require.ErrorIs(t, err, ErrNoPeer)
}

func TestConnTryRecv(t *testing.T) {
	x, y := net.Pipe()
	cx, cy := NewConn(x), NewConn(y)
	defer cx.Close()
	defer cy.Close()

	_, err := cy.TryRecv()
	require.ErrorIs(t, err, ErrWouldBlock)

	require.NoError(t, cx.Send(wire.Header{Type: wire.MT_MD_BOOTSTRAP, MType: wire.P2P}, nil))
	require.Eventually(t, func() bool {
		f, err := cy.TryRecv()
		return err == nil && f.Header.Type == wire.MT_MD_BOOTSTRAP
	}, time.Second, 5*time.Millisecond)

	cx.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = cy.Recv(ctx)
	require.Error(t, err)
	require.Equal(t, StateClosed, cy.Info().State)
	require.ErrorIs(t, cx.Send(wire.Header{Type: wire.MT_END, MType: wire.BCAST}, nil), ErrConnClosed)
}

func TestFabricOverTCP(t *testing.T) {
	tr := TCP{}
	a := NewFabric(tr)
	b := NewFabric(tr)
	defer a.Shutdown()
	defer b.Shutdown()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	_, err = b.Listen("127.0.0.1", port, 1)
	require.NoError(t, err)
	id, err := a.Connect(context.Background(), "127.0.0.1", port, 1)
	require.NoError(t, err)

	payload := make([]byte, 256<<10)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, a.Send(id, wire.Header{Type: wire.MT_FILE_DATA, MType: wire.P2P, Dest: 1}, payload))
	ev := nextEvent(t, b, EventMessage)
	require.Equal(t, payload, ev.Frame.Payload)
}

func TestChaosLinkDownClosesConnections(t *testing.T) {
	sw := NewSwitch()
	ch := WrapChaos(sw, ChaosConfig{Up: true, Seed: 1})
	a := NewFabric(ch)
	b := NewFabric(sw)
	defer a.Shutdown()
	defer b.Shutdown()

	_, err := b.Listen("b", 1, 1)
	require.NoError(t, err)
	_, err = a.Connect(context.Background(), "b", 1, 1)
	require.NoError(t, err)
	nextEvent(t, b, EventOpened)

	ch.SetUp(false)
	require.False(t, ch.GetConfig().Up)
	nextEvent(t, b, EventClosed)

	_, err = a.Connect(context.Background(), "b", 1, 1)
	require.ErrorIs(t, err, ErrNoPeer)

	ch.SetUp(true)
	ch.SetBaseDelay(time.Millisecond)
	_, err = a.Connect(context.Background(), "b", 1, 1)
	require.NoError(t, err)
}

func TestSwitchSever(t *testing.T) {
	sw := NewSwitch()
	a := NewFabric(sw)
	b := NewFabric(sw)
	defer a.Shutdown()
	defer b.Shutdown()

	_, err := b.Listen("b", 1, 1)
	require.NoError(t, err)
	_, err = a.Connect(context.Background(), "b", 1, 1)
	require.NoError(t, err)
	nextEvent(t, b, EventOpened)

	require.Equal(t, 1, sw.Sever("b"))
	nextEvent(t, a, EventClosed)
	nextEvent(t, b, EventClosed)
}
