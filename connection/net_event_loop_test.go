package connection

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wiloon/w-vproxy/errdefs"
	"github.com/wiloon/w-vproxy/selector"
)

func startNetLoop(t *testing.T) *NetEventLoop {
	l, err := NewNetEventLoop()
	require.NoError(t, err)
	go func() { _ = l.Loop() }()
	t.Cleanup(func() {
		_ = l.Close()
		<-l.Done()
	})
	return l
}

// onLoop runs fn on the loop and waits for it.
func onLoop(t *testing.T, l *NetEventLoop, fn func()) {
	done := make(chan struct{})
	require.NoError(t, l.RunOnLoop(func() {
		defer close(done)
		fn()
	}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run on loop")
	}
}

type acceptAll struct {
	in, out int
	handler ConnectionHandler
	conns   chan *Connection
	decline bool
	socks   chan *Socket
}

func (a *acceptAll) AcceptFail(_ *ServerHandlerContext, err error) {}

func (a *acceptAll) GetConnection(_ *ServerHandlerContext, sock *Socket) *Connection {
	if a.decline {
		_ = sock.Close()
		if a.socks != nil {
			a.socks <- sock
		}
		return nil
	}
	return NewConnection(sock, a.in, a.out)
}

func (a *acceptAll) Connection(ctx *ServerHandlerContext, conn *Connection) {
	if err := ctx.EventLoop.AddConnection(conn, nil, a.handler); err != nil {
		_ = conn.Close()
		return
	}
	if a.conns != nil {
		a.conns <- conn
	}
}

type echoHandler struct {
	remoteClosed chan struct{}
	closed       chan struct{}
}

func (h *echoHandler) Readable(ctx *ConnectionHandlerContext) {
	ctx.Connection.TransferTo(ctx.Connection)
}

func (h *echoHandler) Writable(ctx *ConnectionHandlerContext) {
	ctx.Connection.TransferTo(ctx.Connection)
	ctx.Connection.ResumeReading()
}

func (h *echoHandler) Exception(ctx *ConnectionHandlerContext, err error) {
	_ = ctx.Connection.Close()
}

func (h *echoHandler) RemoteClosed(ctx *ConnectionHandlerContext) {
	ctx.Connection.TransferTo(ctx.Connection)
	close(h.remoteClosed)
}

func (h *echoHandler) Closed(ctx *ConnectionHandlerContext) {
	close(h.closed)
}

func listen(t *testing.T, l *NetEventLoop, h ServerHandler) *Server {
	s, err := NewServer("127.0.0.1:0")
	require.NoError(t, err)
	onLoop(t, l, func() {
		require.NoError(t, l.AddServer(s, nil, h))
	})
	return s
}

func TestEchoAndCloseAfterFlush(t *testing.T) {
	l := startNetLoop(t)
	h := &echoHandler{remoteClosed: make(chan struct{}), closed: make(chan struct{})}
	conns := make(chan *Connection, 1)
	s := listen(t, l, &acceptAll{handler: h, conns: conns})

	c, err := net.Dial("tcp", s.BindAddress().String())
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Write([]byte("hello"))
	require.NoError(t, err)
	buf := make([]byte, 5)
	_, err = io.ReadFull(c, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))

	conn := <-conns
	onLoop(t, l, func() {
		assert.Equal(t, selector.OpRead, conn.HandlerContext().Ops())
		assert.Equal(t, uint64(5), conn.FromRemote())
		assert.Equal(t, uint64(5), conn.ToRemote())
	})

	require.NoError(t, c.(*net.TCPConn).CloseWrite())
	select {
	case <-h.remoteClosed:
	case <-time.After(2 * time.Second):
		t.Fatal("remote close not reported")
	}
	select {
	case <-h.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("connection not closed after flush")
	}
	_, err = c.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
	assert.True(t, conn.IsClosed())
	assert.True(t, conn.IsRemoteClosed())
}

// holdHandler never drains the in buffer on its own.
type holdHandler struct {
	echoHandler
}

func (h *holdHandler) Readable(*ConnectionHandlerContext) {}
func (h *holdHandler) Writable(*ConnectionHandlerContext) {}

func TestBackpressure(t *testing.T) {
	l := startNetLoop(t)
	h := &holdHandler{echoHandler{remoteClosed: make(chan struct{}), closed: make(chan struct{})}}
	conns := make(chan *Connection, 1)
	s := listen(t, l, &acceptAll{in: DefaultBufferSize, out: DefaultBufferSize, handler: h, conns: conns})

	c, err := net.Dial("tcp", s.BindAddress().String())
	require.NoError(t, err)
	defer c.Close()
	payload := bytes.Repeat([]byte{'x'}, 20000)
	go func() { _, _ = c.Write(payload) }()

	conn := <-conns
	assert.Eventually(t, func() bool {
		full := false
		onLoop(t, l, func() { full = conn.InBuffer().Used() == DefaultBufferSize })
		return full
	}, 2*time.Second, 10*time.Millisecond)

	onLoop(t, l, func() {
		assert.Equal(t, selector.Ops(0), conn.HandlerContext().Ops()&selector.OpRead)
	})
	// nothing more is read while the buffer is full
	time.Sleep(50 * time.Millisecond)

	total := 0
	onLoop(t, l, func() {
		assert.Equal(t, DefaultBufferSize, conn.InBuffer().Used())
		total += conn.Read(make([]byte, DefaultBufferSize))
		conn.ResumeReading()
		assert.NotZero(t, conn.HandlerContext().Ops()&selector.OpRead)
	})
	assert.Eventually(t, func() bool {
		onLoop(t, l, func() { total += conn.Read(make([]byte, DefaultBufferSize)) })
		return total == len(payload)
	}, 2*time.Second, 10*time.Millisecond)
}

// lateWriter answers the FIN with a burst and records whether READ was ever
// armed again afterwards.
type lateWriter struct {
	holdHandler
	payload   []byte
	written   int
	readArmed bool
}

func (h *lateWriter) RemoteClosed(ctx *ConnectionHandlerContext) {
	h.written = ctx.Connection.Write(h.payload)
	h.resume(ctx)
	close(h.remoteClosed)
}

func (h *lateWriter) Writable(ctx *ConnectionHandlerContext) {
	h.resume(ctx)
}

func (h *lateWriter) resume(ctx *ConnectionHandlerContext) {
	ctx.Connection.ResumeReading()
	if ctx.Connection.HandlerContext().Ops()&selector.OpRead != 0 {
		h.readArmed = true
	}
}

func TestFlushAfterRemoteClosed(t *testing.T) {
	l := startNetLoop(t)
	payload := bytes.Repeat([]byte{'z'}, DefaultBufferSize)
	h := &lateWriter{
		holdHandler: holdHandler{echoHandler{remoteClosed: make(chan struct{}), closed: make(chan struct{})}},
		payload:     payload,
	}
	s := listen(t, l, &acceptAll{in: DefaultBufferSize, out: DefaultBufferSize, handler: h})

	c, err := net.Dial("tcp", s.BindAddress().String())
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.SetDeadline(time.Now().Add(3*time.Second)))
	require.NoError(t, c.(*net.TCPConn).CloseWrite())

	select {
	case <-h.remoteClosed:
	case <-time.After(2 * time.Second):
		t.Fatal("remote close not reported")
	}
	// everything queued when the FIN arrived comes out before our FIN
	got, err := io.ReadAll(c)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	select {
	case <-h.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("connection not closed after flush")
	}
	assert.Equal(t, len(payload), h.written)
	assert.False(t, h.readArmed)
}

func TestCloseOnLoopDeregisters(t *testing.T) {
	l := startNetLoop(t)
	conns := make(chan *Connection, 1)
	h := &echoHandler{remoteClosed: make(chan struct{}), closed: make(chan struct{})}
	s := listen(t, l, &acceptAll{in: DefaultBufferSize, out: DefaultBufferSize, handler: h, conns: conns})

	c, err := net.Dial("tcp", s.BindAddress().String())
	require.NoError(t, err)
	defer c.Close()
	conn := <-conns

	onLoop(t, l, func() {
		require.True(t, l.sel.Registered(conn))
		require.NoError(t, conn.Close())
		assert.False(t, l.sel.Registered(conn))
		assert.Nil(t, conn.HandlerContext())
		assert.NoError(t, conn.Close())
	})
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = c.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestDeclinedSocketIsClosedByFactory(t *testing.T) {
	l := startNetLoop(t)
	socks := make(chan *Socket, 1)
	s := listen(t, l, &acceptAll{decline: true, socks: socks})

	c, err := net.Dial("tcp", s.BindAddress().String())
	require.NoError(t, err)
	defer c.Close()

	sock := <-socks
	assert.True(t, sock.IsClosed())
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = c.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestAddServerOnce(t *testing.T) {
	l := startNetLoop(t)
	s := listen(t, l, &acceptAll{})
	onLoop(t, l, func() {
		err := l.AddServer(s, nil, &acceptAll{})
		assert.True(t, errdefs.IsAlreadyExists(err))
		assert.Same(t, l, s.EventLoop())
	})
	onLoop(t, l, func() {
		require.NoError(t, l.RemoveServer(s))
		require.NoError(t, s.Close())
	})
}

type clientHandler struct {
	echoHandler
	connected chan struct{}
	readable  chan string
	errs      chan error
}

func (h *clientHandler) Connected(ctx *ClientConnectionHandlerContext) {
	ctx.Connection.Write([]byte("ping"))
	close(h.connected)
}

func (h *clientHandler) Readable(ctx *ConnectionHandlerContext) {
	p := make([]byte, 64)
	n := ctx.Connection.Read(p)
	h.readable <- string(p[:n])
}

func (h *clientHandler) Exception(ctx *ConnectionHandlerContext, err error) {
	h.errs <- err
}

func newClientHandler() *clientHandler {
	return &clientHandler{
		echoHandler: echoHandler{remoteClosed: make(chan struct{}), closed: make(chan struct{})},
		connected:   make(chan struct{}),
		readable:    make(chan string, 4),
		errs:        make(chan error, 1),
	}
}

func TestClientConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, 4)
		if _, err := io.ReadFull(c, buf); err != nil {
			return
		}
		_, _ = c.Write([]byte("pong"))
		time.Sleep(100 * time.Millisecond)
	}()

	l := startNetLoop(t)
	h := newClientHandler()
	cc, err := NewClientConnection(ln.Addr().String(), 0, 0)
	require.NoError(t, err)
	onLoop(t, l, func() {
		require.NoError(t, l.AddClientConnection(cc, nil, h))
		assert.Equal(t, selector.OpConnect, cc.HandlerContext().Ops())
	})

	select {
	case <-h.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("not connected")
	}
	select {
	case s := <-h.readable:
		assert.Equal(t, "pong", s)
	case <-time.After(2 * time.Second):
		t.Fatal("no response")
	}
	onLoop(t, l, func() { assert.True(t, cc.Connected()) })
}

func TestClientConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	l := startNetLoop(t)
	h := newClientHandler()
	cc, err := NewClientConnection(addr, 0, 0)
	if err != nil {
		// loopback may refuse synchronously
		return
	}
	onLoop(t, l, func() {
		require.NoError(t, l.AddClientConnection(cc, nil, h))
	})
	select {
	case err := <-h.errs:
		var ce *errdefs.ConnError
		assert.True(t, errors.As(err, &ce))
		assert.Equal(t, "connect", ce.Op)
	case <-time.After(2 * time.Second):
		t.Fatal("connect failure not reported")
	}
	onLoop(t, l, func() {
		assert.True(t, cc.IsClosed())
		assert.False(t, cc.Connected())
	})
}
