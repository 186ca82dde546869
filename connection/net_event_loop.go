package connection

import (
	"fmt"
	"io"
	"time"

	"github.com/wiloon/w-vproxy/errdefs"
	"github.com/wiloon/w-vproxy/metrics"
	"github.com/wiloon/w-vproxy/selector"
	"github.com/wiloon/w-vproxy/utils/logger"
)

var (
	serverEvents     = handlerForServer{}
	connectionEvents = handlerForConnection{}
	clientEvents     = handlerForClientConnection{}
)

// NetEventLoop turns selector readiness into buffer level callbacks for
// servers and connections.
type NetEventLoop struct {
	sel *selector.SelectorEventLoop
}

func NewNetEventLoop() (*NetEventLoop, error) {
	sel, err := selector.New()
	if err != nil {
		return nil, err
	}
	return &NetEventLoop{sel: sel}, nil
}

// AddServer starts accepting on s. A server joins one loop only, ever.
func (l *NetEventLoop) AddServer(s *Server, attachment any, h ServerHandler) error {
	if s.IsClosed() {
		return fmt.Errorf("add %s: %w", s, errdefs.ErrClosed)
	}
	if s.eventLoop != nil {
		return fmt.Errorf("add %s to loop: %w", s, errdefs.ErrAlreadyExists)
	}
	ctx := &ServerHandlerContext{EventLoop: l, Server: s, Attachment: attachment, handler: h}
	if _, err := l.sel.Add(s, selector.OpAccept, ctx, serverEvents); err != nil {
		return err
	}
	s.eventLoop = l
	return nil
}

func (l *NetEventLoop) RemoveServer(s *Server) error {
	if s.eventLoop != l {
		return fmt.Errorf("remove %s: %w", s, errdefs.ErrNotFound)
	}
	return l.sel.Remove(s)
}

// AddConnection registers conn with READ (when it can read) and WRITE (when
// bytes are pending).
func (l *NetEventLoop) AddConnection(conn *Connection, attachment any, h ConnectionHandler) error {
	if err := l.checkAdd(conn); err != nil {
		return err
	}
	ctx := &ConnectionHandlerContext{EventLoop: l, Connection: conn, Attachment: attachment, handler: h}
	hctx, err := l.sel.Add(conn, conn.interest(), ctx, connectionEvents)
	if err != nil {
		return err
	}
	conn.eventLoop = l
	conn.ctx = hctx
	return nil
}

// AddClientConnection registers a pending outgoing connection for CONNECT.
func (l *NetEventLoop) AddClientConnection(conn *ClientConnection, attachment any, h ClientConnectionHandler) error {
	if err := l.checkAdd(&conn.Connection); err != nil {
		return err
	}
	ctx := &ClientConnectionHandlerContext{
		ConnectionHandlerContext: ConnectionHandlerContext{EventLoop: l, Connection: &conn.Connection, Attachment: attachment, handler: h},
		Client:                   conn,
		handler:                  h,
	}
	ops := selector.OpConnect
	if conn.connected {
		ops = conn.interest()
	}
	hctx, err := l.sel.Add(conn, ops, ctx, clientEvents)
	if err != nil {
		return err
	}
	conn.eventLoop = l
	conn.ctx = hctx
	return nil
}

func (l *NetEventLoop) checkAdd(conn *Connection) error {
	if conn.IsClosed() {
		return fmt.Errorf("add %s: %w", conn, errdefs.ErrClosed)
	}
	if conn.eventLoop != nil {
		return fmt.Errorf("add %s to loop: %w", conn, errdefs.ErrAlreadyExists)
	}
	return nil
}

// RemoveConnection deregisters conn without closing it, so it can be added to
// another loop.
func (l *NetEventLoop) RemoveConnection(conn *Connection) error {
	if conn.eventLoop != l || !conn.registered() {
		return fmt.Errorf("remove %s: %w", conn, errdefs.ErrNotFound)
	}
	err := l.sel.Remove(conn.ctx.Channel())
	conn.eventLoop = nil
	conn.ctx = nil
	return err
}

func (l *NetEventLoop) RunOnLoop(fn func()) error { return l.sel.RunOnLoop(fn) }

func (l *NetEventLoop) Delay(d time.Duration, fn func()) *time.Timer { return l.sel.Delay(d, fn) }

// Loop blocks until Close.
func (l *NetEventLoop) Loop() error { return l.sel.Loop() }

func (l *NetEventLoop) Close() error { return l.sel.Close() }

func (l *NetEventLoop) Done() <-chan struct{} { return l.sel.Done() }

type handlerForServer struct{}

func (handlerForServer) Accept(ctx *selector.HandlerContext) {
	sctx := ctx.Attachment().(*ServerHandlerContext)
	sock, err := sctx.Server.accept()
	if err != nil {
		metrics.AcceptFailures.Inc()
		sctx.handler.AcceptFail(sctx, err)
		return
	}
	if sock == nil {
		logger.ShouldNotHappen("no socket yet, ignore this event")
		return
	}
	metrics.AcceptedConnections.Inc()
	conn := sctx.handler.GetConnection(sctx, sock)
	if conn == nil {
		// declined, the handler owns the socket
		return
	}
	sctx.handler.Connection(sctx, conn)
}

func (handlerForServer) Connected(*selector.HandlerContext) {
	logger.ShouldNotHappen("server should not fire connected")
}

func (handlerForServer) Readable(*selector.HandlerContext) {
	logger.ShouldNotHappen("server should not fire readable")
}

func (handlerForServer) Writable(*selector.HandlerContext) {
	logger.ShouldNotHappen("server should not fire writable")
}

type handlerForConnection struct{}

func (handlerForConnection) Accept(*selector.HandlerContext) {
	logger.ShouldNotHappen("connection should not fire accept")
}

func (handlerForConnection) Connected(*selector.HandlerContext) {
	logger.ShouldNotHappen("connection should not fire connected")
}

func (handlerForConnection) Readable(ctx *selector.HandlerContext) {
	readable(ctx, ctx.Attachment().(*ConnectionHandlerContext))
}

func (handlerForConnection) Writable(ctx *selector.HandlerContext) {
	writable(ctx, ctx.Attachment().(*ConnectionHandlerContext))
}

type handlerForClientConnection struct{}

func (handlerForClientConnection) Accept(*selector.HandlerContext) {
	logger.ShouldNotHappen("client connection should not fire accept")
}

func (handlerForClientConnection) Connected(ctx *selector.HandlerContext) {
	cctx := ctx.Attachment().(*ClientConnectionHandlerContext)
	conn := cctx.Client
	if err := conn.finishConnect(); err != nil {
		_ = conn.Close()
		cctx.handler.Exception(&cctx.ConnectionHandlerContext, &errdefs.ConnError{Op: "connect", Conn: conn.target, Err: err})
		return
	}
	ops := selector.OpRead
	if conn.outBuffer.Used() > 0 {
		ops |= selector.OpWrite
	}
	ctx.Modify(ops)
	cctx.handler.Connected(cctx)
}

func (handlerForClientConnection) Readable(ctx *selector.HandlerContext) {
	cctx := ctx.Attachment().(*ClientConnectionHandlerContext)
	readable(ctx, &cctx.ConnectionHandlerContext)
}

func (handlerForClientConnection) Writable(ctx *selector.HandlerContext) {
	cctx := ctx.Attachment().(*ClientConnectionHandlerContext)
	writable(ctx, &cctx.ConnectionHandlerContext)
}

func readable(ctx *selector.HandlerContext, cctx *ConnectionHandlerContext) {
	conn := cctx.Connection
	if conn.inBuffer.Free() == 0 {
		logger.ShouldNotHappen("the connection %s has no space to store data", conn)
		ctx.RmOps(selector.OpRead)
		return
	}
	n, err := conn.inBuffer.storeBytesFrom(conn.fd)
	if err == io.EOF {
		// the remote write side is closed, flush what is left then close
		conn.remoteClosed = true
		ctx.Modify(selector.OpWrite)
		cctx.handler.RemoteClosed(cctx)
		return
	}
	if err != nil {
		cctx.handler.Exception(cctx, &errdefs.ConnError{Op: "read", Conn: conn.String(), Err: err})
		return
	}
	if n == 0 {
		logger.ShouldNotHappen("read nothing from %s, the event should not be fired", conn)
		return
	}
	conn.fromRemote += uint64(n)
	metrics.BytesRead.Add(float64(n))
	cctx.handler.Readable(cctx)
	if !ctx.Removed() && conn.inBuffer.Free() == 0 {
		logger.LowLevelDebug("the in buffer of %s is full now, remove READ", conn)
		ctx.RmOps(selector.OpRead)
	}
}

func writable(ctx *selector.HandlerContext, cctx *ConnectionHandlerContext) {
	conn := cctx.Connection
	if conn.outBuffer.Used() == 0 {
		if conn.remoteClosed {
			closeFlushed(cctx)
		} else {
			logger.ShouldNotHappen("the connection %s has nothing to write", conn)
			ctx.RmOps(selector.OpWrite)
		}
		return
	}
	n, err := conn.outBuffer.writeTo(conn.fd)
	if err != nil {
		cctx.handler.Exception(cctx, &errdefs.ConnError{Op: "write", Conn: conn.String(), Err: err})
		return
	}
	if n <= 0 {
		logger.ShouldNotHappen("wrote nothing to %s, the event should not be fired", conn)
		return
	}
	conn.toRemote += uint64(n)
	metrics.BytesWritten.Add(float64(n))
	cctx.handler.Writable(cctx)
	if ctx.Removed() || conn.outBuffer.Used() > 0 {
		return
	}
	if conn.remoteClosed {
		closeFlushed(cctx)
		return
	}
	logger.LowLevelDebug("the out buffer of %s is empty now, remove WRITE", conn)
	ctx.RmOps(selector.OpWrite)
}

// closeFlushed closes a connection whose peer is gone and whose out buffer
// is empty.
func closeFlushed(cctx *ConnectionHandlerContext) {
	if err := cctx.Connection.Close(); err != nil {
		logger.Debugf("close %s: %v", cctx.Connection, err)
	}
	cctx.handler.Closed(cctx)
}
