package main

import (
	"flag"

	"github.com/wiloon/w-vproxy/connection"
	"github.com/wiloon/w-vproxy/utils"
	"github.com/wiloon/w-vproxy/utils/logger"
)

var (
	listenAddress = flag.String("listen", "127.0.0.1:2000", "listening address")
	bufferSize    = flag.Int("buffer", connection.DefaultBufferSize, "in and out buffer size")
)

type echoServer struct{}

func (echoServer) AcceptFail(_ *connection.ServerHandlerContext, err error) {
	logger.Warnf("accept failed: %v", err)
}

func (echoServer) GetConnection(_ *connection.ServerHandlerContext, sock *connection.Socket) *connection.Connection {
	return connection.NewConnection(sock, *bufferSize, *bufferSize)
}

func (echoServer) Connection(ctx *connection.ServerHandlerContext, conn *connection.Connection) {
	if err := ctx.EventLoop.AddConnection(conn, nil, echoConnection{}); err != nil {
		logger.Errorf("failed to add connection %s: %v", conn, err)
		_ = conn.Close()
		return
	}
	logger.Infof("connection from %s", conn.RemoteAddress())
}

// echoConnection writes back what it reads; a full out buffer stops reading
// until the peer catches up.
type echoConnection struct{}

func (echoConnection) Readable(ctx *connection.ConnectionHandlerContext) {
	ctx.Connection.TransferTo(ctx.Connection)
}

func (echoConnection) Writable(ctx *connection.ConnectionHandlerContext) {
	ctx.Connection.TransferTo(ctx.Connection)
	ctx.Connection.ResumeReading()
}

func (echoConnection) Exception(ctx *connection.ConnectionHandlerContext, err error) {
	logger.Warnf("connection %s: %v", ctx.Connection, err)
	_ = ctx.Connection.Close()
}

func (echoConnection) RemoteClosed(ctx *connection.ConnectionHandlerContext) {
	ctx.Connection.TransferTo(ctx.Connection)
}

func (echoConnection) Closed(ctx *connection.ConnectionHandlerContext) {
	logger.Infof("connection %s closed", ctx.Connection)
}

func main() {
	flag.Parse()
	logger.InitTo(true, false, "debug", "w-echo-server")

	loop, err := connection.NewNetEventLoop()
	if err != nil {
		logger.Errorf("failed to create event loop: %v", err)
		return
	}
	server, err := connection.NewServer(*listenAddress)
	if err != nil {
		logger.Errorf("failed to listen %s: %v", *listenAddress, err)
		return
	}
	if err := loop.RunOnLoop(func() {
		if err := loop.AddServer(server, nil, echoServer{}); err != nil {
			logger.Errorf("failed to add server: %v", err)
		}
	}); err != nil {
		logger.Errorf("failed to schedule server: %v", err)
		return
	}
	go func() {
		if err := loop.Loop(); err != nil {
			logger.Errorf("event loop: %v", err)
		}
	}()
	logger.Infof("echo server listening on %s", server.BindAddress())

	utils.WaitSignals(func() {
		logger.Infof("echo server shutting down")
		_ = loop.Close()
		<-loop.Done()
	})
}
