package connection

// ServerHandler is the user side of a listening socket.
type ServerHandler interface {
	AcceptFail(ctx *ServerHandlerContext, err error)
	// GetConnection wraps an accepted socket. Returning nil declines it; the
	// handler then owns the socket and must close it.
	GetConnection(ctx *ServerHandlerContext, sock *Socket) *Connection
	Connection(ctx *ServerHandlerContext, conn *Connection)
}

// ConnectionHandler is the user side of an established connection.
type ConnectionHandler interface {
	// Readable fires after bytes were stored into the in buffer.
	Readable(ctx *ConnectionHandlerContext)
	// Writable fires after bytes were flushed from the out buffer.
	Writable(ctx *ConnectionHandlerContext)
	Exception(ctx *ConnectionHandlerContext, err error)
	// RemoteClosed fires once on EOF. The connection stays open until the
	// out buffer is flushed.
	RemoteClosed(ctx *ConnectionHandlerContext)
	// Closed fires when the loop closed the connection after a flush.
	Closed(ctx *ConnectionHandlerContext)
}

type ClientConnectionHandler interface {
	ConnectionHandler
	Connected(ctx *ClientConnectionHandlerContext)
}

type ServerHandlerContext struct {
	EventLoop  *NetEventLoop
	Server     *Server
	Attachment any
	handler    ServerHandler
}

type ConnectionHandlerContext struct {
	EventLoop  *NetEventLoop
	Connection *Connection
	Attachment any
	handler    ConnectionHandler
}

type ClientConnectionHandlerContext struct {
	ConnectionHandlerContext
	Client  *ClientConnection
	handler ClientConnectionHandler
}
