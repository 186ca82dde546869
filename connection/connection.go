package connection

import (
	"fmt"
	"net"

	"github.com/google/uuid"
	"github.com/jpillora/sizestr"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"github.com/wiloon/w-vproxy/errdefs"
	"github.com/wiloon/w-vproxy/metrics"
	"github.com/wiloon/w-vproxy/selector"
	"github.com/wiloon/w-vproxy/utils"
	"github.com/wiloon/w-vproxy/utils/logger"
)

const DefaultBufferSize = 16384

// Connection is a connected non-blocking socket with an in buffer (bytes
// received, waiting for the user) and an out buffer (bytes waiting to be
// sent). Once registered, every method, Close included, must be called on the
// owning loop. A connection that never joined a loop may be closed anywhere.
type Connection struct {
	id     string
	fd     int
	local  *net.TCPAddr
	remote *net.TCPAddr

	inBuffer  *RingBuffer
	outBuffer *RingBuffer

	remoteClosed bool
	readPaused   bool
	closed       atomic.Bool

	eventLoop *NetEventLoop
	ctx       *selector.HandlerContext

	fromRemote uint64
	toRemote   uint64
}

// NewConnection wraps an accepted socket. The socket is owned by the
// connection afterwards.
func NewConnection(sock *Socket, inSize, outSize int) *Connection {
	c := newConnection(sock.fd, inSize, outSize)
	c.remote = sock.remote
	// the fd now belongs to the connection
	sock.closed.Store(true)
	return c
}

func newConnection(fd int, inSize, outSize int) *Connection {
	c := &Connection{}
	c.init(fd, inSize, outSize)
	return c
}

func (c *Connection) init(fd int, inSize, outSize int) {
	c.id = uuid.NewString()
	c.fd = fd
	c.inBuffer = NewRingBuffer(inSize)
	c.outBuffer = NewRingBuffer(outSize)
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		logger.Debugf("set TCP_NODELAY on fd %d: %v", fd, err)
	}
	if sa, err := unix.Getsockname(fd); err == nil {
		c.local = utils.SockaddrToTCPAddr(sa)
	}
}

func (c *Connection) ID() string                               { return c.id }
func (c *Connection) FD() int                                  { return c.fd }
func (c *Connection) LocalAddress() *net.TCPAddr               { return c.local }
func (c *Connection) RemoteAddress() *net.TCPAddr              { return c.remote }
func (c *Connection) InBuffer() *RingBuffer                    { return c.inBuffer }
func (c *Connection) OutBuffer() *RingBuffer                   { return c.outBuffer }
func (c *Connection) IsRemoteClosed() bool                     { return c.remoteClosed }
func (c *Connection) IsClosed() bool                           { return c.closed.Load() }
func (c *Connection) EventLoop() *NetEventLoop                 { return c.eventLoop }
func (c *Connection) HandlerContext() *selector.HandlerContext { return c.ctx }

// FromRemote and ToRemote are byte totals.
func (c *Connection) FromRemote() uint64 { return c.fromRemote }
func (c *Connection) ToRemote() uint64   { return c.toRemote }

func (c *Connection) String() string {
	return fmt.Sprintf("%s(%s<>%s)", c.id[:8], c.local, c.remote)
}

// registered reports whether interest can be changed.
func (c *Connection) registered() bool {
	return c.ctx != nil && !c.ctx.Removed()
}

// Write queues p into the out buffer and arms WRITE. It returns how many bytes
// were accepted, which is less than len(p) when the out buffer is full.
func (c *Connection) Write(p []byte) int {
	if c.IsClosed() || len(p) == 0 {
		return 0
	}
	n := c.outBuffer.Write(p)
	if n > 0 && c.registered() {
		c.ctx.AddOps(selector.OpWrite)
	}
	return n
}

// Read drains received bytes. READ is not re-armed; see ResumeReading.
func (c *Connection) Read(p []byte) int {
	return c.inBuffer.Read(p)
}

// TransferTo moves received bytes into dst's out buffer and arms dst's WRITE.
func (c *Connection) TransferTo(dst *Connection) int {
	if dst.IsClosed() {
		return 0
	}
	n := c.inBuffer.TransferTo(dst.outBuffer)
	if n > 0 && dst.registered() {
		dst.ctx.AddOps(selector.OpWrite)
	}
	return n
}

// ResumeReading re-arms READ when there is room and the peer may still send.
func (c *Connection) ResumeReading() {
	c.readPaused = false
	if c.IsClosed() || c.remoteClosed || !c.registered() {
		return
	}
	if c.inBuffer.Free() > 0 {
		c.ctx.AddOps(selector.OpRead)
	}
}

// PauseReading stops READ until ResumeReading.
func (c *Connection) PauseReading() {
	c.readPaused = true
	if c.registered() {
		c.ctx.RmOps(selector.OpRead)
	}
}

// CloseWrite sends FIN, the read side stays open.
func (c *Connection) CloseWrite() error {
	if c.IsClosed() {
		return nil
	}
	if err := unix.Shutdown(c.fd, unix.SHUT_WR); err != nil {
		return &errdefs.ConnError{Op: "shutdown", Conn: c.String(), Err: err}
	}
	return nil
}

// Close deregisters and closes the socket. Safe to call more than once. A
// registered connection is closed on its loop, use RunOnLoop from elsewhere.
func (c *Connection) Close() error {
	if !c.closed.CAS(false, true) {
		return nil
	}
	if c.registered() {
		if err := c.ctx.Loop().Remove(c.ctx.Channel()); err != nil {
			logger.Debugf("remove %s from loop: %v", c, err)
		}
	}
	c.ctx = nil
	metrics.ClosedConnections.Inc()
	logger.Debugf("connection closed: %s, in: %s, out: %s", c,
		sizestr.ToString(int64(c.fromRemote)), sizestr.ToString(int64(c.toRemote)))
	return unix.Close(c.fd)
}

func (c *Connection) interest() selector.Ops {
	var ops selector.Ops
	if !c.remoteClosed && !c.readPaused && c.inBuffer.Free() > 0 {
		ops |= selector.OpRead
	}
	if c.outBuffer.Used() > 0 || c.remoteClosed {
		ops |= selector.OpWrite
	}
	return ops
}
