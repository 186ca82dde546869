package connection

import (
	"fmt"
	"net"

	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"github.com/wiloon/w-vproxy/utils"
	"github.com/wiloon/w-vproxy/utils/logger"
)

// Socket is an accepted, non-blocking socket not yet wrapped into a Connection.
type Socket struct {
	fd     int
	remote *net.TCPAddr
	closed atomic.Bool
}

func (s *Socket) FD() int              { return s.fd }
func (s *Socket) Remote() *net.TCPAddr { return s.remote }
func (s *Socket) String() string       { return fmt.Sprintf("socket(%d, %s)", s.fd, s.remote) }
func (s *Socket) IsClosed() bool       { return s.closed.Load() }
func (s *Socket) Close() error {
	if !s.closed.CAS(false, true) {
		return nil
	}
	return unix.Close(s.fd)
}

type Server struct {
	fd        int
	bind      *net.TCPAddr
	eventLoop *NetEventLoop
	closed    atomic.Bool
}

// NewServer binds and listens on address ("host:port"; port 0 picks one).
func NewServer(address string) (*Server, error) {
	sa, family, err := utils.ResolveSockaddr(address)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", address, err)
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("set SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", address, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("listen %s: %w", address, err)
	}
	bound, err := unix.Getsockname(fd)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("getsockname: %w", err)
	}
	s := &Server{fd: fd, bind: utils.SockaddrToTCPAddr(bound)}
	logger.Infof("server listening on: %s", s.bind)
	return s, nil
}

func (s *Server) FD() int { return s.fd }

// BindAddress is the address actually bound.
func (s *Server) BindAddress() *net.TCPAddr { return s.bind }

func (s *Server) EventLoop() *NetEventLoop { return s.eventLoop }

func (s *Server) IsClosed() bool { return s.closed.Load() }

func (s *Server) String() string { return fmt.Sprintf("server(%s)", s.bind) }

// accept takes exactly one pending socket. Nothing pending is (nil, nil).
func (s *Server) accept() (*Socket, error) {
	nfd, sa, err := unix.Accept4(s.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if err == unix.EAGAIN {
			return nil, nil
		}
		return nil, err
	}
	return &Socket{fd: nfd, remote: utils.SockaddrToTCPAddr(sa)}, nil
}

// Close deregisters the server from its loop, if any, and closes the fd. A
// registered server is closed on its loop.
func (s *Server) Close() error {
	if !s.closed.CAS(false, true) {
		return nil
	}
	if s.eventLoop != nil && s.eventLoop.sel.Registered(s) {
		_ = s.eventLoop.sel.Remove(s)
	}
	logger.Infof("server closed: %s", s.bind)
	return unix.Close(s.fd)
}
