package connection

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/wiloon/w-vproxy/utils"
)

// ClientConnection is an outgoing connection. It is pending until the loop
// reports CONNECT readiness and the connect result is checked.
type ClientConnection struct {
	Connection
	target    string
	connected bool
}

// NewClientConnection starts a non-blocking connect to address. The host
// must be an IP literal; names are resolved by the caller off the loop.
func NewClientConnection(address string, inSize, outSize int) (*ClientConnection, error) {
	sa, family, err := utils.LiteralSockaddr(address)
	if err != nil {
		return nil, fmt.Errorf("address %s: %w", address, err)
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("connect %s: %w", address, err)
	}
	c := &ClientConnection{target: address}
	c.init(fd, inSize, outSize)
	c.remote = utils.SockaddrToTCPAddr(sa)
	return c, nil
}

func (c *ClientConnection) Target() string  { return c.target }
func (c *ClientConnection) Connected() bool { return c.connected }

// finishConnect reads the connect result from SO_ERROR.
func (c *ClientConnection) finishConnect() error {
	errno, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	c.connected = true
	if sa, err := unix.Getsockname(c.fd); err == nil {
		c.local = utils.SockaddrToTCPAddr(sa)
	}
	return nil
}
