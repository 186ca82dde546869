// Package proxy is the TCP load balancer built on the event loops. An LB
// accepts on an acceptor loop, checks the security group and hands the
// connection to a worker loop, where it is either piped to one backend or
// driven through a processor that picks backends per unit.
package proxy

import (
	"fmt"
	"net"

	"go.uber.org/atomic"

	"github.com/wiloon/w-vproxy/connection"
	"github.com/wiloon/w-vproxy/errdefs"
	"github.com/wiloon/w-vproxy/loopgroup"
	"github.com/wiloon/w-vproxy/metrics"
	"github.com/wiloon/w-vproxy/processor"
	"github.com/wiloon/w-vproxy/route"
	"github.com/wiloon/w-vproxy/secure"
	"github.com/wiloon/w-vproxy/utils/logger"
)

// ProtocolTCP pipes bytes without a processor.
const ProtocolTCP = "tcp"

type Config struct {
	Name     string
	Address  string
	Protocol string

	Acceptor *loopgroup.EventLoopGroup
	Worker   *loopgroup.EventLoopGroup

	// ServerGroup serves ProtocolTCP and processor units without a target.
	ServerGroup *route.Group
	// Groups resolves processor targets naming a server group.
	Groups *route.Groups
	// AllowNonBackend lets processors dial targets that are not groups.
	AllowNonBackend bool

	SecurityGroup *secure.SecurityGroup

	InBufferSize  int
	OutBufferSize int
}

type LB struct {
	cfg     Config
	factory processor.Factory
	server  *connection.Server
	started atomic.Bool
}

func New(cfg Config) (*LB, error) {
	if cfg.Name == "" || cfg.Address == "" {
		return nil, fmt.Errorf("lb needs a name and an address")
	}
	if cfg.Acceptor == nil || cfg.Worker == nil {
		return nil, fmt.Errorf("lb %s: missing event loop group", cfg.Name)
	}
	if cfg.Protocol == "" {
		cfg.Protocol = ProtocolTCP
	}
	if cfg.SecurityGroup == nil {
		cfg.SecurityGroup = secure.AllowAll()
	}
	if cfg.InBufferSize <= 0 {
		cfg.InBufferSize = connection.DefaultBufferSize
	}
	if cfg.OutBufferSize <= 0 {
		cfg.OutBufferSize = connection.DefaultBufferSize
	}
	lb := &LB{cfg: cfg}
	if cfg.Protocol == ProtocolTCP {
		if cfg.ServerGroup == nil {
			return nil, fmt.Errorf("lb %s: tcp needs a server group", cfg.Name)
		}
		return lb, nil
	}
	f, err := processor.Get(cfg.Protocol)
	if err != nil {
		return nil, fmt.Errorf("lb %s: %w", cfg.Name, err)
	}
	if cfg.ServerGroup == nil && !cfg.AllowNonBackend {
		return nil, fmt.Errorf("lb %s: needs a server group or AllowNonBackend", cfg.Name)
	}
	lb.factory = f
	return lb, nil
}

func (lb *LB) Name() string     { return lb.cfg.Name }
func (lb *LB) Protocol() string { return lb.cfg.Protocol }

// BindAddress is the listening address, nil until Start.
func (lb *LB) BindAddress() *net.TCPAddr {
	if lb.server == nil {
		return nil
	}
	return lb.server.BindAddress()
}

// Start listens and registers the server on an acceptor loop. The acceptor
// group must be running.
func (lb *LB) Start() error {
	if !lb.started.CAS(false, true) {
		return fmt.Errorf("lb %s: %w", lb.cfg.Name, errdefs.ErrAlreadyExists)
	}
	s, err := connection.NewServer(lb.cfg.Address)
	if err != nil {
		lb.started.Store(false)
		return fmt.Errorf("lb %s: %w", lb.cfg.Name, err)
	}
	loop := lb.cfg.Acceptor.Next()
	if err := runAndWait(loop, func() error { return loop.AddServer(s, lb, serverEvents) }); err != nil {
		_ = s.Close()
		lb.started.Store(false)
		return fmt.Errorf("lb %s: %w", lb.cfg.Name, err)
	}
	lb.server = s
	logger.Infof("lb %s listening on %s, protocol: %s, security group: %s",
		lb.cfg.Name, s.BindAddress(), lb.cfg.Protocol, lb.cfg.SecurityGroup.Name)
	return nil
}

// Stop closes the listener. Established sessions keep running.
func (lb *LB) Stop() error {
	if !lb.started.CAS(true, false) {
		return nil
	}
	s := lb.server
	if err := runAndWait(s.EventLoop(), s.Close); err != nil {
		return fmt.Errorf("lb %s: %w", lb.cfg.Name, err)
	}
	logger.Infof("lb %s stopped", lb.cfg.Name)
	return nil
}

// runAndWait runs fn on loop and waits for its result.
func runAndWait(loop *connection.NetEventLoop, fn func() error) error {
	errc := make(chan error, 1)
	if err := loop.RunOnLoop(func() { errc <- fn() }); err != nil {
		return err
	}
	select {
	case err := <-errc:
		return err
	case <-loop.Done():
		return fmt.Errorf("event loop: %w", errdefs.ErrClosed)
	}
}

var serverEvents = serverHandler{}

type serverHandler struct{}

func (serverHandler) AcceptFail(ctx *connection.ServerHandlerContext, err error) {
	logger.Warnf("lb %s: accept failed: %v", ctx.Attachment.(*LB).cfg.Name, err)
}

func (serverHandler) GetConnection(ctx *connection.ServerHandlerContext, sock *connection.Socket) *connection.Connection {
	lb := ctx.Attachment.(*LB)
	remote := sock.Remote()
	if remote == nil || !lb.cfg.SecurityGroup.Allow(remote.IP, ctx.Server.BindAddress().Port) {
		metrics.SecurityDenied.WithLabelValues(lb.cfg.Name).Inc()
		logger.Infof("lb %s: %s denied by security group %s", lb.cfg.Name, remote, lb.cfg.SecurityGroup.Name)
		_ = sock.Close()
		return nil
	}
	return connection.NewConnection(sock, lb.cfg.InBufferSize, lb.cfg.OutBufferSize)
}

func (serverHandler) Connection(ctx *connection.ServerHandlerContext, conn *connection.Connection) {
	lb := ctx.Attachment.(*LB)
	worker := lb.cfg.Worker.Next()
	if err := worker.RunOnLoop(func() { lb.serve(worker, conn) }); err != nil {
		logger.Warnf("lb %s: hand %s to worker: %v", lb.cfg.Name, conn, err)
		_ = conn.Close()
	}
}

// serve runs on the worker loop that owns conn from now on.
func (lb *LB) serve(loop *connection.NetEventLoop, conn *connection.Connection) {
	if lb.factory == nil {
		lb.serveTCP(loop, conn)
		return
	}
	lb.serveProcessor(loop, conn)
}
