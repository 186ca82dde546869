package proxy

import (
	"time"

	"github.com/jpillora/sizestr"

	"github.com/wiloon/w-vproxy/connection"
	"github.com/wiloon/w-vproxy/metrics"
	"github.com/wiloon/w-vproxy/route"
	"github.com/wiloon/w-vproxy/utils/logger"
)

// lingerTimeout bounds how long a side that got our FIN may keep its
// connection open.
const lingerTimeout = 10 * time.Second

// tcpSession pipes one client to one backend on a worker loop. It is the
// handler of both connections.
type tcpSession struct {
	lb      *LB
	loop    *connection.NetEventLoop
	front   *connection.Connection
	back    *connection.ClientConnection
	backend route.Backend
	group   *route.Group

	frontShut bool
	backShut  bool
	linger    *time.Timer
	finished  bool
}

func (lb *LB) serveTCP(loop *connection.NetEventLoop, front *connection.Connection) {
	backend, err := lb.cfg.ServerGroup.Next()
	if err != nil {
		logger.Warnf("lb %s: no backend for %s: %v", lb.cfg.Name, front, err)
		_ = front.Close()
		return
	}
	err = lb.resolve(loop, backend.Address, func(address string, err error) {
		if err != nil {
			lb.connectFailed(backend, lb.cfg.ServerGroup, err)
			_ = front.Close()
			return
		}
		lb.pipe(loop, front, backend, address)
	})
	if err != nil {
		lb.connectFailed(backend, lb.cfg.ServerGroup, err)
		_ = front.Close()
	}
}

func (lb *LB) pipe(loop *connection.NetEventLoop, front *connection.Connection, backend route.Backend, address string) {
	back, err := lb.dial(backend, lb.cfg.ServerGroup, address)
	if err != nil {
		_ = front.Close()
		return
	}
	s := &tcpSession{lb: lb, loop: loop, front: front, back: back, backend: backend, group: lb.cfg.ServerGroup}
	if err := loop.AddConnection(front, s, s); err != nil {
		logger.Errorf("lb %s: register %s: %v", lb.cfg.Name, front, err)
		_ = front.Close()
		_ = back.Close()
		return
	}
	if err := loop.AddClientConnection(back, s, s); err != nil {
		logger.Errorf("lb %s: register %s: %v", lb.cfg.Name, back, err)
		_ = front.Close()
		_ = back.Close()
		return
	}
	metrics.ActiveSessions.WithLabelValues(lb.cfg.Name).Inc()
	logger.Debugf("lb %s: %s -> %s (%s)", lb.cfg.Name, front.RemoteAddress(), backend.Name, address)
}

// pair returns c and the connection on the other side.
func (s *tcpSession) pair(c *connection.Connection) (*connection.Connection, *connection.Connection) {
	if c == s.front {
		return c, &s.back.Connection
	}
	return c, s.front
}

func (s *tcpSession) Readable(ctx *connection.ConnectionHandlerContext) {
	c, p := s.pair(ctx.Connection)
	if p.IsClosed() {
		discard(c)
		return
	}
	c.TransferTo(p)
}

func (s *tcpSession) Writable(ctx *connection.ConnectionHandlerContext) {
	c, p := s.pair(ctx.Connection)
	p.TransferTo(c)
	p.ResumeReading()
	s.settle()
}

func (s *tcpSession) RemoteClosed(ctx *connection.ConnectionHandlerContext) {
	c, p := s.pair(ctx.Connection)
	c.TransferTo(p)
	s.settle()
}

func (s *tcpSession) Closed(*connection.ConnectionHandlerContext) {
	s.settle()
}

func (s *tcpSession) Exception(ctx *connection.ConnectionHandlerContext, err error) {
	if ctx.Connection == &s.back.Connection && isConnectError(err) {
		s.lb.connectFailed(s.backend, s.group, err)
	} else {
		logger.Debugf("lb %s: %s: %v", s.lb.cfg.Name, ctx.Connection, err)
	}
	_ = s.front.Close()
	_ = s.back.Close()
	s.finish()
}

func (s *tcpSession) Connected(*connection.ClientConnectionHandlerContext) {
	s.lb.connectSucceeded(s.backend, s.group)
	s.front.TransferTo(&s.back.Connection)
	s.front.ResumeReading()
}

// settle carries a finished side over to its peer. Once everything the
// closed side sent has been flushed, the peer gets a FIN; it is closed by the
// loop when its remote hangs up too, or after lingerTimeout.
func (s *tcpSession) settle() {
	s.shutIfDrained(s.front, &s.back.Connection, &s.frontShut)
	s.shutIfDrained(&s.back.Connection, s.front, &s.backShut)
	if s.front.IsClosed() && s.back.IsClosed() {
		s.finish()
	}
}

func (s *tcpSession) shutIfDrained(c, p *connection.Connection, shut *bool) {
	if *shut || c.IsClosed() || !p.IsClosed() {
		return
	}
	if p.InBuffer().Used() > 0 || c.OutBuffer().Used() > 0 {
		return
	}
	*shut = true
	if c.IsRemoteClosed() {
		// the loop closes it once flushed
		return
	}
	if c == &s.back.Connection && !s.back.Connected() {
		_ = c.Close()
		return
	}
	if err := c.CloseWrite(); err != nil {
		logger.Debugf("lb %s: %v", s.lb.cfg.Name, err)
		_ = c.Close()
		return
	}
	s.linger = s.loop.Delay(lingerTimeout, func() {
		if !c.IsClosed() {
			logger.Debugf("lb %s: %s did not close in %s", s.lb.cfg.Name, c, lingerTimeout)
			_ = c.Close()
		}
		s.settle()
	})
}

func (s *tcpSession) finish() {
	if s.finished {
		return
	}
	s.finished = true
	if s.linger != nil {
		s.linger.Stop()
	}
	metrics.ActiveSessions.WithLabelValues(s.lb.cfg.Name).Dec()
	logger.Debugf("lb %s: session %s closed, up: %s, down: %s", s.lb.cfg.Name, s.front.RemoteAddress(),
		sizestr.ToString(int64(s.front.FromRemote())), sizestr.ToString(int64(s.front.ToRemote())))
}
