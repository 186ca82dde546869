package proxy

import (
	"errors"
	"fmt"

	"github.com/wiloon/w-vproxy/connection"
	"github.com/wiloon/w-vproxy/errdefs"
	"github.com/wiloon/w-vproxy/metrics"
	"github.com/wiloon/w-vproxy/processor"
	"github.com/wiloon/w-vproxy/route"
	"github.com/wiloon/w-vproxy/utils"
	"github.com/wiloon/w-vproxy/utils/logger"
)

// procSession drives a processor over one client connection. It is the
// front connection's handler and the processor's Peer; each backend
// connection is handled by its backendLink.
type procSession struct {
	lb    *LB
	loop  *connection.NetEventLoop
	front *connection.Connection
	queue outQueue
	sess  processor.Session

	links  map[int]*backendLink
	byAddr map[string]*backendLink
	nextID int

	failed   bool
	finished bool
}

type backendLink struct {
	s       *procSession
	id      int
	backend route.Backend
	group   *route.Group
	// nil while the backend name is being resolved
	conn  *connection.ClientConnection
	queue outQueue
	gone  bool
}

func (lb *LB) serveProcessor(loop *connection.NetEventLoop, front *connection.Connection) {
	s := &procSession{
		lb:     lb,
		loop:   loop,
		front:  front,
		links:  make(map[int]*backendLink),
		byAddr: make(map[string]*backendLink),
	}
	s.sess = lb.factory(s, front.InBuffer(), front.RemoteAddress())
	if err := loop.AddConnection(front, s, s); err != nil {
		logger.Errorf("lb %s: register %s: %v", lb.cfg.Name, front, err)
		_ = front.Close()
		return
	}
	metrics.ActiveSessions.WithLabelValues(lb.cfg.Name).Inc()
	logger.Debugf("lb %s: %s session for %s", lb.cfg.Name, lb.cfg.Protocol, front.RemoteAddress())
}

func (s *procSession) WriteClient(p []byte) {
	s.queue.write(s.front, p)
}

func (s *procSession) Dial(target string) (int, error) {
	backend, group, err := s.lb.pick(target)
	if err != nil {
		return 0, err
	}
	if l, ok := s.byAddr[backend.Address]; ok && !l.gone {
		return l.id, nil
	}
	l := &backendLink{s: s, id: s.nextID + 1, backend: backend, group: group}
	if utils.IsLiteral(backend.Address) {
		if err := l.connect(backend.Address); err != nil {
			return 0, err
		}
	} else if err := s.lb.resolve(s.loop, backend.Address, l.resolved); err != nil {
		return 0, err
	}
	s.nextID++
	s.links[l.id] = l
	s.byAddr[backend.Address] = l
	return l.id, nil
}

func (s *procSession) WriteBackend(id int, p []byte) {
	l, ok := s.links[id]
	if !ok || l.gone || l.conn == nil {
		logger.ShouldNotHappen("lb %s: write to unknown backend %d", s.lb.cfg.Name, id)
		return
	}
	l.queue.write(&l.conn.Connection, p)
}

func (s *procSession) Readable(*connection.ConnectionHandlerContext) {
	s.driveFront()
}

func (s *procSession) driveFront() {
	if s.failed {
		discard(s.front)
		return
	}
	if err := s.sess.FrontendReadable(); err != nil {
		s.fail(err)
		return
	}
	s.resumeFront()
}

// resumeFront reads from the client only while no backend has bytes queued
// beyond its out buffer.
func (s *procSession) resumeFront() {
	for _, l := range s.links {
		if !l.gone && !l.queue.empty() {
			s.front.PauseReading()
			return
		}
	}
	s.front.ResumeReading()
}

func (s *procSession) Writable(*connection.ConnectionHandlerContext) {
	if s.queue.empty() {
		if s.failed {
			s.closeFrontIfFlushed()
		}
		return
	}
	s.queue.flush(s.front)
	if s.failed {
		s.closeFrontIfFlushed()
		return
	}
	if s.queue.empty() {
		// the client caught up, backends may send again
		for _, l := range s.links {
			if !l.gone && l.conn != nil && l.conn.Connected() {
				l.drive()
			}
		}
	}
}

func (s *procSession) RemoteClosed(*connection.ConnectionHandlerContext) {
	// what arrived with the FIN may still complete a unit
	s.driveFront()
}

func (s *procSession) Closed(*connection.ConnectionHandlerContext) {
	s.closeAll()
}

func (s *procSession) Exception(ctx *connection.ConnectionHandlerContext, err error) {
	logger.Debugf("lb %s: %s: %v", s.lb.cfg.Name, ctx.Connection, err)
	s.closeAll()
}

// fail stops the session. A reply the processor already produced, such as a
// rejection, is flushed before the client is closed.
func (s *procSession) fail(err error) {
	if s.failed {
		return
	}
	s.failed = true
	if errors.Is(err, errdefs.ErrBackendUnavailable) {
		logger.Debugf("lb %s: session of %s ends after %d units: %v", s.lb.cfg.Name, s.front.RemoteAddress(), s.sess.Units(), err)
	} else {
		logger.Warnf("lb %s: session of %s failed after %d units: %v", s.lb.cfg.Name, s.front.RemoteAddress(), s.sess.Units(), err)
	}
	for _, l := range s.links {
		l.close()
	}
	s.front.PauseReading()
	s.closeFrontIfFlushed()
}

func (s *procSession) closeFrontIfFlushed() {
	if s.front.OutBuffer().Used() == 0 && s.queue.empty() {
		_ = s.front.Close()
		s.finish()
	}
}

func (s *procSession) closeAll() {
	_ = s.front.Close()
	for _, l := range s.links {
		l.close()
	}
	s.finish()
}

func (s *procSession) finish() {
	if s.finished {
		return
	}
	s.finished = true
	metrics.ActiveSessions.WithLabelValues(s.lb.cfg.Name).Dec()
	logger.Debugf("lb %s: session of %s closed, units: %d, state: %s", s.lb.cfg.Name, s.front.RemoteAddress(), s.sess.Units(), s.sess.State())
}

// backendGone tells the processor the backend will not send anymore.
func (s *procSession) backendGone(l *backendLink) {
	if l.gone {
		return
	}
	l.gone = true
	if s.byAddr[l.backend.Address] == l {
		delete(s.byAddr, l.backend.Address)
	}
	if s.failed {
		return
	}
	if err := s.sess.BackendClosed(l.id); err != nil {
		s.fail(err)
	}
}

// connect dials the resolved address of the link's backend.
func (l *backendLink) connect(address string) error {
	s := l.s
	conn, err := s.lb.dial(l.backend, l.group, address)
	if err != nil {
		return err
	}
	if err := s.loop.AddClientConnection(conn, l, l); err != nil {
		_ = conn.Close()
		return fmt.Errorf("register %s: %w", conn, err)
	}
	l.conn = conn
	logger.Debugf("lb %s: %s dials %s (%s) as backend %d", s.lb.cfg.Name, s.front.RemoteAddress(), l.backend.Name, address, l.id)
	return nil
}

// resolved continues a dial that waited for a name lookup.
func (l *backendLink) resolved(address string, err error) {
	if l.gone || l.s.failed || l.s.finished {
		return
	}
	if err != nil {
		l.s.lb.connectFailed(l.backend, l.group, err)
	} else {
		err = l.connect(address)
	}
	if err != nil {
		l.s.backendGone(l)
	}
}

func (l *backendLink) close() {
	l.gone = true
	if l.conn != nil {
		_ = l.conn.Close()
	}
}

func (l *backendLink) Connected(*connection.ClientConnectionHandlerContext) {
	s := l.s
	s.lb.connectSucceeded(l.backend, l.group)
	if s.failed {
		return
	}
	s.sess.BackendConnected(l.id)
	// client bytes held while connecting
	s.driveFront()
}

func (l *backendLink) Readable(*connection.ConnectionHandlerContext) {
	l.drive()
}

// drive feeds buffered backend bytes to the processor. Reading stops while
// the client has bytes queued beyond its out buffer.
func (l *backendLink) drive() {
	s := l.s
	if s.failed || l.gone {
		discard(&l.conn.Connection)
		return
	}
	if !s.queue.empty() {
		l.conn.PauseReading()
		return
	}
	if err := s.sess.BackendReadable(l.id, l.conn.InBuffer()); err != nil {
		s.fail(err)
		return
	}
	if s.queue.empty() {
		l.conn.ResumeReading()
	} else {
		l.conn.PauseReading()
	}
	// a completed unit lets the driver consume more client bytes
	s.resumeFront()
}

func (l *backendLink) Writable(*connection.ConnectionHandlerContext) {
	if l.queue.empty() {
		return
	}
	l.queue.flush(&l.conn.Connection)
	if l.queue.empty() && !l.s.failed {
		l.s.driveFront()
	}
}

func (l *backendLink) RemoteClosed(*connection.ConnectionHandlerContext) {
	l.s.backendGone(l)
}

func (l *backendLink) Closed(*connection.ConnectionHandlerContext) {
	l.s.backendGone(l)
}

func (l *backendLink) Exception(_ *connection.ConnectionHandlerContext, err error) {
	if isConnectError(err) {
		l.s.lb.connectFailed(l.backend, l.group, err)
	} else {
		logger.Debugf("lb %s: backend %d: %v", l.s.lb.cfg.Name, l.id, err)
	}
	_ = l.conn.Close()
	l.s.backendGone(l)
}

var _ processor.Peer = (*procSession)(nil)
var _ connection.ClientConnectionHandler = (*backendLink)(nil)
var _ connection.ClientConnectionHandler = (*tcpSession)(nil)
