// Package selector is a single-goroutine readiness multiplexer over epoll.
//
// A SelectorEventLoop owns a set of registrations. Registrations are created,
// modified and removed only on the loop goroutine; other goroutines submit work
// through RunOnLoop, which queues the task and wakes the loop through an eventfd.
package selector

import (
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/eapache/queue"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/wiloon/w-vproxy/errdefs"
	"github.com/wiloon/w-vproxy/utils"
	"github.com/wiloon/w-vproxy/utils/logger"
)

// Ops is an interest set.
type Ops uint32

const (
	OpAccept Ops = 1 << iota
	OpConnect
	OpRead
	OpWrite
)

func (o Ops) String() string {
	s := ""
	for _, n := range []struct {
		op   Ops
		name string
	}{{OpAccept, "ACCEPT"}, {OpConnect, "CONNECT"}, {OpRead, "READ"}, {OpWrite, "WRITE"}} {
		if o&n.op != 0 {
			if s != "" {
				s += "|"
			}
			s += n.name
		}
	}
	if s == "" {
		return "NONE"
	}
	return s
}

// Channel is anything backed by a file descriptor that the loop may close
// when it shuts down. Close must be idempotent.
type Channel interface {
	FD() int
	Close() error
}

// Handler receives readiness events for one registration.
type Handler interface {
	Accept(ctx *HandlerContext)
	Connected(ctx *HandlerContext)
	Readable(ctx *HandlerContext)
	Writable(ctx *HandlerContext)
}

const wakeTag int32 = -1

type SelectorEventLoop struct {
	ep     *utils.Epoll
	wakeFd int
	regs   map[int]*HandlerContext
	gen    int32

	mu    sync.Mutex
	tasks *queue.Queue
	woken atomic.Bool

	running     atomic.Bool
	closed      atomic.Bool
	releaseOnce sync.Once
	done        chan struct{}
}

func New() (*SelectorEventLoop, error) {
	ep, err := utils.MkEpoll(128)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = ep.Close()
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	if err := ep.Add(wakeFd, unix.EPOLLIN, wakeTag); err != nil {
		_ = unix.Close(wakeFd)
		_ = ep.Close()
		return nil, fmt.Errorf("epoll add eventfd: %w", err)
	}
	return &SelectorEventLoop{
		ep:     ep,
		wakeFd: wakeFd,
		regs:   make(map[int]*HandlerContext),
		tasks:  queue.New(),
		done:   make(chan struct{}),
	}, nil
}

func toEpoll(ops Ops) uint32 {
	var ev uint32
	if ops&(OpAccept|OpRead) != 0 {
		ev |= unix.EPOLLIN
	}
	if ops&(OpConnect|OpWrite) != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

// Add registers ch. Loop goroutine only.
func (l *SelectorEventLoop) Add(ch Channel, ops Ops, attachment any, handler Handler) (*HandlerContext, error) {
	if l.closed.Load() {
		return nil, fmt.Errorf("selector add: %w", errdefs.ErrClosed)
	}
	fd := ch.FD()
	if _, ok := l.regs[fd]; ok {
		return nil, fmt.Errorf("selector add fd %d: %w", fd, errdefs.ErrAlreadyExists)
	}
	l.gen++
	if l.gen < 0 {
		l.gen = 0
	}
	ctx := &HandlerContext{
		loop:       l,
		channel:    ch,
		ops:        ops,
		attachment: attachment,
		handler:    handler,
		gen:        l.gen,
	}
	// fds without interest stay out of epoll, otherwise HUP/ERR would be
	// reported on every wait with nothing to dispatch to
	if ops != 0 {
		if err := l.ep.Add(fd, toEpoll(ops), ctx.gen); err != nil {
			return nil, fmt.Errorf("epoll ctl add fd %d: %w", fd, err)
		}
	}
	l.regs[fd] = ctx
	return ctx, nil
}

// Remove deregisters ch without closing it. Loop goroutine only.
func (l *SelectorEventLoop) Remove(ch Channel) error {
	fd := ch.FD()
	ctx, ok := l.regs[fd]
	if !ok || ctx.channel != ch {
		return fmt.Errorf("selector remove fd %d: %w", fd, errdefs.ErrNotFound)
	}
	delete(l.regs, fd)
	ctx.removed = true
	if ctx.ops != 0 {
		if err := l.ep.Remove(fd); err != nil {
			return fmt.Errorf("epoll ctl del fd %d: %w", fd, err)
		}
	}
	return nil
}

// Registered reports whether ch currently has a registration. Loop goroutine only.
func (l *SelectorEventLoop) Registered(ch Channel) bool {
	ctx, ok := l.regs[ch.FD()]
	return ok && ctx.channel == ch
}

func (l *SelectorEventLoop) modify(ctx *HandlerContext, ops Ops) error {
	if ctx.removed {
		return fmt.Errorf("selector modify: %w", errdefs.ErrNotFound)
	}
	old := ctx.ops
	if old == ops {
		return nil
	}
	fd := ctx.channel.FD()
	var err error
	switch {
	case old == 0:
		err = l.ep.Add(fd, toEpoll(ops), ctx.gen)
	case ops == 0:
		err = l.ep.Remove(fd)
	default:
		err = l.ep.Modify(fd, toEpoll(ops), ctx.gen)
	}
	if err != nil {
		return fmt.Errorf("epoll ctl fd %d %s -> %s: %w", fd, old, ops, err)
	}
	ctx.ops = ops
	return nil
}

// RunOnLoop queues fn to run on the loop goroutine. Safe from any goroutine.
func (l *SelectorEventLoop) RunOnLoop(fn func()) error {
	if l.closed.Load() {
		return fmt.Errorf("selector run on loop: %w", errdefs.ErrClosed)
	}
	l.mu.Lock()
	l.tasks.Add(fn)
	l.mu.Unlock()
	l.wakeup()
	return nil
}

// Delay runs fn on the loop after d. Stop the returned timer to cancel.
func (l *SelectorEventLoop) Delay(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() {
		if err := l.RunOnLoop(fn); err != nil {
			logger.Debugf("delayed task dropped: %v", err)
		}
	})
}

func (l *SelectorEventLoop) wakeup() {
	if !l.woken.CAS(false, true) {
		return
	}
	var one = [8]byte{1}
	if _, err := unix.Write(l.wakeFd, one[:]); err != nil && err != unix.EAGAIN {
		logger.Errorf("selector wakeup: %v", err)
	}
}

func (l *SelectorEventLoop) drainWakeup() {
	var buf [8]byte
	for {
		_, err := unix.Read(l.wakeFd, buf[:])
		if err != nil {
			break
		}
	}
	l.woken.Store(false)
}

func (l *SelectorEventLoop) runTasks() {
	l.mu.Lock()
	n := l.tasks.Length()
	if n == 0 {
		l.mu.Unlock()
		return
	}
	batch := make([]func(), 0, n)
	for l.tasks.Length() > 0 {
		batch = append(batch, l.tasks.Remove().(func()))
	}
	l.mu.Unlock()
	for _, fn := range batch {
		guard("task", fn)
	}
}

// Loop dispatches events until Close. It may run only once.
func (l *SelectorEventLoop) Loop() error {
	if !l.running.CAS(false, true) {
		return fmt.Errorf("selector loop already started")
	}
	defer l.release()

	for !l.closed.Load() {
		events, err := l.ep.Wait(-1)
		if err != nil {
			if l.closed.Load() {
				break
			}
			logger.Errorf("epoll wait: %v", err)
			return err
		}
		for i := range events {
			ev := events[i]
			if ev.Pad == wakeTag && int(ev.Fd) == l.wakeFd {
				l.drainWakeup()
				continue
			}
			l.dispatch(ev)
		}
		l.runTasks()
	}
	return nil
}

func (l *SelectorEventLoop) dispatch(ev unix.EpollEvent) {
	ctx, ok := l.regs[int(ev.Fd)]
	if !ok || ctx.gen != ev.Pad {
		// event for a registration removed earlier in this batch
		return
	}
	in := ev.Events&unix.EPOLLIN != 0
	out := ev.Events&unix.EPOLLOUT != 0
	if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		// let the interested callback hit the error on its own syscall
		in, out = true, true
	}

	if in && ctx.ops&OpAccept != 0 {
		guard("accept", func() { ctx.handler.Accept(ctx) })
	}
	if out && ctx.ops&OpConnect != 0 && !ctx.removed {
		guard("connected", func() { ctx.handler.Connected(ctx) })
		// interest is recomputed by the handler; the next wait reports the rest
		return
	}
	if in && ctx.ops&OpRead != 0 && !ctx.removed {
		guard("readable", func() { ctx.handler.Readable(ctx) })
	}
	if out && ctx.ops&OpWrite != 0 && !ctx.removed {
		guard("writable", func() { ctx.handler.Writable(ctx) })
	}
}

// guard keeps a misbehaving callback from unwinding the loop.
func guard(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.ShouldNotHappen("%s callback panicked: %v\n%s", what, r, debug.Stack())
		}
	}()
	fn()
}

// Close stops the loop. Channels still registered are closed when the loop
// exits; if the loop never ran they are closed immediately.
func (l *SelectorEventLoop) Close() error {
	if !l.closed.CAS(false, true) {
		return nil
	}
	l.woken.Store(false)
	l.wakeup()
	if !l.running.Load() {
		l.release()
	}
	return nil
}

// Done is closed once the loop has released its resources.
func (l *SelectorEventLoop) Done() <-chan struct{} {
	return l.done
}

func (l *SelectorEventLoop) release() {
	l.releaseOnce.Do(func() {
		regs := make([]*HandlerContext, 0, len(l.regs))
		for _, ctx := range l.regs {
			regs = append(regs, ctx)
		}
		var errs error
		for _, ctx := range regs {
			errs = multierr.Append(errs, ctx.channel.Close())
		}
		l.regs = map[int]*HandlerContext{}

		l.mu.Lock()
		if n := l.tasks.Length(); n > 0 {
			logger.Debugf("selector closed with %d pending tasks", n)
		}
		l.tasks = queue.New()
		l.mu.Unlock()

		errs = multierr.Append(errs, unix.Close(l.wakeFd))
		errs = multierr.Append(errs, l.ep.Close())
		if errs != nil {
			logger.Warnf("selector release: %v", errs)
		}
		close(l.done)
	})
}
