// Package loopgroup runs a fixed set of NetEventLoops, one goroutine each.
package loopgroup

import (
	"fmt"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/wiloon/w-vproxy/connection"
	"github.com/wiloon/w-vproxy/utils/logger"
)

type EventLoopGroup struct {
	name    string
	loops   []*connection.NetEventLoop
	next    atomic.Uint32
	g       errgroup.Group
	started atomic.Bool
}

func New(name string, size int) (*EventLoopGroup, error) {
	if size <= 0 {
		return nil, fmt.Errorf("event loop group %s: size must be positive, got %d", name, size)
	}
	group := &EventLoopGroup{name: name}
	for i := 0; i < size; i++ {
		l, err := connection.NewNetEventLoop()
		if err != nil {
			_ = group.Close()
			return nil, fmt.Errorf("event loop group %s: %w", name, err)
		}
		group.loops = append(group.loops, l)
	}
	return group, nil
}

func (g *EventLoopGroup) Name() string { return g.name }

func (g *EventLoopGroup) Size() int { return len(g.loops) }

func (g *EventLoopGroup) Loops() []*connection.NetEventLoop { return g.loops }

// Start runs every loop on its own goroutine. Calling it again is a no-op.
func (g *EventLoopGroup) Start() {
	if !g.started.CAS(false, true) {
		return
	}
	for i, l := range g.loops {
		i, l := i, l
		g.g.Go(func() error {
			logger.Debugf("event loop %s-%d started", g.name, i)
			err := l.Loop()
			logger.Debugf("event loop %s-%d stopped", g.name, i)
			return err
		})
	}
	logger.Infof("event loop group %s started with %d loops", g.name, len(g.loops))
}

// Next picks loops round robin.
func (g *EventLoopGroup) Next() *connection.NetEventLoop {
	n := g.next.Inc() - 1
	return g.loops[int(n%uint32(len(g.loops)))]
}

// Close stops all loops and waits for the started ones to exit.
func (g *EventLoopGroup) Close() error {
	var errs error
	for _, l := range g.loops {
		errs = multierr.Append(errs, l.Close())
	}
	if g.started.Load() {
		errs = multierr.Append(errs, g.g.Wait())
	}
	return errs
}
