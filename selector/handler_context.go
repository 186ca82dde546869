package selector

import (
	"github.com/wiloon/w-vproxy/utils/logger"
)

// HandlerContext is one registration: the channel, its interest set and the
// user attachment. It is only touched on the loop goroutine.
type HandlerContext struct {
	loop       *SelectorEventLoop
	channel    Channel
	ops        Ops
	attachment any
	handler    Handler
	gen        int32
	removed    bool
}

func (c *HandlerContext) Channel() Channel         { return c.channel }
func (c *HandlerContext) Attachment() any          { return c.attachment }
func (c *HandlerContext) Ops() Ops                 { return c.ops }
func (c *HandlerContext) Loop() *SelectorEventLoop { return c.loop }
func (c *HandlerContext) Removed() bool            { return c.removed }

// Modify replaces the interest set. Errors are logged; a removed registration
// is left alone.
func (c *HandlerContext) Modify(ops Ops) {
	if c.removed {
		return
	}
	if err := c.loop.modify(c, ops); err != nil {
		logger.Errorf("modify interest of fd %d: %v", c.channel.FD(), err)
	}
}

func (c *HandlerContext) AddOps(ops Ops) {
	c.Modify(c.ops | ops)
}

func (c *HandlerContext) RmOps(ops Ops) {
	c.Modify(c.ops &^ ops)
}
