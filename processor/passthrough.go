package processor

import (
	"net"
)

// PassthroughName is the processor that treats the whole connection as one
// unit routed to the default group.
const PassthroughName = "passthrough"

type passthroughContext struct{}

func (passthroughContext) Connection(*passthroughSub) string { return "" }
func (passthroughContext) Chosen(_, _ *passthroughSub)       {}

type passthroughSub struct{}

func (*passthroughSub) Mode() Mode                       { return ModeOpen }
func (*passthroughSub) Len() int                         { return 0 }
func (*passthroughSub) Feed(data []byte) ([]byte, error) { return data, nil }
func (*passthroughSub) Produce() []byte                  { return nil }
func (*passthroughSub) Connected() []byte                { return nil }
func (*passthroughSub) ProxyDone()                       {}

func NewPassthrough() *OOProcessor[passthroughContext, *passthroughSub] {
	return NewOOProcessor(PassthroughName,
		func(*net.TCPAddr) passthroughContext { return passthroughContext{} },
		func(passthroughContext, int) *passthroughSub { return &passthroughSub{} })
}

func init() {
	MustRegister[passthroughContext, *passthroughSub](NewPassthrough())
}
