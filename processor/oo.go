package processor

import (
	"net"
)

// OOContext is a connection context that routes its own units.
type OOContext[S any] interface {
	Connection(front S) string
	Chosen(front S, backend S)
}

// OOSubContext is a sub-context that parses its own side.
type OOSubContext interface {
	Mode() Mode
	Len() int
	Feed(data []byte) ([]byte, error)
	Produce() []byte
	Connected() []byte
	ProxyDone()
}

// OORefuser is implemented by sub-contexts that answer a failed backend.
type OORefuser interface {
	Refused(err error) []byte
}

// OOProcessor implements Processor by handing every hook to the context or
// sub-context itself.
type OOProcessor[C OOContext[S], S OOSubContext] struct {
	name   string
	newCtx func(client *net.TCPAddr) C
	newSub func(ctx C, id int) S
}

func NewOOProcessor[C OOContext[S], S OOSubContext](name string, newCtx func(*net.TCPAddr) C, newSub func(C, int) S) *OOProcessor[C, S] {
	return &OOProcessor[C, S]{name: name, newCtx: newCtx, newSub: newSub}
}

func (p *OOProcessor[C, S]) Name() string                     { return p.name }
func (p *OOProcessor[C, S]) Init(client *net.TCPAddr) C       { return p.newCtx(client) }
func (p *OOProcessor[C, S]) InitSub(ctx C, id int) S          { return p.newSub(ctx, id) }
func (p *OOProcessor[C, S]) Mode(_ C, sub S) Mode             { return sub.Mode() }
func (p *OOProcessor[C, S]) Len(_ C, sub S) int               { return sub.Len() }
func (p *OOProcessor[C, S]) Produce(_ C, sub S) []byte        { return sub.Produce() }
func (p *OOProcessor[C, S]) Connection(ctx C, front S) string { return ctx.Connection(front) }
func (p *OOProcessor[C, S]) Chosen(ctx C, front S, backend S) { ctx.Chosen(front, backend) }
func (p *OOProcessor[C, S]) Connected(_ C, backend S) []byte  { return backend.Connected() }
func (p *OOProcessor[C, S]) ProxyDone(_ C, sub S)             { sub.ProxyDone() }

func (p *OOProcessor[C, S]) Refused(_ C, front S, err error) []byte {
	if r, ok := any(front).(OORefuser); ok {
		return r.Refused(err)
	}
	return nil
}

func (p *OOProcessor[C, S]) Feed(_ C, sub S, data []byte) ([]byte, error) {
	return sub.Feed(data)
}
