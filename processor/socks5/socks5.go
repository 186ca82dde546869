// Package socks5 accepts RFC 1928 CONNECT requests without authentication and
// routes the whole connection to the requested host:port.
package socks5

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"

	gosocks5 "github.com/armon/go-socks5"

	"github.com/wiloon/w-vproxy/errdefs"
	"github.com/wiloon/w-vproxy/processor"
)

const (
	Name    = "socks5"
	version = uint8(5)

	atypIPv4   = uint8(1)
	atypDomain = uint8(3)
	atypIPv6   = uint8(4)

	noAcceptable      = uint8(0xff)
	ruleFailure       = uint8(2)
	hostUnreachable   = uint8(4)
	connectionRefused = uint8(5)
)

var successReply = []byte{version, 0, 0, atypIPv4, 0, 0, 0, 0, 0, 0}

type phase int

const (
	phaseGreeting phase = iota
	phaseMethods
	phaseRequestHead
	phaseRequestAddr
	phaseStream
)

type Context struct {
	client    *net.TCPAddr
	rules     gosocks5.RuleSet
	target    *gosocks5.AddrSpec
	connected bool
}

func (c *Context) Connection(*Sub) string {
	if c.target == nil {
		return ""
	}
	return c.target.Address()
}

func (c *Context) Chosen(_, _ *Sub) {}

// Target is the requested destination, nil before the request was read.
func (c *Context) Target() *gosocks5.AddrSpec { return c.target }

type Sub struct {
	ctx *Context
	id  int

	phase   phase
	want    int
	request []byte
	reply   []byte
	replied bool
}

func (s *Sub) Mode() processor.Mode {
	if s.id != 0 || s.phase == phaseStream {
		return processor.ModeOpen
	}
	return processor.ModeFixed
}

func (s *Sub) Len() int { return s.want }

func (s *Sub) Feed(data []byte) ([]byte, error) {
	if s.id != 0 || s.phase == phaseStream {
		return data, nil
	}
	switch s.phase {
	case phaseGreeting:
		if data[0] != version {
			return nil, fmt.Errorf("%w: socks version %d", errdefs.ErrProtocolViolation, data[0])
		}
		if data[1] == 0 {
			return nil, fmt.Errorf("%w: no auth methods offered", errdefs.ErrProtocolViolation)
		}
		s.phase = phaseMethods
		s.want = int(data[1])
	case phaseMethods:
		if bytes.IndexByte(data, gosocks5.NoAuth) < 0 {
			s.reply = []byte{version, noAcceptable}
			return nil, fmt.Errorf("%w: no acceptable auth method in %v", errdefs.ErrProtocolViolation, data)
		}
		s.reply = []byte{version, gosocks5.NoAuth}
		s.phase = phaseRequestHead
		// ver cmd rsv atyp and the first address byte
		s.want = 5
	case phaseRequestHead:
		s.request = append(s.request[:0], data...)
		switch data[3] {
		case atypIPv4:
			s.want = net.IPv4len + 2 - 1
		case atypIPv6:
			s.want = net.IPv6len + 2 - 1
		case atypDomain:
			s.want = int(data[4]) + 2
		default:
			return nil, fmt.Errorf("%w: address type %d", errdefs.ErrProtocolViolation, data[3])
		}
		s.phase = phaseRequestAddr
	case phaseRequestAddr:
		s.request = append(s.request, data...)
		req, err := gosocks5.NewRequest(bytes.NewReader(s.request))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errdefs.ErrProtocolViolation, err)
		}
		if _, ok := s.ctx.rules.Allow(context.Background(), req); !ok {
			s.reply = []byte{version, ruleFailure, 0, atypIPv4, 0, 0, 0, 0, 0, 0}
			return nil, fmt.Errorf("%w: command %d not allowed", errdefs.ErrProtocolViolation, req.Command)
		}
		s.ctx.target = req.DestAddr
		s.phase = phaseStream
		s.want = 0
	}
	return nil, nil
}

func (s *Sub) Produce() []byte {
	if s.id != 0 {
		return nil
	}
	if s.reply != nil {
		r := s.reply
		s.reply = nil
		return r
	}
	if s.phase == phaseStream && s.ctx.connected && !s.replied {
		s.replied = true
		return successReply
	}
	return nil
}

// Refused answers a CONNECT whose target could not be reached.
func (s *Sub) Refused(err error) []byte {
	if s.id != 0 || s.phase != phaseStream || s.replied {
		return nil
	}
	s.replied = true
	rep := hostUnreachable
	if errors.Is(err, syscall.ECONNREFUSED) {
		rep = connectionRefused
	}
	return []byte{version, rep, 0, atypIPv4, 0, 0, 0, 0, 0, 0}
}

// Connected is only called on the backend side.
func (s *Sub) Connected() []byte {
	s.ctx.connected = true
	return nil
}

func (s *Sub) ProxyDone() {}

// New accepts CONNECT only.
func New() *processor.OOProcessor[*Context, *Sub] {
	return NewWithRules(&gosocks5.PermitCommand{EnableConnect: true})
}

func NewWithRules(rules gosocks5.RuleSet) *processor.OOProcessor[*Context, *Sub] {
	return processor.NewOOProcessor(Name,
		func(client *net.TCPAddr) *Context { return &Context{client: client, rules: rules} },
		func(ctx *Context, id int) *Sub {
			s := &Sub{ctx: ctx, id: id}
			if id == 0 {
				s.want = 2
			}
			return s
		})
}

func init() {
	processor.MustRegister[*Context, *Sub](New())
}
