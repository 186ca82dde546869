// Package lenprefix proxies length prefixed frames: a 4 byte big endian
// length followed by that many bytes. Every request frame is one unit and is
// routed to the next server of the default group; the response frame from
// that server completes the unit.
package lenprefix

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/wiloon/w-vproxy/errdefs"
	"github.com/wiloon/w-vproxy/processor"
)

const (
	Name      = "lenprefix"
	headerLen = 4
	// MaxFrame bounds the payload of a single frame.
	MaxFrame = 16 << 20
)

type phase int

const (
	phaseHeader phase = iota
	phasePayload
	phaseComplete
)

type Context struct {
	client *net.TCPAddr
	frames int
}

// Connection leaves the choice to the default group, which rotates per call.
func (c *Context) Connection(*Sub) string { return "" }

func (c *Context) Chosen(_, _ *Sub) { c.frames++ }

// Sub parses one side. Both sides carry the same framing.
type Sub struct {
	id     int
	phase  phase
	length int
	header [headerLen]byte
}

func (s *Sub) Mode() processor.Mode {
	if s.phase == phaseComplete {
		return processor.ModeComplete
	}
	return processor.ModeFixed
}

func (s *Sub) Len() int {
	if s.phase == phaseHeader {
		return headerLen
	}
	return s.length
}

func (s *Sub) Feed(data []byte) ([]byte, error) {
	switch s.phase {
	case phaseHeader:
		n := binary.BigEndian.Uint32(data)
		if n > MaxFrame {
			return nil, fmt.Errorf("%w: frame of %d bytes exceeds %d", errdefs.ErrProtocolViolation, n, MaxFrame)
		}
		copy(s.header[:], data)
		s.length = int(n)
		if s.length == 0 {
			s.phase = phaseComplete
			return append([]byte(nil), s.header[:]...), nil
		}
		s.phase = phasePayload
		return nil, nil
	case phasePayload:
		s.phase = phaseComplete
		frame := make([]byte, 0, headerLen+len(data))
		frame = append(frame, s.header[:]...)
		return append(frame, data...), nil
	}
	return nil, fmt.Errorf("%w: bytes after a complete frame on sub-context %d", errdefs.ErrProtocolViolation, s.id)
}

func (s *Sub) Produce() []byte   { return nil }
func (s *Sub) Connected() []byte { return nil }

func (s *Sub) ProxyDone() {
	s.phase = phaseHeader
	s.length = 0
}

func New() *processor.OOProcessor[*Context, *Sub] {
	return processor.NewOOProcessor(Name,
		func(client *net.TCPAddr) *Context { return &Context{client: client} },
		func(_ *Context, id int) *Sub { return &Sub{id: id} })
}

// Frame prefixes payload with its length.
func Frame(payload []byte) []byte {
	b := make([]byte, headerLen, headerLen+len(payload))
	binary.BigEndian.PutUint32(b, uint32(len(payload)))
	return append(b, payload...)
}

func init() {
	processor.MustRegister[*Context, *Sub](New())
}
