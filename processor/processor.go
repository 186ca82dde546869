// Package processor lets one client connection be proxied unit by unit.
//
// A protocol supplies a Processor. The Driver reads the client stream,
// asks the processor how many bytes the current unit wants, feeds them, and
// once a unit knows where it goes asks for a backend and forwards the bytes
// there. The backend side is fed the same way; when both sides of a unit are
// complete the next unit starts on the same client connection.
package processor

import (
	"net"
)

type Mode int

const (
	// ModeFixed wants exactly Len bytes before the next feed.
	ModeFixed Mode = iota
	// ModeOpen takes whatever is available.
	ModeOpen
	// ModeComplete means the unit is fully received on this side.
	ModeComplete
)

func (m Mode) String() string {
	switch m {
	case ModeFixed:
		return "fixed"
	case ModeOpen:
		return "open"
	case ModeComplete:
		return "complete"
	}
	return "unknown"
}

// Processor is the capability set of one wire protocol. C is the per client
// connection context, S the per side sub-context. Sub-context id 0 is the
// client side, backends get the ids the Peer hands out.
type Processor[C any, S any] interface {
	Name() string
	Init(client *net.TCPAddr) C
	InitSub(ctx C, id int) S

	Mode(ctx C, sub S) Mode
	Len(ctx C, sub S) int
	// Feed consumes bytes of the side sub belongs to and returns bytes to
	// forward verbatim to the opposite side.
	Feed(ctx C, sub S, data []byte) ([]byte, error)
	// Produce returns bytes to answer on sub's own side.
	Produce(ctx C, sub S) []byte
	// Connection names the backend for the current unit of front: a server
	// group, a host:port, or "" for the default group.
	Connection(ctx C, front S) string
	Chosen(ctx C, front S, backend S)
	// Connected returns bytes written to a new backend before anything else.
	Connected(ctx C, backend S) []byte
	ProxyDone(ctx C, sub S)
}

// Refuser is an optional capability of a Processor. Refused returns bytes
// answering the client when the backend of the unit in flight could not be
// reached.
type Refuser[C any, S any] interface {
	Refused(ctx C, front S, err error) []byte
}

// Source is the buffered input of one side.
type Source interface {
	Used() int
	Read(p []byte) int
}

// Peer is what the driver needs from the proxy around it.
type Peer interface {
	WriteClient(p []byte)
	// Dial returns the id of a backend connection for target. The connection
	// may still be pending; BackendConnected reports completion. An id that
	// was returned before means the connection is reused.
	Dial(target string) (int, error)
	WriteBackend(id int, p []byte)
}

// Session is a Driver with its type parameters erased.
type Session interface {
	FrontendReadable() error
	BackendConnected(id int)
	BackendReadable(id int, src Source) error
	// BackendClosed reports a fatal error when the backend of the unit in
	// flight went away.
	BackendClosed(id int) error
	State() State
	Units() int
}
