package processor

import (
	"errors"
	"fmt"
	"net"

	"github.com/wiloon/w-vproxy/errdefs"
	"github.com/wiloon/w-vproxy/metrics"
	"github.com/wiloon/w-vproxy/utils/logger"
)

type State int

const (
	StateNew State = iota
	StateWantLen
	StateWantData
	StateBackendSelecting
	StateBackendChosen
	StateForwarding
	StateDone
	StateFailed
)

var stateNames = [...]string{"NEW", "WANT_LEN", "WANT_DATA", "BACKEND_SELECTING", "BACKEND_CHOSEN", "FORWARDING", "DONE", "FAILED"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

type link[S any] struct {
	id        int
	sub       S
	acc       []byte
	connected bool
	pending   [][]byte
	// the backend side of the unit in flight is complete
	done bool
}

// Driver runs a Processor over one client connection. All methods must be
// called from the loop that owns the client connection.
type Driver[C any, S any] struct {
	p     Processor[C, S]
	peer  Peer
	front Source

	ctx      C
	frontSub S
	frontAcc []byte
	// the client side of the unit in flight is complete
	frontDone bool

	links   map[int]*link[S]
	current *link[S]

	state State
	err   error
	units int
}

func NewDriver[C any, S any](p Processor[C, S], peer Peer, front Source, client *net.TCPAddr) *Driver[C, S] {
	d := &Driver[C, S]{
		p:     p,
		peer:  peer,
		front: front,
		links: make(map[int]*link[S]),
	}
	d.ctx = p.Init(client)
	d.frontSub = p.InitSub(d.ctx, 0)
	return d
}

func (d *Driver[C, S]) State() State { return d.state }

// Units is the number of completed units.
func (d *Driver[C, S]) Units() int { return d.units }

func (d *Driver[C, S]) Err() error { return d.err }

// take reads what the current mode of sub asks for. In fixed mode bytes are
// accumulated in acc until Len is reached.
func (d *Driver[C, S]) take(sub S, src Source, acc *[]byte) ([]byte, bool, error) {
	switch d.p.Mode(d.ctx, sub) {
	case ModeFixed:
		want := d.p.Len(d.ctx, sub)
		if want <= 0 {
			return nil, false, fmt.Errorf("%w: fixed mode wants %d bytes", errdefs.ErrProtocolViolation, want)
		}
		if need := want - len(*acc); need > 0 {
			if n := min(need, src.Used()); n > 0 {
				chunk := make([]byte, n)
				src.Read(chunk)
				*acc = append(*acc, chunk...)
			}
		}
		if len(*acc) < want {
			return nil, false, nil
		}
		data := *acc
		*acc = nil
		return data, true, nil
	case ModeOpen:
		if src.Used() == 0 {
			return nil, false, nil
		}
		data := make([]byte, src.Used())
		src.Read(data)
		return data, true, nil
	}
	return nil, false, nil
}

// FrontendReadable consumes buffered client bytes until the unit in flight
// stops wanting more. While the chosen backend is still connecting the bytes
// stay in the client's in buffer, so at most one chunk is held per backend.
func (d *Driver[C, S]) FrontendReadable() error {
	for {
		if d.state == StateFailed {
			return d.err
		}
		if d.frontDone {
			// the unit's response is still on its way
			return nil
		}
		if d.current != nil && !d.current.connected {
			return nil
		}
		mode := d.p.Mode(d.ctx, d.frontSub)
		data, ok, err := d.take(d.frontSub, d.front, &d.frontAcc)
		if err != nil {
			return d.fail(0, err)
		}
		if !ok {
			if d.current == nil {
				if mode == ModeFixed {
					d.state = StateWantLen
				} else {
					d.state = StateWantData
				}
			}
			return nil
		}
		out, err := d.p.Feed(d.ctx, d.frontSub, data)
		if err != nil {
			// a rejecting sub-context may still have a reply for its side
			if b := d.p.Produce(d.ctx, d.frontSub); len(b) > 0 {
				d.peer.WriteClient(b)
			}
			return d.fail(0, err)
		}
		if b := d.p.Produce(d.ctx, d.frontSub); len(b) > 0 {
			d.peer.WriteClient(b)
		}
		mode = d.p.Mode(d.ctx, d.frontSub)
		if d.current == nil && (len(out) > 0 || mode != ModeFixed) {
			if err := d.choose(); err != nil {
				d.refuse(err)
				return d.fail(0, err)
			}
		}
		if len(out) > 0 {
			d.sendBackend(d.current, out)
		}
		if mode == ModeComplete {
			d.frontDone = true
			d.tryComplete()
		}
	}
}

func (d *Driver[C, S]) choose() error {
	d.state = StateBackendSelecting
	target := d.p.Connection(d.ctx, d.frontSub)
	id, err := d.peer.Dial(target)
	if err != nil {
		if errors.Is(err, errdefs.ErrBackendUnavailable) {
			return fmt.Errorf("dial %q: %w", target, err)
		}
		return fmt.Errorf("%w: dial %q: %v", errdefs.ErrBackendUnavailable, target, err)
	}
	l, ok := d.links[id]
	if !ok {
		l = &link[S]{id: id, sub: d.p.InitSub(d.ctx, id)}
		d.links[id] = l
	}
	d.p.Chosen(d.ctx, d.frontSub, l.sub)
	d.current = l
	d.state = StateBackendChosen
	if l.connected {
		d.state = StateForwarding
	}
	logger.LowLevelDebug("%s unit %d chose backend %d for %q", d.p.Name(), d.units, id, target)
	return nil
}

func (d *Driver[C, S]) sendBackend(l *link[S], p []byte) {
	if l.connected {
		d.peer.WriteBackend(l.id, p)
		return
	}
	l.pending = append(l.pending, p)
}

// BackendConnected flushes the handshake and the bytes held for backend id.
func (d *Driver[C, S]) BackendConnected(id int) {
	l, ok := d.links[id]
	if !ok {
		logger.ShouldNotHappen("%s: connected backend %d has no sub-context", d.p.Name(), id)
		return
	}
	if l.connected {
		return
	}
	l.connected = true
	if b := d.p.Connected(d.ctx, l.sub); len(b) > 0 {
		d.peer.WriteBackend(id, b)
	}
	for _, p := range l.pending {
		d.peer.WriteBackend(id, p)
	}
	l.pending = nil
	if l == d.current && d.state != StateFailed {
		d.state = StateForwarding
		if b := d.p.Produce(d.ctx, d.frontSub); len(b) > 0 {
			d.peer.WriteClient(b)
		}
	}
}

// BackendReadable consumes bytes from backend id. Bytes from a backend that
// is not serving the unit in flight are a protocol violation.
func (d *Driver[C, S]) BackendReadable(id int, src Source) error {
	l, ok := d.links[id]
	if !ok {
		logger.ShouldNotHappen("%s: readable backend %d has no sub-context", d.p.Name(), id)
		return nil
	}
	for {
		if d.state == StateFailed {
			return d.err
		}
		if l != d.current || l.done {
			if src.Used() > 0 {
				return d.fail(id, fmt.Errorf("%w: %d unsolicited bytes from backend %d", errdefs.ErrProtocolViolation, src.Used(), id))
			}
			return nil
		}
		data, ok, err := d.take(l.sub, src, &l.acc)
		if err != nil {
			return d.fail(id, err)
		}
		if !ok {
			return nil
		}
		out, err := d.p.Feed(d.ctx, l.sub, data)
		if err != nil {
			return d.fail(id, err)
		}
		if len(out) > 0 {
			d.peer.WriteClient(out)
		}
		if b := d.p.Produce(d.ctx, l.sub); len(b) > 0 {
			d.peer.WriteBackend(id, b)
		}
		if d.p.Mode(d.ctx, l.sub) == ModeComplete {
			l.done = true
			if d.tryComplete() {
				// the next unit may already be buffered
				if err := d.FrontendReadable(); err != nil {
					return err
				}
			}
		}
	}
}

// tryComplete finishes the unit in flight once both sides are complete.
func (d *Driver[C, S]) tryComplete() bool {
	l := d.current
	if l == nil || !d.frontDone || !l.done {
		return false
	}
	d.p.ProxyDone(d.ctx, l.sub)
	d.p.ProxyDone(d.ctx, d.frontSub)
	l.done = false
	d.frontDone = false
	d.current = nil
	d.units++
	d.state = StateDone
	return true
}

func (d *Driver[C, S]) BackendClosed(id int) error {
	l, ok := d.links[id]
	if !ok {
		return nil
	}
	delete(d.links, id)
	if l != d.current || d.state == StateFailed {
		return nil
	}
	err := fmt.Errorf("%w: backend %d closed during unit %d", errdefs.ErrBackendUnavailable, id, d.units)
	if !l.connected {
		d.refuse(err)
	}
	return d.fail(id, err)
}

// refuse lets the processor answer the client for a backend that could not
// be reached.
func (d *Driver[C, S]) refuse(err error) {
	r, ok := d.p.(Refuser[C, S])
	if !ok {
		return
	}
	if b := r.Refused(d.ctx, d.frontSub, err); len(b) > 0 {
		d.peer.WriteClient(b)
	}
}

func (d *Driver[C, S]) fail(id int, err error) error {
	if !errors.Is(err, errdefs.ErrProtocolViolation) && !errors.Is(err, errdefs.ErrBackendUnavailable) {
		err = fmt.Errorf("%w: %v", errdefs.ErrProtocolViolation, err)
	}
	if errors.Is(err, errdefs.ErrProtocolViolation) {
		metrics.ProtocolViolations.WithLabelValues(d.p.Name()).Inc()
	}
	d.state = StateFailed
	d.err = &SubContextError{Protocol: d.p.Name(), ID: id, Err: err}
	return d.err
}

// SubContextError tells which side failed; ID 0 is the client.
type SubContextError struct {
	Protocol string
	ID       int
	Err      error
}

func (e *SubContextError) Error() string {
	return fmt.Sprintf("%s sub-context %d: %v", e.Protocol, e.ID, e.Err)
}

func (e *SubContextError) Unwrap() error { return e.Err }
