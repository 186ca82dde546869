package proxy

import (
	"errors"

	"github.com/wiloon/w-vproxy/connection"
	"github.com/wiloon/w-vproxy/errdefs"
)

// outQueue keeps the bytes that did not fit into an out buffer, in order.
type outQueue struct {
	chunks [][]byte
}

func (q *outQueue) empty() bool { return len(q.chunks) == 0 }

func (q *outQueue) write(c *connection.Connection, p []byte) {
	if q.empty() {
		p = p[c.Write(p):]
	}
	if len(p) > 0 {
		q.chunks = append(q.chunks, append([]byte(nil), p...))
	}
}

// flush moves queued bytes into c as far as its out buffer allows.
func (q *outQueue) flush(c *connection.Connection) {
	for !q.empty() {
		n := c.Write(q.chunks[0])
		if n < len(q.chunks[0]) {
			q.chunks[0] = q.chunks[0][n:]
			return
		}
		q.chunks = q.chunks[1:]
	}
}

// discard drops received bytes nobody will read.
func discard(c *connection.Connection) {
	if n := c.InBuffer().Used(); n > 0 {
		c.Read(make([]byte, n))
	}
}

func isConnectError(err error) bool {
	var ce *errdefs.ConnError
	return errors.As(err, &ce) && ce.Op == "connect"
}
