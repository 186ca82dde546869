package connection

import (
	"io"

	"golang.org/x/sys/unix"
)

// RingBuffer is a fixed capacity byte ring. Not safe for concurrent use; a
// connection's buffers belong to the loop the connection is registered on.
type RingBuffer struct {
	buf   []byte
	start int
	used  int
}

func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &RingBuffer{buf: make([]byte, capacity)}
}

func (b *RingBuffer) Capacity() int { return len(b.buf) }
func (b *RingBuffer) Used() int     { return b.used }
func (b *RingBuffer) Free() int     { return len(b.buf) - b.used }

// usedSegments returns the readable bytes as at most two slices.
func (b *RingBuffer) usedSegments() [][]byte {
	if b.used == 0 {
		return nil
	}
	end := b.start + b.used
	if end <= len(b.buf) {
		return [][]byte{b.buf[b.start:end]}
	}
	return [][]byte{b.buf[b.start:], b.buf[:end-len(b.buf)]}
}

// freeSegments returns the writable space as at most two slices.
func (b *RingBuffer) freeSegments() [][]byte {
	free := b.Free()
	if free == 0 {
		return nil
	}
	tail := (b.start + b.used) % len(b.buf)
	if tail+free <= len(b.buf) {
		return [][]byte{b.buf[tail : tail+free]}
	}
	return [][]byte{b.buf[tail:], b.buf[:free-(len(b.buf)-tail)]}
}

func (b *RingBuffer) consumed(n int) {
	b.start = (b.start + n) % len(b.buf)
	b.used -= n
	if b.used == 0 {
		b.start = 0
	}
}

// Write copies as much of p as fits and returns the count.
func (b *RingBuffer) Write(p []byte) int {
	n := 0
	for _, seg := range b.freeSegments() {
		if n == len(p) {
			break
		}
		n += copy(seg, p[n:])
	}
	b.used += n
	return n
}

// Read moves up to len(p) bytes out of the buffer.
func (b *RingBuffer) Read(p []byte) int {
	n := b.Peek(p)
	b.consumed(n)
	return n
}

// Peek copies without consuming.
func (b *RingBuffer) Peek(p []byte) int {
	n := 0
	for _, seg := range b.usedSegments() {
		if n == len(p) {
			break
		}
		n += copy(p[n:], seg)
	}
	return n
}

// TransferTo moves as many bytes as dst can hold.
func (b *RingBuffer) TransferTo(dst *RingBuffer) int {
	total := 0
	for _, seg := range b.usedSegments() {
		n := dst.Write(seg)
		total += n
		if n < len(seg) {
			break
		}
	}
	b.consumed(total)
	return total
}

// storeBytesFrom performs one read from fd into the free space. A closed peer
// is reported as io.EOF; EAGAIN as (0, nil).
func (b *RingBuffer) storeBytesFrom(fd int) (int, error) {
	segs := b.freeSegments()
	if len(segs) == 0 {
		return 0, nil
	}
	n, err := unix.Readv(fd, segs)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, nil
		}
		return 0, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	b.used += n
	return n, nil
}

// writeTo performs one write of buffered bytes to fd. EAGAIN is (0, nil).
func (b *RingBuffer) writeTo(fd int) (int, error) {
	segs := b.usedSegments()
	if len(segs) == 0 {
		return 0, nil
	}
	n, err := unix.Writev(fd, segs)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, nil
		}
		return 0, err
	}
	b.consumed(n)
	return n, nil
}
