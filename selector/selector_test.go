package selector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

type fdChannel struct {
	fd     int
	closed atomic.Bool
}

func (c *fdChannel) FD() int { return c.fd }

func (c *fdChannel) Close() error {
	if !c.closed.CAS(false, true) {
		return nil
	}
	return unix.Close(c.fd)
}

type funcHandler struct {
	readable func(ctx *HandlerContext)
}

func (h *funcHandler) Accept(*HandlerContext)    {}
func (h *funcHandler) Connected(*HandlerContext) {}
func (h *funcHandler) Writable(*HandlerContext)  {}
func (h *funcHandler) Readable(ctx *HandlerContext) {
	if h.readable != nil {
		h.readable(ctx)
	}
}

func newPipe(t *testing.T) (*fdChannel, *fdChannel) {
	var p [2]int
	require.NoError(t, unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	return &fdChannel{fd: p[0]}, &fdChannel{fd: p[1]}
}

func startLoop(t *testing.T) *SelectorEventLoop {
	l, err := New()
	require.NoError(t, err)
	go func() { _ = l.Loop() }()
	t.Cleanup(func() {
		_ = l.Close()
		<-l.Done()
	})
	return l
}

func onLoop(t *testing.T, l *SelectorEventLoop, fn func()) {
	done := make(chan struct{})
	require.NoError(t, l.RunOnLoop(func() {
		defer close(done)
		fn()
	}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not run on loop")
	}
}

func TestOpsString(t *testing.T) {
	assert.Equal(t, "NONE", Ops(0).String())
	assert.Equal(t, "READ|WRITE", (OpRead | OpWrite).String())
	assert.Equal(t, "ACCEPT", OpAccept.String())
}

func TestRunOnLoopAndDelay(t *testing.T) {
	l := startLoop(t)

	ran := make(chan int, 2)
	require.NoError(t, l.RunOnLoop(func() { ran <- 1 }))
	l.Delay(10*time.Millisecond, func() { ran <- 2 })

	assert.Equal(t, 1, <-ran)
	select {
	case v := <-ran:
		assert.Equal(t, 2, v)
	case <-time.After(2 * time.Second):
		t.Fatal("delayed task not run")
	}
}

func TestReadableAndModify(t *testing.T) {
	l := startLoop(t)
	r, w := newPipe(t)
	defer w.Close()

	got := make(chan string, 4)
	h := &funcHandler{readable: func(ctx *HandlerContext) {
		buf := make([]byte, 16)
		n, _ := unix.Read(ctx.Channel().FD(), buf)
		got <- string(buf[:n])
		ctx.RmOps(OpRead)
	}}

	var hctx *HandlerContext
	onLoop(t, l, func() {
		var err error
		hctx, err = l.Add(r, OpRead, "att", h)
		require.NoError(t, err)
		_, err = l.Add(r, OpRead, nil, h)
		assert.Error(t, err)
	})

	_, err := unix.Write(w.fd, []byte("hello"))
	require.NoError(t, err)
	select {
	case s := <-got:
		assert.Equal(t, "hello", s)
	case <-time.After(2 * time.Second):
		t.Fatal("no readable event")
	}

	onLoop(t, l, func() {
		assert.Equal(t, Ops(0), hctx.Ops())
		assert.Equal(t, "att", hctx.Attachment())
		assert.True(t, l.Registered(r))
	})

	// no interest, no event
	_, err = unix.Write(w.fd, []byte("again"))
	require.NoError(t, err)
	select {
	case <-got:
		t.Fatal("event delivered without READ interest")
	case <-time.After(50 * time.Millisecond):
	}

	onLoop(t, l, func() { hctx.AddOps(OpRead) })
	select {
	case s := <-got:
		assert.Equal(t, "again", s)
	case <-time.After(2 * time.Second):
		t.Fatal("no readable event after re-arm")
	}

	onLoop(t, l, func() {
		require.NoError(t, l.Remove(r))
		assert.False(t, l.Registered(r))
		assert.True(t, hctx.Removed())
		assert.Error(t, l.Remove(r))
	})
	_ = r.Close()
}

func TestPanicInCallbackIsContained(t *testing.T) {
	l := startLoop(t)
	require.NoError(t, l.RunOnLoop(func() { panic("boom") }))

	ok := make(chan struct{})
	require.NoError(t, l.RunOnLoop(func() { close(ok) }))
	select {
	case <-ok:
	case <-time.After(2 * time.Second):
		t.Fatal("loop died after a panicking task")
	}
}

func TestCloseReleasesChannels(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	go func() { _ = l.Loop() }()

	r, w := newPipe(t)
	defer w.Close()
	onLoop(t, l, func() {
		_, err := l.Add(r, OpRead, nil, &funcHandler{})
		require.NoError(t, err)
	})

	require.NoError(t, l.Close())
	select {
	case <-l.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
	assert.True(t, r.closed.Load())
	assert.Error(t, l.RunOnLoop(func() {}))
}

func TestCloseBeforeLoop(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	r, w := newPipe(t)
	defer w.Close()
	_, err = l.Add(r, OpRead, nil, &funcHandler{})
	require.NoError(t, err)

	require.NoError(t, l.Close())
	<-l.Done()
	assert.True(t, r.closed.Load())
}
