package processor

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wiloon/w-vproxy/errdefs"
)

type byteSource struct {
	bytes.Buffer
}

func (s *byteSource) Used() int { return s.Len() }

func (s *byteSource) Read(p []byte) int {
	n, _ := s.Buffer.Read(p)
	return n
}

type fakePeer struct {
	client   bytes.Buffer
	dials    []string
	ids      map[string]int
	backends map[int]*bytes.Buffer
	dialErr  error
}

func newFakePeer() *fakePeer {
	return &fakePeer{ids: map[string]int{}, backends: map[int]*bytes.Buffer{}}
}

func (p *fakePeer) WriteClient(b []byte) { p.client.Write(b) }

func (p *fakePeer) Dial(target string) (int, error) {
	if p.dialErr != nil {
		return 0, p.dialErr
	}
	p.dials = append(p.dials, target)
	if id, ok := p.ids[target]; ok {
		return id, nil
	}
	id := len(p.ids) + 1
	p.ids[target] = id
	p.backends[id] = &bytes.Buffer{}
	return id, nil
}

func (p *fakePeer) WriteBackend(id int, b []byte) { p.backends[id].Write(b) }

// unitCtx routes each unit to the next of its targets.
type unitCtx struct {
	targets     []string
	next        int
	connections int
	chosen      int
}

func (c *unitCtx) Connection(*unitSub) string {
	c.connections++
	t := c.targets[c.next%len(c.targets)]
	c.next++
	return t
}

func (c *unitCtx) Chosen(_, _ *unitSub) { c.chosen++ }

// unitSub takes 4 byte units; "BAD!" is rejected.
type unitSub struct {
	id       int
	complete bool
	produced int
	done     int
}

func (s *unitSub) Mode() Mode {
	if s.complete {
		return ModeComplete
	}
	return ModeFixed
}

func (s *unitSub) Len() int { return 4 }

func (s *unitSub) Feed(data []byte) ([]byte, error) {
	if string(data) == "BAD!" {
		return nil, fmt.Errorf("%w: bad unit", errdefs.ErrProtocolViolation)
	}
	s.complete = true
	return data, nil
}

func (s *unitSub) Produce() []byte {
	s.produced++
	return nil
}

func (s *unitSub) Connected() []byte {
	return []byte(fmt.Sprintf("hi%d:", s.id))
}

func (s *unitSub) ProxyDone() {
	s.complete = false
	s.done++
}

func newUnitDriver(targets ...string) (*Driver[*unitCtx, *unitSub], *unitCtx, *fakePeer, *byteSource) {
	ctx := &unitCtx{targets: targets}
	p := NewOOProcessor("unit",
		func(*net.TCPAddr) *unitCtx { return ctx },
		func(_ *unitCtx, id int) *unitSub { return &unitSub{id: id} })
	peer := newFakePeer()
	src := &byteSource{}
	return NewDriver[*unitCtx, *unitSub](p, peer, src, nil), ctx, peer, src
}

func TestFewerBytesDoNotFeed(t *testing.T) {
	d, ctx, peer, src := newUnitDriver("a")
	src.WriteString("abc")
	require.NoError(t, d.FrontendReadable())

	assert.Equal(t, StateWantLen, d.State())
	assert.Equal(t, 0, ctx.connections)
	assert.Empty(t, peer.dials)
	assert.Equal(t, 0, d.frontSub.produced)
	assert.Equal(t, 0, src.Used())

	src.WriteString("d")
	require.NoError(t, d.FrontendReadable())
	assert.Equal(t, StateBackendChosen, d.State())
	assert.Equal(t, 1, ctx.connections)
	assert.Equal(t, 1, ctx.chosen)
	assert.Equal(t, 1, d.frontSub.produced)
}

func TestUnitRoundTrip(t *testing.T) {
	d, _, peer, src := newUnitDriver("a")
	src.WriteString("req1")
	require.NoError(t, d.FrontendReadable())

	// held until the backend connects
	assert.Equal(t, 0, peer.backends[1].Len())
	d.BackendConnected(1)
	assert.Equal(t, StateForwarding, d.State())
	assert.Equal(t, "hi1:req1", peer.backends[1].String())

	resp := &byteSource{}
	resp.WriteString("res1")
	require.NoError(t, d.BackendReadable(1, resp))
	assert.Equal(t, "res1", peer.client.String())
	assert.Equal(t, 1, d.Units())
	assert.Equal(t, StateWantLen, d.State())
	assert.Equal(t, 1, d.frontSub.done)
}

func TestUnitsAreSerialAndRoundRobin(t *testing.T) {
	d, _, peer, src := newUnitDriver("a", "b")
	src.WriteString("req1req2")
	require.NoError(t, d.FrontendReadable())

	// the second unit waits for the first response
	assert.Equal(t, []string{"a"}, peer.dials)
	assert.Equal(t, 4, src.Used())

	d.BackendConnected(1)
	resp := &byteSource{}
	resp.WriteString("res1")
	require.NoError(t, d.BackendReadable(1, resp))

	assert.Equal(t, []string{"a", "b"}, peer.dials)
	d.BackendConnected(2)
	assert.Equal(t, "hi1:req1", peer.backends[1].String())
	assert.Equal(t, "hi2:req2", peer.backends[2].String())

	resp.WriteString("res2")
	require.NoError(t, d.BackendReadable(2, resp))
	assert.Equal(t, "res1res2", peer.client.String())
	assert.Equal(t, 2, d.Units())
}

func TestReusedBackendIsNotReconnected(t *testing.T) {
	d, _, peer, src := newUnitDriver("a")
	src.WriteString("req1")
	require.NoError(t, d.FrontendReadable())
	d.BackendConnected(1)
	resp := &byteSource{}
	resp.WriteString("res1")
	require.NoError(t, d.BackendReadable(1, resp))

	src.WriteString("req2")
	require.NoError(t, d.FrontendReadable())
	assert.Equal(t, StateForwarding, d.State())
	assert.Equal(t, "hi1:req1req2", peer.backends[1].String())
}

func TestFeedErrorFailsSession(t *testing.T) {
	d, _, peer, src := newUnitDriver("a")
	src.WriteString("BAD!")
	err := d.FrontendReadable()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrProtocolViolation))

	var se *SubContextError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 0, se.ID)
	assert.Equal(t, StateFailed, d.State())
	assert.Empty(t, peer.dials)

	src.WriteString("good")
	assert.Error(t, d.FrontendReadable())
}

func TestUnsolicitedBackendBytes(t *testing.T) {
	d, _, _, src := newUnitDriver("a")
	src.WriteString("req1")
	require.NoError(t, d.FrontendReadable())
	d.BackendConnected(1)
	resp := &byteSource{}
	resp.WriteString("res1extra")
	err := d.BackendReadable(1, resp)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrProtocolViolation))
}

func TestDialFailure(t *testing.T) {
	d, _, peer, src := newUnitDriver("a")
	peer.dialErr = errors.New("no server")
	src.WriteString("req1")
	err := d.FrontendReadable()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrBackendUnavailable))
}

func TestBackendClosedDuringUnit(t *testing.T) {
	d, _, _, src := newUnitDriver("a")
	src.WriteString("req1")
	require.NoError(t, d.FrontendReadable())
	d.BackendConnected(1)
	assert.Error(t, d.BackendClosed(1))
	assert.NoError(t, d.BackendClosed(7))
}

func TestPassthrough(t *testing.T) {
	f, err := Get(PassthroughName)
	require.NoError(t, err)
	peer := newFakePeer()
	src := &byteSource{}
	s := f(peer, src, nil)

	src.WriteString("hello")
	require.NoError(t, s.FrontendReadable())
	assert.Equal(t, []string{""}, peer.dials)
	s.BackendConnected(1)
	assert.Equal(t, "hello", peer.backends[1].String())

	src.WriteString(" world")
	require.NoError(t, s.FrontendReadable())
	assert.Equal(t, "hello world", peer.backends[1].String())

	resp := &byteSource{}
	resp.WriteString("back")
	require.NoError(t, s.BackendReadable(1, resp))
	assert.Equal(t, "back", peer.client.String())
	assert.Equal(t, 0, s.Units())
}

func TestClientBytesWaitForConnect(t *testing.T) {
	f, err := Get(PassthroughName)
	require.NoError(t, err)
	peer := newFakePeer()
	src := &byteSource{}
	s := f(peer, src, nil)

	src.WriteString("hello")
	require.NoError(t, s.FrontendReadable())
	src.WriteString(" world")
	require.NoError(t, s.FrontendReadable())
	require.NoError(t, s.FrontendReadable())

	// only the chunk that picked the backend is held, the rest stays buffered
	assert.Equal(t, 6, src.Used())
	assert.Equal(t, 0, peer.backends[1].Len())

	s.BackendConnected(1)
	assert.Equal(t, "hello", peer.backends[1].String())
	require.NoError(t, s.FrontendReadable())
	assert.Equal(t, "hello world", peer.backends[1].String())
	assert.Equal(t, 0, src.Used())
}

type zeroCtx struct{}

func (zeroCtx) Connection(*zeroSub) string { return "" }
func (zeroCtx) Chosen(_, _ *zeroSub)       {}

// zeroSub asks for a fixed unit of no bytes.
type zeroSub struct {
	unitSub
}

func (*zeroSub) Len() int { return 0 }

func TestZeroFixedLengthFails(t *testing.T) {
	p := NewOOProcessor("zero",
		func(*net.TCPAddr) zeroCtx { return zeroCtx{} },
		func(zeroCtx, int) *zeroSub { return &zeroSub{} })
	src := &byteSource{}
	src.WriteString("data")
	d := NewDriver[zeroCtx, *zeroSub](p, newFakePeer(), src, nil)

	err := d.FrontendReadable()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrProtocolViolation))
	assert.Equal(t, StateFailed, d.State())
}

func TestRegistry(t *testing.T) {
	assert.Contains(t, Names(), PassthroughName)

	err := Register[passthroughContext, *passthroughSub](NewPassthrough())
	assert.True(t, errdefs.IsAlreadyExists(err))

	_, err = Get("no-such-protocol")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestModeAndStateString(t *testing.T) {
	assert.Equal(t, "fixed", ModeFixed.String())
	assert.Equal(t, "WANT_LEN", StateWantLen.String())
	assert.Equal(t, "FAILED", StateFailed.String())
}
