package loopgroup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextRoundRobin(t *testing.T) {
	g, err := New("worker", 3)
	require.NoError(t, err)
	g.Start()
	defer g.Close()

	first := g.Next()
	assert.NotSame(t, first, g.Next())
	g.Next()
	assert.Same(t, first, g.Next())
	assert.Equal(t, 3, g.Size())
}

func TestRunOnEveryLoop(t *testing.T) {
	g, err := New("worker", 2)
	require.NoError(t, err)
	g.Start()

	ran := make(chan struct{}, 2)
	for _, l := range g.Loops() {
		require.NoError(t, l.RunOnLoop(func() { ran <- struct{}{} }))
	}
	for i := 0; i < 2; i++ {
		select {
		case <-ran:
		case <-time.After(2 * time.Second):
			t.Fatal("loop did not run task")
		}
	}
	require.NoError(t, g.Close())
}

func TestInvalidSize(t *testing.T) {
	_, err := New("worker", 0)
	assert.Error(t, err)
}
