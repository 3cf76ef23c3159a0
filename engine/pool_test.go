package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/sequence-engine/logging"
)

func TestPool_RunsQueuedTasks(t *testing.T) {
	p := NewPool(2, 4, logging.Nop())
	assert.ErrorIs(t, p.Submit(context.Background(), func() {}), ErrPoolNotStarted)
	require.NoError(t, p.Start())
	assert.Error(t, p.Start())

	var n atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Submit(context.Background(), func() { n.Add(1) }))
	}
	p.Stop()
	assert.Equal(t, int32(10), n.Load(), "stop drains the queue")

	assert.ErrorIs(t, p.Submit(context.Background(), func() {}), ErrPoolClosed)
	p.Stop()
}

func TestPool_SubmitHonoursContext(t *testing.T) {
	p := NewPool(1, 0, logging.Nop())
	require.NoError(t, p.Start())

	release := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func() { <-release }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Submit(ctx, func() {}), context.DeadlineExceeded)

	close(release)
	p.Stop()
}

func TestPool_RecoversPanics(t *testing.T) {
	p := NewPool(1, 1, logging.Nop())
	require.NoError(t, p.Start())

	done := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func() { panic("boom") }))
	require.NoError(t, p.Submit(context.Background(), func() { close(done) }))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker died after a panic")
	}
	p.Stop()
}
