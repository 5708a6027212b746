package pipeline

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestWorkerPoolRunsTasks(t *testing.T) {
	wp := NewWorkerPool(2, 10, zaptest.NewLogger(t))
	wp.Start(context.Background())

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		require.NoError(t, wp.Submit(func(context.Context) { ran.Add(1) }))
	}
	wp.Stop()

	assert.Equal(t, int32(5), ran.Load())
	assert.ErrorIs(t, wp.Submit(func(context.Context) {}), ErrPoolStopped)
}

func TestWorkerPoolRejectsWhenFull(t *testing.T) {
	wp := NewWorkerPool(1, 1, zaptest.NewLogger(t))
	wp.Start(context.Background())
	defer wp.Stop()

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, wp.Submit(func(context.Context) {
		close(started)
		<-release
	}))
	<-started

	require.NoError(t, wp.Submit(func(context.Context) {}))
	assert.ErrorIs(t, wp.Submit(func(context.Context) {}), ErrQueueFull)
	close(release)
}

func TestWorkerPoolSurvivesPanics(t *testing.T) {
	wp := NewWorkerPool(1, 4, zaptest.NewLogger(t))
	wp.Start(context.Background())
	defer wp.Stop()

	done := make(chan struct{})
	require.NoError(t, wp.Submit(func(context.Context) { panic("boom") }))
	require.NoError(t, wp.Submit(func(context.Context) { close(done) }))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not recover")
	}
}
