package controller

import (
	"context"
	"testing"

	"github.com/runoshun/crewd/internal/domain"
	"github.com/runoshun/crewd/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_OneMonitorPerTask(t *testing.T) {
	metrics := testutil.NewRecordingMetrics()
	r := newRegistry(metrics)
	key := domain.TaskKey{Scope: "proj", Name: "task-a"}
	release := make(chan struct{})

	started := r.start(context.Background(), key, func(ctx context.Context, _ <-chan struct{}) {
		select {
		case <-release:
		case <-ctx.Done():
		}
	})
	again := r.start(context.Background(), key, func(context.Context, <-chan struct{}) {
		t.Error("second monitor must not run")
	})

	assert.True(t, started)
	assert.False(t, again)
	assert.True(t, r.has(key))
	assert.Equal(t, 1, r.count())

	close(release)
	r.stopAll()
	assert.False(t, r.has(key))
	assert.Zero(t, metrics.Monitors)
}

func TestRegistry_SignalCancel(t *testing.T) {
	r := newRegistry(domain.NopMetrics{})
	key := domain.TaskKey{Scope: "proj", Name: "task-a"}
	got := make(chan struct{})

	r.start(context.Background(), key, func(ctx context.Context, cancelReq <-chan struct{}) {
		<-cancelReq
		close(got)
		<-ctx.Done()
	})

	assert.True(t, r.signalCancel(key))
	assert.True(t, r.signalCancel(key), "signalling twice is safe")
	<-got

	done := r.stop(key)
	require.NotNil(t, done)
	<-done
	assert.False(t, r.has(key))
	assert.False(t, r.signalCancel(key))
	assert.Nil(t, r.stop(key))
}
