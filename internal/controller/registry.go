package controller

import (
	"context"
	"sync"

	"github.com/runoshun/crewd/internal/domain"
)

// registry tracks the running monitor of each task.
// At most one monitor runs per task key.
type registry struct {
	monitors map[domain.TaskKey]*monitorHandle
	metrics  domain.Metrics
	wg       sync.WaitGroup
	mu       sync.Mutex
}

type monitorHandle struct {
	cancel    context.CancelFunc
	cancelReq chan struct{}
	done      chan struct{}
	once      sync.Once
}

func newRegistry(metrics domain.Metrics) *registry {
	return &registry{
		monitors: make(map[domain.TaskKey]*monitorHandle),
		metrics:  metrics,
	}
}

// start launches run for key unless a monitor is already running.
// run receives a context cancelled on stop and a channel closed on a
// cancellation request.
func (r *registry) start(parent context.Context, key domain.TaskKey, run func(ctx context.Context, cancelReq <-chan struct{})) bool {
	r.mu.Lock()
	if _, ok := r.monitors[key]; ok {
		r.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(parent)
	h := &monitorHandle{
		cancel:    cancel,
		cancelReq: make(chan struct{}),
		done:      make(chan struct{}),
	}
	r.monitors[key] = h
	n := len(r.monitors)
	r.wg.Add(1)
	r.mu.Unlock()
	r.metrics.MonitorsActive(n)

	go func() {
		defer r.wg.Done()
		defer close(h.done)
		defer r.remove(key, h)
		run(ctx, h.cancelReq)
	}()
	return true
}

func (r *registry) remove(key domain.TaskKey, h *monitorHandle) {
	h.cancel()
	r.mu.Lock()
	if r.monitors[key] == h {
		delete(r.monitors, key)
	}
	n := len(r.monitors)
	r.mu.Unlock()
	r.metrics.MonitorsActive(n)
}

// has reports whether a monitor is running for key.
func (r *registry) has(key domain.TaskKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.monitors[key]
	return ok
}

// signalCancel delivers a cancellation request to the monitor of key.
func (r *registry) signalCancel(key domain.TaskKey) bool {
	r.mu.Lock()
	h, ok := r.monitors[key]
	r.mu.Unlock()
	if !ok {
		return false
	}
	h.once.Do(func() { close(h.cancelReq) })
	return true
}

// stop cancels the monitor of key and returns a channel closed when it
// has exited. The channel is nil if no monitor was running.
func (r *registry) stop(key domain.TaskKey) <-chan struct{} {
	r.mu.Lock()
	h, ok := r.monitors[key]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	h.cancel()
	return h.done
}

// count returns the number of running monitors.
func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.monitors)
}

// stopAll cancels every monitor and waits for all of them to exit.
func (r *registry) stopAll() {
	r.mu.Lock()
	for _, h := range r.monitors {
		h.cancel()
	}
	r.mu.Unlock()
	r.wg.Wait()
}
