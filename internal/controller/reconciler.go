package controller

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"time"

	"github.com/runoshun/crewd/internal/domain"
)

// Deps holds the collaborators of the controller.
// Fields are ordered to minimize memory padding.
type Deps struct {
	Tasks        domain.TaskStore
	Backend      domain.ExecutionBackend
	Workspace    domain.Workspace
	PullRequests domain.PullRequests
	Executor     domain.CommandExecutor
	Events       domain.EventPublisher
	Metrics      domain.Metrics
	Clock        domain.Clock
	Logger       domain.Logger
}

// Options holds controller settings.
// Fields are ordered to minimize memory padding.
type Options struct {
	Checks         []domain.CheckConfig
	BranchPrefix   string
	PollInterval   time.Duration
	ReconnectDelay time.Duration
	CheckTimeout   time.Duration
	Partitions     int
	Partition      int
	Draft          bool
}

// OptionsFromConfig builds Options from the engine configuration.
func OptionsFromConfig(cfg *domain.Config) Options {
	return Options{
		Checks:         cfg.Validation.Checks,
		BranchPrefix:   cfg.Publish.BranchPrefix,
		PollInterval:   cfg.Reconciler.PollInterval.Duration,
		ReconnectDelay: cfg.Reconciler.ReconnectDelay.Duration,
		CheckTimeout:   cfg.Validation.CheckTimeout.Duration,
		Partitions:     cfg.Reconciler.Partitions,
		Partition:      cfg.Reconciler.Partition,
		Draft:          cfg.Publish.Draft,
	}
}

// Reconciler watches task records and drives each task through its
// lifecycle by dispatching it and running its monitor.
type Reconciler struct {
	tasks    domain.TaskStore
	backend  domain.ExecutionBackend
	monitor  *Monitor
	writer   *statusWriter
	registry *registry
	clock    domain.Clock
	logger   domain.Logger
	metrics  domain.Metrics
	opts     Options
}

// NewReconciler creates a Reconciler with its monitor and gate.
func NewReconciler(deps Deps, opts Options) *Reconciler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = domain.DefaultPollInterval
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = domain.DefaultReconnectDelay
	}
	if opts.Partitions < 1 {
		opts.Partitions = 1
	}
	gate := NewGate(deps, opts)
	return &Reconciler{
		tasks:    deps.Tasks,
		backend:  deps.Backend,
		monitor:  NewMonitor(deps, gate, opts),
		writer:   newStatusWriter(deps),
		registry: newRegistry(deps.Metrics),
		clock:    deps.Clock,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		opts:     opts,
	}
}

// Run reconciles until ctx is cancelled. A failed watch stream is
// re-established after the reconnect delay, indefinitely. Every monitor
// has exited when Run returns.
func (r *Reconciler) Run(ctx context.Context) error {
	defer r.registry.stopAll()

	r.logger.Info(domain.TaskKey{}, "reconciler", fmt.Sprintf("started (partition %d/%d)", r.opts.Partition, r.opts.Partitions))
	for {
		err := r.session(ctx)
		if ctx.Err() != nil {
			r.logger.Info(domain.TaskKey{}, "reconciler", "stopped")
			return nil
		}
		r.metrics.WatchReconnected()
		delay := jitter(r.opts.ReconnectDelay)
		r.logger.Warn(domain.TaskKey{}, "reconciler", fmt.Sprintf("watch ended: %v; reconnecting in %s", err, delay.Round(time.Millisecond)))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.logger.Info(domain.TaskKey{}, "reconciler", "stopped")
			return nil
		case <-timer.C:
		}
	}
}

// session subscribes, reconciles the current state, then consumes events
// until the stream ends.
func (r *Reconciler) session(ctx context.Context) error {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	selector := domain.TaskFilter{Labels: map[string]string{domain.LabelMode: domain.ModeBackground}}
	events, err := r.tasks.Watch(wctx, selector)
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}

	selector.Phases = domain.ActivePhases()
	active, err := r.tasks.List(ctx, selector)
	if err != nil {
		return fmt.Errorf("list active tasks: %w", err)
	}
	for _, t := range active {
		if r.owns(t.Scope) {
			r.reconcile(ctx, t)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return domain.ErrWatchClosed
			}
			r.handle(ctx, ev)
		}
	}
}

func (r *Reconciler) handle(ctx context.Context, ev domain.TaskEvent) {
	if !r.owns(ev.Key.Scope) {
		return
	}
	switch ev.Type {
	case domain.EventDeleted:
		r.teardown(ctx, ev.Key)
	case domain.EventPut:
		if ev.Task != nil {
			r.reconcile(ctx, ev.Task)
		}
	}
}

// reconcile moves one task toward its desired state. It is idempotent.
func (r *Reconciler) reconcile(ctx context.Context, t *domain.Task) {
	key := t.Key()
	switch t.Status.Phase {
	case domain.PhasePending:
		if t.CancelRequested {
			r.cancelPending(ctx, key)
			return
		}
		r.dispatch(ctx, key)
	case domain.PhaseCreating, domain.PhaseRunning:
		r.startMonitor(ctx, key)
		if t.CancelRequested {
			r.registry.signalCancel(key)
		}
	}
}

// dispatch claims a Pending task with a Pending -> Creating write.
// Only one writer can win; the others observe a non-Pending phase and skip.
func (r *Reconciler) dispatch(ctx context.Context, key domain.TaskKey) {
	written, err := r.writer.update(ctx, key, func(s *domain.TaskStatus) error {
		if s.Phase != domain.PhasePending {
			return errSkip
		}
		s.Phase = domain.PhaseCreating
		s.Started = r.clock.Now()
		s.CurrentPhaseLabel = "creating"
		s.ProgressPercent = domain.ProgressInitializing
		return nil
	})
	switch {
	case err != nil:
		if !errors.Is(err, domain.ErrTaskNotFound) && !errors.Is(err, domain.ErrInvalidTransition) && ctx.Err() == nil {
			r.logger.Error(key, "reconciler", fmt.Sprintf("dispatch: %v", err))
		}
		return
	case written == nil:
		return
	}
	r.startMonitor(ctx, key)
}

func (r *Reconciler) cancelPending(ctx context.Context, key domain.TaskKey) {
	err := r.writer.finish(ctx, key, domain.PhaseStopped, "cancelled before dispatch", nil)
	if err != nil && !errors.Is(err, domain.ErrTaskNotFound) && !errors.Is(err, domain.ErrInvalidTransition) && ctx.Err() == nil {
		r.logger.Error(key, "reconciler", fmt.Sprintf("stop pending task: %v", err))
	}
}

func (r *Reconciler) startMonitor(ctx context.Context, key domain.TaskKey) {
	r.registry.start(ctx, key, func(mctx context.Context, cancelReq <-chan struct{}) {
		r.monitor.Run(mctx, key, cancelReq)
	})
}

// teardown stops the monitor of a deleted task and releases its unit.
func (r *Reconciler) teardown(ctx context.Context, key domain.TaskKey) {
	if done := r.registry.stop(key); done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
	}

	handle, found, err := r.backend.Lookup(ctx, key)
	if err != nil {
		r.logger.Warn(key, "reconciler", fmt.Sprintf("lookup unit of deleted task: %v", err))
		return
	}
	if !found {
		return
	}
	if err := r.backend.Terminate(ctx, handle, domain.ReasonCancelled); err != nil && !errors.Is(err, domain.ErrUnitNotFound) {
		r.logger.Warn(key, "reconciler", fmt.Sprintf("terminate unit: %v", err))
	}
	if err := r.backend.Cleanup(ctx, handle); err != nil && !errors.Is(err, domain.ErrUnitNotFound) {
		r.logger.Warn(key, "reconciler", fmt.Sprintf("cleanup unit: %v", err))
	}
	r.logger.Info(key, "reconciler", "task deleted, unit released")
}

// owns reports whether scope belongs to this instance's partition.
func (r *Reconciler) owns(scope string) bool {
	return Partition(scope, r.opts.Partitions) == r.opts.Partition
}

// ActiveMonitors returns the number of running monitors.
func (r *Reconciler) ActiveMonitors() int {
	return r.registry.count()
}

// Partition returns the partition index of scope among n partitions.
func Partition(scope string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(scope))
	return int(h.Sum32() % uint32(n))
}

// jitter spreads d by ±20%.
func jitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.8 + 0.4*rand.Float64()))
}
