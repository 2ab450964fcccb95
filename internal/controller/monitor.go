package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/runoshun/crewd/internal/domain"
)

// Monitor supervises the execution unit of one task.
// It is the only writer of a task's status while it runs.
type Monitor struct {
	tasks        domain.TaskStore
	backend      domain.ExecutionBackend
	writer       *statusWriter
	gate         *Gate
	clock        domain.Clock
	logger       domain.Logger
	branchPrefix string
	pollInterval time.Duration
}

// NewMonitor creates a Monitor.
func NewMonitor(deps Deps, gate *Gate, opts Options) *Monitor {
	return &Monitor{
		tasks:        deps.Tasks,
		backend:      deps.Backend,
		writer:       newStatusWriter(deps),
		gate:         gate,
		clock:        deps.Clock,
		logger:       deps.Logger,
		branchPrefix: opts.BranchPrefix,
		pollInterval: opts.PollInterval,
	}
}

// Run supervises the task until its unit reaches a terminal state, the
// task disappears, or ctx is cancelled. Closing cancelReq asks the
// monitor to terminate the unit and mark the task Stopped.
func (m *Monitor) Run(ctx context.Context, key domain.TaskKey, cancelReq <-chan struct{}) {
	task, err := m.tasks.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, domain.ErrTaskNotFound) && ctx.Err() == nil {
			m.logger.Warn(key, "monitor", fmt.Sprintf("get task: %v", err))
		}
		return
	}
	if task.Status.Phase.IsTerminal() {
		return
	}

	handle, ok := m.attach(ctx, task)
	if !ok {
		return
	}
	m.logger.Debug(key, "monitor", fmt.Sprintf("supervising unit %s", handle))

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	cancelled := false
	for {
		if m.poll(ctx, key, handle, cancelled) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-cancelReq:
			cancelled = true
			cancelReq = nil
		case <-ticker.C:
		}
	}
}

// attach finds the task's unit or spawns one, records ownership, and
// moves a Creating task to Running.
func (m *Monitor) attach(ctx context.Context, task *domain.Task) (domain.UnitHandle, bool) {
	key := task.Key()
	handle, found, err := m.backend.Lookup(ctx, key)
	if err != nil {
		m.logger.Error(key, "monitor", fmt.Sprintf("lookup unit: %v", err))
		return "", false
	}

	if !found {
		switch {
		case task.Status.Phase == domain.PhaseRunning:
			m.terminal(ctx, key, domain.PhaseFailed, "execution unit lost", nil)
			return "", false
		case task.CancelRequested:
			m.terminal(ctx, key, domain.PhaseStopped, "cancelled before start", nil)
			return "", false
		}
		handle, err = m.backend.Spawn(ctx, domain.UnitSpec{
			Owner:        key,
			Repository:   task.Repository,
			Instructions: task.Instructions,
			Branch:       domain.BranchName(m.branchPrefix, key),
			Deadline:     task.Deadline(),
		})
		if err != nil {
			m.terminal(ctx, key, domain.PhaseFailed, fmt.Sprintf("start failed: %v", err), nil)
			return "", false
		}
		m.logger.Info(key, "monitor", fmt.Sprintf("spawned unit %s", handle))
	}

	if err := m.tasks.SaveUnit(ctx, domain.ExecutionUnitRecord{
		Created: m.clock.Now(),
		Owner:   key,
		Handle:  handle,
	}); err != nil {
		if errors.Is(err, domain.ErrTaskNotFound) {
			m.logger.Info(key, "monitor", "task deleted before unit was recorded")
			m.teardown(ctx, key, handle)
			return "", false
		}
		m.logger.Warn(key, "monitor", fmt.Sprintf("record unit: %v", err))
	}

	if task.Status.Phase == domain.PhaseCreating {
		_, err := m.writer.update(ctx, key, func(s *domain.TaskStatus) error {
			if s.Phase != domain.PhaseCreating {
				return errSkip
			}
			s.Phase = domain.PhaseRunning
			s.UnitName = string(handle)
			s.CurrentPhaseLabel = "starting"
			return nil
		})
		if err != nil {
			if errors.Is(err, domain.ErrTaskNotFound) {
				m.teardown(ctx, key, handle)
			} else if ctx.Err() == nil {
				m.logger.Error(key, "monitor", fmt.Sprintf("mark running: %v", err))
			}
			return "", false
		}
	}
	return handle, true
}

// poll observes the task and its unit once. It returns true when the
// monitor should exit.
func (m *Monitor) poll(ctx context.Context, key domain.TaskKey, handle domain.UnitHandle, cancelled bool) bool {
	task, err := m.tasks.Get(ctx, key)
	if err != nil {
		if errors.Is(err, domain.ErrTaskNotFound) {
			m.logger.Info(key, "monitor", "task deleted, monitor exiting")
			return true
		}
		if ctx.Err() == nil {
			m.logger.Warn(key, "monitor", fmt.Sprintf("get task: %v", err))
		}
		return ctx.Err() != nil
	}
	if task.Status.Phase.IsTerminal() {
		return true
	}

	if cancelled || task.CancelRequested {
		m.stop(ctx, task, handle, domain.ReasonCancelled)
		return true
	}

	st, err := m.backend.Status(ctx, handle)
	switch {
	case errors.Is(err, domain.ErrUnitNotFound):
		m.terminal(ctx, key, domain.PhaseFailed, "execution unit lost", nil)
		return true
	case err == nil && st.State.IsTerminal():
		m.complete(ctx, task, handle, st)
		return true
	}

	if m.deadlineExceeded(task) {
		m.stop(ctx, task, handle, domain.ReasonDeadlineExceeded)
		return true
	}
	if err != nil {
		m.logger.Warn(key, "monitor", fmt.Sprintf("unit status: %v", err))
		return false
	}

	if err := m.report(ctx, task, st); errors.Is(err, domain.ErrTaskNotFound) {
		return true
	}
	return false
}

func (m *Monitor) deadlineExceeded(task *domain.Task) bool {
	if task.Status.Started.IsZero() || task.Deadline() <= 0 {
		return false
	}
	return m.clock.Now().Sub(task.Status.Started) >= task.Deadline()
}

// stop terminates the unit for reason and records the matching phase.
func (m *Monitor) stop(ctx context.Context, task *domain.Task, handle domain.UnitHandle, reason domain.TerminationReason) {
	key := task.Key()
	if err := m.backend.Terminate(ctx, handle, reason); err != nil && !errors.Is(err, domain.ErrUnitNotFound) {
		m.logger.Warn(key, "monitor", fmt.Sprintf("terminate unit: %v", err))
	}

	phase, detail := domain.PhaseStopped, "cancelled by request"
	if reason == domain.ReasonDeadlineExceeded {
		phase = domain.PhaseTimeout
		detail = fmt.Sprintf("deadline of %ds exceeded", task.DeadlineSeconds)
	}
	tail := ""
	if st, err := m.backend.Status(ctx, handle); err == nil {
		tail = st.LogTail
	}
	m.terminal(ctx, key, phase, detail, func(s *domain.TaskStatus) {
		if tail != "" {
			s.LogTail = tail
		}
	})
	m.cleanup(ctx, key, handle)
}

// complete records the outcome of a unit that reached a terminal state.
func (m *Monitor) complete(ctx context.Context, task *domain.Task, handle domain.UnitHandle, st domain.UnitStatus) {
	key := task.Key()
	defer m.cleanup(ctx, key, handle)

	withTail := func(s *domain.TaskStatus) {
		if st.LogTail != "" {
			s.LogTail = st.LogTail
		}
	}

	switch st.Outcome() {
	case domain.PhaseRunning:
		if st.Workspace == "" {
			m.terminal(ctx, key, domain.PhaseFailed, "unit succeeded without a workspace", withTail)
			return
		}
		if err := m.report(ctx, task, domain.UnitStatus{
			Progress: domain.ProgressChangesGenerated,
			Label:    "validating",
			LogTail:  st.LogTail,
		}); err != nil {
			if !errors.Is(err, domain.ErrTaskNotFound) && ctx.Err() == nil {
				m.logger.Error(key, "monitor", fmt.Sprintf("report progress: %v", err))
			}
			return
		}
		if err := m.gate.Run(ctx, task, st, m.progressFunc(ctx, task)); err != nil && !errors.Is(err, domain.ErrTaskNotFound) {
			m.logger.Error(key, "gate", err.Error())
		}
	case domain.PhaseTimeout:
		m.terminal(ctx, key, domain.PhaseTimeout, unitDetail(st, fmt.Sprintf("deadline of %ds exceeded", task.DeadlineSeconds)), withTail)
	case domain.PhaseStopped:
		m.terminal(ctx, key, domain.PhaseStopped, unitDetail(st, "cancelled"), withTail)
	default:
		m.terminal(ctx, key, domain.PhaseFailed, unitDetail(st, fmt.Sprintf("agent exited with code %d", st.ExitCode)), withTail)
	}
}

func unitDetail(st domain.UnitStatus, fallback string) string {
	if st.ExitDetail != "" {
		return st.ExitDetail
	}
	return fallback
}

// report writes non-terminal progress. Progress never decreases and
// stays below the validation milestone until the gate reports it.
func (m *Monitor) report(ctx context.Context, task *domain.Task, st domain.UnitStatus) error {
	_, err := m.writer.update(ctx, task.Key(), func(s *domain.TaskStatus) error {
		changed := false
		if p := min(st.Progress, domain.ProgressChangesGenerated); p > s.ProgressPercent {
			s.ProgressPercent = p
			changed = true
		}
		if st.Label != "" && st.Label != s.CurrentPhaseLabel {
			s.CurrentPhaseLabel = st.Label
			changed = true
		}
		if st.LogTail != "" && st.LogTail != s.LogTail {
			s.LogTail = st.LogTail
			changed = true
		}
		if !changed {
			return errSkip
		}
		return nil
	})
	return err
}

func (m *Monitor) progressFunc(ctx context.Context, task *domain.Task) ProgressFunc {
	return func(percent int, label string) {
		_, err := m.writer.update(ctx, task.Key(), func(s *domain.TaskStatus) error {
			if percent <= s.ProgressPercent && label == s.CurrentPhaseLabel {
				return errSkip
			}
			s.ProgressPercent = max(s.ProgressPercent, percent)
			s.CurrentPhaseLabel = label
			return nil
		})
		if err != nil && !errors.Is(err, domain.ErrTaskNotFound) {
			m.logger.Warn(task.Key(), "gate", fmt.Sprintf("report progress: %v", err))
		}
	}
}

// terminal writes a terminal phase. A missing task is not an error.
func (m *Monitor) terminal(ctx context.Context, key domain.TaskKey, phase domain.Phase, detail string, extra func(*domain.TaskStatus)) {
	err := m.writer.finish(ctx, key, phase, detail, extra)
	switch {
	case err == nil, errors.Is(err, domain.ErrTaskNotFound):
	case errors.Is(err, domain.ErrInvalidTransition):
		m.logger.Debug(key, "monitor", fmt.Sprintf("%s not written: %v", phase, err))
	default:
		if ctx.Err() == nil {
			m.logger.Error(key, "monitor", fmt.Sprintf("write %s: %v", phase, err))
		}
	}
}

func (m *Monitor) cleanup(ctx context.Context, key domain.TaskKey, handle domain.UnitHandle) {
	if err := m.backend.Cleanup(ctx, handle); err != nil && !errors.Is(err, domain.ErrUnitNotFound) {
		m.logger.Warn(key, "monitor", fmt.Sprintf("cleanup unit: %v", err))
	}
}

// teardown stops and releases a unit whose task no longer exists.
func (m *Monitor) teardown(ctx context.Context, key domain.TaskKey, handle domain.UnitHandle) {
	if err := m.backend.Terminate(ctx, handle, domain.ReasonCancelled); err != nil && !errors.Is(err, domain.ErrUnitNotFound) {
		m.logger.Warn(key, "monitor", fmt.Sprintf("terminate unit: %v", err))
	}
	m.cleanup(ctx, key, handle)
}
