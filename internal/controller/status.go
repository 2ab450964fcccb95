// Package controller drives admitted tasks through their lifecycle.
package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/runoshun/crewd/internal/domain"
	"github.com/runoshun/crewd/internal/retry"
)

// Status write retry defaults.
const (
	defaultWriteAttempts  = 5
	defaultWriteBaseDelay = 200 * time.Millisecond
)

// statusWriter is the single path through which the controller writes
// task status. Transient store errors are retried; a missing task is
// reported as domain.ErrTaskNotFound and treated as benign by callers.
type statusWriter struct {
	tasks   domain.TaskStore
	events  domain.EventPublisher
	metrics domain.Metrics
	clock   domain.Clock
	logger  domain.Logger
	retry   retry.Config
}

func newStatusWriter(deps Deps) *statusWriter {
	return &statusWriter{
		tasks:   deps.Tasks,
		events:  deps.Events,
		metrics: deps.Metrics,
		clock:   deps.Clock,
		logger:  deps.Logger,
		retry: retry.Config{
			MaxAttempts: defaultWriteAttempts,
			BaseDelay:   defaultWriteBaseDelay,
			RetryIf:     isTransient,
		},
	}
}

// isTransient reports whether a store error may succeed on another attempt.
func isTransient(err error) bool {
	switch {
	case errors.Is(err, domain.ErrTaskNotFound),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrInvalidProgress),
		errors.Is(err, domain.ErrArtifactWithoutCompletion),
		errors.Is(err, errSkip),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// errSkip is returned by a mutate function to abandon a write without error.
var errSkip = errors.New("skip status write")

// update applies mutate through TaskStore.UpdateStatus.
// It returns the written task, or (nil, nil) when mutate returned errSkip.
func (w *statusWriter) update(ctx context.Context, key domain.TaskKey, mutate func(*domain.TaskStatus) error) (*domain.Task, error) {
	var prev domain.Phase
	var written *domain.Task
	cfg := w.retry
	cfg.OnRetry = func(attempt int, err error) {
		w.logger.Warn(key, "store", fmt.Sprintf("status write attempt %d failed: %v", attempt, err))
	}
	err := retry.Do(ctx, cfg, func() error {
		t, err := w.tasks.UpdateStatus(ctx, key, func(s *domain.TaskStatus) error {
			prev = s.Phase
			return mutate(s)
		})
		if err != nil {
			return err
		}
		written = t
		return nil
	})
	if errors.Is(err, errSkip) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if written.Status.Phase != prev {
		w.phaseChanged(ctx, written)
	}
	return written, nil
}

// finish performs a terminal status write.
func (w *statusWriter) finish(ctx context.Context, key domain.TaskKey, phase domain.Phase, detail string, extra func(*domain.TaskStatus)) error {
	_, err := w.update(ctx, key, func(s *domain.TaskStatus) error {
		s.Phase = phase
		s.Finished = w.clock.Now()
		s.CurrentPhaseLabel = strings.ToLower(string(phase))
		s.ProgressPercent = domain.ProgressPublished
		if phase != domain.PhaseCompleted {
			s.ErrorDetail = detail
		}
		if extra != nil {
			extra(s)
		}
		return nil
	})
	return err
}

func (w *statusWriter) phaseChanged(ctx context.Context, t *domain.Task) {
	w.metrics.PhaseChanged(t.Status.Phase)
	msg := fmt.Sprintf("phase %s", t.Status.Phase)
	if t.Status.ErrorDetail != "" {
		msg += ": " + firstLine(t.Status.ErrorDetail)
	}
	w.logger.Info(t.Key(), "task", msg)
	if err := w.events.Publish(ctx, domain.LifecycleEvent{
		Time:    w.clock.Now(),
		Type:    domain.EventTaskPhase,
		Scope:   t.Scope,
		Name:    t.Name,
		Creator: t.Creator,
		Phase:   t.Status.Phase,
		Detail:  firstLine(t.Status.ErrorDetail),
	}); err != nil {
		w.logger.Warn(t.Key(), "events", fmt.Sprintf("publish phase event: %v", err))
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
