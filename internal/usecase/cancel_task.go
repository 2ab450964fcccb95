package usecase

import (
	"context"
	"fmt"

	"github.com/runoshun/crewd/internal/domain"
)

// CancelTaskInput contains the parameters for cancelling a task.
type CancelTaskInput struct {
	Scope string
	Name  string
}

// CancelTaskOutput contains the result of cancelling a task.
type CancelTaskOutput struct {
	Task *domain.Task
}

// CancelTask is the use case for requesting cancellation of a task.
// It only records the request; the reconciler stops the execution unit
// and writes the Stopped phase.
type CancelTask struct {
	tasks  domain.TaskStore
	logger domain.Logger
}

// NewCancelTask creates a new CancelTask use case.
func NewCancelTask(tasks domain.TaskStore, logger domain.Logger) *CancelTask {
	return &CancelTask{
		tasks:  tasks,
		logger: logger,
	}
}

// Execute sets the cancel flag. Cancelling twice is a no-op.
// Returns ErrTaskTerminal if the task already finished.
func (uc *CancelTask) Execute(ctx context.Context, in CancelTaskInput) (*CancelTaskOutput, error) {
	key := domain.TaskKey{Scope: in.Scope, Name: in.Name}
	task, err := uc.tasks.UpdateSpec(ctx, key, func(t *domain.Task) error {
		if t.Status.Phase.IsTerminal() {
			return fmt.Errorf("task %s is %s: %w", key, t.Status.Phase, domain.ErrTaskTerminal)
		}
		t.CancelRequested = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	uc.logger.Info(key, "task", "cancel requested")
	return &CancelTaskOutput{Task: task}, nil
}
