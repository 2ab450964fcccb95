package usecase

import (
	"context"
	"fmt"

	"github.com/runoshun/crewd/internal/domain"
)

// DeleteTaskInput contains the parameters for deleting a task.
type DeleteTaskInput struct {
	Scope string
	Name  string
}

// DeleteTaskOutput contains the result of deleting a task.
// Currently empty, but reserved for future extensions.
type DeleteTaskOutput struct{}

// DeleteTask is the use case for deleting a task.
// The store removes the execution unit record with the task; the
// reconciler observes the deletion and tears the unit down.
type DeleteTask struct {
	tasks  domain.TaskStore
	events domain.EventPublisher
	clock  domain.Clock
	logger domain.Logger
}

// NewDeleteTask creates a new DeleteTask use case.
func NewDeleteTask(tasks domain.TaskStore, events domain.EventPublisher, clock domain.Clock, logger domain.Logger) *DeleteTask {
	return &DeleteTask{
		tasks:  tasks,
		events: events,
		clock:  clock,
		logger: logger,
	}
}

// Execute deletes the task.
func (uc *DeleteTask) Execute(ctx context.Context, in DeleteTaskInput) (*DeleteTaskOutput, error) {
	key := domain.TaskKey{Scope: in.Scope, Name: in.Name}
	if err := uc.tasks.Delete(ctx, key); err != nil {
		return nil, fmt.Errorf("delete task %s: %w", key, err)
	}

	uc.logger.Info(key, "task", "deleted")
	if err := uc.events.Publish(ctx, domain.LifecycleEvent{
		Time:  uc.clock.Now(),
		Type:  domain.EventTaskDeleted,
		Scope: key.Scope,
		Name:  key.Name,
	}); err != nil {
		uc.logger.Warn(key, "events", fmt.Sprintf("publish deleted event: %v", err))
	}
	return &DeleteTaskOutput{}, nil
}
