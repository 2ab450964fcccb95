package usecase

import (
	"context"
	"errors"
	"fmt"

	"github.com/runoshun/crewd/internal/domain"
)

// ShowTaskInput contains the parameters for showing a task.
type ShowTaskInput struct {
	Scope string
	Name  string
}

// ShowTaskOutput contains the task and its execution unit record.
type ShowTaskOutput struct {
	Task *domain.Task
	Unit *domain.ExecutionUnitRecord // nil until the unit was spawned
}

// ShowTask is the use case for displaying task details.
type ShowTask struct {
	tasks domain.TaskStore
}

// NewShowTask creates a new ShowTask use case.
func NewShowTask(tasks domain.TaskStore) *ShowTask {
	return &ShowTask{tasks: tasks}
}

// Execute retrieves the task.
func (uc *ShowTask) Execute(ctx context.Context, in ShowTaskInput) (*ShowTaskOutput, error) {
	key := domain.TaskKey{Scope: in.Scope, Name: in.Name}
	task, err := uc.tasks.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}

	unit, err := uc.tasks.GetUnit(ctx, key)
	if err != nil && !errors.Is(err, domain.ErrUnitNotFound) {
		return nil, fmt.Errorf("get unit: %w", err)
	}
	return &ShowTaskOutput{Task: task, Unit: unit}, nil
}
