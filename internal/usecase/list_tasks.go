package usecase

import (
	"context"
	"fmt"
	"slices"

	"github.com/runoshun/crewd/internal/domain"
)

// ListTasksInput contains the parameters for listing tasks.
// Fields are ordered to minimize memory padding.
type ListTasksInput struct {
	Phases  []domain.Phase // Filter by phase (OR, empty = all)
	Scope   string         // Project namespace (empty = all)
	Creator string         // Filter by creator (optional)
	Limit   int            // Keep only the most recent N (0 = all)
}

// ListTasksOutput contains the result of listing tasks.
type ListTasksOutput struct {
	Tasks []*domain.Task
}

// ListTasks is the use case for listing tasks.
type ListTasks struct {
	tasks domain.TaskStore
}

// NewListTasks creates a new ListTasks use case.
func NewListTasks(tasks domain.TaskStore) *ListTasks {
	return &ListTasks{tasks: tasks}
}

// Execute returns tasks sorted by creation time, oldest first.
func (uc *ListTasks) Execute(ctx context.Context, in ListTasksInput) (*ListTasksOutput, error) {
	for _, p := range in.Phases {
		if !p.IsValid() {
			return nil, fmt.Errorf("%q: %w", p, domain.ErrInvalidPhase)
		}
	}

	filter := domain.TaskFilter{
		Scope:  in.Scope,
		Phases: in.Phases,
		Labels: map[string]string{domain.LabelMode: domain.ModeBackground},
	}
	if in.Creator != "" {
		filter.Labels[domain.LabelCreator] = in.Creator
	}

	tasks, err := uc.tasks.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	slices.SortStableFunc(tasks, func(a, b *domain.Task) int {
		return a.Created.Compare(b.Created)
	})
	if in.Limit > 0 && len(tasks) > in.Limit {
		tasks = tasks[len(tasks)-in.Limit:]
	}
	return &ListTasksOutput{Tasks: tasks}, nil
}
