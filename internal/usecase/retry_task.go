package usecase

import (
	"context"
	"fmt"

	"github.com/runoshun/crewd/internal/domain"
)

// RetryTaskInput contains the parameters for retrying a task.
type RetryTaskInput struct {
	Scope   string // Project namespace
	Name    string // Task to retry
	Creator string // Requesting user (optional, defaults to the original creator)
	NewName string // Name of the new task (optional, generated when empty)
}

// RetryTaskOutput contains the result of retrying a task.
type RetryTaskOutput struct {
	Task *domain.Task // The new task
}

// RetryTask is the use case for retrying a Failed or Timeout task.
// The original task is never modified; the retry is a new Pending task
// admitted under the same per-creator limit.
type RetryTask struct {
	tasks domain.TaskStore
	admit *AdmitTask
	clock domain.Clock
}

// NewRetryTask creates a new RetryTask use case.
func NewRetryTask(tasks domain.TaskStore, admit *AdmitTask, clock domain.Clock) *RetryTask {
	return &RetryTask{
		tasks: tasks,
		admit: admit,
		clock: clock,
	}
}

// Execute creates the retry.
// The new task copies: repository, instructions, deadline, template reference.
// It does NOT copy: status, labels other than the template, cancel flag.
// Template usage is not counted again.
func (uc *RetryTask) Execute(ctx context.Context, in RetryTaskInput) (*RetryTaskOutput, error) {
	// Get the original
	orig, err := uc.tasks.Get(ctx, domain.TaskKey{Scope: in.Scope, Name: in.Name})
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	if !orig.Status.Phase.IsRetryable() {
		return nil, fmt.Errorf("task %s is %s: %w", orig.Key(), orig.Status.Phase, domain.ErrTaskNotRetryable)
	}

	creator := in.Creator
	if creator == "" {
		creator = orig.Creator
	}
	if err := domain.ValidateName(creator); err != nil {
		return nil, fmt.Errorf("creator: %w", err)
	}
	if err := uc.admit.checkRate(ctx, orig.Scope, creator); err != nil {
		return nil, err
	}

	name := in.NewName
	if name == "" {
		name = domain.TaskNameFromID(uc.admit.newID())
	}
	if err := domain.ValidateName(name); err != nil {
		return nil, fmt.Errorf("task name: %w", err)
	}

	labels := map[string]string{
		domain.LabelMode:    domain.ModeBackground,
		domain.LabelCreator: creator,
		domain.LabelRetryOf: orig.Name,
	}
	if tpl, ok := orig.Labels[domain.LabelTemplate]; ok {
		labels[domain.LabelTemplate] = tpl
	}

	task := &domain.Task{
		Created:         uc.clock.Now(),
		Labels:          labels,
		Repository:      orig.Repository,
		Scope:           orig.Scope,
		Name:            name,
		Instructions:    orig.Instructions,
		TemplateRef:     orig.TemplateRef,
		Creator:         creator,
		RetryOf:         orig.Name,
		DeadlineSeconds: orig.DeadlineSeconds,
		Status: domain.TaskStatus{
			Phase:             domain.PhasePending,
			CurrentPhaseLabel: "queued",
			RetryCount:        orig.Status.RetryCount + 1,
		},
	}

	created, err := uc.admit.admit(ctx, task)
	if err != nil {
		return nil, err
	}
	return &RetryTaskOutput{Task: created}, nil
}
