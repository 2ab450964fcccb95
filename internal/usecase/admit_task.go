// Package usecase contains application use cases.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/runoshun/crewd/internal/domain"
)

// AdmitTaskInput contains the parameters for submitting a new task.
// Fields are ordered to minimize memory padding.
type AdmitTaskInput struct {
	Params          map[string]string // Template parameters (templated tasks only)
	Repository      domain.Repository // Target repository (required)
	Scope           string            // Project namespace (required)
	Creator         string            // Requesting user (required)
	Name            string            // Task name (optional, generated when empty)
	Instructions    string            // Free-text instructions (required unless TemplateRef is set)
	TemplateRef     string            // Template to derive instructions from (optional)
	DeadlineSeconds int               // Hard limit (0 = configured default)
}

// AdmitTaskOutput contains the admitted task.
type AdmitTaskOutput struct {
	Task *domain.Task
}

// AdmitTask is the admission controller: it validates a request against
// static and per-creator constraints and persists the task in Pending.
type AdmitTask struct {
	tasks     domain.TaskStore
	templates domain.TemplateStore
	limiter   domain.RateLimiter
	events    domain.EventPublisher
	metrics   domain.Metrics
	clock     domain.Clock
	logger    domain.Logger
	newID     func() string
	limits    domain.AdmissionConfig
}

// NewAdmitTask creates a new AdmitTask use case.
// limiter may be nil to disable submission rate limiting.
func NewAdmitTask(
	tasks domain.TaskStore,
	templates domain.TemplateStore,
	limiter domain.RateLimiter,
	events domain.EventPublisher,
	metrics domain.Metrics,
	clock domain.Clock,
	logger domain.Logger,
	limits domain.AdmissionConfig,
) *AdmitTask {
	return &AdmitTask{
		tasks:     tasks,
		templates: templates,
		limiter:   limiter,
		events:    events,
		metrics:   metrics,
		clock:     clock,
		logger:    logger,
		newID:     uuid.NewString,
		limits:    limits,
	}
}

// Execute admits a new task.
func (uc *AdmitTask) Execute(ctx context.Context, in AdmitTaskInput) (*AdmitTaskOutput, error) {
	if err := domain.ValidateName(in.Scope); err != nil {
		return nil, fmt.Errorf("scope: %w", err)
	}
	if err := domain.ValidateName(in.Creator); err != nil {
		return nil, fmt.Errorf("creator: %w", err)
	}
	if err := uc.checkRate(ctx, in.Scope, in.Creator); err != nil {
		return nil, err
	}

	repo, err := normalizeRepository(in.Repository)
	if err != nil {
		return nil, uc.reject("invalid", err)
	}
	deadline, err := uc.resolveDeadline(in.DeadlineSeconds)
	if err != nil {
		return nil, uc.reject("invalid", err)
	}

	instructions := in.Instructions
	if in.TemplateRef != "" {
		if strings.TrimSpace(in.Instructions) != "" {
			return nil, uc.reject("invalid", domain.InvalidRequestf("instructions and templateRef are mutually exclusive"))
		}
		tpl, err := uc.templates.GetTemplate(ctx, in.Scope, in.TemplateRef)
		if err != nil {
			if errors.Is(err, domain.ErrTemplateNotFound) {
				return nil, uc.reject("template", fmt.Errorf("template %q: %w", in.TemplateRef, err))
			}
			return nil, fmt.Errorf("get template: %w", err)
		}
		instructions, err = domain.Instantiate(tpl, in.Params)
		if err != nil {
			return nil, uc.reject("template", err)
		}
	}
	if err := uc.checkInstructions(instructions); err != nil {
		return nil, uc.reject("invalid", err)
	}

	name := in.Name
	if name == "" {
		name = domain.TaskNameFromID(uc.newID())
	}
	if err := domain.ValidateName(name); err != nil {
		return nil, uc.reject("invalid", fmt.Errorf("task name: %w", err))
	}

	labels := map[string]string{
		domain.LabelMode:    domain.ModeBackground,
		domain.LabelCreator: in.Creator,
	}
	if in.TemplateRef != "" {
		labels[domain.LabelTemplate] = in.TemplateRef
	}

	task := &domain.Task{
		Created:         uc.clock.Now(),
		Labels:          labels,
		Repository:      repo,
		Scope:           in.Scope,
		Name:            name,
		Instructions:    instructions,
		TemplateRef:     in.TemplateRef,
		Creator:         in.Creator,
		DeadlineSeconds: deadline,
		Status: domain.TaskStatus{
			Phase:             domain.PhasePending,
			CurrentPhaseLabel: "queued",
		},
	}

	created, err := uc.admit(ctx, task)
	if err != nil {
		return nil, err
	}

	if in.TemplateRef != "" {
		if _, err := uc.templates.RecordTemplateUse(ctx, in.Scope, in.TemplateRef, created.Created); err != nil {
			uc.logger.Warn(created.Key(), "admission", fmt.Sprintf("record template use: %v", err))
		}
	}

	return &AdmitTaskOutput{Task: created}, nil
}

// admit enforces the per-creator limit and persists task.
// The list check gives a fast, descriptive rejection; the slot condition
// on Create is what makes the check-and-create atomic.
func (uc *AdmitTask) admit(ctx context.Context, task *domain.Task) (*domain.Task, error) {
	active, err := uc.tasks.List(ctx, domain.CreatorFilter(task.Scope, task.Creator))
	if err != nil {
		return nil, fmt.Errorf("list active tasks: %w", err)
	}
	if len(active) > 0 {
		return nil, uc.reject("concurrency", &domain.ConcurrencyLimitExceededError{
			Scope:    task.Scope,
			Creator:  task.Creator,
			Blocking: active[0].Name,
		})
	}

	created, err := uc.tasks.Create(ctx, task, domain.CreateConditions{
		ActiveSlot: domain.SlotKey(task.Scope, task.Creator),
	})
	if err != nil {
		var conflict *domain.ConflictError
		if errors.As(err, &conflict) {
			return nil, uc.reject("concurrency", &domain.ConcurrencyLimitExceededError{
				Scope:    task.Scope,
				Creator:  task.Creator,
				Blocking: conflict.Holder,
			})
		}
		if errors.Is(err, domain.ErrTaskExists) {
			return nil, uc.reject("exists", fmt.Errorf("task %s: %w", task.Key(), err))
		}
		return nil, fmt.Errorf("create task: %w", err)
	}

	uc.metrics.TaskAdmitted(created.Scope)
	uc.logger.Info(created.Key(), "admission", fmt.Sprintf("admitted for %s (deadline %ds)", created.Creator, created.DeadlineSeconds))
	if err := uc.events.Publish(ctx, domain.LifecycleEvent{
		Time:    created.Created,
		Type:    domain.EventTaskAdmitted,
		Scope:   created.Scope,
		Name:    created.Name,
		Creator: created.Creator,
		Phase:   created.Status.Phase,
	}); err != nil {
		uc.logger.Warn(created.Key(), "events", fmt.Sprintf("publish admitted event: %v", err))
	}
	return created, nil
}

// checkRate applies the optional submission rate limit. A limiter outage
// does not block admission; the per-creator slot still bounds the load.
func (uc *AdmitTask) checkRate(ctx context.Context, scope, creator string) error {
	if uc.limiter == nil {
		return nil
	}
	ok, err := uc.limiter.Allow(ctx, domain.SlotKey(scope, creator))
	if err != nil {
		uc.logger.Warn(domain.TaskKey{}, "admission", fmt.Sprintf("rate limiter unavailable: %v", err))
		return nil
	}
	if !ok {
		return uc.reject("rate_limited", domain.ErrRateLimited)
	}
	return nil
}

func (uc *AdmitTask) resolveDeadline(seconds int) (int, error) {
	if seconds == 0 {
		return uc.limits.DefaultDeadlineSeconds, nil
	}
	if seconds < 1 || seconds > uc.limits.MaxDeadlineSeconds {
		return 0, domain.InvalidRequestf("deadlineSeconds must be in 1..%d, got %d", uc.limits.MaxDeadlineSeconds, seconds)
	}
	return seconds, nil
}

func (uc *AdmitTask) checkInstructions(instructions string) error {
	if strings.TrimSpace(instructions) == "" {
		return domain.InvalidRequestf("instructions must not be empty")
	}
	if len(instructions) > uc.limits.MaxInstructionBytes {
		return domain.InvalidRequestf("instructions exceed %d bytes", uc.limits.MaxInstructionBytes)
	}
	return nil
}

func (uc *AdmitTask) reject(reason string, err error) error {
	uc.metrics.AdmissionRejected(reason)
	return err
}

func normalizeRepository(repo domain.Repository) (domain.Repository, error) {
	repo.URL = strings.TrimSpace(repo.URL)
	repo.Branch = strings.TrimSpace(repo.Branch)
	if repo.URL == "" {
		return repo, domain.InvalidRequestf("exactly one target repository is required")
	}
	if strings.ContainsAny(repo.URL, " \t\n,") {
		return repo, domain.InvalidRequestf("repository URL %q must name a single repository", repo.URL)
	}
	if repo.Branch == "" {
		repo.Branch = domain.DefaultRepositoryBranch
	}
	return repo, nil
}
