package domain

import (
	"context"
	"io"
	"time"
)

// TaskStore is the watchable, strongly consistent Task Record Store.
// Status and spec are updated through separate paths.
type TaskStore interface {
	// Create persists a new task. The task's ActiveSlot condition is checked
	// and claimed atomically with the write.
	// Returns ErrTaskExists or *ConflictError.
	Create(ctx context.Context, task *Task, cond CreateConditions) (*Task, error)

	// Get retrieves a task. Returns ErrTaskNotFound if it does not exist.
	Get(ctx context.Context, key TaskKey) (*Task, error)

	// List retrieves tasks matching the filter.
	List(ctx context.Context, filter TaskFilter) ([]*Task, error)

	// UpdateStatus applies mutate to the current status and writes it back
	// with compare-and-swap, retrying on revision conflicts.
	// The change must satisfy ValidateStatusChange.
	// Returns ErrTaskNotFound if the task was deleted.
	UpdateStatus(ctx context.Context, key TaskKey, mutate func(*TaskStatus) error) (*Task, error)

	// UpdateSpec applies mutate to the client-owned fields of a task.
	// Changes to identity and status made by mutate are discarded.
	UpdateSpec(ctx context.Context, key TaskKey, mutate func(*Task) error) (*Task, error)

	// Watch streams changes to tasks matching the filter.
	// The channel is closed when the stream fails or ctx is done.
	Watch(ctx context.Context, filter TaskFilter) (<-chan TaskEvent, error)

	// Delete removes a task together with its owned records.
	Delete(ctx context.Context, key TaskKey) error

	// SaveUnit records the execution unit owned by a task.
	// Returns ErrTaskNotFound if the owner does not exist.
	SaveUnit(ctx context.Context, rec ExecutionUnitRecord) error

	// GetUnit retrieves the execution unit record of a task.
	// Returns ErrUnitNotFound if none was recorded.
	GetUnit(ctx context.Context, key TaskKey) (*ExecutionUnitRecord, error)
}

// TemplateStore manages TaskTemplates.
type TemplateStore interface {
	// CreateTemplate stores a new template. Returns ErrTemplateExists.
	CreateTemplate(ctx context.Context, tpl *TaskTemplate) error

	// GetTemplate retrieves a template. Returns ErrTemplateNotFound.
	GetTemplate(ctx context.Context, scope, name string) (*TaskTemplate, error)

	// ListTemplates returns the templates of a scope sorted by name.
	// An empty scope lists every scope.
	ListTemplates(ctx context.Context, scope string) ([]*TaskTemplate, error)

	// RecordTemplateUse increments the usage count and sets the last use time.
	RecordTemplateUse(ctx context.Context, scope, name string, at time.Time) (*TaskTemplate, error)

	// DeleteTemplate removes a template. Returns ErrTemplateNotFound.
	DeleteTemplate(ctx context.Context, scope, name string) error
}

// ExecutionBackend runs execution units.
type ExecutionBackend interface {
	// Spawn starts a unit for the spec and returns its handle.
	Spawn(ctx context.Context, spec UnitSpec) (UnitHandle, error)

	// Lookup returns the handle of an existing unit owned by the task.
	Lookup(ctx context.Context, owner TaskKey) (UnitHandle, bool, error)

	// Status reports the unit's current state. Returns ErrUnitNotFound.
	Status(ctx context.Context, handle UnitHandle) (UnitStatus, error)

	// Terminate stops the unit, gracefully first, recording reason.
	Terminate(ctx context.Context, handle UnitHandle, reason TerminationReason) error

	// Cleanup releases everything the unit holds.
	Cleanup(ctx context.Context, handle UnitHandle) error
}

// Workspace provides the git plumbing around a unit's working copy.
type Workspace interface {
	// Prepare clones repo into dir and checks out a new branch from repo.Branch.
	Prepare(ctx context.Context, repo Repository, dir, branch string) error

	// CommitAll stages and commits every change in dir.
	// Returns false when there was nothing to commit.
	CommitAll(ctx context.Context, dir, message string) (bool, error)

	// Push pushes branch from dir to the remote.
	Push(ctx context.Context, dir, branch string) error
}

// PullRequestInput describes a pull request to open.
// Fields are ordered to minimize memory padding.
type PullRequestInput struct {
	Repository Repository
	Title      string
	Body       string
	Head       string
	Base       string
	Draft      bool
}

// PullRequests is the hosting platform's pull-request API.
type PullRequests interface {
	// FindPullRequest returns the URL of an open pull request for head.
	FindPullRequest(ctx context.Context, repo Repository, head string) (string, bool, error)

	// CreatePullRequest opens a pull request and returns its URL.
	CreatePullRequest(ctx context.Context, in PullRequestInput) (string, error)
}

// CommandExecutor runs external commands.
type CommandExecutor interface {
	// Execute runs the command and returns its combined output.
	Execute(ctx context.Context, cmd *ExecCommand) ([]byte, error)

	// ExecuteWithContext runs the command with custom stdout/stderr writers.
	ExecuteWithContext(ctx context.Context, cmd *ExecCommand, stdout, stderr io.Writer) error
}

// LifecycleEvent is published on task lifecycle changes.
// Fields are ordered to minimize memory padding.
type LifecycleEvent struct {
	Time    time.Time `json:"time"`
	Type    string    `json:"type"` // task.admitted, task.phase, task.deleted
	Scope   string    `json:"scope"`
	Name    string    `json:"name"`
	Creator string    `json:"creator,omitempty"`
	Phase   Phase     `json:"phase,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

// Lifecycle event types.
const (
	EventTaskAdmitted = "task.admitted"
	EventTaskPhase    = "task.phase"
	EventTaskDeleted  = "task.deleted"
)

// EventPublisher publishes lifecycle events. Publishing is best effort.
type EventPublisher interface {
	Publish(ctx context.Context, ev LifecycleEvent) error
}

// NopPublisher discards events.
type NopPublisher struct{}

// Publish does nothing.
func (NopPublisher) Publish(context.Context, LifecycleEvent) error { return nil }

// RateLimiter admits or rejects submissions per key.
type RateLimiter interface {
	// Allow reports whether one more submission for key fits in the window.
	Allow(ctx context.Context, key string) (bool, error)
}

// Metrics records engine measurements.
type Metrics interface {
	TaskAdmitted(scope string)
	AdmissionRejected(reason string)
	PhaseChanged(phase Phase)
	WatchReconnected()
	MonitorsActive(n int)
	GateFinished(passed bool, d time.Duration)
}

// NopMetrics discards measurements.
type NopMetrics struct{}

func (NopMetrics) TaskAdmitted(string) {}
func (NopMetrics) AdmissionRejected(string) {}
func (NopMetrics) PhaseChanged(Phase) {}
func (NopMetrics) WatchReconnected() {}
func (NopMetrics) MonitorsActive(int) {}
func (NopMetrics) GateFinished(bool, time.Duration) {}

// Logger writes engine and per-task logs.
// An empty task key logs to the engine log only.
type Logger interface {
	Info(task TaskKey, category, msg string)
	Debug(task TaskKey, category, msg string)
	Warn(task TaskKey, category, msg string)
	Error(task TaskKey, category, msg string)
}

// NopLogger discards log output.
type NopLogger struct{}

func (NopLogger) Info(TaskKey, string, string) {}
func (NopLogger) Debug(TaskKey, string, string) {}
func (NopLogger) Warn(TaskKey, string, string) {}
func (NopLogger) Error(TaskKey, string, string) {}

// Clock provides time operations for testability.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
}

// RealClock implements Clock using the system clock.
type RealClock struct{}

// Now returns the current time.
func (RealClock) Now() time.Time {
	return time.Now()
}
