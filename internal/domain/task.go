// Package domain contains core business entities and interfaces.
package domain

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// Well-known label keys used for list-by-label selectors.
const (
	LabelMode     = "mode"
	LabelCreator  = "creator"
	LabelTemplate = "template"
	LabelRetryOf  = "retry-of"

	ModeBackground = "background"
)

// TaskKey identifies a task: name is unique within scope.
type TaskKey struct {
	Scope string `json:"scope"`
	Name  string `json:"name"`
}

// String returns "scope/name".
func (k TaskKey) String() string {
	return k.Scope + "/" + k.Name
}

// IsZero reports whether the key is empty.
func (k TaskKey) IsZero() bool {
	return k.Scope == "" && k.Name == ""
}

// ParseTaskKey parses "scope/name".
func ParseTaskKey(s string) (TaskKey, error) {
	scope, name, ok := strings.Cut(s, "/")
	if !ok {
		return TaskKey{}, InvalidRequestf("task key %q must be scope/name", s)
	}
	key := TaskKey{Scope: scope, Name: name}
	if err := ValidateName(scope); err != nil {
		return TaskKey{}, fmt.Errorf("scope: %w", err)
	}
	if err := ValidateName(name); err != nil {
		return TaskKey{}, fmt.Errorf("name: %w", err)
	}
	return key, nil
}

// Repository is the single target repository of a task.
type Repository struct {
	URL    string `json:"url"`
	Branch string `json:"branch"`
}

// Task represents one unit of background code-change work on a single repository.
// Fields are ordered to minimize memory padding.
type Task struct {
	Created         time.Time         `json:"created"`                   // Creation time
	Labels          map[string]string `json:"labels,omitempty"`          // Selector labels (mode, creator, template, retry-of)
	Repository      Repository        `json:"repository"`                // Target repository (exactly one)
	Scope           string            `json:"scope"`                     // Tenant/project namespace
	Name            string            `json:"name"`                      // Unique within scope
	Instructions    string            `json:"instructions"`              // Directive for the agent
	TemplateRef     string            `json:"templateRef,omitempty"`     // TaskTemplate the instructions were derived from
	Creator         string            `json:"creator"`                   // Requesting user
	RetryOf         string            `json:"retryOf,omitempty"`         // Name of the task this one retries
	Status          TaskStatus        `json:"status"`                    // Written only by the controller
	Revision        int64             `json:"-"`                         // Store revision (optimistic concurrency)
	DeadlineSeconds int               `json:"deadlineSeconds"`           // Hard wall-clock limit
	CancelRequested bool              `json:"cancelRequested,omitempty"` // Set by the cancel use case
}

// TaskStatus is the controller-owned part of a task.
// Fields are ordered to minimize memory padding.
type TaskStatus struct {
	Started             time.Time     `json:"started,omitempty"`             // When the task left Pending
	Finished            time.Time     `json:"finished,omitempty"`            // When the task became terminal
	Checks              []CheckResult `json:"checks,omitempty"`              // Validation summary
	Phase               Phase         `json:"phase"`                         // Lifecycle phase
	CurrentPhaseLabel   string        `json:"currentPhaseLabel,omitempty"`   // Human-readable active step
	LogTail             string        `json:"logTail,omitempty"`             // Bounded recent output
	ErrorDetail         string        `json:"errorDetail,omitempty"`         // Set on non-success terminal phases
	ExternalArtifactURL string        `json:"externalArtifactURL,omitempty"` // Pull request URL (Completed only)
	UnitName            string        `json:"unitName,omitempty"`            // Execution unit handle
	ProgressPercent     int           `json:"progressPercent"`               // 0-100, never decreases
	RetryCount          int           `json:"retryCount"`                    // Depth of the retry chain
}

// CheckResult records the outcome of one validation check.
type CheckResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
}

// Key returns the task identity.
func (t *Task) Key() TaskKey {
	return TaskKey{Scope: t.Scope, Name: t.Name}
}

// Deadline returns the hard execution limit.
func (t *Task) Deadline() time.Duration {
	return time.Duration(t.DeadlineSeconds) * time.Second
}

// IsActive returns true if the task counts against its creator's admission limit.
func (t *Task) IsActive() bool {
	return t.Status.Phase.IsActive()
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Labels = maps.Clone(t.Labels)
	c.Status.Checks = slices.Clone(t.Status.Checks)
	return &c
}

// ValidateStatusChange checks that next is a legal successor of prev.
// It enforces the phase graph, progress monotonicity, and the
// "artifact URL iff Completed" invariant.
func ValidateStatusChange(prev, next TaskStatus) error {
	if prev.Phase.IsTerminal() {
		return fmt.Errorf("task is %s: %w", prev.Phase, ErrInvalidTransition)
	}
	if next.Phase != prev.Phase && !prev.Phase.CanTransitionTo(next.Phase) {
		return fmt.Errorf("%s -> %s: %w", prev.Phase, next.Phase, ErrInvalidTransition)
	}
	if next.ProgressPercent < 0 || next.ProgressPercent > 100 {
		return fmt.Errorf("progress %d: %w", next.ProgressPercent, ErrInvalidProgress)
	}
	if next.ProgressPercent < prev.ProgressPercent {
		return fmt.Errorf("progress %d -> %d: %w", prev.ProgressPercent, next.ProgressPercent, ErrInvalidProgress)
	}
	if (next.ExternalArtifactURL != "") != (next.Phase == PhaseCompleted) {
		return ErrArtifactWithoutCompletion
	}
	if next.RetryCount != prev.RetryCount {
		return fmt.Errorf("retry count is immutable: %w", ErrInvalidTransition)
	}
	return nil
}

// ApplyStatus runs mutate on a copy of t's status and validates the change.
// The returned task carries the new status; t is not modified.
func ApplyStatus(t *Task, mutate func(*TaskStatus) error) (*Task, error) {
	next := t.Clone()
	if err := mutate(&next.Status); err != nil {
		return nil, err
	}
	if err := ValidateStatusChange(t.Status, next.Status); err != nil {
		return nil, err
	}
	return next, nil
}

// ApplySpec runs mutate on a copy of t. Identity, creator, status and
// revision are restored afterwards so only client-owned fields change.
func ApplySpec(t *Task, mutate func(*Task) error) (*Task, error) {
	next := t.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.Scope = t.Scope
	next.Name = t.Name
	next.Creator = t.Creator
	next.Created = t.Created
	next.Revision = t.Revision
	next.Status = t.Clone().Status
	return next, nil
}

// ReleasesSlot reports whether moving from prev to next frees the
// creator's admission slot.
func ReleasesSlot(prev, next Phase) bool {
	return !prev.IsTerminal() && next.IsTerminal()
}

// TaskFilter specifies criteria for listing and watching tasks.
// Fields are ordered to minimize memory padding.
type TaskFilter struct {
	Labels map[string]string // AND condition
	Phases []Phase           // OR condition (empty = all phases)
	Scope  string            // Empty = all scopes
}

// Matches reports whether the task satisfies the filter.
func (f TaskFilter) Matches(t *Task) bool {
	if f.Scope != "" && t.Scope != f.Scope {
		return false
	}
	for k, v := range f.Labels {
		if t.Labels[k] != v {
			return false
		}
	}
	if len(f.Phases) > 0 && !slices.Contains(f.Phases, t.Status.Phase) {
		return false
	}
	return true
}

// CreatorFilter returns the selector used by admission to find a creator's active tasks.
func CreatorFilter(scope, creator string) TaskFilter {
	return TaskFilter{
		Scope:  scope,
		Labels: map[string]string{LabelMode: ModeBackground, LabelCreator: creator},
		Phases: ActivePhases(),
	}
}

// CreateConditions are preconditions evaluated atomically with a create.
type CreateConditions struct {
	// ActiveSlot, when set, must be free (or held by a terminal/missing task)
	// for the create to succeed. The slot is claimed by the new task and
	// released when it becomes terminal or is deleted.
	ActiveSlot string
}

// EventType identifies the kind of change carried by a TaskEvent.
type EventType string

const (
	EventPut     EventType = "put"
	EventDeleted EventType = "deleted"
)

// TaskEvent is one change observed on the task stream.
type TaskEvent struct {
	Task     *Task // Latest value; for EventDeleted only the key fields are reliable
	Type     EventType
	Key      TaskKey
	Revision int64
}

// ExecutionUnitRecord links an execution unit to its owning task.
// It is deleted together with the owner.
type ExecutionUnitRecord struct {
	Created time.Time  `json:"created"`
	Owner   TaskKey    `json:"owner"`
	Handle  UnitHandle `json:"handle"`
}
