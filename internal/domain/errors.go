package domain

import (
	"errors"
	"fmt"
)

// Domain errors.
var (
	ErrTaskNotFound              = errors.New("task not found")
	ErrTaskExists                = errors.New("task already exists")
	ErrTaskTerminal              = errors.New("task already finished")
	ErrTaskNotRetryable          = errors.New("only Failed or Timeout tasks can be retried")
	ErrTemplateNotFound          = errors.New("template not found")
	ErrTemplateExists            = errors.New("template already exists")
	ErrUnitNotFound              = errors.New("execution unit not found")
	ErrWorkspaceNotFound         = errors.New("workspace not found")
	ErrProjectNotFound           = errors.New("project not found")
	ErrInvalidTransition         = errors.New("invalid phase transition")
	ErrInvalidPhase              = errors.New("invalid phase")
	ErrInvalidProgress           = errors.New("invalid progress")
	ErrArtifactWithoutCompletion = errors.New("artifact URL must be set exactly when the task is Completed")
	ErrInvalidRequest            = errors.New("invalid request")
	ErrRateLimited               = errors.New("submission rate limit exceeded")
	ErrRevisionConflict          = errors.New("revision conflict")
	ErrWatchClosed               = errors.New("watch stream closed")
	ErrNoChecksPassed            = errors.New("validation failed")
	ErrNoChanges                 = errors.New("execution produced no changes")
)

// ConcurrencyLimitExceededError is returned by admission when the creator
// already has a non-terminal task in the scope.
type ConcurrencyLimitExceededError struct {
	Scope    string
	Creator  string
	Blocking string // Name of the task holding the slot
}

func (e *ConcurrencyLimitExceededError) Error() string {
	return fmt.Sprintf("concurrency limit exceeded: user %q already has active task %q in %q", e.Creator, e.Blocking, e.Scope)
}

// ConflictError is returned by a store when a create precondition fails.
type ConflictError struct {
	Slot   string
	Holder string // Task currently holding the slot
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("slot %s is held by %q", e.Slot, e.Holder)
}

// MissingRequiredParameterError is returned when a required template
// parameter has neither a supplied value nor a default.
type MissingRequiredParameterError struct {
	Template  string
	Parameter string
	// Rejected is set when a value was supplied but failed validation.
	Rejected *InvalidParameterError
}

func (e *MissingRequiredParameterError) Error() string {
	msg := fmt.Sprintf("template %q: missing required parameter %q", e.Template, e.Parameter)
	if e.Rejected != nil {
		msg += fmt.Sprintf(" (supplied value rejected: %s)", e.Rejected.Reason)
	}
	return msg
}

func (e *MissingRequiredParameterError) Unwrap() error {
	if e.Rejected == nil {
		return nil
	}
	return e.Rejected
}

// InvalidParameterError describes a supplied parameter value that does not
// match its declared type or validation pattern. Instantiate never returns it
// directly; it is attached to the error reported once no fallback is left.
type InvalidParameterError struct {
	Template  string
	Parameter string
	Reason    string
}

func (e *InvalidParameterError) Error() string {
	return fmt.Sprintf("template %q: invalid value for parameter %q: %s", e.Template, e.Parameter, e.Reason)
}

// UnresolvedPlaceholderError is returned when a template still contains
// placeholders after substitution.
type UnresolvedPlaceholderError struct {
	Template     string
	Placeholders []string
	// Rejected lists supplied values that were dropped for failing validation.
	Rejected []*InvalidParameterError
}

func (e *UnresolvedPlaceholderError) Error() string {
	msg := fmt.Sprintf("template %q: unresolved placeholders %v", e.Template, e.Placeholders)
	for _, r := range e.Rejected {
		msg += fmt.Sprintf("; %s: %s", r.Parameter, r.Reason)
	}
	return msg
}

func (e *UnresolvedPlaceholderError) Unwrap() []error {
	errs := make([]error, 0, len(e.Rejected))
	for _, r := range e.Rejected {
		errs = append(errs, r)
	}
	return errs
}

// CheckFailedError describes the first failing validation check.
type CheckFailedError struct {
	Name   string
	Output string // Tail of the captured output
	Err    error
}

func (e *CheckFailedError) Error() string {
	msg := fmt.Sprintf("check %q failed", e.Name)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Output != "" {
		msg += "\n" + e.Output
	}
	return msg
}

func (e *CheckFailedError) Unwrap() error {
	return ErrNoChecksPassed
}

// InvalidRequestf wraps ErrInvalidRequest with a formatted detail.
func InvalidRequestf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
