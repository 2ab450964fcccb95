package domain

import "strings"

// Phase represents the lifecycle state of a task.
type Phase string

const (
	PhasePending   Phase = "Pending"   // Admitted, awaiting dispatch
	PhaseCreating  Phase = "Creating"  // Execution unit is being spawned
	PhaseRunning   Phase = "Running"   // Execution unit started
	PhaseCompleted Phase = "Completed" // Validation passed and artifact published
	PhaseFailed    Phase = "Failed"    // Unit crashed, failed to start, or validation failed
	PhaseStopped   Phase = "Stopped"   // Cancelled by the user
	PhaseTimeout   Phase = "Timeout"   // Deadline exceeded
)

// AllPhases returns all valid phase values in lifecycle order.
func AllPhases() []Phase {
	return []Phase{
		PhasePending,
		PhaseCreating,
		PhaseRunning,
		PhaseCompleted,
		PhaseFailed,
		PhaseStopped,
		PhaseTimeout,
	}
}

// transitions defines the allowed phase transitions.
// Flow: Pending → Creating → Running → Completed
//
//	  │           │           ├──→ Failed
//	  │           │           ├──→ Timeout
//	  └───────────┴───────────┴──→ Stopped
var transitions = map[Phase][]Phase{
	PhasePending:   {PhaseCreating, PhaseStopped},
	PhaseCreating:  {PhaseRunning, PhaseFailed, PhaseStopped, PhaseTimeout},
	PhaseRunning:   {PhaseCompleted, PhaseFailed, PhaseStopped, PhaseTimeout},
	PhaseCompleted: {},
	PhaseFailed:    {},
	PhaseStopped:   {},
	PhaseTimeout:   {},
}

// CanTransitionTo returns true if the phase can transition to the target phase.
func (p Phase) CanTransitionTo(target Phase) bool {
	allowed, ok := transitions[p]
	if !ok {
		return false
	}
	for _, t := range allowed {
		if t == target {
			return true
		}
	}
	return false
}

// IsTerminal returns true if no further transitions are possible.
func (p Phase) IsTerminal() bool {
	switch p {
	case PhaseCompleted, PhaseFailed, PhaseStopped, PhaseTimeout:
		return true
	default:
		return false
	}
}

// IsActive returns true for phases that count against the per-creator admission limit.
func (p Phase) IsActive() bool {
	return p == PhasePending || p == PhaseCreating || p == PhaseRunning
}

// IsRetryable returns true if a user may create a retry of a task in this phase.
func (p Phase) IsRetryable() bool {
	return p == PhaseFailed || p == PhaseTimeout
}

// IsValid returns true if the phase is a known value.
func (p Phase) IsValid() bool {
	_, ok := transitions[p]
	return ok
}

// ActivePhases returns the phases counted by admission.
func ActivePhases() []Phase {
	return []Phase{PhasePending, PhaseCreating, PhaseRunning}
}

// ParsePhase converts a case-insensitive string into a Phase.
func ParsePhase(s string) (Phase, error) {
	for _, p := range AllPhases() {
		if strings.EqualFold(string(p), s) {
			return p, nil
		}
	}
	return "", ErrInvalidPhase
}
