package domain

import "time"

// UnitHandle identifies an execution unit within its backend.
type UnitHandle string

// UnitState is the backend-reported state of an execution unit.
type UnitState string

const (
	UnitStarting  UnitState = "Starting"
	UnitRunning   UnitState = "Running"
	UnitSucceeded UnitState = "Succeeded"
	UnitFailed    UnitState = "Failed"
	UnitKilled    UnitState = "Killed"
)

// IsTerminal returns true once the unit will not change state again.
func (s UnitState) IsTerminal() bool {
	return s == UnitSucceeded || s == UnitFailed || s == UnitKilled
}

// TerminationReason explains why a unit stopped without succeeding.
type TerminationReason string

const (
	ReasonNone             TerminationReason = ""
	ReasonDeadlineExceeded TerminationReason = "deadline_exceeded"
	ReasonCancelled        TerminationReason = "cancelled"
	ReasonCrashed          TerminationReason = "crashed"
	ReasonStartFailed      TerminationReason = "start_failed"
	ReasonLost             TerminationReason = "lost"
)

// UnitSpec describes the work handed to an execution backend.
// Fields are ordered to minimize memory padding.
type UnitSpec struct {
	Owner        TaskKey
	Repository   Repository
	Instructions string
	Branch       string        // Work branch the agent commits to
	Deadline     time.Duration // Hard supervised timeout
}

// UnitStatus is a point-in-time view of an execution unit.
// Fields are ordered to minimize memory padding.
type UnitStatus struct {
	State      UnitState
	Reason     TerminationReason
	ExitDetail string // Human-readable termination detail
	Label      string // Current step reported by the unit
	LogTail    string // Bounded recent output
	Workspace  string // Directory holding the candidate result (Succeeded only)
	Branch     string
	ExitCode   int
	Progress   int
}

// Outcome maps a terminal unit status onto the task phase it implies.
// Succeeded maps to Running because the gate decides the final phase.
func (s UnitStatus) Outcome() Phase {
	switch s.State {
	case UnitSucceeded:
		return PhaseRunning
	case UnitKilled:
		switch s.Reason {
		case ReasonDeadlineExceeded:
			return PhaseTimeout
		case ReasonCancelled:
			return PhaseStopped
		default:
			return PhaseFailed
		}
	case UnitFailed:
		return PhaseFailed
	default:
		return ""
	}
}

// Progress milestones reported while a task executes.
const (
	ProgressInitializing      = 0
	ProgressWorkspacePrepared = 20
	ProgressChangesGenerated  = 60
	ProgressValidated         = 80
	ProgressPublished         = 100
)
