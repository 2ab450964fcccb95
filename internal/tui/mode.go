// Package tui provides the crewd top dashboard.
package tui

// Mode represents the current UI mode.
type Mode int

const (
	ModeNormal  Mode = iota // Default navigation mode
	ModeFilter              // Text filtering mode
	ModeConfirm             // Confirmation dialog mode
	ModeHelp                // Help overlay mode
	ModeDetail              // Task detail view mode
)

// String returns the string representation of the mode.
func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeFilter:
		return "filter"
	case ModeConfirm:
		return "confirm"
	case ModeHelp:
		return "help"
	case ModeDetail:
		return "detail"
	default:
		return "unknown"
	}
}

// ConfirmAction represents the type of action requiring confirmation.
type ConfirmAction int

const (
	ConfirmNone   ConfirmAction = iota
	ConfirmCancel               // Cancel task
	ConfirmDelete               // Delete task
	ConfirmRetry                // Retry task
)

// String returns a human-readable description of the action.
func (a ConfirmAction) String() string {
	switch a {
	case ConfirmNone:
		return ""
	case ConfirmCancel:
		return "cancel"
	case ConfirmDelete:
		return "delete"
	case ConfirmRetry:
		return "retry"
	}
	return ""
}

// PhaseFilter narrows the task list by lifecycle stage.
type PhaseFilter int

const (
	FilterAll      PhaseFilter = iota // Every task
	FilterActive                      // Pending, Creating, Running
	FilterTerminal                    // Completed, Failed, Stopped, Timeout
)

// Next cycles to the following filter.
func (f PhaseFilter) Next() PhaseFilter {
	return (f + 1) % 3
}

// String returns the filter label shown in the header.
func (f PhaseFilter) String() string {
	switch f {
	case FilterActive:
		return "active"
	case FilterTerminal:
		return "finished"
	default:
		return "all"
	}
}
