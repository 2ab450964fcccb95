package tui

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/runoshun/crewd/internal/domain"
)

// Colors defines the color palette for the dashboard.
var Colors = struct {
	// Base colors
	Primary   lipgloss.Color
	Secondary lipgloss.Color
	Muted     lipgloss.Color
	Error     lipgloss.Color
	Success   lipgloss.Color
	Warning   lipgloss.Color

	// Text colors
	TitleNormal   lipgloss.Color
	TitleSelected lipgloss.Color
	DescNormal    lipgloss.Color

	// Phase colors
	Pending   lipgloss.Color
	Active    lipgloss.Color
	Completed lipgloss.Color
	Failed    lipgloss.Color
	Stopped   lipgloss.Color
}{
	Primary:   lipgloss.Color("#6C5CE7"), // Purple
	Secondary: lipgloss.Color("#A29BFE"), // Lavender
	Muted:     lipgloss.Color("#636E72"), // Gray
	Error:     lipgloss.Color("#D63031"), // Red
	Success:   lipgloss.Color("#00B894"), // Green
	Warning:   lipgloss.Color("#FDCB6E"), // Yellow

	TitleNormal:   lipgloss.Color("#DFE6E9"), // Light gray
	TitleSelected: lipgloss.Color("#FFEAA7"), // Yellow (selected)
	DescNormal:    lipgloss.Color("#636E72"), // Gray

	Pending:   lipgloss.Color("#74B9FF"), // Light blue
	Active:    lipgloss.Color("#FDCB6E"), // Yellow
	Completed: lipgloss.Color("#00B894"), // Green
	Failed:    lipgloss.Color("#D63031"), // Red
	Stopped:   lipgloss.Color("#636E72"), // Gray
}

// Styles contains all the lipgloss styles for the dashboard.
type Styles struct {
	App        lipgloss.Style
	Header     lipgloss.Style
	HeaderText lipgloss.Style
	Footer     lipgloss.Style

	TaskName           lipgloss.Style
	TaskNameSelected   lipgloss.Style
	TaskDesc           lipgloss.Style
	SelectionIndicator lipgloss.Style

	PhasePending   lipgloss.Style
	PhaseActive    lipgloss.Style
	PhaseCompleted lipgloss.Style
	PhaseFailed    lipgloss.Style
	PhaseStopped   lipgloss.Style

	ProgressFull  lipgloss.Style
	ProgressEmpty lipgloss.Style

	DetailTitle lipgloss.Style
	DetailLabel lipgloss.Style
	DetailValue lipgloss.Style

	Dialog      lipgloss.Style
	DialogTitle lipgloss.Style
	InputPrompt lipgloss.Style
	ErrorMsg    lipgloss.Style
	InfoMsg     lipgloss.Style
}

// DefaultStyles returns the default dashboard styles.
func DefaultStyles() Styles {
	return Styles{
		App: lipgloss.NewStyle().
			Padding(1, 2),

		Header: lipgloss.NewStyle().
			Bold(true).
			Foreground(Colors.Primary).
			MarginBottom(1),

		HeaderText: lipgloss.NewStyle().
			Foreground(Colors.Muted),

		Footer: lipgloss.NewStyle().
			Foreground(Colors.Muted).
			MarginTop(1),

		TaskName: lipgloss.NewStyle().
			Foreground(Colors.TitleNormal),

		TaskNameSelected: lipgloss.NewStyle().
			Foreground(Colors.TitleSelected).
			Bold(true),

		TaskDesc: lipgloss.NewStyle().
			Foreground(Colors.DescNormal),

		SelectionIndicator: lipgloss.NewStyle().
			Foreground(Colors.Primary),

		PhasePending:   lipgloss.NewStyle().Foreground(Colors.Pending),
		PhaseActive:    lipgloss.NewStyle().Foreground(Colors.Active),
		PhaseCompleted: lipgloss.NewStyle().Foreground(Colors.Completed),
		PhaseFailed:    lipgloss.NewStyle().Foreground(Colors.Failed),
		PhaseStopped:   lipgloss.NewStyle().Foreground(Colors.Stopped),

		ProgressFull:  lipgloss.NewStyle().Foreground(Colors.Success),
		ProgressEmpty: lipgloss.NewStyle().Foreground(Colors.Muted),

		DetailTitle: lipgloss.NewStyle().
			Bold(true).
			Foreground(Colors.Primary).
			MarginBottom(1),

		DetailLabel: lipgloss.NewStyle().
			Foreground(Colors.Secondary).
			Width(14),

		DetailValue: lipgloss.NewStyle().
			Foreground(Colors.TitleNormal),

		Dialog: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(Colors.Primary).
			Padding(1, 2),

		DialogTitle: lipgloss.NewStyle().
			Bold(true).
			Foreground(Colors.Warning),

		InputPrompt: lipgloss.NewStyle().
			Foreground(Colors.Primary),

		ErrorMsg: lipgloss.NewStyle().
			Foreground(Colors.Error),

		InfoMsg: lipgloss.NewStyle().
			Foreground(Colors.Success),
	}
}

// PhaseStyle returns the style for a phase.
func (s Styles) PhaseStyle(phase domain.Phase) lipgloss.Style {
	switch phase {
	case domain.PhasePending:
		return s.PhasePending
	case domain.PhaseCreating, domain.PhaseRunning:
		return s.PhaseActive
	case domain.PhaseCompleted:
		return s.PhaseCompleted
	case domain.PhaseFailed, domain.PhaseTimeout:
		return s.PhaseFailed
	case domain.PhaseStopped:
		return s.PhaseStopped
	default:
		return s.TaskDesc
	}
}

// PhaseIcon returns the icon for a phase.
func PhaseIcon(phase domain.Phase) string {
	switch phase {
	case domain.PhasePending:
		return "○"
	case domain.PhaseCreating:
		return "◌"
	case domain.PhaseRunning:
		return "●"
	case domain.PhaseCompleted:
		return "✓"
	case domain.PhaseFailed:
		return "✗"
	case domain.PhaseTimeout:
		return "⏱"
	case domain.PhaseStopped:
		return "■"
	default:
		return "?"
	}
}
