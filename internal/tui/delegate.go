package tui

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-runewidth"
	"github.com/runoshun/crewd/internal/domain"
)

// progressWidth is the number of cells in a task's progress bar.
const progressWidth = 10

type taskItem struct {
	task *domain.Task
}

func (t taskItem) FilterValue() string {
	return t.task.Scope + "/" + t.task.Name + " " + t.task.Creator
}

// escapeNewlines replaces newline characters with spaces for single-line display.
func escapeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	return s
}

// ProgressBar renders pct as a fixed-width bar of full and empty cells.
func ProgressBar(pct, width int) (full, empty string) {
	pct = max(0, min(pct, 100))
	n := pct * width / 100
	return strings.Repeat("█", n), strings.Repeat("░", width-n)
}

// TaskSummary returns the most useful one-line description of a task's state.
func TaskSummary(task *domain.Task) string {
	st := task.Status
	switch {
	case st.ExternalArtifactURL != "":
		return st.ExternalArtifactURL
	case st.ErrorDetail != "":
		return st.ErrorDetail
	case task.CancelRequested && !st.Phase.IsTerminal():
		return "cancelling"
	case st.CurrentPhaseLabel != "":
		return st.CurrentPhaseLabel
	default:
		return task.Instructions
	}
}

type taskDelegate struct {
	styles    Styles
	showScope bool
}

func newTaskDelegate(styles Styles) *taskDelegate {
	return &taskDelegate{styles: styles}
}

func (d *taskDelegate) Height() int {
	return 2
}

func (d *taskDelegate) Spacing() int {
	return 1
}

func (d *taskDelegate) Update(_ tea.Msg, _ *list.Model) tea.Cmd {
	return nil
}

func (d *taskDelegate) Render(w io.Writer, m list.Model, index int, item list.Item) {
	ti, ok := item.(taskItem)
	if !ok {
		return
	}
	task := ti.task
	selected := index == m.Index()
	listWidth := m.Width()

	indicator := " "
	nameStyle := d.styles.TaskName
	if selected {
		indicator = ">"
		nameStyle = d.styles.TaskNameSelected
	}

	phase := task.Status.Phase
	phaseStyle := d.styles.PhaseStyle(phase)
	full, empty := ProgressBar(task.Status.ProgressPercent, progressWidth)

	name := task.Name
	if d.showScope {
		name = task.Key().String()
	}

	line := "  " + d.styles.SelectionIndicator.Render(indicator) + " " +
		phaseStyle.Render(PhaseIcon(phase)+" "+fmt.Sprintf("%-9s", phase)) + " " +
		d.styles.ProgressFull.Render(full) + d.styles.ProgressEmpty.Render(empty) +
		fmt.Sprintf(" %3d%%  ", task.Status.ProgressPercent) +
		nameStyle.Render(name) + "  " +
		d.styles.TaskDesc.Render("@"+task.Creator)
	_, _ = fmt.Fprintln(w, line)

	const indent = "                 "
	maxDescLen := max(listWidth-len(indent)-2, 10)
	desc := escapeNewlines(TaskSummary(task))
	if runewidth.StringWidth(desc) > maxDescLen {
		desc = runewidth.Truncate(desc, maxDescLen-3, "...")
	}
	_, _ = fmt.Fprint(w, d.styles.TaskDesc.Render(indent+desc))
}
