package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/runoshun/crewd/internal/domain"
)

// View renders the dashboard.
func (m *Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var content string
	switch m.mode {
	case ModeHelp:
		content = m.viewHelp()
	case ModeDetail:
		content = m.viewDetail()
	case ModeNormal, ModeFilter, ModeConfirm:
		content = m.viewMain()
	}

	return m.styles.App.Render(content)
}

// viewMain renders the task list.
func (m *Model) viewMain() string {
	var b strings.Builder

	b.WriteString(m.viewHeader())
	b.WriteString("\n")

	if m.mode == ModeFilter {
		b.WriteString(m.styles.InputPrompt.Render("Filter: "))
		b.WriteString(m.filterInput.View())
		b.WriteString("\n\n")
	} else if m.filterInput.Value() != "" {
		b.WriteString(m.styles.HeaderText.Render("Filtered: "+m.filterInput.Value()) + "\n\n")
	}

	if len(m.taskList.Items()) == 0 {
		b.WriteString(m.styles.TaskDesc.Render("  No tasks"))
		b.WriteString("\n")
	} else {
		b.WriteString(m.taskList.View())
	}

	if m.mode == ModeConfirm {
		b.WriteString("\n")
		b.WriteString(m.viewConfirm())
	}

	b.WriteString(m.viewFooter())
	return b.String()
}

// viewHeader renders the title and the phase counters.
func (m *Model) viewHeader() string {
	scope := m.opts.Scope
	if m.opts.AllScopes {
		scope = "all scopes"
	}
	title := m.styles.Header.Render("crewd top") + "  " +
		m.styles.HeaderText.Render(fmt.Sprintf("%s · %s", scope, m.phaseFilter))
	if m.mineOnly {
		title += m.styles.HeaderText.Render(" · @" + m.opts.User)
	}

	counts := m.counts()
	parts := make([]string, 0, len(domain.AllPhases()))
	for _, p := range domain.AllPhases() {
		if counts[p] == 0 {
			continue
		}
		parts = append(parts, m.styles.PhaseStyle(p).Render(fmt.Sprintf("%s %d %s", PhaseIcon(p), counts[p], p)))
	}
	if len(parts) == 0 {
		return title
	}
	return title + "\n" + strings.Join(parts, "  ")
}

// viewFooter renders messages and the short help.
func (m *Model) viewFooter() string {
	var b strings.Builder
	b.WriteString("\n")
	if m.err != nil {
		b.WriteString(m.styles.ErrorMsg.Render("Error: " + m.err.Error()))
		b.WriteString("\n")
	} else if m.info != "" {
		b.WriteString(m.styles.InfoMsg.Render(m.info))
		b.WriteString("\n")
	}
	b.WriteString(m.help.ShortHelpView(m.keys.ShortHelp()))
	return b.String()
}

// viewConfirm renders the confirmation dialog.
func (m *Model) viewConfirm() string {
	task := m.SelectedTask()
	if task == nil {
		return ""
	}
	title := m.styles.DialogTitle.Render(fmt.Sprintf("%s %s?", capitalize(m.confirmAction.String()), task.Key()))
	return m.styles.Dialog.Render(title+"\n\n"+m.styles.HeaderText.Render("y: confirm · any other key: abort")) + "\n"
}

// viewHelp renders the full keybinding help.
func (m *Model) viewHelp() string {
	return m.styles.Header.Render("Keybindings") + "\n" + m.help.FullHelpView(m.keys.FullHelp()) +
		"\n\n" + m.styles.HeaderText.Render("esc: back")
}

// viewDetail renders the scrollable task detail.
func (m *Model) viewDetail() string {
	if m.detail == nil {
		return ""
	}
	footer := m.styles.Footer.Render(fmt.Sprintf("↑/↓ scroll · esc back · %3.0f%%", m.detailViewport.ScrollPercent()*100))
	return m.detailViewport.View() + "\n" + footer
}

// renderDetail builds the detail content of the loaded task.
func (m *Model) renderDetail() string {
	t := m.detail
	if t == nil {
		return ""
	}
	st := t.Status

	var b strings.Builder
	b.WriteString(m.styles.DetailTitle.Render(t.Key().String()))
	b.WriteString("\n")

	row := func(label, value string) {
		if value == "" {
			return
		}
		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
			m.styles.DetailLabel.Render(label),
			m.styles.DetailValue.Render(value)))
		b.WriteString("\n")
	}

	full, empty := ProgressBar(st.ProgressPercent, 20)
	row("Phase", m.styles.PhaseStyle(st.Phase).Render(PhaseIcon(st.Phase)+" "+string(st.Phase)))
	row("Progress", m.styles.ProgressFull.Render(full)+m.styles.ProgressEmpty.Render(empty)+fmt.Sprintf(" %d%%", st.ProgressPercent))
	row("Step", st.CurrentPhaseLabel)
	if t.CancelRequested && !st.Phase.IsTerminal() {
		row("Cancel", "requested")
	}
	row("Creator", t.Creator)
	row("Repository", t.Repository.URL+" ("+t.Repository.Branch+")")
	row("Template", t.TemplateRef)
	if t.RetryOf != "" {
		row("Retry of", fmt.Sprintf("%s (retry #%d)", t.RetryOf, st.RetryCount))
	}
	row("Deadline", t.Deadline().String())
	row("Created", formatTime(t.Created))
	row("Started", formatTime(st.Started))
	row("Finished", formatTime(st.Finished))
	if m.detailUnit != nil {
		row("Unit", string(m.detailUnit.Handle))
	}
	row("Pull request", st.ExternalArtifactURL)
	if st.ErrorDetail != "" {
		row("Error", m.styles.ErrorMsg.Render(st.ErrorDetail))
	}

	if len(st.Checks) > 0 {
		b.WriteString("\n")
		b.WriteString(m.styles.DetailLabel.Render("Checks"))
		b.WriteString("\n")
		for _, chk := range st.Checks {
			mark := m.styles.PhaseCompleted.Render("✓")
			if !chk.Passed {
				mark = m.styles.PhaseFailed.Render("✗")
			}
			b.WriteString("  " + mark + " " + chk.Name + "\n")
		}
	}

	b.WriteString("\n")
	b.WriteString(m.styles.DetailLabel.Render("Instructions"))
	b.WriteString("\n")
	b.WriteString(t.Instructions)
	b.WriteString("\n")

	if st.LogTail != "" {
		b.WriteString("\n")
		b.WriteString(m.styles.DetailLabel.Render("Log tail"))
		b.WriteString("\n")
		b.WriteString(m.styles.TaskDesc.Render(strings.TrimRight(st.LogTail, "\n")))
		b.WriteString("\n")
	}
	return b.String()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format(time.DateTime)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
