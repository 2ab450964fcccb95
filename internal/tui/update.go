package tui

import (
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
)

// Update handles messages and updates the model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		m.updateLayoutSizes()
		return m, nil

	case MsgTasksLoaded:
		m.tasks = msg.Tasks
		m.updateTaskList()
		if m.mode == ModeDetail && m.detail != nil {
			for _, t := range msg.Tasks {
				if t.Key() == m.detail.Key() {
					m.detail = t
					m.detailViewport.SetContent(m.renderDetail())
					break
				}
			}
		}
		return m, nil

	case MsgTick:
		return m, tea.Batch(m.loadTasks(), m.tick())

	case MsgDetailLoaded:
		m.detail = msg.Task
		m.detailUnit = msg.Unit
		m.mode = ModeDetail
		m.detailViewport.SetContent(m.renderDetail())
		m.detailViewport.GotoTop()
		return m, nil

	case MsgActionDone:
		m.err = nil
		m.info = msg.Message
		m.mode = ModeNormal
		m.confirmAction = ConfirmNone
		return m, m.loadTasks()

	case MsgError:
		m.err = msg.Err
		m.info = ""
		if m.mode == ModeConfirm {
			m.mode = ModeNormal
			m.confirmAction = ConfirmNone
		}
		return m, nil
	}

	return m, nil
}

// handleKeyMsg dispatches a key press by mode.
func (m *Model) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" {
		return m, tea.Quit
	}

	switch m.mode {
	case ModeFilter:
		return m.handleFilterMode(msg)
	case ModeConfirm:
		return m.handleConfirmMode(msg)
	case ModeHelp:
		if key.Matches(msg, m.keys.Escape, m.keys.Help, m.keys.Quit) {
			m.mode = ModeNormal
		}
		return m, nil
	case ModeDetail:
		return m.handleDetailMode(msg)
	case ModeNormal:
	}
	return m.handleNormalMode(msg)
}

func (m *Model) handleNormalMode(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, m.keys.Escape):
		m.err = nil
		m.info = ""
		return m, nil

	case key.Matches(msg, m.keys.Enter):
		if task := m.SelectedTask(); task != nil {
			return m, m.loadDetail(task.Key())
		}
		return m, nil

	case key.Matches(msg, m.keys.Cancel):
		return m, m.confirm(ConfirmCancel)

	case key.Matches(msg, m.keys.Retry):
		return m, m.confirm(ConfirmRetry)

	case key.Matches(msg, m.keys.Delete):
		return m, m.confirm(ConfirmDelete)

	case key.Matches(msg, m.keys.Refresh):
		return m, m.loadTasks()

	case key.Matches(msg, m.keys.Filter):
		m.mode = ModeFilter
		return m, m.filterInput.Focus()

	case key.Matches(msg, m.keys.PhaseFilter):
		m.phaseFilter = m.phaseFilter.Next()
		m.updateTaskList()
		return m, nil

	case key.Matches(msg, m.keys.Mine):
		m.mineOnly = !m.mineOnly
		return m, m.loadTasks()

	case key.Matches(msg, m.keys.Help):
		m.mode = ModeHelp
		return m, nil
	}

	var cmd tea.Cmd
	m.taskList, cmd = m.taskList.Update(msg)
	return m, cmd
}

// confirm enters confirm mode for action when it applies to the selection.
func (m *Model) confirm(action ConfirmAction) tea.Cmd {
	task := m.SelectedTask()
	if task == nil {
		return nil
	}
	switch action {
	case ConfirmCancel:
		if task.Status.Phase.IsTerminal() || task.CancelRequested {
			m.info = "task already finished or cancelling"
			return nil
		}
	case ConfirmRetry:
		if !task.Status.Phase.IsRetryable() {
			m.info = "only Failed or Timeout tasks can be retried"
			return nil
		}
	case ConfirmDelete, ConfirmNone:
	}
	m.mode = ModeConfirm
	m.confirmAction = action
	return nil
}

func (m *Model) handleConfirmMode(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	action := m.confirmAction
	task := m.SelectedTask()
	m.mode = ModeNormal
	m.confirmAction = ConfirmNone

	if !key.Matches(msg, m.keys.Confirm) || task == nil {
		return m, nil
	}
	return m, m.runAction(action, task.Key())
}

func (m *Model) handleFilterMode(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Escape):
		m.filterInput.Reset()
		m.filterInput.Blur()
		m.mode = ModeNormal
		m.updateTaskList()
		return m, nil
	case msg.Type == tea.KeyEnter:
		m.filterInput.Blur()
		m.mode = ModeNormal
		return m, nil
	}

	var cmd tea.Cmd
	m.filterInput, cmd = m.filterInput.Update(msg)
	m.updateTaskList()
	return m, cmd
}

func (m *Model) handleDetailMode(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, m.keys.Escape, m.keys.Enter, m.keys.Quit) {
		m.mode = ModeNormal
		m.detail = nil
		m.detailUnit = nil
		return m, nil
	}
	var cmd tea.Cmd
	m.detailViewport, cmd = m.detailViewport.Update(msg)
	return m, cmd
}
