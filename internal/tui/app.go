package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/runoshun/crewd/internal/app"
	"github.com/runoshun/crewd/internal/domain"
	"github.com/runoshun/crewd/internal/usecase"
)

// DefaultRefreshInterval is the reload period when none is configured.
const DefaultRefreshInterval = 2 * time.Second

// Options configures the dashboard.
type Options struct {
	Scope     string        // Scope to show
	User      string        // User for the "mine" toggle and retries
	Interval  time.Duration // Reload period
	AllScopes bool          // Show every scope
}

// Model is the main bubbletea model for the dashboard.
type Model struct {
	// Dependencies (pointers first for alignment)
	container *app.Container
	delegate  *taskDelegate
	err       error

	// State
	tasks      []*domain.Task
	detail     *domain.Task
	detailUnit *domain.ExecutionUnitRecord
	info       string

	// Components
	keys           KeyMap
	styles         Styles
	help           help.Model
	taskList       list.Model
	detailViewport viewport.Model
	filterInput    textinput.Model
	opts           Options

	// Numeric state (smaller types last)
	mode          Mode
	confirmAction ConfirmAction
	phaseFilter   PhaseFilter
	width         int
	height        int
	mineOnly      bool
}

// New creates a new dashboard Model with the given container.
func New(c *app.Container, opts Options) *Model {
	if opts.Interval <= 0 {
		opts.Interval = DefaultRefreshInterval
	}

	fi := textinput.New()
	fi.Placeholder = "Filter tasks..."
	fi.CharLimit = 100

	styles := DefaultStyles()
	delegate := newTaskDelegate(styles)
	delegate.showScope = opts.AllScopes
	taskList := list.New([]list.Item{}, delegate, 0, 0)
	taskList.SetShowTitle(false)
	taskList.SetShowStatusBar(false)
	taskList.SetShowHelp(false)
	taskList.SetShowPagination(false)
	taskList.SetFilteringEnabled(false)
	taskList.DisableQuitKeybindings()

	return &Model{
		container:      c,
		delegate:       delegate,
		keys:           DefaultKeyMap(),
		styles:         styles,
		help:           help.New(),
		taskList:       taskList,
		detailViewport: viewport.New(0, 0),
		filterInput:    fi,
		opts:           opts,
		mode:           ModeNormal,
	}
}

// Run starts the dashboard in the alternate screen and blocks until it exits.
func Run(c *app.Container, opts Options) error {
	p := tea.NewProgram(New(c, opts), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init initializes the model and returns the initial command.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.loadTasks(), m.tick())
}

// tick schedules the next periodic reload.
func (m *Model) tick() tea.Cmd {
	return tea.Tick(m.opts.Interval, func(time.Time) tea.Msg {
		return MsgTick{}
	})
}

// loadTasks returns a command that loads tasks from the store.
func (m *Model) loadTasks() tea.Cmd {
	in := usecase.ListTasksInput{Scope: m.opts.Scope}
	if m.opts.AllScopes {
		in.Scope = ""
	}
	if m.mineOnly {
		in.Creator = m.opts.User
	}
	return func() tea.Msg {
		out, err := m.container.ListTasksUseCase().Execute(context.Background(), in)
		if err != nil {
			return MsgError{Err: err}
		}
		return MsgTasksLoaded{Tasks: out.Tasks}
	}
}

// loadDetail returns a command that loads one task with its unit record.
func (m *Model) loadDetail(key domain.TaskKey) tea.Cmd {
	return func() tea.Msg {
		out, err := m.container.ShowTaskUseCase().Execute(context.Background(), usecase.ShowTaskInput{
			Scope: key.Scope,
			Name:  key.Name,
		})
		if err != nil {
			return MsgError{Err: err}
		}
		return MsgDetailLoaded{Task: out.Task, Unit: out.Unit}
	}
}

// runAction returns a command executing the confirmed action on key.
func (m *Model) runAction(action ConfirmAction, key domain.TaskKey) tea.Cmd {
	user := m.opts.User
	return func() tea.Msg {
		ctx := context.Background()
		switch action {
		case ConfirmCancel:
			_, err := m.container.CancelTaskUseCase().Execute(ctx, usecase.CancelTaskInput{Scope: key.Scope, Name: key.Name})
			if err != nil {
				return MsgError{Err: err}
			}
			return MsgActionDone{Message: fmt.Sprintf("cancellation requested for %s", key)}
		case ConfirmDelete:
			_, err := m.container.DeleteTaskUseCase().Execute(ctx, usecase.DeleteTaskInput{Scope: key.Scope, Name: key.Name})
			if err != nil {
				return MsgError{Err: err}
			}
			return MsgActionDone{Message: fmt.Sprintf("deleted %s", key)}
		case ConfirmRetry:
			out, err := m.container.RetryTaskUseCase().Execute(ctx, usecase.RetryTaskInput{
				Scope:   key.Scope,
				Name:    key.Name,
				Creator: user,
			})
			if err != nil {
				return MsgError{Err: err}
			}
			return MsgActionDone{Message: fmt.Sprintf("retrying %s as %s", key, out.Task.Name)}
		case ConfirmNone:
		}
		return nil
	}
}

// SelectedTask returns the task under the cursor, or nil.
func (m *Model) SelectedTask() *domain.Task {
	item, ok := m.taskList.SelectedItem().(taskItem)
	if !ok {
		return nil
	}
	return item.task
}

// visibleTasks applies the phase filter and the text filter.
func (m *Model) visibleTasks() []*domain.Task {
	query := strings.ToLower(strings.TrimSpace(m.filterInput.Value()))
	visible := make([]*domain.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		switch m.phaseFilter {
		case FilterActive:
			if t.Status.Phase.IsTerminal() {
				continue
			}
		case FilterTerminal:
			if !t.Status.Phase.IsTerminal() {
				continue
			}
		case FilterAll:
		}
		if query != "" && !strings.Contains(strings.ToLower(taskItem{task: t}.FilterValue()), query) {
			continue
		}
		visible = append(visible, t)
	}
	return visible
}

// updateTaskList rebuilds the list items, newest first, keeping the cursor
// on the same task when it is still visible.
func (m *Model) updateTaskList() {
	var selected domain.TaskKey
	if t := m.SelectedTask(); t != nil {
		selected = t.Key()
	}

	visible := m.visibleTasks()
	items := make([]list.Item, 0, len(visible))
	cursor := 0
	for i := len(visible) - 1; i >= 0; i-- {
		t := visible[i]
		if t.Key() == selected {
			cursor = len(items)
		}
		items = append(items, taskItem{task: t})
	}
	m.taskList.SetItems(items)
	m.taskList.Select(cursor)
}

// updateLayoutSizes resizes components after a window change.
func (m *Model) updateLayoutSizes() {
	// Header, footer and the App padding.
	listHeight := max(m.height-8, 3)
	m.taskList.SetSize(max(m.width-4, 20), listHeight)
	m.detailViewport.Width = max(m.width-4, 20)
	m.detailViewport.Height = listHeight
	if m.detail != nil {
		m.detailViewport.SetContent(m.renderDetail())
	}
}

// counts returns the number of tasks per phase.
func (m *Model) counts() map[domain.Phase]int {
	counts := make(map[domain.Phase]int, len(domain.AllPhases()))
	for _, t := range m.tasks {
		counts[t.Status.Phase]++
	}
	return counts
}
