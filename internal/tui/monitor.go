// Package tui is a terminal monitor for the control plane: live task
// queue, worker roster, and run progress.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/fleet/internal/models"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	tabStyle       = lipgloss.NewStyle().Padding(0, 2).Foreground(lipgloss.Color("241"))
	activeTabStyle = lipgloss.NewStyle().Padding(0, 2).Bold(true).Foreground(lipgloss.Color("205"))
	helpStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))

	statusPending   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	statusWorking   = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	statusCompleted = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	statusFailed    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	statusCancelled = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

func formatStatus(status string) string {
	switch status {
	case "pending":
		return statusPending.Render("● pending")
	case "working", "running", "attempting":
		return statusWorking.Render("● " + status)
	case "completed", "passed":
		return statusCompleted.Render("● " + status)
	case "failed", "failed_final":
		return statusFailed.Render("● " + status)
	case "cancelled":
		return statusCancelled.Render("● cancelled")
	default:
		return status
	}
}

// TaskItem implements list.Item for the task queue view.
type TaskItem struct {
	ID        string
	TaskTitle string
	Status    string
	ClaimedBy string
	Priority  int
}

func (i TaskItem) FilterValue() string { return i.TaskTitle }
func (i TaskItem) Title() string       { return i.TaskTitle }
func (i TaskItem) Description() string {
	parts := []string{formatStatus(i.Status)}
	if i.Priority != 0 {
		parts = append(parts, fmt.Sprintf("p%d", i.Priority))
	}
	if i.ClaimedBy != "" {
		parts = append(parts, i.ClaimedBy)
	}
	return strings.Join(parts, " • ")
}

type tab int

const (
	tabTasks tab = iota
	tabWorkers
	tabRuns
	tabCount
)

var tabLabels = []string{"Tasks", "Workers", "Runs"}

type refreshedMsg struct {
	tasks   []models.Task
	workers []WorkerView
	runs    []models.RalphRun
}

type errMsg struct{ err error }

type tickMsg time.Time

// Model is the monitor's bubbletea model.
type Model struct {
	client  *Client
	refresh time.Duration

	tab     tab
	list    list.Model
	workers []WorkerView
	runs    []models.RalphRun
	lastErr error
	width   int
	height  int
}

// NewModel builds the monitor. refresh is the poll cadence.
func NewModel(client *Client, refresh time.Duration) *Model {
	if refresh <= 0 {
		refresh = 2 * time.Second
	}
	l := list.New([]list.Item{}, list.NewDefaultDelegate(), 80, 20)
	l.Title = "Tasks"
	l.SetShowStatusBar(true)
	l.SetFilteringEnabled(true)
	l.Styles.Title = titleStyle
	return &Model{client: client, refresh: refresh, list: l}
}

// Init starts the first refresh and the poll ticker.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.doRefresh(), m.tick())
}

func (m *Model) tick() tea.Cmd {
	return tea.Tick(m.refresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *Model) doRefresh() tea.Cmd {
	client := m.client
	return func() tea.Msg {
		tasks, err := client.ListTasks("")
		if err != nil {
			return errMsg{err}
		}
		workers, err := client.ListWorkers()
		if err != nil {
			return errMsg{err}
		}
		runs, err := client.ListRuns()
		if err != nil {
			return errMsg{err}
		}
		return refreshedMsg{tasks: tasks, workers: workers, runs: runs}
	}
}

// Update handles messages.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.list.SetSize(msg.Width, msg.Height-4)
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.doRefresh(), m.tick())

	case refreshedMsg:
		m.lastErr = nil
		m.workers = msg.workers
		m.runs = msg.runs
		items := make([]list.Item, len(msg.tasks))
		for i, t := range msg.tasks {
			items[i] = TaskItem{
				ID:        t.ID,
				TaskTitle: t.Title,
				Status:    string(t.Status),
				ClaimedBy: t.ClaimedBy,
				Priority:  t.Priority,
			}
		}
		m.list.SetItems(items)
		return m, nil

	case errMsg:
		m.lastErr = msg.err
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "tab":
			m.tab = (m.tab + 1) % tabCount
			return m, nil
		case "r":
			return m, m.doRefresh()
		}
	}

	if m.tab == tabTasks {
		var cmd tea.Cmd
		m.list, cmd = m.list.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View renders the active tab.
func (m *Model) View() string {
	var b strings.Builder
	for i, label := range tabLabels {
		style := tabStyle
		if tab(i) == m.tab {
			style = activeTabStyle
		}
		b.WriteString(style.Render(label))
	}
	b.WriteString("\n\n")

	switch m.tab {
	case tabTasks:
		b.WriteString(m.list.View())
	case tabWorkers:
		b.WriteString(m.workersView())
	case tabRuns:
		b.WriteString(m.runsView())
	}

	b.WriteString("\n")
	if m.lastErr != nil {
		b.WriteString(errStyle.Render("error: " + m.lastErr.Error()))
		b.WriteString("\n")
	}
	b.WriteString(helpStyle.Render("tab: switch • r: refresh • q: quit"))
	return b.String()
}

func (m *Model) workersView() string {
	if len(m.workers) == 0 {
		return "No workers registered."
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render("Workers"))
	b.WriteString("\n\n")
	for _, w := range m.workers {
		state := statusFailed.Render("○ offline")
		if w.Connected {
			state = statusCompleted.Render("● online")
		}
		scope := strings.Join(w.Codebases, ", ")
		if w.Global {
			scope = "all codebases"
		}
		fmt.Fprintf(&b, "%s  %s  [%s]  %s\n", state, w.Name, strings.Join(w.Capabilities, ","), scope)
	}
	return b.String()
}

func (m *Model) runsView() string {
	if len(m.runs) == 0 {
		return "No runs."
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render("Runs"))
	b.WriteString("\n\n")
	for _, r := range m.runs {
		passed := 0
		for _, res := range r.Results {
			if res.Status == models.StoryStatusPassed {
				passed++
			}
		}
		fmt.Fprintf(&b, "%s  %s  %d/%d stories", formatStatus(string(r.Status)), r.ID[:8], passed, len(r.Stories))
		if r.CancelRequested && !r.Status.Terminal() {
			b.WriteString("  (cancelling)")
		}
		b.WriteString("\n")
	}
	return b.String()
}

// Run starts the monitor program and blocks until it exits.
func Run(client *Client, refresh time.Duration) error {
	p := tea.NewProgram(NewModel(client, refresh), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
