// Package ui is the terminal dashboard: a read model of the runner loop
// plus a control surface that raises commands back into it. The loop and
// the TUI share nothing but the snapshot and command channels.
package ui

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"brainrunner/internal/runner"
	"brainrunner/internal/task"
)

const (
	viewList          = "list"
	viewLogs          = "logs"
	viewDetail        = "detail"
	viewConfirmCancel = "confirm_cancel"

	// staleAfter marks the runner as disconnected when no snapshot
	// arrived for this long (the loop publishes every tick).
	staleAfter = 10 * time.Second

	commandTimeout = 3 * time.Second
)

type snapshotMsg runner.Snapshot

type actionResultMsg struct {
	err error
	msg string
}

type editorFinishedMsg struct {
	taskID string
	err    error
}

type staleTickMsg time.Time

// rowRef ties a table row back to the task it renders.
type rowRef struct {
	project string
	id      string
	path    string
	title   string
	feature string
	status  task.Status
	class   task.Classification
	content string
	focused bool
}

// DashboardModel is the bubbletea model for the runner dashboard.
type DashboardModel struct {
	commands chan<- runner.Command
	brainDir string

	table    table.Model
	viewport viewport.Model
	renderer *glamour.TermRenderer

	snap     runner.Snapshot
	haveSnap bool
	lastSeen time.Time
	rows     []rowRef

	viewMode     string
	width        int
	height       int
	message      string
	messageIsErr bool
	cancelTarget rowRef
}

// NewDashboardModel builds the model. Commands raised by keybindings go
// into commands; brainDir anchors entry paths for the editor.
func NewDashboardModel(commands chan<- runner.Command, brainDir string) DashboardModel {
	columns := []table.Column{
		{Title: "PROJECT", Width: 14},
		{Title: "ID", Width: 10},
		{Title: "STATUS", Width: 12},
		{Title: "CLASS", Width: 10},
		{Title: "FEATURE", Width: 14},
		{Title: "TITLE", Width: 48},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(15),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return DashboardModel{
		commands: commands,
		brainDir: brainDir,
		table:    t,
		viewport: viewport.New(0, 0),
		viewMode: viewList,
	}
}

func (m DashboardModel) Init() tea.Cmd {
	return staleTick()
}

func staleTick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return staleTickMsg(t)
	})
}

func (m DashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetWidth(m.width)
		m.table.SetHeight(max(m.height-10, 5))
		m.viewport.Width = m.width
		m.viewport.Height = max(m.height-5, 5)
		m.renderer = nil // re-created at the new wrap width

	case snapshotMsg:
		m.snap = runner.Snapshot(msg)
		m.haveSnap = true
		m.lastSeen = time.Now()
		m.refreshRows()
		if m.viewMode == viewLogs {
			m.viewport.SetContent(m.renderLogs())
			m.viewport.GotoBottom()
		}

	case staleTickMsg:
		return m, staleTick()

	case actionResultMsg:
		if msg.err != nil {
			m.message = msg.err.Error()
			m.messageIsErr = true
		} else {
			m.message = msg.msg
			m.messageIsErr = false
		}
		if m.message != "" {
			return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg {
				return actionResultMsg{}
			})
		}

	case editorFinishedMsg:
		if msg.err != nil {
			return m, result(fmt.Errorf("editor: %w", msg.err))
		}
		// Re-read the entry so edited frontmatter lands this tick.
		return m, m.send(runner.Command{Kind: runner.CmdEditTask, TaskID: msg.taskID}, "entry reloaded")

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m DashboardModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch m.viewMode {
	case viewLogs, viewDetail:
		switch msg.String() {
		case "q", "esc":
			m.viewMode = viewList
			return m, nil
		default:
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}

	case viewConfirmCancel:
		switch msg.String() {
		case "y", "Y":
			target := m.cancelTarget
			m.viewMode = viewList
			return m, m.send(runner.Command{
				Kind:    runner.CmdCancelTask,
				Project: target.project,
				TaskID:  target.id,
			}, fmt.Sprintf("cancelled %s", target.id))
		case "n", "N", "esc", "q":
			m.viewMode = viewList
			return m, nil
		}
		return m, nil
	}

	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit

	case "r":
		return m, m.send(runner.Command{Kind: runner.CmdRefresh}, "refreshed")

	case "enter", "d":
		if row, ok := m.selected(); ok {
			m.viewMode = viewDetail
			m.viewport.SetContent(m.renderDetail(row))
			m.viewport.GotoTop()
		}
		return m, nil

	case "l":
		m.viewMode = viewLogs
		m.viewport.SetContent(m.renderLogs())
		m.viewport.GotoBottom()
		return m, nil

	case "e":
		if row, ok := m.selected(); ok {
			return m, m.send(runner.Command{
				Kind:    runner.CmdExecuteTask,
				Project: row.project,
				TaskID:  row.id,
			}, fmt.Sprintf("dispatched %s", row.id))
		}

	case "x":
		if row, ok := m.selected(); ok && row.status == task.StatusInProgress {
			m.cancelTarget = row
			m.viewMode = viewConfirmCancel
		}
		return m, nil

	case "p":
		if row, ok := m.selected(); ok {
			kind := runner.CmdPause
			verb := "paused"
			if m.projectPaused(row.project) {
				kind = runner.CmdResume
				verb = "resumed"
			}
			return m, m.send(runner.Command{Kind: kind, Project: row.project}, verb+" "+row.project)
		}

	case "P":
		return m, m.send(runner.Command{Kind: runner.CmdPauseAll}, "all projects paused")

	case "R":
		return m, m.send(runner.Command{Kind: runner.CmdResumeAll}, "all projects resumed")

	case "f":
		if row, ok := m.selected(); ok && row.feature != "" {
			kind := runner.CmdEnableFeature
			verb := "focused"
			if row.focused {
				kind = runner.CmdDisableFeature
				verb = "unfocused"
			}
			return m, m.send(runner.Command{
				Kind:    kind,
				Project: row.project,
				Feature: row.feature,
			}, verb+" "+row.feature)
		}

	case "E":
		if row, ok := m.selected(); ok {
			return m.openEditor(row)
		}
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// send raises a command and reports the outcome as a status message.
func (m DashboardModel) send(c runner.Command, okMsg string) tea.Cmd {
	c.Reply = make(chan error, 1)
	commands := m.commands
	return func() tea.Msg {
		select {
		case commands <- c:
		case <-time.After(commandTimeout):
			return actionResultMsg{err: fmt.Errorf("runner not accepting commands")}
		}
		select {
		case err := <-c.Reply:
			if err != nil {
				return actionResultMsg{err: err}
			}
			return actionResultMsg{msg: okMsg}
		case <-time.After(commandTimeout):
			return actionResultMsg{msg: okMsg}
		}
	}
}

func result(err error) tea.Cmd {
	return func() tea.Msg { return actionResultMsg{err: err} }
}

func (m DashboardModel) openEditor(row rowRef) (tea.Model, tea.Cmd) {
	editor := os.Getenv("VISUAL")
	if editor == "" {
		editor = os.Getenv("EDITOR")
	}
	if editor == "" {
		editor = "vi"
	}
	path := filepath.Join(m.brainDir, row.path)
	c := exec.Command(editor, path)
	id := row.id
	return m, tea.ExecProcess(c, func(err error) tea.Msg {
		return editorFinishedMsg{taskID: id, err: err}
	})
}

func (m *DashboardModel) refreshRows() {
	cursor := m.table.Cursor()
	m.rows = m.rows[:0]
	var rows []table.Row
	for _, p := range m.snap.Projects {
		focus := make(map[string]bool, len(p.EnabledFeatures))
		for _, f := range p.EnabledFeatures {
			focus[f] = true
		}
		for _, t := range p.Tasks {
			ref := rowRef{
				project: p.Name,
				id:      t.ID,
				path:    t.Path,
				title:   t.Title,
				feature: t.FeatureID,
				status:  t.Status,
				class:   t.Classification,
				content: t.Content,
				focused: focus[t.FeatureID],
			}
			m.rows = append(m.rows, ref)
			rows = append(rows, table.Row{
				p.Name,
				t.ID,
				string(t.Status),
				string(t.Classification),
				t.FeatureID,
				truncate(t.Title, 48),
			})
		}
	}
	m.table.SetRows(rows)
	if cursor < len(rows) {
		m.table.SetCursor(cursor)
	}
}

func (m DashboardModel) selected() (rowRef, bool) {
	i := m.table.Cursor()
	if i < 0 || i >= len(m.rows) {
		return rowRef{}, false
	}
	return m.rows[i], true
}

func (m DashboardModel) projectPaused(name string) bool {
	for _, p := range m.snap.Projects {
		if p.Name == name {
			return p.Paused || p.LegacyPaused
		}
	}
	return false
}

func (m DashboardModel) renderLogs() string {
	var b strings.Builder
	for _, rec := range m.snap.Logs {
		style := logInfoStyle
		switch rec.Level {
		case "warn":
			style = logWarnStyle
		case "error":
			style = logErrorStyle
		}
		prefix := rec.Timestamp.Format("15:04:05")
		if rec.TaskID != "" {
			prefix += " [" + rec.TaskID + "]"
		}
		b.WriteString(style.Render(prefix+" "+rec.Message) + "\n")
	}
	if b.Len() == 0 {
		return "no log output yet"
	}
	return b.String()
}

func (m *DashboardModel) renderDetail(row rowRef) string {
	head := detailTitleStyle.Render(fmt.Sprintf("%s  %s", row.id, row.title))
	meta := fmt.Sprintf("project: %s   status: %s   classification: %s\n",
		row.project, row.status, row.class)
	body := row.content
	if body == "" {
		body = "_no body_"
	}
	if m.renderer == nil {
		wrap := m.width - 4
		if wrap < 40 {
			wrap = 80
		}
		r, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(wrap),
		)
		if err == nil {
			m.renderer = r
		}
	}
	if m.renderer != nil {
		if out, err := m.renderer.Render(body); err == nil {
			body = out
		}
	}
	return head + "\n" + meta + "\n" + body
}

func (m DashboardModel) View() string {
	switch m.viewMode {
	case viewLogs:
		return fmt.Sprintf("%s\n\n%s\n\n%s",
			headerStyle.Render("Runner Logs"),
			m.viewport.View(),
			helpStyle.Render("q/esc back  ↑/↓ scroll"))
	case viewDetail:
		return m.viewport.View() + "\n" + helpStyle.Render("q/esc back  ↑/↓ scroll")
	case viewConfirmCancel:
		return fmt.Sprintf("\n%s\n\nCancel running task %s (%s)?\n\n(y/n)",
			pausedBadgeStyle.Render("CANCEL TASK"),
			m.cancelTarget.id, m.cancelTarget.title)
	}

	var b strings.Builder
	b.WriteString(m.renderHeader() + "\n")
	b.WriteString(m.renderStats() + "\n\n")
	b.WriteString(m.table.View() + "\n")
	if m.message != "" {
		style := messageStyle
		if m.messageIsErr {
			style = errorStyle
		}
		b.WriteString(style.Render(m.message) + "\n")
	}
	b.WriteString(helpStyle.Render(
		"↑/↓ move  enter detail  l logs  e execute  x cancel  p pause  P/R all  f focus  E edit  r refresh  q quit"))
	return b.String()
}

func (m DashboardModel) renderHeader() string {
	parts := []string{headerStyle.Render("brain-runner")}

	if !m.haveSnap || time.Since(m.lastSeen) > staleAfter {
		parts = append(parts, disconnectedStyle.Render("DISCONNECTED"))
		return strings.Join(parts, " ")
	}

	parts = append(parts, statsStyle.Render(fmt.Sprintf(
		"running %d/%d  agents %d  mem %.0f%% free",
		m.snap.Running, m.snap.GlobalCap,
		m.snap.Resources.AgentProcesses, m.snap.Resources.AvailablePct)))

	for _, p := range m.snap.Projects {
		if p.Paused || p.LegacyPaused {
			parts = append(parts, pausedBadgeStyle.Render("PAUSED "+p.Name))
		}
		if len(p.EnabledFeatures) > 0 {
			parts = append(parts, focusBadgeStyle.Render(
				"FOCUS "+p.Name+":"+strings.Join(p.EnabledFeatures, ",")))
		}
	}
	if m.snap.LastErr != "" {
		parts = append(parts, errorStyle.Render(m.snap.LastErr))
	}
	return strings.Join(parts, " ")
}

func (m DashboardModel) renderStats() string {
	if !m.haveSnap {
		return statsStyle.Render("waiting for first snapshot")
	}
	t := m.snap.Totals
	return statsStyle.Render(fmt.Sprintf(
		"total %d  ready %d  waiting %d  blocked %d  in progress %d  completed %d",
		t.Total, t.Ready, t.Waiting, t.Blocked, t.InProgress, t.Completed))
}

// Run drives the dashboard until ctx is cancelled or the user quits.
func Run(ctx context.Context, snapshots <-chan runner.Snapshot, commands chan<- runner.Command, brainDir string) error {
	m := NewDashboardModel(commands, brainDir)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case snap, ok := <-snapshots:
				if !ok {
					return
				}
				p.Send(snapshotMsg(snap))
			}
		}
	}()

	_, err := p.Run()
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
