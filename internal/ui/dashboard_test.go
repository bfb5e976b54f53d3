package ui

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brainrunner/internal/runner"
	"brainrunner/internal/supervisor"
	"brainrunner/internal/task"
)

func logRecord(taskID, msg string) supervisor.Record {
	return supervisor.Record{Timestamp: time.Now(), Level: "info", TaskID: taskID, Message: msg}
}

func init() {
	lipgloss.SetColorProfile(termenv.Ascii)
}

func testSnapshot() runner.Snapshot {
	return runner.Snapshot{
		Time:      time.Now(),
		GlobalCap: 2,
		Running:   1,
		Totals:    task.Stats{Total: 2, Ready: 1, InProgress: 1},
		Projects: []runner.ProjectSnapshot{
			{
				Name: "demo",
				Tasks: []*task.ResolvedTask{
					{
						Task: task.Task{
							ID: "aaaaaaaa", Project: "demo",
							Path:      "projects/demo/task/aaaaaaaa.md",
							Status:    task.StatusPending,
							Title:     "first task",
							FeatureID: "login",
							Content:   "# first task\n\nbody",
						},
						Classification: task.ClassReady,
					},
					{
						Task: task.Task{
							ID: "bbbbbbbb", Project: "demo",
							Path:   "projects/demo/task/bbbbbbbb.md",
							Status: task.StatusInProgress,
							Title:  "second task",
						},
						Classification: task.ClassWaiting,
					},
				},
			},
		},
	}
}

func newTestModel(commands chan runner.Command) DashboardModel {
	m := NewDashboardModel(commands, "/tmp/brain")
	updated, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	m = updated.(DashboardModel)
	updated, _ = m.Update(snapshotMsg(testSnapshot()))
	return updated.(DashboardModel)
}

func keyMsg(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	default:
		return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
	}
}

// runCmd executes the command against a fake loop that acknowledges
// whatever arrives on the command channel.
func runCmd(t *testing.T, commands chan runner.Command, cmd tea.Cmd) (runner.Command, tea.Msg) {
	t.Helper()
	require.NotNil(t, cmd)
	got := make(chan runner.Command, 1)
	go func() {
		c := <-commands
		got <- c
		c.Reply <- nil
	}()
	msg := cmd()
	select {
	case c := <-got:
		return c, msg
	case <-time.After(time.Second):
		t.Fatal("no command raised")
		return runner.Command{}, nil
	}
}

func TestSnapshotPopulatesRows(t *testing.T) {
	m := newTestModel(make(chan runner.Command, 1))

	require.Len(t, m.rows, 2)
	assert.Equal(t, "aaaaaaaa", m.rows[0].id)
	assert.Equal(t, task.ClassReady, m.rows[0].class)

	view := m.View()
	assert.Contains(t, view, "aaaaaaaa")
	assert.Contains(t, view, "first task")
	assert.Contains(t, view, "running 1/2")
	assert.NotContains(t, view, "DISCONNECTED")
}

func TestViewBeforeFirstSnapshotShowsDisconnected(t *testing.T) {
	m := NewDashboardModel(make(chan runner.Command, 1), "/tmp/brain")
	assert.Contains(t, m.View(), "DISCONNECTED")
}

func TestExecuteKeyRaisesCommand(t *testing.T) {
	commands := make(chan runner.Command, 1)
	m := newTestModel(commands)

	_, cmd := m.Update(keyMsg("e"))
	c, msg := runCmd(t, commands, cmd)

	assert.Equal(t, runner.CmdExecuteTask, c.Kind)
	assert.Equal(t, "demo", c.Project)
	assert.Equal(t, "aaaaaaaa", c.TaskID)
	res, ok := msg.(actionResultMsg)
	require.True(t, ok)
	assert.NoError(t, res.err)
	assert.Contains(t, res.msg, "aaaaaaaa")
}

func TestPauseTogglesWithProjectState(t *testing.T) {
	commands := make(chan runner.Command, 1)
	m := newTestModel(commands)

	_, cmd := m.Update(keyMsg("p"))
	c, _ := runCmd(t, commands, cmd)
	assert.Equal(t, runner.CmdPause, c.Kind)

	snap := testSnapshot()
	snap.Projects[0].Paused = true
	updated, _ := m.Update(snapshotMsg(snap))
	m = updated.(DashboardModel)
	assert.Contains(t, m.View(), "PAUSED demo")

	_, cmd = m.Update(keyMsg("p"))
	c, _ = runCmd(t, commands, cmd)
	assert.Equal(t, runner.CmdResume, c.Kind)
}

func TestCancelNeedsConfirmation(t *testing.T) {
	commands := make(chan runner.Command, 1)
	m := newTestModel(commands)
	m.table.SetCursor(1) // the in_progress row

	updated, cmd := m.Update(keyMsg("x"))
	m = updated.(DashboardModel)
	assert.Nil(t, cmd)
	assert.Equal(t, viewConfirmCancel, m.viewMode)
	assert.Contains(t, m.View(), "bbbbbbbb")

	updated, cmd = m.Update(keyMsg("y"))
	m = updated.(DashboardModel)
	assert.Equal(t, viewList, m.viewMode)
	c, _ := runCmd(t, commands, cmd)
	assert.Equal(t, runner.CmdCancelTask, c.Kind)
	assert.Equal(t, "bbbbbbbb", c.TaskID)
}

func TestCancelDeclined(t *testing.T) {
	m := newTestModel(make(chan runner.Command, 1))
	m.table.SetCursor(1)

	updated, _ := m.Update(keyMsg("x"))
	m = updated.(DashboardModel)
	updated, cmd := m.Update(keyMsg("n"))
	m = updated.(DashboardModel)

	assert.Nil(t, cmd)
	assert.Equal(t, viewList, m.viewMode)
}

func TestCancelIgnoredForIdleTask(t *testing.T) {
	m := newTestModel(make(chan runner.Command, 1))
	m.table.SetCursor(0) // pending row

	updated, _ := m.Update(keyMsg("x"))
	m = updated.(DashboardModel)
	assert.Equal(t, viewList, m.viewMode)
}

func TestFocusToggle(t *testing.T) {
	commands := make(chan runner.Command, 1)
	m := newTestModel(commands)

	_, cmd := m.Update(keyMsg("f"))
	c, _ := runCmd(t, commands, cmd)
	assert.Equal(t, runner.CmdEnableFeature, c.Kind)
	assert.Equal(t, "login", c.Feature)

	snap := testSnapshot()
	snap.Projects[0].EnabledFeatures = []string{"login"}
	updated, _ := m.Update(snapshotMsg(snap))
	m = updated.(DashboardModel)
	assert.Contains(t, m.View(), "FOCUS demo:login")

	_, cmd = m.Update(keyMsg("f"))
	c, _ = runCmd(t, commands, cmd)
	assert.Equal(t, runner.CmdDisableFeature, c.Kind)
}

func TestFocusIgnoredWithoutFeature(t *testing.T) {
	m := newTestModel(make(chan runner.Command, 1))
	m.table.SetCursor(1) // no feature id

	_, cmd := m.Update(keyMsg("f"))
	assert.Nil(t, cmd)
}

func TestDetailViewRendersTaskBody(t *testing.T) {
	m := newTestModel(make(chan runner.Command, 1))

	updated, _ := m.Update(keyMsg("enter"))
	m = updated.(DashboardModel)
	assert.Equal(t, viewDetail, m.viewMode)
	view := m.View()
	assert.Contains(t, view, "aaaaaaaa")

	updated, _ = m.Update(keyMsg("esc"))
	m = updated.(DashboardModel)
	assert.Equal(t, viewList, m.viewMode)
}

func TestLogsViewShowsRecords(t *testing.T) {
	m := newTestModel(make(chan runner.Command, 1))
	snap := testSnapshot()
	snap.Logs = append(snap.Logs, logRecord("aaaaaaaa", "agent says hi"))
	updated, _ := m.Update(snapshotMsg(snap))
	m = updated.(DashboardModel)

	updated, _ = m.Update(keyMsg("l"))
	m = updated.(DashboardModel)
	assert.Equal(t, viewLogs, m.viewMode)
	assert.Contains(t, m.View(), "agent says hi")
}

func TestActionErrorShownInStatusLine(t *testing.T) {
	m := newTestModel(make(chan runner.Command, 1))

	updated, _ := m.Update(actionResultMsg{err: assert.AnError})
	m = updated.(DashboardModel)
	assert.True(t, m.messageIsErr)
	assert.Contains(t, m.View(), assert.AnError.Error())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	long := strings.Repeat("x", 60)
	got := truncate(long, 48)
	assert.Len(t, got, 48)
	assert.True(t, strings.HasSuffix(got, "..."))
}
