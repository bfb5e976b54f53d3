package runner

import "brainrunner/internal/task"

// CommandKind tags a control-surface command. The TUI raises these; the
// loop dispatches on the tag between ticks.
type CommandKind string

const (
	CmdRefresh         CommandKind = "refresh"
	CmdPause           CommandKind = "pause"
	CmdResume          CommandKind = "resume"
	CmdPauseAll        CommandKind = "pauseAll"
	CmdResumeAll       CommandKind = "resumeAll"
	CmdEnableFeature   CommandKind = "enableFeature"
	CmdDisableFeature  CommandKind = "disableFeature"
	CmdExecuteTask     CommandKind = "executeTask"
	CmdCancelTask      CommandKind = "cancelTask"
	CmdUpdateStatus    CommandKind = "updateStatus"
	CmdEditTask        CommandKind = "editTask"
	CmdSetProjectLimit CommandKind = "setProjectLimit"
)

// Command is one control-surface message. Only the fields the kind needs
// are set. Reply, when non-nil, receives exactly one result; commands
// with a nil Reply are fire-and-forget.
type Command struct {
	Kind    CommandKind
	Project string
	Feature string
	TaskID  string
	Path    string
	Status  task.Status
	Limit   int

	Reply chan error
}

// reply delivers the command's result without ever blocking the loop.
func (c Command) reply(err error) {
	if c.Reply == nil {
		return
	}
	select {
	case c.Reply <- err:
	default:
	}
}
