// Package runner is the control loop: it polls the entry store per
// project, resolves the task graph, asks the scheduler for the next
// dispatch and drives the supervisor. A single command channel carries
// every TUI-initiated mutation; an immutable snapshot per tick carries
// everything the TUI shows.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"brainrunner/internal/db"
	"brainrunner/internal/entry"
	"brainrunner/internal/metrics"
	"brainrunner/internal/notify"
	"brainrunner/internal/scheduler"
	"brainrunner/internal/supervisor"
	"brainrunner/internal/task"
)

// ErrUnknownTask is returned for executeTask/cancelTask ids the runner
// cannot find in any project's last graph.
var ErrUnknownTask = errors.New("unknown task")

// Options configure the loop. Zero values get sensible defaults.
type Options struct {
	Projects       []string
	GlobalCap      int
	PollInterval   time.Duration
	StoreTimeout   time.Duration
	LogRing        int
	Home           string
	DefaultWorkdir string
	MultiRunner    bool
	RunnerID       string
	// NoResume leaves orphaned in_progress entries untouched instead of
	// resetting them to pending after a crash.
	NoResume bool
}

// Runner owns all per-project state. Everything mutable is confined to
// the Run goroutine; the outside talks through Commands and Snapshots.
type Runner struct {
	store    entry.Store
	sched    *scheduler.Scheduler
	sup      *supervisor.Supervisor
	mem      scheduler.MemoryProvider
	index    db.Store         // optional
	notifier *notify.Notifier // optional
	met      *metrics.Metrics
	opts     Options
	logger   *slog.Logger

	commands  chan Command
	snapshots chan Snapshot
	outcomes  chan supervisor.Outcome

	projects map[string]*projectState
	order    []string
	stale    map[string]bool // in_progress entries seen once without a child
	ring     []supervisor.Record
	lastErr  string
}

// New wires a Runner. index and notifier may be nil.
func New(store entry.Store, sched *scheduler.Scheduler, sup *supervisor.Supervisor,
	mem scheduler.MemoryProvider, met *metrics.Metrics, index db.Store,
	notifier *notify.Notifier, opts Options, logger *slog.Logger) *Runner {

	if logger == nil {
		logger = slog.Default()
	}
	if met == nil {
		met = metrics.New()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 10 * time.Second
	}
	if opts.LogRing <= 0 {
		opts.LogRing = 200
	}

	r := &Runner{
		store:     store,
		sched:     sched,
		sup:       sup,
		mem:       mem,
		index:     index,
		notifier:  notifier,
		met:       met,
		opts:      opts,
		logger:    logger,
		commands:  make(chan Command, 64),
		snapshots: make(chan Snapshot, 1),
		outcomes:  make(chan supervisor.Outcome, 64),
		projects:  make(map[string]*projectState),
		stale:     make(map[string]bool),
	}

	for _, name := range opts.Projects {
		r.projects[name] = &projectState{name: name, features: make(map[string]bool)}
		r.order = append(r.order, name)
	}
	sort.Strings(r.order)

	sup.OnOutcome = func(o supervisor.Outcome) {
		select {
		case r.outcomes <- o:
		default:
			logger.Warn("outcome channel full, dropping", "task", o.TaskID)
		}
	}
	return r
}

// Commands is the control-surface input channel.
func (r *Runner) Commands() chan<- Command { return r.commands }

// Snapshots delivers the latest read model. The channel holds at most
// one snapshot; slow consumers only ever see the newest.
func (r *Runner) Snapshots() <-chan Snapshot { return r.snapshots }

// Run drives the loop until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	logCh, cancelLogs := r.sup.Logs().Subscribe(r.opts.LogRing)
	defer cancelLogs()

	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	r.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			for _, id := range r.sup.RunningIDs() {
				if err := r.sup.Cancel(id); err != nil {
					r.logger.Warn("shutdown cancel failed", "task", id, "error", err)
				}
			}
			return nil
		case <-ticker.C:
			r.tick(ctx)
		case cmd := <-r.commands:
			r.apply(ctx, cmd)
			r.publish()
		case rec := <-logCh:
			r.appendLog(rec)
		case out := <-r.outcomes:
			r.handleOutcome(ctx, out)
			r.publish()
		}
	}
}

// tick runs one poll-resolve-dispatch pass over every project.
func (r *Runner) tick(ctx context.Context) {
	start := time.Now()
	defer r.met.ObserveTick(start)

	for _, name := range r.order {
		r.poll(ctx, r.projects[name])
	}
	for _, name := range r.order {
		r.reconcile(ctx, r.projects[name])
	}
	for _, name := range r.order {
		r.dispatchOne(ctx, r.projects[name])
	}
	r.met.RunningTasks.Set(float64(len(r.sup.RunningIDs())))
	r.publish()
}

// poll refreshes one project's graph. A transient store error keeps the
// last-known graph so the TUI never goes dark mid-outage.
func (r *Runner) poll(ctx context.Context, ps *projectState) {
	pollCtx, cancel := context.WithTimeout(ctx, r.opts.StoreTimeout)
	defer cancel()

	tasks, err := r.store.List(pollCtx, ps.name)
	if err != nil {
		ps.lastErr = err.Error()
		r.met.PollErrors.WithLabelValues(ps.name).Inc()
		r.logger.Warn("poll failed, keeping last graph", "project", ps.name, "error", err)
		return
	}

	ps.graph = task.Resolve(tasks, task.ResolveOpts{
		Home:           r.opts.Home,
		DefaultWorkdir: r.opts.DefaultWorkdir,
	})
	ps.lastPoll = time.Now()
	ps.lastErr = ""
	ps.legacy = legacyPaused(tasks)
}

// legacyPaused reports the older clients' pause encoding: the project
// root entry (tagged "root") carrying status blocked.
func legacyPaused(tasks []task.Task) bool {
	for i := range tasks {
		if tasks[i].Status != task.StatusBlocked {
			continue
		}
		for _, tag := range tasks[i].Tags {
			if tag == "root" {
				return true
			}
		}
	}
	return false
}

// reconcile applies the cross-tick repairs: crash recovery for orphaned
// in_progress entries, cancellation of externally-terminated runs, and
// focus auto-exit.
func (r *Runner) reconcile(ctx context.Context, ps *projectState) {
	if ps.graph == nil {
		return
	}

	running := make(map[string]bool)
	for _, id := range r.sup.RunningIDs() {
		running[id] = true
	}

	for _, rt := range ps.graph.Tasks {
		switch {
		case rt.Status == task.StatusInProgress && !running[rt.ID]:
			if r.opts.NoResume {
				break
			}
			// Orphaned by a crash: give it one tick to show up, then
			// reset so it becomes dispatchable again.
			if r.stale[rt.ID] {
				r.logger.Info("reconciling orphaned in_progress entry", "task", rt.ID, "project", ps.name)
				r.writeStatus(ctx, rt.Path, task.StatusPending)
				delete(r.stale, rt.ID)
			} else {
				r.stale[rt.ID] = true
			}
		case rt.Status.Terminal() && running[rt.ID]:
			// Someone moved the entry to a terminal status under us;
			// treat it as a cancellation request.
			r.logger.Info("entry moved to terminal status, cancelling child", "task", rt.ID, "status", rt.Status)
			_ = r.sup.Cancel(rt.ID)
		default:
			delete(r.stale, rt.ID)
		}
	}

	r.autoExitFocus(ps)
}

// autoExitFocus clears the feature whitelist once every task of the
// focused feature(s) has reached a terminal status. A focus that matches
// no tasks at all stays in place until its feature's work shows up.
func (r *Runner) autoExitFocus(ps *projectState) {
	if len(ps.features) == 0 || ps.graph == nil {
		return
	}
	matched := false
	for _, rt := range ps.graph.Tasks {
		if !featureAllowed(ps.features, rt.FeatureID) {
			continue
		}
		if !rt.Status.Terminal() {
			return
		}
		matched = true
	}
	if !matched {
		return
	}
	r.logger.Info("focus complete, clearing feature whitelist", "project", ps.name)
	ps.features = make(map[string]bool)
}

func featureAllowed(features map[string]bool, featureID string) bool {
	if featureID == "" {
		return features[scheduler.FeatureUngrouped]
	}
	return features[featureID]
}

// dispatchOne launches at most one task for a project, keeping the loop
// responsive under load.
func (r *Runner) dispatchOne(ctx context.Context, ps *projectState) {
	if ps.graph == nil || ps.effectivelyPaused() {
		return
	}

	graphs := map[string]*task.ResolvedGraph{ps.name: ps.graph}
	views := r.views()
	picked := r.sched.Pick(ctx, graphs, views, r.opts.GlobalCap)
	if picked == nil {
		return
	}
	r.launch(ctx, ps, picked)
}

// launch claims (when multi-runner), dispatches and records one task.
func (r *Runner) launch(ctx context.Context, ps *projectState, rt *task.ResolvedTask) bool {
	if r.opts.MultiRunner {
		if claimer, ok := r.store.(entry.Claimer); ok {
			if err := claimer.Claim(ctx, ps.name, rt.ID, r.opts.RunnerID); err != nil {
				if errors.Is(err, entry.ErrClaimed) {
					r.logger.Debug("task claimed elsewhere", "task", rt.ID)
				} else {
					r.logger.Warn("claim failed", "task", rt.ID, "error", err)
				}
				return false
			}
		}
	}

	if err := r.sup.Launch(ctx, rt); err != nil {
		r.setLastErr(fmt.Sprintf("launch %s: %v", rt.ID, err))
		r.logger.Error("launch failed", "task", rt.ID, "error", err)
		r.releaseClaim(ctx, ps.name, rt.ID)
		return false
	}

	r.met.TasksDispatched.WithLabelValues(ps.name).Inc()
	r.recordEvent(ps.name, rt.ID, "dispatched", "")
	r.notifier.Notify(ctx, notify.EventStart,
		fmt.Sprintf("brain-runner: started %s (%s)", rt.ID, rt.Title))
	return true
}

// handleOutcome reacts to a finished child.
func (r *Runner) handleOutcome(ctx context.Context, out supervisor.Outcome) {
	r.met.TaskOutcomes.WithLabelValues(out.Project, string(out.Status)).Inc()
	r.met.RunningTasks.Set(float64(len(r.sup.RunningIDs())))
	r.recordEvent(out.Project, out.TaskID, string(out.Status), out.Reason)
	r.releaseClaim(ctx, out.Project, out.TaskID)

	if out.WriteErr != nil {
		r.setLastErr(fmt.Sprintf("outcome write-back for %s: %v", out.TaskID, out.WriteErr))
	}

	switch out.Status {
	case task.StatusCompleted:
		r.notifier.Notify(ctx, notify.EventSuccess,
			fmt.Sprintf("brain-runner: %s completed", out.TaskID))
	default:
		detail := string(out.Status)
		if out.Reason != "" {
			detail += ": " + out.Reason
		}
		r.notifier.Notify(ctx, notify.EventFailure,
			fmt.Sprintf("brain-runner: %s %s", out.TaskID, detail))
	}
}

// apply executes one control command synchronously between ticks.
func (r *Runner) apply(ctx context.Context, cmd Command) {
	switch cmd.Kind {
	case CmdRefresh, CmdEditTask:
		// editTask runs the editor on the TUI side; the runner's share
		// of the work is the out-of-band re-poll afterwards.
		r.tick(ctx)
		cmd.reply(nil)

	case CmdPause:
		if ps, ok := r.projects[cmd.Project]; ok {
			ps.paused = true
		}
		cmd.reply(nil)

	case CmdResume:
		if ps, ok := r.projects[cmd.Project]; ok {
			ps.paused = false
		}
		cmd.reply(nil)

	case CmdPauseAll:
		for _, ps := range r.projects {
			ps.paused = true
		}
		cmd.reply(nil)

	case CmdResumeAll:
		for _, ps := range r.projects {
			ps.paused = false
		}
		cmd.reply(nil)

	case CmdEnableFeature:
		if ps, ok := r.projects[cmd.Project]; ok {
			ps.features[cmd.Feature] = true
		}
		cmd.reply(nil)

	case CmdDisableFeature:
		if ps, ok := r.projects[cmd.Project]; ok {
			delete(ps.features, cmd.Feature)
		}
		cmd.reply(nil)

	case CmdExecuteTask:
		cmd.reply(r.executeTask(ctx, cmd))

	case CmdCancelTask:
		cmd.reply(r.sup.Cancel(cmd.TaskID))

	case CmdUpdateStatus:
		cmd.reply(r.updateStatus(ctx, cmd))

	case CmdSetProjectLimit:
		if ps, ok := r.projects[cmd.Project]; ok {
			ps.limit = cmd.Limit
		}
		cmd.reply(nil)

	default:
		cmd.reply(fmt.Errorf("unknown command %q", cmd.Kind))
	}
}

// executeTask is the manual launch path: it bypasses the feature filter
// but still honours pause, capacity and the memory guard.
func (r *Runner) executeTask(ctx context.Context, cmd Command) error {
	ps, rt := r.find(cmd.TaskID)
	if rt == nil {
		return fmt.Errorf("execute %s: %w", cmd.TaskID, ErrUnknownTask)
	}
	if rt.Classification != task.ClassReady {
		return fmt.Errorf("execute %s: classification %s: %w", cmd.TaskID, rt.Classification, scheduler.ErrNotReady)
	}

	views := r.views()
	view := views[ps.name]
	view.Features = nil // manual execute ignores focus
	if err := r.sched.Admit(ctx, view, views, r.opts.GlobalCap); err != nil {
		return fmt.Errorf("execute %s: %w", cmd.TaskID, err)
	}

	if !r.launch(ctx, ps, rt) {
		return fmt.Errorf("execute %s: launch refused", cmd.TaskID)
	}
	return nil
}

// updateStatus proxies a manual transition to the entry store and treats
// terminal transitions of running tasks as cancellation requests.
func (r *Runner) updateStatus(ctx context.Context, cmd Command) error {
	if !cmd.Status.Valid() {
		return fmt.Errorf("status %q: %w", cmd.Status, entry.ErrInvalid)
	}
	if err := r.writeStatus(ctx, cmd.Path, cmd.Status); err != nil {
		return err
	}
	if cmd.Status.Terminal() {
		_ = r.sup.Cancel(cmd.TaskID)
	}
	return nil
}

func (r *Runner) writeStatus(ctx context.Context, path string, status task.Status) error {
	writeCtx, cancel := context.WithTimeout(ctx, r.opts.StoreTimeout)
	defer cancel()
	if err := entry.UpdateStatus(writeCtx, r.store, path, status); err != nil {
		r.setLastErr(fmt.Sprintf("update %s: %v", path, err))
		return err
	}
	return nil
}

// find locates a task by id across the last-known graphs.
func (r *Runner) find(taskID string) (*projectState, *task.ResolvedTask) {
	for _, name := range r.order {
		ps := r.projects[name]
		if ps.graph == nil {
			continue
		}
		if rt := ps.graph.Get(taskID); rt != nil {
			return ps, rt
		}
	}
	return nil, nil
}

// views derives the scheduler's per-project view from loop state.
func (r *Runner) views() map[string]scheduler.ProjectView {
	views := make(map[string]scheduler.ProjectView, len(r.projects))
	for name, ps := range r.projects {
		views[name] = scheduler.ProjectView{
			Paused:   ps.effectivelyPaused(),
			Limit:    ps.limit,
			Running:  r.sup.RunningCount(name),
			Features: ps.features,
		}
	}
	return views
}

func (r *Runner) appendLog(rec supervisor.Record) {
	r.ring = append(r.ring, rec)
	if over := len(r.ring) - r.opts.LogRing; over > 0 {
		r.ring = r.ring[over:]
	}
}

func (r *Runner) setLastErr(msg string) {
	r.lastErr = msg
}

func (r *Runner) recordEvent(project, taskID, kind, detail string) {
	if r.index == nil {
		return
	}
	if err := r.index.RecordEvent(project, taskID, kind, detail); err != nil {
		r.logger.Warn("index event write failed", "task", taskID, "error", err)
	}
}

func (r *Runner) releaseClaim(ctx context.Context, project, taskID string) {
	if !r.opts.MultiRunner {
		return
	}
	if claimer, ok := r.store.(entry.Claimer); ok {
		if err := claimer.Release(ctx, project, taskID, r.opts.RunnerID); err != nil {
			r.logger.Warn("claim release failed", "task", taskID, "error", err)
		}
	}
}

// publish replaces the buffered snapshot, newest wins.
func (r *Runner) publish() {
	snap := r.buildSnapshot()
	select {
	case r.snapshots <- snap:
	default:
		select {
		case <-r.snapshots:
		default:
		}
		select {
		case r.snapshots <- snap:
		default:
		}
	}
}

func (r *Runner) buildSnapshot() Snapshot {
	runningIDs := r.sup.RunningIDs()

	availPct := 0.0
	if r.mem != nil {
		if pct, err := r.mem.AvailablePercent(context.Background()); err == nil {
			availPct = pct
		}
	}

	snap := Snapshot{
		Time:      time.Now(),
		GlobalCap: r.opts.GlobalCap,
		Running:   len(runningIDs),
		Resources: currentResources(len(runningIDs), availPct),
		Logs:      append([]supervisor.Record(nil), r.ring...),
		LastErr:   r.lastErr,
	}

	for _, name := range r.order {
		ps := r.projects[name]
		proj := ps.snapshot(r.sup.RunningCount(name))
		snap.Projects = append(snap.Projects, proj)
		snap.Totals.Total += proj.Stats.Total
		snap.Totals.Ready += proj.Stats.Ready
		snap.Totals.Waiting += proj.Stats.Waiting
		snap.Totals.Blocked += proj.Stats.Blocked
		snap.Totals.InProgress += proj.Stats.InProgress
		snap.Totals.Completed += proj.Stats.Completed
	}
	return snap
}
