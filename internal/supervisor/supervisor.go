// Package supervisor owns agent process lifecycles: launch, output
// framing, cancellation and outcome write-back.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"brainrunner/internal/entry"
	"brainrunner/internal/task"
)

var (
	// ErrAlreadyRunning is returned when a task already has a live process.
	ErrAlreadyRunning = errors.New("task already running")
	// ErrConflict is returned when the entry moved out of a launchable
	// status between scheduling and launch.
	ErrConflict = errors.New("entry status changed before launch")
	// ErrNotRunning is returned by Await and Cancel for unknown tasks.
	ErrNotRunning = errors.New("task not running")
)

// Outcome is the terminal result of one supervised run.
type Outcome struct {
	TaskID   string
	Project  string
	Status   task.Status // completed, blocked or cancelled
	Reason   string      // set for blocked outcomes
	ExitCode int
	// WriteErr is set when the status write-back failed after a retry;
	// the run still finished with the recorded status.
	WriteErr error
}

// Options tune a Supervisor. Zero values get defaults.
type Options struct {
	Agent       string // agent CLI binary, e.g. "claude"
	Model       string
	CancelGrace time.Duration // soft-to-hard escalation delay, default 30s
	TaskTimeout time.Duration // wall clock cap per run, default 4h
}

// Supervisor launches agent processes for ready tasks and writes their
// outcomes back to the entry store. One Supervisor serves all projects.
type Supervisor struct {
	store   entry.Store
	spawner Spawner
	logs    *Broadcaster
	opts    Options
	logger  *slog.Logger

	// OnOutcome, when set, is called after each run's write-back.
	OnOutcome func(Outcome)

	mu       sync.Mutex
	running  map[string]*run
	finished map[string]Outcome
}

type run struct {
	taskID    string
	project   string
	path      string
	proc      Process
	cancelled bool
	done      chan struct{}
	outcome   Outcome
}

// New creates a Supervisor. A nil logger or broadcaster gets defaults.
func New(store entry.Store, spawner Spawner, logs *Broadcaster, opts Options, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if logs == nil {
		logs = NewBroadcaster()
	}
	if opts.CancelGrace <= 0 {
		opts.CancelGrace = 30 * time.Second
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = 4 * time.Hour
	}
	return &Supervisor{
		store:    store,
		spawner:  spawner,
		logs:     logs,
		opts:     opts,
		logger:   logger,
		running:  make(map[string]*run),
		finished: make(map[string]Outcome),
	}
}

// Logs exposes the log broadcaster for subscribers.
func (s *Supervisor) Logs() *Broadcaster { return s.logs }

// RunningIDs returns the ids of all live runs, unordered.
func (s *Supervisor) RunningIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	return ids
}

// RunningCount returns live runs for one project.
func (s *Supervisor) RunningCount(project string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.running {
		if r.project == project {
			n++
		}
	}
	return n
}

// Launch starts the agent for a resolved task. It re-reads the entry
// first and refuses to launch if the status moved, marks the entry
// in_progress, then spawns. A spawn failure rolls the entry back to
// pending so the task stays eligible.
func (s *Supervisor) Launch(ctx context.Context, t *task.ResolvedTask) error {
	s.mu.Lock()
	if _, ok := s.running[t.ID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("launch %s: %w", t.ID, ErrAlreadyRunning)
	}
	// Reserve the slot before the store round-trips so a concurrent
	// launch of the same task fails fast.
	r := &run{taskID: t.ID, project: t.Project, path: t.Path, done: make(chan struct{})}
	s.running[t.ID] = r
	delete(s.finished, t.ID)
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		delete(s.running, t.ID)
		s.mu.Unlock()
	}

	current, err := s.store.Get(ctx, t.Path)
	if err != nil {
		release()
		return fmt.Errorf("launch %s: %w", t.ID, err)
	}
	switch current.Status {
	case task.StatusPending, task.StatusActive:
	default:
		release()
		s.logger.Warn("launch aborted, entry moved", "task", t.ID, "status", current.Status)
		return fmt.Errorf("launch %s: status %s: %w", t.ID, current.Status, ErrConflict)
	}

	if err := entry.UpdateStatus(ctx, s.store, t.Path, task.StatusInProgress); err != nil {
		release()
		return fmt.Errorf("launch %s: mark in_progress: %w", t.ID, err)
	}

	outcomeFile := filepath.Join(os.TempDir(), fmt.Sprintf("brain-runner-outcome-%s", t.ID))
	_ = os.Remove(outcomeFile)

	spec := SpawnSpec{
		TaskID:      t.ID,
		Project:     t.Project,
		Path:        t.Path,
		Title:       t.Title,
		Agent:       s.opts.Agent,
		Model:       s.opts.Model,
		Workdir:     t.ResolvedWorkdir,
		OutcomeFile: outcomeFile,
		Env: []string{
			"BRAIN_TASK_ID=" + t.ID,
			"BRAIN_TASK_PROJECT=" + t.Project,
			"BRAIN_OUTCOME_FILE=" + outcomeFile,
		},
	}

	sink := func(stream, line string) {
		level := "info"
		if stream == "stderr" {
			level = "warn"
		}
		s.logs.Publish(Record{Level: level, Message: line, TaskID: t.ID, ProjectID: t.Project})
	}

	proc, err := s.spawner.Spawn(ctx, spec, sink)
	if err != nil {
		release()
		if rbErr := entry.UpdateStatus(ctx, s.store, t.Path, task.StatusPending); rbErr != nil {
			s.logger.Error("rollback to pending failed", "task", t.ID, "error", rbErr)
		}
		return fmt.Errorf("launch %s: %w", t.ID, err)
	}

	s.mu.Lock()
	r.proc = proc
	s.mu.Unlock()

	s.logger.Info("agent launched", "task", t.ID, "project", t.Project, "pid", proc.PID(), "workdir", spec.Workdir)
	go s.watch(r, outcomeFile)
	return nil
}

// watch waits for the process, derives the outcome and writes it back.
func (s *Supervisor) watch(r *run, outcomeFile string) {
	type waitResult struct {
		code int
		err  error
	}
	waitCh := make(chan waitResult, 1)
	go func() {
		code, err := r.proc.Wait()
		waitCh <- waitResult{code, err}
	}()

	timer := time.NewTimer(s.opts.TaskTimeout)
	defer timer.Stop()

	var res waitResult
	timedOut := false
	select {
	case res = <-waitCh:
	case <-timer.C:
		timedOut = true
		s.logger.Warn("task timed out, terminating", "task", r.taskID, "timeout", s.opts.TaskTimeout)
		_ = r.proc.Terminate()
		select {
		case res = <-waitCh:
		case <-time.After(s.opts.CancelGrace):
			_ = r.proc.Kill()
			res = <-waitCh
		}
	}

	s.mu.Lock()
	cancelled := r.cancelled
	s.mu.Unlock()

	out := Outcome{TaskID: r.taskID, Project: r.project, ExitCode: res.code}
	switch {
	case cancelled:
		out.Status = task.StatusCancelled
	case timedOut:
		out.Status = task.StatusBlocked
		out.Reason = "timeout"
	case res.err != nil:
		out.Status = task.StatusBlocked
		out.Reason = res.err.Error()
	case res.code == 0:
		if reason, ok := readOutcomeFile(outcomeFile); ok {
			out.Status = task.StatusBlocked
			out.Reason = reason
		} else {
			out.Status = task.StatusCompleted
		}
	default:
		out.Status = task.StatusBlocked
		out.Reason = fmt.Sprintf("exit code %d", res.code)
	}
	_ = os.Remove(outcomeFile)

	out.WriteErr = s.writeBack(r.path, out)

	s.mu.Lock()
	r.outcome = out
	delete(s.running, r.taskID)
	s.finished[r.taskID] = out
	s.mu.Unlock()
	close(r.done)

	s.logger.Info("agent finished",
		"task", r.taskID, "project", r.project,
		"status", out.Status, "reason", out.Reason, "exit", out.ExitCode)

	if s.OnOutcome != nil {
		s.OnOutcome(out)
	}
}

// writeBack persists the outcome status and note, retrying once.
func (s *Supervisor) writeBack(path string, out Outcome) error {
	upd := entry.Update{Status: out.Status}
	if out.Reason != "" {
		upd.Note = "blocked: " + out.Reason
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := s.store.Update(ctx, path, upd)
	if err == nil {
		return nil
	}
	s.logger.Warn("outcome write-back failed, retrying", "path", path, "error", err)
	time.Sleep(time.Second)
	if err = s.store.Update(ctx, path, upd); err != nil {
		s.logger.Error("outcome write-back failed", "path", path, "status", out.Status, "error", err)
		return err
	}
	return nil
}

// Cancel stops a running task: soft signal first, hard kill after the
// grace period; a repeated cancel kills right away. Cancelling a task
// that is not running is a no-op.
func (s *Supervisor) Cancel(taskID string) error {
	s.mu.Lock()
	r, ok := s.running[taskID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	already := r.cancelled
	r.cancelled = true
	proc := r.proc
	done := r.done
	s.mu.Unlock()

	if proc == nil {
		return nil
	}
	if already {
		// Second cancel is the operator insisting: skip the rest of
		// the grace period.
		s.logger.Warn("repeated cancel, killing", "task", taskID)
		return proc.Kill()
	}

	s.logger.Info("cancelling task", "task", taskID, "grace", s.opts.CancelGrace)
	if err := proc.Terminate(); err != nil {
		s.logger.Warn("soft cancel failed, killing", "task", taskID, "error", err)
		return proc.Kill()
	}

	go func() {
		select {
		case <-done:
		case <-time.After(s.opts.CancelGrace):
			s.logger.Warn("cancel grace expired, killing", "task", taskID)
			_ = proc.Kill()
		}
	}()
	return nil
}

// Await blocks until the task's run finishes and returns its outcome. It
// also answers for runs that finished since their launch.
func (s *Supervisor) Await(ctx context.Context, taskID string) (Outcome, error) {
	s.mu.Lock()
	r, ok := s.running[taskID]
	if !ok {
		out, done := s.finished[taskID]
		s.mu.Unlock()
		if done {
			return out, nil
		}
		return Outcome{}, fmt.Errorf("await %s: %w", taskID, ErrNotRunning)
	}
	s.mu.Unlock()

	select {
	case <-r.done:
		return r.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// readOutcomeFile reports a blocked reason the agent wrote, if any.
// The file holds "blocked" or "blocked: <reason>" on the first line.
func readOutcomeFile(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(data)), "\n")
	if line == "blocked" {
		return "agent reported blocked", true
	}
	if reason, ok := strings.CutPrefix(line, "blocked:"); ok {
		return strings.TrimSpace(reason), true
	}
	return "", false
}
