package task

import (
	"os"
	"path/filepath"
	"sort"
)

// Classification is the scheduling state derived for a task on each tick.
type Classification string

const (
	ClassReady     Classification = "ready"
	ClassWaiting   Classification = "waiting"
	ClassBlocked   Classification = "blocked"
	ClassCompleted Classification = "completed"
)

const (
	ReasonCycle           = "cycle"
	ReasonWorkdirNotFound = "workdir not found"
	ReasonManual          = "status set to blocked"
)

// ResolvedTask is a Task plus everything the scheduler and the TUI need to
// know about it. It lives for one tick only.
type ResolvedTask struct {
	Task

	Classification  Classification    `json:"classification"`
	BlockedBy       []string          `json:"blocked_by,omitempty"`
	BlockedByReason string            `json:"blocked_by_reason,omitempty"`
	WaitingOn       []string          `json:"waiting_on,omitempty"`
	UnresolvedDeps  []string          `json:"unresolved_deps,omitempty"`
	InCycle         bool              `json:"in_cycle,omitempty"`
	ResolvedWorkdir string            `json:"resolved_workdir,omitempty"`
	DependencyTitle map[string]string `json:"dependency_titles,omitempty"`
	Dependents      []string          `json:"dependents,omitempty"`
	DependentTitle  map[string]string `json:"dependent_titles,omitempty"`
}

// Stats aggregates one resolved project.
type Stats struct {
	Total      int `json:"total"`
	Ready      int `json:"ready"`
	Waiting    int `json:"waiting"`
	Blocked    int `json:"blocked"`
	InProgress int `json:"inProgress"`
	Completed  int `json:"completed"`
}

// ResolvedGraph is the ordered result of one resolution pass.
type ResolvedGraph struct {
	Tasks []*ResolvedTask `json:"tasks"`
	Stats Stats           `json:"stats"`

	byID map[string]*ResolvedTask
}

// Get returns the resolved task with the given id, or nil.
func (g *ResolvedGraph) Get(id string) *ResolvedTask {
	return g.byID[id]
}

// Ready returns the tasks classified ready, in graph order.
func (g *ResolvedGraph) Ready() []*ResolvedTask {
	return g.filter(ClassReady)
}

// Waiting returns the tasks classified waiting, in graph order.
func (g *ResolvedGraph) Waiting() []*ResolvedTask {
	return g.filter(ClassWaiting)
}

// Blocked returns the tasks classified blocked, in graph order.
func (g *ResolvedGraph) Blocked() []*ResolvedTask {
	return g.filter(ClassBlocked)
}

func (g *ResolvedGraph) filter(c Classification) []*ResolvedTask {
	var out []*ResolvedTask
	for _, t := range g.Tasks {
		if t.Classification == c {
			out = append(out, t)
		}
	}
	return out
}

// ResolveOpts parameterises workdir resolution. Stat is injectable so tests
// can fake the filesystem.
type ResolveOpts struct {
	Home           string
	DefaultWorkdir string
	Stat           func(string) (os.FileInfo, error)
}

func (o *ResolveOpts) stat(path string) (os.FileInfo, error) {
	if o.Stat != nil {
		return o.Stat(path)
	}
	return os.Stat(path)
}

// Resolve classifies every task against its dependency and parent edges.
// It is pure and deterministic for a given input: anomalies (cycles, missing
// deps, missing workdirs) become fields on the resolved task, never errors.
func Resolve(tasks []Task, opts ResolveOpts) *ResolvedGraph {
	g := &ResolvedGraph{byID: make(map[string]*ResolvedTask, len(tasks))}

	for i := range tasks {
		rt := &ResolvedTask{Task: tasks[i]}
		g.Tasks = append(g.Tasks, rt)
		g.byID[rt.ID] = rt
	}

	inCycle := detectCycles(g)

	for _, rt := range g.Tasks {
		rt.InCycle = inCycle[rt.ID]
		classify(g, rt)
		resolveWorkdir(rt, &opts)
		collectTitles(g, rt)
	}

	orderGraph(g)

	for _, rt := range g.Tasks {
		g.Stats.Total++
		switch rt.Classification {
		case ClassReady:
			g.Stats.Ready++
		case ClassWaiting:
			g.Stats.Waiting++
		case ClassBlocked:
			g.Stats.Blocked++
		case ClassCompleted:
			g.Stats.Completed++
		}
		if rt.Status == StatusInProgress {
			g.Stats.InProgress++
		}
	}

	return g
}

// detectCycles runs a three-colour DFS over the union of depends_on and
// parent edges (both child → prerequisite) and flags every node that sits on
// a back-edge path.
func detectCycles(g *ResolvedGraph) map[string]bool {
	const (
		white = 0
		grey  = 1
		black = 2
	)

	colour := make(map[string]int, len(g.Tasks))
	inCycle := make(map[string]bool)
	var stack []string

	edges := func(rt *ResolvedTask) []string {
		out := make([]string, 0, len(rt.DependsOn)+1)
		for _, dep := range rt.DependsOn {
			if g.byID[dep] != nil {
				out = append(out, dep)
			}
		}
		if rt.ParentID != "" && g.byID[rt.ParentID] != nil {
			out = append(out, rt.ParentID)
		}
		return out
	}

	var visit func(id string)
	visit = func(id string) {
		colour[id] = grey
		stack = append(stack, id)

		for _, next := range edges(g.byID[id]) {
			switch colour[next] {
			case white:
				visit(next)
			case grey:
				// Back edge: everything from next to the top of the
				// stack is part of the cycle.
				for i := len(stack) - 1; i >= 0; i-- {
					inCycle[stack[i]] = true
					if stack[i] == next {
						break
					}
				}
			}
		}

		stack = stack[:len(stack)-1]
		colour[id] = black
	}

	for _, rt := range g.Tasks {
		if colour[rt.ID] == white {
			visit(rt.ID)
		}
	}
	return inCycle
}

func classify(g *ResolvedGraph, rt *ResolvedTask) {
	if rt.Status.Terminal() {
		rt.Classification = ClassCompleted
		return
	}

	if rt.InCycle {
		rt.Classification = ClassBlocked
		rt.BlockedByReason = ReasonCycle
		return
	}

	for _, depID := range rt.DependsOn {
		dep := g.byID[depID]
		if dep == nil {
			// External dependency: surface it and treat as satisfied.
			rt.UnresolvedDeps = append(rt.UnresolvedDeps, depID)
			continue
		}
		switch dep.Status {
		case StatusBlocked, StatusCancelled:
			rt.BlockedBy = append(rt.BlockedBy, depID)
		default:
			if !dep.Status.Satisfied() {
				rt.WaitingOn = append(rt.WaitingOn, depID)
			}
		}
	}

	switch {
	case len(rt.BlockedBy) > 0:
		rt.Classification = ClassBlocked
		rt.WaitingOn = nil
	case len(rt.WaitingOn) > 0:
		rt.Classification = ClassWaiting
	case rt.Status == StatusDraft:
		rt.Classification = ClassWaiting
	case rt.Status == StatusBlocked:
		rt.Classification = ClassBlocked
		rt.BlockedByReason = ReasonManual
	case rt.Status == StatusPending, rt.Status == StatusActive, rt.Status == StatusInProgress:
		// in_progress stays ready here; the scheduler skips tasks that
		// are already dispatched.
		rt.Classification = ClassReady
	default:
		rt.Classification = ClassWaiting
	}
}

// resolveWorkdir picks the first existing of worktree, workdir and the
// configured default, each joined against $HOME. A ready task with no usable
// directory is downgraded to blocked.
func resolveWorkdir(rt *ResolvedTask, opts *ResolveOpts) {
	for _, candidate := range []string{rt.Worktree, rt.Workdir} {
		if candidate == "" {
			continue
		}
		abs := candidate
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(opts.Home, abs)
		}
		if info, err := opts.stat(abs); err == nil && info != nil && info.IsDir() {
			rt.ResolvedWorkdir = abs
			return
		}
	}

	if opts.DefaultWorkdir != "" {
		if info, err := opts.stat(opts.DefaultWorkdir); err == nil && info != nil && info.IsDir() {
			rt.ResolvedWorkdir = opts.DefaultWorkdir
			return
		}
	}

	if rt.Classification == ClassReady {
		rt.Classification = ClassBlocked
		rt.BlockedByReason = ReasonWorkdirNotFound
	}
}

func collectTitles(g *ResolvedGraph, rt *ResolvedTask) {
	for _, depID := range rt.DependsOn {
		dep := g.byID[depID]
		if dep == nil {
			continue
		}
		if rt.DependencyTitle == nil {
			rt.DependencyTitle = make(map[string]string)
		}
		rt.DependencyTitle[depID] = dep.Title

		dep.Dependents = append(dep.Dependents, rt.ID)
		if dep.DependentTitle == nil {
			dep.DependentTitle = make(map[string]string)
		}
		dep.DependentTitle[rt.ID] = rt.Title
	}
}

var statusOrder = map[Status]int{
	StatusInProgress: 0,
	StatusActive:     1,
	StatusPending:    2,
	StatusBlocked:    3,
	StatusDraft:      4,
	StatusCompleted:  5,
	StatusValidated:  6,
	StatusCancelled:  7,
	StatusSuperseded: 8,
	StatusArchived:   9,
}

func orderGraph(g *ResolvedGraph) {
	sort.SliceStable(g.Tasks, func(i, j int) bool {
		a, b := g.Tasks[i], g.Tasks[j]
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() < b.Priority.Rank()
		}
		if statusOrder[a.Status] != statusOrder[b.Status] {
			return statusOrder[a.Status] < statusOrder[b.Status]
		}
		return a.ID < b.ID
	})
}
