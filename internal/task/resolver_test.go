package task

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStat treats every listed path as an existing directory.
func fakeStat(existing ...string) func(string) (os.FileInfo, error) {
	set := make(map[string]bool, len(existing))
	for _, p := range existing {
		set[p] = true
	}
	return func(path string) (os.FileInfo, error) {
		if set[path] {
			return dirInfo{}, nil
		}
		return nil, os.ErrNotExist
	}
}

type dirInfo struct{ os.FileInfo }

func (dirInfo) IsDir() bool { return true }

func testOpts() ResolveOpts {
	return ResolveOpts{
		Home: "/home/agent",
		Stat: fakeStat("/home/agent/work"),
	}
}

func mkTask(id string, status Status, deps ...string) Task {
	return Task{
		ID:        id,
		Path:      "projects/demo/task/" + id + ".md",
		Project:   "demo",
		Status:    status,
		Priority:  PriorityMedium,
		DependsOn: deps,
		Workdir:   "work",
	}
}

func TestResolveDiamond(t *testing.T) {
	tasks := []Task{
		mkTask("aaaaaaa1", StatusPending),
		mkTask("bbbbbbb1", StatusPending, "aaaaaaa1"),
		mkTask("ccccccc1", StatusPending, "aaaaaaa1"),
		mkTask("ddddddd1", StatusPending, "bbbbbbb1", "ccccccc1"),
	}

	g := Resolve(tasks, testOpts())
	require.Equal(t, 4, g.Stats.Total)
	assert.Equal(t, ClassReady, g.Get("aaaaaaa1").Classification)
	assert.Equal(t, ClassWaiting, g.Get("bbbbbbb1").Classification)
	assert.Equal(t, ClassWaiting, g.Get("ccccccc1").Classification)
	assert.Equal(t, ClassWaiting, g.Get("ddddddd1").Classification)

	// A completes: B and C become ready, D still waits.
	tasks[0].Status = StatusCompleted
	g = Resolve(tasks, testOpts())
	assert.Equal(t, ClassReady, g.Get("bbbbbbb1").Classification)
	assert.Equal(t, ClassReady, g.Get("ccccccc1").Classification)
	assert.Equal(t, ClassWaiting, g.Get("ddddddd1").Classification)
	assert.ElementsMatch(t, []string{"bbbbbbb1", "ccccccc1"}, g.Get("ddddddd1").WaitingOn)

	// B and C complete: only D remains ready.
	tasks[1].Status = StatusCompleted
	tasks[2].Status = StatusCompleted
	g = Resolve(tasks, testOpts())
	assert.Equal(t, ClassReady, g.Get("ddddddd1").Classification)
	assert.Equal(t, 1, g.Stats.Ready)
	assert.Equal(t, 3, g.Stats.Completed)
}

func TestResolveCycle(t *testing.T) {
	tasks := []Task{
		mkTask("xxxxxxx1", StatusPending, "yyyyyyy1"),
		mkTask("yyyyyyy1", StatusPending, "xxxxxxx1"),
	}

	g := Resolve(tasks, testOpts())
	for _, id := range []string{"xxxxxxx1", "yyyyyyy1"} {
		rt := g.Get(id)
		require.NotNil(t, rt)
		assert.True(t, rt.InCycle, "task %s should be flagged in_cycle", id)
		assert.Equal(t, ClassBlocked, rt.Classification)
		assert.Equal(t, ReasonCycle, rt.BlockedByReason)
	}
	assert.Equal(t, 2, g.Stats.Blocked)
}

func TestResolveParentCycle(t *testing.T) {
	a := mkTask("aaaaaaa2", StatusPending)
	b := mkTask("bbbbbbb2", StatusPending)
	a.ParentID = "bbbbbbb2"
	b.DependsOn = []string{"aaaaaaa2"}

	g := Resolve([]Task{a, b}, testOpts())
	assert.True(t, g.Get("aaaaaaa2").InCycle)
	assert.True(t, g.Get("bbbbbbb2").InCycle)
}

func TestResolveExternalDepsSatisfied(t *testing.T) {
	tasks := []Task{mkTask("aaaaaaa3", StatusPending, "gone0000")}

	g := Resolve(tasks, testOpts())
	rt := g.Get("aaaaaaa3")
	assert.Equal(t, ClassReady, rt.Classification)
	assert.Equal(t, []string{"gone0000"}, rt.UnresolvedDeps)
}

func TestResolveBlockedDependency(t *testing.T) {
	tasks := []Task{
		mkTask("aaaaaaa4", StatusBlocked),
		mkTask("bbbbbbb4", StatusPending, "aaaaaaa4"),
		mkTask("ccccccc4", StatusCancelled),
		mkTask("ddddddd4", StatusPending, "ccccccc4"),
	}

	g := Resolve(tasks, testOpts())
	assert.Equal(t, ClassBlocked, g.Get("bbbbbbb4").Classification)
	assert.Equal(t, []string{"aaaaaaa4"}, g.Get("bbbbbbb4").BlockedBy)
	assert.Equal(t, ClassBlocked, g.Get("ddddddd4").Classification)
	assert.Equal(t, []string{"ccccccc4"}, g.Get("ddddddd4").BlockedBy)
}

func TestResolveUserSetBlocked(t *testing.T) {
	g := Resolve([]Task{mkTask("aaaaaaa5", StatusBlocked)}, testOpts())
	rt := g.Get("aaaaaaa5")
	assert.Equal(t, ClassBlocked, rt.Classification)
	assert.Equal(t, ReasonManual, rt.BlockedByReason)
}

func TestResolveDraftAlwaysWaiting(t *testing.T) {
	g := Resolve([]Task{mkTask("aaaaaaa6", StatusDraft)}, testOpts())
	assert.Equal(t, ClassWaiting, g.Get("aaaaaaa6").Classification)
}

func TestResolveWorkdir(t *testing.T) {
	tr := mkTask("aaaaaaa7", StatusPending)
	tr.Worktree = "trees/feature"
	tr.Workdir = "work"

	opts := ResolveOpts{
		Home: "/home/agent",
		Stat: fakeStat("/home/agent/trees/feature", "/home/agent/work"),
	}
	g := Resolve([]Task{tr}, opts)
	assert.Equal(t, "/home/agent/trees/feature", g.Get("aaaaaaa7").ResolvedWorkdir,
		"worktree is preferred over workdir")

	// Worktree missing: falls back to workdir.
	opts.Stat = fakeStat("/home/agent/work")
	g = Resolve([]Task{tr}, opts)
	assert.Equal(t, "/home/agent/work", g.Get("aaaaaaa7").ResolvedWorkdir)

	// Neither exists and no default: blocked.
	opts.Stat = fakeStat()
	g = Resolve([]Task{tr}, opts)
	rt := g.Get("aaaaaaa7")
	assert.Equal(t, ClassBlocked, rt.Classification)
	assert.Equal(t, ReasonWorkdirNotFound, rt.BlockedByReason)

	// Default workdir rescues the task.
	opts.DefaultWorkdir = "/srv/default"
	opts.Stat = fakeStat("/srv/default")
	g = Resolve([]Task{tr}, opts)
	rt = g.Get("aaaaaaa7")
	assert.Equal(t, ClassReady, rt.Classification)
	assert.Equal(t, "/srv/default", rt.ResolvedWorkdir)
}

func TestResolveOrdering(t *testing.T) {
	low := mkTask("lowlowl1", StatusPending)
	low.Priority = PriorityLow
	high := mkTask("highhig1", StatusPending)
	high.Priority = PriorityHigh
	med := mkTask("medmedm1", StatusInProgress)

	g := Resolve([]Task{low, med, high}, testOpts())
	ids := make([]string, 0, len(g.Tasks))
	for _, rt := range g.Tasks {
		ids = append(ids, rt.ID)
	}
	assert.Equal(t, []string{"highhig1", "medmedm1", "lowlowl1"}, ids)
}

func TestResolveDeterministic(t *testing.T) {
	tasks := []Task{
		mkTask("aaaaaaa8", StatusPending),
		mkTask("bbbbbbb8", StatusPending, "aaaaaaa8"),
		mkTask("ccccccc8", StatusInProgress),
		mkTask("ddddddd8", StatusCompleted),
	}
	g1 := Resolve(tasks, testOpts())
	g2 := Resolve(tasks, testOpts())

	require.Equal(t, len(g1.Tasks), len(g2.Tasks))
	for i := range g1.Tasks {
		assert.Equal(t, g1.Tasks[i].ID, g2.Tasks[i].ID)
		assert.Equal(t, g1.Tasks[i].Classification, g2.Tasks[i].Classification)
	}
	assert.Equal(t, g1.Stats, g2.Stats)
}

func TestResolveAllCompletedStats(t *testing.T) {
	tasks := []Task{
		mkTask("aaaaaaa9", StatusCompleted),
		mkTask("bbbbbbb9", StatusValidated),
		mkTask("ccccccc9", StatusArchived),
	}
	g := Resolve(tasks, testOpts())
	assert.Equal(t, 0, g.Stats.Ready)
	assert.Equal(t, 0, g.Stats.Waiting)
	assert.Equal(t, 0, g.Stats.Blocked)
	assert.Equal(t, 3, g.Stats.Completed)
}

func TestResolveTitles(t *testing.T) {
	dep := mkTask("depdepd1", StatusPending)
	dep.Title = "Set up schema"
	child := mkTask("chichic1", StatusPending, "depdepd1")
	child.Title = "Write queries"

	g := Resolve([]Task{dep, child}, testOpts())
	assert.Equal(t, "Set up schema", g.Get("chichic1").DependencyTitle["depdepd1"])
	assert.Equal(t, []string{"chichic1"}, g.Get("depdepd1").Dependents)
	assert.Equal(t, "Write queries", g.Get("depdepd1").DependentTitle["chichic1"])
}

func TestResolveReadyImpliesDepsSatisfied(t *testing.T) {
	now := time.Now()
	tasks := []Task{
		mkTask("aaaaaab1", StatusCompleted),
		mkTask("bbbbbbc1", StatusPending, "aaaaaab1"),
		mkTask("ccccccd1", StatusPending, "bbbbbbc1"),
	}
	for i := range tasks {
		tasks[i].Created = now
	}

	g := Resolve(tasks, testOpts())
	for _, rt := range g.Tasks {
		if rt.Classification != ClassReady {
			continue
		}
		for _, depID := range rt.DependsOn {
			dep := g.Get(depID)
			if dep == nil {
				continue // external
			}
			assert.True(t, dep.Status.Satisfied(),
				"ready task %s has unsatisfied dep %s", rt.ID, depID)
		}
	}
}

func TestStatNilInfoTreatedAsMissing(t *testing.T) {
	// A Stat fake may answer (nil, nil); that must read as "no such
	// directory", not crash resolution.
	tr := mkTask("aaaaaad1", StatusPending)
	tr.Worktree = "trees/feature"

	opts := ResolveOpts{
		Home: "/home/agent",
		Stat: func(string) (os.FileInfo, error) { return nil, nil },
	}
	var g *ResolvedGraph
	require.NotPanics(t, func() { g = Resolve([]Task{tr}, opts) })

	rt := g.Get("aaaaaad1")
	assert.Empty(t, rt.ResolvedWorkdir)
	assert.Equal(t, ClassBlocked, rt.Classification)
	assert.Equal(t, ReasonWorkdirNotFound, rt.BlockedByReason)
}

func TestStatFallsBackToOS(t *testing.T) {
	// No injected Stat: resolution must still work against the real fs.
	tr := mkTask("aaaaaac1", StatusPending)
	tr.Workdir = ""
	dir := t.TempDir()
	tr.Worktree = dir // absolute, bypasses $HOME join

	g := Resolve([]Task{tr}, ResolveOpts{Home: "/nonexistent"})
	assert.Equal(t, dir, g.Get("aaaaaac1").ResolvedWorkdir)
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("pending")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, s)

	_, err = ParseStatus("bogus")
	assert.Error(t, err)
}
