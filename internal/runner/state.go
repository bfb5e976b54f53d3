package runner

import (
	"runtime"
	"sort"
	"time"

	"brainrunner/internal/supervisor"
	"brainrunner/internal/task"
)

// projectState is the loop-owned mutable state of one project. Only the
// loop goroutine touches it.
type projectState struct {
	name     string
	paused   bool
	legacy   bool // root entry carries status blocked (older clients)
	limit    int  // 0 = unbounded
	features map[string]bool
	lastPoll time.Time
	lastErr  string
	graph    *task.ResolvedGraph
}

// ProjectSnapshot is the read-model view of one project.
type ProjectSnapshot struct {
	Name            string               `json:"name"`
	Paused          bool                 `json:"paused"`
	LegacyPaused    bool                 `json:"legacyPaused,omitempty"`
	Limit           int                  `json:"limit,omitempty"`
	Running         int                  `json:"running"`
	EnabledFeatures []string             `json:"enabledFeatures,omitempty"`
	Stats           task.Stats           `json:"stats"`
	Tasks           []*task.ResolvedTask `json:"tasks"`
	LastPoll        time.Time            `json:"lastPoll"`
	LastErr         string               `json:"lastErr,omitempty"`
}

// Resources are the global gauges shown in the TUI header.
type Resources struct {
	MemoryMB       float64 `json:"memoryMb"`
	AvailablePct   float64 `json:"availablePct"`
	AgentProcesses int     `json:"agentProcesses"`
	Goroutines     int     `json:"goroutines"`
}

// Snapshot is the immutable read model published once per tick and after
// each command. The TUI draws from it and never shares state with the loop.
type Snapshot struct {
	Time      time.Time           `json:"time"`
	Projects  []ProjectSnapshot   `json:"projects"`
	Totals    task.Stats          `json:"totals"`
	GlobalCap int                 `json:"globalCap"`
	Running   int                 `json:"running"`
	Resources Resources           `json:"resources"`
	Logs      []supervisor.Record `json:"logs"`
	LastErr   string              `json:"lastErr,omitempty"`
}

func (s *projectState) snapshot(running int) ProjectSnapshot {
	ps := ProjectSnapshot{
		Name:         s.name,
		Paused:       s.paused,
		LegacyPaused: s.legacy,
		Limit:        s.limit,
		Running:      running,
		LastPoll:     s.lastPoll,
		LastErr:      s.lastErr,
	}
	for f := range s.features {
		ps.EnabledFeatures = append(ps.EnabledFeatures, f)
	}
	sort.Strings(ps.EnabledFeatures)
	if s.graph != nil {
		ps.Stats = s.graph.Stats
		ps.Tasks = s.graph.Tasks
	}
	return ps
}

// effectivelyPaused folds the in-memory pause flag with the legacy
// blocked-root signal.
func (s *projectState) effectivelyPaused() bool {
	return s.paused || s.legacy
}

func currentResources(agents int, availablePct float64) Resources {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return Resources{
		MemoryMB:       float64(ms.Sys) / (1024 * 1024),
		AvailablePct:   availablePct,
		AgentProcesses: agents,
		Goroutines:     runtime.NumGoroutine(),
	}
}
