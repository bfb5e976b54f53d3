// Package scheduler selects the next dispatchable task from a resolved
// graph. Selection is pure: the scheduler mutates nothing, the runner loop
// owns dispatch.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"brainrunner/internal/task"
)

// FeatureUngrouped is the whitelist sentinel matching tasks with no
// feature_id.
const FeatureUngrouped = "__ungrouped__"

var (
	ErrPaused     = errors.New("project is paused")
	ErrAtCapacity = errors.New("at capacity")
	ErrLowMemory  = errors.New("available memory below threshold")
	ErrNotReady   = errors.New("task is not ready")
)

// ProjectView is the slice of runner state the scheduler needs per project.
type ProjectView struct {
	Paused  bool
	Limit   int // 0 means fall back to the global cap
	Running int
	// Features is the enabled-feature whitelist; empty means every
	// feature is eligible.
	Features map[string]bool
}

// effectiveLimit clamps the per-project limit to the global cap.
func (v ProjectView) effectiveLimit(globalCap int) int {
	if v.Limit > 0 && v.Limit < globalCap {
		return v.Limit
	}
	return globalCap
}

// allowsFeature applies the focus whitelist.
func (v ProjectView) allowsFeature(featureID string) bool {
	if len(v.Features) == 0 {
		return true
	}
	if featureID == "" {
		return v.Features[FeatureUngrouped]
	}
	return v.Features[featureID]
}

// Scheduler holds the dispatch guards shared across ticks.
type Scheduler struct {
	Mem          MemoryProvider
	MemThreshold float64 // minimum available percent, default 10
	Logger       *slog.Logger
}

// New builds a scheduler with the given memory provider.
func New(mem MemoryProvider, threshold float64, logger *slog.Logger) *Scheduler {
	if threshold <= 0 {
		threshold = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{Mem: mem, MemThreshold: threshold, Logger: logger}
}

// Pick returns the next task to dispatch across all projects, or nil when
// nothing is dispatchable under the pause, focus, capacity and memory rules.
func (s *Scheduler) Pick(ctx context.Context, graphs map[string]*task.ResolvedGraph, views map[string]ProjectView, globalCap int) *task.ResolvedTask {
	if globalCap <= 0 {
		return nil
	}

	globalRunning := 0
	for _, v := range views {
		globalRunning += v.Running
	}
	if globalRunning >= globalCap {
		return nil
	}

	if !s.memoryOK(ctx) {
		return nil
	}

	var candidates []*task.ResolvedTask
	for project, g := range graphs {
		view := views[project]
		if view.Paused {
			continue
		}
		if view.Running >= view.effectiveLimit(globalCap) {
			continue
		}
		for _, rt := range g.Tasks {
			if rt.Classification != task.ClassReady {
				continue
			}
			if rt.Status == task.StatusInProgress {
				continue // already dispatched
			}
			if !view.allowsFeature(rt.FeatureID) {
				continue
			}
			candidates = append(candidates, rt)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() < b.Priority.Rank()
		}
		if !a.Created.Equal(b.Created) {
			if a.Created.IsZero() || b.Created.IsZero() {
				return b.Created.IsZero()
			}
			return a.Created.Before(b.Created)
		}
		return a.ID < b.ID
	})
	return candidates[0]
}

// Admit checks whether a manual dispatch into the given project may proceed.
// Manual execution bypasses the focus whitelist but still honours pause,
// capacity and the memory guard.
func (s *Scheduler) Admit(ctx context.Context, view ProjectView, views map[string]ProjectView, globalCap int) error {
	if view.Paused {
		return ErrPaused
	}
	if globalCap <= 0 {
		return ErrAtCapacity
	}

	globalRunning := 0
	for _, v := range views {
		globalRunning += v.Running
	}
	if globalRunning >= globalCap {
		return ErrAtCapacity
	}
	if view.Running >= view.effectiveLimit(globalCap) {
		return ErrAtCapacity
	}
	if !s.memoryOK(ctx) {
		return ErrLowMemory
	}
	return nil
}

func (s *Scheduler) memoryOK(ctx context.Context) bool {
	if s.Mem == nil {
		return true
	}
	pct, err := s.Mem.AvailablePercent(ctx)
	if err != nil {
		// A broken probe must not stall dispatch.
		s.Logger.Warn("memory probe failed", "error", err)
		return true
	}
	if pct < s.MemThreshold {
		s.Logger.Warn("dispatch held back on low memory",
			"available_pct", pct, "threshold_pct", s.MemThreshold)
		return false
	}
	return true
}
