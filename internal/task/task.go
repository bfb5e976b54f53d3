package task

import (
	"fmt"
	"regexp"
	"time"
)

// Status is the persisted lifecycle state of a task entry.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusPending    Status = "pending"
	StatusActive     Status = "active"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusCancelled  Status = "cancelled"
	StatusCompleted  Status = "completed"
	StatusValidated  Status = "validated"
	StatusSuperseded Status = "superseded"
	StatusArchived   Status = "archived"
)

var allStatuses = map[Status]bool{
	StatusDraft:      true,
	StatusPending:    true,
	StatusActive:     true,
	StatusInProgress: true,
	StatusBlocked:    true,
	StatusCancelled:  true,
	StatusCompleted:  true,
	StatusValidated:  true,
	StatusSuperseded: true,
	StatusArchived:   true,
}

// Valid reports whether s is a recognised status value.
func (s Status) Valid() bool {
	return allStatuses[s]
}

// Terminal reports whether s is a final state. A terminal dependency
// counts as satisfied.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusValidated, StatusCancelled, StatusSuperseded, StatusArchived:
		return true
	}
	return false
}

// Satisfied reports whether a dependency with status s no longer gates
// its dependents.
func (s Status) Satisfied() bool {
	return s.Terminal()
}

// Live reports whether s describes work that may still run.
func (s Status) Live() bool {
	switch s {
	case StatusPending, StatusActive, StatusInProgress, StatusBlocked:
		return true
	}
	return false
}

// ParseStatus validates a raw status string.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("invalid status %q", raw)
	}
	return s, nil
}

// Priority orders tasks for dispatch. High runs first.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank returns the sort weight of p. Unknown priorities sort last.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 2
	}
	return 3
}

var idPattern = regexp.MustCompile(`^[a-z0-9]{8}$`)

// ValidID reports whether id is an 8-char lowercase alphanumeric task id.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// Task is one markdown entry as the runner core sees it. The id is derived
// from the entry filename; the content body is opaque.
type Task struct {
	ID        string    `json:"id" yaml:"-"`
	Path      string    `json:"path" yaml:"-"`
	Project   string    `json:"project" yaml:"project,omitempty"`
	FeatureID string    `json:"feature_id,omitempty" yaml:"feature_id,omitempty"`
	ParentID  string    `json:"parent_id,omitempty" yaml:"parent_id,omitempty"`
	DependsOn []string  `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Status    Status    `json:"status" yaml:"status"`
	Priority  Priority  `json:"priority" yaml:"priority,omitempty"`
	Workdir   string    `json:"workdir,omitempty" yaml:"workdir,omitempty"`
	Worktree  string    `json:"worktree,omitempty" yaml:"worktree,omitempty"`
	GitRemote string    `json:"git_remote,omitempty" yaml:"git_remote,omitempty"`
	GitBranch string    `json:"git_branch,omitempty" yaml:"git_branch,omitempty"`
	Title     string    `json:"title,omitempty" yaml:"title,omitempty"`
	Tags      []string  `json:"tags,omitempty" yaml:"tags,omitempty"`
	Created   time.Time `json:"created,omitempty" yaml:"created,omitempty"`
	Content   string    `json:"content,omitempty" yaml:"-"`
}

// DependsOnSet returns the dependency ids as a set. Order in the
// frontmatter is irrelevant; duplicates collapse.
func (t *Task) DependsOnSet() map[string]bool {
	set := make(map[string]bool, len(t.DependsOn))
	for _, id := range t.DependsOn {
		set[id] = true
	}
	return set
}
