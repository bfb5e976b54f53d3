// Package entry is the boundary to the markdown entry store. The runner
// core only ever reads tasks and writes status transitions and notes
// through the Store interface; it never authors entries.
package entry

import (
	"context"
	"errors"

	"brainrunner/internal/task"
)

var (
	// ErrNotFound is returned for unknown projects or entry paths.
	ErrNotFound = errors.New("entry not found")
	// ErrUnavailable is returned when the underlying store cannot be reached.
	ErrUnavailable = errors.New("entry store unavailable")
	// ErrInvalid is returned for validation failures (bad enum, empty update).
	ErrInvalid = errors.New("invalid entry update")
	// ErrClaimed is returned when another runner holds the claim on a task.
	ErrClaimed = errors.New("task already claimed")
)

// Update is a partial mutation of one entry. Empty updates are rejected.
type Update struct {
	Status task.Status `json:"status,omitempty"`
	Title  string      `json:"title,omitempty"`
	Append string      `json:"append,omitempty"`
	Note   string      `json:"note,omitempty"`
}

// Empty reports whether the update would change nothing.
func (u Update) Empty() bool {
	return u.Status == "" && u.Title == "" && u.Append == "" && u.Note == ""
}

// Store is the entry-store contract the runner depends on.
type Store interface {
	// List returns every task entry of a project.
	List(ctx context.Context, project string) ([]task.Task, error)
	// Get returns a single entry by its stable path key.
	Get(ctx context.Context, path string) (task.Task, error)
	// Update applies a partial mutation. Status updates are idempotent.
	Update(ctx context.Context, path string, upd Update) error
}

// Claimer is the optional multi-runner claim protocol.
type Claimer interface {
	Claim(ctx context.Context, project, taskID, runnerID string) error
	Release(ctx context.Context, project, taskID, runnerID string) error
}

// UpdateStatus is a convenience wrapper for the common transition write.
func UpdateStatus(ctx context.Context, s Store, path string, status task.Status) error {
	return s.Update(ctx, path, Update{Status: status})
}

// AppendNote records an outcome note on an entry.
func AppendNote(ctx context.Context, s Store, path, note string) error {
	return s.Update(ctx, path, Update{Note: note})
}
