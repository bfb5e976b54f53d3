// Package db is the notebook index database: runner claims and a task
// event audit trail. The schema is opaque to everything but the doctor's
// health check and the runner's own bookkeeping.
package db

import (
	"errors"
	"time"
)

// ErrClaimHeld is returned when another runner already holds a claim.
var ErrClaimHeld = errors.New("claim held by another runner")

// Event is one dispatch or outcome record.
type Event struct {
	ID        int64     `json:"id"`
	ProjectID string    `json:"project_id"`
	TaskID    string    `json:"task_id"`
	Kind      string    `json:"kind"` // dispatched, completed, blocked, cancelled
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Claim marks a task as owned by one runner instance.
type Claim struct {
	ProjectID string    `json:"project_id"`
	TaskID    string    `json:"task_id"`
	RunnerID  string    `json:"runner_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the index database contract.
type Store interface {
	Close() error
	// Ping runs a trivial query, used by the doctor.
	Ping() error

	RecordEvent(projectID, taskID, kind, detail string) error
	RecentEvents(projectID string, limit int) ([]Event, error)

	AcquireClaim(projectID, taskID, runnerID string) error
	ReleaseClaim(projectID, taskID, runnerID string) error
	ActiveClaims(projectID string) ([]Claim, error)
}
