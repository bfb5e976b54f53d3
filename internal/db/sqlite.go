package db

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStore implements Store on a local file, the default backend.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the index database and applies
// migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS claims (
		project_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		runner_id TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (project_id, task_id)
	);
	CREATE INDEX IF NOT EXISTS idx_events_project ON events(project_id, created_at);
	`
	_, err := s.db.Exec(query)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping() error {
	var one int
	return s.db.QueryRow(`SELECT 1`).Scan(&one)
}

func (s *SQLiteStore) RecordEvent(projectID, taskID, kind, detail string) error {
	_, err := s.db.Exec(
		`INSERT INTO events (project_id, task_id, kind, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
		projectID, taskID, kind, detail, time.Now().UTC())
	return err
}

func (s *SQLiteStore) RecentEvents(projectID string, limit int) ([]Event, error) {
	rows, err := s.db.Query(
		`SELECT id, project_id, task_id, kind, detail, created_at
		 FROM events WHERE project_id = ? ORDER BY id DESC LIMIT ?`,
		projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.TaskID, &e.Kind, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AcquireClaim(projectID, taskID, runnerID string) error {
	// Re-acquiring one's own claim is idempotent.
	res, err := s.db.Exec(
		`INSERT INTO claims (project_id, task_id, runner_id, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(project_id, task_id) DO UPDATE SET runner_id = excluded.runner_id
		 WHERE claims.runner_id = excluded.runner_id`,
		projectID, taskID, runnerID, time.Now().UTC())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrClaimHeld
	}
	return nil
}

func (s *SQLiteStore) ReleaseClaim(projectID, taskID, runnerID string) error {
	_, err := s.db.Exec(
		`DELETE FROM claims WHERE project_id = ? AND task_id = ? AND runner_id = ?`,
		projectID, taskID, runnerID)
	return err
}

func (s *SQLiteStore) ActiveClaims(projectID string) ([]Claim, error) {
	rows, err := s.db.Query(
		`SELECT project_id, task_id, runner_id, created_at FROM claims WHERE project_id = ?`,
		projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Claim
	for rows.Next() {
		var c Claim
		if err := rows.Scan(&c.ProjectID, &c.TaskID, &c.RunnerID, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
