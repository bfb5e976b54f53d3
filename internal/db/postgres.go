package db

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // Postgres driver
)

// PostgresStore implements Store for shared multi-runner deployments.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects with a standard DSN and applies migrations.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS events (
		id BIGSERIAL PRIMARY KEY,
		project_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ DEFAULT NOW()
	);
	CREATE TABLE IF NOT EXISTS claims (
		project_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		runner_id TEXT NOT NULL,
		created_at TIMESTAMPTZ DEFAULT NOW(),
		PRIMARY KEY (project_id, task_id)
	);
	CREATE INDEX IF NOT EXISTS idx_events_project ON events(project_id, created_at);
	`
	_, err := s.db.Exec(query)
	return err
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Ping() error {
	var one int
	return s.db.QueryRow(`SELECT 1`).Scan(&one)
}

func (s *PostgresStore) RecordEvent(projectID, taskID, kind, detail string) error {
	_, err := s.db.Exec(
		`INSERT INTO events (project_id, task_id, kind, detail, created_at) VALUES ($1, $2, $3, $4, $5)`,
		projectID, taskID, kind, detail, time.Now().UTC())
	return err
}

func (s *PostgresStore) RecentEvents(projectID string, limit int) ([]Event, error) {
	rows, err := s.db.Query(
		`SELECT id, project_id, task_id, kind, detail, created_at
		 FROM events WHERE project_id = $1 ORDER BY id DESC LIMIT $2`,
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

func (s *PostgresStore) AcquireClaim(projectID, taskID, runnerID string) error {
	res, err := s.db.Exec(
		`INSERT INTO claims (project_id, task_id, runner_id, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (project_id, task_id) DO UPDATE SET runner_id = excluded.runner_id
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

func (s *PostgresStore) ReleaseClaim(projectID, taskID, runnerID string) error {
	_, err := s.db.Exec(
		`DELETE FROM claims WHERE project_id = $1 AND task_id = $2 AND runner_id = $3`,
		projectID, taskID, runnerID)
	return err
}

func (s *PostgresStore) ActiveClaims(projectID string) ([]Claim, error) {
	rows, err := s.db.Query(
		`SELECT project_id, task_id, runner_id, created_at FROM claims WHERE project_id = $1`,
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
