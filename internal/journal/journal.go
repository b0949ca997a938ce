// Package journal persists per-run migration outcomes to a local sqlite
// database so operators can audit what a long migration actually did
// after the process and its logs are gone.
package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Standard errors
var (
	ErrNotFound = errors.New("journal: not found")
)

// Run statuses recorded in the journal.
const (
	StatusMigrated = "migrated"
	StatusSkipped  = "skipped"
	StatusFailed   = "failed"
)

// Session identifies one invocation of the migration.
type Session struct {
	ID         string
	Project    string
	Experiment string
	Mode       string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// RunOutcome is the journal record for one source run.
type RunOutcome struct {
	SessionID   string
	SourceRunID string
	RunName     string
	Status      string
	Detail      string // skip reason or failure message
	Batches     int
	Points      int
	Duration    time.Duration
	CreatedAt   time.Time
}

// Journal wraps the sqlite connection.
type Journal struct {
	db *sql.DB
}

// Open opens (or creates) the journal database and ensures its schema.
// Pass ":memory:" in tests.
func Open(dsn string) (*Journal, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: ping: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: enable foreign keys: %w", err)
	}

	j := &Journal{db: db}
	if err := j.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) ensureSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			project TEXT NOT NULL,
			experiment TEXT NOT NULL,
			mode TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS run_outcomes (
			session_id TEXT NOT NULL REFERENCES sessions(id),
			source_run_id TEXT NOT NULL,
			run_name TEXT NOT NULL,
			status TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			batches INTEGER NOT NULL DEFAULT 0,
			points INTEGER NOT NULL DEFAULT 0,
			duration_us INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (session_id, source_run_id)
		);

		CREATE INDEX IF NOT EXISTS idx_run_outcomes_status
			ON run_outcomes(session_id, status);
	`
	if _, err := j.db.Exec(schema); err != nil {
		return fmt.Errorf("journal: create schema: %w", err)
	}
	return nil
}

// StartSession records the start of a migration invocation and returns it.
func (j *Journal) StartSession(project, experiment, mode string) (*Session, error) {
	s := &Session{
		ID:         uuid.NewString(),
		Project:    project,
		Experiment: experiment,
		Mode:       mode,
		StartedAt:  time.Now().UTC(),
	}
	query := `
		INSERT INTO sessions (id, project, experiment, mode, started_at)
		VALUES (?, ?, ?, ?, ?)
	`
	if _, err := j.db.Exec(query, s.ID, s.Project, s.Experiment, s.Mode, s.StartedAt); err != nil {
		return nil, fmt.Errorf("journal: start session: %w", err)
	}
	return s, nil
}

// FinishSession stamps the session's end time.
func (j *Journal) FinishSession(sessionID string) error {
	res, err := j.db.Exec(`UPDATE sessions SET finished_at = ? WHERE id = ?`,
		time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("journal: finish session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("journal: finish session: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetSession retrieves a session by id.
func (j *Journal) GetSession(sessionID string) (*Session, error) {
	s := &Session{}
	query := `
		SELECT id, project, experiment, mode, started_at, finished_at
		FROM sessions
		WHERE id = ?
	`
	err := j.db.QueryRow(query, sessionID).Scan(
		&s.ID,
		&s.Project,
		&s.Experiment,
		&s.Mode,
		&s.StartedAt,
		&s.FinishedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("journal: get session: %w", err)
	}
	return s, nil
}

// ListSessions returns all sessions, oldest first.
func (j *Journal) ListSessions() ([]*Session, error) {
	query := `
		SELECT id, project, experiment, mode, started_at, finished_at
		FROM sessions
		ORDER BY started_at, id
	`
	rows, err := j.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("journal: list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		s := &Session{}
		if err := rows.Scan(&s.ID, &s.Project, &s.Experiment, &s.Mode, &s.StartedAt, &s.FinishedAt); err != nil {
			return nil, fmt.Errorf("journal: scan session: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: list sessions: %w", err)
	}
	return out, nil
}

// RecordRun inserts the outcome for one source run. Re-recording the same
// run within a session replaces the previous outcome, which happens when a
// reaped run is migrated again.
func (j *Journal) RecordRun(outcome *RunOutcome) error {
	query := `
		INSERT OR REPLACE INTO run_outcomes
			(session_id, source_run_id, run_name, status, detail, batches, points, duration_us, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := j.db.Exec(query,
		outcome.SessionID,
		outcome.SourceRunID,
		outcome.RunName,
		outcome.Status,
		outcome.Detail,
		outcome.Batches,
		outcome.Points,
		outcome.Duration.Microseconds(),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("journal: record run %s: %w", outcome.SourceRunID, err)
	}
	return nil
}

// ListRuns returns the outcomes recorded for a session, oldest first.
func (j *Journal) ListRuns(sessionID string) ([]*RunOutcome, error) {
	query := `
		SELECT session_id, source_run_id, run_name, status, detail, batches, points, duration_us, created_at
		FROM run_outcomes
		WHERE session_id = ?
		ORDER BY created_at, source_run_id
	`
	rows, err := j.db.Query(query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("journal: list runs: %w", err)
	}
	defer rows.Close()

	var out []*RunOutcome
	for rows.Next() {
		o := &RunOutcome{}
		var durationUS int64
		if err := rows.Scan(
			&o.SessionID,
			&o.SourceRunID,
			&o.RunName,
			&o.Status,
			&o.Detail,
			&o.Batches,
			&o.Points,
			&durationUS,
			&o.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("journal: scan run outcome: %w", err)
		}
		o.Duration = time.Duration(durationUS) * time.Microsecond
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: list runs: %w", err)
	}
	return out, nil
}

// CountByStatus returns how many runs in the session have each status.
func (j *Journal) CountByStatus(sessionID string) (map[string]int, error) {
	query := `
		SELECT status, COUNT(*)
		FROM run_outcomes
		WHERE session_id = ?
		GROUP BY status
	`
	rows, err := j.db.Query(query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("journal: count by status: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("journal: scan status count: %w", err)
		}
		out[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: count by status: %w", err)
	}
	return out, nil
}
