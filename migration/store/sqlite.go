package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrJobNotFound is returned by SQLite.Job for unknown ids.
var ErrJobNotFound = errors.New("job not found")

// SQLite keeps job rows in a local database file.
type SQLite struct {
	db  *sql.DB
	mu  sync.Mutex
	Now func() time.Time
}

// Job is a stored job row.
type Job struct {
	ID              string
	Status          Status
	ProgressPercent int
	Stage           string
	Error           string
	MemoryMarkdown  string
	Facts           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	s := &SQLite{db: db}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) configure() error {
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *SQLite) initSchema() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS import_jobs (
		job_id TEXT PRIMARY KEY,
		import_status TEXT NOT NULL DEFAULT 'processing',
		progress_percent INTEGER NOT NULL DEFAULT 0,
		import_stage TEXT NOT NULL DEFAULT '',
		import_error TEXT,
		memory_md TEXT,
		facts_json TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		completed_at TEXT
	)`)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// UpdateJob creates the row on first use, then applies the patch.
func (s *SQLite) UpdateJob(ctx context.Context, jobID string, patch JobPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	fields := patch.Fields(now)
	ts := now.UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("UpdateJob: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO import_jobs (job_id, created_at, updated_at) VALUES (?, ?, ?) ON CONFLICT(job_id) DO NOTHING`,
		jobID, ts, ts,
	); err != nil {
		return fmt.Errorf("UpdateJob: insert: %w", err)
	}

	keys := sortedKeys(fields)
	sets := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys)+1)
	for _, k := range keys {
		sets = append(sets, k+" = ?")
		v := fields[k]
		if raw, ok := v.(json.RawMessage); ok {
			v = string(raw)
		}
		args = append(args, v)
	}
	args = append(args, jobID)

	if _, err := tx.ExecContext(ctx,
		"UPDATE import_jobs SET "+strings.Join(sets, ", ")+" WHERE job_id = ?",
		args...,
	); err != nil {
		return fmt.Errorf("UpdateJob: update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("UpdateJob: commit: %w", err)
	}
	return nil
}

// Job loads one row.
func (s *SQLite) Job(ctx context.Context, jobID string) (Job, error) {
	var (
		j                        Job
		status, created, updated string
		errText, memory, facts   sql.NullString
		completed                sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT job_id, import_status, progress_percent, import_stage, import_error,
		       memory_md, facts_json, created_at, updated_at, completed_at
		FROM import_jobs WHERE job_id = ?`, jobID,
	).Scan(&j.ID, &status, &j.ProgressPercent, &j.Stage, &errText, &memory, &facts, &created, &updated, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return Job{}, fmt.Errorf("Job: %w", err)
	}

	j.Status = Status(status)
	j.Error = errText.String
	j.MemoryMarkdown = memory.String
	j.Facts = facts.String
	j.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	j.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	if completed.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completed.String); err == nil {
			j.CompletedAt = &t
		}
	}
	return j, nil
}
