// Package jobindex keeps a local history of jobs in SQLite. It is fed from
// the lifecycle event bus and backs the jobs command.
package jobindex

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Iron-Ham/stagehand/internal/errors"
	"github.com/Iron-Ham/stagehand/internal/event"
	"github.com/Iron-Ham/stagehand/internal/logging"
)

// DefaultFileName is the database file inside the state directory.
const DefaultFileName = "jobs.db"

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	prompt TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'running',
	started_at TEXT NOT NULL,
	ended_at TEXT,
	error TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_jobs_started ON jobs(started_at);
`

// Job is one row of the index.
type Job struct {
	ID        string
	Title     string
	Prompt    string
	Status    string
	StartedAt time.Time
	EndedAt   *time.Time
	Error     string
}

// Index is the job history database.
type Index struct {
	db     *sql.DB
	logger *logging.Logger
}

// Option configures an Index.
type Option func(*Index)

// WithLogger sets the logger used for event handling failures.
func WithLogger(l *logging.Logger) Option {
	return func(ix *Index) {
		if l != nil {
			ix.logger = l
		}
	}
}

// Open opens (creating if needed) the database at path.
func Open(path string, opts ...Option) (*Index, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, errors.Wrap(err, "failed to open job index")
	}
	db.SetMaxOpenConns(1)

	ix := &Index{db: db, logger: logging.NopLogger()}
	for _, opt := range opts {
		opt(ix)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to migrate job index")
	}
	return ix, nil
}

// Close closes the database.
func (ix *Index) Close() error {
	return ix.db.Close()
}

// Started records a job start. A resumed job keeps its original start time
// and prompt unless new ones are given.
func (ix *Index) Started(ctx context.Context, id, title, prompt string, at time.Time) error {
	_, err := ix.db.ExecContext(ctx, `
		INSERT INTO jobs (id, title, prompt, status, started_at)
		VALUES (?, ?, ?, 'running', ?)
		ON CONFLICT(id) DO UPDATE SET
			title = COALESCE(NULLIF(excluded.title, ''), jobs.title),
			prompt = COALESCE(NULLIF(excluded.prompt, ''), jobs.prompt),
			status = 'running',
			ended_at = NULL,
			error = ''`,
		id, title, prompt, formatTime(at))
	return err
}

// Failed records the error that halted a job.
func (ix *Index) Failed(ctx context.Context, id, message string) error {
	_, err := ix.db.ExecContext(ctx, `UPDATE jobs SET error = ? WHERE id = ?`, message, id)
	return err
}

// Finished records a job's terminal status.
func (ix *Index) Finished(ctx context.Context, id, status, message string, at time.Time) error {
	_, err := ix.db.ExecContext(ctx, `
		INSERT INTO jobs (id, status, started_at, ended_at, error)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			ended_at = excluded.ended_at,
			error = COALESCE(NULLIF(excluded.error, ''), jobs.error)`,
		id, status, formatTime(at), formatTime(at), message)
	return err
}

// Get returns one job.
func (ix *Index) Get(ctx context.Context, id string) (*Job, error) {
	row := ix.db.QueryRowContext(ctx,
		`SELECT id, title, prompt, status, started_at, ended_at, error FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job", id)
	}
	return job, err
}

// List returns the most recently started jobs first. limit <= 0 lists all.
func (ix *Index) List(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := ix.db.QueryContext(ctx,
		`SELECT id, title, prompt, status, started_at, ended_at, error
		 FROM jobs ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*Job, error) {
	var (
		job     Job
		started string
		ended   sql.NullString
	)
	if err := s.Scan(&job.ID, &job.Title, &job.Prompt, &job.Status, &started, &ended, &job.Error); err != nil {
		return nil, err
	}
	job.StartedAt = parseTime(started)
	if ended.Valid {
		t := parseTime(ended.String)
		job.EndedAt = &t
	}
	return &job, nil
}

// timeLayout has fixed width so that text order matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// Attach subscribes the index to the job events on bus and returns a
// function that removes the subscriptions. Write failures are logged.
func (ix *Index) Attach(bus *event.Bus) func() {
	ctx := context.Background()
	record := func(kind, id string, err error) {
		if err != nil {
			ix.logger.Warn("job index not updated", "event", kind, "job_id", id, "error", err.Error())
		}
	}
	ids := []string{
		bus.Subscribe(event.TypeJobStarted, func(e event.Event) {
			ev := e.(event.JobStartedEvent)
			record(event.TypeJobStarted, ev.JobID, ix.Started(ctx, ev.JobID, ev.Title, ev.Prompt, ev.Timestamp()))
		}),
		bus.Subscribe(event.TypeJobError, func(e event.Event) {
			ev := e.(event.JobErrorEvent)
			record(event.TypeJobError, ev.JobID, ix.Failed(ctx, ev.JobID, ev.Message))
		}),
		bus.Subscribe(event.TypeJobCompleted, func(e event.Event) {
			ev := e.(event.JobCompletedEvent)
			record(event.TypeJobCompleted, ev.JobID, ix.Finished(ctx, ev.JobID, ev.Status, ev.Error, ev.Timestamp()))
		}),
	}
	return func() {
		for _, id := range ids {
			bus.Unsubscribe(id)
		}
	}
}
