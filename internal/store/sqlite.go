package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"

	"github.com/example/sheet2audio/api-go/internal/model"
	"github.com/example/sheet2audio/api-go/internal/progress"
)

// SQLite holds job records and doubles as the durable progress sink, so a
// poller in another process sees the same state the pipeline wrote.
type SQLite struct {
	db *sql.DB
}

func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  status TEXT NOT NULL,
  input_key TEXT NOT NULL,
  instrument TEXT NOT NULL,
  output_key TEXT,
  error_message TEXT
);
CREATE TABLE IF NOT EXISTS progress (
  job_id TEXT PRIMARY KEY,
  updated_at INTEGER NOT NULL,
  percentage INTEGER NOT NULL DEFAULT 0,
  message TEXT NOT NULL DEFAULT ''
);
`); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) CreateJob(ctx context.Context, job model.Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, created_at, updated_at, status, input_key, instrument)
         VALUES (?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.CreatedAt.UnixMilli(),
		job.UpdatedAt.UnixMilli(),
		string(job.Status),
		job.InputKey,
		job.Instrument,
	)
	return err
}

const selectJob = `SELECT j.id, j.created_at, j.updated_at, j.status, j.input_key, j.instrument,
       j.output_key, j.error_message, COALESCE(p.percentage, 0), COALESCE(p.message, '')
  FROM jobs j LEFT JOIN progress p ON p.job_id = j.id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (model.Job, error) {
	var (
		jid, statusStr, inputKey, instrument string
		createdMs, updatedMs                 int64
		outputKey, errorMsg                  sql.NullString
		percentage                           int
		message                              string
	)
	if err := row.Scan(&jid, &createdMs, &updatedMs, &statusStr, &inputKey, &instrument, &outputKey, &errorMsg, &percentage, &message); err != nil {
		return model.Job{}, err
	}
	job := model.Job{
		ID:         jid,
		CreatedAt:  time.UnixMilli(createdMs),
		UpdatedAt:  time.UnixMilli(updatedMs),
		Status:     model.JobStatus(statusStr),
		Progress:   percentage,
		Message:    message,
		InputKey:   inputKey,
		Instrument: instrument,
	}
	if outputKey.Valid {
		job.OutputKey = outputKey.String
	}
	if errorMsg.Valid {
		job.Error = errorMsg.String
	}
	return job, nil
}

func (s *SQLite) GetJob(ctx context.Context, id string) (model.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, selectJob+` WHERE j.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, model.ErrNotFound
	}
	return job, err
}

func (s *SQLite) ListJobs(ctx context.Context, status *model.JobStatus, limit int) ([]model.Job, error) {
	if limit <= 0 {
		limit = 25
	}

	query := selectJob
	args := []any{}
	if status != nil {
		query += " WHERE j.status = ?"
		args = append(args, string(*status))
	}
	query += " ORDER BY j.updated_at DESC LIMIT ?"
	args = append(args, limit)
	return s.queryJobs(ctx, query, args...)
}

func (s *SQLite) ListQueued(ctx context.Context, limit int) ([]model.Job, error) {
	return s.queryJobs(ctx, selectJob+` WHERE j.status = ? ORDER BY j.created_at ASC LIMIT ?`,
		string(model.JobQueued), limit)
}

func (s *SQLite) queryJobs(ctx context.Context, query string, args ...any) ([]model.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// ClaimJob moves a queued job to recognizing. It reports false when another
// worker got there first or the job was cancelled meanwhile.
func (s *SQLite) ClaimJob(ctx context.Context, id string) (bool, error) {
	return s.swapStatus(ctx, id, model.JobQueued, model.JobRecognizing)
}

// CancelQueued cancels a job that no worker has claimed yet.
func (s *SQLite) CancelQueued(ctx context.Context, id string) (bool, error) {
	return s.swapStatus(ctx, id, model.JobQueued, model.JobCancelled)
}

func (s *SQLite) swapStatus(ctx context.Context, id string, from, to model.JobStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), time.Now().UnixMilli(), id, string(from),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLite) UpdateJob(ctx context.Context, id string, patch model.JobPatch) error {
	now := time.Now().UnixMilli()
	var status *string
	if patch.Status != nil {
		v := string(*patch.Status)
		status = &v
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs
         SET updated_at = ?,
             status = COALESCE(?, status),
             output_key = COALESCE(?, output_key),
             error_message = COALESCE(?, error_message)
         WHERE id = ?`,
		now,
		nullableString(status),
		nullableString(patch.OutputKey),
		nullableString(patch.Error),
		id,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return model.ErrNotFound
	}
	return nil
}

// SetStatus records a pipeline state transition.
func (s *SQLite) SetStatus(ctx context.Context, id string, status model.JobStatus) error {
	return s.UpdateJob(ctx, id, model.JobPatch{Status: &status})
}

// Report upserts the latest progress record for jobID.
func (s *SQLite) Report(ctx context.Context, jobID string, percentage int, message string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO progress (job_id, updated_at, percentage, message) VALUES (?, ?, ?, ?)
         ON CONFLICT(job_id) DO UPDATE SET
           updated_at = excluded.updated_at,
           percentage = excluded.percentage,
           message = excluded.message`,
		jobID, time.Now().UnixMilli(), progress.Clamp(percentage), message,
	)
	return err
}

// Read returns the latest progress for jobID, or idle when none is readable.
func (s *SQLite) Read(ctx context.Context, jobID string) model.ProgressState {
	var state model.ProgressState
	err := s.db.QueryRowContext(ctx,
		`SELECT percentage, message FROM progress WHERE job_id = ?`, jobID,
	).Scan(&state.Percentage, &state.Message)
	if err != nil {
		return model.IdleProgress()
	}
	state.Percentage = progress.Clamp(state.Percentage)
	return state
}

func nullableString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
