package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const maxStderrBytes = 64 * 1024

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const jobColumns = `id, plugin, args, status, submitted_by, created_at, started_at, completed_at, worker_pid, result, last_error`

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if req.Plugin == "" {
		return "", fmt.Errorf("plugin is empty")
	}
	if req.SubmittedBy == "" {
		return "", fmt.Errorf("submitted_by is empty")
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	args := req.Args
	if len(args) == 0 {
		args = json.RawMessage("[]")
	}
	if !json.Valid(args) {
		return "", fmt.Errorf("args are not valid JSON")
	}
	now := time.Now().UTC().Format(timeLayout)

	_, err := s.db.ExecContext(ctx, `
INSERT INTO jobs(id, plugin, args, status, submitted_by, created_at)
VALUES(?, ?, ?, ?, ?, ?);
`, id, req.Plugin, string(args), StatusQueued, req.SubmittedBy, now)
	if err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return id, nil
}

// Dequeue claims the oldest queued job and marks it running. Returns (nil, nil)
// if the queue is empty.
func (s *Store) Dequeue(ctx context.Context) (*Job, error) {
	nowS := time.Now().UTC().Format(timeLayout)

	row := s.db.QueryRowContext(ctx, `
WITH next AS (
  SELECT id
  FROM jobs
  WHERE status = ?
  ORDER BY created_at ASC, rowid ASC
  LIMIT 1
)
UPDATE jobs
SET status = ?, started_at = ?
WHERE id IN (SELECT id FROM next)
RETURNING `+jobColumns+`;
`, StatusQueued, StatusRunning, nowS)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue job: %w", err)
	}
	return j, nil
}

// Claim marks the queued job id running. It returns ErrJobNotFound when no
// such job is waiting, including when another executor claimed it first.
func (s *Store) Claim(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
UPDATE jobs
SET status = ?, started_at = ?
WHERE id = ? AND status = ?
RETURNING `+jobColumns+`;
`, StatusRunning, time.Now().UTC().Format(timeLayout), jobID, StatusQueued)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return j, nil
}

// SetWorkerPID records the sandbox process serving a running job.
func (s *Store) SetWorkerPID(ctx context.Context, jobID string, pid int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET worker_pid = ? WHERE id = ?;`, pid, jobID)
	if err != nil {
		return fmt.Errorf("set worker pid: %w", err)
	}
	return requireRow(res)
}

// Complete marks a job terminal and appends a row to job_log.
func (s *Store) Complete(ctx context.Context, jobID string, c Completion) error {
	if jobID == "" {
		return fmt.Errorf("jobID is empty")
	}
	if !c.Status.Terminal() {
		return fmt.Errorf("invalid terminal status: %q", c.Status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var plugin, createdAt string
	err = tx.QueryRowContext(ctx, `SELECT plugin, created_at FROM jobs WHERE id = ?;`, jobID).Scan(&plugin, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("load job for completion: %w", err)
	}

	completedAt := time.Now().UTC().Format(timeLayout)
	var result any
	if len(c.Result) > 0 {
		result = string(c.Result)
	}

	_, err = tx.ExecContext(ctx, `
UPDATE jobs
SET status = ?, completed_at = ?, result = ?, last_error = ?
WHERE id = ?;
`, c.Status, completedAt, result, c.LastError, jobID)
	if err != nil {
		return fmt.Errorf("update job completion: %w", err)
	}

	var stderrVal any
	if c.Stderr != nil {
		tail := *c.Stderr
		if len(tail) > maxStderrBytes {
			tail = tail[len(tail)-maxStderrBytes:]
		}
		stderrVal = tail
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO job_log(id, job_id, plugin, status, created_at, completed_at, last_error, stderr)
VALUES(?, ?, ?, ?, ?, ?, ?, ?);
`, uuid.NewString(), jobID, plugin, c.Status, createdAt, completedAt, c.LastError, stderrVal)
	if err != nil {
		return fmt.Errorf("insert job_log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?;`, jobID)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// List returns up to limit jobs, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+jobColumns+`
FROM jobs
ORDER BY created_at DESC, rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// Depth is the number of queued jobs.
func (s *Store) Depth(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE status = ?;`, StatusQueued).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queued jobs: %w", err)
	}
	return n, nil
}

// RecoverOrphans fails jobs left running by a previous process. Their
// sandboxes died with it.
func (s *Store) RecoverOrphans(ctx context.Context) (int, error) {
	msg := "abandoned: service restarted while job was running"
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs
SET status = ?, completed_at = ?, last_error = ?
WHERE status = ?;
`, StatusFailed, time.Now().UTC().Format(timeLayout), msg, StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("recover orphaned jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	var (
		j            Job
		args         string
		statusS      string
		createdAtS   string
		startedAtS   sql.NullString
		completedAtS sql.NullString
		workerPID    sql.NullInt64
		result       sql.NullString
		lastError    sql.NullString
	)
	if err := row.Scan(
		&j.ID, &j.Plugin, &args, &statusS, &j.SubmittedBy, &createdAtS,
		&startedAtS, &completedAtS, &workerPID, &result, &lastError,
	); err != nil {
		return nil, err
	}

	j.Args = json.RawMessage(args)
	j.Status = Status(statusS)
	if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		j.CreatedAt = t
	}
	j.StartedAt = parseTime(startedAtS)
	j.CompletedAt = parseTime(completedAtS)
	if workerPID.Valid {
		pid := int(workerPID.Int64)
		j.WorkerPID = &pid
	}
	if result.Valid {
		j.Result = json.RawMessage(result.String)
	}
	if lastError.Valid {
		j.LastError = &lastError.String
	}
	return &j, nil
}

func parseTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}
