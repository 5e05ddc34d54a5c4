// Package jobs is the SQLite-backed job history and FIFO queue the
// dispatcher drains.
package jobs

import (
	"encoding/json"
	"errors"
	"time"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusTimedOut
}

type Job struct {
	ID          string          `json:"id"`
	Plugin      string          `json:"plugin"`
	Args        json.RawMessage `json:"args"`
	Status      Status          `json:"status"`
	SubmittedBy string          `json:"submitted_by"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	WorkerPID   *int            `json:"worker_pid,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	LastError   *string         `json:"last_error,omitempty"`
}

type EnqueueRequest struct {
	// ID is normally the trace id the caller already created; empty means
	// a fresh uuid.
	ID          string
	Plugin      string
	Args        json.RawMessage
	SubmittedBy string
}

// Completion is the terminal outcome of a job.
type Completion struct {
	Status    Status
	Result    json.RawMessage
	LastError *string
	// Stderr is the tail of the job's stderr, kept in job_log.
	Stderr *string
}

var ErrJobNotFound = errors.New("job not found")
