package api

import (
	"encoding/json"
	"time"

	"github.com/mattjoyce/plugbox/internal/jobs"
)

// SubmitRequest is the JSON body for POST /jobs
type SubmitRequest struct {
	Plugin string            `json:"plugin"`
	Args   []json.RawMessage `json:"args,omitempty"`
}

// SubmitResponse is returned on successful job submission
type SubmitResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	Plugin string `json:"plugin"`
	// Trace is the SSE path for the job's logs and status events.
	Trace string `json:"trace"`
}

// JobResponse is returned by GET /jobs/{jobID}
type JobResponse struct {
	JobID       string          `json:"job_id"`
	Plugin      string          `json:"plugin"`
	Args        json.RawMessage `json:"args"`
	Status      string          `json:"status"`
	SubmittedBy string          `json:"submitted_by"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	WorkerPID   *int            `json:"worker_pid,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	LastError   *string         `json:"last_error,omitempty"`
}

// JobListResponse is returned by GET /jobs
type JobListResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	QueueDepth    int    `json:"queue_depth"`
	PluginsLoaded int    `json:"plugins_loaded"`
	ActiveTraces  int    `json:"active_traces"`
}

func newJobResponse(j *jobs.Job) JobResponse {
	return JobResponse{
		JobID:       j.ID,
		Plugin:      j.Plugin,
		Args:        j.Args,
		Status:      string(j.Status),
		SubmittedBy: j.SubmittedBy,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
		WorkerPID:   j.WorkerPID,
		Result:      j.Result,
		LastError:   j.LastError,
	}
}
