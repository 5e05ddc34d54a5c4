package protocol

import (
	"encoding/json"
	"time"
)

// Version is the plugin envelope version written in Request.Protocol.
const Version = 1

// Request is the envelope the worker writes to a plugin entrypoint's stdin.
type Request struct {
	Protocol     int               `json:"protocol"`
	JobID        string            `json:"job_id"`
	Command      string            `json:"command"` // run
	Plugin       string            `json:"plugin"`
	Args         []json.RawMessage `json:"args"`
	WorkspaceDir string            `json:"workspace_dir,omitempty"`
	DataDir      string            `json:"data_dir,omitempty"`
	DeadlineAt   time.Time         `json:"deadline_at"`
}

// Response is the envelope a plugin writes to stdout before exiting.
type Response struct {
	Status string          `json:"status"` // ok | error
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Logs   []LogEntry      `json:"logs,omitempty"`
}

// LogEntry represents a log message from a plugin.
type LogEntry struct {
	Level   string `json:"level"` // info | warn | error | debug
	Message string `json:"message"`
}
