package workspace

import (
	"context"
	"time"
)

// Sandbox is the pair of directories owned by one Runnable. WorkDir holds
// linked plugin packages and scratch files; DataDir holds anything the
// plugin wants to keep after the job.
type Sandbox struct {
	ID      string
	WorkDir string
	DataDir string
}

// CleanupReport summarizes a cleanup run.
type CleanupReport struct {
	DeletedDirs int
}

// Manager governs sandbox directory lifecycle.
type Manager interface {
	// Ensure creates both directories for id if they do not exist yet.
	Ensure(ctx context.Context, id string) (Sandbox, error)

	// Open resolves an existing sandbox for id.
	Open(ctx context.Context, id string) (Sandbox, error)

	// Release removes the work directory of id. The data directory is kept.
	Release(ctx context.Context, id string) error

	// Cleanup removes work and data directories older than olderThan.
	Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error)
}
