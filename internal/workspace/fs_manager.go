package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// fsManager keeps sandboxes as <workRoot>/<id> and <dataRoot>/<id> on local disk.
type fsManager struct {
	workRoot string
	dataRoot string
	now      func() time.Time
}

var _ Manager = (*fsManager)(nil)

// NewFSManager creates a filesystem-backed manager. workRoot and dataRoot
// may be the same directory only if callers never reuse ids.
func NewFSManager(workRoot, dataRoot string) (*fsManager, error) {
	work := strings.TrimSpace(workRoot)
	if work == "" {
		return nil, fmt.Errorf("work root is empty")
	}
	data := strings.TrimSpace(dataRoot)
	if data == "" {
		return nil, fmt.Errorf("data root is empty")
	}
	if filepath.Clean(work) == filepath.Clean(data) {
		return nil, fmt.Errorf("work root and data root must differ")
	}

	return &fsManager{
		workRoot: filepath.Clean(work),
		dataRoot: filepath.Clean(data),
		now:      time.Now,
	}, nil
}

// Ensure creates the sandbox directories for id. Existing directories are reused.
func (m *fsManager) Ensure(ctx context.Context, id string) (Sandbox, error) {
	if err := ctx.Err(); err != nil {
		return Sandbox{}, err
	}

	sb, err := m.paths(id)
	if err != nil {
		return Sandbox{}, err
	}

	for _, dir := range []string{sb.WorkDir, sb.DataDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Sandbox{}, fmt.Errorf("create sandbox directory for %q: %w", id, err)
		}
	}
	return sb, nil
}

// Open returns the sandbox for id if both directories exist.
func (m *fsManager) Open(ctx context.Context, id string) (Sandbox, error) {
	if err := ctx.Err(); err != nil {
		return Sandbox{}, err
	}

	sb, err := m.paths(id)
	if err != nil {
		return Sandbox{}, err
	}

	for _, dir := range []string{sb.WorkDir, sb.DataDir} {
		info, err := os.Stat(dir)
		if err != nil {
			return Sandbox{}, fmt.Errorf("open sandbox %q: %w", id, err)
		}
		if !info.IsDir() {
			return Sandbox{}, fmt.Errorf("sandbox path %s for %q is not a directory", dir, id)
		}
	}
	return sb, nil
}

// Release removes the work directory for id.
func (m *fsManager) Release(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	sb, err := m.paths(id)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(sb.WorkDir); err != nil {
		return fmt.Errorf("release sandbox %q: %w", id, err)
	}
	return nil
}

// Cleanup removes sandbox directories under both roots whose modification
// time is older than olderThan.
func (m *fsManager) Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error) {
	if err := ctx.Err(); err != nil {
		return CleanupReport{}, err
	}
	if olderThan <= 0 {
		return CleanupReport{}, fmt.Errorf("olderThan must be positive")
	}

	cutoff := m.now().Add(-olderThan)
	report := CleanupReport{}

	for _, root := range []string{m.workRoot, m.dataRoot} {
		entries, err := os.ReadDir(root)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return report, fmt.Errorf("read sandbox root %s: %w", root, err)
		}

		for _, entry := range entries {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			if !entry.IsDir() {
				continue
			}

			info, err := entry.Info()
			if err != nil {
				return report, fmt.Errorf("read sandbox entry info %q: %w", entry.Name(), err)
			}
			if info.ModTime().After(cutoff) {
				continue
			}

			if err := os.RemoveAll(filepath.Join(root, entry.Name())); err != nil {
				return report, fmt.Errorf("remove sandbox %q: %w", entry.Name(), err)
			}
			report.DeletedDirs++
		}
	}

	return report, nil
}

func (m *fsManager) paths(id string) (Sandbox, error) {
	if err := validateID(id); err != nil {
		return Sandbox{}, err
	}
	return Sandbox{
		ID:      id,
		WorkDir: filepath.Join(m.workRoot, id),
		DataDir: filepath.Join(m.dataRoot, id),
	}, nil
}

func validateID(id string) error {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return fmt.Errorf("sandbox id is empty")
	}
	if trimmed == "." || trimmed == ".." {
		return fmt.Errorf("sandbox id %q is invalid", id)
	}
	if strings.Contains(trimmed, "/") || strings.Contains(trimmed, `\`) {
		return fmt.Errorf("sandbox id %q must not contain path separators", id)
	}
	if filepath.Clean(trimmed) != trimmed || trimmed != id {
		return fmt.Errorf("sandbox id %q is invalid", id)
	}
	return nil
}
