package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
)

var networkFilesystems = map[string]struct{}{
	"afpfs":      {},
	"cifs":       {},
	"nfs":        {},
	"nfs4":       {},
	"smbfs":      {},
	"smb2":       {},
	"smb3":       {},
	"webdav":     {},
	"fuse.sshfs": {},
}

// validateSQLiteFilesystem ensures the DB path is on a local filesystem.
func validateSQLiteFilesystem(path string) error {
	return validateSQLiteFilesystemWithDetector(path, detectFilesystemType)
}

func validateSQLiteFilesystemWithDetector(path string, detector func(string) (string, error)) error {
	if path == "" {
		return fmt.Errorf("sqlite path is empty")
	}

	inspectPath, err := nearestExistingPath(path)
	if err != nil {
		return fmt.Errorf("resolve database path %q: %w", path, err)
	}

	fsType, err := detector(inspectPath)
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", inspectPath, err)
	}

	if isNetworkFilesystem(fsType) {
		return fmt.Errorf(
			"database path %q is on network filesystem %q; SQLite requires a local filesystem for reliable locking. Set state.path (or --state /path/to/local/file.db) to local disk",
			path,
			fsType,
		)
	}
	return nil
}

// detectFilesystemType returns the type of the mount holding path, found by
// longest mountpoint prefix.
func detectFilesystemType(path string) (string, error) {
	parts, err := disk.Partitions(true)
	if err != nil {
		return "", fmt.Errorf("list mounts: %w", err)
	}
	return mountFSType(path, parts), nil
}

func mountFSType(path string, parts []disk.PartitionStat) string {
	best, fsType := -1, ""
	for _, p := range parts {
		mp := p.Mountpoint
		if !underMount(path, mp) {
			continue
		}
		if len(mp) > best {
			best, fsType = len(mp), p.Fstype
		}
	}
	return fsType
}

func underMount(path, mountpoint string) bool {
	if mountpoint == "/" || path == mountpoint {
		return true
	}
	return strings.HasPrefix(path, strings.TrimSuffix(mountpoint, "/")+"/")
}

func nearestExistingPath(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}

	candidate := absPath
	for {
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}

		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", absPath)
		}
		candidate = parent
	}
}

func isNetworkFilesystem(fsType string) bool {
	normalized := strings.TrimSpace(strings.ToLower(fsType))
	_, found := networkFilesystems[normalized]
	return found
}
