package storage

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/shirou/gopsutil/v3/disk"
)

func TestValidateSQLiteFilesystemWithDetector_AllowsLocalFS(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "state.db")
	err := validateSQLiteFilesystemWithDetector(dbPath, func(path string) (string, error) {
		return "apfs", nil
	})
	if err != nil {
		t.Fatalf("expected local filesystem to pass, got: %v", err)
	}
}

func TestValidateSQLiteFilesystemWithDetector_RejectsNetworkFS(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "state.db")
	err := validateSQLiteFilesystemWithDetector(dbPath, func(path string) (string, error) {
		return "smbfs", nil
	})
	if err == nil {
		t.Fatal("expected network filesystem validation error")
	}

	msg := err.Error()
	for _, want := range []string{"smbfs", "SQLite requires a local filesystem", "--state /path/to/local/file.db"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected error to contain %q, got %q", want, msg)
		}
	}
}

func TestValidateSQLiteFilesystemWithDetector_UsesNearestExistingPath(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	dbPath := filepath.Join(root, "nested", "dir", "state.db")

	var inspectedPath string
	err := validateSQLiteFilesystemWithDetector(dbPath, func(path string) (string, error) {
		inspectedPath = path
		return "apfs", nil
	})
	if err != nil {
		t.Fatalf("expected local filesystem to pass, got: %v", err)
	}

	if inspectedPath != root {
		t.Fatalf("expected detector to inspect nearest existing path %q, got %q", root, inspectedPath)
	}
}

func TestIsNetworkFilesystem(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		fs   string
		want bool
	}{
		{name: "nfs", fs: "nfs", want: true},
		{name: "smbfs uppercase", fs: "SMBFS", want: true},
		{name: "local apfs", fs: "apfs", want: false},
		{name: "nfs4", fs: "nfs4", want: true},
		{name: "local ext4", fs: "ext4", want: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := isNetworkFilesystem(tc.fs)
			if got != tc.want {
				t.Fatalf("isNetworkFilesystem(%q)=%v, want %v", tc.fs, got, tc.want)
			}
		})
	}
}

func TestMountFSTypePicksLongestMountpoint(t *testing.T) {
	t.Parallel()

	parts := []disk.PartitionStat{
		{Mountpoint: "/", Fstype: "ext4"},
		{Mountpoint: "/mnt/share", Fstype: "nfs4"},
		{Mountpoint: "/mnt/share/local", Fstype: "tmpfs"},
		{Mountpoint: "/mnt/shared", Fstype: "cifs"},
	}

	cases := []struct {
		path string
		want string
	}{
		{path: "/var/lib/plugbox/state.db", want: "ext4"},
		{path: "/mnt/share/state.db", want: "nfs4"},
		{path: "/mnt/share", want: "nfs4"},
		{path: "/mnt/share/local/state.db", want: "tmpfs"},
		{path: "/mnt/sharedx/state.db", want: "ext4"},
		{path: "/mnt/shared/state.db", want: "cifs"},
	}
	for _, tc := range cases {
		if got := mountFSType(tc.path, parts); got != tc.want {
			t.Errorf("mountFSType(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}
