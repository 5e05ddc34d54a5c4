package plugin

import (
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
)

// Digest computes a BLAKE3 hash over every regular file under dir. Relative
// paths are hashed along with contents so renames change the digest.
// Symlinked directories are not followed.
func Digest(dir string) (string, error) {
	root, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", dir, err)
	}

	h := blake3.New()
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		// NUL separates name from content; it cannot appear in a path.
		fmt.Fprintf(h, "%s\x00", filepath.ToSlash(rel))

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := io.Copy(h, f); err != nil {
			return fmt.Errorf("failed to hash %s: %w", rel, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify recomputes the digest of pkg.InstallPath and compares it to
// pkg.Digest. An empty expected digest skips the check.
func Verify(pkg Package) error {
	if pkg.Digest == "" {
		return nil
	}
	actual, err := Digest(pkg.InstallPath)
	if err != nil {
		return fmt.Errorf("failed to compute digest: %w", err)
	}
	if actual != pkg.Digest {
		return fmt.Errorf("digest mismatch for %s: expected %s, got %s", pkg.Name, pkg.Digest, actual)
	}
	return nil
}
