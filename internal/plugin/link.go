package plugin

import (
	"fmt"
	"os"
	"path/filepath"
)

// Link makes pkg available under workDir/plugins/<name> by symlinking its
// install directory, replacing a stale link of the same name. The returned
// descriptor points at the link so the sandbox never needs to see the
// original location.
func Link(pkg Package, workDir string) (Package, error) {
	if pkg.Name == "" {
		return Package{}, fmt.Errorf("package name is required")
	}
	target, err := filepath.Abs(pkg.InstallPath)
	if err != nil {
		return Package{}, fmt.Errorf("failed to resolve install path: %w", err)
	}
	if info, err := os.Stat(target); err != nil {
		return Package{}, fmt.Errorf("package %s not installed: %w", pkg.Name, err)
	} else if !info.IsDir() {
		return Package{}, fmt.Errorf("package %s install path is not a directory", pkg.Name)
	}

	dir := filepath.Join(workDir, "plugins")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Package{}, fmt.Errorf("failed to create plugins dir: %w", err)
	}

	link := filepath.Join(dir, pkg.Name)
	if fi, err := os.Lstat(link); err == nil {
		if fi.Mode()&os.ModeSymlink == 0 {
			return Package{}, fmt.Errorf("%s exists and is not a symlink", link)
		}
		if err := os.Remove(link); err != nil {
			return Package{}, fmt.Errorf("failed to remove stale link: %w", err)
		}
	}
	if err := os.Symlink(target, link); err != nil {
		return Package{}, fmt.Errorf("failed to link package %s: %w", pkg.Name, err)
	}

	linked := pkg
	linked.InstallPath = link
	return linked, nil
}
