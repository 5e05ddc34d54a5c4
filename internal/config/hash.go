package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

const checksumsFile = ".checksums"

// ChecksumManifest is the content of a .checksums file. Hashes are keyed by
// file base name; one manifest covers one directory.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// LockFileResult is the outcome for one hashed file.
type LockFileResult struct {
	Path string
	Hash string
}

// LockReport summarizes a Lock run.
type LockReport struct {
	// Manifests lists the .checksums files, written or not.
	Manifests []string
	Written   bool
	Files     []LockFileResult
}

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// VerifyFileHash verifies a file against an expected BLAKE3 hash.
func VerifyFileHash(filePath, expectedHash string) error {
	actualHash, err := ComputeBlake3Hash(filePath)
	if err != nil {
		return fmt.Errorf("failed to compute hash: %w", err)
	}

	if actualHash != expectedHash {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s",
			filepath.Base(filePath), expectedHash, actualHash)
	}
	return nil
}

// Lock hashes the config at configPath and every file it includes, and
// writes one .checksums manifest per directory involved. With dryRun the
// report is computed but nothing is written. Existing manifests are not
// consulted, so Lock also repairs a config that no longer loads.
func Lock(configPath string, dryRun bool) (*LockReport, error) {
	files, err := collectConfigFiles(configPath)
	if err != nil {
		return nil, err
	}

	manifests := make(map[string]*ChecksumManifest)
	report := &LockReport{}
	for _, path := range files {
		hash, err := ComputeBlake3Hash(path)
		if err != nil {
			return nil, fmt.Errorf("failed to hash %s: %w", path, err)
		}
		report.Files = append(report.Files, LockFileResult{Path: path, Hash: hash})

		dir := filepath.Dir(path)
		m, ok := manifests[dir]
		if !ok {
			m = &ChecksumManifest{
				Version:     1,
				GeneratedAt: time.Now().UTC().Format(time.RFC3339),
				Hashes:      make(map[string]string),
			}
			manifests[dir] = m
		}
		m.Hashes[filepath.Base(path)] = hash
	}

	dirs := make([]string, 0, len(manifests))
	for dir := range manifests {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)

	for _, dir := range dirs {
		target := filepath.Join(dir, checksumsFile)
		report.Manifests = append(report.Manifests, target)
		if dryRun {
			continue
		}
		data, err := yaml.Marshal(manifests[dir])
		if err != nil {
			return nil, fmt.Errorf("failed to marshal checksums: %w", err)
		}
		// Restrictive permissions; the manifest is what makes tampering visible.
		if err := os.WriteFile(target, data, 0o600); err != nil {
			return nil, fmt.Errorf("failed to write checksums: %w", err)
		}
	}
	report.Written = !dryRun
	return report, nil
}

// LoadChecksums reads the .checksums file from a config directory.
func LoadChecksums(configDir string) (*ChecksumManifest, error) {
	data, err := os.ReadFile(filepath.Join(configDir, checksumsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("checksums file not found (run 'plugbox config lock')")
		}
		return nil, fmt.Errorf("failed to read checksums: %w", err)
	}

	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse checksums: %w", err)
	}

	if manifest.Version != 1 {
		return nil, fmt.Errorf("unsupported checksums version: %d", manifest.Version)
	}
	return &manifest, nil
}

// collectConfigFiles returns the absolute paths of configPath and its
// include tree, sorted.
func collectConfigFiles(configPath string) ([]string, error) {
	absPath, err := resolveConfigPath(configPath)
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}

	visited := map[string]bool{absPath: true}
	if err := loadIncludes(cfg, cfg.Include, filepath.Dir(absPath), visited); err != nil {
		return nil, err
	}

	files := make([]string, 0, len(visited))
	for f := range visited {
		files = append(files, f)
	}
	sort.Strings(files)
	return files, nil
}
