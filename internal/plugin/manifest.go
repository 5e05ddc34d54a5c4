package plugin

import (
	"fmt"
	"strings"
	"time"
)

// Manifest defines the structure of a plugin's manifest.yaml file.
type Manifest struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Protocol    int    `yaml:"protocol"`
	Entrypoint  string `yaml:"entrypoint"`
	Description string `yaml:"description,omitempty"`
	// Timeout bounds a single start call, e.g. "30s". Empty means the
	// sandbox default applies.
	Timeout string `yaml:"timeout,omitempty"`
}

// StartTimeout parses Timeout. Zero means unset.
func (m *Manifest) StartTimeout() (time.Duration, error) {
	if strings.TrimSpace(m.Timeout) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(m.Timeout)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q: %w", m.Timeout, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("timeout must be positive, got %s", m.Timeout)
	}
	return d, nil
}

// Plugin represents a discovered and validated plugin.
type Plugin struct {
	Name         string        // Plugin name from manifest
	Path         string        // Absolute path to plugin directory
	Entrypoint   string        // Absolute path to entrypoint executable
	Protocol     int           // Protocol version
	Version      string        // Plugin version
	Description  string        // Human-readable description
	StartTimeout time.Duration // Zero when the manifest leaves it unset
}

// Package is the descriptor handed to a sandbox: which plugin to load and
// where it is installed. Digest is the BLAKE3 tree hash of the install
// directory at discovery time; the worker refuses to load a package whose
// contents no longer match.
type Package struct {
	Name        string `json:"name"`
	InstallPath string `json:"install_path"`
	Digest      string `json:"digest,omitempty"`
}

func (p Package) String() string {
	return p.Name + "@" + p.InstallPath
}

// Package computes the descriptor for p.
func (p *Plugin) Package() (Package, error) {
	digest, err := Digest(p.Path)
	if err != nil {
		return Package{}, fmt.Errorf("digest plugin %q: %w", p.Name, err)
	}
	return Package{Name: p.Name, InstallPath: p.Path, Digest: digest}, nil
}
