package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// EnvConfigDir overrides config discovery.
const EnvConfigDir = "PLUGBOX_CONFIG_DIR"

// Load reads and parses configuration from a file or a directory holding
// config.yaml. Files listed under include are merged over the including
// file, depth first. When a .checksums manifest sits next to a file, the
// file must match it.
func Load(configPath string) (*Config, error) {
	absPath, err := resolveConfigPath(configPath)
	if err != nil {
		return nil, err
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}

	visited := map[string]bool{absPath: true}
	if len(cfg.Include) > 0 {
		if err := loadIncludes(cfg, cfg.Include, filepath.Dir(absPath), visited); err != nil {
			return nil, err
		}
	}

	cfg.SourceFiles = make([]string, 0, len(visited))
	for path := range visited {
		cfg.SourceFiles = append(cfg.SourceFiles, path)
	}
	sort.Strings(cfg.SourceFiles)

	if err := verifyAllConfigHashes(cfg.SourceFiles); err != nil {
		return nil, err
	}

	cfg = applyConfigDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadOrDefaults loads configPath, or discovers a config when it is empty.
// With nothing to discover it returns Defaults.
func LoadOrDefaults(configPath string) (*Config, error) {
	if configPath == "" {
		found, err := DiscoverConfigDir()
		if err != nil {
			return Defaults(), nil
		}
		configPath = found
	}
	return Load(configPath)
}

// DiscoverConfigDir finds the config location by checking standard places.
// Priority order: $PLUGBOX_CONFIG_DIR, ~/.config/plugbox, /etc/plugbox, ./config.yaml.
func DiscoverConfigDir() (string, error) {
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		if _, err := os.Stat(dir); err == nil {
			return dir, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfigDir := filepath.Join(homeDir, ".config", "plugbox")
		if _, err := os.Stat(filepath.Join(userConfigDir, "config.yaml")); err == nil {
			return userConfigDir, nil
		}
	}

	systemConfigDir := "/etc/plugbox"
	if _, err := os.Stat(filepath.Join(systemConfigDir, "config.yaml")); err == nil {
		return systemConfigDir, nil
	}

	if _, err := os.Stat("./config.yaml"); err == nil {
		return "./config.yaml", nil
	}

	return "", fmt.Errorf("no config found (checked: $%s, ~/.config/plugbox, /etc/plugbox, ./config.yaml)", EnvConfigDir)
}

func resolveConfigPath(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

// loadIncludes recursively loads and merges files from the include array.
// visited tracks loaded files to prevent cycles.
func loadIncludes(cfg *Config, includes []string, baseDir string, visited map[string]bool) error {
	for i, includePath := range includes {
		includePath = interpolateEnv(includePath)

		resolvedPath := includePath
		if !filepath.IsAbs(includePath) {
			resolvedPath = filepath.Join(baseDir, includePath)
		}
		absPath, err := filepath.Abs(resolvedPath)
		if err != nil {
			return fmt.Errorf("include[%d]: failed to resolve path %q: %w", i, includePath, err)
		}

		if visited[absPath] {
			return fmt.Errorf("include[%d]: circular dependency detected: %s", i, absPath)
		}

		if _, err := os.Stat(absPath); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("include[%d]: file not found: %s\n"+
					"Referenced from: %s\n"+
					"Hint: Check the path is correct and the file exists", i, absPath, baseDir)
			}
			return fmt.Errorf("include[%d]: failed to access file %s: %w", i, absPath, err)
		}
		visited[absPath] = true

		includedCfg, err := loadConfigFile(absPath)
		if err != nil {
			return fmt.Errorf("include[%d] (%s): %w", i, includePath, err)
		}

		deepMergeConfig(cfg, includedCfg)

		if len(includedCfg.Include) > 0 {
			if err := loadIncludes(cfg, includedCfg.Include, filepath.Dir(absPath), visited); err != nil {
				return err
			}
		}
	}
	return nil
}

// loadConfigFile parses a single file without applying defaults.
func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &cfg, nil
}

// deepMergeConfig merges src into dst, with src taking precedence for
// non-zero values.
func deepMergeConfig(dst, src *Config) {
	if src.Service.Name != "" {
		dst.Service.Name = src.Service.Name
	}
	if src.Service.LogLevel != "" {
		dst.Service.LogLevel = src.Service.LogLevel
	}
	if src.Service.LogFormat != "" {
		dst.Service.LogFormat = src.Service.LogFormat
	}

	if src.Sandbox.Worker != "" {
		dst.Sandbox.Worker = src.Sandbox.Worker
	}
	if len(src.Sandbox.WorkerArgs) > 0 {
		dst.Sandbox.WorkerArgs = src.Sandbox.WorkerArgs
	}
	// Env overrides are additive.
	if len(src.Sandbox.Env) > 0 {
		if dst.Sandbox.Env == nil {
			dst.Sandbox.Env = make(map[string]string)
		}
		for k, v := range src.Sandbox.Env {
			dst.Sandbox.Env[k] = v
		}
	}
	if src.Sandbox.WorkDir != "" {
		dst.Sandbox.WorkDir = src.Sandbox.WorkDir
	}
	if src.Sandbox.DataDir != "" {
		dst.Sandbox.DataDir = src.Sandbox.DataDir
	}
	if src.Sandbox.WorkerLogLevel != "" {
		dst.Sandbox.WorkerLogLevel = src.Sandbox.WorkerLogLevel
	}
	if src.Sandbox.LoadTimeout != 0 {
		dst.Sandbox.LoadTimeout = src.Sandbox.LoadTimeout
	}
	if src.Sandbox.StartTimeout != 0 {
		dst.Sandbox.StartTimeout = src.Sandbox.StartTimeout
	}
	if src.Sandbox.DestroyTimeout != 0 {
		dst.Sandbox.DestroyTimeout = src.Sandbox.DestroyTimeout
	}
	if src.Sandbox.Retention != 0 {
		dst.Sandbox.Retention = src.Sandbox.Retention
	}

	if src.Trace.FileLogs {
		dst.Trace.FileLogs = true
	}
	if src.Trace.LogDir != "" {
		dst.Trace.LogDir = src.Trace.LogDir
	}

	if src.State.Path != "" {
		dst.State.Path = src.State.Path
	}

	if src.API.Enabled {
		dst.API.Enabled = true
	}
	if src.API.Listen != "" {
		dst.API.Listen = src.API.Listen
	}
	if src.API.APIKey != "" {
		dst.API.APIKey = src.API.APIKey
	}

	if src.Dispatch.Workers != 0 {
		dst.Dispatch.Workers = src.Dispatch.Workers
	}
	if src.Dispatch.PollInterval != 0 {
		dst.Dispatch.PollInterval = src.Dispatch.PollInterval
	}
	if src.Dispatch.QueueSize != 0 {
		dst.Dispatch.QueueSize = src.Dispatch.QueueSize
	}

	if src.PluginsDir != "" {
		dst.PluginsDir = src.PluginsDir
	}
}

func verifyAllConfigHashes(paths []string) error {
	// One manifest per directory.
	dirToFiles := make(map[string][]string)
	for _, path := range paths {
		dir := filepath.Dir(path)
		dirToFiles[dir] = append(dirToFiles[dir], path)
	}

	for dir, files := range dirToFiles {
		checksums, err := LoadChecksums(dir)
		if err != nil {
			// No manifest, nothing to verify in this directory.
			continue
		}

		for _, path := range files {
			basename := filepath.Base(path)
			expectedHash, ok := checksums.Hashes[basename]
			if !ok {
				return fmt.Errorf("config file %s has no hash in checksums at %s\n"+
					"Run: plugbox config lock --config %s", basename, dir, dir)
			}
			if err := VerifyFileHash(path, expectedHash); err != nil {
				return fmt.Errorf("config verification failed for %s: %w\n"+
					"If you edited this file intentionally, run: plugbox config lock --config %s", path, err, dir)
			}
		}
	}
	return nil
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}

	if cfg.Sandbox.WorkDir == "" {
		cfg.Sandbox.WorkDir = defaults.Sandbox.WorkDir
	}
	if cfg.Sandbox.DataDir == "" {
		cfg.Sandbox.DataDir = defaults.Sandbox.DataDir
	}
	if cfg.Sandbox.WorkerLogLevel == "" {
		cfg.Sandbox.WorkerLogLevel = defaults.Sandbox.WorkerLogLevel
	}
	if cfg.Sandbox.LoadTimeout == 0 {
		cfg.Sandbox.LoadTimeout = defaults.Sandbox.LoadTimeout
	}
	if cfg.Sandbox.StartTimeout == 0 {
		cfg.Sandbox.StartTimeout = defaults.Sandbox.StartTimeout
	}
	if cfg.Sandbox.DestroyTimeout == 0 {
		cfg.Sandbox.DestroyTimeout = defaults.Sandbox.DestroyTimeout
	}
	if cfg.Sandbox.Retention == 0 {
		cfg.Sandbox.Retention = defaults.Sandbox.Retention
	}

	if cfg.Trace.LogDir == "" {
		cfg.Trace.LogDir = defaults.Trace.LogDir
	}

	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}

	if !cfg.API.Enabled && cfg.API.Listen == "" {
		cfg.API = defaults.API
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}

	if cfg.Dispatch.Workers == 0 {
		cfg.Dispatch.Workers = defaults.Dispatch.Workers
	}
	if cfg.Dispatch.PollInterval == 0 {
		cfg.Dispatch.PollInterval = defaults.Dispatch.PollInterval
	}
	if cfg.Dispatch.QueueSize == 0 {
		cfg.Dispatch.QueueSize = defaults.Dispatch.QueueSize
	}

	if cfg.PluginsDir == "" {
		cfg.PluginsDir = defaults.PluginsDir
	}
	return cfg
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is and fail validation where it matters.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if !validLogLevels[strings.ToLower(cfg.Sandbox.WorkerLogLevel)] {
		return fmt.Errorf("sandbox.worker_log_level must be one of: debug, info, warn, error (got %q)", cfg.Sandbox.WorkerLogLevel)
	}
	switch cfg.Service.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if cfg.Sandbox.LoadTimeout < 0 || cfg.Sandbox.StartTimeout < 0 || cfg.Sandbox.DestroyTimeout < 0 {
		return fmt.Errorf("sandbox timeouts must not be negative")
	}
	if filepath.Clean(cfg.Sandbox.WorkDir) == filepath.Clean(cfg.Sandbox.DataDir) {
		return fmt.Errorf("sandbox.work_dir and sandbox.data_dir must differ")
	}
	for k, v := range cfg.Sandbox.Env {
		if k == "" || strings.Contains(k, "=") {
			return fmt.Errorf("sandbox.env: invalid variable name %q", k)
		}
		if m := envVarPattern.FindStringSubmatch(v); m != nil {
			return fmt.Errorf("sandbox.env.%s: environment variable ${%s} is not set", k, m[1])
		}
	}

	if m := envVarPattern.FindStringSubmatch(cfg.API.APIKey); m != nil {
		return fmt.Errorf("api.api_key: environment variable ${%s} is not set", m[1])
	}
	if cfg.API.Enabled && cfg.API.Listen == "" {
		return fmt.Errorf("api.listen is required when the API is enabled")
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	if cfg.PluginsDir == "" {
		return fmt.Errorf("plugins_dir is required")
	}

	if cfg.Dispatch.Workers < 1 {
		return fmt.Errorf("dispatch.workers must be at least 1 (got %d)", cfg.Dispatch.Workers)
	}
	if cfg.Dispatch.QueueSize < 1 {
		return fmt.Errorf("dispatch.queue_size must be at least 1 (got %d)", cfg.Dispatch.QueueSize)
	}
	return nil
}
