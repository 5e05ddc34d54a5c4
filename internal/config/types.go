package config

import (
	"sort"
	"time"
)

// Config represents the complete plugbox configuration.
type Config struct {
	Service    ServiceConfig  `yaml:"service"`
	Sandbox    SandboxConfig  `yaml:"sandbox"`
	Trace      TraceConfig    `yaml:"trace"`
	State      StateConfig    `yaml:"state"`
	API        APIConfig      `yaml:"api,omitempty"`
	Dispatch   DispatchConfig `yaml:"dispatch"`
	PluginsDir string         `yaml:"plugins_dir"`

	// Include lists further config files merged over this one, relative to
	// the including file.
	Include []string `yaml:"include,omitempty"`

	// SourceFiles holds every file that contributed to this config, by
	// absolute path. Populated by Load.
	SourceFiles []string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// SandboxConfig describes how worker processes are spawned and bounded.
type SandboxConfig struct {
	// Worker is the worker executable; empty means plugbox-worker next to
	// the running binary.
	Worker     string            `yaml:"worker"`
	WorkerArgs []string          `yaml:"worker_args,omitempty"`
	Env        map[string]string `yaml:"env,omitempty"`
	WorkDir    string            `yaml:"work_dir"`
	DataDir    string            `yaml:"data_dir"`
	// WorkerLogLevel is passed to workers through the environment.
	WorkerLogLevel string `yaml:"worker_log_level"`

	LoadTimeout    time.Duration `yaml:"load_timeout"`
	StartTimeout   time.Duration `yaml:"start_timeout"`
	DestroyTimeout time.Duration `yaml:"destroy_timeout"`

	// Retention for sandbox directories left behind by finished jobs.
	Retention time.Duration `yaml:"retention"`
}

// TraceConfig controls durable capture of job output.
type TraceConfig struct {
	// FileLogs tees each job's stdout and stderr into LogDir.
	FileLogs bool   `yaml:"file_logs"`
	LogDir   string `yaml:"log_dir"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	// APIKey, when set, is required as a bearer token on job routes.
	// Usually given as ${PLUGBOX_API_KEY}.
	APIKey string `yaml:"api_key,omitempty"`
}

// DispatchConfig sizes the job executor.
type DispatchConfig struct {
	Workers      int           `yaml:"workers"`
	PollInterval time.Duration `yaml:"poll_interval"`
	QueueSize    int           `yaml:"queue_size"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "plugbox",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Sandbox: SandboxConfig{
			WorkDir:        "./data/work",
			DataDir:        "./data/sandbox",
			WorkerLogLevel: "warn",
			LoadTimeout:    10 * time.Second,
			StartTimeout:   60 * time.Second,
			DestroyTimeout: 1000 * time.Millisecond,
			Retention:      24 * time.Hour,
		},
		Trace: TraceConfig{
			FileLogs: false,
			LogDir:   "./data/logs",
		},
		State: StateConfig{
			Path: "./data/state.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		Dispatch: DispatchConfig{
			Workers:      2,
			PollInterval: 500 * time.Millisecond,
			QueueSize:    64,
		},
		PluginsDir: "./plugins",
	}
}

// WorkerEnv flattens the sandbox env overrides into sorted KEY=VALUE pairs.
func (s SandboxConfig) WorkerEnv() []string {
	env := make([]string, 0, len(s.Env))
	for k, v := range s.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}
