package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete stagehand configuration
type Config struct {
	Worker    WorkerConfig    `mapstructure:"worker"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Planner   PlannerConfig   `mapstructure:"planner"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Paths     PathsConfig     `mapstructure:"paths"`
	Output    OutputConfig    `mapstructure:"output"`
}

// WorkerConfig controls how worker subprocesses are launched and supervised
type WorkerConfig struct {
	// Command is the worker binary (default: "claude")
	Command string `mapstructure:"command"`
	// Model is passed as --model when set
	Model string `mapstructure:"model"`
	// MaxTurns bounds the worker's agentic turns per invocation
	MaxTurns int `mapstructure:"max_turns"`
	// MaxAttempts is the total attempt cap per invocation (1 or 2)
	MaxAttempts int `mapstructure:"max_attempts"`
	// DefaultTimeoutSeconds applies to stages that declare no timeout
	DefaultTimeoutSeconds int `mapstructure:"default_timeout_seconds"`
	// KillGraceSeconds is how long a canceled worker gets between SIGTERM and SIGKILL
	KillGraceSeconds int `mapstructure:"kill_grace_seconds"`
	// ReapGraceSeconds is how long a worker may linger after emitting its result
	ReapGraceSeconds int `mapstructure:"reap_grace_seconds"`
	// MaxLineBytes bounds a single stream line
	MaxLineBytes int `mapstructure:"max_line_bytes"`
	// Env holds extra environment variables for the worker
	Env map[string]string `mapstructure:"env"`
	// Tools overrides the per-capability tool allow-lists
	Tools ToolsConfig `mapstructure:"tools"`
}

// ToolsConfig maps tool capabilities to the worker's allow-list.
// Empty lists fall back to the defaults for the artifact backend.
type ToolsConfig struct {
	Write []string `mapstructure:"write"`
	Read  []string `mapstructure:"read"`
}

// SchedulerConfig controls cohort scheduling
type SchedulerConfig struct {
	// PartialSuccess decides what a timed-out write stage does to the job.
	// Options: "continue" (default), "halt"
	PartialSuccess string `mapstructure:"partial_success"`
}

// PlannerConfig controls the planning invocation
type PlannerConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	MaxTurns       int `mapstructure:"max_turns"`
}

// ArtifactsConfig selects and configures the artifact store
type ArtifactsConfig struct {
	// Backend is "fs" (local directory per job) or "remote" (document store API)
	Backend string `mapstructure:"backend"`
	// LocalDir is where the fs backend creates job roots
	LocalDir string `mapstructure:"local_dir"`
	// BaseURL is the remote document store endpoint
	BaseURL string `mapstructure:"base_url"`
	// APIToken authenticates against the remote store
	APIToken string `mapstructure:"api_token"`
	// CredentialsFile is a JSON file with apiToken/baseUrl used when APIToken is empty
	CredentialsFile string `mapstructure:"credentials_file"`
	// RequestTimeoutSeconds bounds each remote request
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

// LoggingConfig controls debug logging
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// PathsConfig controls where local state lives
type PathsConfig struct {
	// StateDir holds the job lock, logs and the job index (default: ~/.local/state/stagehand)
	StateDir string `mapstructure:"state_dir"`
}

// OutputConfig controls how lifecycle events are presented
type OutputConfig struct {
	// Format is one of "auto", "json", "text", "tui"
	Format string `mapstructure:"format"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Worker: WorkerConfig{
			Command:               "claude",
			MaxTurns:              50,
			MaxAttempts:           2,
			DefaultTimeoutSeconds: 3600,
			KillGraceSeconds:      10,
			ReapGraceSeconds:      10,
			MaxLineBytes:          10 * 1024 * 1024,
			Env:                   map[string]string{},
		},
		Scheduler: SchedulerConfig{
			PartialSuccess: PartialContinue,
		},
		Planner: PlannerConfig{
			TimeoutSeconds: 600,
			MaxTurns:       10,
		},
		Artifacts: ArtifactsConfig{
			Backend:               BackendFS,
			LocalDir:              "stagehand-jobs",
			BaseURL:               "https://api.slima.ai",
			CredentialsFile:       filepath.Join(home, ".slima", "credentials.json"),
			RequestTimeoutSeconds: 60,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Output: OutputConfig{
			Format: "auto",
		},
	}
}

// Partial-success policies
const (
	PartialContinue = "continue"
	PartialHalt     = "halt"
)

// Artifact backends
const (
	BackendFS     = "fs"
	BackendRemote = "remote"
)

// DefaultTimeout returns the per-stage default as a duration.
func (c *WorkerConfig) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutSeconds) * time.Second
}

// KillGrace returns the cancellation grace period.
func (c *WorkerConfig) KillGrace() time.Duration {
	return time.Duration(c.KillGraceSeconds) * time.Second
}

// ReapGrace returns how long a worker may linger after its result.
func (c *WorkerConfig) ReapGrace() time.Duration {
	return time.Duration(c.ReapGraceSeconds) * time.Second
}

// Timeout returns the planner timeout.
func (c *PlannerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RequestTimeout returns the remote request timeout.
func (c *ArtifactsConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// remoteToolPrefixes are the MCP server names the remote document store is
// exposed under.
var remoteToolPrefixes = []string{"mcp__slima__", "mcp__claude_ai_Slima__"}

// WriteTools returns the allow-list for write-capable stages.
func (c *Config) WriteTools() []string {
	if len(c.Worker.Tools.Write) > 0 {
		return c.Worker.Tools.Write
	}
	if c.Artifacts.Backend == BackendRemote {
		return prefixed("create_file", "write_file", "read_file", "edit_file", "get_book_structure", "search_content")
	}
	return []string{"Read", "Write", "Edit", "Glob", "Grep"}
}

// ReadTools returns the allow-list for read-only stages.
func (c *Config) ReadTools() []string {
	if len(c.Worker.Tools.Read) > 0 {
		return c.Worker.Tools.Read
	}
	if c.Artifacts.Backend == BackendRemote {
		return prefixed("read_file", "get_book_structure", "search_content")
	}
	return []string{"Read", "Glob", "Grep"}
}

func prefixed(names ...string) []string {
	out := make([]string, 0, len(names)*len(remoteToolPrefixes))
	for _, p := range remoteToolPrefixes {
		for _, n := range names {
			out = append(out, p+n)
		}
	}
	return out
}

// ResolveStateDir returns the configured state directory or the XDG default.
func (p *PathsConfig) ResolveStateDir() string {
	if p.StateDir != "" {
		return p.StateDir
	}
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return filepath.Join(xdg, "stagehand")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stagehand"
	}
	return filepath.Join(home, ".local", "state", "stagehand")
}

type credentialsFile struct {
	APIToken string `json:"apiToken"`
	BaseURL  string `json:"baseUrl"`
}

// ResolveCredentials returns the remote token and base URL, falling back to
// the credentials file when no token is configured directly.
func (a *ArtifactsConfig) ResolveCredentials() (token, baseURL string) {
	token, baseURL = a.APIToken, a.BaseURL
	if token != "" || a.CredentialsFile == "" {
		return token, baseURL
	}
	data, err := os.ReadFile(a.CredentialsFile)
	if err != nil {
		return token, baseURL
	}
	var creds credentialsFile
	if json.Unmarshal(data, &creds) != nil {
		return token, baseURL
	}
	token = creds.APIToken
	if creds.BaseURL != "" {
		baseURL = creds.BaseURL
	}
	return token, baseURL
}

// SetDefaults registers default values with viper
func SetDefaults() {
	d := Default()

	viper.SetDefault("worker.command", d.Worker.Command)
	viper.SetDefault("worker.model", d.Worker.Model)
	viper.SetDefault("worker.max_turns", d.Worker.MaxTurns)
	viper.SetDefault("worker.max_attempts", d.Worker.MaxAttempts)
	viper.SetDefault("worker.default_timeout_seconds", d.Worker.DefaultTimeoutSeconds)
	viper.SetDefault("worker.kill_grace_seconds", d.Worker.KillGraceSeconds)
	viper.SetDefault("worker.reap_grace_seconds", d.Worker.ReapGraceSeconds)
	viper.SetDefault("worker.max_line_bytes", d.Worker.MaxLineBytes)
	viper.SetDefault("worker.env", d.Worker.Env)
	viper.SetDefault("worker.tools.write", d.Worker.Tools.Write)
	viper.SetDefault("worker.tools.read", d.Worker.Tools.Read)

	viper.SetDefault("scheduler.partial_success", d.Scheduler.PartialSuccess)

	viper.SetDefault("planner.timeout_seconds", d.Planner.TimeoutSeconds)
	viper.SetDefault("planner.max_turns", d.Planner.MaxTurns)

	viper.SetDefault("artifacts.backend", d.Artifacts.Backend)
	viper.SetDefault("artifacts.local_dir", d.Artifacts.LocalDir)
	viper.SetDefault("artifacts.base_url", d.Artifacts.BaseURL)
	viper.SetDefault("artifacts.api_token", d.Artifacts.APIToken)
	viper.SetDefault("artifacts.credentials_file", d.Artifacts.CredentialsFile)
	viper.SetDefault("artifacts.request_timeout_seconds", d.Artifacts.RequestTimeoutSeconds)

	viper.SetDefault("logging.level", d.Logging.Level)
	viper.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	viper.SetDefault("logging.compress", d.Logging.Compress)

	viper.SetDefault("paths.state_dir", d.Paths.StateDir)

	viper.SetDefault("output.format", d.Output.Format)
}

// Load unmarshals the current viper state and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}

// Get returns the loaded configuration, falling back to defaults on error
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// ConfigDir returns the stagehand configuration directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "stagehand")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stagehand"
	}
	return filepath.Join(home, ".config", "stagehand")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
