package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Worker.Command != "claude" {
		t.Errorf("Worker.Command = %q, want %q", cfg.Worker.Command, "claude")
	}
	if cfg.Worker.MaxAttempts != 2 {
		t.Errorf("Worker.MaxAttempts = %d, want 2", cfg.Worker.MaxAttempts)
	}
	if cfg.Worker.DefaultTimeout() != time.Hour {
		t.Errorf("Worker.DefaultTimeout() = %v, want 1h", cfg.Worker.DefaultTimeout())
	}
	if cfg.Worker.MaxLineBytes != 10*1024*1024 {
		t.Errorf("Worker.MaxLineBytes = %d, want 10MiB", cfg.Worker.MaxLineBytes)
	}
	if cfg.Scheduler.PartialSuccess != PartialContinue {
		t.Errorf("Scheduler.PartialSuccess = %q, want %q", cfg.Scheduler.PartialSuccess, PartialContinue)
	}
	if cfg.Artifacts.Backend != BackendFS {
		t.Errorf("Artifacts.Backend = %q, want %q", cfg.Artifacts.Backend, BackendFS)
	}
	if errs := cfg.Validate(); len(errs) != 0 {
		t.Errorf("Default() should validate, got %v", ValidationErrors(errs))
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"empty command", func(c *Config) { c.Worker.Command = " " }, "worker.command"},
		{"three attempts", func(c *Config) { c.Worker.MaxAttempts = 3 }, "worker.max_attempts"},
		{"zero attempts", func(c *Config) { c.Worker.MaxAttempts = 0 }, "worker.max_attempts"},
		{"zero timeout", func(c *Config) { c.Worker.DefaultTimeoutSeconds = 0 }, "worker.default_timeout_seconds"},
		{"tiny line limit", func(c *Config) { c.Worker.MaxLineBytes = 10 }, "worker.max_line_bytes"},
		{"unknown policy", func(c *Config) { c.Scheduler.PartialSuccess = "retry" }, "scheduler.partial_success"},
		{"unknown backend", func(c *Config) { c.Artifacts.Backend = "s3" }, "artifacts.backend"},
		{"relative remote url", func(c *Config) {
			c.Artifacts.Backend = BackendRemote
			c.Artifacts.BaseURL = "api.example.com"
		}, "artifacts.base_url"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad output", func(c *Config) { c.Output.Format = "xml" }, "output.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			errs := cfg.Validate()
			if len(errs) != 1 {
				t.Fatalf("expected 1 error, got %d: %v", len(errs), ValidationErrors(errs))
			}
			if errs[0].Field != tt.field {
				t.Errorf("Field = %q, want %q", errs[0].Field, tt.field)
			}
		})
	}
}

func TestValidationErrors_Error(t *testing.T) {
	errs := ValidationErrors{
		{Field: "a", Value: 1, Message: "bad"},
		{Field: "b", Value: 2, Message: "worse"},
	}
	got := errs.Error()
	if !strings.HasPrefix(got, "2 validation errors:") {
		t.Errorf("Error() = %q", got)
	}
	if (ValidationErrors{}).Error() != "" {
		t.Error("empty ValidationErrors should render empty")
	}
}

func TestToolAllowLists(t *testing.T) {
	cfg := Default()
	if !slices.Contains(cfg.WriteTools(), "Write") {
		t.Errorf("fs write tools = %v, want builtin Write", cfg.WriteTools())
	}
	if slices.Contains(cfg.ReadTools(), "Write") {
		t.Errorf("read tools must not include Write: %v", cfg.ReadTools())
	}

	cfg.Artifacts.Backend = BackendRemote
	write := cfg.WriteTools()
	if !slices.Contains(write, "mcp__slima__create_file") || !slices.Contains(write, "mcp__claude_ai_Slima__create_file") {
		t.Errorf("remote write tools missing create_file: %v", write)
	}
	for _, tool := range cfg.ReadTools() {
		if strings.Contains(tool, "write") || strings.Contains(tool, "create") {
			t.Errorf("remote read tools include %q", tool)
		}
	}

	cfg.Worker.Tools.Read = []string{"Custom"}
	if got := cfg.ReadTools(); len(got) != 1 || got[0] != "Custom" {
		t.Errorf("override ignored: %v", got)
	}
}

func TestResolveCredentials(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials.json")
	if err := os.WriteFile(path, []byte(`{"apiToken":"tok","baseUrl":"https://docs.example.com"}`), 0600); err != nil {
		t.Fatal(err)
	}

	a := ArtifactsConfig{BaseURL: "https://default", CredentialsFile: path}
	token, base := a.ResolveCredentials()
	if token != "tok" || base != "https://docs.example.com" {
		t.Errorf("ResolveCredentials() = %q, %q", token, base)
	}

	a.APIToken = "explicit"
	token, base = a.ResolveCredentials()
	if token != "explicit" || base != "https://default" {
		t.Errorf("explicit token should win: %q, %q", token, base)
	}

	a = ArtifactsConfig{BaseURL: "https://default", CredentialsFile: filepath.Join(dir, "missing.json")}
	if token, _ := a.ResolveCredentials(); token != "" {
		t.Errorf("missing file should yield empty token, got %q", token)
	}
}

func TestResolveStateDir(t *testing.T) {
	p := PathsConfig{StateDir: "/explicit"}
	if p.ResolveStateDir() != "/explicit" {
		t.Errorf("ResolveStateDir() = %q", p.ResolveStateDir())
	}

	t.Setenv("XDG_STATE_HOME", "/xdg/state")
	p = PathsConfig{}
	if got := p.ResolveStateDir(); got != filepath.Join("/xdg/state", "stagehand") {
		t.Errorf("ResolveStateDir() = %q", got)
	}
}

func TestConfigDir(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	if got := ConfigDir(); got != "/custom/config/stagehand" {
		t.Errorf("ConfigDir() = %q", got)
	}
	if got := ConfigFile(); got != "/custom/config/stagehand/config.yaml" {
		t.Errorf("ConfigFile() = %q", got)
	}
}

func TestLoad(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	SetDefaults()
	viper.Set("worker.model", "opus")
	viper.Set("scheduler.partial_success", PartialHalt)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Worker.Model != "opus" {
		t.Errorf("Worker.Model = %q, want opus", cfg.Worker.Model)
	}
	if cfg.Scheduler.PartialSuccess != PartialHalt {
		t.Errorf("PartialSuccess = %q, want halt", cfg.Scheduler.PartialSuccess)
	}
	if cfg.Worker.MaxTurns != 50 {
		t.Errorf("defaults not applied: MaxTurns = %d", cfg.Worker.MaxTurns)
	}

	viper.Set("worker.max_attempts", 5)
	if _, err := Load(); err == nil {
		t.Error("Load() should reject max_attempts=5")
	}
	if got := Get(); got.Worker.MaxAttempts != 2 {
		t.Errorf("Get() should fall back to defaults, MaxAttempts = %d", got.Worker.MaxAttempts)
	}
}
