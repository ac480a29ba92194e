package worker

import (
	"fmt"
	"os"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gobwas/glob"

	"github.com/Iron-Ham/stagehand/internal/config"
	"github.com/Iron-Ham/stagehand/internal/logging"
	"github.com/Iron-Ham/stagehand/internal/plan"
)

// Options configures a ProcessRunner.
type Options struct {
	// Command is the worker binary.
	Command string
	// Args are prepended to every invocation's arguments.
	Args []string
	Model    string
	MaxTurns int
	// MaxAttempts caps attempts per invocation.
	MaxAttempts int
	// KillGrace is the delay between SIGTERM and SIGKILL when an attempt is
	// stopped early.
	KillGrace time.Duration
	// ReapGrace is how long a worker may keep running after its result event.
	ReapGrace    time.Duration
	MaxLineBytes int
	// Env is added to the inherited environment.
	Env   map[string]string
	Tools map[plan.Capability][]string
	// WritePatterns are globs over tool names. A request whose allow-list
	// matches any of them is write-capable whatever its declared capability.
	WritePatterns []string
}

// DefaultWritePatterns match tools that create or modify artifacts.
var DefaultWritePatterns = []string{"*create*", "*write*", "*update*", "*append*", "Write", "Edit", "MultiEdit"}

const (
	defaultMaxTurns     = 50
	defaultMaxAttempts  = 2
	defaultMaxLineBytes = 10 * 1024 * 1024
	defaultGrace        = 10 * time.Second
)

func (o Options) withDefaults() Options {
	if o.Command == "" {
		o.Command = "claude"
	}
	if o.MaxTurns <= 0 {
		o.MaxTurns = defaultMaxTurns
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.MaxLineBytes <= 0 {
		o.MaxLineBytes = defaultMaxLineBytes
	}
	if o.KillGrace <= 0 {
		o.KillGrace = defaultGrace
	}
	if o.ReapGrace <= 0 {
		o.ReapGrace = defaultGrace
	}
	if o.WritePatterns == nil {
		o.WritePatterns = DefaultWritePatterns
	}
	return o
}

func compilePatterns(patterns []string) []glob.Glob {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			continue
		}
		out = append(out, g)
	}
	return out
}

// writeCapable reports whether a timeout of req may have left persisted
// side effects.
func (r *ProcessRunner) writeCapable(req Request) bool {
	if req.Capability == plan.CapabilityWrite {
		return true
	}
	for _, tool := range r.opts.Tools[req.Capability] {
		for _, g := range r.writeGlobs {
			if g.Match(tool) {
				return true
			}
		}
	}
	return false
}

// OptionsFromConfig derives runner options from configuration.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	if cfg == nil {
		return Options{}, fmt.Errorf("missing config")
	}
	w := cfg.Worker
	return Options{
		Command:      w.Command,
		Model:        w.Model,
		MaxTurns:     w.MaxTurns,
		MaxAttempts:  w.MaxAttempts,
		KillGrace:    w.KillGrace(),
		ReapGrace:    w.ReapGrace(),
		MaxLineBytes: w.MaxLineBytes,
		Env:          w.Env,
		Tools: map[plan.Capability][]string{
			plan.CapabilityWrite: cfg.WriteTools(),
			plan.CapabilityRead:  cfg.ReadTools(),
		},
	}, nil
}

// NewFromConfig builds a ProcessRunner from configuration.
func NewFromConfig(cfg *config.Config, logger *logging.Logger) (*ProcessRunner, error) {
	opts, err := OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	return New(opts, logger), nil
}

// buildArgs returns the worker argument list for req.
func (r *ProcessRunner) buildArgs(req Request) []string {
	turns := r.opts.MaxTurns
	if req.MaxTurns > 0 {
		turns = req.MaxTurns
	}
	args := slices.Clone(r.opts.Args)
	args = append(args,
		"-p", req.Prompt,
		"--verbose",
		"--output-format", "stream-json",
		"--max-turns", strconv.Itoa(turns),
	)
	if req.ContinuationHandle == "" && req.Instructions != "" {
		args = append(args, "--system-prompt", req.Instructions)
	}
	if tools := r.opts.Tools[req.Capability]; len(tools) > 0 {
		args = append(args, "--allowedTools", strings.Join(tools, ","))
	}
	if r.opts.Model != "" {
		args = append(args, "--model", r.opts.Model)
	}
	if req.ContinuationHandle != "" {
		args = append(args, "--resume", req.ContinuationHandle)
	}
	return args
}

// environ returns the subprocess environment: the inherited one without the
// parent session marker, with extended thinking off, plus Options.Env.
func (r *ProcessRunner) environ() []string {
	env := make([]string, 0, len(os.Environ())+len(r.opts.Env)+1)
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "CLAUDECODE=") || strings.HasPrefix(kv, "MAX_THINKING_TOKENS=") {
			continue
		}
		env = append(env, kv)
	}
	env = append(env, "MAX_THINKING_TOKENS=0")

	keys := make([]string, 0, len(r.opts.Env))
	for k := range r.opts.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+r.opts.Env[k])
	}
	return env
}
