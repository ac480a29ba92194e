// Package worker runs LLM worker subprocesses. A worker is an external CLI
// that streams newline-delimited JSON events on stdout and finishes with a
// single "result" event.
//
// The ProcessRunner supervises one invocation at a time: it enforces the
// per-invocation timeout, retries transient failures, honours cancellation of
// the caller's context and reports the continuation handle a later invocation
// can resume from.
package worker

import (
	"context"
	"time"

	"github.com/Iron-Ham/stagehand/internal/plan"
	"github.com/Iron-Ham/stagehand/internal/util"
)

// PartialSummary is the summary reported when a write-capable worker times
// out. Whatever it produced before the deadline may already be persisted.
const PartialSummary = "(timed out, partial output may exist)"

// SummaryLimit bounds Result.Summary in runes.
const SummaryLimit = 200

// Request describes one worker invocation.
type Request struct {
	// Prompt is the task input passed with -p.
	Prompt string
	// Instructions becomes the worker's system prompt. It is ignored when
	// ContinuationHandle is set, since the resumed session already has one.
	Instructions string
	// Capability selects the tool allow-list.
	Capability plan.Capability
	// Timeout bounds a single attempt. Zero means no deadline.
	Timeout time.Duration
	// ContinuationHandle resumes a prior session when non-empty.
	ContinuationHandle string
	// MaxTurns overrides the runner's default turn budget when positive.
	MaxTurns int
	// Label identifies the invocation in logs and errors.
	Label string
	// WorkDir is the subprocess working directory.
	WorkDir string
}

// Result is a successful (possibly partial) invocation.
type Result struct {
	Summary            string
	FullOutput         string
	TurnsUsed          int
	CostEstimate       float64
	TimedOut           bool
	ContinuationHandle string
	Attempts           int
	Duration           time.Duration
}

// Runner executes worker invocations. Implementations must be safe for
// concurrent use; the scheduler runs one invocation per cohort member.
type Runner interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, req Request) (*Result, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}

// Summarize truncates output to SummaryLimit runes.
func Summarize(output string) string {
	return util.Head(output, SummaryLimit)
}
