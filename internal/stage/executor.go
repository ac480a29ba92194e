// Package stage runs single plan stages against a worker.
//
// An Executor turns a StageDefinition into a worker invocation: it builds the
// directive from the stage instructions and the shared context, renders the
// initial message, runs the worker and merges what came back into the shared
// context. The validation pair is run here too, as two chained invocations
// where round 2 resumes round 1's worker session.
package stage

import (
	"context"
	"strings"
	"time"

	"github.com/Iron-Ham/stagehand/internal/artifact"
	"github.com/Iron-Ham/stagehand/internal/errors"
	"github.com/Iron-Ham/stagehand/internal/logging"
	"github.com/Iron-Ham/stagehand/internal/plan"
	"github.com/Iron-Ham/stagehand/internal/sharedctx"
	"github.com/Iron-Ham/stagehand/internal/worker"
)

// Labels of the validation rounds as seen by the worker runner.
const (
	LabelRound1 = "validation_r1"
	LabelRound2 = "validation_r2"
)

// Config holds an Executor's collaborators. Runner, Context and Plan are
// required.
type Config struct {
	Runner  worker.Runner
	Context *sharedctx.Context
	Plan    *plan.Plan
	// JobID is the artifact root the job writes into.
	JobID string
	// Store is read for artifact summaries. Optional.
	Store artifact.Store
	// WorkDir is the worker's working directory. Optional.
	WorkDir string
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the executor's logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// Executor runs stages of one job. It is safe for concurrent use by the
// members of a cohort.
type Executor struct {
	cfg    Config
	logger *logging.Logger
}

// New creates an Executor.
func New(cfg Config, opts ...Option) (*Executor, error) {
	if cfg.Runner == nil {
		return nil, errors.New("stage: Runner is required")
	}
	if cfg.Context == nil {
		return nil, errors.New("stage: Context is required")
	}
	if cfg.Plan == nil {
		return nil, errors.New("stage: Plan is required")
	}
	e := &Executor{cfg: cfg, logger: logging.NopLogger()}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Execute runs one stage and merges its summary into the shared context.
// A write-capable stage that timed out returns a Result with TimedOut set and
// no error.
func (e *Executor) Execute(ctx context.Context, s plan.StageDefinition) (*worker.Result, error) {
	log := e.logger.WithStage(s.Number, s.Name)
	start := time.Now()

	res, err := e.cfg.Runner.Run(ctx, worker.Request{
		Prompt:       e.render(s.InitialMessage, s, log),
		Instructions: e.directive(s.Instructions, s.ContextReads),
		Capability:   s.Capability,
		Timeout:      s.Timeout(),
		Label:        s.Name,
		WorkDir:      e.cfg.WorkDir,
	})
	if err != nil {
		return nil, e.stageError(s, err)
	}

	e.merge(s, res, log)
	if s.SummarizeArtifacts {
		e.summarizeArtifacts(ctx, s, log)
	}
	log.Info("stage finished",
		"duration", time.Since(start).Round(time.Millisecond).String(),
		"turns", res.TurnsUsed,
		"timed_out", res.TimedOut,
	)
	return res, nil
}

func (e *Executor) stageError(s plan.StageDefinition, err error) error {
	msg := "stage failed"
	if errors.IsCanceled(err) {
		msg = "stage cancelled"
	}
	return errors.NewStageError(msg, err).WithStage(s.Number, s.Name).WithJobID(e.cfg.JobID)
}

// outputSection returns the section a stage's summary merges into: the
// first declared write, else the stage name when it is a section.
func (e *Executor) outputSection(s plan.StageDefinition) string {
	if sec := s.OutputSection(); sec != "" {
		return sec
	}
	if s.Name != sharedctx.StructureSection && e.cfg.Context.Has(s.Name) {
		return s.Name
	}
	return ""
}

func (e *Executor) merge(s plan.StageDefinition, res *worker.Result, log *logging.Logger) {
	section := e.outputSection(s)
	if section == "" || res.Summary == "" {
		return
	}
	entry := "### " + s.Label() + "\n" + res.Summary
	if err := e.cfg.Context.Append(section, entry); err != nil {
		log.Warn("summary not merged", "section", section, "error", err.Error())
	}
}

// ValidationResult holds both rounds of a validation pair.
type ValidationResult struct {
	Round1 *worker.Result
	Round2 *worker.Result
}

// TimedOut reports whether either round hit its timeout.
func (r *ValidationResult) TimedOut() bool {
	return (r.Round1 != nil && r.Round1.TimedOut) || (r.Round2 != nil && r.Round2.TimedOut)
}

// Summary returns the last round's summary.
func (r *ValidationResult) Summary() string {
	if r.Round2 != nil {
		return r.Round2.Summary
	}
	if r.Round1 != nil {
		return r.Round1.Summary
	}
	return ""
}

// ExecuteValidation runs round 1, then round 2 on round 1's continuation
// handle. Round 2 is never invoked when round 1 fails or yields no handle.
// Round 2's instructions lead its prompt since a resumed session keeps the
// round 1 directive.
func (e *Executor) ExecuteValidation(ctx context.Context, v plan.ValidationDefinition) (*ValidationResult, error) {
	s := plan.StageDefinition{
		Number:     v.Number,
		Name:       plan.ValidationName,
		Capability: v.Capability,
	}
	log := e.logger.WithStage(v.Number, plan.ValidationName)
	out := &ValidationResult{}

	r1, err := e.cfg.Runner.Run(ctx, worker.Request{
		Prompt:       e.render(v.Round1.InitialMessage, s, log),
		Instructions: e.directive(v.Round1.Instructions, nil),
		Capability:   v.Capability,
		Timeout:      v.Timeout(),
		Label:        LabelRound1,
		WorkDir:      e.cfg.WorkDir,
	})
	if err != nil {
		return nil, e.stageError(s, errors.Wrap(err, "round 1"))
	}
	out.Round1 = r1
	if r1.ContinuationHandle == "" {
		return out, e.stageError(s, errors.Wrap(errors.ErrNoContinuation, "round 1"))
	}
	log.Info("validation round 1 finished", "timed_out", r1.TimedOut)

	prompt := e.render(v.Round2.InitialMessage, s, log)
	if instr := strings.TrimSpace(v.Round2.Instructions); instr != "" {
		prompt = instr + "\n\n" + prompt
	}
	r2, err := e.cfg.Runner.Run(ctx, worker.Request{
		Prompt:             prompt,
		Capability:         v.Capability,
		Timeout:            v.Timeout(),
		ContinuationHandle: r1.ContinuationHandle,
		Label:              LabelRound2,
		WorkDir:            e.cfg.WorkDir,
	})
	if err != nil {
		return out, e.stageError(s, errors.Wrap(err, "round 2"))
	}
	out.Round2 = r2
	log.Info("validation round 2 finished", "timed_out", r2.TimedOut)
	return out, nil
}
