// Package scheduler walks a job plan and dispatches its stages.
//
// Stages run in cohorts: adjacent stages sharing a parallel group fan out
// together and the cohort ends when every member has finished. A failing
// member never cancels its siblings; the job halts once the cohort has
// joined. After every cohort the artifact tree is read back into the shared
// context so later stages see what earlier ones actually produced. The
// validation pair and the polish stage follow the plan's stages.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/Iron-Ham/stagehand/internal/artifact"
	"github.com/Iron-Ham/stagehand/internal/errors"
	"github.com/Iron-Ham/stagehand/internal/event"
	"github.com/Iron-Ham/stagehand/internal/logging"
	"github.com/Iron-Ham/stagehand/internal/plan"
	"github.com/Iron-Ham/stagehand/internal/progress"
	"github.com/Iron-Ham/stagehand/internal/sharedctx"
	"github.com/Iron-Ham/stagehand/internal/stage"
	"github.com/Iron-Ham/stagehand/internal/worker"
)

// PartialPolicy decides what a timed-out write stage does to the job.
type PartialPolicy string

const (
	// PolicyContinue records the stage completed and moves on.
	PolicyContinue PartialPolicy = "continue"
	// PolicyHalt records the stage failed and stops the job.
	PolicyHalt PartialPolicy = "halt"
)

// haltNote is the progress note of a stage stopped by PolicyHalt.
const haltNote = "halted by policy: " + worker.PartialSummary

// timeoutNote is the progress note of a stage that failed on its timeout.
const timeoutNote = "timed out"

// agentLogPrefix holds the job's own bookkeeping files, which are not
// reported as created artifacts.
const agentLogPrefix = "agent-log/"

// Executor runs single stages and the validation pair.
type Executor interface {
	Execute(ctx context.Context, s plan.StageDefinition) (*worker.Result, error)
	ExecuteValidation(ctx context.Context, v plan.ValidationDefinition) (*stage.ValidationResult, error)
}

// Config holds a Scheduler's collaborators. Plan, Executor, Context and
// Tracker are required.
type Config struct {
	Plan     *plan.Plan
	Executor Executor
	Context  *sharedctx.Context
	Tracker  *progress.Tracker
	// Store is read for structure refreshes and receives context snapshots.
	// Optional.
	Store artifact.Store
	JobID string
	// Bus receives lifecycle events. Optional.
	Bus           *event.Bus
	PartialPolicy PartialPolicy
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler's logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// Scheduler runs one job. It is not reusable.
type Scheduler struct {
	cfg    Config
	logger *logging.Logger
	known  map[string]bool
	snapMu sync.Mutex
}

// New creates a Scheduler. The plan is copied so later edits to the
// caller's value do not reach a running job.
func New(cfg Config, opts ...Option) (*Scheduler, error) {
	switch {
	case cfg.Plan == nil:
		return nil, errors.New("scheduler: Plan is required")
	case cfg.Executor == nil:
		return nil, errors.New("scheduler: Executor is required")
	case cfg.Context == nil:
		return nil, errors.New("scheduler: Context is required")
	case cfg.Tracker == nil:
		return nil, errors.New("scheduler: Tracker is required")
	}
	if cfg.PartialPolicy == "" {
		cfg.PartialPolicy = PolicyContinue
	}
	cfg.Plan = cfg.Plan.Clone()
	s := &Scheduler{cfg: cfg, logger: logging.NopLogger(), known: make(map[string]bool)}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithJob(cfg.JobID)
	return s, nil
}

// Report summarizes a finished job.
type Report struct {
	Status     progress.Status
	ResumeFrom int
	Executed   []int
	PartialRun []int
	Duration   time.Duration
}

// outcome is the result of one member of a cohort.
type outcome struct {
	number   int
	status   progress.Status
	timedOut bool
	err      error
}

// Run executes every stage from the tracker's first non-completed row on.
// It returns the first hard failure, or an error matching ErrCanceled when
// ctx was cancelled. The report is returned in every case.
func (s *Scheduler) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	p := s.cfg.Plan
	t := s.cfg.Tracker
	next := t.NextStage()
	report := &Report{ResumeFrom: next}

	if err := t.Start(ctx); err != nil {
		return report, err
	}
	s.cfg.Context.MarkStarted()
	s.publish(event.NewJobStartedEvent(s.cfg.JobID, p.Title, s.cfg.Context.Prompt(), len(p.Entries()), max(next, 0)))
	s.logger.Info("job started", "resume_from", next, "stages", len(p.Entries()))
	s.seedKnown(ctx)

	var failure error
	for _, u := range s.units(next) {
		if err := ctx.Err(); err != nil {
			failure = errors.Wrap(errors.ErrCanceled, "job cancelled before dispatch")
			break
		}
		outcomes := s.runUnit(ctx, u)
		for _, o := range outcomes {
			report.Executed = append(report.Executed, o.number)
			if o.timedOut {
				report.PartialRun = append(report.PartialRun, o.number)
			}
		}
		if err := firstFailure(outcomes); err != nil {
			failure = err
			break
		}
	}

	report.Duration = time.Since(start)
	return report, s.finish(ctx, report, failure)
}

func (s *Scheduler) finish(ctx context.Context, report *Report, failure error) error {
	t := s.cfg.Tracker
	switch {
	case failure == nil:
		report.Status = progress.StatusCompleted
		_ = t.Complete(ctx)
		s.logger.Info("job completed", "duration", report.Duration.Round(time.Second).String())
	case errors.IsCanceled(failure):
		report.Status = progress.StatusCancelled
		_ = t.Cancel(ctx)
		s.logger.Warn("job cancelled", "last_completed", t.LastCompleted())
	default:
		report.Status = progress.StatusFailed
		_ = t.Fail(ctx)
		var se *errors.StageError
		number := 0
		if errors.As(failure, &se) {
			number = se.StageNumber
		}
		s.publish(event.NewJobErrorEvent(s.cfg.JobID, number, failure))
		s.logger.Error("job failed", "stage", number, "error", failure.Error())
	}
	s.publish(event.NewJobCompletedEvent(s.cfg.JobID, string(report.Status), report.Duration, failure))
	return failure
}

// unit is a cohort, the validation pair or the polish stage.
type unit struct {
	cohort     plan.Cohort
	validation *plan.ValidationDefinition
}

func (u unit) numbers() []int {
	if u.validation != nil {
		return []int{u.validation.Number}
	}
	return u.cohort.Numbers()
}

// units lists what remains to run, dropping stages before next and stages
// already completed after it, such as a sibling that finished in a cohort
// whose other member failed. A next of -1 means everything completed.
func (s *Scheduler) units(next int) []unit {
	if next < 0 {
		return nil
	}
	done := make(map[int]bool)
	for _, r := range s.cfg.Tracker.Records() {
		if r.Status == progress.StatusCompleted {
			done[r.Number] = true
		}
	}
	pending := func(number int) bool { return number >= next && !done[number] }

	p := s.cfg.Plan
	var out []unit
	for _, c := range p.Cohorts() {
		var members []plan.StageDefinition
		for _, st := range c.Stages {
			if pending(st.Number) {
				members = append(members, st)
			}
		}
		if len(members) > 0 {
			out = append(out, unit{cohort: plan.Cohort{Group: c.Group, Stages: members}})
		}
	}
	if v := p.Validation; v != nil && pending(v.Number) {
		vc := *v
		out = append(out, unit{validation: &vc})
	}
	if pol := p.Polish; pol != nil && pending(pol.Number) {
		out = append(out, unit{cohort: plan.Cohort{Stages: []plan.StageDefinition{*pol}}})
	}
	return out
}

// runUnit dispatches a unit, waits for all of its members, then refreshes
// the structure section.
func (s *Scheduler) runUnit(ctx context.Context, u unit) []outcome {
	start := time.Now()
	numbers := u.numbers()
	s.publish(event.NewCohortStartedEvent(s.cfg.JobID, u.cohort.Group, numbers))

	var outcomes []outcome
	if u.validation != nil {
		outcomes = []outcome{s.runValidation(ctx, *u.validation)}
	} else {
		outcomes = s.fanOut(ctx, u.cohort)
	}

	if ctx.Err() == nil {
		s.refresh(ctx, u)
		// The refresh wrote structure and artifact notices after settle.
		if completedAny(outcomes) {
			s.saveSnapshot(ctx, s.logger)
		}
	}

	var failed []int
	for _, o := range outcomes {
		if o.status != progress.StatusCompleted {
			failed = append(failed, o.number)
		}
	}
	s.publish(event.NewCohortCompletedEvent(s.cfg.JobID, u.cohort.Group, numbers, failed, time.Since(start)))
	return outcomes
}

// fanOut runs every member of a cohort concurrently and joins them all.
func (s *Scheduler) fanOut(ctx context.Context, c plan.Cohort) []outcome {
	if !c.Parallel() {
		return []outcome{s.runStage(ctx, c.Stages[0])}
	}
	p := pool.NewWithResults[outcome]().WithMaxGoroutines(len(c.Stages))
	for _, st := range c.Stages {
		p.Go(func() outcome { return s.runStage(ctx, st) })
	}
	outcomes := p.Wait()
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].number < outcomes[j].number })
	return outcomes
}

func (s *Scheduler) runStage(ctx context.Context, st plan.StageDefinition) outcome {
	log := s.logger.WithStage(st.Number, st.Name)
	if err := s.cfg.Tracker.StageStart(ctx, st.Number); err != nil {
		log.Error("stage could not start", "error", err.Error())
		return outcome{number: st.Number, status: progress.StatusFailed, err: err}
	}
	s.publish(event.NewStageStartedEvent(s.cfg.JobID, st.Number, st.Name, st.Label()))

	res, err := s.cfg.Executor.Execute(ctx, st)
	if err != nil {
		return s.settle(ctx, st.Number, st.Name, nil, err)
	}
	return s.settle(ctx, st.Number, st.Name, res, nil)
}

func (s *Scheduler) runValidation(ctx context.Context, v plan.ValidationDefinition) outcome {
	log := s.logger.WithStage(v.Number, plan.ValidationName)
	if err := s.cfg.Tracker.StageStart(ctx, v.Number); err != nil {
		log.Error("validation could not start", "error", err.Error())
		return outcome{number: v.Number, status: progress.StatusFailed, err: err}
	}
	s.publish(event.NewStageStartedEvent(s.cfg.JobID, v.Number, plan.ValidationName, "Validation"))

	vr, err := s.cfg.Executor.ExecuteValidation(ctx, v)
	if err != nil {
		return s.settle(ctx, v.Number, plan.ValidationName, nil, err)
	}
	res := &worker.Result{Summary: vr.Summary(), TimedOut: vr.TimedOut()}
	for _, r := range []*worker.Result{vr.Round1, vr.Round2} {
		if r != nil {
			res.TurnsUsed += r.TurnsUsed
			res.CostEstimate += r.CostEstimate
			res.Duration += r.Duration
		}
	}
	return s.settle(ctx, v.Number, plan.ValidationName, res, nil)
}

// settle records a member's terminal status. On success the context
// snapshot is saved before the progress row, so a resumed job never sees a
// completed stage whose context is missing.
func (s *Scheduler) settle(ctx context.Context, number int, name string, res *worker.Result, err error) outcome {
	t := s.cfg.Tracker
	log := s.logger.WithStage(number, name)
	o := outcome{number: number}

	switch {
	case err != nil && (errors.IsCanceled(err) || ctx.Err() != nil):
		o.status = progress.StatusCancelled
		o.err = errors.Wrapf(errors.ErrCanceled, "stage %d", number)
		_ = t.StageCancel(ctx, number)
		log.Warn("stage cancelled")
	case err != nil:
		o.status = progress.StatusFailed
		o.err = err
		note := err.Error()
		if errors.IsTimeout(err) {
			note = timeoutNote
		}
		_ = t.StageFail(ctx, number, note)
		if errors.GetSeverity(err) <= errors.SeverityWarning {
			log.Warn("stage failed", "error", err.Error())
		} else {
			log.Error("stage failed", "error", err.Error())
		}
	case res.TimedOut && s.cfg.PartialPolicy == PolicyHalt:
		o.status = progress.StatusFailed
		o.timedOut = true
		o.err = errors.NewStageError("stage timed out", errors.ErrPartialHalt).
			WithStage(number, name).WithJobID(s.cfg.JobID)
		_ = t.StageFail(ctx, number, haltNote)
		log.Warn("stage timed out, halting job")
	default:
		o.status = progress.StatusCompleted
		o.timedOut = res.TimedOut
		s.saveSnapshot(ctx, log)
		_ = t.StageComplete(ctx, number, stageNotes(res))
		if res.TimedOut {
			log.Warn("stage timed out, continuing with partial output")
		}
	}

	oc := event.StageOutcome{Status: string(o.status), TimedOut: o.timedOut, Err: o.err}
	if res != nil {
		oc.Summary = res.Summary
		oc.Turns = res.TurnsUsed
		oc.CostUSD = res.CostEstimate
		oc.Duration = res.Duration
	}
	s.publish(event.NewStageCompletedEvent(s.cfg.JobID, number, name, oc))
	return o
}

func stageNotes(res *worker.Result) string {
	if res.TimedOut {
		return worker.PartialSummary
	}
	var parts []string
	if res.TurnsUsed > 0 {
		parts = append(parts, fmt.Sprintf("%d turns", res.TurnsUsed))
	}
	if res.CostEstimate > 0 {
		parts = append(parts, fmt.Sprintf("$%.2f", res.CostEstimate))
	}
	return strings.Join(parts, ", ")
}

func completedAny(outcomes []outcome) bool {
	for _, o := range outcomes {
		if o.status == progress.StatusCompleted {
			return true
		}
	}
	return false
}

// firstFailure returns the error of the lowest-numbered member that did
// not complete. Cancellation wins over failure.
func firstFailure(outcomes []outcome) error {
	var first error
	for _, o := range outcomes {
		if o.status == progress.StatusCancelled {
			return o.err
		}
		if o.status != progress.StatusCompleted && first == nil {
			first = o.err
		}
	}
	return first
}

func (s *Scheduler) publish(e event.Event) {
	s.cfg.Bus.Publish(e)
}
