// Package jobctl is the job control surface: it plans, revises and executes
// jobs by wiring the planner, the artifact store, durable progress and the
// scheduler together.
package jobctl

import (
	"context"
	"time"

	"github.com/Iron-Ham/stagehand/internal/artifact"
	"github.com/Iron-Ham/stagehand/internal/errors"
	"github.com/Iron-Ham/stagehand/internal/event"
	"github.com/Iron-Ham/stagehand/internal/logging"
	"github.com/Iron-Ham/stagehand/internal/plan"
	"github.com/Iron-Ham/stagehand/internal/progress"
	"github.com/Iron-Ham/stagehand/internal/scheduler"
	"github.com/Iron-Ham/stagehand/internal/sharedctx"
	"github.com/Iron-Ham/stagehand/internal/stage"
	"github.com/Iron-Ham/stagehand/internal/worker"
)

// ConceptSection receives the plan's concept summary when declared.
const ConceptSection = "concept"

const defaultOverviewPath = "planning/concept-overview.md"

// Config holds a Controller's collaborators and settings. Runner and Store
// are required.
type Config struct {
	Runner worker.Runner
	Store  artifact.Store
	// Bus receives lifecycle events. Optional.
	Bus           *event.Bus
	PartialPolicy scheduler.PartialPolicy
	// DefaultTimeout applies to stages without their own timeout.
	DefaultTimeout  time.Duration
	PlannerTimeout  time.Duration
	PlannerMaxTurns int
	// StateDir holds the job lock. Empty disables locking.
	StateDir string
	// ProgressFile returns a local path mirroring a job's progress, or "".
	ProgressFile func(jobID string) string
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the controller's logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// Controller runs the plan, revise and execute operations.
type Controller struct {
	cfg    Config
	logger *logging.Logger
}

// New creates a Controller.
func New(cfg Config, opts ...Option) (*Controller, error) {
	if cfg.Runner == nil {
		return nil, errors.New("jobctl: Runner is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("jobctl: Store is required")
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = time.Hour
	}
	c := &Controller{cfg: cfg, logger: logging.NopLogger()}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run plans from prompt and executes the result. With resumeFrom set the
// stored plan of that job is reused and planning is skipped.
func (c *Controller) Run(ctx context.Context, prompt, resumeFrom string) (string, error) {
	if resumeFrom != "" {
		return c.Execute(ctx, nil, prompt, resumeFrom)
	}
	p, _, err := c.Plan(ctx, prompt, "")
	if err != nil {
		return "", err
	}
	return c.Execute(ctx, p, prompt, "")
}

// Execute runs p as a job and returns the job ID. With resumeFrom set the
// existing job root is reused: its progress decides where to start and its
// context snapshot is restored. A nil p loads the plan stored in that root.
// The error is the first hard failure, carrying its stage number.
func (c *Controller) Execute(ctx context.Context, p *plan.Plan, prompt, resumeFrom string) (string, error) {
	var lock *Lock
	if c.cfg.StateDir != "" {
		l, err := AcquireLock(c.cfg.StateDir, resumeFrom, c.logger)
		if err != nil {
			return "", err
		}
		lock = l
		defer func() { _ = lock.Release() }()
	}

	if p == nil {
		if resumeFrom == "" {
			return "", errors.NewValidationError("no plan to execute").WithCause(errors.ErrPlanInvalid)
		}
		stored, err := c.loadPlan(ctx, resumeFrom)
		if err != nil {
			return resumeFrom, err
		}
		p = stored
	}
	p = p.Clone()
	p.ApplyDefaults(c.cfg.DefaultTimeout)
	if err := p.Validate(); err != nil {
		return resumeFrom, err
	}

	jobID := resumeFrom
	if jobID == "" {
		root, err := c.cfg.Store.CreateRoot(ctx, p.Title, p.Description)
		if err != nil {
			return "", errors.Wrap(err, "failed to create job root")
		}
		jobID = root
		_ = lock.SetJobID(jobID)
	}
	log := c.logger.WithJob(jobID)
	log.Info("executing job", "title", p.Title, "resume", resumeFrom != "")

	if err := c.persistPlan(ctx, jobID, p); err != nil {
		return jobID, err
	}

	sc := sharedctx.New(p.ContextSections)
	sc.SetPrompt(prompt)
	if p.ConceptSummary != "" && sc.Has(ConceptSection) {
		_ = sc.Write(ConceptSection, p.ConceptSummary)
	}

	tracker, err := c.tracker(ctx, jobID, p, prompt, sc, log)
	if err != nil {
		return jobID, err
	}

	stageCfg := stage.Config{Runner: c.cfg.Runner, Context: sc, Plan: p, JobID: jobID, Store: c.cfg.Store}
	if lr, ok := c.cfg.Store.(artifact.LocalRooter); ok {
		stageCfg.WorkDir = lr.LocalPath(jobID)
	}
	exec, err := stage.New(stageCfg, stage.WithLogger(log))
	if err != nil {
		return jobID, err
	}
	sched, err := scheduler.New(scheduler.Config{
		Plan:          p,
		Executor:      exec,
		Context:       sc,
		Tracker:       tracker,
		Store:         c.cfg.Store,
		JobID:         jobID,
		Bus:           c.cfg.Bus,
		PartialPolicy: c.cfg.PartialPolicy,
	}, scheduler.WithLogger(c.logger))
	if err != nil {
		return jobID, err
	}

	_, err = sched.Run(ctx)
	return jobID, err
}

// tracker builds the job's progress tracker. On a resumed job the stored
// progress and context snapshot are loaded; either may be missing.
func (c *Controller) tracker(ctx context.Context, jobID string, p *plan.Plan, prompt string, sc *sharedctx.Context, log *logging.Logger) (*progress.Tracker, error) {
	sink := progress.StoreSink(c.cfg.Store, jobID)
	if c.cfg.ProgressFile != nil {
		if path := c.cfg.ProgressFile(jobID); path != "" {
			sink = progress.MultiSink(sink, progress.FileSink(path))
		}
	}
	opts := []progress.Option{progress.WithLogger(log)}

	doc, err := progress.Load(ctx, c.cfg.Store, jobID)
	switch {
	case err == nil:
		c.restoreSnapshot(ctx, jobID, sc, log)
		if sc.Prompt() == "" {
			sc.SetPrompt(doc.Prompt)
		}
		log.Info("resuming job", "next_stage", doc.NextStage(), "last_completed", doc.LastCompleted())
		return progress.Resume(doc, p.Entries(), sink, opts...), nil
	case errors.Is(err, errors.ErrNotFound):
		return progress.New(jobID, pipelineName(p), prompt, p.Entries(), sink, opts...), nil
	default:
		return nil, errors.Wrap(err, "failed to load progress")
	}
}

func pipelineName(p *plan.Plan) string {
	if p.Genre != "" {
		return p.Genre
	}
	return p.Title
}

func (c *Controller) restoreSnapshot(ctx context.Context, jobID string, sc *sharedctx.Context, log *logging.Logger) {
	data, err := c.cfg.Store.ReadArtifact(ctx, jobID, artifact.SnapshotPath)
	if err != nil {
		log.Debug("no context snapshot", "error", err.Error())
		return
	}
	snap, err := sharedctx.UnmarshalSnapshot([]byte(data))
	if err == nil {
		err = sc.Restore(snap)
	}
	if err != nil {
		log.Warn("context snapshot not restored", "error", err.Error())
		return
	}
	log.Info("context restored from snapshot")
}

// persistPlan stores the plan and, when present, the concept overview.
func (c *Controller) persistPlan(ctx context.Context, jobID string, p *plan.Plan) error {
	data, err := plan.Marshal(p, plan.FormatJSON)
	if err != nil {
		return err
	}
	if err := artifact.Put(ctx, c.cfg.Store, jobID, artifact.PlanPath, string(data), "Save pipeline plan"); err != nil {
		return errors.Wrap(err, "failed to save plan")
	}
	if p.ConceptSummary == "" {
		return nil
	}
	overview := p.FilePaths["overview_file"]
	if overview == "" {
		overview = defaultOverviewPath
	}
	content := "# Concept Overview\n\n" + p.ConceptSummary
	if err := artifact.Put(ctx, c.cfg.Store, jobID, overview, content, "Add concept overview"); err != nil {
		c.logger.Warn("concept overview not saved", "path", overview, "error", err.Error())
	}
	return nil
}

func (c *Controller) loadPlan(ctx context.Context, jobID string) (*plan.Plan, error) {
	data, err := c.cfg.Store.ReadArtifact(ctx, jobID, artifact.PlanPath)
	if err != nil {
		return nil, errors.Wrapf(errors.Join(errors.ErrPlanNotFound, err), "job %s", jobID)
	}
	return plan.Unmarshal([]byte(data), plan.FormatJSON)
}
