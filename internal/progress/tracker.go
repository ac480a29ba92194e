// Package progress records a job's per-stage status as a Markdown document
// that is both human readable and parsed back to resume the job.
package progress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Iron-Ham/stagehand/internal/errors"
	"github.com/Iron-Ham/stagehand/internal/logging"
	"github.com/Iron-Ham/stagehand/internal/plan"
	"github.com/Iron-Ham/stagehand/internal/util"
)

// Status of a stage or of the whole job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether s ends a stage or job.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// canTransition allows pending -> running -> {completed, failed, cancelled}.
func canTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning
	case StatusRunning:
		return to.Terminal()
	}
	return false
}

// canTransitionJob also lets a job that never started fail or be cancelled.
func canTransitionJob(from, to Status) bool {
	if from == StatusPending && (to == StatusFailed || to == StatusCancelled) {
		return true
	}
	return canTransition(from, to)
}

// noteLimit bounds stage notes in runes.
const noteLimit = 200

// Record is one stage row.
type Record struct {
	Number      int
	Name        string
	Status      Status
	StartedAt   time.Time
	CompletedAt time.Time
	Duration    time.Duration
	Notes       string
}

// Document is the full progress state of a job.
type Document struct {
	JobID     string
	Pipeline  string
	Status    Status
	StartedAt time.Time
	Prompt    string
	Records   []Record
}

// NextStage returns the first stage number that is not completed, or -1.
func (d *Document) NextStage() int {
	for _, r := range d.Records {
		if r.Status != StatusCompleted {
			return r.Number
		}
	}
	return -1
}

// LastCompleted returns the highest completed stage number, or 0.
func (d *Document) LastCompleted() int {
	last := 0
	for _, r := range d.Records {
		if r.Status == StatusCompleted && r.Number > last {
			last = r.Number
		}
	}
	return last
}

func (d *Document) clone() *Document {
	c := *d
	c.Records = append([]Record(nil), d.Records...)
	return &c
}

// Sink persists a rendered document.
type Sink interface {
	Save(ctx context.Context, content string) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, content string) error

// Save calls f.
func (f SinkFunc) Save(ctx context.Context, content string) error { return f(ctx, content) }

// Tracker mutates a Document and persists it after every change. Persistence
// failures are logged and never fail the mutation.
type Tracker struct {
	mu     sync.Mutex
	saveMu sync.Mutex
	doc    *Document
	sink   Sink
	logger *logging.Logger
	now    func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger for persistence warnings.
func WithLogger(l *logging.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New creates a tracker with every entry pending.
func New(jobID, pipeline, prompt string, entries []plan.Entry, sink Sink, opts ...Option) *Tracker {
	doc := &Document{
		JobID:    jobID,
		Pipeline: sanitize(pipeline, 0),
		Status:   StatusPending,
		Prompt:   sanitize(prompt, noteLimit),
	}
	for _, e := range entries {
		doc.Records = append(doc.Records, Record{Number: e.Number, Name: e.Name, Status: StatusPending})
	}
	return newTracker(doc, sink, opts)
}

// Resume builds a tracker for a job being restarted from doc. Entries come
// from the plan; a row that was completed in doc stays completed with its
// timing, every other row starts over as pending.
func Resume(doc *Document, entries []plan.Entry, sink Sink, opts ...Option) *Tracker {
	done := make(map[int]Record)
	for _, r := range doc.Records {
		if r.Status == StatusCompleted {
			done[r.Number] = r
		}
	}
	fresh := &Document{
		JobID:    doc.JobID,
		Pipeline: doc.Pipeline,
		Status:   StatusPending,
		Prompt:   doc.Prompt,
	}
	for _, e := range entries {
		if r, ok := done[e.Number]; ok && r.Name == e.Name {
			fresh.Records = append(fresh.Records, r)
			continue
		}
		fresh.Records = append(fresh.Records, Record{Number: e.Number, Name: e.Name, Status: StatusPending})
	}
	return newTracker(fresh, sink, opts)
}

func newTracker(doc *Document, sink Sink, opts []Option) *Tracker {
	t := &Tracker{doc: doc, sink: sink, logger: logging.NopLogger(), now: time.Now}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Document returns a copy of the current state.
func (t *Tracker) Document() *Document {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.doc.clone()
}

// Records returns a copy of the stage rows.
func (t *Tracker) Records() []Record {
	return t.Document().Records
}

// Status returns the job status.
func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.doc.Status
}

// NextStage returns the first stage that is not completed, or -1.
func (t *Tracker) NextStage() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.doc.NextStage()
}

// LastCompleted returns the highest completed stage, or 0.
func (t *Tracker) LastCompleted() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.doc.LastCompleted()
}

// Render returns the current Markdown.
func (t *Tracker) Render() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Render(t.doc)
}

// Start marks the job running.
func (t *Tracker) Start(ctx context.Context) error {
	return t.job(ctx, StatusRunning, func(d *Document) { d.StartedAt = t.stamp() })
}

// Complete marks the job completed.
func (t *Tracker) Complete(ctx context.Context) error {
	return t.job(ctx, StatusCompleted, nil)
}

// Fail marks the job failed. A job may fail before it starts.
func (t *Tracker) Fail(ctx context.Context) error {
	return t.job(ctx, StatusFailed, nil)
}

// Cancel marks the job cancelled.
func (t *Tracker) Cancel(ctx context.Context) error {
	return t.job(ctx, StatusCancelled, nil)
}

// StageStart marks a stage running.
func (t *Tracker) StageStart(ctx context.Context, number int) error {
	return t.stage(ctx, number, StatusRunning, func(r *Record) {
		r.StartedAt = t.stamp()
	})
}

// StageComplete marks a stage completed with optional notes.
func (t *Tracker) StageComplete(ctx context.Context, number int, notes string) error {
	return t.stage(ctx, number, StatusCompleted, func(r *Record) {
		t.finish(r)
		if notes != "" {
			r.Notes = sanitize(notes, noteLimit)
		}
	})
}

// StageFail marks a stage failed; msg is kept as the row's note.
func (t *Tracker) StageFail(ctx context.Context, number int, msg string) error {
	return t.stage(ctx, number, StatusFailed, func(r *Record) {
		t.finish(r)
		r.Notes = sanitize(msg, noteLimit)
	})
}

// StageCancel marks a running stage cancelled.
func (t *Tracker) StageCancel(ctx context.Context, number int) error {
	return t.stage(ctx, number, StatusCancelled, func(r *Record) {
		t.finish(r)
		r.Notes = "cancelled"
	})
}

func (t *Tracker) finish(r *Record) {
	r.CompletedAt = t.stamp()
	if !r.StartedAt.IsZero() {
		r.Duration = r.CompletedAt.Sub(r.StartedAt).Round(durationRound)
	}
}

func (t *Tracker) stamp() time.Time {
	return t.now().UTC().Truncate(time.Second)
}

func (t *Tracker) job(ctx context.Context, to Status, mutate func(*Document)) error {
	t.mu.Lock()
	if !canTransitionJob(t.doc.Status, to) {
		from := t.doc.Status
		t.mu.Unlock()
		return fmt.Errorf("%w: job %s -> %s", errors.ErrInvalidTransition, from, to)
	}
	t.doc.Status = to
	if mutate != nil {
		mutate(t.doc)
	}
	t.mu.Unlock()

	t.persist(ctx)
	return nil
}

func (t *Tracker) stage(ctx context.Context, number int, to Status, mutate func(*Record)) error {
	t.mu.Lock()
	var rec *Record
	for i := range t.doc.Records {
		if t.doc.Records[i].Number == number {
			rec = &t.doc.Records[i]
			break
		}
	}
	if rec == nil {
		t.mu.Unlock()
		return errors.NewNotFoundError("stage", fmt.Sprint(number))
	}
	if !canTransition(rec.Status, to) {
		from := rec.Status
		t.mu.Unlock()
		return fmt.Errorf("%w: stage %d %s -> %s", errors.ErrInvalidTransition, number, from, to)
	}
	rec.Status = to
	mutate(rec)
	t.mu.Unlock()

	t.persist(ctx)
	return nil
}

// persist renders and saves under saveMu so the last save always carries
// every mutation made before it. Readers only contend on mu.
func (t *Tracker) persist(ctx context.Context) {
	if t.sink == nil {
		return
	}
	t.saveMu.Lock()
	defer t.saveMu.Unlock()
	if err := t.sink.Save(context.WithoutCancel(ctx), t.Render()); err != nil {
		t.logger.Warn("failed to persist progress", "job", t.doc.JobID, "error", err.Error())
	}
}

// sanitize flattens text onto one line and truncates it to limit runes (0
// means no limit).
func sanitize(s string, limit int) string {
	return util.Head(util.OneLine(s), limit)
}
