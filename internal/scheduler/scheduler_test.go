package scheduler

import (
	"context"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/stagehand/internal/artifact"
	"github.com/Iron-Ham/stagehand/internal/errors"
	"github.com/Iron-Ham/stagehand/internal/event"
	"github.com/Iron-Ham/stagehand/internal/plan"
	"github.com/Iron-Ham/stagehand/internal/progress"
	"github.com/Iron-Ham/stagehand/internal/sharedctx"
	"github.com/Iron-Ham/stagehand/internal/stage"
	"github.com/Iron-Ham/stagehand/internal/worker"
)

type stageFunc func(ctx context.Context, s plan.StageDefinition) (*worker.Result, error)

// fakeExecutor dispatches to per-stage functions and records call order.
type fakeExecutor struct {
	mu         sync.Mutex
	calls      []int
	stages     map[int]stageFunc
	validation func(ctx context.Context, v plan.ValidationDefinition) (*stage.ValidationResult, error)
}

func (f *fakeExecutor) Execute(ctx context.Context, s plan.StageDefinition) (*worker.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, s.Number)
	fn := f.stages[s.Number]
	f.mu.Unlock()
	if fn == nil {
		return &worker.Result{Summary: "ok " + s.Name, TurnsUsed: 3}, nil
	}
	return fn(ctx, s)
}

func (f *fakeExecutor) ExecuteValidation(ctx context.Context, v plan.ValidationDefinition) (*stage.ValidationResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, v.Number)
	fn := f.validation
	f.mu.Unlock()
	if fn == nil {
		return &stage.ValidationResult{
			Round1: &worker.Result{Summary: "r1", ContinuationHandle: "s"},
			Round2: &worker.Result{Summary: "r2", ContinuationHandle: "s"},
		}, nil
	}
	return fn(ctx, v)
}

func (f *fakeExecutor) called() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

// fourStagePlan has stage 1, a parallel cohort of 2 and 3, then stage 4.
func fourStagePlan() *plan.Plan {
	return &plan.Plan{
		Title:           "Test",
		ContextSections: []string{"concept", "notes"},
		Stages: []plan.StageDefinition{
			{Number: 1, Name: "concept", ContextWrites: []string{"concept"}, Capability: plan.CapabilityWrite},
			{Number: 2, Name: "world", ParallelGroup: "g", Capability: plan.CapabilityWrite},
			{Number: 3, Name: "cast", ParallelGroup: "g", Capability: plan.CapabilityWrite},
			{Number: 4, Name: "outline", Capability: plan.CapabilityWrite},
		},
	}
}

type harness struct {
	sched   *Scheduler
	exec    *fakeExecutor
	tracker *progress.Tracker
	ctx     *sharedctx.Context
	events  *eventLog
}

type eventLog struct {
	mu     sync.Mutex
	events []event.Event
}

func (l *eventLog) add(e event.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	for i, e := range l.events {
		out[i] = e.EventType()
	}
	return out
}

func (l *eventLog) ofType(typ string) []event.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []event.Event
	for _, e := range l.events {
		if e.EventType() == typ {
			out = append(out, e)
		}
	}
	return out
}

func newHarness(t *testing.T, p *plan.Plan, tracker *progress.Tracker, store artifact.Store, jobID string, policy PartialPolicy) *harness {
	t.Helper()
	if tracker == nil {
		tracker = progress.New(jobID, p.Title, "prompt", p.Entries(), nil)
	}
	h := &harness{
		exec:    &fakeExecutor{stages: map[int]stageFunc{}},
		tracker: tracker,
		ctx:     sharedctx.New(p.ContextSections),
		events:  &eventLog{},
	}
	bus := event.NewBus(nil)
	bus.SubscribeAll(h.events.add)
	s, err := New(Config{
		Plan:          p,
		Executor:      h.exec,
		Context:       h.ctx,
		Tracker:       tracker,
		Store:         store,
		JobID:         jobID,
		Bus:           bus,
		PartialPolicy: policy,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.sched = s
	return h
}

func statuses(tr *progress.Tracker) map[int]progress.Status {
	out := make(map[int]progress.Status)
	for _, r := range tr.Records() {
		out[r.Number] = r.Status
	}
	return out
}

func TestNew_RequiresCollaborators(t *testing.T) {
	p := fourStagePlan()
	tr := progress.New("j", "p", "", p.Entries(), nil)
	c := sharedctx.New(nil)
	ex := &fakeExecutor{}
	for name, cfg := range map[string]Config{
		"plan":     {Executor: ex, Context: c, Tracker: tr},
		"executor": {Plan: p, Context: c, Tracker: tr},
		"context":  {Plan: p, Executor: ex, Tracker: tr},
		"tracker":  {Plan: p, Executor: ex, Context: c},
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := New(cfg); err == nil {
				t.Errorf("New() without %s should fail", name)
			}
		})
	}
}

func TestRun_AllStagesInOrder(t *testing.T) {
	h := newHarness(t, fourStagePlan(), nil, nil, "job", "")
	report, err := h.sched.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Status != progress.StatusCompleted || h.tracker.Status() != progress.StatusCompleted {
		t.Errorf("status = %s / %s", report.Status, h.tracker.Status())
	}
	calls := h.exec.called()
	if calls[0] != 1 || calls[3] != 4 || !slices.Contains(calls[1:3], 2) || !slices.Contains(calls[1:3], 3) {
		t.Errorf("calls = %v", calls)
	}
	for n, st := range statuses(h.tracker) {
		if st != progress.StatusCompleted {
			t.Errorf("stage %d = %s", n, st)
		}
	}
	if h.tracker.NextStage() != -1 {
		t.Errorf("NextStage() = %d", h.tracker.NextStage())
	}

	types := h.events.types()
	if types[0] != event.TypeJobStarted || types[len(types)-1] != event.TypeJobCompleted {
		t.Errorf("events = %v", types)
	}
	if n := len(h.events.ofType(event.TypeCohortStarted)); n != 3 {
		t.Errorf("cohorts = %d, want 3", n)
	}
}

func TestRun_CohortMembersRunConcurrently(t *testing.T) {
	h := newHarness(t, fourStagePlan(), nil, nil, "job", "")
	var arrived sync.WaitGroup
	arrived.Add(2)
	both := make(chan struct{})
	go func() { arrived.Wait(); close(both) }()
	member := func(context.Context, plan.StageDefinition) (*worker.Result, error) {
		arrived.Done()
		select {
		case <-both:
			return &worker.Result{Summary: "ok"}, nil
		case <-time.After(5 * time.Second):
			return nil, errors.New("sibling never started")
		}
	}
	h.exec.stages[2] = member
	h.exec.stages[3] = member

	if _, err := h.sched.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestRun_PartialSuccessContinues(t *testing.T) {
	h := newHarness(t, fourStagePlan(), nil, nil, "job", PolicyContinue)
	h.exec.stages[3] = func(context.Context, plan.StageDefinition) (*worker.Result, error) {
		return &worker.Result{TimedOut: true, Summary: worker.PartialSummary}, nil
	}

	report, err := h.sched.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !slices.Contains(h.exec.called(), 4) {
		t.Error("stage 4 should run after a partial success")
	}
	if !slices.Equal(report.PartialRun, []int{3}) {
		t.Errorf("PartialRun = %v", report.PartialRun)
	}
	for _, r := range h.tracker.Records() {
		if r.Number == 3 && (r.Status != progress.StatusCompleted || r.Notes != worker.PartialSummary) {
			t.Errorf("stage 3 record = %+v", r)
		}
	}
	for _, e := range h.events.ofType(event.TypeStageCompleted) {
		sc := e.(event.StageCompletedEvent)
		if sc.Stage == 3 && (!sc.TimedOut || sc.Summary != worker.PartialSummary) {
			t.Errorf("stage 3 event = %+v", sc)
		}
	}
}

func TestRun_PartialSuccessHaltPolicy(t *testing.T) {
	h := newHarness(t, fourStagePlan(), nil, nil, "job", PolicyHalt)
	h.exec.stages[3] = func(context.Context, plan.StageDefinition) (*worker.Result, error) {
		return &worker.Result{TimedOut: true, Summary: worker.PartialSummary}, nil
	}

	_, err := h.sched.Run(context.Background())
	if !errors.Is(err, errors.ErrPartialHalt) {
		t.Fatalf("Run() error = %v, want ErrPartialHalt", err)
	}
	st := statuses(h.tracker)
	if st[2] != progress.StatusCompleted || st[3] != progress.StatusFailed || st[4] != progress.StatusPending {
		t.Errorf("statuses = %v", st)
	}
}

func TestRun_FailureHaltsAfterJoin(t *testing.T) {
	h := newHarness(t, fourStagePlan(), nil, nil, "job", "")
	siblingDone := make(chan struct{})
	h.exec.stages[2] = func(context.Context, plan.StageDefinition) (*worker.Result, error) {
		return nil, errors.NewStageError("stage failed", errors.ErrWorkerFailed).WithStage(2, "world")
	}
	h.exec.stages[3] = func(ctx context.Context, _ plan.StageDefinition) (*worker.Result, error) {
		time.Sleep(50 * time.Millisecond)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		close(siblingDone)
		return &worker.Result{Summary: "ok"}, nil
	}

	report, err := h.sched.Run(context.Background())
	var se *errors.StageError
	if !errors.As(err, &se) || se.StageNumber != 2 {
		t.Fatalf("Run() error = %v, want StageError for stage 2", err)
	}
	select {
	case <-siblingDone:
	default:
		t.Error("sibling should run to completion")
	}
	if slices.Contains(h.exec.called(), 4) {
		t.Error("no stage may run after a failed cohort")
	}
	st := statuses(h.tracker)
	if st[2] != progress.StatusFailed || st[3] != progress.StatusCompleted || st[4] != progress.StatusPending {
		t.Errorf("statuses = %v", st)
	}
	if report.Status != progress.StatusFailed || h.tracker.Status() != progress.StatusFailed {
		t.Errorf("job status = %s", report.Status)
	}
	if n := h.tracker.NextStage(); n != 2 {
		t.Errorf("NextStage() = %d, want 2", n)
	}

	errs := h.events.ofType(event.TypeJobError)
	if len(errs) != 1 || errs[0].(event.JobErrorEvent).Stage != 2 {
		t.Errorf("job.error events = %v", errs)
	}
	cc := h.events.ofType(event.TypeCohortCompleted)
	if got := cc[len(cc)-1].(event.CohortCompletedEvent).Failed; !slices.Equal(got, []int{2}) {
		t.Errorf("cohort failed = %v", got)
	}
}

func TestRun_CancelMidCohort(t *testing.T) {
	h := newHarness(t, fourStagePlan(), nil, nil, "job", "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wait := func(ctx context.Context, _ plan.StageDefinition) (*worker.Result, error) {
		<-ctx.Done()
		return nil, errors.NewWorkerError("worker stopped", ctx.Err()).WithKind(errors.KindCanceled)
	}
	h.exec.stages[2] = func(ctx context.Context, s plan.StageDefinition) (*worker.Result, error) {
		cancel()
		return wait(ctx, s)
	}
	h.exec.stages[3] = wait

	report, err := h.sched.Run(ctx)
	if !errors.IsCanceled(err) {
		t.Fatalf("Run() error = %v, want cancellation", err)
	}
	if report.Status != progress.StatusCancelled || h.tracker.Status() != progress.StatusCancelled {
		t.Errorf("status = %s", report.Status)
	}
	st := statuses(h.tracker)
	if st[1] != progress.StatusCompleted || st[2] != progress.StatusCancelled || st[3] != progress.StatusCancelled || st[4] != progress.StatusPending {
		t.Errorf("statuses = %v", st)
	}
	if slices.Contains(h.exec.called(), 4) {
		t.Error("no dispatch after cancel")
	}
	if len(h.events.ofType(event.TypeJobError)) != 0 {
		t.Error("cancellation is not a job error")
	}
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	h := newHarness(t, fourStagePlan(), nil, nil, "job", "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.sched.Run(ctx); !errors.IsCanceled(err) {
		t.Fatalf("Run() error = %v", err)
	}
	if len(h.exec.called()) != 0 {
		t.Errorf("calls = %v", h.exec.called())
	}
}

func TestRun_Resume(t *testing.T) {
	p := fourStagePlan()
	doc := progress.New("job", p.Title, "prompt", p.Entries(), nil).Document()
	for i := range doc.Records {
		if doc.Records[i].Number <= 2 {
			doc.Records[i].Status = progress.StatusCompleted
		}
	}
	doc.Records[2].Status = progress.StatusFailed

	tr := progress.Resume(doc, p.Entries(), nil)
	h := newHarness(t, p, tr, nil, "job", "")
	report, err := h.sched.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := h.exec.called(); !slices.Equal(got, []int{3, 4}) {
		t.Errorf("calls = %v, want [3 4]", got)
	}
	if report.ResumeFrom != 3 {
		t.Errorf("ResumeFrom = %d", report.ResumeFrom)
	}
	started := h.events.ofType(event.TypeJobStarted)[0].(event.JobStartedEvent)
	if started.ResumeFrom != 3 {
		t.Errorf("job.started resume_from = %d", started.ResumeFrom)
	}
}

func TestRun_AllCompletedRunsNothing(t *testing.T) {
	p := fourStagePlan()
	doc := progress.New("job", p.Title, "", p.Entries(), nil).Document()
	for i := range doc.Records {
		doc.Records[i].Status = progress.StatusCompleted
	}
	h := newHarness(t, p, progress.Resume(doc, p.Entries(), nil), nil, "job", "")
	report, err := h.sched.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(h.exec.called()) != 0 || report.Status != progress.StatusCompleted {
		t.Errorf("calls = %v status = %s", h.exec.called(), report.Status)
	}
}

func TestRun_ValidationAndPolish(t *testing.T) {
	p := fourStagePlan()
	p.Validation = &plan.ValidationDefinition{Number: 5, Capability: plan.CapabilityWrite}
	p.Polish = &plan.StageDefinition{Number: 6, Name: "polish"}

	t.Run("order", func(t *testing.T) {
		h := newHarness(t, p, nil, nil, "job", "")
		if _, err := h.sched.Run(context.Background()); err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		calls := h.exec.called()
		if !slices.Equal(calls[len(calls)-2:], []int{5, 6}) {
			t.Errorf("calls = %v", calls)
		}
		if st := statuses(h.tracker); st[5] != progress.StatusCompleted || st[6] != progress.StatusCompleted {
			t.Errorf("statuses = %v", st)
		}
	})

	t.Run("validation failure skips polish", func(t *testing.T) {
		h := newHarness(t, p, nil, nil, "job", "")
		h.exec.validation = func(context.Context, plan.ValidationDefinition) (*stage.ValidationResult, error) {
			return nil, errors.NewStageError("stage failed", errors.ErrNoContinuation).WithStage(5, plan.ValidationName)
		}
		_, err := h.sched.Run(context.Background())
		if !errors.Is(err, errors.ErrNoContinuation) {
			t.Fatalf("Run() error = %v", err)
		}
		if slices.Contains(h.exec.called(), 6) {
			t.Error("polish must not run after a failed validation")
		}
		if st := statuses(h.tracker); st[5] != progress.StatusFailed || st[6] != progress.StatusPending {
			t.Errorf("statuses = %v", st)
		}
	})
}

func TestRun_StructureRefreshAndArtifacts(t *testing.T) {
	ctx := context.Background()
	store := artifact.NewFSStore(afero.NewMemMapFs(), "/jobs")
	root, err := store.CreateRoot(ctx, "Test", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.CreateArtifact(ctx, root, "README.md", "existing", ""); err != nil {
		t.Fatal(err)
	}

	p := fourStagePlan()
	h := newHarness(t, p, nil, store, root, "")
	h.exec.stages[1] = func(ctx context.Context, _ plan.StageDefinition) (*worker.Result, error) {
		if err := store.CreateArtifact(ctx, root, "planning/concept.md", "idea", ""); err != nil {
			return nil, err
		}
		return &worker.Result{Summary: "concept done"}, nil
	}
	var seen string
	h.exec.stages[4] = func(context.Context, plan.StageDefinition) (*worker.Result, error) {
		seen, _ = h.ctx.Read(sharedctx.StructureSection)
		return &worker.Result{Summary: "ok"}, nil
	}

	if _, err := h.sched.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.Contains(seen, "concept.md") || !strings.Contains(seen, "planning/") {
		t.Errorf("stage 4 saw structure:\n%s", seen)
	}

	created := h.events.ofType(event.TypeArtifactCreated)
	if len(created) != 1 {
		t.Fatalf("artifact.created events = %d, want 1", len(created))
	}
	if ac := created[0].(event.ArtifactCreatedEvent); ac.Path != "planning/concept.md" || ac.Stage != 1 {
		t.Errorf("event = %+v", ac)
	}
	if notes, _ := h.ctx.Read("concept"); !strings.Contains(notes, "Created: planning/concept.md") {
		t.Errorf("concept section = %q", notes)
	}

	data, err := store.ReadArtifact(ctx, root, artifact.SnapshotPath)
	if err != nil {
		t.Fatalf("snapshot not saved: %v", err)
	}
	snap, err := sharedctx.UnmarshalSnapshot([]byte(data))
	if err != nil {
		t.Fatal(err)
	}
	if snap[sharedctx.StructureSection] == "" {
		t.Error("snapshot should carry the structure section")
	}
}

func TestRun_StructureRefreshFailureIsWarning(t *testing.T) {
	h := newHarness(t, fourStagePlan(), nil, artifact.NewFSStore(afero.NewMemMapFs(), "/jobs"), "missing-root", "")
	if _, err := h.sched.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if v, _ := h.ctx.Read(sharedctx.StructureSection); v != "" {
		t.Errorf("structure = %q", v)
	}
}

func TestRun_ResumeSkipsCompletedSibling(t *testing.T) {
	p := fourStagePlan()
	doc := progress.New("job", p.Title, "prompt", p.Entries(), nil).Document()
	for i, st := range []progress.Status{progress.StatusCompleted, progress.StatusFailed, progress.StatusCompleted} {
		doc.Records[i].Status = st
	}

	h := newHarness(t, p, progress.Resume(doc, p.Entries(), nil), nil, "job", "")
	report, err := h.sched.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := h.exec.called(); !slices.Equal(got, []int{2, 4}) {
		t.Errorf("calls = %v, want [2 4]", got)
	}
	if report.Status != progress.StatusCompleted {
		t.Errorf("status = %s", report.Status)
	}
	for n, st := range statuses(h.tracker) {
		if st != progress.StatusCompleted {
			t.Errorf("stage %d = %s", n, st)
		}
	}
}

func TestRun_SnapshotCarriesLastCohortRefresh(t *testing.T) {
	ctx := context.Background()
	store := artifact.NewFSStore(afero.NewMemMapFs(), "/jobs")
	root, err := store.CreateRoot(ctx, "Test", "")
	if err != nil {
		t.Fatal(err)
	}
	p := &plan.Plan{
		Title:           "Single",
		ContextSections: []string{"concept"},
		Stages: []plan.StageDefinition{
			{Number: 1, Name: "concept", ContextWrites: []string{"concept"}, Capability: plan.CapabilityWrite},
		},
	}
	h := newHarness(t, p, nil, store, root, "")
	h.exec.stages[1] = func(ctx context.Context, _ plan.StageDefinition) (*worker.Result, error) {
		if err := store.CreateArtifact(ctx, root, "planning/concept.md", "idea", ""); err != nil {
			return nil, err
		}
		return &worker.Result{}, nil
	}

	if _, err := h.sched.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	data, err := store.ReadArtifact(ctx, root, artifact.SnapshotPath)
	if err != nil {
		t.Fatalf("snapshot not saved: %v", err)
	}
	snap, err := sharedctx.UnmarshalSnapshot([]byte(data))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(snap["concept"], "Created: planning/concept.md") {
		t.Errorf("snapshot concept = %q", snap["concept"])
	}
	if !strings.Contains(snap[sharedctx.StructureSection], "concept.md") {
		t.Errorf("snapshot structure = %q", snap[sharedctx.StructureSection])
	}
}

func TestRun_TimeoutFailureNote(t *testing.T) {
	h := newHarness(t, fourStagePlan(), nil, nil, "job", "")
	h.exec.stages[1] = func(context.Context, plan.StageDefinition) (*worker.Result, error) {
		return nil, errors.NewStageError("stage failed", errors.NewTimeoutError("worker", time.Minute)).WithStage(1, "concept")
	}
	_, err := h.sched.Run(context.Background())
	if !errors.IsTimeout(err) {
		t.Fatalf("Run() error = %v, want a timeout", err)
	}
	r := h.tracker.Records()[0]
	if r.Status != progress.StatusFailed || r.Notes != timeoutNote {
		t.Errorf("row 1 = %s %q", r.Status, r.Notes)
	}
}
