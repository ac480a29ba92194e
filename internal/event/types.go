package event

import "time"

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns a "category.action" identifier, e.g. "stage.started".
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// baseEvent provides common fields for all events. Its fields are
// unexported so that JSON encoding of a concrete event carries only the
// payload.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// Event type identifiers.
const (
	TypeJobStarted      = "job.started"
	TypeJobCompleted    = "job.completed"
	TypeJobError        = "job.error"
	TypePlanReady       = "plan.ready"
	TypeCohortStarted   = "cohort.started"
	TypeCohortCompleted = "cohort.completed"
	TypeStageStarted    = "stage.started"
	TypeStageCompleted  = "stage.completed"
	TypeArtifactCreated = "artifact.created"
)

// -----------------------------------------------------------------------------
// Job Events
// -----------------------------------------------------------------------------

// JobStartedEvent is emitted when the scheduler begins a job.
type JobStartedEvent struct {
	baseEvent
	JobID       string `json:"job_id"`
	Title       string `json:"title"`
	Prompt      string `json:"prompt,omitempty"`
	TotalStages int    `json:"total_stages"`
	ResumeFrom  int    `json:"resume_from,omitempty"`
}

// NewJobStartedEvent creates a JobStartedEvent.
func NewJobStartedEvent(jobID, title, prompt string, totalStages, resumeFrom int) JobStartedEvent {
	return JobStartedEvent{
		baseEvent:   newBaseEvent(TypeJobStarted),
		JobID:       jobID,
		Title:       title,
		Prompt:      prompt,
		TotalStages: totalStages,
		ResumeFrom:  resumeFrom,
	}
}

// JobCompletedEvent is emitted once per job with its terminal status.
type JobCompletedEvent struct {
	baseEvent
	JobID           string  `json:"job_id"`
	Status          string  `json:"status"`
	Success         bool    `json:"success"`
	DurationSeconds float64 `json:"duration_s"`
	Error           string  `json:"error,omitempty"`
}

// NewJobCompletedEvent creates a JobCompletedEvent.
func NewJobCompletedEvent(jobID, status string, duration time.Duration, err error) JobCompletedEvent {
	e := JobCompletedEvent{
		baseEvent:       newBaseEvent(TypeJobCompleted),
		JobID:           jobID,
		Status:          status,
		Success:         err == nil && status == "completed",
		DurationSeconds: seconds(duration),
	}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// JobErrorEvent reports a failure that halts the job.
type JobErrorEvent struct {
	baseEvent
	JobID   string `json:"job_id"`
	Stage   int    `json:"stage,omitempty"`
	Message string `json:"message"`
}

// NewJobErrorEvent creates a JobErrorEvent.
func NewJobErrorEvent(jobID string, stage int, err error) JobErrorEvent {
	return JobErrorEvent{
		baseEvent: newBaseEvent(TypeJobError),
		JobID:     jobID,
		Stage:     stage,
		Message:   err.Error(),
	}
}

// PlanReadyEvent is emitted when the planner produced (or revised) a plan.
type PlanReadyEvent struct {
	baseEvent
	Title          string `json:"title"`
	Version        int    `json:"version"`
	Stages         int    `json:"stages"`
	ContinuationID string `json:"continuation_id,omitempty"`
}

// NewPlanReadyEvent creates a PlanReadyEvent.
func NewPlanReadyEvent(title string, version, stages int, continuationID string) PlanReadyEvent {
	return PlanReadyEvent{
		baseEvent:      newBaseEvent(TypePlanReady),
		Title:          title,
		Version:        version,
		Stages:         stages,
		ContinuationID: continuationID,
	}
}

// -----------------------------------------------------------------------------
// Cohort and Stage Events
// -----------------------------------------------------------------------------

// CohortStartedEvent is emitted before a cohort's members are dispatched.
type CohortStartedEvent struct {
	baseEvent
	JobID  string `json:"job_id"`
	Group  string `json:"group,omitempty"`
	Stages []int  `json:"stages"`
}

// NewCohortStartedEvent creates a CohortStartedEvent.
func NewCohortStartedEvent(jobID, group string, stages []int) CohortStartedEvent {
	return CohortStartedEvent{
		baseEvent: newBaseEvent(TypeCohortStarted),
		JobID:     jobID,
		Group:     group,
		Stages:    stages,
	}
}

// CohortCompletedEvent is emitted after every member of a cohort finished.
type CohortCompletedEvent struct {
	baseEvent
	JobID           string  `json:"job_id"`
	Group           string  `json:"group,omitempty"`
	Stages          []int   `json:"stages"`
	Failed          []int   `json:"failed,omitempty"`
	DurationSeconds float64 `json:"duration_s"`
}

// NewCohortCompletedEvent creates a CohortCompletedEvent.
func NewCohortCompletedEvent(jobID, group string, stages, failed []int, duration time.Duration) CohortCompletedEvent {
	return CohortCompletedEvent{
		baseEvent:       newBaseEvent(TypeCohortCompleted),
		JobID:           jobID,
		Group:           group,
		Stages:          stages,
		Failed:          failed,
		DurationSeconds: seconds(duration),
	}
}

// StageStartedEvent is emitted when a stage is dispatched to a worker.
type StageStartedEvent struct {
	baseEvent
	JobID string `json:"job_id"`
	Stage int    `json:"stage"`
	Name  string `json:"name"`
	Label string `json:"label,omitempty"`
}

// NewStageStartedEvent creates a StageStartedEvent.
func NewStageStartedEvent(jobID string, stage int, name, label string) StageStartedEvent {
	return StageStartedEvent{
		baseEvent: newBaseEvent(TypeStageStarted),
		JobID:     jobID,
		Stage:     stage,
		Name:      name,
		Label:     label,
	}
}

// StageCompletedEvent is emitted when a stage reaches a terminal status.
type StageCompletedEvent struct {
	baseEvent
	JobID           string  `json:"job_id"`
	Stage           int     `json:"stage"`
	Name            string  `json:"name"`
	Status          string  `json:"status"`
	TimedOut        bool    `json:"timed_out,omitempty"`
	Summary         string  `json:"summary,omitempty"`
	Turns           int     `json:"num_turns,omitempty"`
	CostUSD         float64 `json:"cost_usd,omitempty"`
	DurationSeconds float64 `json:"duration_s"`
	Error           string  `json:"error,omitempty"`
}

// StageOutcome carries the optional details of a StageCompletedEvent.
type StageOutcome struct {
	Status   string
	TimedOut bool
	Summary  string
	Turns    int
	CostUSD  float64
	Duration time.Duration
	Err      error
}

// NewStageCompletedEvent creates a StageCompletedEvent.
func NewStageCompletedEvent(jobID string, stage int, name string, o StageOutcome) StageCompletedEvent {
	e := StageCompletedEvent{
		baseEvent:       newBaseEvent(TypeStageCompleted),
		JobID:           jobID,
		Stage:           stage,
		Name:            name,
		Status:          o.Status,
		TimedOut:        o.TimedOut,
		Summary:         o.Summary,
		Turns:           o.Turns,
		CostUSD:         o.CostUSD,
		DurationSeconds: seconds(o.Duration),
	}
	if o.Err != nil {
		e.Error = o.Err.Error()
	}
	return e
}

// ArtifactCreatedEvent is emitted for each artifact path that appeared
// during a cohort.
type ArtifactCreatedEvent struct {
	baseEvent
	JobID string `json:"job_id"`
	Path  string `json:"path"`
	Stage int    `json:"stage,omitempty"`
}

// NewArtifactCreatedEvent creates an ArtifactCreatedEvent. Stage is zero
// when the artifact cannot be attributed to a single stage.
func NewArtifactCreatedEvent(jobID, path string, stage int) ArtifactCreatedEvent {
	return ArtifactCreatedEvent{
		baseEvent: newBaseEvent(TypeArtifactCreated),
		JobID:     jobID,
		Path:      path,
		Stage:     stage,
	}
}

func seconds(d time.Duration) float64 {
	return float64(d.Round(100*time.Millisecond)) / float64(time.Second)
}
