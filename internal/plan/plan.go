// Package plan defines the job plan: an ordered list of stage definitions,
// an optional validation pair and an optional polish stage, together with
// the shared-context sections the stages read and write.
//
// A Plan is produced by the planner (or loaded from a file), validated, and
// then handed to the scheduler as an immutable copy. Revising a plan yields a
// new Plan value with a bumped version; plans are never edited in place once
// execution has begun.
package plan

import (
	"slices"
	"time"
)

// Capability is the tool access level a worker invocation is granted.
type Capability string

const (
	// CapabilityWrite may create and modify artifacts. A write stage that
	// times out is a partial success and is never retried.
	CapabilityWrite Capability = "write"
	// CapabilityRead may only inspect artifacts.
	CapabilityRead Capability = "read"
	// CapabilityNone has no tools at all.
	CapabilityNone Capability = "none"
)

// Valid reports whether c is a known capability.
func (c Capability) Valid() bool {
	switch c {
	case CapabilityWrite, CapabilityRead, CapabilityNone:
		return true
	}
	return false
}

// StageDefinition describes one logical unit of work.
type StageDefinition struct {
	Number         int        `json:"number" yaml:"number" jsonschema:"description=Execution order; strictly increasing across the plan"`
	Name           string     `json:"name" yaml:"name" jsonschema:"description=Machine identifier such as crime_design"`
	DisplayName    string     `json:"display_name" yaml:"display_name" jsonschema:"description=Human readable stage name"`
	Instructions   string     `json:"instructions" yaml:"instructions" jsonschema:"description=Full directive for the worker"`
	InitialMessage string     `json:"initial_message" yaml:"initial_message" jsonschema:"description=Task input; may reference {{.ArtifactRoot}} or {artifact_root}"`
	Capability     Capability `json:"tool_capability,omitempty" yaml:"tool_capability,omitempty" jsonschema:"enum=write,enum=read,enum=none,default=write"`
	TimeoutSeconds int        `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty" jsonschema:"description=Per-invocation timeout in seconds"`
	ParallelGroup  string     `json:"parallel_group,omitempty" yaml:"parallel_group,omitempty" jsonschema:"description=Adjacent stages sharing this id run concurrently"`
	ContextReads   []string   `json:"context_reads,omitempty" yaml:"context_reads,omitempty" jsonschema:"description=Context sections this stage needs; empty means all"`
	ContextWrites  []string   `json:"context_writes,omitempty" yaml:"context_writes,omitempty" jsonschema:"description=Context sections this stage produces; the summary merges into the first"`

	SummarizeArtifacts bool   `json:"summarize_artifacts,omitempty" yaml:"summarize_artifacts,omitempty" jsonschema:"description=Preview matching artifacts into summary_section after the stage"`
	SummarySection     string `json:"summary_section,omitempty" yaml:"summary_section,omitempty"`
	SummaryGlob        string `json:"summary_glob,omitempty" yaml:"summary_glob,omitempty" jsonschema:"description=Artifact path pattern; defaults to the chapters_prefix file path"`
}

// Timeout returns the stage timeout as a duration.
func (s StageDefinition) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// Label returns the display name, falling back to the machine name.
func (s StageDefinition) Label() string {
	if s.DisplayName != "" {
		return s.DisplayName
	}
	return s.Name
}

// OutputSection returns the section the stage summary merges into, or "".
func (s StageDefinition) OutputSection() string {
	if len(s.ContextWrites) > 0 {
		return s.ContextWrites[0]
	}
	return ""
}

// Round is one half of the validation pair.
type Round struct {
	Instructions   string `json:"instructions" yaml:"instructions"`
	InitialMessage string `json:"initial_message" yaml:"initial_message"`
}

// ValidationDefinition is the two-round check run after all stages. Round 2
// continues the worker session of round 1.
type ValidationDefinition struct {
	Number         int        `json:"number" yaml:"number"`
	Round1         Round      `json:"round1" yaml:"round1"`
	Round2         Round      `json:"round2" yaml:"round2"`
	Capability     Capability `json:"tool_capability,omitempty" yaml:"tool_capability,omitempty" jsonschema:"enum=write,enum=read,enum=none,default=write"`
	TimeoutSeconds int        `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
}

// Timeout returns the per-round timeout.
func (v ValidationDefinition) Timeout() time.Duration {
	return time.Duration(v.TimeoutSeconds) * time.Second
}

// Plan is a complete job plan.
type Plan struct {
	Version         int                   `json:"version,omitempty" yaml:"version,omitempty"`
	Title           string                `json:"title" yaml:"title"`
	Description     string                `json:"description" yaml:"description"`
	Genre           string                `json:"genre,omitempty" yaml:"genre,omitempty"`
	Language        string                `json:"language,omitempty" yaml:"language,omitempty"`
	ConceptSummary  string                `json:"concept_summary,omitempty" yaml:"concept_summary,omitempty" jsonschema:"description=Concept injected as initial context"`
	ContextSections []string              `json:"context_sections" yaml:"context_sections" jsonschema:"description=Declared shared-context sections in serialization order"`
	Stages          []StageDefinition     `json:"stages" yaml:"stages"`
	Validation      *ValidationDefinition `json:"validation,omitempty" yaml:"validation,omitempty"`
	Polish          *StageDefinition      `json:"polish_stage,omitempty" yaml:"polish_stage,omitempty"`
	FilePaths       map[string]string     `json:"file_paths,omitempty" yaml:"file_paths,omitempty" jsonschema:"description=Named path prefixes such as chapters_prefix"`
	ActionType      string                `json:"action_type,omitempty" yaml:"action_type,omitempty" jsonschema:"description=One of create or rewrite or continue or revise or review"`
	SourceArtifact  string                `json:"source_artifact,omitempty" yaml:"source_artifact,omitempty" jsonschema:"description=Existing artifact root for non-create actions"`
}

// ApplyDefaults fills unset capabilities and timeouts.
func (p *Plan) ApplyDefaults(defaultTimeout time.Duration) {
	secs := int(defaultTimeout / time.Second)
	fill := func(s *StageDefinition) {
		if s.Capability == "" {
			s.Capability = CapabilityWrite
		}
		if s.TimeoutSeconds <= 0 {
			s.TimeoutSeconds = secs
		}
	}
	for i := range p.Stages {
		fill(&p.Stages[i])
	}
	if p.Polish != nil {
		fill(p.Polish)
	}
	if v := p.Validation; v != nil {
		if v.Capability == "" {
			v.Capability = CapabilityWrite
		}
		if v.TimeoutSeconds <= 0 {
			v.TimeoutSeconds = secs
		}
	}
	if p.Version == 0 {
		p.Version = 1
	}
}

// Clone returns a deep copy.
func (p *Plan) Clone() *Plan {
	c := *p
	c.ContextSections = slices.Clone(p.ContextSections)
	c.Stages = make([]StageDefinition, len(p.Stages))
	for i, s := range p.Stages {
		c.Stages[i] = s.clone()
	}
	if p.Validation != nil {
		v := *p.Validation
		c.Validation = &v
	}
	if p.Polish != nil {
		s := p.Polish.clone()
		c.Polish = &s
	}
	if p.FilePaths != nil {
		c.FilePaths = make(map[string]string, len(p.FilePaths))
		for k, v := range p.FilePaths {
			c.FilePaths[k] = v
		}
	}
	return &c
}

func (s StageDefinition) clone() StageDefinition {
	s.ContextReads = slices.Clone(s.ContextReads)
	s.ContextWrites = slices.Clone(s.ContextWrites)
	return s
}

// NextVersion returns a copy of next carrying version p.Version+1. Used when
// a revision replaces p.
func (p *Plan) NextVersion(next *Plan) *Plan {
	c := next.Clone()
	c.Version = p.Version + 1
	return c
}

// Cohort is a maximal run of adjacent stages sharing a non-empty parallel
// group, or a single ungrouped stage.
type Cohort struct {
	Group  string
	Stages []StageDefinition
}

// Parallel reports whether the cohort fans out to more than one stage.
func (c Cohort) Parallel() bool {
	return len(c.Stages) > 1
}

// Numbers returns the stage numbers in the cohort.
func (c Cohort) Numbers() []int {
	out := make([]int, len(c.Stages))
	for i, s := range c.Stages {
		out[i] = s.Number
	}
	return out
}

// Cohorts splits the ordered stages into execution cohorts.
func (p *Plan) Cohorts() []Cohort {
	var out []Cohort
	for _, s := range p.Stages {
		n := len(out)
		if s.ParallelGroup != "" && n > 0 && out[n-1].Group == s.ParallelGroup {
			out[n-1].Stages = append(out[n-1].Stages, s)
			continue
		}
		out = append(out, Cohort{Group: s.ParallelGroup, Stages: []StageDefinition{s}})
	}
	return out
}

// Entry is one row of the job's progress record: a stage, the validation
// pair or the polish stage.
type Entry struct {
	Number int
	Name   string
}

// Entries lists every progress row in execution order.
func (p *Plan) Entries() []Entry {
	out := make([]Entry, 0, len(p.Stages)+2)
	for _, s := range p.Stages {
		out = append(out, Entry{Number: s.Number, Name: s.Name})
	}
	if p.Validation != nil {
		out = append(out, Entry{Number: p.Validation.Number, Name: ValidationName})
	}
	if p.Polish != nil {
		out = append(out, Entry{Number: p.Polish.Number, Name: p.Polish.Name})
	}
	return out
}

// ValidationName is the progress row name of the validation pair.
const ValidationName = "validation"

// Stage returns the stage (including polish) with the given number.
func (p *Plan) Stage(number int) (StageDefinition, bool) {
	for _, s := range p.Stages {
		if s.Number == number {
			return s, true
		}
	}
	if p.Polish != nil && p.Polish.Number == number {
		return *p.Polish, true
	}
	return StageDefinition{}, false
}
