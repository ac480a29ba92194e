package plan

import (
	"fmt"
	"strings"

	"github.com/Iron-Ham/stagehand/internal/errors"
	"github.com/Iron-Ham/stagehand/internal/sharedctx"
)

// ValidationErrors collects every problem found in a plan.
type ValidationErrors []*errors.ValidationError

// Error implements error.
func (e ValidationErrors) Error() string {
	if len(e) == 1 {
		return e[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d plan errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// Is lets callers match the whole collection against ErrPlanInvalid.
func (e ValidationErrors) Is(target error) bool {
	return target == errors.ErrPlanInvalid || target == errors.ErrInvalidInput
}

// Validate checks ordering, naming, group contiguity and section references.
// It returns nil or a ValidationErrors.
func (p *Plan) Validate() error {
	var errs ValidationErrors
	add := func(field string, value any, format string, args ...any) {
		errs = append(errs, errors.NewValidationError(fmt.Sprintf(format, args...)).WithField(field).WithValue(value))
	}

	if strings.TrimSpace(p.Title) == "" {
		add("title", p.Title, "title must not be empty")
	}
	if len(p.Stages) == 0 {
		add("stages", 0, "plan must contain at least one stage")
	}

	declared := make(map[string]bool, len(p.ContextSections))
	for i, s := range p.ContextSections {
		field := fmt.Sprintf("context_sections[%d]", i)
		switch {
		case s == "":
			add(field, s, "section name must not be empty")
		case s == sharedctx.StructureSection:
			add(field, s, "%q is reserved", s)
		case declared[s]:
			add(field, s, "duplicate section")
		}
		declared[s] = true
	}
	readable := func(s string) bool { return declared[s] || s == sharedctx.StructureSection }

	names := make(map[string]bool)
	last := 0
	checkStage := func(field string, s StageDefinition) {
		if s.Number <= last {
			add(field+".number", s.Number, "stage numbers must strictly increase (previous %d)", last)
		}
		last = s.Number
		if s.Name == "" {
			add(field+".name", s.Name, "name must not be empty")
		} else if names[s.Name] {
			add(field+".name", s.Name, "duplicate stage name")
		}
		names[s.Name] = true
		if s.Capability != "" && !s.Capability.Valid() {
			add(field+".tool_capability", s.Capability, "must be write, read or none")
		}
		if s.TimeoutSeconds < 0 {
			add(field+".timeout_seconds", s.TimeoutSeconds, "must not be negative")
		}
		for _, r := range s.ContextReads {
			if !readable(r) {
				add(field+".context_reads", r, "undeclared section")
			}
		}
		for _, w := range s.ContextWrites {
			if !declared[w] {
				add(field+".context_writes", w, "undeclared section")
			}
		}
		if s.SummarizeArtifacts && !declared[s.SummarySection] {
			add(field+".summary_section", s.SummarySection, "summarize_artifacts needs a declared summary_section")
		}
	}

	closed := make(map[string]bool)
	prevGroup := ""
	for i, s := range p.Stages {
		field := fmt.Sprintf("stages[%d]", i)
		checkStage(field, s)
		if s.ParallelGroup != prevGroup && prevGroup != "" {
			closed[prevGroup] = true
		}
		if s.ParallelGroup != "" && closed[s.ParallelGroup] {
			add(field+".parallel_group", s.ParallelGroup, "parallel group members must be adjacent")
		}
		prevGroup = s.ParallelGroup
	}

	if v := p.Validation; v != nil {
		if v.Number <= last {
			add("validation.number", v.Number, "must follow the last stage (%d)", last)
		}
		last = v.Number
		if v.Capability != "" && !v.Capability.Valid() {
			add("validation.tool_capability", v.Capability, "must be write, read or none")
		}
		if strings.TrimSpace(v.Round1.InitialMessage) == "" || strings.TrimSpace(v.Round2.InitialMessage) == "" {
			add("validation", v.Number, "both rounds need an initial message")
		}
	}

	if p.Polish != nil {
		if p.Polish.ParallelGroup != "" {
			add("polish_stage.parallel_group", p.Polish.ParallelGroup, "polish stage runs alone")
		}
		checkStage("polish_stage", *p.Polish)
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}
