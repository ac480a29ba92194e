package jobctl

import (
	"context"
	"fmt"
	"strings"

	"github.com/Iron-Ham/stagehand/internal/errors"
	"github.com/Iron-Ham/stagehand/internal/event"
	"github.com/Iron-Ham/stagehand/internal/plan"
	"github.com/Iron-Ham/stagehand/internal/worker"
)

// PlannerLabel names planner invocations in logs and errors.
const PlannerLabel = "planner"

const plannerRole = `# Role

You are a pipeline planner. Given a user's writing prompt in any language:

1. Detect the genre.
2. Design a complete pipeline of writing stages.
3. Output a single JSON object conforming to the schema below.

Write all prose in the same language as the user's prompt. Stage instructions are written in English.`

const plannerGuidelines = `## Guidelines

### Stages
- Each stage has a number (execution order), a name (machine id), a display_name, instructions (a thorough directive for the worker) and an initial_message (the task input; reference the target with {{.ArtifactRoot}}).
- context_reads lists the sections a stage needs (empty means all); context_writes lists the sections it produces. The stage summary is merged into the first of them.
- Stages that may run at the same time share a parallel_group. Members of a group must be adjacent.
- Set summarize_artifacts with a summary_section on stages that write chapters so later stages keep continuity.
- tool_capability is "write" for stages that create files, "read" for read-only stages and "none" for pure text.

### Context Sections
- Declare meaningful names in context_sections, for example concept, characters, plot_architecture, act1_summary.
- The section "structure" is reserved and always available. Do not declare it.

### File Paths
- Provide file_paths with folder names in the content language. Common keys: planning_prefix, chapters_prefix, overview_file.

### Validation and Polish
- Include a validation object: round1 checks consistency and fixes problems, round2 verifies the fixes. Round 2 continues round 1's session.
- Include a polish_stage for final indexing and a README.

## Output Format

Output ONLY the JSON object. If you must use a code fence, use a json fence and nothing outside it.`

const sourceBlock = `## Source Artifact

You have read-only access to the existing artifact root %q. Inspect its structure and content and base the pipeline on it.
Set source_artifact to %q and action_type to one of rewrite, continue, revise or review.`

// plannerDirective builds the planner's system prompt with the plan schema
// embedded.
func plannerDirective(source string) (string, error) {
	schema, err := plan.JSONSchema()
	if err != nil {
		return "", fmt.Errorf("failed to build plan schema: %w", err)
	}
	parts := []string{
		plannerRole,
		"## Plan JSON Schema\n\n```json\n" + schema + "\n```",
		plannerGuidelines,
	}
	if source != "" {
		parts = append(parts, fmt.Sprintf(sourceBlock, source, source))
	}
	return strings.Join(parts, "\n\n"), nil
}

func planMessage(prompt string) string {
	return fmt.Sprintf("Design a complete writing pipeline for this prompt.\n\nUser prompt: %q\n\nOutput the plan JSON.", prompt)
}

func reviseMessage(feedback string) string {
	return fmt.Sprintf("The user wants you to revise the plan. Here is their feedback:\n\n%q\n\nOutput the revised plan JSON.", feedback)
}

// Plan asks the planner for a plan. The planner is run a second time when
// its output holds no valid plan. source, when set, is an existing artifact
// root the planner may read.
func (c *Controller) Plan(ctx context.Context, prompt, source string) (*plan.Plan, string, error) {
	directive, err := plannerDirective(source)
	if err != nil {
		return nil, "", err
	}
	req := worker.Request{
		Prompt:       planMessage(prompt),
		Instructions: directive,
		Capability:   plan.CapabilityNone,
		Timeout:      c.cfg.PlannerTimeout,
		MaxTurns:     c.cfg.PlannerMaxTurns,
		Label:        PlannerLabel,
	}
	if source != "" {
		req.Capability = plan.CapabilityRead
	}

	log := c.logger.WithPhase("planning")
	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		p, handle, err := c.askPlanner(ctx, req)
		if err == nil {
			if source != "" && p.SourceArtifact == "" {
				p.SourceArtifact = source
			}
			c.cfg.Bus.Publish(event.NewPlanReadyEvent(p.Title, p.Version, len(p.Stages), handle))
			log.Info("plan ready", "title", p.Title, "stages", len(p.Stages), "attempt", attempt)
			return p, handle, nil
		}
		if !errors.Is(err, errors.ErrPlanInvalid) {
			return nil, "", err
		}
		lastErr = err
		log.Warn("planner output held no valid plan", "attempt", attempt, "error", err.Error())
	}
	return nil, "", lastErr
}

// RevisePlan continues the planner session continuationID with feedback.
// The returned plan's version follows prev's when prev is given.
func (c *Controller) RevisePlan(ctx context.Context, prev *plan.Plan, feedback, continuationID string) (*plan.Plan, string, error) {
	if continuationID == "" {
		return nil, "", errors.Wrap(errors.ErrNoContinuation, "revise plan")
	}
	req := worker.Request{
		Prompt:             reviseMessage(feedback),
		Capability:         plan.CapabilityNone,
		Timeout:            c.cfg.PlannerTimeout,
		MaxTurns:           c.cfg.PlannerMaxTurns,
		ContinuationHandle: continuationID,
		Label:              PlannerLabel,
	}
	if prev != nil && prev.SourceArtifact != "" {
		req.Capability = plan.CapabilityRead
	}
	p, handle, err := c.askPlanner(ctx, req)
	if err != nil {
		return nil, "", err
	}
	if prev != nil {
		p = prev.NextVersion(p)
	}
	c.cfg.Bus.Publish(event.NewPlanReadyEvent(p.Title, p.Version, len(p.Stages), handle))
	c.logger.WithPhase("planning").Info("plan revised", "title", p.Title, "version", p.Version)
	return p, handle, nil
}

func (c *Controller) askPlanner(ctx context.Context, req worker.Request) (*plan.Plan, string, error) {
	res, err := c.cfg.Runner.Run(ctx, req)
	if err != nil {
		return nil, "", err
	}
	if res.TimedOut {
		return nil, "", errors.NewTimeoutError("planning", req.Timeout)
	}
	p, err := plan.ParseOutput(res.FullOutput)
	if err != nil {
		return nil, "", err
	}
	p.ApplyDefaults(c.cfg.DefaultTimeout)
	if err := p.Validate(); err != nil {
		return nil, "", errors.NewValidationError("planner produced an invalid plan").WithCause(errors.Join(errors.ErrPlanInvalid, err))
	}
	return p, res.ContinuationHandle, nil
}
