package tui

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/Iron-Ham/stagehand/internal/event"
	"github.com/Iron-Ham/stagehand/internal/progress"
	"github.com/Iron-Ham/stagehand/internal/util"
)

// DefaultWidth bounds rendered lines when the terminal width is unknown.
const DefaultWidth = 100

// LineRenderer writes one styled line per lifecycle event.
type LineRenderer struct {
	mu    sync.Mutex
	w     io.Writer
	theme Theme
	width int
}

// NewLineRenderer creates a LineRenderer writing to w. width <= 0 uses
// DefaultWidth.
func NewLineRenderer(w io.Writer, width int) *LineRenderer {
	if width <= 0 {
		width = DefaultWidth
	}
	return &LineRenderer{w: w, theme: NewTheme(w), width: width}
}

// Attach subscribes the renderer to every event on bus and returns a
// function that removes the subscription.
func (r *LineRenderer) Attach(bus *event.Bus) func() {
	id := bus.SubscribeAll(r.Handle)
	return func() { bus.Unsubscribe(id) }
}

// Handle renders e. Events without a line are ignored.
func (r *LineRenderer) Handle(e event.Event) {
	line := r.Line(e)
	if line == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.w, util.Truncate(line, r.width))
}

// Line formats e, or returns "" for events that are not shown.
func (r *LineRenderer) Line(e event.Event) string {
	t := r.theme
	switch ev := e.(type) {
	case event.PlanReadyEvent:
		line := fmt.Sprintf("%s %s (v%d, %d stages)", t.Title.Render("plan"), ev.Title, ev.Version, ev.Stages)
		if ev.ContinuationID != "" {
			line += t.Muted.Render(" session " + ev.ContinuationID)
		}
		return line
	case event.JobStartedEvent:
		line := fmt.Sprintf("%s %s %s", t.Title.Render("job"), ev.JobID, t.Bold.Render(ev.Title))
		if ev.ResumeFrom > 0 {
			line += t.Muted.Render(fmt.Sprintf(" resuming at stage %d", ev.ResumeFrom))
		}
		return line
	case event.CohortStartedEvent:
		if len(ev.Stages) < 2 {
			return ""
		}
		return t.Muted.Render(fmt.Sprintf("  group %s: stages %s in parallel", ev.Group, joinInts(ev.Stages)))
	case event.StageStartedEvent:
		name := ev.Name
		if ev.Label != "" && ev.Label != ev.Name {
			name += " (" + ev.Label + ")"
		}
		return fmt.Sprintf("  %s %d %s", t.Running.Render(statusIcon(progress.StatusRunning)), ev.Stage, name)
	case event.StageCompletedEvent:
		status := progress.Status(ev.Status)
		detail := util.OneLine(ev.Summary)
		if ev.Error != "" {
			detail = ev.Error
		}
		line := fmt.Sprintf("  %s %d %s %s", t.StatusStyle(status).Render(statusIcon(status)), ev.Stage, ev.Name,
			t.Muted.Render(fmt.Sprintf("%.1fs", ev.DurationSeconds)))
		if ev.TimedOut {
			line += " " + t.Warning.Render("timed out")
		}
		if detail != "" {
			line += " " + t.Muted.Render(detail)
		}
		return line
	case event.ArtifactCreatedEvent:
		return t.Muted.Render("    + " + ev.Path)
	case event.JobErrorEvent:
		return t.Error.Render(fmt.Sprintf("error at stage %d: %s", ev.Stage, ev.Message))
	case event.JobCompletedEvent:
		status := progress.Status(ev.Status)
		return fmt.Sprintf("%s %s %s", t.Title.Render("job"), t.StatusStyle(status).Render(ev.Status),
			t.Muted.Render(fmt.Sprintf("in %.1fs", ev.DurationSeconds)))
	}
	return ""
}

func joinInts(ns []int) string {
	parts := make([]string, len(ns))
	for i, n := range ns {
		parts[i] = fmt.Sprint(n)
	}
	return strings.Join(parts, ", ")
}
