package tui

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/Iron-Ham/stagehand/internal/progress"
	"github.com/Iron-Ham/stagehand/internal/util"
)

// RenderStatus writes a progress document as a table.
func RenderStatus(w io.Writer, doc *progress.Document, width int) error {
	if width <= 0 {
		width = DefaultWidth
	}
	t := NewTheme(w)

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", t.Title.Render(doc.Pipeline), t.Muted.Render(doc.JobID))
	fmt.Fprintf(&b, "status: %s", t.StatusStyle(doc.Status).Render(string(doc.Status)))
	if next := doc.NextStage(); next >= 0 && doc.Status != progress.StatusCompleted {
		fmt.Fprintf(&b, "  next: %d", next)
	}
	b.WriteString("\n\n")

	nameWidth := 4
	for _, r := range doc.Records {
		nameWidth = max(nameWidth, lipgloss.Width(r.Name))
	}
	for _, r := range doc.Records {
		icon := t.StatusStyle(r.Status).Render(statusIcon(r.Status))
		line := fmt.Sprintf("%s %3d  %-*s  %-9s", icon, r.Number, nameWidth, r.Name, r.Status)
		if r.Duration > 0 {
			line += "  " + r.Duration.Round(time.Second).String()
		}
		if r.Notes != "" {
			line += "  " + t.Muted.Render(r.Notes)
		}
		b.WriteString(util.Truncate(line, width))
		b.WriteByte('\n')
	}
	_, err := io.WriteString(w, b.String())
	return err
}
