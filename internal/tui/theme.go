// Package tui renders job activity in the terminal: a line-per-event text
// renderer, a progress document table and a live bubbletea view.
package tui

import (
	"io"

	"github.com/charmbracelet/lipgloss"

	"github.com/Iron-Ham/stagehand/internal/progress"
)

var (
	primaryColor = lipgloss.Color("#A78BFA")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#F87171")
	mutedColor   = lipgloss.Color("#9CA3AF")
	runningColor = lipgloss.Color("#60A5FA")
)

// Theme is the set of styles bound to one output renderer. Styles from a
// renderer writing to a non-terminal carry no escape codes.
type Theme struct {
	Title   lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Running lipgloss.Style
	Bold    lipgloss.Style
}

// NewTheme builds a Theme for w.
func NewTheme(w io.Writer) Theme {
	r := lipgloss.NewRenderer(w)
	return Theme{
		Title:   r.NewStyle().Bold(true).Foreground(primaryColor),
		Muted:   r.NewStyle().Foreground(mutedColor),
		Success: r.NewStyle().Foreground(successColor),
		Warning: r.NewStyle().Foreground(warningColor),
		Error:   r.NewStyle().Foreground(errorColor),
		Running: r.NewStyle().Foreground(runningColor),
		Bold:    r.NewStyle().Bold(true),
	}
}

// StatusStyle picks the style for a stage or job status.
func (t Theme) StatusStyle(s progress.Status) lipgloss.Style {
	switch s {
	case progress.StatusCompleted:
		return t.Success
	case progress.StatusRunning:
		return t.Running
	case progress.StatusFailed:
		return t.Error
	case progress.StatusCancelled:
		return t.Warning
	}
	return t.Muted
}

// statusIcon is the one-rune marker shown before a stage.
func statusIcon(s progress.Status) string {
	switch s {
	case progress.StatusCompleted:
		return "✓"
	case progress.StatusRunning:
		return "●"
	case progress.StatusFailed:
		return "✗"
	case progress.StatusCancelled:
		return "⊘"
	}
	return "○"
}
