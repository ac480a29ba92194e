package cmd

import (
	"context"
	"io"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Iron-Ham/stagehand/internal/event"
	"github.com/Iron-Ham/stagehand/internal/tui"
)

// Output formats.
const (
	formatAuto = "auto"
	formatText = "text"
	formatJSON = "json"
	formatTUI  = "tui"
)

// resolveFormat turns "auto" into tui on a terminal and text otherwise.
func resolveFormat(format string, w io.Writer) string {
	if format != formatAuto && format != "" {
		return format
	}
	if isTerminal(w) {
		return formatTUI
	}
	return formatText
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func terminalWidth(w io.Writer) int {
	if f, ok := w.(*os.File); ok {
		if width, _, err := term.GetSize(int(f.Fd())); err == nil {
			return width
		}
	}
	return tui.DefaultWidth
}

// present runs job while rendering bus events in the configured format.
// In the live view, quitting the view cancels the job.
func (a *app) present(cmd *cobra.Command, job func(context.Context) (string, error)) (string, error) {
	out := cmd.OutOrStdout()
	switch resolveFormat(a.cfg.Output.Format, out) {
	case formatJSON:
		sink := event.NewJSONLSink(out)
		defer a.bus.Unsubscribe(sink.Attach(a.bus))
		return job(cmd.Context())
	case formatTUI:
		return a.presentLive(cmd.Context(), out, job)
	default:
		defer tui.NewLineRenderer(out, terminalWidth(out)).Attach(a.bus)()
		return job(cmd.Context())
	}
}

func (a *app) presentLive(ctx context.Context, out io.Writer, job func(context.Context) (string, error)) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	live := tui.NewLive(a.bus, tui.NewTheme(out), tea.WithOutput(out), tea.WithContext(ctx))

	type result struct {
		id  string
		err error
	}
	done := make(chan result, 1)
	go func() {
		id, err := job(ctx)
		done <- result{id, err}
		live.Quit()
	}()

	if err := live.Run(); err != nil && ctx.Err() == nil {
		a.logger.Warn("live view stopped", "error", err.Error())
	}
	// The view ends on job completion or when the user quits it.
	cancel()
	r := <-done
	return r.id, r.err
}
