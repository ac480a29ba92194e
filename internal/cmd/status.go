package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/stagehand/internal/errors"
	"github.com/Iron-Ham/stagehand/internal/jobctl"
	"github.com/Iron-Ham/stagehand/internal/progress"
	"github.com/Iron-Ham/stagehand/internal/tui"
)

var statusCmd = &cobra.Command{
	Use:   "status <job>",
	Short: "Show a job's progress",
	Long: `Display the progress document of a job: the status of every stage and
where a resume would start. With --watch the display follows the local
progress mirror until interrupted.`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List recent jobs",
	RunE:  runJobs,
}

var (
	statusWatch bool
	jobsLimit   int
)

func init() {
	statusCmd.Flags().BoolVarP(&statusWatch, "watch", "w", false, "follow progress until interrupted")
	jobsCmd.Flags().IntVarP(&jobsLimit, "limit", "n", 20, "number of jobs to list (0 for all)")
	rootCmd.AddCommand(statusCmd, jobsCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	jobID := args[0]
	out := cmd.OutOrStdout()
	show := func(doc *progress.Document) {
		if resolveFormat(a.cfg.Output.Format, out) == formatJSON {
			_ = json.NewEncoder(out).Encode(doc)
			return
		}
		if statusWatch && isTerminal(out) {
			fmt.Fprint(out, "\x1b[H\x1b[2J")
		}
		_ = tui.RenderStatus(out, doc, terminalWidth(out))
	}

	if statusWatch {
		path := a.progressFile(jobID)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		return progress.Watch(cmd.Context(), path, 200*time.Millisecond, show)
	}

	doc, err := a.loadProgress(cmd.Context(), jobID)
	if err != nil {
		return err
	}
	show(doc)
	if lock, alive := jobctl.IsLocked(a.stateDir); alive && lock.JobID == jobID {
		fmt.Fprintf(out, "\nrunning in PID %d since %s\n", lock.PID, lock.StartedAt.Local().Format(time.DateTime))
	}
	return nil
}

// loadProgress prefers the local mirror and falls back to the store.
func (a *app) loadProgress(ctx context.Context, jobID string) (*progress.Document, error) {
	doc, err := progress.LoadFile(a.progressFile(jobID))
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, errors.ErrNotFound) && !os.IsNotExist(err) {
		a.logger.Warn("progress mirror unreadable", "job_id", jobID, "error", err.Error())
	}
	return progress.Load(ctx, a.store, jobID)
}

func runJobs(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()
	if a.index == nil {
		return fmt.Errorf("job index is unavailable; see the log in %s", a.stateDir)
	}

	jobs, err := a.index.List(cmd.Context(), jobsLimit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if resolveFormat(a.cfg.Output.Format, out) == formatJSON {
		return json.NewEncoder(out).Encode(jobs)
	}
	if len(jobs) == 0 {
		fmt.Fprintln(out, "No jobs yet")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tSTARTED\tTITLE")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", j.ID, j.Status, j.StartedAt.Local().Format(time.DateTime), j.Title)
	}
	return tw.Flush()
}
