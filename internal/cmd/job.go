package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/stagehand/internal/plan"
)

var executeCmd = &cobra.Command{
	Use:   "execute [plan-file]",
	Short: "Run a plan as a job",
	Long: `Run a plan file as a new job. With --resume the job's stored plan and
progress are reused and execution restarts at the first stage that did not
complete; the plan file is then optional.

Examples:
  stagehand execute plan.json --prompt "A lighthouse mystery"
  stagehand execute --resume 3f2a...`,
	Args: cobra.MaximumNArgs(1),
	RunE: runExecute,
}

var runCmd = &cobra.Command{
	Use:   "run <prompt>",
	Short: "Plan and execute in one step",
	Long: `Ask the planner for a plan and execute it immediately. With --resume the
prompt is optional and the stored plan of that job is resumed instead.`,
	RunE: runRun,
}

var (
	executeResume string
	executePrompt string
	runResume     string
)

func init() {
	executeCmd.Flags().StringVar(&executeResume, "resume", "", "job ID to resume")
	executeCmd.Flags().StringVar(&executePrompt, "prompt", "", "user prompt shared with every stage")
	runCmd.Flags().StringVar(&runResume, "resume", "", "job ID to resume")

	rootCmd.AddCommand(executeCmd, runCmd)
}

func runExecute(cmd *cobra.Command, args []string) error {
	var p *plan.Plan
	switch {
	case len(args) == 1:
		loaded, err := plan.Load(args[0])
		if err != nil {
			return err
		}
		p = loaded
	case executeResume == "":
		return fmt.Errorf("a plan file is required unless --resume is given")
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	jobID, err := a.present(cmd, func(ctx context.Context) (string, error) {
		return a.ctl.Execute(ctx, p, executePrompt, executeResume)
	})
	return a.finish(cmd, jobID, err)
}

func runRun(cmd *cobra.Command, args []string) error {
	prompt := strings.Join(args, " ")
	if prompt == "" && runResume == "" {
		return fmt.Errorf("a prompt is required unless --resume is given")
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	jobID, err := a.present(cmd, func(ctx context.Context) (string, error) {
		return a.ctl.Run(ctx, prompt, runResume)
	})
	return a.finish(cmd, jobID, err)
}

// finish reports where the job lives and how to resume it.
func (a *app) finish(cmd *cobra.Command, jobID string, err error) error {
	if jobID == "" || resolveFormat(a.cfg.Output.Format, cmd.OutOrStdout()) == formatJSON {
		return err
	}
	w := cmd.ErrOrStderr()
	fmt.Fprintf(w, "job: %s\n", jobID)
	if err != nil {
		fmt.Fprintf(w, "resume with: stagehand execute --resume %s\n", jobID)
	}
	return err
}
