package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/stagehand/internal/plan"
)

var planCmd = &cobra.Command{
	Use:   "plan <prompt>",
	Short: "Ask the planner for a pipeline plan",
	Long: `Ask the planner for a pipeline plan and print it, or write it to a file
with --out. The planner session ID is printed to stderr; pass it to
"stagehand revise --session" to refine the plan.

Examples:
  stagehand plan "A mystery about a lighthouse keeper who vanishes"
  stagehand plan -o plan.yaml "..."
  stagehand plan --source 3f2a... "Rewrite this in the second person"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPlan,
}

var reviseCmd = &cobra.Command{
	Use:   "revise <feedback>",
	Short: "Revise a plan in its planner session",
	Long: `Continue a planner session with feedback and print the revised plan.
With --plan the previous plan file is read so the revision gets the next
version number; with --out the result is written back to a file.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRevise,
}

var validateCmd = &cobra.Command{
	Use:   "validate <plan-file>",
	Short: "Check a plan file for structural errors",
	Long: `Check a plan file (JSON or YAML) for ordering, naming, group contiguity
and section reference errors. The exit code is non-zero when the plan is
invalid.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

var (
	planOut    string
	planFormat string
	planSource string
	reviseID   string
	revisePrev string
	reviseOut  string
	reviseFmt  string
)

func init() {
	planCmd.Flags().StringVarP(&planOut, "out", "o", "", "write the plan to this file")
	planCmd.Flags().StringVar(&planFormat, "format", "", "plan encoding: json or yaml (default from --out extension, else json)")
	planCmd.Flags().StringVar(&planSource, "source", "", "existing artifact root the planner may read")

	reviseCmd.Flags().StringVar(&reviseID, "session", "", "planner session ID from a previous plan or revise")
	reviseCmd.Flags().StringVar(&revisePrev, "plan", "", "previous plan file")
	reviseCmd.Flags().StringVarP(&reviseOut, "out", "o", "", "write the revised plan to this file")
	reviseCmd.Flags().StringVar(&reviseFmt, "format", "", "plan encoding: json or yaml")
	_ = reviseCmd.MarkFlagRequired("session")

	rootCmd.AddCommand(planCmd, reviseCmd, validateCmd)
}

func runPlan(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	p, session, err := a.ctl.Plan(cmd.Context(), strings.Join(args, " "), planSource)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "session: %s\n", session)
	return emitPlan(cmd.OutOrStdout(), p, planOut, planFormat)
}

func runRevise(cmd *cobra.Command, args []string) error {
	var prev *plan.Plan
	if revisePrev != "" {
		p, err := plan.Load(revisePrev)
		if err != nil {
			return err
		}
		prev = p
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	p, session, err := a.ctl.RevisePlan(cmd.Context(), prev, strings.Join(args, " "), reviseID)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "session: %s\n", session)
	return emitPlan(cmd.OutOrStdout(), p, reviseOut, reviseFmt)
}

// emitPlan writes p to path, or prints it to w when path is empty.
func emitPlan(w io.Writer, p *plan.Plan, path, format string) error {
	if path != "" {
		if format != "" && plan.Format(format) != plan.FormatFor(path) {
			return fmt.Errorf("--format %s does not match %s", format, path)
		}
		if err := plan.Save(p, path); err != nil {
			return err
		}
		fmt.Fprintf(w, "Plan %q (v%d, %d stages) saved to %s\n", p.Title, p.Version, len(p.Stages), path)
		return nil
	}
	f := plan.FormatJSON
	if format != "" {
		f = plan.Format(format)
	}
	data, err := plan.Marshal(p, f)
	if err != nil {
		return err
	}
	_, err = w.Write(append(data, '\n'))
	return err
}

func runValidate(cmd *cobra.Command, args []string) error {
	p, err := plan.Load(args[0])
	if err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}
	cohorts := p.Cohorts()
	fmt.Fprintf(cmd.OutOrStdout(), "%s: valid (%d stages in %d cohorts)\n", args[0], len(p.Stages), len(cohorts))
	return nil
}
