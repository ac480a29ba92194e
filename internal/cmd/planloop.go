package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/stagehand/internal/errors"
	"github.com/Iron-Ham/stagehand/internal/plan"
)

var planLoopCmd = &cobra.Command{
	Use:   "plan-loop <prompt>",
	Short: "Generate a plan and revise it interactively until approved",
	Long: `Ask the planner for a plan, show a summary and read feedback from stdin.
Each line of feedback revises the plan in the same planner session; "approve"
(or ok, yes, y) accepts it. The approved plan is printed, or written to a
file with --out.

Examples:
  stagehand plan-loop "A locked-room mystery"
  stagehand plan-loop --source 3f2a... -o plan.yaml "Rewrite this as a novella"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPlanLoop,
}

var (
	loopOut    string
	loopFormat string
	loopSource string
)

var approveWords = []string{"approve", "approved", "ok", "yes", "y"}

func init() {
	planLoopCmd.Flags().StringVarP(&loopOut, "out", "o", "", "write the approved plan to this file")
	planLoopCmd.Flags().StringVar(&loopFormat, "format", "", "plan encoding: json or yaml")
	planLoopCmd.Flags().StringVar(&loopSource, "source", "", "existing artifact root the planner may read")

	rootCmd.AddCommand(planLoopCmd)
}

// planReviser is the part of the job controller the loop drives.
type planReviser interface {
	Plan(ctx context.Context, prompt, source string) (*plan.Plan, string, error)
	RevisePlan(ctx context.Context, prev *plan.Plan, feedback, continuationID string) (*plan.Plan, string, error)
}

func runPlanLoop(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := planLoop(cmd.Context(), a.ctl, strings.Join(args, " "), loopSource, cmd.InOrStdin(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	return emitPlan(cmd.OutOrStdout(), p, loopOut, loopFormat)
}

// planLoop plans, then revises with each feedback line read from in until
// an approval word. Summaries and prompts go to w. End of input before an
// approval cancels the loop.
func planLoop(ctx context.Context, r planReviser, prompt, source string, in io.Reader, w io.Writer) (*plan.Plan, error) {
	fmt.Fprintln(w, "Generating initial plan...")
	p, session, err := r.Plan(ctx, prompt, source)
	if err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(in)
	for {
		writePlanSummary(w, p)
		fmt.Fprint(w, "Enter feedback to revise, or 'approve' to accept:\n> ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return nil, err
			}
			fmt.Fprintln(w)
			return nil, errors.Wrap(errors.ErrCanceled, "plan not approved")
		}
		feedback := strings.TrimSpace(scanner.Text())
		switch {
		case feedback == "":
			continue
		case slices.Contains(approveWords, strings.ToLower(feedback)):
			fmt.Fprintln(w, "Plan approved.")
			return p, nil
		}

		fmt.Fprintf(w, "Revising plan (v%d)...\n", p.Version+1)
		next, nextSession, err := r.RevisePlan(ctx, p, feedback, session)
		if err != nil {
			return nil, err
		}
		p, session = next, nextSession
	}
}

func writePlanSummary(w io.Writer, p *plan.Plan) {
	fmt.Fprintf(w, "\n===== Plan v%d =====\n", p.Version)
	fmt.Fprintf(w, "  Title:  %s\n", p.Title)
	if p.Genre != "" {
		fmt.Fprintf(w, "  Genre:  %s\n", p.Genre)
	}
	if p.ActionType != "" {
		fmt.Fprintf(w, "  Action: %s\n", p.ActionType)
	}
	fmt.Fprintf(w, "  Stages: %d\n", len(p.Stages))
	for _, st := range p.Stages {
		fmt.Fprintf(w, "    %d. %s (%s)\n", st.Number, st.Label(), st.Name)
	}
	if v := p.Validation; v != nil {
		fmt.Fprintf(w, "    %d. Validation (R1+R2)\n", v.Number)
	}
	if pol := p.Polish; pol != nil {
		fmt.Fprintf(w, "    %d. %s\n", pol.Number, pol.Label())
	}
	fmt.Fprintln(w)
}
