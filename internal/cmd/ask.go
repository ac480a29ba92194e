package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/stagehand/internal/jobctl"
	"github.com/Iron-Ham/stagehand/internal/worker"
)

var askCmd = &cobra.Command{
	Use:   "ask <prompt>",
	Short: "Send one prompt to a worker outside any pipeline",
	Long: `Run a single worker invocation with the artifact tools, without a plan,
shared context or progress. Read tools only unless --writable is given.
Pass the session ID printed by --json (or on stderr) to --resume to continue
the conversation.

Examples:
  stagehand ask "List my jobs"
  stagehand ask --job 3f2a... "Which chapters exist?"
  stagehand ask --job 3f2a... --writable "Create notes.md"
  stagehand ask --resume sess_abc "Go on"
  stagehand ask --json "Hello"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

var (
	askJob      string
	askWritable bool
	askResume   string
	askSystem   string
	askJSON     bool
	askTimeout  time.Duration
)

func init() {
	askCmd.Flags().StringVarP(&askJob, "job", "j", "", "artifact root the worker works on")
	askCmd.Flags().BoolVarP(&askWritable, "writable", "w", false, "allow creating and editing artifacts")
	askCmd.Flags().StringVarP(&askResume, "resume", "r", "", "session ID to continue")
	askCmd.Flags().StringVar(&askSystem, "system-prompt", "", "extra instructions for the worker")
	askCmd.Flags().BoolVar(&askJSON, "json", false, "print a JSON object with the session ID")
	askCmd.Flags().DurationVar(&askTimeout, "timeout", jobctl.DefaultAskTimeout, "deadline for the invocation")

	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.ctl.Ask(cmd.Context(), jobctl.AskRequest{
		Prompt:             strings.Join(args, " "),
		Root:               askJob,
		Writable:           askWritable,
		Instructions:       askSystem,
		ContinuationHandle: askResume,
		Timeout:            askTimeout,
	})
	if err != nil {
		return err
	}
	if askJSON {
		return writeAskJSON(cmd.OutOrStdout(), res)
	}
	if res.ContinuationHandle != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "session: %s\n", res.ContinuationHandle)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), res.FullOutput)
	return err
}

type askPayload struct {
	SessionID string  `json:"session_id"`
	Result    string  `json:"result"`
	NumTurns  int     `json:"num_turns"`
	CostUSD   float64 `json:"cost_usd"`
	Duration  float64 `json:"duration_s"`
	TimedOut  bool    `json:"timed_out,omitempty"`
}

func writeAskJSON(w io.Writer, res *worker.Result) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(askPayload{
		SessionID: res.ContinuationHandle,
		Result:    res.FullOutput,
		NumTurns:  res.TurnsUsed,
		CostUSD:   res.CostEstimate,
		Duration:  math.Round(res.Duration.Seconds()*100) / 100,
		TimedOut:  res.TimedOut,
	})
}
