package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/stagehand/internal/config"
	"github.com/Iron-Ham/stagehand/internal/errors"
)

var rootCmd = &cobra.Command{
	Use:   "stagehand",
	Short: "Plan and run multi-stage writing jobs with LLM workers",
	Long: `Stagehand turns a prompt into a staged pipeline plan and runs it: each
stage is a worker subprocess, stages in the same parallel group run together,
and a shared context carries results forward. Progress is written as a
Markdown document so an interrupted job can resume where it stopped.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. SIGINT and SIGTERM cancel the running job.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		reportError(rootCmd.ErrOrStderr(), err)
	}
	return err
}

// reportError prints err for the user. Typed errors below error severity,
// such as a cancelled job or a validation problem, are shown as warnings.
func reportError(w io.Writer, err error) {
	label := "Error"
	if errors.IsUserFacing(err) && errors.GetSeverity(err) <= errors.SeverityWarning {
		label = "Warning"
	}
	fmt.Fprintf(w, "%s: %v\n", label, err)
	if errors.IsTimeout(err) {
		fmt.Fprintln(w, "Hint: raise the stage's timeout_seconds or worker.default_timeout_seconds.")
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $XDG_CONFIG_HOME/stagehand/config.yaml)")
	rootCmd.PersistentFlags().String("output", "", "output format: auto, text, json or tui")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn or error")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("output.format", rootCmd.PersistentFlags().Lookup("output"))
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initConfig() {
	// A missing .env is normal.
	_ = godotenv.Load()

	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("STAGEHAND")
	// STAGEHAND_WORKER_MAX_TURNS maps to worker.max_turns.
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	_ = viper.ReadInConfig()
}
