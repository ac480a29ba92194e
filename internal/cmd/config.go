package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/stagehand/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or modify stagehand configuration",
	Long: `View or modify stagehand configuration.

Without arguments, displays the effective configuration. Values come from
defaults, the config file, a .env file and STAGEHAND_* environment variables,
in increasing priority.`,
	RunE: runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value in the config file",
	Long: `Set a configuration value in the user's config file. Keys use dot
notation, for example:
  stagehand config set scheduler.partial_success halt
  stagehand config set worker.max_turns 80
  stagehand config set artifacts.backend remote`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration to the config file",
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

func init() {
	configCmd.AddCommand(configSetCmd, configInitCmd, configPathCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	settings := viper.AllSettings()
	if a, ok := settings["artifacts"].(map[string]any); ok {
		if tok, _ := a["api_token"].(string); tok != "" {
			a["api_token"] = "********"
		}
	}
	delete(settings, "config")

	out := cmd.OutOrStdout()
	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintf(out, "# config file: %s\n", used)
	} else {
		fmt.Fprintln(out, "# config file: (none, using defaults)")
	}
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(settings); err != nil {
		return err
	}
	return enc.Close()
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, raw := args[0], args[1]
	if !viper.IsSet(key) {
		return fmt.Errorf("unknown configuration key: %s", key)
	}

	var value any = raw
	switch viper.Get(key).(type) {
	case int:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("invalid value for %s: expected integer", key)
		}
		value = n
	case bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("invalid value for %s: expected true or false", key)
		}
		value = b
	case []string, []any:
		return fmt.Errorf("%s is a list; edit %s directly", key, config.ConfigFile())
	}

	viper.Set(key, value)
	if _, err := config.Load(); err != nil {
		return err
	}
	if err := writeConfigFile(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %v\n", key, value)
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := config.ConfigFile()
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := writeConfigFile(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created config file at %s\n", path)
	return nil
}

func writeConfigFile() error {
	if err := os.MkdirAll(config.ConfigDir(), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := viper.WriteConfigAs(config.ConfigFile()); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintf(out, "Active config: %s\n", used)
	} else {
		fmt.Fprintf(out, "Default path: %s (not created)\n", config.ConfigFile())
	}
	fmt.Fprintln(out, "\nSearch paths:")
	fmt.Fprintf(out, "  1. %s\n", config.ConfigFile())
	fmt.Fprintln(out, "  2. ./config.yaml")
	fmt.Fprintln(out, "\nEnvironment variables: STAGEHAND_* (e.g. STAGEHAND_SCHEDULER_PARTIAL_SUCCESS)")
	return nil
}
