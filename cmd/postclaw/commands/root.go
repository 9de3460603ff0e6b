// Package commands implements the PostClaw CLI commands using cobra.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jholhewres/postclaw/pkg/postclaw/assistant"
)

// NewRootCmd creates the root CLI command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "postclaw",
		Short: "PostClaw - Telegram SMM assistant",
		Long: `PostClaw is an SMM assistant that runs your Telegram channel:
drafts posts, applies conversational edits, schedules publications
and learns your channel's style over time.

Examples:
  postclaw setup
  postclaw serve
  postclaw chat
  postclaw schedule list`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newChatCmd(),
		newScheduleCmd(),
		newSetupCmd(),
		newConfigCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

// resolveConfig loads the config from the --config flag or the default
// location, pointing the user at `postclaw setup` when neither exists.
func resolveConfig(cmd *cobra.Command) (*assistant.Config, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")
	if configPath == "" {
		configPath = assistant.DefaultConfigPath()
	}

	if _, err := os.Stat(configPath); err != nil {
		return nil, fmt.Errorf("no configuration at %s — run 'postclaw setup' first", configPath)
	}

	cfg, err := assistant.LoadConfigFromFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}
