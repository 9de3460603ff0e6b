package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jholhewres/postclaw/pkg/postclaw/assistant"
)

// newConfigCmd creates the `postclaw config` command.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
		Long: `Inspect the resolved PostClaw configuration.

Examples:
  postclaw config show
  postclaw config path`,
	}

	cmd.AddCommand(
		newConfigShowCmd(),
		newConfigPathCmd(),
	)

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the resolved configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}

			// Never print credentials, only whether they resolved.
			if cfg.API.APIKey != "" {
				cfg.API.APIKey = "<set>"
			}
			if cfg.Telegram.Token != "" {
				cfg.Telegram.Token = "<set>"
			}

			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			fmt.Print(string(data))
			return nil
		},
	}
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the default configuration path",
		RunE: func(_ *cobra.Command, _ []string) error {
			fmt.Println(assistant.DefaultConfigPath())
			return nil
		},
	}
}
