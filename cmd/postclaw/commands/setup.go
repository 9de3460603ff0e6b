package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jholhewres/postclaw/pkg/postclaw/assistant"
)

// newSetupCmd creates the `postclaw setup` command for interactive
// configuration.
func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Starts an interactive wizard that creates the initial config.yaml.
Asks for the assistant name, target channel, API endpoint and credentials.
Secrets go to the OS keyring when available, never to the config file.

Examples:
  postclaw setup`,
		RunE: runSetup,
	}
}

func runSetup(_ *cobra.Command, _ []string) error {
	cfg := assistant.DefaultConfig()
	if cfg.API.BaseURL == "" {
		cfg.API.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.API.Model == "" {
		cfg.API.Model = "gpt-4o-mini"
	}

	var (
		apiKey     string
		botToken   string
		ownerID    string
		useKeyring = assistant.KeyringAvailable()
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Assistant name").
				Value(&cfg.Name),
			huh.NewInput().
				Title("Target Telegram channel").
				Description("The channel the assistant publishes to, e.g. @technews.").
				Placeholder("@technews").
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("channel is required")
					}
					return nil
				}).
				Value(&cfg.Channel),
			huh.NewInput().
				Title("Your Telegram user ID").
				Description("Only this account may talk to the bot. Empty allows everyone.").
				Validate(func(s string) error {
					s = strings.TrimSpace(s)
					if s == "" {
						return nil
					}
					if _, err := strconv.ParseInt(s, 10, 64); err != nil {
						return fmt.Errorf("must be a numeric ID")
					}
					return nil
				}).
				Value(&ownerID),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("API base URL").
				Description("OpenAI-compatible endpoint.").
				Value(&cfg.API.BaseURL),
			huh.NewInput().
				Title("Model").
				Value(&cfg.API.Model),
			huh.NewInput().
				Title("API key").
				EchoMode(huh.EchoModePassword).
				Value(&apiKey),
			huh.NewInput().
				Title("Telegram bot token").
				Description("From @BotFather.").
				EchoMode(huh.EchoModePassword).
				Value(&botToken),
		),
	)

	if err := form.Run(); err != nil {
		return fmt.Errorf("setup aborted: %w", err)
	}

	if ownerID = strings.TrimSpace(ownerID); ownerID != "" {
		id, _ := strconv.ParseInt(ownerID, 10, 64)
		cfg.Telegram.AllowedUsers = []int64{id}
	}

	// Secrets: keyring when available, env-var advice otherwise. The config
	// file itself never carries them.
	if useKeyring {
		if apiKey != "" {
			if err := assistant.StoreKeyring("api_key", apiKey); err != nil {
				return fmt.Errorf("store API key: %w", err)
			}
		}
		if botToken != "" {
			if err := assistant.StoreKeyring("bot_token", botToken); err != nil {
				return fmt.Errorf("store bot token: %w", err)
			}
		}
	}

	path := assistant.DefaultConfigPath()
	if err := writeConfig(path, cfg); err != nil {
		return err
	}

	fmt.Println()
	fmt.Printf("Configuration written to %s\n", path)
	if useKeyring {
		fmt.Println("Credentials stored in the OS keyring.")
	} else if apiKey != "" || botToken != "" {
		fmt.Println("No OS keyring available. Export the credentials instead:")
		if apiKey != "" {
			fmt.Println("  export POSTCLAW_API_KEY=...")
		}
		if botToken != "" {
			fmt.Println("  export POSTCLAW_BOT_TOKEN=...")
		}
	}
	fmt.Println()
	fmt.Println("Try it out:  postclaw chat")
	fmt.Println("Go live:     postclaw serve")
	return nil
}

// writeConfig marshals the config to YAML at path, creating the directory.
func writeConfig(path string, cfg *assistant.Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
