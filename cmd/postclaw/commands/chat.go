package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jholhewres/postclaw/pkg/postclaw/assistant"
	"github.com/jholhewres/postclaw/pkg/postclaw/channels/console"
)

// newChatCmd creates the `postclaw chat` command: the full assistant
// pipeline over a local terminal REPL instead of Telegram.
func newChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Talk to the assistant in the terminal",
		Long: `Run the assistant interactively in the terminal. Drafting, edits and
scheduling all work; scheduled posts are printed instead of published,
so this is a safe way to try instructions before going live.

Type /quit to exit.

Examples:
  postclaw chat`,
		RunE: runChat,
	}
}

func runChat(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	logger := newLogger(cmd, cfg)

	// The console is both the operator channel and the publisher: posts
	// land in the terminal, not in the Telegram channel.
	con := console.New(logger)

	a, err := assistant.New(cfg, con, con, logger)
	if err != nil {
		return fmt.Errorf("assemble assistant: %w", err)
	}
	defer a.Close()

	fmt.Printf("%s готов. Напишите тему поста, /help для справки, /quit для выхода.\n\n", cfg.Name)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	return a.Run(ctx)
}
