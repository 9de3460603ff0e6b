package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/postclaw/pkg/postclaw/assistant"
	"github.com/jholhewres/postclaw/pkg/postclaw/channels/telegram"
)

// newServeCmd creates the `postclaw serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the assistant daemon on Telegram",
		Long: `Start PostClaw as a daemon: connects the Telegram bot, recovers any
publications that were in flight before the restart, and processes
operator instructions until interrupted.

Examples:
  postclaw serve
  postclaw serve --config ./config.yaml`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	logger := newLogger(cmd, cfg)

	if cfg.Telegram.Token == "" {
		return fmt.Errorf("no Telegram bot token configured — run 'postclaw setup' or set TELEGRAM_BOT_TOKEN")
	}

	// The Telegram binding is both the operator channel and the publisher.
	tg := telegram.New(cfg.Telegram, logger)

	a, err := assistant.New(cfg, tg, tg, logger)
	if err != nil {
		return fmt.Errorf("assemble assistant: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()

	logger.Info("PostClaw running. Press Ctrl+C to stop.",
		"name", cfg.Name, "channel", cfg.Channel)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("shutdown signal received, stopping...")
		cancel()

		// Graceful shutdown with timeout.
		select {
		case <-runErr:
			logger.Info("shutdown complete")
		case <-time.After(10 * time.Second):
			logger.Warn("shutdown timed out after 10s, forcing exit")
		}
		a.Close()
		return nil
	case err := <-runErr:
		a.Close()
		return err
	}
}

// newLogger builds the slog logger from config plus the --verbose flag.
func newLogger(cmd *cobra.Command, cfg *assistant.Config) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")

	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}
