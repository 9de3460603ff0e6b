// Package assistant wires the PostClaw subsystems together: configuration,
// storage, interpreter, session manager, scheduler, and the operator
// channel. The cmd layer only parses flags and hands control here.
package assistant

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jholhewres/postclaw/pkg/postclaw/channels/telegram"
	"github.com/jholhewres/postclaw/pkg/postclaw/llm"
)

// Duration wraps time.Duration so YAML configs can say "30s" or "15m".
type Duration time.Duration

// UnmarshalYAML parses Go duration strings.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML emits the duration string form ("30s", "15m").
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// SchedulerConfig tunes the publication driver.
type SchedulerConfig struct {
	PollInterval Duration `yaml:"poll_interval"`
	BaseBackoff  Duration `yaml:"base_backoff"`
	MaxBackoff   Duration `yaml:"max_backoff"`
	MaxAttempts  int      `yaml:"max_attempts"`
}

// IntentConfig tunes the interpreter.
type IntentConfig struct {
	// EmojiTablePath optionally overrides the built-in emoji name table.
	EmojiTablePath string `yaml:"emoji_table"`

	FallbackTimeout Duration `yaml:"fallback_timeout"`
	HistoryLimit    int      `yaml:"history_limit"`
}

// SessionConfig tunes session lifecycle.
type SessionConfig struct {
	TTL Duration `yaml:"ttl"`
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "text"
}

// Config is the root PostClaw configuration.
type Config struct {
	// Name is the assistant's display name.
	Name string `yaml:"name"`

	// Channel is the default target Telegram channel for publications
	// (e.g. "@technews").
	Channel string `yaml:"channel"`

	// DatabasePath locates the SQLite file.
	DatabasePath string `yaml:"database_path"`

	API       llm.Config      `yaml:"api"`
	Telegram  telegram.Config `yaml:"telegram"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Intent    IntentConfig    `yaml:"intent"`
	Session   SessionConfig   `yaml:"session"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DefaultConfig returns a Config with working defaults for everything but
// credentials.
func DefaultConfig() *Config {
	return &Config{
		Name:         "PostClaw",
		DatabasePath: "postclaw.db",
		Telegram:     telegram.DefaultConfig(),
		Scheduler: SchedulerConfig{
			PollInterval: Duration(5 * time.Second),
			BaseBackoff:  Duration(30 * time.Second),
			MaxBackoff:   Duration(15 * time.Minute),
			MaxAttempts:  5,
		},
		Intent: IntentConfig{
			FallbackTimeout: Duration(10 * time.Second),
			HistoryLimit:    5,
		},
		Session: SessionConfig{TTL: Duration(24 * time.Hour)},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// LoadConfigFromFile reads a YAML config, loading .env files first and
// expanding ${VAR} references before parsing. Secrets resolve through the
// keyring/env chain afterwards.
func LoadConfigFromFile(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	resolveSecrets(cfg)

	if !filepath.IsAbs(cfg.DatabasePath) {
		cfg.DatabasePath = filepath.Join(filepath.Dir(path), cfg.DatabasePath)
	}
	return cfg, nil
}

// DefaultConfigPath is ~/.postclaw/config.yaml, falling back to the working
// directory when the home dir is unknown.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".postclaw", "config.yaml")
}

// loadEnvFiles loads .env from the working directory and ~/.postclaw,
// silently skipping missing files.
func loadEnvFiles() {
	_ = godotenv.Load()
	if home, err := os.UserHomeDir(); err == nil {
		_ = godotenv.Load(filepath.Join(home, ".postclaw", ".env"))
	}
}

// resolveSecrets fills empty credentials from the keyring and environment.
func resolveSecrets(cfg *Config) {
	if cfg.API.APIKey == "" {
		cfg.API.APIKey = ResolveSecret(keyringAPIKey, "POSTCLAW_API_KEY", "OPENAI_API_KEY")
	}
	if cfg.Telegram.Token == "" {
		cfg.Telegram.Token = ResolveSecret(keyringBotToken, "POSTCLAW_BOT_TOKEN", "TELEGRAM_BOT_TOKEN")
	}
}
