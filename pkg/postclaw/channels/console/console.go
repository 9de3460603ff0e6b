// Package console implements the channels.Channel interface over an
// interactive terminal REPL. Used by `postclaw chat` for local dry runs:
// same assistant pipeline, no Telegram credentials needed.
package console

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chzyer/readline"

	"github.com/jholhewres/postclaw/pkg/postclaw/channels"
	"github.com/jholhewres/postclaw/pkg/postclaw/scheduler"
)

// operatorID is the fixed user/chat ID of the terminal operator.
const operatorID = "console"

var _ channels.Channel = (*Console)(nil)

// Console is a terminal-backed operator channel. It also implements
// scheduler.Publisher, printing scheduled posts instead of delivering them.
type Console struct {
	logger   *slog.Logger
	messages chan *channels.IncomingMessage

	connected atomic.Bool
	lastMsg   atomic.Value // time.Time

	rl *readline.Instance

	published   map[string]string
	publishedMu sync.Mutex

	seq atomic.Int64
}

// New creates a console channel.
func New(logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	return &Console{
		logger:    logger.With("component", "console"),
		messages:  make(chan *channels.IncomingMessage, 16),
		published: make(map[string]string),
	}
}

// Name returns "console".
func (c *Console) Name() string { return "console" }

// Connect starts the readline loop.
func (c *Console) Connect(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "вы> ",
		InterruptPrompt: "^C",
	})
	if err != nil {
		return fmt.Errorf("console: init readline: %w", err)
	}
	c.rl = rl
	c.connected.Store(true)

	go c.readLoop(ctx)
	return nil
}

// Disconnect closes the terminal.
func (c *Console) Disconnect() error {
	c.connected.Store(false)
	if c.rl != nil {
		c.rl.Close()
	}
	return nil
}

// Send prints the assistant reply.
func (c *Console) Send(ctx context.Context, to string, message *channels.OutgoingMessage) error {
	if !c.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	fmt.Printf("\npostclaw> %s\n\n", message.Content)
	return nil
}

// Receive returns the incoming messages channel.
func (c *Console) Receive() <-chan *channels.IncomingMessage {
	return c.messages
}

// IsConnected reports whether the REPL is running.
func (c *Console) IsConnected() bool { return c.connected.Load() }

// Health returns the channel health status.
func (c *Console) Health() channels.HealthStatus {
	var lastAt time.Time
	if v := c.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	return channels.HealthStatus{Connected: c.connected.Load(), LastMessageAt: lastAt}
}

func (c *Console) readLoop(ctx context.Context) {
	defer close(c.messages)

	for {
		line, err := c.rl.Readline()
		if err != nil { // io.EOF on Ctrl-D, readline.ErrInterrupt on Ctrl-C
			if err == readline.ErrInterrupt {
				continue
			}
			if err != io.EOF {
				c.logger.Warn("console: read error", "error", err)
			}
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return
		}

		now := time.Now()
		c.lastMsg.Store(now)

		msg := &channels.IncomingMessage{
			ID:        strconv.FormatInt(c.seq.Add(1), 10),
			Channel:   c.Name(),
			From:      operatorID,
			FromName:  "operator",
			ChatID:    operatorID,
			Content:   line,
			Timestamp: now,
		}
		select {
		case c.messages <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// ---------- Publisher ----------

var _ scheduler.Publisher = (*Console)(nil)

// Publish prints the post instead of delivering it anywhere.
func (c *Console) Publish(ctx context.Context, job scheduler.Job) (string, error) {
	c.publishedMu.Lock()
	defer c.publishedMu.Unlock()
	if confirmation, done := c.published[job.ID]; done {
		return confirmation, nil
	}

	fmt.Printf("\n── публикация в %s ──\n%s\n──────────────────────\n\n", job.ChannelID, job.Body)
	confirmation := "console-" + job.ID
	c.published[job.ID] = confirmation
	return confirmation, nil
}

// Confirm answers from the in-process publish record.
func (c *Console) Confirm(ctx context.Context, job scheduler.Job) (string, bool, error) {
	c.publishedMu.Lock()
	defer c.publishedMu.Unlock()
	if confirmation, done := c.published[job.ID]; done {
		return confirmation, true, nil
	}
	return "", false, nil
}
