package assistant

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jholhewres/postclaw/pkg/postclaw/channels"
	"github.com/jholhewres/postclaw/pkg/postclaw/database"
	"github.com/jholhewres/postclaw/pkg/postclaw/intent"
	"github.com/jholhewres/postclaw/pkg/postclaw/llm"
	"github.com/jholhewres/postclaw/pkg/postclaw/memory"
	"github.com/jholhewres/postclaw/pkg/postclaw/metrics"
	"github.com/jholhewres/postclaw/pkg/postclaw/scheduler"
	"github.com/jholhewres/postclaw/pkg/postclaw/session"
)

// Assistant is the assembled PostClaw runtime.
type Assistant struct {
	cfg    *Config
	logger *slog.Logger

	db       *sql.DB
	memory   memory.Store
	llm      *llm.Client
	sessions *session.Manager
	sched    *scheduler.Scheduler
	channel  channels.Channel
	metrics  metrics.Provider

	// maintenance runs session pruning on a schedule.
	maintenance *cron.Cron
}

// New assembles an Assistant over the given operator channel and publisher.
// The channel delivers operator instructions; the publisher posts scheduled
// publications (in production both are the same Telegram binding).
func New(cfg *Config, channel channels.Channel, publisher scheduler.Publisher, logger *slog.Logger) (*Assistant, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "assistant")

	db, err := database.Open(cfg.DatabasePath, logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store, err := memory.NewSQLiteStore(db, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init memory store: %w", err)
	}

	client := llm.New(cfg.API, logger)

	emojiTable := intent.DefaultEmojiTable()
	if cfg.Intent.EmojiTablePath != "" {
		emojiTable, err = intent.LoadEmojiTable(cfg.Intent.EmojiTablePath)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("load emoji table: %w", err)
		}
	}

	interp := intent.New(intent.Options{
		Emoji:        emojiTable,
		Classifier:   client,
		Memory:       store,
		Timeout:      cfg.Intent.FallbackTimeout.Std(),
		HistoryLimit: cfg.Intent.HistoryLimit,
		Logger:       logger,
	})

	sched := scheduler.New(
		scheduler.NewSQLiteStorage(db),
		publisher,
		scheduler.Options{
			PollInterval: cfg.Scheduler.PollInterval.Std(),
			BaseBackoff:  cfg.Scheduler.BaseBackoff.Std(),
			MaxBackoff:   cfg.Scheduler.MaxBackoff.Std(),
			MaxAttempts:  cfg.Scheduler.MaxAttempts,
		},
		logger,
	)

	sessions := session.NewManager(interp, client, store, sched, cfg.Session.TTL.Std(), logger)

	a := &Assistant{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		memory:   store,
		llm:      client,
		sessions: sessions,
		sched:    sched,
		channel:  channel,
		metrics:  metrics.NewTMEProvider(logger),
	}
	sched.SetDraftSource(a)
	return a, nil
}

// Run connects the channel, starts the scheduler and maintenance cron, and
// processes operator messages until ctx is cancelled.
func (a *Assistant) Run(ctx context.Context) error {
	if err := a.channel.Connect(ctx); err != nil {
		return fmt.Errorf("connect channel: %w", err)
	}
	defer a.channel.Disconnect()

	if err := a.sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer a.sched.Stop()

	a.maintenance = cron.New()
	if _, err := a.maintenance.AddFunc("@hourly", func() { a.sessions.Prune() }); err != nil {
		return fmt.Errorf("register maintenance: %w", err)
	}
	a.maintenance.Start()
	defer a.maintenance.Stop()

	a.logger.Info("assistant running",
		"name", a.cfg.Name, "channel", a.channel.Name(), "target", a.cfg.Channel)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-a.channel.Receive():
			if !ok {
				return nil
			}
			// Session lanes serialize same-user work; distinct users proceed
			// concurrently.
			go a.handleMessage(ctx, msg)
		case ev, ok := <-a.sched.Events():
			if !ok {
				continue
			}
			a.handleOutcome(ctx, ev)
		}
	}
}

// Close releases storage. Call after Run returns.
func (a *Assistant) Close() error {
	a.memory.Close()
	return a.db.Close()
}

// handleMessage routes one operator instruction and replies.
func (a *Assistant) handleMessage(ctx context.Context, msg *channels.IncomingMessage) {
	text := strings.TrimSpace(msg.Content)
	if text == "" {
		return
	}

	var reply string
	switch {
	case text == "/start" || text == "/help":
		reply = a.helpText()
	case text == "/stats":
		reply = a.statsText(ctx)
	case strings.HasPrefix(text, "/"):
		reply = "не знаю такую команду, /help покажет что я умею"
	default:
		reply = a.handleInstruction(ctx, msg.From, text)
	}

	if reply == "" {
		return
	}
	if err := a.channel.Send(ctx, msg.ChatID, &channels.OutgoingMessage{
		Content: reply,
		ReplyTo: msg.ID,
	}); err != nil {
		a.logger.Error("reply failed", "chat", msg.ChatID, "error", err)
	}
}

// handleInstruction runs the interpret+apply pipeline. An Idle session
// treats free text as a new post topic; anything else goes through the
// interpreter against the active draft.
func (a *Assistant) handleInstruction(ctx context.Context, userID, text string) string {
	sess := a.sessions.GetOrCreate(userID)
	if sess.State() == session.StateIdle {
		res := a.sessions.StartDraft(ctx, userID, a.cfg.Channel, text)
		if !res.Accepted {
			return res.Reason
		}
		return fmt.Sprintf("Черновик готов (v%d):\n\n%s\n\nПравьте текст или скажите, когда публиковать.", res.Draft.Version, res.Draft.Body)
	}

	res := a.sessions.Handle(ctx, userID, text)
	return a.formatResult(res)
}

func (a *Assistant) formatResult(res session.Result) string {
	if !res.Accepted {
		return res.Reason
	}

	switch {
	case res.State == session.StateIdle:
		return res.Reason // cancel confirmation
	case res.State == session.StateScheduling:
		return res.Reason // time prompt
	case res.State == session.StateScheduled:
		return fmt.Sprintf("Запланировано ✅ (задача %s)", res.JobID)
	case res.Draft != nil:
		return fmt.Sprintf("Готово (v%d):\n\n%s", res.Draft.Version, res.Draft.Body)
	}
	return "Готово"
}

// handleOutcome notifies sessions and the operator channel about a finished
// publication.
func (a *Assistant) handleOutcome(ctx context.Context, ev scheduler.Event) {
	a.sessions.HandleOutcome(ctx, ev)

	var text string
	if ev.Kind == scheduler.EventDelivered {
		text = fmt.Sprintf("Пост опубликован в %s ✅", ev.ChannelID)
	} else {
		text = fmt.Sprintf("Не удалось опубликовать пост в %s после %d попыток: %s", ev.ChannelID, ev.Attempts, ev.Error)
	}

	if err := a.channel.Send(ctx, ev.SessionID, &channels.OutgoingMessage{Content: text}); err != nil {
		a.logger.Warn("outcome notification failed", "user", ev.SessionID, "error", err)
	}
}

// ComposePost implements scheduler.DraftSource for recurring schedules.
func (a *Assistant) ComposePost(ctx context.Context, channelID, topic string) (scheduler.Snapshot, error) {
	style := a.styleFromMemory(ctx, channelID, topic)
	body, err := a.llm.GeneratePost(ctx, topic, style)
	if err != nil {
		return scheduler.Snapshot{}, err
	}
	return scheduler.Snapshot{
		ChannelID:    channelID,
		Body:         body,
		DraftVersion: 1,
	}, nil
}

func (a *Assistant) styleFromMemory(ctx context.Context, channelID, topic string) string {
	records, err := a.memory.Search(ctx, "стиль "+topic, channelID, 3)
	if err != nil || len(records) == 0 {
		return ""
	}
	parts := make([]string, 0, len(records))
	for _, rec := range records {
		parts = append(parts, rec.Content)
	}
	return strings.Join(parts, "\n")
}

func (a *Assistant) helpText() string {
	return strings.TrimSpace(`
Я веду ваш Telegram-канал.

Напишите тему — сделаю черновик поста. Дальше:
• «замени X на Y» или «вместо X поставь Y» — точечная правка
• «перепиши повеселее» — переписать черновик
• «запланируй на 18:00», «опубликуй завтра в 9:30» — публикация
• «отмена» — выбросить черновик или снять публикацию

/stats — статистика канала`)
}

func (a *Assistant) statsText(ctx context.Context) string {
	if a.cfg.Channel == "" {
		return "канал не настроен"
	}

	fetchCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	snap, err := a.metrics.Fetch(fetchCtx, a.cfg.Channel)
	if err != nil {
		a.logger.Warn("metrics fetch failed", "channel", a.cfg.Channel, "error", err)
		return "не удалось получить статистику, попробуйте позже"
	}
	return fmt.Sprintf("Канал %s:\n• подписчики: %d\n• средние просмотры: %d\n• вовлечённость: %.1f%%",
		snap.ChannelID, snap.Subscribers, snap.AvgViews, snap.EngagementRate*100)
}
