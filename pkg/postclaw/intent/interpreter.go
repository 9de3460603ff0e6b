package intent

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/jholhewres/postclaw/pkg/postclaw/memory"
)

// Classifier is the completion-service hook for instructions the rule table
// cannot resolve. It returns the model's raw response; the interpreter owns
// parsing and every degrade path.
type Classifier interface {
	Classify(ctx context.Context, instruction, draftBody string, history []string) (string, error)
}

// Options configures an Interpreter. Zero values get sensible defaults.
type Options struct {
	Emoji        *EmojiTable
	Classifier   Classifier
	Memory       memory.Store
	Timeout      time.Duration
	HistoryLimit int
	Logger       *slog.Logger

	// Now overrides the clock for schedule-time resolution in tests.
	Now func() time.Time
}

// Interpreter turns raw operator text into EditOperations. Safe for
// concurrent use.
type Interpreter struct {
	emoji        *EmojiTable
	classifier   Classifier
	memory       memory.Store
	timeout      time.Duration
	historyLimit int
	logger       *slog.Logger
	now          func() time.Time
}

// New builds an Interpreter. Classifier and Memory may be nil; without them
// unmatched instructions resolve straight to Unknown.
func New(opts Options) *Interpreter {
	if opts.Emoji == nil {
		opts.Emoji = DefaultEmojiTable()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 5
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Interpreter{
		emoji:        opts.Emoji,
		classifier:   opts.Classifier,
		memory:       opts.Memory,
		timeout:      opts.Timeout,
		historyLimit: opts.HistoryLimit,
		logger:       opts.Logger.With("component", "intent"),
		now:          opts.Now,
	}
}

// Interpret classifies rawText against the current draft. It never fails:
// unresolvable input yields Unknown(rawText). Rule results are independent of
// classifier availability.
func (i *Interpreter) Interpret(ctx context.Context, rawText string, draft DraftContext) EditOperation {
	if op, ok := i.matchRules(rawText, draft, i.now()); ok {
		i.logger.Debug("rule match", "kind", op.Kind, "text", rawText)
		return op
	}

	if i.classifier == nil {
		return EditOperation{Kind: OpUnknown, Raw: rawText}
	}

	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	history := i.relevantHistory(ctx, rawText, draft.ChannelID)

	response, err := i.classifier.Classify(ctx, rawText, draft.Body, history)
	if err != nil {
		// Timeout and transport errors alike degrade; the operator can
		// simply re-issue the instruction.
		i.logger.Warn("fallback classification failed", "error", err)
		return EditOperation{Kind: OpUnknown, Raw: rawText}
	}

	op := parseClassifierResponse(response, rawText)
	i.logger.Debug("fallback classified", "kind", op.Kind, "text", rawText)
	return op
}

// relevantHistory pulls the most relevant memory records for the instruction
// so the model sees channel style and prior edits. Memory failures are
// non-fatal: classification proceeds without context.
func (i *Interpreter) relevantHistory(ctx context.Context, query, channelID string) []string {
	if i.memory == nil {
		return nil
	}
	records, err := i.memory.Search(ctx, query, channelID, i.historyLimit)
	if err != nil {
		i.logger.Debug("history lookup failed", "error", err)
		return nil
	}
	history := make([]string, 0, len(records))
	for _, rec := range records {
		history = append(history, rec.Content)
	}
	return history
}

// classifierResponse is the JSON contract the fallback prompt requests.
type classifierResponse struct {
	Operation   string `json:"operation"`
	From        string `json:"from"`
	To          string `json:"to"`
	Instruction string `json:"instruction"`
	Time        string `json:"time"`
}

var reCodeFence = regexp.MustCompile("(?s)^```[a-z]*\\s*(.*?)\\s*```$")

// parseClassifierResponse maps the model output onto an EditOperation.
// Malformed or incomplete responses degrade to Unknown.
func parseClassifierResponse(response, rawText string) EditOperation {
	text := strings.TrimSpace(response)
	if m := reCodeFence.FindStringSubmatch(text); m != nil {
		text = m[1]
	}

	var parsed classifierResponse
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return EditOperation{Kind: OpUnknown, Raw: rawText}
	}

	switch OpKind(parsed.Operation) {
	case OpReplaceToken:
		if parsed.From == "" || parsed.To == "" {
			break
		}
		return EditOperation{Kind: OpReplaceToken, From: parsed.From, To: parsed.To, Raw: rawText}
	case OpRegenerate:
		instruction := parsed.Instruction
		if instruction == "" {
			instruction = rawText
		}
		return EditOperation{Kind: OpRegenerate, Instruction: instruction, Raw: rawText}
	case OpSetSchedule:
		at, err := time.Parse(time.RFC3339, parsed.Time)
		if err != nil {
			break
		}
		return EditOperation{Kind: OpSetSchedule, At: at, Raw: rawText}
	case OpCancel:
		return EditOperation{Kind: OpCancel, Raw: rawText}
	}

	return EditOperation{Kind: OpUnknown, Raw: rawText}
}
