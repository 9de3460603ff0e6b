package intent

import (
	"context"
	"errors"
	"testing"
	"time"
)

type stubClassifier struct {
	response string
	err      error
	delay    time.Duration
	calls    int
}

func (s *stubClassifier) Classify(ctx context.Context, instruction, draftBody string, history []string) (string, error) {
	s.calls++
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return s.response, s.err
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

var testNow = time.Date(2026, 8, 15, 12, 0, 0, 0, time.Local)

func TestInterpretReplaceEmoji(t *testing.T) {
	t.Parallel()

	interp := New(Options{Now: fixedClock(testNow)})

	op := interp.Interpret(context.Background(), "вместо сердечка поставь огонек", DraftContext{
		Body: "Новый пост ❤️",
	})

	if op.Kind != OpReplaceToken {
		t.Fatalf("kind = %q, want %q", op.Kind, OpReplaceToken)
	}
	if op.From != "❤️" || op.To != "🔥" {
		t.Errorf("replace = %q → %q, want ❤️ → 🔥", op.From, op.To)
	}
}

func TestInterpretReplaceZameni(t *testing.T) {
	t.Parallel()

	interp := New(Options{Now: fixedClock(testNow)})

	tests := []struct {
		name     string
		text     string
		body     string
		from, to string
	}{
		{"emoji both sides", "замени звезду на ракету", "Запуск ⭐ сегодня", "⭐", "🚀"},
		{"literal words", "замени скидка на акция", "Большая скидка!", "скидка", "акция"},
		{"heart family variant", "вместо сердечка вставь молнию", "Отлично 💜", "💜", "⚡"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			op := interp.Interpret(context.Background(), tt.text, DraftContext{Body: tt.body})
			if op.Kind != OpReplaceToken {
				t.Fatalf("kind = %q, want %q", op.Kind, OpReplaceToken)
			}
			if op.From != tt.from || op.To != tt.to {
				t.Errorf("replace = %q → %q, want %q → %q", op.From, op.To, tt.from, tt.to)
			}
		})
	}
}

func TestInterpretReplaceMissingToken(t *testing.T) {
	t.Parallel()

	// The named emoji is absent from the draft, so the rule must not fire;
	// without a classifier the result is Unknown.
	interp := New(Options{Now: fixedClock(testNow)})

	op := interp.Interpret(context.Background(), "вместо сердечка поставь огонек", DraftContext{
		Body: "Пост без эмодзи",
	})
	if op.Kind != OpUnknown {
		t.Errorf("kind = %q, want %q", op.Kind, OpUnknown)
	}
	if op.Raw != "вместо сердечка поставь огонек" {
		t.Errorf("raw text not preserved: %q", op.Raw)
	}
}

func TestInterpretCancel(t *testing.T) {
	t.Parallel()

	interp := New(Options{Now: fixedClock(testNow)})

	for _, text := range []string{"отмена", "отмени публикацию", "стоп", "/cancel"} {
		op := interp.Interpret(context.Background(), text, DraftContext{Body: "Пост"})
		if op.Kind != OpCancel {
			t.Errorf("%q: kind = %q, want %q", text, op.Kind, OpCancel)
		}
	}
}

func TestInterpretSchedule(t *testing.T) {
	t.Parallel()

	interp := New(Options{Now: fixedClock(testNow)})

	tests := []struct {
		name string
		text string
		want time.Time
	}{
		{
			"explicit time today",
			"запланируй на 18:00",
			time.Date(2026, 8, 15, 18, 0, 0, 0, time.Local),
		},
		{
			"tomorrow morning",
			"опубликуй завтра в 9:30",
			time.Date(2026, 8, 16, 9, 30, 0, 0, time.Local),
		},
		{
			"relative minutes",
			"опубликуй через 15 минут",
			testNow.Add(15 * time.Minute),
		},
		{
			"past time rolls to tomorrow",
			"запланируй на 9:00",
			time.Date(2026, 8, 16, 9, 0, 0, 0, time.Local),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			op := interp.Interpret(context.Background(), tt.text, DraftContext{Body: "Пост"})
			if op.Kind != OpSetSchedule {
				t.Fatalf("kind = %q, want %q", op.Kind, OpSetSchedule)
			}
			if !op.At.Equal(tt.want) {
				t.Errorf("at = %v, want %v", op.At, tt.want)
			}
		})
	}
}

func TestInterpretScheduleWithoutTime(t *testing.T) {
	t.Parallel()

	interp := New(Options{Now: fixedClock(testNow)})

	// A schedule keyword with no parseable time still claims the
	// instruction; the zero At tells the state machine to ask for one.
	op := interp.Interpret(context.Background(), "запланируй публикацию", DraftContext{Body: "Пост"})
	if op.Kind != OpSetSchedule {
		t.Fatalf("kind = %q, want %q", op.Kind, OpSetSchedule)
	}
	if !op.At.IsZero() {
		t.Errorf("at = %v, want zero", op.At)
	}
}

func TestInterpretBareTimeOnlyWhileScheduling(t *testing.T) {
	t.Parallel()

	interp := New(Options{Now: fixedClock(testNow)})

	op := interp.Interpret(context.Background(), "18:00", DraftContext{Body: "Пост", Scheduling: true})
	if op.Kind != OpSetSchedule {
		t.Fatalf("scheduling state: kind = %q, want %q", op.Kind, OpSetSchedule)
	}

	op = interp.Interpret(context.Background(), "18:00", DraftContext{Body: "Пост"})
	if op.Kind == OpSetSchedule {
		t.Error("bare time outside scheduling must not resolve to a schedule")
	}
}

func TestInterpretRegenerate(t *testing.T) {
	t.Parallel()

	interp := New(Options{Now: fixedClock(testNow)})

	op := interp.Interpret(context.Background(), "перепиши повеселее", DraftContext{Body: "Пост"})
	if op.Kind != OpRegenerate {
		t.Fatalf("kind = %q, want %q", op.Kind, OpRegenerate)
	}
	if op.Instruction != "перепиши повеселее" {
		t.Errorf("instruction = %q", op.Instruction)
	}
}

func TestInterpretRulesIgnoreClassifier(t *testing.T) {
	t.Parallel()

	// A matching rule must never consult the fallback, whatever its state.
	classifier := &stubClassifier{err: errors.New("service down")}
	interp := New(Options{Classifier: classifier, Now: fixedClock(testNow)})

	op := interp.Interpret(context.Background(), "вместо сердечка поставь огонек", DraftContext{
		Body: "Новый пост ❤️",
	})
	if op.Kind != OpReplaceToken {
		t.Fatalf("kind = %q, want %q", op.Kind, OpReplaceToken)
	}
	if classifier.calls != 0 {
		t.Errorf("classifier called %d times for a rule match", classifier.calls)
	}
}

func TestInterpretFallback(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		response string
		err      error
		want     OpKind
	}{
		{
			"structured replace",
			`{"operation":"replace_token","from":"цену","to":"стоимость"}`,
			nil, OpReplaceToken,
		},
		{
			"fenced regenerate",
			"```json\n{\"operation\":\"regenerate\",\"instruction\":\"короче\"}\n```",
			nil, OpRegenerate,
		},
		{"malformed json", "not json at all", nil, OpUnknown},
		{"empty response", "", nil, OpUnknown},
		{"service error", "", errors.New("boom"), OpUnknown},
		{"unknown operation", `{"operation":"delete_everything"}`, nil, OpUnknown},
		{"replace missing fields", `{"operation":"replace_token","from":"x"}`, nil, OpUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			interp := New(Options{
				Classifier: &stubClassifier{response: tt.response, err: tt.err},
				Now:        fixedClock(testNow),
			})
			op := interp.Interpret(context.Background(), "сделай что-нибудь необычное", DraftContext{Body: "Пост"})
			if op.Kind != tt.want {
				t.Errorf("kind = %q, want %q", op.Kind, tt.want)
			}
			if op.Kind == OpUnknown && op.Raw != "сделай что-нибудь необычное" {
				t.Errorf("unknown must preserve raw text, got %q", op.Raw)
			}
		})
	}
}

func TestInterpretFallbackTimeout(t *testing.T) {
	t.Parallel()

	interp := New(Options{
		Classifier: &stubClassifier{response: `{"operation":"cancel"}`, delay: time.Second},
		Timeout:    20 * time.Millisecond,
		Now:        fixedClock(testNow),
	})

	start := time.Now()
	op := interp.Interpret(context.Background(), "сделай красиво", DraftContext{Body: "Пост"})
	if op.Kind != OpUnknown {
		t.Errorf("kind = %q, want %q after timeout", op.Kind, OpUnknown)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("interpret blocked for %v, timeout not enforced", elapsed)
	}
}

func TestInterpretDeterministic(t *testing.T) {
	t.Parallel()

	interp := New(Options{Now: fixedClock(testNow)})
	draft := DraftContext{Body: "Новый пост ❤️ и ⭐"}

	first := interp.Interpret(context.Background(), "вместо сердечка поставь огонек", draft)
	for n := 0; n < 20; n++ {
		again := interp.Interpret(context.Background(), "вместо сердечка поставь огонек", draft)
		if again != first {
			t.Fatalf("iteration %d: %+v != %+v", n, again, first)
		}
	}
}
