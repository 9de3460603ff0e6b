// Package llm – smm.go holds the SMM-specific operations built on Complete:
// post generation, instruction-guided rewriting, and fallback intent
// classification. Prompts are Russian because that is the operator audience.
package llm

import (
	"context"
	"fmt"
	"strings"
)

// smmSystemPrompt shapes every post-writing call. Tuned against the
// AI-sounding patterns channel owners complain about.
const smmSystemPrompt = `Ты — ассистент по ведению Telegram-каналов. Пишешь посты, которые читаются как текст живого человека, не корпорации.

СТИЛЬ:
- Разговорный русский язык, обращение к читателю напрямую
- Эмодзи уместны, но не больше 1-3 на пост
- Короткие абзацы, удобные для чтения с телефона
- Конкретные цифры и факты вместо общих слов

ЗАПРЕЩЕНО:
- "знаменует новую эру", "является свидетельством", "служит примером"
- конструкции "не просто X, это Y"
- "эксперты отмечают" без конкретных имён
- пустые фразы: "в современном мире", "в наше время"
- канцелярит: "синергия", "экосистема", "парадигма"`

const classifySystemPrompt = `Ты классифицируешь инструкцию редактора поста в одну из операций. Ответь ТОЛЬКО JSON-объектом без пояснений:
{"operation": "replace_token", "from": "...", "to": "..."}
{"operation": "regenerate", "instruction": "..."}
{"operation": "set_schedule", "time": "RFC3339"}
{"operation": "cancel"}
{"operation": "unknown"}

Выбирай replace_token только если редактор явно просит заменить конкретный фрагмент текста, который присутствует в посте.`

// GeneratePost writes a fresh post on topic, optionally in the channel's
// voice via styleContext.
func (c *Client) GeneratePost(ctx context.Context, topic, styleContext string) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Напиши пост для Telegram-канала на тему: %s\n", topic)
	if styleContext != "" {
		fmt.Fprintf(&b, "\nСТИЛЬ КАНАЛА (примеры прошлых постов):\n%s\n", styleContext)
	}
	b.WriteString("\nВерни ТОЛЬКО текст поста, без комментариев и без markdown-обёрток.")

	body, err := c.Complete(ctx, smmSystemPrompt, b.String())
	if err != nil {
		return "", fmt.Errorf("generate post: %w", err)
	}
	return stripCodeFence(body), nil
}

// EditPost rewrites body per the instruction, keeping facts and tone.
func (c *Client) EditPost(ctx context.Context, body, instruction, styleContext string) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "ТЕКСТ ПОСТА:\n%s\n\nЗАПРОС: %s\n", body, instruction)
	if styleContext != "" {
		fmt.Fprintf(&b, "\nСТИЛЬ КЛИЕНТА: %s\n", styleContext)
	}
	b.WriteString(`
ПРАВИЛА:
- Работай ТОЛЬКО с текстом выше
- НЕ добавляй абзацы, которых нет в тексте
- Сохрани ключевые факты (даты, цифры, условия)
- Стиль и тон — как в оригинале

Верни ТОЛЬКО готовый текст поста, без комментариев.`)

	result, err := c.Complete(ctx, smmSystemPrompt, b.String())
	if err != nil {
		return "", fmt.Errorf("edit post: %w", err)
	}
	return stripCodeFence(result), nil
}

// Classify is the interpreter's fallback hook. Returns the model's raw
// response; the interpreter owns parsing and degrade paths.
func (c *Client) Classify(ctx context.Context, instruction, draftBody string, history []string) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "ИНСТРУКЦИЯ: %s\n\nТЕКУЩИЙ ПОСТ:\n%s\n", instruction, draftBody)
	if len(history) > 0 {
		b.WriteString("\nКОНТЕКСТ (прошлые посты и правки):\n")
		for _, h := range history {
			fmt.Fprintf(&b, "- %s\n", h)
		}
	}
	return c.Complete(ctx, classifySystemPrompt, b.String())
}

func stripCodeFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	if idx := strings.Index(text, "\n"); idx >= 0 {
		text = text[idx+1:]
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}
