// Package intent – emoji.go maps natural-language emoji names to literal
// symbols for replacement rules. The built-in table covers the names
// operators actually use; deployments can extend or override it from a YAML
// file referenced in the config.
package intent

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// EmojiTable resolves emoji names found inside instruction text. Names are
// matched as substrings (so "сердечка" matches the "сердечк" entry) with
// longer names tried first for determinism.
type EmojiTable struct {
	// Names maps a name stem to the symbol it produces.
	Names map[string]string `yaml:"names"`

	// Families maps a name stem to every symbol variant that counts as a
	// match when resolving the "from" side against a draft body. An operator
	// saying "сердечко" means whichever heart the draft actually contains.
	Families map[string][]string `yaml:"families"`

	// ordered caches Names keys sorted longest-first.
	ordered []string
}

// DefaultEmojiTable returns the built-in name table.
func DefaultEmojiTable() *EmojiTable {
	t := &EmojiTable{
		Names: map[string]string{
			"сердечк":  "💖",
			"сердц":    "❤️",
			"огонек":   "🔥",
			"огонёк":   "🔥",
			"огон":     "🔥",
			"звезд":    "⭐",
			"звёзд":    "🌟",
			"солнц":    "☀️",
			"радуг":    "🌈",
			"цветочек": "🌸",
			"цвет":     "🌸",
			"роз":      "🌹",
			"ракет":    "🚀",
			"молни":    "⚡",
			"галочк":   "✅",
		},
		Families: map[string][]string{
			"сердечк": heartVariants,
			"сердц":   heartVariants,
		},
	}
	t.reindex()
	return t
}

var heartVariants = []string{
	"💖", "❤️", "💕", "💗", "💓", "💘", "🩷", "🧡", "💛", "💚", "💙", "💜", "🖤", "🤍", "🤎",
}

// LoadEmojiTable reads a YAML table from path and merges it over the
// defaults. Entries in the file win on name collision.
func LoadEmojiTable(path string) (*EmojiTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read emoji table: %w", err)
	}

	var override EmojiTable
	if err := yaml.Unmarshal(data, &override); err != nil {
		return nil, fmt.Errorf("parse emoji table: %w", err)
	}

	t := DefaultEmojiTable()
	for name, symbol := range override.Names {
		t.Names[name] = symbol
	}
	for name, variants := range override.Families {
		t.Families[name] = variants
	}
	t.reindex()
	return t, nil
}

func (t *EmojiTable) reindex() {
	t.ordered = make([]string, 0, len(t.Names))
	for name := range t.Names {
		t.ordered = append(t.ordered, name)
	}
	// Longest first so "огонек" wins over "огон"; lexicographic break keeps
	// equal-length ordering stable.
	sort.Slice(t.ordered, func(i, j int) bool {
		a, b := t.ordered[i], t.ordered[j]
		if len(a) != len(b) {
			return len(a) > len(b)
		}
		return a < b
	})
}

// ResolveTo converts an emoji name in the "to" side of a replacement into its
// symbol. Non-emoji text passes through unchanged.
func (t *EmojiTable) ResolveTo(text string) string {
	lower := strings.ToLower(text)
	for _, name := range t.ordered {
		if strings.Contains(lower, name) {
			return t.Names[name]
		}
	}
	return text
}

// ResolveFrom converts an emoji name in the "from" side into the symbol the
// draft actually contains. Family names match any listed variant present in
// the body; otherwise the mapped symbol must itself appear. When the name is
// not an emoji name, the text is returned verbatim for a literal replacement.
func (t *EmojiTable) ResolveFrom(text, body string) (string, bool) {
	lower := strings.ToLower(text)
	for _, name := range t.ordered {
		if !strings.Contains(lower, name) {
			continue
		}
		if variants, ok := t.Families[name]; ok {
			for _, v := range variants {
				if strings.Contains(body, v) {
					return v, true
				}
			}
		}
		if symbol := t.Names[name]; strings.Contains(body, symbol) {
			return symbol, true
		}
		// Named an emoji the draft does not contain.
		return "", false
	}
	return text, strings.Contains(body, text)
}
