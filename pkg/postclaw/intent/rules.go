// Package intent – rules.go holds the deterministic first-pass rule table.
// Rules are evaluated in a fixed priority order (cancel, schedule, replace,
// regenerate) so overlapping patterns resolve the same way on every call.
package intent

import (
	"regexp"
	"strings"
	"time"
)

var (
	reReplaceNa     = regexp.MustCompile(`(?i)замени\s+(.+?)\s+на\s+(.+?)(?:\s*$|\s*,)`)
	reReplaceVmesto = regexp.MustCompile(`(?i)вместо\s+(.+?)\s+(?:поставь|сделай|вставь)\s+(.+?)(?:\s*$|\s*,)`)

	cancelPhrases = []string{"отмена", "отмени", "стоп", "/cancel", "cancel"}

	regeneratePhrases = []string{
		"перепиши", "переделай", "заново", "другой вариант",
		"ещё вариант", "еще вариант", "regenerate",
	}
)

// matchRules runs the rule table. The boolean reports whether any rule
// claimed the instruction.
func (i *Interpreter) matchRules(raw string, draft DraftContext, now time.Time) (EditOperation, bool) {
	lower := strings.ToLower(strings.TrimSpace(raw))
	if lower == "" {
		return EditOperation{}, false
	}

	// 1. Cancel.
	for _, phrase := range cancelPhrases {
		if lower == phrase || strings.HasPrefix(lower, phrase+" ") {
			return EditOperation{Kind: OpCancel, Raw: raw}, true
		}
	}

	// 2. Schedule. Inside a scheduling exchange bare "18:00" counts; outside
	// it a scheduling keyword is required so numeric draft talk stays out.
	if draft.Scheduling {
		if at := parseScheduleTime(lower, now, true); !at.IsZero() {
			return EditOperation{Kind: OpSetSchedule, At: at, Raw: raw}, true
		}
	} else if hasScheduleKeyword(lower) {
		// A zero At means "schedule requested, time still unknown"; the state
		// machine parks the session and asks for the time.
		at := parseScheduleTime(lower, now, false)
		return EditOperation{Kind: OpSetSchedule, At: at, Raw: raw}, true
	}

	// 3. Token replacement.
	if op, ok := i.matchReplace(raw, draft.Body); ok {
		return op, true
	}

	// 4. Regenerate.
	for _, phrase := range regeneratePhrases {
		if strings.Contains(lower, phrase) {
			return EditOperation{Kind: OpRegenerate, Instruction: strings.TrimSpace(raw), Raw: raw}, true
		}
	}

	return EditOperation{}, false
}

// matchReplace handles "замени A на B" and "вместо A поставь B", resolving
// emoji names on both sides. A replacement only fires when the resolved
// "from" token is actually present in the draft body; otherwise the
// instruction falls through to the fallback classifier.
func (i *Interpreter) matchReplace(raw, body string) (EditOperation, bool) {
	m := reReplaceNa.FindStringSubmatch(raw)
	if m == nil {
		m = reReplaceVmesto.FindStringSubmatch(raw)
	}
	if m == nil {
		return EditOperation{}, false
	}

	from, ok := i.emoji.ResolveFrom(strings.TrimSpace(m[1]), body)
	if !ok {
		return EditOperation{}, false
	}
	to := i.emoji.ResolveTo(strings.TrimSpace(m[2]))

	return EditOperation{Kind: OpReplaceToken, From: from, To: to, Raw: raw}, true
}
