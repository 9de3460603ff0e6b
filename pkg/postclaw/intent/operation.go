// Package intent classifies free-text operator instructions into structured
// edit operations. Deterministic pattern rules run first in a fixed priority
// order; anything they cannot resolve goes to the completion service as a
// bounded fallback, and any fallback failure degrades to Unknown so the
// caller always receives a usable value.
package intent

import "time"

// OpKind tags an EditOperation variant.
type OpKind string

const (
	OpReplaceToken OpKind = "replace_token"
	OpRegenerate   OpKind = "regenerate"
	OpSetSchedule  OpKind = "set_schedule"
	OpCancel       OpKind = "cancel"
	OpUnknown      OpKind = "unknown"
)

// EditOperation is the structured outcome of interpretation. Only the fields
// of the tagged variant are meaningful; the rest stay zero. Immutable once
// produced.
type EditOperation struct {
	Kind OpKind

	// ReplaceToken: replace the first occurrence of From with To.
	From string
	To   string

	// Regenerate: optional free-text instruction guiding the rewrite.
	Instruction string

	// SetSchedule: resolved publication time.
	At time.Time

	// Raw carries the original instruction text for Unknown (and is set on
	// every operation for logging).
	Raw string
}

// DraftContext is what the interpreter sees of the session at classification
// time. Body is used to resolve replacement targets against the actual text;
// Scheduling widens time parsing to bare "18:00" forms, which would otherwise
// be false positives on numeric content.
type DraftContext struct {
	ChannelID  string
	Body       string
	Scheduling bool
}
