// Package memory implements the contextual memory store for PostClaw.
// Every draft, published post, operator edit, and channel style analysis is
// indexed as an append-only record and retrieved by text relevance with
// recency as the tie-break. The interpreter uses it for style context; the
// session manager uses it when regenerating drafts in a channel's voice.
package memory

import (
	"context"
	"time"
)

// Kind classifies a memory record.
type Kind string

const (
	KindDraft     Kind = "draft"
	KindPublished Kind = "published"
	KindFeedback  Kind = "feedback"
	KindStyle     Kind = "style"
	KindFact      Kind = "fact"
)

// Record is an indexed historical artifact. Records are immutable after
// creation; retention policy is out of scope.
type Record struct {
	ID        int64
	ChannelID string
	Kind      Kind
	Content   string
	Outcome   string
	CreatedAt time.Time
}

// Store defines the memory persistence interface.
type Store interface {
	// Index appends a record. Fails only on storage errors.
	Index(ctx context.Context, rec Record) error

	// Search returns up to limit records matching the query, ranked by text
	// relevance with recency as tie-break, most relevant first. An empty
	// channelScope searches all channels. Repeated identical queries against
	// an unchanged store return the same ordering.
	Search(ctx context.Context, query, channelScope string, limit int) ([]Record, error)

	// Recent returns the newest records for a channel scope, newest first.
	Recent(ctx context.Context, channelScope string, limit int) ([]Record, error)

	Close() error
}
