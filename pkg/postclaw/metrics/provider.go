// Package metrics provides channel statistics snapshots. Metrics are advisory
// context for post generation and operator digests; drafting and scheduling
// never block on them, and every failure here is non-fatal to callers.
package metrics

import (
	"context"
	"time"
)

// Snapshot is one point-in-time view of a channel's numbers.
type Snapshot struct {
	ChannelID   string
	Subscribers int
	// AvgViews is the mean view count over the recently visible posts.
	AvgViews int
	// AvgReactions is the mean reaction count over the same posts; 0 when
	// the channel hides reactions.
	AvgReactions int
	// EngagementRate is AvgViews/Subscribers, 0 when subscribers are unknown.
	EngagementRate float64
	FetchedAt      time.Time
}

// Post is one public post observed on the channel page.
type Post struct {
	Text  string
	Views int
	Date  time.Time
	URL   string
}

// Provider fetches channel metrics from some backing source.
type Provider interface {
	Fetch(ctx context.Context, channelID string) (Snapshot, error)
}
