// Package metrics – tme.go scrapes the public t.me/s/<username> preview
// page. Works only for public channels and needs no bot credentials, which
// is exactly what the style-analysis and digest paths want.
package metrics

import (
	"context"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const tmeBaseURL = "https://t.me/s/"

// TMEProvider implements Provider over the t.me public preview.
type TMEProvider struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

var _ Provider = (*TMEProvider)(nil)

// NewTMEProvider builds a provider with a bounded HTTP timeout.
func NewTMEProvider(logger *slog.Logger) *TMEProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &TMEProvider{
		baseURL:    tmeBaseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger.With("component", "metrics"),
	}
}

var (
	reCounter = regexp.MustCompile(`<span class="counter_value">([^<]+)</span>\s*<span class="counter_type">([^<]+)</span>`)
	reMessage = regexp.MustCompile(`(?s)<div class="tgme_widget_message_text[^"]*"[^>]*>(.*?)</div>`)
	reViews   = regexp.MustCompile(`<span class="tgme_widget_message_views">([^<]+)</span>`)
	reDate      = regexp.MustCompile(`<time[^>]*datetime="([^"]+)"`)
	rePostURL   = regexp.MustCompile(`<a class="tgme_widget_message_date" href="([^"]+)"`)
	reReactions = regexp.MustCompile(`(?s)<div class="tgme_widget_message_reactions[^"]*"[^>]*>(.*?)</div>`)
	reCount     = regexp.MustCompile(`[\d.]+[KM]?`)
	reTags      = regexp.MustCompile(`<[^>]+>`)
)

// Fetch scrapes the channel page and aggregates a Snapshot.
func (p *TMEProvider) Fetch(ctx context.Context, channelID string) (Snapshot, error) {
	page, err := p.fetchPage(ctx, channelID)
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{ChannelID: channelID, FetchedAt: time.Now()}

	for _, m := range reCounter.FindAllStringSubmatch(page, -1) {
		if strings.Contains(m[2], "subscriber") {
			snap.Subscribers = ParseCompactCount(m[1])
		}
	}

	views := reViews.FindAllStringSubmatch(page, -1)
	if len(views) > 0 {
		total := 0
		for _, m := range views {
			total += ParseCompactCount(m[1])
		}
		snap.AvgViews = total / len(views)
	}
	// Reaction blocks are absent for posts without reactions, so average
	// over the visible post count, not the block count.
	if blocks := reReactions.FindAllStringSubmatch(page, -1); len(blocks) > 0 && len(views) > 0 {
		total := 0
		for _, b := range blocks {
			for _, tok := range reCount.FindAllString(stripHTML(b[1]), -1) {
				total += ParseCompactCount(tok)
			}
		}
		snap.AvgReactions = total / len(views)
	}

	if snap.Subscribers > 0 {
		snap.EngagementRate = float64(snap.AvgViews) / float64(snap.Subscribers)
	}

	p.logger.Debug("channel metrics fetched",
		"channel", channelID, "subscribers", snap.Subscribers, "avg_views", snap.AvgViews)
	return snap, nil
}

// RecentPosts returns up to limit recent public posts, oldest first as they
// appear on the page. Used to seed channel style context.
func (p *TMEProvider) RecentPosts(ctx context.Context, channelID string, limit int) ([]Post, error) {
	page, err := p.fetchPage(ctx, channelID)
	if err != nil {
		return nil, err
	}

	texts := reMessage.FindAllStringSubmatch(page, -1)
	if len(texts) == 0 {
		return nil, fmt.Errorf("channel %s: no posts found (private or nonexistent)", channelID)
	}
	views := reViews.FindAllStringSubmatch(page, -1)
	dates := reDate.FindAllStringSubmatch(page, -1)
	urls := rePostURL.FindAllStringSubmatch(page, -1)

	posts := make([]Post, 0, len(texts))
	for i, m := range texts {
		if limit > 0 && len(posts) >= limit {
			break
		}
		text := stripHTML(m[1])
		if text == "" {
			continue
		}
		if len(text) > 500 {
			text = text[:500]
		}
		post := Post{Text: text}
		if i < len(views) {
			post.Views = ParseCompactCount(views[i][1])
		}
		if i < len(dates) {
			post.Date, _ = time.Parse(time.RFC3339, dates[i][1])
		}
		if i < len(urls) {
			post.URL = urls[i][1]
		}
		posts = append(posts, post)
	}
	return posts, nil
}

func (p *TMEProvider) fetchPage(ctx context.Context, channelID string) (string, error) {
	username := strings.TrimPrefix(strings.TrimPrefix(channelID, "https://t.me/"), "@")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+username, nil)
	if err != nil {
		return "", fmt.Errorf("build t.me request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch channel %s: %w", channelID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch channel %s: status %d", channelID, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("read channel page: %w", err)
	}
	return string(body), nil
}

// ParseCompactCount converts t.me counter strings: "1.5K" → 1500,
// "2M" → 2000000, "823" → 823. Unparseable input yields 0.
func ParseCompactCount(s string) int {
	s = strings.ToUpper(strings.TrimSpace(s))
	switch {
	case strings.Contains(s, "K"):
		f, err := strconv.ParseFloat(strings.ReplaceAll(s, "K", ""), 64)
		if err != nil {
			return 0
		}
		return int(f * 1000)
	case strings.Contains(s, "M"):
		f, err := strconv.ParseFloat(strings.ReplaceAll(s, "M", ""), 64)
		if err != nil {
			return 0
		}
		return int(f * 1000000)
	default:
		digits := strings.Map(func(r rune) rune {
			if r >= '0' && r <= '9' {
				return r
			}
			return -1
		}, s)
		if digits == "" {
			return 0
		}
		n, _ := strconv.Atoi(digits)
		return n
	}
}

func stripHTML(s string) string {
	s = strings.ReplaceAll(s, "<br/>", "\n")
	s = strings.ReplaceAll(s, "<br>", "\n")
	s = reTags.ReplaceAllString(s, "")
	return strings.TrimSpace(html.UnescapeString(s))
}
