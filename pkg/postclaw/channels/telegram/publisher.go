// Package telegram – publisher.go makes the Telegram binding double as the
// scheduler's Publisher: scheduled posts go to the target channel chat, and
// confirmations are answered from the record of what this process sent.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/jholhewres/postclaw/pkg/postclaw/scheduler"
)

var _ scheduler.Publisher = (*Telegram)(nil)

// Publish posts a job's body to its target channel. The job ID is the
// idempotency key: if this process already published it, the recorded
// confirmation is returned instead of posting twice.
func (t *Telegram) Publish(ctx context.Context, job scheduler.Job) (string, error) {
	t.publishedMu.RLock()
	confirmation, done := t.published[job.ID]
	t.publishedMu.RUnlock()
	if done {
		return confirmation, nil
	}

	if !t.connected.Load() {
		return "", scheduler.Transient(errors.New("telegram disconnected"))
	}

	result, err := t.apiCall(ctx, "sendMessage", map[string]any{
		"chat_id":    chatTarget(job.ChannelID),
		"text":       job.Body,
		"parse_mode": t.cfg.ParseMode,
	})
	if err != nil {
		return "", classifyPublishError(err)
	}

	var sent struct {
		MessageID int64 `json:"message_id"`
	}
	if jsonErr := json.Unmarshal(result, &sent); jsonErr != nil {
		// The post went out but the response is unreadable; without a token
		// the delivery cannot be confirmed later.
		return "", scheduler.Permanent(fmt.Errorf("sent but confirmation unparseable: %w", jsonErr))
	}

	confirmation = job.ChannelID + "/" + strconv.FormatInt(sent.MessageID, 10)
	t.publishedMu.Lock()
	t.published[job.ID] = confirmation
	t.publishedMu.Unlock()

	t.logger.Info("post published",
		"job_id", job.ID, "channel", job.ChannelID, "message_id", sent.MessageID)
	return confirmation, nil
}

// Confirm answers whether a publication for the job already happened. The
// Bot API has no lookup by external key, so only this process's own send
// record can answer definitively; anything else is indeterminate.
func (t *Telegram) Confirm(ctx context.Context, job scheduler.Job) (string, bool, error) {
	t.publishedMu.RLock()
	confirmation, done := t.published[job.ID]
	t.publishedMu.RUnlock()
	if done {
		return confirmation, true, nil
	}
	return "", false, errors.New("no send record for job; delivery state unknown")
}

// classifyPublishError sorts Bot API failures into retryable and permanent.
// Rate limits and server-side errors retry; bad requests and auth failures
// do not recover on their own.
func classifyPublishError(err error) error {
	var api *apiError
	if errors.As(err, &api) {
		switch {
		case api.Code == 429 || api.Code >= 500:
			return scheduler.Transient(err)
		case api.Code == 400 || api.Code == 401 || api.Code == 403:
			return scheduler.Permanent(err)
		}
	}
	// Network-level failures are worth retrying.
	return scheduler.Transient(err)
}
