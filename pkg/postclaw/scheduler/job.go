// Package scheduler implements durable publication scheduling for PostClaw.
// Jobs survive restarts via SQLite persistence; delivery retries use
// exponential backoff with a ceiling; a provider-side confirmation lookup
// keeps publication at-most-once across crashes. Recurring schedules use
// robfig/cron and enqueue ordinary one-shot jobs when they fire.
package scheduler

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a publication job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusInFlight  Status = "in_flight"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed || s == StatusCancelled
}

// Snapshot is the immutable draft payload captured at schedule time. Later
// edits to the session draft never affect an already scheduled job.
type Snapshot struct {
	SessionID    string
	ChannelID    string
	Body         string
	MediaRef     string
	DraftVersion int
}

// Job is a persisted publication task.
type Job struct {
	ID string
	Snapshot

	TargetAt    time.Time
	Status      Status
	Attempts    int
	NextRetryAt time.Time

	// Confirmation is the provider token recorded on successful delivery.
	Confirmation string
	LastError    string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// EventKind tags a job outcome event.
type EventKind string

const (
	EventDelivered EventKind = "delivered"
	EventFailed    EventKind = "failed"
)

// Event is pushed to the outcome channel when a job reaches a terminal
// delivery state. The scheduler formats no user-facing text; consumers do.
type Event struct {
	Kind      EventKind
	JobID     string
	SessionID string
	ChannelID string
	Attempts  int
	Error     string
}

// PublishError classifies a delivery failure. Retryable errors re-enter the
// backoff cycle; permanent ones fail the job on the spot.
type PublishError struct {
	Retryable bool
	Err       error
}

func (e *PublishError) Error() string {
	if e.Retryable {
		return fmt.Sprintf("transient publish failure: %v", e.Err)
	}
	return fmt.Sprintf("permanent publish failure: %v", e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable publish failure.
func Transient(err error) *PublishError {
	return &PublishError{Retryable: true, Err: err}
}

// Permanent wraps err as a non-retryable publish failure.
func Permanent(err error) *PublishError {
	return &PublishError{Retryable: false, Err: err}
}
