package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// ErrPastTarget is returned by Schedule for target times not in the future.
var ErrPastTarget = errors.New("target time is in the past")

// Publisher delivers a job to its channel. Publish receives the job ID as an
// idempotency key and returns a provider confirmation token. Confirm answers
// whether a publication for the job already exists provider-side: (token,
// true, nil) when found, ("", false, nil) when definitively absent, and a
// non-nil error when the provider cannot say.
type Publisher interface {
	Publish(ctx context.Context, job Job) (confirmation string, err error)
	Confirm(ctx context.Context, job Job) (confirmation string, found bool, err error)
}

// DraftSource composes a post for a recurring schedule firing. Wired by the
// assistant to the completion service.
type DraftSource interface {
	ComposePost(ctx context.Context, channelID, topic string) (Snapshot, error)
}

// Options tunes the scheduler. Zero values get defaults.
type Options struct {
	PollInterval time.Duration // driver scan period, default 5s
	BaseBackoff  time.Duration // first retry delay, default 30s
	MaxBackoff   time.Duration // backoff ceiling, default 15m
	MaxAttempts  int           // delivery attempts before Failed, default 5
	EventBuffer  int           // outcome channel capacity, default 64
}

func (o *Options) defaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 30 * time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 15 * time.Minute
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 64
	}
}

// Scheduler owns the durable publication queue and its driver loop.
type Scheduler struct {
	storage     Storage
	publisher   Publisher
	draftSource DraftSource
	opts        Options
	logger      *slog.Logger

	events chan Event

	// cron runs recurring schedules and is rebuilt on Start.
	cron    *cron.Cron
	cronIDs map[string]cron.EntryID

	now func() time.Time

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Scheduler over storage and publisher.
func New(storage Storage, publisher Publisher, opts Options, logger *slog.Logger) *Scheduler {
	opts.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		storage:   storage,
		publisher: publisher,
		opts:      opts,
		logger:    logger.With("component", "scheduler"),
		events:    make(chan Event, opts.EventBuffer),
		cronIDs:   make(map[string]cron.EntryID),
		now:       time.Now,
	}
}

// SetDraftSource attaches the recurring-schedule post composer. Must be
// called before Start.
func (s *Scheduler) SetDraftSource(src DraftSource) { s.draftSource = src }

// Events is the outcome stream. Consumed by the notification collaborator;
// the channel closes when the scheduler stops.
func (s *Scheduler) Events() <-chan Event { return s.events }

// Schedule validates and durably enqueues a publication. The job row is
// committed before Schedule returns, so an accepted schedule survives an
// immediate crash. Past target times are rejected with ErrPastTarget.
func (s *Scheduler) Schedule(ctx context.Context, snap Snapshot, targetAt time.Time) (string, error) {
	now := s.now()
	if !targetAt.After(now) {
		return "", fmt.Errorf("schedule at %s: %w", targetAt.Format(time.RFC3339), ErrPastTarget)
	}
	if snap.ChannelID == "" {
		return "", errors.New("schedule: channel is required")
	}

	job := Job{
		ID:        uuid.NewString(),
		Snapshot:  snap,
		TargetAt:  targetAt,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.storage.Insert(ctx, job); err != nil {
		return "", fmt.Errorf("persist job: %w", err)
	}

	s.logger.Info("publication scheduled",
		"job_id", job.ID, "channel", snap.ChannelID, "target_at", targetAt)
	return job.ID, nil
}

// Cancel revokes a job. Returns true iff the job was still Pending: the
// conditional UPDATE means a cancel racing the driver's pickup has exactly
// one winner. InFlight and terminal jobs return false without error.
func (s *Scheduler) Cancel(jobID string) bool {
	ok, err := s.storage.CancelPending(context.Background(), jobID)
	if err != nil {
		s.logger.Error("cancel failed", "job_id", jobID, "error", err)
		return false
	}
	if ok {
		s.logger.Info("publication cancelled", "job_id", jobID)
	}
	return ok
}

// Job returns the current persisted state of a job.
func (s *Scheduler) Job(ctx context.Context, jobID string) (Job, error) {
	return s.storage.Get(ctx, jobID)
}

// Start recovers stranded jobs, registers recurring schedules, and launches
// the driver loop. Runs until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.mu.Unlock()

	if err := s.recoverInFlight(s.ctx); err != nil {
		return fmt.Errorf("recover in-flight jobs: %w", err)
	}

	s.cron = cron.New()
	if err := s.registerRecurring(s.ctx); err != nil {
		return fmt.Errorf("register recurring schedules: %w", err)
	}
	s.cron.Start()

	go s.run(s.ctx)

	s.logger.Info("scheduler started",
		"poll_interval", s.opts.PollInterval, "max_attempts", s.opts.MaxAttempts)
	return nil
}

// Stop halts the driver loop and cron, then closes the event stream.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	<-done
	close(s.events)
	s.logger.Info("scheduler stopped")
}

// run is the driver loop: periodic scan for due Pending jobs.
func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dispatchDue(ctx)
		}
	}
}

func (s *Scheduler) dispatchDue(ctx context.Context) {
	jobs, err := s.storage.Due(ctx, s.now())
	if err != nil {
		s.logger.Error("due scan failed", "error", err)
		return
	}
	for _, job := range jobs {
		// Claim before publishing: a concurrent Cancel that lands first
		// makes the claim fail and the job is simply skipped.
		claimed, err := s.storage.ClaimInFlight(ctx, job.ID)
		if err != nil {
			s.logger.Error("claim failed", "job_id", job.ID, "error", err)
			continue
		}
		if !claimed {
			continue
		}
		s.deliver(ctx, job)
	}
}

// deliver publishes one claimed job and records the outcome.
func (s *Scheduler) deliver(ctx context.Context, job Job) {
	confirmation, err := s.publisher.Publish(ctx, job)
	attempts := job.Attempts + 1

	if err == nil {
		if err := s.storage.MarkDelivered(ctx, job.ID, confirmation); err != nil {
			s.logger.Error("delivered but status write failed", "job_id", job.ID, "error", err)
			return
		}
		s.logger.Info("publication delivered",
			"job_id", job.ID, "channel", job.ChannelID, "attempts", attempts)
		s.emit(ctx, Event{
			Kind: EventDelivered, JobID: job.ID,
			SessionID: job.SessionID, ChannelID: job.ChannelID, Attempts: attempts,
		})
		return
	}

	var pubErr *PublishError
	retryable := errors.As(err, &pubErr) && pubErr.Retryable

	if !retryable || attempts >= s.opts.MaxAttempts {
		if markErr := s.storage.MarkFailed(ctx, job.ID, err.Error()); markErr != nil {
			s.logger.Error("failure status write failed", "job_id", job.ID, "error", markErr)
			return
		}
		s.logger.Warn("publication failed",
			"job_id", job.ID, "attempts", attempts, "retryable", retryable, "error", err)
		s.emit(ctx, Event{
			Kind: EventFailed, JobID: job.ID,
			SessionID: job.SessionID, ChannelID: job.ChannelID,
			Attempts: attempts, Error: err.Error(),
		})
		return
	}

	delay := backoffDelay(s.opts.BaseBackoff, s.opts.MaxBackoff, attempts)
	nextRetry := s.now().Add(delay)
	if requeueErr := s.storage.Requeue(ctx, job.ID, attempts, nextRetry, err.Error()); requeueErr != nil {
		s.logger.Error("requeue failed", "job_id", job.ID, "error", requeueErr)
		return
	}
	s.logger.Warn("publication retry scheduled",
		"job_id", job.ID, "attempt", attempts, "next_retry_in", delay, "error", err)
}

// recoverInFlight resolves jobs stranded InFlight by a crash between publish
// and status write. The provider-side confirmation lookup decides: confirmed
// means the post went out (Delivered), definitively absent means it did not
// (back to Pending), indeterminate means Failed — a missed post is preferred
// over a possible duplicate.
func (s *Scheduler) recoverInFlight(ctx context.Context) error {
	stranded, err := s.storage.InFlight(ctx)
	if err != nil {
		return err
	}
	for _, job := range stranded {
		confirmation, found, err := s.publisher.Confirm(ctx, job)
		switch {
		case err != nil:
			reason := fmt.Sprintf("delivery indeterminate after restart: %v", err)
			if markErr := s.storage.MarkFailed(ctx, job.ID, reason); markErr != nil {
				return markErr
			}
			s.logger.Warn("stranded job failed", "job_id", job.ID, "error", err)
			s.emit(ctx, Event{
				Kind: EventFailed, JobID: job.ID,
				SessionID: job.SessionID, ChannelID: job.ChannelID,
				Attempts: job.Attempts, Error: reason,
			})
		case found:
			if markErr := s.storage.MarkDelivered(ctx, job.ID, confirmation); markErr != nil {
				return markErr
			}
			s.logger.Info("stranded job confirmed delivered", "job_id", job.ID)
			s.emit(ctx, Event{
				Kind: EventDelivered, JobID: job.ID,
				SessionID: job.SessionID, ChannelID: job.ChannelID, Attempts: job.Attempts,
			})
		default:
			if requeueErr := s.storage.Requeue(ctx, job.ID, job.Attempts, time.Time{}, "requeued after restart"); requeueErr != nil {
				return requeueErr
			}
			s.logger.Info("stranded job requeued", "job_id", job.ID)
		}
	}
	if len(stranded) > 0 {
		s.logger.Info("restart recovery complete", "jobs", len(stranded))
	}
	return nil
}

func (s *Scheduler) emit(ctx context.Context, ev Event) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

// backoffDelay is base·2^(attempt-1) capped at max.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
