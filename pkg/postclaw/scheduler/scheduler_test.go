package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/postclaw/pkg/postclaw/database"
)

// fakePublisher scripts Publish outcomes per call and a fixed Confirm answer.
type fakePublisher struct {
	mu       sync.Mutex
	outcomes []error // nil = success; consumed in order, last repeats
	calls    int

	confirmToken string
	confirmFound bool
	confirmErr   error
}

func (p *fakePublisher) Publish(ctx context.Context, job Job) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if len(p.outcomes) == 0 {
		return "msg-" + job.ID, nil
	}
	idx := p.calls - 1
	if idx >= len(p.outcomes) {
		idx = len(p.outcomes) - 1
	}
	if err := p.outcomes[idx]; err != nil {
		return "", err
	}
	return "msg-" + job.ID, nil
}

func (p *fakePublisher) Confirm(ctx context.Context, job Job) (string, bool, error) {
	return p.confirmToken, p.confirmFound, p.confirmErr
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestScheduler(t *testing.T, pub *fakePublisher, opts Options) (*Scheduler, *SQLiteStorage, *testClock) {
	t.Helper()

	db, err := database.Open(filepath.Join(t.TempDir(), "postclaw.db"), slog.Default())
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	storage := NewSQLiteStorage(db)
	clock := &testClock{now: time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)}

	s := New(storage, pub, opts, slog.Default())
	s.now = clock.Now
	return s, storage, clock
}

func testSnapshot() Snapshot {
	return Snapshot{
		SessionID:    "user-1",
		ChannelID:    "@technews",
		Body:         "Новый пост 🔥",
		DraftVersion: 2,
	}
}

func TestSchedulePersistsPending(t *testing.T) {
	t.Parallel()

	s, _, clock := newTestScheduler(t, &fakePublisher{}, Options{})
	ctx := context.Background()

	jobID, err := s.Schedule(ctx, testSnapshot(), clock.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	job, err := s.Job(ctx, jobID)
	if err != nil {
		t.Fatalf("job lookup: %v", err)
	}
	if job.Status != StatusPending {
		t.Errorf("status = %q, want %q", job.Status, StatusPending)
	}
	if job.Body != "Новый пост 🔥" || job.DraftVersion != 2 {
		t.Errorf("snapshot not preserved: %+v", job.Snapshot)
	}
}

func TestScheduleRejectsPastTarget(t *testing.T) {
	t.Parallel()

	s, storage, clock := newTestScheduler(t, &fakePublisher{}, Options{})
	ctx := context.Background()

	for _, target := range []time.Time{clock.Now().Add(-time.Minute), clock.Now()} {
		if _, err := s.Schedule(ctx, testSnapshot(), target); !errors.Is(err, ErrPastTarget) {
			t.Errorf("target %v: err = %v, want ErrPastTarget", target, err)
		}
	}

	due, err := storage.Due(ctx, clock.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("rejected schedule left %d job rows", len(due))
	}
}

func TestCancelPendingOnly(t *testing.T) {
	t.Parallel()

	s, storage, clock := newTestScheduler(t, &fakePublisher{}, Options{})
	ctx := context.Background()

	jobID, err := s.Schedule(ctx, testSnapshot(), clock.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	if !s.Cancel(jobID) {
		t.Error("first cancel of a pending job must succeed")
	}
	if s.Cancel(jobID) {
		t.Error("second cancel must report false")
	}

	job, err := s.Job(ctx, jobID)
	if err != nil {
		t.Fatalf("job lookup: %v", err)
	}
	if job.Status != StatusCancelled {
		t.Errorf("status = %q, want %q", job.Status, StatusCancelled)
	}

	// A claimed job can no longer be cancelled.
	jobID2, _ := s.Schedule(ctx, testSnapshot(), clock.Now().Add(time.Hour))
	if claimed, _ := storage.ClaimInFlight(ctx, jobID2); !claimed {
		t.Fatal("claim failed")
	}
	if s.Cancel(jobID2) {
		t.Error("cancel of an in-flight job must report false")
	}
}

func TestCancelClaimSingleWinner(t *testing.T) {
	t.Parallel()

	s, storage, clock := newTestScheduler(t, &fakePublisher{}, Options{})
	ctx := context.Background()

	for round := 0; round < 10; round++ {
		jobID, err := s.Schedule(ctx, testSnapshot(), clock.Now().Add(time.Hour))
		if err != nil {
			t.Fatalf("schedule: %v", err)
		}

		var (
			wg        sync.WaitGroup
			cancelled bool
			claimed   bool
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			cancelled, _ = storage.CancelPending(ctx, jobID)
		}()
		go func() {
			defer wg.Done()
			claimed, _ = storage.ClaimInFlight(ctx, jobID)
		}()
		wg.Wait()

		if cancelled == claimed {
			t.Fatalf("round %d: cancelled=%v claimed=%v, want exactly one winner", round, cancelled, claimed)
		}
	}
}

func TestDeliverSuccess(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	s, _, clock := newTestScheduler(t, pub, Options{})
	ctx := context.Background()

	jobID, err := s.Schedule(ctx, testSnapshot(), clock.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	clock.Advance(2 * time.Minute)
	s.dispatchDue(ctx)

	job, err := s.Job(ctx, jobID)
	if err != nil {
		t.Fatalf("job lookup: %v", err)
	}
	if job.Status != StatusDelivered {
		t.Fatalf("status = %q, want %q", job.Status, StatusDelivered)
	}
	if job.Confirmation != "msg-"+jobID {
		t.Errorf("confirmation = %q", job.Confirmation)
	}

	select {
	case ev := <-s.Events():
		if ev.Kind != EventDelivered || ev.JobID != jobID || ev.Attempts != 1 {
			t.Errorf("event = %+v", ev)
		}
	default:
		t.Error("no delivered event emitted")
	}
}

func TestDeliverRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{outcomes: []error{
		Transient(errors.New("flood wait")),
		Transient(errors.New("flood wait")),
		nil,
	}}
	s, _, clock := newTestScheduler(t, pub, Options{
		BaseBackoff: time.Minute,
		MaxBackoff:  time.Hour,
		MaxAttempts: 5,
	})
	ctx := context.Background()

	jobID, _ := s.Schedule(ctx, testSnapshot(), clock.Now().Add(time.Minute))

	clock.Advance(2 * time.Minute)
	s.dispatchDue(ctx) // attempt 1 fails

	job, _ := s.Job(ctx, jobID)
	if job.Status != StatusPending || job.Attempts != 1 {
		t.Fatalf("after attempt 1: status=%q attempts=%d", job.Status, job.Attempts)
	}
	firstRetry := job.NextRetryAt

	clock.Advance(2 * time.Minute)
	s.dispatchDue(ctx) // attempt 2 fails

	job, _ = s.Job(ctx, jobID)
	if job.Attempts != 2 {
		t.Fatalf("after attempt 2: attempts=%d", job.Attempts)
	}
	// Backoff intervals must not shrink.
	if job.NextRetryAt.Sub(firstRetry) < time.Minute {
		t.Errorf("second retry delay shorter than first: %v then %v", firstRetry, job.NextRetryAt)
	}

	clock.Advance(5 * time.Minute)
	s.dispatchDue(ctx) // attempt 3 succeeds

	job, _ = s.Job(ctx, jobID)
	if job.Status != StatusDelivered {
		t.Fatalf("status = %q, want %q", job.Status, StatusDelivered)
	}
	if pub.calls != 3 {
		t.Errorf("publish calls = %d, want 3", pub.calls)
	}

	select {
	case ev := <-s.Events():
		if ev.Kind != EventDelivered || ev.Attempts != 3 {
			t.Errorf("event = %+v", ev)
		}
	default:
		t.Error("no delivered event emitted")
	}
}

func TestDeliverExhaustsAttempts(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{outcomes: []error{Transient(errors.New("unreachable"))}}
	s, _, clock := newTestScheduler(t, pub, Options{
		BaseBackoff: time.Minute,
		MaxBackoff:  time.Hour,
		MaxAttempts: 3,
	})
	ctx := context.Background()

	jobID, _ := s.Schedule(ctx, testSnapshot(), clock.Now().Add(time.Minute))

	for i := 0; i < 6; i++ {
		clock.Advance(time.Hour)
		s.dispatchDue(ctx)
	}

	job, _ := s.Job(ctx, jobID)
	if job.Status != StatusFailed {
		t.Fatalf("status = %q, want %q", job.Status, StatusFailed)
	}
	if pub.calls != 3 {
		t.Errorf("publish calls = %d, want exactly MaxAttempts", pub.calls)
	}

	var failed *Event
	for {
		select {
		case ev := <-s.Events():
			failed = &ev
			continue
		default:
		}
		break
	}
	if failed == nil || failed.Kind != EventFailed || failed.Attempts != 3 {
		t.Errorf("failed event = %+v", failed)
	}
}

func TestDeliverPermanentFailure(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{outcomes: []error{Permanent(errors.New("bot banned from channel"))}}
	s, _, clock := newTestScheduler(t, pub, Options{MaxAttempts: 5})
	ctx := context.Background()

	jobID, _ := s.Schedule(ctx, testSnapshot(), clock.Now().Add(time.Minute))

	clock.Advance(2 * time.Minute)
	s.dispatchDue(ctx)

	job, _ := s.Job(ctx, jobID)
	if job.Status != StatusFailed {
		t.Fatalf("status = %q, want %q", job.Status, StatusFailed)
	}
	if pub.calls != 1 {
		t.Errorf("publish calls = %d, want 1 for a permanent failure", pub.calls)
	}
}

func TestRecoverInFlight(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		found      bool
		confirmErr error
		wantStatus Status
	}{
		{"confirmed delivered", true, nil, StatusDelivered},
		{"definitively absent requeues", false, nil, StatusPending},
		{"indeterminate fails", false, errors.New("provider timeout"), StatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			pub := &fakePublisher{
				confirmToken: "msg-recovered",
				confirmFound: tt.found,
				confirmErr:   tt.confirmErr,
			}
			s, storage, clock := newTestScheduler(t, pub, Options{})
			ctx := context.Background()

			// Simulate a crash between publish and status write.
			job := Job{
				ID:        uuid.NewString(),
				Snapshot:  testSnapshot(),
				TargetAt:  clock.Now().Add(-time.Minute),
				Status:    StatusInFlight,
				Attempts:  1,
				CreatedAt: clock.Now(),
				UpdatedAt: clock.Now(),
			}
			if err := storage.Insert(ctx, job); err != nil {
				t.Fatalf("insert: %v", err)
			}

			if err := s.recoverInFlight(ctx); err != nil {
				t.Fatalf("recover: %v", err)
			}

			got, err := s.Job(ctx, job.ID)
			if err != nil {
				t.Fatalf("job lookup: %v", err)
			}
			if got.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", got.Status, tt.wantStatus)
			}
			if tt.found && got.Confirmation != "msg-recovered" {
				t.Errorf("confirmation = %q", got.Confirmation)
			}
			if pub.calls != 0 {
				t.Errorf("recovery must never re-publish, got %d publish calls", pub.calls)
			}
		})
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	base, max := 30*time.Second, 15*time.Minute

	prev := time.Duration(0)
	for attempt := 1; attempt <= 12; attempt++ {
		d := backoffDelay(base, max, attempt)
		if d < prev {
			t.Errorf("attempt %d: delay %v shrank from %v", attempt, d, prev)
		}
		if d > max {
			t.Errorf("attempt %d: delay %v above ceiling", attempt, d)
		}
		prev = d
	}
	if got := backoffDelay(base, max, 1); got != base {
		t.Errorf("first delay = %v, want %v", got, base)
	}
	if got := backoffDelay(base, max, 3); got != 2*time.Minute {
		t.Errorf("third delay = %v, want 2m", got)
	}
	if got := backoffDelay(base, max, 12); got != max {
		t.Errorf("deep attempt = %v, want ceiling %v", got, max)
	}
}

func TestTerminalStatusNoRegression(t *testing.T) {
	t.Parallel()

	s, storage, clock := newTestScheduler(t, &fakePublisher{}, Options{})
	ctx := context.Background()

	jobID, _ := s.Schedule(ctx, testSnapshot(), clock.Now().Add(time.Minute))
	clock.Advance(2 * time.Minute)
	s.dispatchDue(ctx)

	// Delivered is terminal: no conditional transition may touch it.
	if ok, _ := storage.CancelPending(ctx, jobID); ok {
		t.Error("cancel succeeded on a delivered job")
	}
	if ok, _ := storage.ClaimInFlight(ctx, jobID); ok {
		t.Error("claim succeeded on a delivered job")
	}

	job, _ := s.Job(ctx, jobID)
	if job.Status != StatusDelivered {
		t.Errorf("status regressed to %q", job.Status)
	}
}

func TestRecurringSchedulePersistence(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestScheduler(t, &fakePublisher{}, Options{})
	ctx := context.Background()

	id, err := s.AddRecurring(ctx, RecurringSchedule{
		SessionID: "user-1",
		ChannelID: "@technews",
		CronExpr:  "0 9 * * 1",
		Topic:     "итоги недели",
	})
	if err != nil {
		t.Fatalf("add recurring: %v", err)
	}

	list, err := s.Recurring(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ID != id || !list[0].Enabled {
		t.Fatalf("list = %+v", list)
	}

	if _, err := s.AddRecurring(ctx, RecurringSchedule{
		ChannelID: "@technews",
		CronExpr:  "not a cron",
	}); err == nil {
		t.Error("invalid cron expression accepted")
	}

	ok, err := s.RemoveRecurring(ctx, id)
	if err != nil || !ok {
		t.Fatalf("remove: ok=%v err=%v", ok, err)
	}
	if list, _ = s.Recurring(ctx); len(list) != 0 {
		t.Errorf("schedule not removed: %+v", list)
	}
}
