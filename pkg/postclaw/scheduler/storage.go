// Package scheduler – storage.go persists jobs and recurring schedules in
// the shared SQLite database. Status transitions that race with the driver
// loop (cancel vs pickup) are conditional UPDATEs so exactly one side wins.
package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrJobNotFound is returned when a job ID does not exist in storage.
var ErrJobNotFound = errors.New("job not found")

// Storage is the persistence interface for jobs and recurring schedules.
type Storage interface {
	Insert(ctx context.Context, job Job) error
	Get(ctx context.Context, id string) (Job, error)

	// Due returns Pending jobs whose target time has arrived and whose
	// retry hold-off (if any) has elapsed.
	Due(ctx context.Context, now time.Time) ([]Job, error)

	// CancelPending flips a Pending job to Cancelled. Returns false when the
	// job was not Pending at call time.
	CancelPending(ctx context.Context, id string) (bool, error)

	// ClaimInFlight flips a Pending job to InFlight. Returns false when the
	// job was concurrently cancelled or already claimed.
	ClaimInFlight(ctx context.Context, id string) (bool, error)

	MarkDelivered(ctx context.Context, id, confirmation string) error
	MarkFailed(ctx context.Context, id, lastError string) error

	// Requeue returns an InFlight job to Pending with updated attempt count
	// and retry hold-off.
	Requeue(ctx context.Context, id string, attempts int, nextRetryAt time.Time, lastError string) error

	// InFlight lists jobs stranded mid-delivery, for restart recovery.
	InFlight(ctx context.Context) ([]Job, error)

	InsertRecurring(ctx context.Context, rs RecurringSchedule) error
	ListRecurring(ctx context.Context) ([]RecurringSchedule, error)
	DeleteRecurring(ctx context.Context, id string) (bool, error)
}

// SQLiteStorage implements Storage on the shared postclaw.db handle.
type SQLiteStorage struct {
	db *sql.DB
}

var _ Storage = (*SQLiteStorage)(nil)

// NewSQLiteStorage wraps db; tables are created by database.Open.
func NewSQLiteStorage(db *sql.DB) *SQLiteStorage {
	return &SQLiteStorage{db: db}
}

const jobColumns = `id, session_id, channel_id, body, media_ref, draft_version,
	target_at, status, attempts, next_retry_at, confirmation, last_error,
	created_at, updated_at`

func (s *SQLiteStorage) Insert(ctx context.Context, job Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.SessionID, job.ChannelID, job.Body, job.MediaRef,
		job.DraftVersion, formatTime(job.TargetAt), string(job.Status),
		job.Attempts, formatTime(job.NextRetryAt), job.Confirmation,
		job.LastError, formatTime(job.CreatedAt), formatTime(job.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) Get(ctx context.Context, id string) (Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrJobNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *SQLiteStorage) Due(ctx context.Context, now time.Time) ([]Job, error) {
	nowStr := formatTime(now)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = ? AND target_at <= ?
		  AND (next_retry_at = '' OR next_retry_at <= ?)
		ORDER BY target_at`,
		string(StatusPending), nowStr, nowStr,
	)
	if err != nil {
		return nil, fmt.Errorf("due jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *SQLiteStorage) CancelPending(ctx context.Context, id string) (bool, error) {
	return s.transition(ctx, id, StatusPending, StatusCancelled, "")
}

func (s *SQLiteStorage) ClaimInFlight(ctx context.Context, id string) (bool, error) {
	return s.transition(ctx, id, StatusPending, StatusInFlight, "")
}

func (s *SQLiteStorage) MarkDelivered(ctx context.Context, id, confirmation string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, confirmation = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusDelivered), confirmation, formatTime(time.Now()),
		id, string(StatusInFlight),
	)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark delivered %s: %w", id, ErrJobNotFound)
	}
	return nil
}

func (s *SQLiteStorage) MarkFailed(ctx context.Context, id, lastError string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusFailed), lastError, formatTime(time.Now()),
		id, string(StatusInFlight),
	)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark failed %s: %w", id, ErrJobNotFound)
	}
	return nil
}

func (s *SQLiteStorage) Requeue(ctx context.Context, id string, attempts int, nextRetryAt time.Time, lastError string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, attempts = ?, next_retry_at = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusPending), attempts, formatTime(nextRetryAt), lastError,
		formatTime(time.Now()), id, string(StatusInFlight),
	)
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("requeue %s: %w", id, ErrJobNotFound)
	}
	return nil
}

func (s *SQLiteStorage) InFlight(ctx context.Context) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY target_at`,
		string(StatusInFlight),
	)
	if err != nil {
		return nil, fmt.Errorf("in-flight jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// transition is a conditional status flip: succeeds only when the job is
// still in the expected state.
func (s *SQLiteStorage) transition(ctx context.Context, id string, from, to Status, lastError string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, last_error = CASE WHEN ? = '' THEN last_error ELSE ? END, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(to), lastError, lastError, formatTime(time.Now()),
		id, string(from),
	)
	if err != nil {
		return false, fmt.Errorf("transition %s→%s: %w", from, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition %s→%s: %w", from, to, err)
	}
	return n == 1, nil
}

// ---------- Recurring schedules ----------

func (s *SQLiteStorage) InsertRecurring(ctx context.Context, rs RecurringSchedule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recurring_schedules (id, session_id, channel_id, cron_expr, topic, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rs.ID, rs.SessionID, rs.ChannelID, rs.CronExpr, rs.Topic,
		boolToInt(rs.Enabled), formatTime(rs.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert recurring schedule: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) ListRecurring(ctx context.Context) ([]RecurringSchedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, channel_id, cron_expr, topic, enabled, created_at
		FROM recurring_schedules ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list recurring schedules: %w", err)
	}
	defer rows.Close()

	var out []RecurringSchedule
	for rows.Next() {
		var (
			rs        RecurringSchedule
			enabled   int
			createdAt string
		)
		if err := rows.Scan(&rs.ID, &rs.SessionID, &rs.ChannelID, &rs.CronExpr, &rs.Topic, &enabled, &createdAt); err != nil {
			return nil, fmt.Errorf("scan recurring schedule: %w", err)
		}
		rs.Enabled = enabled != 0
		rs.CreatedAt = parseTime(createdAt)
		out = append(out, rs)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) DeleteRecurring(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM recurring_schedules WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete recurring schedule: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ---------- Row helpers ----------

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var (
		job                                          Job
		status                                       string
		targetAt, nextRetryAt, createdAt, updatedAt string
	)
	err := row.Scan(
		&job.ID, &job.SessionID, &job.ChannelID, &job.Body, &job.MediaRef,
		&job.DraftVersion, &targetAt, &status, &job.Attempts, &nextRetryAt,
		&job.Confirmation, &job.LastError, &createdAt, &updatedAt,
	)
	if err != nil {
		return Job{}, err
	}
	job.Status = Status(status)
	job.TargetAt = parseTime(targetAt)
	job.NextRetryAt = parseTime(nextRetryAt)
	job.CreatedAt = parseTime(createdAt)
	job.UpdatedAt = parseTime(updatedAt)
	return job, nil
}

func scanJobs(rows *sql.Rows) ([]Job, error) {
	var out []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
