// Package scheduler – recurring.go manages cron-expression schedules that
// compose and enqueue one-shot publication jobs when they fire. Entries are
// persisted and re-registered on every Start.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// RecurringSchedule is a standing "post about X every ..." instruction.
type RecurringSchedule struct {
	ID        string
	SessionID string
	ChannelID string
	CronExpr  string
	Topic     string
	Enabled   bool
	CreatedAt time.Time
}

// AddRecurring validates the cron expression, persists the schedule, and
// registers it with the running cron instance.
func (s *Scheduler) AddRecurring(ctx context.Context, rs RecurringSchedule) (string, error) {
	if rs.ChannelID == "" {
		return "", fmt.Errorf("recurring schedule: channel is required")
	}
	if _, err := cron.ParseStandard(rs.CronExpr); err != nil {
		return "", fmt.Errorf("parse cron expression %q: %w", rs.CronExpr, err)
	}

	if rs.ID == "" {
		rs.ID = uuid.NewString()
	}
	rs.Enabled = true
	rs.CreatedAt = s.now()

	if err := s.storage.InsertRecurring(ctx, rs); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		if err := s.registerOne(rs); err != nil {
			return "", err
		}
	}

	s.logger.Info("recurring schedule added",
		"schedule_id", rs.ID, "channel", rs.ChannelID, "cron", rs.CronExpr)
	return rs.ID, nil
}

// RemoveRecurring deletes a schedule and unregisters its cron entry.
func (s *Scheduler) RemoveRecurring(ctx context.Context, id string) (bool, error) {
	ok, err := s.storage.DeleteRecurring(ctx, id)
	if err != nil || !ok {
		return false, err
	}

	s.mu.Lock()
	if entryID, registered := s.cronIDs[id]; registered && s.cron != nil {
		s.cron.Remove(entryID)
		delete(s.cronIDs, id)
	}
	s.mu.Unlock()

	s.logger.Info("recurring schedule removed", "schedule_id", id)
	return true, nil
}

// Recurring lists the persisted schedules.
func (s *Scheduler) Recurring(ctx context.Context) ([]RecurringSchedule, error) {
	return s.storage.ListRecurring(ctx)
}

// registerRecurring loads persisted schedules into the fresh cron instance.
func (s *Scheduler) registerRecurring(ctx context.Context) error {
	schedules, err := s.storage.ListRecurring(ctx)
	if err != nil {
		return err
	}
	for _, rs := range schedules {
		if !rs.Enabled {
			continue
		}
		if err := s.registerOne(rs); err != nil {
			s.logger.Warn("skipping recurring schedule with invalid cron",
				"schedule_id", rs.ID, "cron", rs.CronExpr, "error", err)
		}
	}
	if len(schedules) > 0 {
		s.logger.Info("recurring schedules loaded", "count", len(schedules))
	}
	return nil
}

func (s *Scheduler) registerOne(rs RecurringSchedule) error {
	entryID, err := s.cron.AddFunc(rs.CronExpr, func() { s.fireRecurring(rs) })
	if err != nil {
		return fmt.Errorf("register cron %q: %w", rs.CronExpr, err)
	}
	s.cronIDs[rs.ID] = entryID
	return nil
}

// fireRecurring composes a post for the schedule's topic and enqueues it as
// an ordinary one-shot job due almost immediately.
func (s *Scheduler) fireRecurring(rs RecurringSchedule) {
	if s.draftSource == nil {
		s.logger.Warn("recurring schedule fired without draft source", "schedule_id", rs.ID)
		return
	}

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	snap, err := s.draftSource.ComposePost(ctx, rs.ChannelID, rs.Topic)
	if err != nil {
		s.logger.Error("recurring compose failed",
			"schedule_id", rs.ID, "topic", rs.Topic, "error", err)
		return
	}
	snap.SessionID = rs.SessionID
	snap.ChannelID = rs.ChannelID

	jobID, err := s.Schedule(ctx, snap, s.now().Add(time.Second))
	if err != nil {
		s.logger.Error("recurring enqueue failed", "schedule_id", rs.ID, "error", err)
		return
	}
	s.logger.Info("recurring post enqueued", "schedule_id", rs.ID, "job_id", jobID)
}
