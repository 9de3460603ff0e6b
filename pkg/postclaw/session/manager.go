// Package session – manager.go owns the session registry and applies
// interpreted operations under each session's execution lane.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jholhewres/postclaw/pkg/postclaw/intent"
	"github.com/jholhewres/postclaw/pkg/postclaw/memory"
	"github.com/jholhewres/postclaw/pkg/postclaw/scheduler"
)

// DefaultSessionTTL is the inactivity window before a session is pruned.
const DefaultSessionTTL = 24 * time.Hour

// Interpreter resolves raw instruction text to an operation.
type Interpreter interface {
	Interpret(ctx context.Context, rawText string, draft intent.DraftContext) intent.EditOperation
}

// Drafter generates and rewrites post bodies (the completion service).
type Drafter interface {
	GeneratePost(ctx context.Context, topic, styleContext string) (string, error)
	EditPost(ctx context.Context, body, instruction, styleContext string) (string, error)
}

// Publications is the scheduler surface the state machine needs.
type Publications interface {
	Schedule(ctx context.Context, snap scheduler.Snapshot, targetAt time.Time) (string, error)
	Cancel(jobID string) bool
}

// Manager keys sessions by user ID and routes operations to them.
type Manager struct {
	interpreter  Interpreter
	drafter      Drafter
	memory       memory.Store
	publications Publications
	ttl          time.Duration
	logger       *slog.Logger
	now          func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager builds a Manager. Drafter and memory may be nil in reduced
// setups (REPL smoke runs); regeneration then rejects with an explanation.
func NewManager(interpreter Interpreter, drafter Drafter, mem memory.Store, pubs Publications, ttl time.Duration, logger *slog.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		interpreter:  interpreter,
		drafter:      drafter,
		memory:       mem,
		publications: pubs,
		ttl:          ttl,
		logger:       logger.With("component", "session"),
		now:          time.Now,
		sessions:     make(map[string]*Session),
	}
}

// GetOrCreate returns the user's session, creating an Idle one on first use.
func (m *Manager) GetOrCreate(userID string) *Session {
	m.mu.RLock()
	s, ok := m.sessions[userID]
	m.mu.RUnlock()
	if ok {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok = m.sessions[userID]; ok {
		return s
	}
	s = &Session{
		UserID:       userID,
		state:        StateIdle,
		lastActiveAt: m.now(),
	}
	m.sessions[userID] = s
	m.logger.Debug("session created", "user", userID)
	return s
}

// StartDraft generates a first draft for the topic and moves the session to
// Drafting. Rejected while another draft is active.
func (m *Manager) StartDraft(ctx context.Context, userID, channelID, topic string) Result {
	s := m.GetOrCreate(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch(m.now())

	if s.state != StateIdle {
		return Result{
			Kind:   intent.OpRegenerate,
			State:  s.state,
			Reason: "активный черновик уже существует, завершите или отмените его",
			Draft:  s.draft.Clone(),
		}
	}
	if m.drafter == nil {
		return Result{State: s.state, Reason: "генерация недоступна: не настроен LLM"}
	}

	body, err := m.drafter.GeneratePost(ctx, topic, m.styleContext(ctx, channelID, topic))
	if err != nil {
		m.logger.Error("draft generation failed", "user", userID, "error", err)
		return Result{State: s.state, Reason: fmt.Sprintf("не удалось сгенерировать пост: %v", err)}
	}

	s.draft = &Draft{
		ChannelID: channelID,
		Topic:     topic,
		Body:      body,
		Version:   1,
	}
	s.state = StateDrafting
	s.edits = nil
	s.jobID = ""

	m.index(ctx, memory.Record{
		ChannelID: channelID,
		Kind:      memory.KindDraft,
		Content:   body,
	})

	m.logger.Info("draft started", "user", userID, "channel", channelID, "topic", topic)
	return Result{Accepted: true, State: s.state, Draft: s.draft.Clone()}
}

// Handle interprets and applies one instruction under the session lane, so
// same-user instructions are serialized end to end.
func (m *Manager) Handle(ctx context.Context, userID, text string) Result {
	s := m.GetOrCreate(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch(m.now())

	draftCtx := intent.DraftContext{Scheduling: s.state == StateScheduling}
	if s.draft != nil {
		draftCtx.ChannelID = s.draft.ChannelID
		draftCtx.Body = s.draft.Body
	}

	op := m.interpreter.Interpret(ctx, text, draftCtx)
	return m.applyLocked(ctx, s, op)
}

// Apply presents an already-interpreted operation to the session.
func (m *Manager) Apply(ctx context.Context, userID string, op intent.EditOperation) Result {
	s := m.GetOrCreate(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch(m.now())
	return m.applyLocked(ctx, s, op)
}

// applyLocked enforces the legality matrix and mutates the session. The
// caller holds the session lane. A rejection leaves every field untouched.
func (m *Manager) applyLocked(ctx context.Context, s *Session, op intent.EditOperation) Result {
	if op.Kind == intent.OpUnknown {
		return Result{
			Kind:   op.Kind,
			State:  s.state,
			Reason: "не поняла запрос, уточните формулировку",
			Draft:  s.draft.Clone(),
		}
	}

	if !legalIn(op.Kind, s.state) {
		m.logger.Debug("operation rejected",
			"user", s.UserID, "op", op.Kind, "state", s.state)
		return Result{
			Kind:   op.Kind,
			State:  s.state,
			Reason: fmt.Sprintf("операция %s недоступна в состоянии %s", op.Kind, s.state),
			Draft:  s.draft.Clone(),
		}
	}

	switch op.Kind {
	case intent.OpReplaceToken:
		return m.applyReplace(s, op)
	case intent.OpRegenerate:
		return m.applyRegenerate(ctx, s, op)
	case intent.OpSetSchedule:
		return m.applySchedule(ctx, s, op)
	case intent.OpCancel:
		return m.applyCancel(s, op)
	}

	return Result{Kind: op.Kind, State: s.state, Reason: "неизвестная операция"}
}

func (m *Manager) applyReplace(s *Session, op intent.EditOperation) Result {
	if !strings.Contains(s.draft.Body, op.From) {
		return Result{
			Kind:   op.Kind,
			State:  s.state,
			Reason: fmt.Sprintf("в тексте нет %q", op.From),
			Draft:  s.draft.Clone(),
		}
	}

	s.draft.Body = strings.Replace(s.draft.Body, op.From, op.To, 1)
	s.draft.Version++
	s.state = StateEditing
	s.recordEdit(op.Kind, fmt.Sprintf("%s → %s", op.From, op.To), m.now())

	m.logger.Info("token replaced",
		"user", s.UserID, "from", op.From, "to", op.To, "version", s.draft.Version)
	return Result{Accepted: true, Kind: op.Kind, State: s.state, Draft: s.draft.Clone()}
}

func (m *Manager) applyRegenerate(ctx context.Context, s *Session, op intent.EditOperation) Result {
	if m.drafter == nil {
		return Result{Kind: op.Kind, State: s.state, Reason: "генерация недоступна: не настроен LLM", Draft: s.draft.Clone()}
	}

	style := m.styleContext(ctx, s.draft.ChannelID, s.draft.Topic)
	body, err := m.drafter.EditPost(ctx, s.draft.Body, op.Instruction, style)
	if err != nil {
		m.logger.Warn("regenerate failed", "user", s.UserID, "error", err)
		return Result{
			Kind:   op.Kind,
			State:  s.state,
			Reason: fmt.Sprintf("не удалось переписать пост: %v", err),
			Draft:  s.draft.Clone(),
		}
	}

	s.draft.Body = body
	s.draft.Version++
	s.state = StateEditing
	s.recordEdit(op.Kind, op.Instruction, m.now())

	m.logger.Info("draft regenerated", "user", s.UserID, "version", s.draft.Version)
	return Result{Accepted: true, Kind: op.Kind, State: s.state, Draft: s.draft.Clone()}
}

func (m *Manager) applySchedule(ctx context.Context, s *Session, op intent.EditOperation) Result {
	// A schedule request without a resolved time parks the session in
	// Scheduling; the next bare "18:00" completes it.
	if op.At.IsZero() {
		s.state = StateScheduling
		return Result{
			Accepted: true,
			Kind:     op.Kind,
			State:    s.state,
			Reason:   "на какое время запланировать публикацию?",
			Draft:    s.draft.Clone(),
		}
	}

	snap := scheduler.Snapshot{
		SessionID:    s.UserID,
		ChannelID:    s.draft.ChannelID,
		Body:         s.draft.Body,
		MediaRef:     s.draft.MediaRef,
		DraftVersion: s.draft.Version,
	}
	jobID, err := m.publications.Schedule(ctx, snap, op.At)
	if err != nil {
		return Result{
			Kind:   op.Kind,
			State:  s.state,
			Reason: fmt.Sprintf("не удалось запланировать: %v", err),
			Draft:  s.draft.Clone(),
		}
	}

	s.jobID = jobID
	s.state = StateScheduled
	s.recordEdit(op.Kind, op.At.Format(time.RFC3339), m.now())

	m.logger.Info("publication scheduled",
		"user", s.UserID, "job_id", jobID, "target_at", op.At)
	return Result{Accepted: true, Kind: op.Kind, State: s.state, Draft: s.draft.Clone(), JobID: jobID}
}

func (m *Manager) applyCancel(s *Session, op intent.EditOperation) Result {
	if s.jobID != "" && m.publications != nil {
		if m.publications.Cancel(s.jobID) {
			m.logger.Info("scheduled publication cancelled", "user", s.UserID, "job_id", s.jobID)
		}
	}

	s.draft = nil
	s.jobID = ""
	s.state = StateIdle
	s.edits = nil

	return Result{Accepted: true, Kind: op.Kind, State: s.state, Reason: "черновик отменён"}
}

// HandleOutcome consumes a scheduler event: the owning session returns from
// Scheduled to Idle and the result is recorded in memory. A missing session
// (pruned, restarted) still gets the memory record.
func (m *Manager) HandleOutcome(ctx context.Context, ev scheduler.Event) {
	outcome := string(ev.Kind)

	m.mu.RLock()
	s, ok := m.sessions[ev.SessionID]
	m.mu.RUnlock()

	var body string
	if ok {
		s.mu.Lock()
		if s.state == StateScheduled && s.jobID == ev.JobID {
			if s.draft != nil {
				body = s.draft.Body
			}
			s.draft = nil
			s.jobID = ""
			s.state = StateIdle
			s.touch(m.now())
		}
		s.mu.Unlock()
	}

	if body == "" {
		body = fmt.Sprintf("публикация %s", ev.JobID)
	}
	m.index(ctx, memory.Record{
		ChannelID: ev.ChannelID,
		Kind:      memory.KindPublished,
		Content:   body,
		Outcome:   outcome,
	})

	m.logger.Info("publication outcome",
		"user", ev.SessionID, "job_id", ev.JobID, "outcome", outcome)
}

// Prune drops sessions inactive past the TTL and returns how many were
// removed. Run from the assistant's maintenance cron.
func (m *Manager) Prune() int {
	cutoff := m.now().Add(-m.ttl)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for userID, s := range m.sessions {
		s.mu.Lock()
		stale := s.lastActiveAt.Before(cutoff)
		s.mu.Unlock()
		if stale {
			delete(m.sessions, userID)
			removed++
		}
	}
	if removed > 0 {
		m.logger.Info("sessions pruned", "count", removed)
	}
	return removed
}

// Len reports the live session count.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// styleContext pulls channel style notes from memory; failures just mean an
// empty context.
func (m *Manager) styleContext(ctx context.Context, channelID, topic string) string {
	if m.memory == nil {
		return ""
	}
	records, err := m.memory.Search(ctx, "стиль "+topic, channelID, 3)
	if err != nil || len(records) == 0 {
		return ""
	}
	parts := make([]string, 0, len(records))
	for _, rec := range records {
		parts = append(parts, rec.Content)
	}
	return strings.Join(parts, "\n")
}

func (m *Manager) index(ctx context.Context, rec memory.Record) {
	if m.memory == nil {
		return
	}
	if err := m.memory.Index(ctx, rec); err != nil {
		m.logger.Warn("memory index failed", "error", err)
	}
}

func (s *Session) recordEdit(kind intent.OpKind, summary string, now time.Time) {
	s.edits = append(s.edits, AppliedEdit{
		Kind:      kind,
		Summary:   summary,
		Version:   s.draft.Version,
		AppliedAt: now,
	})
}
