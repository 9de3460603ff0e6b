package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/postclaw/pkg/postclaw/intent"
	"github.com/jholhewres/postclaw/pkg/postclaw/scheduler"
)

type stubDrafter struct {
	generated string
	edited    string
	err       error
}

func (d *stubDrafter) GeneratePost(ctx context.Context, topic, styleContext string) (string, error) {
	return d.generated, d.err
}

func (d *stubDrafter) EditPost(ctx context.Context, body, instruction, styleContext string) (string, error) {
	return d.edited, d.err
}

type stubPublications struct {
	mu        sync.Mutex
	scheduled []time.Time
	err       error
	cancelled []string
	cancelOK  bool
	nextID    int
}

func (p *stubPublications) Schedule(ctx context.Context, snap scheduler.Snapshot, targetAt time.Time) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.nextID++
	p.scheduled = append(p.scheduled, targetAt)
	return fmt.Sprintf("job-%d", p.nextID), nil
}

func (p *stubPublications) Cancel(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = append(p.cancelled, jobID)
	return p.cancelOK
}

func newTestManager(drafter Drafter, pubs Publications) *Manager {
	interp := intent.New(intent.Options{})
	return NewManager(interp, drafter, nil, pubs, time.Hour, nil)
}

// draftingSession puts a session into Drafting with the given body.
func draftingSession(t *testing.T, m *Manager, userID, body string) {
	t.Helper()
	res := m.StartDraft(context.Background(), userID, "@technews", "новости")
	if !res.Accepted {
		t.Fatalf("start draft rejected: %s", res.Reason)
	}
	if res.Draft.Body != body {
		t.Fatalf("draft body = %q, want %q", res.Draft.Body, body)
	}
}

func TestReplaceTokenScenario(t *testing.T) {
	t.Parallel()

	m := newTestManager(&stubDrafter{generated: "Новый пост ❤️"}, &stubPublications{})
	draftingSession(t, m, "u1", "Новый пост ❤️")

	res := m.Handle(context.Background(), "u1", "вместо сердечка поставь огонек")
	if !res.Accepted {
		t.Fatalf("rejected: %s", res.Reason)
	}
	if res.Draft.Body != "Новый пост 🔥" {
		t.Errorf("body = %q, want %q", res.Draft.Body, "Новый пост 🔥")
	}
	if res.Draft.Version != 2 {
		t.Errorf("version = %d, want 2 (incremented by one)", res.Draft.Version)
	}
	if res.State != StateEditing {
		t.Errorf("state = %q, want %q", res.State, StateEditing)
	}
}

func TestRejectedOperationLeavesSessionUnchanged(t *testing.T) {
	t.Parallel()

	m := newTestManager(&stubDrafter{generated: "Пост без эмодзи"}, &stubPublications{})
	draftingSession(t, m, "u1", "Пост без эмодзи")

	before := m.GetOrCreate("u1").Draft()

	res := m.Apply(context.Background(), "u1", intent.EditOperation{
		Kind: intent.OpReplaceToken, From: "❤️", To: "🔥",
	})
	if res.Accepted {
		t.Fatal("replace of a missing token must be rejected")
	}
	if res.Reason == "" {
		t.Error("rejection must carry an explanation")
	}

	after := m.GetOrCreate("u1").Draft()
	if after.Body != before.Body || after.Version != before.Version {
		t.Errorf("session changed by rejected operation: %+v → %+v", before, after)
	}
}

func TestLegalityMatrix(t *testing.T) {
	t.Parallel()

	ops := map[intent.OpKind]intent.EditOperation{
		intent.OpReplaceToken: {Kind: intent.OpReplaceToken, From: "a", To: "b"},
		intent.OpRegenerate:   {Kind: intent.OpRegenerate, Instruction: "короче"},
		intent.OpSetSchedule:  {Kind: intent.OpSetSchedule, At: time.Now().Add(time.Hour)},
		intent.OpCancel:       {Kind: intent.OpCancel},
	}

	// Idle accepts nothing but Unknown (which applies nothing anyway).
	m := newTestManager(&stubDrafter{generated: "x"}, &stubPublications{})
	for kind, op := range ops {
		res := m.Apply(context.Background(), "idle-user", op)
		if res.Accepted {
			t.Errorf("%s accepted in Idle", kind)
		}
		if s := m.GetOrCreate("idle-user").State(); s != StateIdle {
			t.Errorf("%s moved Idle session to %s", kind, s)
		}
	}

	// Scheduled accepts only Cancel.
	m2 := newTestManager(&stubDrafter{generated: "тело поста"}, &stubPublications{cancelOK: true})
	draftingSession(t, m2, "u2", "тело поста")
	res := m2.Apply(context.Background(), "u2", ops[intent.OpSetSchedule])
	if !res.Accepted || res.State != StateScheduled {
		t.Fatalf("schedule: %+v", res)
	}
	for _, kind := range []intent.OpKind{intent.OpReplaceToken, intent.OpRegenerate} {
		if res := m2.Apply(context.Background(), "u2", ops[kind]); res.Accepted {
			t.Errorf("%s accepted in Scheduled", kind)
		}
	}
	if res := m2.Apply(context.Background(), "u2", ops[intent.OpCancel]); !res.Accepted || res.State != StateIdle {
		t.Errorf("cancel in Scheduled: %+v", res)
	}
}

func TestUnknownAppliesNothing(t *testing.T) {
	t.Parallel()

	m := newTestManager(&stubDrafter{generated: "тело"}, &stubPublications{})
	draftingSession(t, m, "u1", "тело")

	res := m.Apply(context.Background(), "u1", intent.EditOperation{Kind: intent.OpUnknown, Raw: "???"})
	if res.Accepted {
		t.Error("unknown must not be reported as applied")
	}
	if res.Reason == "" {
		t.Error("unknown must surface a clarification")
	}
	if got := m.GetOrCreate("u1").Draft().Version; got != 1 {
		t.Errorf("version = %d, unknown must not bump it", got)
	}
}

func TestScheduleFlow(t *testing.T) {
	t.Parallel()

	pubs := &stubPublications{}
	m := newTestManager(&stubDrafter{generated: "тело"}, pubs)
	draftingSession(t, m, "u1", "тело")

	// Keyword without a time parks the session in Scheduling.
	res := m.Apply(context.Background(), "u1", intent.EditOperation{Kind: intent.OpSetSchedule})
	if !res.Accepted || res.State != StateScheduling {
		t.Fatalf("park in scheduling: %+v", res)
	}

	// Bare time now resolves through the interpreter and completes the flow.
	res = m.Handle(context.Background(), "u1", "18:00")
	if !res.Accepted || res.State != StateScheduled {
		t.Fatalf("complete scheduling: %+v", res)
	}
	if res.JobID == "" {
		t.Error("result must carry the job ID")
	}
	if len(pubs.scheduled) != 1 {
		t.Errorf("scheduler called %d times, want 1", len(pubs.scheduled))
	}
}

func TestScheduleRejectionKeepsState(t *testing.T) {
	t.Parallel()

	pubs := &stubPublications{err: scheduler.ErrPastTarget}
	m := newTestManager(&stubDrafter{generated: "тело"}, pubs)
	draftingSession(t, m, "u1", "тело")

	res := m.Apply(context.Background(), "u1", intent.EditOperation{
		Kind: intent.OpSetSchedule, At: time.Now().Add(-time.Hour),
	})
	if res.Accepted {
		t.Fatal("past-time schedule must be rejected")
	}
	if s := m.GetOrCreate("u1").State(); s != StateDrafting {
		t.Errorf("state = %q after rejected schedule, want drafting", s)
	}
}

func TestCancelCancelsPendingJob(t *testing.T) {
	t.Parallel()

	pubs := &stubPublications{cancelOK: true}
	m := newTestManager(&stubDrafter{generated: "тело"}, pubs)
	draftingSession(t, m, "u1", "тело")

	res := m.Apply(context.Background(), "u1", intent.EditOperation{
		Kind: intent.OpSetSchedule, At: time.Now().Add(time.Hour),
	})
	jobID := res.JobID

	res = m.Apply(context.Background(), "u1", intent.EditOperation{Kind: intent.OpCancel})
	if !res.Accepted || res.State != StateIdle {
		t.Fatalf("cancel: %+v", res)
	}
	if len(pubs.cancelled) != 1 || pubs.cancelled[0] != jobID {
		t.Errorf("cancelled jobs = %v, want [%s]", pubs.cancelled, jobID)
	}
	if m.GetOrCreate("u1").Draft() != nil {
		t.Error("draft must be discarded on cancel")
	}
}

func TestRegenerate(t *testing.T) {
	t.Parallel()

	drafter := &stubDrafter{generated: "скучный пост", edited: "весёлый пост 🎉"}
	m := newTestManager(drafter, &stubPublications{})
	draftingSession(t, m, "u1", "скучный пост")

	res := m.Handle(context.Background(), "u1", "перепиши повеселее")
	if !res.Accepted {
		t.Fatalf("rejected: %s", res.Reason)
	}
	if res.Draft.Body != "весёлый пост 🎉" || res.Draft.Version != 2 {
		t.Errorf("draft = %+v", res.Draft)
	}

	// Drafter failure leaves the draft intact.
	drafter.err = errors.New("llm down")
	res = m.Handle(context.Background(), "u1", "перепиши ещё раз")
	if res.Accepted {
		t.Fatal("regenerate must be rejected when the drafter fails")
	}
	if got := m.GetOrCreate("u1").Draft(); got.Body != "весёлый пост 🎉" || got.Version != 2 {
		t.Errorf("draft changed by failed regenerate: %+v", got)
	}
}

func TestHandleOutcomeReturnsSessionToIdle(t *testing.T) {
	t.Parallel()

	m := newTestManager(&stubDrafter{generated: "тело"}, &stubPublications{})
	draftingSession(t, m, "u1", "тело")

	res := m.Apply(context.Background(), "u1", intent.EditOperation{
		Kind: intent.OpSetSchedule, At: time.Now().Add(time.Hour),
	})
	if res.State != StateScheduled {
		t.Fatalf("state = %q", res.State)
	}

	m.HandleOutcome(context.Background(), scheduler.Event{
		Kind: scheduler.EventDelivered, JobID: res.JobID,
		SessionID: "u1", ChannelID: "@technews", Attempts: 1,
	})

	s := m.GetOrCreate("u1")
	if s.State() != StateIdle {
		t.Errorf("state = %q after delivery, want idle", s.State())
	}
	if s.Draft() != nil {
		t.Error("draft must be cleared after delivery")
	}

	// An event for an unknown session must not panic or create state.
	m.HandleOutcome(context.Background(), scheduler.Event{
		Kind: scheduler.EventFailed, JobID: "job-x", SessionID: "ghost",
	})
	if m.Len() != 1 {
		t.Errorf("sessions = %d, ghost event must not create a session", m.Len())
	}
}

func TestSessionsIndependent(t *testing.T) {
	t.Parallel()

	m := newTestManager(&stubDrafter{generated: "Пост ⭐"}, &stubPublications{})
	draftingSession(t, m, "alice", "Пост ⭐")
	draftingSession(t, m, "bob", "Пост ⭐")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			m.Handle(context.Background(), "alice", "замени звезду на ракету")
		}()
		go func() {
			defer wg.Done()
			m.Handle(context.Background(), "bob", "какой-то непонятный текст")
		}()
	}
	wg.Wait()

	alice := m.GetOrCreate("alice").Draft()
	if alice.Version != 2 {
		t.Errorf("alice version = %d, want 2 (only the first replace applies)", alice.Version)
	}
	bob := m.GetOrCreate("bob").Draft()
	if bob.Version != 1 {
		t.Errorf("bob version = %d, unknown ops must not touch the draft", bob.Version)
	}
}

func TestPrune(t *testing.T) {
	t.Parallel()

	m := newTestManager(&stubDrafter{generated: "x"}, &stubPublications{})
	base := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	m.GetOrCreate("old")
	m.now = func() time.Time { return base.Add(2 * time.Hour) }
	m.GetOrCreate("fresh")

	if removed := m.Prune(); removed != 1 {
		t.Errorf("pruned %d sessions, want 1", removed)
	}
	if m.Len() != 1 {
		t.Errorf("sessions = %d, want 1", m.Len())
	}
}
