// Package session implements the per-user state machine driving a post from
// first draft to scheduled publication. Each user owns one session with at
// most one active draft; operations on a session are serialized through its
// execution lane while distinct sessions proceed fully concurrently.
package session

import (
	"sync"
	"time"

	"github.com/jholhewres/postclaw/pkg/postclaw/intent"
)

// State is the session lifecycle phase.
type State string

const (
	StateIdle       State = "idle"
	StateDrafting   State = "drafting"
	StateEditing    State = "editing"
	StateScheduling State = "scheduling"
	StateScheduled  State = "scheduled"
)

// Draft is the work-in-progress post. Version increases by exactly one per
// accepted edit and never decreases.
type Draft struct {
	ChannelID string
	Topic     string
	Body      string
	MediaRef  string
	Version   int
	StyleTags []string
}

// Clone deep-copies the draft so job payloads stay immutable.
func (d *Draft) Clone() *Draft {
	if d == nil {
		return nil
	}
	c := *d
	c.StyleTags = append([]string(nil), d.StyleTags...)
	return &c
}

// AppliedEdit records one accepted operation for session history.
type AppliedEdit struct {
	Kind      intent.OpKind
	Summary   string
	Version   int
	AppliedAt time.Time
}

// Session is one user's conversation state. Fields are guarded by the
// session lane (mu); callers outside the package go through Manager.
type Session struct {
	UserID string

	state        State
	draft        *Draft
	jobID        string
	edits        []AppliedEdit
	lastActiveAt time.Time

	// mu is the execution lane: held across interpret+apply so instructions
	// from the same user are processed strictly in arrival order.
	mu sync.Mutex
}

// Result reports the outcome of presenting an operation to a session. A
// rejected operation leaves the session untouched; Reason explains what
// happened in either case and is safe to surface to the user.
type Result struct {
	Accepted bool
	Kind     intent.OpKind
	State    State
	Reason   string

	// Draft is a snapshot after the operation (nil once the session is back
	// to Idle).
	Draft *Draft

	// JobID is set when the operation scheduled a publication.
	JobID string
}

// legalStates maps each operation kind to the states that accept it. Unknown
// is absent on purpose: it is legal everywhere and applies nothing.
var legalStates = map[intent.OpKind][]State{
	intent.OpReplaceToken: {StateDrafting, StateEditing},
	intent.OpRegenerate:   {StateDrafting, StateEditing},
	intent.OpSetSchedule:  {StateDrafting, StateEditing, StateScheduling},
	intent.OpCancel:       {StateDrafting, StateEditing, StateScheduling, StateScheduled},
}

func legalIn(kind intent.OpKind, state State) bool {
	for _, s := range legalStates[kind] {
		if s == state {
			return true
		}
	}
	return false
}

// State returns the current phase. Lane-safe.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Draft returns a snapshot of the active draft, or nil.
func (s *Session) Draft() *Draft {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft.Clone()
}

// History returns a copy of the accepted-edit log.
func (s *Session) History() []AppliedEdit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AppliedEdit(nil), s.edits...)
}

func (s *Session) touch(now time.Time) {
	s.lastActiveAt = now
}
