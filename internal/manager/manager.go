// Package manager owns the UI-facing session selection state machine:
// an explicit reducer over discrete events instead of scattered shared
// variables, so the transitions stay testable in isolation.
package manager

import (
	"context"
	"log"
	"sync"
	"time"

	"lorekeep/internal/docs"
	"lorekeep/internal/store"
)

// DebounceWindow is how long project+branch selection must sit still before
// a session is auto-provisioned. Restarted on every change so intermediate
// picks never provision.
const DebounceWindow = 2 * time.Second

// Mode says whether the user is drafting a new session or viewing an
// existing one.
type Mode string

const (
	ModeNewDraft Mode = "new_draft"
	ModeExisting Mode = "existing"
)

// Phase is the sub-state within a mode.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseProvisioning Phase = "provisioning"
	PhaseLoading      Phase = "loading"
	PhaseReady        Phase = "ready"
	PhaseError        Phase = "error"
	PhaseAuthRequired Phase = "auth_required"
)

// TranscriptEntry is one message of the visible conversation.
type TranscriptEntry struct {
	Role    string
	Content string
}

// State is the full reducer state. Copies are handed out; the manager owns
// the only mutable instance.
type State struct {
	Mode       Mode
	Phase      Phase
	Project    *store.ProjectRef
	Workspace  *store.WorkspaceRef
	Repo       *store.RepoRef
	Branch     *store.BranchRef
	Session    *store.Session
	Transcript []TranscriptEntry
	ErrMsg     string
}

// Provisioner creates and loads sessions. Implemented by the service layer
// that runs the context assembler and writes the session row.
type Provisioner interface {
	CreateSession(ctx context.Context, project store.ProjectRef, workspace store.WorkspaceRef, repo store.RepoRef, branch store.BranchRef) (*store.Session, error)
	LoadSession(ctx context.Context, id string) (*store.Session, error)
}

// Manager dispatches events against the state and schedules the debounced
// auto-provisioning task.
type Manager struct {
	mu          sync.Mutex
	state       State
	provisioner Provisioner
	linked      bool

	// debounceGen invalidates a scheduled provision when selection changes
	// before the timer fires.
	debounceGen   int
	debounceTimer *time.Timer
}

// New creates a manager starting in the empty new-draft state.
func New(provisioner Provisioner) *Manager {
	return &Manager{
		provisioner: provisioner,
		state:       State{Mode: ModeNewDraft, Phase: PhaseIdle},
	}
}

// State returns a snapshot of the current state. The session and transcript
// are copied so later dispatches cannot mutate what a caller already holds.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.state
	if m.state.Session != nil {
		sess := *m.state.Session
		snap.Session = &sess
	}
	snap.Transcript = append([]TranscriptEntry(nil), m.state.Transcript...)
	return snap
}

// Dispatch applies one event. Events that change the new-draft selection
// cancel and reschedule the provisioning debounce.
func (m *Manager) Dispatch(ctx context.Context, ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch e := ev.(type) {
	case SessionSelected:
		m.cancelDebounceLocked()
		if e.ID == "" {
			// "New" resets selection, context and transcript.
			m.state = State{Mode: ModeNewDraft, Phase: PhaseIdle}
			return
		}
		m.state = State{Mode: ModeExisting, Phase: PhaseLoading}
		go m.loadSession(ctx, e.ID, m.debounceGen)

	case ConnectionStatusChanged:
		m.linked = e.Linked
		if !e.Linked && m.state.Mode == ModeNewDraft {
			m.cancelDebounceLocked()
		}

	case ProjectChosen:
		if m.state.Mode != ModeNewDraft {
			return
		}
		m.state.Project = &e.Project
		m.state.Workspace = &e.Workspace
		m.state.Repo = &e.Repo
		m.maybeScheduleProvisionLocked(ctx)

	case BranchChosen:
		if m.state.Mode != ModeNewDraft {
			return
		}
		m.state.Branch = &e.Branch
		m.maybeScheduleProvisionLocked(ctx)

	case ContextLoaded:
		if m.state.Session != nil && m.state.Session.ID == e.SessionID {
			m.state.Session.Context = e.Bundle
		}

	case DraftQueued:
		if m.state.Session != nil && m.state.Session.ID == e.SessionID {
			m.state.Session.DraftCount = e.DraftCount
			m.state.Session.HasPendingChanges = e.DraftCount > 0
		}

	case PersistCompleted:
		if m.state.Session != nil && m.state.Session.ID == e.SessionID {
			m.state.Session.HasPendingChanges = false
			m.state.Session.DraftCount = 0
			m.state.Session.PR = e.PR
		}

	case MessageAppended:
		m.state.Transcript = append(m.state.Transcript, TranscriptEntry{Role: e.Role, Content: e.Content})

	case SessionLoadFailed:
		// A missing session is a terminal error state, never a silent
		// fallback to the new-session flow.
		m.state.Mode = ModeExisting
		m.state.Phase = PhaseError
		m.state.ErrMsg = e.Reason
	}
}

// maybeScheduleProvisionLocked starts (or restarts) the debounce when both
// project and branch are chosen. Refused outright when the upstream
// connection is not linked.
func (m *Manager) maybeScheduleProvisionLocked(ctx context.Context) {
	m.cancelDebounceLocked()
	if m.state.Project == nil || m.state.Branch == nil {
		return
	}
	if !m.linked {
		m.state.Phase = PhaseAuthRequired
		return
	}
	m.state.Phase = PhaseIdle

	m.debounceGen++
	gen := m.debounceGen
	m.debounceTimer = time.AfterFunc(DebounceWindow, func() {
		m.fireProvision(ctx, gen)
	})
}

func (m *Manager) cancelDebounceLocked() {
	m.debounceGen++
	if m.debounceTimer != nil {
		m.debounceTimer.Stop()
		m.debounceTimer = nil
	}
}

// fireProvision runs when the debounce elapses. The generation check drops
// a firing timer whose preconditions were invalidated by a later event.
func (m *Manager) fireProvision(ctx context.Context, gen int) {
	m.mu.Lock()
	if gen != m.debounceGen || m.state.Mode != ModeNewDraft ||
		m.state.Project == nil || m.state.Branch == nil || !m.linked {
		m.mu.Unlock()
		return
	}
	m.state.Phase = PhaseProvisioning
	project, workspace, repo, branch := *m.state.Project, *m.state.Workspace, *m.state.Repo, *m.state.Branch
	m.mu.Unlock()

	sess, err := m.provisioner.CreateSession(ctx, project, workspace, repo, branch)

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.debounceGen {
		// Selection moved on while we were provisioning.
		return
	}
	if err != nil {
		log.Printf("manager: session provisioning failed: %v", err)
		m.state.Phase = PhaseError
		m.state.ErrMsg = err.Error()
		return
	}
	m.state.Mode = ModeExisting
	m.state.Phase = PhaseReady
	m.state.Session = sess
}

// loadSession resolves an existing session off the dispatch path. The
// generation check drops a load whose selection was abandoned or replaced
// while the fetch was in flight.
func (m *Manager) loadSession(ctx context.Context, id string, gen int) {
	sess, err := m.provisioner.LoadSession(ctx, id)

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.debounceGen {
		return
	}
	if err != nil {
		m.state.Phase = PhaseError
		m.state.ErrMsg = err.Error()
		return
	}
	m.state.Mode = ModeExisting
	m.state.Phase = PhaseReady
	m.state.Session = sess
	m.state.Repo = &sess.Repo
	m.state.Branch = &sess.Branch
	m.state.Workspace = &sess.Workspace
	m.state.Project = &sess.Project
}

// Event is a discrete state machine input. The concrete types below are the
// only implementations.
type Event interface{ isEvent() }

// SessionSelected switches to an existing session by id, or to the empty
// new-session draft when ID is empty.
type SessionSelected struct{ ID string }

// ProjectChosen updates the new-draft project/workspace/repo selection.
type ProjectChosen struct {
	Project   store.ProjectRef
	Workspace store.WorkspaceRef
	Repo      store.RepoRef
}

// BranchChosen updates the new-draft branch selection.
type BranchChosen struct{ Branch store.BranchRef }

// ConnectionStatusChanged reports whether the upstream account link is live.
type ConnectionStatusChanged struct{ Linked bool }

// ContextLoaded attaches a refreshed context bundle to the active session.
type ContextLoaded struct {
	SessionID string
	Bundle    *docs.Bundle
}

// DraftQueued reflects a new pending draft count.
type DraftQueued struct {
	SessionID  string
	DraftCount int
}

// PersistCompleted reflects a finished persist and its PR descriptor.
type PersistCompleted struct {
	SessionID string
	PR        *store.PullRequestRef
}

// MessageAppended appends one transcript entry.
type MessageAppended struct {
	Role    string
	Content string
}

// SessionLoadFailed marks the existing-session view as failed.
type SessionLoadFailed struct{ Reason string }

func (SessionSelected) isEvent()         {}
func (ProjectChosen) isEvent()           {}
func (BranchChosen) isEvent()            {}
func (ConnectionStatusChanged) isEvent() {}
func (ContextLoaded) isEvent()           {}
func (DraftQueued) isEvent()             {}
func (PersistCompleted) isEvent()        {}
func (MessageAppended) isEvent()         {}
func (SessionLoadFailed) isEvent()       {}
