// Package registry is the authoritative in-memory map of live sessions.
//
// It keeps two structures in lock-step: sessionId → Session, and
// userId → set of sessionIds. The user index exists to enforce the
// at-most-one-active-session-per-user policy; every id in a user's set
// refers to a registry entry owned by that user.
package registry

import (
	"sync"
	"time"

	"github.com/open-ode/broker/internal/bridge"
	"github.com/open-ode/broker/internal/sandbox"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusStarting Status = "starting"
	StatusActive   Status = "active"
	StatusExited   Status = "exited"
	StatusError    Status = "error"
)

// Session is the live pairing of one sandbox and one attached terminal for
// one user. Exactly one websocket connection owns a session at a time.
type Session struct {
	ID            string
	UserID        string
	WorkspacePath string
	CreatedAt     time.Time

	mu       sync.Mutex
	status   Status
	sandbox  *sandbox.Handle
	terminal *bridge.Terminal
	endOnce  sync.Once
}

// NewSession creates a session in the starting state with no handles bound.
func NewSession(id, userID, workspacePath string) *Session {
	return &Session{
		ID:            id,
		UserID:        userID,
		WorkspacePath: workspacePath,
		CreatedAt:     time.Now(),
		status:        StatusStarting,
	}
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetStatus updates the lifecycle state.
func (s *Session) SetStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// Bind attaches the sandbox and terminal handles together with an active
// status. The two handles are always set as a pair: a session is never left
// with a sandbox but no terminal, or the reverse. Partially provisioned
// sessions must be rolled back by the caller instead of bound.
func (s *Session) Bind(h *sandbox.Handle, t *bridge.Terminal) {
	s.mu.Lock()
	s.sandbox = h
	s.terminal = t
	s.status = StatusActive
	s.mu.Unlock()
}

// Handles returns the bound sandbox and terminal, both nil until Bind.
func (s *Session) Handles() (*sandbox.Handle, *bridge.Terminal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sandbox, s.terminal
}

// End runs fn exactly once across the session's lifetime, no matter how
// many paths race to tear it down: owning connection close, process exit,
// pre-emption by a newer session, REST stop, or the reaper.
func (s *Session) End(fn func()) {
	s.endOnce.Do(fn)
}

// Terminal returns the bound terminal, or nil before Bind.
func (s *Session) Terminal() *bridge.Terminal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

// Registry tracks all live sessions for the broker process.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[string]map[string]struct{}

	lockMu sync.Mutex
	locks  map[string]*userLock
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		byUser:   make(map[string]map[string]struct{}),
		locks:    make(map[string]*userLock),
	}
}

// LockUser acquires the per-user critical section and returns its release
// function. The whole check-then-evict-then-create sequence for a start
// request must run inside this lock; two concurrent starts for the same
// user would otherwise both observe an empty session set and both create
// sessions, breaking the exclusivity policy.
func (r *Registry) LockUser(userID string) func() {
	r.lockMu.Lock()
	ul, ok := r.locks[userID]
	if !ok {
		ul = &userLock{}
		r.locks[userID] = ul
	}
	ul.refs++
	r.lockMu.Unlock()

	ul.mu.Lock()
	return func() {
		ul.mu.Unlock()
		r.lockMu.Lock()
		ul.refs--
		if ul.refs == 0 {
			delete(r.locks, userID)
		}
		r.lockMu.Unlock()
	}
}

// Create adds a session to the registry and indexes it under its user.
func (r *Registry) Create(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[s.ID] = s
	set, ok := r.byUser[s.UserID]
	if !ok {
		set = make(map[string]struct{})
		r.byUser[s.UserID] = set
	}
	set[s.ID] = struct{}{}
}

// Get returns the session with the given id, or nil.
func (r *Registry) Get(sessionID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[sessionID]
}

// RemoveAndUnindex removes a session from both the registry and the user
// index in one step so the two can never disagree. Removing an unknown id
// is a no-op.
func (r *Registry) RemoveAndUnindex(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	delete(r.sessions, sessionID)
	if set, ok := r.byUser[s.UserID]; ok {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(r.byUser, s.UserID)
		}
	}
}

// ListActiveFor returns all sessions currently indexed for a user.
func (r *Registry) ListActiveFor(userID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*Session
	for id := range r.byUser[userID] {
		if s, ok := r.sessions[id]; ok {
			result = append(result, s)
		}
	}
	return result
}

// All returns every live session. Used by the reaper.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		result = append(result, s)
	}
	return result
}

// Counts returns the number of sessions and of distinct users with at
// least one session. Used by the health endpoint.
func (r *Registry) Counts() (sessions, users int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions), len(r.byUser)
}
