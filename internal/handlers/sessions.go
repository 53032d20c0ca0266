package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/open-ode/broker/internal/commands"
	"github.com/open-ode/broker/internal/middleware"
	"github.com/open-ode/broker/internal/registry"
	"github.com/open-ode/broker/internal/sandbox"
)

// Stopper tears a session down exactly once, whichever path asks first.
// The websocket handler implements it.
type Stopper interface {
	TeardownSession(sess *registry.Session, reason string)
}

// Injected from main.go during init, like the rest of the package state.
var (
	Reg      *registry.Registry
	Sandbox  sandbox.Backend
	Commands *commands.Whitelist
	Sessions Stopper
)

type sessionView struct {
	SessionID     string    `json:"sessionId"`
	UserID        string    `json:"userId"`
	Status        string    `json:"status"`
	WorkspacePath string    `json:"workspacePath"`
	SandboxID     string    `json:"sandboxId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

func viewOf(s *registry.Session) sessionView {
	v := sessionView{
		SessionID:     s.ID,
		UserID:        s.UserID,
		Status:        string(s.Status()),
		WorkspacePath: s.WorkspacePath,
		CreatedAt:     s.CreatedAt,
	}
	if h, _ := s.Handles(); h != nil {
		v.SandboxID = h.ID
	}
	return v
}

// ListSessions returns the caller's live sessions; admins see everyone's.
func ListSessions(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r)
	if p == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	var sessions []*registry.Session
	if p.Role == "admin" {
		sessions = Reg.All()
	} else {
		sessions = Reg.ListActiveFor(p.UserID)
	}

	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, viewOf(s))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": views})
}

// StopSession stops a session out-of-band. The owning websocket learns of
// it through its terminal's output stream ending.
func StopSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess := Reg.Get(id)
	if sess == nil {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	if !middleware.CanAccessSession(r, sess.UserID) {
		writeError(w, http.StatusForbidden, "Access denied")
		return
	}

	Sessions.TeardownSession(sess, "stopped")
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "stopped",
		"sessionId": sess.ID,
	})
}
