package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/open-ode/broker/internal/bridge"
	"github.com/open-ode/broker/internal/middleware"
	"github.com/open-ode/broker/internal/registry"
)

// Output collection for injected commands: stop after this much silence,
// or unconditionally at the cap. The terminal keeps streaming to its
// websocket either way; this only observes.
const (
	commandSilenceWindow = 500 * time.Millisecond
	commandOutputCap     = 5 * time.Second
)

type runCommandRequest struct {
	Command string `json:"command"`
}

// RunCommand injects a whitelisted command into the caller's active
// terminal and returns the output produced until it goes quiet.
func RunCommand(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r)
	if p == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	var req runCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Command == "" {
		writeError(w, http.StatusBadRequest, "Request must name a command")
		return
	}
	cmd, ok := Commands.Lookup(req.Command)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown command")
		return
	}

	var term *bridge.Terminal
	var sess *registry.Session
	for _, s := range Reg.ListActiveFor(p.UserID) {
		if t := s.Terminal(); t != nil {
			sess, term = s, t
			break
		}
	}
	if term == nil {
		writeError(w, http.StatusBadRequest, "No active terminal session")
		return
	}

	// Observe output through a tap so the websocket relay keeps its
	// ordered stream untouched.
	var mu sync.Mutex
	var buf bytes.Buffer
	activity := make(chan struct{}, 1)
	untap := term.Tap(func(data []byte) {
		mu.Lock()
		buf.Write(data)
		mu.Unlock()
		select {
		case activity <- struct{}{}:
		default:
		}
	})
	defer untap()

	if err := term.Write([]byte(cmd.Line + "\n")); err != nil {
		writeError(w, http.StatusBadRequest, "No active terminal session")
		return
	}

	deadline := time.NewTimer(commandOutputCap)
	defer deadline.Stop()
	silence := time.NewTimer(commandSilenceWindow)
	defer silence.Stop()

	timedOut := false
collect:
	for {
		select {
		case <-activity:
			if !silence.Stop() {
				select {
				case <-silence.C:
				default:
				}
			}
			silence.Reset(commandSilenceWindow)
		case <-silence.C:
			break collect
		case <-deadline.C:
			timedOut = true
			break collect
		case <-r.Context().Done():
			break collect
		}
	}

	mu.Lock()
	output := buf.String()
	mu.Unlock()

	resp := map[string]interface{}{
		"command":   cmd.Line,
		"output":    output,
		"sessionId": sess.ID,
	}
	if timedOut {
		resp["timeout"] = true
	}
	writeJSON(w, http.StatusOK, resp)
}
