// Package ws implements the broker side of the session websocket: one
// connection, one state machine, at most one owned session.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/open-ode/broker/internal/bridge"
	"github.com/open-ode/broker/internal/logutil"
	"github.com/open-ode/broker/internal/registry"
	"github.com/open-ode/broker/internal/sandbox"
	"github.com/open-ode/broker/internal/token"
)

// wsRateLimit is the maximum number of messages allowed per second per
// connection; wsRateBurst allows short bursts (paste) before messages are
// dropped.
const (
	wsRateLimit = 200
	wsRateBurst = 200
)

// maxInputMessageSize bounds a single input frame. Oversized frames are
// dropped, not fatal.
const maxInputMessageSize = 64 * 1024

// Resize requests beyond these bounds are clamped.
const (
	maxResizeCols uint16 = 500
	maxResizeRows uint16 = 500
)

// Initial terminal geometry before the client sends its first resize.
const (
	defaultCols uint16 = 80
	defaultRows uint16 = 30
)

// Recorder persists session lifecycle events for the audit trail.
// Implementations must be best-effort; failures never propagate here.
type Recorder interface {
	SessionStarted(sessionID, userID, workspacePath, sandboxID string)
	SessionEnded(sessionID, reason string)
}

// Handler serves the session websocket. One Handler is shared by all
// connections; per-connection state lives in conn.
type Handler struct {
	Verifier *token.Verifier
	Registry *registry.Registry
	Backend  sandbox.Backend
	Recorder Recorder // optional

	AgentCommand  []string
	SandboxImage  string
	CPULimit      string
	MemoryLimit   string
	WorkspaceRoot string
	SandboxEnv    map[string]string

	HeartbeatInterval time.Duration
	AuthFailGrace     time.Duration
	StopTimeout       time.Duration
}

func (h *Handler) heartbeatInterval() time.Duration {
	if h.HeartbeatInterval > 0 {
		return h.HeartbeatInterval
	}
	return 30 * time.Second
}

func (h *Handler) authFailGrace() time.Duration {
	if h.AuthFailGrace > 0 {
		return h.AuthFailGrace
	}
	return 250 * time.Millisecond
}

func (h *Handler) stopTimeout() time.Duration {
	if h.StopTimeout > 0 {
		return h.StopTimeout
	}
	return 15 * time.Second
}

type connState int

const (
	stateUnauthenticated connState = iota
	stateAuthenticated
	stateSessionActive
	stateClosed
)

type conn struct {
	h      *Handler
	sock   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu        sync.Mutex
	state     connState
	principal *token.Principal
	session   *registry.Session
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[ws] accept failed: %v", err)
		return
	}
	defer sock.CloseNow()

	sock.SetReadLimit(1024 * 1024)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &conn{h: h, sock: sock, ctx: ctx, cancel: cancel, state: stateUnauthenticated}

	go c.heartbeat()

	c.readLoop()

	// Runs on every exit path, including abrupt transport loss: an owned
	// session never outlives its connection.
	c.teardownOwned()

	sock.Close(websocket.StatusNormalClosure, "")
}

// heartbeat pings on an interval and forces closure of connections that
// fail to answer within one cycle.
func (c *conn) heartbeat() {
	interval := c.h.heartbeatInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, interval)
			err := c.sock.Ping(pingCtx)
			cancel()
			if err != nil {
				if c.ctx.Err() == nil {
					log.Printf("[ws] heartbeat failed, closing connection: %v", err)
				}
				c.cancel()
				return
			}
		}
	}
}

func (c *conn) readLoop() {
	limiter := newTokenBucket(wsRateBurst, wsRateLimit)

	for {
		_, data, err := c.sock.Read(c.ctx)
		if err != nil {
			return
		}

		if !limiter.allow() {
			continue
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.sendError("Invalid message")
			continue
		}

		c.dispatch(env)
	}
}

func (c *conn) dispatch(env Envelope) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	switch env.Type {
	case TypeAuth:
		if state != stateUnauthenticated {
			c.sendError("Already authenticated")
			return
		}
		c.handleAuth(env)

	case TypeStart:
		if state == stateUnauthenticated {
			c.sendError("Authentication required")
			return
		}
		c.handleStart(env)

	case TypeInput:
		if state == stateUnauthenticated {
			c.sendError("Authentication required")
			return
		}
		if state != stateSessionActive {
			c.sendError("No active session")
			return
		}
		c.handleInput(env)

	case TypeResize:
		if state == stateUnauthenticated {
			c.sendError("Authentication required")
			return
		}
		if state != stateSessionActive {
			c.sendError("No active session")
			return
		}
		c.handleResize(env)

	default:
		c.sendError(fmt.Sprintf("Unknown message type %q", env.Type))
	}
}

func (c *conn) handleAuth(env Envelope) {
	principal, err := c.h.Verifier.Verify(env.Token)
	if err != nil {
		log.Printf("[ws] authentication failed")
		c.send(Envelope{Type: TypeAuth, Status: StatusFailed, Error: "Invalid authentication token"})
		// Let the client receive the failure before the transport drops.
		time.Sleep(c.h.authFailGrace())
		c.sock.Close(websocket.StatusPolicyViolation, "authentication failed")
		c.cancel()
		return
	}

	c.mu.Lock()
	c.principal = principal
	c.state = stateAuthenticated
	c.mu.Unlock()

	log.Printf("[ws] authenticated: user=%s email=%s",
		logutil.SanitizeForLog(principal.UserID), logutil.SanitizeForLog(principal.Email))
	c.send(Envelope{Type: TypeAuth, Status: StatusAuthenticated})
}

func (c *conn) handleStart(env Envelope) {
	c.mu.Lock()
	principal := c.principal
	c.mu.Unlock()

	// The whole evict-then-create-then-provision sequence runs inside the
	// per-user critical section. Two starts for the same user (two tabs)
	// serialize here; the loser of the race evicts the winner's session
	// before creating its own, so exactly one survives.
	unlock := c.h.Registry.LockUser(principal.UserID)
	defer unlock()

	for _, existing := range c.h.Registry.ListActiveFor(principal.UserID) {
		log.Printf("[ws] pre-empting session %s for user %s", existing.ID, logutil.SanitizeForLog(principal.UserID))
		c.h.TeardownSession(existing, "preempted")
	}

	workspace, err := c.h.workspacePath(principal.UserID, env.ProjectPath)
	if err != nil {
		c.send(Envelope{Type: TypeStatus, Status: StatusError, Error: err.Error()})
		return
	}

	// The session joins the registry only once both handles are bound.
	// Until then the per-user lock alone guards exclusivity, and no other
	// path (REST stop, reaper) can see a half-built session.
	sess := registry.NewSession(uuid.New().String(), principal.UserID, workspace)

	handle, err := c.h.Backend.Start(c.ctx, sandbox.StartParams{
		SessionID:     sess.ID,
		UserID:        principal.UserID,
		WorkspacePath: workspace,
		Image:         c.h.SandboxImage,
		CPULimit:      c.h.CPULimit,
		MemoryLimit:   c.h.MemoryLimit,
		Env:           c.h.SandboxEnv,
	})
	if err != nil {
		sess.SetStatus(registry.StatusError)
		log.Printf("[ws] sandbox start failed: session=%s: %v", sess.ID, err)
		c.send(Envelope{Type: TypeStatus, Status: StatusError, SessionID: sess.ID,
			Error: "Failed to start sandbox: " + err.Error()})
		return
	}

	term, err := c.h.Backend.Attach(c.ctx, handle, c.h.AgentCommand, defaultCols, defaultRows)
	if err != nil {
		// Roll the sandbox back so a half-built session leaves nothing
		// behind: handles are bound as a pair or not at all.
		stopCtx, stopCancel := context.WithTimeout(context.Background(), c.h.stopTimeout())
		if stopErr := c.h.Backend.Stop(stopCtx, handle); stopErr != nil {
			log.Printf("[ws] rollback stop failed: session=%s: %v", sess.ID, stopErr)
		}
		stopCancel()
		sess.SetStatus(registry.StatusError)
		log.Printf("[ws] terminal attach failed: session=%s: %v", sess.ID, err)
		c.send(Envelope{Type: TypeStatus, Status: StatusError, SessionID: sess.ID,
			Error: "Failed to attach terminal: " + err.Error()})
		return
	}

	sess.Bind(handle, term)
	c.h.Registry.Create(sess)

	c.mu.Lock()
	c.session = sess
	c.state = stateSessionActive
	c.mu.Unlock()

	if c.h.Recorder != nil {
		c.h.Recorder.SessionStarted(sess.ID, principal.UserID, workspace, handle.ID)
	}

	log.Printf("[ws] session started: session=%s user=%s sandbox=%.12s",
		sess.ID, logutil.SanitizeForLog(principal.UserID), handle.ID)
	c.send(Envelope{Type: TypeStatus, Status: StatusStarted, SessionID: sess.ID})

	go c.relayOutput(sess, term)
}

func (c *conn) handleInput(env Envelope) {
	if len(env.Data) > maxInputMessageSize {
		log.Printf("[ws] input message too large: size=%d limit=%d", len(env.Data), maxInputMessageSize)
		return
	}

	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		return
	}
	term := sess.Terminal()
	if term == nil {
		return
	}
	if err := term.Write([]byte(env.Data)); err != nil {
		log.Printf("[ws] input write failed: session=%s: %v", sess.ID, err)
	}
}

func (c *conn) handleResize(env Envelope) {
	if env.Cols == 0 || env.Rows == 0 {
		return
	}
	cols, rows := env.Cols, env.Rows
	if cols > maxResizeCols {
		cols = maxResizeCols
	}
	if rows > maxResizeRows {
		rows = maxResizeRows
	}

	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		return
	}
	if term := sess.Terminal(); term != nil {
		if err := term.Resize(cols, rows); err != nil {
			log.Printf("[ws] resize failed: session=%s: %v", sess.ID, err)
		}
	}
}

// relayOutput pumps terminal output to the socket in production order and
// reports the final exit status. It runs until the terminal's output
// stream ends, whatever ends it.
func (c *conn) relayOutput(sess *registry.Session, term *bridge.Terminal) {
	for chunk := range term.Output() {
		if c.ctx.Err() != nil {
			continue // draining during teardown
		}
		if err := c.send(Envelope{Type: TypeOutput, Data: string(chunk)}); err != nil {
			c.cancel()
		}
	}

	st := <-term.Done()
	if c.ctx.Err() == nil {
		code := st.Code
		c.send(Envelope{Type: TypeExit, Code: &code})
	}

	c.h.TeardownSession(sess, "exited")

	// The connection survives a process exit; the client may start a new
	// session on the same socket.
	c.mu.Lock()
	if c.session == sess {
		c.session = nil
		if c.state == stateSessionActive {
			c.state = stateAuthenticated
		}
	}
	c.mu.Unlock()
}

func (c *conn) teardownOwned() {
	c.mu.Lock()
	sess := c.session
	c.session = nil
	c.state = stateClosed
	c.mu.Unlock()

	if sess != nil {
		c.h.TeardownSession(sess, "disconnected")
	}
}

// TeardownSession stops the sandbox, closes the terminal, and removes the
// session from the registry, exactly once no matter how many paths race:
// connection close, process exit, pre-emption, REST stop, or the reaper.
func (h *Handler) TeardownSession(sess *registry.Session, reason string) {
	sess.End(func() {
		handle, term := sess.Handles()
		if term != nil {
			term.Close()
		}
		if handle != nil {
			ctx, cancel := context.WithTimeout(context.Background(), h.stopTimeout())
			if err := h.Backend.Stop(ctx, handle); err != nil {
				log.Printf("[ws] sandbox stop failed: session=%s: %v", sess.ID, err)
			}
			cancel()
		}
		sess.SetStatus(registry.StatusExited)
		h.Registry.RemoveAndUnindex(sess.ID)
		if h.Recorder != nil {
			h.Recorder.SessionEnded(sess.ID, reason)
		}
		log.Printf("[ws] session ended: session=%s reason=%s", sess.ID, reason)
	})
}

func (h *Handler) workspacePath(userID, projectPath string) (string, error) {
	base, err := sandbox.WorkspaceFor(h.WorkspaceRoot, userID)
	if err != nil {
		return "", err
	}
	if projectPath == "" {
		return base, nil
	}

	// projectPath is interpreted relative to the user's workspace; paths
	// escaping it are rejected.
	dir := filepath.Join(base, filepath.Clean("/"+projectPath))
	if dir != base && !strings.HasPrefix(dir, base+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid project path %q", projectPath)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create project directory: %w", err)
	}
	return dir, nil
}

func (c *conn) send(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.sock.Write(c.ctx, websocket.MessageText, data)
}

func (c *conn) sendError(msg string) {
	c.send(Envelope{Type: TypeError, Error: msg})
}
