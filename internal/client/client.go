// Package client is the Go counterpart of the browser connection manager:
// it dials the broker websocket, authenticates, and hands inbound frames
// to subscribed handlers. Embedders (CLI frontends, integration tests)
// use it instead of raw socket plumbing.
package client

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/open-ode/broker/internal/ws"
)

// State is the connection manager's externally visible status.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateAuthenticated  State = "authenticated"
	StateSessionStarted State = "session-started"
	StateError          State = "error"
)

// Config for the connection manager. URL and Token are required.
type Config struct {
	URL   string
	Token string

	// MaxRetries bounds connection attempts per Connect call; BaseDelay
	// is the first backoff delay, doubling per attempt.
	MaxRetries int
	BaseDelay  time.Duration

	HandshakeTimeout time.Duration
}

func (c Config) maxRetries() int {
	if c.MaxRetries > 0 {
		return c.MaxRetries
	}
	return 5
}

func (c Config) baseDelay() time.Duration {
	if c.BaseDelay > 0 {
		return c.BaseDelay
	}
	return 500 * time.Millisecond
}

func (c Config) handshakeTimeout() time.Duration {
	if c.HandshakeTimeout > 0 {
		return c.HandshakeTimeout
	}
	return 10 * time.Second
}

// Handler observes inbound frames. Handlers run on the read goroutine and
// must not block.
type Handler func(env ws.Envelope)

// Manager maintains one authenticated connection to the broker and
// reconnects with exponential backoff when it drops.
type Manager struct {
	cfg Config

	writeMu sync.Mutex

	mu          sync.Mutex
	conn        *websocket.Conn
	state       State
	lastErr     error
	closed      bool
	connecting  chan struct{}
	handlers    map[int]Handler
	nextHandler int
	onState     func(State)
}

func New(cfg Config) *Manager {
	return &Manager{
		cfg:      cfg,
		state:    StateDisconnected,
		handlers: make(map[int]Handler),
	}
}

// OnStateChange registers a callback for state transitions. Must be set
// before Connect.
func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	m.onState = fn
	m.mu.Unlock()
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError returns the failure that put the manager into StateError.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	if m.onState != nil {
		fn, st := m.onState, s
		go fn(st)
	}
}

// Connect dials and authenticates. Already connected is a no-op; if an
// attempt is in flight the caller awaits it instead of opening a second
// socket. Retries with doubling delay up to MaxRetries, then settles in
// StateError with the last failure.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("connection manager closed")
	}
	if m.state == StateAuthenticated || m.state == StateSessionStarted {
		m.mu.Unlock()
		return nil
	}
	if m.connecting != nil {
		inflight := m.connecting
		m.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-inflight:
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.state == StateAuthenticated || m.state == StateSessionStarted {
			return nil
		}
		return m.lastErr
	}

	attempt := make(chan struct{})
	m.connecting = attempt
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	err := m.connectWithRetry(ctx)

	m.mu.Lock()
	m.connecting = nil
	if err != nil {
		m.lastErr = err
		m.setStateLocked(StateError)
	}
	m.mu.Unlock()
	close(attempt)
	return err
}

func (m *Manager) connectWithRetry(ctx context.Context) error {
	delay := m.cfg.baseDelay()
	var lastErr error

	for attempt := 0; attempt < m.cfg.maxRetries(); attempt++ {
		if attempt > 0 {
			log.Printf("[client] retrying in %v (attempt %d/%d)", delay, attempt+1, m.cfg.maxRetries())
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		if err := m.connectOnce(ctx); err != nil {
			lastErr = err
			log.Printf("[client] connection attempt failed: %v", err)
			continue
		}
		return nil
	}

	return fmt.Errorf("connect failed after %d attempts: %w", m.cfg.maxRetries(), lastErr)
}

func (m *Manager) connectOnce(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: m.cfg.handshakeTimeout()}

	conn, _, err := dialer.DialContext(ctx, m.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}

	if err := conn.WriteJSON(ws.Envelope{Type: ws.TypeAuth, Token: m.cfg.Token}); err != nil {
		conn.Close()
		return fmt.Errorf("send auth: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(m.cfg.handshakeTimeout()))
	var resp ws.Envelope
	if err := conn.ReadJSON(&resp); err != nil {
		conn.Close()
		return fmt.Errorf("read auth response: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	if resp.Type != ws.TypeAuth || resp.Status != ws.StatusAuthenticated {
		conn.Close()
		return fmt.Errorf("authentication rejected: %s", resp.Error)
	}

	m.mu.Lock()
	m.conn = conn
	m.setStateLocked(StateAuthenticated)
	m.mu.Unlock()

	log.Printf("[client] connected to %s", m.cfg.URL)
	go m.readLoop(conn)
	return nil
}

func (m *Manager) readLoop(conn *websocket.Conn) {
	for {
		var env ws.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			break
		}

		m.mu.Lock()
		switch {
		case env.Type == ws.TypeStatus && env.Status == ws.StatusStarted:
			m.setStateLocked(StateSessionStarted)
		case env.Type == ws.TypeExit:
			if m.state == StateSessionStarted {
				m.setStateLocked(StateAuthenticated)
			}
		}
		handlers := make([]Handler, 0, len(m.handlers))
		for _, h := range m.handlers {
			handlers = append(handlers, h)
		}
		m.mu.Unlock()

		for _, h := range handlers {
			h(env)
		}
	}

	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	closed := m.closed
	if !closed {
		m.setStateLocked(StateDisconnected)
	}
	m.mu.Unlock()
	conn.Close()

	if !closed {
		log.Printf("[client] connection lost, reconnecting")
		go func() {
			if err := m.Connect(context.Background()); err != nil {
				log.Printf("[client] reconnect failed: %v", err)
			}
		}()
	}
}

// Send transmits a frame. When not connected it warns and drops the frame;
// callers fire opportunistically and must never see an error surface.
func (m *Manager) Send(env ws.Envelope) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		log.Printf("[client] dropping %s frame: not connected", env.Type)
		return
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.WriteJSON(env); err != nil {
		log.Printf("[client] send %s failed: %v", env.Type, err)
	}
}

// StartSession requests a new session, optionally scoped to a project
// subdirectory of the user's workspace.
func (m *Manager) StartSession(projectPath string) {
	m.Send(ws.Envelope{Type: ws.TypeStart, ProjectPath: projectPath})
}

// SendInput forwards keystrokes to the active session.
func (m *Manager) SendInput(data string) {
	m.Send(ws.Envelope{Type: ws.TypeInput, Data: data})
}

// Resize reports new terminal geometry.
func (m *Manager) Resize(cols, rows uint16) {
	m.Send(ws.Envelope{Type: ws.TypeResize, Cols: cols, Rows: rows})
}

// AddHandler subscribes to inbound frames; the returned function removes
// the subscription. Multiple independent views can observe one stream.
func (m *Manager) AddHandler(fn Handler) func() {
	m.mu.Lock()
	id := m.nextHandler
	m.nextHandler++
	m.handlers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.handlers, id)
		m.mu.Unlock()
	}
}

// Close shuts the manager down for good; no reconnection follows.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	conn := m.conn
	m.conn = nil
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}
