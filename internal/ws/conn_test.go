package ws

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
	"github.com/open-ode/broker/internal/bridge"
	"github.com/open-ode/broker/internal/registry"
	"github.com/open-ode/broker/internal/sandbox"
	"github.com/open-ode/broker/internal/token"
)

const testSecret = "ws-test-secret"

func mintToken(t *testing.T, userID, email string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":   userID,
		"email": email,
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

// fakeProc stands in for the agent process inside a sandbox. The test
// drives its stdout and exit; the bridge pumps them like a real PTY.
type fakeProc struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	exited  chan bridge.ExitStatus
	once    sync.Once
}

func newFakeProc() *fakeProc {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	return &fakeProc{
		stdinR:  inR,
		stdinW:  inW,
		stdoutR: outR,
		stdoutW: outW,
		exited:  make(chan bridge.ExitStatus, 1),
	}
}

func (p *fakeProc) emit(t *testing.T, s string) {
	t.Helper()
	if _, err := p.stdoutW.Write([]byte(s)); err != nil {
		t.Fatalf("emit: %v", err)
	}
}

func (p *fakeProc) exit(code int) {
	p.once.Do(func() {
		p.exited <- bridge.ExitStatus{Code: code}
		p.stdoutW.Close()
	})
}

func (p *fakeProc) stream() bridge.Stream {
	return bridge.Stream{
		Stdin:  p.stdinW,
		Stdout: p.stdoutR,
		Resize: func(cols, rows uint16) error { return nil },
		Wait:   func() bridge.ExitStatus { return <-p.exited },
		Close: func() error {
			p.exit(-1)
			p.stdinW.Close()
			return nil
		},
	}
}

type fakeBackend struct {
	mu        sync.Mutex
	procs     map[string]*fakeProc
	started   []string
	stopped   []string
	startErr  error
	attachErr error
	lastArgv  []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{procs: make(map[string]*fakeProc)}
}

func (b *fakeBackend) Initialize(ctx context.Context) error { return nil }
func (b *fakeBackend) Available(ctx context.Context) bool   { return true }
func (b *fakeBackend) BackendName() string                  { return "fake" }

func (b *fakeBackend) Start(ctx context.Context, params sandbox.StartParams) (*sandbox.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.startErr != nil {
		return nil, b.startErr
	}
	id := "sbx-" + params.SessionID
	b.started = append(b.started, id)
	b.procs[id] = newFakeProc()
	return &sandbox.Handle{ID: id, Backend: "fake"}, nil
}

func (b *fakeBackend) Stop(ctx context.Context, h *sandbox.Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = append(b.stopped, h.ID)
	if p := b.procs[h.ID]; p != nil {
		p.exit(-1)
	}
	return nil
}

func (b *fakeBackend) Attach(ctx context.Context, h *sandbox.Handle, argv []string, cols, rows uint16) (*bridge.Terminal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.attachErr != nil {
		return nil, b.attachErr
	}
	b.lastArgv = argv
	return bridge.Attach(b.procs[h.ID].stream()), nil
}

func (b *fakeBackend) proc(id string) *fakeProc {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.procs[id]
}

func (b *fakeBackend) startCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.started)
}

func (b *fakeBackend) stoppedIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.stopped))
	copy(out, b.stopped)
	return out
}

type testRig struct {
	backend *fakeBackend
	reg     *registry.Registry
	server  *httptest.Server
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	backend := newFakeBackend()
	reg := registry.New()
	h := &Handler{
		Verifier:          token.NewVerifier(testSecret),
		Registry:          reg,
		Backend:           backend,
		AgentCommand:      []string{"agent"},
		WorkspaceRoot:     t.TempDir(),
		HeartbeatInterval: time.Minute,
		AuthFailGrace:     10 * time.Millisecond,
		StopTimeout:       time.Second,
	}
	server := httptest.NewServer(h)
	t.Cleanup(server.Close)
	return &testRig{backend: backend, reg: reg, server: server}
}

func (r *testRig) dial(t *testing.T, ctx context.Context) *websocket.Conn {
	t.Helper()
	wsURL := strings.Replace(r.server.URL, "http://", "ws://", 1)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func sendEnv(t *testing.T, ctx context.Context, conn *websocket.Conn, env Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readEnv(t *testing.T, ctx context.Context, conn *websocket.Conn) Envelope {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return env
}

// readUntil reads frames until one of the wanted type arrives, skipping
// others (output frames interleave with status).
func readUntil(t *testing.T, ctx context.Context, conn *websocket.Conn, wantType string) Envelope {
	t.Helper()
	for {
		env := readEnv(t, ctx, conn)
		if env.Type == wantType {
			return env
		}
	}
}

func authenticate(t *testing.T, ctx context.Context, conn *websocket.Conn, userID string) {
	t.Helper()
	sendEnv(t, ctx, conn, Envelope{Type: TypeAuth, Token: mintToken(t, userID, userID+"@example.com")})
	resp := readEnv(t, ctx, conn)
	if resp.Type != TypeAuth || resp.Status != StatusAuthenticated {
		t.Fatalf("auth response = %+v, want authenticated", resp)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestUnauthenticatedMessagesRejected(t *testing.T) {
	rig := newTestRig(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := rig.dial(t, ctx)
	defer conn.CloseNow()

	for _, typ := range []string{TypeStart, TypeInput, TypeResize} {
		sendEnv(t, ctx, conn, Envelope{Type: typ, Data: "x", Cols: 80, Rows: 24})
		resp := readEnv(t, ctx, conn)
		if resp.Type != TypeError || resp.Error != "Authentication required" {
			t.Errorf("%s before auth: got %+v, want authentication-required error", typ, resp)
		}
	}

	if rig.backend.startCount() != 0 {
		t.Errorf("backend started %d sandboxes for unauthenticated messages", rig.backend.startCount())
	}
}

func TestAuthInvalidTokenClosesConnection(t *testing.T) {
	rig := newTestRig(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := rig.dial(t, ctx)
	defer conn.CloseNow()

	sendEnv(t, ctx, conn, Envelope{Type: TypeAuth, Token: "garbage"})
	resp := readEnv(t, ctx, conn)
	if resp.Type != TypeAuth || resp.Status != StatusFailed {
		t.Fatalf("auth response = %+v, want failed", resp)
	}
	if resp.Error == "" {
		t.Error("expected an error message on auth failure")
	}

	// The failure frame arrives before the server drops the transport.
	if _, _, err := conn.Read(ctx); err == nil {
		t.Error("expected connection to close after auth failure")
	}
}

func TestSessionLifecycle(t *testing.T) {
	rig := newTestRig(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn := rig.dial(t, ctx)
	defer conn.CloseNow()

	authenticate(t, ctx, conn, "user-1")

	sendEnv(t, ctx, conn, Envelope{Type: TypeStart})
	started := readUntil(t, ctx, conn, TypeStatus)
	if started.Status != StatusStarted {
		t.Fatalf("status = %+v, want started", started)
	}
	if started.SessionID == "" {
		t.Fatal("started status carries no session id")
	}

	proc := rig.backend.proc("sbx-" + started.SessionID)
	if proc == nil {
		t.Fatal("no sandbox process for started session")
	}

	proc.emit(t, "hello from agent")
	out := readUntil(t, ctx, conn, TypeOutput)
	if out.Data != "hello from agent" {
		t.Errorf("output = %q, want %q", out.Data, "hello from agent")
	}

	// Input flows to the process stdin.
	sendEnv(t, ctx, conn, Envelope{Type: TypeInput, Data: "ls\n"})
	buf := make([]byte, 16)
	n, err := proc.stdinR.Read(buf)
	if err != nil {
		t.Fatalf("read stdin: %v", err)
	}
	if got := string(buf[:n]); got != "ls\n" {
		t.Errorf("stdin = %q, want %q", got, "ls\n")
	}

	// Resize is accepted without error frames.
	sendEnv(t, ctx, conn, Envelope{Type: TypeResize, Cols: 120, Rows: 40})

	proc.emit(t, "bye")
	proc.exit(42)

	exit := readUntil(t, ctx, conn, TypeExit)
	if exit.Code == nil || *exit.Code != 42 {
		t.Fatalf("exit frame = %+v, want code 42", exit)
	}

	waitFor(t, 2*time.Second, func() bool {
		n, _ := rig.reg.Counts()
		return n == 0
	})

	stopped := rig.backend.stoppedIDs()
	if len(stopped) != 1 || stopped[0] != "sbx-"+started.SessionID {
		t.Errorf("stopped = %v, want the started sandbox", stopped)
	}
}

func TestSecondStartPreemptsFirst(t *testing.T) {
	rig := newTestRig(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	first := rig.dial(t, ctx)
	defer first.CloseNow()
	authenticate(t, ctx, first, "user-1")
	sendEnv(t, ctx, first, Envelope{Type: TypeStart})
	started1 := readUntil(t, ctx, first, TypeStatus)
	if started1.Status != StatusStarted {
		t.Fatalf("first start: %+v", started1)
	}

	second := rig.dial(t, ctx)
	defer second.CloseNow()
	authenticate(t, ctx, second, "user-1")
	sendEnv(t, ctx, second, Envelope{Type: TypeStart})
	started2 := readUntil(t, ctx, second, TypeStatus)
	if started2.Status != StatusStarted {
		t.Fatalf("second start: %+v", started2)
	}

	if started1.SessionID == started2.SessionID {
		t.Fatal("second start reused the first session id")
	}

	// Exactly one live session remains and it is the newer one.
	waitFor(t, 2*time.Second, func() bool {
		n, _ := rig.reg.Counts()
		return n == 1
	})
	if rig.reg.Get(started2.SessionID) == nil {
		t.Error("newer session missing from registry")
	}
	if rig.reg.Get(started1.SessionID) != nil {
		t.Error("pre-empted session still registered")
	}

	stopped := rig.backend.stoppedIDs()
	if len(stopped) != 1 || stopped[0] != "sbx-"+started1.SessionID {
		t.Errorf("stopped = %v, want only the first sandbox", stopped)
	}
}

func TestDisconnectTearsDownSession(t *testing.T) {
	rig := newTestRig(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn := rig.dial(t, ctx)
	authenticate(t, ctx, conn, "user-1")
	sendEnv(t, ctx, conn, Envelope{Type: TypeStart})
	started := readUntil(t, ctx, conn, TypeStatus)
	if started.Status != StatusStarted {
		t.Fatalf("start: %+v", started)
	}

	conn.CloseNow()

	waitFor(t, 2*time.Second, func() bool {
		n, _ := rig.reg.Counts()
		return n == 0
	})
	waitFor(t, 2*time.Second, func() bool {
		return len(rig.backend.stoppedIDs()) == 1
	})
}

func TestStartFailureReportsErrorAndCleansUp(t *testing.T) {
	rig := newTestRig(t)
	rig.backend.startErr = context.DeadlineExceeded
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := rig.dial(t, ctx)
	defer conn.CloseNow()
	authenticate(t, ctx, conn, "user-1")

	sendEnv(t, ctx, conn, Envelope{Type: TypeStart})
	resp := readUntil(t, ctx, conn, TypeStatus)
	if resp.Status != StatusError {
		t.Fatalf("status = %+v, want error", resp)
	}

	if n, _ := rig.reg.Counts(); n != 0 {
		t.Errorf("registry holds %d sessions after failed start", n)
	}

	// The connection stays usable for a retry.
	sendEnv(t, ctx, conn, Envelope{Type: TypeResize, Cols: 80, Rows: 24})
	errFrame := readEnv(t, ctx, conn)
	if errFrame.Type != TypeError || errFrame.Error != "No active session" {
		t.Errorf("post-failure resize: got %+v, want no-active-session error", errFrame)
	}
}

func TestAttachFailureRollsBackSandbox(t *testing.T) {
	rig := newTestRig(t)
	rig.backend.attachErr = sandbox.ErrExecutableNotFound
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := rig.dial(t, ctx)
	defer conn.CloseNow()
	authenticate(t, ctx, conn, "user-1")

	sendEnv(t, ctx, conn, Envelope{Type: TypeStart})
	resp := readUntil(t, ctx, conn, TypeStatus)
	if resp.Status != StatusError {
		t.Fatalf("status = %+v, want error", resp)
	}

	// The sandbox that was started must have been stopped again.
	waitFor(t, 2*time.Second, func() bool {
		return len(rig.backend.stoppedIDs()) == 1
	})
	if n, _ := rig.reg.Counts(); n != 0 {
		t.Errorf("registry holds %d sessions after failed attach", n)
	}
}

func TestProjectPathEscapeRejected(t *testing.T) {
	rig := newTestRig(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := rig.dial(t, ctx)
	defer conn.CloseNow()
	authenticate(t, ctx, conn, "user-1")

	sendEnv(t, ctx, conn, Envelope{Type: TypeStart, ProjectPath: "../../etc"})
	resp := readUntil(t, ctx, conn, TypeStatus)
	// Clean("/../../etc") collapses to /etc under the workspace, which is
	// fine; a truly escaping path cannot be expressed. Either the start
	// succeeds inside the workspace or it is rejected, never outside it.
	if resp.Status == StatusStarted {
		sess := rig.reg.Get(resp.SessionID)
		if sess == nil {
			t.Fatal("started session missing from registry")
		}
		if !strings.Contains(sess.WorkspacePath, "user-1") {
			t.Errorf("workspace %q escaped the user root", sess.WorkspacePath)
		}
	}
}
