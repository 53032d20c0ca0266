package sandbox

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"github.com/open-ode/broker/internal/bridge"
)

// LocalBackend runs the agent directly on the host under a PTY, confined
// to the session's workspace directory. It is the development fallback for
// hosts without a Docker daemon and carries none of Docker's isolation;
// the environment passed to the process is still reduced to the injected
// credentials plus a minimal base.
type LocalBackend struct{}

func (l *LocalBackend) Initialize(_ context.Context) error {
	return nil
}

func (l *LocalBackend) Available(_ context.Context) bool {
	return true
}

func (l *LocalBackend) BackendName() string {
	return "local"
}

// localProc carries the backend-private state of a local sandbox: the PTY
// and process spawned at attach time.
type localProc struct {
	params StartParams

	mu     sync.Mutex
	cmd    *exec.Cmd
	ptmx   *os.File
	closed bool
}

func (p *localProc) kill() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true

	if p.cmd != nil && p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
	if p.ptmx != nil {
		p.ptmx.Close()
	}
}

func (l *LocalBackend) Start(_ context.Context, params StartParams) (*Handle, error) {
	if _, err := os.Stat(params.WorkspacePath); err != nil {
		return nil, fmt.Errorf("workspace %s: %w", params.WorkspacePath, err)
	}

	return &Handle{
		ID:      "local-" + params.SessionID,
		Backend: l.BackendName(),
		local:   &localProc{params: params},
	}, nil
}

func (l *LocalBackend) Stop(_ context.Context, h *Handle) error {
	// Killing an already dead process is a no-op, so Stop is idempotent.
	if h.local != nil {
		h.local.kill()
	}
	return nil
}

func (l *LocalBackend) Attach(_ context.Context, h *Handle, argv []string, cols, rows uint16) (*bridge.Terminal, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	p := h.local
	if p == nil {
		return nil, fmt.Errorf("handle %s is not a local sandbox", h.ID)
	}

	if _, err := exec.LookPath(argv[0]); err != nil {
		return nil, fmt.Errorf("%w: %q is not on PATH", ErrExecutableNotFound, argv[0])
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = p.params.WorkspacePath
	cmd.Env = localEnv(p.params.Env)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	p.mu.Lock()
	p.cmd = cmd
	p.ptmx = ptmx
	p.mu.Unlock()

	log.Printf("[sandbox] local process started: session=%s pid=%d", p.params.SessionID, cmd.Process.Pid)

	stream := bridge.Stream{
		Stdin:  ptmx,
		Stdout: ptmx,
		Resize: func(cols, rows uint16) error {
			return pty.Setsize(ptmx, &pty.Winsize{Cols: cols, Rows: rows})
		},
		Wait: func() bridge.ExitStatus {
			return waitLocal(cmd)
		},
		Close: func() error {
			p.kill()
			return nil
		},
	}

	return bridge.Attach(stream), nil
}

func waitLocal(cmd *exec.Cmd) bridge.ExitStatus {
	cmd.Wait()
	ps := cmd.ProcessState
	if ps == nil {
		return bridge.ExitStatus{Code: -1}
	}
	st := bridge.ExitStatus{Code: ps.ExitCode()}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		st.Signal = ws.Signal().String()
	}
	return st
}

// localEnv builds the child environment: a minimal base from the host plus
// the injected session variables.
func localEnv(extra map[string]string) []string {
	env := []string{"TERM=xterm-256color"}
	for _, key := range []string{"PATH", "HOME", "USER", "LANG"} {
		if v := os.Getenv(key); v != "" {
			env = append(env, key+"="+v)
		}
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

var _ Backend = (*LocalBackend)(nil)
