// Package sandbox provisions and tears down the isolated execution
// environment backing one session, and attaches an interactive
// pseudo-terminal to a process inside it.
//
// Two backends exist: Docker (the normal deployment) and a local-process
// fallback for development hosts without a Docker daemon. Selection follows
// the configured backend name, or probes Docker first under "auto".
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/open-ode/broker/internal/bridge"
	"github.com/open-ode/broker/internal/config"
)

// ErrExecutableNotFound means the agent command did not resolve inside the
// sandbox. Attachment fails up front with this instead of spawning a
// process that dies silently.
var ErrExecutableNotFound = errors.New("executable not found in sandbox")

// StartParams describes the environment to provision for one session.
type StartParams struct {
	SessionID     string
	UserID        string
	WorkspacePath string
	Image         string
	CPULimit      string
	MemoryLimit   string
	Env           map[string]string
}

// Handle identifies a provisioned sandbox. ID is the resolved internal
// identifier (container ID for Docker, a synthetic id for local).
type Handle struct {
	ID      string
	Backend string

	local *localProc
}

// Backend provisions sandboxes and attaches terminals to them.
type Backend interface {
	Initialize(ctx context.Context) error
	Available(ctx context.Context) bool
	BackendName() string

	// Start provisions an isolated environment and returns its handle.
	Start(ctx context.Context, params StartParams) (*Handle, error)

	// Stop tears the sandbox down. Idempotent: stopping an already
	// stopped or vanished sandbox is success. Teardown is bounded by the
	// configured grace period, after which the sandbox is force-removed.
	Stop(ctx context.Context, h *Handle) error

	// Attach starts argv inside the sandbox under an interactive PTY.
	// The executable is probed for resolvability first; a missing binary
	// fails with ErrExecutableNotFound rather than a dead terminal.
	Attach(ctx context.Context, h *Handle, argv []string, cols, rows uint16) (*bridge.Terminal, error)
}

// InitBackend selects and initializes a backend per configuration.
// "auto" prefers Docker and falls back to the local backend.
func InitBackend(ctx context.Context) (Backend, error) {
	choice := config.Cfg.SandboxBackend

	if choice == "auto" || choice == "docker" {
		d := &DockerBackend{}
		if err := d.Initialize(ctx); err == nil && d.Available(ctx) {
			log.Println("Sandbox: using Docker backend")
			return d, nil
		} else if err != nil {
			log.Printf("Docker backend unavailable: %v", err)
			if choice == "docker" {
				return nil, fmt.Errorf("docker backend: %w", err)
			}
		} else if choice == "docker" {
			return nil, errors.New("docker backend: daemon not reachable")
		}
	}

	if choice == "auto" || choice == "local" {
		l := &LocalBackend{}
		if err := l.Initialize(ctx); err != nil {
			return nil, fmt.Errorf("local backend: %w", err)
		}
		log.Println("Sandbox: using local process backend")
		return l, nil
	}

	return nil, fmt.Errorf("unknown sandbox backend %q", choice)
}

// WorkspaceFor returns the per-user workspace directory under root,
// creating it if absent. The user id is embedded in the path, so anything
// that could escape root is rejected.
func WorkspaceFor(root, userID string) (string, error) {
	if userID == "" || strings.ContainsAny(userID, "/\\") || strings.Contains(userID, "..") {
		return "", fmt.Errorf("invalid user id %q for workspace path", userID)
	}

	dir := filepath.Join(root, userID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create workspace %s: %w", dir, err)
	}
	return dir, nil
}
