package sandbox

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-units"
	"github.com/open-ode/broker/internal/bridge"
	"github.com/open-ode/broker/internal/config"
)

const (
	labelManagedBy = "open-ode"
	labelSession   = "open-ode.session"
	labelUser      = "open-ode.user"
)

// DockerBackend provisions one container per session through the Docker
// daemon. Containers are labeled so orphans left by a broker crash can be
// reaped on the next run.
type DockerBackend struct {
	client    *dockerclient.Client
	available bool
}

func (d *DockerBackend) Initialize(ctx context.Context) error {
	opts := []dockerclient.Opt{dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation()}
	if config.Cfg.DockerHost != "" {
		opts = append(opts, dockerclient.WithHost(config.Cfg.DockerHost))
	}

	var err error
	d.client, err = dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return fmt.Errorf("docker client: %w", err)
	}

	if _, err := d.client.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}

	d.available = true
	log.Println("Docker daemon connected")
	return nil
}

func (d *DockerBackend) Available(_ context.Context) bool {
	return d.available
}

func (d *DockerBackend) BackendName() string {
	return "docker"
}

func parseCPUToNanoCPUs(cpuStr string) int64 {
	if strings.HasSuffix(cpuStr, "m") {
		val := cpuStr[:len(cpuStr)-1]
		var n int64
		fmt.Sscanf(val, "%d", &n)
		return n * 1_000_000
	}
	var f float64
	fmt.Sscanf(cpuStr, "%f", &f)
	return int64(f * 1_000_000_000)
}

func (d *DockerBackend) ensureImage(ctx context.Context, img string) error {
	_, _, err := d.client.ImageInspectWithRaw(ctx, img)
	if err == nil {
		return nil
	}

	log.Printf("Image %s not found locally, pulling...", img)
	reader, err := d.client.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", img, err)
	}
	defer reader.Close()
	io.Copy(io.Discard, reader)
	return nil
}

func (d *DockerBackend) Start(ctx context.Context, params StartParams) (*Handle, error) {
	if err := d.ensureImage(ctx, params.Image); err != nil {
		return nil, err
	}

	env := make([]string, 0, len(params.Env))
	for k, v := range params.Env {
		env = append(env, k+"="+v)
	}

	var nanoCPUs, memLimit int64
	if params.CPULimit != "" {
		nanoCPUs = parseCPUToNanoCPUs(params.CPULimit)
	}
	if params.MemoryLimit != "" {
		var err error
		memLimit, err = units.RAMInBytes(params.MemoryLimit)
		if err != nil {
			return nil, fmt.Errorf("parse memory limit %q: %w", params.MemoryLimit, err)
		}
	}

	containerCfg := &container.Config{
		Image:      params.Image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: "/workspace",
		Env:        env,
		Labels: map[string]string{
			"managed-by": labelManagedBy,
			labelSession: params.SessionID,
			labelUser:    params.UserID,
		},
	}

	hostCfg := &container.HostConfig{
		AutoRemove:  true,
		SecurityOpt: []string{"no-new-privileges:true"},
		CapDrop:     []string{"ALL"},
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: params.WorkspacePath, Target: "/workspace"},
		},
		Resources: container.Resources{
			NanoCPUs: nanoCPUs,
			Memory:   memLimit,
		},
	}

	resp, err := d.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, "ode-"+params.SessionID)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Roll the created container back so a failed start leaves nothing.
		d.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("start container: %w", err)
	}

	log.Printf("[sandbox] container started: session=%s id=%.12s", params.SessionID, resp.ID)
	return &Handle{ID: resp.ID, Backend: d.BackendName()}, nil
}

func (d *DockerBackend) Stop(ctx context.Context, h *Handle) error {
	grace := int(config.Cfg.StopGracePeriod.Seconds())
	err := d.client.ContainerStop(ctx, h.ID, container.StopOptions{Timeout: &grace})
	if err != nil && !dockerclient.IsErrNotFound(err) {
		log.Printf("[sandbox] stop container %.12s: %v", h.ID, err)
	}

	// Force-remove as the hard upper bound on teardown. The container is
	// created with AutoRemove, so a clean stop usually makes this a no-op.
	err = d.client.ContainerRemove(ctx, h.ID, container.RemoveOptions{Force: true})
	if err != nil && !dockerclient.IsErrNotFound(err) {
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// execProbe runs a command non-interactively inside the container and
// returns its exit code.
func (d *DockerBackend) execProbe(ctx context.Context, containerID string, cmd []string) (int, error) {
	execID, err := d.client.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return -1, fmt.Errorf("exec create: %w", err)
	}

	resp, err := d.client.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{})
	if err != nil {
		return -1, fmt.Errorf("exec attach: %w", err)
	}
	defer resp.Close()
	io.Copy(io.Discard, resp.Reader)

	inspect, err := d.client.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return -1, fmt.Errorf("exec inspect: %w", err)
	}
	return inspect.ExitCode, nil
}

func (d *DockerBackend) Attach(ctx context.Context, h *Handle, argv []string, cols, rows uint16) (*bridge.Terminal, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	code, err := d.execProbe(ctx, h.ID, []string{"sh", "-c", "command -v " + argv[0]})
	if err != nil {
		return nil, fmt.Errorf("probe %q: %w", argv[0], err)
	}
	if code != 0 {
		return nil, fmt.Errorf("%w: %q is not on PATH in image", ErrExecutableNotFound, argv[0])
	}

	execID, err := d.client.ContainerExecCreate(ctx, h.ID, container.ExecOptions{
		Cmd:          argv,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
		ConsoleSize:  &[2]uint{uint(rows), uint(cols)},
	})
	if err != nil {
		return nil, fmt.Errorf("exec create: %w", err)
	}

	resp, err := d.client.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{Tty: true})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", err)
	}

	stream := bridge.Stream{
		Stdin:  resp.Conn,
		Stdout: resp.Reader,
		Resize: func(cols, rows uint16) error {
			return d.client.ContainerExecResize(context.Background(), execID.ID, container.ResizeOptions{
				Height: uint(rows),
				Width:  uint(cols),
			})
		},
		Wait: func() bridge.ExitStatus {
			return d.waitExec(execID.ID)
		},
		Close: func() error {
			resp.Close()
			return nil
		},
	}

	return bridge.Attach(stream), nil
}

// waitExec polls the exec until the process is gone. Called by the bridge
// after the output stream ends, so in the common case a single inspect
// suffices; the deadline guards against a daemon that stops answering.
func (d *DockerBackend) waitExec(execID string) bridge.ExitStatus {
	ctx, cancel := context.WithTimeout(context.Background(), config.Cfg.StopGracePeriod)
	defer cancel()

	for {
		inspect, err := d.client.ContainerExecInspect(ctx, execID)
		if err != nil {
			return bridge.ExitStatus{Code: -1}
		}
		if !inspect.Running {
			return bridge.ExitStatus{Code: inspect.ExitCode}
		}
		select {
		case <-ctx.Done():
			return bridge.ExitStatus{Code: -1}
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// ReapOrphans removes managed containers whose session is no longer live,
// covering sandboxes left behind by an unclean broker shutdown.
func (d *DockerBackend) ReapOrphans(ctx context.Context, isLive func(sessionID string) bool) (int, error) {
	list, err := d.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", "managed-by="+labelManagedBy)),
	})
	if err != nil {
		return 0, fmt.Errorf("list containers: %w", err)
	}

	reaped := 0
	for _, c := range list {
		sessionID := c.Labels[labelSession]
		if sessionID != "" && isLive(sessionID) {
			continue
		}
		if err := d.client.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			if !dockerclient.IsErrNotFound(err) {
				log.Printf("[sandbox] reap container %.12s: %v", c.ID, err)
			}
			continue
		}
		log.Printf("[sandbox] reaped orphaned container %.12s (session=%s)", c.ID, sessionID)
		reaped++
	}
	return reaped, nil
}

var _ Backend = (*DockerBackend)(nil)
