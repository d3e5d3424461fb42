package session

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerProvider runs each session as a long-lived container hosting the
// runner process.
type DockerProvider struct {
	cli     *client.Client
	network string
}

func NewDockerProvider(network string) (*DockerProvider, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &DockerProvider{cli: cli, network: network}, nil
}

func (p *DockerProvider) Create(ctx context.Context, opts CreateOptions) (*Session, error) {
	// Best-effort pull so a stale local tag does not mask a pushed image.
	if reader, err := p.cli.ImagePull(ctx, opts.Image, image.PullOptions{}); err == nil {
		io.Copy(io.Discard, reader)
		reader.Close()
	} else {
		slog.DebugContext(ctx, "image pull failed, using local image", "image", opts.Image, "error", err)
	}

	env := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	hostCfg := &container.HostConfig{AutoRemove: true}
	if p.network != "" {
		hostCfg.NetworkMode = container.NetworkMode(p.network)
	}

	resp, err := p.cli.ContainerCreate(ctx, &container.Config{
		Image:  opts.Image,
		Env:    env,
		Labels: map[string]string{"parley.managed": "true"},
	}, hostCfg, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}

	if err := p.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("starting container: %w", err)
	}

	sess, err := p.inspect(ctx, resp.ID, opts.Port)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (p *DockerProvider) Get(ctx context.Context, id string) (*Session, error) {
	return p.inspect(ctx, id, "")
}

func (p *DockerProvider) inspect(ctx context.Context, id string, port string) (*Session, error) {
	info, err := p.cli.ContainerInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("inspecting container: %w", err)
	}
	if info.State == nil || !info.State.Running {
		return nil, ErrSessionNotFound
	}

	ip := info.NetworkSettings.IPAddress
	if ip == "" {
		for _, netw := range info.NetworkSettings.Networks {
			if netw.IPAddress != "" {
				ip = netw.IPAddress
				break
			}
		}
	}
	if port == "" {
		port = runnerPortFromEnv(info.Config.Env)
	}
	return &Session{
		ID:        info.ID,
		RunnerURL: fmt.Sprintf("http://%s:%s", ip, port),
	}, nil
}

func (p *DockerProvider) Stop(ctx context.Context, id string) error {
	timeout := 10
	if err := p.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("stopping container: %w", err)
	}
	return nil
}

// ExtendTimeout is a no-op: containers have no idle expiry, their lifetime is
// bounded by explicit Stop calls.
func (p *DockerProvider) ExtendTimeout(ctx context.Context, id string, d time.Duration) error {
	return nil
}

func (p *DockerProvider) RunCommand(ctx context.Context, id string, cmd []string) (*CommandResult, error) {
	exec, err := p.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating exec: %w", err)
	}

	attach, err := p.cli.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("attaching to exec: %w", err)
	}
	defer attach.Close()

	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, attach.Reader); err != nil {
		return nil, fmt.Errorf("reading exec output: %w", err)
	}

	inspect, err := p.cli.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return nil, fmt.Errorf("inspecting exec: %w", err)
	}
	return &CommandResult{ExitCode: inspect.ExitCode, Output: out.String()}, nil
}

func (p *DockerProvider) WriteFiles(ctx context.Context, id string, files map[string][]byte) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for path, content := range files {
		hdr := &tar.Header{
			Name: strings.TrimPrefix(path, "/"),
			Mode: 0o644,
			Size: int64(len(content)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("writing tar header for %s: %w", path, err)
		}
		if _, err := tw.Write(content); err != nil {
			return fmt.Errorf("writing tar content for %s: %w", path, err)
		}
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("finalizing tar archive: %w", err)
	}

	if err := p.cli.CopyToContainer(ctx, id, "/", &buf, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copying files into container: %w", err)
	}
	return nil
}

func runnerPortFromEnv(env []string) string {
	for _, kv := range env {
		if v, ok := strings.CutPrefix(kv, "RUNNER_PORT="); ok && v != "" {
			return v
		}
	}
	return "8090"
}
