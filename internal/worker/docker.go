package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerLauncher runs the worker as a container from Config.Image.
// The data dir is bind-mounted at the same path, so input and output paths
// passed as arguments are valid inside the container.
type DockerLauncher struct {
	client *client.Client
	cfg    Config
}

// NewDockerLauncher creates a launcher backed by the local Docker daemon.
func NewDockerLauncher(cfg Config) (*DockerLauncher, error) {
	if cfg.Image == "" {
		return nil, fmt.Errorf("worker image is required")
	}
	if cfg.OutputGrace <= 0 {
		cfg.OutputGrace = defaultOutputGrace
	}
	if cfg.Binary == "" {
		cfg.Binary = DefaultBinary
	}

	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &DockerLauncher{client: dockerClient, cfg: cfg}, nil
}

// Setup makes sure the worker image is present locally.
func (l *DockerLauncher) Setup(ctx context.Context) (*Invocation, error) {
	if err := l.pullImageIfNeeded(ctx, l.cfg.Image); err != nil {
		return nil, fmt.Errorf("failed to pull worker image %s: %w", l.cfg.Image, err)
	}
	return &Invocation{Binary: l.cfg.Binary, Env: l.cfg.Env}, nil
}

// Start creates and starts the worker container and attaches to its output.
func (l *DockerLauncher) Start(ctx context.Context, inv *Invocation, args []string) (Process, error) {
	containerConfig := &container.Config{
		Image:      l.cfg.Image,
		Entrypoint: []string{inv.Binary},
		Cmd:        args,
		Env:        inv.Env,
		Labels: map[string]string{
			"job.type":   "worker",
			"managed-by": "warpjobs",
		},
	}

	hostConfig := &container.HostConfig{}
	if l.cfg.DataDir != "" {
		hostConfig.Mounts = []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: l.cfg.DataDir,
				Target: l.cfg.DataDir,
			},
		}
	}

	resp, err := l.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "")
	if err != nil {
		return nil, err
	}

	p := &dockerProcess{client: l.client, containerID: resp.ID, grace: l.cfg.OutputGrace}
	if err := l.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		p.remove()
		return nil, err
	}

	logs, err := l.client.ContainerLogs(ctx, resp.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		_ = p.Kill()
		p.remove()
		return nil, err
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	p.logs = logs
	p.stdout = stdoutR
	p.stderr = stderrR

	// Demultiplex the log stream into separate stdout and stderr readers
	go func() {
		_, copyErr := stdcopy.StdCopy(stdoutW, stderrW, logs)
		stdoutW.CloseWithError(copyErr)
		stderrW.CloseWithError(copyErr)
	}()

	return p, nil
}

// Ready checks if the Docker daemon is reachable and responsive.
func (l *DockerLauncher) Ready(ctx context.Context) error {
	_, err := l.client.Ping(ctx)
	return err
}

// Close releases the Docker client.
func (l *DockerLauncher) Close() error {
	return l.client.Close()
}

func (l *DockerLauncher) pullImageIfNeeded(ctx context.Context, imageName string) error {
	_, err := l.client.ImageInspect(ctx, imageName)
	if err == nil {
		return nil
	}

	slog.Info("Pulling worker image", "image", imageName)
	reader, err := l.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

type dockerProcess struct {
	client      *client.Client
	containerID string
	logs        io.ReadCloser
	stdout      io.Reader
	stderr      io.Reader
	grace       time.Duration
	removeOnce  sync.Once
}

func (p *dockerProcess) Stdout() io.Reader { return p.stdout }
func (p *dockerProcess) Stderr() io.Reader { return p.stderr }

// Wait blocks until the container stops, then removes it.
// It does not use the job context, so a killed container is still reaped.
func (p *dockerProcess) Wait() (int, error) {
	defer p.remove()

	statusCh, errCh := p.client.ContainerWait(context.Background(), p.containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		p.closeLogs()
		return -1, err
	case status := <-statusCh:
		// Give the log stream a moment to deliver trailing output
		p.closeLogsAfter(p.grace)
		if status.Error != nil {
			return -1, fmt.Errorf("%s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	}
}

func (p *dockerProcess) Kill() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return p.client.ContainerKill(ctx, p.containerID, "SIGKILL")
}

func (p *dockerProcess) closeLogs() {
	if p.logs != nil {
		_ = p.logs.Close()
	}
}

func (p *dockerProcess) closeLogsAfter(d time.Duration) {
	if p.logs == nil {
		return
	}
	time.AfterFunc(d, p.closeLogs)
}

func (p *dockerProcess) remove() {
	p.removeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = p.client.ContainerRemove(ctx, p.containerID, container.RemoveOptions{Force: true})
	})
}
