package launcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/vexa-ai/controlplane/internal/config"
)

// DockerBackend implements Launcher against the local Docker daemon. Each
// call opens a fresh negotiated client so a daemon restart never strands a
// stale connection inside the supervisor.
type DockerBackend struct {
	cfg      config.DockerConfig
	redisURL string
}

// NewDockerBackend builds the backend. redisURL is handed to bots so they can
// subscribe to their command channel.
func NewDockerBackend(cfg config.DockerConfig, redisURL string) *DockerBackend {
	return &DockerBackend{cfg: cfg, redisURL: redisURL}
}

func (d *DockerBackend) Name() string { return "docker-local" }

func (d *DockerBackend) Launch(ctx context.Context, spec Spec) (string, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return "", fmt.Errorf("docker client: %w", err)
	}
	defer cli.Close()

	hostConfig := &container.HostConfig{
		NetworkMode: container.NetworkMode(d.cfg.Network),
		AutoRemove:  true,
		Resources: container.Resources{
			NanoCPUs: d.cfg.NanoCPUs,
			Memory:   d.cfg.MemoryMB * 1024 * 1024,
		},
	}

	resp, err := cli.ContainerCreate(ctx, &container.Config{
		Image:  d.cfg.Image,
		Env:    containerEnv(spec, d.cfg.CallbackURL, d.redisURL),
		Labels: containerLabels(spec),
	}, hostConfig, nil, nil, containerName(spec))
	if err != nil {
		return "", fmt.Errorf("create bot container: %w", err)
	}

	if err := cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		// Leave no half-created container behind.
		if rmErr := cli.ContainerRemove(ctx, resp.ID, types.ContainerRemoveOptions{Force: true}); rmErr != nil && !client.IsErrNotFound(rmErr) {
			slog.Warn("remove unstarted bot container", "container_id", short(resp.ID), "error", rmErr)
		}
		return "", fmt.Errorf("start bot container: %w", err)
	}

	slog.Info("bot container started",
		"container_id", short(resp.ID), "name", containerName(spec), "image", d.cfg.Image)
	return resp.ID, nil
}

func (d *DockerBackend) Stop(ctx context.Context, containerID string, grace time.Duration) error {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("docker client: %w", err)
	}
	defer cli.Close()

	secs := int(grace / time.Second)
	err = cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &secs})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("stop container %s: %w", short(containerID), err)
	}
	return nil
}

func (d *DockerBackend) Remove(ctx context.Context, containerID string) error {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("docker client: %w", err)
	}
	defer cli.Close()

	err = cli.ContainerRemove(ctx, containerID, types.ContainerRemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("remove container %s: %w", short(containerID), err)
	}
	return nil
}

func (d *DockerBackend) Running(ctx context.Context, containerID string) (bool, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return false, fmt.Errorf("docker client: %w", err)
	}
	defer cli.Close()

	inspect, err := cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspect container %s: %w", short(containerID), err)
	}
	return inspect.State != nil && inspect.State.Running, nil
}
