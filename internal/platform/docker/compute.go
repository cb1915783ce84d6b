// Package docker runs world tasks as containers on a Docker Engine.
package docker

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"

	"github.com/basket/worldgate/internal/platform"
	"github.com/basket/worldgate/internal/world"
	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// engineAPI is the subset of the Docker client the driver uses.
type engineAPI interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

type Config struct {
	Image       string
	Network     string
	MemoryMB    int64
	StopTimeout int // seconds
	// Binds are host:container[:mode] mounts, e.g. the shared registry.
	Binds  []string
	Logger *slog.Logger
}

// Compute implements platform.Compute over the Docker Engine API.
type Compute struct {
	api         engineAPI
	image       string
	network     string
	memoryBytes int64
	stopTimeout int
	binds       []string
	logger      *slog.Logger
}

// New connects to the engine described by the DOCKER_* environment.
func New(cfg Config) (*Compute, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return newWithAPI(cli, cfg), nil
}

func newWithAPI(api engineAPI, cfg Config) *Compute {
	if cfg.Network == "" {
		cfg.Network = "worldgate"
	}
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = 512
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Compute{
		api:         api,
		image:       cfg.Image,
		network:     cfg.Network,
		memoryBytes: cfg.MemoryMB * 1024 * 1024,
		stopTimeout: cfg.StopTimeout,
		binds:       slices.Clone(cfg.Binds),
		logger:      cfg.Logger,
	}
}

func stateOf(dockerState string) platform.TaskState {
	switch dockerState {
	case "created", "restarting":
		return platform.TaskProvisioning
	case "running", "paused":
		return platform.TaskRunning
	default:
		return platform.TaskStopped
	}
}

func (c *Compute) ListTasks(ctx context.Context, key world.Key, state platform.TaskState) ([]string, error) {
	args := filters.NewArgs(
		filters.Arg("label", platform.LabelManaged+"=true"),
		filters.Arg("label", platform.LabelWorld+"="+key.String()),
	)
	list, err := c.api.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("list containers for %s: %w", key, err)
	}
	var refs []string
	for _, s := range list {
		if stateOf(s.State) == state {
			refs = append(refs, s.ID)
		}
	}
	sort.Strings(refs)
	return refs, nil
}

func (c *Compute) RunTask(ctx context.Context, spec platform.TaskSpec) (string, error) {
	image := spec.Image
	if image == "" {
		image = c.image
	}
	if image == "" {
		return "", fmt.Errorf("run task for %s: no image configured", spec.Key)
	}
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	resp, err := c.api.ContainerCreate(ctx, &container.Config{
		Image: image,
		Env:   env,
		Labels: map[string]string{
			platform.LabelManaged: "true",
			platform.LabelWorld:   spec.Key.String(),
			platform.LabelLaunch:  spec.LaunchID,
		},
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory: c.memoryBytes,
		},
		NetworkMode: container.NetworkMode(c.network),
		Binds:       c.binds,
		// A task that stops itself exits; the engine removes it.
		AutoRemove: true,
	}, nil, nil, containerName(spec))
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	if err := c.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = c.api.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("start container: %w", err)
	}
	c.logger.Info("task started", "world", spec.Key.String(), "task_ref", resp.ID, "launch_id", spec.LaunchID)
	return resp.ID, nil
}

func containerName(spec platform.TaskSpec) string {
	launch := spec.LaunchID
	if len(launch) > 8 {
		launch = launch[:8]
	}
	name := "wg-" + spec.Key.GameKey
	if launch != "" {
		name += "-" + launch
	}
	return strings.ToLower(name)
}

func (c *Compute) DescribeTask(ctx context.Context, ref string) (*platform.Task, error) {
	info, err := c.api.ContainerInspect(ctx, ref)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, platform.ErrTaskNotFound
		}
		return nil, fmt.Errorf("inspect container %s: %w", ref, err)
	}
	task := &platform.Task{Ref: info.ID, State: platform.TaskStopped}
	if info.State != nil {
		task.State = stateOf(info.State.Status)
	}
	if info.Config != nil {
		if k, err := world.ParseKey(info.Config.Labels[platform.LabelWorld]); err == nil {
			task.World = k
		}
		task.LaunchID = info.Config.Labels[platform.LabelLaunch]
	}
	if info.NetworkSettings != nil {
		if ep, ok := info.NetworkSettings.Networks[c.network]; ok && ep != nil {
			task.Address = ep.IPAddress
		} else {
			for _, ep := range info.NetworkSettings.Networks {
				if ep != nil && ep.IPAddress != "" {
					task.Address = ep.IPAddress
					break
				}
			}
		}
	}
	return task, nil
}

func (c *Compute) StopTask(ctx context.Context, ref, reason string) error {
	timeout := c.stopTimeout
	if err := c.api.ContainerStop(ctx, ref, container.StopOptions{Timeout: &timeout}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("stop container %s: %w", ref, err)
	}
	// Auto-removal may already be under way.
	err := c.api.ContainerRemove(ctx, ref, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) && !cerrdefs.IsConflict(err) {
		return fmt.Errorf("remove container %s: %w", ref, err)
	}
	c.logger.Info("task stopped", "task_ref", ref, "reason", reason)
	return nil
}

// Close closes the docker client.
func (c *Compute) Close() error {
	return c.api.Close()
}
