package runtime

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
)

// DefaultSocketEndpoint is the Docker daemon endpoint for local_socket hosts.
const DefaultSocketEndpoint = "unix:///var/run/docker.sock"

// NoGPU marks a container spec with no GPU attachment.
const NoGPU = -1

// Client wraps the Docker API client for one daemon endpoint.
type Client struct {
	docker   *client.Client
	endpoint string
}

// New connects to the Docker daemon at the given endpoint. An empty endpoint
// uses the local socket.
func New(endpoint string) (*Client, error) {
	if endpoint == "" {
		endpoint = DefaultSocketEndpoint
	}

	docker, err := client.NewClientWithOpts(
		client.WithHost(endpoint),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to docker at %s: %w", endpoint, err)
	}

	return &Client{docker: docker, endpoint: endpoint}, nil
}

// Endpoint returns the daemon endpoint this client talks to.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.docker != nil {
		return c.docker.Close()
	}
	return nil
}

// Ping verifies the daemon is reachable and responding.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.docker.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping docker at %s: %w", c.endpoint, err)
	}
	return nil
}

// PullImage pulls an image from its registry, blocking until complete.
func (c *Client) PullImage(ctx context.Context, ref string) error {
	reader, err := c.docker.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()

	// The pull runs server-side; draining the stream waits for it.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return nil
}

// MountSpec is one bind mount into a worker container.
type MountSpec struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerSpec describes a worker container to create. No port mappings and
// no daemon socket mounts exist here on purpose.
type ContainerSpec struct {
	Name        string
	Image       string
	Cmd         []string
	Env         []string
	Labels      map[string]string
	Mounts      []MountSpec
	MemoryBytes int64
	GPUDevice   int
	AutoRemove  bool
}

// CreateContainer creates a container from the spec and returns its ID.
func (c *Client) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	cfg := &container.Config{
		Image:  spec.Image,
		Cmd:    spec.Cmd,
		Env:    spec.Env,
		Labels: spec.Labels,
	}

	hostCfg := &container.HostConfig{
		AutoRemove: spec.AutoRemove,
		Resources: container.Resources{
			Memory: spec.MemoryBytes,
		},
	}
	for _, m := range spec.Mounts {
		hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}
	if spec.GPUDevice != NoGPU {
		hostCfg.Resources.DeviceRequests = []container.DeviceRequest{{
			Driver:       "nvidia",
			DeviceIDs:    []string{strconv.Itoa(spec.GPUDevice)},
			Capabilities: [][]string{{"gpu"}},
		}}
	}

	resp, err := c.docker.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}
	return resp.ID, nil
}

// StartContainer starts a created container.
func (c *Client) StartContainer(ctx context.Context, containerID string) error {
	if err := c.docker.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", containerID, err)
	}
	return nil
}

// WaitContainer blocks until the container stops and returns its exit code.
// Cancelling the context aborts the wait, not the container.
func (c *Client) WaitContainer(ctx context.Context, containerID string) (int64, error) {
	statusCh, errCh := c.docker.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return 0, fmt.Errorf("failed to wait for container %s: %w", containerID, err)
	case status := <-statusCh:
		if status.Error != nil {
			return status.StatusCode, fmt.Errorf("container %s wait error: %s", containerID, status.Error.Message)
		}
		return status.StatusCode, nil
	}
}

// StopContainer stops a running container, escalating to SIGKILL after the
// grace period.
func (c *Client) StopContainer(ctx context.Context, containerID string, grace time.Duration) error {
	seconds := int(grace.Seconds())
	if err := c.docker.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &seconds}); err != nil {
		return fmt.Errorf("failed to stop container %s: %w", containerID, err)
	}
	return nil
}

// RemoveContainer force-removes a container. Removing a container that is
// already gone is not an error for callers cleaning up after AutoRemove.
func (c *Client) RemoveContainer(ctx context.Context, containerID string) error {
	err := c.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove container %s: %w", containerID, err)
	}
	return nil
}

// ContainerLogs returns the tail of a container's combined output.
func (c *Client) ContainerLogs(ctx context.Context, containerID string, tail int) (string, error) {
	reader, err := c.docker.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get logs for container %s: %w", containerID, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("failed to read logs for container %s: %w", containerID, err)
	}
	return string(data), nil
}

// ContainerSummary is a compact listing entry.
type ContainerSummary struct {
	ID     string
	Name   string
	Image  string
	State  string
	Labels map[string]string
}

// ListContainers returns containers matching every given label, including
// stopped ones.
func (c *Client) ListContainers(ctx context.Context, labels map[string]string) ([]ContainerSummary, error) {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", k+"="+v)
	}

	containers, err := c.docker.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: args,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	out := make([]ContainerSummary, 0, len(containers))
	for _, ctr := range containers {
		name := ""
		if len(ctr.Names) > 0 {
			name = ctr.Names[0]
		}
		out = append(out, ContainerSummary{
			ID:     ctr.ID,
			Name:   name,
			Image:  ctr.Image,
			State:  ctr.State,
			Labels: ctr.Labels,
		})
	}
	return out, nil
}
