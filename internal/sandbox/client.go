// Package sandbox wraps the Docker API with the small surface the runner
// needs to execute agents in containers and to health-check the daemon.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
)

// APIClient is the subset of Docker API methods we use. It exists so tests
// can substitute a fake.
type APIClient interface {
	Ping(ctx context.Context) (types.Ping, error)
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *specs.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

// Client provides high-level agent-container operations.
type Client struct {
	api APIClient
}

// NewClient connects using the standard DOCKER_* environment.
func NewClient() (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Client{api: cli}, nil
}

// NewClientWithAPI wraps an existing API client, for tests.
func NewClientWithAPI(api APIClient) *Client {
	return &Client{api: api}
}

func (c *Client) Close() error {
	return c.api.Close()
}

// CheckDaemon verifies the Docker daemon is reachable.
func (c *Client) CheckDaemon(ctx context.Context) error {
	if _, err := c.api.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon is not reachable: %w", err)
	}
	return nil
}

// HasImage reports whether imageRef exists locally.
func (c *Client) HasImage(ctx context.Context, imageRef string) (bool, error) {
	images, err := c.api.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return false, fmt.Errorf("list images: %w", err)
	}

	normalized := imageRef
	if !strings.Contains(imageRef, ":") {
		normalized = imageRef + ":latest"
	}
	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == imageRef || tag == normalized {
				return true, nil
			}
		}
		if imageRef == img.ID {
			return true, nil
		}
	}
	return false, nil
}

// PullImage pulls imageRef and surfaces any registry error from the
// progress stream.
func (c *Client) PullImage(ctx context.Context, imageRef string) error {
	reader, err := c.api.ImagePull(ctx, imageRef, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", imageRef, err)
	}
	defer reader.Close()

	decoder := json.NewDecoder(reader)
	for {
		var msg jsonmessage.JSONMessage
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			continue
		}
		if msg.Error != nil {
			return fmt.Errorf("pull failed: %s", msg.Error.Message)
		}
	}
	return nil
}

// EnsureImage pulls imageRef only when it is missing locally.
func (c *Client) EnsureImage(ctx context.Context, imageRef string) error {
	ok, err := c.HasImage(ctx, imageRef)
	if err != nil || ok {
		return err
	}
	return c.PullImage(ctx, imageRef)
}

// RunSpec describes one agent container.
type RunSpec struct {
	Image   string
	Cmd     []string
	Env     []string
	Workdir string // host path bound to /workspace
	Name    string
}

// StartAgent creates and starts an agent container, returning its id. The
// container runs the agent command directly, without a TTY, so logs stay
// demultiplexed into stdout and stderr streams.
func (c *Client) StartAgent(ctx context.Context, spec RunSpec) (string, error) {
	var binds []string
	if spec.Workdir != "" {
		binds = append(binds, fmt.Sprintf("%s:/workspace", spec.Workdir))
	}

	resp, err := c.api.ContainerCreate(ctx,
		&container.Config{
			Image:      spec.Image,
			Cmd:        spec.Cmd,
			Env:        spec.Env,
			WorkingDir: "/workspace",
		},
		&container.HostConfig{
			Binds: binds,
		}, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}

	if err := c.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = c.api.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("start container: %w", err)
	}
	return resp.ID, nil
}

// FollowLogs returns the multiplexed log stream of a running container.
// Demultiplex with stdcopy.
func (c *Client) FollowLogs(ctx context.Context, containerID string) (io.ReadCloser, error) {
	rc, err := c.api.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("attach logs: %w", err)
	}
	return rc, nil
}

// WaitExit blocks until the container exits and returns its exit code.
func (c *Client) WaitExit(ctx context.Context, containerID string) (int, error) {
	statusCh, errCh := c.api.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, fmt.Errorf("wait container: %w", err)
	case status := <-statusCh:
		if status.Error != nil {
			return -1, fmt.Errorf("wait container: %s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// Stop sends the container a stop with the given grace period in seconds.
func (c *Client) Stop(ctx context.Context, containerID string, graceSeconds int) error {
	return c.api.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &graceSeconds})
}

// Kill terminates the container immediately.
func (c *Client) Kill(ctx context.Context, containerID string) error {
	return c.api.ContainerKill(ctx, containerID, "SIGKILL")
}

// Remove deletes a stopped container.
func (c *Client) Remove(ctx context.Context, containerID string) error {
	return c.api.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}
