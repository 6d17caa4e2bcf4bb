// Package docker wraps the Docker Engine API calls copywatch needs: reading
// file metadata inside a container, running find in it, and stopping it.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// Client wraps the Docker client.
type Client struct {
	cli *client.Client
}

// NewClient creates a client from the DOCKER_* environment.
func NewClient() (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &Client{cli: cli}, nil
}

// Close releases Docker client resources.
func (c *Client) Close() error {
	return c.cli.Close()
}

// Ping verifies the Docker daemon is accessible.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon not accessible: %w", err)
	}
	return nil
}

// StatPath returns metadata for path inside a container.
func (c *Client) StatPath(ctx context.Context, containerID, path string) (container.PathStat, error) {
	st, err := c.cli.ContainerStatPath(ctx, containerID, path)
	if err != nil {
		return container.PathStat{}, fmt.Errorf("stat %s in container %s: %w", path, containerID, err)
	}
	return st, nil
}

// CopyFrom returns a tar stream of path inside a container. The caller must close it.
func (c *Client) CopyFrom(ctx context.Context, containerID, path string) (io.ReadCloser, error) {
	rc, _, err := c.cli.CopyFromContainer(ctx, containerID, path)
	if err != nil {
		return nil, fmt.Errorf("reading %s from container %s: %w", path, containerID, err)
	}
	return rc, nil
}

// ExecResult is the output of a command run inside a container.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Exec runs cmd inside a running container and waits for it to finish.
// A non-zero exit code is reported in the result, not as an error.
func (c *Client) Exec(ctx context.Context, containerID string, cmd []string) (ExecResult, error) {
	created, err := c.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, fmt.Errorf("creating exec in container %s: %w", containerID, err)
	}

	resp, err := c.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("attaching to exec in container %s: %w", containerID, err)
	}
	defer resp.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, resp.Reader); err != nil {
		return ExecResult{}, fmt.Errorf("reading exec output: %w", err)
	}

	inspect, err := c.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return ExecResult{}, fmt.Errorf("inspecting exec in container %s: %w", containerID, err)
	}
	return ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}

// IsRunning reports whether a container is running. A missing container is not running.
func (c *Client) IsRunning(ctx context.Context, containerID string) (bool, error) {
	info, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspecting container: %w", err)
	}
	return info.State != nil && info.State.Running, nil
}

// StopContainer stops a container, giving it grace to exit before it is killed.
// Stopping a container that no longer exists is not an error.
func (c *Client) StopContainer(ctx context.Context, containerID string, grace time.Duration) error {
	secs := int(grace.Round(time.Second) / time.Second)
	if err := c.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &secs}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("stopping container: %w", err)
	}
	return nil
}

// WaitContainer blocks until the container is no longer running and returns its exit code.
func (c *Client) WaitContainer(ctx context.Context, containerID string) (int64, error) {
	statusCh, errCh := c.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, fmt.Errorf("waiting for container: %w", err)
	case status := <-statusCh:
		return status.StatusCode, nil
	}
}
