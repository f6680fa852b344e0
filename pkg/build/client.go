/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package build implements the Build/Reproduction Substrate (spec §4.4): a
// Docker-orchestrated pipeline that turns a (task, sanitizer, repo_state)
// tuple into a cached build output and a long-lived runner container able
// to replay PoCs.
package build

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	crserrors "github.com/jordigilh/crs-fabric/pkg/shared/errors"
)

// Client is a thin façade over the Docker API, scoped to the subset BRS
// needs: container lifecycle, exec for replay, and stats for host scoring.
type Client struct {
	api  *client.Client
	host string
}

// NewClient connects to the Docker daemon at host (empty uses
// client.FromEnv, i.e. the local daemon) and negotiates the API version.
func NewClient(host string) (*Client, error) {
	var opts []client.Opt
	if host != "" {
		opts = append(opts, client.WithHost(host))
	} else {
		opts = append(opts, client.FromEnv)
	}
	opts = append(opts, client.WithAPIVersionNegotiation())
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, crserrors.NetworkError("connect docker daemon", host, err)
	}
	return &Client{api: cli, host: host}, nil
}

func (c *Client) Close() error {
	if c == nil || c.api == nil {
		return nil
	}
	return c.api.Close()
}

// Ping verifies the daemon is reachable, used when scoring candidate hosts.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.Ping(ctx); err != nil {
		return crserrors.NetworkError("ping docker daemon", c.host, err)
	}
	return nil
}

// ContainerByName inspects a container by its exact name, returning
// (nil, nil) rather than an error when it does not exist — callers use
// this to decide whether a runner needs launching.
func (c *Client) ContainerByName(ctx context.Context, name string) (*types.ContainerJSON, error) {
	info, err := c.api.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, nil
		}
		return nil, crserrors.NetworkError("inspect container", name, err)
	}
	return &info, nil
}

// CreateContainer creates (but does not start) a container with the given
// name, image, command, and bind mounts.
func (c *Client) CreateContainer(ctx context.Context, name, image string, cmd []string, binds []string) (string, error) {
	resp, err := c.api.ContainerCreate(ctx,
		&container.Config{Image: image, Cmd: cmd, Tty: false},
		&container.HostConfig{Binds: binds},
		&network.NetworkingConfig{},
		nil,
		name,
	)
	if err != nil {
		return "", crserrors.NetworkError("create container", name, err)
	}
	return resp.ID, nil
}

func (c *Client) StartContainer(ctx context.Context, containerID string) error {
	if err := c.api.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return crserrors.NetworkError("start container", containerID, err)
	}
	return nil
}

// StopAndRemove stops then force-removes a container by name, tolerating
// it already being absent (the cancellation path calls this speculatively
// across every known Docker host).
func (c *Client) StopAndRemove(ctx context.Context, name string, timeout time.Duration) error {
	info, err := c.ContainerByName(ctx, name)
	if err != nil {
		return err
	}
	if info == nil {
		return nil
	}
	seconds := int(timeout.Seconds())
	if stopErr := c.api.ContainerStop(ctx, info.ID, container.StopOptions{Timeout: &seconds}); stopErr != nil && !client.IsErrNotFound(stopErr) {
		return crserrors.NetworkError("stop container", name, stopErr)
	}
	if rmErr := c.api.ContainerRemove(ctx, info.ID, container.RemoveOptions{Force: true, RemoveVolumes: true}); rmErr != nil && !client.IsErrNotFound(rmErr) {
		return crserrors.NetworkError("remove container", name, rmErr)
	}
	return nil
}

// ExecResult is the outcome of a replay command run inside a runner
// container.
type ExecResult struct {
	Output   string
	ExitCode int
}

// Exec runs cmd inside containerID and captures combined stdout/stderr,
// used both for build helper scripts and for replay_poc (spec §4.4). A
// container gone missing is folded into the 137/"No such container"
// contract rather than surfaced as a network error, since the caller's
// replay loop branches on exactly that text.
func (c *Client) Exec(ctx context.Context, containerID string, cmd []string) (ExecResult, error) {
	execResp, err := c.api.ContainerExecCreate(ctx, containerID, types.ExecConfig{
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          cmd,
	})
	if err != nil {
		if client.IsErrNotFound(err) || strings.Contains(err.Error(), "No such container") {
			return ExecResult{Output: "No such container", ExitCode: 137}, nil
		}
		return ExecResult{}, crserrors.NetworkError("create exec", containerID, err)
	}

	attach, err := c.api.ContainerExecAttach(ctx, execResp.ID, types.ExecStartCheck{})
	if err != nil {
		return ExecResult{}, crserrors.NetworkError("attach exec", containerID, err)
	}
	defer attach.Close()

	var buf bytes.Buffer
	if _, copyErr := stdcopy.StdCopy(&buf, &buf, attach.Reader); copyErr != nil {
		return ExecResult{}, crserrors.NetworkError("read exec output", containerID, copyErr)
	}

	inspect, err := c.api.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return ExecResult{}, crserrors.NetworkError("inspect exec", containerID, err)
	}
	return ExecResult{Output: buf.String(), ExitCode: inspect.ExitCode}, nil
}

// CPUPercent samples container-level CPU usage once using a non-streaming
// stats snapshot, computing the same ratio `docker stats` shows:
// (cpu_delta / system_delta) * online_cpus * 100.
func (c *Client) CPUPercent(ctx context.Context, containerID string) (float64, error) {
	resp, err := c.api.ContainerStats(ctx, containerID, false)
	if err != nil {
		return 0, crserrors.NetworkError("sample container stats", containerID, err)
	}
	defer resp.Body.Close()

	var stats types.StatsJSON
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return 0, crserrors.ParseError("container stats", "json", err)
	}

	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage) - float64(stats.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(stats.CPUStats.SystemUsage) - float64(stats.PreCPUStats.SystemUsage)
	if sysDelta <= 0 || cpuDelta < 0 {
		return 0, nil
	}
	onlineCPUs := float64(stats.CPUStats.OnlineCPUs)
	if onlineCPUs == 0 {
		onlineCPUs = float64(len(stats.CPUStats.CPUUsage.PercpuUsage))
	}
	if onlineCPUs == 0 {
		onlineCPUs = 1
	}
	return (cpuDelta / sysDelta) * onlineCPUs * 100.0, nil
}

// ListContainers lists running containers matching the given labels, used
// by the host-load sampler to find what's running on a candidate host.
func (c *Client) ListContainers(ctx context.Context, labels map[string]string) ([]types.Container, error) {
	args := filters.NewArgs()
	for k, v := range labels {
		if k == "" {
			continue
		}
		args.Add("label", fmt.Sprintf("%s=%s", k, v))
	}
	list, err := c.api.ContainerList(ctx, container.ListOptions{All: false, Filters: args})
	if err != nil {
		return nil, crserrors.NetworkError("list containers", c.host, err)
	}
	return list, nil
}
