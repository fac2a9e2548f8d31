package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

// DockerRuntime implements Runtime against a Docker daemon. The client is
// long-lived; the daemon endpoint comes from the standard DOCKER_HOST
// environment.
type DockerRuntime struct {
	cli    *client.Client
	logger *slog.Logger
}

var _ Runtime = (*DockerRuntime)(nil)

// NewDockerRuntime connects to the Docker daemon. The connection is lazy;
// use Ping to verify reachability.
func NewDockerRuntime(logger *slog.Logger) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &DockerRuntime{cli: cli, logger: logger}, nil
}

func (r *DockerRuntime) Ping(ctx context.Context) error {
	_, err := r.cli.Ping(ctx)
	return classify("ping", err)
}

func (r *DockerRuntime) Create(ctx context.Context, spec CreateSpec) (string, error) {
	cfg := &container.Config{
		Image:  spec.Image,
		Cmd:    spec.Cmd,
		Env:    spec.Env,
		Labels: spec.Labels,
	}
	host := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyOnFailure},
		Resources: container.Resources{
			Memory:   spec.MemoryBytes,
			NanoCPUs: spec.NanoCPUs,
		},
	}
	if spec.PidsLimit > 0 {
		pids := spec.PidsLimit
		host.Resources.PidsLimit = &pids
	}
	if spec.ExposedPort > 0 {
		port, err := nat.NewPort("tcp", strconv.Itoa(spec.ExposedPort))
		if err != nil {
			return "", fmt.Errorf("invalid exposed port %d: %w", spec.ExposedPort, err)
		}
		cfg.ExposedPorts = nat.PortSet{port: struct{}{}}
		// Empty host port: the engine picks a free ephemeral port.
		host.PortBindings = nat.PortMap{port: []nat.PortBinding{{HostIP: "0.0.0.0"}}}
	}
	if spec.GPU {
		host.Resources.DeviceRequests = []container.DeviceRequest{{
			Driver:       "nvidia",
			Count:        -1, // all available GPUs
			Capabilities: [][]string{{"gpu"}},
		}}
	}

	resp, err := r.cli.ContainerCreate(ctx, cfg, host, nil, nil, spec.Name)
	if err != nil && isMissingImage(err) {
		// Image absent locally: pull once and retry.
		if pullErr := r.pullImage(ctx, spec.Image); pullErr != nil {
			return "", classify("create", fmt.Errorf("pulling %s: %w", spec.Image, pullErr))
		}
		resp, err = r.cli.ContainerCreate(ctx, cfg, host, nil, nil, spec.Name)
	}
	if err != nil {
		return "", classify("create", err)
	}
	for _, w := range resp.Warnings {
		r.logger.Warn("container create warning",
			slog.String("container", spec.Name),
			slog.String("warning", w),
		)
	}
	return resp.ID, nil
}

// isMissingImage matches the daemon's missing-image failure on create.
func isMissingImage(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "No such image") ||
		(client.IsErrNotFound(err) && strings.Contains(msg, "image"))
}

func (r *DockerRuntime) pullImage(ctx context.Context, ref string) error {
	r.logger.Info("pulling image", slog.String("image", ref))
	rc, err := r.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()
	// Drain the progress stream; the pull completes when it ends.
	_, err = io.Copy(io.Discard, rc)
	return err
}

func (r *DockerRuntime) Start(ctx context.Context, id string) error {
	return classify("start", r.cli.ContainerStart(ctx, id, container.StartOptions{}))
}

func (r *DockerRuntime) Stop(ctx context.Context, id string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	return classify("stop", r.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &seconds}))
}

func (r *DockerRuntime) Remove(ctx context.Context, id string, force bool) error {
	return classify("remove", r.cli.ContainerRemove(ctx, id, container.RemoveOptions{
		Force:         force,
		RemoveVolumes: true,
	}))
}

func (r *DockerRuntime) Inspect(ctx context.Context, id string) (*Info, error) {
	ins, err := r.cli.ContainerInspect(ctx, id)
	if err != nil {
		return nil, classify("inspect", err)
	}
	info := &Info{
		ID:   ins.ID,
		Name: strings.TrimPrefix(ins.Name, "/"),
	}
	if ins.State != nil {
		info.State = ins.State.Status
		info.Running = ins.State.Running
	}
	if ins.NetworkSettings != nil {
		info.HostPort = firstHostPort(ins.NetworkSettings.Ports)
	}
	return info, nil
}

// firstHostPort returns the first bound host port in the map. Sandboxes
// publish a single port, so first is the only one.
func firstHostPort(ports nat.PortMap) int {
	for _, bindings := range ports {
		for _, b := range bindings {
			if p, err := strconv.Atoi(b.HostPort); err == nil && p > 0 {
				return p
			}
		}
	}
	return 0
}

func (r *DockerRuntime) Exec(ctx context.Context, id string, req ExecRequest) (*ExecResult, error) {
	created, err := r.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		User:         req.User,
		Cmd:          []string{"/bin/sh", "-c", req.Cmd},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, classify("exec", err)
	}

	attach, err := r.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, classify("exec", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		done <- copyErr
	}()
	select {
	case <-ctx.Done():
		return nil, classify("exec", ctx.Err())
	case copyErr := <-done:
		if copyErr != nil {
			return nil, classify("exec", copyErr)
		}
	}

	ins, err := r.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, classify("exec", err)
	}
	return &ExecResult{
		ExitCode: ins.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

func (r *DockerRuntime) Stats(ctx context.Context, id string) (*Stats, error) {
	resp, err := r.cli.ContainerStats(ctx, id, false)
	if err != nil {
		return nil, classify("stats", err)
	}
	defer resp.Body.Close()

	var sample container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&sample); err != nil {
		return nil, classify("stats", fmt.Errorf("decoding stats: %w", err))
	}
	return &Stats{
		CPUPercent:    cpuPercent(&sample),
		MemoryUsage:   sample.MemoryStats.Usage,
		MemoryLimit:   sample.MemoryStats.Limit,
		MemoryPercent: memoryPercent(&sample),
		OnlineCPUs:    onlineCPUs(&sample),
		Pids:          sample.PidsStats.Current,
	}, nil
}

// cpuPercent computes CPU usage from one stats sample: the container's CPU
// time delta over the host's, scaled by online CPUs. Returns exactly 0 when
// the host delta is zero, which happens on the first sample after start.
func cpuPercent(s *container.StatsResponse) float64 {
	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(s.CPUStats.SystemUsage) - float64(s.PreCPUStats.SystemUsage)
	if systemDelta <= 0 || cpuDelta < 0 {
		return 0
	}
	return cpuDelta / systemDelta * float64(onlineCPUs(s)) * 100.0
}

func memoryPercent(s *container.StatsResponse) float64 {
	if s.MemoryStats.Limit == 0 {
		return 0
	}
	return float64(s.MemoryStats.Usage) / float64(s.MemoryStats.Limit) * 100.0
}

func onlineCPUs(s *container.StatsResponse) uint32 {
	if s.CPUStats.OnlineCPUs > 0 {
		return s.CPUStats.OnlineCPUs
	}
	return uint32(len(s.CPUStats.CPUUsage.PercpuUsage))
}

func (r *DockerRuntime) List(ctx context.Context, labelKey string) ([]Info, error) {
	containers, err := r.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelKey)),
	})
	if err != nil {
		return nil, classify("list", err)
	}
	infos := make([]Info, 0, len(containers))
	for _, c := range containers {
		info := Info{ID: c.ID, State: c.State, Running: c.State == "running"}
		if len(c.Names) > 0 {
			info.Name = strings.TrimPrefix(c.Names[0], "/")
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (r *DockerRuntime) Close() error {
	return r.cli.Close()
}
