package runtime

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
)

func TestCPUPercent(t *testing.T) {
	sample := func(total, preTotal, system, preSystem uint64, online uint32) *container.StatsResponse {
		s := &container.StatsResponse{}
		s.CPUStats.CPUUsage.TotalUsage = total
		s.PreCPUStats.CPUUsage.TotalUsage = preTotal
		s.CPUStats.SystemUsage = system
		s.PreCPUStats.SystemUsage = preSystem
		s.CPUStats.OnlineCPUs = online
		return s
	}

	tests := []struct {
		name string
		s    *container.StatsResponse
		want float64
	}{
		{"scaled by online cpus", sample(200, 100, 2000, 1000, 4), 40.0},
		{"full single core", sample(1000, 0, 1000, 0, 1), 100.0},
		{"zero host delta", sample(200, 100, 1000, 1000, 4), 0},
		{"first sample", sample(100, 0, 0, 0, 4), 0},
		{"counter reset", sample(100, 200, 2000, 1000, 4), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cpuPercent(tt.s); got != tt.want {
				t.Errorf("cpuPercent = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCPUPercentFallsBackToPercpuLen(t *testing.T) {
	s := &container.StatsResponse{}
	s.CPUStats.CPUUsage.TotalUsage = 200
	s.PreCPUStats.CPUUsage.TotalUsage = 100
	s.CPUStats.SystemUsage = 2000
	s.PreCPUStats.SystemUsage = 1000
	s.CPUStats.CPUUsage.PercpuUsage = []uint64{50, 50}

	if got := cpuPercent(s); got != 20.0 {
		t.Errorf("cpuPercent = %v, want 20.0", got)
	}
}

func TestMemoryPercent(t *testing.T) {
	s := &container.StatsResponse{}
	s.MemoryStats.Usage = 512 * 1024 * 1024
	s.MemoryStats.Limit = 1024 * 1024 * 1024
	if got := memoryPercent(s); got != 50.0 {
		t.Errorf("memoryPercent = %v, want 50.0", got)
	}

	s.MemoryStats.Limit = 0
	if got := memoryPercent(s); got != 0 {
		t.Errorf("memoryPercent with zero limit = %v, want 0", got)
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{errors.New("Error response from daemon: No such container: vm_user_1"), KindNotFound},
		{errors.New("permission denied while trying to connect to the Docker daemon socket"), KindPermissionDenied},
		{errors.New("Cannot connect to the Docker daemon at unix:///var/run/docker.sock"), KindResourceUnavailable},
		{errors.New("dial tcp 127.0.0.1:2375: connection refused"), KindResourceUnavailable},
		{errors.New("something else entirely"), KindUnknown},
	}
	for _, tt := range tests {
		if got := kindOf(tt.err); got != tt.want {
			t.Errorf("kindOf(%q) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestClassifyNil(t *testing.T) {
	if err := classify("noop", nil); err != nil {
		t.Errorf("classify(nil) = %v, want nil", err)
	}
}

func TestIsNotFound(t *testing.T) {
	err := classify("inspect", errors.New("No such container: vm_user_9"))
	if !IsNotFound(err) {
		t.Error("expected IsNotFound to match classified not-found error")
	}
	if IsNotFound(errors.New("No such container")) {
		t.Error("IsNotFound must not match unclassified errors")
	}
}

func TestExecResultCombined(t *testing.T) {
	tests := []struct {
		result ExecResult
		want   string
	}{
		{ExecResult{Stdout: "out\n"}, "out"},
		{ExecResult{Stderr: "err\n"}, "err"},
		{ExecResult{Stdout: "out\n", Stderr: "err\n"}, "out\nerr"},
		{ExecResult{}, ""},
	}
	for _, tt := range tests {
		if got := tt.result.Combined(); got != tt.want {
			t.Errorf("Combined() = %q, want %q", got, tt.want)
		}
	}
}

// testImage is the image used for integration tests. Small and commonly cached.
const testImage = "alpine:3.20"

// skipIfNoDocker skips the test if Docker is unavailable.
func skipIfNoDocker(t *testing.T) {
	t.Helper()
	if err := exec.Command("docker", "info").Run(); err != nil {
		t.Skip("docker not available, skipping integration test")
	}
}

// skipIfNoImage skips the test if the test image isn't present locally.
func skipIfNoImage(t *testing.T) {
	t.Helper()
	out, err := exec.Command("docker", "images", "-q", testImage).Output()
	if err != nil || strings.TrimSpace(string(out)) == "" {
		t.Skipf("docker image %s not found, skipping (pull with: docker pull %s)", testImage, testImage)
	}
}

func newTestRuntime(t *testing.T) *DockerRuntime {
	t.Helper()
	skipIfNoDocker(t)
	skipIfNoImage(t)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	rt, err := NewDockerRuntime(logger)
	if err != nil {
		t.Fatalf("NewDockerRuntime: %v", err)
	}
	t.Cleanup(func() { rt.Close() })
	return rt
}

func testContainerName(t *testing.T) string {
	t.Helper()
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return "sanduku-test-" + hex.EncodeToString(b)
}

func TestDockerRuntimeLifecycle(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()
	name := testContainerName(t)

	id, err := rt.Create(ctx, CreateSpec{
		Name:        name,
		Image:       testImage,
		Cmd:         []string{"sleep", "infinity"},
		Labels:      map[string]string{"sanduku.test": "1"},
		ExposedPort: 22,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { _ = rt.Remove(context.Background(), id, true) })

	if err := rt.Start(ctx, id); err != nil {
		t.Fatalf("Start: %v", err)
	}

	info, err := rt.Inspect(ctx, id)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if !info.Running {
		t.Errorf("container not running, state = %q", info.State)
	}
	if info.Name != name {
		t.Errorf("name = %q, want %q", info.Name, name)
	}
	if info.HostPort == 0 {
		t.Error("expected a random host port to be bound")
	}

	result, err := rt.Exec(ctx, id, ExecRequest{Cmd: "echo hello && exit 7"})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if result.ExitCode != 7 {
		t.Errorf("exit code = %d, want 7", result.ExitCode)
	}
	if got := strings.TrimSpace(result.Stdout); got != "hello" {
		t.Errorf("stdout = %q, want hello", got)
	}

	stats, err := rt.Stats(ctx, id)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.MemoryUsage == 0 {
		t.Error("expected non-zero memory usage for a running container")
	}

	listed, err := rt.List(ctx, "sanduku.test")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	found := false
	for _, c := range listed {
		if c.Name == name {
			found = true
		}
	}
	if !found {
		t.Errorf("container %s not in labeled list", name)
	}

	if err := rt.Stop(ctx, id, 5*time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := rt.Remove(ctx, id, true); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if _, err := rt.Inspect(ctx, id); !IsNotFound(err) {
		t.Errorf("Inspect after remove: want not-found, got %v", err)
	}
}
