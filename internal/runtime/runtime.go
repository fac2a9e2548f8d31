// Package runtime adapts a container engine to the narrow surface the
// sandbox controller needs: create, start, stop, remove, inspect, exec,
// and stats. The production implementation speaks to a Docker daemon
// over the official SDK; tests substitute fakes.
package runtime

import (
	"context"
	"strings"
	"time"
)

// CreateSpec describes a sandbox container to create. The exposed port is
// published to a random host port chosen by the engine; the adapter reads
// it back on inspect.
type CreateSpec struct {
	Name        string
	Image       string
	Cmd         []string
	Env         []string // "KEY=value" entries
	Labels      map[string]string
	MemoryBytes int64 // 0 = unlimited
	NanoCPUs    int64 // 0 = unlimited
	PidsLimit   int64 // 0 = engine default
	GPU         bool  // attach all available GPUs
	ExposedPort int   // container port published to a random host port (0 = none)
}

// Info is the subset of container inspect data the controller consumes.
type Info struct {
	ID       string
	Name     string
	State    string // engine state string: "created", "running", "exited", ...
	Running  bool
	HostPort int // host port bound to the exposed port, 0 when unbound
}

// ExecRequest runs a shell command inside a running container.
type ExecRequest struct {
	Cmd  string // passed to /bin/sh -c
	User string // account to run as; "" = image default
}

// ExecResult carries the outcome of an in-container command.
// A non-zero exit code is a result, not an error.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Combined returns stdout and stderr joined for display.
func (r *ExecResult) Combined() string {
	out := strings.TrimRight(r.Stdout, "\n")
	errOut := strings.TrimRight(r.Stderr, "\n")
	switch {
	case out == "":
		return errOut
	case errOut == "":
		return out
	default:
		return out + "\n" + errOut
	}
}

// Stats is a single resource usage sample.
type Stats struct {
	CPUPercent    float64
	MemoryUsage   uint64 // bytes
	MemoryLimit   uint64 // bytes
	MemoryPercent float64
	OnlineCPUs    uint32
	Pids          uint64
}

// Runtime is the container engine surface the sandbox controller uses.
// Implementations must be safe for concurrent use.
type Runtime interface {
	// Ping verifies the engine is reachable.
	Ping(ctx context.Context) error

	// Create creates a container from the spec and returns its id.
	// The container is not started.
	Create(ctx context.Context, spec CreateSpec) (string, error)

	// Start starts a created or stopped container.
	Start(ctx context.Context, id string) error

	// Stop gracefully stops a container, killing it after the timeout.
	Stop(ctx context.Context, id string, timeout time.Duration) error

	// Remove deletes a container. With force it removes running containers too.
	Remove(ctx context.Context, id string, force bool) error

	// Inspect returns live state for a container by id or name.
	Inspect(ctx context.Context, id string) (*Info, error)

	// Exec runs a command inside a running container and waits for it.
	Exec(ctx context.Context, id string, req ExecRequest) (*ExecResult, error)

	// Stats takes one resource usage sample from a running container.
	Stats(ctx context.Context, id string) (*Stats, error)

	// List returns all containers (running or not) carrying the label key.
	List(ctx context.Context, labelKey string) ([]Info, error)

	// Close releases the engine connection.
	Close() error
}
