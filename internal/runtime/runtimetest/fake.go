// Package runtimetest provides an in-memory runtime.Runtime for tests.
// Container records live in maps, exec is delegated to a script hook,
// and failures are injected through exported knobs.
package runtimetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jkaninda/sanduku/internal/runtime"
)

// Container is the fake's record of one created container.
type Container struct {
	ID       string
	Spec     runtime.CreateSpec
	State    string
	Running  bool
	HostPort int
}

// FakeRuntime implements runtime.Runtime against in-memory state.
type FakeRuntime struct {
	mu       sync.Mutex
	nextID   int
	nextPort int
	byID     map[string]*Container

	// ExecFn handles Exec calls for running containers. Nil means every
	// command succeeds with empty output.
	ExecFn func(id string, req runtime.ExecRequest) (*runtime.ExecResult, error)
	// StatsFn handles Stats calls. Nil returns a fixed healthy sample.
	StatsFn func(id string) (*runtime.Stats, error)

	// Injected failures. Each applies to every call of that operation.
	PingErr   error
	CreateErr error
	StartErr  error
	StopErr   error
	RemoveErr error

	// Per-container failures, keyed by container id.
	StopErrFor   map[string]error
	RemoveErrFor map[string]error

	// StallStart leaves started containers in the created state, so
	// readiness polling never sees them running.
	StallStart bool

	// Ops records each mutating call, oldest first.
	Ops []string
}

var _ runtime.Runtime = (*FakeRuntime)(nil)

func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{nextPort: 32768, byID: make(map[string]*Container)}
}

func (f *FakeRuntime) record(format string, args ...any) {
	f.Ops = append(f.Ops, fmt.Sprintf(format, args...))
}

func notFound(op, id string) error {
	return &runtime.Error{Kind: runtime.KindNotFound, Op: op, Err: fmt.Errorf("no such container: %s", id)}
}

func notRunning(op, id string) error {
	return &runtime.Error{Kind: runtime.KindNotRunning, Op: op, Err: fmt.Errorf("container %s is not running", id)}
}

// lookup resolves id or name. Callers hold the lock.
func (f *FakeRuntime) lookup(idOrName string) *Container {
	if c, ok := f.byID[idOrName]; ok {
		return c
	}
	for _, c := range f.byID {
		if c.Spec.Name == idOrName {
			return c
		}
	}
	return nil
}

// Get returns the container by id or name, nil when absent.
func (f *FakeRuntime) Get(idOrName string) *Container {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c := f.lookup(idOrName); c != nil {
		cp := *c
		return &cp
	}
	return nil
}

// SetState overrides a container's engine state.
func (f *FakeRuntime) SetState(idOrName, state string, running bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c := f.lookup(idOrName); c != nil {
		c.State = state
		c.Running = running
	}
}

// SetHostPort overrides the published host port, as a restart would.
func (f *FakeRuntime) SetHostPort(idOrName string, port int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c := f.lookup(idOrName); c != nil {
		c.HostPort = port
	}
}

func (f *FakeRuntime) Ping(ctx context.Context) error { return f.PingErr }

func (f *FakeRuntime) Create(ctx context.Context, spec runtime.CreateSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return "", f.CreateErr
	}
	if f.lookup(spec.Name) != nil {
		return "", fmt.Errorf("conflict: container name %q is already in use", spec.Name)
	}
	f.nextID++
	f.nextPort++
	c := &Container{
		ID:       fmt.Sprintf("ctr-%d", f.nextID),
		Spec:     spec,
		State:    "created",
		HostPort: f.nextPort,
	}
	f.byID[c.ID] = c
	f.record("create %s", spec.Name)
	return c.ID, nil
}

func (f *FakeRuntime) Start(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StartErr != nil {
		return f.StartErr
	}
	c := f.lookup(id)
	if c == nil {
		return notFound("start", id)
	}
	f.record("start %s", c.ID)
	if f.StallStart {
		return nil
	}
	c.State = "running"
	c.Running = true
	return nil
}

func (f *FakeRuntime) Stop(ctx context.Context, id string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StopErr != nil {
		return f.StopErr
	}
	c := f.lookup(id)
	if c == nil {
		return notFound("stop", id)
	}
	if err, ok := f.StopErrFor[c.ID]; ok {
		return err
	}
	c.State = "exited"
	c.Running = false
	f.record("stop %s", c.ID)
	return nil
}

func (f *FakeRuntime) Remove(ctx context.Context, id string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RemoveErr != nil {
		return f.RemoveErr
	}
	c := f.lookup(id)
	if c == nil {
		return notFound("remove", id)
	}
	if err, ok := f.RemoveErrFor[c.ID]; ok {
		return err
	}
	delete(f.byID, c.ID)
	f.record("remove %s force=%t", c.ID, force)
	return nil
}

func (f *FakeRuntime) Inspect(ctx context.Context, id string) (*runtime.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.lookup(id)
	if c == nil {
		return nil, notFound("inspect", id)
	}
	return &runtime.Info{
		ID:       c.ID,
		Name:     c.Spec.Name,
		State:    c.State,
		Running:  c.Running,
		HostPort: c.HostPort,
	}, nil
}

func (f *FakeRuntime) Exec(ctx context.Context, id string, req runtime.ExecRequest) (*runtime.ExecResult, error) {
	f.mu.Lock()
	c := f.lookup(id)
	if c == nil {
		f.mu.Unlock()
		return nil, notFound("exec", id)
	}
	if !c.Running {
		f.mu.Unlock()
		return nil, notRunning("exec", c.ID)
	}
	fn := f.ExecFn
	cid := c.ID
	f.mu.Unlock()
	if fn == nil {
		return &runtime.ExecResult{}, nil
	}
	return fn(cid, req)
}

func (f *FakeRuntime) Stats(ctx context.Context, id string) (*runtime.Stats, error) {
	f.mu.Lock()
	c := f.lookup(id)
	if c == nil {
		f.mu.Unlock()
		return nil, notFound("stats", id)
	}
	fn := f.StatsFn
	cid := c.ID
	f.mu.Unlock()
	if fn != nil {
		return fn(cid)
	}
	return &runtime.Stats{
		CPUPercent:    12.5,
		MemoryUsage:   256 << 20,
		MemoryLimit:   2 << 30,
		MemoryPercent: 12.5,
		OnlineCPUs:    2,
		Pids:          7,
	}, nil
}

func (f *FakeRuntime) List(ctx context.Context, labelKey string) ([]runtime.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []runtime.Info
	for _, c := range f.byID {
		if _, ok := c.Spec.Labels[labelKey]; !ok {
			continue
		}
		out = append(out, runtime.Info{
			ID:       c.ID,
			Name:     c.Spec.Name,
			State:    c.State,
			Running:  c.Running,
			HostPort: c.HostPort,
		})
	}
	return out, nil
}

func (f *FakeRuntime) Close() error { return nil }

// ErrInjected is a convenience error for failure-injection knobs.
var ErrInjected = errors.New("injected failure")
