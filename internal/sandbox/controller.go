package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/docker/go-units"
	"github.com/jkaninda/sanduku/internal/registry"
	"github.com/jkaninda/sanduku/internal/runtime"
)

// DefaultPlanID names the plan assembled from the stored settings when
// a request does not pick one.
const DefaultPlanID = "default"

// ControllerConfig assembles the knobs for sandbox provisioning.
type ControllerConfig struct {
	Image      string
	NamePrefix string
	Timezone   string
	// LoginUser is the in-sandbox account credentials are set for.
	LoginUser    string
	SecretLength int
	// SSHPort is the container port published to a random host port.
	SSHPort     int
	PidsLimit   int64
	StopTimeout time.Duration
	// Readiness bounds the wait for a started container to report running.
	Readiness RetryPolicy
	Bootstrap BootstrapConfig
	Tunnel    TunnelConfig
}

func (c ControllerConfig) withDefaults() ControllerConfig {
	if c.Image == "" {
		c.Image = "ubuntu:22.04"
	}
	if c.NamePrefix == "" {
		c.NamePrefix = "vm_user_"
	}
	if c.Timezone == "" {
		c.Timezone = "Europe/Madrid"
	}
	if c.LoginUser == "" {
		c.LoginUser = "devuser"
	}
	if c.SecretLength <= 0 {
		c.SecretLength = 12
	}
	if c.SSHPort <= 0 {
		c.SSHPort = 22
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	if c.Readiness.MaxAttempts <= 0 {
		c.Readiness.MaxAttempts = 10
	}
	if c.Readiness.Interval <= 0 {
		c.Readiness.Interval = time.Second
	}
	if len(c.Bootstrap.Tools) == 0 {
		c.Bootstrap.Tools = TerminalTools("", "")
	}
	return c
}

// Controller drives the sandbox lifecycle end to end. It owns the
// registry bookkeeping and delegates in-container work to the
// provisioner, bootstrapper and negotiator.
//
// Controller implements Service.
type Controller struct {
	rt     runtime.Runtime
	store  registry.Store
	creds  *CredentialProvisioner
	tools  *ToolBootstrapper
	tunnel *TunnelNegotiator
	cfg    ControllerConfig
	logger *slog.Logger
}

func NewController(rt runtime.Runtime, store registry.Store, cfg ControllerConfig, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Controller{
		rt:     rt,
		store:  store,
		creds:  NewCredentialProvisioner(rt, cfg.LoginUser, cfg.SecretLength, logger),
		tools:  NewToolBootstrapper(rt, cfg.Bootstrap, logger),
		tunnel: NewTunnelNegotiator(rt, cfg.Tunnel, logger),
		cfg:    cfg,
		logger: logger,
	}
}

// ContainerName returns the deterministic container name for a user.
func (c *Controller) ContainerName(userID int64) string {
	return c.cfg.NamePrefix + strconv.FormatInt(userID, 10)
}

// Create provisions a sandbox for the user: container, readiness wait,
// registry entry, then the best-effort credential, tooling and tunnel
// phases. A nil error means the sandbox exists and is running; inspect
// the result for degraded terminal access.
func (c *Controller) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	st, err := c.store.Settings().Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading settings: %w", err)
	}
	if st.MaintenanceMode && !req.Privileged {
		return nil, ErrMaintenance
	}

	if _, err := c.store.Sandboxes().Get(ctx, req.UserID); err == nil {
		return nil, ErrAlreadyExists
	} else if !errors.Is(err, registry.ErrNotFound) {
		return nil, fmt.Errorf("checking registry: %w", err)
	}

	plan, err := c.resolvePlan(ctx, req.PlanID, st)
	if err != nil {
		return nil, err
	}
	memory, err := units.RAMInBytes(plan.RAM)
	if err != nil {
		return nil, fmt.Errorf("plan %s: bad ram limit %q: %w", plan.ID, plan.RAM, err)
	}

	name := c.ContainerName(req.UserID)
	c.clearOrphan(ctx, name)

	id, err := c.rt.Create(ctx, runtime.CreateSpec{
		Name:  name,
		Image: c.cfg.Image,
		Cmd:   []string{"sleep", "infinity"},
		Env: []string{
			"DEBIAN_FRONTEND=noninteractive",
			"TZ=" + c.cfg.Timezone,
		},
		Labels: map[string]string{
			LabelManaged: "true",
			LabelUserID:  strconv.FormatInt(req.UserID, 10),
		},
		MemoryBytes: memory,
		NanoCPUs:    int64(plan.CPUs) * 1e9,
		PidsLimit:   c.cfg.PidsLimit,
		GPU:         plan.GPU,
		ExposedPort: c.cfg.SSHPort,
	})
	if err != nil {
		return nil, wrapRuntime("creating container", err)
	}
	if err := c.rt.Start(ctx, id); err != nil {
		c.removeQuietly(id)
		return nil, wrapRuntime("starting container", err)
	}

	info, err := c.awaitRunning(ctx, id)
	if err != nil {
		c.removeQuietly(id)
		return nil, err
	}

	rec := registry.Record{
		UserID:      req.UserID,
		ContainerID: id,
		Name:        name,
		SSHPort:     info.HostPort,
		Status:      string(StatusRunning),
		PlanID:      plan.ID,
	}
	if err := c.store.Sandboxes().Register(ctx, &rec); err != nil {
		c.removeQuietly(id)
		if errors.Is(err, registry.ErrAlreadyExists) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("registering sandbox: %w", err)
	}
	c.logger.Info("sandbox created", "user_id", req.UserID, "container", id, "name", name, "plan", plan.ID, "ssh_port", info.HostPort)

	result := &CreateResult{Record: rec}
	c.provisionAccess(ctx, id, result)
	return result, nil
}

// provisionAccess runs the best-effort phases after the container is
// registered: login credential, terminal toolchain, tunnel. Failures
// are downgraded to warnings on the result.
func (c *Controller) provisionAccess(ctx context.Context, containerID string, result *CreateResult) {
	secret, method, err := c.creds.Provision(ctx, containerID)
	result.Credential = secret
	result.CredentialMethod = method
	if err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("credential provisioning: %v", err))
	} else if method == credentialMethodNone {
		result.Warnings = append(result.Warnings, "password could not be set; use the web terminal or exec")
	}

	boot, err := c.tools.EnsureTools(ctx, containerID)
	result.Bootstrap = boot
	if err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("tool bootstrap: %v", err))
	} else if boot.Degraded() {
		result.Warnings = append(result.Warnings, "terminal tooling incomplete; the web terminal may be unavailable")
	}

	tun, err := c.tunnel.OpenTerminal(ctx, containerID)
	if err != nil {
		result.TunnelErr = err
		result.Warnings = append(result.Warnings, fmt.Sprintf("terminal tunnel: %v", err))
		c.logger.Warn("sandbox created without terminal tunnel", "container", containerID, "error", err)
		return
	}
	result.Tunnel = tun
}

// Start restarts a stopped sandbox and renegotiates its terminal
// tunnel. The published host port can change across restarts, so the
// registry entry is refreshed from a live inspect.
func (c *Controller) Start(ctx context.Context, userID int64, privileged bool) (*StartResult, error) {
	st, err := c.store.Settings().Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading settings: %w", err)
	}
	if st.MaintenanceMode && !privileged {
		return nil, ErrMaintenance
	}

	rec, err := c.getRecord(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := c.rt.Start(ctx, rec.ContainerID); err != nil {
		if runtime.IsNotFound(err) {
			c.markDrift(ctx, userID)
			return nil, fmt.Errorf("sandbox container is gone, destroy and recreate it: %w", ErrNotFound)
		}
		return nil, wrapRuntime("starting container", err)
	}

	if info, ierr := c.rt.Inspect(ctx, rec.ContainerID); ierr == nil {
		rec.SSHPort = info.HostPort
	}
	rec.Status = string(StatusRunning)
	if err := c.store.Sandboxes().Update(ctx, &rec); err != nil {
		c.logger.Warn("refreshing registry entry failed", "user_id", userID, "error", err)
	}

	res := &StartResult{Record: rec}
	tun, terr := c.tunnel.OpenTerminal(ctx, rec.ContainerID)
	if terr != nil {
		res.TunnelErr = terr
		c.logger.Warn("sandbox started without terminal tunnel", "user_id", userID, "error", terr)
	} else {
		res.Tunnel = tun
	}
	return res, nil
}

// Stop gracefully stops the sandbox container. Any active terminal
// tunnel dies with it.
func (c *Controller) Stop(ctx context.Context, userID int64) (*registry.Record, error) {
	rec, err := c.getRecord(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := c.rt.Stop(ctx, rec.ContainerID, c.cfg.StopTimeout); err != nil {
		if runtime.IsNotFound(err) {
			c.markDrift(ctx, userID)
			return nil, fmt.Errorf("sandbox container is gone, destroy and recreate it: %w", ErrNotFound)
		}
		return nil, wrapRuntime("stopping container", err)
	}
	rec.Status = string(StatusStopped)
	if err := c.store.Sandboxes().UpdateStatus(ctx, userID, rec.Status); err != nil {
		c.logger.Warn("recording stopped status failed", "user_id", userID, "error", err)
	}
	return &rec, nil
}

// Destroy removes the sandbox container and its registry entry. It is
// idempotent: destroying an absent sandbox succeeds, and the registry
// entry is cleared even when the runtime removal fails.
func (c *Controller) Destroy(ctx context.Context, userID int64) error {
	rec, err := c.store.Sandboxes().Get(ctx, userID)
	if errors.Is(err, registry.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading registry: %w", err)
	}

	if err := c.rt.Remove(ctx, rec.ContainerID, true); err != nil && !runtime.IsNotFound(err) {
		c.logger.Warn("container removal failed, clearing registry anyway", "user_id", userID, "container", rec.ContainerID, "error", err)
	}
	if err := c.store.Sandboxes().Delete(ctx, userID); err != nil && !errors.Is(err, registry.ErrNotFound) {
		return fmt.Errorf("deleting registry entry: %w", err)
	}
	c.logger.Info("sandbox destroyed", "user_id", userID, "container", rec.ContainerID)
	return nil
}

// Exec runs a shell command in the sandbox as root. A non-zero exit
// code is reported in the result, not as an error.
func (c *Controller) Exec(ctx context.Context, userID int64, command string) (*runtime.ExecResult, error) {
	rec, err := c.getRecord(ctx, userID)
	if err != nil {
		return nil, err
	}
	res, err := c.rt.Exec(ctx, rec.ContainerID, runtime.ExecRequest{Cmd: command, User: "root"})
	if err != nil {
		switch {
		case runtime.IsNotFound(err):
			c.markDrift(ctx, userID)
			return nil, fmt.Errorf("sandbox container is gone, destroy and recreate it: %w", ErrNotFound)
		case runtime.IsNotRunning(err):
			return nil, ErrNotRunning
		}
		return nil, wrapRuntime("exec", err)
	}
	return res, nil
}

// Status reports the live state of the sandbox. A registered sandbox
// whose container vanished reports DESTROYED; runtime trouble reports
// ERROR rather than failing the query.
func (c *Controller) Status(ctx context.Context, userID int64) (*StatusResult, error) {
	rec, err := c.getRecord(ctx, userID)
	if err != nil {
		return nil, err
	}
	res := &StatusResult{Record: rec}
	info, err := c.rt.Inspect(ctx, rec.ContainerID)
	if err != nil {
		if runtime.IsNotFound(err) {
			res.Status = StatusDestroyed
			return res, nil
		}
		c.logger.Warn("inspect failed", "user_id", userID, "container", rec.ContainerID, "error", err)
		res.Status = StatusError
		return res, nil
	}
	res.EngineState = info.State
	res.Status = StatusFromEngine(info.State)
	return res, nil
}

// Stats takes one resource usage sample from the sandbox container.
func (c *Controller) Stats(ctx context.Context, userID int64) (*runtime.Stats, error) {
	rec, err := c.getRecord(ctx, userID)
	if err != nil {
		return nil, err
	}
	st, err := c.rt.Stats(ctx, rec.ContainerID)
	if err != nil {
		if runtime.IsNotFound(err) {
			return nil, fmt.Errorf("sandbox container is gone: %w", ErrNotFound)
		}
		return nil, wrapRuntime("reading stats", err)
	}
	return st, nil
}

// Terminal renegotiates the web terminal tunnel for a running sandbox
// and returns the fresh public URL.
func (c *Controller) Terminal(ctx context.Context, userID int64) (*TunnelRecord, error) {
	rec, err := c.getRecord(ctx, userID)
	if err != nil {
		return nil, err
	}
	info, err := c.rt.Inspect(ctx, rec.ContainerID)
	if err != nil {
		if runtime.IsNotFound(err) {
			c.markDrift(ctx, userID)
			return nil, fmt.Errorf("sandbox container is gone, destroy and recreate it: %w", ErrNotFound)
		}
		return nil, wrapRuntime("inspecting container", err)
	}
	if !info.Running {
		return nil, ErrNotRunning
	}
	return c.tunnel.OpenTerminal(ctx, rec.ContainerID)
}

// StopAll stops every registered sandbox, tolerating per-sandbox
// failures.
func (c *Controller) StopAll(ctx context.Context) (*BulkResult, error) {
	recs, err := c.store.Sandboxes().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing registry: %w", err)
	}
	res := &BulkResult{Attempted: len(recs)}
	for _, rec := range recs {
		err := c.rt.Stop(ctx, rec.ContainerID, c.cfg.StopTimeout)
		switch {
		case err == nil:
			res.Succeeded++
			c.updateStatusQuietly(ctx, rec.UserID, StatusStopped)
		case runtime.IsNotFound(err):
			res.Succeeded++
			c.updateStatusQuietly(ctx, rec.UserID, StatusDestroyed)
		default:
			res.Failed++
			c.logger.Warn("stopping sandbox failed", "user_id", rec.UserID, "container", rec.ContainerID, "error", err)
		}
	}
	c.logger.Info("stopped all sandboxes", "attempted", res.Attempted, "succeeded", res.Succeeded, "failed", res.Failed)
	return res, nil
}

// DestroyAll removes every registered sandbox. Succeeded counts
// registry entries actually cleared; container removal failures alone
// do not fail an entry.
func (c *Controller) DestroyAll(ctx context.Context) (*BulkResult, error) {
	recs, err := c.store.Sandboxes().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing registry: %w", err)
	}
	res := &BulkResult{Attempted: len(recs)}
	for _, rec := range recs {
		if err := c.rt.Remove(ctx, rec.ContainerID, true); err != nil && !runtime.IsNotFound(err) {
			c.logger.Warn("container removal failed, clearing registry anyway", "user_id", rec.UserID, "container", rec.ContainerID, "error", err)
		}
		if err := c.store.Sandboxes().Delete(ctx, rec.UserID); err != nil && !errors.Is(err, registry.ErrNotFound) {
			res.Failed++
			c.logger.Warn("deleting registry entry failed", "user_id", rec.UserID, "error", err)
			continue
		}
		res.Succeeded++
	}
	c.logger.Info("destroyed all sandboxes", "attempted", res.Attempted, "succeeded", res.Succeeded, "failed", res.Failed)
	return res, nil
}

// List returns every registered sandbox.
func (c *Controller) List(ctx context.Context) ([]registry.Record, error) {
	recs, err := c.store.Sandboxes().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing registry: %w", err)
	}
	return recs, nil
}

// resolvePlan turns a plan id into an effective resource plan. The
// default plan is assembled from the stored settings; named plans come
// from the catalog with GPU access still gated by the global setting.
func (c *Controller) resolvePlan(ctx context.Context, planID string, st *registry.Settings) (registry.Plan, error) {
	if planID == "" || planID == DefaultPlanID {
		return registry.Plan{
			ID:   DefaultPlanID,
			RAM:  st.DefaultRAM,
			CPUs: st.DefaultCPU,
			GPU:  st.GPUEnabled,
		}, nil
	}
	p, err := c.store.Plans().Get(ctx, planID)
	if errors.Is(err, registry.ErrNotFound) {
		return registry.Plan{}, fmt.Errorf("%w: %s", ErrUnknownPlan, planID)
	}
	if err != nil {
		return registry.Plan{}, fmt.Errorf("loading plan %s: %w", planID, err)
	}
	p.GPU = p.GPU && st.GPUEnabled
	return *p, nil
}

// awaitRunning polls the container until it reports running. On
// exhaustion the caller force-removes the container.
func (c *Controller) awaitRunning(ctx context.Context, id string) (*runtime.Info, error) {
	var info *runtime.Info
	err := c.cfg.Readiness.Do(ctx, func(ctx context.Context) (bool, error) {
		cur, ierr := c.rt.Inspect(ctx, id)
		if ierr != nil {
			return false, nil
		}
		if cur.Running {
			info = cur
			return true, nil
		}
		return false, nil
	})
	if errors.Is(err, ErrExhausted) {
		return nil, &StartupTimeoutError{Attempts: c.cfg.Readiness.MaxAttempts, Interval: c.cfg.Readiness.Interval}
	}
	if err != nil {
		return nil, err
	}
	return info, nil
}

// clearOrphan force-removes a leftover container occupying the
// deterministic name when the registry has no matching entry.
func (c *Controller) clearOrphan(ctx context.Context, name string) {
	info, err := c.rt.Inspect(ctx, name)
	if err != nil {
		return
	}
	c.logger.Warn("removing orphaned container", "name", name, "container", info.ID)
	if err := c.rt.Remove(ctx, info.ID, true); err != nil && !runtime.IsNotFound(err) {
		c.logger.Warn("orphan removal failed", "name", name, "error", err)
	}
}

func (c *Controller) getRecord(ctx context.Context, userID int64) (registry.Record, error) {
	rec, err := c.store.Sandboxes().Get(ctx, userID)
	if errors.Is(err, registry.ErrNotFound) {
		return registry.Record{}, ErrNotFound
	}
	if err != nil {
		return registry.Record{}, fmt.Errorf("reading registry: %w", err)
	}
	return *rec, nil
}

// wrapRuntime wraps a runtime failure for the caller. Engine
// unreachability folds into ErrRuntimeUnavailable so gateways can
// answer "try again later" instead of a generic failure.
func wrapRuntime(msg string, err error) error {
	if runtime.IsUnavailable(err) {
		return fmt.Errorf("%s: %w: %w", msg, ErrRuntimeUnavailable, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// markDrift records that a registered container no longer exists.
func (c *Controller) markDrift(ctx context.Context, userID int64) {
	c.updateStatusQuietly(ctx, userID, StatusDestroyed)
}

func (c *Controller) updateStatusQuietly(ctx context.Context, userID int64, status Status) {
	if err := c.store.Sandboxes().UpdateStatus(ctx, userID, string(status)); err != nil && !errors.Is(err, registry.ErrNotFound) {
		c.logger.Warn("recording status failed", "user_id", userID, "status", status, "error", err)
	}
}

// removeQuietly force-removes a container during create rollback.
func (c *Controller) removeQuietly(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.rt.Remove(ctx, id, true); err != nil && !runtime.IsNotFound(err) {
		c.logger.Warn("rollback removal failed", "container", id, "error", err)
	}
}

var _ Service = (*Controller)(nil)
