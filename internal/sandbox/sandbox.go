// Package sandbox manages the lifecycle of per-user sandbox containers:
// creation, readiness, login credentials, terminal tooling, tunnel
// negotiation, and teardown. The controller is the single entry point;
// gateways call it and never touch the container runtime directly.
package sandbox

import (
	"context"
	"time"

	"github.com/jkaninda/sanduku/internal/registry"
	"github.com/jkaninda/sanduku/internal/runtime"
)

// Labels applied to every managed container so orphans can be found
// even when the registry has lost track of them.
const (
	LabelManaged = "sanduku.sandbox"
	LabelUserID  = "sanduku.user-id"
)

// Status is the lifecycle state of a user's sandbox as reported to callers.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusStopped   Status = "STOPPED"
	StatusDestroyed Status = "DESTROYED"
	StatusError     Status = "ERROR"
	StatusUnknown   Status = "UNKNOWN"
)

func (s Status) String() string { return string(s) }

// StatusFromEngine maps a container engine state string to a Status.
func StatusFromEngine(state string) Status {
	switch state {
	case "running":
		return StatusRunning
	case "created", "restarting":
		return StatusPending
	case "exited", "paused":
		return StatusStopped
	case "dead":
		return StatusError
	default:
		return StatusUnknown
	}
}

// execer is the slice of the runtime needed to run commands inside a
// container. Provisioner, bootstrapper and negotiator all work through
// it so tests can drive them with a scripted fake.
type execer interface {
	Exec(ctx context.Context, id string, req runtime.ExecRequest) (*runtime.ExecResult, error)
}

// Service is the sandbox lifecycle surface consumed by gateways.
// Controller is the canonical implementation; observability wrappers
// decorate it without changing semantics.
type Service interface {
	Create(ctx context.Context, req CreateRequest) (*CreateResult, error)
	Start(ctx context.Context, userID int64, privileged bool) (*StartResult, error)
	Stop(ctx context.Context, userID int64) (*registry.Record, error)
	Destroy(ctx context.Context, userID int64) error
	Exec(ctx context.Context, userID int64, command string) (*runtime.ExecResult, error)
	Status(ctx context.Context, userID int64) (*StatusResult, error)
	Stats(ctx context.Context, userID int64) (*runtime.Stats, error)
	Terminal(ctx context.Context, userID int64) (*TunnelRecord, error)
	List(ctx context.Context) ([]registry.Record, error)
	StopAll(ctx context.Context) (*BulkResult, error)
	DestroyAll(ctx context.Context) (*BulkResult, error)
	ContainerName(userID int64) string
}

// TunnelRecord describes an established public terminal tunnel.
type TunnelRecord struct {
	PublicURL     string    `json:"public_url"`
	EstablishedAt time.Time `json:"established_at"`
}

// CreateRequest asks the controller to provision a sandbox for a user.
type CreateRequest struct {
	UserID int64
	// PlanID selects a named resource plan. Empty means the default plan
	// built from the stored settings.
	PlanID string
	// Privileged callers (admins) bypass the maintenance-mode gate.
	Privileged bool
}

// CreateResult reports a provisioned sandbox. The sandbox exists and is
// running whenever Create returns nil; Tunnel and Credential describe the
// best-effort phases and may be degraded.
type CreateResult struct {
	Record registry.Record

	// Credential is the generated login secret for the sandbox account.
	// It is returned once and never persisted.
	Credential string
	// CredentialMethod names the strategy that applied the credential,
	// or "none" when every strategy failed.
	CredentialMethod string

	Bootstrap *BootstrapResult

	// Tunnel is nil when terminal negotiation failed; TunnelErr then
	// carries the failure.
	Tunnel    *TunnelRecord
	TunnelErr error

	Warnings []string
}

// FullyReady reports whether every provisioning phase succeeded,
// including the best-effort terminal phases.
func (r *CreateResult) FullyReady() bool {
	if r.Tunnel == nil {
		return false
	}
	if r.Bootstrap != nil && r.Bootstrap.Degraded() {
		return false
	}
	return r.CredentialMethod != credentialMethodNone
}

// StartResult reports a restarted sandbox and its renegotiated tunnel.
type StartResult struct {
	Record    registry.Record
	Tunnel    *TunnelRecord
	TunnelErr error
}

// StatusResult combines the registry record with the live engine state.
type StatusResult struct {
	Status Status
	// EngineState is the raw state string from the container engine,
	// empty when the container no longer exists.
	EngineState string
	Record      registry.Record
}

// BulkResult reports the outcome of an operation applied to every
// registered sandbox. Failures do not stop the sweep.
type BulkResult struct {
	Attempted int
	Succeeded int
	Failed    int
}
