// Package registry defines the unified Store interface for sandbox
// persistence. Two backends are provided: SQLite (default, zero-config)
// and PostgreSQL (production/multi-host).
package registry

import (
	"context"
	"errors"
	"time"
)

// Record is one user's sandbox registration. The registry is the source of
// truth for which user owns which container; live container state belongs
// to the runtime and is reconciled on demand.
type Record struct {
	UserID      int64     `json:"user_id"`
	ContainerID string    `json:"container_id"`
	Name        string    `json:"container_name"`
	SSHPort     int       `json:"ssh_port"` // host port published for the sandbox SSH port
	Status      string    `json:"status"`
	PlanID      string    `json:"plan_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Settings are the global operator-tunable knobs.
type Settings struct {
	GPUEnabled      bool   `json:"gpu_enabled"`
	DefaultRAM      string `json:"default_ram"`
	DefaultCPU      int    `json:"default_cpu"`
	MaintenanceMode bool   `json:"maintenance_mode"`
}

// DefaultSettings returns the settings seeded on first use.
func DefaultSettings() Settings {
	return Settings{
		GPUEnabled:      false,
		DefaultRAM:      "2g",
		DefaultCPU:      2,
		MaintenanceMode: false,
	}
}

// Setting keys accepted by SettingsStore.Update.
const (
	SettingGPUEnabled      = "gpu_enabled"
	SettingDefaultRAM      = "default_ram"
	SettingDefaultCPU      = "default_cpu"
	SettingMaintenanceMode = "maintenance_mode"
)

// Plan is a named resource allocation for sandboxes.
type Plan struct {
	ID     string `json:"id"`
	RAM    string `json:"ram"` // size string, e.g. "2g"
	CPUs   int    `json:"cpus"`
	DiskGB int    `json:"disk_gb,omitempty"`
	GPU    bool   `json:"gpu"` // plan may attach GPUs, still gated by Settings.GPUEnabled
}

// AllowedUser is one entry of the gateway allow-list.
type AllowedUser struct {
	UserID   int64     `json:"user_id"`
	Username string    `json:"username"`
	AddedBy  int64     `json:"added_by"`
	AddedAt  time.Time `json:"added_at"`
}

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("registry: not found")
	// ErrAlreadyExists is returned when inserting a record whose key is taken.
	ErrAlreadyExists = errors.New("registry: already exists")
	// ErrInvalidSetting is returned for setting keys outside the allow-list
	// or values that do not parse for their key.
	ErrInvalidSetting = errors.New("registry: invalid setting")
)

// SandboxStore persists sandbox registrations keyed by user id.
type SandboxStore interface {
	// Register inserts a new record. Returns ErrAlreadyExists when the
	// user already has one.
	Register(ctx context.Context, rec *Record) error

	// Get returns the record for a user. Returns ErrNotFound when absent.
	Get(ctx context.Context, userID int64) (*Record, error)

	// Update rewrites a user's record (container id, port, status, plan).
	// Returns ErrNotFound when absent.
	Update(ctx context.Context, rec *Record) error

	// UpdateStatus sets only the status column. Returns ErrNotFound when absent.
	UpdateStatus(ctx context.Context, userID int64, status string) error

	// Delete removes a user's record. Returns ErrNotFound when absent.
	Delete(ctx context.Context, userID int64) error

	// List returns all records.
	List(ctx context.Context) ([]Record, error)
}

// SettingsStore persists the global settings singleton.
type SettingsStore interface {
	// Get returns the current settings, seeding defaults on first use.
	Get(ctx context.Context) (*Settings, error)

	// Update sets one setting by key. The key must be in the allow-list
	// and the value must parse for it; otherwise ErrInvalidSetting.
	Update(ctx context.Context, key, value string) error
}

// PlanStore persists the resource plan catalog.
type PlanStore interface {
	Upsert(ctx context.Context, plan *Plan) error
	Get(ctx context.Context, id string) (*Plan, error) // ErrNotFound when absent
	List(ctx context.Context) ([]Plan, error)
}

// AccessStore persists the gateway allow-list.
type AccessStore interface {
	// Allow grants a user access. Granting an already-allowed user updates
	// the entry.
	Allow(ctx context.Context, user *AllowedUser) error

	// Remove revokes access. Returns ErrNotFound when the user was not listed.
	Remove(ctx context.Context, userID int64) error

	// IsAllowed reports whether the user is on the list.
	IsAllowed(ctx context.Context, userID int64) (bool, error)

	// List returns all allowed users.
	List(ctx context.Context) ([]AllowedUser, error)
}

// Store is the unified persistence interface. Both backends implement it;
// sub-stores share the backend's connection.
type Store interface {
	Sandboxes() SandboxStore
	Settings() SettingsStore
	Plans() PlanStore
	Access() AccessStore

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the backend name ("sqlite" or "postgres").
	Driver() string
}

// Driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)
