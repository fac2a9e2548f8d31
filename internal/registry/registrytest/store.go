// Package registrytest provides an in-memory registry.Store for tests.
// It mirrors the backend contracts: seeding, duplicate detection and
// sentinel errors behave like the SQL implementations.
package registrytest

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/jkaninda/sanduku/internal/registry"
)

// Store is an in-memory registry.Store.
type Store struct {
	mu        sync.Mutex
	sandboxes map[int64]registry.Record
	settings  registry.Settings
	plans     map[string]registry.Plan
	allowed   map[int64]registry.AllowedUser

	// Err, when set, is returned by every data operation.
	Err error
}

var _ registry.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		sandboxes: make(map[int64]registry.Record),
		settings:  registry.DefaultSettings(),
		plans:     make(map[string]registry.Plan),
		allowed:   make(map[int64]registry.AllowedUser),
	}
}

func (s *Store) Sandboxes() registry.SandboxStore { return &sandboxStore{s} }
func (s *Store) Settings() registry.SettingsStore { return &settingsStore{s} }
func (s *Store) Plans() registry.PlanStore        { return &planStore{s} }
func (s *Store) Access() registry.AccessStore     { return &accessStore{s} }

func (s *Store) Migrate(ctx context.Context) error { return nil }
func (s *Store) Ping(ctx context.Context) error    { return s.Err }
func (s *Store) Close() error                      { return nil }
func (s *Store) Driver() string                    { return "memory" }

// SetSettings replaces the stored settings, bypassing key validation.
func (s *Store) SetSettings(st registry.Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = st
}

// SeedPlan adds a plan directly.
func (s *Store) SeedPlan(p registry.Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[p.ID] = p
}

// SeedSandbox adds a record directly.
func (s *Store) SeedSandbox(rec registry.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	s.sandboxes[rec.UserID] = rec
}

type sandboxStore struct{ s *Store }

func (st *sandboxStore) Register(ctx context.Context, rec *registry.Record) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	if st.s.Err != nil {
		return st.s.Err
	}
	if _, ok := st.s.sandboxes[rec.UserID]; ok {
		return registry.ErrAlreadyExists
	}
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	st.s.sandboxes[rec.UserID] = *rec
	return nil
}

func (st *sandboxStore) Get(ctx context.Context, userID int64) (*registry.Record, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	if st.s.Err != nil {
		return nil, st.s.Err
	}
	rec, ok := st.s.sandboxes[userID]
	if !ok {
		return nil, registry.ErrNotFound
	}
	return &rec, nil
}

func (st *sandboxStore) Update(ctx context.Context, rec *registry.Record) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	if st.s.Err != nil {
		return st.s.Err
	}
	cur, ok := st.s.sandboxes[rec.UserID]
	if !ok {
		return registry.ErrNotFound
	}
	cur.ContainerID = rec.ContainerID
	cur.Name = rec.Name
	cur.SSHPort = rec.SSHPort
	cur.Status = rec.Status
	cur.PlanID = rec.PlanID
	cur.UpdatedAt = time.Now().UTC()
	st.s.sandboxes[rec.UserID] = cur
	return nil
}

func (st *sandboxStore) UpdateStatus(ctx context.Context, userID int64, status string) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	if st.s.Err != nil {
		return st.s.Err
	}
	cur, ok := st.s.sandboxes[userID]
	if !ok {
		return registry.ErrNotFound
	}
	cur.Status = status
	cur.UpdatedAt = time.Now().UTC()
	st.s.sandboxes[userID] = cur
	return nil
}

func (st *sandboxStore) Delete(ctx context.Context, userID int64) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	if st.s.Err != nil {
		return st.s.Err
	}
	if _, ok := st.s.sandboxes[userID]; !ok {
		return registry.ErrNotFound
	}
	delete(st.s.sandboxes, userID)
	return nil
}

func (st *sandboxStore) List(ctx context.Context) ([]registry.Record, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	if st.s.Err != nil {
		return nil, st.s.Err
	}
	out := make([]registry.Record, 0, len(st.s.sandboxes))
	for _, rec := range st.s.sandboxes {
		out = append(out, rec)
	}
	return out, nil
}

type settingsStore struct{ s *Store }

func (st *settingsStore) Get(ctx context.Context) (*registry.Settings, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	if st.s.Err != nil {
		return nil, st.s.Err
	}
	cur := st.s.settings
	return &cur, nil
}

func (st *settingsStore) Update(ctx context.Context, key, value string) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	if st.s.Err != nil {
		return st.s.Err
	}
	switch key {
	case registry.SettingGPUEnabled:
		v, err := parseBool(value)
		if err != nil {
			return err
		}
		st.s.settings.GPUEnabled = v
	case registry.SettingMaintenanceMode:
		v, err := parseBool(value)
		if err != nil {
			return err
		}
		st.s.settings.MaintenanceMode = v
	case registry.SettingDefaultRAM:
		if _, err := units.RAMInBytes(value); err != nil {
			return registry.ErrInvalidSetting
		}
		st.s.settings.DefaultRAM = value
	case registry.SettingDefaultCPU:
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return registry.ErrInvalidSetting
		}
		st.s.settings.DefaultCPU = n
	default:
		return registry.ErrInvalidSetting
	}
	return nil
}

func parseBool(value string) (bool, error) {
	switch value {
	case "on":
		return true, nil
	case "off":
		return false, nil
	}
	v, err := strconv.ParseBool(value)
	if err != nil {
		return false, registry.ErrInvalidSetting
	}
	return v, nil
}

type planStore struct{ s *Store }

func (st *planStore) Upsert(ctx context.Context, plan *registry.Plan) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	if st.s.Err != nil {
		return st.s.Err
	}
	st.s.plans[plan.ID] = *plan
	return nil
}

func (st *planStore) Get(ctx context.Context, id string) (*registry.Plan, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	if st.s.Err != nil {
		return nil, st.s.Err
	}
	p, ok := st.s.plans[id]
	if !ok {
		return nil, registry.ErrNotFound
	}
	return &p, nil
}

func (st *planStore) List(ctx context.Context) ([]registry.Plan, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	if st.s.Err != nil {
		return nil, st.s.Err
	}
	out := make([]registry.Plan, 0, len(st.s.plans))
	for _, p := range st.s.plans {
		out = append(out, p)
	}
	return out, nil
}

type accessStore struct{ s *Store }

func (st *accessStore) Allow(ctx context.Context, user *registry.AllowedUser) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	if st.s.Err != nil {
		return st.s.Err
	}
	u := *user
	if u.AddedAt.IsZero() {
		u.AddedAt = time.Now().UTC()
	}
	st.s.allowed[u.UserID] = u
	return nil
}

func (st *accessStore) Remove(ctx context.Context, userID int64) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	if st.s.Err != nil {
		return st.s.Err
	}
	if _, ok := st.s.allowed[userID]; !ok {
		return registry.ErrNotFound
	}
	delete(st.s.allowed, userID)
	return nil
}

func (st *accessStore) IsAllowed(ctx context.Context, userID int64) (bool, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	if st.s.Err != nil {
		return false, st.s.Err
	}
	_, ok := st.s.allowed[userID]
	return ok, nil
}

func (st *accessStore) List(ctx context.Context) ([]registry.AllowedUser, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()
	if st.s.Err != nil {
		return nil, st.s.Err
	}
	out := make([]registry.AllowedUser, 0, len(st.s.allowed))
	for _, u := range st.s.allowed {
		out = append(out, u)
	}
	return out, nil
}
