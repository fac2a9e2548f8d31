package postgres

import (
	"context"
	"sync"

	"github.com/jkaninda/sanduku/internal/registry"
)

// Store implements registry.Store backed by PostgreSQL.
// It wraps the DB and lazily creates sub-store repositories.
type Store struct {
	pgDB *DB

	mu        sync.Mutex
	sandboxes registry.SandboxStore
	settings  registry.SettingsStore
	plans     registry.PlanStore
	access    registry.AccessStore
}

// NewStore wraps an existing DB as a unified Store.
func NewStore(pgDB *DB) *Store {
	return &Store{pgDB: pgDB}
}

func (s *Store) Migrate(_ context.Context) error {
	// PostgreSQL migration is done in Open() via autoMigrate.
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pgDB.Ping(ctx)
}

func (s *Store) Close() error {
	return s.pgDB.Close()
}

func (s *Store) Driver() string {
	return registry.DriverPostgres
}

// --- Sub-store accessors ---

func (s *Store) Sandboxes() registry.SandboxStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sandboxes == nil {
		s.sandboxes = NewSandboxRepository(s.pgDB.GormDB())
	}
	return s.sandboxes
}

func (s *Store) Settings() registry.SettingsStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settings == nil {
		s.settings = NewSettingsRepository(s.pgDB.GormDB())
	}
	return s.settings
}

func (s *Store) Plans() registry.PlanStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.plans == nil {
		s.plans = NewPlanRepository(s.pgDB.GormDB())
	}
	return s.plans
}

func (s *Store) Access() registry.AccessStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.access == nil {
		s.access = NewAccessRepository(s.pgDB.GormDB())
	}
	return s.access
}

// compile-time interface check
var _ registry.Store = (*Store)(nil)
