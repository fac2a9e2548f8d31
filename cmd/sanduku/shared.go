package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jkaninda/sanduku/internal/config"
	"github.com/jkaninda/sanduku/internal/observability"
	"github.com/jkaninda/sanduku/internal/registry"
	pgstore "github.com/jkaninda/sanduku/internal/registry/postgres"
	sqlitestore "github.com/jkaninda/sanduku/internal/registry/sqlite"
	"github.com/jkaninda/sanduku/internal/runtime"
	"github.com/jkaninda/sanduku/internal/sandbox"
	"github.com/jkaninda/sanduku/internal/secrets"
)

// SharedComponents holds all initialized subsystems the server mode
// requires. Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config  *config.Config
	Logger  *slog.Logger
	Store   registry.Store  // Unified registry (SQLite or PostgreSQL).
	Runtime runtime.Runtime // Container engine the sandboxes run on.

	Obs     *observability.Observability
	Service sandbox.Service // Controller, instrumented when metrics are on.

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// initShared performs all common initialization for server mode.
// Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Ensure data directory exists.
	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
			slog.Bool("anomaly", obs.Anomaly != nil),
		)
	}

	// Registry (unified: SQLite default, PostgreSQL optional).
	store, err := initStore(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing registry: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing registry", slog.String("error", err.Error()))
		}
	})

	// Run migrations.
	if err := store.Migrate(context.Background()); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	// Seed the plan catalog from config.
	if err := seedPlans(context.Background(), cfg, store, logger); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("seeding plan catalog: %w", err)
	}

	// Container runtime.
	rt, err := runtime.NewDockerRuntime(logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing container runtime: %w", err)
	}
	sc.Runtime = rt
	sc.addCleanup(func() {
		if err := rt.Close(); err != nil {
			logger.Error("closing container runtime", slog.String("error", err.Error()))
		}
	})

	// Fail fast when the engine is unreachable at startup.
	pingCtx, cancel := context.WithTimeout(context.Background(), cfg.Runtime.PingTimeout())
	err = rt.Ping(pingCtx)
	cancel()
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("pinging container runtime: %w", err)
	}
	logger.Debug("container runtime initialized", slog.String("image", cfg.Runtime.SandboxImage()))

	// Sandbox controller.
	ctrl := sandbox.NewController(rt, store, controllerConfig(cfg), logger)

	var svc sandbox.Service = ctrl
	if obs != nil && obs.Metrics != nil {
		svc = observability.NewInstrumentedService(ctrl, obs.Metrics, obs.TracerOrNil(), obs.Anomaly)
	}
	sc.Service = svc

	// Health checks.
	if obs != nil && obs.Health != nil && cfg.Observability.Health != nil {
		if cfg.Observability.Health.IncludeRegistry {
			obs.Health.AddCheck("registry", store.Ping)
		}
		if cfg.Observability.Health.IncludeRuntime {
			obs.Health.AddCheck("runtime", rt.Ping)
		}
	}

	return sc, nil
}

// controllerConfig assembles the provisioning knobs from config.
func controllerConfig(cfg *config.Config) sandbox.ControllerConfig {
	readyAttempts, readyInterval := cfg.Sandbox.Readiness()
	pollAttempts, pollInterval := cfg.Tunnel.Polling()

	return sandbox.ControllerConfig{
		Image:        cfg.Runtime.SandboxImage(),
		NamePrefix:   cfg.Sandbox.Prefix(),
		Timezone:     cfg.Runtime.TZ(),
		LoginUser:    cfg.Sandbox.Login(),
		SecretLength: cfg.Sandbox.SecretLength(),
		SSHPort:      cfg.Sandbox.InternalSSHPort(),
		PidsLimit:    cfg.Runtime.Pids(),
		StopTimeout:  cfg.Runtime.StopTimeout(),
		Readiness: sandbox.RetryPolicy{
			MaxAttempts: readyAttempts,
			Interval:    readyInterval,
		},
		Bootstrap: sandbox.BootstrapConfig{
			IndexRetries: cfg.Bootstrap.IndexRetries(),
			Tools: sandbox.TerminalTools(
				cfg.Bootstrap.TerminalServerURL(),
				cfg.Bootstrap.TunnelClientURL(),
			),
		},
		Tunnel: sandbox.TunnelConfig{
			Port:         cfg.Tunnel.TerminalPort(),
			PollAttempts: pollAttempts,
			PollInterval: pollInterval,
			Settle:       cfg.Tunnel.Settle(),
			Leniency:     cfg.Tunnel.LeniencyLevel(),
			TerminalLog:  cfg.Tunnel.TerminalLog(),
			ClientLog:    cfg.Tunnel.ClientLog(),
			TailBytes:    cfg.Tunnel.TailBytes(),
		},
	}
}

// initStore creates the appropriate registry backend from config.
func initStore(cfg *config.Config, logger *slog.Logger) (registry.Store, error) {
	driver := cfg.RegistryDriverName()

	switch driver {
	case registry.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case registry.DriverSQLite:
		return initSQLiteStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown registry driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (registry.Store, error) {
	dbPath := cfg.DatabasePath()
	journalMode := "wal"

	if cfg.Registry != nil && cfg.Registry.SQLite != nil {
		if cfg.Registry.SQLite.Path != "" {
			dbPath = cfg.Registry.SQLite.Path
		}
		if cfg.Registry.SQLite.JournalMode != "" {
			journalMode = cfg.Registry.SQLite.JournalMode
		}
	}

	return sqlitestore.Open(sqlitestore.Config{
		Path:        dbPath,
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (registry.Store, error) {
	var dsn string
	if cfg.Registry != nil && cfg.Registry.Postgres != nil {
		dsn = cfg.Registry.Postgres.DSN
	}

	if envDSN := os.Getenv("SANDUKU_DB_DSN"); envDSN != "" {
		dsn = envDSN
	}
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required (set registry.postgres.dsn or SANDUKU_DB_DSN)")
	}

	pgCfg := pgstore.Config{DSN: dsn}
	if cfg.Registry != nil && cfg.Registry.Postgres != nil {
		pgCfg.MaxOpenConns = cfg.Registry.Postgres.MaxOpenConns
		pgCfg.MaxIdleConns = cfg.Registry.Postgres.MaxIdleConns
		pgCfg.ConnMaxLifetime = time.Duration(cfg.Registry.Postgres.ConnMaxLifetimeS) * time.Second
	}

	pgDB, err := pgstore.Open(pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}

	return pgstore.NewStore(pgDB), nil
}

// seedPlans upserts the configured plan catalog into the registry so that
// plan lookups and the HTTP catalog endpoint reflect the config file.
func seedPlans(ctx context.Context, cfg *config.Config, store registry.Store, logger *slog.Logger) error {
	for _, p := range cfg.Plans {
		plan := &registry.Plan{
			ID:     p.ID,
			RAM:    p.RAM,
			CPUs:   p.CPUs,
			DiskGB: p.DiskGB,
			GPU:    p.GPU,
		}
		if err := store.Plans().Upsert(ctx, plan); err != nil {
			return fmt.Errorf("plan %s: %w", p.ID, err)
		}
	}
	if len(cfg.Plans) > 0 {
		logger.Debug("plan catalog seeded", slog.Int("plans", len(cfg.Plans)))
	}
	return nil
}

// newSecretProvider builds the secret provider chain from config.
// Environment variables are always available as a fallback backend.
func newSecretProvider(cfg *config.Config, logger *slog.Logger) secrets.Provider {
	if cfg.Secrets == nil || len(cfg.Secrets.Providers) == 0 {
		return secrets.NewEnvProvider()
	}

	providers := make([]secrets.Provider, 0, len(cfg.Secrets.Providers))
	for _, sp := range cfg.Secrets.Providers {
		switch sp.Type {
		case "env":
			providers = append(providers, secrets.NewEnvProvider())
		case "vault":
			vp, err := secrets.NewVaultProvider(sp.Config)
			if err != nil {
				logger.Error("failed to create vault secret provider", slog.String("error", err.Error()))
			} else {
				providers = append(providers, vp)
			}
		default:
			logger.Warn("unknown secret provider type, skipping", slog.String("type", sp.Type))
		}
	}
	if len(providers) == 0 {
		return secrets.NewEnvProvider()
	}
	return secrets.NewChain(providers...)
}
