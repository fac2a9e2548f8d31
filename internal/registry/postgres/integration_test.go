//go:build integration

package postgres

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/jkaninda/sanduku/internal/registry"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set, skipping integration test")
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	db, err := Open(Config{DSN: dsn}, logger)
	if err != nil {
		t.Fatalf("opening postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

func TestPostgresSandboxRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	sandboxes := s.Sandboxes()

	const userID = int64(990042)
	t.Cleanup(func() { _ = sandboxes.Delete(context.Background(), userID) })

	rec := &registry.Record{
		UserID:      userID,
		ContainerID: "cafe",
		Name:        "vm_user_990042",
		SSHPort:     32771,
		Status:      "RUNNING",
	}
	if err := sandboxes.Register(ctx, rec); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := sandboxes.Register(ctx, rec); !errors.Is(err, registry.ErrAlreadyExists) {
		t.Errorf("duplicate Register: want ErrAlreadyExists, got %v", err)
	}

	got, err := sandboxes.Get(ctx, userID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ContainerID != "cafe" || got.SSHPort != 32771 {
		t.Errorf("round trip mismatch: %+v", got)
	}

	if err := sandboxes.Delete(ctx, userID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := sandboxes.Get(ctx, userID); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("Get after Delete: want ErrNotFound, got %v", err)
	}
}

func TestPostgresSettings(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	settings, err := s.Settings().Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if settings.DefaultRAM == "" || settings.DefaultCPU == 0 {
		t.Errorf("settings not seeded: %+v", settings)
	}
}
