package janitor

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/sanduku/internal/registry"
	"github.com/jkaninda/sanduku/internal/registry/registrytest"
	"github.com/jkaninda/sanduku/internal/runtime"
	"github.com/jkaninda/sanduku/internal/runtime/runtimetest"
	"github.com/jkaninda/sanduku/internal/sandbox"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	rt    *runtimetest.FakeRuntime
	store *registrytest.Store
	reg   *prometheus.Registry
	j     *Janitor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	rt := runtimetest.NewFakeRuntime()
	store := registrytest.NewStore()
	reg := prometheus.NewRegistry()
	j, err := New(store, rt, "*/5 * * * *", NewMetrics(reg), discardLogger())
	if err != nil {
		t.Fatalf("new janitor: %v", err)
	}
	return &testEnv{rt: rt, store: store, reg: reg, j: j}
}

// seedManaged creates a running managed container and its registry entry.
func seedManaged(t *testing.T, env *testEnv, userID int64, name string) string {
	t.Helper()
	ctx := context.Background()
	id, err := env.rt.Create(ctx, runtime.CreateSpec{
		Name:   name,
		Labels: map[string]string{sandbox.LabelManaged: "true"},
	})
	if err != nil {
		t.Fatalf("create container: %v", err)
	}
	if err := env.rt.Start(ctx, id); err != nil {
		t.Fatalf("start container: %v", err)
	}
	env.store.SeedSandbox(registry.Record{
		UserID:      userID,
		ContainerID: id,
		Name:        name,
		Status:      string(sandbox.StatusRunning),
	})
	return id
}

func storedStatus(t *testing.T, env *testEnv, userID int64) string {
	t.Helper()
	rec, err := env.store.Sandboxes().Get(context.Background(), userID)
	if err != nil {
		t.Fatalf("registry lookup: %v", err)
	}
	return rec.Status
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %q not found in registry", name)
	return 0
}

func driftCount(t *testing.T, reg *prometheus.Registry, kind string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != "sanduku_janitor_drift_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			if labelMap(m.GetLabel())["kind"] == kind {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

func TestSweepNoDrift(t *testing.T) {
	env := newTestEnv(t)
	seedManaged(t, env, 7, "vm_user_7")
	seedManaged(t, env, 8, "vm_user_8")

	env.j.Sweep(context.Background())

	if got := storedStatus(t, env, 7); got != "RUNNING" {
		t.Errorf("status = %q, want RUNNING", got)
	}
	if got := gaugeValue(t, env.reg, "sanduku_sandbox_running"); got != 2 {
		t.Errorf("running gauge = %v, want 2", got)
	}
}

func TestSweepCorrectsStateDrift(t *testing.T) {
	env := newTestEnv(t)
	id := seedManaged(t, env, 7, "vm_user_7")

	// Container stopped behind the bot's back.
	env.rt.SetState(id, "exited", false)
	env.j.Sweep(context.Background())

	if got := storedStatus(t, env, 7); got != "STOPPED" {
		t.Errorf("status = %q, want STOPPED", got)
	}
	if got := driftCount(t, env.reg, "state"); got != 1 {
		t.Errorf("state drift = %v, want 1", got)
	}
	if got := gaugeValue(t, env.reg, "sanduku_sandbox_running"); got != 0 {
		t.Errorf("running gauge = %v, want 0", got)
	}
}

func TestSweepMarksMissingDestroyed(t *testing.T) {
	env := newTestEnv(t)
	id := seedManaged(t, env, 7, "vm_user_7")

	if err := env.rt.Remove(context.Background(), id, true); err != nil {
		t.Fatalf("remove: %v", err)
	}
	env.j.Sweep(context.Background())

	if got := storedStatus(t, env, 7); got != "DESTROYED" {
		t.Errorf("status = %q, want DESTROYED", got)
	}
	if got := driftCount(t, env.reg, "missing"); got != 1 {
		t.Errorf("missing drift = %v, want 1", got)
	}

	// A second sweep finds nothing new.
	env.j.Sweep(context.Background())
	if got := driftCount(t, env.reg, "missing"); got != 1 {
		t.Errorf("missing drift after second sweep = %v, want 1", got)
	}
}

func TestSweepCountsOrphans(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// A managed container with no registry entry.
	_, err := env.rt.Create(ctx, runtime.CreateSpec{
		Name:   "vm_user_999",
		Labels: map[string]string{sandbox.LabelManaged: "true"},
	})
	if err != nil {
		t.Fatalf("create container: %v", err)
	}

	env.j.Sweep(ctx)
	if got := driftCount(t, env.reg, "orphan"); got != 1 {
		t.Errorf("orphan drift = %v, want 1", got)
	}
}

func TestSweepIgnoresUnmanagedContainers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.rt.Create(ctx, runtime.CreateSpec{Name: "unrelated"}); err != nil {
		t.Fatalf("create container: %v", err)
	}
	env.j.Sweep(ctx)

	if got := driftCount(t, env.reg, "orphan"); got != 0 {
		t.Errorf("orphan drift = %v, want 0", got)
	}
}

func TestNewRejectsBadSchedule(t *testing.T) {
	if _, err := New(registrytest.NewStore(), runtimetest.NewFakeRuntime(), "not a schedule", nil, discardLogger()); err == nil {
		t.Error("expected error for invalid cron expression")
	}
}

func TestSweepSurvivesStoreFailure(t *testing.T) {
	env := newTestEnv(t)
	env.store.Err = runtimetest.ErrInjected

	// Must not panic; sweep outcome is recorded as an error.
	env.j.Sweep(context.Background())

	families, err := env.reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() == "sanduku_janitor_sweeps_total" {
			labels := labelMap(f.GetMetric()[0].GetLabel())
			if labels["status"] != "error" {
				t.Errorf("sweep status = %q, want error", labels["status"])
			}
		}
	}
}
