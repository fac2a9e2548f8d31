// Package janitor reconciles the sandbox registry with live container
// state on a cron schedule. Containers stopped or removed behind the
// bot's back drift the registry away from truth; each sweep folds the
// engine state back in and refreshes the running-sandboxes gauge.
//
// Core invariant: the janitor only corrects bookkeeping. It never
// starts, stops, or removes containers.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/jkaninda/sanduku/internal/registry"
	"github.com/jkaninda/sanduku/internal/runtime"
	"github.com/jkaninda/sanduku/internal/sandbox"
)

// Drift kinds reported by sweeps.
const (
	driftMissing = "missing" // registered container gone from the engine
	driftState   = "state"   // engine state disagrees with the registry
	driftOrphan  = "orphan"  // managed container with no registry entry
)

// Janitor runs periodic reconciliation sweeps.
type Janitor struct {
	store    registry.Store
	rt       runtime.Runtime
	schedule cron.Schedule
	expr     string
	metrics  *Metrics
	logger   *slog.Logger
}

// New creates a Janitor. The schedule is a standard five-field cron
// expression.
func New(store registry.Store, rt runtime.Runtime, scheduleExpr string, metrics *Metrics, logger *slog.Logger) (*Janitor, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(scheduleExpr)
	if err != nil {
		return nil, fmt.Errorf("invalid janitor schedule %q: %w", scheduleExpr, err)
	}
	return &Janitor{
		store:    store,
		rt:       rt,
		schedule: sched,
		expr:     scheduleExpr,
		metrics:  metrics,
		logger:   logger,
	}, nil
}

// Start begins the sweep loop. Returns a cancel function.
func (j *Janitor) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		j.logger.InfoContext(ctx, "janitor started", slog.String("schedule", j.expr))

		for {
			timer := time.NewTimer(time.Until(j.schedule.Next(time.Now())))
			select {
			case <-ctx.Done():
				timer.Stop()
				j.logger.Info("janitor stopped")
				return
			case <-timer.C:
				j.Sweep(ctx)
			}
		}
	}()

	return cancel
}

// Sweep runs one reconciliation pass. Per-record failures are logged
// and counted, never fatal to the sweep.
func (j *Janitor) Sweep(ctx context.Context) {
	start := time.Now()
	runID := uuid.New().String()

	recs, err := j.store.Sandboxes().List(ctx)
	if err != nil {
		j.sweepFailed(runID, "listing registry", err)
		return
	}
	infos, err := j.rt.List(ctx, sandbox.LabelManaged)
	if err != nil {
		j.sweepFailed(runID, "listing containers", err)
		return
	}

	registered := make(map[string]bool, len(recs))
	byID := make(map[string]runtime.Info, len(infos))
	for _, info := range infos {
		byID[info.ID] = info
	}

	var running, missing, stateDrift int
	for _, rec := range recs {
		registered[rec.ContainerID] = true

		info, ok := byID[rec.ContainerID]
		if !ok {
			if rec.Status == string(sandbox.StatusDestroyed) {
				continue
			}
			missing++
			j.recordDrift(ctx, driftMissing, rec, sandbox.StatusDestroyed)
			continue
		}

		if info.Running {
			running++
		}
		live := sandbox.StatusFromEngine(info.State)
		if string(live) != rec.Status {
			stateDrift++
			j.recordDrift(ctx, driftState, rec, live)
		}
	}

	// Managed containers the registry has never heard of. Create clears
	// these for its own user; the janitor only surfaces them.
	var orphans int
	for _, info := range infos {
		if !registered[info.ID] {
			orphans++
			if j.metrics != nil {
				j.metrics.DriftTotal.WithLabelValues(driftOrphan).Inc()
			}
			j.logger.WarnContext(ctx, "orphan managed container",
				slog.String("run_id", runID),
				slog.String("container", info.ID),
				slog.String("name", info.Name),
			)
		}
	}

	if j.metrics != nil {
		j.metrics.RunningSandboxes.Set(float64(running))
		j.metrics.SweepDuration.Observe(time.Since(start).Seconds())
		j.metrics.SweepsTotal.WithLabelValues("ok").Inc()
	}

	j.logger.InfoContext(ctx, "reconciliation sweep complete",
		slog.String("run_id", runID),
		slog.Int("registered", len(recs)),
		slog.Int("running", running),
		slog.Int("missing", missing),
		slog.Int("state_drift", stateDrift),
		slog.Int("orphans", orphans),
		slog.Duration("elapsed", time.Since(start)),
	)
}

func (j *Janitor) recordDrift(ctx context.Context, kind string, rec registry.Record, to sandbox.Status) {
	if j.metrics != nil {
		j.metrics.DriftTotal.WithLabelValues(kind).Inc()
	}
	j.logger.InfoContext(ctx, "registry drift corrected",
		slog.String("kind", kind),
		slog.Int64("user_id", rec.UserID),
		slog.String("container", rec.ContainerID),
		slog.String("from", rec.Status),
		slog.String("to", string(to)),
	)
	if err := j.store.Sandboxes().UpdateStatus(ctx, rec.UserID, string(to)); err != nil {
		j.logger.WarnContext(ctx, "recording drift failed",
			slog.Int64("user_id", rec.UserID),
			slog.String("error", err.Error()),
		)
	}
}

func (j *Janitor) sweepFailed(runID, phase string, err error) {
	if j.metrics != nil {
		j.metrics.SweepsTotal.WithLabelValues("error").Inc()
	}
	j.logger.Error("reconciliation sweep failed",
		slog.String("run_id", runID),
		slog.String("phase", phase),
		slog.String("error", err.Error()),
	)
}
