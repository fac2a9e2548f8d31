package observability

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/sanduku/internal/registry"
	"github.com/jkaninda/sanduku/internal/runtime"
	"github.com/jkaninda/sanduku/internal/sandbox"
)

// InstrumentedService wraps a sandbox.Service with metrics, tracing, and
// anomaly detection. Semantics are unchanged; every call is forwarded.
type InstrumentedService struct {
	inner   sandbox.Service
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedService wraps a sandbox service with observability.
func NewInstrumentedService(inner sandbox.Service, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedService {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedService{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (s *InstrumentedService) ContainerName(userID int64) string {
	return s.inner.ContainerName(userID)
}

func (s *InstrumentedService) Create(ctx context.Context, req sandbox.CreateRequest) (*sandbox.CreateResult, error) {
	ctx, end := s.startSpan(ctx, "sandbox.create",
		attribute.String("sandbox.user_id", strconv.FormatInt(req.UserID, 10)),
		attribute.String("sandbox.plan", req.PlanID),
	)
	defer end()

	start := time.Now()
	result, err := s.inner.Create(ctx, req)
	duration := time.Since(start).Seconds()

	status := "success"
	switch {
	case err != nil:
		status = "error"
		s.recordSpanError(ctx, err)
	case result != nil && !result.FullyReady():
		status = "degraded"
	}

	if s.metrics != nil {
		s.metrics.SandboxOperationsTotal.WithLabelValues("create", status).Inc()
		s.metrics.SandboxOperationDuration.WithLabelValues("create").Observe(duration)

		if result != nil {
			s.metrics.CredentialMethodsTotal.WithLabelValues(result.CredentialMethod).Inc()
			if result.Bootstrap != nil {
				for tool, method := range result.Bootstrap.Methods {
					s.metrics.ToolInstallsTotal.WithLabelValues(tool, method).Inc()
				}
			}
			s.recordTunnel(result.TunnelErr)
		}
	}

	s.recordOutcome("create", err)
	if s.anomaly != nil {
		s.anomaly.RecordProvision(req.UserID)
	}

	return result, err
}

func (s *InstrumentedService) Start(ctx context.Context, userID int64, privileged bool) (*sandbox.StartResult, error) {
	ctx, end := s.startSpan(ctx, "sandbox.start",
		attribute.String("sandbox.user_id", strconv.FormatInt(userID, 10)),
	)
	defer end()

	start := time.Now()
	result, err := s.inner.Start(ctx, userID, privileged)
	duration := time.Since(start).Seconds()

	status := "success"
	switch {
	case err != nil:
		status = "error"
		s.recordSpanError(ctx, err)
	case result != nil && result.TunnelErr != nil:
		status = "degraded"
	}

	if s.metrics != nil {
		s.metrics.SandboxOperationsTotal.WithLabelValues("start", status).Inc()
		s.metrics.SandboxOperationDuration.WithLabelValues("start").Observe(duration)
		if result != nil {
			s.recordTunnel(result.TunnelErr)
		}
	}

	s.recordOutcome("start", err)
	return result, err
}

func (s *InstrumentedService) Stop(ctx context.Context, userID int64) (*registry.Record, error) {
	ctx, end := s.startSpan(ctx, "sandbox.stop",
		attribute.String("sandbox.user_id", strconv.FormatInt(userID, 10)),
	)
	defer end()

	start := time.Now()
	rec, err := s.inner.Stop(ctx, userID)
	s.recordOp(ctx, "stop", start, err)
	s.recordOutcome("stop", err)
	return rec, err
}

func (s *InstrumentedService) Destroy(ctx context.Context, userID int64) error {
	ctx, end := s.startSpan(ctx, "sandbox.destroy",
		attribute.String("sandbox.user_id", strconv.FormatInt(userID, 10)),
	)
	defer end()

	start := time.Now()
	err := s.inner.Destroy(ctx, userID)
	s.recordOp(ctx, "destroy", start, err)
	s.recordOutcome("destroy", err)
	if s.anomaly != nil {
		s.anomaly.RecordProvision(userID)
	}
	return err
}

func (s *InstrumentedService) Exec(ctx context.Context, userID int64, command string) (*runtime.ExecResult, error) {
	ctx, end := s.startSpan(ctx, "sandbox.exec",
		attribute.String("sandbox.user_id", strconv.FormatInt(userID, 10)),
	)
	defer end()

	start := time.Now()
	result, err := s.inner.Exec(ctx, userID, command)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		s.recordSpanError(ctx, err)
	} else if result != nil && result.ExitCode != 0 {
		status = "nonzero_exit"
		if s.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.SetAttributes(attribute.Int("sandbox.exit_code", result.ExitCode))
		}
	}

	if s.metrics != nil {
		s.metrics.SandboxOperationsTotal.WithLabelValues("exec", status).Inc()
		s.metrics.SandboxOperationDuration.WithLabelValues("exec").Observe(duration)
	}

	s.recordOutcome("exec", err)
	return result, err
}

func (s *InstrumentedService) Status(ctx context.Context, userID int64) (*sandbox.StatusResult, error) {
	start := time.Now()
	result, err := s.inner.Status(ctx, userID)
	s.recordOp(ctx, "status", start, err)
	return result, err
}

func (s *InstrumentedService) Stats(ctx context.Context, userID int64) (*runtime.Stats, error) {
	start := time.Now()
	result, err := s.inner.Stats(ctx, userID)
	s.recordOp(ctx, "stats", start, err)
	return result, err
}

func (s *InstrumentedService) Terminal(ctx context.Context, userID int64) (*sandbox.TunnelRecord, error) {
	ctx, end := s.startSpan(ctx, "sandbox.terminal",
		attribute.String("sandbox.user_id", strconv.FormatInt(userID, 10)),
	)
	defer end()

	start := time.Now()
	rec, err := s.inner.Terminal(ctx, userID)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		s.recordSpanError(ctx, err)
	}

	if s.metrics != nil {
		s.metrics.SandboxOperationsTotal.WithLabelValues("terminal", status).Inc()
		s.metrics.SandboxOperationDuration.WithLabelValues("terminal").Observe(duration)

		// Only count actual negotiations; a missing or stopped sandbox
		// never reached the tunnel client.
		var negErr *sandbox.NegotiationError
		if err == nil || errors.As(err, &negErr) {
			s.metrics.TunnelNegotiationDuration.Observe(duration)
			s.recordTunnel(err)
		}
	}

	s.recordOutcome("tunnel", err)
	return rec, err
}

func (s *InstrumentedService) List(ctx context.Context) ([]registry.Record, error) {
	start := time.Now()
	recs, err := s.inner.List(ctx)
	s.recordOp(ctx, "list", start, err)
	return recs, err
}

func (s *InstrumentedService) StopAll(ctx context.Context) (*sandbox.BulkResult, error) {
	ctx, end := s.startSpan(ctx, "sandbox.stop_all")
	defer end()

	start := time.Now()
	result, err := s.inner.StopAll(ctx)
	s.recordBulk(ctx, "stop_all", start, result, err)
	return result, err
}

func (s *InstrumentedService) DestroyAll(ctx context.Context) (*sandbox.BulkResult, error) {
	ctx, end := s.startSpan(ctx, "sandbox.destroy_all")
	defer end()

	start := time.Now()
	result, err := s.inner.DestroyAll(ctx)
	s.recordBulk(ctx, "destroy_all", start, result, err)
	return result, err
}

// startSpan opens a span when tracing is enabled. The returned func is
// always safe to defer.
func (s *InstrumentedService) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func()) {
	if s.tracer == nil {
		return ctx, func() {}
	}
	ctx, span := s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, func() { span.End() }
}

func (s *InstrumentedService) recordSpanError(ctx context.Context, err error) {
	if s.tracer == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// recordOp records the counter and duration for a simple forwarded call.
func (s *InstrumentedService) recordOp(ctx context.Context, op string, start time.Time, err error) {
	if err != nil {
		s.recordSpanError(ctx, err)
	}
	if s.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.SandboxOperationsTotal.WithLabelValues(op, status).Inc()
	s.metrics.SandboxOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// recordBulk derives a status from the sweep counts: any per-item failure
// downgrades success to partial.
func (s *InstrumentedService) recordBulk(ctx context.Context, op string, start time.Time, result *sandbox.BulkResult, err error) {
	if err != nil {
		s.recordSpanError(ctx, err)
	}
	if s.metrics == nil {
		return
	}
	status := "success"
	switch {
	case err != nil:
		status = "error"
	case result != nil && result.Failed > 0:
		status = "partial"
	}
	s.metrics.SandboxOperationsTotal.WithLabelValues(op, status).Inc()
	s.metrics.SandboxOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// recordTunnel counts a negotiation outcome and classifies failures.
// Callers check s.metrics != nil first.
func (s *InstrumentedService) recordTunnel(err error) {
	if err == nil {
		s.metrics.TunnelNegotiationsTotal.WithLabelValues("established").Inc()
		return
	}
	s.metrics.TunnelNegotiationsTotal.WithLabelValues("failed").Inc()

	classification := sandbox.FailureUnknown
	var negErr *sandbox.NegotiationError
	if errors.As(err, &negErr) && negErr.Classification != "" {
		classification = negErr.Classification
	}
	s.metrics.TunnelFailuresTotal.WithLabelValues(classification).Inc()
}

// recordOutcome feeds the anomaly detector.
func (s *InstrumentedService) recordOutcome(operation string, err error) {
	if s.anomaly == nil {
		return
	}
	if err != nil {
		s.anomaly.RecordError(operation)
	} else {
		s.anomaly.RecordSuccess(operation)
	}
}

var _ sandbox.Service = (*InstrumentedService)(nil)
