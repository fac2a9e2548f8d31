package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/sanduku/internal/config"
	"github.com/jkaninda/sanduku/internal/registry"
	"github.com/jkaninda/sanduku/internal/runtime"
	"github.com/jkaninda/sanduku/internal/sandbox"
)

// --- No-op Path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs != nil {
		t.Fatal("expected nil Observability for nil config")
	}
}

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs == nil {
		t.Fatal("expected non-nil Observability")
	}
	if obs.Metrics != nil {
		t.Error("metrics should be nil when not enabled")
	}
	if obs.Tracer != nil {
		t.Error("tracer should be nil when not enabled")
	}
	if obs.Anomaly != nil {
		t.Error("anomaly should be nil when not enabled")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestObservability_ShutdownNil(t *testing.T) {
	// Should not panic.
	var obs *Observability
	obs.Shutdown(context.Background())
}

func TestObservability_NilAccessors(t *testing.T) {
	var obs *Observability
	if obs.TracerOrNil() != nil {
		t.Error("expected nil tracer from nil Observability")
	}
	if obs.MetricsOrNil() != nil {
		t.Error("expected nil metrics from nil Observability")
	}
}

// --- MetricsCollector ---

func TestMetricsCollector_Created(t *testing.T) {
	m := NewMetricsCollector()
	if m == nil {
		t.Fatal("expected non-nil MetricsCollector")
	}
	if m.Registry == nil {
		t.Fatal("expected non-nil Registry")
	}

	// Initialize some metrics so they appear in Gather (CounterVec only appears after first use).
	m.SandboxOperationsTotal.WithLabelValues("create", "success").Inc()
	m.TunnelNegotiationsTotal.WithLabelValues("established").Inc()
	m.CredentialMethodsTotal.WithLabelValues("chpasswd").Inc()
	m.HTTPRequestsTotal.WithLabelValues("GET", "/test", "200").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, expected := range []string{
		"sanduku_sandbox_operations_total",
		"sanduku_tunnel_negotiations_total",
		"sanduku_sandbox_credential_methods_total",
		"sanduku_http_requests_total",
	} {
		if !names[expected] {
			t.Errorf("metric %q not found in registry", expected)
		}
	}
}

func TestMetricsCollector_RecordAndGather(t *testing.T) {
	m := NewMetricsCollector()

	m.SandboxOperationsTotal.WithLabelValues("create", "success").Inc()
	m.SandboxOperationsTotal.WithLabelValues("create", "success").Inc()
	m.SandboxOperationsTotal.WithLabelValues("create", "error").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}

	var found bool
	for _, f := range families {
		if f.GetName() == "sanduku_sandbox_operations_total" {
			found = true
			for _, metric := range f.GetMetric() {
				labels := labelMap(metric.GetLabel())
				if labels["status"] == "success" {
					if got := metric.GetCounter().GetValue(); got != 2 {
						t.Errorf("success count = %v, want 2", got)
					}
				}
				if labels["status"] == "error" {
					if got := metric.GetCounter().GetValue(); got != 1 {
						t.Errorf("error count = %v, want 1", got)
					}
				}
			}
		}
	}
	if !found {
		t.Error("sanduku_sandbox_operations_total not found")
	}
}

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

// --- HealthChecker ---

func TestHealthChecker_NoChecks(t *testing.T) {
	h := NewHealthChecker(nil)
	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
}

func TestHealthChecker_AllPass(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("registry", func(ctx context.Context) error { return nil })
	h.AddCheck("runtime", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %q, want ok", status.Status)
	}
	if status.Checks["registry"].Status != "ok" {
		t.Errorf("registry check = %q, want ok", status.Checks["registry"].Status)
	}
}

func TestHealthChecker_OneFails(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("registry", func(ctx context.Context) error { return errors.New("connection refused") })
	h.AddCheck("runtime", func(ctx context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("status = %q, want degraded", status.Status)
	}
	if status.Checks["registry"].Status != "fail" {
		t.Errorf("registry check = %q, want fail", status.Checks["registry"].Status)
	}
	if status.Checks["runtime"].Status != "ok" {
		t.Errorf("runtime check = %q, want ok", status.Checks["runtime"].Status)
	}
}

func TestHealthChecker_Liveness(t *testing.T) {
	h := NewHealthChecker(nil)
	status := h.CheckHealth()
	if status.Status != "ok" {
		t.Errorf("liveness status = %q, want ok", status.Status)
	}
}

// --- AnomalyDetector ---

func TestAnomalyDetector_NilSafe(t *testing.T) {
	// All methods should be no-ops on nil receiver.
	var a *AnomalyDetector
	a.RecordError("test")
	a.RecordSuccess("test")
	a.RecordProvision(42)
}

func TestAnomalyDetector_ErrorRateCounts(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{
		Enabled:            true,
		ErrorRateThreshold: 0.5,
		WindowSeconds:      60,
	}, nil)

	for i := 0; i < 4; i++ {
		a.RecordSuccess("create")
	}
	for i := 0; i < 6; i++ {
		a.RecordError("create")
	}

	// Verify internal counts (not threshold alert, which just logs).
	a.mu.Lock()
	errCount := a.errorCounts["create"].sum()
	okCount := a.successCounts["create"].sum()
	a.mu.Unlock()

	if errCount != 6 {
		t.Errorf("errors = %v, want 6", errCount)
	}
	if okCount != 4 {
		t.Errorf("successes = %v, want 4", okCount)
	}
}

func TestAnomalyDetector_ProvisionChurnCounts(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{
		Enabled:                 true,
		ProvisionChurnThreshold: 3,
		WindowSeconds:           60,
	}, nil)

	for i := 0; i < 5; i++ {
		a.RecordProvision(7)
	}
	a.RecordProvision(8)

	a.mu.Lock()
	churn7 := a.provisioning[7].sum()
	churn8 := a.provisioning[8].sum()
	a.mu.Unlock()

	if churn7 != 5 {
		t.Errorf("user 7 churn = %v, want 5", churn7)
	}
	if churn8 != 1 {
		t.Errorf("user 8 churn = %v, want 1", churn8)
	}
}

// --- InstrumentedService (wrapper) ---

type mockService struct {
	createResult *sandbox.CreateResult
	createErr    error
	startResult  *sandbox.StartResult
	startErr     error
	stopErr      error
	destroyErr   error
	execResult   *runtime.ExecResult
	execErr      error
	terminalRec  *sandbox.TunnelRecord
	terminalErr  error
	bulkResult   *sandbox.BulkResult
	calls        []string
}

func (m *mockService) ContainerName(userID int64) string { return "vm_user_test" }

func (m *mockService) Create(ctx context.Context, req sandbox.CreateRequest) (*sandbox.CreateResult, error) {
	m.calls = append(m.calls, "create")
	return m.createResult, m.createErr
}

func (m *mockService) Start(ctx context.Context, userID int64, privileged bool) (*sandbox.StartResult, error) {
	m.calls = append(m.calls, "start")
	return m.startResult, m.startErr
}

func (m *mockService) Stop(ctx context.Context, userID int64) (*registry.Record, error) {
	m.calls = append(m.calls, "stop")
	if m.stopErr != nil {
		return nil, m.stopErr
	}
	return &registry.Record{UserID: userID, Status: "STOPPED"}, nil
}

func (m *mockService) Destroy(ctx context.Context, userID int64) error {
	m.calls = append(m.calls, "destroy")
	return m.destroyErr
}

func (m *mockService) Exec(ctx context.Context, userID int64, command string) (*runtime.ExecResult, error) {
	m.calls = append(m.calls, "exec")
	return m.execResult, m.execErr
}

func (m *mockService) Status(ctx context.Context, userID int64) (*sandbox.StatusResult, error) {
	m.calls = append(m.calls, "status")
	return &sandbox.StatusResult{Status: sandbox.StatusRunning}, nil
}

func (m *mockService) Stats(ctx context.Context, userID int64) (*runtime.Stats, error) {
	m.calls = append(m.calls, "stats")
	return &runtime.Stats{CPUPercent: 12.5}, nil
}

func (m *mockService) Terminal(ctx context.Context, userID int64) (*sandbox.TunnelRecord, error) {
	m.calls = append(m.calls, "terminal")
	return m.terminalRec, m.terminalErr
}

func (m *mockService) List(ctx context.Context) ([]registry.Record, error) {
	m.calls = append(m.calls, "list")
	return nil, nil
}

func (m *mockService) StopAll(ctx context.Context) (*sandbox.BulkResult, error) {
	m.calls = append(m.calls, "stop_all")
	return m.bulkResult, nil
}

func (m *mockService) DestroyAll(ctx context.Context) (*sandbox.BulkResult, error) {
	m.calls = append(m.calls, "destroy_all")
	return m.bulkResult, nil
}

func readyCreateResult() *sandbox.CreateResult {
	return &sandbox.CreateResult{
		Record:           registry.Record{UserID: 7, Name: "vm_user_7", SSHPort: 32768, Status: "RUNNING"},
		Credential:       "s3cretpasswd",
		CredentialMethod: "chpasswd",
		Bootstrap: &sandbox.BootstrapResult{
			Methods: map[string]string{"ttyd": "apt", "cloudflared": "download"},
		},
		Tunnel: &sandbox.TunnelRecord{PublicURL: "https://brave-fox.trycloudflare.com"},
	}
}

func TestInstrumentedService_CreateSuccess(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &mockService{createResult: readyCreateResult()}

	s := NewInstrumentedService(inner, metrics, nil, nil)
	result, err := s.Create(context.Background(), sandbox.CreateRequest{UserID: 7})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Record.Name != "vm_user_7" {
		t.Errorf("record name = %q, want vm_user_7", result.Record.Name)
	}
	if len(inner.calls) != 1 || inner.calls[0] != "create" {
		t.Errorf("inner calls = %v, want [create]", inner.calls)
	}

	if got := counterValue(t, metrics.Registry, "sanduku_sandbox_operations_total", prometheus.Labels{"op": "create", "status": "success"}); got != 1 {
		t.Errorf("operations_total = %v, want 1", got)
	}
	if got := counterValue(t, metrics.Registry, "sanduku_sandbox_credential_methods_total", prometheus.Labels{"method": "chpasswd"}); got != 1 {
		t.Errorf("credential_methods_total = %v, want 1", got)
	}
	if got := counterValue(t, metrics.Registry, "sanduku_sandbox_tool_installs_total", prometheus.Labels{"tool": "ttyd", "method": "apt"}); got != 1 {
		t.Errorf("tool_installs_total{ttyd} = %v, want 1", got)
	}
	if got := counterValue(t, metrics.Registry, "sanduku_tunnel_negotiations_total", prometheus.Labels{"status": "established"}); got != 1 {
		t.Errorf("negotiations_total = %v, want 1", got)
	}
}

func TestInstrumentedService_CreateDegraded(t *testing.T) {
	metrics := NewMetricsCollector()
	degraded := readyCreateResult()
	degraded.Tunnel = nil
	degraded.TunnelErr = &sandbox.NegotiationError{
		Reason:         "client exited",
		Classification: sandbox.FailureNetwork,
		LogTail:        "dial tcp: connection refused",
	}
	inner := &mockService{createResult: degraded}

	s := NewInstrumentedService(inner, metrics, nil, nil)
	if _, err := s.Create(context.Background(), sandbox.CreateRequest{UserID: 7}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := counterValue(t, metrics.Registry, "sanduku_sandbox_operations_total", prometheus.Labels{"op": "create", "status": "degraded"}); got != 1 {
		t.Errorf("degraded operations = %v, want 1", got)
	}
	if got := counterValue(t, metrics.Registry, "sanduku_tunnel_negotiations_total", prometheus.Labels{"status": "failed"}); got != 1 {
		t.Errorf("failed negotiations = %v, want 1", got)
	}
	if got := counterValue(t, metrics.Registry, "sanduku_tunnel_failures_total", prometheus.Labels{"classification": "network"}); got != 1 {
		t.Errorf("failures by classification = %v, want 1", got)
	}
}

func TestInstrumentedService_CreateError(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &mockService{createErr: sandbox.ErrAlreadyExists}

	s := NewInstrumentedService(inner, metrics, nil, nil)
	if _, err := s.Create(context.Background(), sandbox.CreateRequest{UserID: 7}); !errors.Is(err, sandbox.ErrAlreadyExists) {
		t.Fatalf("error = %v, want ErrAlreadyExists", err)
	}

	if got := counterValue(t, metrics.Registry, "sanduku_sandbox_operations_total", prometheus.Labels{"op": "create", "status": "error"}); got != 1 {
		t.Errorf("error operations = %v, want 1", got)
	}
}

func TestInstrumentedService_ExecNonzeroExit(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &mockService{execResult: &runtime.ExecResult{ExitCode: 7, Stderr: "boom"}}

	s := NewInstrumentedService(inner, metrics, nil, nil)
	result, err := s.Exec(context.Background(), 1, "false")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ExitCode != 7 {
		t.Errorf("exit code = %d, want 7", result.ExitCode)
	}

	if got := counterValue(t, metrics.Registry, "sanduku_sandbox_operations_total", prometheus.Labels{"op": "exec", "status": "nonzero_exit"}); got != 1 {
		t.Errorf("nonzero_exit operations = %v, want 1", got)
	}
}

func TestInstrumentedService_TerminalSkipsTunnelMetricsWhenNotNegotiated(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &mockService{terminalErr: sandbox.ErrNotRunning}

	s := NewInstrumentedService(inner, metrics, nil, nil)
	if _, err := s.Terminal(context.Background(), 1); !errors.Is(err, sandbox.ErrNotRunning) {
		t.Fatalf("error = %v, want ErrNotRunning", err)
	}

	if got := counterValue(t, metrics.Registry, "sanduku_tunnel_negotiations_total", prometheus.Labels{"status": "failed"}); got != 0 {
		t.Errorf("negotiations_total = %v, want 0 for a sandbox that never reached the client", got)
	}
	if got := counterValue(t, metrics.Registry, "sanduku_sandbox_operations_total", prometheus.Labels{"op": "terminal", "status": "error"}); got != 1 {
		t.Errorf("terminal error operations = %v, want 1", got)
	}
}

func TestInstrumentedService_BulkPartial(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &mockService{bulkResult: &sandbox.BulkResult{Attempted: 3, Succeeded: 2, Failed: 1}}

	s := NewInstrumentedService(inner, metrics, nil, nil)
	result, err := s.StopAll(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Failed != 1 {
		t.Errorf("failed = %d, want 1", result.Failed)
	}

	if got := counterValue(t, metrics.Registry, "sanduku_sandbox_operations_total", prometheus.Labels{"op": "stop_all", "status": "partial"}); got != 1 {
		t.Errorf("partial operations = %v, want 1", got)
	}
}

func TestInstrumentedService_NilMetrics(t *testing.T) {
	inner := &mockService{createResult: readyCreateResult()}

	// nil metrics — should not panic.
	s := NewInstrumentedService(inner, nil, nil, nil)
	result, err := s.Create(context.Background(), sandbox.CreateRequest{UserID: 7})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Credential != "s3cretpasswd" {
		t.Errorf("credential = %q, want s3cretpasswd", result.Credential)
	}
	if _, err := s.Stop(context.Background(), 7); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Destroy(context.Background(), 7); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// --- HTTP Middleware ---

func TestHTTPMetricsMiddleware(t *testing.T) {
	metrics := NewMetricsCollector()

	handler := HTTPMetricsMiddleware(metrics, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}

	if got := counterValue(t, metrics.Registry, "sanduku_http_requests_total", prometheus.Labels{"method": "GET", "path": "/test", "status_code": "200"}); got != 1 {
		t.Errorf("http requests = %v, want 1", got)
	}
}

func TestHTTPMetricsMiddleware_RecordsErrorStatus(t *testing.T) {
	metrics := NewMetricsCollector()

	handler := HTTPMetricsMiddleware(metrics, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))

	req := httptest.NewRequest("POST", "/webhook", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := counterValue(t, metrics.Registry, "sanduku_http_requests_total", prometheus.Labels{"method": "POST", "path": "/webhook", "status_code": "503"}); got != 1 {
		t.Errorf("http requests = %v, want 1", got)
	}
}

func TestHTTPMetricsMiddleware_NilMetrics(t *testing.T) {
	// Should not panic with nil metrics.
	handler := HTTPMetricsMiddleware(nil, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

// --- Helpers ---

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			lm := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if lm[k] != v {
					match = false
					break
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}
