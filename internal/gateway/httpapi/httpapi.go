// Package httpapi implements the HTTP admin API for Sanduku.
//
// Security:
//   - API key authentication on every request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-operator rate limiting via token bucket
//   - All requests logged with correlation IDs
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"hash/fnv"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"
	"github.com/jkaninda/sanduku/internal/observability"
	"github.com/jkaninda/sanduku/internal/ratelimit"
	"github.com/jkaninda/sanduku/internal/registry"
	"github.com/jkaninda/sanduku/internal/sandbox"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP admin API.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // API key → operator ID mapping. Keys from env.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.

	// StatsInterval is the sampling period of the stats stream endpoint.
	// 0 = 2s default.
	StatsInterval time.Duration

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz endpoint.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP admin API gateway. Every route operates on sandboxes
// by their owning user id; the operator behind the API key is an
// administrator, so all calls run privileged.
type Gateway struct {
	config  Config
	svc     sandbox.Service
	store   registry.Store
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server
	okapi   *okapi.Okapi
	group   *okapi.Group
}

// NewGateway creates an HTTP admin API gateway.
func NewGateway(cfg Config, svc sandbox.Service, store registry.Store, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:  cfg,
		svc:     svc,
		store:   store,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Sanduku",
			Version: "v0.0.1",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	// Sandbox lifecycle.
	g.group.Post("/sandboxes", g.handleCreate,
		okapi.DocSummary("Provision a sandbox for a user"),
		okapi.DocTags("Sandboxes"),
		okapi.DocRequestBody(CreateRequest{}),
		okapi.DocResponse(http.StatusCreated, CreateResponse{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
		okapi.DocResponse(http.StatusGatewayTimeout, ErrorBody{}),
	)
	g.group.Get("/sandboxes", g.handleList,
		okapi.DocSummary("List all registered sandboxes"),
		okapi.DocTags("Sandboxes"),
		okapi.DocResponse([]SandboxResponse{}),
	)
	g.group.Get("/sandboxes/{user_id}", g.handleStatus,
		okapi.DocSummary("Get a sandbox's registration and live state"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("user_id", "integer", "Owning user ID"),
		okapi.DocResponse(StatusResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Delete("/sandboxes/{user_id}", g.handleDestroy,
		okapi.DocSummary("Destroy a sandbox (idempotent)"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("user_id", "integer", "Owning user ID"),
		okapi.DocResponse(map[string]string{}),
	)
	g.group.Post("/sandboxes/{user_id}/start", g.handleStart,
		okapi.DocSummary("Start a stopped sandbox"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("user_id", "integer", "Owning user ID"),
		okapi.DocResponse(StartResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusServiceUnavailable, ErrorBody{}),
	)
	g.group.Post("/sandboxes/{user_id}/stop", g.handleStop,
		okapi.DocSummary("Stop a running sandbox"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("user_id", "integer", "Owning user ID"),
		okapi.DocResponse(SandboxResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/sandboxes/{user_id}/exec", g.handleExec,
		okapi.DocSummary("Run a command inside the sandbox"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("user_id", "integer", "Owning user ID"),
		okapi.DocRequestBody(ExecRequest{}),
		okapi.DocResponse(ExecResponse{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/sandboxes/{user_id}/terminal", g.handleTerminal,
		okapi.DocSummary("Negotiate a web terminal tunnel"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("user_id", "integer", "Owning user ID"),
		okapi.DocResponse(TerminalResponse{}),
		okapi.DocResponse(http.StatusBadGateway, ErrorBody{}),
	)
	g.group.Get("/sandboxes/{user_id}/stats", g.handleStats,
		okapi.DocSummary("Take one resource usage sample"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("user_id", "integer", "Owning user ID"),
		okapi.DocResponse(StatsResponse{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)

	// Bulk maintenance operations.
	g.group.Post("/sandboxes/stop_all", g.handleStopAll,
		okapi.DocSummary("Stop every registered sandbox"),
		okapi.DocTags("Maintenance"),
		okapi.DocResponse(BulkResponse{}),
	)
	g.group.Post("/sandboxes/destroy_all", g.handleDestroyAll,
		okapi.DocSummary("Destroy every registered sandbox"),
		okapi.DocTags("Maintenance"),
		okapi.DocResponse(BulkResponse{}),
	)

	// Settings and plans.
	g.group.Get("/settings", g.handleSettingsGet,
		okapi.DocSummary("Get the global settings"),
		okapi.DocTags("Settings"),
		okapi.DocResponse(registry.Settings{}),
	)
	g.group.Put("/settings", g.handleSettingsUpdate,
		okapi.DocSummary("Update one setting by key"),
		okapi.DocTags("Settings"),
		okapi.DocRequestBody(SettingUpdateRequest{}),
		okapi.DocResponse(registry.Settings{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Get("/plans", g.handlePlanList,
		okapi.DocSummary("List the resource plan catalog"),
		okapi.DocTags("Settings"),
		okapi.DocResponse([]registry.Plan{}),
	)

	// Live stats stream (WebSocket; auth handled inside, okapi middleware
	// does not wrap HandleStd routes).
	g.okapi.HandleStd("GET", "/v1/sandboxes/{user_id}/stats/stream", g.handleStatsStream)

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      0, // provisioning and the stats stream outlive a fixed write window
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))

	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Sandbox Handlers ---

// CreateRequest is the JSON body for POST /v1/sandboxes.
type CreateRequest struct {
	UserID int64  `json:"user_id"`
	PlanID string `json:"plan_id,omitempty"` // Empty = default plan from settings.
}

// CreateResponse reports the provisioned sandbox. Credential is returned
// once and never persisted.
type CreateResponse struct {
	Sandbox     SandboxResponse `json:"sandbox"`
	Credential  string          `json:"credential,omitempty"`
	TerminalURL string          `json:"terminal_url,omitempty"`
	Warnings    []string        `json:"warnings,omitempty"`
	FullyReady  bool            `json:"fully_ready"`
}

// SandboxResponse is one registry record.
type SandboxResponse struct {
	UserID      int64  `json:"user_id"`
	ContainerID string `json:"container_id"`
	Name        string `json:"name"`
	SSHPort     int    `json:"ssh_port"`
	Status      string `json:"status"`
	PlanID      string `json:"plan_id,omitempty"`
	CreatedAt   string `json:"created_at"`
}

func (g *Gateway) handleCreate(c *okapi.Context) error {
	operator := c.GetString("operatorID")
	if err := g.allow(operator, true); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.UserID == 0 {
		return c.AbortBadRequest("user_id is required")
	}

	correlationID := newCorrelationID()
	g.logger.Info("http create sandbox",
		slog.String("operator", operator),
		slog.Int64("user_id", req.UserID),
		slog.String("plan", req.PlanID),
		slog.String("correlation_id", correlationID),
	)

	res, err := g.svc.Create(c.Context(), sandbox.CreateRequest{
		UserID:     req.UserID,
		PlanID:     req.PlanID,
		Privileged: true,
	})
	if err != nil {
		return g.sandboxError(c, correlationID, err)
	}

	resp := CreateResponse{
		Sandbox:    toSandboxResponse(res.Record),
		Credential: res.Credential,
		Warnings:   res.Warnings,
		FullyReady: res.FullyReady(),
	}
	if res.Tunnel != nil {
		resp.TerminalURL = res.Tunnel.PublicURL
	}
	return c.JSON(http.StatusCreated, resp)
}

func (g *Gateway) handleList(c *okapi.Context) error {
	recs, err := g.svc.List(c.Context())
	if err != nil {
		return g.sandboxError(c, "", err)
	}
	resp := make([]SandboxResponse, len(recs))
	for i, rec := range recs {
		resp[i] = toSandboxResponse(rec)
	}
	return c.OK(resp)
}

// StatusResponse combines the registration with the live engine state.
type StatusResponse struct {
	Sandbox     SandboxResponse `json:"sandbox"`
	Status      string          `json:"status"`
	EngineState string          `json:"engine_state,omitempty"`
}

func (g *Gateway) handleStatus(c *okapi.Context) error {
	userID, err := pathUserID(c)
	if err != nil {
		return c.AbortBadRequest("invalid user_id")
	}

	res, err := g.svc.Status(c.Context(), userID)
	if err != nil {
		return g.sandboxError(c, "", err)
	}
	return c.OK(StatusResponse{
		Sandbox:     toSandboxResponse(res.Record),
		Status:      string(res.Status),
		EngineState: res.EngineState,
	})
}

func (g *Gateway) handleDestroy(c *okapi.Context) error {
	operator := c.GetString("operatorID")
	if err := g.allow(operator, true); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}
	userID, err := pathUserID(c)
	if err != nil {
		return c.AbortBadRequest("invalid user_id")
	}

	correlationID := newCorrelationID()
	g.logger.Info("http destroy sandbox",
		slog.String("operator", operator),
		slog.Int64("user_id", userID),
		slog.String("correlation_id", correlationID),
	)

	if err := g.svc.Destroy(c.Context(), userID); err != nil {
		return g.sandboxError(c, correlationID, err)
	}
	return c.OK(map[string]string{"status": "destroyed"})
}

// StartResponse reports a restarted sandbox and its renegotiated tunnel.
type StartResponse struct {
	Sandbox     SandboxResponse `json:"sandbox"`
	TerminalURL string          `json:"terminal_url,omitempty"`
	TunnelError string          `json:"tunnel_error,omitempty"`
}

func (g *Gateway) handleStart(c *okapi.Context) error {
	operator := c.GetString("operatorID")
	if err := g.allow(operator, false); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}
	userID, err := pathUserID(c)
	if err != nil {
		return c.AbortBadRequest("invalid user_id")
	}

	res, err := g.svc.Start(c.Context(), userID, true)
	if err != nil {
		return g.sandboxError(c, "", err)
	}
	resp := StartResponse{Sandbox: toSandboxResponse(res.Record)}
	if res.Tunnel != nil {
		resp.TerminalURL = res.Tunnel.PublicURL
	} else if res.TunnelErr != nil {
		resp.TunnelError = res.TunnelErr.Error()
	}
	return c.OK(resp)
}

func (g *Gateway) handleStop(c *okapi.Context) error {
	userID, err := pathUserID(c)
	if err != nil {
		return c.AbortBadRequest("invalid user_id")
	}

	rec, err := g.svc.Stop(c.Context(), userID)
	if err != nil {
		return g.sandboxError(c, "", err)
	}
	return c.OK(toSandboxResponse(*rec))
}

// ExecRequest is the JSON body for POST /v1/sandboxes/{user_id}/exec.
type ExecRequest struct {
	Command string `json:"command"`
}

// ExecResponse carries the command outcome. Output is not truncated here;
// display limits belong to chat gateways.
type ExecResponse struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

func (g *Gateway) handleExec(c *okapi.Context) error {
	operator := c.GetString("operatorID")
	if err := g.allow(operator, false); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}
	userID, err := pathUserID(c)
	if err != nil {
		return c.AbortBadRequest("invalid user_id")
	}

	var req ExecRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Command == "" {
		return c.AbortBadRequest("command is required")
	}

	res, err := g.svc.Exec(c.Context(), userID, req.Command)
	if err != nil {
		return g.sandboxError(c, "", err)
	}
	return c.OK(ExecResponse{
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
	})
}

// TerminalResponse is the negotiated tunnel.
type TerminalResponse struct {
	PublicURL     string `json:"public_url"`
	EstablishedAt string `json:"established_at"`
}

func (g *Gateway) handleTerminal(c *okapi.Context) error {
	userID, err := pathUserID(c)
	if err != nil {
		return c.AbortBadRequest("invalid user_id")
	}

	tun, err := g.svc.Terminal(c.Context(), userID)
	if err != nil {
		return g.sandboxError(c, "", err)
	}
	return c.OK(TerminalResponse{
		PublicURL:     tun.PublicURL,
		EstablishedAt: tun.EstablishedAt.UTC().Format(time.RFC3339),
	})
}

// StatsResponse is one resource usage sample.
type StatsResponse struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryUsage   uint64  `json:"memory_usage_bytes"`
	MemoryLimit   uint64  `json:"memory_limit_bytes"`
	MemoryPercent float64 `json:"memory_percent"`
	OnlineCPUs    uint32  `json:"online_cpus"`
	Pids          uint64  `json:"pids"`
	SampledAt     string  `json:"sampled_at"`
}

func (g *Gateway) handleStats(c *okapi.Context) error {
	userID, err := pathUserID(c)
	if err != nil {
		return c.AbortBadRequest("invalid user_id")
	}

	st, err := g.svc.Stats(c.Context(), userID)
	if err != nil {
		return g.sandboxError(c, "", err)
	}
	return c.OK(toStatsResponse(st, time.Now()))
}

// --- Health ---

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the API key and stores the mapped operator ID.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		operator, ok := g.operatorForRequest(c.Request())
		if !ok {
			return c.AbortUnauthorized("missing or invalid API key")
		}
		c.Set("operatorID", operator)
		return next(c)
	}
}

// operatorForRequest resolves the bearer API key to an operator ID.
func (g *Gateway) operatorForRequest(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	apiKey := strings.TrimPrefix(authHeader, "Bearer ")

	operator := ""
	for key, id := range g.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
			operator = id
		}
	}
	if operator == "" {
		return "", false
	}
	return operator, true
}

// --- Helpers ---

// allow applies the operator rate limit. The limiter buckets are keyed by
// int64 user ids, so operator names are folded through FNV-1a.
func (g *Gateway) allow(operator string, provision bool) error {
	if g.limiter == nil {
		return nil
	}
	key := operatorKey(operator)
	if provision {
		return g.limiter.AllowProvision(key)
	}
	return g.limiter.Allow(key)
}

func operatorKey(operator string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(operator))
	return int64(h.Sum64())
}

// sandboxError maps controller errors to HTTP responses.
// errorResponse maps a sandbox operation error onto an HTTP status and
// JSON body. Errors outside the taxonomy fall back to a 500.
func errorResponse(err error) (int, okapi.M) {
	var negErr *sandbox.NegotiationError
	var startErr *sandbox.StartupTimeoutError
	switch {
	case errors.Is(err, sandbox.ErrNotFound):
		return http.StatusNotFound, okapi.M{"error": "sandbox not found"}
	case errors.Is(err, sandbox.ErrAlreadyExists):
		return http.StatusConflict, okapi.M{"error": "sandbox already exists"}
	case errors.Is(err, sandbox.ErrNotRunning):
		return http.StatusConflict, okapi.M{"error": "sandbox is not running"}
	case errors.Is(err, sandbox.ErrMaintenance):
		return http.StatusServiceUnavailable, okapi.M{"error": "maintenance mode is active"}
	case errors.Is(err, sandbox.ErrRuntimeUnavailable):
		return http.StatusServiceUnavailable, okapi.M{"error": "container runtime is unavailable"}
	case errors.Is(err, sandbox.ErrUnknownPlan):
		return http.StatusBadRequest, okapi.M{"error": "unknown plan"}
	case errors.As(err, &startErr):
		return http.StatusGatewayTimeout, okapi.M{"error": err.Error()}
	case errors.As(err, &negErr):
		return http.StatusBadGateway, okapi.M{
			"error":          "tunnel negotiation failed",
			"classification": negErr.Classification,
			"reason":         negErr.Reason,
		}
	default:
		return http.StatusInternalServerError, okapi.M{"error": "operation failed"}
	}
}

func (g *Gateway) sandboxError(c *okapi.Context, correlationID string, err error) error {
	status, body := errorResponse(err)
	if status >= http.StatusInternalServerError {
		g.logger.Error("sandbox operation failed",
			slog.String("correlation_id", correlationID),
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
	}
	return c.JSON(status, body)
}

func pathUserID(c *okapi.Context) (int64, error) {
	return strconv.ParseInt(c.Param("user_id"), 10, 64)
}

func toSandboxResponse(rec registry.Record) SandboxResponse {
	return SandboxResponse{
		UserID:      rec.UserID,
		ContainerID: rec.ContainerID,
		Name:        rec.Name,
		SSHPort:     rec.SSHPort,
		Status:      rec.Status,
		PlanID:      rec.PlanID,
		CreatedAt:   rec.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func newCorrelationID() string {
	return uuid.NewString()
}
