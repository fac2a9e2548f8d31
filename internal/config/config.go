// Package config handles loading and validating Sanduku configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Sanduku.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.sanduku/data. Override: SANDUKU_DATA_DIR env var.
	Registry      *RegistryConfig      `json:"registry,omitempty" yaml:"registry,omitempty"` // nil = SQLite default (derived from data dir)
	Runtime       RuntimeConfig        `json:"runtime" yaml:"runtime"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Bootstrap     BootstrapConfig      `json:"bootstrap" yaml:"bootstrap"`
	Tunnel        TunnelConfig         `json:"tunnel" yaml:"tunnel"`
	Plans         []PlanConfig         `json:"plans,omitempty" yaml:"plans,omitempty"` // Plan catalog seed. The "default" plan is implicit.
	Gateways      GatewaysConfig       `json:"gateways" yaml:"gateways"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Janitor       *JanitorConfig       `json:"janitor,omitempty" yaml:"janitor,omitempty"`             // nil = reconciliation disabled
	Secrets       *SecretsConfig       `json:"secrets,omitempty" yaml:"secrets,omitempty"`             // nil = env-only secrets
}

// RegistryConfig configures the persistence backend.
// When nil, defaults to SQLite with the database path derived from the data dir.
type RegistryConfig struct {
	Driver   string                  `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteRegistryConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresRegistryConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// RegistryDriver returns the configured driver, defaulting to "sqlite".
func (r *RegistryConfig) RegistryDriver() string {
	if r != nil && r.Driver != "" {
		return r.Driver
	}
	return "sqlite"
}

// SQLiteRegistryConfig holds SQLite-specific settings.
type SQLiteRegistryConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from data dir.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresRegistryConfig holds PostgreSQL-specific settings.
type PostgresRegistryConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: SANDUKU_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// RuntimeConfig configures the container runtime the sandboxes run on.
// The Docker endpoint itself comes from the standard DOCKER_HOST /
// DOCKER_TLS_VERIFY / DOCKER_CERT_PATH environment, as the SDK reads it.
type RuntimeConfig struct {
	Image              string `json:"image" yaml:"image"`                             // Sandbox image. Default: "ubuntu:22.04".
	Timezone           string `json:"timezone" yaml:"timezone"`                       // TZ env inside sandboxes. Default: "Europe/Madrid".
	StopTimeoutSeconds int    `json:"stop_timeout_seconds" yaml:"stop_timeout_seconds"` // Grace period before SIGKILL on stop. Default: 10.
	PidsLimit          int64  `json:"pids_limit" yaml:"pids_limit"`                   // Per-sandbox pids limit. 0 = 512 default.
	PingTimeoutSeconds int    `json:"ping_timeout_seconds" yaml:"ping_timeout_seconds"` // Daemon ping timeout. Default: 5.
}

// SandboxImage returns the sandbox image with its default.
func (r *RuntimeConfig) SandboxImage() string {
	if r != nil && r.Image != "" {
		return r.Image
	}
	return "ubuntu:22.04"
}

// TZ returns the sandbox timezone with its default.
func (r *RuntimeConfig) TZ() string {
	if r != nil && r.Timezone != "" {
		return r.Timezone
	}
	return "Europe/Madrid"
}

// StopTimeout returns the stop grace period with a default of 10s.
func (r *RuntimeConfig) StopTimeout() time.Duration {
	if r != nil && r.StopTimeoutSeconds > 0 {
		return time.Duration(r.StopTimeoutSeconds) * time.Second
	}
	return 10 * time.Second
}

// Pids returns the pids limit with a default of 512.
func (r *RuntimeConfig) Pids() int64 {
	if r != nil && r.PidsLimit > 0 {
		return r.PidsLimit
	}
	return 512
}

// PingTimeout returns the daemon ping timeout with a default of 5s.
func (r *RuntimeConfig) PingTimeout() time.Duration {
	if r != nil && r.PingTimeoutSeconds > 0 {
		return time.Duration(r.PingTimeoutSeconds) * time.Second
	}
	return 5 * time.Second
}

// SandboxConfig configures per-sandbox naming, login, and readiness polling.
type SandboxConfig struct {
	NamePrefix          string `json:"name_prefix" yaml:"name_prefix"`                     // Container name prefix. Default: "vm_user_".
	LoginUser           string `json:"login_user" yaml:"login_user"`                       // Terminal login account. Default: "devuser".
	PasswordLength      int    `json:"password_length" yaml:"password_length"`             // Generated credential length. Default: 12.
	SSHPort             int    `json:"ssh_port" yaml:"ssh_port"`                           // Internal port published to a random host port. Default: 22.
	ReadinessAttempts   int    `json:"readiness_attempts" yaml:"readiness_attempts"`       // Startup polls before giving up. Default: 10.
	ReadinessIntervalMS int    `json:"readiness_interval_ms" yaml:"readiness_interval_ms"` // Interval between startup polls. Default: 1000.
	DefaultPlan         string `json:"default_plan" yaml:"default_plan"`                   // Plan used when a request names none. Default: "default".
}

// Prefix returns the container name prefix with its default.
func (s *SandboxConfig) Prefix() string {
	if s != nil && s.NamePrefix != "" {
		return s.NamePrefix
	}
	return "vm_user_"
}

// Login returns the terminal login account with its default.
func (s *SandboxConfig) Login() string {
	if s != nil && s.LoginUser != "" {
		return s.LoginUser
	}
	return "devuser"
}

// SecretLength returns the credential length with a default of 12.
func (s *SandboxConfig) SecretLength() int {
	if s != nil && s.PasswordLength > 0 {
		return s.PasswordLength
	}
	return 12
}

// InternalSSHPort returns the published sandbox port with a default of 22.
func (s *SandboxConfig) InternalSSHPort() int {
	if s != nil && s.SSHPort > 0 {
		return s.SSHPort
	}
	return 22
}

// Readiness returns the startup polling attempts and interval
// (defaults: 10 attempts, 1s apart).
func (s *SandboxConfig) Readiness() (attempts int, interval time.Duration) {
	attempts, interval = 10, time.Second
	if s != nil && s.ReadinessAttempts > 0 {
		attempts = s.ReadinessAttempts
	}
	if s != nil && s.ReadinessIntervalMS > 0 {
		interval = time.Duration(s.ReadinessIntervalMS) * time.Millisecond
	}
	return attempts, interval
}

// Plan returns the default plan id with its default.
func (s *SandboxConfig) Plan() string {
	if s != nil && s.DefaultPlan != "" {
		return s.DefaultPlan
	}
	return "default"
}

// BootstrapConfig configures in-sandbox tool installation.
type BootstrapConfig struct {
	AptRetries     int    `json:"apt_retries" yaml:"apt_retries"`         // Package-index refresh retries. Default: 3.
	TTYDURL        string `json:"ttyd_url" yaml:"ttyd_url"`               // Fallback binary download URL for ttyd.
	CloudflaredURL string `json:"cloudflared_url" yaml:"cloudflared_url"` // Fallback binary download URL for cloudflared.
}

// IndexRetries returns the package-index refresh retries with a default of 3.
func (b *BootstrapConfig) IndexRetries() int {
	if b != nil && b.AptRetries > 0 {
		return b.AptRetries
	}
	return 3
}

// TerminalServerURL returns the ttyd download URL with its default.
func (b *BootstrapConfig) TerminalServerURL() string {
	if b != nil && b.TTYDURL != "" {
		return b.TTYDURL
	}
	return "https://github.com/tsl0922/ttyd/releases/download/1.7.7/ttyd.x86_64"
}

// TunnelClientURL returns the cloudflared download URL with its default.
func (b *BootstrapConfig) TunnelClientURL() string {
	if b != nil && b.CloudflaredURL != "" {
		return b.CloudflaredURL
	}
	return "https://github.com/cloudflare/cloudflared/releases/latest/download/cloudflared-linux-amd64"
}

// Tunnel leniency levels for URL extraction from the tunnel client log.
const (
	// LeniencyProviderOnly accepts only URLs under the provider domain.
	LeniencyProviderOnly = "provider-only"
	// LeniencyAnyHTTPS falls back to any https URL found in the log.
	// This can match an unrelated URL that appears incidentally, but it
	// maximizes the chance of recovering a usable terminal address.
	LeniencyAnyHTTPS = "any-https"
)

// TunnelConfig configures terminal-server startup and tunnel negotiation.
type TunnelConfig struct {
	Port           int    `json:"port" yaml:"port"`                         // ttyd listen port inside the sandbox. Default: 7681.
	PollAttempts   int    `json:"poll_attempts" yaml:"poll_attempts"`       // Log polls before giving up. Default: 60.
	PollIntervalMS int    `json:"poll_interval_ms" yaml:"poll_interval_ms"` // Interval between log polls. Default: 1000.
	SettleMS       int    `json:"settle_ms" yaml:"settle_ms"`               // Wait after killing a stale tunnel client. Default: 1000.
	Leniency       string `json:"leniency" yaml:"leniency"`                 // "any-https" (default) or "provider-only".
	LogTailBytes   int    `json:"log_tail_bytes" yaml:"log_tail_bytes"`     // Diagnostic tail size on failure. Default: 1000.
	TTYDLogPath    string `json:"ttyd_log_path" yaml:"ttyd_log_path"`       // Default: "/tmp/ttyd.log".
	TunnelLogPath  string `json:"tunnel_log_path" yaml:"tunnel_log_path"`   // Default: "/tmp/cloudflared.log".
}

// TerminalPort returns the ttyd port with a default of 7681.
func (t *TunnelConfig) TerminalPort() int {
	if t != nil && t.Port > 0 {
		return t.Port
	}
	return 7681
}

// Polling returns the negotiation attempts and interval
// (defaults: 60 attempts, 1s apart).
func (t *TunnelConfig) Polling() (attempts int, interval time.Duration) {
	attempts, interval = 60, time.Second
	if t != nil && t.PollAttempts > 0 {
		attempts = t.PollAttempts
	}
	if t != nil && t.PollIntervalMS > 0 {
		interval = time.Duration(t.PollIntervalMS) * time.Millisecond
	}
	return attempts, interval
}

// Settle returns the post-kill settle wait with a default of 1s.
func (t *TunnelConfig) Settle() time.Duration {
	if t != nil && t.SettleMS > 0 {
		return time.Duration(t.SettleMS) * time.Millisecond
	}
	return time.Second
}

// LeniencyLevel returns the URL-extraction leniency with its default.
func (t *TunnelConfig) LeniencyLevel() string {
	if t != nil && t.Leniency != "" {
		return t.Leniency
	}
	return LeniencyAnyHTTPS
}

// TailBytes returns the diagnostic log tail size with a default of 1000.
func (t *TunnelConfig) TailBytes() int {
	if t != nil && t.LogTailBytes > 0 {
		return t.LogTailBytes
	}
	return 1000
}

// TerminalLog returns the ttyd log path with its default.
func (t *TunnelConfig) TerminalLog() string {
	if t != nil && t.TTYDLogPath != "" {
		return t.TTYDLogPath
	}
	return "/tmp/ttyd.log"
}

// ClientLog returns the tunnel client log path with its default.
func (t *TunnelConfig) ClientLog() string {
	if t != nil && t.TunnelLogPath != "" {
		return t.TunnelLogPath
	}
	return "/tmp/cloudflared.log"
}

// PlanConfig seeds one entry of the resource plan catalog.
type PlanConfig struct {
	ID     string `json:"id" yaml:"id"`
	RAM    string `json:"ram" yaml:"ram"`         // Size string, e.g. "2g", "512m".
	CPUs   int    `json:"cpus" yaml:"cpus"`       // Whole cores.
	DiskGB int    `json:"disk_gb" yaml:"disk_gb"` // Advisory disk quota.
	GPU    bool   `json:"gpu" yaml:"gpu"`         // Plan may attach GPUs (still gated by global settings).
}

// GatewaysConfig defines which gateways are enabled and their settings.
// Nil pointers mean the gateway is not configured.
type GatewaysConfig struct {
	Telegram *TelegramGatewayConfig `json:"telegram,omitempty" yaml:"telegram,omitempty"`
	HTTP     *HTTPGatewayConfig     `json:"http,omitempty" yaml:"http,omitempty"`
}

// TelegramGatewayConfig configures the Telegram gateway.
// Bot token can be set here, via a secret reference, or via the
// TELEGRAM_BOT_TOKEN env var. Environment variable takes precedence.
type TelegramGatewayConfig struct {
	Enabled            bool            `json:"enabled" yaml:"enabled"`
	BotToken           string          `json:"bot_token,omitempty" yaml:"bot_token,omitempty"`         // Override: TELEGRAM_BOT_TOKEN env var.
	BotTokenRef        string          `json:"bot_token_ref,omitempty" yaml:"bot_token_ref,omitempty"` // Secret reference, e.g. "env://TELEGRAM_BOT_TOKEN" or "vault://secret/data/sanduku#bot_token".
	AdminIDs           []int64         `json:"admin_ids" yaml:"admin_ids"`                             // Telegram user ids with admin commands; exempt from allow-list and maintenance gating.
	WebhookURL         string          `json:"webhook_url" yaml:"webhook_url"`                         // Empty = long polling.
	ListenAddr         string          `json:"listen_addr" yaml:"listen_addr"`                         // Webhook listen address. Default: ":8443".
	PollTimeoutSeconds int             `json:"poll_timeout_seconds" yaml:"poll_timeout_seconds"`       // Long-poll timeout. Default: 30.
	RateLimit          RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
}

// PollTimeout returns the long-poll timeout with a default of 30s.
func (t *TelegramGatewayConfig) PollTimeout() time.Duration {
	if t != nil && t.PollTimeoutSeconds > 0 {
		return time.Duration(t.PollTimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// WebhookListenAddr returns the webhook listen address with a default of ":8443".
func (t *TelegramGatewayConfig) WebhookListenAddr() string {
	if t != nil && t.ListenAddr != "" {
		return t.ListenAddr
	}
	return ":8443"
}

// IsAdmin reports whether the Telegram user id is a configured administrator.
func (t *TelegramGatewayConfig) IsAdmin(userID int64) bool {
	if t == nil {
		return false
	}
	for _, id := range t.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// HTTPGatewayConfig configures the HTTP admin API gateway.
type HTTPGatewayConfig struct {
	Enabled             bool              `json:"enabled" yaml:"enabled"`
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs"`
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080".
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	APIKeys             map[string]string `json:"api_keys" yaml:"api_keys"` // API key → operator id.
	RateLimit           RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
	StatsStreamSeconds  int               `json:"stats_stream_seconds" yaml:"stats_stream_seconds"` // Live stats push interval. Default: 2.
}

// Addr returns the listen address with a default of ":8080".
func (h *HTTPGatewayConfig) Addr() string {
	if h != nil && h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8080"
}

// StatsStreamInterval returns the live-stats push interval with a default of 2s.
func (h *HTTPGatewayConfig) StatsStreamInterval() time.Duration {
	if h != nil && h.StatsStreamSeconds > 0 {
		return time.Duration(h.StatsStreamSeconds) * time.Second
	}
	return 2 * time.Second
}

// RateLimitConfig configures per-user rate limiting for a gateway.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
	ProvisionPerHour  int `json:"provision_per_hour" yaml:"provision_per_hour"` // Budget for create/destroy. 0 = 6 default.
}

// ProvisionBudget returns the hourly create/destroy budget with a default of 6.
func (r RateLimitConfig) ProvisionBudget() int {
	if r.ProvisionPerHour > 0 {
		return r.ProvisionPerHour
	}
	return 6
}

// ObservabilityConfig configures metrics, tracing, and health checks.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "sanduku"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// ExporterProtocol returns the OTLP transport, "grpc" or "http".
// Anything else falls back to grpc.
func (t *TracingConfig) ExporterProtocol() string {
	if t != nil && t.Protocol == "http" {
		return "http"
	}
	return "grpc"
}

// Service returns the reported service name with its default.
func (t *TracingConfig) Service() string {
	if t != nil && t.ServiceName != "" {
		return t.ServiceName
	}
	return "sanduku"
}

// Ratio returns the span sampling ratio clamped to (0, 1].
func (t *TracingConfig) Ratio() float64 {
	if t == nil || t.SampleRate <= 0 {
		return 1.0
	}
	if t.SampleRate > 1.0 {
		return 1.0
	}
	return t.SampleRate
}

// AnomalyConfig configures sliding-window anomaly warnings over sandbox
// operations.
type AnomalyConfig struct {
	Enabled                 bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold      float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"`           // 0.0–1.0. 0 = error-rate warnings disabled.
	ProvisionChurnThreshold int     `json:"provision_churn_threshold" yaml:"provision_churn_threshold"` // Creates+destroys per user per window. 0 = churn warnings disabled.
	WindowSeconds           int     `json:"window_seconds" yaml:"window_seconds"`                       // Default: 300.
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeRegistry bool `json:"include_registry" yaml:"include_registry"`
	IncludeRuntime  bool `json:"include_runtime" yaml:"include_runtime"`
}

// JanitorConfig configures the registry↔runtime reconciliation loop.
// When nil, sandbox records drift until the next user command touches them.
type JanitorConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Schedule string `json:"schedule" yaml:"schedule"` // Five-field cron expression. Default: "*/5 * * * *".
}

// CronSchedule returns the reconciliation schedule with its default.
func (j *JanitorConfig) CronSchedule() string {
	if j != nil && j.Schedule != "" {
		return j.Schedule
	}
	return "*/5 * * * *"
}

// SecretsConfig configures the secret provider chain.
// When nil, only environment variable-based secrets are available.
type SecretsConfig struct {
	Providers []SecretProviderConfig `json:"providers" yaml:"providers"` // Tried in order.
}

// SecretProviderConfig configures a single secret provider backend.
type SecretProviderConfig struct {
	Type   string            `json:"type" yaml:"type"`                         // "env" or "vault".
	Config map[string]string `json:"config,omitempty" yaml:"config,omitempty"` // Backend-specific configuration.
}

// DefaultConfigPath returns the default config file path (~/.sanduku/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/sanduku.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".sanduku", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. Gateway tokens can be set in the config file or overridden
// by environment variables. Environment variables take precedence.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	// Environment variable overrides — env vars take precedence over config values.
	if envKey := os.Getenv("TELEGRAM_BOT_TOKEN"); envKey != "" {
		if cfg.Gateways.Telegram == nil {
			cfg.Gateways.Telegram = &TelegramGatewayConfig{}
		}
		cfg.Gateways.Telegram.BotToken = envKey
	}

	// Data directory override from environment.
	if envDD := os.Getenv("SANDUKU_DATA_DIR"); envDD != "" {
		cfg.DataDir = envDD
	}

	// Postgres DSN override from environment.
	if envDSN := os.Getenv("SANDUKU_DB_DSN"); envDSN != "" {
		if cfg.Registry == nil {
			cfg.Registry = &RegistryConfig{Driver: "postgres"}
		}
		if cfg.Registry.Postgres == nil {
			cfg.Registry.Postgres = &PostgresRegistryConfig{}
		}
		cfg.Registry.Postgres.DSN = envDSN
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".sanduku", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the default SQLite database path under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.ResolvedDataDir(), "sanduku.db")
}

// RegistryDriverName returns the effective registry driver name.
func (c *Config) RegistryDriverName() string {
	if c.Registry != nil {
		return c.Registry.RegistryDriver()
	}
	return "sqlite"
}

func (c *Config) validate() error {
	// Registry driver validation.
	if c.Registry != nil && c.Registry.Driver != "" {
		switch c.Registry.Driver {
		case "sqlite", "postgres":
			// valid
		default:
			return fmt.Errorf("registry.driver %q is not supported (use sqlite or postgres)", c.Registry.Driver)
		}
	}
	if c.Registry != nil && c.Registry.RegistryDriver() == "postgres" {
		if c.Registry.Postgres == nil || c.Registry.Postgres.DSN == "" {
			return fmt.Errorf("registry.postgres.dsn is required for the postgres driver (set SANDUKU_DB_DSN env var)")
		}
	}

	// Tunnel leniency validation.
	if c.Tunnel.Leniency != "" {
		switch c.Tunnel.Leniency {
		case LeniencyProviderOnly, LeniencyAnyHTTPS:
			// valid
		default:
			return fmt.Errorf("tunnel.leniency %q is not supported (use %s or %s)",
				c.Tunnel.Leniency, LeniencyProviderOnly, LeniencyAnyHTTPS)
		}
	}

	// Plan catalog validation.
	seen := make(map[string]bool, len(c.Plans))
	for i, plan := range c.Plans {
		if plan.ID == "" {
			return fmt.Errorf("plans[%d].id is required", i)
		}
		if seen[plan.ID] {
			return fmt.Errorf("plans[%d]: duplicate plan id %q", i, plan.ID)
		}
		seen[plan.ID] = true
		if plan.RAM != "" {
			if _, err := units.RAMInBytes(plan.RAM); err != nil {
				return fmt.Errorf("plans[%d] (%q): invalid ram %q: %w", i, plan.ID, plan.RAM, err)
			}
		}
		if plan.CPUs < 0 {
			return fmt.Errorf("plans[%d] (%q): cpus must not be negative", i, plan.ID)
		}
	}

	// Telegram gateway validation.
	if tg := c.Gateways.Telegram; tg != nil && tg.Enabled {
		if tg.BotToken == "" && tg.BotTokenRef == "" {
			return fmt.Errorf("gateways.telegram.bot_token is required (set TELEGRAM_BOT_TOKEN env var or bot_token_ref)")
		}
		if len(tg.AdminIDs) == 0 {
			return fmt.Errorf("gateways.telegram.admin_ids must contain at least one administrator")
		}
	}

	// HTTP gateway validation.
	if h := c.Gateways.HTTP; h != nil && h.Enabled && len(h.APIKeys) == 0 {
		return fmt.Errorf("gateways.http.api_keys must contain at least one key when enabled")
	}

	// Secret provider validation.
	if c.Secrets != nil {
		for i, p := range c.Secrets.Providers {
			switch p.Type {
			case "env", "vault":
				// valid
			default:
				return fmt.Errorf("secrets.providers[%d].type %q is not supported (use env or vault)", i, p.Type)
			}
		}
	}

	return nil
}
