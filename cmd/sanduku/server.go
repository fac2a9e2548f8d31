package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/sanduku/internal/config"
	"github.com/jkaninda/sanduku/internal/gateway"
	"github.com/jkaninda/sanduku/internal/gateway/httpapi"
	"github.com/jkaninda/sanduku/internal/gateway/telegram"
	"github.com/jkaninda/sanduku/internal/janitor"
	"github.com/jkaninda/sanduku/internal/ratelimit"
	goutils "github.com/jkaninda/go-utils"
)

var (
	serverConfigPath string
	serverPort       string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start in server mode (Telegram, HTTP)",
	RunE:  runServer,
}

func init() {
	// Register flags on both root and server so that
	// `sanduku --config path` and `sanduku server --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serverCmd} {
		cmd.Flags().StringVar(&serverConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&serverPort, "port", "", "override HTTP listen port (e.g. :8080)")
	}
}

// runServer starts Sanduku in server mode (Telegram gateway, HTTP admin API,
// reconciliation janitor).
func runServer(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(goutils.Env("SANDUKU_CONFIG", serverConfigPath))
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if serverPort != "" {
		if cfg.Gateways.HTTP == nil {
			cfg.Gateways.HTTP = &config.HTTPGatewayConfig{Enabled: true}
		}
		cfg.Gateways.HTTP.ListenAddr = serverPort
	}

	logger.Info("starting in server mode", slog.String("config", serverConfigPath))

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Start the registry↔runtime reconciliation janitor (optional).
	if cfg.Janitor != nil && cfg.Janitor.Enabled {
		var jMetrics *janitor.Metrics
		if sc.Obs != nil && sc.Obs.Metrics != nil {
			jMetrics = janitor.NewMetrics(sc.Obs.Metrics.Registry)
		}

		j, err := janitor.New(sc.Store, sc.Runtime, cfg.Janitor.CronSchedule(), jMetrics, logger)
		if err != nil {
			return err
		}
		cancelJanitor := j.Start(ctx)
		defer cancelJanitor()

		logger.Debug("janitor initialized", slog.String("schedule", cfg.Janitor.CronSchedule()))
	}

	// Build enabled gateways.
	gateways, err := buildGateways(cfg, sc)
	if err != nil {
		return err
	}
	if len(gateways) == 0 {
		return fmt.Errorf("no gateways enabled in config")
	}
	logger.Info("gateways configured", slog.Int("count", len(gateways)))

	// Start all gateways in goroutines.
	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	// Wait for signal or first gateway error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}

	return nil
}

// buildGateways creates all enabled gateways from config.
func buildGateways(cfg *config.Config, sc *SharedComponents) ([]gateway.Gateway, error) {
	var gws []gateway.Gateway
	gwCfg := cfg.Gateways

	// Telegram gateway.
	if gwCfg.Telegram != nil && gwCfg.Telegram.Enabled {
		token, err := resolveBotToken(cfg, sc)
		if err != nil {
			return nil, fmt.Errorf("resolving telegram bot token: %w", err)
		}

		limiter := ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: gwCfg.Telegram.RateLimit.RequestsPerMinute,
			BurstSize:         gwCfg.Telegram.RateLimit.BurstSize,
			ProvisionPerHour:  gwCfg.Telegram.RateLimit.ProvisionBudget(),
		})

		gws = append(gws, telegram.NewGateway(telegram.Config{
			BotToken:    token,
			WebhookURL:  gwCfg.Telegram.WebhookURL,
			ListenAddr:  gwCfg.Telegram.WebhookListenAddr(),
			AdminIDs:    gwCfg.Telegram.AdminIDs,
			PollTimeout: gwCfg.Telegram.PollTimeoutSeconds,
			LoginUser:   cfg.Sandbox.Login(),
		}, sc.Service, sc.Store, limiter, sc.Logger))

		mode := "long-polling"
		if gwCfg.Telegram.WebhookURL != "" {
			mode = "webhook"
		}
		sc.Logger.Debug("gateway enabled",
			slog.String("type", "telegram"),
			slog.String("mode", mode),
			slog.Int("admins", len(gwCfg.Telegram.AdminIDs)),
		)
	}

	// HTTP admin API gateway.
	if gwCfg.HTTP != nil && gwCfg.HTTP.Enabled {
		limiter := ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: gwCfg.HTTP.RateLimit.RequestsPerMinute,
			BurstSize:         gwCfg.HTTP.RateLimit.BurstSize,
			ProvisionPerHour:  gwCfg.HTTP.RateLimit.ProvisionBudget(),
		})

		// Build API key → operator mapping from config + env override.
		apiKeys := gwCfg.HTTP.APIKeys
		if apiKeys == nil {
			apiKeys = make(map[string]string)
		}
		if envKeys := os.Getenv("SANDUKU_API_KEYS"); envKeys != "" {
			for _, entry := range strings.Split(envKeys, ",") {
				parts := strings.SplitN(strings.TrimSpace(entry), ":", 2)
				if len(parts) == 2 {
					apiKeys[parts[0]] = parts[1]
				}
			}
		}

		httpCfg := httpapi.Config{
			ListenAddr:     gwCfg.HTTP.Addr(),
			EnableDocs:     gwCfg.HTTP.EnableDocs,
			APIKeys:        apiKeys,
			MaxRequestSize: gwCfg.HTTP.MaxRequestSizeBytes,
			StatsInterval:  gwCfg.HTTP.StatsStreamInterval(),
		}
		if sc.Obs != nil {
			httpCfg.Metrics = sc.Obs.Metrics
			httpCfg.HealthChecker = sc.Obs.Health
			if sc.Obs.Metrics != nil {
				httpCfg.MetricsRegistry = sc.Obs.Metrics.Registry
			}
			if sc.Obs.Tracer != nil {
				httpCfg.Tracer = sc.Obs.Tracer.Tracer()
			}
			if cfg.Observability != nil && cfg.Observability.Metrics != nil {
				httpCfg.MetricsPath = cfg.Observability.Metrics.Path
			}
		}
		gws = append(gws, httpapi.NewGateway(httpCfg, sc.Service, sc.Store, limiter, sc.Logger))
		sc.Logger.Debug("gateway enabled",
			slog.String("type", "http"),
			slog.String("addr", gwCfg.HTTP.Addr()),
			slog.Int("api_keys", len(apiKeys)),
		)
	}

	return gws, nil
}

// resolveBotToken returns the Telegram bot token: the literal config value
// (or TELEGRAM_BOT_TOKEN env override, which config.Load applies) when set,
// otherwise the secret reference resolved through the provider chain.
func resolveBotToken(cfg *config.Config, sc *SharedComponents) (string, error) {
	tg := cfg.Gateways.Telegram
	if tg.BotToken != "" {
		return tg.BotToken, nil
	}
	if tg.BotTokenRef == "" {
		return "", fmt.Errorf("bot token is required (set gateways.telegram.bot_token, bot_token_ref, or TELEGRAM_BOT_TOKEN)")
	}

	provider := newSecretProvider(cfg, sc.Logger)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	secret, err := provider.Resolve(ctx, tg.BotTokenRef)
	if err != nil {
		return "", err
	}
	return secret.Value, nil
}
