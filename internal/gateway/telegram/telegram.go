// Package telegram implements the Telegram Bot gateway for Sanduku using
// long polling or webhook mode.
//
// Security:
//   - User allow-list: only listed Telegram user IDs can interact (default-deny)
//   - Admin IDs from config get administrative commands and bypass the
//     allow-list and maintenance gating
//   - Bot token from TELEGRAM_BOT_TOKEN env var or a secret reference,
//     never logged
//   - Webhook path derived from bot token hash (prevents unauthorized POSTs)
//   - Per-user rate limiting, with a stricter budget for create/destroy
//   - All commands logged with correlation IDs
package telegram

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jkaninda/sanduku/internal/ratelimit"
	"github.com/jkaninda/sanduku/internal/registry"
	"github.com/jkaninda/sanduku/internal/sandbox"
)

const (
	defaultPollTimeout    = 30
	maxUpdateSize         = 256 << 10 // 256 KB
	telegramMaxMessageLen = 4096
	telegramSafeMaxLen    = 4000 // Safe margin for unicode/encoding overhead.

	// maxExecOutput bounds command output before it is wrapped in a reply.
	// The controller returns raw output; display truncation is the
	// gateway's job.
	maxExecOutput = 4000
)

// Config configures the Telegram gateway.
type Config struct {
	BotToken    string  // From TELEGRAM_BOT_TOKEN env var or secret reference.
	WebhookURL  string  // If set, use webhook mode. If empty, use long polling.
	ListenAddr  string  // For webhook mode.
	AdminIDs    []int64 // Telegram user IDs with admin commands.
	PollTimeout int     // Long poll timeout in seconds. 0 = 30s default.
	LoginUser   string  // Sandbox login account shown in /create replies.
}

// Gateway is the Telegram gateway. One chat command maps to one sandbox
// controller operation; the gateway owns formatting, access control and
// output truncation, never container state.
type Gateway struct {
	config     Config
	svc        sandbox.Service
	store      registry.Store
	limiter    *ratelimit.Limiter
	logger     *slog.Logger
	httpClient *http.Client
	server     *http.Server // nil in polling mode
	cancel     context.CancelFunc
	admins     map[int64]bool
	apiBase    string // overridable in tests
}

// NewGateway creates a Telegram gateway.
func NewGateway(cfg Config, svc sandbox.Service, store registry.Store, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	admins := make(map[int64]bool, len(cfg.AdminIDs))
	for _, id := range cfg.AdminIDs {
		admins[id] = true
	}
	return &Gateway{
		config:  cfg,
		svc:     svc,
		store:   store,
		limiter: rl,
		logger:  logger,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.pollTimeout()+10) * time.Second,
		},
		admins:  admins,
		apiBase: "https://api.telegram.org",
	}
}

// Start launches the gateway in webhook or long-polling mode and blocks.
func (g *Gateway) Start(ctx context.Context) error {
	ctx, g.cancel = context.WithCancel(ctx)

	if g.config.WebhookURL != "" {
		return g.startWebhook(ctx)
	}
	return g.startPolling(ctx)
}

// Stop gracefully shuts down the gateway.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.cancel != nil {
		g.cancel()
	}
	if g.server != nil {
		g.logger.Info("telegram gateway stopping webhook server")
		return g.server.Shutdown(ctx)
	}
	g.logger.Info("telegram gateway stopping poller")
	return nil
}

// --- Long Polling ---

func (g *Gateway) startPolling(ctx context.Context) error {
	g.logger.Info("telegram gateway starting long polling",
		slog.Int("timeout", g.config.pollTimeout()),
	)

	var offset int64
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		updates, err := g.getUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			g.logger.Error("telegram getUpdates failed", slog.String("error", err.Error()))
			time.Sleep(2 * time.Second)
			continue
		}

		for _, u := range updates {
			g.processUpdate(ctx, &u)
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
		}
	}
}

func (g *Gateway) getUpdates(ctx context.Context, offset int64) ([]Update, error) {
	params := map[string]any{
		"offset":  offset,
		"timeout": g.config.pollTimeout(),
	}

	body, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.apiURL("getUpdates"), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result struct {
		OK     bool     `json:"ok"`
		Result []Update `json:"result"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxUpdateSize)).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding updates: %w", err)
	}
	if !result.OK {
		return nil, fmt.Errorf("telegram API returned ok=false")
	}
	return result.Result, nil
}

// --- Webhook ---

func (g *Gateway) startWebhook(ctx context.Context) error {
	// Use a hash of the bot token as the webhook path to prevent unauthorized POSTs.
	secretPath := "/" + g.webhookSecret()

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+secretPath, g.handleWebhook)

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("telegram gateway starting webhook",
		slog.String("addr", g.config.ListenAddr),
	)

	err := g.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (g *Gateway) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var update Update
	if err := json.NewDecoder(io.LimitReader(r.Body, maxUpdateSize)).Decode(&update); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	// Acknowledge before handling: Telegram retries unanswered webhooks,
	// and a /create can legitimately take a minute.
	g.processUpdate(context.WithoutCancel(r.Context()), &update)
	w.WriteHeader(http.StatusOK)
}

func (g *Gateway) webhookSecret() string {
	h := sha256.Sum256([]byte(g.config.BotToken))
	return hex.EncodeToString(h[:16]) // 32-char hex path
}

// --- Update Processing ---

// processUpdate dispatches each message on its own goroutine so one
// user's slow provisioning never stalls another user's status query.
func (g *Gateway) processUpdate(ctx context.Context, update *Update) {
	if update.Message == nil {
		return
	}
	msg := update.Message
	go g.handleMessage(ctx, msg)
}

func (g *Gateway) handleMessage(ctx context.Context, msg *Message) {
	if msg.From == nil || msg.Text == "" {
		return
	}

	userID := msg.From.ID
	chatID := msg.Chat.ID
	isAdmin := g.admins[userID]

	// Allow-list check (default-deny). Admins bypass it.
	if !isAdmin {
		allowed, err := g.store.Access().IsAllowed(ctx, userID)
		if err != nil {
			g.logger.Error("allow-list lookup failed",
				slog.Int64("telegram_user_id", userID),
				slog.String("error", err.Error()),
			)
			g.sendHTML(ctx, chatID, "❗ Internal error. Please try again.")
			return
		}
		if !allowed {
			g.logger.Warn("telegram user not in allow-list",
				slog.Int64("telegram_user_id", userID),
			)
			g.sendHTML(ctx, chatID, "You are not authorized to use this bot.")
			return
		}
	}

	cmd, arg := splitCommand(msg.Text)
	if cmd == "" {
		return
	}

	// Rate limit.
	if g.limiter != nil {
		if err := g.limiter.Allow(userID); err != nil {
			g.sendHTML(ctx, chatID, "⏳ Rate limit exceeded. Please wait before trying again.")
			return
		}
	}

	correlationID := newCorrelationID()
	g.logger.Info("telegram command",
		slog.Int64("user_id", userID),
		slog.String("command", cmd),
		slog.Bool("admin", isAdmin),
		slog.String("correlation_id", correlationID),
	)

	switch cmd {
	case "/start", "/help":
		g.sendHTML(ctx, chatID, g.helpText(isAdmin))
	case "/create":
		g.cmdCreate(ctx, chatID, userID, arg, isAdmin)
	case "/status":
		g.cmdStatus(ctx, chatID, userID)
	case "/start_vm":
		g.cmdStartVM(ctx, chatID, userID, isAdmin)
	case "/stop":
		g.cmdStop(ctx, chatID, userID)
	case "/destroy":
		g.cmdDestroy(ctx, chatID, userID)
	case "/exec":
		g.cmdExec(ctx, chatID, userID, arg)
	case "/web_terminal":
		g.cmdWebTerminal(ctx, chatID, userID)
	default:
		if isAdmin && g.handleAdminCommand(ctx, chatID, userID, cmd, arg) {
			return
		}
		g.sendHTML(ctx, chatID, "Unknown command. Send /help for the command list.")
	}
}

// handleAdminCommand dispatches admin-only commands. Returns false when
// the command is not an admin command.
func (g *Gateway) handleAdminCommand(ctx context.Context, chatID, adminID int64, cmd, arg string) bool {
	switch cmd {
	case "/admin_info":
		g.cmdAdminInfo(ctx, chatID)
	case "/config_gpu":
		g.cmdConfigBool(ctx, chatID, registry.SettingGPUEnabled, arg, "/config_gpu &lt;on|off&gt;")
	case "/config_ram":
		g.cmdConfigValue(ctx, chatID, registry.SettingDefaultRAM, arg, "/config_ram &lt;size&gt; (e.g. 2g)")
	case "/config_cpu":
		g.cmdConfigValue(ctx, chatID, registry.SettingDefaultCPU, arg, "/config_cpu &lt;cores&gt;")
	case "/maintenance":
		g.cmdMaintenance(ctx, chatID, arg)
	case "/force_stop":
		g.cmdForceStop(ctx, chatID, arg)
	case "/force_destroy":
		g.cmdForceDestroy(ctx, chatID, arg)
	case "/allow_user":
		g.cmdAllowUser(ctx, chatID, adminID, arg)
	case "/remove_user":
		g.cmdRemoveUser(ctx, chatID, arg)
	default:
		return false
	}
	return true
}

// --- User Commands ---

func (g *Gateway) cmdCreate(ctx context.Context, chatID, userID int64, plan string, privileged bool) {
	if g.limiter != nil {
		if err := g.limiter.AllowProvision(userID); err != nil {
			g.sendHTML(ctx, chatID, "⏳ Provisioning budget exhausted. Try again later.")
			return
		}
	}

	g.sendHTML(ctx, chatID, "⚙️ Creating your VM, this can take a minute...")

	res, err := g.svc.Create(ctx, sandbox.CreateRequest{
		UserID:     userID,
		PlanID:     plan,
		Privileged: privileged,
	})
	if err != nil {
		g.sendHTML(ctx, chatID, g.renderError(err))
		return
	}

	var b strings.Builder
	b.WriteString("✅ <b>VM created</b>\n\n")
	fmt.Fprintf(&b, "\U0001F4E6 Name: <code>%s</code>\n", escapeHTML(res.Record.Name))
	fmt.Fprintf(&b, "\U0001F4CB Plan: <code>%s</code>\n", escapeHTML(res.Record.PlanID))
	if res.Record.SSHPort > 0 {
		fmt.Fprintf(&b, "\U0001F50C SSH host port: <code>%d</code>\n", res.Record.SSHPort)
	}
	if g.config.LoginUser != "" {
		fmt.Fprintf(&b, "\U0001F464 Login: <code>%s</code>\n", escapeHTML(g.config.LoginUser))
	}
	if res.Credential != "" {
		fmt.Fprintf(&b, "\U0001F511 Password: <code>%s</code>\n", escapeHTML(res.Credential))
	}
	if res.Tunnel != nil {
		fmt.Fprintf(&b, "\n\U0001F310 Web terminal: %s\n", escapeHTML(res.Tunnel.PublicURL))
	} else {
		b.WriteString("\n⚠️ Web terminal is unavailable. /exec still works; try /web_terminal later.\n")
	}
	for _, w := range res.Warnings {
		fmt.Fprintf(&b, "⚠️ %s\n", escapeHTML(w))
	}
	g.sendHTML(ctx, chatID, b.String())
}

func (g *Gateway) cmdStatus(ctx context.Context, chatID, userID int64) {
	res, err := g.svc.Status(ctx, userID)
	if err != nil {
		g.sendHTML(ctx, chatID, g.renderError(err))
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s <b>%s</b>\n", statusEmoji(res.Status), res.Status)
	fmt.Fprintf(&b, "\U0001F4E6 <code>%s</code>\n", escapeHTML(res.Record.Name))
	if res.Record.SSHPort > 0 {
		fmt.Fprintf(&b, "\U0001F50C SSH host port: <code>%d</code>\n", res.Record.SSHPort)
	}

	if res.Status == sandbox.StatusRunning {
		if st, serr := g.svc.Stats(ctx, userID); serr == nil {
			fmt.Fprintf(&b, "\n\U0001F4CA CPU: %.1f%%\n", st.CPUPercent)
			fmt.Fprintf(&b, "\U0001F4CA Memory: %s / %s (%.1f%%)\n",
				formatBytes(st.MemoryUsage), formatBytes(st.MemoryLimit), st.MemoryPercent)
			fmt.Fprintf(&b, "\U0001F4CA Processes: %d\n", st.Pids)
		}
	}
	g.sendHTML(ctx, chatID, b.String())
}

func (g *Gateway) cmdStartVM(ctx context.Context, chatID, userID int64, privileged bool) {
	res, err := g.svc.Start(ctx, userID, privileged)
	if err != nil {
		g.sendHTML(ctx, chatID, g.renderError(err))
		return
	}
	var b strings.Builder
	b.WriteString("▶️ <b>VM started</b>\n")
	if res.Tunnel != nil {
		fmt.Fprintf(&b, "\U0001F310 Web terminal: %s\n", escapeHTML(res.Tunnel.PublicURL))
	} else {
		b.WriteString("⚠️ Web terminal is unavailable; try /web_terminal later.\n")
	}
	g.sendHTML(ctx, chatID, b.String())
}

func (g *Gateway) cmdStop(ctx context.Context, chatID, userID int64) {
	if _, err := g.svc.Stop(ctx, userID); err != nil {
		g.sendHTML(ctx, chatID, g.renderError(err))
		return
	}
	g.sendHTML(ctx, chatID, "⏹️ VM stopped. Use /start_vm to start it again.")
}

func (g *Gateway) cmdDestroy(ctx context.Context, chatID, userID int64) {
	if g.limiter != nil {
		if err := g.limiter.AllowProvision(userID); err != nil {
			g.sendHTML(ctx, chatID, "⏳ Provisioning budget exhausted. Try again later.")
			return
		}
	}
	if err := g.svc.Destroy(ctx, userID); err != nil {
		g.sendHTML(ctx, chatID, g.renderError(err))
		return
	}
	g.sendHTML(ctx, chatID, "\U0001F5D1 VM destroyed. Use /create to provision a new one.")
}

func (g *Gateway) cmdExec(ctx context.Context, chatID, userID int64, command string) {
	if command == "" {
		g.sendHTML(ctx, chatID, "Usage: /exec &lt;command&gt;")
		return
	}

	res, err := g.svc.Exec(ctx, userID, command)
	if err != nil {
		g.sendHTML(ctx, chatID, g.renderError(err))
		return
	}

	out := truncate(res.Combined(), maxExecOutput)
	if out == "" {
		out = "(no output)"
	}
	g.sendHTML(ctx, chatID, fmt.Sprintf("Exit code: <code>%d</code>\n<pre>%s</pre>", res.ExitCode, escapeHTML(out)))
}

func (g *Gateway) cmdWebTerminal(ctx context.Context, chatID, userID int64) {
	g.sendHTML(ctx, chatID, "\U0001F310 Negotiating web terminal...")

	rec, err := g.svc.Terminal(ctx, userID)
	if err != nil {
		g.sendHTML(ctx, chatID, g.renderError(err))
		return
	}
	g.sendHTML(ctx, chatID, fmt.Sprintf("\U0001F310 Web terminal: %s", escapeHTML(rec.PublicURL)))
}

// --- Admin Commands ---

func (g *Gateway) cmdAdminInfo(ctx context.Context, chatID int64) {
	st, err := g.store.Settings().Get(ctx)
	if err != nil {
		g.sendHTML(ctx, chatID, g.renderError(err))
		return
	}
	recs, err := g.svc.List(ctx)
	if err != nil {
		g.sendHTML(ctx, chatID, g.renderError(err))
		return
	}

	var b strings.Builder
	b.WriteString("⚙️ <b>Global settings</b>\n")
	fmt.Fprintf(&b, "GPU: %s\n", onOff(st.GPUEnabled))
	fmt.Fprintf(&b, "Default RAM: <code>%s</code>\n", escapeHTML(st.DefaultRAM))
	fmt.Fprintf(&b, "Default CPU: <code>%d</code>\n", st.DefaultCPU)
	fmt.Fprintf(&b, "Maintenance: %s\n", onOff(st.MaintenanceMode))

	fmt.Fprintf(&b, "\n\U0001F4E6 <b>Sandboxes</b> (%d)\n", len(recs))
	for _, rec := range recs {
		status := rec.Status
		if live, serr := g.svc.Status(ctx, rec.UserID); serr == nil {
			status = string(live.Status)
		}
		fmt.Fprintf(&b, "• user <code>%d</code> — <code>%s</code> %s (plan %s, port %d)\n",
			rec.UserID, escapeHTML(rec.Name), escapeHTML(status), escapeHTML(rec.PlanID), rec.SSHPort)
	}
	g.sendHTML(ctx, chatID, b.String())
}

func (g *Gateway) cmdConfigBool(ctx context.Context, chatID int64, key, arg, usage string) {
	v, ok := parseOnOff(arg)
	if !ok {
		g.sendHTML(ctx, chatID, "Usage: "+usage)
		return
	}
	if err := g.store.Settings().Update(ctx, key, strconv.FormatBool(v)); err != nil {
		g.sendHTML(ctx, chatID, g.renderError(err))
		return
	}
	g.sendHTML(ctx, chatID, fmt.Sprintf("✅ <code>%s</code> set to %s.", key, onOff(v)))
}

func (g *Gateway) cmdConfigValue(ctx context.Context, chatID int64, key, value, usage string) {
	if value == "" {
		g.sendHTML(ctx, chatID, "Usage: "+usage)
		return
	}
	if err := g.store.Settings().Update(ctx, key, value); err != nil {
		g.sendHTML(ctx, chatID, g.renderError(err))
		return
	}
	g.sendHTML(ctx, chatID, fmt.Sprintf("✅ <code>%s</code> set to <code>%s</code>.", key, escapeHTML(value)))
}

// cmdMaintenance toggles maintenance mode. Turning it ON also stops
// every running sandbox; per-sandbox failures are counted, not fatal.
func (g *Gateway) cmdMaintenance(ctx context.Context, chatID int64, arg string) {
	v, ok := parseOnOff(arg)
	if !ok {
		g.sendHTML(ctx, chatID, "Usage: /maintenance &lt;on|off&gt;")
		return
	}
	if err := g.store.Settings().Update(ctx, registry.SettingMaintenanceMode, strconv.FormatBool(v)); err != nil {
		g.sendHTML(ctx, chatID, g.renderError(err))
		return
	}
	if !v {
		g.sendHTML(ctx, chatID, "✅ Maintenance mode OFF. Users can create and start VMs again.")
		return
	}

	res, err := g.svc.StopAll(ctx)
	if err != nil {
		g.sendHTML(ctx, chatID, "⚠️ Maintenance mode ON, but stopping sandboxes failed: "+escapeHTML(err.Error()))
		return
	}
	g.sendHTML(ctx, chatID, fmt.Sprintf(
		"\U0001F6A7 Maintenance mode ON. Stopped %d/%d sandboxes (%d failed).",
		res.Succeeded, res.Attempted, res.Failed))
}

func (g *Gateway) cmdForceStop(ctx context.Context, chatID int64, arg string) {
	uid, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		g.sendHTML(ctx, chatID, "Usage: /force_stop &lt;user_id&gt;")
		return
	}
	if _, err := g.svc.Stop(ctx, uid); err != nil {
		g.sendHTML(ctx, chatID, g.renderError(err))
		return
	}
	g.sendHTML(ctx, chatID, fmt.Sprintf("⏹️ Stopped VM of user <code>%d</code>.", uid))
}

func (g *Gateway) cmdForceDestroy(ctx context.Context, chatID int64, arg string) {
	if arg == "all" {
		res, err := g.svc.DestroyAll(ctx)
		if err != nil {
			g.sendHTML(ctx, chatID, g.renderError(err))
			return
		}
		g.sendHTML(ctx, chatID, fmt.Sprintf(
			"\U0001F5D1 Destroyed %d/%d sandboxes (%d failed).",
			res.Succeeded, res.Attempted, res.Failed))
		return
	}

	uid, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		g.sendHTML(ctx, chatID, "Usage: /force_destroy &lt;user_id|all&gt;")
		return
	}
	if err := g.svc.Destroy(ctx, uid); err != nil {
		g.sendHTML(ctx, chatID, g.renderError(err))
		return
	}
	g.sendHTML(ctx, chatID, fmt.Sprintf("\U0001F5D1 Destroyed VM of user <code>%d</code>.", uid))
}

func (g *Gateway) cmdAllowUser(ctx context.Context, chatID, adminID int64, arg string) {
	fields := strings.Fields(arg)
	if len(fields) == 0 {
		g.sendHTML(ctx, chatID, "Usage: /allow_user &lt;user_id&gt; [username]")
		return
	}
	uid, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		g.sendHTML(ctx, chatID, "Usage: /allow_user &lt;user_id&gt; [username]")
		return
	}
	username := ""
	if len(fields) > 1 {
		username = fields[1]
	}
	if err := g.store.Access().Allow(ctx, &registry.AllowedUser{
		UserID:   uid,
		Username: username,
		AddedBy:  adminID,
	}); err != nil {
		g.sendHTML(ctx, chatID, g.renderError(err))
		return
	}
	g.sendHTML(ctx, chatID, fmt.Sprintf("✅ User <code>%d</code> allowed.", uid))
}

func (g *Gateway) cmdRemoveUser(ctx context.Context, chatID int64, arg string) {
	uid, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		g.sendHTML(ctx, chatID, "Usage: /remove_user &lt;user_id&gt;")
		return
	}
	if err := g.store.Access().Remove(ctx, uid); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			g.sendHTML(ctx, chatID, fmt.Sprintf("User <code>%d</code> was not on the allow-list.", uid))
			return
		}
		g.sendHTML(ctx, chatID, g.renderError(err))
		return
	}
	g.sendHTML(ctx, chatID, fmt.Sprintf("✅ User <code>%d</code> removed from the allow-list.", uid))
}

// --- Formatting ---

func (g *Gateway) helpText(isAdmin bool) string {
	var b strings.Builder
	b.WriteString("\U0001F4E6 <b>Sanduku</b> — personal sandbox VMs\n\n")
	b.WriteString("/create [plan] — create your VM\n")
	b.WriteString("/status — VM state and resource usage\n")
	b.WriteString("/start_vm — start a stopped VM\n")
	b.WriteString("/stop — stop your VM\n")
	b.WriteString("/destroy — destroy your VM\n")
	b.WriteString("/exec &lt;command&gt; — run a command as root\n")
	b.WriteString("/web_terminal — get a browser terminal link\n")
	if isAdmin {
		b.WriteString("\n<b>Admin</b>\n")
		b.WriteString("/admin_info — settings and all sandboxes\n")
		b.WriteString("/config_gpu &lt;on|off&gt;\n")
		b.WriteString("/config_ram &lt;size&gt;\n")
		b.WriteString("/config_cpu &lt;cores&gt;\n")
		b.WriteString("/maintenance &lt;on|off&gt; — ON stops all VMs\n")
		b.WriteString("/force_stop &lt;user_id&gt;\n")
		b.WriteString("/force_destroy &lt;user_id|all&gt;\n")
		b.WriteString("/allow_user &lt;user_id&gt; [username]\n")
		b.WriteString("/remove_user &lt;user_id&gt;\n")
	}
	return b.String()
}

// renderError maps controller errors to user-facing HTML messages.
func (g *Gateway) renderError(err error) string {
	var negErr *sandbox.NegotiationError
	var startErr *sandbox.StartupTimeoutError
	switch {
	case errors.Is(err, sandbox.ErrNotFound):
		return "You have no VM. Use /create to provision one."
	case errors.Is(err, sandbox.ErrAlreadyExists):
		return "You already have a VM. Use /status, or /destroy it first."
	case errors.Is(err, sandbox.ErrMaintenance):
		return "\U0001F6A7 The service is in maintenance mode. Please try again later."
	case errors.Is(err, sandbox.ErrNotRunning):
		return "Your VM is not running. Use /start_vm first."
	case errors.Is(err, sandbox.ErrUnknownPlan):
		return "Unknown plan. Ask an administrator for the available plans."
	case errors.Is(err, sandbox.ErrRuntimeUnavailable):
		return "\U0001F6A7 The container engine is unreachable right now. Please try again later."
	case errors.As(err, &startErr):
		return "❗ The VM did not become ready in time and was removed. Please try /create again."
	case errors.As(err, &negErr):
		msg := "❗ Could not establish the web terminal"
		if negErr.Classification != "" && negErr.Classification != sandbox.FailureUnknown {
			msg += fmt.Sprintf(" (%s issue)", negErr.Classification)
		}
		if negErr.LogTail != "" {
			msg += ".\n<pre>" + escapeHTML(truncate(negErr.LogTail, 800)) + "</pre>"
		}
		return msg
	default:
		g.logger.Error("command failed", slog.String("error", err.Error()))
		return "❗ Error processing your request."
	}
}

func statusEmoji(s sandbox.Status) string {
	switch s {
	case sandbox.StatusRunning:
		return "\U0001F7E2"
	case sandbox.StatusStopped:
		return "\U0001F534"
	case sandbox.StatusPending:
		return "\U0001F7E1"
	case sandbox.StatusDestroyed:
		return "⚰️"
	default:
		return "❔"
	}
}

func onOff(v bool) string {
	if v {
		return "ON"
	}
	return "OFF"
}

func parseOnOff(arg string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(arg)) {
	case "on", "true", "1", "enable", "enabled":
		return true, true
	case "off", "false", "0", "disable", "disabled":
		return false, true
	default:
		return false, false
	}
}

func formatBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n... (truncated)"
}

// splitCommand extracts the command and its argument string.
// "/exec@sanduku_bot df -h" → ("/exec", "df -h").
func splitCommand(text string) (cmd, arg string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", ""
	}
	cmd = text
	if i := strings.IndexByte(text, ' '); i >= 0 {
		cmd, arg = text[:i], strings.TrimSpace(text[i+1:])
	}
	// Strip the @botname suffix from group chats.
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd), arg
}

// --- Telegram API ---

// sendHTML sends pre-formatted HTML, splitting oversized messages into
// chunks that keep code fences balanced.
func (g *Gateway) sendHTML(ctx context.Context, chatID int64, html string) {
	if html == "" {
		return
	}
	chunks := splitMessage(html, telegramSafeMaxLen)
	for _, chunk := range chunks {
		g.callAPI(ctx, "sendMessage", map[string]any{
			"chat_id":                  chatID,
			"text":                     chunk,
			"parse_mode":               "HTML",
			"disable_web_page_preview": true,
		})
	}
}

func (g *Gateway) callAPI(ctx context.Context, method string, params map[string]any) {
	body, err := json.Marshal(params)
	if err != nil {
		g.logger.Error("telegram marshal error", slog.String("error", err.Error()))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.apiURL(method), bytes.NewReader(body))
	if err != nil {
		g.logger.Error("telegram request error", slog.String("error", err.Error()))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		g.logger.Error("telegram api error",
			slog.String("method", method),
			slog.String("error", err.Error()),
		)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		g.logger.Error("telegram api non-200",
			slog.String("method", method),
			slog.Int("status", resp.StatusCode),
			slog.String("body", string(respBody)),
		)
	}
}

func (g *Gateway) apiURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", g.apiBase, g.config.BotToken, method)
}

// --- Types ---

// Update represents a Telegram Bot API update.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

// Message represents a Telegram message.
type Message struct {
	MessageID int64  `json:"message_id"`
	From      *User  `json:"from,omitempty"`
	Chat      Chat   `json:"chat"`
	Text      string `json:"text"`
}

// User represents a Telegram user.
type User struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	Username  string `json:"username"`
}

// Chat represents a Telegram chat.
type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// --- Helpers ---

func (c Config) pollTimeout() int {
	if c.PollTimeout > 0 {
		return c.PollTimeout
	}
	return defaultPollTimeout
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// escapeHTML escapes characters that are special in Telegram's HTML parse mode.
func escapeHTML(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}

// --- Message Splitting ---

// splitMessage splits text into chunks that fit within Telegram's message limit.
// It splits at paragraph boundaries, then line boundaries, then word boundaries,
// and tracks <pre> blocks so they are properly closed/reopened across chunks.
func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	remaining := text
	inPre := false

	for len(remaining) > 0 {
		if len(remaining) <= maxLen {
			chunks = append(chunks, remaining)
			break
		}

		// Find the best split point within maxLen, leaving room for a
		// closing </pre> tag.
		candidate := remaining[:maxLen-6]
		splitAt := -1

		// Priority 1: paragraph boundary (double newline).
		if idx := strings.LastIndex(candidate, "\n\n"); idx > 0 {
			splitAt = idx + 1 // Keep first newline in this chunk.
		}

		// Priority 2: line boundary (single newline).
		if splitAt < 0 {
			if idx := strings.LastIndex(candidate, "\n"); idx > 0 {
				splitAt = idx + 1
			}
		}

		// Priority 3: word boundary (space).
		if splitAt < 0 {
			if idx := strings.LastIndex(candidate, " "); idx > 0 {
				splitAt = idx + 1
			}
		}

		// Priority 4: hard cut.
		if splitAt < 0 {
			splitAt = len(candidate)
		}

		chunk := remaining[:splitAt]
		remaining = remaining[splitAt:]

		// Track whether this chunk leaves a <pre> block open.
		opens := strings.Count(chunk, "<pre>")
		closes := strings.Count(chunk, "</pre>")
		switch {
		case opens > closes:
			inPre = true
		case closes > opens:
			inPre = false
		}

		// Close an open block at the chunk edge and reopen it in the
		// next chunk so every message parses as valid HTML.
		if inPre {
			chunk += "</pre>"
			remaining = "<pre>" + remaining
		}

		chunks = append(chunks, chunk)
	}

	return chunks
}
