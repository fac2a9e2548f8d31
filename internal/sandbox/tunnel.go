package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/jkaninda/sanduku/internal/runtime"
)

// Leniency levels for accepting a public URL from the tunnel client log.
const (
	// LeniencyProviderOnly accepts only URLs on the tunnel provider's
	// domain.
	LeniencyProviderOnly = "provider-only"
	// LeniencyAnyHTTPS additionally accepts any https URL as a last
	// resort, which keeps the negotiator working when the provider
	// changes its log wording.
	LeniencyAnyHTTPS = "any-https"
)

// TunnelConfig tunes terminal tunnel negotiation.
type TunnelConfig struct {
	// Port is the terminal server port inside the container.
	Port int
	// PollInterval and PollAttempts bound the wait for the public URL.
	PollInterval time.Duration
	PollAttempts int
	// Settle is the pause after killing a stale tunnel client.
	Settle time.Duration
	// Leniency selects the URL acceptance level, LeniencyAnyHTTPS by
	// default.
	Leniency string
	// TerminalLog and ClientLog are the in-container log paths.
	TerminalLog string
	ClientLog   string
	// TailBytes bounds the log excerpt attached to failures.
	TailBytes int
}

func (c TunnelConfig) withDefaults() TunnelConfig {
	if c.Port <= 0 {
		c.Port = 7681
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.PollAttempts <= 0 {
		c.PollAttempts = 60
	}
	if c.Settle <= 0 {
		c.Settle = time.Second
	}
	if c.Leniency == "" {
		c.Leniency = LeniencyAnyHTTPS
	}
	if c.TerminalLog == "" {
		c.TerminalLog = "/tmp/ttyd.log"
	}
	if c.ClientLog == "" {
		c.ClientLog = "/tmp/cloudflared.log"
	}
	if c.TailBytes <= 0 {
		c.TailBytes = 1000
	}
	return c
}

// urlPattern is one tier of the URL extraction chain, most specific
// first. Lenient tiers are consulted only under LeniencyAnyHTTPS.
type urlPattern struct {
	name    string
	re      *regexp.Regexp
	lenient bool
}

var tunnelURLPatterns = []urlPattern{
	{name: "quick-tunnel", re: regexp.MustCompile(`https://[a-zA-Z0-9-]+\.trycloudflare\.com`)},
	{name: "provider", re: regexp.MustCompile(`https://[\w.-]+\.trycloudflare\.com`)},
	{name: "any-https", re: regexp.MustCompile(`https://[^\s"']+`), lenient: true},
}

func matchTunnelURL(log, leniency string) (string, bool) {
	for _, p := range tunnelURLPatterns {
		if p.lenient && leniency != LeniencyAnyHTTPS {
			continue
		}
		if m := p.re.FindString(log); m != "" {
			return m, true
		}
	}
	return "", false
}

// TunnelNegotiator exposes the in-container terminal server through an
// outbound tunnel and extracts the public URL from the client log.
type TunnelNegotiator struct {
	exec   execer
	cfg    TunnelConfig
	logger *slog.Logger

	// sleep is swapped in tests to avoid real waits.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewTunnelNegotiator(exec execer, cfg TunnelConfig, logger *slog.Logger) *TunnelNegotiator {
	if logger == nil {
		logger = slog.Default()
	}
	return &TunnelNegotiator{exec: exec, cfg: cfg.withDefaults(), logger: logger}
}

// OpenTerminal establishes a fresh public terminal URL for the
// container: it verifies the toolchain, makes sure the terminal server
// is up, replaces any stale tunnel client, and waits for the client log
// to publish a URL. Safe to call repeatedly; each call yields a new
// tunnel.
func (t *TunnelNegotiator) OpenTerminal(ctx context.Context, containerID string) (*TunnelRecord, error) {
	if err := t.verifyTools(ctx, containerID); err != nil {
		return nil, err
	}
	if err := t.ensureTerminalServer(ctx, containerID); err != nil {
		return nil, err
	}
	if err := t.replaceClient(ctx, containerID); err != nil {
		return nil, err
	}
	url, err := t.awaitURL(ctx, containerID)
	if err != nil {
		return nil, err
	}
	rec := &TunnelRecord{PublicURL: url, EstablishedAt: time.Now().UTC()}
	t.logger.Info("terminal tunnel established", "container", containerID, "url", url)
	return rec, nil
}

// verifyTools confirms both binaries resolve before any process is
// touched.
func (t *TunnelNegotiator) verifyTools(ctx context.Context, containerID string) error {
	var missing []string
	for _, name := range []string{"ttyd", "cloudflared"} {
		res, err := t.exec.Exec(ctx, containerID, runtime.ExecRequest{
			Cmd:  fmt.Sprintf("command -v %s", name),
			User: "root",
		})
		if err != nil {
			return fmt.Errorf("checking for %s: %w", name, err)
		}
		if res.ExitCode != 0 {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return &NegotiationError{
			Reason:         fmt.Sprintf("terminal tools not installed: %s", strings.Join(missing, ", ")),
			Classification: FailureUnknown,
			LogTail:        "no log output",
		}
	}
	return nil
}

// ensureTerminalServer starts the terminal server unless a process
// lookup says it is already running.
func (t *TunnelNegotiator) ensureTerminalServer(ctx context.Context, containerID string) error {
	res, err := t.exec.Exec(ctx, containerID, runtime.ExecRequest{Cmd: "pgrep ttyd", User: "root"})
	if err != nil {
		return fmt.Errorf("checking terminal server: %w", err)
	}
	if res.ExitCode == 0 {
		return nil
	}
	start := fmt.Sprintf("nohup ttyd -p %d -W bash > %s 2>&1 &", t.cfg.Port, t.cfg.TerminalLog)
	if _, err := t.exec.Exec(ctx, containerID, runtime.ExecRequest{Cmd: start, User: "root"}); err != nil {
		return fmt.Errorf("starting terminal server: %w", err)
	}
	return nil
}

// replaceClient kills any stale tunnel client, waits for it to settle,
// and starts a fresh one detached with its output captured in the
// client log. The bracketed pgrep pattern keeps the wrapper shell from
// matching itself.
func (t *TunnelNegotiator) replaceClient(ctx context.Context, containerID string) error {
	_, err := t.exec.Exec(ctx, containerID, runtime.ExecRequest{Cmd: "pkill -f '[c]loudflared'", User: "root"})
	if err != nil {
		return fmt.Errorf("stopping stale tunnel client: %w", err)
	}
	if err := t.pause(ctx, t.cfg.Settle); err != nil {
		return err
	}
	start := fmt.Sprintf("rm -f %s; nohup cloudflared tunnel --url http://localhost:%d > %s 2>&1 &",
		t.cfg.ClientLog, t.cfg.Port, t.cfg.ClientLog)
	if _, err := t.exec.Exec(ctx, containerID, runtime.ExecRequest{Cmd: start, User: "root"}); err != nil {
		return fmt.Errorf("starting tunnel client: %w", err)
	}
	return nil
}

// awaitURL polls the client log until a URL matches, the client dies,
// or the budget runs out.
func (t *TunnelNegotiator) awaitURL(ctx context.Context, containerID string) (string, error) {
	policy := RetryPolicy{Interval: t.cfg.PollInterval, MaxAttempts: t.cfg.PollAttempts, sleep: t.sleep}

	var url, lastLog string
	err := policy.Do(ctx, func(ctx context.Context) (bool, error) {
		out, err := t.readClientLog(ctx, containerID)
		if err == nil {
			lastLog = out
		}
		if m, ok := matchTunnelURL(lastLog, t.cfg.Leniency); ok {
			url = m
			return true, nil
		}
		if !t.clientAlive(ctx, containerID) {
			return false, t.failure("tunnel client exited before publishing a URL", lastLog)
		}
		return false, nil
	})
	if errors.Is(err, ErrExhausted) {
		return "", t.failure("no public URL appeared in the tunnel client log", lastLog)
	}
	if err != nil {
		return "", err
	}
	return url, nil
}

func (t *TunnelNegotiator) readClientLog(ctx context.Context, containerID string) (string, error) {
	res, err := t.exec.Exec(ctx, containerID, runtime.ExecRequest{
		Cmd:  fmt.Sprintf("cat %s", t.cfg.ClientLog),
		User: "root",
	})
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", nil
	}
	return res.Stdout, nil
}

// clientAlive reports whether the tunnel client process still exists.
// Transport hiccups count as alive so a flaky check cannot abort the
// poll.
func (t *TunnelNegotiator) clientAlive(ctx context.Context, containerID string) bool {
	res, err := t.exec.Exec(ctx, containerID, runtime.ExecRequest{Cmd: "pgrep -f '[c]loudflared'", User: "root"})
	if err != nil {
		return true
	}
	return res.ExitCode == 0
}

func (t *TunnelNegotiator) failure(reason, log string) *NegotiationError {
	excerpt := tail(strings.TrimSpace(log), t.cfg.TailBytes)
	if excerpt == "" {
		excerpt = "no log output"
	}
	return &NegotiationError{
		Reason:         reason,
		Classification: classifyFailure(log),
		LogTail:        excerpt,
	}
}

func (t *TunnelNegotiator) pause(ctx context.Context, d time.Duration) error {
	if t.sleep != nil {
		return t.sleep(ctx, d)
	}
	return sleepContext(ctx, d)
}
