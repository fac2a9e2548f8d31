package sandbox

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

const quickTunnelLog = `2024-05-01T10:00:00Z INF Thank you for trying Cloudflare Tunnel.
2024-05-01T10:00:02Z INF +--------------------------------------------------------+
2024-05-01T10:00:02Z INF |  Your quick Tunnel has been created! Visit it at:      |
2024-05-01T10:00:02Z INF |  https://brave-fox-haiku.trycloudflare.com             |
2024-05-01T10:00:02Z INF +--------------------------------------------------------+`

func newTestNegotiator(shell *fakeShell, cfg TunnelConfig) *TunnelNegotiator {
	if cfg.PollAttempts == 0 {
		cfg.PollAttempts = 5
	}
	n := NewTunnelNegotiator(shellExecer{shell}, cfg, discardLogger())
	n.sleep = noSleep
	return n
}

func TestOpenTerminalPublishesURL(t *testing.T) {
	shell := newFakeShell()
	shell.clientLog = quickTunnelLog
	n := newTestNegotiator(shell, TunnelConfig{})

	rec, err := n.OpenTerminal(context.Background(), "ctr-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.PublicURL != "https://brave-fox-haiku.trycloudflare.com" {
		t.Errorf("PublicURL = %q", rec.PublicURL)
	}
	if rec.EstablishedAt.IsZero() {
		t.Error("EstablishedAt not set")
	}
	if !shell.ran("nohup ttyd") {
		t.Errorf("terminal server never started: %v", shell.commands())
	}
}

func TestOpenTerminalKillsStaleClientFirst(t *testing.T) {
	shell := newFakeShell()
	shell.clientLog = quickTunnelLog
	n := newTestNegotiator(shell, TunnelConfig{})

	if _, err := n.OpenTerminal(context.Background(), "ctr-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cmds := shell.commands()
	kill, start := -1, -1
	for i, cmd := range cmds {
		if strings.HasPrefix(cmd, "pkill") && kill < 0 {
			kill = i
		}
		if strings.Contains(cmd, "nohup cloudflared") && start < 0 {
			start = i
		}
	}
	if kill < 0 || start < 0 || kill > start {
		t.Errorf("stale client not killed before start: kill=%d start=%d cmds=%v", kill, start, cmds)
	}
}

func TestOpenTerminalSkipsRunningTerminalServer(t *testing.T) {
	shell := newFakeShell()
	shell.clientLog = quickTunnelLog
	shell.ttydRunning = true
	n := newTestNegotiator(shell, TunnelConfig{})

	if _, err := n.OpenTerminal(context.Background(), "ctr-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if shell.ran("nohup ttyd") {
		t.Errorf("terminal server restarted although already running: %v", shell.commands())
	}
}

func TestOpenTerminalMissingTools(t *testing.T) {
	shell := newFakeShell()
	shell.missing["cloudflared"] = true
	n := newTestNegotiator(shell, TunnelConfig{})

	_, err := n.OpenTerminal(context.Background(), "ctr-1")
	var nerr *NegotiationError
	if !errors.As(err, &nerr) {
		t.Fatalf("err = %v, want *NegotiationError", err)
	}
	if !strings.Contains(nerr.Reason, "cloudflared") {
		t.Errorf("Reason = %q, want the missing tool named", nerr.Reason)
	}
	if shell.ran("pkill") || shell.ran("nohup") {
		t.Errorf("processes touched despite missing tools: %v", shell.commands())
	}
}

func TestOpenTerminalWaitsForLogFile(t *testing.T) {
	shell := newFakeShell()
	shell.clientLog = quickTunnelLog
	shell.logAfter = 3
	n := newTestNegotiator(shell, TunnelConfig{PollAttempts: 5})

	rec, err := n.OpenTerminal(context.Background(), "ctr-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.PublicURL == "" {
		t.Error("no URL extracted")
	}
	if shell.catCalls != 3 {
		t.Errorf("log read %d times, want 3", shell.catCalls)
	}
}

func TestOpenTerminalClientDeathExitsEarly(t *testing.T) {
	shell := newFakeShell()
	shell.clientLog = "failed to sufficiently increase receive buffer size\ncontrol connection: permission denied"
	shell.dieAfter = 2
	n := newTestNegotiator(shell, TunnelConfig{PollAttempts: 60})

	_, err := n.OpenTerminal(context.Background(), "ctr-1")
	var nerr *NegotiationError
	if !errors.As(err, &nerr) {
		t.Fatalf("err = %v, want *NegotiationError", err)
	}
	if !strings.Contains(nerr.Reason, "exited") {
		t.Errorf("Reason = %q, want client exit mentioned", nerr.Reason)
	}
	if nerr.Classification != FailurePermission {
		t.Errorf("Classification = %q, want %q", nerr.Classification, FailurePermission)
	}
	if !strings.Contains(nerr.LogTail, "permission denied") {
		t.Errorf("LogTail = %q, want log content", nerr.LogTail)
	}
	if shell.catCalls >= 60 {
		t.Errorf("poll did not exit early: %d reads", shell.catCalls)
	}
}

func TestOpenTerminalExhaustionKeepsLogTail(t *testing.T) {
	shell := newFakeShell()
	shell.clientLog = "ERR dial tcp 198.41.192.7:7844: connection refused"
	shell.clientAlive = true
	n := newTestNegotiator(shell, TunnelConfig{PollAttempts: 3})

	_, err := n.OpenTerminal(context.Background(), "ctr-1")
	var nerr *NegotiationError
	if !errors.As(err, &nerr) {
		t.Fatalf("err = %v, want *NegotiationError", err)
	}
	if nerr.Classification != FailureNetwork {
		t.Errorf("Classification = %q, want %q", nerr.Classification, FailureNetwork)
	}
	if nerr.LogTail == "" {
		t.Error("LogTail empty; failures must carry a log excerpt")
	}
	if shell.catCalls != 3 {
		t.Errorf("log read %d times, want 3", shell.catCalls)
	}
}

func TestOpenTerminalEmptyLogStillExplains(t *testing.T) {
	shell := newFakeShell()
	shell.clientAlive = true
	n := newTestNegotiator(shell, TunnelConfig{PollAttempts: 2})

	_, err := n.OpenTerminal(context.Background(), "ctr-1")
	var nerr *NegotiationError
	if !errors.As(err, &nerr) {
		t.Fatalf("err = %v, want *NegotiationError", err)
	}
	if nerr.LogTail != "no log output" {
		t.Errorf("LogTail = %q, want placeholder for an empty log", nerr.LogTail)
	}
}

func TestOpenTerminalTruncatesLogTail(t *testing.T) {
	shell := newFakeShell()
	shell.clientAlive = true
	shell.clientLog = strings.Repeat("x", 5000)
	n := newTestNegotiator(shell, TunnelConfig{PollAttempts: 1, TailBytes: 1000})

	_, err := n.OpenTerminal(context.Background(), "ctr-1")
	var nerr *NegotiationError
	if !errors.As(err, &nerr) {
		t.Fatalf("err = %v, want *NegotiationError", err)
	}
	if len(nerr.LogTail) > 1000 {
		t.Errorf("LogTail length = %d, want <= 1000", len(nerr.LogTail))
	}
}

func TestMatchTunnelURLTiers(t *testing.T) {
	tests := []struct {
		name     string
		log      string
		leniency string
		want     string
		ok       bool
	}{
		{
			name:     "quick tunnel subdomain",
			log:      "visit https://witty-crab.trycloudflare.com now",
			leniency: LeniencyProviderOnly,
			want:     "https://witty-crab.trycloudflare.com",
			ok:       true,
		},
		{
			name:     "nested provider subdomain",
			log:      "url=https://a.b.trycloudflare.com",
			leniency: LeniencyProviderOnly,
			want:     "https://a.b.trycloudflare.com",
			ok:       true,
		},
		{
			name:     "provider url wins over other https",
			log:      "see https://cfl.re/docs then https://witty-crab.trycloudflare.com",
			leniency: LeniencyAnyHTTPS,
			want:     "https://witty-crab.trycloudflare.com",
			ok:       true,
		},
		{
			name:     "any https accepted when lenient",
			log:      "tunnel ready at https://edge.example.net/term",
			leniency: LeniencyAnyHTTPS,
			want:     "https://edge.example.net/term",
			ok:       true,
		},
		{
			name:     "any https rejected when provider only",
			log:      "tunnel ready at https://edge.example.net/term",
			leniency: LeniencyProviderOnly,
			ok:       false,
		},
		{
			name:     "no url at all",
			log:      "starting tunnel",
			leniency: LeniencyAnyHTTPS,
			ok:       false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := matchTunnelURL(tt.log, tt.leniency)
			if ok != tt.ok {
				t.Fatalf("ok = %t, want %t", ok, tt.ok)
			}
			if got != tt.want {
				t.Errorf("url = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClassifyFailure(t *testing.T) {
	tests := []struct {
		log  string
		want string
	}{
		{"failed: Permission denied while opening tunnel", FailurePermission},
		{"operation not permitted", FailurePermission},
		{`error="401 Unauthorized"`, FailureAuthentication},
		{"x509: certificate signed by unknown authority", FailureAuthentication},
		{"dial tcp: lookup region1.argotunnel.com: no such host", FailureNetwork},
		{"connection refused", FailureNetwork},
		{"something odd happened", FailureUnknown},
		{"", FailureUnknown},
	}
	for _, tt := range tests {
		if got := classifyFailure(tt.log); got != tt.want {
			t.Errorf("classifyFailure(%q) = %q, want %q", tt.log, got, tt.want)
		}
	}
}

func TestOpenTerminalSettlesAfterKill(t *testing.T) {
	shell := newFakeShell()
	shell.clientLog = quickTunnelLog
	var slept []time.Duration
	n := NewTunnelNegotiator(shellExecer{shell}, TunnelConfig{Settle: 1500 * time.Millisecond}, discardLogger())
	n.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	if _, err := n.OpenTerminal(context.Background(), "ctr-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(slept) == 0 || slept[0] != 1500*time.Millisecond {
		t.Errorf("settle sleep = %v, want 1.5s first", slept)
	}
}
