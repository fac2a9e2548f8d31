package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jkaninda/sanduku/internal/runtime"
)

// Install methods recorded by the bootstrapper.
const (
	installPreinstalled = "preinstalled"
	installApt          = "apt"
	installDownload     = "download"
	installStub         = "stub"
	installMissing      = "missing"
)

// Tool is a binary the web terminal needs inside the container.
type Tool struct {
	// Name is the binary name looked up on PATH.
	Name string
	// Package is the distro package to install, empty to skip the
	// package-manager path.
	Package string
	// DownloadURL is a direct binary URL used as fallback, empty to
	// skip the download path.
	DownloadURL string
	// StubOnFailure writes a stand-in script that fails loudly when
	// every install path is exhausted.
	StubOnFailure bool
}

// BootstrapConfig tunes the installer behavior.
type BootstrapConfig struct {
	// IndexRetries bounds the package-index refresh attempts before the
	// package-manager path is abandoned.
	IndexRetries int
	Tools        []Tool
}

// TerminalTools returns the tool set the web terminal depends on:
// the terminal server and the tunnel client. Only the tunnel client
// gets a failure stub; a missing terminal server is reported as-is.
func TerminalTools(terminalURL, tunnelURL string) []Tool {
	return []Tool{
		{Name: "ttyd", Package: "ttyd", DownloadURL: terminalURL},
		{Name: "cloudflared", DownloadURL: tunnelURL, StubOnFailure: true},
	}
}

// BootstrapResult records how each tool was made available.
type BootstrapResult struct {
	// Methods maps tool name to the install method that won.
	Methods map[string]string
	// Missing lists tools that resolve to nothing runnable, stubs
	// included.
	Missing []string
}

// Degraded reports whether any tool ended up as a stub or absent.
func (r *BootstrapResult) Degraded() bool {
	if r == nil {
		return true
	}
	if len(r.Missing) > 0 {
		return true
	}
	for _, m := range r.Methods {
		if m == installStub || m == installMissing {
			return true
		}
	}
	return false
}

// Method returns the recorded install method for a tool, or "missing".
func (r *BootstrapResult) Method(tool string) string {
	if r == nil {
		return installMissing
	}
	if m, ok := r.Methods[tool]; ok {
		return m
	}
	return installMissing
}

// ToolBootstrapper installs the terminal toolchain inside a running
// container. Failures never abort sandbox creation; the result records
// what is usable so callers can report a degraded terminal.
type ToolBootstrapper struct {
	exec   execer
	cfg    BootstrapConfig
	logger *slog.Logger
}

func NewToolBootstrapper(exec execer, cfg BootstrapConfig, logger *slog.Logger) *ToolBootstrapper {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.IndexRetries <= 0 {
		cfg.IndexRetries = 3
	}
	return &ToolBootstrapper{exec: exec, cfg: cfg, logger: logger}
}

// EnsureTools makes each configured tool available in the container,
// trying the package manager, then a direct download, then a stub for
// tools that opt in. Each method is verified with command -v before it
// is recorded as the winner.
func (b *ToolBootstrapper) EnsureTools(ctx context.Context, containerID string) (*BootstrapResult, error) {
	res := &BootstrapResult{Methods: make(map[string]string, len(b.cfg.Tools))}
	run := &toolInstall{b: b, containerID: containerID}

	for _, tool := range b.cfg.Tools {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		method := run.ensure(ctx, tool)
		res.Methods[tool.Name] = method
		if method == installMissing {
			res.Missing = append(res.Missing, tool.Name)
		}
		b.logger.Info("tool bootstrap finished", "tool", tool.Name, "method", method, "container", containerID)
	}
	return res, nil
}

// toolInstall holds the state of one EnsureTools pass. The package
// index is refreshed at most once per pass.
type toolInstall struct {
	b           *ToolBootstrapper
	containerID string
	indexOK     bool
}

type installStrategy struct {
	name string
	run  func(ctx context.Context, tool Tool) error
}

func (r *toolInstall) ensure(ctx context.Context, tool Tool) string {
	if r.available(ctx, tool.Name) {
		return installPreinstalled
	}

	strategies := make([]installStrategy, 0, 3)
	if tool.Package != "" {
		strategies = append(strategies, installStrategy{name: installApt, run: r.installPackage})
	}
	if tool.DownloadURL != "" {
		strategies = append(strategies, installStrategy{name: installDownload, run: r.installDownload})
	}
	if tool.StubOnFailure {
		strategies = append(strategies, installStrategy{name: installStub, run: r.installStub})
	}

	for _, s := range strategies {
		if ctx.Err() != nil {
			return installMissing
		}
		if err := s.run(ctx, tool); err != nil {
			r.b.logger.Warn("tool install method failed", "tool", tool.Name, "method", s.name, "error", err)
			continue
		}
		if !r.available(ctx, tool.Name) {
			r.b.logger.Warn("tool install method left no binary on PATH", "tool", tool.Name, "method", s.name)
			continue
		}
		return s.name
	}
	return installMissing
}

// available checks for the binary with command -v.
func (r *toolInstall) available(ctx context.Context, name string) bool {
	res, err := r.b.exec.Exec(ctx, r.containerID, runtime.ExecRequest{
		Cmd:  fmt.Sprintf("command -v %s", name),
		User: "root",
	})
	return err == nil && res.ExitCode == 0
}

// refreshIndex runs the package-index refresh, retrying up to the
// configured budget.
func (r *toolInstall) refreshIndex(ctx context.Context) error {
	if r.indexOK {
		return nil
	}
	var lastErr error
	for attempt := 1; attempt <= r.b.cfg.IndexRetries; attempt++ {
		res, err := r.b.exec.Exec(ctx, r.containerID, runtime.ExecRequest{Cmd: "apt-get update -y", User: "root"})
		if err != nil {
			lastErr = err
		} else if res.ExitCode != 0 {
			lastErr = fmt.Errorf("apt-get update exited %d: %s", res.ExitCode, tail(strings.TrimSpace(res.Combined()), 200))
		} else {
			r.indexOK = true
			return nil
		}
		r.b.logger.Warn("package index refresh failed", "attempt", attempt, "error", lastErr)
	}
	return fmt.Errorf("package index refresh failed after %d attempts: %w", r.b.cfg.IndexRetries, lastErr)
}

func (r *toolInstall) installPackage(ctx context.Context, tool Tool) error {
	if err := r.refreshIndex(ctx); err != nil {
		return err
	}
	cmd := fmt.Sprintf("apt-get install -y --no-install-recommends %s", tool.Package)
	res, err := r.b.exec.Exec(ctx, r.containerID, runtime.ExecRequest{Cmd: cmd, User: "root"})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("apt-get install exited %d: %s", res.ExitCode, tail(strings.TrimSpace(res.Combined()), 200))
	}
	return nil
}

func (r *toolInstall) installDownload(ctx context.Context, tool Tool) error {
	dest := "/usr/local/bin/" + tool.Name
	cmd := fmt.Sprintf("(curl -fsSL %[1]s -o %[2]s || wget -q %[1]s -O %[2]s) && chmod +x %[2]s", tool.DownloadURL, dest)
	res, err := r.b.exec.Exec(ctx, r.containerID, runtime.ExecRequest{Cmd: cmd, User: "root"})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("download of %s exited %d: %s", tool.DownloadURL, res.ExitCode, tail(strings.TrimSpace(res.Combined()), 200))
	}
	return nil
}

// installStub writes a script that prints an explanation and exits
// non-zero, so later tunnel attempts fail with a readable message
// instead of a bare command-not-found.
func (r *toolInstall) installStub(ctx context.Context, tool Tool) error {
	dest := "/usr/local/bin/" + tool.Name
	script := fmt.Sprintf(`#!/bin/sh\necho "%s is unavailable: automatic install failed in this sandbox" >&2\nexit 1\n`, tool.Name)
	cmd := fmt.Sprintf("printf '%s' > %s && chmod +x %s", script, dest, dest)
	res, err := r.b.exec.Exec(ctx, r.containerID, runtime.ExecRequest{Cmd: cmd, User: "root"})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("stub install exited %d: %s", res.ExitCode, strings.TrimSpace(res.Combined()))
	}
	return nil
}
