package sandbox

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/sanduku/internal/runtime"
)

// fakeShell scripts the in-container commands the provisioning flow
// runs: credential tooling, package installs, process management and
// the tunnel client log. Knobs make individual steps fail.
type fakeShell struct {
	mu      sync.Mutex
	history []shellCall

	execErr error // transport failure for every command

	// Tool availability for command -v.
	missing map[string]bool

	// Credential knobs.
	useraddFails  bool
	opensslFails  bool
	usermodFails  bool
	chpasswdFails bool

	// Bootstrap knobs.
	aptUpdateFailures int  // this many apt-get update calls fail first
	aptInstallFails   bool // apt-get install exits non-zero
	aptInstallNoop    bool // install exits zero but leaves no binary
	downloadFails     bool
	stubFails         bool

	// Tunnel knobs and state.
	ttydRunning bool
	clientAlive bool
	clientLog   string // log content once readable
	logAfter    int    // cat fails until this many cat calls happened
	dieAfter    int    // client dies once this many cat calls happened
	catCalls    int
}

type shellCall struct {
	User string
	Cmd  string
}

func newFakeShell() *fakeShell {
	return &fakeShell{missing: make(map[string]bool)}
}

// exec matches the runtimetest.FakeRuntime ExecFn signature.
func (s *fakeShell) exec(id string, req runtime.ExecRequest) (*runtime.ExecResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.execErr != nil {
		return nil, s.execErr
	}
	cmd := req.Cmd
	s.history = append(s.history, shellCall{User: req.User, Cmd: cmd})

	ok := func(out string) (*runtime.ExecResult, error) {
		return &runtime.ExecResult{Stdout: out}, nil
	}
	fail := func(code int, msg string) (*runtime.ExecResult, error) {
		return &runtime.ExecResult{ExitCode: code, Stderr: msg}, nil
	}

	switch {
	case strings.HasPrefix(cmd, "command -v "):
		name := strings.TrimPrefix(cmd, "command -v ")
		if s.missing[name] {
			return fail(1, "")
		}
		return ok("/usr/bin/" + name + "\n")

	case strings.HasPrefix(cmd, "id -u "):
		if s.useraddFails {
			return fail(1, "useradd: cannot create user")
		}
		return ok("")

	case strings.HasPrefix(cmd, "openssl passwd -6"):
		if s.opensslFails {
			return fail(127, "sh: 1: openssl: not found")
		}
		return ok("$6$4fz0qL$scriptedhashvalue\n")

	case strings.HasPrefix(cmd, "usermod -p"):
		if s.usermodFails {
			return fail(6, "usermod: user does not exist")
		}
		return ok("")

	case strings.Contains(cmd, "chpasswd"):
		if s.chpasswdFails {
			return fail(1, "chpasswd: (user devuser) pam_chauthtok() failed")
		}
		return ok("")

	case strings.HasPrefix(cmd, "apt-get update"):
		if s.aptUpdateFailures > 0 {
			s.aptUpdateFailures--
			return fail(100, "E: Failed to fetch package index")
		}
		return ok("")

	case strings.HasPrefix(cmd, "apt-get install"):
		if s.aptInstallFails {
			return fail(100, "E: Unable to locate package")
		}
		if !s.aptInstallNoop {
			fields := strings.Fields(cmd)
			s.missing[fields[len(fields)-1]] = false
		}
		return ok("")

	case strings.Contains(cmd, "curl -fsSL"), strings.Contains(cmd, "wget -q"):
		if s.downloadFails {
			return fail(22, "curl: (22) The requested URL returned error: 404")
		}
		if name := binFromPath(cmd); name != "" {
			s.missing[name] = false
		}
		return ok("")

	case strings.HasPrefix(cmd, "printf") && strings.Contains(cmd, "chmod"):
		if s.stubFails {
			return fail(1, "sh: cannot create file")
		}
		if name := binFromPath(cmd); name != "" {
			s.missing[name] = false
		}
		return ok("")

	case cmd == "pgrep ttyd":
		if s.ttydRunning {
			return ok("42\n")
		}
		return fail(1, "")

	case strings.Contains(cmd, "nohup ttyd"):
		s.ttydRunning = true
		return ok("")

	case strings.HasPrefix(cmd, "pkill"):
		s.clientAlive = false
		return fail(1, "")

	case strings.Contains(cmd, "nohup cloudflared"):
		s.clientAlive = true
		s.catCalls = 0
		return ok("")

	case strings.HasPrefix(cmd, "cat "):
		s.catCalls++
		if s.dieAfter > 0 && s.catCalls >= s.dieAfter {
			s.clientAlive = false
		}
		if s.logAfter > 0 && s.catCalls < s.logAfter {
			return fail(1, "cat: /tmp/cloudflared.log: No such file or directory")
		}
		return ok(s.clientLog)

	case strings.HasPrefix(cmd, "pgrep -f"):
		if s.clientAlive {
			return ok("97\n")
		}
		return fail(1, "")
	}
	return ok("")
}

func binFromPath(cmd string) string {
	for _, f := range strings.Fields(cmd) {
		f = strings.Trim(f, "()'")
		if strings.HasPrefix(f, "/usr/local/bin/") {
			return strings.TrimPrefix(f, "/usr/local/bin/")
		}
	}
	return ""
}

// commands returns every command run so far.
func (s *fakeShell) commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.history))
	for i, c := range s.history {
		out[i] = c.Cmd
	}
	return out
}

// ran reports whether any command contains the substring.
func (s *fakeShell) ran(substr string) bool {
	for _, cmd := range s.commands() {
		if strings.Contains(cmd, substr) {
			return true
		}
	}
	return false
}

// countRuns counts commands containing the substring.
func (s *fakeShell) countRuns(substr string) int {
	n := 0
	for _, cmd := range s.commands() {
		if strings.Contains(cmd, substr) {
			n++
		}
	}
	return n
}

// shellExecer adapts fakeShell to the execer interface for components
// driven outside a fake runtime.
type shellExecer struct{ shell *fakeShell }

func (e shellExecer) Exec(ctx context.Context, id string, req runtime.ExecRequest) (*runtime.ExecResult, error) {
	return e.shell.exec(id, req)
}

// noSleep is a sleep stub for polling tests.
func noSleep(ctx context.Context, d time.Duration) error { return nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
