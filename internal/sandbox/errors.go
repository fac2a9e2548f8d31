package sandbox

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound indicates the user has no registered sandbox.
	ErrNotFound = errors.New("sandbox not found")
	// ErrAlreadyExists indicates the user already has a registered sandbox.
	ErrAlreadyExists = errors.New("sandbox already exists")
	// ErrMaintenance indicates maintenance mode rejected the operation.
	ErrMaintenance = errors.New("maintenance mode is active")
	// ErrNotRunning indicates the sandbox container is not running.
	ErrNotRunning = errors.New("sandbox is not running")
	// ErrRuntimeUnavailable indicates the container engine itself is
	// unreachable; runtime-touching operations short-circuit to it.
	ErrRuntimeUnavailable = errors.New("container runtime is unavailable")
	// ErrUnknownPlan indicates the requested resource plan does not exist.
	ErrUnknownPlan = errors.New("unknown resource plan")
)

// StartupTimeoutError indicates a created container never reached the
// running state within the readiness budget. The container has already
// been force-removed when this is returned.
type StartupTimeoutError struct {
	Attempts int
	Interval time.Duration
}

func (e *StartupTimeoutError) Error() string {
	return fmt.Sprintf("container did not become ready after %d checks %v apart", e.Attempts, e.Interval)
}

// Failure classifications attached to a NegotiationError, derived from
// keywords in the tunnel client log.
const (
	FailurePermission     = "permission"
	FailureNetwork        = "network"
	FailureAuthentication = "authentication"
	FailureUnknown        = "unknown"
)

// NegotiationError indicates the terminal tunnel could not be
// established. LogTail carries the end of the tunnel client log so the
// caller can surface it for diagnosis.
type NegotiationError struct {
	Reason         string
	Classification string
	LogTail        string
}

func (e *NegotiationError) Error() string {
	if e.Classification == "" || e.Classification == FailureUnknown {
		return fmt.Sprintf("tunnel negotiation failed: %s", e.Reason)
	}
	return fmt.Sprintf("tunnel negotiation failed (%s): %s", e.Classification, e.Reason)
}

// classifyFailure buckets a tunnel client log into a coarse failure
// class by keyword. First matching class wins.
func classifyFailure(log string) string {
	l := strings.ToLower(log)
	switch {
	case containsAny(l, "permission denied", "operation not permitted", "access denied"):
		return FailurePermission
	case containsAny(l, "unauthorized", "forbidden", "authentication", "login required", "certificate", "credential"):
		return FailureAuthentication
	case containsAny(l, "connection refused", "no such host", "network is unreachable", "i/o timeout", "timed out", "dns", "no route to host", "dial tcp"):
		return FailureNetwork
	default:
		return FailureUnknown
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// tail returns the last n bytes of s, cutting at the preceding line
// boundary when one is close.
func tail(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	t := s[len(s)-n:]
	if i := strings.IndexByte(t, '\n'); i >= 0 && i < len(t)-1 {
		return t[i+1:]
	}
	return t
}
