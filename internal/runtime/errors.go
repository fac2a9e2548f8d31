package runtime

import (
	"errors"
	"fmt"
	"strings"

	"github.com/docker/docker/client"
)

// Kind classifies an engine failure so callers can react without parsing
// daemon message strings.
type Kind string

const (
	KindNotFound            Kind = "not_found"
	KindNotRunning          Kind = "not_running"
	KindPermissionDenied    Kind = "permission_denied"
	KindResourceUnavailable Kind = "resource_unavailable"
	KindUnknown             Kind = "unknown"
)

// Error wraps an engine failure with its classification and the operation
// that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("runtime %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsNotFound reports whether err is a runtime error for a missing container.
func IsNotFound(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Kind == KindNotFound
}

// IsNotRunning reports whether err means the container exists but is not
// running, as for exec against a stopped container.
func IsNotRunning(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Kind == KindNotRunning
}

// IsUnavailable reports whether err means the engine itself is unreachable
// or out of resources.
func IsUnavailable(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Kind == KindResourceUnavailable
}

// classify wraps an engine error with a Kind. Returns nil for nil.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kindOf(err), Op: op, Err: err}
}

func kindOf(err error) Kind {
	if client.IsErrNotFound(err) {
		return KindNotFound
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no such container"),
		strings.Contains(msg, "no such exec"),
		strings.Contains(msg, "not found"):
		return KindNotFound
	case strings.Contains(msg, "is not running"),
		strings.Contains(msg, "is paused"):
		return KindNotRunning
	case strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "access is denied"):
		return KindPermissionDenied
	case strings.Contains(msg, "cannot connect to the docker daemon"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no space left"),
		strings.Contains(msg, "cannot allocate memory"):
		return KindResourceUnavailable
	default:
		return KindUnknown
	}
}
