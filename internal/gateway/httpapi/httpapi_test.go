package httpapi

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/jkaninda/sanduku/internal/sandbox"
)

func testGateway(keys map[string]string) *Gateway {
	return NewGateway(Config{APIKeys: keys}, nil, nil, nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func authedRequest(t *testing.T, key string) *http.Request {
	t.Helper()
	r, err := http.NewRequest(http.MethodGet, "/v1/sandboxes", nil)
	if err != nil {
		t.Fatal(err)
	}
	if key != "" {
		r.Header.Set("Authorization", "Bearer "+key)
	}
	return r
}

func TestErrorResponseStatuses(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"not found", sandbox.ErrNotFound, http.StatusNotFound},
		{"already exists", sandbox.ErrAlreadyExists, http.StatusConflict},
		{"not running", sandbox.ErrNotRunning, http.StatusConflict},
		{"maintenance", sandbox.ErrMaintenance, http.StatusServiceUnavailable},
		{"runtime unavailable",
			fmt.Errorf("stopping container: %w", sandbox.ErrRuntimeUnavailable),
			http.StatusServiceUnavailable},
		{"unknown plan", sandbox.ErrUnknownPlan, http.StatusBadRequest},
		{"startup timeout",
			&sandbox.StartupTimeoutError{Attempts: 3, Interval: time.Second},
			http.StatusGatewayTimeout},
		{"negotiation",
			&sandbox.NegotiationError{Reason: "no URL in log", Classification: sandbox.FailureUnknown},
			http.StatusBadGateway},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		status, body := errorResponse(tc.err)
		if status != tc.want {
			t.Errorf("%s: status = %d, want %d", tc.name, status, tc.want)
		}
		if body["error"] == "" {
			t.Errorf("%s: empty error body", tc.name)
		}
	}
}

func TestRuntimeUnavailableNotGeneric(t *testing.T) {
	status, body := errorResponse(fmt.Errorf("exec: %w", sandbox.ErrRuntimeUnavailable))
	if status != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", status)
	}
	if body["error"] == "operation failed" {
		t.Error("engine outage fell through to the generic response")
	}
}

func TestOperatorForRequest(t *testing.T) {
	g := testGateway(map[string]string{"key-one": "alice", "key-two": "bob"})

	operator, ok := g.operatorForRequest(authedRequest(t, "key-two"))
	if !ok || operator != "bob" {
		t.Errorf("operatorForRequest = (%q, %v), want (bob, true)", operator, ok)
	}

	if _, ok := g.operatorForRequest(authedRequest(t, "wrong")); ok {
		t.Error("invalid key accepted")
	}
	if _, ok := g.operatorForRequest(authedRequest(t, "")); ok {
		t.Error("missing header accepted")
	}

	r := authedRequest(t, "")
	r.Header.Set("Authorization", "Basic key-one")
	if _, ok := g.operatorForRequest(r); ok {
		t.Error("non-bearer scheme accepted")
	}
}

func TestOperatorKeyStable(t *testing.T) {
	if operatorKey("alice") != operatorKey("alice") {
		t.Error("key not deterministic")
	}
	if operatorKey("alice") == operatorKey("bob") {
		t.Error("distinct operators collided")
	}
}

func TestStreamUserID(t *testing.T) {
	id, err := streamUserID("/v1/sandboxes/12345/stats/stream")
	if err != nil || id != 12345 {
		t.Errorf("streamUserID = (%d, %v), want 12345", id, err)
	}

	for _, path := range []string{
		"/v1/sandboxes/abc/stats/stream",
		"/v1/sandboxes/12345/stats",
		"/other/sandboxes/12345/stats/stream",
	} {
		if _, err := streamUserID(path); err == nil {
			t.Errorf("streamUserID(%q) accepted", path)
		}
	}
}
