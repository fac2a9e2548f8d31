package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/jkaninda/sanduku/internal/runtime"
	"github.com/jkaninda/sanduku/internal/sandbox"
)

const defaultStatsInterval = 2 * time.Second

// handleStatsStream upgrades GET /v1/sandboxes/{user_id}/stats/stream to a
// WebSocket and pushes one usage sample per interval until the sandbox
// stops, sampling fails, or the client disconnects.
func (g *Gateway) handleStatsStream(w http.ResponseWriter, r *http.Request) {
	operator, ok := g.operatorForRequest(r)
	if !ok {
		http.Error(w, `{"error":"missing or invalid API key"}`, http.StatusUnauthorized)
		return
	}

	userID, err := streamUserID(r.URL.Path)
	if err != nil {
		http.Error(w, `{"error":"invalid user_id"}`, http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Dashboards are served from their own origin behind the proxy.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		g.logger.Error("stats stream upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream aborted")

	g.logger.Info("stats stream opened",
		slog.String("operator", operator),
		slog.Int64("user_id", userID),
	)

	interval := g.config.StatsInterval
	if interval <= 0 {
		interval = defaultStatsInterval
	}

	ctx := r.Context()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Drain incoming frames so client close handshakes are noticed and
	// cancel the request context.
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		st, err := g.svc.Stats(ctx, userID)
		if err != nil {
			reason := "sampling failed"
			code := websocket.StatusInternalError
			if errors.Is(err, sandbox.ErrNotRunning) || errors.Is(err, sandbox.ErrNotFound) {
				reason = "sandbox is not running"
				code = websocket.StatusNormalClosure
			}
			conn.Close(code, reason)
			return
		}

		data, err := json.Marshal(toStatsResponse(st, time.Now()))
		if err != nil {
			conn.Close(websocket.StatusInternalError, "encoding failed")
			return
		}
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && ctx.Err() == nil {
				g.logger.Debug("stats stream write failed",
					slog.Int64("user_id", userID),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case <-ticker.C:
		}
	}
}

// streamUserID pulls the user id out of
// /v1/sandboxes/{user_id}/stats/stream without relying on router params,
// since the route is mounted as a raw handler.
func streamUserID(path string) (int64, error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 5 || parts[0] != "v1" || parts[1] != "sandboxes" {
		return 0, errors.New("unexpected path shape")
	}
	return strconv.ParseInt(parts[2], 10, 64)
}

func toStatsResponse(st *runtime.Stats, sampledAt time.Time) StatsResponse {
	return StatsResponse{
		CPUPercent:    st.CPUPercent,
		MemoryUsage:   st.MemoryUsage,
		MemoryLimit:   st.MemoryLimit,
		MemoryPercent: st.MemoryPercent,
		OnlineCPUs:    st.OnlineCPUs,
		Pids:          st.Pids,
		SampledAt:     sampledAt.UTC().Format(time.RFC3339),
	}
}
