package httpapi

import (
	"errors"
	"log/slog"
	"sort"

	"github.com/jkaninda/okapi"
	"github.com/jkaninda/sanduku/internal/registry"
)

// --- Bulk Maintenance ---

// BulkResponse reports the outcome of an operation applied to every
// registered sandbox.
type BulkResponse struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

func (g *Gateway) handleStopAll(c *okapi.Context) error {
	operator := c.GetString("operatorID")
	if err := g.allow(operator, true); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	g.logger.Info("http stop all sandboxes", slog.String("operator", operator))
	res, err := g.svc.StopAll(c.Context())
	if err != nil {
		return g.sandboxError(c, "", err)
	}
	return c.OK(BulkResponse{Attempted: res.Attempted, Succeeded: res.Succeeded, Failed: res.Failed})
}

func (g *Gateway) handleDestroyAll(c *okapi.Context) error {
	operator := c.GetString("operatorID")
	if err := g.allow(operator, true); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	g.logger.Info("http destroy all sandboxes", slog.String("operator", operator))
	res, err := g.svc.DestroyAll(c.Context())
	if err != nil {
		return g.sandboxError(c, "", err)
	}
	return c.OK(BulkResponse{Attempted: res.Attempted, Succeeded: res.Succeeded, Failed: res.Failed})
}

// --- Settings ---

// SettingUpdateRequest is the JSON body for PUT /v1/settings. Key must be
// one of the registry setting keys; the value is parsed by the store.
type SettingUpdateRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (g *Gateway) handleSettingsGet(c *okapi.Context) error {
	st, err := g.store.Settings().Get(c.Context())
	if err != nil {
		return g.sandboxError(c, "", err)
	}
	return c.OK(st)
}

func (g *Gateway) handleSettingsUpdate(c *okapi.Context) error {
	operator := c.GetString("operatorID")

	var req SettingUpdateRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Key == "" {
		return c.AbortBadRequest("key is required")
	}

	if err := g.store.Settings().Update(c.Context(), req.Key, req.Value); err != nil {
		if errors.Is(err, registry.ErrInvalidSetting) {
			return c.AbortBadRequest("invalid setting key or value")
		}
		return g.sandboxError(c, "", err)
	}

	g.logger.Info("setting updated",
		slog.String("operator", operator),
		slog.String("key", req.Key),
		slog.String("value", req.Value),
	)

	st, err := g.store.Settings().Get(c.Context())
	if err != nil {
		return g.sandboxError(c, "", err)
	}
	return c.OK(st)
}

// --- Plans ---

func (g *Gateway) handlePlanList(c *okapi.Context) error {
	plans, err := g.store.Plans().List(c.Context())
	if err != nil {
		return g.sandboxError(c, "", err)
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].ID < plans[j].ID })
	return c.OK(plans)
}
