// Package admin implements the administrative HTTP surface: upstream and
// credential CRUD, model routing table management, reload, stats, the
// recent-request log, bucketed metrics and billing-key administration.
package admin

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/user/llm-proxy-go/internal/apierr"
	"github.com/user/llm-proxy-go/internal/archive"
	"github.com/user/llm-proxy-go/internal/billing"
	"github.com/user/llm-proxy-go/internal/credstore"
	"github.com/user/llm-proxy-go/internal/router"
)

// Handler holds the dependencies every admin route needs.
type Handler struct {
	State    *router.State
	Billing  *billing.Store
	Creds    *credstore.Store
	Archive  *archive.Store // optional; nil disables the archive endpoint
	Logger   *zap.Logger
	Client   *http.Client
	DataDir  string

	AdminTokens map[string]struct{}
}

// NewHandler constructs an admin Handler with a short-timeout client used
// only for the upstream model-refresh probe. archiveStore may be nil.
func NewHandler(state *router.State, store *billing.Store, creds *credstore.Store, archiveStore *archive.Store, logger *zap.Logger, dataDir string, adminTokens map[string]struct{}) *Handler {
	return &Handler{
		State:       state,
		Billing:     store,
		Creds:       creds,
		Archive:     archiveStore,
		Logger:      logger,
		Client:      &http.Client{Timeout: 10 * time.Second},
		DataDir:     dataDir,
		AdminTokens: adminTokens,
	}
}

// Auth is the admin-token gate mounted in front of every /admin/api/v1 route.
func (h *Handler) Auth(c *gin.Context) {
	token := c.GetHeader("X-Admin-Token")
	if token == "" {
		apierr.Write(c, apierr.AdminUnauthorized())
		return
	}
	if _, ok := h.AdminTokens[token]; !ok {
		apierr.Write(c, apierr.AdminUnauthorized())
		return
	}
	c.Next()
}

// ListUpstreams handles GET /admin/api/v1/upstreams.
func (h *Handler) ListUpstreams(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"upstreams": h.State.ListUpstreams()})
}

type addUpstreamRequest struct {
	ID      string `json:"id"`
	BaseURL string `json:"base_url"`
	Weight  int    `json:"weight"`
}

// AddUpstream handles POST /admin/api/v1/upstreams.
func (h *Handler) AddUpstream(c *gin.Context) {
	var req addUpstreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.Write(c, apierr.BadRequest(err.Error()))
		return
	}
	if req.ID == "" || req.BaseURL == "" {
		apierr.Write(c, apierr.BadRequest("id and base_url are required"))
		return
	}
	if req.Weight == 0 {
		req.Weight = 1
	}
	if err := h.State.AddUpstream(router.UpstreamConfig{ID: req.ID, BaseURL: req.BaseURL, Weight: req.Weight}); err != nil {
		apierr.Write(c, apierr.BadRequest(err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type updateUpstreamRequest struct {
	BaseURL *string `json:"base_url"`
	Weight  *int    `json:"weight"`
}

// UpdateUpstream handles PUT /admin/api/v1/upstreams/{id}.
func (h *Handler) UpdateUpstream(c *gin.Context) {
	id := c.Param("id")
	var req updateUpstreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.Write(c, apierr.BadRequest(err.Error()))
		return
	}
	if err := h.State.UpdateUpstream(id, req.BaseURL, req.Weight); err != nil {
		apierr.Write(c, apierr.NotFound())
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// DeleteUpstream handles DELETE /admin/api/v1/upstreams/{id}?delete_keys=0|1.
func (h *Handler) DeleteUpstream(c *gin.Context) {
	id := c.Param("id")
	deleteKeys := c.Query("delete_keys") == "1"
	if err := h.State.DeleteUpstream(id, deleteKeys); err != nil {
		apierr.Write(c, apierr.NotFound())
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// ListKeys handles GET /admin/api/v1/upstreams/{id}/keys.
func (h *Handler) ListKeys(c *gin.Context) {
	id := c.Param("id")
	keys, err := h.Creds.LoadAll(id)
	if err != nil {
		apierr.Write(c, apierr.InternalError(err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys, "count": len(keys)})
}

// AddKeys handles POST /admin/api/v1/upstreams/{id}/keys. The body accepts
// either application/json (`{keys:[...], dedupe:bool}`, default
// dedupe=true) or text/plain (one credential per line).
func (h *Handler) AddKeys(c *gin.Context) {
	id := c.Param("id")
	keys, err := parseKeysBody(c)
	if err != nil {
		apierr.Write(c, apierr.BadRequest(err.Error()))
		return
	}
	inserted, existed, err := h.State.AddKeys(id, keys)
	if err != nil {
		apierr.Write(c, apierr.BadRequest(err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"inserted": inserted, "existed": existed})
}

// ReplaceKeys handles PUT /admin/api/v1/upstreams/{id}/keys. Body format is
// the same as AddKeys.
func (h *Handler) ReplaceKeys(c *gin.Context) {
	id := c.Param("id")
	keys, err := parseKeysBody(c)
	if err != nil {
		apierr.Write(c, apierr.BadRequest(err.Error()))
		return
	}
	if err := h.State.ReplaceKeys(id, keys); err != nil {
		apierr.Write(c, apierr.BadRequest(err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "count": len(keys)})
}

// DeleteKeys handles DELETE /admin/api/v1/upstreams/{id}/keys. Body format
// is the same as AddKeys.
func (h *Handler) DeleteKeys(c *gin.Context) {
	id := c.Param("id")
	keys, err := parseKeysBody(c)
	if err != nil {
		apierr.Write(c, apierr.BadRequest(err.Error()))
		return
	}
	removed, err := h.State.DeleteKeys(id, keys)
	if err != nil {
		apierr.Write(c, apierr.BadRequest(err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// RefreshModels handles POST /admin/api/v1/upstreams/{id}/models/refresh: it
// fetches /v1/models from the upstream using one eligible credential and
// reports the model list observed, without mutating the routing table.
func (h *Handler) RefreshModels(c *gin.Context) {
	id := c.Param("id")
	snap := h.State.Snapshot()
	u, ok := snap.UpstreamByID(id)
	if !ok {
		apierr.Write(c, apierr.NotFound())
		return
	}

	cred := u.EligibleCredential(time.Now().UnixMilli())

	uri, err := u.BuildUpstreamURI("/v1/models")
	if err != nil {
		apierr.Write(c, apierr.InvalidUpstreamURI(err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		apierr.Write(c, apierr.InternalError(err.Error()))
		return
	}
	if cred != nil {
		req.Header.Set("Authorization", cred.AuthHdr)
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		apierr.Write(c, apierr.UpstreamError(err.Error()))
		return
	}
	defer resp.Body.Close()

	c.Status(resp.StatusCode)
	c.Header("Content-Type", resp.Header.Get("Content-Type"))
	_, _ = c.Writer.ReadFrom(resp.Body)
}

// GetModelRoutes handles GET /admin/api/v1/models/routes.
func (h *Handler) GetModelRoutes(c *gin.Context) {
	routes, err := h.State.GetModelRoutes()
	if err != nil {
		apierr.Write(c, apierr.InternalError(err.Error()))
		return
	}
	c.JSON(http.StatusOK, routes)
}

type putModelRoutesRequest struct {
	Upstreams map[string][]string `json:"upstreams"`
}

// PutModelRoutes handles PUT /admin/api/v1/models/routes.
func (h *Handler) PutModelRoutes(c *gin.Context) {
	var req putModelRoutesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.Write(c, apierr.BadRequest(err.Error()))
		return
	}
	routes, err := h.State.PutModelRoutes(req.Upstreams)
	if err != nil {
		apierr.Write(c, apierr.InternalError(err.Error()))
		return
	}
	c.JSON(http.StatusOK, routes)
}

// Reload handles POST /admin/api/v1/reload.
func (h *Handler) Reload(c *gin.Context) {
	if err := h.State.Reload(); err != nil {
		apierr.Write(c, apierr.InternalError(err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// parseLimit parses the ?limit=N query parameter, defaulting via the
// supplied fallback when absent or malformed.
func parseLimit(c *gin.Context, fallback int) int {
	raw := c.Query("limit")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
