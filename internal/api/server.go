// Package api wires the admin and proxy handlers onto a gin.Engine: the
// health check, the static admin UI stub, the token-gated admin API, and
// the catch-all OpenAI-compatible proxy surface.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/user/llm-proxy-go/internal/admin"
	"github.com/user/llm-proxy-go/internal/api/middleware"
	"github.com/user/llm-proxy-go/internal/apierr"
	"github.com/user/llm-proxy-go/internal/proxyhandler"
)

// Deps holds the constructed handlers a Server routes requests to.
type Deps struct {
	Proxy  *proxyhandler.Handler
	Admin  *admin.Handler
	Logger *zap.Logger
}

// NewEngine builds the gin.Engine with every route registered.
func NewEngine(deps Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.NoMethod(func(c *gin.Context) { apierr.Write(c, apierr.MethodNotAllowed()) })
	r.Use(middleware.Logger(deps.Logger), middleware.SecurityHeaders(), gin.Recovery())

	r.GET("/health", deps.Proxy.Health)

	r.GET("/admin/", serveAdminIndex)
	r.GET("/admin/app.js", serveAdminAppJS)
	r.GET("/admin/metrics/prom", deps.Admin.Auth, deps.Admin.MetricsProm)

	adminAPI := r.Group("/admin/api/v1")
	adminAPI.Use(deps.Admin.Auth)
	{
		adminAPI.GET("/upstreams", deps.Admin.ListUpstreams)
		adminAPI.POST("/upstreams", deps.Admin.AddUpstream)
		adminAPI.PUT("/upstreams/:id", deps.Admin.UpdateUpstream)
		adminAPI.DELETE("/upstreams/:id", deps.Admin.DeleteUpstream)

		adminAPI.GET("/upstreams/:id/keys", deps.Admin.ListKeys)
		adminAPI.POST("/upstreams/:id/keys", deps.Admin.AddKeys)
		adminAPI.PUT("/upstreams/:id/keys", deps.Admin.ReplaceKeys)
		adminAPI.DELETE("/upstreams/:id/keys", deps.Admin.DeleteKeys)

		adminAPI.POST("/upstreams/:id/models/refresh", deps.Admin.RefreshModels)

		adminAPI.GET("/models/routes", deps.Admin.GetModelRoutes)
		adminAPI.PUT("/models/routes", deps.Admin.PutModelRoutes)

		adminAPI.POST("/reload", deps.Admin.Reload)

		adminAPI.GET("/stats", deps.Admin.Stats)
		adminAPI.GET("/stats/stream", deps.Admin.StatsStream)
		adminAPI.GET("/requests", deps.Admin.Requests)
		adminAPI.GET("/requests/archive", deps.Admin.ArchivedRequests)
		adminAPI.GET("/metrics", deps.Admin.Metrics)

		adminAPI.POST("/billing/keys", deps.Admin.CreateBillingKey)
		adminAPI.GET("/billing/keys/:key", deps.Admin.GetBillingKey)
		adminAPI.POST("/billing/keys/:key/adjust", deps.Admin.AdjustBillingKey)

		adminAPI.POST("/backup/export", deps.Admin.ExportBackup)
		adminAPI.POST("/backup/import", deps.Admin.ImportBackup)
	}

	// Everything else — /v1/models, /v1/chat/completions, etc — falls
	// through to the proxy pipeline.
	r.NoRoute(deps.Proxy.ServeHTTP)

	return r
}

const adminIndexHTML = `<!doctype html>
<html>
<head><title>gateway-proxy admin</title></head>
<body>
<div id="app">loading...</div>
<script src="/admin/app.js"></script>
</body>
</html>
`

func serveAdminIndex(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(adminIndexHTML))
}

const adminAppJS = `// Minimal admin console: lists upstreams and recent stats by polling
// the admin API. Full UI is an external concern.
async function authedFetch(path) {
  const token = localStorage.getItem("gateway_proxy_admin_token") || "";
  const res = await fetch(path, { headers: { "X-Admin-Token": token } });
  return res.json();
}

async function refresh() {
  const app = document.getElementById("app");
  try {
    const [upstreams, stats] = await Promise.all([
      authedFetch("/admin/api/v1/upstreams"),
      authedFetch("/admin/api/v1/stats"),
    ]);
    app.textContent = JSON.stringify({ upstreams, stats }, null, 2);
  } catch (e) {
    app.textContent = "error: " + e;
  }
}

refresh();
setInterval(refresh, 5000);
`

func serveAdminAppJS(c *gin.Context) {
	c.Data(http.StatusOK, "application/javascript; charset=utf-8", []byte(adminAppJS))
}
