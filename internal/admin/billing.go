package admin

import (
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"github.com/user/llm-proxy-go/internal/apierr"
)

type createBillingKeyRequest struct {
	Key     string `json:"key"`
	Balance int64  `json:"balance"`
}

// CreateBillingKey handles POST /admin/api/v1/billing/keys.
func (h *Handler) CreateBillingKey(c *gin.Context) {
	var req createBillingKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.Write(c, apierr.BadRequest(err.Error()))
		return
	}
	if req.Key == "" {
		apierr.Write(c, apierr.BadRequest("key is required"))
		return
	}
	if !h.Billing.Create(req.Key, req.Balance) {
		apierr.Write(c, apierr.KeyExists())
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": req.Key, "balance": req.Balance})
}

// GetBillingKey handles GET /admin/api/v1/billing/keys/{key}.
func (h *Handler) GetBillingKey(c *gin.Context) {
	key := c.Param("key")
	balance, ok := h.Billing.Get(key)
	if !ok {
		apierr.Write(c, apierr.KeyNotFound())
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "balance": balance})
}

type adjustBillingKeyRequest struct {
	Delta int64 `json:"delta"`
}

// AdjustBillingKey handles POST /admin/api/v1/billing/keys/{key}/adjust.
func (h *Handler) AdjustBillingKey(c *gin.Context) {
	key := c.Param("key")
	var req adjustBillingKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.Write(c, apierr.BadRequest(err.Error()))
		return
	}
	balance, ok := h.Billing.Adjust(key, req.Delta)
	if !ok {
		apierr.Write(c, apierr.KeyNotFound())
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "balance": balance})
}

// ExportBackup handles POST /admin/api/v1/backup/export: it writes a JSON
// snapshot of every upstream's credential set to data_dir/backup_export.json.
func (h *Handler) ExportBackup(c *gin.Context) {
	path := filepath.Join(h.DataDir, "backup_export.json")
	if err := h.Creds.ExportJSON(path); err != nil {
		apierr.Write(c, apierr.InternalError(err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": path})
}

// ImportBackup handles POST /admin/api/v1/backup/import: it restores
// per-upstream credential sets from data_dir/backup_export.json and
// triggers a reload so the live snapshot picks them up.
func (h *Handler) ImportBackup(c *gin.Context) {
	path := filepath.Join(h.DataDir, "backup_export.json")
	if err := h.Creds.ImportJSON(path); err != nil {
		apierr.Write(c, apierr.InternalError(err.Error()))
		return
	}
	if err := h.State.Reload(); err != nil {
		apierr.Write(c, apierr.InternalError(err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
