package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/user/llm-proxy-go/internal/apierr"
	"github.com/user/llm-proxy-go/internal/router"
)

// Stats handles GET /admin/api/v1/stats.
func (h *Handler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.State.StatsSnapshot())
}

// statsStreamTick is one StatsStream SSE payload: the point-in-time stats
// snapshot augmented with rps, the delta of requests_total since the
// previous emission divided by the elapsed wall-clock time.
type statsStreamTick struct {
	router.StatsSnapshot
	Rps float64 `json:"rps"`
}

// StatsStream handles GET /admin/api/v1/stats/stream: a 1 Hz server-sent
// events feed of the stats snapshot, augmented with a computed rps field.
func (h *Handler) StatsStream(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		apierr.Write(c, apierr.InternalError("streaming unsupported"))
		return
	}

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	prevTotal := h.State.StatsSnapshot().RequestsTotal
	prevTime := time.Now()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := h.State.StatsSnapshot()
			now := time.Now()
			rps := computeRps(prevTotal, snap.RequestsTotal, now.Sub(prevTime))
			prevTotal = snap.RequestsTotal
			prevTime = now

			data, err := json.Marshal(statsStreamTick{StatsSnapshot: snap, Rps: rps})
			if err != nil {
				continue
			}
			fmt.Fprintf(c.Writer, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// computeRps returns the request rate implied by a requests_total delta
// over elapsed wall-clock time, or 0 if elapsed is non-positive.
func computeRps(prevTotal, total int64, elapsed time.Duration) float64 {
	secs := elapsed.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(total-prevTotal) / secs
}

// Requests handles GET /admin/api/v1/requests?limit=N.
func (h *Handler) Requests(c *gin.Context) {
	limit := parseLimit(c, 200)
	c.JSON(http.StatusOK, gin.H{"requests": h.State.RequestsLog.Recent(limit)})
}

// Metrics handles GET /admin/api/v1/metrics?window=minute|hour|day.
func (h *Handler) Metrics(c *gin.Context) {
	window := c.DefaultQuery("window", "minute")
	w := h.State.Metrics.Window(window)
	if w == nil {
		apierr.Write(c, apierr.BadRequest("window must be one of minute, hour, day"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"window": window, "buckets": w.Buckets()})
}

// ArchivedRequests handles GET /admin/api/v1/requests/archive?limit=&before_id=,
// paging through request-log entries that have aged out of the live ring
// buffer. Returns 404 if no archive store is configured.
func (h *Handler) ArchivedRequests(c *gin.Context) {
	if h.Archive == nil {
		apierr.Write(c, apierr.NotFound())
		return
	}
	limit := parseLimit(c, 200)
	var beforeID int64
	if raw := c.Query("before_id"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			beforeID = n
		}
	}
	entries, err := h.Archive.Recent(limit, beforeID)
	if err != nil {
		apierr.Write(c, apierr.InternalError(err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": entries})
}
