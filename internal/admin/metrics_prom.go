package admin

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	promRequestsTotal = prometheus.NewDesc("gateway_proxy_requests_total", "Total proxied requests observed since process start.", nil, nil)
	promRequestsInfl  = prometheus.NewDesc("gateway_proxy_requests_inflight", "Requests currently in flight.", nil, nil)
	promSuccess       = prometheus.NewDesc("gateway_proxy_success_total", "Upstream responses with a 2xx status.", nil, nil)
	promFailure       = prometheus.NewDesc("gateway_proxy_failure_total", "Upstream responses with a non-2xx status other than 404.", nil, nil)
	promNetworkErrors = prometheus.NewDesc("gateway_proxy_network_errors_total", "Requests that failed with a transport error other than a timeout before a response was received.", nil, nil)
	promUpstreamUp    = prometheus.NewDesc("gateway_proxy_upstream_cooldown_ms", "Milliseconds until an upstream's cooldown expires (0 if eligible now).", []string{"upstream"}, nil)
)

// promCollector adapts (*router.State).StatsSnapshot/ListUpstreams to the
// Prometheus Collector interface, gathered fresh on every scrape rather
// than cached, matching the semantics of the JSON stats/metrics endpoints.
type promCollector struct {
	h *Handler
}

func (p *promCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- promRequestsTotal
	ch <- promRequestsInfl
	ch <- promSuccess
	ch <- promFailure
	ch <- promNetworkErrors
	ch <- promUpstreamUp
}

func (p *promCollector) Collect(ch chan<- prometheus.Metric) {
	snap := p.h.State.StatsSnapshot()
	ch <- prometheus.MustNewConstMetric(promRequestsTotal, prometheus.CounterValue, float64(snap.RequestsTotal))
	ch <- prometheus.MustNewConstMetric(promRequestsInfl, prometheus.GaugeValue, float64(snap.RequestsInflt))
	ch <- prometheus.MustNewConstMetric(promSuccess, prometheus.CounterValue, float64(snap.Success))
	ch <- prometheus.MustNewConstMetric(promFailure, prometheus.CounterValue, float64(snap.Failure))
	ch <- prometheus.MustNewConstMetric(promNetworkErrors, prometheus.CounterValue, float64(snap.NetworkErrors))

	nowMs := time.Now().UnixMilli()
	for _, u := range p.h.State.ListUpstreams() {
		remaining := u.CooldownMs - nowMs
		if remaining < 0 {
			remaining = 0
		}
		ch <- prometheus.MustNewConstMetric(promUpstreamUp, prometheus.GaugeValue, float64(remaining), u.ID)
	}
}

// MetricsProm handles GET /admin/metrics/prom: a Prometheus text-exposition
// view of the same counters backing GET /admin/api/v1/stats and
// GET /admin/api/v1/upstreams, additive to (never a replacement for) the
// JSON endpoints. The bucketed counters of GET /admin/api/v1/metrics are not
// exported here.
func (h *Handler) MetricsProm(c *gin.Context) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(&promCollector{h: h})
	promhttp.HandlerFor(reg, promhttp.HandlerOpts{}).ServeHTTP(c.Writer, c.Request)
}
