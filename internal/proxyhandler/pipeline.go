package proxyhandler

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/user/llm-proxy-go/internal/apierr"
	"github.com/user/llm-proxy-go/internal/billing"
	"github.com/user/llm-proxy-go/internal/router"
)

const maxBodyBytes = 16 << 20 // 16 MiB

const maxRetries = 5

var bearerPattern = regexp.MustCompile(`(?i)^bearer\s+(.+)$`)

// Handler wires the router state, billing store and upstream HTTP client
// together into the request-forwarding pipeline.
type Handler struct {
	State   *router.State
	Billing *billing.Store
	Logger  *zap.Logger

	Client *http.Client

	RequestTimeout time.Duration

	ProxyTokens map[string]struct{}

	// UsageInjectUpstreams names the upstream ids for which a streaming
	// chat-completion request gets stream_options.include_usage forced on.
	UsageInjectUpstreams map[string]struct{}
}

// NewHandler builds a Handler with a connection-pooled client shared across
// every forwarded request.
func NewHandler(state *router.State, store *billing.Store, logger *zap.Logger, requestTimeout time.Duration, proxyTokens, usageInjectUpstreams map[string]struct{}) *Handler {
	return &Handler{
		State:   state,
		Billing: store,
		Logger:  logger,
		Client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        200,
				MaxIdleConnsPerHost: 50,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		RequestTimeout:       requestTimeout,
		ProxyTokens:          proxyTokens,
		UsageInjectUpstreams: usageInjectUpstreams,
	}
}

// Health answers GET /health.
func (h *Handler) Health(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

// ServeHTTP is the forwarding entry point mounted as the catch-all route:
// everything that isn't /health or under /admin lands here.
func (h *Handler) ServeHTTP(c *gin.Context) {
	if !h.checkProxyAuth(c) {
		return
	}

	billingKey, ok := h.identifyCaller(c)
	if !ok {
		return
	}

	done := h.State.BeginRequest()
	defer done()

	if isModelsList(c.Request.Method, c.Request.URL.Path) {
		h.respondModelsList(c)
		return
	}

	start := time.Now()
	body, ok := h.bufferBody(c)
	if !ok {
		return
	}

	model, ok := h.extractModel(c, body)
	if !ok {
		return
	}

	if !h.modelKnown(model) {
		apierr.Write(c, apierr.ModelNotFound(model))
		return
	}

	nowMs := time.Now().UnixMilli()
	sel, ok := h.State.SelectForModel(model, nowMs)
	if !ok {
		apierr.Write(c, apierr.ModelUnavailable(model))
		return
	}

	reqPath := c.Request.URL.Path
	isStreamingChat := reqPath == "/v1/chat/completions" && gjson.GetBytes(body, "stream").Bool()
	body = h.maybeInjectUsageHint(body, isStreamingChat, sel.Upstream.ID)

	h.forward(c, sel, model, reqPath, body, billingKey, start)
}

// requestID returns the client-supplied X-Request-Id header, or generates a
// fresh uuid so archive/request-log correlation still works for callers
// that omit it.
func requestID(c *gin.Context) string {
	if id := c.GetHeader("X-Request-Id"); id != "" {
		return id
	}
	return uuid.NewString()
}

func (h *Handler) checkProxyAuth(c *gin.Context) bool {
	if len(h.ProxyTokens) == 0 {
		return true
	}
	token := c.GetHeader("X-Proxy-Token")
	if token == "" {
		apierr.Write(c, apierr.ProxyUnauthorized())
		return false
	}
	if _, ok := h.ProxyTokens[token]; !ok {
		apierr.Write(c, apierr.ProxyUnauthorized())
		return false
	}
	return true
}

// identifyCaller extracts and validates the billing key: missing credential,
// unknown key, and an insufficient balance each produce a distinct 401.
func (h *Handler) identifyCaller(c *gin.Context) (string, bool) {
	key := c.GetHeader("X-API-Key")
	if key == "" {
		if auth := c.GetHeader("Authorization"); auth != "" {
			if m := bearerPattern.FindStringSubmatch(auth); m != nil {
				key = m[1]
			}
		}
	}
	if key == "" {
		apierr.Write(c, apierr.APIKeyRequired())
		return "", false
	}

	balance, exists := h.Billing.Get(key)
	if !exists {
		apierr.Write(c, apierr.APIKeyInvalid())
		return "", false
	}
	if balance < 0 {
		apierr.Write(c, apierr.BalanceInsufficient())
		return "", false
	}
	return key, true
}

func isModelsList(method, path string) bool {
	return method == http.MethodGet && (path == "/v1/models" || path == "/v1/models/")
}

func (h *Handler) respondModelsList(c *gin.Context) {
	snap := h.State.Snapshot()
	models := snap.AggregatedModels()
	sort.Strings(models)

	data := make([]gin.H, 0, len(models))
	for _, m := range models {
		data = append(data, gin.H{"id": m, "object": "model"})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

func (h *Handler) bufferBody(c *gin.Context) ([]byte, bool) {
	limited := io.LimitReader(c.Request.Body, maxBodyBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		apierr.Write(c, apierr.BodyReadError(err.Error()))
		return nil, false
	}
	if len(body) > maxBodyBytes {
		apierr.Write(c, apierr.BodyTooLarge())
		return nil, false
	}
	return body, true
}

const modelsPathPrefix = "/v1/models/"

func (h *Handler) extractModel(c *gin.Context, body []byte) (string, bool) {
	ct := c.GetHeader("Content-Type")
	isJSON := ct == "" || strings.HasPrefix(ct, "application/json")

	var model string
	if isJSON && len(body) > 0 {
		model = gjson.GetBytes(body, "model").String()
	}
	if model == "" && strings.HasPrefix(c.Request.URL.Path, modelsPathPrefix) {
		model = strings.TrimPrefix(c.Request.URL.Path, modelsPathPrefix)
	}
	if model == "" {
		apierr.Write(c, apierr.ModelRequired())
		return "", false
	}
	return model, true
}

func (h *Handler) modelKnown(model string) bool {
	snap := h.State.Snapshot()
	for _, m := range snap.AggregatedModels() {
		if m == model {
			return true
		}
	}
	return false
}

// maybeInjectUsageHint forces stream_options.include_usage = true into a
// streaming chat-completion request body when the chosen upstream is
// configured for usage injection. The injection is idempotent: if the flag
// is already true, the body is returned unchanged.
func (h *Handler) maybeInjectUsageHint(body []byte, isStreamingChat bool, upstreamID string) []byte {
	if !isStreamingChat {
		return body
	}
	if _, ok := h.UsageInjectUpstreams[upstreamID]; !ok {
		return body
	}
	if gjson.GetBytes(body, "stream_options.include_usage").Bool() {
		return body
	}
	updated, err := sjsonSetBool(body, "stream_options.include_usage", true)
	if err != nil {
		return body
	}
	return updated
}

// forward builds the outbound request, dispatches it with retry-on-429, and
// streams the response back to the client while tee-ing usage extraction.
func (h *Handler) forward(c *gin.Context, sel router.Selected, model, reqPath string, body []byte, billingKey string, start time.Time) {
	requestBytes := len(body)
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.RequestTimeout)
	defer cancel()

	cur := sel
	attempt := 0
	for {
		uri, err := cur.Upstream.BuildUpstreamURI(reqPathAndQuery(c.Request))
		if err != nil {
			apierr.Write(c, apierr.InvalidUpstreamURI(err.Error()))
			return
		}

		outReq, err := buildOutboundRequest(c.Request.Method, uri, body, c.Request.Header, cur.Credential)
		if err != nil {
			apierr.Write(c, apierr.InternalError("failed to build outbound request"))
			return
		}
		outReq = outReq.WithContext(ctx)
		if len(body) > 0 {
			outReq.Body = io.NopCloser(bytes.NewReader(body))
			outReq.ContentLength = int64(len(body))
		}

		nowMs := time.Now().UnixMilli()
		resp, err := h.Client.Do(outReq)
		if err != nil {
			if ctx.Err() != nil {
				h.State.OnTimeout(cur.Upstream, nowMs)
				apierr.Write(c, apierr.UpstreamTimeout())
				return
			}
			h.State.OnNetworkError(cur.Upstream, nowMs)
			apierr.Write(c, apierr.UpstreamError("upstream request failed"))
			return
		}

		h.State.OnUpstreamStatus(cur.Upstream, cur.Credential, resp.StatusCode, nowMs)

		if resp.StatusCode == http.StatusTooManyRequests && attempt < maxRetries {
			resp.Body.Close()
			attempt++
			next, ok := h.State.SelectForModel(model, time.Now().UnixMilli())
			if !ok {
				apierr.Write(c, apierr.ModelUnavailable(model))
				return
			}
			cur = next
			continue
		}

		h.streamResponse(c, resp, cur.Upstream.ID, model, reqPath, billingKey, start, requestBytes)
		return
	}
}

func reqPathAndQuery(r *http.Request) string {
	if r.URL.RawQuery == "" {
		return r.URL.Path
	}
	return r.URL.Path + "?" + r.URL.RawQuery
}

// streamResponse forwards resp to the client chunk-by-chunk, tee-ing bytes
// into a usage extractor, then records the request log entry and debits
// the caller's balance.
func (h *Handler) streamResponse(c *gin.Context, resp *http.Response, upstreamID, model, reqPath, billingKey string, start time.Time, requestBytes int) {
	defer resp.Body.Close()

	outHeaders := c.Writer.Header()
	for k, vv := range resp.Header {
		for _, v := range vv {
			outHeaders.Add(k, v)
		}
	}
	sanitizeHopHeaders(outHeaders)
	c.Writer.WriteHeader(resp.StatusCode)

	contentType := resp.Header.Get("Content-Type")
	contentEncoding := strings.ToLower(resp.Header.Get("Content-Encoding"))
	sseMode := strings.HasPrefix(contentType, "text/event-stream")

	var sse sseUsageParser
	var jsonBuf bytes.Buffer
	var gz *gzipTee
	if contentEncoding == "gzip" {
		if sseMode {
			gz = newGzipTee(func(b []byte) { sse.Feed(b) })
		} else {
			gz = newGzipTee(func(b []byte) { jsonBuf.Write(b) })
		}
		defer gz.Close()
	}

	flusher, canFlush := c.Writer.(http.Flusher)
	buf := make([]byte, 32*1024)
	responseBytes := 0
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			responseBytes += n
			c.Writer.Write(chunk)
			if canFlush {
				flusher.Flush()
			}
			switch {
			case gz != nil:
				gz.Write(chunk)
			case sseMode:
				sse.Feed(chunk)
			default:
				jsonBuf.Write(chunk)
			}
		}
		if readErr != nil {
			break
		}
	}

	var usage Usage
	if sseMode {
		usage = sse.Result()
	} else {
		usage = extractUsageFromJSON(jsonBuf.Bytes())
	}

	h.finishRequest(c, resp.StatusCode, upstreamID, model, reqPath, billingKey, start, requestBytes, responseBytes, usage)
}

func (h *Handler) finishRequest(c *gin.Context, status int, upstreamID, model, reqPath, billingKey string, start time.Time, requestBytes, responseBytes int, usage Usage) {
	nowMs := time.Now().UnixMilli()
	latencyMs := time.Since(start).Milliseconds()

	entry := router.RequestLogEntry{
		RequestID:     requestID(c),
		TimestampMs:   nowMs,
		ClientIP:      c.ClientIP(),
		Method:        c.Request.Method,
		Path:          reqPath,
		Model:         model,
		UpstreamID:    upstreamID,
		Status:        status,
		LatencyMs:     latencyMs,
		RequestBytes:  int64(requestBytes),
		ResponseBytes: int64(responseBytes),
	}
	if usage.Found {
		p, cmpl, tot := usage.Prompt, usage.Completion, usage.Total
		entry.PromptTokens = &p
		entry.CompTokens = &cmpl
		entry.TotalTokens = &tot
	}
	h.State.RequestsLog.Push(entry)
	h.State.Metrics.Minute.Record(nowMs, status)
	h.State.Metrics.Hour.Record(nowMs, status)
	h.State.Metrics.Day.Record(nowMs, status)

	if usage.Found && billingKey != "" {
		if _, ok := h.Billing.ApplyUsage(billingKey, usage.Total); !ok {
			h.Logger.Warn("billing debit failed: unknown key", zap.String("key", billingKey))
		}
	}
}
