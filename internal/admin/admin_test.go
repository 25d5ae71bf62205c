package admin

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/user/llm-proxy-go/internal/billing"
	"github.com/user/llm-proxy-go/internal/credstore"
	"github.com/user/llm-proxy-go/internal/router"
)

type fakeCredStore struct {
	data map[string][]string
}

func (f *fakeCredStore) LoadAll(id string) ([]string, error) { return f.data[id], nil }
func (f *fakeCredStore) Add(id string, keys []string) (int, int, []string, error) {
	f.data[id] = append(f.data[id], keys...)
	return len(keys), 0, keys, nil
}
func (f *fakeCredStore) Replace(id string, keys []string) error {
	f.data[id] = keys
	return nil
}
func (f *fakeCredStore) Delete(id string, keys []string) (int, error) {
	return len(keys), nil
}

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)

	creds := &fakeCredStore{data: map[string][]string{"a": {"a-key"}}}
	state, err := router.NewState(router.Config{
		DataDir:   t.TempDir(),
		Upstreams: []router.UpstreamConfig{{ID: "a", BaseURL: "https://a.example", Weight: 1}},
	}, creds, zap.NewNop(), nil)
	require.NoError(t, err)

	store, err := credstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	billingStore, err := billing.Open(store.DB())
	require.NoError(t, err)
	t.Cleanup(billingStore.Close)

	return NewHandler(state, billingStore, store, nil, zap.NewNop(), t.TempDir(), map[string]struct{}{"secret-admin-token": {}})
}

func newRouter(h *Handler) *gin.Engine {
	r := gin.New()
	grp := r.Group("/admin/api/v1")
	grp.Use(h.Auth)
	grp.GET("/upstreams", h.ListUpstreams)
	grp.POST("/upstreams", h.AddUpstream)
	grp.PUT("/upstreams/:id", h.UpdateUpstream)
	grp.DELETE("/upstreams/:id", h.DeleteUpstream)
	grp.POST("/upstreams/:id/keys", h.AddKeys)
	grp.POST("/billing/keys", h.CreateBillingKey)
	grp.GET("/billing/keys/:key", h.GetBillingKey)
	grp.POST("/billing/keys/:key/adjust", h.AdjustBillingKey)
	grp.POST("/reload", h.Reload)
	r.GET("/admin/metrics/prom", h.Auth, h.MetricsProm)
	return r
}

func doRequest(r *gin.Engine, method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("X-Admin-Token", token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthRejectsMissingOrWrongToken(t *testing.T) {
	h := newTestHandler(t)
	r := newRouter(h)

	w := doRequest(r, http.MethodGet, "/admin/api/v1/upstreams", "", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = doRequest(r, http.MethodGet, "/admin/api/v1/upstreams", "wrong-token", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = doRequest(r, http.MethodGet, "/admin/api/v1/upstreams", "secret-admin-token", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestAddUpstreamDefaultsWeightAndRejectsDuplicates(t *testing.T) {
	h := newTestHandler(t)
	r := newRouter(h)

	w := doRequest(r, http.MethodPost, "/admin/api/v1/upstreams", "secret-admin-token", map[string]any{
		"id": "b", "base_url": "https://b.example",
	})
	require.Equal(t, http.StatusOK, w.Code)

	u, ok := h.State.Snapshot().UpstreamByID("b")
	require.True(t, ok)
	require.Equal(t, 1, u.Weight)

	w = doRequest(r, http.MethodPost, "/admin/api/v1/upstreams", "secret-admin-token", map[string]any{
		"id": "a", "base_url": "https://dup.example",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeleteUpstreamUnknownIDReturnsNotFound(t *testing.T) {
	h := newTestHandler(t)
	r := newRouter(h)

	w := doRequest(r, http.MethodDelete, "/admin/api/v1/upstreams/nonexistent", "secret-admin-token", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestBillingKeyLifecycle(t *testing.T) {
	h := newTestHandler(t)
	r := newRouter(h)

	w := doRequest(r, http.MethodPost, "/admin/api/v1/billing/keys", "secret-admin-token", map[string]any{
		"key": "user-1", "balance": 1000,
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(r, http.MethodPost, "/admin/api/v1/billing/keys", "secret-admin-token", map[string]any{
		"key": "user-1", "balance": 500,
	})
	require.Equal(t, http.StatusConflict, w.Code)

	w = doRequest(r, http.MethodGet, "/admin/api/v1/billing/keys/user-1", "secret-admin-token", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(r, http.MethodGet, "/admin/api/v1/billing/keys/unknown-user", "secret-admin-token", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(r, http.MethodPost, "/admin/api/v1/billing/keys/user-1/adjust", "secret-admin-token", map[string]any{
		"delta": -200,
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Balance int64 `json:"balance"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, int64(800), resp.Balance)
}

func doRawRequest(r *gin.Engine, method, path, token, contentType string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	if token != "" {
		req.Header.Set("X-Admin-Token", token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAddKeysAcceptsPlainTextWithMixedLineEndingsAndDedupes(t *testing.T) {
	h := newTestHandler(t)
	r := newRouter(h)

	body := []byte("key-one\r\nkey-two\n\n  key-one  \nkey-three\r\n")
	w := doRawRequest(r, http.MethodPost, "/admin/api/v1/upstreams/a/keys", "secret-admin-token", "text/plain", body)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Inserted int `json:"inserted"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 3, resp.Inserted)
}

func TestAddKeysJSONDedupeFalsePreservesDuplicates(t *testing.T) {
	h := newTestHandler(t)
	r := newRouter(h)

	body := []byte(`{"keys":["dup","dup"],"dedupe":false}`)
	w := doRawRequest(r, http.MethodPost, "/admin/api/v1/upstreams/a/keys", "secret-admin-token", "application/json", body)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Inserted int `json:"inserted"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Inserted)
}

func TestComputeRps(t *testing.T) {
	require.Equal(t, 10.0, computeRps(100, 110, time.Second))
	require.Equal(t, 0.0, computeRps(100, 110, 0))
	require.Equal(t, 0.0, computeRps(100, 110, -time.Second))
	require.Equal(t, 5.0, computeRps(100, 110, 2*time.Second))
}

func TestMetricsPromRequiresAuthAndExposesRequestCounter(t *testing.T) {
	h := newTestHandler(t)
	r := newRouter(h)

	w := doRequest(r, http.MethodGet, "/admin/metrics/prom", "", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = doRequest(r, http.MethodGet, "/admin/metrics/prom", "secret-admin-token", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "gateway_proxy_requests_inflight")
}

func TestReloadSucceeds(t *testing.T) {
	h := newTestHandler(t)
	r := newRouter(h)

	w := doRequest(r, http.MethodPost, "/admin/api/v1/reload", "secret-admin-token", nil)
	require.Equal(t, http.StatusOK, w.Code)
}
