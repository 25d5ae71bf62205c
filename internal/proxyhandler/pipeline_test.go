package proxyhandler

import (
	"bytes"
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
	keys map[string][]string
}

func (f *fakeCredStore) LoadAll(id string) ([]string, error) { return f.keys[id], nil }
func (f *fakeCredStore) Add(id string, keys []string) (int, int, []string, error) {
	return 0, 0, nil, nil
}
func (f *fakeCredStore) Replace(id string, keys []string) error { return nil }
func (f *fakeCredStore) Delete(id string, keys []string) (int, error) { return 0, nil }

// newTestHandler wires a Handler whose single upstream points at upstream,
// with one registered model and a funded billing key.
func newTestHandler(t *testing.T, upstream *httptest.Server) (*Handler, *router.State) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	creds := &fakeCredStore{keys: map[string][]string{"u1": {"sk-upstream-1", "sk-upstream-2"}}}
	state, err := router.NewState(router.Config{
		DataDir:   t.TempDir(),
		Upstreams: []router.UpstreamConfig{{ID: "u1", BaseURL: upstream.URL, Weight: 1}},
	}, creds, zap.NewNop(), nil)
	require.NoError(t, err)

	_, err = state.PutModelRoutes(map[string][]string{"u1": {"gpt-test"}})
	require.NoError(t, err)

	credStore, err := credstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { credStore.Close() })

	billingStore, err := billing.Open(credStore.DB())
	require.NoError(t, err)
	t.Cleanup(billingStore.Close)
	billingStore.Create("user-1", 1_000_000)

	h := NewHandler(state, billingStore, zap.NewNop(), 5*time.Second, nil, nil)
	return h, state
}

func newTestRequest(method, path string, body []byte) (*gin.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("X-API-Key", "user-1")
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	return c, w
}

func TestServeHTTPForwardsNonStreamingJSONAndRecordsUsage(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Contains(t, r.Header.Get("Authorization"), "Bearer sk-upstream")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"x","usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`))
	}))
	defer upstream.Close()

	h, state := newTestHandler(t, upstream)

	c, w := newTestRequest(http.MethodPost, "/v1/chat/completions", []byte(`{"model":"gpt-test"}`))
	h.ServeHTTP(c)

	require.Equal(t, http.StatusOK, w.Code)

	entries := state.RequestsLog.Recent(1)
	require.Len(t, entries, 1)
	require.Equal(t, "gpt-test", entries[0].Model)
	require.Equal(t, "u1", entries[0].UpstreamID)
	require.NotZero(t, entries[0].RequestBytes)
	require.NotZero(t, entries[0].ResponseBytes)
	require.NotNil(t, entries[0].TotalTokens)
	require.Equal(t, uint64(15), *entries[0].TotalTokens)

	balance, ok := h.Billing.Get("user-1")
	require.True(t, ok)
	require.Equal(t, int64(1_000_000-15), balance)
}

func TestServeHTTPUnknownModelReturns404(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream should not be called for an unknown model")
	}))
	defer upstream.Close()

	h, _ := newTestHandler(t, upstream)

	c, w := newTestRequest(http.MethodPost, "/v1/chat/completions", []byte(`{"model":"no-such-model"}`))
	h.ServeHTTP(c)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestServeHTTPRetriesOn429ThenSucceeds(t *testing.T) {
	var calls int
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"x"}`))
	}))
	defer upstream.Close()

	h, _ := newTestHandler(t, upstream)

	c, w := newTestRequest(http.MethodPost, "/v1/chat/completions", []byte(`{"model":"gpt-test"}`))
	h.ServeHTTP(c)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 2, calls)
}

func TestServeHTTPStreamsSSEAndExtractsUsage(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		w.Write([]byte("data: {\"id\":\"1\",\"choices\":[]}\n\n"))
		flusher.Flush()
		w.Write([]byte("data: {\"id\":\"2\",\"usage\":{\"prompt_tokens\":3,\"completion_tokens\":4,\"total_tokens\":7}}\n\n"))
		flusher.Flush()
		w.Write([]byte("data: [DONE]\n\n"))
		flusher.Flush()
	}))
	defer upstream.Close()

	h, state := newTestHandler(t, upstream)

	c, w := newTestRequest(http.MethodPost, "/v1/chat/completions", []byte(`{"model":"gpt-test","stream":true}`))
	h.ServeHTTP(c)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "[DONE]")

	entries := state.RequestsLog.Recent(1)
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].TotalTokens)
	require.Equal(t, uint64(7), *entries[0].TotalTokens)
}
