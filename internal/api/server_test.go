package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/user/llm-proxy-go/internal/admin"
	"github.com/user/llm-proxy-go/internal/billing"
	"github.com/user/llm-proxy-go/internal/credstore"
	"github.com/user/llm-proxy-go/internal/proxyhandler"
	"github.com/user/llm-proxy-go/internal/router"
)

type fakeCredStore struct{}

func (fakeCredStore) LoadAll(string) ([]string, error) { return nil, nil }
func (fakeCredStore) Add(string, []string) (int, int, []string, error) {
	return 0, 0, nil, nil
}
func (fakeCredStore) Replace(string, []string) error { return nil }
func (fakeCredStore) Delete(string, []string) (int, error) { return 0, nil }

func newTestEngine(t *testing.T) http.Handler {
	t.Helper()

	state, err := router.NewState(router.Config{
		DataDir:   t.TempDir(),
		Upstreams: []router.UpstreamConfig{{ID: "a", BaseURL: "https://a.example", Weight: 1}},
	}, fakeCredStore{}, zap.NewNop(), nil)
	require.NoError(t, err)

	store, err := credstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	billingStore, err := billing.Open(store.DB())
	require.NoError(t, err)
	t.Cleanup(billingStore.Close)

	proxy := proxyhandler.NewHandler(state, billingStore, zap.NewNop(), 30*time.Second, nil, nil)
	adminHandler := admin.NewHandler(state, billingStore, store, nil, zap.NewNop(), t.TempDir(), map[string]struct{}{"tok": {}})

	return NewEngine(Deps{Proxy: proxy, Admin: adminHandler, Logger: zap.NewNop()})
}

func TestWrongMethodOnAdminRouteReturns405(t *testing.T) {
	engine := newTestEngine(t)

	req := httptest.NewRequest(http.MethodDelete, "/admin/api/v1/reload", nil)
	req.Header.Set("X-Admin-Token", "tok")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHealthRouteStillServed(t *testing.T) {
	engine := newTestEngine(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
}
