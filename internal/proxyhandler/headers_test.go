package proxyhandler

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/user/llm-proxy-go/internal/router"
)

func TestSanitizeHopHeadersStripsListedHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "keep-alive")
	h.Set("X-Proxy-Token", "secret")
	h.Set("X-Custom", "keep-me")

	sanitizeHopHeaders(h)

	require.Empty(t, h.Get("Connection"))
	require.Empty(t, h.Get("X-Proxy-Token"))
	require.Equal(t, "keep-me", h.Get("X-Custom"))
}

func TestBuildOutboundRequestReplacesAuthorizationAndSetsContentLength(t *testing.T) {
	in := http.Header{}
	in.Set("Authorization", "Bearer caller-supplied-key")
	in.Set("X-Proxy-Token", "should-be-stripped")
	in.Set("Content-Type", "application/json")

	cred := router.NewCredential("upstream-secret")
	req, err := buildOutboundRequest(http.MethodPost, "https://api.example.com/v1/chat/completions", []byte(`{"a":1}`), in, cred)
	require.NoError(t, err)

	require.Equal(t, "Bearer upstream-secret", req.Header.Get("Authorization"))
	require.Empty(t, req.Header.Get("X-Proxy-Token"))
	require.Equal(t, "application/json", req.Header.Get("Content-Type"))
	require.Equal(t, "7", req.Header.Get("Content-Length"))
}
