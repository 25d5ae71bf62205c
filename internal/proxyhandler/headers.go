package proxyhandler

import (
	"net/http"
	"strconv"

	"github.com/user/llm-proxy-go/internal/router"
)

// sanitizeHopHeaders strips the hop-by-hop and proxy-auth headers listed in
// router.SanitizeHopHeaders from h, used on both the outbound request and
// the inbound response.
func sanitizeHopHeaders(h http.Header) {
	for _, name := range router.SanitizeHopHeaders {
		h.Del(name)
	}
}

// buildOutboundRequest copies every header from the inbound request, strips
// hop-by-hop and proxy-auth headers, and replaces Authorization with the
// credential's precomputed Bearer header.
func buildOutboundRequest(method, url string, body []byte, inHeaders http.Header, cred *router.Credential) (*http.Request, error) {
	outHeaders := inHeaders.Clone()
	sanitizeHopHeaders(outHeaders)
	outHeaders.Set("Authorization", cred.AuthHdr)
	if len(body) > 0 {
		outHeaders.Set("Content-Length", strconv.Itoa(len(body)))
	}

	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header = outHeaders
	return req, nil
}
