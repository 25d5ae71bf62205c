// Package router implements the router snapshot, selector and circuit
// breaker: an immutable, atomically-swapped view of the upstream pool plus
// the cooldown-aware weighted round-robin selection algorithm.
package router

import (
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
)

// Credential is one opaque bearer token usable against an upstream. It is
// not the caller's billing key.
type Credential struct {
	Value    string
	AuthHdr  string // precomputed "Bearer <value>"
	Cooldown atomic.Int64 // cooldown_until_ms
	Streak   atomic.Int64
}

// NewCredential builds a Credential with its Authorization header precomputed.
func NewCredential(value string) *Credential {
	return &Credential{Value: value, AuthHdr: "Bearer " + value}
}

func (c *Credential) eligible(nowMs int64) bool {
	return c.Cooldown.Load() <= nowMs
}

// Upstream is one backend inference endpoint. It is immutable once built;
// mutation replaces the whole Upstream via a fresh snapshot.
type Upstream struct {
	ID      string
	BaseURL string

	scheme    string
	authority string
	prefix    string // path prefix, may be empty

	Weight int

	Models map[string]struct{}

	Credentials []*Credential
	credCursor  atomic.Uint64

	Cooldown atomic.Int64
	Streak   atomic.Int64

	Stats UpstreamStats
}

// UpstreamStats holds per-upstream atomic counters.
type UpstreamStats struct {
	Selected    atomic.Int64
	Requests    atomic.Int64
	Success     atomic.Int64
	Failure     atomic.Int64
	Ignored     atomic.Int64
	Timeouts    atomic.Int64
	NetworkErrs atomic.Int64
}

// BuildUpstreamURI joins the upstream's scheme/authority (and optional
// prefix path) with the request's path-and-query.
func (u *Upstream) BuildUpstreamURI(requestPathAndQuery string) (string, error) {
	if u.scheme == "" || u.authority == "" {
		return "", fmt.Errorf("invalid upstream uri components for %s", u.ID)
	}
	path := requestPathAndQuery
	if u.prefix != "" {
		trimmedPrefix := strings.TrimSuffix(u.prefix, "/")
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		path = trimmedPrefix + path
	}
	return u.scheme + "://" + u.authority + path, nil
}

func parseBaseURL(baseURL string) (scheme, authority, prefix string, err error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return "", "", "", fmt.Errorf("invalid base_url %q: %w", baseURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", "", "", fmt.Errorf("base_url %q must start with http:// or https://", baseURL)
	}
	return parsed.Scheme, parsed.Host, strings.TrimSuffix(parsed.Path, "/"), nil
}

// HasModel reports whether m is in the upstream's advertised model set. An
// empty model set means "no models known" — never matches.
func (u *Upstream) HasModel(m string) bool {
	_, ok := u.Models[m]
	return ok
}

func (u *Upstream) eligible(nowMs int64) bool {
	if u.Cooldown.Load() > nowMs {
		return false
	}
	for _, c := range u.Credentials {
		if c.eligible(nowMs) {
			return true
		}
	}
	return false
}

// EligibleCredential returns one eligible credential for this upstream, for
// admin operations (e.g. the model-list refresh probe) that need a
// credential outside the normal selection path. Returns nil if none.
func (u *Upstream) EligibleCredential(nowMs int64) *Credential {
	return u.selectCredential(nowMs)
}

// selectCredential scans at most len(Credentials) slots starting at the
// upstream's own round-robin cursor, returning the first eligible one.
func (u *Upstream) selectCredential(nowMs int64) *Credential {
	n := len(u.Credentials)
	if n == 0 {
		return nil
	}
	start := u.credCursor.Add(1) - 1
	for i := 0; i < n; i++ {
		idx := (start + uint64(i)) % uint64(n)
		c := u.Credentials[idx]
		if c.eligible(nowMs) {
			return c
		}
	}
	return nil
}

// Selected is the outcome of a successful selection.
type Selected struct {
	Upstream   *Upstream
	Credential *Credential
}

// UpstreamConfig is the admin-mutable configuration for one upstream,
// persisted as upstreams.json.
type UpstreamConfig struct {
	ID      string `json:"id"`
	BaseURL string `json:"base_url"`
	Weight  int    `json:"weight,omitempty"`
}

func clampWeight(w int) int {
	if w < 1 {
		return 1
	}
	if w > 100 {
		return 100
	}
	return w
}
