package router

import (
	"fmt"
	"sort"
)

// Snapshot is an immutable view of the router's upstream pool: an ordered
// upstream list, an id->index map, and a weight-expanded schedule vector.
// Snapshots are never mutated in place; mutation constructs a fresh one and
// swaps it atomically into the owning State.
type Snapshot struct {
	Upstreams []*Upstream
	indexByID map[string]int
	Schedule  []int // upstream indices, length == sum(weights)
}

// UpstreamByID looks up an upstream by its stable identifier.
func (s *Snapshot) UpstreamByID(id string) (*Upstream, bool) {
	idx, ok := s.indexByID[id]
	if !ok {
		return nil, false
	}
	return s.Upstreams[idx], true
}

// AggregatedModels returns the sorted union of every upstream's model set.
func (s *Snapshot) AggregatedModels() []string {
	seen := map[string]struct{}{}
	for _, u := range s.Upstreams {
		for m := range u.Models {
			seen[m] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// buildSnapshot constructs a fresh Snapshot from configuration, loading
// credentials for each upstream from the credential store and applying any
// persisted model-routing table. Duplicate upstream ids are rejected;
// weights are clamped to [1, 100].
func buildSnapshot(configs []UpstreamConfig, loadCreds func(upstreamID string) ([]string, error), routes *ModelRoutesFile) (*Snapshot, error) {
	upstreams := make([]*Upstream, 0, len(configs))
	indexByID := make(map[string]int, len(configs))

	for _, cfg := range configs {
		if _, dup := indexByID[cfg.ID]; dup {
			return nil, fmt.Errorf("duplicate upstream id %q", cfg.ID)
		}
		scheme, authority, prefix, err := parseBaseURL(cfg.BaseURL)
		if err != nil {
			return nil, err
		}
		u := &Upstream{
			ID:        cfg.ID,
			BaseURL:   cfg.BaseURL,
			scheme:    scheme,
			authority: authority,
			prefix:    prefix,
			Weight:    clampWeight(cfg.Weight),
			Models:    map[string]struct{}{},
		}
		creds, err := loadCreds(cfg.ID)
		if err != nil {
			return nil, fmt.Errorf("load credentials for %s: %w", cfg.ID, err)
		}
		u.Credentials = make([]*Credential, 0, len(creds))
		for _, c := range creds {
			u.Credentials = append(u.Credentials, NewCredential(c))
		}
		indexByID[cfg.ID] = len(upstreams)
		upstreams = append(upstreams, u)
	}

	if routes != nil {
		for upstreamID, models := range routes.Upstreams {
			if idx, ok := indexByID[upstreamID]; ok {
				for _, m := range models {
					upstreams[idx].Models[m] = struct{}{}
				}
			}
		}
	}

	schedule := make([]int, 0)
	for idx, u := range upstreams {
		for i := 0; i < u.Weight; i++ {
			schedule = append(schedule, idx)
		}
	}

	return &Snapshot{Upstreams: upstreams, indexByID: indexByID, Schedule: schedule}, nil
}
