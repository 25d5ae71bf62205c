package router

import (
	"encoding/json"
	"os"
	"sort"
)

// ModelRoutesFile is the persisted model-routing document.
// `Upstreams` is the source of truth; `Models` is redundant but persisted
// alongside it.
type ModelRoutesFile struct {
	UpdatedAtMs int64               `json:"updated_at_ms"`
	Models      map[string][]string `json:"models"`
	Upstreams   map[string][]string `json:"upstreams"`
}

// BuildModelRoutes recomputes the Models inverse map from Upstreams and
// refreshes UpdatedAtMs.
func BuildModelRoutes(upstreams map[string][]string, nowMs int64) *ModelRoutesFile {
	models := map[string][]string{}
	for upstreamID, ms := range upstreams {
		for _, m := range ms {
			models[m] = append(models[m], upstreamID)
		}
	}
	for m := range models {
		sort.Strings(models[m])
	}
	return &ModelRoutesFile{UpdatedAtMs: nowMs, Models: models, Upstreams: upstreams}
}

// LoadModelRoutes reads the persisted routing table, returning (nil, nil)
// if the file does not exist.
func LoadModelRoutes(path string) (*ModelRoutesFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var f ModelRoutesFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// SaveModelRoutes writes the routing table atomically-enough via a direct
// write (small file; no partial-write protection needed beyond what the
// filesystem gives a single write(2) for files this size).
func SaveModelRoutes(path string, f *ModelRoutesFile) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// CleanupModelRoutes prunes entries referring to upstreams no longer
// present in liveUpstreamIDs and rebuilds the inverse map.
func CleanupModelRoutes(f *ModelRoutesFile, liveUpstreamIDs map[string]struct{}, nowMs int64) *ModelRoutesFile {
	pruned := map[string][]string{}
	for id, models := range f.Upstreams {
		if _, ok := liveUpstreamIDs[id]; ok {
			pruned[id] = models
		}
	}
	return BuildModelRoutes(pruned, nowMs)
}
