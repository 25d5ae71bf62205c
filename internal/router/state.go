package router

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// CredentialStore is the subset of internal/credstore.Store the router
// needs. Defined locally (rather than imported) so this package has no
// dependency on the storage implementation — any embedded KV store that
// satisfies this shape can back the router.
type CredentialStore interface {
	LoadAll(upstreamID string) ([]string, error)
	Add(upstreamID string, keys []string) (inserted, existed int, insertedKeys []string, err error)
	Replace(upstreamID string, keys []string) error
	Delete(upstreamID string, keys []string) (removed int, err error)
}

// Config is the subset of loaded configuration the router state needs to
// bootstrap and persist.
type Config struct {
	DataDir              string
	Ban                  BanConfig
	Upstreams            []UpstreamConfig
	UsageInjectUpstreams map[string]struct{}
}

// State is the central router orchestrator: it owns the atomically-swapped
// snapshot, the global cursor and stats, the request log, time-bucketed
// metrics, and the persisted upstream/model-routes files. It is the Go
// analogue of RouterState.
type State struct {
	logger *zap.Logger

	dataDir string
	ban     BanConfig
	creds   CredentialStore

	snapshot atomic.Pointer[Snapshot]
	cursor   atomic.Uint64
	stats    Stats

	mu sync.Mutex // serializes mutation (add/update/delete/reload) only

	RequestsLog *RequestsLog
	Metrics     *RequestMetrics

	UsageInjectUpstreams map[string]struct{}
}

func upstreamsJSONPath(dataDir string) string  { return filepath.Join(dataDir, "upstreams.json") }
func modelRoutesPath(dataDir string) string    { return filepath.Join(dataDir, "models_routes.json") }
func requestsJSONLPath(dataDir string) string  { return filepath.Join(dataDir, "requests.jsonl") }

// NewState constructs a State and builds its initial snapshot from the
// configured (or previously persisted-override) upstream list.
func NewState(cfg Config, creds CredentialStore, logger *zap.Logger, onEvict func(RequestLogEntry)) (*State, error) {
	cfg.Ban.Normalize()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	s := &State{
		logger:               logger,
		dataDir:              cfg.DataDir,
		ban:                  cfg.Ban,
		creds:                creds,
		Metrics:              newRequestMetrics(),
		UsageInjectUpstreams: cfg.UsageInjectUpstreams,
	}

	rl, err := NewRequestsLog(requestsJSONLPath(cfg.DataDir), onEvict)
	if err != nil {
		return nil, fmt.Errorf("open request log: %w", err)
	}
	s.RequestsLog = rl

	configs := cfg.Upstreams
	if persisted, err := loadUpstreamConfigs(upstreamsJSONPath(cfg.DataDir)); err != nil {
		return nil, fmt.Errorf("load persisted upstreams: %w", err)
	} else if persisted != nil {
		configs = persisted
	}

	if err := s.rebuild(configs, true); err != nil {
		return nil, fmt.Errorf("build initial snapshot: %w", err)
	}

	return s, nil
}

// Snapshot returns the currently live snapshot.
func (s *State) Snapshot() *Snapshot {
	return s.snapshot.Load()
}

func loadUpstreamConfigs(path string) ([]UpstreamConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var configs []UpstreamConfig
	if err := json.Unmarshal(data, &configs); err != nil {
		return nil, err
	}
	return configs, nil
}

func saveUpstreamConfigs(path string, configs []UpstreamConfig) error {
	data, err := json.MarshalIndent(configs, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// rebuild builds a fresh snapshot from configs, swaps it in, optionally
// persists the upstream config list, and prunes+rewrites the model-routes
// file.
func (s *State) rebuild(configs []UpstreamConfig, persist bool) error {
	routes, err := LoadModelRoutes(modelRoutesPath(s.dataDir))
	if err != nil {
		return fmt.Errorf("load model routes: %w", err)
	}

	snap, err := buildSnapshot(configs, s.creds.LoadAll, routes)
	if err != nil {
		return err
	}

	s.snapshot.Store(snap)

	if persist {
		if err := saveUpstreamConfigs(upstreamsJSONPath(s.dataDir), configs); err != nil {
			return fmt.Errorf("persist upstreams.json: %w", err)
		}
	}

	live := make(map[string]struct{}, len(snap.Upstreams))
	for _, u := range snap.Upstreams {
		live[u.ID] = struct{}{}
	}
	nowMs := time.Now().UnixMilli()
	if routes == nil {
		routes = BuildModelRoutes(map[string][]string{}, nowMs)
	}
	pruned := CleanupModelRoutes(routes, live, nowMs)
	if err := SaveModelRoutes(modelRoutesPath(s.dataDir), pruned); err != nil {
		return fmt.Errorf("persist model routes: %w", err)
	}

	return nil
}

func (s *State) currentConfigs() []UpstreamConfig {
	snap := s.Snapshot()
	configs := make([]UpstreamConfig, 0, len(snap.Upstreams))
	for _, u := range snap.Upstreams {
		configs = append(configs, UpstreamConfig{ID: u.ID, BaseURL: u.BaseURL, Weight: u.Weight})
	}
	return configs
}

// AddUpstream appends a new upstream configuration and rebuilds the
// snapshot. Returns an error if the id already exists.
func (s *State) AddUpstream(cfg UpstreamConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	configs := s.currentConfigs()
	for _, c := range configs {
		if c.ID == cfg.ID {
			return fmt.Errorf("upstream %q already exists", cfg.ID)
		}
	}
	configs = append(configs, cfg)
	return s.rebuild(configs, true)
}

// UpdateUpstream applies partial updates (nil fields left unchanged) to an
// existing upstream and rebuilds the snapshot.
func (s *State) UpdateUpstream(id string, baseURL *string, weight *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	configs := s.currentConfigs()
	found := false
	for i := range configs {
		if configs[i].ID == id {
			found = true
			if baseURL != nil {
				configs[i].BaseURL = *baseURL
			}
			if weight != nil {
				configs[i].Weight = *weight
			}
		}
	}
	if !found {
		return fmt.Errorf("upstream %q not found", id)
	}
	return s.rebuild(configs, true)
}

// DeleteUpstream removes an upstream's configuration and rebuilds the
// snapshot, optionally purging its stored credentials.
func (s *State) DeleteUpstream(id string, deleteKeys bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	configs := s.currentConfigs()
	out := configs[:0:0]
	found := false
	for _, c := range configs {
		if c.ID == id {
			found = true
			continue
		}
		out = append(out, c)
	}
	if !found {
		return fmt.Errorf("upstream %q not found", id)
	}

	if deleteKeys {
		if existing, err := s.creds.LoadAll(id); err == nil && len(existing) > 0 {
			if _, err := s.creds.Delete(id, existing); err != nil {
				return fmt.Errorf("delete credentials for %s: %w", id, err)
			}
		}
	}

	return s.rebuild(out, true)
}

// Reload re-reads credentials from storage for every upstream in the live
// snapshot and swaps in fresh credential-state vectors, backing
// `POST /reload`.
func (s *State) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	configs := s.currentConfigs()
	return s.rebuild(configs, false)
}

// ReplaceKeys replaces the in-memory credential list for one upstream
// without rebuilding the whole snapshot
func (s *State) ReplaceKeys(upstreamID string, keys []string) error {
	if err := s.creds.Replace(upstreamID, keys); err != nil {
		return err
	}
	return s.swapUpstreamCredentials(upstreamID)
}

// AddKeys appends credentials to storage then refreshes the in-memory
// credential list for that upstream.
func (s *State) AddKeys(upstreamID string, keys []string) (inserted, existed int, err error) {
	ins, exi, _, err := s.creds.Add(upstreamID, keys)
	if err != nil {
		return 0, 0, err
	}
	if err := s.swapUpstreamCredentials(upstreamID); err != nil {
		return ins, exi, err
	}
	return ins, exi, nil
}

// DeleteKeys removes credentials from storage then refreshes the in-memory
// credential list for that upstream.
func (s *State) DeleteKeys(upstreamID string, keys []string) (removed int, err error) {
	removed, err = s.creds.Delete(upstreamID, keys)
	if err != nil {
		return 0, err
	}
	if err := s.swapUpstreamCredentials(upstreamID); err != nil {
		return removed, err
	}
	return removed, nil
}

// swapUpstreamCredentials rebuilds just the credential list of one upstream
// in a fresh copy of the current snapshot: the upstream itself is replaced
// by constructing a fresh Upstream whenever its credential set mutates.
func (s *State) swapUpstreamCredentials(upstreamID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.Snapshot()
	idx, ok := old.indexByID[upstreamID]
	if !ok {
		return fmt.Errorf("upstream %q not found", upstreamID)
	}

	keys, err := s.creds.LoadAll(upstreamID)
	if err != nil {
		return err
	}

	newUpstreams := make([]*Upstream, len(old.Upstreams))
	copy(newUpstreams, old.Upstreams)

	prev := old.Upstreams[idx]
	fresh := &Upstream{
		ID:      prev.ID,
		BaseURL: prev.BaseURL,
		scheme:  prev.scheme,
		authority: prev.authority,
		prefix:  prev.prefix,
		Weight:  prev.Weight,
		Models:  prev.Models,
	}
	fresh.Credentials = make([]*Credential, 0, len(keys))
	for _, k := range keys {
		fresh.Credentials = append(fresh.Credentials, NewCredential(k))
	}
	newUpstreams[idx] = fresh

	schedule := make([]int, len(old.Schedule))
	copy(schedule, old.Schedule)

	newIndexByID := make(map[string]int, len(old.indexByID))
	for k, v := range old.indexByID {
		newIndexByID[k] = v
	}

	s.snapshot.Store(&Snapshot{Upstreams: newUpstreams, indexByID: newIndexByID, Schedule: schedule})
	return nil
}

// GetModelRoutes reads the persisted routing table.
func (s *State) GetModelRoutes() (*ModelRoutesFile, error) {
	f, err := LoadModelRoutes(modelRoutesPath(s.dataDir))
	if err != nil {
		return nil, err
	}
	if f == nil {
		f = BuildModelRoutes(map[string][]string{}, time.Now().UnixMilli())
	}
	return f, nil
}

// PutModelRoutes replaces the persisted routing table (recomputing the
// inverse map and refreshing the timestamp) and applies it to the live
// snapshot's upstreams' model sets.
func (s *State) PutModelRoutes(upstreams map[string][]string) (*ModelRoutesFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := BuildModelRoutes(upstreams, time.Now().UnixMilli())
	if err := SaveModelRoutes(modelRoutesPath(s.dataDir), f); err != nil {
		return nil, err
	}

	old := s.Snapshot()
	newUpstreams := make([]*Upstream, len(old.Upstreams))
	for i, u := range old.Upstreams {
		fresh := &Upstream{
			ID:          u.ID,
			BaseURL:     u.BaseURL,
			scheme:      u.scheme,
			authority:   u.authority,
			prefix:      u.prefix,
			Weight:      u.Weight,
			Credentials: u.Credentials,
		}
		fresh.Models = map[string]struct{}{}
		for _, m := range upstreams[u.ID] {
			fresh.Models[m] = struct{}{}
		}
		newUpstreams[i] = fresh
	}
	s.snapshot.Store(&Snapshot{Upstreams: newUpstreams, indexByID: old.indexByID, Schedule: old.Schedule})

	return f, nil
}

// SanitizeHopHeaders is the list of hop-by-hop + proxy-auth headers stripped
// in both directions, on request construction and on response forwarding.
var SanitizeHopHeaders = []string{
	"Connection", "Host", "Proxy-Connection", "Proxy-Authenticate",
	"Proxy-Authorization", "TE", "Trailer", "Transfer-Encoding", "Upgrade",
	"X-Proxy-Token", "X-Admin-Token",
}
