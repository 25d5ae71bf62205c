package router

import (
	"sort"
	"sync/atomic"
)

// Stats holds process-wide atomic counters for the whole process.
type Stats struct {
	Selected    atomic.Int64
	Requests    atomic.Int64
	Success     atomic.Int64
	Failure     atomic.Int64
	Ignored     atomic.Int64
	Timeouts    atomic.Int64
	NetworkErrs atomic.Int64
	Inflight    atomic.Int64
}

// StatsSnapshot is the JSON-serializable point-in-time view of Stats,
// returned by GET /admin/api/v1/stats.
type StatsSnapshot struct {
	RequestsTotal int64 `json:"requests_total"`
	RequestsInflt int64 `json:"requests_inflight"`
	Success       int64 `json:"success"`
	Failure       int64 `json:"failure"`
	Ignored       int64 `json:"ignored"`
	Timeouts      int64 `json:"timeouts"`
	NetworkErrors int64 `json:"network_errors"`
	Selected      int64 `json:"selected"`
}

// Snapshot returns a point-in-time copy of the global stats.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		RequestsTotal: s.Requests.Load(),
		RequestsInflt: s.Inflight.Load(),
		Success:       s.Success.Load(),
		Failure:       s.Failure.Load(),
		Ignored:       s.Ignored.Load(),
		Timeouts:      s.Timeouts.Load(),
		NetworkErrors: s.NetworkErrs.Load(),
		Selected:      s.Selected.Load(),
	}
}

// BeginRequest increments requests_total / requests_inflight and returns a
// function that decrements requests_inflight; callers defer the returned
// function so it fires on every exit path.
func (s *State) BeginRequest() func() {
	s.stats.Requests.Add(1)
	s.stats.Inflight.Add(1)
	return func() {
		s.stats.Inflight.Add(-1)
	}
}

// StatsSnapshot exposes the global stats for the admin API.
func (s *State) StatsSnapshot() StatsSnapshot {
	return s.stats.Snapshot()
}

// UpstreamInfo is the admin-facing view of one upstream's config + stats.
type UpstreamInfo struct {
	ID          string   `json:"id"`
	BaseURL     string   `json:"base_url"`
	Weight      int      `json:"weight"`
	Models      []string `json:"models"`
	NumKeys     int      `json:"num_keys"`
	CooldownMs  int64    `json:"cooldown_until_ms"`
	Streak      int64    `json:"streak"`
	Selected    int64    `json:"selected"`
	Requests    int64    `json:"requests"`
	Success     int64    `json:"success"`
	Failure     int64    `json:"failure"`
	Ignored     int64    `json:"ignored"`
	Timeouts    int64    `json:"timeouts"`
	NetworkErrs int64    `json:"network_errors"`
}

// ListUpstreams returns the admin-facing view of every upstream in the
// current snapshot.
func (s *State) ListUpstreams() []UpstreamInfo {
	snap := s.Snapshot()
	if snap == nil {
		return nil
	}
	out := make([]UpstreamInfo, 0, len(snap.Upstreams))
	for _, u := range snap.Upstreams {
		models := make([]string, 0, len(u.Models))
		for m := range u.Models {
			models = append(models, m)
		}
		sort.Strings(models)
		out = append(out, UpstreamInfo{
			ID:          u.ID,
			BaseURL:     u.BaseURL,
			Weight:      u.Weight,
			Models:      models,
			NumKeys:     len(u.Credentials),
			CooldownMs:  u.Cooldown.Load(),
			Streak:      u.Streak.Load(),
			Selected:    u.Stats.Selected.Load(),
			Requests:    u.Stats.Requests.Load(),
			Success:     u.Stats.Success.Load(),
			Failure:     u.Stats.Failure.Load(),
			Ignored:     u.Stats.Ignored.Load(),
			Timeouts:    u.Stats.Timeouts.Load(),
			NetworkErrs: u.Stats.NetworkErrs.Load(),
		})
	}
	return out
}
