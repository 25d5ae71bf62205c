package router

// selectForModel performs the bounded weighted-round-robin scan: iterate at
// most len(schedule) slots starting from the
// global cursor, skipping upstreams that don't match modelFilter or whose
// cooldown hasn't elapsed, and return the first upstream with an eligible
// credential. modelFilter == "" means no filtering.
func (s *State) selectForModel(snap *Snapshot, modelFilter string, nowMs int64) (Selected, bool) {
	n := len(snap.Schedule)
	if n == 0 {
		return Selected{}, false
	}
	start := s.cursor.Add(1) - 1
	for i := 0; i < n; i++ {
		slot := (start + uint64(i)) % uint64(n)
		u := snap.Upstreams[snap.Schedule[slot]]

		if modelFilter != "" && !u.HasModel(modelFilter) {
			continue
		}
		if !u.eligible(nowMs) {
			continue
		}
		cred := u.selectCredential(nowMs)
		if cred == nil {
			continue
		}
		s.stats.Selected.Add(1)
		u.Stats.Selected.Add(1)
		return Selected{Upstream: u, Credential: cred}, true
	}
	return Selected{}, false
}

// SelectForModel is the public entry point: it loads the current snapshot
// and delegates to selectForModel.
func (s *State) SelectForModel(modelFilter string, nowMs int64) (Selected, bool) {
	snap := s.Snapshot()
	if snap == nil {
		return Selected{}, false
	}
	return s.selectForModel(snap, modelFilter, nowMs)
}
