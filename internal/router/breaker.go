package router

import "math/bits"

// BanConfig holds the circuit breaker's per-class base cooldowns.
type BanConfig struct {
	RateLimitMs   uint64 `yaml:"rate_limit_ms"`
	ServerErrorMs uint64 `yaml:"server_error_ms"`
	NetworkErrMs  uint64 `yaml:"network_error_ms"`
	AuthErrorMs   uint64 `yaml:"auth_error_ms"`
	MaxBackoffPow uint32 `yaml:"max_backoff_pow"`
}

// Normalize clamps MaxBackoffPow to 30.
func (b *BanConfig) Normalize() {
	if b.MaxBackoffPow > 30 {
		b.MaxBackoffPow = 30
	}
}

// backoffMs computes cooldown = base * (1 << min(streak-1, maxPow)) with
// saturating multiplication.
func backoffMs(base uint64, streak int64, maxPow uint32) uint64 {
	if streak < 1 {
		streak = 1
	}
	shift := uint32(streak - 1)
	if shift > maxPow {
		shift = maxPow
	}
	hi, lo := bits.Mul64(base, uint64(1)<<shift)
	if hi != 0 {
		return ^uint64(0) // saturate
	}
	return lo
}

func saturatingAddI64(now int64, delta uint64) int64 {
	if delta > uint64(^uint64(0)>>1) {
		if now >= 0 {
			return int64(^uint64(0) >> 1)
		}
		// now < 0, so now+MaxInt64 cannot overflow; add the remainder.
		return saturatingAddI64(now+int64(^uint64(0)>>1), delta-(^uint64(0)>>1))
	}
	sum := now + int64(delta)
	if sum < now { // overflow
		return int64(^uint64(0) >> 1)
	}
	return sum
}

// banCredential applies the given base cooldown class to a credential,
// bumping its failure streak first.
func banCredential(c *Credential, nowMs int64, baseMs uint64, maxPow uint32) {
	streak := c.Streak.Add(1)
	cd := backoffMs(baseMs, streak, maxPow)
	c.Cooldown.Store(saturatingAddI64(nowMs, cd))
}

// banUpstream applies the given base cooldown class to an upstream, bumping
// its failure streak first.
func banUpstream(u *Upstream, nowMs int64, baseMs uint64, maxPow uint32) {
	streak := u.Streak.Add(1)
	cd := backoffMs(baseMs, streak, maxPow)
	u.Cooldown.Store(saturatingAddI64(nowMs, cd))
}

// OnUpstreamStatus applies the outcome mapping for an
// observed HTTP status S from upstream u using credential c.
func (s *State) OnUpstreamStatus(u *Upstream, c *Credential, status int, nowMs int64) {
	// Any response, even an error, proves the upstream reachable.
	u.Streak.Store(0)
	u.Cooldown.Store(0)

	ban := s.ban
	switch {
	case status == 429:
		banCredential(c, nowMs, ban.RateLimitMs, ban.MaxBackoffPow)
	case status == 401 || status == 403:
		banCredential(c, nowMs, ban.AuthErrorMs, ban.MaxBackoffPow)
	case status >= 500:
		banUpstream(u, nowMs, ban.ServerErrorMs, ban.MaxBackoffPow)
	default:
		c.Streak.Store(0)
	}

	s.recordStatusCounters(u, status)
}

// OnTimeout applies the timeout transport outcome: bump upstream streak,
// apply network-error backoff, increment timeout counters.
func (s *State) OnTimeout(u *Upstream, nowMs int64) {
	banUpstream(u, nowMs, s.ban.NetworkErrMs, s.ban.MaxBackoffPow)
	u.Stats.Timeouts.Add(1)
	s.stats.Timeouts.Add(1)
}

// OnNetworkError applies the generic transport-error outcome.
func (s *State) OnNetworkError(u *Upstream, nowMs int64) {
	banUpstream(u, nowMs, s.ban.NetworkErrMs, s.ban.MaxBackoffPow)
	u.Stats.NetworkErrs.Add(1)
	s.stats.NetworkErrs.Add(1)
}

// ClassifyStatus partitions every status into success/failure/ignored:
// 200..=299 -> success, 404 -> ignored, everything else -> failure.
func ClassifyStatus(status int) string {
	switch {
	case status >= 200 && status <= 299:
		return "success"
	case status == 404:
		return "ignored"
	default:
		return "failure"
	}
}

func (s *State) recordStatusCounters(u *Upstream, status int) {
	u.Stats.Requests.Add(1)
	switch ClassifyStatus(status) {
	case "success":
		u.Stats.Success.Add(1)
		s.stats.Success.Add(1)
	case "ignored":
		u.Stats.Ignored.Add(1)
		s.stats.Ignored.Add(1)
	default:
		u.Stats.Failure.Add(1)
		s.stats.Failure.Add(1)
	}
}
