package quota

import "time"

// Rules bundles the tunable behavior of the transition functions: the
// penalty policy table, the cooldown escalation schedule, the hard
// blacklist ceiling, and the usage accounting window.
type Rules struct {
	Policy           PolicyTable
	CooldownSchedule []time.Duration
	BlacklistCeiling time.Duration
	Window           time.Duration
}

// DefaultRules returns the shipped engine rules: the default policy
// table, a 1m/3m/5m cooldown schedule, a 24h blacklist ceiling, and a
// 60s usage window.
func DefaultRules() Rules {
	return Rules{
		Policy:           DefaultPolicy(),
		CooldownSchedule: []time.Duration{time.Minute, 3 * time.Minute, 5 * time.Minute},
		BlacklistCeiling: 24 * time.Hour,
		Window:           time.Minute,
	}
}

// ErrorEvent reports one failed provider call.
type ErrorEvent struct {
	Key        string    `json:"key"`
	Code       string    `json:"code,omitempty"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Fatal      bool      `json:"fatal,omitempty"`
	Timestamp  time.Time `json:"timestamp,omitzero"`
}

// SuccessEvent reports one completed provider call and the tokens it
// consumed.
type SuccessEvent struct {
	Key        string    `json:"key"`
	UsedTokens int64     `json:"used_tokens,omitempty"`
	Timestamp  time.Time `json:"timestamp,omitzero"`
}

// UsageEvent reports pre-flight quota consumption, before the provider
// call completes.
type UsageEvent struct {
	Key             string    `json:"key"`
	RequestedTokens int64     `json:"requested_tokens,omitempty"`
	Timestamp       time.Time `json:"timestamp,omitzero"`
}

// ApplyError returns the state after one failed call. An endpoint in a
// still-active fatal blacklist is closed: the event is ignored entirely.
// Otherwise the failure is classified, the same-category streak is
// updated, and the policy table decides between a blacklist (threshold
// reached) and a cooldown from the escalation schedule.
func (r Rules) ApplyError(s Snapshot, ev ErrorEvent, now time.Time) Snapshot {
	if s.Reason == ReasonFatal && s.blacklistActive(now) {
		return s
	}

	cat := Classify(Failure{Code: ev.Code, HTTPStatus: ev.HTTPStatus, Fatal: ev.Fatal})
	if cat == s.LastErrorCategory {
		s.ConsecutiveErrors++
	} else {
		s.ConsecutiveErrors = 1
	}
	s.LastErrorCategory = cat

	dec := r.Policy.Resolve(cat, s.AuthType)

	if cat == CategoryFatal {
		s.InPool = false
		s.Reason = ReasonFatal
		s.BlacklistUntil = now.Add(r.clampBlacklist(dec.BlacklistFor))
		s.CooldownUntil = time.Time{}
		return s
	}

	if !dec.CooldownOnly && dec.BlacklistAfter > 0 && s.ConsecutiveErrors >= dec.BlacklistAfter {
		s.InPool = false
		s.Reason = ReasonBlacklist
		s.BlacklistUntil = now.Add(r.clampBlacklist(dec.BlacklistFor))
		s.CooldownUntil = time.Time{}
		return s
	}

	s.InPool = false
	s.Reason = ReasonCooldown
	s.CooldownUntil = now.Add(r.cooldownFor(s.ConsecutiveErrors))
	s.BlacklistUntil = time.Time{}
	return s
}

// ApplySuccess returns the state after one completed call. Token usage
// is always counted. A still-active fatal blacklist stops there; in
// every other state the error streak resets, and an endpoint that was
// cooling down (and is not blacklisted) returns to the pool.
func (r Rules) ApplySuccess(s Snapshot, ev SuccessEvent, now time.Time) Snapshot {
	s.TotalTokensUsed += ev.UsedTokens

	if s.Reason == ReasonFatal && s.blacklistActive(now) {
		return s
	}

	s.LastErrorCategory = CategoryNone
	s.ConsecutiveErrors = 0

	if s.blacklistActive(now) {
		return s
	}

	if s.Reason == ReasonCooldown || (!s.CooldownUntil.IsZero() && !now.Before(s.CooldownUntil)) {
		s.Reason = ReasonOK
		s.InPool = true
		s.CooldownUntil = time.Time{}
	}
	return s
}

// ApplyUsage rolls the usage window if needed, then counts the requested
// tokens against the per-minute and lifetime quotas. Exceeding any
// configured limit pulls the endpoint from the pool as quota-depleted
// without touching the penalty clocks.
func (r Rules) ApplyUsage(s Snapshot, ev UsageEvent, now time.Time) Snapshot {
	s = r.Tick(s, now)

	s.RequestsThisWindow++
	s.TokensThisWindow += ev.RequestedTokens
	s.TotalTokensUsed += ev.RequestedTokens

	lim := s.Limits
	over := (lim.RequestsPerMinute > 0 && s.RequestsThisWindow > lim.RequestsPerMinute) ||
		(lim.TokensPerMinute > 0 && s.TokensThisWindow > lim.TokensPerMinute) ||
		s.totalLimitBreached()
	if over {
		s.InPool = false
		s.Reason = ReasonQuotaDepleted
	}
	return s
}

// Tick advances time with no event. It self-heals an inconsistently
// persisted snapshot (active penalty clock but in_pool true), clears
// elapsed penalty clocks, and rolls the usage window. Idempotent: a
// second call with the same now is a no-op.
func (r Rules) Tick(s Snapshot, now time.Time) Snapshot {
	// A snapshot may have been persisted with in_pool true while a
	// penalty clock was still running; force it out of the pool.
	if s.InPool && (s.cooldownActive(now) || s.blacklistActive(now)) {
		s.InPool = false
		switch {
		case s.blacklistActive(now):
			if s.Reason != ReasonFatal {
				s.Reason = ReasonBlacklist
			}
		default:
			s.Reason = ReasonCooldown
		}
	}

	if !s.BlacklistUntil.IsZero() && !now.Before(s.BlacklistUntil) {
		// Blacklist elapsed: full recovery, streaks included.
		s.BlacklistUntil = time.Time{}
		s.CooldownUntil = time.Time{}
		s.LastErrorCategory = CategoryNone
		s.ConsecutiveErrors = 0
		s.Reason = ReasonOK
		s.InPool = true
	} else if !s.CooldownUntil.IsZero() && !now.Before(s.CooldownUntil) {
		s.CooldownUntil = time.Time{}
		if s.Reason == ReasonCooldown || s.Reason == ReasonQuotaDepleted {
			s.Reason = ReasonOK
			s.InPool = true
		}
	}

	if !now.Before(s.WindowStart.Add(r.Window)) {
		s.RequestsThisWindow = 0
		s.TokensThisWindow = 0
		s.WindowStart = now
		// Per-minute depletion clears with the window; a breached
		// lifetime limit or an active penalty clock does not.
		if s.Reason == ReasonQuotaDepleted && !s.totalLimitBreached() &&
			!s.cooldownActive(now) && !s.blacklistActive(now) {
			s.Reason = ReasonOK
			s.InPool = true
		}
	}
	return s
}

// Routable reports whether the endpoint may serve traffic at now,
// without mutating the snapshot. It mirrors Tick's recovery rules so
// that a stale snapshot still answers correctly: elapsed penalties count
// as recovered, and per-minute depletion ends when the window rolls.
func (r Rules) Routable(s Snapshot, now time.Time) bool {
	if s.blacklistActive(now) || s.cooldownActive(now) {
		return false
	}
	if s.Reason == ReasonQuotaDepleted {
		if s.totalLimitBreached() {
			return false
		}
		return !now.Before(s.WindowStart.Add(r.Window))
	}
	if s.Reason == ReasonFatal || s.Reason == ReasonBlacklist || s.Reason == ReasonCooldown {
		// Penalty clocks already checked above, so they have elapsed.
		return true
	}
	return s.InPool
}

// clampBlacklist bounds a blacklist duration to the ceiling. A
// non-positive duration (a misconfigured table) gets the full ceiling,
// which keeps the worst case bounded either way.
func (r Rules) clampBlacklist(d time.Duration) time.Duration {
	if d <= 0 || (r.BlacklistCeiling > 0 && d > r.BlacklistCeiling) {
		return r.BlacklistCeiling
	}
	return d
}

// cooldownFor returns the schedule entry for the given streak length,
// clamped to the last entry for longer streaks.
func (r Rules) cooldownFor(streak int) time.Duration {
	if len(r.CooldownSchedule) == 0 {
		return time.Minute
	}
	if streak < 1 {
		streak = 1
	}
	if streak > len(r.CooldownSchedule) {
		streak = len(r.CooldownSchedule)
	}
	return r.CooldownSchedule[streak-1]
}
