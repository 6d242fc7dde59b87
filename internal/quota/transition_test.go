package quota

import (
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func newTestSnap(auth AuthType, limits Limits) Snapshot {
	return NewSnapshot("openai/gpt-4o", auth, limits, t0)
}

func TestApplyError_CooldownEscalation(t *testing.T) {
	r := DefaultRules()
	s := newTestSnap(AuthUnknown, Limits{})

	want := []time.Duration{time.Minute, 3 * time.Minute, 5 * time.Minute, 5 * time.Minute}
	now := t0
	for i, d := range want {
		s = r.ApplyError(s, ErrorEvent{Key: s.Key, HTTPStatus: 503}, now)
		if s.Reason != ReasonCooldown || s.InPool {
			t.Fatalf("error %d: expected cooldown out of pool, got %s in_pool=%v", i+1, s.Reason, s.InPool)
		}
		if got := s.CooldownUntil.Sub(now); got != d {
			t.Errorf("error %d: expected cooldown %v, got %v", i+1, d, got)
		}
		if s.ConsecutiveErrors != i+1 {
			t.Errorf("error %d: expected streak %d, got %d", i+1, i+1, s.ConsecutiveErrors)
		}
		// Next error arrives after the cooldown elapsed.
		now = s.CooldownUntil
	}
}

func TestApplyError_StreakResetsOnCategoryChange(t *testing.T) {
	r := DefaultRules()
	s := newTestSnap(AuthAPIKey, Limits{})

	s = r.ApplyError(s, ErrorEvent{Key: s.Key, HTTPStatus: 429}, t0)
	s = r.ApplyError(s, ErrorEvent{Key: s.Key, HTTPStatus: 429}, t0)
	if s.ConsecutiveErrors != 2 {
		t.Fatalf("expected streak 2, got %d", s.ConsecutiveErrors)
	}

	s = r.ApplyError(s, ErrorEvent{Key: s.Key, HTTPStatus: 503}, t0)
	if s.ConsecutiveErrors != 1 {
		t.Errorf("category change should reset streak to 1, got %d", s.ConsecutiveErrors)
	}
	if s.LastErrorCategory != CategoryServerError {
		t.Errorf("expected server_error, got %s", s.LastErrorCategory)
	}
	if s.Reason == ReasonBlacklist {
		t.Error("mixed categories must not reach the blacklist threshold")
	}
}

func TestApplyError_ThirdRateLimitBlacklistsAPIKey(t *testing.T) {
	r := DefaultRules()
	s := newTestSnap(AuthAPIKey, Limits{})

	s = r.ApplyError(s, ErrorEvent{Key: s.Key, HTTPStatus: 429}, t0)
	s = r.ApplyError(s, ErrorEvent{Key: s.Key, HTTPStatus: 429}, t0)
	if s.Reason != ReasonCooldown {
		t.Fatalf("two 429s should only cool down, got %s", s.Reason)
	}

	s = r.ApplyError(s, ErrorEvent{Key: s.Key, HTTPStatus: 429}, t0)
	if s.Reason != ReasonBlacklist || s.InPool {
		t.Fatalf("third 429 should blacklist, got %s in_pool=%v", s.Reason, s.InPool)
	}
	if got := s.BlacklistUntil.Sub(t0); got != 3*time.Hour {
		t.Errorf("expected 3h blacklist, got %v", got)
	}
	if !s.CooldownUntil.IsZero() {
		t.Error("blacklist escalation should clear the cooldown clock")
	}
}

func TestApplyError_RateLimitOAuthNeverBlacklists(t *testing.T) {
	r := DefaultRules()
	s := newTestSnap(AuthOAuth, Limits{})

	for i := 0; i < 10; i++ {
		s = r.ApplyError(s, ErrorEvent{Key: s.Key, HTTPStatus: 429}, t0)
	}
	if s.Reason != ReasonCooldown {
		t.Errorf("oauth 429s should stay cooldown-only, got %s after streak %d", s.Reason, s.ConsecutiveErrors)
	}
	if !s.BlacklistUntil.IsZero() {
		t.Error("oauth 429s must not set the blacklist clock")
	}
}

func TestApplyError_FatalBlacklistsImmediately(t *testing.T) {
	r := DefaultRules()
	s := newTestSnap(AuthAPIKey, Limits{})

	s = r.ApplyError(s, ErrorEvent{Key: s.Key, Code: "invalid_api_key", HTTPStatus: 401}, t0)
	if s.Reason != ReasonFatal || s.InPool {
		t.Fatalf("expected fatal out of pool, got %s in_pool=%v", s.Reason, s.InPool)
	}
	if got := s.BlacklistUntil.Sub(t0); got != 6*time.Hour {
		t.Errorf("expected 6h fatal blacklist, got %v", got)
	}
}

func TestApplyError_FatalBlacklistClampedToCeiling(t *testing.T) {
	r := DefaultRules()
	r.Policy = PolicyTable{
		{Category: CategoryFatal, Decision: Decision{BlacklistAfter: 1, BlacklistFor: 48 * time.Hour}},
	}
	s := newTestSnap(AuthAPIKey, Limits{})

	s = r.ApplyError(s, ErrorEvent{Key: s.Key, Fatal: true}, t0)
	if got := s.BlacklistUntil.Sub(t0); got != 24*time.Hour {
		t.Errorf("expected blacklist clamped to 24h, got %v", got)
	}
}

func TestApplyError_IgnoredWhileFatalActive(t *testing.T) {
	r := DefaultRules()
	s := newTestSnap(AuthAPIKey, Limits{})
	s = r.ApplyError(s, ErrorEvent{Key: s.Key, Fatal: true}, t0)

	before := s
	s = r.ApplyError(s, ErrorEvent{Key: s.Key, HTTPStatus: 429}, t0.Add(time.Hour))
	if s != before {
		t.Errorf("error during active fatal blacklist must be a no-op, got %+v", s)
	}
}

func TestApplySuccess_RestoresFromCooldown(t *testing.T) {
	r := DefaultRules()
	s := newTestSnap(AuthUnknown, Limits{})
	s = r.ApplyError(s, ErrorEvent{Key: s.Key, HTTPStatus: 503}, t0)

	s = r.ApplySuccess(s, SuccessEvent{Key: s.Key, UsedTokens: 120}, t0.Add(time.Second))
	if s.Reason != ReasonOK || !s.InPool {
		t.Fatalf("success should restore from cooldown, got %s in_pool=%v", s.Reason, s.InPool)
	}
	if s.ConsecutiveErrors != 0 || s.LastErrorCategory != CategoryNone {
		t.Errorf("success should reset the error streak, got %d/%s", s.ConsecutiveErrors, s.LastErrorCategory)
	}
	if !s.CooldownUntil.IsZero() {
		t.Error("success should clear the cooldown clock")
	}
	if s.TotalTokensUsed != 120 {
		t.Errorf("expected 120 tokens counted, got %d", s.TotalTokensUsed)
	}
}

func TestApplySuccess_DoesNotLiftBlacklist(t *testing.T) {
	r := DefaultRules()
	s := newTestSnap(AuthAPIKey, Limits{})
	for i := 0; i < 3; i++ {
		s = r.ApplyError(s, ErrorEvent{Key: s.Key, HTTPStatus: 429}, t0)
	}

	s = r.ApplySuccess(s, SuccessEvent{Key: s.Key, UsedTokens: 50}, t0.Add(time.Minute))
	if s.Reason != ReasonBlacklist || s.InPool {
		t.Errorf("success must not lift an active blacklist, got %s in_pool=%v", s.Reason, s.InPool)
	}
	if s.ConsecutiveErrors != 0 {
		t.Errorf("success should still reset the streak, got %d", s.ConsecutiveErrors)
	}
	if s.TotalTokensUsed != 50 {
		t.Errorf("tokens should still be counted, got %d", s.TotalTokensUsed)
	}
}

func TestApplySuccess_IgnoredWhileFatalActive(t *testing.T) {
	r := DefaultRules()
	s := newTestSnap(AuthAPIKey, Limits{})
	s = r.ApplyError(s, ErrorEvent{Key: s.Key, Fatal: true}, t0)

	s = r.ApplySuccess(s, SuccessEvent{Key: s.Key, UsedTokens: 10}, t0.Add(time.Hour))
	if s.Reason != ReasonFatal || s.InPool {
		t.Errorf("success during active fatal blacklist must not restore, got %s in_pool=%v", s.Reason, s.InPool)
	}
	if s.ConsecutiveErrors != 1 {
		t.Errorf("fatal streak must survive, got %d", s.ConsecutiveErrors)
	}
	if s.TotalTokensUsed != 10 {
		t.Errorf("tokens are counted even while fatal, got %d", s.TotalTokensUsed)
	}
}

func TestApplyUsage_RequestLimitDepletion(t *testing.T) {
	r := DefaultRules()
	s := newTestSnap(AuthAPIKey, Limits{RequestsPerMinute: 10})

	now := t0.Add(time.Second)
	for i := 0; i < 10; i++ {
		s = r.ApplyUsage(s, UsageEvent{Key: s.Key}, now)
		if s.Reason != ReasonOK {
			t.Fatalf("request %d within limit should stay ok, got %s", i+1, s.Reason)
		}
	}

	s = r.ApplyUsage(s, UsageEvent{Key: s.Key}, now)
	if s.Reason != ReasonQuotaDepleted || s.InPool {
		t.Fatalf("11th request should deplete, got %s in_pool=%v", s.Reason, s.InPool)
	}
	if !s.CooldownUntil.IsZero() || !s.BlacklistUntil.IsZero() {
		t.Error("quota depletion must not touch penalty clocks")
	}

	// Window rollover clears per-minute depletion.
	s = r.Tick(s, s.WindowStart.Add(r.Window))
	if s.Reason != ReasonOK || !s.InPool {
		t.Errorf("window rollover should restore, got %s in_pool=%v", s.Reason, s.InPool)
	}
	if s.RequestsThisWindow != 0 || s.TokensThisWindow != 0 {
		t.Errorf("rollover should zero the window counters, got %d/%d", s.RequestsThisWindow, s.TokensThisWindow)
	}
}

func TestApplyUsage_TokenLimitDepletion(t *testing.T) {
	r := DefaultRules()
	s := newTestSnap(AuthAPIKey, Limits{TokensPerMinute: 1000})

	s = r.ApplyUsage(s, UsageEvent{Key: s.Key, RequestedTokens: 1000}, t0.Add(time.Second))
	if s.Reason != ReasonOK {
		t.Fatalf("exactly at the limit is not over, got %s", s.Reason)
	}
	s = r.ApplyUsage(s, UsageEvent{Key: s.Key, RequestedTokens: 1}, t0.Add(2*time.Second))
	if s.Reason != ReasonQuotaDepleted {
		t.Fatalf("one token over the limit should deplete, got %s", s.Reason)
	}
}

func TestApplyUsage_TotalLimitSurvivesRollover(t *testing.T) {
	r := DefaultRules()
	s := newTestSnap(AuthAPIKey, Limits{TotalTokens: 500})

	s = r.ApplyUsage(s, UsageEvent{Key: s.Key, RequestedTokens: 501}, t0.Add(time.Second))
	if s.Reason != ReasonQuotaDepleted {
		t.Fatalf("lifetime breach should deplete, got %s", s.Reason)
	}

	s = r.Tick(s, t0.Add(10*time.Minute))
	if s.Reason != ReasonQuotaDepleted || s.InPool {
		t.Errorf("lifetime breach must survive window rollover, got %s in_pool=%v", s.Reason, s.InPool)
	}
}

func TestTick_Idempotent(t *testing.T) {
	r := DefaultRules()
	s := newTestSnap(AuthAPIKey, Limits{RequestsPerMinute: 5})
	s = r.ApplyError(s, ErrorEvent{Key: s.Key, HTTPStatus: 503}, t0)

	now := t0.Add(2 * time.Minute)
	once := r.Tick(s, now)
	twice := r.Tick(once, now)
	if once != twice {
		t.Errorf("tick must be idempotent: %+v vs %+v", once, twice)
	}
}

func TestTick_BlacklistExpiryIsFullRecovery(t *testing.T) {
	r := DefaultRules()
	s := newTestSnap(AuthAPIKey, Limits{})
	for i := 0; i < 3; i++ {
		s = r.ApplyError(s, ErrorEvent{Key: s.Key, HTTPStatus: 429}, t0)
	}

	s = r.Tick(s, s.BlacklistUntil)
	if s.Reason != ReasonOK || !s.InPool {
		t.Fatalf("elapsed blacklist should recover, got %s in_pool=%v", s.Reason, s.InPool)
	}
	if s.ConsecutiveErrors != 0 || s.LastErrorCategory != CategoryNone {
		t.Errorf("blacklist expiry should clear the streak, got %d/%s", s.ConsecutiveErrors, s.LastErrorCategory)
	}
}

func TestTick_FatalExpiryRecovers(t *testing.T) {
	r := DefaultRules()
	s := newTestSnap(AuthAPIKey, Limits{})
	s = r.ApplyError(s, ErrorEvent{Key: s.Key, Fatal: true}, t0)

	s = r.Tick(s, s.BlacklistUntil.Add(time.Second))
	if s.Reason != ReasonOK || !s.InPool {
		t.Errorf("elapsed fatal blacklist should recover, got %s in_pool=%v", s.Reason, s.InPool)
	}
}

func TestTick_HealsInconsistentSnapshot(t *testing.T) {
	r := DefaultRules()
	s := newTestSnap(AuthAPIKey, Limits{})
	s.InPool = true
	s.Reason = ReasonOK
	s.BlacklistUntil = t0.Add(time.Hour)

	s = r.Tick(s, t0)
	if s.InPool || s.Reason != ReasonBlacklist {
		t.Errorf("active clock with in_pool true must heal, got %s in_pool=%v", s.Reason, s.InPool)
	}
}

func TestRoutable(t *testing.T) {
	r := DefaultRules()
	s := newTestSnap(AuthAPIKey, Limits{RequestsPerMinute: 1})

	if !r.Routable(s, t0) {
		t.Error("fresh endpoint should be routable")
	}

	cooled := r.ApplyError(s, ErrorEvent{Key: s.Key, HTTPStatus: 503}, t0)
	if r.Routable(cooled, t0.Add(time.Second)) {
		t.Error("active cooldown is not routable")
	}
	if !r.Routable(cooled, cooled.CooldownUntil) {
		t.Error("a stale snapshot with an elapsed cooldown is routable")
	}

	depleted := r.ApplyUsage(s, UsageEvent{Key: s.Key}, t0.Add(time.Second))
	depleted = r.ApplyUsage(depleted, UsageEvent{Key: s.Key}, t0.Add(2*time.Second))
	if depleted.Reason != ReasonQuotaDepleted {
		t.Fatalf("setup: expected depletion, got %s", depleted.Reason)
	}
	if r.Routable(depleted, t0.Add(30*time.Second)) {
		t.Error("depleted endpoint is not routable inside the window")
	}
	if !r.Routable(depleted, depleted.WindowStart.Add(r.Window)) {
		t.Error("depleted endpoint is routable once the window rolls")
	}

	breached := r.ApplyUsage(newTestSnap(AuthAPIKey, Limits{TotalTokens: 10}), UsageEvent{Key: s.Key, RequestedTokens: 11}, t0)
	if r.Routable(breached, t0.Add(time.Hour)) {
		t.Error("lifetime breach is never routable")
	}
}

func TestCooldownFor_EmptySchedule(t *testing.T) {
	r := DefaultRules()
	r.CooldownSchedule = nil
	if got := r.cooldownFor(2); got != time.Minute {
		t.Errorf("empty schedule should fall back to 1m, got %v", got)
	}
}
