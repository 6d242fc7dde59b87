// Package quota implements the provider health and quota engine. It keeps
// one state snapshot per upstream endpoint, classifies reported failures,
// escalates cooldown and blacklist penalties, enforces per-minute and
// lifetime token quotas, and answers routability queries on the hot path
// without blocking.
package quota

import "time"

// Reason explains why an endpoint is in or out of the routing pool.
type Reason string

const (
	ReasonOK            Reason = "ok"
	ReasonCooldown      Reason = "cooldown"
	ReasonBlacklist     Reason = "blacklist"
	ReasonQuotaDepleted Reason = "quota_depleted"
	ReasonFatal         Reason = "fatal"
)

// AuthType is the credential mode of an endpoint. It is set once at
// registration and influences penalty policy: repeated 429s blacklist an
// API-key endpoint but only cool down an OAuth one, whose quota can
// recover independently through credential refresh.
type AuthType string

const (
	AuthUnknown AuthType = "unknown"
	AuthAPIKey  AuthType = "apikey"
	AuthOAuth   AuthType = "oauth"
)

// ParseAuthType maps a configuration string to an AuthType. Unrecognized
// values (including empty) come back as AuthUnknown.
func ParseAuthType(s string) AuthType {
	switch AuthType(s) {
	case AuthAPIKey, AuthOAuth:
		return AuthType(s)
	default:
		return AuthUnknown
	}
}

// Limits holds the static quota configuration for one endpoint.
// A zero value means unbounded for that dimension.
type Limits struct {
	PriorityTier      int   `json:"priority_tier,omitempty"`
	RequestsPerMinute int64 `json:"requests_per_minute,omitempty"`
	TokensPerMinute   int64 `json:"tokens_per_minute,omitempty"`
	TotalTokens       int64 `json:"total_tokens,omitempty"`
}

// Snapshot is the complete state of one endpoint at a point in time.
// Transition functions take a Snapshot by value and return a new one;
// the store swaps whole snapshots so readers never observe a partial
// update.
type Snapshot struct {
	Key      string   `json:"key"`
	InPool   bool     `json:"in_pool"`
	Reason   Reason   `json:"reason"`
	AuthType AuthType `json:"auth_type"`
	Limits   Limits   `json:"limits"`

	WindowStart        time.Time `json:"window_start"`
	RequestsThisWindow int64     `json:"requests_this_window"`
	TokensThisWindow   int64     `json:"tokens_this_window"`
	TotalTokensUsed    int64     `json:"total_tokens_used"`

	// Penalty clocks. Zero means no penalty of that kind is active.
	// At most one is non-zero at a time: escalating to one clears the
	// other.
	CooldownUntil  time.Time `json:"cooldown_until,omitzero"`
	BlacklistUntil time.Time `json:"blacklist_until,omitzero"`

	LastErrorCategory Category `json:"last_error_category,omitempty"`
	ConsecutiveErrors int      `json:"consecutive_errors,omitempty"`
}

// NewSnapshot returns the initial state for an endpoint: in pool, no
// penalties, usage window starting now.
func NewSnapshot(key string, auth AuthType, limits Limits, now time.Time) Snapshot {
	return Snapshot{
		Key:         key,
		InPool:      true,
		Reason:      ReasonOK,
		AuthType:    auth,
		Limits:      limits,
		WindowStart: now,
	}
}

func (s Snapshot) cooldownActive(now time.Time) bool {
	return !s.CooldownUntil.IsZero() && now.Before(s.CooldownUntil)
}

func (s Snapshot) blacklistActive(now time.Time) bool {
	return !s.BlacklistUntil.IsZero() && now.Before(s.BlacklistUntil)
}

// totalLimitBreached reports whether the lifetime token limit, if set,
// has been exceeded. Unlike per-minute depletion this never clears on a
// window rollover.
func (s Snapshot) totalLimitBreached() bool {
	return s.Limits.TotalTokens > 0 && s.TotalTokensUsed > s.Limits.TotalTokens
}
