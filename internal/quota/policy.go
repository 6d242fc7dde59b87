package quota

import "time"

// Decision is the penalty policy for one failure category. When
// CooldownOnly is false and the same-category error streak reaches
// BlacklistAfter, the endpoint is blacklisted for BlacklistFor (clamped
// to the blacklist ceiling).
type Decision struct {
	CooldownOnly   bool
	BlacklistAfter int
	BlacklistFor   time.Duration
}

// PolicyRule binds a Decision to a failure category, optionally narrowed
// to one auth type. An empty Auth matches every auth type.
type PolicyRule struct {
	Category Category
	Auth     AuthType
	Decision Decision
}

// PolicyTable is an ordered rule list; Resolve returns the first match.
// The table is data, not code: deployments override it from
// configuration.
type PolicyTable []PolicyRule

// Resolve returns the decision for a classified error on an endpoint
// with the given auth type. Categories with no matching rule are treated
// as cooldown-only.
func (t PolicyTable) Resolve(cat Category, auth AuthType) Decision {
	for _, r := range t {
		if r.Category != cat {
			continue
		}
		if r.Auth == "" || r.Auth == auth {
			return r.Decision
		}
	}
	return Decision{CooldownOnly: true}
}

// DefaultPolicy returns the shipped penalty table:
//
//   - fatal errors blacklist immediately for 6h
//   - network and 5xx errors only ever cool down
//   - 429s blacklist API-key endpoints after 3 consecutive hits (3h),
//     but only cool down OAuth/unknown endpoints, whose quota recovers
//     through credential refresh
//   - anything else blacklists after 3 consecutive hits for 1h
func DefaultPolicy() PolicyTable {
	return PolicyTable{
		{Category: CategoryFatal, Decision: Decision{BlacklistAfter: 1, BlacklistFor: 6 * time.Hour}},
		{Category: CategoryNetwork, Decision: Decision{CooldownOnly: true}},
		{Category: CategoryServerError, Decision: Decision{CooldownOnly: true}},
		{Category: CategoryRateLimited, Auth: AuthAPIKey, Decision: Decision{BlacklistAfter: 3, BlacklistFor: 3 * time.Hour}},
		{Category: CategoryRateLimited, Decision: Decision{CooldownOnly: true}},
		{Category: CategoryOther, Decision: Decision{BlacklistAfter: 3, BlacklistFor: time.Hour}},
	}
}
