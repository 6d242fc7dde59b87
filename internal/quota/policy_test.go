package quota

import (
	"testing"
	"time"
)

func TestPolicyResolve_FirstMatchWins(t *testing.T) {
	table := PolicyTable{
		{Category: CategoryRateLimited, Auth: AuthAPIKey, Decision: Decision{BlacklistAfter: 3, BlacklistFor: 3 * time.Hour}},
		{Category: CategoryRateLimited, Decision: Decision{CooldownOnly: true}},
	}

	dec := table.Resolve(CategoryRateLimited, AuthAPIKey)
	if dec.CooldownOnly || dec.BlacklistAfter != 3 {
		t.Errorf("apikey should match the narrowed rule, got %+v", dec)
	}

	dec = table.Resolve(CategoryRateLimited, AuthOAuth)
	if !dec.CooldownOnly {
		t.Errorf("oauth should fall through to the wildcard rule, got %+v", dec)
	}
}

func TestPolicyResolve_UnmatchedIsCooldownOnly(t *testing.T) {
	dec := PolicyTable{}.Resolve(CategoryNetwork, AuthAPIKey)
	if !dec.CooldownOnly {
		t.Errorf("empty table should default to cooldown-only, got %+v", dec)
	}
}

func TestDefaultPolicy(t *testing.T) {
	table := DefaultPolicy()

	dec := table.Resolve(CategoryFatal, AuthOAuth)
	if dec.BlacklistAfter != 1 || dec.BlacklistFor != 6*time.Hour {
		t.Errorf("fatal: expected immediate 6h blacklist, got %+v", dec)
	}

	if dec := table.Resolve(CategoryNetwork, AuthAPIKey); !dec.CooldownOnly {
		t.Errorf("network should be cooldown-only, got %+v", dec)
	}
	if dec := table.Resolve(CategoryServerError, AuthAPIKey); !dec.CooldownOnly {
		t.Errorf("server_error should be cooldown-only, got %+v", dec)
	}

	dec = table.Resolve(CategoryRateLimited, AuthAPIKey)
	if dec.BlacklistAfter != 3 || dec.BlacklistFor != 3*time.Hour {
		t.Errorf("apikey 429: expected blacklist after 3 for 3h, got %+v", dec)
	}
	if dec := table.Resolve(CategoryRateLimited, AuthOAuth); !dec.CooldownOnly {
		t.Errorf("oauth 429 should be cooldown-only, got %+v", dec)
	}
	if dec := table.Resolve(CategoryRateLimited, AuthUnknown); !dec.CooldownOnly {
		t.Errorf("unknown-auth 429 should be cooldown-only, got %+v", dec)
	}

	dec = table.Resolve(CategoryOther, AuthAPIKey)
	if dec.BlacklistAfter != 3 || dec.BlacklistFor != time.Hour {
		t.Errorf("other: expected blacklist after 3 for 1h, got %+v", dec)
	}
}
