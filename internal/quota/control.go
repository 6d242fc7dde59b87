package quota

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/modelgate/healthcore/internal/metrics"
)

// ProposalKind names a manual control action.
type ProposalKind string

const (
	ProposeCooldown  ProposalKind = "cooldown"
	ProposeBlacklist ProposalKind = "blacklist"
	ProposeClear     ProposalKind = "clear"
)

// Proposal is a manual action submitted through the control surface.
// Operators propose penalties rather than writing state fields; the
// store merges proposals with the current state under the same clamping
// and invariant rules as the automatic path.
type Proposal struct {
	Kind   ProposalKind
	Key    string
	TTL    time.Duration // required for cooldown and blacklist
	Reason string        // operator note, logged and journaled
}

// ErrUnknownEndpoint is returned for proposals against a key that was
// never registered or seen.
var ErrUnknownEndpoint = errors.New("unknown endpoint key")

func (p Proposal) validate() error {
	switch p.Kind {
	case ProposeCooldown, ProposeBlacklist:
		if p.TTL <= 0 {
			return fmt.Errorf("%s proposal requires a positive ttl", p.Kind)
		}
	case ProposeClear:
	default:
		return fmt.Errorf("unknown proposal kind %q", p.Kind)
	}
	if p.Key == "" {
		return errors.New("proposal requires an endpoint key")
	}
	return nil
}

// ApplyProposal merges a manual action into the snapshot. Concurrent
// penalties of the same kind keep the longer clock; a blacklist
// escalation clears the cooldown clock; an active blacklist outranks a
// manual cooldown. Clear restores the endpoint to the pool and resets
// streaks but keeps usage counters.
func (r Rules) ApplyProposal(s Snapshot, p Proposal, now time.Time) Snapshot {
	switch p.Kind {
	case ProposeCooldown:
		if s.blacklistActive(now) {
			return s
		}
		if until := now.Add(p.TTL); until.After(s.CooldownUntil) {
			s.CooldownUntil = until
		}
		s.InPool = false
		s.Reason = ReasonCooldown

	case ProposeBlacklist:
		if until := now.Add(r.clampBlacklist(p.TTL)); until.After(s.BlacklistUntil) {
			s.BlacklistUntil = until
		}
		s.CooldownUntil = time.Time{}
		s.InPool = false
		if s.Reason != ReasonFatal {
			s.Reason = ReasonBlacklist
		}

	case ProposeClear:
		s.CooldownUntil = time.Time{}
		s.BlacklistUntil = time.Time{}
		s.LastErrorCategory = CategoryNone
		s.ConsecutiveErrors = 0
		s.Reason = ReasonOK
		s.InPool = true
	}
	return s
}

// Propose validates and applies a manual action, returning a generated
// action ID and the resulting state.
func (s *Store) Propose(p Proposal) (string, Snapshot, error) {
	if err := p.validate(); err != nil {
		return "", Snapshot{}, err
	}

	s.mu.RLock()
	_, known := s.entries[p.Key]
	s.mu.RUnlock()
	if !known {
		return "", Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownEndpoint, p.Key)
	}

	id := uuid.NewString()
	next := s.update(p.Key, KindProposal, time.Time{}, func(r Rules, cur Snapshot, now time.Time) Snapshot {
		return r.ApplyProposal(cur, p, now)
	})

	metrics.ControlActions.WithLabelValues(string(p.Kind)).Inc()
	s.logger.Info("manual action applied",
		"action_id", id,
		"kind", string(p.Kind),
		"key", p.Key,
		"ttl", p.TTL,
		"operator_reason", p.Reason,
		"state", string(next.Reason),
	)
	return id, next, nil
}
