package quota

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelgate/healthcore/internal/metrics"
)

// Journal receives engine activity for durability. Append must never
// block: implementations queue records and write in the background, and
// a failed or dropped write degrades durability only.
type Journal interface {
	Append(kind, key string, at time.Time, snap Snapshot)
}

// Journal record kinds emitted by the store.
const (
	KindError    = "error"
	KindSuccess  = "success"
	KindUsage    = "usage"
	KindProposal = "proposal"
	KindSweep    = "sweep"
)

// entry holds one endpoint's state. Readers load the snapshot pointer
// atomically and never take a lock; writers serialize on mu, build the
// next snapshot with a pure transition function, and swap the pointer.
type entry struct {
	mu   sync.Mutex
	snap atomic.Pointer[Snapshot]
}

// Store is the concurrency-safe holder of one snapshot per endpoint key.
// Writes for the same key are serialized; writes for different keys do
// not contend. There is no global lock on the read path.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry

	rules   atomic.Pointer[Rules]
	journal Journal // nil disables persistence
	logger  *slog.Logger
	stopCh  chan struct{}
}

// NewStore creates an empty store. journal may be nil to disable
// persistence.
func NewStore(rules Rules, journal Journal, logger *slog.Logger) *Store {
	s := &Store{
		entries: make(map[string]*entry),
		journal: journal,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
	s.rules.Store(&rules)
	return s
}

// Rules returns the active transition rules.
func (s *Store) Rules() Rules {
	return *s.rules.Load()
}

// UpdateRules swaps the transition rules, e.g. on config hot-reload.
// In-flight writes finish under the rules they started with.
func (s *Store) UpdateRules(rules Rules) {
	s.rules.Store(&rules)
	s.logger.Info("engine rules updated",
		"policy_rules", len(rules.Policy),
		"cooldown_steps", len(rules.CooldownSchedule),
		"blacklist_ceiling", rules.BlacklistCeiling,
	)
}

// Register creates the endpoint's state if absent and applies its static
// configuration. Re-registering an existing key updates auth type and
// limits in place without disturbing penalties or counters.
func (s *Store) Register(key string, auth AuthType, limits Limits) {
	e := s.getOrCreate(key, auth, limits)
	e.mu.Lock()
	next := *e.snap.Load()
	next.AuthType = auth
	next.Limits = limits
	e.snap.Store(&next)
	e.mu.Unlock()
}

// ReportError applies one failed provider call and returns the
// resulting state.
func (s *Store) ReportError(ev ErrorEvent) Snapshot {
	return s.update(ev.Key, KindError, ev.Timestamp, func(r Rules, cur Snapshot, now time.Time) Snapshot {
		return r.ApplyError(cur, ev, now)
	})
}

// ReportSuccess applies one completed provider call and returns the
// resulting state.
func (s *Store) ReportSuccess(ev SuccessEvent) Snapshot {
	return s.update(ev.Key, KindSuccess, ev.Timestamp, func(r Rules, cur Snapshot, now time.Time) Snapshot {
		return r.ApplySuccess(cur, ev, now)
	})
}

// ReportUsage applies pre-flight quota consumption and returns the
// resulting state.
func (s *Store) ReportUsage(ev UsageEvent) Snapshot {
	return s.update(ev.Key, KindUsage, ev.Timestamp, func(r Rules, cur Snapshot, now time.Time) Snapshot {
		return r.ApplyUsage(cur, ev, now)
	})
}

// IsRoutable reports whether routing may select the endpoint right now.
// Unknown keys are routable: an endpoint with no recorded history has no
// recorded trouble (fail-open). Never blocks on the write path.
func (s *Store) IsRoutable(key string) bool {
	s.mu.RLock()
	e := s.entries[key]
	s.mu.RUnlock()
	if e == nil {
		return true
	}
	return s.Rules().Routable(*e.snap.Load(), time.Now())
}

// State returns the current snapshot for diagnostics. The second return
// is false for unknown keys.
func (s *Store) State(key string) (Snapshot, bool) {
	s.mu.RLock()
	e := s.entries[key]
	s.mu.RUnlock()
	if e == nil {
		return Snapshot{}, false
	}
	return *e.snap.Load(), true
}

// Snapshots returns a copy of every endpoint's current state, sorted by
// key. Used by diagnostics and journal compaction.
func (s *Store) Snapshots() []Snapshot {
	s.mu.RLock()
	snaps := make([]Snapshot, 0, len(s.entries))
	for _, e := range s.entries {
		snaps = append(snaps, *e.snap.Load())
	}
	s.mu.RUnlock()

	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Key < snaps[j].Key })
	return snaps
}

// Restore seeds registered endpoints from persisted snapshots. Each
// loaded state is ticked at now so elapsed penalties come back as ok.
// Snapshots for keys that are no longer registered are dropped; their
// journal records disappear at the next compaction.
func (s *Store) Restore(snaps []Snapshot, now time.Time) {
	rules := s.Rules()
	for _, snap := range snaps {
		s.mu.RLock()
		e := s.entries[snap.Key]
		s.mu.RUnlock()
		if e == nil {
			s.logger.Info("dropping persisted state for unregistered endpoint", "key", snap.Key)
			continue
		}

		e.mu.Lock()
		cur := *e.snap.Load()
		// Registration config wins over whatever was persisted.
		snap.AuthType = cur.AuthType
		snap.Limits = cur.Limits
		next := rules.Tick(snap, now)
		e.snap.Store(&next)
		e.mu.Unlock()

		s.setPoolGauge(next)
	}
}

// StartSweep launches the background pass that ticks every endpoint so
// elapsed penalties and stale windows heal even on idle keys. Call Stop
// to terminate it.
func (s *Store) StartSweep(every time.Duration) {
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweep(time.Now())
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the background sweep.
func (s *Store) Stop() {
	close(s.stopCh)
}

// sweep ticks every entry once at now.
func (s *Store) sweep(now time.Time) {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	rules := s.Rules()
	for _, e := range entries {
		e.mu.Lock()
		cur := *e.snap.Load()
		next := rules.Tick(cur, now)
		e.snap.Store(&next)
		e.mu.Unlock()

		if next.Reason != cur.Reason {
			s.recordTransition(cur, next)
			if s.journal != nil {
				s.journal.Append(KindSweep, next.Key, now, next)
			}
		}
		s.setPoolGauge(next)
	}
}

// update serializes one read-modify-write on the key's entry: tick,
// apply, swap. The journal append happens outside the entry lock and
// never blocks.
func (s *Store) update(key, kind string, at time.Time, apply func(Rules, Snapshot, time.Time) Snapshot) Snapshot {
	now := at
	if now.IsZero() {
		now = time.Now()
	}
	rules := s.Rules()
	e := s.getOrCreate(key, AuthUnknown, Limits{})

	e.mu.Lock()
	cur := *e.snap.Load()
	next := rules.Tick(cur, now)
	next = apply(rules, next, now)
	e.snap.Store(&next)
	e.mu.Unlock()

	metrics.EventsTotal.WithLabelValues(kind).Inc()
	if next.Reason != cur.Reason {
		s.recordTransition(cur, next)
	}
	s.setPoolGauge(next)

	if s.journal != nil {
		s.journal.Append(kind, key, now, next)
	}
	return next
}

// getOrCreate returns the entry for key, creating it lazily. Read-lock
// for the common hit path, write-lock with a double-check for inserts.
func (s *Store) getOrCreate(key string, auth AuthType, limits Limits) *entry {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		return e
	}

	e = &entry{}
	snap := NewSnapshot(key, auth, limits, time.Now())
	e.snap.Store(&snap)
	s.entries[key] = e
	return e
}

func (s *Store) recordTransition(from, to Snapshot) {
	metrics.StateTransitions.WithLabelValues(string(from.Reason), string(to.Reason)).Inc()
	s.logger.Info("endpoint state change",
		"key", to.Key,
		"from", string(from.Reason),
		"to", string(to.Reason),
		"in_pool", to.InPool,
		"consecutive_errors", to.ConsecutiveErrors,
	)
}

func (s *Store) setPoolGauge(snap Snapshot) {
	v := 0.0
	if snap.InPool {
		v = 1.0
	}
	metrics.EndpointInPool.WithLabelValues(snap.Key).Set(v)
}
