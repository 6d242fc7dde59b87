// Package metrics provides Prometheus instrumentation for the health
// engine. All collectors are registered once via Init and exposed
// through Handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EventsTotal counts reported provider events by type
	// (error, success, usage, proposal).
	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "healthcore_events_total",
			Help: "Total provider events applied to the state store",
		},
		[]string{"type"},
	)

	// StateTransitions counts endpoint reason changes.
	StateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "healthcore_state_transitions_total",
			Help: "Total endpoint state transitions",
		},
		[]string{"from", "to"},
	)

	// EndpointInPool reports per-endpoint pool membership (1 in, 0 out).
	EndpointInPool = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "healthcore_endpoint_in_pool",
			Help: "Whether an endpoint is currently selectable by routing",
		},
		[]string{"key"},
	)

	// ControlActions counts manual operator actions by kind.
	ControlActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "healthcore_control_actions_total",
			Help: "Total manual control actions applied",
		},
		[]string{"kind"},
	)

	// JournalQueueDepth reports the current persistence queue length.
	JournalQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "healthcore_journal_queue_depth",
			Help: "Records waiting in the persistence queue",
		},
	)

	// JournalDrops counts records dropped because the queue was full.
	JournalDrops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "healthcore_journal_drops_total",
			Help: "Total journal records dropped due to a full queue",
		},
	)

	// JournalWriteFailures counts failed journal or snapshot writes.
	JournalWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "healthcore_journal_write_failures_total",
			Help: "Total failed persistence writes (durability degraded)",
		},
	)

	// RateLimitHits counts admin API rate limit rejections.
	RateLimitHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "healthcore_admin_rate_limit_hits_total",
			Help: "Total admin API rate limit rejections",
		},
	)

	// AuthFailures counts admin API authentication failures by reason.
	AuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "healthcore_admin_auth_failures_total",
			Help: "Total admin API authentication failures",
		},
		[]string{"reason"},
	)
)

// Init registers all collectors with the default Prometheus registry.
// Must be called once at startup before handling events.
func Init() {
	prometheus.MustRegister(
		EventsTotal,
		StateTransitions,
		EndpointInPool,
		ControlActions,
		JournalQueueDepth,
		JournalDrops,
		JournalWriteFailures,
		RateLimitHits,
		AuthFailures,
	)
}

// Handler returns an http.Handler that serves the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
