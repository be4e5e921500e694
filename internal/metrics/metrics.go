// Package metrics exposes prometheus instrumentation for the orchestration
// core. All collectors are registered on the default registry and served on
// the HTTP surface at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Governor metrics
	PermitsInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "capsmith_governor_permits_in_flight",
			Help: "Outstanding governor permits by provider",
		},
		[]string{"provider"},
	)

	PermitWaitSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "capsmith_governor_permit_wait_seconds",
			Help:    "Time spent waiting for a governor permit",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		},
		[]string{"provider"},
	)

	PermitDenied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capsmith_governor_denied_total",
			Help: "Permit denials by provider and reason",
		},
		[]string{"provider", "reason"},
	)

	EffectiveRPS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "capsmith_governor_effective_rps",
			Help: "Effective request rate after adaptive back-pressure",
		},
		[]string{"provider", "tenant"},
	)

	// Breaker metrics
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "capsmith_breaker_state",
			Help: "Circuit state per collaborator (0=closed, 1=open, 2=half-open)",
		},
		[]string{"collaborator"},
	)

	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capsmith_breaker_transitions_total",
			Help: "Breaker transitions by collaborator and target state",
		},
		[]string{"collaborator", "to"},
	)

	ShortCircuits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capsmith_breaker_short_circuits_total",
			Help: "Calls rejected while the circuit was open",
		},
		[]string{"collaborator"},
	)

	// Workflow metrics
	WorkflowsByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "capsmith_workflows",
			Help: "Workflows by state",
		},
		[]string{"state"},
	)

	TasksTerminal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capsmith_tasks_terminal_total",
			Help: "Tasks reaching a terminal state",
		},
		[]string{"state"},
	)

	TaskAttemptSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "capsmith_task_attempt_seconds",
			Help:    "Wall-clock duration of one task attempt",
			Buckets: prometheus.ExponentialBuckets(0.1, 3, 10),
		},
		[]string{"kind", "tier"},
	)

	// Provider metrics
	ProviderTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capsmith_provider_tokens_total",
			Help: "Tokens consumed by provider and direction",
		},
		[]string{"provider", "direction"},
	)

	ProviderThrottles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capsmith_provider_throttles_total",
			Help: "Throttle responses by provider",
		},
		[]string{"provider"},
	)

	// Capsule metrics
	CapsulesFinalized = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "capsmith_capsules_finalized_total",
			Help: "Capsules finalized and signed",
		},
	)

	CapsulesDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capsmith_capsules_delivered_total",
			Help: "Capsule deliveries by outcome",
		},
		[]string{"outcome"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capsmith_api_requests_total",
			Help: "API requests by route and status",
		},
		[]string{"route", "status"},
	)
)

// Register registers all collectors. Call once at startup.
func Register() {
	prometheus.MustRegister(
		PermitsInFlight,
		PermitWaitSeconds,
		PermitDenied,
		EffectiveRPS,
		BreakerState,
		BreakerTransitions,
		ShortCircuits,
		WorkflowsByState,
		TasksTerminal,
		TaskAttemptSeconds,
		ProviderTokens,
		ProviderThrottles,
		CapsulesFinalized,
		CapsulesDelivered,
		APIRequestsTotal,
	)
}

// Handler returns the prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
