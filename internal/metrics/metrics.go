package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Reconciler metrics
var (
	// ReconciliationsTotal tracks context reconciliations by branch taken
	ReconciliationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flagbridge_reconciliations_total",
			Help: "Context reconciliations by branch (identity/patch)",
		},
		[]string{"branch"},
	)

	// ConsentTogglesTotal tracks consent changes applied to the live visitor
	ConsentTogglesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flagbridge_consent_toggles_total",
			Help: "Consent changes applied to the live visitor",
		},
	)

	// ReadyEventsTotal tracks emitted readiness events
	ReadyEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flagbridge_ready_events_total",
			Help: "Readiness events emitted after successful initialization",
		},
	)
)

// Resolution metrics
var (
	// ResolutionsTotal tracks flag resolutions by value type and outcome
	ResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flagbridge_resolutions_total",
			Help: "Flag resolutions by value type and outcome (evaluated/default)",
		},
		[]string{"type", "outcome"},
	)
)

// Decision API metrics
var (
	// FetchesTotal tracks flag fetches by result
	FetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flagbridge_fetches_total",
			Help: "Flag fetches against the decision API by result",
		},
		[]string{"result"},
	)

	// FetchDuration tracks decision API fetch latency in seconds
	FetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flagbridge_fetch_duration_seconds",
			Help:    "Decision API fetch duration in seconds",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	// CircuitBreakerStateChanges tracks circuit breaker state transitions
	CircuitBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flagbridge_circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions by component and new state",
		},
		[]string{"component", "state"},
	)

	// CircuitBreakerState tracks current circuit breaker state (0=closed, 1=half-open, 2=open)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flagbridge_circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"component"},
	)
)

// Hit dispatcher metrics
var (
	// HitBatchesTotal tracks sent hit batches by result
	HitBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flagbridge_hit_batches_total",
			Help: "Hit batches sent to the decision API by result",
		},
		[]string{"result"},
	)

	// HitsDroppedTotal tracks hits dropped before sending by reason
	HitsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flagbridge_hits_dropped_total",
			Help: "Hits dropped before sending by reason (consent/overflow/shutdown)",
		},
		[]string{"reason"},
	)

	// HitQueueDepth tracks the current hit queue depth
	HitQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flagbridge_hit_queue_depth",
			Help: "Current number of queued hits awaiting dispatch",
		},
	)
)
