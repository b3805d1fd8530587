package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestCount tracks processed queries by route type and cache outcome
	RequestCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "branch_router_requests_total",
			Help: "The total number of processed queries",
		},
		[]string{"route", "from_cache"},
	)

	// RequestLatency tracks end-to-end query processing latency
	RequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "branch_router_request_duration_seconds",
			Help:    "End-to-end query processing latency in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"route"},
	)

	// RequestErrors tracks terminal request failures
	RequestErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "branch_router_request_errors_total",
			Help: "The total number of queries that failed at the fallback tier",
		},
		[]string{"reason"},
	)

	// RouteFallthroughs counts tier downgrades after a generation failure
	RouteFallthroughs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "branch_router_route_fallthroughs_total",
			Help: "The number of times a route fell back one tier after a failure",
		},
		[]string{"from", "to"},
	)

	// AdapterLoads tracks adapter load attempts by outcome
	AdapterLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "branch_router_adapter_loads_total",
			Help: "The total number of adapter load attempts",
		},
		[]string{"domain", "status"},
	)

	// AdapterLoadLatency tracks adapter load duration
	AdapterLoadLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "branch_router_adapter_load_duration_seconds",
			Help:    "Adapter load duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	// AdapterCacheSize reports the current number of loaded adapters
	AdapterCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "branch_router_adapter_cache_size",
			Help: "The current number of adapters held in the cache",
		},
	)

	// AdapterEvictions counts cache evictions by cause
	AdapterEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "branch_router_adapter_evictions_total",
			Help: "The total number of adapter cache evictions",
		},
		[]string{"cause"},
	)

	// ResponseCacheLookups counts response cache lookups by outcome
	ResponseCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "branch_router_response_cache_lookups_total",
			Help: "The total number of response cache lookups",
		},
		[]string{"outcome"},
	)

	// GenerationLatency tracks generation call latency per tier
	GenerationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "branch_router_generation_duration_seconds",
			Help:    "Generation call latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"route"},
	)

	// LifecycleActions counts lifecycle policy actions taken per domain
	LifecycleActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "branch_router_lifecycle_actions_total",
			Help: "The total number of adapter lifecycle actions taken",
		},
		[]string{"domain", "action"},
	)

	// LifecycleStepFailures counts non-fatal lifecycle step failures
	LifecycleStepFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "branch_router_lifecycle_step_failures_total",
			Help: "The total number of lifecycle policy steps that failed",
		},
		[]string{"step"},
	)
)

// RecordRouteDecision records a completed query by route type.
func RecordRouteDecision(route string, fromCache bool, latencySeconds float64) {
	cached := "false"
	if fromCache {
		cached = "true"
	}
	RequestCount.WithLabelValues(route, cached).Inc()
	RequestLatency.WithLabelValues(route).Observe(latencySeconds)
}

// RecordRouteFallthrough records a tier downgrade after a failure.
func RecordRouteFallthrough(from, to string) {
	RouteFallthroughs.WithLabelValues(from, to).Inc()
}

// RecordAdapterLoad records an adapter load attempt.
func RecordAdapterLoad(domain string, err error, latencySeconds float64) {
	status := "success"
	if err != nil {
		status = "error"
	}
	AdapterLoads.WithLabelValues(domain, status).Inc()
	AdapterLoadLatency.Observe(latencySeconds)
}

// RecordAdapterEviction records a cache eviction with its cause
// ("pressure", "obsolete" or "explicit").
func RecordAdapterEviction(cause string) {
	AdapterEvictions.WithLabelValues(cause).Inc()
}

// SetAdapterCacheSize updates the cache size gauge.
func SetAdapterCacheSize(n int) {
	AdapterCacheSize.Set(float64(n))
}

// RecordResponseCacheLookup records a response cache hit, miss or expiry.
func RecordResponseCacheLookup(outcome string) {
	ResponseCacheLookups.WithLabelValues(outcome).Inc()
}

// RecordGeneration records generation latency for a route tier.
func RecordGeneration(route string, latencySeconds float64) {
	GenerationLatency.WithLabelValues(route).Observe(latencySeconds)
}

// RecordLifecycleAction records a lifecycle action taken for a domain.
func RecordLifecycleAction(domain, action string) {
	LifecycleActions.WithLabelValues(domain, action).Inc()
}

// RecordLifecycleStepFailure records a non-fatal lifecycle step failure.
func RecordLifecycleStepFailure(step string) {
	LifecycleStepFailures.WithLabelValues(step).Inc()
}

// RecordRequestError records a terminal request failure.
func RecordRequestError(reason string) {
	RequestErrors.WithLabelValues(reason).Inc()
}
