package refetch

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector provides Prometheus metrics for the fetch lifecycle and
// reliability layers. It is safe for concurrent use, and every recording
// method tolerates a nil receiver so metrics stay strictly optional.
type MetricsCollector struct {
	fetchesTotal    *prometheus.CounterVec
	fetchDuration   *prometheus.HistogramVec
	fetchesInFlight *prometheus.GaugeVec

	retriesTotal *prometheus.CounterVec

	circuitBreakerState *prometheus.GaugeVec

	rateLimiterTokens *prometheus.GaugeVec

	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec
	cacheSize   *prometheus.GaugeVec

	errorsTotal *prometheus.CounterVec

	registerer prometheus.Registerer
}

// NewMetricsCollector creates a collector on the default registerer.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry creates a collector using the supplied
// registerer.
func NewMetricsCollectorWithRegistry(registerer prometheus.Registerer) *MetricsCollector {
	return &MetricsCollector{
		fetchesTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "refetch_fetches_total",
				Help: "Total number of fetches performed",
			},
			[]string{"endpoint", "status_code", "source"},
		),
		fetchDuration: promauto.With(registerer).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "refetch_fetch_duration_seconds",
				Help:    "Duration of fetches in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint", "status_code"},
		),
		fetchesInFlight: promauto.With(registerer).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "refetch_fetches_in_flight",
				Help: "Number of fetches currently in flight",
			},
			[]string{"endpoint"},
		),
		retriesTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "refetch_retries_total",
				Help: "Total number of retry attempts",
			},
			[]string{"endpoint", "attempt"},
		),
		circuitBreakerState: promauto.With(registerer).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "refetch_circuit_breaker_state",
				Help: "Current state of circuit breaker (0=closed, 1=open, 2=half-open)",
			},
			[]string{"service"},
		),
		rateLimiterTokens: promauto.With(registerer).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "refetch_rate_limiter_tokens",
				Help: "Current number of available rate limiter tokens",
			},
			[]string{"name"},
		),
		cacheHits: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "refetch_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"endpoint"},
		),
		cacheMisses: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "refetch_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"endpoint"},
		),
		cacheSize: promauto.With(registerer).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "refetch_cache_size",
				Help: "Current number of entries in cache",
			},
			[]string{"name"},
		),
		errorsTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "refetch_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type", "endpoint"},
		),
		registerer: registerer,
	}
}

// RecordFetch records fetch count and duration. Source is "network" or
// "cache".
func (mc *MetricsCollector) RecordFetch(endpoint string, statusCode int, source string, duration time.Duration) {
	if mc == nil {
		return
	}
	code := strconv.Itoa(statusCode)
	mc.fetchesTotal.WithLabelValues(endpoint, code, source).Inc()
	mc.fetchDuration.WithLabelValues(endpoint, code).Observe(duration.Seconds())
}

// RecordFetchStart increments the in-flight gauge.
func (mc *MetricsCollector) RecordFetchStart(endpoint string) {
	if mc == nil {
		return
	}
	mc.fetchesInFlight.WithLabelValues(endpoint).Inc()
}

// RecordFetchEnd decrements the in-flight gauge.
func (mc *MetricsCollector) RecordFetchEnd(endpoint string) {
	if mc == nil {
		return
	}
	mc.fetchesInFlight.WithLabelValues(endpoint).Dec()
}

// RecordRetry increments the retry counter for an attempt.
func (mc *MetricsCollector) RecordRetry(endpoint string, attempt int) {
	if mc == nil {
		return
	}
	mc.retriesTotal.WithLabelValues(endpoint, strconv.Itoa(attempt)).Inc()
}

// RecordCircuitBreakerState sets the gauge to the breaker state.
func (mc *MetricsCollector) RecordCircuitBreakerState(service string, state CircuitState) {
	if mc == nil {
		return
	}
	mc.circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// RecordRateLimiterTokens sets the available-token gauge.
func (mc *MetricsCollector) RecordRateLimiterTokens(name string, tokens float64) {
	if mc == nil {
		return
	}
	mc.rateLimiterTokens.WithLabelValues(name).Set(tokens)
}

// RecordCacheHit increments the cache hit counter.
func (mc *MetricsCollector) RecordCacheHit(endpoint string) {
	if mc == nil {
		return
	}
	mc.cacheHits.WithLabelValues(endpoint).Inc()
}

// RecordCacheMiss increments the cache miss counter.
func (mc *MetricsCollector) RecordCacheMiss(endpoint string) {
	if mc == nil {
		return
	}
	mc.cacheMisses.WithLabelValues(endpoint).Inc()
}

// RecordCacheSize sets the cache size gauge.
func (mc *MetricsCollector) RecordCacheSize(name string, size int) {
	if mc == nil {
		return
	}
	mc.cacheSize.WithLabelValues(name).Set(float64(size))
}

// RecordError increments the error counter by type.
func (mc *MetricsCollector) RecordError(errorType, endpoint string) {
	if mc == nil {
		return
	}
	mc.errorsTotal.WithLabelValues(errorType, endpoint).Inc()
}

// Registerer exposes the registerer metrics were registered with.
func (mc *MetricsCollector) Registerer() prometheus.Registerer {
	return mc.registerer
}
