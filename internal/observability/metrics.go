package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "commoditydash"

// Download attempt outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeEmpty   = "empty"
)

// Fetch statuses.
const (
	StatusOK        = "ok"
	StatusInvalid   = "invalid"
	StatusExhausted = "exhausted"
)

// Cache lookup results.
const (
	CacheHit    = "hit"
	CacheMiss   = "miss"
	CacheShared = "shared"
)

// Circuit breaker gauge values.
const (
	BreakerClosed   = 0
	BreakerHalfOpen = 1
	BreakerOpen     = 2
)

// Metrics holds the pipeline's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	DownloadAttemptsTotal *prometheus.CounterVec
	DownloadDuration      *prometheus.HistogramVec
	FetchesTotal          *prometheus.CounterVec
	CacheLookupsTotal     *prometheus.CounterVec
	CircuitBreakerState   *prometheus.GaugeVec
	CircuitBreakerTrips   *prometheus.CounterVec
}

// downloadBuckets are duration buckets in seconds for an upstream call.
var downloadBuckets = []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20, 30, 60}

// NewMetrics creates and registers the collectors on reg, or on the default
// registerer when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		DownloadAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "download",
				Name:      "attempts_total",
				Help:      "Upstream download attempts by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		DownloadDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "download",
				Name:      "duration_seconds",
				Help:      "Duration of one upstream download attempt",
				Buckets:   downloadBuckets,
			},
			[]string{"provider"},
		),
		FetchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "fetch",
				Name:      "results_total",
				Help:      "Completed price fetches by status",
			},
			[]string{"status"},
		),
		CacheLookupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "lookups_total",
				Help:      "Price cache lookups by result",
			},
			[]string{"result"},
		),
		CircuitBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "circuit_breaker",
				Name:      "state",
				Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"name"},
		),
		CircuitBreakerTrips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "circuit_breaker",
				Name:      "trips_total",
				Help:      "Transitions of a circuit breaker into the open state",
			},
			[]string{"name"},
		),
	}
}

func (m *Metrics) RecordDownload(provider, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.DownloadAttemptsTotal.WithLabelValues(provider, outcome).Inc()
	m.DownloadDuration.WithLabelValues(provider).Observe(d.Seconds())
}

func (m *Metrics) RecordFetch(status string) {
	if m == nil {
		return
	}
	m.FetchesTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordCacheLookup(result string) {
	if m == nil {
		return
	}
	m.CacheLookupsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) SetCircuitBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

func (m *Metrics) RecordCircuitBreakerTrip(name string) {
	if m == nil {
		return
	}
	m.CircuitBreakerTrips.WithLabelValues(name).Inc()
}
