package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metricsOnce ensures metrics are only initialized once.
var metricsOnce sync.Once

// metricsInstance is the singleton instance of cache metrics.
var metricsInstance *Metrics

// Metrics holds all Prometheus metrics for the layer cache.
type Metrics struct {
	RequestsTotal       *prometheus.CounterVec // layercache_requests_total{outcome}
	TierHitsTotal       *prometheus.CounterVec // layercache_tier_hits_total{tier}
	OriginFetchesTotal  *prometheus.CounterVec // layercache_origin_fetches_total{result}
	PopulationsInflight prometheus.Gauge       // layercache_populations_inflight
	PopulateDuration    prometheus.Histogram   // layercache_populate_duration_seconds
	BytesServedTotal    prometheus.Counter     // layercache_bytes_served_total
}

// Init initializes all cache metrics.
// Metrics are only registered once; subsequent calls return the same instance.
func Init(registry prometheus.Registerer) *Metrics {
	metricsOnce.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		metricsInstance = &Metrics{
			RequestsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "layercache_requests_total",
				Help: "Total layer requests by outcome (serve, populate, not_found, bad_request, origin_error)",
			}, []string{"outcome"}),

			TierHitsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "layercache_tier_hits_total",
				Help: "Cache hits by tier (fast, durable)",
			}, []string{"tier"}),

			OriginFetchesTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "layercache_origin_fetches_total",
				Help: "Origin fetch attempts by result (ok, not_found, transient, error)",
			}, []string{"result"}),

			PopulationsInflight: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
				Name: "layercache_populations_inflight",
				Help: "Number of population tickets currently in flight",
			}),

			PopulateDuration: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
				Name:    "layercache_populate_duration_seconds",
				Help:    "Population duration from ticket creation to resolution",
				Buckets: prometheus.DefBuckets,
			}),

			BytesServedTotal: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "layercache_bytes_served_total",
				Help: "Total layer bytes served to clients",
			}),
		}
	})

	return metricsInstance
}

// Get returns the singleton metrics instance.
// Returns nil if metrics have not been initialized.
func Get() *Metrics {
	return metricsInstance
}

// RecordRequest records a request outcome. Safe to call on a nil receiver so
// that tests can run without a registry.
func (m *Metrics) RecordRequest(outcome string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(outcome).Inc()
}

// RecordTierHit records a cache hit on the named tier.
func (m *Metrics) RecordTierHit(tier string) {
	if m == nil {
		return
	}
	m.TierHitsTotal.WithLabelValues(tier).Inc()
}

// RecordOriginFetch records one origin fetch attempt result.
func (m *Metrics) RecordOriginFetch(result string) {
	if m == nil {
		return
	}
	m.OriginFetchesTotal.WithLabelValues(result).Inc()
}

// PopulationStarted/PopulationFinished track the in-flight ticket gauge and
// the populate duration histogram.
func (m *Metrics) PopulationStarted() {
	if m == nil {
		return
	}
	m.PopulationsInflight.Inc()
}

func (m *Metrics) PopulationFinished(durationSeconds float64) {
	if m == nil {
		return
	}
	m.PopulationsInflight.Dec()
	m.PopulateDuration.Observe(durationSeconds)
}

// RecordBytesServed records payload bytes written to clients.
func (m *Metrics) RecordBytesServed(bytes int64) {
	if m == nil {
		return
	}
	m.BytesServedTotal.Add(float64(bytes))
}
