package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the signals service.
type Metrics struct {
	// Signal metrics
	SignalsIssued *prometheus.CounterVec
	SignalsReused *prometheus.CounterVec

	// Event metrics
	EventsRecorded     *prometheus.CounterVec
	EventsRejected     *prometheus.CounterVec
	EventsDuplicate    prometheus.Counter
	ConversionRevenue  prometheus.Counter
	RecordLatency      *prometheus.HistogramVec
	RollupUpdateErrors *prometheus.CounterVec

	// Rollup consistency
	DriftDetected prometheus.Counter
	DriftRepaired prometheus.Counter
	DriftScanned  prometheus.Counter

	// Analysis metrics
	AttributionLatency *prometheus.HistogramVec
	JourneyLatency     prometheus.Histogram
	JourneyLength      prometheus.Histogram

	// System metrics
	DBConnections    *prometheus.GaugeVec
	RateLimitHits    *prometheus.CounterVec
	GeoLookupLatency *prometheus.HistogramVec
}

var (
	// DefaultMetrics is the global metrics instance
	DefaultMetrics *Metrics
)

// NewMetrics creates all metrics on the default Prometheus registry.
func NewMetrics(namespace string) *Metrics {
	m := NewMetricsWithRegistry(namespace, prometheus.DefaultRegisterer)
	DefaultMetrics = m
	return m
}

// NewMetricsWithRegistry creates all metrics on reg.
func NewMetricsWithRegistry(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		SignalsIssued: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "signals_issued_total",
				Help:      "Signal identifiers minted",
			},
			[]string{"source_class"},
		),
		SignalsReused: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "signals_reused_total",
				Help:      "Entries that kept an existing live identifier",
			},
			[]string{"source_class"},
		),

		EventsRecorded: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_recorded_total",
				Help:      "Events appended to the log",
			},
			[]string{"event_type", "attributed"},
		),
		EventsRejected: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_rejected_total",
				Help:      "Events rejected before persistence",
			},
			[]string{"reason"},
		),
		EventsDuplicate: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_duplicate_total",
				Help:      "Replayed events ignored by id",
			},
		),
		ConversionRevenue: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conversion_revenue_total",
				Help:      "Sum of recorded conversion values",
			},
		),
		RecordLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "record_latency_seconds",
				Help:      "Event recording latency in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
			},
			[]string{"event_type"},
		),
		RollupUpdateErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollup_update_errors_total",
				Help:      "Failed rollup increments after a successful append",
			},
			[]string{"event_type"},
		),

		DriftDetected: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollup_drift_detected_total",
				Help:      "Content rollups found out of step with the event log",
			},
		),
		DriftRepaired: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollup_drift_repaired_total",
				Help:      "Content rollups rebuilt from the event log",
			},
		),
		DriftScanned: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollup_drift_scanned_total",
				Help:      "Content rollups compared against the event log",
			},
		),

		AttributionLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "attribution_latency_seconds",
				Help:      "Attribution computation latency",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"model"},
		),
		JourneyLatency: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "journey_reconstruct_latency_seconds",
				Help:      "Journey reconstruction latency",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
		),
		JourneyLength: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "journey_length_events",
				Help:      "Events per reconstructed journey",
				Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 500},
			},
		),

		DBConnections: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections",
				Help:      "Database connection pool stats",
			},
			[]string{"state"}, // idle, in_use, total
		),
		RateLimitHits: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_hits_total",
				Help:      "Rate limit rejections",
			},
			[]string{"endpoint"},
		),
		GeoLookupLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "geo_lookup_latency_seconds",
				Help:      "GeoIP lookup latency",
				Buckets:   []float64{0.00001, 0.0001, 0.001, 0.01},
			},
			[]string{"found"},
		),
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// RecordSignalIssued records a minted identifier.
func (m *Metrics) RecordSignalIssued(sourceClass string) {
	m.SignalsIssued.WithLabelValues(sourceClass).Inc()
}

// RecordSignalReused records an entry that kept its identifier.
func (m *Metrics) RecordSignalReused(sourceClass string) {
	m.SignalsReused.WithLabelValues(sourceClass).Inc()
}

// RecordEvent records an appended event.
func (m *Metrics) RecordEvent(eventType string, attributed bool, latency time.Duration) {
	m.EventsRecorded.WithLabelValues(eventType, boolLabel(attributed)).Inc()
	m.RecordLatency.WithLabelValues(eventType).Observe(latency.Seconds())
}

// RecordConversionValue adds a conversion value to the revenue counter.
func (m *Metrics) RecordConversionValue(value float64) {
	if value > 0 {
		m.ConversionRevenue.Add(value)
	}
}

// RecordRejected records an event rejected by validation.
func (m *Metrics) RecordRejected(reason string) {
	m.EventsRejected.WithLabelValues(reason).Inc()
}

// RecordDuplicate records a replayed event.
func (m *Metrics) RecordDuplicate() {
	m.EventsDuplicate.Inc()
}

// RecordRollupError records a failed rollup increment.
func (m *Metrics) RecordRollupError(eventType string) {
	m.RollupUpdateErrors.WithLabelValues(eventType).Inc()
}

// RecordDriftScan records the outcome of one rollup comparison.
func (m *Metrics) RecordDriftScan(drifted, repaired bool) {
	m.DriftScanned.Inc()
	if drifted {
		m.DriftDetected.Inc()
	}
	if repaired {
		m.DriftRepaired.Inc()
	}
}

// RecordAttribution records an attribution run.
func (m *Metrics) RecordAttribution(model string, latency time.Duration) {
	m.AttributionLatency.WithLabelValues(model).Observe(latency.Seconds())
}

// RecordJourney records a journey reconstruction.
func (m *Metrics) RecordJourney(events int, latency time.Duration) {
	m.JourneyLatency.Observe(latency.Seconds())
	m.JourneyLength.Observe(float64(events))
}

// RecordGeoLookup records a geo lookup.
func (m *Metrics) RecordGeoLookup(found bool, latency time.Duration) {
	m.GeoLookupLatency.WithLabelValues(boolLabel(found)).Observe(latency.Seconds())
}

// UpdateDBStats updates database connection metrics.
func (m *Metrics) UpdateDBStats(idle, inUse, total int) {
	m.DBConnections.WithLabelValues("idle").Set(float64(idle))
	m.DBConnections.WithLabelValues("in_use").Set(float64(inUse))
	m.DBConnections.WithLabelValues("total").Set(float64(total))
}

// RecordRateLimitHit records a rate limit hit.
func (m *Metrics) RecordRateLimitHit(endpoint string) {
	m.RateLimitHits.WithLabelValues(endpoint).Inc()
}
