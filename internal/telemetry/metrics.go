package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the collection of Prometheus metrics the daemon exposes.
type Metrics struct {
	RecordsProcessed *prometheus.CounterVec // outcome: inserted|updated|unchanged|failed|malformed
	BatchDuration    prometheus.Histogram
	BatchesRun       prometheus.Counter
	DigestsSent      *prometheus.CounterVec // status: delivered|failed
}

// NewMetrics creates and registers all metrics on the given registerer;
// nil uses the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		RecordsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "biowatch_records_processed_total",
				Help: "Total vulnerability records processed by ingestion outcome",
			},
			[]string{"outcome"},
		),
		BatchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "biowatch_batch_duration_seconds",
				Help:    "Duration of ingestion batches in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		BatchesRun: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "biowatch_batches_total",
				Help: "Total ingestion batches run",
			},
		),
		DigestsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "biowatch_digests_total",
				Help: "Total digest deliveries by status",
			},
			[]string{"status"},
		),
	}
	reg.MustRegister(m.RecordsProcessed, m.BatchDuration, m.BatchesRun, m.DigestsSent)
	return m
}

// ObserveBatch records one ingestion report.
func (m *Metrics) ObserveBatch(inserted, updated, unchanged, failed, malformed int, seconds float64) {
	m.RecordsProcessed.WithLabelValues("inserted").Add(float64(inserted))
	m.RecordsProcessed.WithLabelValues("updated").Add(float64(updated))
	m.RecordsProcessed.WithLabelValues("unchanged").Add(float64(unchanged))
	m.RecordsProcessed.WithLabelValues("failed").Add(float64(failed))
	m.RecordsProcessed.WithLabelValues("malformed").Add(float64(malformed))
	m.BatchDuration.Observe(seconds)
	m.BatchesRun.Inc()
}

// ObserveDigest records one dispatch cycle.
func (m *Metrics) ObserveDigest(delivered, failed int) {
	m.DigestsSent.WithLabelValues("delivered").Add(float64(delivered))
	m.DigestsSent.WithLabelValues("failed").Add(float64(failed))
}

// Handler returns the Prometheus scrape handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
