package metrics

import (
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "flowresolver"

// Metrics collects the counters of one resolver run. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	batches         *prometheus.CounterVec
	batchErrors     *prometheus.CounterVec
	queries         *prometheus.CounterVec
	services        *prometheus.CounterVec
	batchDuration   *prometheus.HistogramVec
	requests        *prometheus.CounterVec
	requestDuration prometheus.Histogram
	decisions       *prometheus.CounterVec
	catalogLookups  *prometheus.CounterVec
}

func New() *Metrics {
	host, _ := os.Hostname()
	constLabels := prometheus.Labels{"host": host}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "batches_total",
			Help:        "Coverage batches applied, per query manager",
			ConstLabels: constLabels,
		}, []string{"manager"}),
		batchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "batch_errors_total",
			Help:        "Coverage batches that failed or were rejected",
			ConstLabels: constLabels,
		}, []string{"manager"}),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "queries_total",
			Help:        "Endpoint pair queries sent, per query manager",
			ConstLabels: constLabels,
		}, []string{"manager"}),
		services: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "services_total",
			Help:        "Deduplicated services sent, per query manager",
			ConstLabels: constLabels,
		}, []string{"manager"}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "batch_duration_seconds",
			Help:        "Time from sending a batch to applying its response",
			ConstLabels: constLabels,
			Buckets:     []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"manager"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "authority_requests_total",
			Help:        "HTTP requests to the authority, by status code",
			ConstLabels: constLabels,
		}, []string{"code"}),
		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "authority_request_duration_seconds",
			Help:        "Distribution of authority request latencies",
			ConstLabels: constLabels,
			Buckets:     []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "flow_decisions_total",
			Help:        "Flow records decided, by decision",
			ConstLabels: constLabels,
		}, []string{"decision"}),
		catalogLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "catalog_lookups_total",
			Help:        "Catalog address lookups, by cache result",
			ConstLabels: constLabels,
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		m.batches,
		m.batchErrors,
		m.queries,
		m.services,
		m.batchDuration,
		m.requests,
		m.requestDuration,
		m.decisions,
		m.catalogLookups,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) BatchDone(manager string, queries, services int, d time.Duration) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(manager).Inc()
	m.queries.WithLabelValues(manager).Add(float64(queries))
	m.services.WithLabelValues(manager).Add(float64(services))
	m.batchDuration.WithLabelValues(manager).Observe(d.Seconds())
}

func (m *Metrics) BatchFailed(manager string) {
	if m == nil {
		return
	}
	m.batchErrors.WithLabelValues(manager).Inc()
}

func (m *Metrics) Request(code string, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(code).Inc()
	m.requestDuration.Observe(d.Seconds())
}

func (m *Metrics) Decided(decision string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(decision).Inc()
}

func (m *Metrics) CatalogLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.catalogLookups.WithLabelValues(result).Inc()
}

// WriteFile dumps the registry in the text exposition format, suitable for a
// node_exporter textfile collector.
func (m *Metrics) WriteFile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}
