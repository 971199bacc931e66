package shardcopy

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	Namespace = "fhir"
	Subsystem = "shard_copy"
)

// Metrics are the copy engine's prometheus collectors.
type Metrics struct {
	JobsTotal          *prometheus.CounterVec
	RowsCopied         *prometheus.CounterVec
	Retries            *prometheus.CounterVec
	Transactions       *prometheus.CounterVec
	VisibilityAdvances *prometheus.CounterVec
	UnitDuration       prometheus.Histogram
	ActiveWorkers      prometheus.Gauge
}

// NewMetrics registers the collectors on reg. A nil reg gets a private
// registry, which keeps tests and repeated runs from colliding.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		JobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: Subsystem,
				Name:      "jobs_total",
				Help:      "Jobs finished, by outcome",
			},
			[]string{"outcome"},
		),
		RowsCopied: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: Subsystem,
				Name:      "rows_copied_total",
				Help:      "Rows merged into shards, by kind",
			},
			[]string{"kind"},
		),
		Retries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: Subsystem,
				Name:      "unit_retries_total",
				Help:      "Failed unit attempts, by whether the error was transient",
			},
			[]string{"retryable"},
		),
		Transactions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: Subsystem,
				Name:      "transactions_total",
				Help:      "Shard transactions closed, by outcome",
			},
			[]string{"outcome"},
		),
		VisibilityAdvances: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: Subsystem,
				Name:      "visibility_advances_total",
				Help:      "Transaction visibility watermark advances, by shard",
			},
			[]string{"shard"},
		),
		UnitDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: Subsystem,
				Name:      "unit_duration_seconds",
				Help:      "Time to copy one unit of work",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		ActiveWorkers: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: Subsystem,
				Name:      "active_workers",
				Help:      "Workers currently holding a job",
			},
		),
	}
}

// MetricsHandler serves the metrics gathered by g.
func MetricsHandler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
