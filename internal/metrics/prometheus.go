// Package metrics provides Prometheus metrics for snapdump runs.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Result labels used across the counters.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultSkipped = "skipped"
)

// PrometheusMetrics holds the collectors snapdump exports. A nil
// *PrometheusMetrics is valid and records nothing.
type PrometheusMetrics struct {
	RunCounter       *prometheus.CounterVec
	RunDuration      *prometheus.HistogramVec
	ActionCounter    *prometheus.CounterVec
	CleanupFailures  prometheus.Counter
	TransferCounter  *prometheus.CounterVec
	TransferEstimate *prometheus.CounterVec
	PruneCounter     *prometheus.CounterVec
	BookmarkFailures prometheus.Counter
	LastSuccess      *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// NewPrometheusMetrics creates the collectors and registers them with reg.
func NewPrometheusMetrics(reg *prometheus.Registry) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		RunCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "snapdump",
			Name:      "runs_total",
			Help:      "Number of job runs by job and result.",
		}, []string{"job", "result"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "snapdump",
			Name:      "run_duration_seconds",
			Help:      "Duration of job runs.",
			Buckets:   []float64{1, 10, 60, 300, 900, 1800, 3600, 7200, 14400, 28800},
		}, []string{"job"}),
		ActionCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "snapdump",
			Name:      "actions_total",
			Help:      "Number of actions performed by result.",
		}, []string{"result"}),
		CleanupFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "snapdump",
			Name:      "cleanup_failures_total",
			Help:      "Number of action cleanups that failed.",
		}),
		TransferCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "snapdump",
			Name:      "transfers_total",
			Help:      "Number of zfs send/receive transfers by kind and result.",
		}, []string{"kind", "result"}),
		TransferEstimate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "snapdump",
			Name:      "transfer_estimated_bytes_total",
			Help:      "Sum of zfs send size estimates for executed transfers.",
		}, []string{"kind"}),
		PruneCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "snapdump",
			Name:      "snapshots_pruned_total",
			Help:      "Number of snapshots destroyed by the retention pruner.",
		}, []string{"volume"}),
		BookmarkFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "snapdump",
			Name:      "bookmark_failures_total",
			Help:      "Number of bookmarks that could not be created before pruning.",
		}),
		LastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "snapdump",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful run of each job.",
		}, []string{"job"}),
		gatherer: reg,
	}

	collectors := []prometheus.Collector{
		m.RunCounter,
		m.RunDuration,
		m.ActionCounter,
		m.CleanupFailures,
		m.TransferCounter,
		m.TransferEstimate,
		m.PruneCounter,
		m.BookmarkFailures,
		m.LastSuccess,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}

	return m, nil
}

// RecordRun records the outcome of one job run.
func (m *PrometheusMetrics) RecordRun(job string, err error, seconds float64, finishedAt float64) {
	if m == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultFailure
	}
	m.RunCounter.WithLabelValues(job, result).Inc()
	m.RunDuration.WithLabelValues(job).Observe(seconds)
	if err == nil {
		m.LastSuccess.WithLabelValues(job).Set(finishedAt)
	}
}

// RecordAction records one action perform.
func (m *PrometheusMetrics) RecordAction(result string) {
	if m == nil {
		return
	}
	m.ActionCounter.WithLabelValues(result).Inc()
}

// RecordCleanupFailure counts a failed cleanup.
func (m *PrometheusMetrics) RecordCleanupFailure() {
	if m == nil {
		return
	}
	m.CleanupFailures.Inc()
}

// RecordTransfer records an executed transfer and its size estimate.
func (m *PrometheusMetrics) RecordTransfer(kind string, err error, estimate int64) {
	if m == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultFailure
	}
	m.TransferCounter.WithLabelValues(kind, result).Inc()
	if err == nil && estimate > 0 {
		m.TransferEstimate.WithLabelValues(kind).Add(float64(estimate))
	}
}

// RecordPrune counts a destroyed snapshot.
func (m *PrometheusMetrics) RecordPrune(volume string) {
	if m == nil {
		return
	}
	m.PruneCounter.WithLabelValues(volume).Inc()
}

// RecordBookmarkFailure counts a bookmark that could not be created.
func (m *PrometheusMetrics) RecordBookmarkFailure() {
	if m == nil {
		return
	}
	m.BookmarkFailures.Inc()
}

// WriteTextfile writes all registered metrics to path in the text
// exposition format, for pickup by node_exporter's textfile collector.
func (m *PrometheusMetrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.gatherer); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

// Handler returns an HTTP handler serving the registered metrics.
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
