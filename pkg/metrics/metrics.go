// Package metrics exposes pipeline counters for Prometheus scraping.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pipeline's counters. A nil *Metrics is valid and
// records nothing, so callers never need to guard.
type Metrics struct {
	ScansStarted    prometheus.Counter
	ScansCompleted  prometheus.Counter
	ScansFailed     prometheus.Counter
	ScansCancelled  prometheus.Counter
	AdapterFailures *prometheus.CounterVec
	Normalized      prometheus.Counter
	Dropped         prometheus.Counter
	DuplicatesGone  prometheus.Counter
}

// New registers the pipeline counters with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ScansStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scanpipe_scans_started_total",
			Help: "Scans that entered the running stage.",
		}),
		ScansCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scanpipe_scans_completed_total",
			Help: "Scans that reached the completed status.",
		}),
		ScansFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scanpipe_scans_failed_total",
			Help: "Scans that ended in failure.",
		}),
		ScansCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scanpipe_scans_cancelled_total",
			Help: "Scans cancelled by request.",
		}),
		AdapterFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scanpipe_adapter_failures_total",
			Help: "Adapter invocations that produced zero findings due to an error.",
		}, []string{"scanner"}),
		Normalized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scanpipe_findings_normalized_total",
			Help: "Raw findings successfully normalized.",
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scanpipe_findings_dropped_total",
			Help: "Raw findings dropped during normalization.",
		}),
		DuplicatesGone: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scanpipe_duplicates_removed_total",
			Help: "Findings removed by deduplication.",
		}),
	}
	reg.MustRegister(
		m.ScansStarted, m.ScansCompleted, m.ScansFailed, m.ScansCancelled,
		m.AdapterFailures, m.Normalized, m.Dropped, m.DuplicatesGone,
	)
	return m
}

func (m *Metrics) IncStarted() {
	if m != nil {
		m.ScansStarted.Inc()
	}
}

func (m *Metrics) IncCompleted() {
	if m != nil {
		m.ScansCompleted.Inc()
	}
}

func (m *Metrics) IncFailed() {
	if m != nil {
		m.ScansFailed.Inc()
	}
}

func (m *Metrics) IncCancelled() {
	if m != nil {
		m.ScansCancelled.Inc()
	}
}

func (m *Metrics) IncAdapterFailure(scanner string) {
	if m != nil {
		m.AdapterFailures.WithLabelValues(scanner).Inc()
	}
}

func (m *Metrics) AddNormalized(n int) {
	if m != nil {
		m.Normalized.Add(float64(n))
	}
}

func (m *Metrics) AddDropped(n int) {
	if m != nil {
		m.Dropped.Add(float64(n))
	}
}

func (m *Metrics) AddDuplicatesRemoved(n int) {
	if m != nil {
		m.DuplicatesGone.Add(float64(n))
	}
}
