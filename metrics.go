package weave

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// docCounts are the raw counters the Doc bumps under its lock-free
// fast path; the collector snapshots them on scrape.
type docCounts struct {
	framesApplied  atomic.Int64
	framesDeduped  atomic.Int64
	framesRejected atomic.Int64
	runsIntegrated atomic.Int64
	collected      atomic.Int64
}

type DocCollector struct {
	doc *Doc

	framesApplied  *prometheus.Desc
	framesDeduped  *prometheus.Desc
	framesRejected *prometheus.Desc
	runsIntegrated *prometheus.Desc
	collected      *prometheus.Desc
	pendingUnits   *prometheus.Desc
	visibleLength  *prometheus.Desc
}

func NewDocCollector(doc *Doc) *DocCollector {
	return &DocCollector{
		doc: doc,

		framesApplied: prometheus.NewDesc(
			"weave_frames_applied_total",
			"Total number of update frames merged into the document",
			nil, nil,
		),
		framesDeduped: prometheus.NewDesc(
			"weave_frames_deduped_total",
			"Total number of re-delivered frames dropped by the digest cache",
			nil, nil,
		),
		framesRejected: prometheus.NewDesc(
			"weave_frames_rejected_total",
			"Total number of frames rejected as malformed or colliding",
			nil, nil,
		),
		runsIntegrated: prometheus.NewDesc(
			"weave_runs_integrated_total",
			"Total number of item runs placed into the sequence",
			nil, nil,
		),
		collected: prometheus.NewDesc(
			"weave_tombstones_collected_total",
			"Total number of tombstone payloads dropped by garbage collection",
			nil, nil,
		),
		pendingUnits: prometheus.NewDesc(
			"weave_pending_units",
			"Number of decoded units waiting on a causal dependency",
			nil, nil,
		),
		visibleLength: prometheus.NewDesc(
			"weave_visible_length_runes",
			"Visible document length in runes",
			nil, nil,
		),
	}
}

func (dc *DocCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- dc.framesApplied
	ch <- dc.framesDeduped
	ch <- dc.framesRejected
	ch <- dc.runsIntegrated
	ch <- dc.collected
	ch <- dc.pendingUnits
	ch <- dc.visibleLength
}

func (dc *DocCollector) Collect(ch chan<- prometheus.Metric) {
	dc.doc.mu.Lock()
	pending := len(dc.doc.pending)
	visible := dc.doc.seq.Visible()
	dc.doc.mu.Unlock()

	ch <- prometheus.MustNewConstMetric(
		dc.framesApplied,
		prometheus.CounterValue,
		float64(dc.doc.counts.framesApplied.Load()),
	)
	ch <- prometheus.MustNewConstMetric(
		dc.framesDeduped,
		prometheus.CounterValue,
		float64(dc.doc.counts.framesDeduped.Load()),
	)
	ch <- prometheus.MustNewConstMetric(
		dc.framesRejected,
		prometheus.CounterValue,
		float64(dc.doc.counts.framesRejected.Load()),
	)
	ch <- prometheus.MustNewConstMetric(
		dc.runsIntegrated,
		prometheus.CounterValue,
		float64(dc.doc.counts.runsIntegrated.Load()),
	)
	ch <- prometheus.MustNewConstMetric(
		dc.collected,
		prometheus.CounterValue,
		float64(dc.doc.counts.collected.Load()),
	)
	ch <- prometheus.MustNewConstMetric(
		dc.pendingUnits,
		prometheus.GaugeValue,
		float64(pending),
	)
	ch <- prometheus.MustNewConstMetric(
		dc.visibleLength,
		prometheus.GaugeValue,
		float64(visible),
	)
}
