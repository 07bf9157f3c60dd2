// Package metrics holds the Prometheus instruments of the sync engine. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cdc2es"

type Metrics struct {
	EntriesTailed       prometheus.Counter
	EntriesSkipped      prometheus.Counter
	Operations          *prometheus.CounterVec
	Flushes             *prometheus.CounterVec
	FlushDuration       prometheus.Histogram
	PendingBatch        prometheus.Gauge
	TrackedAttachments  prometheus.Gauge
	AttachmentOverflows prometheus.Counter
	SourceReconnects    prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EntriesTailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "log_entries_total",
			Help: "Replication log entries delivered by the tailer.",
		}),
		EntriesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "log_entries_skipped_total",
			Help: "Replication log entries outside the configured namespaces.",
		}),
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "index_operations_total",
			Help: "Index operations sent to the target, by kind.",
		}, []string{"kind"}),
		Flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "flushes_total",
			Help: "Batch flushes, by result.",
		}, []string{"result"}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "flush_duration_seconds",
			Help:    "Bulk mutation round trip latency.",
			Buckets: prometheus.DefBuckets,
		}),
		PendingBatch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pending_batch_operations",
			Help: "Operations buffered and not yet flushed.",
		}),
		TrackedAttachments: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "tracked_attachments",
			Help: "Partially assembled GridFS objects.",
		}),
		AttachmentOverflows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "attachment_overflows_total",
			Help: "GridFS objects dropped for exceeding tracking limits.",
		}),
		SourceReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "source_reconnects_total",
			Help: "Log cursor reopen attempts after transient failures.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.EntriesTailed, m.EntriesSkipped, m.Operations, m.Flushes,
			m.FlushDuration, m.PendingBatch, m.TrackedAttachments, m.AttachmentOverflows,
			m.SourceReconnects)
	}
	return m
}

func (m *Metrics) Tailed() {
	if m != nil {
		m.EntriesTailed.Inc()
	}
}

func (m *Metrics) Skipped() {
	if m != nil {
		m.EntriesSkipped.Inc()
	}
}

func (m *Metrics) Reconnect() {
	if m != nil {
		m.SourceReconnects.Inc()
	}
}

func (m *Metrics) Operation(kind string) {
	if m != nil {
		m.Operations.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Flush(result string, took time.Duration) {
	if m != nil {
		m.Flushes.WithLabelValues(result).Inc()
		m.FlushDuration.Observe(took.Seconds())
	}
}

func (m *Metrics) Pending(n int) {
	if m != nil {
		m.PendingBatch.Set(float64(n))
	}
}

func (m *Metrics) Tracked(n int) {
	if m != nil {
		m.TrackedAttachments.Set(float64(n))
	}
}

func (m *Metrics) Overflow() {
	if m != nil {
		m.AttachmentOverflows.Inc()
	}
}
