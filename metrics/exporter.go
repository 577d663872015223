package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SnapshotFunc produces a fresh snapshot at scrape time. Wiring it as
// a closure lets the daemon absorb subsystem counters right before the
// scrape reads them.
type SnapshotFunc func() Snapshot

// metric pairs a descriptor with its snapshot accessor.
type metric struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(Snapshot) float64
}

func counter(name, help string, value func(Snapshot) int64) metric {
	return metric{
		desc: prometheus.NewDesc(name, help, nil, nil),
		kind: prometheus.CounterValue,
		value: func(s Snapshot) float64 {
			return float64(value(s))
		},
	}
}

func gauge(name, help string, value func(Snapshot) float64) metric {
	return metric{
		desc:  prometheus.NewDesc(name, help, nil, nil),
		kind:  prometheus.GaugeValue,
		value: value,
	}
}

// Exporter exposes collector snapshots as Prometheus metrics. Every
// scrape reads one consistent snapshot.
type Exporter struct {
	snapshot SnapshotFunc
	metrics  []metric
}

// NewExporter builds an exporter over snapshot.
func NewExporter(snapshot SnapshotFunc) *Exporter {
	return &Exporter{
		snapshot: snapshot,
		metrics: []metric{
			counter("ingest_jobs_submitted_total", "Jobs admitted for processing.", func(s Snapshot) int64 { return s.JobsSubmitted }),
			counter("ingest_uploads_rejected_total", "Uploads refused before a job was created.", func(s Snapshot) int64 { return s.UploadsRejected }),
			counter("ingest_uploaded_bytes_total", "Bytes of admitted uploads.", func(s Snapshot) int64 { return s.UploadedBytes }),
			counter("ingest_requests_served_total", "API requests served.", func(s Snapshot) int64 { return s.RequestsServed }),

			counter("ingest_jobs_started_total", "Jobs that reached their first activation.", func(s Snapshot) int64 { return s.JobsStarted }),
			counter("ingest_jobs_completed_total", "Jobs that completed successfully.", func(s Snapshot) int64 { return s.JobsCompleted }),
			counter("ingest_jobs_failed_total", "Jobs that failed permanently.", func(s Snapshot) int64 { return s.JobsFailed }),
			counter("ingest_jobs_dead_total", "Jobs that exhausted their retry budget.", func(s Snapshot) int64 { return s.JobsDead }),
			counter("ingest_jobs_cancelled_total", "Jobs cancelled by their owner.", func(s Snapshot) int64 { return s.JobsCancelled }),
			counter("ingest_jobs_requeued_total", "Failed attempts that were rescheduled.", func(s Snapshot) int64 { return s.JobsRequeued }),
			counter("ingest_jobs_reaped_total", "Expired leases returned by the reaper.", func(s Snapshot) int64 { return s.JobsReaped }),
			gauge("ingest_workers_active", "Workers currently holding a lease.", func(s Snapshot) float64 { return float64(s.ActiveWorkers) }),
			gauge("ingest_workers_total", "Configured worker pool size.", func(s Snapshot) float64 { return float64(s.PoolSize) }),

			counter("ingest_webhook_attempts_total", "Webhook delivery attempts.", func(s Snapshot) int64 { return s.WebhookAttempted }),
			counter("ingest_webhook_delivered_total", "Webhook deliveries acknowledged 2xx.", func(s Snapshot) int64 { return s.WebhookDelivered }),
			counter("ingest_webhook_failed_total", "Webhook attempts that failed.", func(s Snapshot) int64 { return s.WebhookFailed }),
			counter("ingest_webhook_exhausted_total", "Webhook deliveries dropped after max attempts.", func(s Snapshot) int64 { return s.WebhookExhausted }),
			counter("ingest_webhook_dropped_total", "Webhook deliveries dropped by queue overflow.", func(s Snapshot) int64 { return s.WebhookDropped }),

			counter("ingest_ratelimit_allowed_total", "Admissions allowed by the rate limiter.", func(s Snapshot) int64 { return s.RateAllowed }),
			counter("ingest_ratelimit_denied_total", "Admissions denied by the rate limiter.", func(s Snapshot) int64 { return s.RateDenied }),
			counter("ingest_ratelimit_errors_total", "Rate limiter backend failures.", func(s Snapshot) int64 { return s.RateErrors }),

			counter("ingest_bus_dropped_total", "Events dropped by slow bus subscribers.", func(s Snapshot) int64 { return s.EventsDropped }),
			gauge("ingest_error_rate", "Fraction of finished jobs that failed or died.", Snapshot.ErrorRate),
		},
	}
}

// Describe implements prometheus.Collector.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range e.metrics {
		ch <- m.desc
	}
}

// Collect implements prometheus.Collector.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	s := e.snapshot()
	for _, m := range e.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.kind, m.value(s))
	}
}

// Handler returns the /metrics endpoint: the exporter plus the
// standard Go runtime and process collectors on a private registry.
func Handler(snapshot SnapshotFunc) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewExporter(snapshot),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
