// Package metrics accumulates daemon-wide operational counters. The
// Collector is a leaf with no internal dependencies: subsystems that
// keep their own atomic counters (pool, dispatcher, limiter, bus) are
// absorbed as scalar snapshots rather than recorded live, so nothing
// is double-counted. The Exporter bridges snapshots to Prometheus.
package metrics

import (
	"sync"
	"time"
)

// Snapshot is an immutable point-in-time view of the daemon counters.
// Safe to read concurrently after creation.
type Snapshot struct {
	// Ingress
	JobsSubmitted   int64
	UploadsRejected int64
	UploadedBytes   int64
	RequestsServed  int64

	// Worker pool (absorbed)
	JobsStarted   int64
	JobsCompleted int64
	JobsFailed    int64
	JobsDead      int64
	JobsCancelled int64
	JobsRequeued  int64
	JobsReaped    int64
	ActiveWorkers int64
	PoolSize      int64

	// Webhook dispatcher (absorbed)
	WebhookAttempted int64
	WebhookDelivered int64
	WebhookFailed    int64
	WebhookExhausted int64
	WebhookDropped   int64

	// Rate limiter (absorbed)
	RateAllowed int64
	RateDenied  int64
	RateErrors  int64

	// Event bus (absorbed)
	EventsDropped int64

	// StartedAt is the collector construction time; uptime derives
	// from it.
	StartedAt time.Time
}

// ErrorRate is the fraction of finished jobs that ended failed or
// dead. Zero when nothing finished yet.
func (s Snapshot) ErrorRate() float64 {
	finished := s.JobsCompleted + s.JobsFailed + s.JobsDead
	if finished == 0 {
		return 0
	}
	return float64(s.JobsFailed+s.JobsDead) / float64(finished)
}

// Collector accumulates daemon counters. Thread-safe; all methods are
// nil-receiver safe so optional wiring needs no guards.
type Collector struct {
	mu sync.Mutex

	jobsSubmitted   int64
	uploadsRejected int64
	uploadedBytes   int64
	requestsServed  int64

	jobsStarted   int64
	jobsCompleted int64
	jobsFailed    int64
	jobsDead      int64
	jobsCancelled int64
	jobsRequeued  int64
	jobsReaped    int64
	activeWorkers int64
	poolSize      int64

	webhookAttempted int64
	webhookDelivered int64
	webhookFailed    int64
	webhookExhausted int64
	webhookDropped   int64

	rateAllowed int64
	rateDenied  int64
	rateErrors  int64

	eventsDropped int64

	startedAt time.Time
}

// NewCollector creates an empty collector stamped with the current
// time.
func NewCollector() *Collector {
	return &Collector{startedAt: time.Now().UTC()}
}

// IncJobSubmitted records one admitted upload of size bytes.
func (c *Collector) IncJobSubmitted(bytes int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.jobsSubmitted++
	c.uploadedBytes += bytes
	c.mu.Unlock()
}

// IncUploadRejected records an upload refused before a job was created.
func (c *Collector) IncUploadRejected() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.uploadsRejected++
	c.mu.Unlock()
}

// IncRequest records one served API request.
func (c *Collector) IncRequest() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.requestsServed++
	c.mu.Unlock()
}

// AbsorbPoolStats copies the worker pool counters into the collector.
func (c *Collector) AbsorbPoolStats(started, completed, failed, dead, cancelled, requeued, reaped, active int64, workers int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.jobsStarted = started
	c.jobsCompleted = completed
	c.jobsFailed = failed
	c.jobsDead = dead
	c.jobsCancelled = cancelled
	c.jobsRequeued = requeued
	c.jobsReaped = reaped
	c.activeWorkers = active
	c.poolSize = int64(workers)
	c.mu.Unlock()
}

// AbsorbWebhookStats copies the dispatcher counters into the collector.
func (c *Collector) AbsorbWebhookStats(attempted, delivered, failed, exhausted, dropped int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.webhookAttempted = attempted
	c.webhookDelivered = delivered
	c.webhookFailed = failed
	c.webhookExhausted = exhausted
	c.webhookDropped = dropped
	c.mu.Unlock()
}

// AbsorbLimiterStats copies the rate limiter counters into the
// collector.
func (c *Collector) AbsorbLimiterStats(allowed, denied, errors int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.rateAllowed = allowed
	c.rateDenied = denied
	c.rateErrors = errors
	c.mu.Unlock()
}

// AbsorbBusStats copies the event bus drop counter into the collector.
func (c *Collector) AbsorbBusStats(dropped int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.eventsDropped = dropped
	c.mu.Unlock()
}

// Snapshot returns an immutable view of the counters. The Collector
// can continue to be mutated independently.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		JobsSubmitted:   c.jobsSubmitted,
		UploadsRejected: c.uploadsRejected,
		UploadedBytes:   c.uploadedBytes,
		RequestsServed:  c.requestsServed,

		JobsStarted:   c.jobsStarted,
		JobsCompleted: c.jobsCompleted,
		JobsFailed:    c.jobsFailed,
		JobsDead:      c.jobsDead,
		JobsCancelled: c.jobsCancelled,
		JobsRequeued:  c.jobsRequeued,
		JobsReaped:    c.jobsReaped,
		ActiveWorkers: c.activeWorkers,
		PoolSize:      c.poolSize,

		WebhookAttempted: c.webhookAttempted,
		WebhookDelivered: c.webhookDelivered,
		WebhookFailed:    c.webhookFailed,
		WebhookExhausted: c.webhookExhausted,
		WebhookDropped:   c.webhookDropped,

		RateAllowed: c.rateAllowed,
		RateDenied:  c.rateDenied,
		RateErrors:  c.rateErrors,

		EventsDropped: c.eventsDropped,

		StartedAt: c.startedAt,
	}
}
