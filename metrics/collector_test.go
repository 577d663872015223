package metrics_test

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/iv-ingestion/ingest/metrics"
)

func TestCollectorAccumulates(t *testing.T) {
	c := metrics.NewCollector()
	c.IncJobSubmitted(1024)
	c.IncJobSubmitted(512)
	c.IncUploadRejected()
	c.IncRequest()

	s := c.Snapshot()
	if s.JobsSubmitted != 2 {
		t.Errorf("JobsSubmitted = %d, want 2", s.JobsSubmitted)
	}
	if s.UploadedBytes != 1536 {
		t.Errorf("UploadedBytes = %d, want 1536", s.UploadedBytes)
	}
	if s.UploadsRejected != 1 {
		t.Errorf("UploadsRejected = %d, want 1", s.UploadsRejected)
	}
	if s.RequestsServed != 1 {
		t.Errorf("RequestsServed = %d, want 1", s.RequestsServed)
	}
	if s.StartedAt.IsZero() {
		t.Error("StartedAt is zero")
	}
}

func TestCollectorAbsorbsSubsystems(t *testing.T) {
	c := metrics.NewCollector()
	c.AbsorbPoolStats(10, 7, 1, 2, 0, 3, 1, 4, 8)
	c.AbsorbWebhookStats(20, 15, 5, 1, 2)
	c.AbsorbLimiterStats(100, 3, 1)
	c.AbsorbBusStats(6)

	s := c.Snapshot()
	if s.JobsStarted != 10 || s.JobsCompleted != 7 || s.JobsDead != 2 {
		t.Errorf("pool stats = %+v", s)
	}
	if s.ActiveWorkers != 4 || s.PoolSize != 8 {
		t.Errorf("workers = %d/%d, want 4/8", s.ActiveWorkers, s.PoolSize)
	}
	if s.WebhookAttempted != 20 || s.WebhookExhausted != 1 {
		t.Errorf("webhook stats = %+v", s)
	}
	if s.RateDenied != 3 || s.EventsDropped != 6 {
		t.Errorf("limiter/bus stats = %+v", s)
	}
}

func TestErrorRate(t *testing.T) {
	var s metrics.Snapshot
	if got := s.ErrorRate(); got != 0 {
		t.Errorf("empty ErrorRate = %v, want 0", got)
	}
	s.JobsCompleted = 6
	s.JobsFailed = 1
	s.JobsDead = 1
	if got := s.ErrorRate(); got != 0.25 {
		t.Errorf("ErrorRate = %v, want 0.25", got)
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *metrics.Collector
	c.IncJobSubmitted(1)
	c.IncUploadRejected()
	c.IncRequest()
	c.AbsorbPoolStats(1, 1, 1, 1, 1, 1, 1, 1, 1)
	c.AbsorbWebhookStats(1, 1, 1, 1, 1)
	c.AbsorbLimiterStats(1, 1, 1)
	c.AbsorbBusStats(1)
	if s := c.Snapshot(); s.JobsSubmitted != 0 {
		t.Errorf("nil collector snapshot = %+v, want zero", s)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := metrics.NewCollector()
	c.IncJobSubmitted(2048)
	c.AbsorbPoolStats(5, 4, 1, 0, 0, 0, 0, 2, 8)

	h := metrics.Handler(c.Snapshot)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rr.Result().Body)
	text := string(body)
	for _, want := range []string{
		"ingest_jobs_submitted_total 1",
		"ingest_uploaded_bytes_total 2048",
		"ingest_jobs_completed_total 4",
		"ingest_workers_active 2",
		"ingest_workers_total 8",
		"ingest_error_rate 0.2",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("scrape missing %q", want)
		}
	}
}
