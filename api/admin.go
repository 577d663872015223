package api

import (
	"net/http"
	"time"
)

// adminMetrics reports the absorbed daemon counters as JSON.
func (s *Server) adminMetrics(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot()
	writeData(w, http.StatusOK, map[string]any{
		"uptimeSeconds": int64(time.Since(snap.StartedAt).Seconds()),
		"errorRate":     snap.ErrorRate(),
		"requests": map[string]any{
			"served":          snap.RequestsServed,
			"uploadsRejected": snap.UploadsRejected,
			"uploadedBytes":   snap.UploadedBytes,
		},
		"jobs": map[string]any{
			"submitted": snap.JobsSubmitted,
			"started":   snap.JobsStarted,
			"completed": snap.JobsCompleted,
			"failed":    snap.JobsFailed,
			"dead":      snap.JobsDead,
			"cancelled": snap.JobsCancelled,
			"requeued":  snap.JobsRequeued,
			"reaped":    snap.JobsReaped,
		},
		"workers": map[string]any{
			"active": snap.ActiveWorkers,
			"total":  snap.PoolSize,
		},
		"webhooks": map[string]any{
			"attempted": snap.WebhookAttempted,
			"delivered": snap.WebhookDelivered,
			"failed":    snap.WebhookFailed,
			"exhausted": snap.WebhookExhausted,
			"dropped":   snap.WebhookDropped,
		},
		"rateLimit": map[string]any{
			"allowed": snap.RateAllowed,
			"denied":  snap.RateDenied,
			"errors":  snap.RateErrors,
		},
		"events": map[string]any{
			"dropped": snap.EventsDropped,
		},
	})
}

// adminQueues reports live queue depths from the store.
func (s *Server) adminQueues(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Store.Stats(r.Context(), s.opts.Now())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	workers := 0
	active := int64(0)
	if p := s.deps.Pool; p != nil {
		ps := p.Stats()
		workers, active = ps.Workers, ps.Active
	}
	writeData(w, http.StatusOK, map[string]any{
		"queues": stats,
		"workers": map[string]any{
			"active": active,
			"total":  workers,
		},
	})
}
