package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/iv-ingestion/ingest/log"
	"github.com/iv-ingestion/ingest/store"
	"github.com/iv-ingestion/ingest/types"
)

// finalizeTimeout bounds the terminal store write after processing
// ends. It uses a detached context so the transition survives pool
// shutdown.
const finalizeTimeout = 5 * time.Second

// tracker is the shared view of one activation between the processing
// goroutine and its heartbeat loop.
type tracker struct {
	mu       sync.Mutex
	progress int
	stage    string
	// lastEvent throttles processing.progress publication.
	lastEvent time.Time
	// stale means the lease was lost mid-flight; the job belongs to the
	// reaper or another worker and this activation must not touch it.
	stale bool
	// cancelled means the owner requested cancellation.
	cancelled bool
}

func (tr *tracker) set(progress int, stage string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	// Progress is monotonic within one activation.
	if progress > tr.progress {
		tr.progress = progress
	}
	tr.stage = stage
}

func (tr *tracker) get() (int, string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.progress, tr.stage
}

// shouldPublish admits one progress event per interval.
func (tr *tracker) shouldPublish(now time.Time, interval time.Duration) bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if !tr.lastEvent.IsZero() && now.Sub(tr.lastEvent) < interval {
		return false
	}
	tr.lastEvent = now
	return true
}

func (tr *tracker) markStale() {
	tr.mu.Lock()
	tr.stale = true
	tr.mu.Unlock()
}

func (tr *tracker) markCancelled() {
	tr.mu.Lock()
	tr.cancelled = true
	tr.mu.Unlock()
}

func (tr *tracker) flags() (stale, cancelled bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.stale, tr.cancelled
}

// run drives one acquired job: start event on first activation,
// heartbeat loop for the lease, processor invocation, and the terminal
// transition with its event.
func (p *Pool) run(job *types.Job, workerID string) {
	p.active.Add(1)
	defer p.active.Add(-1)

	startedAt := p.opts.Now()
	logger := p.logger.With(map[string]any{"job_id": job.ID, "worker": workerID})

	if job.Attempts == 1 {
		p.started.Add(1)
		p.publish(types.NewEvent(types.EventProcessingStarted, types.ProcessingStartedData{
			FileID:  job.ID,
			Kind:    job.Kind,
			Attempt: job.Attempts,
		}))
	}
	logger.Info("job activated", map[string]any{
		"kind":     string(job.Kind),
		"attempt":  job.Attempts,
		"priority": job.Priority,
	})

	jctx, cancel := context.WithCancel(p.ctx)
	defer cancel()

	tr := &tracker{}
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		p.heartbeatLoop(jctx, cancel, job, workerID, tr)
	}()

	report := func(progress int, stage string) {
		tr.set(progress, stage)
		p.publishProgress(job, tr, startedAt)
	}

	summary, err := p.proc.Process(jctx, job, workerID, report)
	cancel()
	<-hbDone

	stale, ownerCancelled := tr.flags()
	now := p.opts.Now()

	switch {
	case err == nil:
		p.completed.Add(1)
		logger.Info("job completed", map[string]any{
			"findings": summary.FindingsCount,
			"duration": now.Sub(startedAt).String(),
		})
		p.publish(types.NewEvent(types.EventProcessingCompleted, types.ProcessingCompletedData{
			FileID:         job.ID,
			InspectionID:   summary.InspectionID,
			Summary:        *summary,
			ProcessingTime: now.Sub(startedAt).Seconds(),
		}))

	case stale:
		// Lease lost: the store already refuses this worker's writes and
		// the reaper or a new activation owns the job now.
		logger.Warn("lease lost mid-flight, activation abandoned", map[string]any{
			"error": err.Error(),
		})

	case types.IsCanceled(err) && ownerCancelled:
		p.cancelled.Add(1)
		jerr := &types.JobError{Code: types.CodeCancelled, Message: "cancelled by owner"}
		p.finalize(job, workerID, jerr, false, 0, now, logger)

	case types.IsCanceled(err):
		// Pool shutdown, not an owner cancel: leave the job active for
		// the lease to expire and a future activation to retry.
		logger.Info("activation interrupted by shutdown", nil)

	default:
		retryable := types.IsRetryable(err)
		var delay time.Duration
		if retryable {
			delay = p.retryDelay(job.Attempts)
		}
		p.finalize(job, workerID, types.JobErrorFrom(err), retryable, delay, now, logger)
	}
}

// finalize proposes the failure transition and publishes the terminal
// event when the store routes the job to failed or dead.
func (p *Pool) finalize(job *types.Job, workerID string, jerr *types.JobError, retryable bool, delay time.Duration, now time.Time, logger *log.Logger) {
	fctx, fcancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer fcancel()

	state, err := p.store.Fail(fctx, job.ID, workerID, jerr, retryable, delay, now)
	if err != nil {
		// A refused transition means the job moved under us; the current
		// owner reports the terminal event.
		if errors.Is(err, store.ErrStaleLease) || errors.Is(err, store.ErrConflict) {
			logger.Debug("failure transition refused", map[string]any{"error": err.Error()})
			return
		}
		logger.Warn("failure transition not recorded", map[string]any{"error": err.Error()})
		return
	}

	fields := map[string]any{
		"code":     string(jerr.Code),
		"attempt":  job.Attempts,
		"state":    string(state),
		"message":  jerr.Message,
	}
	switch state {
	case types.JobQueued:
		p.requeued.Add(1)
		fields["retry_in"] = delay.String()
		logger.Info("attempt failed, job requeued", fields)
		return
	case types.JobDead:
		p.dead.Add(1)
		logger.Warn("retry budget exhausted, job dead", fields)
	default:
		p.failed.Add(1)
		logger.Warn("job failed", fields)
	}

	p.publish(types.NewEvent(types.EventProcessingFailed, types.ProcessingFailedData{
		FileID:   job.ID,
		Code:     jerr.Code,
		Message:  jerr.Message,
		Attempts: job.Attempts,
		Final:    true,
	}))
}

// publishProgress emits processing.progress, throttled per job.
func (p *Pool) publishProgress(job *types.Job, tr *tracker, startedAt time.Time) {
	now := p.opts.Now()
	if !tr.shouldPublish(now, p.opts.ProgressInterval) {
		return
	}
	progress, stage := tr.get()
	var remaining float64
	if elapsed := now.Sub(startedAt).Seconds(); progress > 0 && progress < 100 {
		remaining = elapsed / float64(progress) * float64(100-progress)
	}
	p.publish(types.NewEvent(types.EventProcessingProgress, types.ProcessingProgressData{
		FileID:                 job.ID,
		Progress:               progress,
		Stage:                  stage,
		EstimatedTimeRemaining: remaining,
	}))
}

// heartbeatLoop extends the lease while the job runs, persisting the
// latest progress and stage. A stale result or an owner cancel request
// cancels the activation context; the processor observes it at the
// next checkpoint.
func (p *Pool) heartbeatLoop(ctx context.Context, cancel context.CancelFunc, job *types.Job, workerID string, tr *tracker) {
	interval := p.opts.Visibility / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		progress, stage := tr.get()
		res, err := p.store.Heartbeat(ctx, job.ID, workerID, progress, stage, p.opts.Now(), p.opts.Visibility)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Warn("heartbeat failed", map[string]any{
					"job_id": job.ID,
					"error":  err.Error(),
				})
			}
			continue
		}
		if !res.OK {
			tr.markStale()
			cancel()
			return
		}
		if res.CancelRequested {
			tr.markCancelled()
			cancel()
			return
		}
	}
}
