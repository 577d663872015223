// Package queue runs the worker pool that drains the job store. N
// workers poll Acquire with a capped idle back-off, drive each claimed
// job through the processor under a heartbeat-extended lease, and
// propose the resulting transition back to the store. A reaper task
// returns expired-active jobs to the queue. All lifecycle events are
// published on the bus; the pool never blocks on a slow subscriber.
package queue

import (
	"context"
	"fmt"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iv-ingestion/ingest/log"
	"github.com/iv-ingestion/ingest/pipeline"
	"github.com/iv-ingestion/ingest/store"
	"github.com/iv-ingestion/ingest/types"
)

// Pool defaults; zero Options fields fall back to these.
const (
	DefaultVisibility       = 5 * time.Minute
	DefaultPollBackoffMin   = 50 * time.Millisecond
	DefaultPollBackoffMax   = 2 * time.Second
	DefaultProgressInterval = 500 * time.Millisecond
)

// DefaultRetryDelays is the base back-off schedule for failed attempts:
// attempt k waits entry min(k-1, 4) plus jitter before re-dispatch.
var DefaultRetryDelays = []time.Duration{
	1 * time.Second,
	5 * time.Second,
	15 * time.Second,
	60 * time.Second,
	300 * time.Second,
}

// jitterFrac is the uniform jitter bound added to a base retry delay,
// as a fraction of the base.
const jitterFrac = 0.20

// Store is the job state the pool reads and mutates. Workers never
// touch job rows directly; every transition goes through this
// interface.
type Store interface {
	Acquire(ctx context.Context, workerID string, now time.Time, lease time.Duration) (*types.Job, error)
	Heartbeat(ctx context.Context, id, workerID string, progress int, stage string, now time.Time, lease time.Duration) (store.HeartbeatResult, error)
	Fail(ctx context.Context, id, workerID string, jerr *types.JobError, retryable bool, retryDelay time.Duration, now time.Time) (types.JobState, error)
	ReapExpired(ctx context.Context, now time.Time) ([]store.ReapedJob, error)
}

// Processor runs one job to completion under the worker's lease. On
// success the job is already completed in the store.
type Processor interface {
	Process(ctx context.Context, job *types.Job, workerID string, report pipeline.ProgressFunc) (*types.InspectionSummary, error)
}

// Publisher receives pool lifecycle events.
type Publisher interface {
	Publish(e types.Event)
}

// Options tune the pool.
type Options struct {
	// Workers is the pool size; zero selects runtime.NumCPU().
	Workers int
	// Visibility is the lease stamped on acquire and extended by each
	// heartbeat.
	Visibility time.Duration
	// RetryDelays is the base back-off schedule for retryable failures.
	RetryDelays []time.Duration
	// PollBackoffMax caps the idle acquire sleep.
	PollBackoffMax time.Duration
	// ProgressInterval floors the gap between progress events per job.
	ProgressInterval time.Duration
	Logger           *log.Logger
	// Now and Rand are overridable for tests; Rand returns a uniform
	// float in [0, 1) and feeds jitter.
	Now  func() time.Time
	Rand func() float64
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = runtime.NumCPU()
	}
	if o.Visibility <= 0 {
		o.Visibility = DefaultVisibility
	}
	if len(o.RetryDelays) == 0 {
		o.RetryDelays = DefaultRetryDelays
	}
	if o.PollBackoffMax <= 0 {
		o.PollBackoffMax = DefaultPollBackoffMax
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = DefaultProgressInterval
	}
	if o.Logger == nil {
		o.Logger = log.Nop()
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	if o.Rand == nil {
		o.Rand = rand.Float64
	}
	return o
}

// Stats is a snapshot of the pool counters.
type Stats struct {
	Started   int64
	Completed int64
	Failed    int64
	Dead      int64
	Cancelled int64
	Requeued  int64
	Reaped    int64
	// Active is the number of workers currently holding a lease.
	Active int64
	// Workers is the configured pool size.
	Workers int
}

// Pool is the worker pool. Start launches the workers and the reaper;
// Close drains them.
type Pool struct {
	store  Store
	proc   Processor
	events Publisher
	opts   Options
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	closeOnce sync.Once

	started   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	dead      atomic.Int64
	cancelled atomic.Int64
	requeued  atomic.Int64
	reaped    atomic.Int64
	active    atomic.Int64
}

// New wires a pool. Events may be nil, in which case lifecycle events
// are dropped.
func New(st Store, proc Processor, events Publisher, opts Options) *Pool {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		store:  st,
		proc:   proc,
		events: events,
		opts:   opts,
		logger: opts.Logger.Named("queue"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the worker and reaper tasks. Safe to call once.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		for i := 0; i < p.opts.Workers; i++ {
			id := fmt.Sprintf("worker-%d", i+1)
			p.wg.Add(1)
			go p.worker(id)
		}
		p.wg.Add(1)
		go p.reaper()
		p.logger.Info("pool started", map[string]any{
			"workers":    p.opts.Workers,
			"visibility": p.opts.Visibility.String(),
		})
	})
}

// Close stops acquiring, signals active jobs to abandon at the next
// checkpoint, and waits for every worker to return.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.cancel()
		p.wg.Wait()
		p.logger.Info("pool drained", nil)
	})
}

// Stats snapshots the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Started:   p.started.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Dead:      p.dead.Load(),
		Cancelled: p.cancelled.Load(),
		Requeued:  p.requeued.Load(),
		Reaped:    p.reaped.Load(),
		Active:    p.active.Load(),
		Workers:   p.opts.Workers,
	}
}

func (p *Pool) publish(e types.Event) {
	if p.events != nil {
		p.events.Publish(e)
	}
}

// retryDelay computes the wait before re-dispatching a job that just
// failed its attempt-th activation: base schedule entry min(attempt-1,
// last) plus uniform jitter in [0, 20%] of the base.
func (p *Pool) retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.opts.RetryDelays[min(attempt-1, len(p.opts.RetryDelays)-1)]
	return base + time.Duration(p.opts.Rand()*jitterFrac*float64(base))
}

// worker is the acquire-process loop for one pool slot. An empty queue
// backs the poll off exponentially up to the cap plus a small jitter;
// any successful acquire resets the back-off.
func (p *Pool) worker(workerID string) {
	defer p.wg.Done()
	backoff := DefaultPollBackoffMin
	for {
		if p.ctx.Err() != nil {
			return
		}
		job, err := p.store.Acquire(p.ctx, workerID, p.opts.Now(), p.opts.Visibility)
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			p.logger.Warn("acquire failed", map[string]any{
				"worker": workerID,
				"error":  err.Error(),
			})
		} else if job != nil {
			backoff = DefaultPollBackoffMin
			p.run(job, workerID)
			continue
		}

		sleep := backoff + time.Duration(p.opts.Rand()*jitterFrac*float64(backoff))
		select {
		case <-p.ctx.Done():
			return
		case <-time.After(sleep):
		}
		if backoff *= 2; backoff > p.opts.PollBackoffMax {
			backoff = p.opts.PollBackoffMax
		}
	}
}

// reaper periodically returns expired-active jobs to the queue. A job
// whose budget is already spent goes to dead instead, and that is its
// terminal failure event.
func (p *Pool) reaper() {
	defer p.wg.Done()
	interval := p.opts.Visibility / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
		}
		moved, err := p.store.ReapExpired(p.ctx, p.opts.Now())
		if err != nil {
			if p.ctx.Err() == nil {
				p.logger.Warn("reap failed", map[string]any{"error": err.Error()})
			}
			continue
		}
		for _, r := range moved {
			p.reaped.Add(1)
			fields := map[string]any{
				"job_id":   r.ID,
				"attempts": r.Attempts,
				"state":    string(r.State),
			}
			if r.State != types.JobDead {
				p.requeued.Add(1)
				p.logger.Warn("lease expired, job requeued", fields)
				continue
			}
			p.dead.Add(1)
			p.logger.Warn("lease expired with retry budget spent, job dead", fields)
			data := types.ProcessingFailedData{
				FileID:   r.ID,
				Code:     types.CodeProcessingFailed,
				Message:  "processing lease expired",
				Attempts: r.Attempts,
				Final:    true,
			}
			if r.Error != nil {
				data.Code = r.Error.Code
				data.Message = r.Error.Message
			}
			p.publish(types.NewEvent(types.EventProcessingFailed, data))
		}
	}
}
