// Package webhook delivers published events to subscriber endpoints as
// signed HTTP POSTs. Every active subscription whose event set admits
// the type gets an independent delivery; within one subscription first
// attempts start in publication order while retries run on their own
// timers, so observed order at the endpoint is not strictly monotonic.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/iv-ingestion/ingest/bus"
	"github.com/iv-ingestion/ingest/log"
	"github.com/iv-ingestion/ingest/types"
)

// Dispatcher defaults; zero Options fields fall back to these.
const (
	DefaultConcurrency = 8
	DefaultTimeout     = 30 * time.Second
	DefaultMaxAttempts = 5
	DefaultQueueSize   = 256
	DefaultUserAgent   = "iv-ingestion-webhook/1.0"
)

// DefaultRetryDelays is the wait schedule between consecutive attempts:
// the first retry fires 1 s after the initial failure. Schedules
// shorter than the attempt budget clamp at their last entry.
var DefaultRetryDelays = []time.Duration{
	1 * time.Second,
	5 * time.Second,
	15 * time.Second,
	60 * time.Second,
	300 * time.Second,
}

// Store is the subscription state the dispatcher reads and updates.
type Store interface {
	AllActiveSubscriptions(ctx context.Context) ([]*types.Subscription, error)
	GetSubscription(ctx context.Context, id string) (*types.Subscription, error)
	RecordDelivery(ctx context.Context, id string, delivered bool, at time.Time) error
}

// Options tune the dispatcher.
type Options struct {
	// Concurrency bounds simultaneous HTTP attempts across all
	// subscriptions.
	Concurrency int
	// Timeout applies per attempt.
	Timeout time.Duration
	// MaxAttempts caps the attempt sequence per delivery.
	MaxAttempts int
	// RetryDelays is the wait schedule between attempts.
	RetryDelays []time.Duration
	// QueueSize bounds each subscription's pending deliveries.
	QueueSize int
	UserAgent string
	Client    *http.Client
	Logger    *log.Logger
	Now       func() time.Time
	NewID     func() string
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if len(o.RetryDelays) == 0 {
		o.RetryDelays = DefaultRetryDelays
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.UserAgent == "" {
		o.UserAgent = DefaultUserAgent
	}
	if o.Client == nil {
		o.Client = &http.Client{}
	}
	if o.Logger == nil {
		o.Logger = log.Nop()
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	return o
}

// Stats is a snapshot of the dispatcher counters.
type Stats struct {
	Attempted int64
	Delivered int64
	Failed    int64
	Exhausted int64
	Dropped   int64
}

// job is one pending delivery: an event bound to a subscription
// snapshot. Subscription updates do not retarget already-queued
// deliveries.
type job struct {
	sub   *types.Subscription
	event types.Event
	body  []byte
}

// Dispatcher fans events out to webhook subscriptions. Wire Dispatch
// as a bus handler on "*"; Close stops delivery.
type Dispatcher struct {
	store  Store
	opts   Options
	client *http.Client
	logger *log.Logger
	sem    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	queues map[string]chan job
	closed bool

	attempted atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	exhausted atomic.Int64
	dropped   atomic.Int64
}

// New returns a ready dispatcher.
func New(store Store, opts Options) *Dispatcher {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:  store,
		opts:   opts,
		client: opts.Client,
		logger: opts.Logger.Named("webhook"),
		sem:    make(chan struct{}, opts.Concurrency),
		ctx:    ctx,
		cancel: cancel,
		queues: make(map[string]chan job),
	}
}

// Dispatch routes one published event to every active subscription
// whose event set admits its type. It satisfies bus.Handler.
func (d *Dispatcher) Dispatch(e types.Event) {
	subs, err := d.store.AllActiveSubscriptions(d.ctx)
	if err != nil {
		d.logger.Warn("subscription lookup failed, event not fanned out", map[string]any{
			"event": string(e.Type),
			"id":    e.ID,
			"error": err.Error(),
		})
		return
	}
	var body []byte
	for _, sub := range subs {
		if !sub.Matches(e.Type, bus.Match) {
			continue
		}
		if body == nil {
			if body, err = json.Marshal(e); err != nil {
				d.logger.Error("event not serializable", map[string]any{
					"event": string(e.Type),
					"id":    e.ID,
					"error": err.Error(),
				})
				return
			}
		}
		d.enqueue(job{sub: sub, event: e, body: body})
	}
}

// Test sends a test event to one subscription through the normal
// delivery path. It bypasses the event-set filter and the active flag:
// the operator named the target explicitly.
func (d *Dispatcher) Test(ctx context.Context, subID string) (types.Event, error) {
	sub, err := d.store.GetSubscription(ctx, subID)
	if err != nil {
		return types.Event{}, err
	}
	e := types.Event{
		Type:      types.EventTest,
		Timestamp: d.opts.Now(),
		Data: types.TestEventData{
			SubscriptionID: sub.ID,
			Message:        "webhook subscription test",
		},
		ID: d.opts.NewID(),
	}
	body, err := json.Marshal(e)
	if err != nil {
		return types.Event{}, err
	}
	d.enqueue(job{sub: sub, event: e, body: body})
	return e, nil
}

func (d *Dispatcher) enqueue(j job) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	q, ok := d.queues[j.sub.ID]
	if !ok {
		q = make(chan job, d.opts.QueueSize)
		d.queues[j.sub.ID] = q
		d.wg.Add(1)
		go d.pump(q)
	}
	d.mu.Unlock()

	select {
	case q <- j:
	default:
		d.dropped.Add(1)
		d.logger.Warn("subscription queue full, event dropped", map[string]any{
			"subscription": j.sub.ID,
			"event":        string(j.event.Type),
			"id":           j.event.ID,
		})
	}
}

// pump runs one subscription's first attempts serially in enqueue
// order. A failed attempt hands its remaining schedule to a separate
// goroutine so a struggling endpoint does not hold back newer events.
func (d *Dispatcher) pump(q chan job) {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case j := <-q:
			if d.attempt(j, 1) == types.Delivered || d.ctx.Err() != nil {
				continue
			}
			if d.opts.MaxAttempts <= 1 {
				d.exhaust(j, 1)
				continue
			}
			d.wg.Add(1)
			go d.retry(j)
		}
	}
}

// retry walks attempts 2..MaxAttempts of one delivery.
func (d *Dispatcher) retry(j job) {
	defer d.wg.Done()
	for attempt := 2; ; attempt++ {
		delay := d.opts.RetryDelays[min(attempt-2, len(d.opts.RetryDelays)-1)]
		select {
		case <-d.ctx.Done():
			return
		case <-time.After(delay):
		}
		if d.attempt(j, attempt) == types.Delivered || d.ctx.Err() != nil {
			return
		}
		if attempt >= d.opts.MaxAttempts {
			d.exhaust(j, attempt)
			return
		}
	}
}

func (d *Dispatcher) exhaust(j job, attempts int) {
	d.exhausted.Add(1)
	d.logger.Warn("delivery attempts exhausted, event dropped", map[string]any{
		"code":         string(types.CodeWebhookExhausted),
		"subscription": j.sub.ID,
		"event":        string(j.event.Type),
		"id":           j.event.ID,
		"attempts":     attempts,
	})
}

// attempt POSTs the event once and records the outcome on the
// subscription's counters.
func (d *Dispatcher) attempt(j job, attempt int) types.DeliveryOutcome {
	select {
	case d.sem <- struct{}{}:
	case <-d.ctx.Done():
		return types.TransientFail
	}
	defer func() { <-d.sem }()

	del := types.Delivery{
		ID:             d.opts.NewID(),
		SubscriptionID: j.sub.ID,
		Event:          j.event,
		Attempt:        attempt,
		ScheduledAt:    d.opts.Now(),
	}
	del.Outcome, del.StatusCode = d.post(&del, j)

	d.attempted.Add(1)
	delivered := del.Outcome == types.Delivered
	if delivered {
		d.delivered.Add(1)
	} else {
		d.failed.Add(1)
	}

	// Counters are the durable delivery record, so the write survives
	// dispatcher shutdown.
	rctx, rcancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := d.store.RecordDelivery(rctx, j.sub.ID, delivered, d.opts.Now()); err != nil {
		d.logger.Warn("recording delivery counters failed", map[string]any{
			"subscription": j.sub.ID,
			"error":        err.Error(),
		})
	}
	rcancel()

	fields := map[string]any{
		"subscription": j.sub.ID,
		"event":        string(j.event.Type),
		"delivery":     del.ID,
		"attempt":      attempt,
		"status":       del.StatusCode,
	}
	if delivered {
		d.logger.Debug("delivered", fields)
	} else {
		d.logger.Warn("delivery attempt failed", fields)
	}
	return del.Outcome
}

// post issues the HTTP request for one attempt. Any completed 2xx
// response is delivered; every other completion, timeout, or transport
// error is a transient failure.
func (d *Dispatcher) post(del *types.Delivery, j job) (types.DeliveryOutcome, int) {
	ctx, cancel := context.WithTimeout(d.ctx, d.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.sub.URL, bytes.NewReader(j.body))
	if err != nil {
		return types.TransientFail, 0
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.opts.UserAgent)
	req.Header.Set("X-Webhook-Signature", Sign(j.body, j.sub.Secret))
	req.Header.Set("X-Webhook-Event", string(j.event.Type))
	req.Header.Set("X-Webhook-Delivery", del.ID)
	req.Header.Set("X-Webhook-Attempt", strconv.Itoa(del.Attempt))

	resp, err := d.client.Do(req)
	if err != nil {
		return types.TransientFail, 0
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return types.Delivered, resp.StatusCode
	}
	return types.TransientFail, resp.StatusCode
}

// Stats snapshots the delivery counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Attempted: d.attempted.Load(),
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
		Exhausted: d.exhausted.Load(),
		Dropped:   d.dropped.Load(),
	}
}

// Close stops pumps and pending retries and waits for in-flight
// attempts to finish. Queued deliveries that never started are
// dropped; the per-subscription counters are the only durable record.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	pending := 0
	for _, q := range d.queues {
		pending += len(q)
	}
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
	if pending > 0 {
		d.logger.Warn("closed with queued deliveries dropped", map[string]any{
			"pending": pending,
		})
	}
}
