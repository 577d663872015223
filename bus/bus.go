// Package bus is the in-process event fan-out between the queue,
// webhook dispatcher, SSE streams, and metrics. Delivery is best
// effort: each subscriber owns a bounded queue and a full queue drops
// the oldest pending event, so a slow consumer never blocks a
// publisher. There are no cross-process guarantees.
package bus

import (
	"sync"
	"sync/atomic"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/iv-ingestion/ingest/log"
	"github.com/iv-ingestion/ingest/types"
)

// DefaultQueueSize bounds a subscriber's pending-event queue when the
// caller does not choose one.
const DefaultQueueSize = 256

// Handler consumes events on the subscriber's delivery goroutine.
type Handler func(e types.Event)

// Match reports whether a subscription pattern covers an event type
// name. Patterns are doublestar globs over the dotted name: "*"
// matches everything, "processing.*" matches the processing family.
func Match(pattern, name string) bool {
	ok, err := doublestar.Match(pattern, name)
	return err == nil && ok
}

// ValidPattern reports whether pattern is a well-formed filter.
func ValidPattern(pattern string) bool {
	return doublestar.ValidatePattern(pattern)
}

// Bus fans published events out to pattern subscribers.
type Bus struct {
	queueSize int
	logger    *log.Logger

	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
	closed bool

	wg      sync.WaitGroup
	dropped atomic.Int64
}

// New returns a bus whose subscriber queues hold queueSize pending
// events; zero or negative selects DefaultQueueSize.
func New(queueSize int, logger *log.Logger) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Bus{
		queueSize: queueSize,
		logger:    logger.Named("bus"),
		subs:      make(map[int]*Subscription),
	}
}

// Subscription is one subscriber's view of the bus. Events arrive on
// Events() until Cancel (or bus Close) closes the channel.
type Subscription struct {
	pattern string
	id      int
	owner   *Bus

	mu    sync.Mutex
	queue chan types.Event

	dropped atomic.Int64
	once    sync.Once
}

// Events returns the delivery channel.
func (s *Subscription) Events() <-chan types.Event {
	return s.queue
}

// Dropped returns how many events this subscriber lost to a full queue.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Cancel removes the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription) Cancel() {
	s.owner.remove(s.id)
	s.closeQueue()
}

func (s *Subscription) closeQueue() {
	s.once.Do(func() { close(s.queue) })
}

// enqueue adds e, evicting the oldest pending events while the queue is
// full. The per-subscription lock keeps evict-and-send atomic under
// concurrent publishers; a consumer draining in parallel only frees
// space. Returns true when anything was evicted.
func (s *Subscription) enqueue(e types.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := false
	for {
		select {
		case s.queue <- e:
			return evicted
		default:
		}
		select {
		case <-s.queue:
			evicted = true
			s.dropped.Add(1)
		default:
			// The consumer emptied the queue between the two selects;
			// the next send succeeds.
		}
	}
}

// SubscribeChan registers a pattern subscriber and returns its
// subscription. The caller drains Events(). An ill-formed pattern
// matches nothing.
func (b *Bus) SubscribeChan(pattern string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	s := &Subscription{
		pattern: pattern,
		id:      b.nextID,
		owner:   b,
		queue:   make(chan types.Event, b.queueSize),
	}
	if b.closed {
		s.closeQueue()
		return s
	}
	b.subs[s.id] = s
	return s
}

// Subscribe registers a handler driven by a dedicated delivery
// goroutine and returns a cancel function.
func (b *Bus) Subscribe(pattern string, h Handler) (cancel func()) {
	s := b.SubscribeChan(pattern)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for e := range s.queue {
			h(e)
		}
	}()
	return s.Cancel
}

// Publish fans e out to every matching subscriber without blocking.
func (b *Bus) Publish(e types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		if !Match(s.pattern, string(e.Type)) {
			continue
		}
		if s.enqueue(e) {
			b.dropped.Add(1)
			b.logger.Debug("subscriber queue full, dropped oldest", map[string]any{
				"pattern": s.pattern,
				"type":    string(e.Type),
			})
		}
	}
}

// Dropped returns the total events dropped across all subscribers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Subscribers returns the current subscription count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close cancels every subscription and waits for handler goroutines to
// drain. Publishes after Close are dropped silently.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[int]*Subscription)
	b.mu.Unlock()

	for _, s := range subs {
		s.closeQueue()
	}
	b.wg.Wait()
}

// remove detaches a subscription. Closing the channel happens outside
// the bus lock, after removal makes new sends impossible.
func (b *Bus) remove(id int) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}
