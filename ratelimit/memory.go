package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Memory is the in-process backend: one admission log per key, pruned
// on every query. Writes to a key serialize on its own lock so the
// key space scales with contention, not with traffic.
type Memory struct {
	mu   sync.Mutex
	keys map[string]*window
}

type window struct {
	mu     sync.Mutex
	stamps []int64 // admission times, epoch ms, ascending
	span   int64   // window length of the last query, ms
	gone   bool    // evicted by Sweep; holders must re-look-up
}

// NewMemory returns an empty in-process backend.
func NewMemory() *Memory {
	return &Memory{keys: make(map[string]*window)}
}

// Admit implements Backend.
func (m *Memory) Admit(_ context.Context, key string, limit int, windowDur time.Duration, now time.Time) (Decision, error) {
	for {
		m.mu.Lock()
		w, ok := m.keys[key]
		if !ok {
			w = &window{}
			m.keys[key] = w
		}
		m.mu.Unlock()

		w.mu.Lock()
		if w.gone {
			w.mu.Unlock()
			continue
		}
		dec := w.admit(limit, windowDur, now)
		w.mu.Unlock()
		return dec, nil
	}
}

func (w *window) admit(limit int, windowDur time.Duration, now time.Time) Decision {
	w.span = windowDur.Milliseconds()
	cutoff := now.UnixMilli() - w.span
	i := 0
	for i < len(w.stamps) && w.stamps[i] <= cutoff {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}

	dec := Decision{Count: len(w.stamps)}
	if len(w.stamps) < limit {
		w.stamps = append(w.stamps, now.UnixMilli())
		dec.Allowed = true
		dec.Count = len(w.stamps)
	}
	if len(w.stamps) > 0 {
		dec.Oldest = time.UnixMilli(w.stamps[0]).UTC()
	}
	return dec
}

// Sweep evicts keys whose logs are empty as of now. Admission never
// needs it for correctness; it only bounds memory across many idle
// identities. The daemon runs it on a timer.
func (m *Memory) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	evicted := 0
	for key, w := range m.keys {
		w.mu.Lock()
		cutoff := now.UnixMilli() - w.span
		i := 0
		for i < len(w.stamps) && w.stamps[i] <= cutoff {
			i++
		}
		if i == len(w.stamps) {
			w.gone = true
			delete(m.keys, key)
			evicted++
		}
		w.mu.Unlock()
	}
	return evicted
}

// Keys returns the number of live admission logs.
func (m *Memory) Keys() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}
