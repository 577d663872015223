// Package ratelimit is the sliding-window admission gate in front of
// the API. Quotas are per (tier, bucket, identity); the window log
// lives in a pluggable backend so one limiter state can be shared by
// several daemon processes through Redis or kept in-process for a
// single node.
package ratelimit

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/iv-ingestion/ingest/log"
)

// Bucket names an admission category.
type Bucket string

// Buckets.
const (
	BucketAPI     Bucket = "api"
	BucketFiles   Bucket = "files"
	BucketWebhook Bucket = "webhook"
	BucketAdmin   Bucket = "admin"
)

// Tier is an account's quota class.
type Tier string

// Tiers. Unknown tiers fall back to TierFree.
const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// Quota is one bucket's admission budget per window.
type Quota struct {
	Limit  int
	Window time.Duration
}

// defaultQuotas is the tier quota table. The webhook bucket is fixed
// across tiers; the admin bucket applies to identities in the admin
// role, the role check itself is not the limiter's concern.
var defaultQuotas = map[Tier]map[Bucket]Quota{
	TierFree: {
		BucketAPI:     {Limit: 100, Window: 15 * time.Minute},
		BucketFiles:   {Limit: 10, Window: 24 * time.Hour},
		BucketWebhook: {Limit: 100, Window: time.Hour},
		BucketAdmin:   {Limit: 1000, Window: 15 * time.Minute},
	},
	TierPro: {
		BucketAPI:     {Limit: 1000, Window: 15 * time.Minute},
		BucketFiles:   {Limit: 100, Window: 24 * time.Hour},
		BucketWebhook: {Limit: 100, Window: time.Hour},
		BucketAdmin:   {Limit: 1000, Window: 15 * time.Minute},
	},
	TierEnterprise: {
		BucketAPI:     {Limit: 10000, Window: 15 * time.Minute},
		BucketFiles:   {Limit: 1000, Window: 24 * time.Hour},
		BucketWebhook: {Limit: 100, Window: time.Hour},
		BucketAdmin:   {Limit: 1000, Window: 15 * time.Minute},
	},
}

// Decision is a backend's raw sliding-window outcome.
type Decision struct {
	Allowed bool
	// Count is the number of admissions left in the window after the
	// operation, including the new one when admitted.
	Count int
	// Oldest is the earliest admission still in the window, zero when
	// the window is empty.
	Oldest time.Time
}

// Backend maintains per-key admission logs. Admit must atomically
// prune entries at or before now-window, admit if the survivor count
// is under limit, and report the surviving oldest entry. Writes to one
// key are serialized by the backend; keys are independent.
type Backend interface {
	Admit(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error)
}

// Result is the limiter's answer for one admission query, carrying
// everything the X-RateLimit response headers need.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	// ResetAt is when the oldest admission leaves the window.
	ResetAt time.Time
	// RetryAfter is how long until an admission can succeed, zero when
	// allowed.
	RetryAfter time.Duration
}

// Key is the backend storage key for one (bucket, identity) pair.
func Key(bucket Bucket, identity string) string {
	return "ratelimit:" + string(bucket) + ":" + identity
}

// Options tune a Limiter.
type Options struct {
	// Quotas overrides individual (tier, bucket) entries of the
	// default table.
	Quotas map[Tier]map[Bucket]Quota
	// FailClosed denies when the backend is unavailable. The default
	// is the upstream policy: admit and warn.
	FailClosed bool
	Logger     *log.Logger
	Now        func() time.Time
}

// Stats is a snapshot of limiter counters.
type Stats struct {
	Allowed int64
	Denied  int64
	Errors  int64
}

// Limiter answers admission queries against the quota table.
type Limiter struct {
	backend    Backend
	quotas     map[Tier]map[Bucket]Quota
	failClosed bool
	logger     *log.Logger
	now        func() time.Time

	allowed atomic.Int64
	denied  atomic.Int64
	errors  atomic.Int64
}

// New returns a limiter over backend.
func New(backend Backend, opts Options) *Limiter {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	quotas := make(map[Tier]map[Bucket]Quota, len(defaultQuotas))
	for tier, buckets := range defaultQuotas {
		tq := make(map[Bucket]Quota, len(buckets))
		for b, q := range buckets {
			tq[b] = q
		}
		quotas[tier] = tq
	}
	for tier, buckets := range opts.Quotas {
		tq, ok := quotas[tier]
		if !ok {
			tq = make(map[Bucket]Quota, len(buckets))
			quotas[tier] = tq
		}
		for b, q := range buckets {
			tq[b] = q
		}
	}
	return &Limiter{
		backend:    backend,
		quotas:     quotas,
		failClosed: opts.FailClosed,
		logger:     opts.Logger.Named("ratelimit"),
		now:        opts.Now,
	}
}

// QuotaFor resolves the quota for a (tier, bucket) pair. Unknown tiers
// use the free table; unknown buckets use the tier's api quota.
func (l *Limiter) QuotaFor(tier Tier, bucket Bucket) Quota {
	tq, ok := l.quotas[tier]
	if !ok {
		tq = l.quotas[TierFree]
	}
	if q, ok := tq[bucket]; ok {
		return q
	}
	return tq[BucketAPI]
}

// Allow runs one admission query. Backend failures resolve to the
// configured fail mode rather than an error: admission is a policy
// answer, not an I/O result.
func (l *Limiter) Allow(ctx context.Context, identity string, tier Tier, bucket Bucket) Result {
	q := l.QuotaFor(tier, bucket)
	now := l.now()

	dec, err := l.backend.Admit(ctx, Key(bucket, identity), q.Limit, q.Window, now)
	if err != nil {
		l.errors.Add(1)
		mode := "open"
		if l.failClosed {
			mode = "closed"
		}
		l.logger.Warn("limiter backend unavailable", map[string]any{
			"bucket":    string(bucket),
			"fail_mode": mode,
			"error":     err.Error(),
		})
		if l.failClosed {
			l.denied.Add(1)
			return Result{
				Limit:      q.Limit,
				ResetAt:    now.Add(q.Window),
				RetryAfter: q.Window,
			}
		}
		l.allowed.Add(1)
		return Result{
			Allowed:   true,
			Limit:     q.Limit,
			Remaining: max(q.Limit-1, 0),
			ResetAt:   now.Add(q.Window),
		}
	}

	reset := dec.Oldest.Add(q.Window)
	if dec.Oldest.IsZero() {
		reset = now.Add(q.Window)
	}
	if !dec.Allowed {
		l.denied.Add(1)
		retry := reset.Sub(now)
		if retry < 0 {
			retry = 0
		}
		return Result{Limit: q.Limit, ResetAt: reset, RetryAfter: retry}
	}
	l.allowed.Add(1)
	return Result{
		Allowed:   true,
		Limit:     q.Limit,
		Remaining: max(q.Limit-dec.Count, 0),
		ResetAt:   reset,
	}
}

// Stats snapshots the limiter counters.
func (l *Limiter) Stats() Stats {
	return Stats{
		Allowed: l.allowed.Load(),
		Denied:  l.denied.Load(),
		Errors:  l.errors.Load(),
	}
}
