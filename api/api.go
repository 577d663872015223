// Package api is the HTTP surface of the ingestion daemon: upload and
// job queries, inspection reads, webhook subscription management,
// admin metrics, and the SSE event stream. Authentication policy is an
// external concern; the handlers take the bearer token (or client IP)
// as an opaque identity for tenancy and rate limiting.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"

	"github.com/iv-ingestion/ingest/blob"
	"github.com/iv-ingestion/ingest/bus"
	"github.com/iv-ingestion/ingest/log"
	"github.com/iv-ingestion/ingest/metrics"
	"github.com/iv-ingestion/ingest/queue"
	"github.com/iv-ingestion/ingest/ratelimit"
	"github.com/iv-ingestion/ingest/store"
	"github.com/iv-ingestion/ingest/types"
	"github.com/iv-ingestion/ingest/webhook"
)

// DefaultMaxUploadBytes caps one upload body when the config does not.
const DefaultMaxUploadBytes = 50 << 20

// timeFormat renders response timestamps.
const timeFormat = time.RFC3339

// Deps are the server's collaborators. Store, Blobs, and Bus are
// required; the rest degrade gracefully when nil (no rate limiting, no
// webhook test sends, zeroed admin stats).
type Deps struct {
	Store      *store.Store
	Blobs      blob.Store
	Bus        *bus.Bus
	Limiter    *ratelimit.Limiter
	Dispatcher *webhook.Dispatcher
	Pool       *queue.Pool
	Metrics    *metrics.Collector
}

// Options tune the server.
type Options struct {
	// MaxUploadBytes caps one upload body.
	MaxUploadBytes int64
	// CORSOrigins lists allowed origins; empty disables CORS handling.
	CORSOrigins []string
	// Tiers maps an identity to its rate-limit tier; absent identities
	// are free tier.
	Tiers map[string]string
	// AdminTokens lists identities admitted to /admin routes. Empty
	// admits everyone: role policy is out of scope for a single-node
	// daemon and the perimeter is expected upstream.
	AdminTokens []string
	// MaxAttempts is stamped on submitted jobs; zero selects the
	// default schedule.
	MaxAttempts int
	Logger      *log.Logger
	Now         func() time.Time
	NewID       func() string
}

func (o Options) withDefaults() Options {
	if o.MaxUploadBytes <= 0 {
		o.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = types.DefaultMaxAttempts
	}
	if o.Logger == nil {
		o.Logger = log.Nop()
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	if o.NewID == nil {
		o.NewID = func() string { return ulid.Make().String() }
	}
	return o
}

// Server serves the ingestion API.
type Server struct {
	deps     Deps
	opts     Options
	logger   *log.Logger
	validate *validator.Validate
	admins   map[string]struct{}
}

// New wires a server.
func New(deps Deps, opts Options) *Server {
	opts = opts.withDefaults()
	admins := make(map[string]struct{}, len(opts.AdminTokens))
	for _, tok := range opts.AdminTokens {
		admins[tok] = struct{}{}
	}
	return &Server{
		deps:     deps,
		opts:     opts,
		logger:   opts.Logger.Named("api"),
		validate: validator.New(),
		admins:   admins,
	}
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	if len(s.opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.opts.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}
	r.Use(s.countRequests)

	r.Get("/health", s.health)
	r.Method(http.MethodGet, "/metrics", metrics.Handler(s.snapshot))

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/files", func(r chi.Router) {
			r.With(s.limit(ratelimit.BucketFiles)).Post("/upload", s.uploadFile)
			r.Group(func(r chi.Router) {
				r.Use(s.limit(ratelimit.BucketAPI))
				r.Get("/{id}", s.getFile)
				r.Get("/{id}/download", s.downloadFile)
				r.Post("/{id}/cancel", s.cancelFile)
			})
		})

		r.Route("/inspections", func(r chi.Router) {
			r.Use(s.limit(ratelimit.BucketAPI))
			r.Get("/", s.listInspections)
			r.Get("/{id}", s.getInspection)
		})

		r.Route("/webhooks", func(r chi.Router) {
			r.Use(s.limit(ratelimit.BucketWebhook))
			r.Post("/", s.createWebhook)
			r.Get("/", s.listWebhooks)
			r.Get("/{id}", s.getWebhook)
			r.Delete("/{id}", s.deleteWebhook)
			r.Post("/{id}/test", s.testWebhook)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Use(s.limit(ratelimit.BucketAdmin))
			r.Get("/metrics", s.adminMetrics)
			r.Get("/queues", s.adminQueues)
		})

		r.With(s.limit(ratelimit.BucketAPI)).Get("/events/stream", s.streamEvents)
	})
	return r
}

// snapshot absorbs the live subsystem counters and returns one
// consistent view. Both /metrics scrapes and the admin endpoints read
// through it.
func (s *Server) snapshot() metrics.Snapshot {
	c := s.deps.Metrics
	if p := s.deps.Pool; p != nil {
		ps := p.Stats()
		c.AbsorbPoolStats(ps.Started, ps.Completed, ps.Failed, ps.Dead,
			ps.Cancelled, ps.Requeued, ps.Reaped, ps.Active, ps.Workers)
	}
	if d := s.deps.Dispatcher; d != nil {
		ds := d.Stats()
		c.AbsorbWebhookStats(ds.Attempted, ds.Delivered, ds.Failed, ds.Exhausted, ds.Dropped)
	}
	if l := s.deps.Limiter; l != nil {
		ls := l.Stats()
		c.AbsorbLimiterStats(ls.Allowed, ls.Denied, ls.Errors)
	}
	if b := s.deps.Bus; b != nil {
		c.AbsorbBusStats(b.Dropped())
	}
	return c.Snapshot()
}
