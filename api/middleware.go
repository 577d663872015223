package api

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/iv-ingestion/ingest/ratelimit"
	"github.com/iv-ingestion/ingest/types"
)

type ctxKey int

const identityKey ctxKey = iota

// identity resolves the caller: the bearer token when one is presented,
// the client IP otherwise. The token is opaque; verifying it is the
// upstream proxy's job.
func identity(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if tok, ok := strings.CutPrefix(auth, "Bearer "); ok && tok != "" {
		return tok
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// callerIdentity returns the identity stamped by the limit middleware,
// falling back to resolving it directly on unlimited routes.
func callerIdentity(r *http.Request) string {
	if id, ok := r.Context().Value(identityKey).(string); ok {
		return id
	}
	return identity(r)
}

func (s *Server) tierFor(id string) ratelimit.Tier {
	if t, ok := s.opts.Tiers[id]; ok {
		return ratelimit.Tier(t)
	}
	return ratelimit.TierFree
}

// countRequests bumps the served-request counter.
func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.deps.Metrics.IncRequest()
		next.ServeHTTP(w, r)
	})
}

// limit gates a route on one admission bucket. Every limited response
// carries the X-RateLimit headers; a denial is a 429 with the
// structured body and a Retry-After hint.
func (s *Server) limit(bucket ratelimit.Bucket) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := identity(r)
			r = r.WithContext(context.WithValue(r.Context(), identityKey, id))
			if s.deps.Limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			res := s.deps.Limiter.Allow(r.Context(), id, s.tierFor(id), bucket)
			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.UnixMilli(), 10))
			if res.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			retryAfter := int64(math.Ceil(res.RetryAfter.Seconds()))
			h.Set("Retry-After", strconv.FormatInt(retryAfter, 10))
			writeJSON(w, http.StatusTooManyRequests, deniedBody{
				Code: types.CodeRateLimitExceeded,
				Details: deniedDetails{
					Limit:      res.Limit,
					Remaining:  0,
					Reset:      res.ResetAt.UnixMilli(),
					RetryAfter: retryAfter,
				},
			})
		})
	}
}

// deniedBody is the 429 shape: unlike the generic envelope the code
// sits at the top level, preserving the upstream wire contract.
type deniedBody struct {
	Success bool          `json:"success"`
	Code    types.Code    `json:"code"`
	Details deniedDetails `json:"details"`
}

type deniedDetails struct {
	Limit      int   `json:"limit"`
	Remaining  int   `json:"remaining"`
	Reset      int64 `json:"reset"`
	RetryAfter int64 `json:"retryAfter"`
}

// requireAdmin gates the admin routes on the configured token set. An
// empty set admits everyone.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.admins) > 0 {
			if _, ok := s.admins[identity(r)]; !ok {
				writeError(w, http.StatusForbidden, types.CodeForbidden,
					"admin role required", nil)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
