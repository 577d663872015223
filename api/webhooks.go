package api

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/iv-ingestion/ingest/bus"
	"github.com/iv-ingestion/ingest/store"
	"github.com/iv-ingestion/ingest/types"
)

// createWebhookRequest is the subscription-create body.
type createWebhookRequest struct {
	URL         string   `json:"url" validate:"required,url"`
	Events      []string `json:"events"`
	Description string   `json:"description" validate:"max=500"`
}

// createWebhookResponse carries the signing secret. This is the only
// response that ever includes it.
type createWebhookResponse struct {
	*types.Subscription
	Secret string `json:"secret"`
}

// validEventFilter accepts exact members of the closed event-type set
// and well-formed wildcard patterns.
func validEventFilter(pat string) bool {
	if strings.ContainsAny(pat, "*?[") {
		return bus.ValidPattern(pat)
	}
	for _, t := range types.EventTypes {
		if pat == string(t) {
			return true
		}
	}
	return false
}

func newSecret() string {
	buf := make([]byte, 32)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}

func (s *Server) createWebhook(w http.ResponseWriter, r *http.Request) {
	var req createWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, types.CodeValidationFailed,
			"malformed JSON body", nil)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, types.CodeValidationFailed,
			err.Error(), nil)
		return
	}
	for _, pat := range req.Events {
		if !validEventFilter(pat) {
			writeError(w, http.StatusBadRequest, types.CodeValidationFailed,
				"unknown event type or malformed pattern",
				map[string]any{"event": pat})
			return
		}
	}

	sub := &types.Subscription{
		ID:          uuid.NewString(),
		Tenant:      callerIdentity(r),
		URL:         req.URL,
		Events:      req.Events,
		Secret:      newSecret(),
		Description: req.Description,
		Active:      true,
		CreatedAt:   s.opts.Now(),
	}
	if err := s.deps.Store.CreateSubscription(r.Context(), sub); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.logger.Info("webhook subscription created", map[string]any{
		"subscription": sub.ID,
		"url":          sub.URL,
	})
	writeData(w, http.StatusCreated, createWebhookResponse{
		Subscription: sub,
		Secret:       sub.Secret,
	})
}

func (s *Server) listWebhooks(w http.ResponseWriter, r *http.Request) {
	subs, err := s.deps.Store.ListSubscriptions(r.Context(), callerIdentity(r))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"webhooks": subs,
		"total":    len(subs),
	})
}

// ownedSubscription loads the route's subscription and verifies the
// caller owns it. A foreign subscription answers exactly like a missing
// one, so ids cannot be probed across tenants.
func (s *Server) ownedSubscription(w http.ResponseWriter, r *http.Request) (*types.Subscription, bool) {
	sub, err := s.deps.Store.GetSubscription(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return nil, false
	}
	if sub.Tenant != callerIdentity(r) {
		s.writeStoreError(w, store.ErrNotFound)
		return nil, false
	}
	return sub, true
}

func (s *Server) getWebhook(w http.ResponseWriter, r *http.Request) {
	sub, ok := s.ownedSubscription(w, r)
	if !ok {
		return
	}
	writeData(w, http.StatusOK, sub)
}

func (s *Server) deleteWebhook(w http.ResponseWriter, r *http.Request) {
	sub, ok := s.ownedSubscription(w, r)
	if !ok {
		return
	}
	if err := s.deps.Store.DeleteSubscription(r.Context(), sub.ID, s.opts.Now()); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.logger.Info("webhook subscription deleted", map[string]any{"subscription": sub.ID})
	writeData(w, http.StatusOK, map[string]any{"id": sub.ID})
}

// testWebhook pushes a synthetic test event through the normal delivery
// path of one subscription.
func (s *Server) testWebhook(w http.ResponseWriter, r *http.Request) {
	sub, ok := s.ownedSubscription(w, r)
	if !ok {
		return
	}
	if s.deps.Dispatcher == nil {
		writeError(w, http.StatusServiceUnavailable, types.CodeInternal,
			"webhook dispatcher not running", nil)
		return
	}
	e, err := s.deps.Dispatcher.Test(r.Context(), sub.ID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusAccepted, map[string]any{
		"eventId": e.ID,
		"event":   e.Type,
	})
}
