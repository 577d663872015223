package webhook_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/iv-ingestion/ingest/store"
	"github.com/iv-ingestion/ingest/types"
	"github.com/iv-ingestion/ingest/webhook"
)

type recordedRequest struct {
	body   []byte
	header http.Header
	at     time.Time
}

// endpoint is an httptest server that scripts its status codes: the
// nth request gets statuses[n], the last entry repeating.
type endpoint struct {
	srv      *httptest.Server
	statuses []int

	mu   sync.Mutex
	hits int
	got  chan recordedRequest
}

func newEndpoint(t *testing.T, statuses ...int) *endpoint {
	t.Helper()
	e := &endpoint{statuses: statuses, got: make(chan recordedRequest, 32)}
	e.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		e.mu.Lock()
		n := e.hits
		e.hits++
		e.mu.Unlock()
		status := http.StatusOK
		if len(e.statuses) > 0 {
			status = e.statuses[min(n, len(e.statuses)-1)]
		}
		select {
		case e.got <- recordedRequest{body: body, header: r.Header.Clone(), at: time.Now()}:
		default:
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(e.srv.Close)
	return e
}

func (e *endpoint) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hits
}

func (e *endpoint) wait(t *testing.T) recordedRequest {
	t.Helper()
	select {
	case rec := <-e.got:
		return rec
	case <-time.After(5 * time.Second):
		t.Fatal("no delivery arrived")
		return recordedRequest{}
	}
}

func (e *endpoint) waitN(t *testing.T, n int) []recordedRequest {
	t.Helper()
	out := make([]recordedRequest, 0, n)
	for len(out) < n {
		out = append(out, e.wait(t))
	}
	return out
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "ingest.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createSub(t *testing.T, s *store.Store, id, url string, events []string, active bool) *types.Subscription {
	t.Helper()
	sub := &types.Subscription{
		ID:        id,
		Tenant:    "tenant-1",
		URL:       url,
		Events:    events,
		Secret:    "whsec_" + id,
		Active:    active,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateSubscription(context.Background(), sub); err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	return sub
}

func newDispatcher(t *testing.T, s *store.Store, opts webhook.Options) *webhook.Dispatcher {
	t.Helper()
	if opts.RetryDelays == nil {
		opts.RetryDelays = []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}
	}
	d := webhook.New(s, opts)
	t.Cleanup(d.Close)
	return d
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func event(id string, typ types.EventType) types.Event {
	return types.Event{
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Data:      map[string]any{"fileId": "file-1"},
		ID:        id,
	}
}

func counters(t *testing.T, s *store.Store, id string) *types.Subscription {
	t.Helper()
	sub, err := s.GetSubscription(context.Background(), id)
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	return sub
}

func TestSignVerify(t *testing.T) {
	body := []byte(`{"event":"test","data":{"n":1}}`)
	sig := webhook.Sign(body, "secret")
	if len(sig) != 64 {
		t.Fatalf("signature length = %d, want 64 hex chars", len(sig))
	}
	if !webhook.Verify(body, "secret", sig) {
		t.Error("round-trip verify failed")
	}
	if webhook.Verify(body, "other", sig) {
		t.Error("verify passed with wrong secret")
	}
	if webhook.Verify([]byte(`{"event":"tampered"}`), "secret", sig) {
		t.Error("verify passed with tampered body")
	}
	if webhook.Verify(body, "secret", "sha256="+sig) {
		t.Error("verify passed with prefixed signature")
	}
	if webhook.Verify(body, "secret", "zz"+sig[2:]) {
		t.Error("verify passed with non-hex signature")
	}
}

func TestDispatchDeliversSignedEvent(t *testing.T) {
	ep := newEndpoint(t)
	s := openStore(t)
	sub := createSub(t, s, "sub-1", ep.srv.URL, []string{"processing.*"}, true)
	d := newDispatcher(t, s, webhook.Options{})

	e := event("evt-1", types.EventProcessingCompleted)
	d.Dispatch(e)

	rec := ep.wait(t)
	if got := rec.header.Get("X-Webhook-Event"); got != "processing.completed" {
		t.Errorf("X-Webhook-Event = %q", got)
	}
	if got := rec.header.Get("X-Webhook-Attempt"); got != "1" {
		t.Errorf("X-Webhook-Attempt = %q", got)
	}
	if rec.header.Get("X-Webhook-Delivery") == "" {
		t.Error("X-Webhook-Delivery missing")
	}
	if got := rec.header.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := rec.header.Get("User-Agent"); got != webhook.DefaultUserAgent {
		t.Errorf("User-Agent = %q", got)
	}
	if !webhook.Verify(rec.body, sub.Secret, rec.header.Get("X-Webhook-Signature")) {
		t.Error("signature does not verify against body")
	}

	var envelope struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
		ID    string          `json:"id"`
	}
	if err := json.Unmarshal(rec.body, &envelope); err != nil {
		t.Fatalf("body: %v", err)
	}
	if envelope.Event != "processing.completed" || envelope.ID != "evt-1" || len(envelope.Data) == 0 {
		t.Errorf("envelope = %+v", envelope)
	}

	waitFor(t, "counters", func() bool {
		got := counters(t, s, sub.ID)
		return got.TotalDeliveries == 1 && got.Succeeded == 1
	})
	if got := counters(t, s, sub.ID); got.LastTriggeredAt == nil {
		t.Error("last triggered not set")
	}
	if st := d.Stats(); st.Attempted != 1 || st.Delivered != 1 || st.Failed != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestDispatchRoutesByEventSet(t *testing.T) {
	epMatch := newEndpoint(t)
	epOther := newEndpoint(t)
	epInactive := newEndpoint(t)
	s := openStore(t)
	createSub(t, s, "sub-match", epMatch.srv.URL, []string{"processing.*"}, true)
	createSub(t, s, "sub-other", epOther.srv.URL, []string{"inspection.*"}, true)
	createSub(t, s, "sub-off", epInactive.srv.URL, []string{"*"}, false)
	d := newDispatcher(t, s, webhook.Options{})

	d.Dispatch(event("evt-1", types.EventProcessingStarted))

	rec := epMatch.wait(t)
	if got := rec.header.Get("X-Webhook-Event"); got != "processing.started" {
		t.Errorf("X-Webhook-Event = %q", got)
	}
	time.Sleep(100 * time.Millisecond)
	if n := epOther.count(); n != 0 {
		t.Errorf("non-matching subscription got %d requests", n)
	}
	if n := epInactive.count(); n != 0 {
		t.Errorf("inactive subscription got %d requests", n)
	}
}

func TestRetryScheduleStopsOnSuccess(t *testing.T) {
	ep := newEndpoint(t, 500, 500, 200)
	s := openStore(t)
	sub := createSub(t, s, "sub-1", ep.srv.URL, []string{"*"}, true)
	d := newDispatcher(t, s, webhook.Options{
		RetryDelays: []time.Duration{30 * time.Millisecond, 60 * time.Millisecond},
	})

	d.Dispatch(event("evt-1", types.EventProcessingCompleted))

	recs := ep.waitN(t, 3)
	for i, rec := range recs {
		if got := rec.header.Get("X-Webhook-Attempt"); got != []string{"1", "2", "3"}[i] {
			t.Errorf("attempt %d header = %q", i+1, got)
		}
	}
	if gap := recs[1].at.Sub(recs[0].at); gap < 30*time.Millisecond {
		t.Errorf("first retry after %v, want >= 30ms", gap)
	}
	if gap := recs[2].at.Sub(recs[1].at); gap < 60*time.Millisecond {
		t.Errorf("second retry after %v, want >= 60ms", gap)
	}

	waitFor(t, "counters", func() bool {
		got := counters(t, s, sub.ID)
		return got.TotalDeliveries == 3 && got.Succeeded == 1 && got.Failed == 2
	})

	time.Sleep(150 * time.Millisecond)
	if n := ep.count(); n != 3 {
		t.Errorf("requests after success = %d, want 3", n)
	}
	if st := d.Stats(); st.Exhausted != 0 {
		t.Errorf("exhausted = %d, want 0", st.Exhausted)
	}
}

func TestExhaustedDeliveryIsDropped(t *testing.T) {
	ep := newEndpoint(t, 500)
	s := openStore(t)
	sub := createSub(t, s, "sub-1", ep.srv.URL, []string{"*"}, true)
	d := newDispatcher(t, s, webhook.Options{
		MaxAttempts: 3,
		RetryDelays: []time.Duration{5 * time.Millisecond},
	})

	d.Dispatch(event("evt-1", types.EventProcessingFailed))

	waitFor(t, "exhaustion", func() bool {
		return ep.count() == 3 && d.Stats().Exhausted == 1
	})
	time.Sleep(50 * time.Millisecond)
	if n := ep.count(); n != 3 {
		t.Errorf("requests = %d, want exactly 3", n)
	}
	waitFor(t, "counters", func() bool {
		got := counters(t, s, sub.ID)
		return got.TotalDeliveries == 3 && got.Succeeded == 0 && got.Failed == 3
	})
}

func TestTestDeliversToSubscription(t *testing.T) {
	ep := newEndpoint(t)
	s := openStore(t)
	// Inactive and not subscribed to "test": Test targets it anyway.
	sub := createSub(t, s, "sub-1", ep.srv.URL, []string{"processing.*"}, false)
	d := newDispatcher(t, s, webhook.Options{})

	e, err := d.Test(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("test: %v", err)
	}
	if e.Type != types.EventTest || e.ID == "" {
		t.Errorf("event = %+v", e)
	}

	rec := ep.wait(t)
	if got := rec.header.Get("X-Webhook-Event"); got != "test" {
		t.Errorf("X-Webhook-Event = %q", got)
	}
	if !webhook.Verify(rec.body, sub.Secret, rec.header.Get("X-Webhook-Signature")) {
		t.Error("signature does not verify")
	}
	var envelope struct {
		Data types.TestEventData `json:"data"`
	}
	if err := json.Unmarshal(rec.body, &envelope); err != nil {
		t.Fatalf("body: %v", err)
	}
	if envelope.Data.SubscriptionID != sub.ID {
		t.Errorf("data = %+v", envelope.Data)
	}

	if _, err := d.Test(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("test on missing subscription err = %v, want ErrNotFound", err)
	}
}

func TestPerSubscriptionDeliveryOrder(t *testing.T) {
	ep := newEndpoint(t)
	s := openStore(t)
	createSub(t, s, "sub-1", ep.srv.URL, []string{"*"}, true)
	d := newDispatcher(t, s, webhook.Options{})

	d.Dispatch(event("evt-1", types.EventProcessingStarted))
	d.Dispatch(event("evt-2", types.EventProcessingProgress))
	d.Dispatch(event("evt-3", types.EventProcessingCompleted))

	recs := ep.waitN(t, 3)
	for i, want := range []string{"evt-1", "evt-2", "evt-3"} {
		var envelope struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(recs[i].body, &envelope); err != nil {
			t.Fatalf("body %d: %v", i, err)
		}
		if envelope.ID != want {
			t.Errorf("delivery %d = %q, want %q", i, envelope.ID, want)
		}
	}
}

func TestCloseStopsPendingRetries(t *testing.T) {
	ep := newEndpoint(t, 500)
	s := openStore(t)
	createSub(t, s, "sub-1", ep.srv.URL, []string{"*"}, true)
	d := webhook.New(s, webhook.Options{
		RetryDelays: []time.Duration{10 * time.Second},
	})

	d.Dispatch(event("evt-1", types.EventProcessingFailed))
	ep.wait(t)

	start := time.Now()
	d.Close()
	if took := time.Since(start); took > 3*time.Second {
		t.Errorf("close took %v", took)
	}
	time.Sleep(50 * time.Millisecond)
	if n := ep.count(); n != 1 {
		t.Errorf("requests after close = %d, want 1", n)
	}
	d.Close()
}
