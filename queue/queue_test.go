package queue_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/iv-ingestion/ingest/pipeline"
	"github.com/iv-ingestion/ingest/queue"
	"github.com/iv-ingestion/ingest/store"
	"github.com/iv-ingestion/ingest/types"
)

var testDelays = []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "queue.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func submitJob(t *testing.T, s *store.Store, id string, mut func(*types.Job)) *types.Job {
	t.Helper()
	j := &types.Job{
		ID:     id,
		Tenant: "tenant-1",
		Blob: types.BlobRef{
			Hash:    "cafe" + id,
			Locator: "ca/fe/" + id,
			Size:    512,
		},
		Kind:        types.KindPDF,
		MaxAttempts: types.DefaultMaxAttempts,
	}
	if mut != nil {
		mut(j)
	}
	if err := s.Submit(context.Background(), j); err != nil {
		t.Fatalf("submit %s: %v", id, err)
	}
	return j
}

// recorder collects published events for assertions.
type recorder struct {
	mu     sync.Mutex
	events []types.Event
}

func (r *recorder) Publish(e types.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) count(t types.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func (r *recorder) wait(t *testing.T, et types.EventType) types.Event {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		for _, e := range r.events {
			if e.Type == et {
				r.mu.Unlock()
				return e
			}
		}
		r.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("event %s never published", et)
	return types.Event{}
}

// fakeProcessor scripts per-attempt outcomes. A nil error completes
// the job in the store, as the real pipeline's persist stage does.
type fakeProcessor struct {
	store *store.Store
	// errs[i] is the outcome of attempt i+1; attempts beyond the slice
	// succeed. A nil entry succeeds.
	errs []error
	// block, when set, ignores errs and waits for cancellation.
	block bool

	mu       sync.Mutex
	attempts int
	started  chan string
}

func (f *fakeProcessor) Process(ctx context.Context, job *types.Job, workerID string, report pipeline.ProgressFunc) (*types.InspectionSummary, error) {
	f.mu.Lock()
	f.attempts++
	n := f.attempts
	f.mu.Unlock()
	if f.started != nil {
		f.started <- job.ID
	}

	if f.block {
		<-ctx.Done()
		return nil, types.Canceled("job cancelled")
	}

	report(pipeline.ProgressIdentify, pipeline.StageIdentify)
	if n-1 < len(f.errs) && f.errs[n-1] != nil {
		return nil, f.errs[n-1]
	}

	report(pipeline.ProgressPersist, pipeline.StagePersist)
	summary := &types.InspectionSummary{InspectionID: "insp-" + job.ID, FindingsCount: 1}
	if err := f.store.Complete(ctx, job.ID, workerID, summary, time.Now().UTC()); err != nil {
		return nil, err
	}
	return summary, nil
}

func (f *fakeProcessor) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func startPool(t *testing.T, s *store.Store, proc queue.Processor, events queue.Publisher, mut func(*queue.Options)) *queue.Pool {
	t.Helper()
	opts := queue.Options{
		Workers:          2,
		Visibility:       3 * time.Second,
		RetryDelays:      testDelays,
		PollBackoffMax:   50 * time.Millisecond,
		ProgressInterval: time.Millisecond,
	}
	if mut != nil {
		mut(&opts)
	}
	p := queue.New(s, proc, events, opts)
	p.Start()
	t.Cleanup(p.Close)
	return p
}

func waitState(t *testing.T, s *store.Store, id string, want types.JobState) *types.Job {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	var last *types.Job
	for time.Now().Before(deadline) {
		j, err := s.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if j.State == want {
			return j
		}
		last = j
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s (last state %s)", id, want, last.State)
	return nil
}

func TestHappyPath(t *testing.T) {
	s := openStore(t)
	rec := &recorder{}
	proc := &fakeProcessor{store: s}
	submitJob(t, s, "job-ok", nil)
	startPool(t, s, proc, rec, nil)

	j := waitState(t, s, "job-ok", types.JobCompleted)
	if j.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", j.Attempts)
	}
	if j.Result == nil || j.Result.InspectionID != "insp-job-ok" {
		t.Errorf("result = %+v, want inspection insp-job-ok", j.Result)
	}

	rec.wait(t, types.EventProcessingCompleted)
	if n := rec.count(types.EventProcessingStarted); n != 1 {
		t.Errorf("processing.started published %d times, want 1", n)
	}
	if n := rec.count(types.EventProcessingFailed); n != 0 {
		t.Errorf("processing.failed published %d times, want 0", n)
	}
	if n := rec.count(types.EventProcessingProgress); n == 0 {
		t.Error("no processing.progress events published")
	}
}

func TestTransientErrorThenSuccess(t *testing.T) {
	s := openStore(t)
	rec := &recorder{}
	proc := &fakeProcessor{
		store: s,
		errs:  []error{types.Transient(types.CodeProcessingFailed, "parser hiccup", errors.New("io"))},
	}
	submitJob(t, s, "job-retry", nil)
	startPool(t, s, proc, rec, nil)

	j := waitState(t, s, "job-retry", types.JobCompleted)
	if j.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", j.Attempts)
	}
	rec.wait(t, types.EventProcessingCompleted)
	if n := rec.count(types.EventProcessingStarted); n != 1 {
		t.Errorf("processing.started published %d times, want 1", n)
	}
	if n := rec.count(types.EventProcessingFailed); n != 0 {
		t.Errorf("processing.failed published %d times, want 0", n)
	}
}

func TestRetryExhaustionRoutesToDead(t *testing.T) {
	s := openStore(t)
	rec := &recorder{}
	boom := types.Transient(types.CodeProcessingFailed, "parser always down", errors.New("io"))
	proc := &fakeProcessor{store: s, errs: []error{boom, boom, boom}}
	submitJob(t, s, "job-dead", nil)
	startPool(t, s, proc, rec, nil)

	j := waitState(t, s, "job-dead", types.JobDead)
	if j.Attempts != types.DefaultMaxAttempts {
		t.Errorf("attempts = %d, want %d", j.Attempts, types.DefaultMaxAttempts)
	}
	if j.Error == nil || j.Error.Code != types.CodeProcessingFailed {
		t.Errorf("error = %+v, want PROCESSING_FAILED", j.Error)
	}

	e := rec.wait(t, types.EventProcessingFailed)
	data, ok := e.Data.(types.ProcessingFailedData)
	if !ok {
		t.Fatalf("failed event data is %T", e.Data)
	}
	if !data.Final || data.Attempts != types.DefaultMaxAttempts {
		t.Errorf("failed data = %+v, want final with %d attempts", data, types.DefaultMaxAttempts)
	}
	if n := rec.count(types.EventProcessingFailed); n != 1 {
		t.Errorf("processing.failed published %d times, want 1", n)
	}
	if proc.calls() != types.DefaultMaxAttempts {
		t.Errorf("processor invoked %d times, want %d", proc.calls(), types.DefaultMaxAttempts)
	}
}

func TestPermanentErrorFailsWithoutRetry(t *testing.T) {
	s := openStore(t)
	rec := &recorder{}
	proc := &fakeProcessor{
		store: s,
		errs:  []error{types.Permanent(types.CodeUnsupportedKind, "content mismatch", nil)},
	}
	submitJob(t, s, "job-perm", nil)
	startPool(t, s, proc, rec, nil)

	j := waitState(t, s, "job-perm", types.JobFailed)
	if j.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", j.Attempts)
	}
	if j.Error == nil || j.Error.Code != types.CodeUnsupportedKind {
		t.Errorf("error = %+v, want UNSUPPORTED_KIND", j.Error)
	}
	if proc.calls() != 1 {
		t.Errorf("processor invoked %d times, want 1", proc.calls())
	}
	rec.wait(t, types.EventProcessingFailed)
}

func TestCancelActiveJob(t *testing.T) {
	s := openStore(t)
	rec := &recorder{}
	proc := &fakeProcessor{store: s, block: true, started: make(chan string, 1)}
	submitJob(t, s, "job-cancel", nil)
	startPool(t, s, proc, rec, func(o *queue.Options) {
		o.Workers = 1
	})

	select {
	case <-proc.started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}

	state, err := s.RequestCancel(context.Background(), "job-cancel", time.Now().UTC())
	if err != nil {
		t.Fatalf("request cancel: %v", err)
	}
	if state != types.JobActive {
		t.Fatalf("cancel observed state %s, want active", state)
	}

	j := waitState(t, s, "job-cancel", types.JobFailed)
	if j.Error == nil || j.Error.Code != types.CodeCancelled {
		t.Errorf("error = %+v, want CANCELLED", j.Error)
	}
	rec.wait(t, types.EventProcessingFailed)
}

func TestReaperRoutesExpiredFinalAttemptToDead(t *testing.T) {
	s := openStore(t)
	rec := &recorder{}
	proc := &fakeProcessor{store: s}

	// Burn the only attempt on a stalled external activation.
	submitJob(t, s, "job-stalled", func(j *types.Job) { j.MaxAttempts = 1 })
	past := time.Now().UTC().Add(-time.Minute)
	j, err := s.Acquire(context.Background(), "stalled-worker", past, 50*time.Millisecond)
	if err != nil || j == nil {
		t.Fatalf("acquire: %v (job %v)", err, j)
	}

	startPool(t, s, proc, rec, func(o *queue.Options) {
		o.Visibility = time.Second
	})

	got := waitState(t, s, "job-stalled", types.JobDead)
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
	rec.wait(t, types.EventProcessingFailed)
	if proc.calls() != 0 {
		t.Errorf("processor invoked %d times for a dead job, want 0", proc.calls())
	}
}

func TestRetryDelaySchedule(t *testing.T) {
	s := openStore(t)
	proc := &fakeProcessor{store: s}
	p := queue.New(s, proc, nil, queue.Options{
		Rand: func() float64 { return 0 },
	})
	t.Cleanup(p.Close)

	want := []time.Duration{
		1 * time.Second,
		5 * time.Second,
		15 * time.Second,
		60 * time.Second,
		300 * time.Second,
		300 * time.Second,
	}
	for i, w := range want {
		if got := p.RetryDelayForTest(i + 1); got != w {
			t.Errorf("retryDelay(%d) = %s, want %s", i+1, got, w)
		}
	}
}

func TestRetryDelayJitterBound(t *testing.T) {
	s := openStore(t)
	proc := &fakeProcessor{store: s}
	p := queue.New(s, proc, nil, queue.Options{
		Rand: func() float64 { return 0.999 },
	})
	t.Cleanup(p.Close)

	got := p.RetryDelayForTest(1)
	if got < time.Second || got > time.Second+200*time.Millisecond {
		t.Errorf("jittered delay %s outside [1s, 1.2s]", got)
	}
}
