package pipeline_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/iv-ingestion/ingest/blob"
	"github.com/iv-ingestion/ingest/parser"
	"github.com/iv-ingestion/ingest/pipeline"
	"github.com/iv-ingestion/ingest/store"
	"github.com/iv-ingestion/ingest/types"
)

var base = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

const happyPDFText = "BT (Address: 123 Main St, Anytown, CA 90210) Tj 0 -14 Td " +
	"(Inspector: Jane Smith, License NY789012) Tj 0 -14 Td " +
	"(critical electrical hazard at main panel) Tj ET"

// pdfBytes builds a one-stream PDF whose dictionary carries the exact
// direct /Length of the body.
func pdfBytes(t *testing.T, content string) []byte {
	t.Helper()
	var b bytes.Buffer
	fmt.Fprintf(&b, "%%PDF-1.4\n1 0 obj\n<< /Length %d >>\nstream\n%s\nendstream\nendobj\n%%%%EOF\n",
		len(content), content)
	return b.Bytes()
}

type eventRecorder struct {
	mu     sync.Mutex
	events []types.Event
}

func (r *eventRecorder) Publish(e types.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) ofType(t types.EventType) []types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "jobs.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func putBlob(t *testing.T, blobs blob.Store, data []byte) types.BlobRef {
	t.Helper()
	ref, err := blobs.Put(context.Background(), bytes.NewReader(data), blob.Meta{Size: int64(len(data))})
	if err != nil {
		t.Fatalf("put blob: %v", err)
	}
	return ref
}

// submitActive submits a job for the blob and acquires it for workerID.
func submitActive(t *testing.T, st *store.Store, ref types.BlobRef, kind types.DocumentKind, workerID string) *types.Job {
	t.Helper()
	ctx := context.Background()
	err := st.Submit(ctx, &types.Job{
		ID:          "job-" + string(kind) + "-1",
		Tenant:      "tenant-1",
		Blob:        ref,
		Kind:        kind,
		SubmittedAt: base,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	job, err := st.Acquire(ctx, workerID, base.Add(time.Second), 5*time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if job == nil {
		t.Fatal("acquire returned no job")
	}
	return job
}

func newProcessor(st *store.Store, blobs blob.Store, rec *eventRecorder) *pipeline.Processor {
	n := 0
	return pipeline.New(blobs, parser.NewRegistry(nil), st, pipeline.Options{
		Events: rec,
		Now:    func() time.Time { return base.Add(time.Minute) },
		NewID: func() string {
			n++
			return fmt.Sprintf("id-%04d", n)
		},
	})
}

func TestProcessPDFHappyPath(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	blobs := blob.NewMemory()
	rec := &eventRecorder{}

	ref := putBlob(t, blobs, pdfBytes(t, happyPDFText))
	job := submitActive(t, st, ref, types.KindPDF, "w1")
	proc := newProcessor(st, blobs, rec)

	var reports []string
	summary, err := proc.Process(ctx, job, "w1", func(p int, stage string) {
		reports = append(reports, fmt.Sprintf("%d:%s", p, stage))
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	wantReports := []string{"5:identify", "30:parse", "70:extract", "100:persist"}
	if !reflect.DeepEqual(reports, wantReports) {
		t.Errorf("reports = %v, want %v", reports, wantReports)
	}

	if summary.FindingsCount != 1 || summary.CriticalFindings != 1 {
		t.Errorf("summary = %+v, want one critical finding", summary)
	}

	got, err := st.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != types.JobCompleted || got.Progress != 100 {
		t.Errorf("job state=%s progress=%d, want completed/100", got.State, got.Progress)
	}
	if got.Result == nil || got.Result.FindingsCount != 1 {
		t.Errorf("job result = %+v", got.Result)
	}

	insp, err := st.InspectionByJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("inspection by job: %v", err)
	}
	wantProp := types.Property{
		AddressLine1: "123 Main St",
		City:         "Anytown",
		State:        "CA",
		Zip:          "90210",
	}
	if !reflect.DeepEqual(insp.Property, wantProp) {
		t.Errorf("property = %+v, want %+v", insp.Property, wantProp)
	}
	if insp.Inspector.Name != "Jane Smith" || insp.Inspector.License != "NY789012" {
		t.Errorf("inspector = %+v", insp.Inspector)
	}
	if len(insp.Findings) != 1 {
		t.Fatalf("findings = %d, want 1", len(insp.Findings))
	}
	f := insp.Findings[0]
	if f.Category != types.CategoryElectrical || f.Severity != types.SeverityCritical {
		t.Errorf("finding = %+v, want electrical/critical", f)
	}
	if f.ID == "" {
		t.Error("finding id not assigned")
	}
	if insp.Confidence <= 0 {
		t.Errorf("confidence = %v, want > 0", insp.Confidence)
	}

	if n := len(rec.ofType(types.EventInspectionCreated)); n != 1 {
		t.Errorf("inspection.created events = %d, want 1", n)
	}
	if n := len(rec.ofType(types.EventFindingAdded)); n != 1 {
		t.Errorf("finding.added events = %d, want 1", n)
	}
}

func TestProcessZeroFindingsCompletes(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	blobs := blob.NewMemory()
	rec := &eventRecorder{}

	content := "BT (General condition of the dwelling was recorded) Tj ET"
	ref := putBlob(t, blobs, pdfBytes(t, content))
	job := submitActive(t, st, ref, types.KindPDF, "w1")
	proc := newProcessor(st, blobs, rec)

	summary, err := proc.Process(ctx, job, "w1", nil)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if summary.FindingsCount != 0 {
		t.Errorf("findings count = %d, want 0", summary.FindingsCount)
	}

	got, err := st.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != types.JobCompleted {
		t.Errorf("state = %s, want completed", got.State)
	}
	if n := len(rec.ofType(types.EventFindingAdded)); n != 0 {
		t.Errorf("finding.added events = %d, want 0", n)
	}
	if n := len(rec.ofType(types.EventInspectionCreated)); n != 1 {
		t.Errorf("inspection.created events = %d, want 1", n)
	}
}

func TestProcessKindMismatchIsPermanent(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	blobs := blob.NewMemory()

	png := append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 32)...)
	ref := putBlob(t, blobs, png)
	job := submitActive(t, st, ref, types.KindPDF, "w1")
	proc := newProcessor(st, blobs, &eventRecorder{})

	_, err := proc.Process(ctx, job, "w1", nil)
	if err == nil {
		t.Fatal("expected mismatch error")
	}
	var terr *types.Error
	if !errors.As(err, &terr) {
		t.Fatalf("error type %T: %v", err, err)
	}
	if terr.Code != types.CodeUnsupportedKind {
		t.Errorf("code = %s, want UNSUPPORTED_KIND", terr.Code)
	}
	if types.IsRetryable(err) {
		t.Error("mismatch must not be retryable")
	}
	if terr.Details["detected"] != "image/png" {
		t.Errorf("details = %v", terr.Details)
	}

	// Nothing was persisted; the worker still owns the active job.
	got, err := st.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != types.JobActive {
		t.Errorf("state = %s, want active", got.State)
	}
}

func TestProcessUnknownSniffFallsThroughToParser(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	blobs := blob.NewMemory()

	bin := []byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77}
	ref := putBlob(t, blobs, bin)
	job := submitActive(t, st, ref, types.KindPDF, "w1")
	proc := newProcessor(st, blobs, &eventRecorder{})

	_, err := proc.Process(ctx, job, "w1", nil)
	if err == nil {
		t.Fatal("expected parser rejection")
	}
	// Identify passes on an inconclusive sniff; the PDF parser then
	// rejects the missing header.
	if types.IsRetryable(err) {
		t.Errorf("parser rejection should be permanent: %v", err)
	}
	if types.IsCanceled(err) {
		t.Errorf("unexpected cancellation: %v", err)
	}
}

func TestProcessCancelledBeforeStages(t *testing.T) {
	st := openStore(t)
	blobs := blob.NewMemory()

	ref := putBlob(t, blobs, pdfBytes(t, happyPDFText))
	job := submitActive(t, st, ref, types.KindPDF, "w1")
	proc := newProcessor(st, blobs, &eventRecorder{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := proc.Process(ctx, job, "w1", nil)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if !types.IsCanceled(err) {
		t.Fatalf("error = %v, want cancellation", err)
	}

	// The cancelled stage persisted nothing.
	if _, err := st.InspectionByJob(context.Background(), job.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("inspection lookup = %v, want ErrNotFound", err)
	}
	got, err := st.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != types.JobActive {
		t.Errorf("state = %s, want active", got.State)
	}
}

func TestProcessStaleLeasePersistsNothing(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	blobs := blob.NewMemory()

	ref := putBlob(t, blobs, pdfBytes(t, happyPDFText))
	job := submitActive(t, st, ref, types.KindPDF, "w1")
	proc := newProcessor(st, blobs, &eventRecorder{})

	// A worker that no longer holds the lease cannot complete the job.
	_, err := proc.Process(ctx, job, "w2", nil)
	if err == nil {
		t.Fatal("expected stale lease error")
	}
	if !errors.Is(err, store.ErrStaleLease) {
		t.Fatalf("error = %v, want ErrStaleLease in chain", err)
	}
	if types.CodeOf(err) != types.CodeConflict {
		t.Errorf("code = %s, want CONFLICT", types.CodeOf(err))
	}
	if types.IsRetryable(err) {
		t.Error("stale lease must not be retryable")
	}

	if _, err := st.InspectionByJob(ctx, job.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("inspection lookup = %v, want ErrNotFound", err)
	}
	got, err := st.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != types.JobActive {
		t.Errorf("state = %s, want active", got.State)
	}
}

func TestProcessParseTimeoutIsRetryable(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	blobs := blob.NewMemory()

	ref := putBlob(t, blobs, pdfBytes(t, happyPDFText))
	job := submitActive(t, st, ref, types.KindPDF, "w1")

	proc := pipeline.New(blobs, parser.NewRegistry(nil), st, pipeline.Options{
		Timeouts: pipeline.Timeouts{Parse: time.Nanosecond},
	})

	_, err := proc.Process(ctx, job, "w1", nil)
	if err == nil {
		t.Fatal("expected parse timeout")
	}
	if types.CodeOf(err) != types.CodeParseTimeout {
		t.Fatalf("code = %s, want PARSE_TIMEOUT (%v)", types.CodeOf(err), err)
	}
	if !types.IsRetryable(err) {
		t.Error("parse timeout must be retryable")
	}
}
