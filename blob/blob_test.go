package blob_test

import (
	"io"
	"strings"
	"testing"
	"time"

	"github.com/iv-ingestion/ingest/blob"
	"github.com/iv-ingestion/ingest/types"
)

func mustFS(t *testing.T) *blob.FSStore {
	t.Helper()
	s, err := blob.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewFS failed: %v", err)
	}
	return s
}

func refFor(locator string) types.BlobRef {
	return types.BlobRef{Hash: locator, Locator: locator}
}

func readAll(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return string(data)
}

func TestFSStore_PutOpenRoundTrip(t *testing.T) {
	s := mustFS(t)
	ctx := t.Context()

	content := "Inspection Report\nAddress: 123 Main St"
	ref, err := s.Put(ctx, strings.NewReader(content), blob.Meta{
		ContentType:  "application/pdf",
		OriginalName: "report.pdf",
		UploadedAt:   time.Now(),
	})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if ref.Hash == "" || ref.Size != int64(len(content)) {
		t.Fatalf("unexpected ref: %+v", ref)
	}
	if !strings.HasPrefix(ref.Locator, ref.Hash[:2]+"/"+ref.Hash[2:4]+"/") {
		t.Errorf("locator %q does not use hash fan-out", ref.Locator)
	}

	rc, err := s.Open(ctx, ref)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if got := readAll(t, rc); got != content {
		t.Errorf("Open returned %q, want %q", got, content)
	}
}

func TestFSStore_DedupSameContent(t *testing.T) {
	s := mustFS(t)
	ctx := t.Context()

	ref1, err := s.Put(ctx, strings.NewReader("same bytes"), blob.Meta{})
	if err != nil {
		t.Fatalf("first Put failed: %v", err)
	}
	ref2, err := s.Put(ctx, strings.NewReader("same bytes"), blob.Meta{})
	if err != nil {
		t.Fatalf("second Put failed: %v", err)
	}
	if ref1.Hash != ref2.Hash || ref1.Locator != ref2.Locator {
		t.Errorf("identical content produced different refs: %+v vs %+v", ref1, ref2)
	}
}

func TestFSStore_DistinctContentDistinctRefs(t *testing.T) {
	s := mustFS(t)
	ctx := t.Context()

	ref1, _ := s.Put(ctx, strings.NewReader("alpha"), blob.Meta{})
	ref2, _ := s.Put(ctx, strings.NewReader("beta"), blob.Meta{})
	if ref1.Hash == ref2.Hash {
		t.Error("distinct content produced the same hash")
	}
}

func TestFSStore_StatReadsSidecar(t *testing.T) {
	s := mustFS(t)
	ctx := t.Context()

	uploaded := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	ref, err := s.Put(ctx, strings.NewReader("payload"), blob.Meta{
		ContentType:  "text/csv",
		OriginalName: "findings.csv",
		UploadedAt:   uploaded,
	})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	meta, err := s.Stat(ctx, ref)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if meta.ContentType != "text/csv" || meta.OriginalName != "findings.csv" {
		t.Errorf("meta = %+v", meta)
	}
	if meta.Size != int64(len("payload")) {
		t.Errorf("meta.Size = %d, want %d", meta.Size, len("payload"))
	}
	if !meta.UploadedAt.Equal(uploaded) {
		t.Errorf("meta.UploadedAt = %v, want %v", meta.UploadedAt, uploaded)
	}
}

func TestFSStore_OpenMissing(t *testing.T) {
	s := mustFS(t)
	_, err := s.Open(t.Context(), refFor("de/ad/deadbeef"))
	if err != blob.ErrNotFound {
		t.Errorf("Open missing = %v, want ErrNotFound", err)
	}
}

func TestFSStore_Delete(t *testing.T) {
	s := mustFS(t)
	ctx := t.Context()

	ref, _ := s.Put(ctx, strings.NewReader("short lived"), blob.Meta{})
	if err := s.Delete(ctx, ref); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Open(ctx, ref); err != blob.ErrNotFound {
		t.Errorf("Open after delete = %v, want ErrNotFound", err)
	}
	// Deleting again is a no-op.
	if err := s.Delete(ctx, ref); err != nil {
		t.Errorf("second Delete = %v, want nil", err)
	}
}

func TestMemStore_RoundTrip(t *testing.T) {
	s := blob.NewMemory()
	ctx := t.Context()

	ref, err := s.Put(ctx, strings.NewReader("in memory"), blob.Meta{ContentType: "text/plain"})
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	rc, err := s.Open(ctx, ref)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if got := readAll(t, rc); got != "in memory" {
		t.Errorf("round trip = %q", got)
	}

	meta, err := s.Stat(ctx, ref)
	if err != nil || meta.ContentType != "text/plain" {
		t.Errorf("Stat = %+v, %v", meta, err)
	}
}

func TestMemStore_Missing(t *testing.T) {
	s := blob.NewMemory()
	if _, err := s.Open(t.Context(), refFor("missing")); err != blob.ErrNotFound {
		t.Errorf("Open = %v, want ErrNotFound", err)
	}
	if _, err := s.Stat(t.Context(), refFor("missing")); err != blob.ErrNotFound {
		t.Errorf("Stat = %v, want ErrNotFound", err)
	}
}
