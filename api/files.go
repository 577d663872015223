package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/iv-ingestion/ingest/blob"
	"github.com/iv-ingestion/ingest/types"
)

// uploadResponse is the 201 payload for an accepted upload.
type uploadResponse struct {
	FileID      string             `json:"fileId"`
	Status      types.JobState     `json:"status"`
	Kind        types.DocumentKind `json:"kind"`
	Size        int64              `json:"size"`
	SubmittedAt string             `json:"submittedAt"`
}

// uploadFile streams a multipart upload into the blob store and submits
// the job. Fields before the file part may declare "kind" and
// "priority"; when kind is absent the file extension decides. The body
// is never buffered whole.
func (s *Server) uploadFile(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		s.rejectUpload(w, http.StatusBadRequest, "multipart body required", nil)
		return
	}

	var (
		declaredKind string
		priority     int
		filePart     *multipart.Part
	)
	for filePart == nil {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			s.rejectUpload(w, http.StatusBadRequest, "missing file part", nil)
			return
		}
		if err != nil {
			s.rejectUpload(w, http.StatusBadRequest, "malformed multipart body", nil)
			return
		}
		switch part.FormName() {
		case "file":
			filePart = part
		case "kind", "type":
			declaredKind = formValue(part)
		case "priority":
			priority, _ = strconv.Atoi(formValue(part))
		default:
			part.Close()
		}
	}
	defer filePart.Close()

	if declaredKind == "" {
		declaredKind = strings.TrimPrefix(
			strings.ToLower(filepath.Ext(filePart.FileName())), ".")
	}
	kind, err := types.ParseDocumentKind(declaredKind)
	if err != nil {
		s.deps.Metrics.IncUploadRejected()
		writeError(w, http.StatusBadRequest, types.CodeUnsupportedKind,
			err.Error(), map[string]any{"kind": declaredKind})
		return
	}

	now := s.opts.Now()
	limited := &limitedReader{r: filePart, remaining: s.opts.MaxUploadBytes}
	ref, err := s.deps.Blobs.Put(r.Context(), limited, blob.Meta{
		ContentType:  filePart.Header.Get("Content-Type"),
		OriginalName: filePart.FileName(),
		UploadedAt:   now,
	})
	if err != nil {
		if limited.exceeded {
			s.rejectUpload(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("upload exceeds %d bytes", s.opts.MaxUploadBytes),
				map[string]any{"maxBytes": s.opts.MaxUploadBytes})
			return
		}
		s.logger.Error("blob write failed", map[string]any{"error": err.Error()})
		writeError(w, http.StatusInternalServerError, types.CodeInternal,
			"storing upload failed", nil)
		return
	}

	job := &types.Job{
		ID:           s.opts.NewID(),
		Tenant:       callerIdentity(r),
		Blob:         ref,
		Kind:         kind,
		OriginalName: filePart.FileName(),
		Priority:     priority,
		MaxAttempts:  s.opts.MaxAttempts,
		SubmittedAt:  now,
	}
	if err := s.deps.Store.Submit(r.Context(), job); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.deps.Metrics.IncJobSubmitted(ref.Size)
	s.logger.Info("upload accepted", map[string]any{
		"job_id": job.ID,
		"kind":   string(kind),
		"size":   ref.Size,
	})

	writeData(w, http.StatusCreated, uploadResponse{
		FileID:      job.ID,
		Status:      types.JobQueued,
		Kind:        kind,
		Size:        ref.Size,
		SubmittedAt: now.Format(timeFormat),
	})
}

func (s *Server) rejectUpload(w http.ResponseWriter, status int, msg string, details map[string]any) {
	s.deps.Metrics.IncUploadRejected()
	writeError(w, status, types.CodeValidationFailed, msg, details)
}

// formValue drains one small text part.
func formValue(part *multipart.Part) string {
	defer part.Close()
	b, _ := io.ReadAll(io.LimitReader(part, 1024))
	return strings.TrimSpace(string(b))
}

// limitedReader errors once more than remaining bytes pass through, so
// an oversized upload aborts the blob write mid-stream instead of
// landing truncated.
type limitedReader struct {
	r         io.Reader
	remaining int64
	exceeded  bool
}

var errTooLarge = errors.New("upload too large")

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.exceeded {
		return 0, errTooLarge
	}
	if int64(len(p)) > l.remaining+1 {
		p = p[:l.remaining+1]
	}
	n, err := l.r.Read(p)
	if int64(n) > l.remaining {
		l.exceeded = true
		return 0, errTooLarge
	}
	l.remaining -= int64(n)
	return n, err
}

// getFile returns the job record: state, progress, attempts, timings,
// and the result summary or terminal error.
func (s *Server) getFile(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusOK, job)
}

// downloadFile streams the original blob back. Only completed jobs are
// downloadable.
func (s *Server) downloadFile(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if job.State != types.JobCompleted {
		writeError(w, http.StatusConflict, types.CodeConflict,
			"file is not processed yet", map[string]any{"state": string(job.State)})
		return
	}

	rc, err := s.deps.Blobs.Open(r.Context(), job.Blob)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			writeError(w, http.StatusNotFound, types.CodeNotFound, "blob not found", nil)
			return
		}
		s.logger.Error("blob open failed", map[string]any{
			"job_id": job.ID,
			"error":  err.Error(),
		})
		writeError(w, http.StatusInternalServerError, types.CodeInternal,
			"reading blob failed", nil)
		return
	}
	defer rc.Close()

	contentType := "application/octet-stream"
	if meta, err := s.deps.Blobs.Stat(r.Context(), job.Blob); err == nil && meta.ContentType != "" {
		contentType = meta.ContentType
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(job.Blob.Size, 10))
	if job.OriginalName != "" {
		w.Header().Set("Content-Disposition",
			fmt.Sprintf("attachment; filename=%q", job.OriginalName))
	}
	io.Copy(w, rc)
}

// cancelFile requests cooperative cancellation. Queued jobs fail
// immediately; active jobs stop at their next checkpoint.
func (s *Server) cancelFile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	state, err := s.deps.Store.RequestCancel(r.Context(), id, s.opts.Now())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeData(w, http.StatusAccepted, map[string]any{
		"fileId": id,
		"state":  state,
	})
}
