// Package types defines core domain types for the ingestion daemon.
//
//nolint:revive // types is a common Go package naming convention
package types

import "time"

// DefaultMaxAttempts is the number of processing attempts a job is
// allowed before it is routed to the dead state.
const DefaultMaxAttempts = 3

// JobState represents a job's lifecycle state.
type JobState string

const (
	// JobQueued means the job is waiting for a worker.
	JobQueued JobState = "queued"
	// JobActive means a worker holds the lease and is processing.
	JobActive JobState = "active"
	// JobCompleted means processing succeeded; Result is set.
	JobCompleted JobState = "completed"
	// JobFailed means processing failed permanently or was cancelled.
	JobFailed JobState = "failed"
	// JobDead means the job exhausted its retry budget.
	JobDead JobState = "dead"
)

// IsTerminal returns true if this state is final. Terminal states
// never transition.
func (s JobState) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobDead
}

// Cancelable returns true if a job in this state may still be cancelled.
func (s JobState) Cancelable() bool {
	return s == JobQueued || s == JobActive
}

// DocumentKind is the declared format of an uploaded document.
type DocumentKind string

// Supported document kinds.
const (
	KindPDF  DocumentKind = "pdf"
	KindDOC  DocumentKind = "doc"
	KindDOCX DocumentKind = "docx"
	KindXLS  DocumentKind = "xls"
	KindXLSX DocumentKind = "xlsx"
	KindCSV  DocumentKind = "csv"
	KindJPG  DocumentKind = "jpg"
	KindJPEG DocumentKind = "jpeg"
	KindPNG  DocumentKind = "png"
	KindTIFF DocumentKind = "tiff"
	KindBMP  DocumentKind = "bmp"
)

// documentKinds is the closed set of accepted declared kinds.
var documentKinds = map[DocumentKind]struct{}{
	KindPDF: {}, KindDOC: {}, KindDOCX: {}, KindXLS: {}, KindXLSX: {},
	KindCSV: {}, KindJPG: {}, KindJPEG: {}, KindPNG: {}, KindTIFF: {}, KindBMP: {},
}

// ParseDocumentKind normalizes and validates a declared kind string.
// Unknown kinds return an UNSUPPORTED_KIND error without touching any
// parser.
func ParseDocumentKind(s string) (DocumentKind, error) {
	k := DocumentKind(s)
	if _, ok := documentKinds[k]; !ok {
		return "", Permanent(CodeUnsupportedKind, "unsupported document kind: "+s, nil)
	}
	return k, nil
}

// IsImage returns true for kinds handled by the OCR parser.
func (k DocumentKind) IsImage() bool {
	switch k {
	case KindJPG, KindJPEG, KindPNG, KindTIFF, KindBMP:
		return true
	}
	return false
}

// BlobRef addresses immutable uploaded bytes. Hash is the hex blake3
// digest of the content; Locator is backend-specific (fs path, s3 key).
// A job's blob reference never changes; re-processing re-reads the
// same bytes.
type BlobRef struct {
	Hash    string `json:"hash"`
	Locator string `json:"locator"`
	Size    int64  `json:"size"`
}

// JobError is the terminal error payload recorded on failed and dead
// jobs.
type JobError struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Job is the durable record of one ingestion request. The job store
// exclusively owns mutation; workers hold a transient lease and
// propose transitions through its interface.
type Job struct {
	// ID is a ULID: globally unique and lexically time-ordered.
	ID string `json:"id"`
	// Tenant identifies the submitting identity.
	Tenant string `json:"tenant"`
	// Blob addresses the stored upload.
	Blob BlobRef `json:"blob"`
	// Kind is the declared document kind.
	Kind DocumentKind `json:"kind"`
	// OriginalName is the client-supplied file name, advisory only.
	OriginalName string `json:"originalName,omitempty"`
	// Priority orders dispatch; higher runs earlier.
	Priority int `json:"priority"`
	// State is the lifecycle state.
	State JobState `json:"state"`
	// Progress is the reported completion percent, 0-100.
	Progress int `json:"progress"`
	// Stage is the pipeline stage last reported by a heartbeat.
	Stage string `json:"currentStep,omitempty"`
	// Attempts counts activations that consumed retry budget.
	Attempts int `json:"attempts"`
	// MaxAttempts caps Attempts; exceeding routes the job to dead.
	MaxAttempts int `json:"maxAttempts"`

	SubmittedAt    time.Time  `json:"submittedAt"`
	FirstStartedAt *time.Time `json:"firstStartedAt,omitempty"`
	LastStartedAt  *time.Time `json:"lastStartedAt,omitempty"`
	FinishedAt     *time.Time `json:"finishedAt,omitempty"`
	// LeaseExpiresAt is set while active; a job past its lease without
	// a heartbeat is eligible for re-acquisition.
	LeaseExpiresAt *time.Time `json:"leaseExpiresAt,omitempty"`
	// NextAttemptAt schedules the next retry; set iff requeued.
	NextAttemptAt *time.Time `json:"nextAttemptAt,omitempty"`

	// Result is present iff State == completed.
	Result *InspectionSummary `json:"result,omitempty"`
	// Error is present iff State is failed or dead.
	Error *JobError `json:"error,omitempty"`
	// CancelRequested signals cooperative cancellation to the worker.
	CancelRequested bool `json:"cancelRequested,omitempty"`
}
