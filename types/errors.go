package types

import (
	"context"
	"errors"
	"fmt"
)

// Code is a stable machine-readable error code surfaced to callers.
// The set is closed and documented; new codes are additive.
type Code string

const (
	// CodeRateLimitExceeded means admission was denied by the rate limiter.
	CodeRateLimitExceeded Code = "RATE_LIMIT_EXCEEDED"
	// CodeUnsupportedKind means the declared or sniffed kind has no parser.
	CodeUnsupportedKind Code = "UNSUPPORTED_KIND"
	// CodeParseTimeout means a parser exceeded its stage deadline.
	CodeParseTimeout Code = "PARSE_TIMEOUT"
	// CodeProcessingFailed is the general pipeline failure code.
	CodeProcessingFailed Code = "PROCESSING_FAILED"
	// CodeWebhookExhausted means a delivery ran out of attempts.
	CodeWebhookExhausted Code = "WEBHOOK_DELIVERY_EXHAUSTED"
	// CodeCancelled means the owner cancelled the job.
	CodeCancelled Code = "CANCELLED"
	// CodeValidationFailed means a request argument was rejected.
	CodeValidationFailed Code = "VALIDATION_FAILED"
	// CodeInvalidSignature means a webhook signature did not verify.
	CodeInvalidSignature Code = "INVALID_SIGNATURE"
	// CodeNotFound means the referenced entity does not exist.
	CodeNotFound Code = "NOT_FOUND"
	// CodeForbidden means the caller lacks the role the operation
	// requires.
	CodeForbidden Code = "FORBIDDEN"
	// CodeConflict means the requested transition is not legal from the
	// entity's current state.
	CodeConflict Code = "CONFLICT"
	// CodeStoreUnavailable means the persistent store refused the operation.
	CodeStoreUnavailable Code = "STORE_UNAVAILABLE"
	// CodeInternal is the catch-all for unexpected failures.
	CodeInternal Code = "INTERNAL_ERROR"
)

// Error is the canonical error envelope carried across component
// boundaries. Retryable drives the worker's retry-versus-dead-letter
// decision; permanent errors skip back-off entirely.
type Error struct {
	Code      Code
	Message   string
	Details   map[string]any
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, enabling errors.Is/As chains.
func (e *Error) Unwrap() error { return e.Err }

// Transient builds a retryable error: parser I/O, store contention,
// network faults, stage timeouts.
func Transient(code Code, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Retryable: true, Err: err}
}

// Permanent builds a non-retryable error: validation failures,
// unsupported kinds, policy denials.
func Permanent(code Code, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// Canceled builds the terminal cooperative-cancellation error.
func Canceled(msg string) *Error {
	return &Error{Code: CodeCancelled, Message: msg}
}

// WithDetails attaches structured details, returning the same error.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// IsRetryable reports whether err should consume an attempt and be
// rescheduled. Cancellation is never retryable; a bare context
// deadline counts as a timeout and is.
func IsRetryable(err error) bool {
	if err == nil || IsCanceled(err) {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsCanceled reports whether err represents cooperative cancellation,
// either the domain error or a bare context.Canceled.
func IsCanceled(err error) bool {
	var e *Error
	if errors.As(err, &e) && e.Code == CodeCancelled {
		return true
	}
	return errors.Is(err, context.Canceled)
}

// CodeOf extracts the stable code from err. Unclassified errors map
// to PROCESSING_FAILED so callers always see a documented code.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeParseTimeout
	}
	if errors.Is(err, context.Canceled) {
		return CodeCancelled
	}
	return CodeProcessingFailed
}

// JobErrorFrom converts err into the terminal payload recorded on a
// failed or dead job.
func JobErrorFrom(err error) *JobError {
	var e *Error
	if errors.As(err, &e) {
		return &JobError{Code: e.Code, Message: e.Message, Details: e.Details}
	}
	return &JobError{Code: CodeOf(err), Message: err.Error()}
}
