// Package store persists jobs, webhook subscriptions, and extracted
// inspections in SQLite.
//
// This file defines sentinel errors and error wrappers for classifying
// store failures. These enable callers to use errors.Is/errors.As for
// typed assertions rather than string matching.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"
)

// Sentinel errors for store failure classification.
// Use errors.Is(err, ErrXxx) for typed assertions.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a state transition was rejected because the
	// record is not in the required state (completing a terminal job,
	// canceling a finished job, inserting a duplicate id).
	ErrConflict = errors.New("conflict")

	// ErrStaleLease indicates the caller no longer holds the job lease:
	// the lease expired, or the job was reclaimed by another worker.
	ErrStaleLease = errors.New("stale lease")

	// ErrBusy indicates transient database contention (SQLITE_BUSY,
	// SQLITE_LOCKED). Safe to retry.
	ErrBusy = errors.New("database busy")
)

// StoreError wraps an underlying error with store classification.
// It preserves the original error in the chain for inspection via errors.As.
type StoreError struct {
	// Kind is the sentinel error for classification (e.g., ErrNotFound).
	Kind error
	// Op is the operation that failed (e.g., "acquire", "complete").
	Op string
	// ID is the record id involved, if any.
	ID string
	// Err is the underlying error.
	Err error
}

func (e *StoreError) Error() string {
	switch {
	case e.ID != "" && e.Err != nil:
		return fmt.Sprintf("%s %s: %v: %v", e.Op, e.ID, e.Kind, e.Err)
	case e.ID != "":
		return fmt.Sprintf("%s %s: %v", e.Op, e.ID, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
}

// Unwrap returns the underlying error for errors.Is/As chain traversal.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is reports whether the error matches the target sentinel.
func (e *StoreError) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

// newStoreError creates a classified store error.
func newStoreError(kind error, op, id string, err error) *StoreError {
	return &StoreError{
		Kind: kind,
		Op:   op,
		ID:   id,
		Err:  err,
	}
}

// wrapOp classifies and wraps an operation error. Returns nil if err is nil.
func wrapOp(op, id string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return newStoreError(classify(err), op, id, err)
}

// Retryable reports whether the error is transient contention that a
// caller may retry. Used by the pipeline to decide retry vs dead.
func Retryable(err error) bool {
	return errors.Is(err, ErrBusy)
}

// classify determines the appropriate sentinel error for the given error.
// Classification checks typed driver errors first, then message patterns.
func classify(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}

	var serr sqlite3.Error
	if errors.As(err, &serr) {
		switch serr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return ErrBusy
		case sqlite3.ErrConstraint:
			return ErrConflict
		}
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "database is locked"),
		strings.Contains(errStr, "database table is locked"):
		return ErrBusy
	case strings.Contains(errStr, "unique constraint"),
		strings.Contains(errStr, "constraint failed"):
		return ErrConflict
	case strings.Contains(errStr, "no such table"),
		strings.Contains(errStr, "no rows"):
		return ErrNotFound
	default:
		return errors.New("store error")
	}
}
