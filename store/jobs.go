package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/iv-ingestion/ingest/types"
)

// jobRow mirrors the jobs table. Timestamps are UTC epoch milliseconds;
// result and error payloads are stored as JSON.
type jobRow struct {
	ID              string         `db:"id"`
	Tenant          string         `db:"tenant"`
	BlobHash        string         `db:"blob_hash"`
	BlobLocator     string         `db:"blob_locator"`
	BlobSize        int64          `db:"blob_size"`
	Kind            string         `db:"kind"`
	OriginalName    string         `db:"original_name"`
	Priority        int            `db:"priority"`
	State           string         `db:"state"`
	Progress        int            `db:"progress"`
	Stage           string         `db:"stage"`
	Attempts        int            `db:"attempts"`
	MaxAttempts     int            `db:"max_attempts"`
	WorkerID        string         `db:"worker_id"`
	CancelRequested bool           `db:"cancel_requested"`
	SubmittedAt     int64          `db:"submitted_at"`
	FirstStartedAt  sql.NullInt64  `db:"first_started_at"`
	LastStartedAt   sql.NullInt64  `db:"last_started_at"`
	FinishedAt      sql.NullInt64  `db:"finished_at"`
	LeaseExpiresAt  sql.NullInt64  `db:"lease_expires_at"`
	NextAttemptAt   sql.NullInt64  `db:"next_attempt_at"`
	ResultJSON      sql.NullString `db:"result_json"`
	ErrorJSON       sql.NullString `db:"error_json"`
}

func (r *jobRow) toJob() (*types.Job, error) {
	j := &types.Job{
		ID:              r.ID,
		Tenant:          r.Tenant,
		Blob:            types.BlobRef{Hash: r.BlobHash, Locator: r.BlobLocator, Size: r.BlobSize},
		Kind:            types.DocumentKind(r.Kind),
		OriginalName:    r.OriginalName,
		Priority:        r.Priority,
		State:           types.JobState(r.State),
		Progress:        r.Progress,
		Stage:           r.Stage,
		Attempts:        r.Attempts,
		MaxAttempts:     r.MaxAttempts,
		CancelRequested: r.CancelRequested,
		SubmittedAt:     time.UnixMilli(r.SubmittedAt).UTC(),
		FirstStartedAt:  timePtr(r.FirstStartedAt),
		LastStartedAt:   timePtr(r.LastStartedAt),
		FinishedAt:      timePtr(r.FinishedAt),
		LeaseExpiresAt:  timePtr(r.LeaseExpiresAt),
		NextAttemptAt:   timePtr(r.NextAttemptAt),
	}
	if r.ResultJSON.Valid {
		var res types.InspectionSummary
		if err := json.Unmarshal([]byte(r.ResultJSON.String), &res); err != nil {
			return nil, fmt.Errorf("decode result for job %s: %w", r.ID, err)
		}
		j.Result = &res
	}
	if r.ErrorJSON.Valid {
		var jerr types.JobError
		if err := json.Unmarshal([]byte(r.ErrorJSON.String), &jerr); err != nil {
			return nil, fmt.Errorf("decode error for job %s: %w", r.ID, err)
		}
		j.Error = &jerr
	}
	return j, nil
}

func newJobRow(j *types.Job) (*jobRow, error) {
	r := &jobRow{
		ID:              j.ID,
		Tenant:          j.Tenant,
		BlobHash:        j.Blob.Hash,
		BlobLocator:     j.Blob.Locator,
		BlobSize:        j.Blob.Size,
		Kind:            string(j.Kind),
		OriginalName:    j.OriginalName,
		Priority:        j.Priority,
		State:           string(j.State),
		Progress:        j.Progress,
		Stage:           j.Stage,
		Attempts:        j.Attempts,
		MaxAttempts:     j.MaxAttempts,
		CancelRequested: j.CancelRequested,
		SubmittedAt:     millis(j.SubmittedAt),
		FirstStartedAt:  nullMillis(j.FirstStartedAt),
		LastStartedAt:   nullMillis(j.LastStartedAt),
		FinishedAt:      nullMillis(j.FinishedAt),
		LeaseExpiresAt:  nullMillis(j.LeaseExpiresAt),
		NextAttemptAt:   nullMillis(j.NextAttemptAt),
	}
	if j.Result != nil {
		b, err := json.Marshal(j.Result)
		if err != nil {
			return nil, fmt.Errorf("encode result for job %s: %w", j.ID, err)
		}
		r.ResultJSON = sql.NullString{String: string(b), Valid: true}
	}
	if j.Error != nil {
		b, err := json.Marshal(j.Error)
		if err != nil {
			return nil, fmt.Errorf("encode error for job %s: %w", j.ID, err)
		}
		r.ErrorJSON = sql.NullString{String: string(b), Valid: true}
	}
	return r, nil
}

const insertJobSQL = `
INSERT INTO jobs (
    id, tenant, blob_hash, blob_locator, blob_size, kind, original_name,
    priority, state, progress, stage, attempts, max_attempts, worker_id,
    cancel_requested, submitted_at, first_started_at, last_started_at,
    finished_at, lease_expires_at, next_attempt_at, result_json, error_json
) VALUES (
    :id, :tenant, :blob_hash, :blob_locator, :blob_size, :kind, :original_name,
    :priority, :state, :progress, :stage, :attempts, :max_attempts, :worker_id,
    :cancel_requested, :submitted_at, :first_started_at, :last_started_at,
    :finished_at, :lease_expires_at, :next_attempt_at, :result_json, :error_json
)`

// Submit persists a new job in the queued state. The caller assigns the
// id; a duplicate id is reported as ErrConflict.
func (s *Store) Submit(ctx context.Context, job *types.Job) error {
	if job.ID == "" || job.Tenant == "" {
		return newStoreError(ErrConflict, "submit", job.ID, errors.New("id and tenant are required"))
	}
	if job.State == "" {
		job.State = types.JobQueued
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = types.DefaultMaxAttempts
	}
	if job.SubmittedAt.IsZero() {
		job.SubmittedAt = time.Now().UTC()
	}

	row, err := newJobRow(job)
	if err != nil {
		return wrapOp("submit", job.ID, err)
	}
	_, err = s.db.NamedExecContext(ctx, insertJobSQL, row)
	return wrapOp("submit", job.ID, err)
}

// Acquisition order: highest priority first, then soonest scheduled
// attempt with never-scheduled jobs ahead of delayed ones, then oldest
// submission, then id as the final tiebreak.
const acquireCandidateSQL = `
SELECT id FROM jobs
 WHERE state = 'queued'
   AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
 ORDER BY priority DESC, next_attempt_at ASC NULLS FIRST, submitted_at ASC, id ASC
 LIMIT 1`

const acquireClaimSQL = `
UPDATE jobs SET
    state = 'active',
    attempts = attempts + 1,
    worker_id = ?,
    progress = 0,
    stage = '',
    error_json = NULL,
    first_started_at = COALESCE(first_started_at, ?),
    last_started_at = ?,
    lease_expires_at = ?,
    next_attempt_at = NULL
 WHERE id = ? AND state = 'queued'`

// Acquire claims the next eligible queued job for workerID, marking it
// active with a lease of the given duration and incrementing its attempt
// counter. Returns (nil, nil) when no job is eligible at now.
func (s *Store) Acquire(ctx context.Context, workerID string, now time.Time, lease time.Duration) (*types.Job, error) {
	var job *types.Job
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var id string
		if err := tx.GetContext(ctx, &id, acquireCandidateSQL, millis(now)); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}

		nowMs := millis(now)
		res, err := tx.ExecContext(ctx, acquireClaimSQL,
			workerID, nowMs, nowMs, millis(now.Add(lease)), id)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			// Lost the candidate between select and claim. Treat as empty;
			// the caller polls again.
			return nil
		}

		var row jobRow
		if err := tx.GetContext(ctx, &row, `SELECT * FROM jobs WHERE id = ?`, id); err != nil {
			return err
		}
		j, err := row.toJob()
		if err != nil {
			return err
		}
		job = j
		return nil
	})
	if err != nil {
		return nil, wrapOp("acquire", "", err)
	}
	return job, nil
}

// HeartbeatResult reports the outcome of a heartbeat.
type HeartbeatResult struct {
	// OK is false when the heartbeat was stale: the job is no longer
	// active under the caller's lease.
	OK bool
	// CancelRequested is true when cancellation has been requested for
	// the job. Only meaningful when OK.
	CancelRequested bool
}

const heartbeatSQL = `
UPDATE jobs SET progress = ?, stage = ?, lease_expires_at = ?
 WHERE id = ? AND state = 'active' AND worker_id = ? AND lease_expires_at > ?
 RETURNING cancel_requested`

// Heartbeat records progress and stage for an active job and extends its
// lease to now+lease. A heartbeat for a job the caller no longer holds
// (lease expired, job reclaimed, job finished) is a no-op reported as
// stale rather than an error.
func (s *Store) Heartbeat(ctx context.Context, id, workerID string, progress int, stage string, now time.Time, lease time.Duration) (HeartbeatResult, error) {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}

	var cancel bool
	err := s.db.QueryRowxContext(ctx, heartbeatSQL,
		progress, stage, millis(now.Add(lease)), id, workerID, millis(now)).Scan(&cancel)
	if errors.Is(err, sql.ErrNoRows) {
		return HeartbeatResult{}, nil
	}
	if err != nil {
		return HeartbeatResult{}, wrapOp("heartbeat", id, err)
	}
	return HeartbeatResult{OK: true, CancelRequested: cancel}, nil
}

// CancelRequested reports whether cancellation has been requested for the
// job. Workers poll this between pipeline stages.
func (s *Store) CancelRequested(ctx context.Context, id string) (bool, error) {
	var cancel bool
	err := s.db.GetContext(ctx, &cancel, `SELECT cancel_requested FROM jobs WHERE id = ?`, id)
	if err != nil {
		return false, wrapOp("cancel_requested", id, err)
	}
	return cancel, nil
}

const completeSQL = `
UPDATE jobs SET
    state = 'completed',
    progress = 100,
    stage = '',
    result_json = ?,
    finished_at = ?,
    lease_expires_at = NULL,
    cancel_requested = 0
 WHERE id = ? AND state = 'active' AND worker_id = ?`

// Complete transitions an active job to completed with the given result.
// Completing a job that is already terminal returns ErrConflict; completing
// a job whose lease was lost returns ErrStaleLease.
func (s *Store) Complete(ctx context.Context, id, workerID string, result *types.InspectionSummary, now time.Time) error {
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		return completeTx(ctx, tx, id, workerID, result, now)
	})
	return wrapOp("complete", id, err)
}

// completeTx is the shared completed-transition used by Complete and by
// the transactional inspection persist.
func completeTx(ctx context.Context, tx *sqlx.Tx, id, workerID string, result *types.InspectionSummary, now time.Time) error {
	var resJSON sql.NullString
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("encode result for job %s: %w", id, err)
		}
		resJSON = sql.NullString{String: string(b), Valid: true}
	}

	res, err := tx.ExecContext(ctx, completeSQL, resJSON, millis(now), id, workerID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return transitionRefused(ctx, tx, "complete", id)
	}
	return nil
}

const failTerminalSQL = `
UPDATE jobs SET
    state = ?,
    error_json = ?,
    finished_at = ?,
    lease_expires_at = NULL,
    next_attempt_at = NULL
 WHERE id = ? AND state = 'active' AND worker_id = ?`

const failRequeueSQL = `
UPDATE jobs SET
    state = 'queued',
    error_json = ?,
    worker_id = '',
    lease_expires_at = NULL,
    next_attempt_at = ?
 WHERE id = ? AND state = 'active' AND worker_id = ?`

// Fail records a processing failure for an active job. A non-retryable
// error transitions the job to failed. A retryable error requeues the job
// with the next attempt delayed by retryDelay, unless the attempt budget
// is exhausted, in which case the job transitions to dead. The resulting
// state is returned.
func (s *Store) Fail(ctx context.Context, id, workerID string, jerr *types.JobError, retryable bool, retryDelay time.Duration, now time.Time) (types.JobState, error) {
	if jerr == nil {
		jerr = &types.JobError{Code: types.CodeProcessingFailed, Message: "processing failed"}
	}
	errJSON, err := json.Marshal(jerr)
	if err != nil {
		return "", wrapOp("fail", id, fmt.Errorf("encode error: %w", err))
	}

	var result types.JobState
	txErr := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var cur struct {
			Attempts    int `db:"attempts"`
			MaxAttempts int `db:"max_attempts"`
		}
		err := tx.GetContext(ctx, &cur, `SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return newStoreError(ErrNotFound, "fail", id, nil)
		}
		if err != nil {
			return err
		}

		var res sql.Result
		switch {
		case !retryable:
			result = types.JobFailed
			res, err = tx.ExecContext(ctx, failTerminalSQL,
				string(types.JobFailed), string(errJSON), millis(now), id, workerID)
		case cur.Attempts >= cur.MaxAttempts:
			result = types.JobDead
			res, err = tx.ExecContext(ctx, failTerminalSQL,
				string(types.JobDead), string(errJSON), millis(now), id, workerID)
		default:
			result = types.JobQueued
			res, err = tx.ExecContext(ctx, failRequeueSQL,
				string(errJSON), millis(now.Add(retryDelay)), id, workerID)
		}
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return transitionRefused(ctx, tx, "fail", id)
		}
		return nil
	})
	if txErr != nil {
		return "", wrapOp("fail", id, txErr)
	}
	return result, nil
}

// transitionRefused reports why a guarded transition matched no rows.
func transitionRefused(ctx context.Context, tx *sqlx.Tx, op, id string) error {
	var state string
	err := tx.GetContext(ctx, &state, `SELECT state FROM jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return newStoreError(ErrNotFound, op, id, nil)
	}
	if err != nil {
		return err
	}
	if types.JobState(state).IsTerminal() {
		return newStoreError(ErrConflict, op, id, fmt.Errorf("job is %s", state))
	}
	return newStoreError(ErrStaleLease, op, id, fmt.Errorf("job is %s", state))
}

// Get returns the job with the given id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*types.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM jobs WHERE id = ?`, id)
	if err != nil {
		return nil, wrapOp("get", id, err)
	}
	j, err := row.toJob()
	if err != nil {
		return nil, wrapOp("get", id, err)
	}
	return j, nil
}

// JobFilter narrows List. Zero fields match everything.
type JobFilter struct {
	Tenant string
	State  types.JobState
	Kind   types.DocumentKind
	Limit  int
	Offset int
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// List returns jobs matching the filter, newest submission first, along
// with the total match count before paging.
func (s *Store) List(ctx context.Context, f JobFilter) ([]*types.Job, int64, error) {
	where := make([]string, 0, 3)
	args := make([]any, 0, 3)
	if f.Tenant != "" {
		where = append(where, "tenant = ?")
		args = append(args, f.Tenant)
	}
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(f.State))
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	var total int64
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM jobs"+clause, args...); err != nil {
		return nil, 0, wrapOp("list", "", err)
	}

	var rows []jobRow
	query := "SELECT * FROM jobs" + clause + " ORDER BY submitted_at DESC, id DESC LIMIT ? OFFSET ?"
	if err := s.db.SelectContext(ctx, &rows, query, append(args, limit, offset)...); err != nil {
		return nil, 0, wrapOp("list", "", err)
	}

	jobs := make([]*types.Job, 0, len(rows))
	for i := range rows {
		j, err := rows[i].toJob()
		if err != nil {
			return nil, 0, wrapOp("list", rows[i].ID, err)
		}
		jobs = append(jobs, j)
	}
	return jobs, total, nil
}

const cancelQueuedSQL = `
UPDATE jobs SET
    state = 'failed',
    error_json = ?,
    finished_at = ?,
    next_attempt_at = NULL
 WHERE id = ? AND state = 'queued'`

// RequestCancel cancels a job. A queued job transitions directly to
// failed with a cancelled error. An active job has its cancel flag set
// for the worker to observe at the next checkpoint. Canceling a terminal
// job returns ErrConflict along with the current state.
func (s *Store) RequestCancel(ctx context.Context, id string, now time.Time) (types.JobState, error) {
	var result types.JobState
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var state string
		err := tx.GetContext(ctx, &state, `SELECT state FROM jobs WHERE id = ?`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return newStoreError(ErrNotFound, "cancel", id, nil)
		}
		if err != nil {
			return err
		}

		switch st := types.JobState(state); st {
		case types.JobQueued:
			jerr := types.JobError{Code: types.CodeCancelled, Message: "cancelled before processing started"}
			b, err := json.Marshal(jerr)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, cancelQueuedSQL, string(b), millis(now), id); err != nil {
				return err
			}
			result = types.JobFailed
			return nil
		case types.JobActive:
			if _, err := tx.ExecContext(ctx, `UPDATE jobs SET cancel_requested = 1 WHERE id = ?`, id); err != nil {
				return err
			}
			result = types.JobActive
			return nil
		default:
			result = st
			return newStoreError(ErrConflict, "cancel", id, fmt.Errorf("job is %s", state))
		}
	})
	if err != nil {
		return result, wrapOp("cancel", id, err)
	}
	return result, nil
}

// ReapedJob describes a job the reaper moved out of an expired lease.
type ReapedJob struct {
	ID       string
	Tenant   string
	State    types.JobState
	Attempts int
	Error    *types.JobError
}

const reapRequeueSQL = `
UPDATE jobs SET
    state = 'queued',
    worker_id = '',
    lease_expires_at = NULL,
    next_attempt_at = NULL
 WHERE id = ? AND state = 'active'`

const reapDeadSQL = `
UPDATE jobs SET
    state = 'dead',
    error_json = ?,
    finished_at = ?,
    worker_id = '',
    lease_expires_at = NULL
 WHERE id = ? AND state = 'active'`

// ReapExpired requeues active jobs whose lease expired at or before now.
// The expired activation already consumed an attempt when it was acquired,
// so a job whose budget is spent goes to dead instead. Returns the set of
// jobs moved.
func (s *Store) ReapExpired(ctx context.Context, now time.Time) ([]ReapedJob, error) {
	var reaped []ReapedJob
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var rows []struct {
			ID          string `db:"id"`
			Tenant      string `db:"tenant"`
			Attempts    int    `db:"attempts"`
			MaxAttempts int    `db:"max_attempts"`
		}
		const expiredSQL = `
SELECT id, tenant, attempts, max_attempts FROM jobs
 WHERE state = 'active' AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?
 ORDER BY lease_expires_at ASC`
		if err := tx.SelectContext(ctx, &rows, expiredSQL, millis(now)); err != nil {
			return err
		}

		for _, r := range rows {
			if r.Attempts >= r.MaxAttempts {
				jerr := &types.JobError{
					Code:    types.CodeProcessingFailed,
					Message: "processing lease expired",
					Details: map[string]any{"attempts": r.Attempts},
				}
				b, err := json.Marshal(jerr)
				if err != nil {
					return err
				}
				if _, err := tx.ExecContext(ctx, reapDeadSQL, string(b), millis(now), r.ID); err != nil {
					return err
				}
				reaped = append(reaped, ReapedJob{ID: r.ID, Tenant: r.Tenant, State: types.JobDead, Attempts: r.Attempts, Error: jerr})
				continue
			}
			if _, err := tx.ExecContext(ctx, reapRequeueSQL, r.ID); err != nil {
				return err
			}
			reaped = append(reaped, ReapedJob{ID: r.ID, Tenant: r.Tenant, State: types.JobQueued, Attempts: r.Attempts})
		}
		return nil
	})
	if err != nil {
		return nil, wrapOp("reap", "", err)
	}
	return reaped, nil
}

// QueueStats is a point-in-time census of jobs by state. Delayed counts
// queued jobs whose next attempt is scheduled in the future; Waiting
// counts queued jobs eligible right now.
type QueueStats struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Dead      int64 `json:"dead"`
}

// Stats returns queue depth counters as of now.
func (s *Store) Stats(ctx context.Context, now time.Time) (QueueStats, error) {
	var out QueueStats
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var rows []struct {
			State string `db:"state"`
			N     int64  `db:"n"`
		}
		if err := tx.SelectContext(ctx, &rows, `SELECT state, COUNT(*) AS n FROM jobs GROUP BY state`); err != nil {
			return err
		}
		var queued int64
		for _, r := range rows {
			switch types.JobState(r.State) {
			case types.JobQueued:
				queued = r.N
			case types.JobActive:
				out.Active = r.N
			case types.JobCompleted:
				out.Completed = r.N
			case types.JobFailed:
				out.Failed = r.N
			case types.JobDead:
				out.Dead = r.N
			}
		}

		const delayedSQL = `SELECT COUNT(*) FROM jobs WHERE state = 'queued' AND next_attempt_at IS NOT NULL AND next_attempt_at > ?`
		if err := tx.GetContext(ctx, &out.Delayed, delayedSQL, millis(now)); err != nil {
			return err
		}
		out.Waiting = queued - out.Delayed
		return nil
	})
	if err != nil {
		return QueueStats{}, wrapOp("stats", "", err)
	}
	return out, nil
}
