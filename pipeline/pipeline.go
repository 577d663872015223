// Package pipeline runs an acquired job through the processing stages:
// identify, parse, field-extract, persist. Each stage publishes its
// progress checkpoint on completion; persist writes the inspection and
// completes the job in one transaction, so a failure there leaves no
// partial record.
package pipeline

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/oklog/ulid/v2"

	"github.com/iv-ingestion/ingest/blob"
	"github.com/iv-ingestion/ingest/extract"
	"github.com/iv-ingestion/ingest/iox"
	"github.com/iv-ingestion/ingest/log"
	"github.com/iv-ingestion/ingest/parser"
	"github.com/iv-ingestion/ingest/store"
	"github.com/iv-ingestion/ingest/types"
)

// Stage names reported through heartbeats.
const (
	StageIdentify = "identify"
	StageParse    = "parse"
	StageExtract  = "extract"
	StagePersist  = "persist"
)

// Progress checkpoints published at stage completion.
const (
	ProgressIdentify = 5
	ProgressParse    = 30
	ProgressExtract  = 70
	ProgressPersist  = 100
)

// ProgressFunc receives stage completion checkpoints. The caller owns
// throttling and fan-out; the processor only reports.
type ProgressFunc func(progress int, stage string)

// Publisher receives the domain events raised on persist.
type Publisher interface {
	Publish(e types.Event)
}

// Completer persists the canonical record and completes the job in a
// single transaction.
type Completer interface {
	CompleteWithInspection(ctx context.Context, jobID, workerID string, insp *types.Inspection, now time.Time) (*types.InspectionSummary, error)
}

// Timeouts bounds the individual stages. Zero fields fall back to the
// defaults.
type Timeouts struct {
	Parse   time.Duration
	Extract time.Duration
	Persist time.Duration
}

func (t Timeouts) withDefaults() Timeouts {
	if t.Parse <= 0 {
		t.Parse = 5 * time.Minute
	}
	if t.Extract <= 0 {
		t.Extract = 60 * time.Second
	}
	if t.Persist <= 0 {
		t.Persist = 30 * time.Second
	}
	return t
}

// Options tunes a Processor beyond its required collaborators.
type Options struct {
	Parser   parser.Options
	Timeouts Timeouts
	// Events receives inspection.created and finding.added; nil drops them.
	Events Publisher
	Logger *log.Logger
	// Now and NewID are overridable for tests.
	Now   func() time.Time
	NewID func() string
}

// Processor executes the processing stages for one job at a time. It is
// safe for concurrent use by multiple workers.
type Processor struct {
	blobs    blob.Store
	parsers  *parser.Registry
	store    Completer
	events   Publisher
	popts    parser.Options
	timeouts Timeouts
	logger   *log.Logger
	now      func() time.Time
	newID    func() string
}

// New wires a Processor.
func New(blobs blob.Store, parsers *parser.Registry, st Completer, opts Options) *Processor {
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	newID := opts.NewID
	if newID == nil {
		newID = func() string { return ulid.Make().String() }
	}
	return &Processor{
		blobs:    blobs,
		parsers:  parsers,
		store:    st,
		events:   opts.Events,
		popts:    opts.Parser,
		timeouts: opts.Timeouts.withDefaults(),
		logger:   logger.Named("pipeline"),
		now:      now,
		newID:    newID,
	}
}

// Process runs the job to completion under the worker's lease. On
// success the job is already completed in the store and the summary is
// returned. Errors carry retryability; cancellation surfaces as a
// CANCELLED error and persists nothing from the interrupted stage.
func (p *Processor) Process(ctx context.Context, job *types.Job, workerID string, report ProgressFunc) (*types.InspectionSummary, error) {
	if report == nil {
		report = func(int, string) {}
	}

	detected, err := p.identify(ctx, job)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("identified", map[string]any{
		"job_id":   job.ID,
		"kind":     string(job.Kind),
		"detected": detected,
	})
	report(ProgressIdentify, StageIdentify)

	if err := checkpoint(ctx); err != nil {
		return nil, err
	}

	out, err := p.parse(ctx, job)
	if err != nil {
		return nil, err
	}
	report(ProgressParse, StageParse)

	if err := checkpoint(ctx); err != nil {
		return nil, err
	}

	rec, err := p.extractFields(ctx, out)
	if err != nil {
		return nil, err
	}
	report(ProgressExtract, StageExtract)

	if err := checkpoint(ctx); err != nil {
		return nil, err
	}

	summary, err := p.persist(ctx, job, workerID, out, rec)
	if err != nil {
		return nil, err
	}
	report(ProgressPersist, StagePersist)
	return summary, nil
}

// checkpoint is the between-stages cancellation probe.
func checkpoint(ctx context.Context) error {
	if ctx.Err() != nil {
		return types.Canceled("job cancelled")
	}
	return nil
}

// identify sniffs the stored content and rejects a declared kind the
// bytes contradict. Returns the detected content type.
func (p *Processor) identify(ctx context.Context, job *types.Job) (string, error) {
	rc, err := p.blobs.Open(ctx, job.Blob)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return "", types.Permanent(types.CodeNotFound, "job blob is missing", err)
		}
		return "", types.Transient(types.CodeProcessingFailed, "open blob for identify", err)
	}
	defer iox.DiscardClose(rc)

	detected, err := mimetype.DetectReader(rc)
	if err != nil {
		return "", types.Transient(types.CodeProcessingFailed, "sniff content type", err)
	}
	if !kindMatches(job.Kind, detected) {
		return "", types.Permanent(types.CodeUnsupportedKind,
			"declared kind does not match content", nil).
			WithDetails(map[string]any{
				"declared": string(job.Kind),
				"detected": detected.String(),
			})
	}
	return detected.String(), nil
}

// parse runs the registry under the parse deadline.
func (p *Processor) parse(ctx context.Context, job *types.Job) (*types.ParserOutput, error) {
	pctx, cancel := context.WithTimeout(ctx, p.timeouts.Parse)
	defer cancel()

	open := func(c context.Context) (io.ReadCloser, error) {
		return p.blobs.Open(c, job.Blob)
	}
	out, err := p.parsers.Parse(pctx, open, job.Kind, p.popts)
	if err != nil {
		if ctx.Err() != nil {
			return nil, types.Canceled("job cancelled during parse")
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, types.Transient(types.CodeParseTimeout, "parse stage exceeded its deadline", err)
		}
		return nil, err
	}
	return out, nil
}

// extractFields applies the pattern rules under the extract deadline.
func (p *Processor) extractFields(ctx context.Context, out *types.ParserOutput) (*extract.Result, error) {
	ectx, cancel := context.WithTimeout(ctx, p.timeouts.Extract)
	defer cancel()

	done := make(chan *extract.Result, 1)
	go func() { done <- extract.FromOutput(out) }()

	select {
	case rec := <-done:
		return rec, nil
	case <-ectx.Done():
		if ctx.Err() != nil {
			return nil, types.Canceled("job cancelled during field extraction")
		}
		return nil, types.Transient(types.CodeProcessingFailed, "field extraction exceeded its deadline", ectx.Err())
	}
}

// persist assembles the inspection and hands it to the store in one
// transaction, then raises the persist events.
func (p *Processor) persist(ctx context.Context, job *types.Job, workerID string, out *types.ParserOutput, rec *extract.Result) (*types.InspectionSummary, error) {
	sctx, cancel := context.WithTimeout(ctx, p.timeouts.Persist)
	defer cancel()

	now := p.now()
	insp := &types.Inspection{
		ID:         p.newID(),
		JobID:      job.ID,
		Tenant:     job.Tenant,
		Property:   rec.Property,
		Inspector:  rec.Inspector,
		Findings:   append([]types.Finding(nil), rec.Findings...),
		Confidence: out.Confidence,
		CreatedAt:  now,
	}
	for i := range insp.Findings {
		insp.Findings[i].ID = p.newID()
	}

	summary, err := p.store.CompleteWithInspection(sctx, job.ID, workerID, insp, now)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, types.Canceled("job cancelled during persist")
		case store.Retryable(err):
			return nil, types.Transient(types.CodeStoreUnavailable, "persist inspection", err)
		case errors.Is(err, store.ErrStaleLease) || errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound):
			return nil, types.Permanent(types.CodeConflict, "job transition refused", err)
		default:
			return nil, types.Transient(types.CodeProcessingFailed, "persist inspection", err)
		}
	}

	if p.events != nil {
		p.events.Publish(types.NewEvent(types.EventInspectionCreated, types.InspectionCreatedData{
			InspectionID: insp.ID,
			FileID:       job.ID,
			Tenant:       job.Tenant,
		}))
		for _, f := range insp.Findings {
			p.events.Publish(types.NewEvent(types.EventFindingAdded, types.FindingAddedData{
				InspectionID: insp.ID,
				Finding:      f,
			}))
		}
	}

	p.logger.Info("inspection persisted", map[string]any{
		"job_id":        job.ID,
		"inspection_id": insp.ID,
		"findings":      len(insp.Findings),
	})
	return summary, nil
}
