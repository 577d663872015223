// Package archive exports completed inspections into a lode dataset as
// JSONL records, Hive-partitioned by day, document kind, and record
// type. Export is best effort: a failed write logs a warning and never
// affects job state.
package archive

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/justapithecus/lode/lode"
	lodes3 "github.com/justapithecus/lode/lode/s3"

	"github.com/iv-ingestion/ingest/bus"
	"github.com/iv-ingestion/ingest/log"
	"github.com/iv-ingestion/ingest/types"
)

// Record type discriminators, also the event_type partition values.
const (
	RecordKindInspection = "inspection"
	RecordKindFinding    = "finding"
)

// writeTimeout bounds one dataset append.
const writeTimeout = 30 * time.Second

// InspectionRecord is the storage format for one completed inspection.
type InspectionRecord struct {
	RecordKind   string  `json:"record_kind"`
	InspectionID string  `json:"inspection_id"`
	JobID        string  `json:"job_id"`
	Tenant       string  `json:"tenant"`
	Confidence   float64 `json:"confidence"`
	CreatedAt    string  `json:"created_at"`

	AddressLine1 string `json:"address_line1,omitempty"`
	City         string `json:"city,omitempty"`
	State        string `json:"state,omitempty"`
	Zip          string `json:"zip,omitempty"`

	FindingsCount int     `json:"findings_count"`
	Critical      int     `json:"critical_findings"`
	Major         int     `json:"major_findings"`
	Minor         int     `json:"minor_findings"`
	Informational int     `json:"informational_findings"`
	EstimatedCost float64 `json:"estimated_cost"`

	// Partition keys (used by the lode HiveLayout).
	Day       string `json:"day"`
	Kind      string `json:"kind"`
	EventType string `json:"event_type"`
}

// FindingRecord is the storage format for one extracted finding.
type FindingRecord struct {
	RecordKind     string  `json:"record_kind"`
	FindingID      string  `json:"finding_id"`
	InspectionID   string  `json:"inspection_id"`
	JobID          string  `json:"job_id"`
	Tenant         string  `json:"tenant"`
	Category       string  `json:"category"`
	Severity       string  `json:"severity"`
	Description    string  `json:"description"`
	Location       string  `json:"location,omitempty"`
	Recommendation string  `json:"recommendation,omitempty"`
	EstimatedCost  float64 `json:"estimated_cost,omitempty"`

	// Partition keys.
	Day       string `json:"day"`
	Kind      string `json:"kind"`
	EventType string `json:"event_type"`
}

// Store is the read side the exporter needs to assemble records.
type Store interface {
	Get(ctx context.Context, id string) (*types.Job, error)
	InspectionByJob(ctx context.Context, jobID string) (*types.Inspection, error)
}

// S3Config holds the S3 dataset backend settings.
type S3Config struct {
	Bucket string
	Prefix string
	Region string
	// Endpoint points at an S3-compatible provider (R2, MinIO); empty
	// selects AWS.
	Endpoint     string
	UsePathStyle bool
}

// Bus is the subscription surface the exporter attaches to.
type Bus interface {
	Subscribe(pattern string, h bus.Handler) (cancel func())
}

// Stats is a snapshot of the exporter counters.
type Stats struct {
	Exported int64
	Failed   int64
}

// Exporter appends inspection and finding records for every completed
// job it observes on the bus.
type Exporter struct {
	dataset lode.Dataset
	store   Store
	logger  *log.Logger

	exported atomic.Int64
	failed   atomic.Int64
}

// newDataset builds the dataset with the exporter's layout and codec.
func newDataset(name string, factory lode.StoreFactory) (lode.Dataset, error) {
	return lode.NewDataset(
		lode.DatasetID(name),
		factory,
		lode.WithHiveLayout("day", "kind", "event_type"),
		lode.WithCodec(lode.NewJSONLCodec()),
	)
}

// New creates an exporter over an arbitrary store factory. Tests use
// lode.NewMemoryFactory().
func New(dataset string, factory lode.StoreFactory, st Store, logger *log.Logger) (*Exporter, error) {
	if logger == nil {
		logger = log.Nop()
	}
	ds, err := newDataset(dataset, factory)
	if err != nil {
		return nil, fmt.Errorf("open archive dataset %s: %w", dataset, err)
	}
	return &Exporter{dataset: ds, store: st, logger: logger.Named("archive")}, nil
}

// NewFS creates an exporter with filesystem storage rooted at root.
func NewFS(dataset, root string, st Store, logger *log.Logger) (*Exporter, error) {
	return New(dataset, lode.NewFSFactory(root), st, logger)
}

// NewS3 creates an exporter with S3 storage, using the SDK default
// credential chain.
func NewS3(ctx context.Context, dataset string, cfg S3Config, st Store, logger *log.Logger) (*Exporter, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = &cfg.Endpoint
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	factory := func() (lode.Store, error) {
		return lodes3.New(client, lodes3.Config{Bucket: cfg.Bucket, Prefix: cfg.Prefix})
	}
	return New(dataset, factory, st, logger)
}

// Attach subscribes the exporter to completion events. The returned
// cancel detaches it.
func (e *Exporter) Attach(b Bus) (cancel func()) {
	return b.Subscribe(string(types.EventProcessingCompleted), e.handle)
}

// handle exports one completed job. Runs on the bus delivery
// goroutine, so writes for one exporter are naturally serial.
func (e *Exporter) handle(ev types.Event) {
	data, ok := ev.Data.(types.ProcessingCompletedData)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := e.Export(ctx, data.FileID); err != nil {
		e.failed.Add(1)
		e.logger.Warn("inspection export failed", map[string]any{
			"job_id": data.FileID,
			"error":  err.Error(),
		})
		return
	}
	e.exported.Add(1)
}

// Export appends the records for one completed job.
func (e *Exporter) Export(ctx context.Context, jobID string) error {
	job, err := e.store.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	insp, err := e.store.InspectionByJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load inspection: %w", err)
	}

	records := Records(job, insp)
	if _, err := e.dataset.Write(ctx, records, lode.Metadata{}); err != nil {
		return fmt.Errorf("append dataset: %w", err)
	}
	e.logger.Debug("inspection exported", map[string]any{
		"job_id":   jobID,
		"records":  len(records),
		"findings": len(insp.Findings),
	})
	return nil
}

// Records builds the dataset rows for one inspection: a summary record
// followed by one record per finding.
func Records(job *types.Job, insp *types.Inspection) []any {
	day := insp.CreatedAt.UTC().Format("2006-01-02")
	kind := string(job.Kind)
	summary := insp.Summary()

	records := make([]any, 0, 1+len(insp.Findings))
	records = append(records, InspectionRecord{
		RecordKind:    RecordKindInspection,
		InspectionID:  insp.ID,
		JobID:         job.ID,
		Tenant:        insp.Tenant,
		Confidence:    insp.Confidence,
		CreatedAt:     insp.CreatedAt.UTC().Format(time.RFC3339),
		AddressLine1:  insp.Property.AddressLine1,
		City:          insp.Property.City,
		State:         insp.Property.State,
		Zip:           insp.Property.Zip,
		FindingsCount: summary.FindingsCount,
		Critical:      summary.CriticalFindings,
		Major:         summary.MajorFindings,
		Minor:         summary.MinorFindings,
		Informational: summary.InformationalFindings,
		EstimatedCost: summary.EstimatedCost,
		Day:           day,
		Kind:          kind,
		EventType:     RecordKindInspection,
	})
	for _, f := range insp.Findings {
		records = append(records, FindingRecord{
			RecordKind:     RecordKindFinding,
			FindingID:      f.ID,
			InspectionID:   insp.ID,
			JobID:          job.ID,
			Tenant:         insp.Tenant,
			Category:       string(f.Category),
			Severity:       string(f.Severity),
			Description:    f.Description,
			Location:       f.Location,
			Recommendation: f.Recommendation,
			EstimatedCost:  f.EstimatedCost,
			Day:            day,
			Kind:           kind,
			EventType:      RecordKindFinding,
		})
	}
	return records
}

// Stats snapshots the exporter counters.
func (e *Exporter) Stats() Stats {
	return Stats{Exported: e.exported.Load(), Failed: e.failed.Load()}
}
