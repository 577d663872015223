package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/iv-ingestion/ingest/types"
)

type inspectionRow struct {
	ID            string  `db:"id"`
	JobID         string  `db:"job_id"`
	Tenant        string  `db:"tenant"`
	PropertyJSON  string  `db:"property_json"`
	InspectorJSON string  `db:"inspector_json"`
	Confidence    float64 `db:"confidence"`
	CreatedAt     int64   `db:"created_at"`
}

func (r *inspectionRow) toInspection() (*types.Inspection, error) {
	insp := &types.Inspection{
		ID:         r.ID,
		JobID:      r.JobID,
		Tenant:     r.Tenant,
		Confidence: r.Confidence,
		CreatedAt:  time.UnixMilli(r.CreatedAt).UTC(),
	}
	if err := json.Unmarshal([]byte(r.PropertyJSON), &insp.Property); err != nil {
		return nil, fmt.Errorf("decode property for inspection %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.InspectorJSON), &insp.Inspector); err != nil {
		return nil, fmt.Errorf("decode inspector for inspection %s: %w", r.ID, err)
	}
	return insp, nil
}

type findingRow struct {
	ID             string  `db:"id"`
	InspectionID   string  `db:"inspection_id"`
	Ord            int     `db:"ord"`
	Category       string  `db:"category"`
	Severity       string  `db:"severity"`
	Description    string  `db:"description"`
	Location       string  `db:"location"`
	Recommendation string  `db:"recommendation"`
	EstimatedCost  float64 `db:"estimated_cost"`
}

func (r *findingRow) toFinding() types.Finding {
	return types.Finding{
		ID:             r.ID,
		Category:       types.FindingCategory(r.Category),
		Severity:       types.FindingSeverity(r.Severity),
		Description:    r.Description,
		Location:       r.Location,
		Recommendation: r.Recommendation,
		EstimatedCost:  r.EstimatedCost,
	}
}

const insertInspectionSQL = `
INSERT INTO inspections (id, job_id, tenant, property_json, inspector_json, confidence, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`

const insertFindingSQL = `
INSERT INTO findings (id, inspection_id, ord, category, severity, description, location, recommendation, estimated_cost)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

// insertInspectionTx writes an inspection and its findings.
func insertInspectionTx(ctx context.Context, tx *sqlx.Tx, insp *types.Inspection) error {
	prop, err := json.Marshal(insp.Property)
	if err != nil {
		return fmt.Errorf("encode property: %w", err)
	}
	inspector, err := json.Marshal(insp.Inspector)
	if err != nil {
		return fmt.Errorf("encode inspector: %w", err)
	}
	_, err = tx.ExecContext(ctx, insertInspectionSQL,
		insp.ID, insp.JobID, insp.Tenant, string(prop), string(inspector),
		insp.Confidence, millis(insp.CreatedAt))
	if err != nil {
		return err
	}
	for i, f := range insp.Findings {
		_, err = tx.ExecContext(ctx, insertFindingSQL,
			f.ID, insp.ID, i, string(f.Category), string(f.Severity),
			f.Description, f.Location, f.Recommendation, f.EstimatedCost)
		if err != nil {
			return err
		}
	}
	return nil
}

// CompleteWithInspection persists the extracted inspection and completes
// its job in one transaction, so a crash can never leave a completed job
// without its inspection or an inspection for an unfinished job. Returns
// the summary recorded as the job result.
func (s *Store) CompleteWithInspection(ctx context.Context, jobID, workerID string, insp *types.Inspection, now time.Time) (*types.InspectionSummary, error) {
	if insp.JobID == "" {
		insp.JobID = jobID
	}
	if insp.CreatedAt.IsZero() {
		insp.CreatedAt = now.UTC()
	}
	summary := insp.Summary()

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := insertInspectionTx(ctx, tx, insp); err != nil {
			return err
		}
		return completeTx(ctx, tx, jobID, workerID, &summary, now)
	})
	if err != nil {
		return nil, wrapOp("complete_with_inspection", jobID, err)
	}
	return &summary, nil
}

// findingsFor batch-loads findings for the given inspections, in stored
// order.
func (s *Store) findingsFor(ctx context.Context, insps []*types.Inspection) error {
	if len(insps) == 0 {
		return nil
	}
	ids := make([]string, len(insps))
	byID := make(map[string]*types.Inspection, len(insps))
	for i, insp := range insps {
		ids[i] = insp.ID
		byID[insp.ID] = insp
	}

	query, args, err := sqlx.In(`SELECT * FROM findings WHERE inspection_id IN (?) ORDER BY inspection_id, ord`, ids)
	if err != nil {
		return err
	}
	var rows []findingRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return err
	}
	for i := range rows {
		insp := byID[rows[i].InspectionID]
		if insp == nil {
			continue
		}
		insp.Findings = append(insp.Findings, rows[i].toFinding())
	}
	return nil
}

// GetInspection returns the inspection with the given id, findings
// included, or ErrNotFound.
func (s *Store) GetInspection(ctx context.Context, id string) (*types.Inspection, error) {
	var row inspectionRow
	if err := s.db.GetContext(ctx, &row, `SELECT * FROM inspections WHERE id = ?`, id); err != nil {
		return nil, wrapOp("get_inspection", id, err)
	}
	insp, err := row.toInspection()
	if err != nil {
		return nil, wrapOp("get_inspection", id, err)
	}
	if err := s.findingsFor(ctx, []*types.Inspection{insp}); err != nil {
		return nil, wrapOp("get_inspection", id, err)
	}
	return insp, nil
}

// InspectionByJob returns the inspection extracted from the given job,
// or ErrNotFound if the job has not completed.
func (s *Store) InspectionByJob(ctx context.Context, jobID string) (*types.Inspection, error) {
	var row inspectionRow
	if err := s.db.GetContext(ctx, &row, `SELECT * FROM inspections WHERE job_id = ?`, jobID); err != nil {
		return nil, wrapOp("inspection_by_job", jobID, err)
	}
	insp, err := row.toInspection()
	if err != nil {
		return nil, wrapOp("inspection_by_job", jobID, err)
	}
	if err := s.findingsFor(ctx, []*types.Inspection{insp}); err != nil {
		return nil, wrapOp("inspection_by_job", jobID, err)
	}
	return insp, nil
}

// InspectionFilter narrows ListInspections. Zero fields match everything.
type InspectionFilter struct {
	Tenant string
	Limit  int
	Offset int
}

// ListInspections returns inspections matching the filter, newest first,
// findings included, along with the total match count before paging.
func (s *Store) ListInspections(ctx context.Context, f InspectionFilter) ([]*types.Inspection, int64, error) {
	clause := ""
	args := []any{}
	if f.Tenant != "" {
		clause = " WHERE tenant = ?"
		args = append(args, f.Tenant)
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
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM inspections"+clause, args...); err != nil {
		return nil, 0, wrapOp("list_inspections", "", err)
	}

	var rows []inspectionRow
	query := "SELECT * FROM inspections" + clause + " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	if err := s.db.SelectContext(ctx, &rows, query, append(args, limit, offset)...); err != nil {
		return nil, 0, wrapOp("list_inspections", "", err)
	}

	insps := make([]*types.Inspection, 0, len(rows))
	for i := range rows {
		insp, err := rows[i].toInspection()
		if err != nil {
			return nil, 0, wrapOp("list_inspections", rows[i].ID, err)
		}
		insps = append(insps, insp)
	}
	if err := s.findingsFor(ctx, insps); err != nil {
		return nil, 0, wrapOp("list_inspections", "", err)
	}
	return insps, total, nil
}
