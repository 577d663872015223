package types //nolint:revive // types is a valid package name

import "testing"

func TestInspection_Summary(t *testing.T) {
	insp := &Inspection{
		ID: "insp-1",
		Findings: []Finding{
			{Severity: SeverityCritical, EstimatedCost: 1200},
			{Severity: SeverityMajor, EstimatedCost: 300},
			{Severity: SeverityMajor},
			{Severity: SeverityMinor, EstimatedCost: 50},
			{Severity: SeverityInformational},
		},
	}

	s := insp.Summary()
	if s.FindingsCount != 5 {
		t.Errorf("FindingsCount = %d, want 5", s.FindingsCount)
	}
	if s.CriticalFindings != 1 || s.MajorFindings != 2 || s.MinorFindings != 1 || s.InformationalFindings != 1 {
		t.Errorf("severity breakdown = %d/%d/%d/%d, want 1/2/1/1",
			s.CriticalFindings, s.MajorFindings, s.MinorFindings, s.InformationalFindings)
	}
	if s.EstimatedCost != 1550 {
		t.Errorf("EstimatedCost = %v, want 1550", s.EstimatedCost)
	}
	if s.InspectionID != "insp-1" {
		t.Errorf("InspectionID = %q, want insp-1", s.InspectionID)
	}
}

func TestInspection_SummaryEmpty(t *testing.T) {
	s := (&Inspection{ID: "insp-2"}).Summary()
	if s.FindingsCount != 0 || s.EstimatedCost != 0 {
		t.Errorf("empty inspection summary = %+v", s)
	}
}
