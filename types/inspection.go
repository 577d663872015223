package types

import "time"

// FindingCategory classifies a finding by trade area.
type FindingCategory string

const (
	CategoryElectrical FindingCategory = "electrical"
	CategoryPlumbing   FindingCategory = "plumbing"
	CategoryStructural FindingCategory = "structural"
	CategoryHVAC       FindingCategory = "hvac"
	CategoryRoofing    FindingCategory = "roofing"
	CategoryInterior   FindingCategory = "interior"
	CategoryExterior   FindingCategory = "exterior"
	CategorySafety     FindingCategory = "safety"
	CategoryOther      FindingCategory = "other"
)

// FindingSeverity ranks a finding's urgency.
type FindingSeverity string

const (
	SeverityCritical      FindingSeverity = "critical"
	SeverityMajor         FindingSeverity = "major"
	SeverityMinor         FindingSeverity = "minor"
	SeverityInformational FindingSeverity = "informational"
)

// Finding is one extracted defect or observation from a report.
type Finding struct {
	ID             string          `json:"id"`
	Category       FindingCategory `json:"category"`
	Severity       FindingSeverity `json:"severity"`
	Description    string          `json:"description"`
	Location       string          `json:"location,omitempty"`
	Recommendation string          `json:"recommendation,omitempty"`
	EstimatedCost  float64         `json:"estimatedCost,omitempty"`
}

// Property holds the normalized address and attributes of the
// inspected property.
type Property struct {
	AddressLine1  string `json:"addressLine1"`
	City          string `json:"city"`
	State         string `json:"state"`
	Zip           string `json:"zipCode"`
	Type          string `json:"propertyType,omitempty"`
	SquareFootage int    `json:"squareFootage,omitempty"`
	YearBuilt     int    `json:"yearBuilt,omitempty"`
	Bedrooms      int    `json:"bedrooms,omitempty"`
	Bathrooms     float64 `json:"bathrooms,omitempty"`
}

// Inspector identifies who performed the inspection.
type Inspector struct {
	Name    string `json:"name"`
	License string `json:"license,omitempty"`
	Company string `json:"company,omitempty"`
	Contact string `json:"contact,omitempty"`
	Date    string `json:"inspectionDate,omitempty"`
}

// Inspection is the canonical record produced by the persist stage.
// Written atomically with its findings; either the full record exists
// or none of it does.
type Inspection struct {
	ID        string    `json:"id"`
	JobID     string    `json:"fileId"`
	Tenant    string    `json:"tenant"`
	Property  Property  `json:"property"`
	Inspector Inspector `json:"inspector"`
	Findings  []Finding `json:"findings"`
	// Confidence is the parser-reported confidence in [0,1].
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Summary computes the result payload recorded on the completed job.
func (i *Inspection) Summary() InspectionSummary {
	s := InspectionSummary{
		InspectionID:  i.ID,
		FindingsCount: len(i.Findings),
	}
	for _, f := range i.Findings {
		switch f.Severity {
		case SeverityCritical:
			s.CriticalFindings++
		case SeverityMajor:
			s.MajorFindings++
		case SeverityMinor:
			s.MinorFindings++
		default:
			s.InformationalFindings++
		}
		s.EstimatedCost += f.EstimatedCost
	}
	return s
}

// InspectionSummary is the by-severity breakdown stored as a completed
// job's result payload.
type InspectionSummary struct {
	InspectionID          string  `json:"inspectionId"`
	FindingsCount         int     `json:"findingsCount"`
	CriticalFindings      int     `json:"criticalFindings"`
	MajorFindings         int     `json:"majorFindings"`
	MinorFindings         int     `json:"minorFindings"`
	InformationalFindings int     `json:"informationalFindings"`
	EstimatedCost         float64 `json:"estimatedCost"`
}
