package extract_test

import (
	"reflect"
	"testing"

	"github.com/iv-ingestion/ingest/extract"
	"github.com/iv-ingestion/ingest/types"
)

const happyPathReport = `Home Inspection Report

Address: 123 Main St, Anytown, CA 90210
Inspector: Jane Smith, License NY789012

critical electrical hazard at main panel
`

func TestRunHappyPathReport(t *testing.T) {
	res := extract.Run(happyPathReport)

	wantProp := types.Property{
		AddressLine1: "123 Main St",
		City:         "Anytown",
		State:        "CA",
		Zip:          "90210",
	}
	if !reflect.DeepEqual(res.Property, wantProp) {
		t.Fatalf("property = %+v, want %+v", res.Property, wantProp)
	}
	if res.Inspector.Name != "Jane Smith" {
		t.Fatalf("inspector name = %q, want %q", res.Inspector.Name, "Jane Smith")
	}
	if res.Inspector.License != "NY789012" {
		t.Fatalf("inspector license = %q, want %q", res.Inspector.License, "NY789012")
	}

	if len(res.Findings) != 1 {
		t.Fatalf("findings = %d, want 1: %+v", len(res.Findings), res.Findings)
	}
	f := res.Findings[0]
	if f.Category != types.CategoryElectrical {
		t.Errorf("category = %q, want electrical", f.Category)
	}
	if f.Severity != types.SeverityCritical {
		t.Errorf("severity = %q, want critical", f.Severity)
	}
	if f.Description != "critical electrical hazard at main panel" {
		t.Errorf("description = %q", f.Description)
	}
	if f.Location != "main panel" {
		t.Errorf("location = %q, want %q", f.Location, "main panel")
	}
}

func TestRunPropertyDetails(t *testing.T) {
	res := extract.Run(`Property Type: Single Family
Square Footage: 2,450
Year Built: 1987
3 bedrooms, 2.5 bathrooms`)

	p := res.Property
	if p.Type != "residential" {
		t.Errorf("type = %q, want residential", p.Type)
	}
	if p.SquareFootage != 2450 {
		t.Errorf("square footage = %d, want 2450", p.SquareFootage)
	}
	if p.YearBuilt != 1987 {
		t.Errorf("year built = %d, want 1987", p.YearBuilt)
	}
	if p.Bedrooms != 3 {
		t.Errorf("bedrooms = %d, want 3", p.Bedrooms)
	}
	if p.Bathrooms != 2.5 {
		t.Errorf("bathrooms = %v, want 2.5", p.Bathrooms)
	}
}

func TestRunBareAddress(t *testing.T) {
	res := extract.Run("Report prepared for 42 Elm Ave, Springfield, IL 62704 on request.")

	p := res.Property
	if p.AddressLine1 != "42 Elm Ave" || p.City != "Springfield" || p.State != "IL" || p.Zip != "62704" {
		t.Fatalf("address = %+v", p)
	}
}

func TestRunAddressWithoutCityState(t *testing.T) {
	res := extract.Run("Address: 9 Pine Rd")

	p := res.Property
	if p.AddressLine1 != "9 Pine Rd" {
		t.Fatalf("line1 = %q, want %q", p.AddressLine1, "9 Pine Rd")
	}
	if p.City != "" || p.State != "" || p.Zip != "" {
		t.Fatalf("unexpected city/state/zip: %+v", p)
	}
}

func TestRunInspectorDetails(t *testing.T) {
	res := extract.Run(`Inspected by Carlos Ruiz
License: TX-44120
Company: Acme Home Services
Inspection Date: 2025-01-15
Contact: carlos@acmehome.example`)

	ins := res.Inspector
	if ins.Name != "Carlos Ruiz" {
		t.Errorf("name = %q", ins.Name)
	}
	if ins.License != "TX-44120" {
		t.Errorf("license = %q", ins.License)
	}
	if ins.Company != "Acme Home Services" {
		t.Errorf("company = %q", ins.Company)
	}
	if ins.Date != "2025-01-15" {
		t.Errorf("date = %q", ins.Date)
	}
	if ins.Contact != "carlos@acmehome.example" {
		t.Errorf("contact = %q", ins.Contact)
	}
}

func TestRunFindingRecommendationAndCost(t *testing.T) {
	res := extract.Run("Water heater leak in basement; recommend replacement, estimated cost $450.00")

	if len(res.Findings) != 1 {
		t.Fatalf("findings = %d, want 1", len(res.Findings))
	}
	f := res.Findings[0]
	if f.Category != types.CategoryPlumbing {
		t.Errorf("category = %q, want plumbing", f.Category)
	}
	if f.Severity != types.SeverityInformational {
		t.Errorf("severity = %q, want informational", f.Severity)
	}
	if f.Recommendation != "replacement" {
		t.Errorf("recommendation = %q, want %q", f.Recommendation, "replacement")
	}
	if f.EstimatedCost != 450 {
		t.Errorf("estimated cost = %v, want 450", f.EstimatedCost)
	}
	if f.Location != "basement" {
		t.Errorf("location = %q, want basement", f.Location)
	}
}

func TestRunZeroFindingsIsSuccess(t *testing.T) {
	res := extract.Run(`Address: 123 Main St, Anytown, CA 90210
Inspector: Jane Smith, License NY789012
All systems were found in serviceable condition.`)

	if res == nil {
		t.Fatal("nil result")
	}
	if len(res.Findings) != 0 {
		t.Fatalf("findings = %+v, want none", res.Findings)
	}
}

func TestRunSkipsHeaderTokens(t *testing.T) {
	res := extract.Run(`Electrical
Roofing
minor shingle wear at ridge line`)

	if len(res.Findings) != 1 {
		t.Fatalf("findings = %d, want 1: %+v", len(res.Findings), res.Findings)
	}
	if res.Findings[0].Description != "minor shingle wear at ridge line" {
		t.Fatalf("description = %q", res.Findings[0].Description)
	}
}

func TestRunFindingOrderFollowsText(t *testing.T) {
	res := extract.Run(`critical wiring fault at subpanel
minor caulk gaps around tub, cosmetic
moderate grading concern at rear walkway`)

	if len(res.Findings) != 3 {
		t.Fatalf("findings = %d, want 3", len(res.Findings))
	}
	wantSev := []types.FindingSeverity{
		types.SeverityCritical,
		types.SeverityMinor,
		types.SeverityMajor,
	}
	for i, want := range wantSev {
		if res.Findings[i].Severity != want {
			t.Errorf("finding %d severity = %q, want %q", i, res.Findings[i].Severity, want)
		}
	}
}

func TestRunDeterministic(t *testing.T) {
	a := extract.Run(happyPathReport)
	b := extract.Run(happyPathReport)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("results differ:\n%+v\n%+v", a, b)
	}
}

func TestFromOutputMergesFragments(t *testing.T) {
	out := &types.ParserOutput{
		RawText: "Address: 123 Main St, Anytown, CA 90210",
		Fragments: map[string]any{
			"Description": "moderate roof wear at ridge",
			"Software":    12345,
		},
	}
	res := extract.FromOutput(out)

	if res.Property.City != "Anytown" {
		t.Fatalf("city = %q, want Anytown", res.Property.City)
	}
	if len(res.Findings) != 1 {
		t.Fatalf("findings = %d, want 1: %+v", len(res.Findings), res.Findings)
	}
	f := res.Findings[0]
	if f.Category != types.CategoryRoofing {
		t.Errorf("category = %q, want roofing", f.Category)
	}
	if f.Severity != types.SeverityMajor {
		t.Errorf("severity = %q, want major", f.Severity)
	}
}

func TestNormalize(t *testing.T) {
	got := extract.Normalize("  First line \r\nsecond\tline\r\rthird   line\n\n")
	want := []string{"First line", "second line", "third line"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Normalize = %q, want %q", got, want)
	}
}
