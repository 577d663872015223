package extract

import (
	"strings"

	"github.com/iv-ingestion/ingest/types"
)

// severityRules maps keyword groups to severities. Groups are scanned
// in order and the first keyword present in the text decides, so a
// line mentioning both "hazard" and "minor" classifies as critical.
var severityRules = []struct {
	keywords []string
	severity types.FindingSeverity
}{
	{
		keywords: []string{"critical", "urgent", "hazard", "danger", "emergency", "immediate"},
		severity: types.SeverityCritical,
	},
	{
		keywords: []string{"moderate", "concern", "issue", "problem", "attention"},
		severity: types.SeverityMajor,
	},
	{
		keywords: []string{"minor", "cosmetic", "maintenance", "suggestion"},
		severity: types.SeverityMinor,
	},
}

// categoryRules maps trade vocabulary to finding categories. Scanned
// in order with the more specific trades first; the first keyword
// present decides. Roofing precedes plumbing so "roof leak" lands in
// roofing while a bare "leak" still reads as plumbing.
var categoryRules = []struct {
	keywords []string
	category types.FindingCategory
}{
	{
		keywords: []string{"electric", "wiring", "outlet", "breaker", "gfci", "panel", "voltage"},
		category: types.CategoryElectrical,
	},
	{
		keywords: []string{"roof", "shingle", "flashing", "gutter", "chimney", "soffit", "fascia"},
		category: types.CategoryRoofing,
	},
	{
		keywords: []string{"plumbing", "pipe", "water heater", "drain", "faucet", "sewer", "toilet", "sump", "leak"},
		category: types.CategoryPlumbing,
	},
	{
		keywords: []string{"hvac", "furnace", "air condition", "heat pump", "duct", "thermostat", "compressor"},
		category: types.CategoryHVAC,
	},
	{
		keywords: []string{"foundation", "structural", "beam", "joist", "framing", "settlement", "crack", "load-bearing"},
		category: types.CategoryStructural,
	},
	{
		keywords: []string{"smoke detector", "carbon monoxide", "co detector", "radon", "railing", "egress", "safety", "mold", "asbestos"},
		category: types.CategorySafety,
	},
	{
		keywords: []string{"siding", "deck", "fence", "grading", "driveway", "walkway", "window well", "exterior"},
		category: types.CategoryExterior,
	},
	{
		keywords: []string{"drywall", "ceiling", "floor", "carpet", "paint", "cabinet", "door", "window", "interior"},
		category: types.CategoryInterior,
	},
}

// ClassifySeverity returns the severity for a finding's text. Keyword
// presence decides; text with no severity vocabulary is informational.
func ClassifySeverity(text string) types.FindingSeverity {
	t := strings.ToLower(text)
	for _, rule := range severityRules {
		for _, kw := range rule.keywords {
			if strings.Contains(t, kw) {
				return rule.severity
			}
		}
	}
	return types.SeverityInformational
}

// ClassifyCategory returns the trade category for a finding's text,
// or CategoryOther when no trade vocabulary is present.
func ClassifyCategory(text string) types.FindingCategory {
	t := strings.ToLower(text)
	for _, rule := range categoryRules {
		for _, kw := range rule.keywords {
			if strings.Contains(t, kw) {
				return rule.category
			}
		}
	}
	return types.CategoryOther
}
