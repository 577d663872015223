// Package extract derives a canonical inspection record from parsed
// report text.
//
// Extraction is deterministic: rules are ordered regular expressions
// applied to whitespace-normalized lines, most specific first, and the
// first match wins. Identical input text always yields an identical
// record. Zero findings is a valid outcome, not an error.
package extract

import (
	"sort"
	"strings"

	"github.com/iv-ingestion/ingest/types"
)

// Result is the canonical record produced by the field-extract stage.
// Finding IDs are left empty; the caller assigns them when the record
// is persisted.
type Result struct {
	Property  types.Property
	Inspector types.Inspector
	Findings  []types.Finding
}

// FromOutput extracts a record from parser output. Fragment values
// (annotation text recovered from image containers) are appended after
// the raw text in key order, so rules prefer the primary text and fall
// back to fragments for fields the text did not supply.
func FromOutput(out *types.ParserOutput) *Result {
	text := out.RawText
	if len(out.Fragments) > 0 {
		keys := make([]string, 0, len(out.Fragments))
		for k := range out.Fragments {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteString(text)
		for _, k := range keys {
			s, ok := out.Fragments[k].(string)
			if !ok || s == "" {
				continue
			}
			b.WriteString("\n")
			b.WriteString(s)
		}
		text = b.String()
	}
	return Run(text)
}

// Run extracts a record from raw report text.
func Run(text string) *Result {
	lines := Normalize(text)
	return &Result{
		Property:  property(lines),
		Inspector: inspector(lines),
		Findings:  findings(lines),
	}
}

// Normalize splits text into trimmed, non-empty lines with interior
// runs of whitespace collapsed to single spaces. Rules match against
// these lines.
func Normalize(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	raw := strings.Split(text, "\n")
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		fields := strings.Fields(l)
		if len(fields) == 0 {
			continue
		}
		lines = append(lines, strings.Join(fields, " "))
	}
	return lines
}
