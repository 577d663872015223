package extract

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/iv-ingestion/ingest/types"
)

var (
	// Labeled address line, e.g. "Address: 123 Main St, Anytown, CA 90210".
	addressLineRe = regexp.MustCompile(`(?i)^(?:property\s+|site\s+|subject\s+)?address\s*[:;,-]?\s+(.+)$`)
	// Street, city, state, zip split of an address remainder.
	addressPartsRe = regexp.MustCompile(`^(.*?),\s*([^,]+?),\s*([A-Za-z]{2})[ ,]\s*(\d{5}(?:-\d{4})?)\s*$`)
	// Unlabeled address embedded in prose.
	bareAddressRe = regexp.MustCompile(`\b(\d+\s+[A-Za-z0-9 .'-]*[A-Za-z0-9.]),\s*([A-Za-z][A-Za-z .'-]*?),\s*([A-Z]{2})\s+(\d{5}(?:-\d{4})?)\b`)

	propertyTypeRe = regexp.MustCompile(`(?i)\b(?:property\s+|home\s+|building\s+)?type\s*[:;,-]?\s+([A-Za-z][A-Za-z -]*)`)

	sqftLabelRe  = regexp.MustCompile(`(?i)\b(?:square\s+footage|living\s+area|total\s+area|floor\s+area|size)\s*[:;-]?\s+([\d,]+)\b`)
	sqftInlineRe = regexp.MustCompile(`(?i)\b([\d,]+)\s*(?:sq\.?\s*ft\.?|square\s+feet|sqft|sf)\b`)

	yearBuiltRe = regexp.MustCompile(`(?i)\b(?:year\s+built|built\s+in|year\s+of\s+construction|construction\s+year)\s*[:;-]?\s+(\d{4})\b`)

	bedsInlineRe  = regexp.MustCompile(`(?i)\b(\d+)\s*bed(?:room)?s?\b`)
	bedsLabelRe   = regexp.MustCompile(`(?i)\bbed(?:room)?s?\s*[:;-]?\s+(\d+)\b`)
	bathsInlineRe = regexp.MustCompile(`(?i)\b(\d+(?:\.\d+)?)\s*bath(?:room)?s?\b`)
	bathsLabelRe  = regexp.MustCompile(`(?i)\bbath(?:room)?s?\s*[:;-]?\s+(\d+(?:\.\d+)?)\b`)
)

// propertyTypeNames normalizes reported type wording onto the closed
// property type set.
var propertyTypeNames = map[string]string{
	"residential":   "residential",
	"commercial":    "commercial",
	"industrial":    "industrial",
	"single family": "residential",
	"single-family": "residential",
	"multi family":  "residential",
	"multi-family":  "residential",
	"condo":         "residential",
	"condominium":   "residential",
	"townhouse":     "residential",
	"duplex":        "residential",
	"apartment":     "residential",
	"office":        "commercial",
	"retail":        "commercial",
	"warehouse":     "industrial",
}

func property(lines []string) types.Property {
	var p types.Property
	for _, line := range lines {
		if p.AddressLine1 == "" {
			if m := addressLineRe.FindStringSubmatch(line); m != nil {
				applyAddress(&p, m[1])
			} else if m := bareAddressRe.FindStringSubmatch(line); m != nil {
				p.AddressLine1 = strings.TrimSpace(m[1])
				p.City = strings.TrimSpace(m[2])
				p.State = strings.ToUpper(m[3])
				p.Zip = m[4]
			}
		}
		if p.Type == "" {
			if m := propertyTypeRe.FindStringSubmatch(line); m != nil {
				p.Type = normalizePropertyType(m[1])
			}
		}
		if p.SquareFootage == 0 {
			if m := sqftLabelRe.FindStringSubmatch(line); m != nil {
				p.SquareFootage = parseInt(m[1])
			} else if m := sqftInlineRe.FindStringSubmatch(line); m != nil {
				p.SquareFootage = parseInt(m[1])
			}
		}
		if p.YearBuilt == 0 {
			if m := yearBuiltRe.FindStringSubmatch(line); m != nil {
				if y := parseInt(m[1]); y >= 1700 && y <= 2100 {
					p.YearBuilt = y
				}
			}
		}
		if p.Bedrooms == 0 {
			if m := bedsInlineRe.FindStringSubmatch(line); m != nil {
				p.Bedrooms = parseInt(m[1])
			} else if m := bedsLabelRe.FindStringSubmatch(line); m != nil {
				p.Bedrooms = parseInt(m[1])
			}
		}
		if p.Bathrooms == 0 {
			if m := bathsInlineRe.FindStringSubmatch(line); m != nil {
				p.Bathrooms = parseFloat(m[1])
			} else if m := bathsLabelRe.FindStringSubmatch(line); m != nil {
				p.Bathrooms = parseFloat(m[1])
			}
		}
	}
	return p
}

// applyAddress splits an address remainder into its parts, or keeps
// the whole remainder as line1 when it does not carry city/state/zip.
func applyAddress(p *types.Property, rest string) {
	if m := addressPartsRe.FindStringSubmatch(rest); m != nil {
		p.AddressLine1 = strings.TrimSpace(m[1])
		p.City = strings.TrimSpace(m[2])
		p.State = strings.ToUpper(m[3])
		p.Zip = m[4]
		return
	}
	p.AddressLine1 = strings.TrimRight(strings.TrimSpace(rest), ".,;")
}

func normalizePropertyType(s string) string {
	key := strings.Join(strings.Fields(strings.ToLower(s)), " ")
	for key != "" {
		if v, ok := propertyTypeNames[key]; ok {
			return v
		}
		i := strings.LastIndex(key, " ")
		if i < 0 {
			return ""
		}
		key = key[:i]
	}
	return ""
}

func parseInt(s string) int {
	n, err := strconv.Atoi(strings.ReplaceAll(s, ",", ""))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	if err != nil || f < 0 {
		return 0
	}
	return f
}
