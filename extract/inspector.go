package extract

import (
	"regexp"
	"strings"

	"github.com/iv-ingestion/ingest/types"
)

var (
	inspectorLineRe = regexp.MustCompile(`(?i)^inspector(?:\s+name)?\s*[:;,-]?\s+(.+)$`)
	inspectedByRe   = regexp.MustCompile(`(?i)\binspected\s+by\s+([A-Za-z][A-Za-z.'-]*(?:\s+[A-Za-z][A-Za-z.'-]*){0,3})`)
	licenseRe       = regexp.MustCompile(`(?i)\blicense\s*(?:#|no\.?|number)?\s*[:;,-]?\s*([A-Za-z0-9][A-Za-z0-9-]{3,})`)
	companyRe       = regexp.MustCompile(`(?i)\b(?:inspection\s+company|company|firm)\s*[:;,-]\s*([^,]+)`)
	emailRe         = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	phoneRe         = regexp.MustCompile(`\(?\d{3}\)?[-. ]\d{3}[-. ]\d{4}\b`)
	dateLineRe      = regexp.MustCompile(`(?i)\b(?:inspection\s+date|date\s+of\s+inspection|inspected\s+on|report\s+date|date)\s*[:;,-]?\s+([A-Za-z0-9,/. -]+?)\s*$`)
)

func inspector(lines []string) types.Inspector {
	var ins types.Inspector
	for _, line := range lines {
		if ins.Name == "" {
			if m := inspectorLineRe.FindStringSubmatch(line); m != nil {
				ins.Name = inspectorName(m[1])
			} else if m := inspectedByRe.FindStringSubmatch(line); m != nil {
				ins.Name = strings.TrimSpace(m[1])
			}
		}
		if ins.License == "" {
			if m := licenseRe.FindStringSubmatch(line); m != nil && containsDigit(m[1]) {
				ins.License = m[1]
			}
		}
		if ins.Company == "" {
			if m := companyRe.FindStringSubmatch(line); m != nil {
				ins.Company = strings.TrimRight(strings.TrimSpace(m[1]), ".;")
			}
		}
		if ins.Contact == "" {
			if m := emailRe.FindString(line); m != "" {
				ins.Contact = m
			} else if m := phoneRe.FindString(line); m != "" {
				ins.Contact = m
			}
		}
		if ins.Date == "" {
			if m := dateLineRe.FindStringSubmatch(line); m != nil {
				ins.Date = strings.TrimSpace(m[1])
			}
		}
	}
	return ins
}

// inspectorName trims a labeled inspector remainder down to the name:
// everything before the first comma, with any trailing license clause
// removed.
func inspectorName(rest string) string {
	name := rest
	if i := strings.Index(name, ","); i >= 0 {
		name = name[:i]
	}
	if i := strings.Index(strings.ToLower(name), "license"); i >= 0 {
		name = name[:i]
	}
	return strings.TrimRight(strings.TrimSpace(name), ".,;")
}

func containsDigit(s string) bool {
	for _, r := range s {
		if r >= '0' && r <= '9' {
			return true
		}
	}
	return false
}
