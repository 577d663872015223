package extract

import (
	"regexp"
	"strings"

	"github.com/iv-ingestion/ingest/types"
)

const (
	// minFindingLength filters out header cells and stray tokens.
	minFindingLength = 8
	maxDescription   = 500
)

var (
	// fieldLineRe recognizes labeled metadata lines so they are not
	// misread as findings.
	fieldLineRe = regexp.MustCompile(`(?i)^(?:(?:property|site|subject|home|building)\s+)?(?:address|inspector|inspection\s+date|company|firm|client|license|type|year\s+built|square\s+footage|size|bed(?:room)?s?|bath(?:room)?s?|date|report|phone|email|contact)\b`)

	recommendationRe = regexp.MustCompile(`(?i)\brecommend(?:ed|ation)?s?\b[:;,-]?\s*(?:that\s+)?(.+)$`)

	costLabelRe  = regexp.MustCompile(`(?i)\best(?:imated)?\.?\s*(?:repair\s+|replacement\s+)?cost\s*[:;,-]?\s*\$?\s*([0-9][0-9,]*(?:\.[0-9]{1,2})?)`)
	costDollarRe = regexp.MustCompile(`\$\s*([0-9][0-9,]*(?:\.[0-9]{1,2})?)`)

	locationLabelRe = regexp.MustCompile(`(?i)\blocation\s*[:;,-]\s*(.+)$`)
	locationTailRe  = regexp.MustCompile(`(?i)\b(?:at|near|in|on)\s+(?:the\s+)?([a-z][a-z0-9 /'-]{2,})$`)
)

// findings turns lines carrying severity or trade vocabulary into
// findings. Labeled metadata lines and bare header tokens are skipped;
// a report with no qualifying lines yields an empty slice.
func findings(lines []string) []types.Finding {
	var out []types.Finding
	for _, line := range lines {
		if fieldLineRe.MatchString(line) {
			continue
		}
		if len(line) < minFindingLength || !strings.Contains(line, " ") {
			continue
		}
		sev := ClassifySeverity(line)
		cat := ClassifyCategory(line)
		if sev == types.SeverityInformational && cat == types.CategoryOther {
			continue
		}
		f := types.Finding{
			Category:    cat,
			Severity:    sev,
			Description: truncate(line, maxDescription),
		}
		body := line
		if m := recommendationRe.FindStringSubmatchIndex(line); m != nil {
			f.Recommendation = stripCost(line[m[2]:m[3]])
			body = strings.TrimRight(strings.TrimSpace(line[:m[0]]), " .,;:-")
		}
		if m := costLabelRe.FindStringSubmatch(line); m != nil {
			f.EstimatedCost = parseFloat(m[1])
		} else if m := costDollarRe.FindStringSubmatch(line); m != nil {
			f.EstimatedCost = parseFloat(m[1])
		}
		if m := locationLabelRe.FindStringSubmatch(body); m != nil {
			f.Location = strings.TrimRight(strings.TrimSpace(m[1]), ".,;")
		} else if m := locationTailRe.FindStringSubmatch(strings.TrimRight(body, " .!;:")); m != nil {
			f.Location = strings.TrimSpace(m[1])
		}
		out = append(out, f)
	}
	return out
}

// stripCost removes a trailing cost clause from recommendation text.
func stripCost(s string) string {
	if loc := costLabelRe.FindStringIndex(s); loc != nil {
		s = s[:loc[0]]
	} else if loc := costDollarRe.FindStringIndex(s); loc != nil {
		s = s[:loc[0]]
	}
	return strings.TrimRight(strings.TrimSpace(s), " .,;:-")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Cut on a rune boundary.
	for n > 0 && s[n]&0xc0 == 0x80 {
		n--
	}
	return s[:n]
}
