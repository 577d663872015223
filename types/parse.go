package types

// PageFragment is the text recovered from one page or sheet of a source
// document.
type PageFragment struct {
	// Number is 1-based.
	Number int    `json:"number"`
	Name   string `json:"name,omitempty"`
	Text   string `json:"text"`
}

// ParserOutput is the intermediate representation a parser hands to field
// extraction.
type ParserOutput struct {
	// RawText is the full recovered text in document order.
	RawText string `json:"rawText"`

	// Pages breaks RawText down by page or sheet when the format has that
	// structure. Optional.
	Pages []PageFragment `json:"pages,omitempty"`

	// Fragments holds named values a parser recovered directly, keyed by
	// canonical field name. Higher-confidence fragments win when outputs
	// are merged.
	Fragments map[string]any `json:"fragments,omitempty"`

	// Confidence is the parser's own estimate in [0,1] of how much of
	// the document's text it recovered.
	Confidence float64 `json:"confidence"`
}

// Merge folds other into o, keeping o's text when non-empty and adopting
// fragments from other only where o has none. The merged confidence is
// the maximum of the two.
func (o *ParserOutput) Merge(other *ParserOutput) {
	if other == nil {
		return
	}
	if o.RawText == "" {
		o.RawText = other.RawText
		o.Pages = other.Pages
	} else if other.RawText != "" && other.RawText != o.RawText {
		o.RawText = o.RawText + "\n" + other.RawText
	}
	for k, v := range other.Fragments {
		if _, ok := o.Fragments[k]; !ok {
			if o.Fragments == nil {
				o.Fragments = make(map[string]any)
			}
			o.Fragments[k] = v
		}
	}
	if other.Confidence > o.Confidence {
		o.Confidence = other.Confidence
	}
}
