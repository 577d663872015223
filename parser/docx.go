package parser

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"io"
	"strings"

	"github.com/iv-ingestion/ingest/types"
)

// Docx recovers text from Word documents: the OOXML package's
// word/document.xml run elements for .docx, printable-run scanning as the
// fallback for legacy binary .doc.
type Docx struct{}

// NewDocx returns the Word document parser.
func NewDocx() *Docx { return &Docx{} }

// Kinds implements Parser.
func (p *Docx) Kinds() []types.DocumentKind {
	return []types.DocumentKind{types.KindDOC, types.KindDOCX}
}

// Parse implements Parser.
func (p *Docx) Parse(ctx context.Context, blob io.Reader, kind types.DocumentKind, _ Options) (*types.ParserOutput, error) {
	data, err := readAll(ctx, blob)
	if err != nil {
		return nil, err
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		if kind == types.KindDOC {
			// Legacy binary .doc: no package to open, fall back to
			// printable text runs.
			raw := printableRuns(data)
			conf := 0.3
			if raw == "" {
				conf = 0.1
			}
			return &types.ParserOutput{RawText: raw, Confidence: conf}, nil
		}
		return nil, types.Permanent(types.CodeProcessingFailed, "docx is not a zip package", err)
	}

	doc := fileInZip(zr, "word/document.xml")
	if doc == nil {
		return nil, types.Permanent(types.CodeProcessingFailed, "package has no word/document.xml", nil)
	}
	rc, err := doc.Open()
	if err != nil {
		return nil, types.Permanent(types.CodeProcessingFailed, "open word/document.xml", err)
	}
	defer rc.Close()

	raw, err := wordRunsText(rc)
	if err != nil {
		return nil, types.Permanent(types.CodeProcessingFailed, "decode word/document.xml", err)
	}
	return &types.ParserOutput{
		RawText:    raw,
		Confidence: textDensityConfidence(len(raw)),
	}, nil
}

// wordRunsText walks the document XML collecting run text. Paragraph ends
// become newlines, explicit tabs and breaks keep their meaning.
func wordRunsText(r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)
	var sb strings.Builder
	inRunText := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inRunText = true
			case "tab":
				sb.WriteByte('\t')
			case "br":
				sb.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inRunText = false
			case "p":
				sb.WriteByte('\n')
			}
		case xml.CharData:
			if inRunText {
				sb.Write(t)
			}
		}
	}
	return strings.TrimSpace(sb.String()), nil
}

// fileInZip finds a package member by exact name.
func fileInZip(zr *zip.Reader, name string) *zip.File {
	for _, f := range zr.File {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// printableRuns extracts runs of printable characters of at least four
// bytes from binary data, one run per line.
func printableRuns(data []byte) string {
	const minRun = 4
	var sb strings.Builder
	start := -1
	flush := func(end int) {
		if start >= 0 && end-start >= minRun {
			if sb.Len() > 0 {
				sb.WriteByte('\n')
			}
			sb.Write(data[start:end])
		}
		start = -1
	}
	for i, c := range data {
		if c >= 0x20 && c < 0x7f || c == '\t' {
			if start < 0 {
				start = i
			}
			continue
		}
		flush(i)
	}
	flush(len(data))
	return strings.TrimSpace(sb.String())
}
