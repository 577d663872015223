package parser

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/iv-ingestion/ingest/types"
)

// Sheet recovers text from spreadsheets: xlsx via the OOXML package
// (shared strings plus per-sheet cell walks), csv directly, and legacy
// binary xls through printable-run scanning.
type Sheet struct{}

// NewSheet returns the spreadsheet parser.
func NewSheet() *Sheet { return &Sheet{} }

// Kinds implements Parser.
func (p *Sheet) Kinds() []types.DocumentKind {
	return []types.DocumentKind{types.KindXLS, types.KindXLSX, types.KindCSV}
}

// Parse implements Parser.
func (p *Sheet) Parse(ctx context.Context, blob io.Reader, kind types.DocumentKind, _ Options) (*types.ParserOutput, error) {
	switch kind {
	case types.KindCSV:
		return parseCSV(blob)
	case types.KindXLS:
		data, err := readAll(ctx, blob)
		if err != nil {
			return nil, err
		}
		raw := printableRuns(data)
		conf := 0.3
		if raw == "" {
			conf = 0.1
		}
		return &types.ParserOutput{RawText: raw, Confidence: conf}, nil
	default:
		return parseXLSX(ctx, blob)
	}
}

// parseCSV streams the file row by row, joining fields with commas so
// label/value rows keep their separator for field extraction.
func parseCSV(blob io.Reader) (*types.ParserOutput, error) {
	cr := csv.NewReader(blob)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true

	var sb strings.Builder
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, types.Permanent(types.CodeProcessingFailed, "malformed csv", err)
		}
		sb.WriteString(strings.Join(record, ", "))
		sb.WriteByte('\n')
	}
	raw := strings.TrimSpace(sb.String())
	return &types.ParserOutput{
		RawText:    raw,
		Confidence: textDensityConfidence(len(raw)),
	}, nil
}

func parseXLSX(ctx context.Context, blob io.Reader) (*types.ParserOutput, error) {
	data, err := readAll(ctx, blob)
	if err != nil {
		return nil, err
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, types.Permanent(types.CodeProcessingFailed, "xlsx is not a zip package", err)
	}

	shared, err := sharedStrings(zr)
	if err != nil {
		return nil, types.Permanent(types.CodeProcessingFailed, "decode shared strings", err)
	}

	var pages []types.PageFragment
	var sb strings.Builder
	for i, f := range worksheetFiles(zr) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rc, err := f.Open()
		if err != nil {
			return nil, types.Permanent(types.CodeProcessingFailed, fmt.Sprintf("open %s", f.Name), err)
		}
		text, err := sheetText(rc, shared)
		rc.Close()
		if err != nil {
			return nil, types.Permanent(types.CodeProcessingFailed, fmt.Sprintf("decode %s", f.Name), err)
		}
		name := strings.TrimSuffix(strings.TrimPrefix(f.Name, "xl/worksheets/"), ".xml")
		pages = append(pages, types.PageFragment{Number: i + 1, Name: name, Text: text})
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(text)
	}

	raw := strings.TrimSpace(sb.String())
	return &types.ParserOutput{
		RawText:    raw,
		Pages:      pages,
		Confidence: textDensityConfidence(len(raw)),
	}, nil
}

// worksheetFiles returns the package's sheet parts in sheet-number order.
func worksheetFiles(zr *zip.Reader) []*zip.File {
	var sheets []*zip.File
	for _, f := range zr.File {
		if strings.HasPrefix(f.Name, "xl/worksheets/sheet") && strings.HasSuffix(f.Name, ".xml") {
			sheets = append(sheets, f)
		}
	}
	sort.Slice(sheets, func(i, j int) bool {
		return sheetNumber(sheets[i].Name) < sheetNumber(sheets[j].Name)
	})
	return sheets
}

func sheetNumber(name string) int {
	digits := strings.TrimSuffix(strings.TrimPrefix(name, "xl/worksheets/sheet"), ".xml")
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0
	}
	return n
}

// sharedStrings decodes xl/sharedStrings.xml into its string table.
// Rich-text runs within one entry are concatenated.
func sharedStrings(zr *zip.Reader) ([]string, error) {
	f := fileInZip(zr, "xl/sharedStrings.xml")
	if f == nil {
		return nil, nil
	}
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	dec := xml.NewDecoder(rc)
	var table []string
	var cur strings.Builder
	inEntry, inText := false, false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "si":
				inEntry = true
				cur.Reset()
			case "t":
				inText = inEntry
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "si":
				table = append(table, cur.String())
				inEntry = false
			case "t":
				inText = false
			}
		case xml.CharData:
			if inText {
				cur.Write(t)
			}
		}
	}
	return table, nil
}

// sheetText walks one worksheet's cells. Shared-string cells resolve
// through the table; inline and value cells keep their literal text.
// Cells join with tabs, rows with newlines.
func sheetText(r io.Reader, shared []string) (string, error) {
	dec := xml.NewDecoder(r)
	var sb strings.Builder
	var row []string
	var cellType string
	var value strings.Builder
	inValue := false

	flushRow := func() {
		if len(row) == 0 {
			return
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(strings.Join(row, "\t"))
		row = row[:0]
	}

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
			case "c":
				cellType = ""
				for _, a := range t.Attr {
					if a.Name.Local == "t" {
						cellType = a.Value
					}
				}
			case "v", "t":
				inValue = true
				value.Reset()
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "v", "t":
				inValue = false
				cell := value.String()
				if cellType == "s" {
					idx, err := strconv.Atoi(strings.TrimSpace(cell))
					if err == nil && idx >= 0 && idx < len(shared) {
						cell = shared[idx]
					} else {
						cell = ""
					}
				}
				if cell != "" {
					row = append(row, cell)
				}
			case "row":
				flushRow()
			}
		case xml.CharData:
			if inValue {
				value.Write(t)
			}
		}
	}
	flushRow()
	return sb.String(), nil
}
