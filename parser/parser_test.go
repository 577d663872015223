package parser_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/iv-ingestion/ingest/log"
	"github.com/iv-ingestion/ingest/parser"
	"github.com/iv-ingestion/ingest/types"
)

// openBytes returns an OpenFunc serving the same bytes on every call.
func openBytes(data []byte) parser.OpenFunc {
	return func(context.Context) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
}

func newRegistry() *parser.Registry {
	return parser.NewRegistry(log.Nop())
}

func TestRegistryUnsupportedKind(t *testing.T) {
	r := newRegistry()
	_, err := r.Parse(context.Background(), openBytes(nil), types.DocumentKind("exe"), parser.Options{})
	var terr *types.Error
	if !errors.As(err, &terr) {
		t.Fatalf("err = %v, want *types.Error", err)
	}
	if terr.Code != types.CodeUnsupportedKind {
		t.Errorf("code = %s, want %s", terr.Code, types.CodeUnsupportedKind)
	}
	if terr.Retryable {
		t.Errorf("unsupported kind marked retryable")
	}
}

func TestRegistryRoutesAllKnownKinds(t *testing.T) {
	r := newRegistry()
	for _, k := range []types.DocumentKind{
		types.KindPDF, types.KindDOC, types.KindDOCX, types.KindXLS,
		types.KindXLSX, types.KindCSV, types.KindJPG, types.KindJPEG,
		types.KindPNG, types.KindTIFF, types.KindBMP,
	} {
		if _, err := r.Lookup(k); err != nil {
			t.Errorf("kind %s has no parser: %v", k, err)
		}
	}
}

func TestRegistryImageFallbackForTextPoorPDF(t *testing.T) {
	// A PDF with almost no extractable text plus an embedded annotation
	// chunk, the shape of a scanned report.
	doc := pdfFixture("BT (Hi) Tj ET")
	annotation := []byte("Description\x00Roof damage: missing shingles on south slope")
	var chunk bytes.Buffer
	binary.Write(&chunk, binary.BigEndian, uint32(len(annotation)))
	chunk.WriteString("tEXt")
	chunk.Write(annotation)
	doc = append(doc, chunk.Bytes()...)

	r := newRegistry()
	out, err := r.Parse(context.Background(), openBytes(doc), types.KindPDF, parser.Options{OCRTextThreshold: 100})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !strings.Contains(out.RawText, "Hi") {
		t.Errorf("primary text lost: %q", out.RawText)
	}
	if !strings.Contains(out.RawText, "Roof damage") {
		t.Errorf("fallback text missing: %q", out.RawText)
	}
	if got, ok := out.Fragments["Description"].(string); !ok || !strings.Contains(got, "Roof damage") {
		t.Errorf("fragments = %v", out.Fragments)
	}
}

func TestRegistryFallbackDisabledByThreshold(t *testing.T) {
	doc := pdfFixture("BT (Hi) Tj ET")
	r := newRegistry()
	out, err := r.Parse(context.Background(), openBytes(doc), types.KindPDF, parser.Options{})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if out.RawText != "Hi" {
		t.Errorf("raw text = %q, want %q", out.RawText, "Hi")
	}
}

func TestRegistryRichPDFSkipsFallback(t *testing.T) {
	long := strings.Repeat("(Inspection finding text) Tj ", 40)
	doc := pdfFixture("BT " + long + "ET")
	r := newRegistry()
	out, err := r.Parse(context.Background(), openBytes(doc), types.KindPDF, parser.Options{OCRTextThreshold: 100})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(out.RawText) < 100 {
		t.Fatalf("raw text unexpectedly short: %d", len(out.RawText))
	}
	if out.Fragments != nil {
		t.Errorf("fallback ran on a text-rich pdf: %v", out.Fragments)
	}
}

