package pipeline

import (
	"testing"

	"github.com/gabriel-vasile/mimetype"

	"github.com/iv-ingestion/ingest/types"
)

func TestKindMatches(t *testing.T) {
	pdf := []byte("%PDF-1.4\n1 0 obj\n")
	png := append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 16)...)
	zip := append([]byte("PK\x03\x04"), make([]byte, 26)...)
	ole := append([]byte("\xd0\xcf\x11\xe0\xa1\xb1\x1a\xe1"), make([]byte, 24)...)
	text := []byte("just some plain words without structure\n")
	bin := []byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77}

	tests := []struct {
		name    string
		kind    types.DocumentKind
		content []byte
		want    bool
	}{
		{"pdf content for pdf kind", types.KindPDF, pdf, true},
		{"png content for png kind", types.KindPNG, png, true},
		{"png content for pdf kind", types.KindPDF, png, false},
		{"zip content for docx kind", types.KindDOCX, zip, true},
		{"zip content for xlsx kind", types.KindXLSX, zip, true},
		{"zip content for pdf kind", types.KindPDF, zip, false},
		{"ole content for doc kind", types.KindDOC, ole, true},
		{"ole content for xls kind", types.KindXLS, ole, true},
		{"text content for csv kind", types.KindCSV, text, true},
		{"text content for pdf kind", types.KindPDF, text, false},
		{"unknown binary passes any kind", types.KindPDF, bin, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			detected := mimetype.Detect(tt.content)
			if got := kindMatches(tt.kind, detected); got != tt.want {
				t.Fatalf("kindMatches(%q, %s) = %v, want %v", tt.kind, detected, got, tt.want)
			}
		})
	}
}
