package pipeline

import (
	"github.com/gabriel-vasile/mimetype"

	"github.com/iv-ingestion/ingest/types"
)

// acceptableMIME lists the sniffed content types compatible with each
// declared kind. OOXML kinds accept bare zip because sniffers that
// miss the package internals report the container; legacy Office kinds
// accept the OLE container the same way.
var acceptableMIME = map[types.DocumentKind][]string{
	types.KindPDF:  {"application/pdf"},
	types.KindPNG:  {"image/png"},
	types.KindJPG:  {"image/jpeg"},
	types.KindJPEG: {"image/jpeg"},
	types.KindTIFF: {"image/tiff"},
	types.KindBMP:  {"image/bmp", "image/x-ms-bmp"},
	types.KindCSV:  {"text/csv", "text/tab-separated-values", "text/plain"},
	types.KindDOC:  {"application/msword", "application/x-ole-storage"},
	types.KindXLS:  {"application/vnd.ms-excel", "application/x-ole-storage"},
	types.KindDOCX: {"application/vnd.openxmlformats-officedocument.wordprocessingml.document", "application/zip"},
	types.KindXLSX: {"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", "application/zip"},
}

// kindMatches reports whether the sniffed type is compatible with the
// declared kind. The detected type's ancestry is walked so a text/csv
// detection satisfies a kind that accepts text/plain. An inconclusive
// sniff (bare octet-stream) is not evidence of a mismatch and passes.
func kindMatches(kind types.DocumentKind, detected *mimetype.MIME) bool {
	if detected.Is("application/octet-stream") {
		return true
	}
	accepts := acceptableMIME[kind]
	for mt := detected; mt != nil; mt = mt.Parent() {
		for _, a := range accepts {
			if mt.Is(a) {
				return true
			}
		}
	}
	return false
}
