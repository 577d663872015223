package parser

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/binary"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/iv-ingestion/ingest/types"
)

// ImageText reads textual annotations embedded in image files: PNG
// tEXt/zTXt/iTXt chunks and JPEG comment segments. It also serves as the
// registry's fallback for image-heavy PDFs, where it scans for the same
// structures inside embedded images.
type ImageText struct{}

// NewImageText returns the image annotation parser.
func NewImageText() *ImageText { return &ImageText{} }

// Kinds implements Parser.
func (p *ImageText) Kinds() []types.DocumentKind {
	return []types.DocumentKind{
		types.KindPNG, types.KindJPG, types.KindJPEG, types.KindTIFF, types.KindBMP,
	}
}

// imageTextConfidence is fixed and low: annotations are secondhand text,
// not recovered document content.
const imageTextConfidence = 0.35

var (
	pngSig  = []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}
	jpegSOI = []byte{0xff, 0xd8, 0xff}
)

// Parse implements Parser.
func (p *ImageText) Parse(ctx context.Context, blob io.Reader, _ types.DocumentKind, _ Options) (*types.ParserOutput, error) {
	data, err := readAll(ctx, blob)
	if err != nil {
		return nil, err
	}

	var texts []string
	frags := make(map[string]any)
	collect := func(keyword, text string) {
		text = strings.TrimSpace(text)
		if text == "" || !mostlyPrintable(text) {
			return
		}
		texts = append(texts, text)
		if keyword != "" {
			if _, ok := frags[keyword]; !ok {
				frags[keyword] = text
			}
		}
	}

	switch {
	case bytes.HasPrefix(data, pngSig):
		walkPNG(data, collect)
	case bytes.HasPrefix(data, jpegSOI):
		walkJPEG(data, collect)
	default:
		scanEmbedded(data, collect)
	}

	raw := strings.Join(texts, "\n")
	conf := imageTextConfidence
	if raw == "" {
		conf = 0.1
	}
	if len(frags) == 0 {
		frags = nil
	}
	return &types.ParserOutput{
		RawText:    raw,
		Fragments:  frags,
		Confidence: conf,
	}, nil
}

// walkPNG walks the chunk chain from the signature, decoding textual
// chunks. Malformed lengths stop the walk; whatever was decoded stands.
func walkPNG(data []byte, collect func(keyword, text string)) {
	i := len(pngSig)
	for i+8 <= len(data) {
		length := int(binary.BigEndian.Uint32(data[i : i+4]))
		typ := string(data[i+4 : i+8])
		end := i + 8 + length
		if length < 0 || end > len(data) {
			return
		}
		payload := data[i+8 : end]
		switch typ {
		case "tEXt":
			decodeTEXt(payload, collect)
		case "zTXt":
			decodeZTXt(payload, collect)
		case "iTXt":
			decodeITXt(payload, collect)
		case "IEND":
			return
		}
		i = end + 4 // skip CRC
	}
}

// decodeTEXt decodes keyword\0text.
func decodeTEXt(payload []byte, collect func(keyword, text string)) {
	k, v, ok := bytes.Cut(payload, []byte{0})
	if !ok {
		return
	}
	collect(string(k), string(v))
}

// decodeZTXt decodes keyword\0 method compressed-text.
func decodeZTXt(payload []byte, collect func(keyword, text string)) {
	k, rest, ok := bytes.Cut(payload, []byte{0})
	if !ok || len(rest) < 2 || rest[0] != 0 {
		return
	}
	text, err := inflate(rest[1:])
	if err != nil {
		return
	}
	collect(string(k), text)
}

// decodeITXt decodes keyword\0 compFlag compMethod lang\0 translated\0 text.
func decodeITXt(payload []byte, collect func(keyword, text string)) {
	k, rest, ok := bytes.Cut(payload, []byte{0})
	if !ok || len(rest) < 2 {
		return
	}
	compressed := rest[0] == 1
	rest = rest[2:]
	if _, rest, ok = bytes.Cut(rest, []byte{0}); !ok { // language tag
		return
	}
	if _, rest, ok = bytes.Cut(rest, []byte{0}); !ok { // translated keyword
		return
	}
	if compressed {
		text, err := inflate(rest)
		if err != nil {
			return
		}
		collect(string(k), text)
		return
	}
	collect(string(k), string(rest))
}

// walkJPEG walks marker segments up to start-of-scan, collecting COM
// comment payloads.
func walkJPEG(data []byte, collect func(keyword, text string)) {
	i := 2
	for i+4 <= len(data) {
		if data[i] != 0xff {
			return
		}
		marker := data[i+1]
		switch {
		case marker == 0xff: // fill byte
			i++
			continue
		case marker == 0xd9 || marker == 0xda: // EOI or SOS
			return
		case marker >= 0xd0 && marker <= 0xd8: // standalone markers
			i += 2
			continue
		}
		length := int(binary.BigEndian.Uint16(data[i+2 : i+4]))
		if length < 2 || i+2+length > len(data) {
			return
		}
		if marker == 0xfe {
			collect("comment", string(data[i+4:i+2+length]))
		}
		i += 2 + length
	}
}

const maxEmbeddedScans = 64

// scanEmbedded hunts for image structures inside a non-image container,
// the PDF fallback path: embedded JPEGs are walked from their SOI marker
// and bare PNG text chunks are decoded in place.
func scanEmbedded(data []byte, collect func(keyword, text string)) {
	off, scans := 0, 0
	for scans < maxEmbeddedScans {
		i := bytes.Index(data[off:], jpegSOI)
		if i < 0 {
			break
		}
		walkJPEG(data[off+i:], collect)
		off += i + len(jpegSOI)
		scans++
	}

	off, scans = 0, 0
	tEXt := []byte("tEXt")
	for scans < maxEmbeddedScans {
		i := bytes.Index(data[off:], tEXt)
		if i < 0 {
			break
		}
		i += off
		off = i + len(tEXt)
		scans++
		if i < 4 {
			continue
		}
		length := int(binary.BigEndian.Uint32(data[i-4 : i]))
		if length <= 0 || i+4+length > len(data) {
			continue
		}
		decodeTEXt(data[i+4:i+4+length], collect)
	}
}

// inflate decompresses a zlib stream.
func inflate(b []byte) (string, error) {
	zr, err := zlib.NewReader(bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// mostlyPrintable guards against binary noise from embedded scans: the
// text must be valid UTF-8 with over 90% printable runes.
func mostlyPrintable(s string) bool {
	if !utf8.ValidString(s) {
		return false
	}
	printable, total := 0, 0
	for _, r := range s {
		total++
		if r == '\n' || r == '\r' || r == '\t' || (r >= 0x20 && r != 0x7f) {
			printable++
		}
	}
	return total > 0 && printable*10 >= total*9
}
