package parser

import (
	"bytes"
	"compress/zlib"
	"context"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/iv-ingestion/ingest/types"
)

// TextPDF recovers text from PDF content streams: BT/ET text runs with
// Tj/TJ/quote show operators, including flate-compressed streams. It does
// not rasterize; image-only PDFs come back near-empty and rely on the
// registry's image fallback.
type TextPDF struct{}

// NewTextPDF returns the PDF text parser.
func NewTextPDF() *TextPDF { return &TextPDF{} }

// Kinds implements Parser.
func (p *TextPDF) Kinds() []types.DocumentKind {
	return []types.DocumentKind{types.KindPDF}
}

// Parse implements Parser.
func (p *TextPDF) Parse(ctx context.Context, blob io.Reader, _ types.DocumentKind, _ Options) (*types.ParserOutput, error) {
	data, err := readAll(ctx, blob)
	if err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		return nil, types.Permanent(types.CodeProcessingFailed, "missing %PDF header", nil)
	}

	var sb strings.Builder
	for _, s := range contentStreams(data) {
		body := s.body
		if s.flate {
			zr, err := zlib.NewReader(bytes.NewReader(body))
			if err != nil {
				continue
			}
			dec, err := io.ReadAll(zr)
			zr.Close()
			if err != nil {
				continue
			}
			body = dec
		}
		extractTextOps(body, &sb)
	}

	raw := strings.TrimSpace(sb.String())
	return &types.ParserOutput{
		RawText:    raw,
		Confidence: textDensityConfidence(len(raw)),
	}, nil
}

// textDensityConfidence scales confidence with how much text the parser
// recovered. Near-empty output scores 0.1, saturating at 0.95 around 4 KiB.
func textDensityConfidence(n int) float64 {
	if n == 0 {
		return 0.1
	}
	return 0.5 + 0.45*math.Min(1, float64(n)/4096)
}

type pdfStream struct {
	body  []byte
	flate bool
}

var (
	streamKw    = []byte("stream")
	endstreamKw = []byte("endstream")
	dictOpen    = []byte("<<")
	flateName   = []byte("/FlateDecode")
)

// contentStreams locates stream...endstream spans and whether their
// object dictionary declares a flate filter. A direct /Length value
// bounds the body exactly; otherwise the span runs to endstream with a
// single EOL trimmed, since compressed bodies may themselves end in EOL
// bytes.
func contentStreams(data []byte) []pdfStream {
	var out []pdfStream
	for off := 0; ; {
		i := bytes.Index(data[off:], streamKw)
		if i < 0 {
			return out
		}
		i += off
		off = i + len(streamKw)

		// Skip the "stream" inside "endstream".
		if i >= 3 && bytes.Equal(data[i-3:i+len(streamKw)], endstreamKw) {
			continue
		}

		// The keyword must be followed by an EOL before the body.
		bodyStart := i + len(streamKw)
		if bodyStart < len(data) && data[bodyStart] == '\r' {
			bodyStart++
		}
		if bodyStart >= len(data) || data[bodyStart] != '\n' {
			continue
		}
		bodyStart++

		dict := data[dictStart(data, i):i]

		var body []byte
		if n, ok := directLength(dict); ok && bodyStart+n <= len(data) {
			body = data[bodyStart : bodyStart+n]
			end := bytes.Index(data[bodyStart+n:], endstreamKw)
			if end < 0 {
				off = len(data)
			} else {
				off = bodyStart + n + end + len(endstreamKw)
			}
		} else {
			end := bytes.Index(data[bodyStart:], endstreamKw)
			if end < 0 {
				return out
			}
			end += bodyStart
			off = end + len(endstreamKw)
			body = trimOneEOL(data[bodyStart:end])
		}

		out = append(out, pdfStream{
			body:  body,
			flate: bytes.Contains(dict, flateName),
		})
	}
}

// dictStart finds the opening of the dictionary immediately preceding the
// stream keyword at position i.
func dictStart(data []byte, i int) int {
	j := bytes.LastIndex(data[:i], dictOpen)
	if j < 0 {
		return i
	}
	return j
}

// directLength extracts a direct integer /Length from a stream dictionary.
// Indirect references ("12 0 R") report not-ok.
func directLength(dict []byte) (int, bool) {
	j := bytes.Index(dict, []byte("/Length"))
	if j < 0 {
		return 0, false
	}
	rest := dict[j+len("/Length"):]
	k := 0
	for k < len(rest) && (rest[k] == ' ' || rest[k] == '\t' || rest[k] == '\r' || rest[k] == '\n') {
		k++
	}
	start := k
	for k < len(rest) && rest[k] >= '0' && rest[k] <= '9' {
		k++
	}
	if k == start {
		return 0, false
	}
	n, err := strconv.Atoi(string(rest[start:k]))
	if err != nil {
		return 0, false
	}
	// An indirect reference follows the number with a generation and R.
	tail := bytes.TrimLeft(rest[k:], " \t\r\n")
	if len(tail) >= 3 && tail[0] >= '0' && tail[0] <= '9' {
		return 0, false
	}
	return n, true
}

// trimOneEOL removes the single end-of-line marker preceding endstream.
func trimOneEOL(b []byte) []byte {
	if bytes.HasSuffix(b, []byte("\r\n")) {
		return b[:len(b)-2]
	}
	if len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		return b[:len(b)-1]
	}
	return b
}

// extractTextOps tokenizes a content stream and appends shown text.
// String operands are buffered and emitted when a show operator (Tj, ',
// ", TJ) consumes them; text positioning operators (Td, TD, T*) and ET
// become line breaks.
func extractTextOps(body []byte, sb *strings.Builder) {
	var pending []string // operands not yet consumed by an operator
	flush := func() {
		for _, s := range pending {
			if s != "" {
				sb.WriteString(s)
				sb.WriteByte(' ')
			}
		}
		pending = pending[:0]
	}

	i := 0
	for i < len(body) {
		c := body[i]
		switch {
		case c == '(':
			s, next := parseLiteralString(body, i)
			pending = append(pending, s)
			i = next
		case c == '<' && i+1 < len(body) && body[i+1] != '<':
			s, next := parseHexString(body, i)
			pending = append(pending, s)
			i = next
		case c == '<': // dictionary start, skip the marker
			i += 2
		case c == '[' || c == ']':
			i++
		case c == '\'' || c == '"':
			flush()
			i++
		case isRegular(c):
			j := i
			for j < len(body) && isRegular(body[j]) {
				j++
			}
			switch string(body[i:j]) {
			case "Tj", "TJ":
				flush()
			case "Td", "TD", "T*", "ET":
				pending = pending[:0]
				sb.WriteByte('\n')
			case "BT":
				pending = pending[:0]
			}
			i = j
		default:
			i++
		}
	}
}

// isRegular reports whether c can appear in an operator token.
func isRegular(c byte) bool {
	switch c {
	case ' ', '\t', '\r', '\n', '\f', '\x00', '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return false
	}
	return true
}

// parseLiteralString decodes a PDF literal string starting at the opening
// paren, handling escapes and balanced nested parens. Returns the decoded
// string and the index after the closing paren.
func parseLiteralString(body []byte, start int) (string, int) {
	var sb strings.Builder
	depth := 1
	i := start + 1
	for i < len(body) && depth > 0 {
		c := body[i]
		switch c {
		case '\\':
			if i+1 >= len(body) {
				return sb.String(), i + 1
			}
			i++
			switch e := body[i]; e {
			case 'n':
				sb.WriteByte('\n')
			case 'r':
				sb.WriteByte('\r')
			case 't':
				sb.WriteByte('\t')
			case 'b', 'f':
				// rarely meaningful in recovered text, drop
			case '(', ')', '\\':
				sb.WriteByte(e)
			case '\n':
				// line continuation
			case '\r':
				if i+1 < len(body) && body[i+1] == '\n' {
					i++
				}
			default:
				if e >= '0' && e <= '7' {
					v := int(e - '0')
					for k := 0; k < 2 && i+1 < len(body) && body[i+1] >= '0' && body[i+1] <= '7'; k++ {
						i++
						v = v*8 + int(body[i]-'0')
					}
					sb.WriteByte(byte(v))
				} else {
					sb.WriteByte(e)
				}
			}
			i++
		case '(':
			depth++
			sb.WriteByte(c)
			i++
		case ')':
			depth--
			if depth > 0 {
				sb.WriteByte(c)
			}
			i++
		default:
			sb.WriteByte(c)
			i++
		}
	}
	return sb.String(), i
}

// parseHexString decodes a <...> hex string. Returns the decoded string
// and the index after the closing angle bracket.
func parseHexString(body []byte, start int) (string, int) {
	var sb strings.Builder
	var hi byte
	have := false
	i := start + 1
	for i < len(body) && body[i] != '>' {
		c := body[i]
		var v byte
		switch {
		case c >= '0' && c <= '9':
			v = c - '0'
		case c >= 'a' && c <= 'f':
			v = c - 'a' + 10
		case c >= 'A' && c <= 'F':
			v = c - 'A' + 10
		default:
			i++
			continue
		}
		if have {
			sb.WriteByte(hi<<4 | v)
			have = false
		} else {
			hi = v
			have = true
		}
		i++
	}
	if have {
		sb.WriteByte(hi << 4)
	}
	if i < len(body) {
		i++
	}
	return sb.String(), i
}
