// Package parser turns uploaded document blobs into text and candidate
// field fragments for extraction. Concrete parsers are registered per
// document kind; the registry also chains the image parser behind
// text-poor PDFs.
package parser

import (
	"context"
	"fmt"
	"io"

	"github.com/iv-ingestion/ingest/iox"
	"github.com/iv-ingestion/ingest/log"
	"github.com/iv-ingestion/ingest/types"
)

// Options tunes a parse invocation.
type Options struct {
	// OCRTextThreshold is the raw text length below which a parsed PDF is
	// considered image-heavy and chained through the image parser. Zero
	// disables the fallback.
	OCRTextThreshold int

	// MaxBytes caps how much of the blob a parser will read. Zero means
	// no cap beyond what upload limits already enforced.
	MaxBytes int64
}

// OpenFunc reopens the source blob. The registry may call it more than
// once for fallback chaining; each call returns an independent reader.
type OpenFunc func(ctx context.Context) (io.ReadCloser, error)

// Parser extracts text from one family of document formats.
type Parser interface {
	// Parse reads the blob and returns recovered text and fragments.
	// Parsers never mutate the input and stream where the format allows.
	Parse(ctx context.Context, blob io.Reader, kind types.DocumentKind, opts Options) (*types.ParserOutput, error)

	// Kinds lists the document kinds this parser handles.
	Kinds() []types.DocumentKind
}

// Registry routes document kinds to parsers.
type Registry struct {
	byKind map[types.DocumentKind]Parser
	logger *log.Logger
}

// NewRegistry returns a registry with the built-in parsers registered:
// textpdf for PDFs, the image annotation parser for image kinds, docx for
// Word documents, and sheet for spreadsheets.
func NewRegistry(logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Nop()
	}
	r := &Registry{
		byKind: make(map[types.DocumentKind]Parser),
		logger: logger.Named("parser"),
	}
	r.Register(NewTextPDF())
	r.Register(NewImageText())
	r.Register(NewDocx())
	r.Register(NewSheet())
	return r
}

// Register routes every kind the parser reports to it. Registering a
// parser for an already-routed kind replaces the earlier route, so later
// registrations win.
func (r *Registry) Register(p Parser) {
	for _, k := range p.Kinds() {
		r.byKind[k] = p
	}
}

// Lookup returns the parser for kind. An unrouted kind is a permanent
// error; no parser runs.
func (r *Registry) Lookup(kind types.DocumentKind) (Parser, error) {
	p, ok := r.byKind[kind]
	if !ok {
		return nil, types.Permanent(types.CodeUnsupportedKind,
			fmt.Sprintf("no parser registered for kind %q", kind), nil)
	}
	return p, nil
}

// Parse routes the blob to its parser and, for PDFs whose recovered text
// is shorter than the OCR threshold, chains the image parser over the
// same blob and merges the outputs. A failed fallback keeps the primary
// output rather than failing the parse.
func (r *Registry) Parse(ctx context.Context, open OpenFunc, kind types.DocumentKind, opts Options) (*types.ParserOutput, error) {
	p, err := r.Lookup(kind)
	if err != nil {
		return nil, err
	}

	out, err := r.parseOnce(ctx, p, open, kind, opts)
	if err != nil {
		return nil, err
	}

	if kind == types.KindPDF && opts.OCRTextThreshold > 0 && len(out.RawText) < opts.OCRTextThreshold {
		fallback, ok := r.byKind[types.KindPNG]
		if ok && fallback != p {
			r.logger.Debug("chaining image parser for text-poor pdf", map[string]any{
				"text_len":  len(out.RawText),
				"threshold": opts.OCRTextThreshold,
			})
			ocrOut, ferr := r.parseOnce(ctx, fallback, open, kind, opts)
			if ferr != nil {
				r.logger.Warn("image fallback failed, keeping primary output", map[string]any{
					"error": ferr.Error(),
				})
			} else {
				out.Merge(ocrOut)
			}
		}
	}
	return out, nil
}

func (r *Registry) parseOnce(ctx context.Context, p Parser, open OpenFunc, kind types.DocumentKind, opts Options) (*types.ParserOutput, error) {
	blob, err := open(ctx)
	if err != nil {
		return nil, types.Transient(types.CodeProcessingFailed, "open blob for parse", err)
	}
	defer iox.DiscardClose(blob)

	var src io.Reader = blob
	if opts.MaxBytes > 0 {
		src = io.LimitReader(blob, opts.MaxBytes)
	}
	out, err := p.Parse(ctx, src, kind, opts)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = &types.ParserOutput{}
	}
	return out, nil
}

// readAll drains the source honoring context cancellation between chunks.
// Document formats with central directories (zip) or trailing structure
// (PDF xref) need the whole input.
func readAll(ctx context.Context, src io.Reader) ([]byte, error) {
	var buf []byte
	chunk := make([]byte, 64*1024)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := src.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if err == io.EOF {
			return buf, nil
		}
		if err != nil {
			return nil, types.Transient(types.CodeProcessingFailed, "read blob", err)
		}
	}
}
