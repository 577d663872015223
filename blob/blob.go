// Package blob stores immutable uploaded bytes, addressed by content
// hash. A job's blob reference never changes; re-processing re-reads
// the same bytes through the same locator.
package blob

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"time"

	"github.com/zeebo/blake3"

	"github.com/iv-ingestion/ingest/types"
)

// ErrNotFound is returned when a locator resolves to nothing.
var ErrNotFound = errors.New("blob not found")

// Meta is the sidecar metadata recorded with each stored blob.
type Meta struct {
	Size         int64     `msgpack:"size"`
	ContentType  string    `msgpack:"content_type"`
	OriginalName string    `msgpack:"original_name"`
	UploadedAt   time.Time `msgpack:"uploaded_at"`
}

// Store persists blobs by content hash.
//
// Put streams r to storage while hashing; identical content yields the
// same reference and is stored once. Open returns the bytes for a
// previously issued reference.
type Store interface {
	Put(ctx context.Context, r io.Reader, meta Meta) (types.BlobRef, error)
	Open(ctx context.Context, ref types.BlobRef) (io.ReadCloser, error)
	Stat(ctx context.Context, ref types.BlobRef) (Meta, error)
	Delete(ctx context.Context, ref types.BlobRef) error
}

// hashSum returns the hex blake3 digest accumulated by h.
func hashSum(h *blake3.Hasher) string {
	return hex.EncodeToString(h.Sum(nil))
}

// keyFor fans a hash out into a two-level directory layout to keep
// listings small: ab/cd/abcd....
func keyFor(hash string) (string, string, string) {
	return hash[:2], hash[2:4], hash
}
