package blob

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/zeebo/blake3"

	"github.com/iv-ingestion/ingest/iox"
	"github.com/iv-ingestion/ingest/types"
)

// FSStore keeps blobs on the local filesystem under a root directory,
// fanned out by hash prefix, with a msgpack .meta sidecar per blob.
// Writes spool to a temp file and land with an atomic rename.
type FSStore struct {
	root string
	tmp  string
}

// NewFS creates the root and spool directories if needed.
func NewFS(root string) (*FSStore, error) {
	tmp := filepath.Join(root, ".tmp")
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return nil, fmt.Errorf("blob root %q: %w", root, err)
	}
	return &FSStore{root: root, tmp: tmp}, nil
}

// Put streams r into the store, hashing as it copies. Content already
// present is not rewritten; the existing blob is referenced.
func (s *FSStore) Put(ctx context.Context, r io.Reader, meta Meta) (types.BlobRef, error) {
	if err := ctx.Err(); err != nil {
		return types.BlobRef{}, err
	}

	spool, err := os.CreateTemp(s.tmp, "put-*")
	if err != nil {
		return types.BlobRef{}, fmt.Errorf("blob spool: %w", err)
	}
	spoolPath := spool.Name()
	defer func() { _ = os.Remove(spoolPath) }()

	h := blake3.New()
	n, err := io.Copy(spool, io.TeeReader(r, h))
	if cerr := spool.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return types.BlobRef{}, fmt.Errorf("blob write: %w", err)
	}

	hash := hashSum(h)
	a, b, name := keyFor(hash)
	dir := filepath.Join(s.root, a, b)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return types.BlobRef{}, fmt.Errorf("blob dir: %w", err)
	}

	final := filepath.Join(dir, name)
	if _, statErr := os.Stat(final); statErr != nil {
		if err := os.Rename(spoolPath, final); err != nil {
			return types.BlobRef{}, fmt.Errorf("blob commit: %w", err)
		}
	}

	meta.Size = n
	enc, err := msgpack.Marshal(&meta)
	if err != nil {
		return types.BlobRef{}, fmt.Errorf("blob meta encode: %w", err)
	}
	if err := os.WriteFile(final+".meta", enc, 0o644); err != nil {
		return types.BlobRef{}, fmt.Errorf("blob meta write: %w", err)
	}

	locator := filepath.ToSlash(filepath.Join(a, b, name))
	return types.BlobRef{Hash: hash, Locator: locator, Size: n}, nil
}

// Open returns the stored bytes for ref.
func (s *FSStore) Open(ctx context.Context, ref types.BlobRef) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(s.root, filepath.FromSlash(ref.Locator)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blob open: %w", err)
	}
	return f, nil
}

// Stat reads the sidecar metadata for ref.
func (s *FSStore) Stat(ctx context.Context, ref types.BlobRef) (Meta, error) {
	if err := ctx.Err(); err != nil {
		return Meta{}, err
	}
	raw, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(ref.Locator)) + ".meta")
	if err != nil {
		if os.IsNotExist(err) {
			return Meta{}, ErrNotFound
		}
		return Meta{}, fmt.Errorf("blob meta read: %w", err)
	}
	var meta Meta
	if err := msgpack.Unmarshal(raw, &meta); err != nil {
		return Meta{}, fmt.Errorf("blob meta decode: %w", err)
	}
	return meta, nil
}

// Delete removes the blob and its sidecar. Missing blobs are not an
// error.
func (s *FSStore) Delete(ctx context.Context, ref types.BlobRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := filepath.Join(s.root, filepath.FromSlash(ref.Locator))
	iox.DiscardErr(func() error { return os.Remove(path + ".meta") })
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blob delete: %w", err)
	}
	return nil
}

// Verify FSStore implements Store.
var _ Store = (*FSStore)(nil)
