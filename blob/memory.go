package blob

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/iv-ingestion/ingest/types"
)

// MemStore holds blobs in process memory. For tests and ephemeral runs.
type MemStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
	metas map[string]Meta
}

// NewMemory returns an empty in-memory store.
func NewMemory() *MemStore {
	return &MemStore{
		blobs: make(map[string][]byte),
		metas: make(map[string]Meta),
	}
}

// Put reads r fully into memory and indexes it by content hash.
func (s *MemStore) Put(ctx context.Context, r io.Reader, meta Meta) (types.BlobRef, error) {
	if err := ctx.Err(); err != nil {
		return types.BlobRef{}, err
	}
	h := blake3.New()
	data, err := io.ReadAll(io.TeeReader(r, h))
	if err != nil {
		return types.BlobRef{}, err
	}
	hash := hashSum(h)
	meta.Size = int64(len(data))

	s.mu.Lock()
	s.blobs[hash] = data
	s.metas[hash] = meta
	s.mu.Unlock()

	return types.BlobRef{Hash: hash, Locator: hash, Size: int64(len(data))}, nil
}

// Open returns a reader over the stored copy.
func (s *MemStore) Open(ctx context.Context, ref types.BlobRef) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	data, ok := s.blobs[ref.Locator]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Stat returns the recorded metadata.
func (s *MemStore) Stat(ctx context.Context, ref types.BlobRef) (Meta, error) {
	if err := ctx.Err(); err != nil {
		return Meta{}, err
	}
	s.mu.RLock()
	meta, ok := s.metas[ref.Locator]
	s.mu.RUnlock()
	if !ok {
		return Meta{}, ErrNotFound
	}
	return meta, nil
}

// Delete drops the blob.
func (s *MemStore) Delete(ctx context.Context, ref types.BlobRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.blobs, ref.Locator)
	delete(s.metas, ref.Locator)
	s.mu.Unlock()
	return nil
}

// Verify MemStore implements Store.
var _ Store = (*MemStore)(nil)
