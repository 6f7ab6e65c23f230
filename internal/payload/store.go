// Package payload implements the content-addressed blob store behind the
// landscape. Records hold only hashes; the bytes live here and may be
// purged later without invalidating the audit trail.
package payload

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/vsavkov/elspeth/internal/canonical"
)

// ErrMissing is returned by Get for a reference whose payload has been
// purged (or never stored). Callers must treat this as a distinct state
// from "record missing": the hash in the audit record remains valid.
var ErrMissing = errors.New("payload: missing")

// Store persists blobs addressed by their SHA-256. Concurrent writers of
// the same content collapse to one persisted blob.
type Store interface {
	// Put persists b and returns its reference (the hex SHA-256).
	Put(b []byte) (string, error)
	// Get returns the blob for ref, or ErrMissing after purge.
	Get(ref string) ([]byte, error)
	// Purge removes the blob for ref. Purging an absent ref is a no-op.
	Purge(ref string) error
	// Refs lists all stored references in lexicographic order.
	Refs() ([]string, error)
}

// MemoryStore is the in-memory store used by tests and dry runs.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: map[string][]byte{}}
}

func (s *MemoryStore) Put(b []byte) (string, error) {
	ref := canonical.HashBytes(b)
	cp := make([]byte, len(b))
	copy(cp, b)
	s.mu.Lock()
	s.blobs[ref] = cp
	s.mu.Unlock()
	return ref, nil
}

func (s *MemoryStore) Get(ref string) ([]byte, error) {
	s.mu.RLock()
	b, ok := s.blobs[ref]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissing, ref)
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp, nil
}

func (s *MemoryStore) Purge(ref string) error {
	s.mu.Lock()
	delete(s.blobs, ref)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Refs() ([]string, error) {
	s.mu.RLock()
	refs := make([]string, 0, len(s.blobs))
	for ref := range s.blobs {
		refs = append(refs, ref)
	}
	s.mu.RUnlock()
	sort.Strings(refs)
	return refs, nil
}

// FileStore keeps blobs under root, one file per reference, with a BLAKE3
// sidecar checksum. The SHA-256 address is the audit identity; the sidecar
// catches on-disk corruption on read without recomputing the (slower)
// audit hash.
type FileStore struct {
	root string
	mu   sync.Mutex
}

func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) blobPath(ref string) string {
	return filepath.Join(s.root, ref)
}

func (s *FileStore) sumPath(ref string) string {
	return filepath.Join(s.root, ref+".b3")
}

func (s *FileStore) Put(b []byte) (string, error) {
	ref := canonical.HashBytes(b)
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.blobPath(ref)
	if _, err := os.Stat(path); err == nil {
		// Same content already persisted; content addressing makes the
		// second write a no-op.
		return ref, nil
	}

	sum := blake3.Sum256(b)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return "", fmt.Errorf("payload: %w", err)
	}
	if err := os.WriteFile(s.sumPath(ref), sum[:], 0o644); err != nil {
		return "", fmt.Errorf("payload: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("payload: %w", err)
	}
	return ref, nil
}

func (s *FileStore) Get(ref string) ([]byte, error) {
	b, err := os.ReadFile(s.blobPath(ref))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrMissing, ref)
		}
		return nil, fmt.Errorf("payload: %w", err)
	}
	want, err := os.ReadFile(s.sumPath(ref))
	if err == nil {
		got := blake3.Sum256(b)
		if string(got[:]) != string(want) {
			return nil, fmt.Errorf("payload: checksum mismatch for %s", ref)
		}
	}
	return b, nil
}

func (s *FileStore) Purge(ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.blobPath(ref)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("payload: %w", err)
	}
	if err := os.Remove(s.sumPath(ref)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("payload: %w", err)
	}
	return nil
}

func (s *FileStore) Refs() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}
	var refs []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != "" {
			continue
		}
		refs = append(refs, name)
	}
	sort.Strings(refs)
	return refs, nil
}
