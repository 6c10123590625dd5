package httpcache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prefix-dev/repodata-gateway/internal/conda"
)

// DiskCache is a Store backed by a local directory. Entries are
// content-addressed by the SHA-256 of their key (the request URL) so
// keys of arbitrary length and characters map to safe filenames.
//
// The atomic-write discipline (temp file in the target directory, then
// rename into place) is adapted from the teacher's
// internal/cache.FSStore.
type DiskCache struct {
	root string
}

// NewDiskCache returns a DiskCache rooted at dir, creating it if absent.
func NewDiskCache(dir string) (*DiskCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("httpcache: creating cache dir: %w", err)
	}
	return &DiskCache{root: dir}, nil
}

func (c *DiskCache) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	hexSum := hex.EncodeToString(sum[:])
	// Two-level fan-out keeps any single directory from accumulating one
	// file per cached URL, the same bound the sparse-index scheme applies
	// to shard files.
	return filepath.Join(c.root, hexSum[0:2], hexSum[2:]+".cache")
}

// Open implements Store. The policy is parsed up front; the returned
// Entry.Body is the still-open file positioned right after it, so a
// multi-megabyte shard body is streamed by the caller rather than read
// into memory here.
func (c *DiskCache) Open(key string) (*Entry, error) {
	f, err := os.Open(c.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("httpcache: %s: %w", key, conda.ErrNotFound)
		}
		return nil, fmt.Errorf("httpcache: opening cache entry: %w", err)
	}
	policy, err := readPolicy(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("httpcache: reading cache policy: %w", err)
	}
	return &Entry{Policy: policy, Body: f}, nil
}

// Create implements Store. Body bytes the caller writes go straight to a
// temp file in the same directory as the final path; Commit renames it
// into place, so a concurrent Open either sees the previous entry or the
// complete new one, never a torn write.
func (c *DiskCache) Create(key string, policy CachePolicy) (Writer, error) {
	dst := c.path(key)
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("httpcache: creating cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("httpcache: creating temp cache file: %w", err)
	}
	if err := writePolicy(tmp, policy); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("httpcache: writing cache policy: %w", err)
	}
	return &diskWriter{f: tmp, dst: dst}, nil
}

// diskWriter streams body bytes directly to the open temp file; nothing
// written through it is ever buffered in a []byte by this package.
type diskWriter struct {
	f   *os.File
	dst string
}

func (w *diskWriter) Write(p []byte) (int, error) {
	return w.f.Write(p)
}

func (w *diskWriter) Commit() error {
	if err := w.f.Close(); err != nil {
		os.Remove(w.f.Name())
		return fmt.Errorf("httpcache: closing cache file: %w", err)
	}
	return os.Rename(w.f.Name(), w.dst)
}

func (w *diskWriter) Abort() error {
	w.f.Close()
	return os.Remove(w.f.Name())
}
