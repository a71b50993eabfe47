package attachment

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
)

// BlobStore holds attachment content addressed by its hash.
type BlobStore interface {
	// Put stores data. created is false when the blob already existed.
	Put(data []byte) (ref string, created bool, err error)
	Open(ref string) (io.ReadCloser, error)
	Path(ref string) (string, error)
	Delete(ref string) error
}

// FSStore is a BlobStore on the local filesystem. Content lives at
// dir/<first two hex chars>/<blake3 hex>; identical uploads share a file.
type FSStore struct {
	dir string
}

// NewFSStore creates the blob directory if needed.
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("attachment: create blob dir: %w", err)
	}
	return &FSStore{dir: dir}, nil
}

// Ref returns the content address of data.
func Ref(data []byte) string {
	h := blake3.New()
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Put stores data and returns its ref.
func (s *FSStore) Put(data []byte) (string, bool, error) {
	ref := Ref(data)
	path, err := s.Path(ref)
	if err != nil {
		return "", false, err
	}
	if _, err := os.Stat(path); err == nil {
		return ref, false, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", false, fmt.Errorf("attachment: create shard dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return "", false, fmt.Errorf("attachment: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", false, fmt.Errorf("attachment: write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", false, fmt.Errorf("attachment: close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", false, fmt.Errorf("attachment: commit blob: %w", err)
	}
	return ref, true, nil
}

// Open returns a reader for the blob.
func (s *FSStore) Open(ref string) (io.ReadCloser, error) {
	path, err := s.Path(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("attachment: open blob %s: %w", ref, err)
	}
	return f, nil
}

// Path returns the file holding the blob. Refs that are not a blake3 hex
// digest are rejected.
func (s *FSStore) Path(ref string) (string, error) {
	if b, err := hex.DecodeString(ref); err != nil || len(b) != 32 {
		return "", fmt.Errorf("attachment: invalid blob ref %q", ref)
	}
	return filepath.Join(s.dir, ref[:2], ref), nil
}

// Delete removes the blob. A missing blob is not an error.
func (s *FSStore) Delete(ref string) error {
	path, err := s.Path(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("attachment: delete blob %s: %w", ref, err)
	}
	return nil
}
