package contentstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/trailbound/kapp/pkg/types"
)

// FSStore stores content as sha256-addressed files under a root directory
type FSStore struct {
	root string
}

// NewFSStore creates a filesystem-backed content store
func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("failed to create content directory: %w", err)
	}
	return &FSStore{root: root}, nil
}

// Save writes the stream to a temp file, then renames it into its
// content-addressed location. A handle that already exists holds identical
// bytes, so re-saving is a no-op.
func (s *FSStore) Save(r io.Reader) (string, int64, error) {
	tmp, err := os.CreateTemp(s.root, ".upload-*")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), r)
	if err != nil {
		tmp.Close()
		return "", 0, fmt.Errorf("failed to write content: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("failed to close temp file: %w", err)
	}

	sum := hex.EncodeToString(hasher.Sum(nil))
	dir := filepath.Join(s.root, sum[:2])
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", 0, fmt.Errorf("failed to create shard directory: %w", err)
	}

	path := filepath.Join(dir, sum)
	if _, err := os.Stat(path); err == nil {
		return "file://" + path, size, nil
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", 0, fmt.Errorf("failed to persist content: %w", err)
	}

	return "file://" + path, size, nil
}

// Open returns a reader for the stored content
func (s *FSStore) Open(handle string) (io.ReadCloser, error) {
	scheme, path, err := splitHandle(handle)
	if err != nil {
		return nil, err
	}
	if scheme != "file" {
		return nil, fmt.Errorf("handle %q is not a file handle", handle)
	}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("content %s: %w", handle, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open content: %w", err)
	}
	return f, nil
}

// Delete removes the stored content. Absent content is not an error.
func (s *FSStore) Delete(handle string) error {
	scheme, path, err := splitHandle(handle)
	if err != nil {
		return err
	}
	if scheme != "file" {
		return fmt.Errorf("handle %q is not a file handle", handle)
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete content: %w", err)
	}
	return nil
}

// Close is a no-op for the filesystem backend
func (s *FSStore) Close() error {
	return nil
}
