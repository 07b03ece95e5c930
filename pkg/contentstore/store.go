package contentstore

import (
	"fmt"
	"io"
	"strings"

	"github.com/trailbound/kapp/pkg/config"
)

// Store defines the interface for immutable content blob storage.
// Handles are opaque URL-like strings (file://, bolt://, s3://) stable for
// the lifetime of the asset referencing them.
type Store interface {
	// Save persists the stream and returns a dereferenceable handle and
	// the number of bytes written. Content is immutable once saved.
	Save(r io.Reader) (handle string, size int64, err error)

	// Open returns a replayable byte stream for the handle.
	// Returns types.ErrNotFound if the content is absent.
	Open(handle string) (io.ReadCloser, error)

	// Delete removes the content. Idempotent; absent content is not an
	// error.
	Delete(handle string) error

	// Close releases backend resources.
	Close() error
}

// New creates a content store for the configured backend
func New(cfg *config.Config) (Store, error) {
	switch cfg.ContentBackend {
	case "fs":
		return NewFSStore(cfg.ContentDir)
	case "bolt":
		return NewBoltStore(cfg.ContentDir)
	case "s3":
		return NewS3Store(cfg.ContentBucket, cfg.S3Region)
	default:
		return nil, fmt.Errorf("unknown content backend: %s", cfg.ContentBackend)
	}
}

// splitHandle separates a handle into scheme and path
func splitHandle(handle string) (scheme, rest string, err error) {
	idx := strings.Index(handle, "://")
	if idx <= 0 {
		return "", "", fmt.Errorf("malformed content handle: %q", handle)
	}
	return handle[:idx], handle[idx+3:], nil
}
