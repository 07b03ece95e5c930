package contentstore

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/trailbound/kapp/pkg/types"
)

var bucketContent = []byte("content")

// BoltStore stores content blobs in a single bbolt file, keyed by sha256
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a bbolt-backed content store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "content.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketContent)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Save persists the stream under its sha256 key
func (s *BoltStore) Save(r io.Reader) (string, int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", 0, fmt.Errorf("failed to read content: %w", err)
	}

	sum := sha256.Sum256(data)
	key := hex.EncodeToString(sum[:])

	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketContent)
		if b.Get([]byte(key)) != nil {
			return nil // identical bytes already stored
		}
		return b.Put([]byte(key), data)
	})
	if err != nil {
		return "", 0, fmt.Errorf("failed to store content: %w", err)
	}

	return "bolt://" + key, int64(len(data)), nil
}

// Open returns a reader over the stored blob
func (s *BoltStore) Open(handle string) (io.ReadCloser, error) {
	scheme, key, err := splitHandle(handle)
	if err != nil {
		return nil, err
	}
	if scheme != "bolt" {
		return nil, fmt.Errorf("handle %q is not a bolt handle", handle)
	}

	var data []byte
	err = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketContent).Get([]byte(key))
		if v == nil {
			return fmt.Errorf("content %s: %w", handle, types.ErrNotFound)
		}
		data = make([]byte, len(v))
		copy(data, v)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return io.NopCloser(bytes.NewReader(data)), nil
}

// Delete removes the blob. Absent content is not an error.
func (s *BoltStore) Delete(handle string) error {
	scheme, key, err := splitHandle(handle)
	if err != nil {
		return err
	}
	if scheme != "bolt" {
		return fmt.Errorf("handle %q is not a bolt handle", handle)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContent).Delete([]byte(key))
	})
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}
