package offset

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.etcd.io/bbolt"
)

const (
	bucketName = "offsets"
)

// BoltDBStore implements Store using BoltDB
type BoltDBStore struct {
	db *bbolt.DB
}

// NewBoltDBStore creates a new BoltDB offset store
func NewBoltDBStore(dbPath string) (*BoltDBStore, error) {
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		// A timeout here means another agent holds the file lock
		return nil, fmt.Errorf("failed to open boltdb (file may be locked by another process): %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	log.Info().
		Str("db_path", dbPath).
		Msg("BoltDB offset store initialized")

	return &BoltDBStore{db: db}, nil
}

// Get retrieves the offset for a given source
func (s *BoltDBStore) Get(ctx context.Context, symbol, path string) (int64, error) {
	var offset int64

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("bucket not found")
		}

		val := b.Get([]byte(makeKey(symbol, path)))
		if val == nil {
			return nil
		}

		if len(val) < 8 {
			return fmt.Errorf("invalid offset value")
		}

		offset = int64(binary.BigEndian.Uint64(val))
		return nil
	})

	if err != nil {
		return 0, fmt.Errorf("failed to get offset: %w", err)
	}

	return offset, nil
}

// Set stores the offset for a given source
func (s *BoltDBStore) Set(ctx context.Context, symbol, path string, offset int64) error {
	if offset < 0 {
		return fmt.Errorf("negative offset %d", offset)
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("bucket not found")
		}

		val := make([]byte, 8)
		binary.BigEndian.PutUint64(val, uint64(offset))

		return b.Put([]byte(makeKey(symbol, path)), val)
	})

	if err != nil {
		return fmt.Errorf("failed to set offset: %w", err)
	}

	log.Debug().
		Str("symbol", symbol).
		Str("path", path).
		Int64("offset", offset).
		Msg("Offset checkpointed")

	return nil
}

// Delete removes the offset for a given source
func (s *BoltDBStore) Delete(ctx context.Context, symbol, path string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("bucket not found")
		}
		return b.Delete([]byte(makeKey(symbol, path)))
	})

	if err != nil {
		return fmt.Errorf("failed to delete offset: %w", err)
	}

	return nil
}

// List returns all stored offsets
func (s *BoltDBStore) List(ctx context.Context) (map[string]int64, error) {
	result := make(map[string]int64)

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("bucket not found")
		}

		return b.ForEach(func(k, v []byte) error {
			if len(v) >= 8 {
				result[string(k)] = int64(binary.BigEndian.Uint64(v))
			}
			return nil
		})
	})

	if err != nil {
		return nil, fmt.Errorf("failed to list offsets: %w", err)
	}

	return result, nil
}

// Close closes the BoltDB database
func (s *BoltDBStore) Close() error {
	log.Info().Msg("Closing BoltDB offset store")
	return s.db.Close()
}

// makeKey creates a composite key from symbol and file path
func makeKey(symbol, path string) string {
	return fmt.Sprintf("%s:%s", symbol, path)
}
