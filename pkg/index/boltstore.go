package index

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketPaths = []byte("paths")

// BoltConfig configures the BoltDB-backed store.
type BoltConfig struct {
	Path    string
	Timeout time.Duration
}

// BoltStore persists the set as the keys of one bucket.
type BoltStore struct {
	cfg BoltConfig
	db  *bolt.DB
}

// NewBoltStore opens (or creates) the database at cfg.Path.
func NewBoltStore(cfg BoltConfig) (*BoltStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("boltdb: path is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 1 * time.Second
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("boltdb: mkdir: %w", err)
	}
	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: cfg.Timeout})
	if err != nil {
		return nil, fmt.Errorf("boltdb: open: %w", err)
	}
	store := &BoltStore{cfg: cfg, db: db}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPaths)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("boltdb: create bucket %s: %w", bucketPaths, err)
	}
	return store, nil
}

func (b *BoltStore) Load(ctx context.Context) ([]string, error) {
	var paths []string
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketPaths)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, _ []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			paths = append(paths, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("boltdb: load: %w", err)
	}
	return paths, nil
}

// Save rewrites the bucket in a single transaction.
func (b *BoltStore) Save(ctx context.Context, paths []string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketPaths); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		bucket, err := tx.CreateBucket(bucketPaths)
		if err != nil {
			return err
		}
		for _, p := range paths {
			if p == "" {
				continue
			}
			if err := bucket.Put([]byte(p), []byte{}); err != nil {
				return err
			}
		}
		return ctx.Err()
	})
	if err != nil {
		return fmt.Errorf("boltdb: save: %w", err)
	}
	return nil
}

func (b *BoltStore) Remove(ctx context.Context) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketPaths); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucket(bucketPaths)
		return err
	})
	if err != nil {
		return fmt.Errorf("boltdb: remove: %w", err)
	}
	return nil
}

// Close releases the database file lock.
func (b *BoltStore) Close() error {
	return b.db.Close()
}
