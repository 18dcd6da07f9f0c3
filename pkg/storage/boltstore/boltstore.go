// Package boltstore implements the storage.Store contract on top of
// go.etcd.io/bbolt, adapted from the teacher repo's bucket-per-entity
// BoltDB layout (pkg/storage/boltdb.go): here the bucket key is the map
// name instead of a fixed entity type, created lazily on first write.
package boltstore

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/driftdb/driftdb/pkg/storage"
)

// BoltStore implements storage.Store using a single BoltDB file with one
// bucket per map name.
type BoltStore struct {
	db *bolt.DB

	mu      sync.Mutex
	buckets map[string]struct{}
}

// New opens (creating if necessary) a BoltDB file under dataDir.
func New(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "driftdb.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("boltstore: open database: %w", err)
	}

	return &BoltStore{db: db, buckets: make(map[string]struct{})}, nil
}

func (s *BoltStore) ensureBucket(tx *bolt.Tx, mapName string) (*bolt.Bucket, error) {
	return tx.CreateBucketIfNotExists([]byte(mapName))
}

func (s *BoltStore) Load(_ context.Context, mapName, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(mapName))
		if b == nil {
			return nil
		}
		v := b.Get([]byte(key))
		if v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) LoadAll(_ context.Context, mapName string, keys []string) (map[string][]byte, error) {
	result := make(map[string][]byte, len(keys))
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(mapName))
		if b == nil {
			return nil
		}
		for _, k := range keys {
			v := b.Get([]byte(k))
			if v != nil {
				result[k] = append([]byte(nil), v...)
			}
		}
		return nil
	})
	return result, err
}

func (s *BoltStore) LoadAllKeys(_ context.Context, mapName string) ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(mapName))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

func (s *BoltStore) Store(_ context.Context, mapName, key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.ensureBucket(tx, mapName)
		if err != nil {
			return fmt.Errorf("boltstore: create bucket %s: %w", mapName, err)
		}
		return b.Put([]byte(key), value)
	})
}

func (s *BoltStore) Delete(_ context.Context, mapName, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(mapName))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

var _ storage.Store = (*BoltStore)(nil)
