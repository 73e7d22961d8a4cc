package store

import (
	"fmt"
	"log"

	bolt "go.etcd.io/bbolt"
)

// bboltKV is the production KV backend: a single embedded bbolt file.
// Buckets are created up front so the transaction bodies stay simple.
type bboltKV struct {
	db *bolt.DB
}

// NewBboltKV opens (or creates) the bbolt database at path and ensures all
// buckets exist.
func NewBboltKV(path string) (KV, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open bbolt store %q: %w", path, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{BucketEntities, BucketCounters, BucketSessions} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close() //nolint:errcheck // best-effort close on init failure
		return nil, fmt.Errorf("create bbolt buckets: %w", err)
	}

	log.Printf("[STORE] bbolt store opened at %s", path)
	return &bboltKV{db: db}, nil
}

func (s *bboltKV) Get(bucket, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return ErrKeyNotFound
		}
		v := b.Get([]byte(key))
		if v == nil {
			return ErrKeyNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *bboltKV) Put(bucket, key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucket)
		}
		return b.Put([]byte(key), value)
	})
}

// PutIfAbsent is atomic: the existence check and the write share one
// read-write transaction.
func (s *bboltKV) PutIfAbsent(bucket, key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucket)
		}
		if b.Get([]byte(key)) != nil {
			return ErrKeyExists
		}
		return b.Put([]byte(key), value)
	})
}

func (s *bboltKV) Increment(bucket, key string) (uint64, error) {
	var n uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucket)
		}
		n = decodeCounter(b.Get([]byte(key))) + 1
		return b.Put([]byte(key), encodeCounter(n))
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *bboltKV) Close() error {
	return s.db.Close()
}
