package store

import (
	"encoding/binary"
	"errors"
	"sync"
)

// Bucket names used across every KV backend.
const (
	BucketEntities = "entities"
	BucketCounters = "counters"
	BucketSessions = "sessions"
)

var (
	// ErrKeyNotFound is returned by Get when the key has no value.
	ErrKeyNotFound = errors.New("key not found")
	// ErrKeyExists is returned by PutIfAbsent when the key is already set.
	ErrKeyExists = errors.New("key already exists")
)

// KV is the durable storage contract. Any backend satisfying these
// primitives is interchangeable; PutIfAbsent and Increment must be atomic
// within the backend. All implementations are safe for concurrent use.
type KV interface {
	Get(bucket, key string) ([]byte, error)
	Put(bucket, key string, value []byte) error
	PutIfAbsent(bucket, key string, value []byte) error
	Increment(bucket, key string) (uint64, error)
	Close() error
}

// encodeCounter is the on-disk representation of Increment counters, shared
// by the bbolt and memory backends.
func encodeCounter(n uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	return buf
}

func decodeCounter(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// --- memoryKV ------------------------------------------------------------

// memoryKV is an in-memory KV used in tests and as the fallback when no
// durable path is configured. Contents do not survive a restart.
type memoryKV struct {
	mu      sync.RWMutex
	buckets map[string]map[string][]byte
}

// NewMemoryKV returns an empty in-memory KV.
func NewMemoryKV() KV {
	return &memoryKV{buckets: make(map[string]map[string][]byte)}
}

func (m *memoryKV) Get(bucket, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.buckets[bucket][key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *memoryKV) Put(bucket, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bucket(bucket)[key] = append([]byte(nil), value...)
	return nil
}

func (m *memoryKV) PutIfAbsent(bucket, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.bucket(bucket)
	if _, ok := b[key]; ok {
		return ErrKeyExists
	}
	b[key] = append([]byte(nil), value...)
	return nil
}

func (m *memoryKV) Increment(bucket, key string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.bucket(bucket)
	n := decodeCounter(b[key]) + 1
	b[key] = encodeCounter(n)
	return n, nil
}

func (m *memoryKV) Close() error { return nil }

// bucket returns the named bucket, creating it if needed.
// Must be called with m.mu held for writing.
func (m *memoryKV) bucket(name string) map[string][]byte {
	b, ok := m.buckets[name]
	if !ok {
		b = make(map[string][]byte)
		m.buckets[name] = b
	}
	return b
}
