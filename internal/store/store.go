package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"masquerade/internal/alias"
	"masquerade/internal/detect"
	"masquerade/internal/logger"
	"masquerade/internal/metrics"
)

// ErrEmptyValue is returned when a candidate's value normalizes to nothing.
var ErrEmptyValue = errors.New("empty candidate value")

// Options bounds the in-memory tier.
type Options struct {
	CacheSize int
	CacheTTL  time.Duration
}

// Store is the two-tier entity store. Reads go cache → KV; creation runs
// under a per-key mutex so concurrent callers detecting the same value in
// the same context always converge on one entity and one alias.
type Store struct {
	kv      KV
	cache   *entityCache
	aliases *alias.Generator
	locks   *keyedMutex

	// fallback takes over counter allocation when the durable KV errors,
	// so degraded creation still yields usable ordinals.
	fallback KV

	metrics *metrics.Metrics
	log     *logger.Logger
}

// New builds a Store over the given durable KV.
func New(kv KV, gen *alias.Generator, opts Options, m *metrics.Metrics, log *logger.Logger) *Store {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 10_000
	}
	return &Store{
		kv:       kv,
		cache:    newEntityCache(opts.CacheSize, opts.CacheTTL),
		aliases:  gen,
		locks:    newKeyedMutex(),
		fallback: NewMemoryKV(),
		metrics:  m,
		log:      log,
	}
}

// GetOrCreate returns the entity for (contextKey, candidate value),
// creating it if none exists.
//
// Lookup order is cache, then durable KV, then a locked creation path with
// a double-check so two concurrent first sightings of the same value never
// produce two aliases. A durable-store failure degrades to cache-only
// creation flagged via Metadata["degraded"], never an error to the caller.
func (s *Store) GetOrCreate(ctx context.Context, contextKey string, cand detect.Candidate) (*Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	normalized := detect.Normalize(cand.Value)
	if normalized == "" {
		return nil, ErrEmptyValue
	}
	key := entityKey(contextKey, normalized)

	if e, ok := s.cache.get(key); ok {
		s.metrics.RecordCacheHit(e.Type)
		return s.touch(key, e), nil
	}
	s.metrics.RecordCacheMiss(cand.Type)

	if e, err := s.load(key); err == nil {
		return s.touch(key, e), nil
	} else if !errors.Is(err, ErrKeyNotFound) {
		s.log.Warnf("lookup", "durable lookup failed for context %s: %v", contextKey, err)
	}

	s.locks.lock(key)
	defer s.locks.unlock(key)

	// Double-check: another caller may have created the entity while this
	// one waited on the lock.
	if e, ok := s.cache.get(key); ok {
		s.metrics.RecordCacheHit(e.Type)
		return s.touch(key, e), nil
	}
	if e, err := s.load(key); err == nil {
		return s.touch(key, e), nil
	}

	return s.create(contextKey, normalized, key, cand)
}

// Get returns the entity if it already exists, without creating one.
func (s *Store) Get(contextKey, value string) (*Entity, bool) {
	normalized := detect.Normalize(value)
	if normalized == "" {
		return nil, false
	}
	key := entityKey(contextKey, normalized)
	if e, ok := s.cache.get(key); ok {
		return e.clone(), true
	}
	e, err := s.load(key)
	if err != nil {
		return nil, false
	}
	s.cache.put(key, e)
	return e.clone(), true
}

// CachedEntities reports the number of entities resident in memory.
func (s *Store) CachedEntities() int {
	return s.cache.len()
}

// Close releases the durable backend.
func (s *Store) Close() error {
	return s.kv.Close()
}

// load reads and decodes an entity from the durable KV.
func (s *Store) load(key string) (*Entity, error) {
	data, err := s.kv.Get(BucketEntities, key)
	if err != nil {
		return nil, err
	}
	e, err := unmarshalEntity(data)
	if err != nil {
		return nil, fmt.Errorf("decode entity %q: %w", key, err)
	}
	return e, nil
}

// touch records a re-exposure: usage count up, last-seen refreshed. The
// durable write is best-effort and asynchronous, and touch runs outside
// the keyed mutex: two simultaneous cache hits may clone the same base
// entity and lose an increment. The count is approximate but monotonic;
// the alias mapping is never affected.
func (s *Store) touch(key string, e *Entity) *Entity {
	bumped := e.clone()
	bumped.UsageCount++
	bumped.LastSeenAt = time.Now()
	s.cache.put(key, bumped)
	s.metrics.RecordEntityReused(bumped.Type)

	if !bumped.Degraded() {
		go s.persist(key, bumped.clone())
	}
	return bumped.clone()
}

func (s *Store) persist(key string, e *Entity) {
	data, err := e.marshal()
	if err != nil {
		s.log.Errorf("write_back", "encode entity %s: %v", e.ID, err)
		return
	}
	if err := s.kv.Put(BucketEntities, key, data); err != nil {
		s.log.Warnf("write_back", "usage write-back failed for entity %s: %v", e.ID, err)
	}
}

// create allocates a new entity under the caller-held key lock.
func (s *Store) create(contextKey, normalized, key string, cand detect.Candidate) (*Entity, error) {
	degraded := false

	ordinal, err := s.nextOrdinal(contextKey, cand.Type)
	if err != nil {
		degraded = true
		ordinal, _ = s.fallback.Increment(BucketCounters, counterKey(contextKey, cand.Type)) //nolint:errcheck // memory backend cannot fail
		s.log.Warnf("degrade", "counter unavailable for context %s, degrading: %v", contextKey, err)
	}

	now := time.Now()
	e := &Entity{
		ID:              uuid.NewString(),
		ContextKey:      contextKey,
		OriginalValue:   cand.Value,
		NormalizedValue: normalized,
		Type:            cand.Type,
		Alias:           s.aliases.Alias(cand.Value, cand.Type, ordinal),
		Confidence:      cand.Confidence,
		CreatedAt:       now,
		LastSeenAt:      now,
		UsageCount:      1,
		Metadata:        map[string]string{"source": cand.Source},
	}

	if !degraded {
		data, err := e.marshal()
		if err != nil {
			return nil, fmt.Errorf("encode entity: %w", err)
		}
		switch err := s.kv.PutIfAbsent(BucketEntities, key, data); {
		case err == nil:
		case errors.Is(err, ErrKeyExists):
			// Raced with another process sharing the backend; its record wins.
			if existing, loadErr := s.load(key); loadErr == nil {
				return s.touch(key, existing), nil
			}
			return nil, fmt.Errorf("entity exists but cannot be read: %w", err)
		default:
			degraded = true
			s.log.Warnf("degrade", "durable insert failed for context %s, degrading: %v", contextKey, err)
		}
	}

	if degraded {
		e.Metadata["degraded"] = "true"
		s.metrics.StoreDegradations.Add(1)
	}

	s.cache.put(key, e)
	s.metrics.RecordEntityCreated(e.Type)
	return e.clone(), nil
}

// nextOrdinal atomically allocates the per-type, per-context 1-based
// ordinal the counter alias strategy needs. Other strategies skip the
// durable round-trip.
func (s *Store) nextOrdinal(contextKey string, typ detect.EntityType) (uint64, error) {
	if s.aliases.Strategy() != alias.StrategyCounter {
		return 0, nil
	}
	return s.kv.Increment(BucketCounters, counterKey(contextKey, typ))
}
