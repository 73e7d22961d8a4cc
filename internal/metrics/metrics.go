// Package metrics provides lightweight, lock-minimal performance counters
// for the redaction service.
//
// Counters use sync/atomic so hot paths (request handling, entity lookup)
// incur no mutex contention. Latency statistics use a single mutex per
// dimension; they are updated at most once per request.
package metrics

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"masquerade/internal/detect"
)

// Metrics holds all runtime counters for a running service instance.
// The zero value is NOT valid for the per-type counter maps — use New().
type Metrics struct {
	// Request counters
	RequestsTotal     atomic.Int64
	RequestsSucceeded atomic.Int64
	RequestsFailed    atomic.Int64
	RequestsDegraded  atomic.Int64

	// Entity volume
	Redactions atomic.Int64 // individual substitutions applied

	// Per-type entity and cache counters.
	// Maps are written only in New(); concurrent reads are safe without a lock.
	entitiesCreated map[detect.EntityType]*atomic.Int64
	entitiesReused  map[detect.EntityType]*atomic.Int64
	cacheHits       map[detect.EntityType]*atomic.Int64
	cacheMisses     map[detect.EntityType]*atomic.Int64

	// External detector counters
	ExternalDispatches atomic.Int64 // calls handed to the external detector
	ExternalErrors     atomic.Int64 // calls that returned unavailable
	ExternalFallbacks  atomic.Int64 // requests completed pattern-only

	// Store health
	StoreDegradations atomic.Int64 // entity creations while the KV was unreachable

	// Latency statistics (mutex-guarded because they accumulate floats)
	redactMu   sync.Mutex
	redactStat latencyStats

	externalMu   sync.Mutex
	externalStat latencyStats

	startTime time.Time
}

// New returns a new Metrics with the start time recorded and per-type
// counter maps pre-populated for all known entity types.
func New() *Metrics {
	m := &Metrics{
		startTime:       time.Now(),
		entitiesCreated: make(map[detect.EntityType]*atomic.Int64, len(detect.KnownTypes)),
		entitiesReused:  make(map[detect.EntityType]*atomic.Int64, len(detect.KnownTypes)),
		cacheHits:       make(map[detect.EntityType]*atomic.Int64, len(detect.KnownTypes)),
		cacheMisses:     make(map[detect.EntityType]*atomic.Int64, len(detect.KnownTypes)),
	}
	for _, t := range detect.KnownTypes {
		m.entitiesCreated[t] = new(atomic.Int64)
		m.entitiesReused[t] = new(atomic.Int64)
		m.cacheHits[t] = new(atomic.Int64)
		m.cacheMisses[t] = new(atomic.Int64)
	}
	return m
}

// RecordEntityCreated increments the creation counter for the given type.
// Unknown types are silently ignored.
func (m *Metrics) RecordEntityCreated(typ detect.EntityType) {
	if c, ok := m.entitiesCreated[typ]; ok {
		c.Add(1)
	}
}

// RecordEntityReused increments the reuse counter for the given type.
func (m *Metrics) RecordEntityReused(typ detect.EntityType) {
	if c, ok := m.entitiesReused[typ]; ok {
		c.Add(1)
	}
}

// RecordCacheHit increments the cache-hit counter for the given type.
func (m *Metrics) RecordCacheHit(typ detect.EntityType) {
	if c, ok := m.cacheHits[typ]; ok {
		c.Add(1)
	}
}

// RecordCacheMiss increments the cache-miss counter for the given type.
func (m *Metrics) RecordCacheMiss(typ detect.EntityType) {
	if c, ok := m.cacheMisses[typ]; ok {
		c.Add(1)
	}
}

// RecordRedactLatency records the duration of one full redaction pass.
func (m *Metrics) RecordRedactLatency(d time.Duration) {
	m.redactMu.Lock()
	m.redactStat.record(float64(d.Microseconds()) / 1000.0)
	m.redactMu.Unlock()
}

// RecordExternalLatency records the round-trip time of one external
// detector call.
func (m *Metrics) RecordExternalLatency(d time.Duration) {
	m.externalMu.Lock()
	m.externalStat.record(float64(d.Microseconds()) / 1000.0)
	m.externalMu.Unlock()
}

// Snapshot returns a point-in-time copy of all metrics, safe for JSON encoding.
func (m *Metrics) Snapshot() Snapshot {
	m.redactMu.Lock()
	redact := m.redactStat.snapshot()
	m.redactMu.Unlock()

	m.externalMu.Lock()
	external := m.externalStat.snapshot()
	m.externalMu.Unlock()

	return Snapshot{
		Requests: RequestSnapshot{
			Total:     m.RequestsTotal.Load(),
			Succeeded: m.RequestsSucceeded.Load(),
			Failed:    m.RequestsFailed.Load(),
			Degraded:  m.RequestsDegraded.Load(),
		},
		Entities: EntitySnapshot{
			Redactions:  m.Redactions.Load(),
			Created:     collect(m.entitiesCreated),
			Reused:      collect(m.entitiesReused),
			CacheHits:   collect(m.cacheHits),
			CacheMisses: collect(m.cacheMisses),
		},
		External: ExternalSnapshot{
			Dispatches: m.ExternalDispatches.Load(),
			Errors:     m.ExternalErrors.Load(),
			Fallbacks:  m.ExternalFallbacks.Load(),
		},
		StoreDegradations: m.StoreDegradations.Load(),
		Latency: LatencyGroup{
			RedactionMs: redact,
			ExternalMs:  external,
		},
		UptimeSecs: time.Since(m.startTime).Seconds(),
	}
}

// collect copies the non-zero counters out of a per-type map.
func collect(counters map[detect.EntityType]*atomic.Int64) map[string]int64 {
	out := make(map[string]int64, len(counters))
	for t, c := range counters {
		if n := c.Load(); n > 0 {
			out[string(t)] = n
		}
	}
	return out
}

// --- JSON-serialisable snapshot types ---

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Requests          RequestSnapshot  `json:"requests"`
	Entities          EntitySnapshot   `json:"entities"`
	External          ExternalSnapshot `json:"external"`
	StoreDegradations int64            `json:"storeDegradations"`
	Latency           LatencyGroup     `json:"latency"`
	UptimeSecs        float64          `json:"uptimeSecs"`
}

// RequestSnapshot holds request-level counters.
type RequestSnapshot struct {
	Total     int64 `json:"total"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Degraded  int64 `json:"degraded"`
}

// EntitySnapshot holds entity volume and cache effectiveness counters.
// Per-type maps only list types with non-zero counts.
type EntitySnapshot struct {
	Redactions  int64            `json:"redactions"`
	Created     map[string]int64 `json:"created,omitempty"`
	Reused      map[string]int64 `json:"reused,omitempty"`
	CacheHits   map[string]int64 `json:"cacheHits,omitempty"`
	CacheMisses map[string]int64 `json:"cacheMisses,omitempty"`
}

// ExternalSnapshot holds external detector counters.
type ExternalSnapshot struct {
	Dispatches int64 `json:"dispatches"`
	Errors     int64 `json:"errors"`
	Fallbacks  int64 `json:"fallbacks"`
}

// LatencyGroup groups the two latency dimensions.
type LatencyGroup struct {
	RedactionMs LatencySnapshot `json:"redactionMs"`
	ExternalMs  LatencySnapshot `json:"externalMs"`
}

// LatencySnapshot is a min/mean/max summary for one latency dimension.
type LatencySnapshot struct {
	Count  int64   `json:"count"`
	MinMs  float64 `json:"minMs"`
	MeanMs float64 `json:"meanMs"`
	MaxMs  float64 `json:"maxMs"`
}

// --- internal accumulator ---

type latencyStats struct {
	count int64
	sum   float64
	min   float64
	max   float64
}

func (s *latencyStats) record(ms float64) {
	s.count++
	s.sum += ms
	if s.count == 1 || ms < s.min {
		s.min = ms
	}
	if ms > s.max {
		s.max = ms
	}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func (s *latencyStats) snapshot() LatencySnapshot {
	if s.count == 0 {
		return LatencySnapshot{}
	}
	return LatencySnapshot{
		Count:  s.count,
		MinMs:  round2(s.min),
		MeanMs: round2(s.sum / float64(s.count)),
		MaxMs:  round2(s.max),
	}
}
